// Package llm contains adapters for invoking large language models. It
// abstracts away provider-specific APIs (OpenAI-compatible HTTP servers,
// local models behind a Python helper) behind a single Client interface.
package llm
