// Package config loads the layered experiment configuration. A primary YAML
// file may list config groups under "defaults" (for example the experiment or
// llm group), command-line overrides are applied on top, and ${...}
// interpolations are resolved before the tree is decoded into Config.
package config
