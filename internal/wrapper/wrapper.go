// Package wrapper decorates an llm.Client with the sampling parameters of an
// experiment and records every exchange to metrics, the transcript and the
// tracking run.
package wrapper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	xerrors "govsim/internal/errors"
	"govsim/internal/llm"
	"govsim/internal/observability/metrics"
)

// EventLogger 接收每次调用的追踪指标，tracking.Logger 满足该接口。
type EventLogger interface {
	Log(ctx context.Context, metrics map[string]any) error
}

// Options 描述包装器的采样参数与观测组件。
type Options struct {
	Render      bool
	Temperature float64
	TopP        float64
	Seed        int64
	IsAPI       bool
	MaxTokens   int

	Tracker    EventLogger
	Metrics    *metrics.LLM
	Logger     *slog.Logger
	Transcript *slog.Logger
}

// CallOption 调整单次调用。
type CallOption func(*callOptions)

type callOptions struct {
	tag       string
	stop      []string
	maxTokens int
}

// WithTag 为本次调用打上标签，写入追踪事件与转录。
func WithTag(tag string) CallOption {
	return func(o *callOptions) { o.tag = tag }
}

// WithStop 设置停止序列。
func WithStop(stop ...string) CallOption {
	return func(o *callOptions) { o.stop = stop }
}

// WithMaxTokens 覆盖本次调用的最大生成长度。
func WithMaxTokens(n int) CallOption {
	return func(o *callOptions) { o.maxTokens = n }
}

// ModelWrapper 是场景代码使用的模型句柄，可被多个 agent 并发共享。
type ModelWrapper struct {
	client llm.Client
	model  string
	opts   Options

	calls            atomic.Int64
	promptTokens     atomic.Int64
	completionTokens atomic.Int64
}

// New 包装一个模型客户端。
func New(client llm.Client, opts Options) *ModelWrapper {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	model := llm.NameOf(client)
	return &ModelWrapper{
		client: client,
		model:  model,
		opts:   opts,
	}
}

// Model 返回模型标识。
func (w *ModelWrapper) Model() string { return w.model }

// IsAPI 表示底层模型是否为远端 API。
func (w *ModelWrapper) IsAPI() bool { return w.opts.IsAPI }

// Calls 返回累计调用次数。
func (w *ModelWrapper) Calls() int64 { return w.calls.Load() }

// Tokens 返回累计的 prompt 与 completion token 数。
func (w *ModelWrapper) Tokens() (prompt, completion int64) {
	return w.promptTokens.Load(), w.completionTokens.Load()
}

// Generate 以实验的采样参数调用模型，返回生成文本。
func (w *ModelWrapper) Generate(ctx context.Context, system, prompt string, opts ...CallOption) (string, error) {
	co := callOptions{maxTokens: w.opts.MaxTokens}
	for _, opt := range opts {
		if opt != nil {
			opt(&co)
		}
	}

	req := llm.Request{
		System:      system,
		Prompt:      prompt,
		Temperature: w.opts.Temperature,
		TopP:        w.opts.TopP,
		Seed:        w.opts.Seed,
		MaxTokens:   co.maxTokens,
		Stop:        co.stop,
	}

	start := time.Now()
	resp, err := w.client.Generate(ctx, req)
	elapsed := time.Since(start)
	call := w.calls.Add(1)

	var promptTokens, completionTokens int
	if resp != nil {
		promptTokens, completionTokens = resp.PromptTokens, resp.CompletionTokens
	}
	w.opts.Metrics.ObserveCall(w.model, elapsed, promptTokens, completionTokens, err)

	if err != nil {
		w.opts.Logger.Warn("模型调用失败",
			slog.String("model", w.model),
			slog.String("tag", co.tag),
			slog.Duration("elapsed", elapsed),
			slog.Any("error", err))
		if _, ok := xerrors.From(err); ok {
			return "", err
		}
		return "", xerrors.Wrap(xerrors.CodeScenarioFailure, err, fmt.Sprintf("模型 %s 调用失败", w.model),
			xerrors.WithRetryable(retryable(err)))
	}

	w.promptTokens.Add(int64(promptTokens))
	w.completionTokens.Add(int64(completionTokens))

	if w.opts.Transcript != nil {
		w.opts.Transcript.Info("llm_exchange",
			slog.String("model", w.model),
			slog.String("tag", co.tag),
			slog.Int64("call", call),
			slog.String("system", system),
			slog.String("prompt", prompt),
			slog.String("response", resp.Text),
			slog.Int64("latency_ms", elapsed.Milliseconds()),
			slog.Int("prompt_tokens", promptTokens),
			slog.Int("completion_tokens", completionTokens))
	}

	if w.opts.Render {
		w.opts.Logger.Info(render(w.model, co.tag, system, prompt, resp.Text))
	}

	if w.opts.Tracker != nil {
		event := map[string]any{
			"llm/model":             w.model,
			"llm/calls":             call,
			"llm/latency_ms":        elapsed.Milliseconds(),
			"llm/prompt_tokens":     promptTokens,
			"llm/completion_tokens": completionTokens,
		}
		if co.tag != "" {
			event["llm/tag"] = co.tag
		}
		if err := w.opts.Tracker.Log(ctx, event); err != nil {
			w.opts.Logger.Warn("记录模型调用失败", slog.String("model", w.model), slog.Any("error", err))
		}
	}

	return resp.Text, nil
}

// retryable 把网络错误视为可重试；报告了 Temporary 的错误以其结果为准。
func retryable(err error) bool {
	var t interface{ Temporary() bool }
	if errors.As(err, &t) {
		return t.Temporary()
	}
	return true
}

func render(model, tag, system, prompt, response string) string {
	var b strings.Builder
	header := model
	if tag != "" {
		header += " · " + tag
	}
	fmt.Fprintf(&b, "──── %s ────\n", header)
	if system != "" {
		fmt.Fprintf(&b, "[system]\n%s\n", system)
	}
	fmt.Fprintf(&b, "[user]\n%s\n[assistant]\n%s", prompt, response)
	return b.String()
}
