package wrapper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	xerrors "govsim/internal/errors"
	"govsim/internal/llm"
	"govsim/internal/llm/openai"
	"govsim/internal/observability/metrics"
)

type stubClient struct {
	mu       sync.Mutex
	requests []llm.Request
	reply    string
	err      error
}

func (s *stubClient) ModelName() string { return "stub-7b" }

func (s *stubClient) Generate(_ context.Context, req llm.Request) (*llm.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if s.err != nil {
		return nil, s.err
	}
	return &llm.Response{Text: s.reply, PromptTokens: 12, CompletionTokens: 3}, nil
}

type stubTracker struct {
	mu     sync.Mutex
	events []map[string]any
	err    error
}

func (s *stubTracker) Log(_ context.Context, m map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, m)
	return s.err
}

func TestGenerateAppliesSamplingParams(t *testing.T) {
	client := &stubClient{reply: "10"}
	w := New(client, Options{Temperature: 0.7, TopP: 0.95, Seed: 42, MaxTokens: 32})

	text, err := w.Generate(context.Background(), "You are a fisherman.", "How many tons?", WithStop("\n"), WithTag("harvest"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "10" {
		t.Fatalf("unexpected text: %q", text)
	}
	req := client.requests[0]
	if req.Temperature != 0.7 || req.TopP != 0.95 || req.Seed != 42 || req.MaxTokens != 32 {
		t.Fatalf("sampling params not applied: %+v", req)
	}
	if len(req.Stop) != 1 || req.Stop[0] != "\n" {
		t.Fatalf("stop sequence missing: %+v", req.Stop)
	}
	if w.Model() != "stub-7b" {
		t.Fatalf("unexpected model: %s", w.Model())
	}
}

func TestGenerateMaxTokensOverride(t *testing.T) {
	client := &stubClient{reply: "3"}
	w := New(client, Options{MaxTokens: 32})

	if _, err := w.Generate(context.Background(), "", "How many sheep?", WithMaxTokens(8)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := w.Generate(context.Background(), "", "How many sheep?"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := client.requests[0].MaxTokens; got != 8 {
		t.Fatalf("expected per-call override, got %d", got)
	}
	if got := client.requests[1].MaxTokens; got != 32 {
		t.Fatalf("expected configured default, got %d", got)
	}
}

func TestGenerateRecordsCountersTrackingAndMetrics(t *testing.T) {
	client := &stubClient{reply: "5"}
	tracker := &stubTracker{}
	m := metrics.NewLLM()
	w := New(client, Options{Tracker: tracker, Metrics: m})

	for i := 0; i < 3; i++ {
		if _, err := w.Generate(context.Background(), "", "p", WithTag("harvest")); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if w.Calls() != 3 {
		t.Fatalf("unexpected calls: %d", w.Calls())
	}
	prompt, completion := w.Tokens()
	if prompt != 36 || completion != 9 {
		t.Fatalf("unexpected tokens: %d/%d", prompt, completion)
	}
	if len(tracker.events) != 3 {
		t.Fatalf("expected 3 tracking events, got %d", len(tracker.events))
	}
	last := tracker.events[2]
	if last["llm/calls"] != int64(3) || last["llm/tag"] != "harvest" || last["llm/model"] != "stub-7b" {
		t.Fatalf("unexpected event: %v", last)
	}
	got, err := testutil.GatherAndCount(m.Registry(), "govsim_llm_requests_total")
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	if got != 1 {
		t.Fatalf("expected one request series, got %d", got)
	}
}

func TestGenerateTrackingFailureDoesNotFailCall(t *testing.T) {
	client := &stubClient{reply: "ok"}
	w := New(client, Options{Tracker: &stubTracker{err: errors.New("redis down")}})
	if _, err := w.Generate(context.Background(), "", "p"); err != nil {
		t.Fatalf("tracking errors must not fail generation: %v", err)
	}
}

func TestGenerateWrapsClientErrors(t *testing.T) {
	client := &stubClient{err: errors.New("connection refused")}
	w := New(client, Options{})

	_, err := w.Generate(context.Background(), "", "p")
	if xerrors.CodeOf(err) != xerrors.CodeScenarioFailure {
		t.Fatalf("unexpected code: %s", xerrors.CodeOf(err))
	}
	if !xerrors.RetryableError(err) {
		t.Fatalf("model call failures should be retryable")
	}
	if w.Calls() != 1 {
		t.Fatalf("failed calls are still counted")
	}
	if p, c := w.Tokens(); p != 0 || c != 0 {
		t.Fatalf("failed calls must not add tokens")
	}
}

func TestGenerateRejectedRequestIsNotRetryable(t *testing.T) {
	client := &stubClient{err: &openai.StatusError{StatusCode: 401, Body: "invalid api key"}}
	w := New(client, Options{})

	_, err := w.Generate(context.Background(), "", "p")
	if xerrors.RetryableError(err) {
		t.Fatalf("a 401 response should not be retried")
	}

	client.err = &openai.StatusError{StatusCode: 429}
	if _, err := w.Generate(context.Background(), "", "p"); !xerrors.RetryableError(err) {
		t.Fatalf("rate limiting should be retryable")
	}
}

func TestGenerateWritesTranscriptAndRender(t *testing.T) {
	var transcript, out bytes.Buffer
	client := &stubClient{reply: "I will catch 8 tons."}
	w := New(client, Options{
		Render:     true,
		Logger:     slog.New(slog.NewTextHandler(&out, nil)),
		Transcript: slog.New(slog.NewJSONHandler(&transcript, nil)),
	})

	if _, err := w.Generate(context.Background(), "sys", "How many?", WithTag("harvest")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var record map[string]any
	if err := json.Unmarshal(transcript.Bytes(), &record); err != nil {
		t.Fatalf("transcript is not json: %v", err)
	}
	if record["response"] != "I will catch 8 tons." || record["prompt"] != "How many?" || record["tag"] != "harvest" {
		t.Fatalf("unexpected transcript: %v", record)
	}
	if !strings.Contains(out.String(), "[assistant]") {
		t.Fatalf("render output missing: %s", out.String())
	}
}
