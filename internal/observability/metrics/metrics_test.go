package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveCall(t *testing.T) {
	m := NewLLM()
	m.ObserveCall("gpt-4o", 150*time.Millisecond, 100, 5, nil)
	m.ObserveCall("gpt-4o", 2*time.Second, 0, 0, errors.New("timeout"))

	if got := testutil.ToFloat64(m.requests.WithLabelValues("gpt-4o", "ok")); got != 1 {
		t.Fatalf("unexpected ok count: %v", got)
	}
	if got := testutil.ToFloat64(m.requests.WithLabelValues("gpt-4o", "error")); got != 1 {
		t.Fatalf("unexpected error count: %v", got)
	}
	if got := testutil.ToFloat64(m.tokens.WithLabelValues("gpt-4o", "prompt")); got != 100 {
		t.Fatalf("unexpected prompt tokens: %v", got)
	}
}

func TestHandlerRendersExposition(t *testing.T) {
	m := NewLLM()
	m.ObserveCall("llama", time.Second, 10, 2, nil)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	for _, want := range []string{
		`govsim_llm_requests_total{model="llama",status="ok"} 1`,
		`govsim_llm_request_duration_seconds_count{model="llama"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics output missing %q:\n%s", want, body)
		}
	}
}

func TestRouterServesHealthAndMetrics(t *testing.T) {
	m := NewLLM()
	m.ObserveCall("gpt-4o", time.Second, 1, 1, nil)
	router := m.Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	if rec.Code != 200 || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("unexpected health response: %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "govsim_llm_tokens_total") {
		t.Fatalf("metrics route missing collectors:\n%s", rec.Body.String())
	}
}

func TestNilCollectorIsNoop(t *testing.T) {
	var m *LLM
	m.ObserveCall("x", time.Second, 1, 1, nil)
}
