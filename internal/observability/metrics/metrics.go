package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func init() {
	gin.SetMode(gin.ReleaseMode)
}

// LLM collects metrics about model calls made by the wrappers.
type LLM struct {
	registry *prometheus.Registry
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	tokens   *prometheus.CounterVec
}

// NewLLM registers the LLM collectors on a fresh registry.
func NewLLM() *LLM {
	registry := prometheus.NewRegistry()
	m := &LLM{
		registry: registry,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "govsim",
			Name:      "llm_requests_total",
			Help:      "Total number of LLM generate calls.",
		}, []string{"model", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "govsim",
			Name:      "llm_request_duration_seconds",
			Help:      "LLM generate call duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"model"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "govsim",
			Name:      "llm_tokens_total",
			Help:      "Tokens consumed by LLM calls.",
		}, []string{"model", "kind"}),
	}
	registry.MustRegister(m.requests, m.latency, m.tokens)
	return m
}

// ObserveCall records the outcome of one generate call.
func (m *LLM) ObserveCall(model string, duration time.Duration, promptTokens, completionTokens int, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.requests.WithLabelValues(model, status).Inc()
	m.latency.WithLabelValues(model).Observe(duration.Seconds())
	if promptTokens > 0 {
		m.tokens.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.tokens.WithLabelValues(model, "completion").Add(float64(completionTokens))
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *LLM) Registry() *prometheus.Registry {
	return m.registry
}

// Handler exposes the metrics in Prometheus text exposition format.
func (m *LLM) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Router returns a gin engine serving /metrics and a /health probe.
func (m *LLM) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(m.Handler()))
	return router
}

// StartServer serves Router on addr until ctx is cancelled.
func (m *LLM) StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	srv := &http.Server{Addr: addr, Handler: m.Router(), ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
