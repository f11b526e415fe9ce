package metrics

import (
	"net/http"

	"ollama-metrics-proxy/internal/ollama"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const nanosPerSecond = 1e9

// Error types reported under ollama_proxy_errors_total.
const (
	ErrorUpstream     = "upstream"
	ErrorUsageWrite   = "usage_write"
	ErrorUsageDropped = "usage_dropped"
)

// Registry owns every series the proxy exposes. Each instance has its own
// prometheus.Registry so tests can run in isolation.
type Registry struct {
	reg *prometheus.Registry

	// RequestCount tracks instrumented requests per model.
	RequestCount *prometheus.CounterVec

	TotalDuration      *prometheus.HistogramVec
	LoadDuration       *prometheus.HistogramVec
	PromptEvalDuration *prometheus.HistogramVec
	EvalDuration       *prometheus.HistogramVec
	TokensPerSecond    *prometheus.HistogramVec

	PromptTokens    *prometheus.CounterVec
	GeneratedTokens *prometheus.CounterVec

	// ErrorRate tracks proxy-side failures by type.
	ErrorRate *prometheus.CounterVec
}

// NewRegistry creates and registers all proxy metrics on a fresh registry.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	labels := []string{"model"}

	return &Registry{
		reg: reg,
		RequestCount: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ollama_requests_total",
			Help: "Total chat requests",
		}, labels),
		TotalDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ollama_response_seconds",
			Help:    "Total time spent for the response",
			Buckets: prometheus.DefBuckets,
		}, labels),
		LoadDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ollama_load_duration_seconds",
			Help:    "Time spent loading the model",
			Buckets: prometheus.DefBuckets,
		}, labels),
		PromptEvalDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ollama_prompt_eval_duration_seconds",
			Help:    "Time spent evaluating prompt",
			Buckets: prometheus.DefBuckets,
		}, labels),
		PromptTokens: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ollama_tokens_processed_total",
			Help: "Number of tokens in the prompt",
		}, labels),
		EvalDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ollama_eval_duration_seconds",
			Help:    "Time spent generating the response",
			Buckets: prometheus.DefBuckets,
		}, labels),
		GeneratedTokens: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ollama_tokens_generated_total",
			Help: "Number of tokens in the response",
		}, labels),
		TokensPerSecond: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ollama_tokens_per_second",
			Help:    "Tokens generated per second",
			Buckets: prometheus.DefBuckets,
		}, labels),
		ErrorRate: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ollama_proxy_errors_total",
			Help: "Total errors encountered by the proxy.",
		}, []string{"type"}),
	}
}

// IncRequest counts one instrumented request for model.
func (r *Registry) IncRequest(model string) {
	r.RequestCount.WithLabelValues(model).Inc()
}

// IncError counts one proxy-side failure of the given type.
func (r *Registry) IncError(errType string) {
	r.ErrorRate.WithLabelValues(errType).Inc()
}

// Record pushes the statistics of one completed response into the registry.
// Zero, negative and missing values are not recorded.
func (r *Registry) Record(model string, s ollama.Stats) {
	if s.TotalDuration > 0 {
		r.TotalDuration.WithLabelValues(model).Observe(float64(s.TotalDuration) / nanosPerSecond)
	}
	if s.LoadDuration > 0 {
		r.LoadDuration.WithLabelValues(model).Observe(float64(s.LoadDuration) / nanosPerSecond)
	}
	if s.PromptEvalDuration > 0 {
		r.PromptEvalDuration.WithLabelValues(model).Observe(float64(s.PromptEvalDuration) / nanosPerSecond)
	}
	if s.PromptEvalCount > 0 {
		r.PromptTokens.WithLabelValues(model).Add(float64(s.PromptEvalCount))
	}
	if s.EvalDuration > 0 {
		r.EvalDuration.WithLabelValues(model).Observe(float64(s.EvalDuration) / nanosPerSecond)
	}
	if s.EvalCount > 0 {
		r.GeneratedTokens.WithLabelValues(model).Add(float64(s.EvalCount))
	}
	if s.EvalDuration > 0 && s.EvalCount > 0 {
		seconds := float64(s.EvalDuration) / nanosPerSecond
		r.TokensPerSecond.WithLabelValues(model).Observe(float64(s.EvalCount) / seconds)
	}
}

// Gatherer exposes the underlying registry for scraping and tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// Handler serves the registry in the Prometheus text exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}
