package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "llm_orchestrator"

// Metrics holds the orchestrator's prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	requests        *prometheus.CounterVec
	cacheLookups    *prometheus.CounterVec
	providerLatency *prometheus.HistogramVec
	retries         *prometheus.CounterVec
	rateWait        prometheus.Histogram
	tokens          *prometheus.CounterVec
	cost            *prometheus.CounterVec
	validation      *prometheus.CounterVec
	quality         prometheus.Histogram
	activeStreams   prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Generation requests by model, mode and outcome.",
		}, []string{"model", "mode", "outcome"}),
		cacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by result.",
		}, []string{"result"}),
		providerLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_call_duration_seconds",
			Help:      "Provider call duration including retries.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"model"}),
		retries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_retries_total",
			Help:      "Provider attempts beyond the first.",
		}, []string{"model"}),
		rateWait: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rate_limit_wait_seconds",
			Help:      "Time spent waiting for a rate limit token.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 9),
		}),
		tokens: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Tokens billed by model and direction.",
		}, []string{"model", "direction"}),
		cost: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cost_usd_total",
			Help:      "Estimated spend in USD by model.",
		}, []string{"model"}),
		validation: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validation_results_total",
			Help:      "Validated replies by verdict.",
		}, []string{"verdict"}),
		quality: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "response_quality_score",
			Help:      "Heuristic quality score of validated replies.",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		}),
		activeStreams: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Streams currently producing events.",
		}),
	}
}

func (m *Metrics) Request(model, mode, outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(model, mode, outcome).Inc()
}

func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) ProviderCall(model string, d time.Duration, attempts int) {
	if m == nil {
		return
	}
	m.providerLatency.WithLabelValues(model).Observe(d.Seconds())
	if attempts > 1 {
		m.retries.WithLabelValues(model).Add(float64(attempts - 1))
	}
}

func (m *Metrics) RateWait(d time.Duration) {
	if m == nil {
		return
	}
	m.rateWait.Observe(d.Seconds())
}

func (m *Metrics) Usage(model string, inputTokens, outputTokens int, costUSD float64) {
	if m == nil {
		return
	}
	m.tokens.WithLabelValues(model, "input").Add(float64(inputTokens))
	m.tokens.WithLabelValues(model, "output").Add(float64(outputTokens))
	m.cost.WithLabelValues(model).Add(costUSD)
}

func (m *Metrics) Validation(valid bool, score float64) {
	if m == nil {
		return
	}
	verdict := "invalid"
	if valid {
		verdict = "valid"
	}
	m.validation.WithLabelValues(verdict).Inc()
	m.quality.Observe(score)
}

func (m *Metrics) StreamStarted() {
	if m == nil {
		return
	}
	m.activeStreams.Inc()
}

func (m *Metrics) StreamFinished() {
	if m == nil {
		return
	}
	m.activeStreams.Dec()
}
