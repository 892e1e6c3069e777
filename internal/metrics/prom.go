package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	utterances = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nbest_utterances_total",
			Help: "Utterances rescored",
		},
	)

	hypothesesScored = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nbest_hypotheses_scored_total",
			Help: "Hypotheses scored per model and scoring mode",
		},
		[]string{"model", "mode"},
	)

	forwardDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nbest_model_forward_seconds",
			Help:    "Model forward pass duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"model"},
	)

	cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nbest_cache_lookups_total",
			Help: "Score cache lookups by result",
		},
		[]string{"result"},
	)
)

// Register registers all metrics with the provided registerer.
func Register(r prometheus.Registerer) {
	r.MustRegister(utterances, hypothesesScored, forwardDuration, cacheLookups)
}

// RecordUtterance increments the utterance counter.
func RecordUtterance() {
	utterances.Inc()
}

// RecordHypotheses counts n scored hypotheses for a model; mode is "full" or "masked".
func RecordHypotheses(model, mode string, n int) {
	hypothesesScored.WithLabelValues(model, mode).Add(float64(n))
}

// ObserveForward records the duration of one forward pass.
func ObserveForward(model string, d time.Duration) {
	forwardDuration.WithLabelValues(model).Observe(d.Seconds())
}

// RecordCacheLookup counts a cache hit or miss.
func RecordCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheLookups.WithLabelValues(result).Inc()
}

// WriteFile writes the registry to path in the Prometheus text format.
func WriteFile(path string, g prometheus.Gatherer) error {
	return prometheus.WriteToTextfile(path, g)
}
