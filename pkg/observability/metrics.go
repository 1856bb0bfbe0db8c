package observability

import (
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Response queue
	itemsDeliveredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stagecraft_items_delivered_total",
			Help: "Outbound items delivered, by tier and source",
		},
		[]string{"tier", "source"},
	)

	itemsCancelledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stagecraft_items_cancelled_total",
			Help: "Outbound items cancelled before delivery, by tier and reason",
		},
		[]string{"tier", "reason"},
	)

	// Synchronization gate
	admissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stagecraft_admissions_total",
			Help: "User events offered to the gate, by result",
		},
		[]string{"result"},
	)

	// Generation
	generationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stagecraft_generations_total",
			Help: "Generation requests, by provider and result (ok, error, timeout)",
		},
		[]string{"provider", "result"},
	)

	generationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stagecraft_generation_duration_seconds",
			Help:    "Generation request latency in seconds",
			Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 15, 30},
		},
		[]string{"provider"},
	)

	generationTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stagecraft_generation_tokens_total",
			Help: "Tokens consumed by generation requests, by provider and kind (prompt, completion)",
		},
		[]string{"provider", "kind"},
	)

	speechTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stagecraft_speech_total",
			Help: "Speech synthesis requests, by result",
		},
		[]string{"result"},
	)

	// Director and state
	directorDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stagecraft_director_decisions_total",
			Help: "Director decisions, by action",
		},
		[]string{"action"},
	)

	ignoredActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stagecraft_ignored_actions_total",
			Help: "User actions ignored by the state engine, by reason",
		},
		[]string{"reason"},
	)

	outcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stagecraft_outcomes_total",
			Help: "Sessions that reached a terminal outcome, by scenario and outcome",
		},
		[]string{"scenario", "outcome"},
	)

	// System
	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "stagecraft_active_sessions",
			Help: "Number of live sessions",
		},
	)

	goroutines = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "stagecraft_goroutines",
			Help: "Number of goroutines",
		},
	)

	initOnce sync.Once
)

// InitMetrics registers the collectors with the default registry. It is
// safe to call more than once.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			itemsDeliveredTotal,
			itemsCancelledTotal,
			admissionsTotal,
			generationsTotal,
			generationDuration,
			generationTokensTotal,
			speechTotal,
			directorDecisionsTotal,
			ignoredActionsTotal,
			outcomesTotal,
			activeSessions,
			goroutines,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordItemDelivered records a line reaching the client
func RecordItemDelivered(tier, source string) {
	itemsDeliveredTotal.WithLabelValues(tier, source).Inc()
}

// RecordItemCancelled records a queued line dropped before delivery
func RecordItemCancelled(tier, reason string) {
	itemsCancelledTotal.WithLabelValues(tier, reason).Inc()
}

// RecordAdmission records a gate decision
func RecordAdmission(result string) {
	admissionsTotal.WithLabelValues(result).Inc()
}

// RecordGeneration records one generation request and its latency.
func RecordGeneration(provider, result string, duration time.Duration) {
	generationsTotal.WithLabelValues(provider, result).Inc()
	generationDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordTokens adds token usage reported by a provider.
func RecordTokens(provider string, prompt, completion int) {
	if prompt > 0 {
		generationTokensTotal.WithLabelValues(provider, "prompt").Add(float64(prompt))
	}
	if completion > 0 {
		generationTokensTotal.WithLabelValues(provider, "completion").Add(float64(completion))
	}
}

// RecordSpeech records a speech synthesis result (ok, error, skipped)
func RecordSpeech(result string) {
	speechTotal.WithLabelValues(result).Inc()
}

// RecordDirectorDecision records the action the director chose
func RecordDirectorDecision(action string) {
	directorDecisionsTotal.WithLabelValues(action).Inc()
}

// RecordIgnoredAction records an action the state engine refused
func RecordIgnoredAction(reason string) {
	ignoredActionsTotal.WithLabelValues(reason).Inc()
}

// RecordOutcome records a finished session
func RecordOutcome(scenario, outcome string) {
	outcomesTotal.WithLabelValues(scenario, outcome).Inc()
}

// SetActiveSessions sets the live session gauge
func SetActiveSessions(count int) {
	activeSessions.Set(float64(count))
}

// UpdateRuntimeGauges refreshes process-level gauges.
func UpdateRuntimeGauges() {
	goroutines.Set(float64(runtime.NumGoroutine()))
}
