package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "parley"

type moduleMetrics struct {
	queueSize        *prometheus.GaugeVec
	enqueueTotal     *prometheus.CounterVec
	completedTotal   *prometheus.CounterVec
	promptDuration   *prometheus.HistogramVec
	activeSessions   prometheus.Gauge
	historySave      prometheus.Histogram
	chatMessages     prometheus.Counter
	chatDeliveries   *prometheus.CounterVec
	notifierCalls    *prometheus.CounterVec
	providerRequests *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "queue_size",
					Help:      "Pending prompts by agent.",
				},
				[]string{"agent"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "prompts_enqueued_total",
					Help:      "Total prompts submitted by agent.",
				},
				[]string{"agent"},
			),
			completedTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "prompts_completed_total",
					Help:      "Total prompts finished by agent and status.",
				},
				[]string{"agent", "status"},
			),
			promptDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "prompt_duration_seconds",
					Help:      "Prompt execution duration in seconds by agent.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"agent"},
			),
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "active_sessions",
					Help:      "Current live session count.",
				},
			),
			historySave: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "history_save_duration_seconds",
					Help:      "History file save duration in seconds.",
					Buckets:   prometheus.DefBuckets,
				},
			),
			chatMessages: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "chat_messages_total",
					Help:      "Total messages appended to the chat log.",
				},
			),
			chatDeliveries: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "chat_deliveries_total",
					Help:      "Chat delivery attempts by outcome.",
				},
				[]string{"outcome"},
			),
			notifierCalls: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "notifier_calls_total",
					Help:      "External activation calls by status.",
				},
				[]string{"status"},
			),
			providerRequests: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "provider_requests_total",
					Help:      "Provider requests by provider and status.",
				},
				[]string{"provider", "status"},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.enqueueTotal,
			m.completedTotal,
			m.promptDuration,
			m.activeSessions,
			m.historySave,
			m.chatMessages,
			m.chatDeliveries,
			m.notifierCalls,
			m.providerRequests,
		)

		metricsInst = m
	})

	return metricsInst
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordPromptEnqueued(agent string, queueSize int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(agent).Inc()
	m.queueSize.WithLabelValues(agent).Set(float64(queueSize))
}

func SetQueueSize(agent string, queueSize int) {
	getMetrics().queueSize.WithLabelValues(agent).Set(float64(queueSize))
}

// RecordPromptCompleted records a finished prompt. Status is one of
// success, error or cancelled.
func RecordPromptCompleted(agent, status string, duration time.Duration, queueSize int) {
	m := getMetrics()
	m.completedTotal.WithLabelValues(agent, status).Inc()
	m.promptDuration.WithLabelValues(agent).Observe(duration.Seconds())
	m.queueSize.WithLabelValues(agent).Set(float64(queueSize))
}

func SetActiveSessions(count int) {
	getMetrics().activeSessions.Set(float64(count))
}

func RecordHistorySave(duration time.Duration) {
	getMetrics().historySave.Observe(duration.Seconds())
}

func RecordChatMessage() {
	getMetrics().chatMessages.Inc()
}

func RecordDelivery(outcome string) {
	getMetrics().chatDeliveries.WithLabelValues(outcome).Inc()
}

func RecordNotifierCall(success bool) {
	getMetrics().notifierCalls.WithLabelValues(statusLabel(success)).Inc()
}

func RecordProviderRequest(provider string, success bool) {
	getMetrics().providerRequests.WithLabelValues(provider, statusLabel(success)).Inc()
}
