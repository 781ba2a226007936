package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	queueDepth   *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	settleTotal  *prometheus.CounterVec
	callDuration *prometheus.HistogramVec
	cancelTotal  *prometheus.CounterVec
	clearedTotal prometheus.Counter

	activeSessions      prometheus.Gauge
	sessionLoadDuration prometheus.Histogram
	sessionSaveDuration prometheus.Histogram

	agentRunTotal    *prometheus.CounterVec
	agentRunDuration *prometheus.HistogramVec
	agentErrorsTotal *prometheus.CounterVec

	telegramReceivedTotal prometheus.Counter
	telegramSentTotal     prometheus.Counter
	telegramErrorsTotal   prometheus.Counter
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueDepth: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "dispatch_queue_depth",
					Help: "Calls waiting behind the in-flight call, by session.",
				},
				[]string{"session"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "dispatch_enqueue_total",
					Help: "Total submitted calls by session.",
				},
				[]string{"session"},
			),
			settleTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "dispatch_settle_total",
					Help: "Total settled calls by session and status.",
				},
				[]string{"session", "status"},
			),
			callDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "dispatch_call_duration_seconds",
					Help:    "In-flight call duration in seconds by session.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"session"},
			),
			cancelTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "dispatch_cancel_total",
					Help: "Total cancellation requests by kind (cancel, reset).",
				},
				[]string{"kind"},
			),
			clearedTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "dispatch_cleared_total",
					Help: "Total queued calls discarded by queue clears.",
				},
			),
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "active_sessions",
					Help: "Current active session count.",
				},
			),
			sessionLoadDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "session_load_duration_seconds",
					Help:    "Session history load duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			sessionSaveDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "session_save_duration_seconds",
					Help:    "Session append/save duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			agentRunTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agent_run_total",
					Help: "Total agent runs by provider and status.",
				},
				[]string{"provider", "status"},
			),
			agentRunDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "agent_run_duration_seconds",
					Help:    "Agent run duration in seconds by provider.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			agentErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agent_errors_total",
					Help: "Total agent errors by provider.",
				},
				[]string{"provider"},
			),
			telegramReceivedTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "telegram_messages_received_total",
					Help: "Total Telegram messages received.",
				},
			),
			telegramSentTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "telegram_messages_sent_total",
					Help: "Total Telegram messages sent.",
				},
			),
			telegramErrorsTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "telegram_errors_total",
					Help: "Total Telegram send/receive errors.",
				},
			),
		}

		prometheus.MustRegister(
			m.queueDepth,
			m.enqueueTotal,
			m.settleTotal,
			m.callDuration,
			m.cancelTotal,
			m.clearedTotal,
			m.activeSessions,
			m.sessionLoadDuration,
			m.sessionSaveDuration,
			m.agentRunTotal,
			m.agentRunDuration,
			m.agentErrorsTotal,
			m.telegramReceivedTotal,
			m.telegramSentTotal,
			m.telegramErrorsTotal,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordDispatchEnqueue(session string, depth int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(session).Inc()
	m.queueDepth.WithLabelValues(session).Set(float64(depth))
}

func SetQueueDepth(session string, depth int) {
	getMetrics().queueDepth.WithLabelValues(session).Set(float64(depth))
}

func RecordDispatchSettle(session string, duration time.Duration, status string, depth int) {
	m := getMetrics()
	m.settleTotal.WithLabelValues(session, status).Inc()
	m.callDuration.WithLabelValues(session).Observe(duration.Seconds())
	m.queueDepth.WithLabelValues(session).Set(float64(depth))
}

func RecordCancelRequest(kind string) {
	getMetrics().cancelTotal.WithLabelValues(kind).Inc()
}

func RecordQueueCleared(discarded int) {
	getMetrics().clearedTotal.Add(float64(discarded))
}

func SetActiveSessions(count int) {
	getMetrics().activeSessions.Set(float64(count))
}

func RecordSessionLoad(duration time.Duration) {
	getMetrics().sessionLoadDuration.Observe(duration.Seconds())
}

func RecordSessionSave(duration time.Duration) {
	getMetrics().sessionSaveDuration.Observe(duration.Seconds())
}

func RecordAgentRun(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.agentRunTotal.WithLabelValues(provider, status).Inc()
	m.agentRunDuration.WithLabelValues(provider).Observe(duration.Seconds())
	if !success {
		m.agentErrorsTotal.WithLabelValues(provider).Inc()
	}
}

func RecordTelegramReceived() {
	getMetrics().telegramReceivedTotal.Inc()
}

func RecordTelegramSent() {
	getMetrics().telegramSentTotal.Inc()
}

func RecordTelegramError() {
	getMetrics().telegramErrorsTotal.Inc()
}
