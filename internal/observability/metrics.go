package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relay"

type moduleMetrics struct {
	queueSize    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	dequeueTotal *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	activeSessions      prometheus.Gauge
	sessionsTotal       *prometheus.CounterVec
	sessionLoadDuration prometheus.Histogram
	sessionSaveDuration prometheus.Histogram

	stepTotal    *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	stepAnomaly  *prometheus.CounterVec

	retryTotal       *prometheus.CounterVec
	retryWaitSeconds *prometheus.HistogramVec
	giveUpTotal      *prometheus.CounterVec
	fallbackTotal    *prometheus.CounterVec

	installTotal *prometheus.CounterVec

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec
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
					Help:      "Current queue size by session lane.",
				},
				[]string{"lane"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "enqueue_total",
					Help:      "Total enqueue operations by lane.",
				},
				[]string{"lane"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "dequeue_total",
					Help:      "Total completed queue tasks by lane and status.",
				},
				[]string{"lane", "status"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "task_duration_seconds",
					Help:      "Queue task duration in seconds by lane.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"lane"},
			),
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "active_sessions",
					Help:      "Sessions currently running.",
				},
			),
			sessionsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "sessions_total",
					Help:      "Finished sessions by terminal state.",
				},
				[]string{"state"},
			),
			sessionLoadDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "session_load_duration_seconds",
					Help:      "Session store load duration in seconds.",
					Buckets:   prometheus.DefBuckets,
				},
			),
			sessionSaveDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "session_save_duration_seconds",
					Help:      "Session store save duration in seconds.",
					Buckets:   prometheus.DefBuckets,
				},
			),
			stepTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "step_total",
					Help:      "Provider steps by provider and outcome.",
				},
				[]string{"provider", "status"},
			),
			stepDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "step_duration_seconds",
					Help:      "Provider step duration in seconds.",
					Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
				},
				[]string{"provider"},
			),
			stepAnomaly: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "step_anomaly_total",
					Help:      "Steps finished with unknown reason and zero usage.",
				},
				[]string{"provider"},
			),
			retryTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "retry_total",
					Help:      "Scheduled retries by error class.",
				},
				[]string{"class"},
			),
			retryWaitSeconds: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "retry_wait_seconds",
					Help:      "Time spent waiting before a retry.",
					Buckets:   []float64{1, 2, 5, 10, 30, 60, 300, 1200, 3600},
				},
				[]string{"class"},
			),
			giveUpTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "give_up_total",
					Help:      "Retry give-ups by error class.",
				},
				[]string{"class"},
			),
			fallbackTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "fallback_total",
					Help:      "Cross-provider fallbacks by failed and target provider.",
				},
				[]string{"from", "to"},
			),
			installTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "install_total",
					Help:      "Provider package installs by status.",
				},
				[]string{"status"},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "tool_execution_total",
					Help:      "Tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "tool_execution_duration_seconds",
					Help:      "Tool execution duration in seconds by tool.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.enqueueTotal,
			m.dequeueTotal,
			m.taskDuration,
			m.activeSessions,
			m.sessionsTotal,
			m.sessionLoadDuration,
			m.sessionSaveDuration,
			m.stepTotal,
			m.stepDuration,
			m.stepAnomaly,
			m.retryTotal,
			m.retryWaitSeconds,
			m.giveUpTotal,
			m.fallbackTotal,
			m.installTotal,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
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

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func RecordQueueEnqueue(lane string, queueSize int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(lane).Inc()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func SetQueueSize(lane string, queueSize int) {
	m := getMetrics()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func RecordQueueCompletion(lane string, duration time.Duration, success bool, queueSize int) {
	m := getMetrics()
	m.dequeueTotal.WithLabelValues(lane, statusLabel(success)).Inc()
	m.taskDuration.WithLabelValues(lane).Observe(duration.Seconds())
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

// SessionStarted increments the active session gauge.
func SessionStarted() {
	getMetrics().activeSessions.Inc()
}

// SessionFinished decrements the active session gauge and counts the terminal state.
func SessionFinished(state string) {
	m := getMetrics()
	m.activeSessions.Dec()
	m.sessionsTotal.WithLabelValues(state).Inc()
}

func RecordSessionLoad(duration time.Duration) {
	getMetrics().sessionLoadDuration.Observe(duration.Seconds())
}

func RecordSessionSave(duration time.Duration) {
	getMetrics().sessionSaveDuration.Observe(duration.Seconds())
}

// RecordStep counts one provider step. status is the stream state it ended in.
func RecordStep(provider, status string, duration time.Duration) {
	m := getMetrics()
	m.stepTotal.WithLabelValues(provider, status).Inc()
	m.stepDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func RecordStepAnomaly(provider string) {
	getMetrics().stepAnomaly.WithLabelValues(provider).Inc()
}

func RecordRetry(class string) {
	getMetrics().retryTotal.WithLabelValues(class).Inc()
}

func RecordRetryWait(class string, waited time.Duration) {
	getMetrics().retryWaitSeconds.WithLabelValues(class).Observe(waited.Seconds())
}

func RecordGiveUp(class string) {
	getMetrics().giveUpTotal.WithLabelValues(class).Inc()
}

func RecordFallback(from, to string) {
	getMetrics().fallbackTotal.WithLabelValues(from, to).Inc()
}

func RecordInstall(success bool) {
	getMetrics().installTotal.WithLabelValues(statusLabel(success)).Inc()
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	m.toolExecutionTotal.WithLabelValues(tool, statusLabel(success)).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}
