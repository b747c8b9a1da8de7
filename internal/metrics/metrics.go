package metrics

import "github.com/prometheus/client_golang/prometheus"

// EngineMetrics exposes counters for booking conflicts, reminder scheduling,
// reminder fires and notification delivery.
type EngineMetrics struct {
	conflictChecks       *prometheus.CounterVec
	reminderOps          *prometheus.CounterVec
	remindersProcessed   *prometheus.CounterVec
	notificationAttempts *prometheus.CounterVec
	jobExecutions        *prometheus.CounterVec
	jobLatency           *prometheus.HistogramVec
}

func NewEngineMetrics(reg prometheus.Registerer) *EngineMetrics {
	m := &EngineMetrics{
		conflictChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "booking",
			Name:      "conflict_checks_total",
			Help:      "Conflict checks by result (free, conflict, error)",
		}, []string{"result"}),
		reminderOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "reminder",
			Name:      "operations_total",
			Help:      "Reminder schedule/cancel operations by status",
		}, []string{"op", "status"}),
		remindersProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "reminder",
			Name:      "processed_total",
			Help:      "Reminder fires by outcome",
		}, []string{"outcome"}),
		notificationAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "notify",
			Name:      "attempts_total",
			Help:      "Notification delivery attempts by channel and status",
		}, []string{"channel", "status"}),
		jobExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "jobs",
			Name:      "executions_total",
			Help:      "Delayed job executions by type and status",
		}, []string{"type", "status"}),
		jobLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "clinic",
			Subsystem: "jobs",
			Name:      "execution_seconds",
			Help:      "Delayed job handler latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		m.conflictChecks,
		m.reminderOps,
		m.remindersProcessed,
		m.notificationAttempts,
		m.jobExecutions,
		m.jobLatency,
	)
	return m
}

func (m *EngineMetrics) ObserveConflictCheck(result string) {
	if m == nil {
		return
	}
	m.conflictChecks.WithLabelValues(result).Inc()
}

func (m *EngineMetrics) ObserveReminderOp(op, status string) {
	if m == nil {
		return
	}
	m.reminderOps.WithLabelValues(op, status).Inc()
}

func (m *EngineMetrics) ObserveReminderProcessed(outcome string) {
	if m == nil {
		return
	}
	m.remindersProcessed.WithLabelValues(outcome).Inc()
}

func (m *EngineMetrics) ObserveNotificationAttempt(channel string, success bool) {
	if m == nil {
		return
	}
	status := "failed"
	if success {
		status = "sent"
	}
	m.notificationAttempts.WithLabelValues(channel, status).Inc()
}

func (m *EngineMetrics) ObserveJob(jobType, status string, seconds float64) {
	if m == nil {
		return
	}
	m.jobExecutions.WithLabelValues(jobType, status).Inc()
	m.jobLatency.WithLabelValues(jobType).Observe(seconds)
}
