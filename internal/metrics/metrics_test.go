package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestEngineMetrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewEngineMetrics(reg)

	m.ObserveConflictCheck("conflict")
	m.ObserveConflictCheck("conflict")
	m.ObserveNotificationAttempt("email", false)
	m.ObserveNotificationAttempt("email", true)
	m.ObserveReminderProcessed("sent")
	m.ObserveReminderOp("schedule", "ok")
	m.ObserveJob("appointment_reminder", "ok", 0.2)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.conflictChecks.WithLabelValues("conflict")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.notificationAttempts.WithLabelValues("email", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.notificationAttempts.WithLabelValues("email", "sent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.remindersProcessed.WithLabelValues("sent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reminderOps.WithLabelValues("schedule", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobExecutions.WithLabelValues("appointment_reminder", "ok")))
}

func TestEngineMetrics_NilSafe(t *testing.T) {
	var m *EngineMetrics
	assert.NotPanics(t, func() {
		m.ObserveConflictCheck("free")
		m.ObserveReminderOp("cancel", "ok")
		m.ObserveReminderProcessed("suppressed_status")
		m.ObserveNotificationAttempt("sms", false)
		m.ObserveJob("x", "failed", 1)
	})
}
