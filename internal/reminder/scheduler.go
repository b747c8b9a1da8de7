// Package reminder schedules appointment reminders on a durable delayed job
// queue and handles them when they fire.
package reminder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/appointment-reminder-engine/internal/appointment"
	"github.com/hackgods/appointment-reminder-engine/internal/notify"
	redisclient "github.com/hackgods/appointment-reminder-engine/internal/redis"
)

// LeadTime is how long before the appointment the reminder fires.
const LeadTime = 24 * time.Hour

const JobTypeAppointmentReminder = "appointment_reminder"

// ErrSchedulingFailure means the job queue did not accept a reminder job.
var ErrSchedulingFailure = errors.New("reminder scheduling failed")

type Outcome string

const (
	OutcomeSent              Outcome = "sent"
	OutcomeSuppressedMissing Outcome = "suppressed_missing"
	OutcomeSuppressedStatus  Outcome = "suppressed_status"
	OutcomeSuppressedStale   Outcome = "suppressed_stale"
	OutcomeFailed            Outcome = "failed"
)

// JobScheduler is a durable delayed job store. Implemented by
// redisclient.JobQueue.
type JobScheduler interface {
	ScheduleAt(ctx context.Context, jobType string, payload []byte, at time.Time) (string, error)
	Cancel(ctx context.Context, handle string) (bool, error)
}

// Store is the read side needed at fire time.
type Store interface {
	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
	GetPatientByID(ctx context.Context, id uuid.UUID) (*appointment.Patient, error)
	GetDoctorByID(ctx context.Context, id uuid.UUID) (*appointment.Doctor, error)
}

// Notifier delivers the reminder. Implemented by notify.Dispatcher.
type Notifier interface {
	SendAppointmentReminder(ctx context.Context, appt *appointment.Appointment, patient *appointment.Patient, doctor *appointment.Doctor) notify.Result
}

// Observer is satisfied by *metrics.EngineMetrics.
type Observer interface {
	ObserveReminderOp(op, status string)
	ObserveReminderProcessed(outcome string)
}

type Scheduler struct {
	jobs     JobScheduler
	store    Store
	notifier Notifier
	logger   zerolog.Logger
	observer Observer
	now      func() time.Time
}

func NewScheduler(jobs JobScheduler, store Store, notifier Notifier, logger zerolog.Logger, observer Observer) *Scheduler {
	return &Scheduler{
		jobs:     jobs,
		store:    store,
		notifier: notifier,
		logger:   logger.With().Str("component", "reminder_scheduler").Logger(),
		observer: observer,
		now:      time.Now,
	}
}

// WithClock replaces the scheduler's time source.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	if now != nil {
		s.now = now
	}
	return s
}

// ScheduleReminder registers a reminder LeadTime before the appointment. It
// returns a nil handle when that moment is already past.
func (s *Scheduler) ScheduleReminder(ctx context.Context, appt *appointment.Appointment) (*string, error) {
	fireAt := appt.ScheduledAt.Add(-LeadTime)
	if !fireAt.After(s.now()) {
		s.logger.Debug().
			Str("appointment_id", appt.ID.String()).
			Time("scheduled_at", appt.ScheduledAt).
			Msg("appointment within lead time, no reminder")
		s.observeOp("schedule", "skipped")
		return nil, nil
	}

	handle, err := s.jobs.ScheduleAt(ctx, JobTypeAppointmentReminder, []byte(appt.ID.String()), fireAt)
	if err != nil {
		s.observeOp("schedule", "error")
		return nil, fmt.Errorf("%w: appointment %s: %w", ErrSchedulingFailure, appt.ID, err)
	}

	s.logger.Info().
		Str("appointment_id", appt.ID.String()).
		Str("job", handle).
		Time("fire_at", fireAt).
		Msg("reminder scheduled")
	s.observeOp("schedule", "scheduled")
	return &handle, nil
}

// CancelReminder removes a pending reminder job. It reports false for an
// empty handle, a job that already fired or is gone, and queue errors.
func (s *Scheduler) CancelReminder(ctx context.Context, handle *string) bool {
	if handle == nil || *handle == "" {
		return false
	}

	removed, err := s.jobs.Cancel(ctx, *handle)
	if err != nil {
		s.logger.Warn().Err(err).Str("job", *handle).Msg("reminder cancel failed")
		s.observeOp("cancel", "error")
		return false
	}

	status := "missing"
	if removed {
		status = "removed"
	}
	s.logger.Debug().Str("job", *handle).Bool("removed", removed).Msg("reminder cancel")
	s.observeOp("cancel", status)
	return removed
}

// RescheduleReminder drops oldHandle and schedules a reminder for the
// appointment's current time.
func (s *Scheduler) RescheduleReminder(ctx context.Context, oldHandle *string, appt *appointment.Appointment) (*string, error) {
	s.CancelReminder(ctx, oldHandle)
	return s.ScheduleReminder(ctx, appt)
}

// ProcessReminder runs when a reminder fires. Suppression is not an error.
// A delivery failure is returned so the queue retries the job. It is safe to
// call more than once for the same appointment.
func (s *Scheduler) ProcessReminder(ctx context.Context, appointmentID uuid.UUID) (Outcome, error) {
	outcome, err := s.process(ctx, appointmentID)
	if s.observer != nil {
		s.observer.ObserveReminderProcessed(string(outcome))
	}
	return outcome, err
}

func (s *Scheduler) process(ctx context.Context, appointmentID uuid.UUID) (Outcome, error) {
	log := s.logger.With().Str("appointment_id", appointmentID.String()).Logger()

	appt, err := s.store.GetAppointmentByID(ctx, appointmentID)
	if err != nil {
		if errors.Is(err, appointment.ErrAppointmentNotFound) {
			log.Info().Msg("reminder suppressed: appointment no longer exists")
			return OutcomeSuppressedMissing, nil
		}
		return OutcomeFailed, fmt.Errorf("%w: load appointment: %w", appointment.ErrRepositoryUnavailable, err)
	}

	if appt.Status.SuppressesReminder() {
		log.Info().Str("status", string(appt.Status)).Msg("reminder suppressed: appointment not scheduled")
		return OutcomeSuppressedStatus, nil
	}
	if !appt.ScheduledAt.After(s.now()) {
		log.Info().Time("scheduled_at", appt.ScheduledAt).Msg("reminder suppressed: appointment already started")
		return OutcomeSuppressedStale, nil
	}

	patient, err := s.store.GetPatientByID(ctx, appt.PatientID)
	if err != nil {
		if errors.Is(err, appointment.ErrPatientNotFound) {
			log.Info().Msg("reminder suppressed: patient no longer exists")
			return OutcomeSuppressedMissing, nil
		}
		return OutcomeFailed, fmt.Errorf("%w: load patient: %w", appointment.ErrRepositoryUnavailable, err)
	}
	doctor, err := s.store.GetDoctorByID(ctx, appt.DoctorID)
	if err != nil {
		if errors.Is(err, appointment.ErrDoctorNotFound) {
			log.Info().Msg("reminder suppressed: doctor no longer exists")
			return OutcomeSuppressedMissing, nil
		}
		return OutcomeFailed, fmt.Errorf("%w: load doctor: %w", appointment.ErrRepositoryUnavailable, err)
	}

	res := s.notifier.SendAppointmentReminder(ctx, appt, patient, doctor)
	if !res.Success {
		log.Warn().Err(res.Err).Str("channel", string(res.Channel)).Int("retry_count", res.RetryCount).Msg("reminder delivery failed")
		if errors.Is(res.Err, notify.ErrDeliveryFailure) {
			return OutcomeFailed, fmt.Errorf("reminder for %s: %w", appointmentID, res.Err)
		}
		return OutcomeFailed, fmt.Errorf("%w: reminder for %s: %w", notify.ErrDeliveryFailure, appointmentID, res.Err)
	}

	log.Info().
		Str("channel", string(res.Channel)).
		Str("message_id", res.MessageID).
		Int("retry_count", res.RetryCount).
		Msg("reminder sent")
	return OutcomeSent, nil
}

// HandleJob is the queue handler for reminder jobs.
func (s *Scheduler) HandleJob(ctx context.Context, job redisclient.Job) error {
	id, err := uuid.ParseBytes(job.Payload)
	if err != nil {
		return fmt.Errorf("parse reminder payload %q: %w", job.Payload, err)
	}
	_, err = s.ProcessReminder(ctx, id)
	return err
}

// Register attaches the reminder handler to q.
func (s *Scheduler) Register(q *redisclient.JobQueue) {
	q.Handle(JobTypeAppointmentReminder, s.HandleJob)
}

func (s *Scheduler) observeOp(op, status string) {
	if s.observer != nil {
		s.observer.ObserveReminderOp(op, status)
	}
}

var _ appointment.ReminderScheduler = (*Scheduler)(nil)
