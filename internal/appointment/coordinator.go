package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	redisclient "github.com/hackgods/appointment-reminder-engine/internal/redis"
)

const (
	EventAppointmentCreated     = "APPOINTMENT_CREATED"
	EventAppointmentUpdated     = "APPOINTMENT_UPDATED"
	EventAppointmentCancelled   = "APPOINTMENT_CANCELLED"
	EventAppointmentDeleted     = "APPOINTMENT_DELETED"
	EventReminderScheduled      = "REMINDER_SCHEDULED"
	EventReminderCancelled      = "REMINDER_CANCELLED"
	EventReminderScheduleFailed = "REMINDER_SCHEDULE_FAILED"
	EventReminderHandleStale    = "REMINDER_HANDLE_STALE"
)

var (
	ErrSlotBeingBooked         = errors.New("slot is currently being booked, please retry")
	ErrInvalidStatus           = errors.New("invalid appointment status")
	ErrInvalidStatusTransition = errors.New("invalid status transition")
)

// ReminderScheduler owns the reminder job of an appointment. Implemented by
// reminder.Scheduler.
type ReminderScheduler interface {
	ScheduleReminder(ctx context.Context, appt *Appointment) (*string, error)
	CancelReminder(ctx context.Context, handle *string) bool
	RescheduleReminder(ctx context.Context, oldHandle *string, appt *Appointment) (*string, error)
}

// Coordinator keeps appointments and their reminder jobs in sync. It is the
// only writer of Appointment.ReminderJobRef.
type Coordinator struct {
	repo      Repository
	resolver  *ConflictResolver
	reminders ReminderScheduler
	locker    redisclient.Locker
	logger    zerolog.Logger
}

func NewCoordinator(repo Repository, resolver *ConflictResolver, reminders ReminderScheduler, locker redisclient.Locker, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		repo:      repo,
		resolver:  resolver,
		reminders: reminders,
		locker:    locker,
		logger:    logger.With().Str("component", "coordinator").Logger(),
	}
}

// CheckConflict exposes the resolver to callers that want suggestions
// before booking.
func (c *Coordinator) CheckConflict(ctx context.Context, doctorID uuid.UUID, at time.Time, excludeID *uuid.UUID) (*ConflictReport, error) {
	return c.resolver.CheckConflict(ctx, doctorID, at, excludeID)
}

// CreateAppointment books a slot for a patient. The conflict check and the
// insert run under a per-slot distributed lock; the unique index on
// (doctor_id, scheduled_at) backs it up.
func (c *Coordinator) CreateAppointment(ctx context.Context, req CreateRequest) (*Appointment, error) {
	if req.ScheduledAt.IsZero() {
		return nil, ErrInvalidTime
	}
	at := req.ScheduledAt.UTC()

	if _, err := c.repo.GetPatientByID(ctx, req.PatientID); err != nil {
		if errors.Is(err, ErrPatientNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: load patient: %w", ErrRepositoryUnavailable, err)
	}
	if _, err := c.repo.GetDoctorByID(ctx, req.DoctorID); err != nil {
		if errors.Is(err, ErrDoctorNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: load doctor: %w", ErrRepositoryUnavailable, err)
	}

	var created *Appointment

	err := c.withSlotLock(ctx, req.DoctorID, at, func(lockCtx context.Context) error {
		report, err := c.resolver.CheckConflict(lockCtx, req.DoctorID, at, nil)
		if err != nil {
			return err
		}
		if report.HasConflict {
			return &ConflictError{Report: report}
		}

		appt, err := c.repo.CreateAppointment(lockCtx, &Appointment{
			DoctorID:    req.DoctorID,
			PatientID:   req.PatientID,
			ScheduledAt: at,
			Status:      StatusScheduled,
			Notes:       req.Notes,
		})
		if err != nil {
			if errors.Is(err, ErrSlotAlreadyBooked) {
				return c.conflictAfterRace(lockCtx, req.DoctorID, at, nil)
			}
			return fmt.Errorf("%w: create appointment: %w", ErrRepositoryUnavailable, err)
		}

		created = appt
		c.logEvent(lockCtx, appt.ID, EventAppointmentCreated, map[string]any{
			"doctor_id":    req.DoctorID.String(),
			"patient_id":   req.PatientID.String(),
			"scheduled_at": at,
		})
		return nil
	})
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrSlotBeingBooked
		}
		return nil, err
	}

	return c.OnCreate(ctx, created), nil
}

// OnCreate schedules the reminder of a freshly persisted appointment and
// stores its handle. Failures are logged and never fail the booking.
func (c *Coordinator) OnCreate(ctx context.Context, appt *Appointment) *Appointment {
	handle, err := c.reminders.ScheduleReminder(ctx, appt)
	if err != nil {
		c.logger.Warn().Err(err).Str("appointment_id", appt.ID.String()).Msg("reminder scheduling failed, booking kept without reminder")
		c.logEvent(ctx, appt.ID, EventReminderScheduleFailed, map[string]any{"error": err.Error()})
		return appt
	}
	if handle == nil {
		return appt
	}
	return c.storeHandle(ctx, appt, handle)
}

// UpdateAppointment loads the appointment and applies changes through OnUpdate.
func (c *Coordinator) UpdateAppointment(ctx context.Context, id uuid.UUID, changes Changes) (*Appointment, error) {
	current, err := c.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: load appointment: %w", ErrRepositoryUnavailable, err)
	}
	return c.OnUpdate(ctx, current, changes)
}

// OnUpdate validates and persists changes to current. A time change is
// re-checked for conflicts excluding the appointment itself and rejected
// without touching the stored row or its reminder. After a successful save
// the reminder is brought in line with the new state.
func (c *Coordinator) OnUpdate(ctx context.Context, current *Appointment, changes Changes) (*Appointment, error) {
	if changes.Status != nil && !changes.Status.Valid() {
		return nil, ErrInvalidStatus
	}
	if changes.ScheduledAt != nil && changes.ScheduledAt.IsZero() {
		return nil, ErrInvalidTime
	}

	timeChanged := changes.timeChanged(current)
	statusChanged := changes.statusChanged(current)
	if statusChanged && !canTransition(current.Status, *changes.Status) {
		return nil, ErrInvalidStatusTransition
	}

	next := *current
	if timeChanged {
		next.ScheduledAt = changes.ScheduledAt.UTC()
	}
	if statusChanged {
		next.Status = *changes.Status
	}
	if changes.Notes != nil {
		next.Notes = *changes.Notes
	}

	var saved *Appointment
	persist := func(ctx context.Context) error {
		if timeChanged && next.Status != StatusCancelled {
			report, err := c.resolver.CheckConflict(ctx, next.DoctorID, next.ScheduledAt, &next.ID)
			if err != nil {
				return err
			}
			if report.HasConflict {
				return &ConflictError{Report: report}
			}
		}

		s, err := c.repo.SaveAppointment(ctx, &next)
		if err != nil {
			switch {
			case errors.Is(err, ErrSlotAlreadyBooked):
				return c.conflictAfterRace(ctx, next.DoctorID, next.ScheduledAt, &next.ID)
			case errors.Is(err, ErrStaleAppointment):
				return err
			}
			return fmt.Errorf("%w: save appointment: %w", ErrRepositoryUnavailable, err)
		}
		saved = s
		return nil
	}

	var err error
	if timeChanged {
		err = c.withSlotLock(ctx, next.DoctorID, next.ScheduledAt, persist)
	} else {
		err = persist(ctx)
	}
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrSlotBeingBooked
		}
		return nil, err
	}

	event := EventAppointmentUpdated
	if statusChanged && saved.Status == StatusCancelled {
		event = EventAppointmentCancelled
	}
	c.logEvent(ctx, saved.ID, event, map[string]any{
		"scheduled_at":   saved.ScheduledAt,
		"status":         string(saved.Status),
		"time_changed":   timeChanged,
		"status_changed": statusChanged,
	})

	return c.reconcileReminder(ctx, saved, timeChanged), nil
}

// CancelAppointment moves an appointment to cancelled and drops its reminder.
func (c *Coordinator) CancelAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	status := StatusCancelled
	return c.UpdateAppointment(ctx, id, Changes{Status: &status})
}

// DeleteAppointment removes an appointment after cancelling its reminder.
func (c *Coordinator) DeleteAppointment(ctx context.Context, id uuid.UUID) error {
	appt, err := c.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return err
		}
		return fmt.Errorf("%w: load appointment: %w", ErrRepositoryUnavailable, err)
	}

	c.OnDelete(ctx, appt)

	if err := c.repo.DeleteAppointment(ctx, id); err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrRepositoryUnavailable, err)
	}
	c.logEvent(ctx, id, EventAppointmentDeleted, map[string]any{})
	return nil
}

// OnDelete cancels any pending reminder of appt, best effort.
func (c *Coordinator) OnDelete(ctx context.Context, appt *Appointment) {
	if !appt.HasReminder() {
		return
	}
	removed := c.reminders.CancelReminder(ctx, appt.ReminderJobRef)
	c.logger.Info().
		Str("appointment_id", appt.ID.String()).
		Bool("removed", removed).
		Msg("reminder cancelled for deleted appointment")
}

// GetAppointment returns a single appointment.
func (c *Coordinator) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	appt, err := c.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get appointment: %w", err)
	}
	return appt, nil
}

// reconcileReminder makes the reminder handle agree with the appointment:
// a handle exists only while the appointment is scheduled.
func (c *Coordinator) reconcileReminder(ctx context.Context, appt *Appointment, timeChanged bool) *Appointment {
	wantReminder := appt.Status == StatusScheduled

	switch {
	case !wantReminder && appt.HasReminder():
		removed := c.reminders.CancelReminder(ctx, appt.ReminderJobRef)
		c.logEvent(ctx, appt.ID, EventReminderCancelled, map[string]any{
			"status":  string(appt.Status),
			"removed": removed,
		})
		return c.storeHandle(ctx, appt, nil)

	case wantReminder && timeChanged:
		handle, err := c.reminders.RescheduleReminder(ctx, appt.ReminderJobRef, appt)
		if err != nil {
			c.logger.Warn().Err(err).Str("appointment_id", appt.ID.String()).Msg("reminder rescheduling failed")
			c.logEvent(ctx, appt.ID, EventReminderScheduleFailed, map[string]any{"error": err.Error()})
			handle = nil
		}
		return c.storeHandle(ctx, appt, handle)

	case wantReminder && !appt.HasReminder():
		handle, err := c.reminders.ScheduleReminder(ctx, appt)
		if err != nil {
			c.logger.Warn().Err(err).Str("appointment_id", appt.ID.String()).Msg("reminder scheduling failed")
			return appt
		}
		if handle == nil {
			return appt
		}
		return c.storeHandle(ctx, appt, handle)
	}

	return appt
}

// storeHandle persists a new reminder handle. On failure a freshly created
// job is cancelled so it does not linger unreferenced. Callers have already
// cancelled the old job, so the stored handle is then cleared as well; if
// that also fails the row is left pointing at a dead job and an event
// records it.
func (c *Coordinator) storeHandle(ctx context.Context, appt *Appointment, handle *string) *Appointment {
	if sameHandle(appt.ReminderJobRef, handle) {
		return appt
	}

	next := *appt
	next.ReminderJobRef = handle

	saved, err := c.repo.SaveAppointment(ctx, &next)
	if err != nil {
		c.logger.Warn().Err(err).Str("appointment_id", appt.ID.String()).Msg("failed to persist reminder handle")
		if handle != nil {
			c.reminders.CancelReminder(ctx, handle)
		}
		if !appt.HasReminder() {
			return appt
		}
		return c.clearStaleHandle(ctx, appt)
	}

	if handle != nil {
		c.logEvent(ctx, saved.ID, EventReminderScheduled, map[string]any{"job": *handle})
	}
	return saved
}

func (c *Coordinator) clearStaleHandle(ctx context.Context, appt *Appointment) *Appointment {
	next := *appt
	next.ReminderJobRef = nil

	saved, err := c.repo.SaveAppointment(ctx, &next)
	if err != nil {
		c.logger.Error().Err(err).
			Str("appointment_id", appt.ID.String()).
			Str("job", *appt.ReminderJobRef).
			Msg("stored reminder handle refers to a cancelled job")
		c.logEvent(ctx, appt.ID, EventReminderHandleStale, map[string]any{
			"job":   *appt.ReminderJobRef,
			"error": err.Error(),
		})
		return appt
	}
	return saved
}

// conflictAfterRace turns a unique-index violation into a ConflictError with
// fresh suggestions.
func (c *Coordinator) conflictAfterRace(ctx context.Context, doctorID uuid.UUID, at time.Time, excludeID *uuid.UUID) error {
	report, err := c.resolver.CheckConflict(ctx, doctorID, at, excludeID)
	if err != nil {
		return err
	}
	if !report.HasConflict {
		return ErrSlotAlreadyBooked
	}
	return &ConflictError{Report: report}
}

// withSlotLock runs fn under the slot lock. When Redis is unreachable fn runs
// unlocked; the partial unique index still rejects a second active booking
// and conflictAfterRace reports it as a normal conflict.
func (c *Coordinator) withSlotLock(ctx context.Context, doctorID uuid.UUID, at time.Time, fn func(ctx context.Context) error) error {
	if c.locker == nil {
		return fn(ctx)
	}
	key := SlotKey(doctorID, at)
	err := c.locker.WithSlotLock(ctx, key, fn)
	if errors.Is(err, redisclient.ErrLockUnavailable) {
		c.logger.Warn().Err(err).Str("slot", key).Msg("slot lock unavailable, relying on unique index")
		return fn(ctx)
	}
	return err
}

// SlotKey identifies a (doctor, start time) pair for locking.
func SlotKey(doctorID uuid.UUID, at time.Time) string {
	return fmt.Sprintf("%s:%d", doctorID, at.UTC().Unix())
}

func canTransition(from, to Status) bool {
	if from == to {
		return true
	}
	return from == StatusScheduled
}

func sameHandle(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (c *Coordinator) logEvent(ctx context.Context, appointmentID uuid.UUID, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		c.logger.Error().Err(err).Str("event", eventType).Msg("failed to marshal event payload")
		data = nil
	}

	apptID := appointmentID

	ev := EventLog{
		EventType:     eventType,
		AppointmentID: &apptID,
		Payload:       data,
		CreatedAt:     time.Now(),
	}

	if err := c.repo.InsertEvent(ctx, ev); err != nil {
		c.logger.Error().Err(err).Str("event", eventType).Str("appointment_id", appointmentID.String()).Msg("failed to insert event log")
	}
}
