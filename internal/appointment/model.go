package appointment

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusNoShow    Status = "no_show"
)

func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusCompleted, StatusCancelled, StatusNoShow:
		return true
	}
	return false
}

// SuppressesReminder reports whether an appointment in this status must not
// receive a reminder.
func (s Status) SuppressesReminder() bool {
	return s != StatusScheduled
}

type Patient struct {
	ID        uuid.UUID
	Name      string
	Email     *string
	Phone     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Doctor struct {
	ID        uuid.UUID
	Name      string
	Specialty *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Appointment struct {
	ID          uuid.UUID
	DoctorID    uuid.UUID
	PatientID   uuid.UUID
	ScheduledAt time.Time
	Status      Status
	// ReminderJobRef is the handle of the pending reminder job, nil when none is pending.
	ReminderJobRef *string
	Notes          string
	Version        int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// HasReminder reports whether a reminder handle is attached.
func (a *Appointment) HasReminder() bool {
	return a.ReminderJobRef != nil && *a.ReminderJobRef != ""
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}

// CreateRequest is the input for booking a new appointment.
type CreateRequest struct {
	DoctorID    uuid.UUID
	PatientID   uuid.UUID
	ScheduledAt time.Time
	Notes       string
}

// Changes lists the fields an update touches. Nil fields are left alone.
type Changes struct {
	ScheduledAt *time.Time
	Status      *Status
	Notes       *string
}

func (c Changes) timeChanged(current *Appointment) bool {
	return c.ScheduledAt != nil && !c.ScheduledAt.Equal(current.ScheduledAt)
}

func (c Changes) statusChanged(current *Appointment) bool {
	return c.Status != nil && *c.Status != current.Status
}

// ConflictReport is the result of a slot check for one doctor.
type ConflictReport struct {
	DoctorID    uuid.UUID
	RequestedAt time.Time
	HasConflict bool
	Conflicts   []Appointment
	Suggestions []time.Time
}
