package appointment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrPatientNotFound     = errors.New("patient not found")
	ErrDoctorNotFound      = errors.New("doctor not found")
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrStaleAppointment    = errors.New("appointment was modified concurrently")
)

// Repository contains all DB interactions needed by the coordinator.
type Repository interface {
	SlotFinder

	GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetDoctorByID(ctx context.Context, id uuid.UUID) (*Doctor, error)

	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)

	// Creation and updates
	CreateAppointment(ctx context.Context, appt *Appointment) (*Appointment, error)
	// SaveAppointment persists the mutable fields, guarded by appt.Version.
	SaveAppointment(ctx context.Context, appt *Appointment) (*Appointment, error)
	DeleteAppointment(ctx context.Context, id uuid.UUID) error

	// Event logging
	InsertEvent(ctx context.Context, ev EventLog) error
}

// SlotFinder is the read side the conflict resolver needs.
type SlotFinder interface {
	// FindAppointmentsAt returns the non-cancelled appointments of a doctor
	// starting exactly at the given time.
	FindAppointmentsAt(ctx context.Context, doctorID uuid.UUID, at time.Time) ([]Appointment, error)
}
