package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/appointment-reminder-engine/internal/appointment"
)

type CreateAppointmentRequest struct {
	DoctorID    string `json:"doctor_id"`
	PatientID   string `json:"patient_id"`
	ScheduledAt string `json:"scheduled_at"` // RFC3339
	Notes       string `json:"notes,omitempty"`
}

// UpdateAppointmentRequest is a partial update; absent fields are unchanged.
type UpdateAppointmentRequest struct {
	ScheduledAt *string `json:"scheduled_at,omitempty"`
	Status      *string `json:"status,omitempty"`
	Notes       *string `json:"notes,omitempty"`
}

type AppointmentResponse struct {
	ID             uuid.UUID `json:"id"`
	DoctorID       uuid.UUID `json:"doctor_id"`
	PatientID      uuid.UUID `json:"patient_id"`
	ScheduledAt    time.Time `json:"scheduled_at"`
	Status         string    `json:"status"`
	ReminderJobRef *string   `json:"reminder_job_ref,omitempty"`
	Notes          string    `json:"notes,omitempty"`
	Version        int       `json:"version"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type ConflictResponse struct {
	Error       string                `json:"error"`
	Details     string                `json:"details,omitempty"`
	Conflicts   []AppointmentResponse `json:"conflicts"`
	Suggestions []time.Time           `json:"suggestions"`
}

type AvailabilityResponse struct {
	DoctorID    uuid.UUID   `json:"doctor_id"`
	RequestedAt time.Time   `json:"requested_at"`
	Available   bool        `json:"available"`
	Suggestions []time.Time `json:"suggestions"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func toAppointmentResponse(a *appointment.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:             a.ID,
		DoctorID:       a.DoctorID,
		PatientID:      a.PatientID,
		ScheduledAt:    a.ScheduledAt,
		Status:         string(a.Status),
		ReminderJobRef: a.ReminderJobRef,
		Notes:          a.Notes,
		Version:        a.Version,
		CreatedAt:      a.CreatedAt,
		UpdatedAt:      a.UpdatedAt,
	}
}

func toConflictResponse(report *appointment.ConflictReport) ConflictResponse {
	resp := ConflictResponse{
		Error:       "slot_conflict",
		Details:     "doctor already has an appointment at the requested time",
		Conflicts:   make([]AppointmentResponse, 0, len(report.Conflicts)),
		Suggestions: report.Suggestions,
	}
	for i := range report.Conflicts {
		resp.Conflicts = append(resp.Conflicts, toAppointmentResponse(&report.Conflicts[i]))
	}
	if resp.Suggestions == nil {
		resp.Suggestions = []time.Time{}
	}
	return resp
}
