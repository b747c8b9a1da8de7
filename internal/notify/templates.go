package notify

import (
	"bytes"
	"errors"
	"fmt"
	"text/template"
	"time"

	"github.com/hackgods/appointment-reminder-engine/internal/appointment"
)

var (
	reminderSubject = template.Must(template.New("reminder_subject").Parse(
		`Reminder: appointment with {{.DoctorName}} on {{.Date}}`))

	reminderBody = template.Must(template.New("reminder_body").Parse(
		`Hello {{.PatientName}},

This is a reminder of your appointment with {{.DoctorName}}{{if .Specialty}} ({{.Specialty}}){{end}} on {{.Date}} at {{.Time}}.
{{if .Notes}}
Notes: {{.Notes}}
{{end}}
If you cannot attend, please cancel or reschedule in advance.
`))
)

type reminderData struct {
	PatientName string
	DoctorName  string
	Specialty   string
	Date        string
	Time        string
	Notes       string
}

// Templates renders notification content in a fixed time zone.
type Templates struct {
	loc *time.Location
}

func NewTemplates(loc *time.Location) *Templates {
	if loc == nil {
		loc = time.UTC
	}
	return &Templates{loc: loc}
}

// Reminder builds the reminder request for one appointment.
func (t *Templates) Reminder(appt *appointment.Appointment, patient *appointment.Patient, doctor *appointment.Doctor) (Request, error) {
	if appt == nil || patient == nil || doctor == nil {
		return Request{}, errors.New("appointment, patient and doctor are required")
	}

	local := appt.ScheduledAt.In(t.loc)
	data := reminderData{
		PatientName: patient.Name,
		DoctorName:  doctor.Name,
		Date:        local.Format("Monday, 2 January 2006"),
		Time:        local.Format("15:04 MST"),
		Notes:       appt.Notes,
	}
	if doctor.Specialty != nil {
		data.Specialty = *doctor.Specialty
	}

	var subject, body bytes.Buffer
	if err := reminderSubject.Execute(&subject, data); err != nil {
		return Request{}, fmt.Errorf("render subject: %w", err)
	}
	if err := reminderBody.Execute(&body, data); err != nil {
		return Request{}, fmt.Errorf("render body: %w", err)
	}

	rcpt := Recipient{Name: patient.Name}
	if patient.Email != nil {
		rcpt.Email = *patient.Email
	}
	if patient.Phone != nil {
		rcpt.Phone = *patient.Phone
	}

	return Request{
		Recipient: rcpt,
		Type:      MessageAppointmentReminder,
		Subject:   subject.String(),
		Body:      body.String(),
	}, nil
}
