package appointment

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memRepo is an in-memory Repository that enforces the same uniqueness and
// version rules as the Postgres schema.
type memRepo struct {
	mu           sync.Mutex
	patients     map[uuid.UUID]*Patient
	doctors      map[uuid.UUID]*Doctor
	appointments map[uuid.UUID]*Appointment
	events       []EventLog

	findErr  error
	saveErr  error
	findHook func(at time.Time)
	saveHook func(n int) error
	saves    int
}

func newMemRepo() *memRepo {
	return &memRepo{
		patients:     map[uuid.UUID]*Patient{},
		doctors:      map[uuid.UUID]*Doctor{},
		appointments: map[uuid.UUID]*Appointment{},
	}
}

func (r *memRepo) addPatient(name string) *Patient {
	r.mu.Lock()
	defer r.mu.Unlock()
	mail := fmt.Sprintf("%s@example.com", name)
	p := &Patient{ID: uuid.New(), Name: name, Email: &mail}
	r.patients[p.ID] = p
	return p
}

func (r *memRepo) addDoctor(name string) *Doctor {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := &Doctor{ID: uuid.New(), Name: name}
	r.doctors[d.ID] = d
	return d
}

// seed stores an appointment directly, bypassing the coordinator.
func (r *memRepo) seed(doctorID uuid.UUID, at time.Time, status Status) *Appointment {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := &Appointment{
		ID:          uuid.New(),
		DoctorID:    doctorID,
		PatientID:   uuid.New(),
		ScheduledAt: at.UTC(),
		Status:      status,
		Version:     1,
	}
	r.appointments[a.ID] = a
	cp := *a
	return &cp
}

func (r *memRepo) get(id uuid.UUID) *Appointment {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.appointments[id]
	if !ok {
		return nil
	}
	cp := *a
	return &cp
}

func (r *memRepo) eventTypes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.EventType)
	}
	return out
}

func (r *memRepo) FindAppointmentsAt(ctx context.Context, doctorID uuid.UUID, at time.Time) ([]Appointment, error) {
	if r.findHook != nil {
		r.findHook(at)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.findErr != nil {
		return nil, r.findErr
	}
	var out []Appointment
	for _, a := range r.appointments {
		if a.DoctorID == doctorID && a.ScheduledAt.Equal(at) && a.Status != StatusCancelled {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (r *memRepo) GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.patients[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	return p, nil
}

func (r *memRepo) GetDoctorByID(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.doctors[id]
	if !ok {
		return nil, ErrDoctorNotFound
	}
	return d, nil
}

func (r *memRepo) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a := r.get(id)
	if a == nil {
		return nil, ErrAppointmentNotFound
	}
	return a, nil
}

func (r *memRepo) slotTaken(a *Appointment) bool {
	for _, other := range r.appointments {
		if other.ID != a.ID && other.DoctorID == a.DoctorID &&
			other.ScheduledAt.Equal(a.ScheduledAt) && other.Status != StatusCancelled {
			return true
		}
	}
	return false
}

func (r *memRepo) CreateAppointment(ctx context.Context, appt *Appointment) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *appt
	cp.ID = uuid.New()
	cp.Version = 1
	cp.CreatedAt = time.Now()
	cp.UpdatedAt = cp.CreatedAt
	if r.slotTaken(&cp) {
		return nil, ErrSlotAlreadyBooked
	}
	r.appointments[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (r *memRepo) SaveAppointment(ctx context.Context, appt *Appointment) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saves++
	if r.saveErr != nil {
		return nil, r.saveErr
	}
	if r.saveHook != nil {
		if err := r.saveHook(r.saves); err != nil {
			return nil, err
		}
	}
	stored, ok := r.appointments[appt.ID]
	if !ok || stored.Version != appt.Version {
		return nil, ErrStaleAppointment
	}
	cp := *appt
	if cp.Status != StatusCancelled && r.slotTaken(&cp) {
		return nil, ErrSlotAlreadyBooked
	}
	cp.Version++
	cp.UpdatedAt = time.Now()
	r.appointments[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (r *memRepo) DeleteAppointment(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.appointments[id]; !ok {
		return ErrAppointmentNotFound
	}
	delete(r.appointments, id)
	return nil
}

func (r *memRepo) InsertEvent(ctx context.Context, ev EventLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// fakeReminders records reminder jobs keyed by handle.
type fakeReminders struct {
	mu          sync.Mutex
	seq         int
	jobs        map[string]uuid.UUID
	scheduleErr error
	skip        bool
}

func newFakeReminders() *fakeReminders {
	return &fakeReminders{jobs: map[string]uuid.UUID{}}
}

func (f *fakeReminders) ScheduleReminder(ctx context.Context, appt *Appointment) (*string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.scheduleErr != nil {
		return nil, f.scheduleErr
	}
	if f.skip {
		return nil, nil
	}
	f.seq++
	h := fmt.Sprintf("job-%d", f.seq)
	f.jobs[h] = appt.ID
	return &h, nil
}

func (f *fakeReminders) CancelReminder(ctx context.Context, handle *string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if handle == nil || *handle == "" {
		return false
	}
	if _, ok := f.jobs[*handle]; !ok {
		return false
	}
	delete(f.jobs, *handle)
	return true
}

func (f *fakeReminders) RescheduleReminder(ctx context.Context, old *string, appt *Appointment) (*string, error) {
	f.CancelReminder(ctx, old)
	return f.ScheduleReminder(ctx, appt)
}

func (f *fakeReminders) pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

func (f *fakeReminders) has(handle *string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if handle == nil {
		return false
	}
	_, ok := f.jobs[*handle]
	return ok
}
