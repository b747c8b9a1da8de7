package appointment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	redisclient "github.com/hackgods/appointment-reminder-engine/internal/redis"
)

type coordFixture struct {
	repo      *memRepo
	reminders *fakeReminders
	coord     *Coordinator
	doctor    *Doctor
	patient   *Patient
}

func newCoordFixture(t *testing.T, locker redisclient.Locker) *coordFixture {
	t.Helper()
	repo := newMemRepo()
	reminders := newFakeReminders()
	return &coordFixture{
		repo:      repo,
		reminders: reminders,
		coord:     NewCoordinator(repo, NewConflictResolver(repo, DefaultResolverConfig(), nil), reminders, locker, zerolog.Nop()),
		doctor:    repo.addDoctor("house"),
		patient:   repo.addPatient("ada"),
	}
}

func (f *coordFixture) create(t *testing.T, when time.Time) *Appointment {
	t.Helper()
	appt, err := f.coord.CreateAppointment(context.Background(), CreateRequest{
		DoctorID:    f.doctor.ID,
		PatientID:   f.patient.ID,
		ScheduledAt: when,
	})
	require.NoError(t, err)
	return appt
}

func TestCoordinator_CreateSchedulesReminder(t *testing.T) {
	f := newCoordFixture(t, nil)

	appt := f.create(t, at(4, 10, 0))

	assert.Equal(t, StatusScheduled, appt.Status)
	require.True(t, appt.HasReminder())
	assert.True(t, f.reminders.has(appt.ReminderJobRef))

	stored := f.repo.get(appt.ID)
	assert.Equal(t, appt.ReminderJobRef, stored.ReminderJobRef)
	assert.Equal(t, []string{EventAppointmentCreated, EventReminderScheduled}, f.repo.eventTypes())
}

func TestCoordinator_SecondBookingIsRejectedWithSuggestions(t *testing.T) {
	f := newCoordFixture(t, nil)
	first := f.create(t, at(4, 10, 0))

	_, err := f.coord.CreateAppointment(context.Background(), CreateRequest{
		DoctorID:    f.doctor.ID,
		PatientID:   f.patient.ID,
		ScheduledAt: at(4, 10, 0),
	})

	require.ErrorIs(t, err, ErrConflictDetected)
	var ce *ConflictError
	require.True(t, errors.As(err, &ce))
	require.Len(t, ce.Report.Conflicts, 1)
	assert.Equal(t, first.ID, ce.Report.Conflicts[0].ID)
	assert.Equal(t, []time.Time{at(4, 10, 30), at(4, 11, 0), at(4, 11, 30)}, ce.Report.Suggestions)
	assert.Equal(t, 1, f.reminders.pending())
}

func TestCoordinator_CreateValidatesParticipants(t *testing.T) {
	f := newCoordFixture(t, nil)
	ctx := context.Background()

	_, err := f.coord.CreateAppointment(ctx, CreateRequest{DoctorID: f.doctor.ID, PatientID: uuid.New(), ScheduledAt: at(4, 10, 0)})
	assert.ErrorIs(t, err, ErrPatientNotFound)

	_, err = f.coord.CreateAppointment(ctx, CreateRequest{DoctorID: uuid.New(), PatientID: f.patient.ID, ScheduledAt: at(4, 10, 0)})
	assert.ErrorIs(t, err, ErrDoctorNotFound)

	_, err = f.coord.CreateAppointment(ctx, CreateRequest{DoctorID: f.doctor.ID, PatientID: f.patient.ID})
	assert.ErrorIs(t, err, ErrInvalidTime)
}

func TestCoordinator_ReminderFailureKeepsBooking(t *testing.T) {
	f := newCoordFixture(t, nil)
	f.reminders.scheduleErr = errors.New("queue unavailable")

	appt := f.create(t, at(4, 10, 0))

	assert.False(t, appt.HasReminder())
	assert.NotNil(t, f.repo.get(appt.ID))
	assert.Contains(t, f.repo.eventTypes(), EventReminderScheduleFailed)
}

func TestCoordinator_CreateInsideLeadTimeHasNoReminder(t *testing.T) {
	f := newCoordFixture(t, nil)
	f.reminders.skip = true

	appt := f.create(t, at(4, 10, 0))
	assert.False(t, appt.HasReminder())
	assert.Equal(t, 1, appt.Version, "nothing to store")
}

func TestCoordinator_CreateRaceOnUniqueIndex(t *testing.T) {
	f := newCoordFixture(t, nil)
	racing := &racingRepo{memRepo: f.repo}
	f.coord = NewCoordinator(racing, NewConflictResolver(racing, DefaultResolverConfig(), nil), f.reminders, nil, zerolog.Nop())

	_, err := f.coord.CreateAppointment(context.Background(), CreateRequest{
		DoctorID:    f.doctor.ID,
		PatientID:   f.patient.ID,
		ScheduledAt: at(4, 10, 0),
	})

	var ce *ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Len(t, ce.Report.Suggestions, 3)
	assert.Zero(t, f.reminders.pending())
}

// racingRepo lets another writer take the slot between the check and the insert.
type racingRepo struct {
	*memRepo
}

func (r *racingRepo) CreateAppointment(ctx context.Context, appt *Appointment) (*Appointment, error) {
	r.seed(appt.DoctorID, appt.ScheduledAt, StatusScheduled)
	return r.memRepo.CreateAppointment(ctx, appt)
}

func TestCoordinator_UpdateToTakenSlotLeavesAppointmentUnchanged(t *testing.T) {
	f := newCoordFixture(t, nil)
	mine := f.create(t, at(4, 10, 0))
	f.create(t, at(4, 14, 0))
	before := f.repo.get(mine.ID)

	moved := at(4, 14, 0)
	_, err := f.coord.UpdateAppointment(context.Background(), mine.ID, Changes{ScheduledAt: &moved})

	require.ErrorIs(t, err, ErrConflictDetected)
	after := f.repo.get(mine.ID)
	assert.Equal(t, before, after)
	assert.True(t, f.reminders.has(after.ReminderJobRef), "reminder job must survive a rejected update")
	assert.Equal(t, 2, f.reminders.pending())
}

func TestCoordinator_UpdateTimeReschedulesReminder(t *testing.T) {
	f := newCoordFixture(t, nil)
	appt := f.create(t, at(4, 10, 0))
	oldRef := *appt.ReminderJobRef

	moved := at(5, 9, 0)
	updated, err := f.coord.UpdateAppointment(context.Background(), appt.ID, Changes{ScheduledAt: &moved})
	require.NoError(t, err)

	assert.Equal(t, moved, updated.ScheduledAt)
	require.True(t, updated.HasReminder())
	assert.NotEqual(t, oldRef, *updated.ReminderJobRef)
	assert.False(t, f.reminders.has(&oldRef))
	assert.Equal(t, 1, f.reminders.pending())
	assert.Equal(t, updated.ReminderJobRef, f.repo.get(appt.ID).ReminderJobRef)
}

func TestCoordinator_UpdateToSameTimeIsNotAConflict(t *testing.T) {
	f := newCoordFixture(t, nil)
	appt := f.create(t, at(4, 10, 0))
	ref := *appt.ReminderJobRef

	same := at(4, 10, 0)
	notes := "bring x-rays"
	updated, err := f.coord.UpdateAppointment(context.Background(), appt.ID, Changes{ScheduledAt: &same, Notes: &notes})
	require.NoError(t, err)

	assert.Equal(t, notes, updated.Notes)
	assert.Equal(t, ref, *updated.ReminderJobRef, "notes-only change keeps the job")
}

func TestCoordinator_CancelDropsReminder(t *testing.T) {
	f := newCoordFixture(t, nil)
	appt := f.create(t, at(4, 10, 0))

	cancelled, err := f.coord.CancelAppointment(context.Background(), appt.ID)
	require.NoError(t, err)

	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.Nil(t, cancelled.ReminderJobRef)
	assert.Nil(t, f.repo.get(appt.ID).ReminderJobRef)
	assert.Zero(t, f.reminders.pending())
	assert.Contains(t, f.repo.eventTypes(), EventAppointmentCancelled)
	assert.Contains(t, f.repo.eventTypes(), EventReminderCancelled)

	// the freed slot can be booked again
	again := f.create(t, at(4, 10, 0))
	assert.NotEqual(t, appt.ID, again.ID)
}

func TestCoordinator_CompleteDropsReminder(t *testing.T) {
	f := newCoordFixture(t, nil)
	appt := f.create(t, at(4, 10, 0))

	done := StatusCompleted
	updated, err := f.coord.UpdateAppointment(context.Background(), appt.ID, Changes{Status: &done})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, updated.Status)
	assert.Nil(t, updated.ReminderJobRef)
	assert.Zero(t, f.reminders.pending())
}

func TestCoordinator_StatusTransitions(t *testing.T) {
	f := newCoordFixture(t, nil)
	appt := f.create(t, at(4, 10, 0))
	ctx := context.Background()

	noShow := StatusNoShow
	_, err := f.coord.UpdateAppointment(ctx, appt.ID, Changes{Status: &noShow})
	require.NoError(t, err)

	back := StatusScheduled
	_, err = f.coord.UpdateAppointment(ctx, appt.ID, Changes{Status: &back})
	assert.ErrorIs(t, err, ErrInvalidStatusTransition)

	bogus := Status("postponed")
	_, err = f.coord.UpdateAppointment(ctx, appt.ID, Changes{Status: &bogus})
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestCoordinator_ScheduledWithoutReminderGetsOne(t *testing.T) {
	f := newCoordFixture(t, nil)
	f.reminders.scheduleErr = errors.New("queue unavailable")
	appt := f.create(t, at(4, 10, 0))
	require.False(t, appt.HasReminder())

	f.reminders.scheduleErr = nil
	notes := "retry reminder"
	updated, err := f.coord.UpdateAppointment(context.Background(), appt.ID, Changes{Notes: &notes})
	require.NoError(t, err)
	assert.True(t, updated.HasReminder())
}

func TestCoordinator_StaleUpdateIsRejected(t *testing.T) {
	f := newCoordFixture(t, nil)
	appt := f.create(t, at(4, 10, 0))

	stale := *appt
	stale.Version--
	notes := "late writer"
	_, err := f.coord.OnUpdate(context.Background(), &stale, Changes{Notes: &notes})
	assert.ErrorIs(t, err, ErrStaleAppointment)
}

func TestCoordinator_UpdateMissing(t *testing.T) {
	f := newCoordFixture(t, nil)
	notes := "x"
	_, err := f.coord.UpdateAppointment(context.Background(), uuid.New(), Changes{Notes: &notes})
	assert.ErrorIs(t, err, ErrAppointmentNotFound)
}

func TestCoordinator_DeleteCancelsReminder(t *testing.T) {
	f := newCoordFixture(t, nil)
	appt := f.create(t, at(4, 10, 0))
	ctx := context.Background()

	require.NoError(t, f.coord.DeleteAppointment(ctx, appt.ID))
	assert.Nil(t, f.repo.get(appt.ID))
	assert.Zero(t, f.reminders.pending())
	assert.Contains(t, f.repo.eventTypes(), EventAppointmentDeleted)

	assert.ErrorIs(t, f.coord.DeleteAppointment(ctx, appt.ID), ErrAppointmentNotFound)
}

func TestCoordinator_RepositoryFailureSurfaces(t *testing.T) {
	f := newCoordFixture(t, nil)
	f.repo.findErr = errors.New("db down")

	_, err := f.coord.CreateAppointment(context.Background(), CreateRequest{
		DoctorID:    f.doctor.ID,
		PatientID:   f.patient.ID,
		ScheduledAt: at(4, 10, 0),
	})
	assert.ErrorIs(t, err, ErrRepositoryUnavailable)
	assert.Zero(t, f.reminders.pending())
}

func TestCoordinator_ConcurrentBookingsOfOneSlot(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	f := newCoordFixture(t, redisclient.NewRedisSlotLocker(client, 5*time.Second, 5*time.Second))

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		created   int
		conflicts int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.coord.CreateAppointment(context.Background(), CreateRequest{
				DoctorID:    f.doctor.ID,
				PatientID:   f.patient.ID,
				ScheduledAt: at(4, 10, 0),
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, ErrConflictDetected):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Equal(t, workers-1, conflicts)
	assert.Equal(t, 1, f.reminders.pending())
}

func TestCoordinator_BookingWithRedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })
	mr.Close()

	f := newCoordFixture(t, redisclient.NewRedisSlotLocker(client, time.Second, 0))

	appt, err := f.coord.CreateAppointment(context.Background(), CreateRequest{
		DoctorID:    f.doctor.ID,
		PatientID:   f.patient.ID,
		ScheduledAt: at(4, 10, 0),
	})
	require.NoError(t, err)
	assert.Equal(t, StatusScheduled, appt.Status)

	_, err = f.coord.CreateAppointment(context.Background(), CreateRequest{
		DoctorID:    f.doctor.ID,
		PatientID:   f.patient.ID,
		ScheduledAt: at(4, 10, 0),
	})
	require.ErrorIs(t, err, ErrConflictDetected)

	moved := at(4, 11, 0)
	updated, err := f.coord.UpdateAppointment(context.Background(), appt.ID, Changes{ScheduledAt: &moved})
	require.NoError(t, err)
	assert.Equal(t, moved, updated.ScheduledAt)
}

func TestCoordinator_LostHandleIsCleared(t *testing.T) {
	f := newCoordFixture(t, nil)
	appt := f.create(t, at(4, 10, 0))
	oldRef := *appt.ReminderJobRef

	// the save after the time change succeeds, storing the new handle fails
	base := f.repo.saves
	f.repo.saveHook = func(n int) error {
		if n == base+2 {
			return errors.New("connection reset")
		}
		return nil
	}

	moved := at(5, 9, 0)
	updated, err := f.coord.UpdateAppointment(context.Background(), appt.ID, Changes{ScheduledAt: &moved})
	require.NoError(t, err)

	assert.False(t, updated.HasReminder())
	assert.Nil(t, f.repo.get(appt.ID).ReminderJobRef)
	assert.False(t, f.reminders.has(&oldRef))
	assert.Zero(t, f.reminders.pending())
	assert.NotContains(t, f.repo.eventTypes(), EventReminderHandleStale)
}

func TestCoordinator_LostHandleIsRecordedWhenClearFails(t *testing.T) {
	f := newCoordFixture(t, nil)
	appt := f.create(t, at(4, 10, 0))

	base := f.repo.saves
	f.repo.saveHook = func(n int) error {
		if n > base+1 {
			return errors.New("connection reset")
		}
		return nil
	}

	cancelled, err := f.coord.CancelAppointment(context.Background(), appt.ID)
	require.NoError(t, err)

	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.Zero(t, f.reminders.pending())
	assert.Contains(t, f.repo.eventTypes(), EventReminderHandleStale)
}

func TestSlotKey(t *testing.T) {
	id := uuid.MustParse("7f1c9c3e-2b7a-4c39-9c57-0d5c2a0b8e11")
	local := time.Date(2024, 3, 4, 12, 0, 0, 0, time.FixedZone("UTC+2", 7200))
	assert.Equal(t, "7f1c9c3e-2b7a-4c39-9c57-0d5c2a0b8e11:1709546400", SlotKey(id, local))
	assert.Equal(t, SlotKey(id, local), SlotKey(id, at(4, 10, 0)))
}
