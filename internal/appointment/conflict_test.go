package appointment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 2024-03-04 is a Monday.
func at(day, hour, minute int) time.Time {
	return time.Date(2024, 3, day, hour, minute, 0, 0, time.UTC)
}

func newTestResolver(repo *memRepo) *ConflictResolver {
	return NewConflictResolver(repo, DefaultResolverConfig(), nil)
}

func TestCheckConflict_FreeSlot(t *testing.T) {
	repo := newMemRepo()
	doc := repo.addDoctor("house")

	report, err := newTestResolver(repo).CheckConflict(context.Background(), doc.ID, at(4, 10, 0), nil)
	require.NoError(t, err)
	assert.False(t, report.HasConflict)
	assert.Empty(t, report.Conflicts)
	assert.Empty(t, report.Suggestions)
}

func TestCheckConflict_SuggestsNextFreeSlots(t *testing.T) {
	repo := newMemRepo()
	doc := repo.addDoctor("house")
	existing := repo.seed(doc.ID, at(4, 10, 0), StatusScheduled)

	report, err := newTestResolver(repo).CheckConflict(context.Background(), doc.ID, at(4, 10, 0), nil)
	require.NoError(t, err)

	require.True(t, report.HasConflict)
	require.Len(t, report.Conflicts, 1)
	assert.Equal(t, existing.ID, report.Conflicts[0].ID)
	assert.Equal(t, []time.Time{at(4, 10, 30), at(4, 11, 0), at(4, 11, 30)}, report.Suggestions)
}

func TestCheckConflict_SkipsBookedCandidates(t *testing.T) {
	repo := newMemRepo()
	doc := repo.addDoctor("house")
	repo.seed(doc.ID, at(4, 10, 0), StatusScheduled)
	repo.seed(doc.ID, at(4, 10, 30), StatusScheduled)
	repo.seed(doc.ID, at(4, 11, 30), StatusCompleted)

	report, err := newTestResolver(repo).CheckConflict(context.Background(), doc.ID, at(4, 10, 0), nil)
	require.NoError(t, err)
	assert.Equal(t, []time.Time{at(4, 11, 0), at(4, 12, 0), at(4, 12, 30)}, report.Suggestions)
}

func TestCheckConflict_ExactTimestampOnly(t *testing.T) {
	repo := newMemRepo()
	doc := repo.addDoctor("house")
	repo.seed(doc.ID, at(4, 10, 0), StatusScheduled)

	report, err := newTestResolver(repo).CheckConflict(context.Background(), doc.ID, at(4, 10, 15), nil)
	require.NoError(t, err)
	assert.False(t, report.HasConflict, "overlapping but distinct start times do not collide")
}

func TestCheckConflict_IgnoresCancelledAndOtherDoctors(t *testing.T) {
	repo := newMemRepo()
	doc := repo.addDoctor("house")
	other := repo.addDoctor("wilson")
	repo.seed(doc.ID, at(4, 10, 0), StatusCancelled)
	repo.seed(other.ID, at(4, 10, 0), StatusScheduled)

	report, err := newTestResolver(repo).CheckConflict(context.Background(), doc.ID, at(4, 10, 0), nil)
	require.NoError(t, err)
	assert.False(t, report.HasConflict)
}

func TestCheckConflict_ExcludesSelf(t *testing.T) {
	repo := newMemRepo()
	doc := repo.addDoctor("house")
	self := repo.seed(doc.ID, at(4, 10, 0), StatusScheduled)

	report, err := newTestResolver(repo).CheckConflict(context.Background(), doc.ID, at(4, 10, 0), &self.ID)
	require.NoError(t, err)
	assert.False(t, report.HasConflict)
}

func TestCheckConflict_EndOfDayRollsToNextMorning(t *testing.T) {
	repo := newMemRepo()
	doc := repo.addDoctor("house")
	repo.seed(doc.ID, at(4, 17, 0), StatusScheduled)

	report, err := newTestResolver(repo).CheckConflict(context.Background(), doc.ID, at(4, 17, 0), nil)
	require.NoError(t, err)
	assert.Equal(t, []time.Time{at(4, 17, 30), at(5, 8, 0), at(5, 8, 30)}, report.Suggestions)
}

func TestCheckConflict_FridayEveningRollsToMonday(t *testing.T) {
	repo := newMemRepo()
	doc := repo.addDoctor("house")
	friday := at(8, 17, 30)
	repo.seed(doc.ID, friday, StatusScheduled)

	report, err := newTestResolver(repo).CheckConflict(context.Background(), doc.ID, friday, nil)
	require.NoError(t, err)
	assert.Equal(t, []time.Time{at(11, 8, 0), at(11, 8, 30), at(11, 9, 0)}, report.Suggestions)
}

func TestCheckConflict_EarlyMorningMovesToOpening(t *testing.T) {
	repo := newMemRepo()
	doc := repo.addDoctor("house")
	repo.seed(doc.ID, at(4, 6, 0), StatusScheduled)

	report, err := newTestResolver(repo).CheckConflict(context.Background(), doc.ID, at(4, 6, 0), nil)
	require.NoError(t, err)
	assert.Equal(t, []time.Time{at(4, 8, 0), at(4, 8, 30), at(4, 9, 0)}, report.Suggestions)
}

func TestCheckConflict_SuggestionsRespectBusinessHours(t *testing.T) {
	repo := newMemRepo()
	doc := repo.addDoctor("house")
	hours := DefaultResolverConfig().Hours

	starts := []time.Time{at(4, 10, 0), at(4, 17, 30), at(8, 17, 0), at(9, 12, 0), at(10, 23, 0), at(5, 3, 15)}
	for _, start := range starts {
		repo.seed(doc.ID, start, StatusScheduled)
		report, err := newTestResolver(repo).CheckConflict(context.Background(), doc.ID, start, nil)
		require.NoError(t, err)
		require.NotEmpty(t, report.Suggestions)

		prev := start
		for _, s := range report.Suggestions {
			assert.True(t, hours.Contains(s), "suggestion %s outside business hours", s)
			assert.True(t, s.After(prev), "suggestions must ascend")
			prev = s
		}
	}
}

func TestCheckConflict_BoundedSearch(t *testing.T) {
	repo := newMemRepo()
	doc := repo.addDoctor("house")

	var lookups int
	repo.findHook = func(time.Time) { lookups++ }

	// book the whole Monday so no candidate within the horizon is free
	for h := 8; h < 18; h++ {
		repo.seed(doc.ID, at(4, h, 0), StatusScheduled)
		repo.seed(doc.ID, at(4, h, 30), StatusScheduled)
	}

	report, err := newTestResolver(repo).CheckConflict(context.Background(), doc.ID, at(4, 8, 0), nil)
	require.NoError(t, err)
	assert.True(t, report.HasConflict)
	assert.Empty(t, report.Suggestions)
	assert.Equal(t, 1+16, lookups)
}

func TestCheckConflict_Deterministic(t *testing.T) {
	repo := newMemRepo()
	doc := repo.addDoctor("house")
	repo.seed(doc.ID, at(4, 10, 0), StatusScheduled)
	repo.seed(doc.ID, at(4, 11, 0), StatusScheduled)
	r := newTestResolver(repo)

	first, err := r.CheckConflict(context.Background(), doc.ID, at(4, 10, 0), nil)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := r.CheckConflict(context.Background(), doc.ID, at(4, 10, 0), nil)
		require.NoError(t, err)
		assert.Equal(t, first.Suggestions, again.Suggestions)
	}
}

func TestCheckConflict_RepositoryErrorIsNotFree(t *testing.T) {
	repo := newMemRepo()
	repo.findErr = errors.New("connection reset")

	report, err := newTestResolver(repo).CheckConflict(context.Background(), uuid.New(), at(4, 10, 0), nil)
	assert.Nil(t, report)
	assert.ErrorIs(t, err, ErrRepositoryUnavailable)
}

func TestCheckConflict_ZeroTime(t *testing.T) {
	_, err := newTestResolver(newMemRepo()).CheckConflict(context.Background(), uuid.New(), time.Time{}, nil)
	assert.ErrorIs(t, err, ErrInvalidTime)
}

func TestBusinessHours_LocalTimezone(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	h := BusinessHours{Start: 8, End: 18, Location: loc}

	// 06:30 UTC is 08:30 local
	assert.True(t, h.Contains(at(4, 6, 30)))
	assert.False(t, h.Contains(at(4, 16, 0)))
	assert.Equal(t, at(5, 6, 0), h.nextOpen(at(4, 16, 0)))
}

func TestConflictError(t *testing.T) {
	err := error(&ConflictError{Report: &ConflictReport{DoctorID: uuid.New(), RequestedAt: at(4, 10, 0)}})
	assert.ErrorIs(t, err, ErrConflictDetected)

	var ce *ConflictError
	require.True(t, errors.As(err, &ce))
	assert.Contains(t, err.Error(), "2024-03-04T10:00:00Z")
}
