package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrConflictDetected      = errors.New("requested slot is already booked")
	ErrSlotAlreadyBooked     = errors.New("slot already has an active appointment")
	ErrRepositoryUnavailable = errors.New("appointment repository unavailable")
	ErrInvalidTime           = errors.New("requested time is invalid")
)

// ConflictError is returned when a booking collides with an existing
// appointment. It carries the colliding appointments and the suggested
// alternatives.
type ConflictError struct {
	Report *ConflictReport
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("doctor %s already booked at %s", e.Report.DoctorID, e.Report.RequestedAt.Format(time.RFC3339))
}

func (e *ConflictError) Unwrap() error { return ErrConflictDetected }

// BusinessHours bounds the candidate times offered as suggestions.
// Start is inclusive, End exclusive, both whole hours in Location.
type BusinessHours struct {
	Start    int
	End      int
	Location *time.Location
}

type ResolverConfig struct {
	Hours          BusinessHours
	Step           time.Duration
	MaxIterations  int
	MaxSuggestions int
}

func DefaultResolverConfig() ResolverConfig {
	return ResolverConfig{
		Hours:          BusinessHours{Start: 8, End: 18, Location: time.UTC},
		Step:           30 * time.Minute,
		MaxIterations:  16,
		MaxSuggestions: 3,
	}
}

// ConflictObserver receives the result label of each check. Satisfied by
// *metrics.EngineMetrics.
type ConflictObserver interface {
	ObserveConflictCheck(result string)
}

type ConflictResolver struct {
	finder   SlotFinder
	cfg      ResolverConfig
	observer ConflictObserver
}

func NewConflictResolver(finder SlotFinder, cfg ResolverConfig, observer ConflictObserver) *ConflictResolver {
	def := DefaultResolverConfig()
	if cfg.Step <= 0 {
		cfg.Step = def.Step
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = def.MaxIterations
	}
	if cfg.MaxSuggestions <= 0 {
		cfg.MaxSuggestions = def.MaxSuggestions
	}
	if cfg.Hours.Location == nil {
		cfg.Hours.Location = time.UTC
	}
	if cfg.Hours.Start >= cfg.Hours.End {
		cfg.Hours.Start, cfg.Hours.End = def.Hours.Start, def.Hours.End
	}
	return &ConflictResolver{finder: finder, cfg: cfg, observer: observer}
}

// CheckConflict looks for active appointments of doctorID at exactly
// requestedAt. excludeID keeps an appointment from colliding with itself on
// update. Suggestions are only computed when a conflict exists.
func (r *ConflictResolver) CheckConflict(ctx context.Context, doctorID uuid.UUID, requestedAt time.Time, excludeID *uuid.UUID) (*ConflictReport, error) {
	if requestedAt.IsZero() {
		return nil, ErrInvalidTime
	}
	requestedAt = requestedAt.UTC()

	conflicts, err := r.collisions(ctx, doctorID, requestedAt, excludeID)
	if err != nil {
		r.observe("error")
		return nil, err
	}

	report := &ConflictReport{
		DoctorID:    doctorID,
		RequestedAt: requestedAt,
		HasConflict: len(conflicts) > 0,
		Conflicts:   conflicts,
	}
	if !report.HasConflict {
		r.observe("free")
		return report, nil
	}

	suggestions, err := r.suggest(ctx, doctorID, requestedAt, excludeID)
	if err != nil {
		r.observe("error")
		return nil, err
	}
	report.Suggestions = suggestions
	r.observe("conflict")
	return report, nil
}

func (r *ConflictResolver) collisions(ctx context.Context, doctorID uuid.UUID, at time.Time, excludeID *uuid.UUID) ([]Appointment, error) {
	found, err := r.finder.FindAppointmentsAt(ctx, doctorID, at)
	if err != nil {
		return nil, fmt.Errorf("%w: find appointments at %s: %w", ErrRepositoryUnavailable, at.Format(time.RFC3339), err)
	}

	var out []Appointment
	for _, a := range found {
		if a.Status == StatusCancelled {
			continue
		}
		if excludeID != nil && a.ID == *excludeID {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// suggest walks forward from requestedAt in fixed steps, skipping closed
// hours and weekends, and collects free slots in ascending order.
func (r *ConflictResolver) suggest(ctx context.Context, doctorID uuid.UUID, requestedAt time.Time, excludeID *uuid.UUID) ([]time.Time, error) {
	suggestions := make([]time.Time, 0, r.cfg.MaxSuggestions)
	candidate := requestedAt

	for i := 0; i < r.cfg.MaxIterations && len(suggestions) < r.cfg.MaxSuggestions; i++ {
		candidate = r.cfg.Hours.nextOpen(candidate.Add(r.cfg.Step))

		busy, err := r.collisions(ctx, doctorID, candidate, excludeID)
		if err != nil {
			return nil, err
		}
		if len(busy) == 0 {
			suggestions = append(suggestions, candidate.UTC())
		}
	}
	return suggestions, nil
}

// Contains reports whether t falls inside business hours on a weekday.
func (h BusinessHours) Contains(t time.Time) bool {
	local := t.In(h.Location)
	if isWeekend(local.Weekday()) {
		return false
	}
	return local.Hour() >= h.Start && local.Hour() < h.End
}

// nextOpen returns t when it is inside business hours, otherwise the next
// opening time.
func (h BusinessHours) nextOpen(t time.Time) time.Time {
	local := t.In(h.Location)
	for {
		switch {
		case isWeekend(local.Weekday()):
			days := (8 - int(local.Weekday())) % 7 // days until Monday
			local = h.opening(local.AddDate(0, 0, days))
		case local.Hour() >= h.End:
			local = h.opening(local.AddDate(0, 0, 1))
		case local.Hour() < h.Start:
			local = h.opening(local)
		default:
			return local.UTC()
		}
	}
}

func (h BusinessHours) opening(day time.Time) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), h.Start, 0, 0, 0, h.Location)
}

func isWeekend(d time.Weekday) bool {
	return d == time.Saturday || d == time.Sunday
}

func (r *ConflictResolver) observe(result string) {
	if r.observer != nil {
		r.observer.ObserveConflictCheck(result)
	}
}
