package cadence

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// catchUpScanLimit bounds how many overdue slots Advance walks in one call.
const catchUpScanLimit = 10000

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Calculator computes due instants for specs. The zero value replays every
// missed slot after downtime.
type Calculator struct {
	// MaxCatchUp caps how many overdue slots are replayed once a schedule
	// falls behind. Negative means unlimited; zero jumps straight to the
	// first future slot.
	MaxCatchUp int
}

// NewCalculator creates a calculator with the given catch-up limit.
func NewCalculator(maxCatchUp int) Calculator {
	return Calculator{MaxCatchUp: maxCatchUp}
}

// Next returns the first due instant of spec strictly after ref, in UTC.
func (c Calculator) Next(spec Spec, ref time.Time) (time.Time, error) {
	sched, err := compile(spec)
	if err != nil {
		return time.Time{}, err
	}

	next := sched.Next(ref.UTC())
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("%w: no due instant after %s", ErrInvalidSpec, ref.UTC().Format(time.RFC3339))
	}
	return next.UTC(), nil
}

// Advance returns the due instant that follows a fired slot. from is the
// instant that just fired; the result is computed from it, not from now, so
// delayed ticks never shift the cadence. When more than MaxCatchUp slots
// between from and now are already overdue, the oldest are skipped and their
// count is returned.
func (c Calculator) Advance(spec Spec, from, now time.Time) (time.Time, int, error) {
	sched, err := compile(spec)
	if err != nil {
		return time.Time{}, 0, err
	}

	next := sched.Next(from.UTC())
	if next.IsZero() {
		return time.Time{}, 0, fmt.Errorf("%w: no due instant after %s", ErrInvalidSpec, from.UTC().Format(time.RFC3339))
	}
	if c.MaxCatchUp < 0 || next.After(now) {
		return next.UTC(), 0, nil
	}

	// window keeps the most recent MaxCatchUp overdue slots.
	window := make([]time.Time, 0, c.MaxCatchUp)
	overdue := 0
	t := next
	for !t.After(now) && overdue < catchUpScanLimit {
		overdue++
		if c.MaxCatchUp > 0 {
			if len(window) == c.MaxCatchUp {
				window = window[1:]
			}
			window = append(window, t)
		}
		t = sched.Next(t)
	}

	if overdue <= c.MaxCatchUp {
		return next.UTC(), 0, nil
	}
	if len(window) > 0 {
		return window[0].UTC(), overdue - len(window), nil
	}
	return t.UTC(), overdue, nil
}

// Preview returns the next n due instants after ref.
func (c Calculator) Preview(spec Spec, ref time.Time, n int) ([]time.Time, error) {
	sched, err := compile(spec)
	if err != nil {
		return nil, err
	}

	out := make([]time.Time, 0, n)
	t := ref.UTC()
	for range n {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t.UTC())
	}
	return out, nil
}

// compile turns a validated spec into a cron schedule. Every kind is handled
// explicitly; anything else is a programming error surfaced as ErrInvalidSpec.
func compile(spec Spec) (cron.Schedule, error) {
	if spec == nil {
		return nil, fmt.Errorf("%w: missing spec", ErrInvalidSpec)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	switch s := spec.(type) {
	case Interval:
		return cron.Every(s.Every), nil
	case Daily:
		scheds := make(earliest, 0, len(s.Times))
		for _, t := range s.Times {
			sched, err := parser.Parse(fmt.Sprintf("CRON_TZ=UTC %d %d * * *", t.Minute, t.Hour))
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
			}
			scheds = append(scheds, sched)
		}
		return scheds, nil
	case Weekly:
		scheds := make(earliest, 0, len(s.Slots))
		for _, slot := range s.Slots {
			sched, err := parser.Parse(fmt.Sprintf("CRON_TZ=UTC %d %d * * %d", slot.At.Minute, slot.At.Hour, int(slot.Day)))
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
			}
			scheds = append(scheds, sched)
		}
		return scheds, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownKind, spec)
	}
}

// earliest fires at the soonest instant of any of its schedules.
type earliest []cron.Schedule

func (e earliest) Next(t time.Time) time.Time {
	var best time.Time
	for _, s := range e {
		next := s.Next(t)
		if next.IsZero() {
			continue
		}
		if best.IsZero() || next.Before(best) {
			best = next
		}
	}
	return best
}
