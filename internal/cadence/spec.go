// Package cadence defines schedule cadences and computes their due instants.
package cadence

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Kind is the tag of a Spec.
type Kind string

// Spec kinds.
const (
	KindInterval Kind = "interval"
	KindDaily    Kind = "daily"
	KindWeekly   Kind = "weekly"
)

// Spec is a recurring cadence. It is one of Interval, Daily or Weekly.
type Spec interface {
	Kind() Kind
	Validate() error
	isSpec()
}

// TimeOfDay is a wall-clock time in UTC with minute precision.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay parses "HH:MM".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return TimeOfDay{}, fmt.Errorf("%w: time %q must be HH:MM", ErrInvalidSpec, s)
	}
	h, errH := strconv.Atoi(hh)
	m, errM := strconv.Atoi(mm)
	if errH != nil || errM != nil || len(mm) != 2 {
		return TimeOfDay{}, fmt.Errorf("%w: time %q must be HH:MM", ErrInvalidSpec, s)
	}
	t := TimeOfDay{Hour: h, Minute: m}
	if err := t.validate(); err != nil {
		return TimeOfDay{}, err
	}
	return t, nil
}

func (t TimeOfDay) validate() error {
	if t.Hour < 0 || t.Hour > 23 || t.Minute < 0 || t.Minute > 59 {
		return fmt.Errorf("%w: time %02d:%02d out of range", ErrInvalidSpec, t.Hour, t.Minute)
	}
	return nil
}

func (t TimeOfDay) minutes() int {
	return t.Hour*60 + t.Minute
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// MarshalText implements encoding.TextMarshaler.
func (t TimeOfDay) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *TimeOfDay) UnmarshalText(b []byte) error {
	parsed, err := ParseTimeOfDay(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// foldName lowercases a weekday name. Casers are stateful, so one is built per call.
func foldName(s string) string {
	return cases.Lower(language.Und).String(strings.TrimSpace(s))
}

var weekdayNames = map[string]time.Weekday{
	"sunday": time.Sunday, "sun": time.Sunday,
	"monday": time.Monday, "mon": time.Monday,
	"tuesday": time.Tuesday, "tue": time.Tuesday,
	"wednesday": time.Wednesday, "wed": time.Wednesday,
	"thursday": time.Thursday, "thu": time.Thursday,
	"friday": time.Friday, "fri": time.Friday,
	"saturday": time.Saturday, "sat": time.Saturday,
}

// ParseWeekday accepts full or three-letter English weekday names in any case.
func ParseWeekday(s string) (time.Weekday, error) {
	d, ok := weekdayNames[foldName(s)]
	if !ok {
		return 0, fmt.Errorf("%w: unknown weekday %q", ErrInvalidSpec, s)
	}
	return d, nil
}

// WeeklySlot is one weekday and time-of-day pair.
type WeeklySlot struct {
	Day time.Weekday
	At  TimeOfDay
}

type weeklySlotJSON struct {
	Day  string    `json:"day"`
	Time TimeOfDay `json:"time"`
}

// MarshalJSON implements json.Marshaler.
func (s WeeklySlot) MarshalJSON() ([]byte, error) {
	return json.Marshal(weeklySlotJSON{Day: foldName(s.Day.String()), Time: s.At})
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *WeeklySlot) UnmarshalJSON(b []byte) error {
	var raw weeklySlotJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	day, err := ParseWeekday(raw.Day)
	if err != nil {
		return err
	}
	*s = WeeklySlot{Day: day, At: raw.Time}
	return nil
}

func (s WeeklySlot) String() string {
	return s.Day.String()[:3] + " " + s.At.String()
}

// Interval fires every fixed duration, measured from the previous due instant.
type Interval struct {
	Every time.Duration
}

// Kind implements Spec.
func (Interval) Kind() Kind { return KindInterval }

// Validate implements Spec.
func (s Interval) Validate() error {
	if s.Every < time.Minute {
		return fmt.Errorf("%w: interval must be at least one minute, got %s", ErrInvalidSpec, s.Every)
	}
	return nil
}

func (Interval) isSpec() {}

// Daily fires at each configured time of day.
type Daily struct {
	Times []TimeOfDay
}

// NewDaily returns a Daily with times sorted and deduplicated.
func NewDaily(times ...TimeOfDay) Daily {
	out := slices.Clone(times)
	slices.SortFunc(out, func(a, b TimeOfDay) int { return a.minutes() - b.minutes() })
	return Daily{Times: slices.Compact(out)}
}

// Kind implements Spec.
func (Daily) Kind() Kind { return KindDaily }

// Validate implements Spec.
func (s Daily) Validate() error {
	if len(s.Times) == 0 {
		return fmt.Errorf("%w: daily schedule needs at least one time", ErrInvalidSpec)
	}
	for _, t := range s.Times {
		if err := t.validate(); err != nil {
			return err
		}
	}
	return nil
}

func (Daily) isSpec() {}

// Weekly fires at each configured weekday and time pair.
type Weekly struct {
	Slots []WeeklySlot
}

// NewWeekly returns a Weekly with slots sorted by weekday then time and deduplicated.
func NewWeekly(slots ...WeeklySlot) Weekly {
	out := slices.Clone(slots)
	slices.SortFunc(out, func(a, b WeeklySlot) int {
		if a.Day != b.Day {
			return int(a.Day) - int(b.Day)
		}
		return a.At.minutes() - b.At.minutes()
	})
	return Weekly{Slots: slices.Compact(out)}
}

// Kind implements Spec.
func (Weekly) Kind() Kind { return KindWeekly }

// Validate implements Spec.
func (s Weekly) Validate() error {
	if len(s.Slots) == 0 {
		return fmt.Errorf("%w: weekly schedule needs at least one day and time", ErrInvalidSpec)
	}
	for _, slot := range s.Slots {
		if slot.Day < time.Sunday || slot.Day > time.Saturday {
			return fmt.Errorf("%w: weekday %d out of range", ErrInvalidSpec, slot.Day)
		}
		if err := slot.At.validate(); err != nil {
			return err
		}
	}
	return nil
}

func (Weekly) isSpec() {}

// envelope is the stored JSON form of a Spec.
type envelope struct {
	Type    Kind         `json:"type"`
	Hours   int          `json:"hours,omitempty"`
	Minutes int          `json:"minutes,omitempty"`
	Times   []TimeOfDay  `json:"times,omitempty"`
	Days    []string     `json:"days,omitempty"`
	Slots   []WeeklySlot `json:"slots,omitempty"`
}

// Decode reads a stored spec. An unrecognized type is rejected here so that
// a bad row never reaches the calculator as something it silently accepts.
// Values are not range checked; use Parse for input from users.
func Decode(data []byte) (Spec, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var env envelope
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}

	switch env.Type {
	case KindInterval:
		return Interval{Every: time.Duration(env.Hours)*time.Hour + time.Duration(env.Minutes)*time.Minute}, nil
	case KindDaily:
		return NewDaily(env.Times...), nil
	case KindWeekly:
		slots := slices.Clone(env.Slots)
		for _, name := range env.Days {
			day, err := ParseWeekday(name)
			if err != nil {
				return nil, err
			}
			for _, at := range env.Times {
				slots = append(slots, WeeklySlot{Day: day, At: at})
			}
		}
		return NewWeekly(slots...), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Type)
	}
}

// Parse decodes and validates a spec.
func Parse(data []byte) (Spec, error) {
	spec, err := Decode(data)
	if err != nil {
		return nil, err
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return spec, nil
}

// Encode writes a spec in its stored JSON form.
func Encode(spec Spec) ([]byte, error) {
	var env envelope
	switch s := spec.(type) {
	case Interval:
		env = envelope{
			Type:    KindInterval,
			Hours:   int(s.Every / time.Hour),
			Minutes: int((s.Every % time.Hour) / time.Minute),
		}
	case Daily:
		env = envelope{Type: KindDaily, Times: s.Times}
	case Weekly:
		env = envelope{Type: KindWeekly, Slots: s.Slots}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownKind, spec)
	}
	return json.Marshal(env)
}
