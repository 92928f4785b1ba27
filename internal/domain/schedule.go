package domain

import (
	"time"

	"github.com/bissquit/post-scheduler/internal/cadence"
)

// ScheduleState is the activity state of a schedule.
type ScheduleState string

// Schedule states.
const (
	ScheduleStateActive ScheduleState = "active"
	ScheduleStatePaused ScheduleState = "paused"
)

// Schedule is a recurring cadence bound to one channel. It owns a FIFO queue of posts.
type Schedule struct {
	ID          string        `json:"id"`
	ChannelID   string        `json:"channel_id"`
	Name        string        `json:"name"`
	Spec        cadence.Spec  `json:"-"`
	State       ScheduleState `json:"state"`
	NextDueAt   *time.Time    `json:"next_due_at"`
	LastFiredAt *time.Time    `json:"last_fired_at"`
	PauseReason string        `json:"pause_reason,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`

	// SpecErr is set when the stored spec could not be decoded.
	SpecErr error `json:"-"`
}

// IsActive returns true if the schedule fires new posts.
func (s *Schedule) IsActive() bool {
	return s.State == ScheduleStateActive
}
