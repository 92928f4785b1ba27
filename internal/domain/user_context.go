package domain

import "time"

// UserContext is the channel and schedule a user last selected. It is plain
// per-user state kept by the command layer; the dispatcher never reads it.
type UserContext struct {
	UserID             string    `json:"user_id"`
	SelectedChannelID  *string   `json:"selected_channel_id"`
	SelectedScheduleID *string   `json:"selected_schedule_id"`
	UpdatedAt          time.Time `json:"updated_at"`
}
