package scheduling

import "errors"

// Repository errors.
var (
	ErrChannelNotFound  = errors.New("channel not found")
	ErrChannelExists    = errors.New("channel already registered")
	ErrScheduleNotFound = errors.New("schedule not found")
	ErrScheduleChanged  = errors.New("schedule changed concurrently")
	ErrPostNotFound     = errors.New("post not found")
	ErrPostNotDead      = errors.New("only dead posts can be requeued")
)

// Service errors.
var (
	ErrChannelNotOwned           = errors.New("channel does not belong to user")
	ErrInvalidChannelKind        = errors.New("invalid channel kind")
	ErrInvalidVerificationStatus = errors.New("invalid verification status")
	ErrInvalidContent            = errors.New("invalid post content")
	ErrEmptyBatch                = errors.New("no posts to enqueue")
	ErrBatchTooLarge             = errors.New("too many posts in one batch")
	ErrInvalidStatsRange         = errors.New("invalid stats range")
)
