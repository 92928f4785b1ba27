package dispatch

import "errors"

// Repository errors.
var (
	ErrClaimConflict    = errors.New("claim conflict")
	ErrScheduleNotFound = errors.New("schedule not found")
)

// Delivery errors.
var (
	ErrChannelNotVerified = errors.New("channel not verified")
	ErrNoGateway          = errors.New("no gateway for channel kind")
)
