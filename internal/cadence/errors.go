package cadence

import "errors"

// Spec errors.
var (
	ErrInvalidSpec = errors.New("invalid schedule spec")
	ErrUnknownKind = errors.New("unknown schedule type")
)
