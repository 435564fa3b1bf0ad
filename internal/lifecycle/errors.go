package lifecycle

import "errors"

var (
	// ErrInvalidTransition is returned when a status change violates the state machine
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrAlreadyClaimed is returned when a claim loses the race for a scheduled task
	ErrAlreadyClaimed = errors.New("task already claimed")
)
