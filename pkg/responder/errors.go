package responder

import "errors"

// ArgumentError marks a GasQueue invariant violation: a programming bug
// that should never be user-visible (spec.md §4.I).
type ArgumentError struct {
	Msg string
}

func (e *ArgumentError) Error() string {
	return "responder: invalid gas queue: " + e.Msg
}

var (
	ErrQueueFull = errors.New("responder: gas queue is at max depth")
)
