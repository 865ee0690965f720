package engine

import "errors"

var (
	ErrDisabled    = errors.New("task engine disabled")
	ErrStopped     = errors.New("task engine stopped")
	ErrStopping    = errors.New("task engine stopping")
	ErrQueueFull   = errors.New("task engine queue full")
	ErrOverlapSkip = errors.New("task skipped: key already queued or running")
	ErrCircuitOpen = errors.New("task skipped: circuit breaker open")
)

// IsSkip reports whether err means the task was not accepted but nothing is
// wrong with it; the caller can simply try again on its next pass.
func IsSkip(err error) bool {
	return errors.Is(err, ErrOverlapSkip) || errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrQueueFull)
}
