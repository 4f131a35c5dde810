package expreplay

import "errors"

var (
	errEmptyBuffer         = errors.New("no samples in buffer")
	errInsufficientSamples = errors.New("minimum capacity not reached")
)

// ExpReplayError is an error returned by buffer operations
type ExpReplayError struct {
	Op  string
	Err error
}

func (e *ExpReplayError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *ExpReplayError) Unwrap() error {
	return e.Err
}

// IsEmptyBuffer returns whether err was caused by sampling from an
// empty buffer
func IsEmptyBuffer(err error) bool {
	return errors.Is(err, errEmptyBuffer)
}

// IsInsufficientSamples returns whether err was caused by sampling
// before the buffer reached its minimum capacity
func IsInsufficientSamples(err error) bool {
	return errors.Is(err, errInsufficientSamples)
}
