package processor

import "errors"

var (
	ErrSourceOpen = errors.New("could not open video")
	ErrSinkOpen   = errors.New("could not open output video")
	ErrProcessing = errors.New("processing failed")
	ErrCancelled  = errors.New("processing cancelled")
)

// FrameError is a failure inside the frame loop. Its message is the cause's
// message unchanged; it matches both ErrProcessing and the cause.
type FrameError struct {
	Frame int
	Err   error
}

func (e *FrameError) Error() string { return e.Err.Error() }

func (e *FrameError) Unwrap() []error { return []error{ErrProcessing, e.Err} }
