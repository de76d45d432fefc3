package detections

import (
	"errors"
	"fmt"
)

var (
	ErrTimeout    = errors.New("processing timeout")
	ErrPoolClosed = errors.New("pool is closed")
	ErrNotReady   = errors.New("detector not loaded")
)

type ProcessingError struct {
	Message string
	Cause   error
}

func (e *ProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}
