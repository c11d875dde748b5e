package lipsync

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound reports a missing model script or checkpoint.
	ErrNotFound = errors.New("lipsync: not found")
	// ErrTimeout reports a model run that exceeded the configured bound.
	ErrTimeout = errors.New("lipsync: model run timed out")
)

// InvocationError carries the diagnostics of a failed model run.
type InvocationError struct {
	ExitCode int
	Output   string
	Reason   string
}

func (e *InvocationError) Error() string {
	msg := e.Reason
	if msg == "" {
		msg = fmt.Sprintf("model run failed with exit code %d", e.ExitCode)
	}
	if e.Output != "" {
		return msg + ": " + e.Output
	}
	return msg
}
