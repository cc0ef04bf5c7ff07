package operator

import (
	"errors"
	"fmt"
)

// UnavailableError reports that the orchestrator could not be reached or did
// not answer within the request timeout.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("orchestrator unavailable during %s: %v", e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// RejectedSpecError reports that the orchestrator refused a workload or
// volume definition.
type RejectedSpecError struct {
	Name   string
	Reason string
	Err    error
}

func (e *RejectedSpecError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("orchestrator rejected %s: %v", e.Name, e.Err)
	}
	return fmt.Sprintf("orchestrator rejected %s: %s", e.Name, e.Reason)
}

func (e *RejectedSpecError) Unwrap() error { return e.Err }

// IsUnavailable reports whether err is, or wraps, an UnavailableError.
func IsUnavailable(err error) bool {
	var target *UnavailableError
	return errors.As(err, &target)
}

// IsRejected reports whether err is, or wraps, a RejectedSpecError.
func IsRejected(err error) bool {
	var target *RejectedSpecError
	return errors.As(err, &target)
}
