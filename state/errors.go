package state

import (
	"errors"
	"fmt"
)

// The engine's error taxonomy. Protocol-level violations abort the
// current message; conflicts are expected business conditions handled by
// the synchronizer; everything else is loud by design.

// ConflictError reports a change that collides with one recorded by
// another peer and cannot be auto-merged.
type ConflictError struct{ Reason string }

func (e *ConflictError) Error() string { return "conflict: " + e.Reason }

func Conflictf(format string, args ...any) error {
	return &ConflictError{Reason: fmt.Sprintf(format, args...)}
}

func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// ProtocolError reports a malformed or out-of-sequence wire exchange.
type ProtocolError struct{ Reason string }

func (e *ProtocolError) Error() string { return "protocol error: " + e.Reason }

func Protocolf(format string, args ...any) error {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// InvalidSpecError reports a malformed change-spec string.
type InvalidSpecError struct{ Spec string }

func (e *InvalidSpecError) Error() string { return "invalid change spec: " + e.Spec }

func InvalidSpec(spec string) error { return &InvalidSpecError{Spec: spec} }

func IsInvalidSpec(err error) bool {
	var se *InvalidSpecError
	return errors.As(err, &se)
}

// FeatureError reports an unsupported protocol version or sync mode.
type FeatureError struct{ Feature string }

func (e *FeatureError) Error() string { return "feature not supported: " + e.Feature }

func Unsupportedf(format string, args ...any) error {
	return &FeatureError{Feature: fmt.Sprintf(format, args...)}
}

func IsFeatureError(err error) bool {
	var fe *FeatureError
	return errors.As(err, &fe)
}

// LogicalError reports an invariant violation such as a cyclic item
// hierarchy. Never retried.
type LogicalError struct{ Reason string }

func (e *LogicalError) Error() string { return "logical error: " + e.Reason }

func Logicalf(format string, args ...any) error {
	return &LogicalError{Reason: fmt.Sprintf(format, args...)}
}

// NotFoundError reports a missing item or row.
type NotFoundError struct{ What string }

func (e *NotFoundError) Error() string { return "not found: " + e.What }

func NotFoundf(format string, args ...any) error {
	return &NotFoundError{What: fmt.Sprintf(format, args...)}
}

func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// StatusError carries a peer-reported failing status code together with
// the non-standard embedded error payload, when present.
type StatusError struct {
	Command string
	Code    int
	Message string
	Trace   string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("unexpected status %d for %s: %s", e.Code, e.Command, e.Message)
	}
	return fmt.Sprintf("unexpected status %d for %s", e.Code, e.Command)
}
