// Package ctlerr defines the typed error kinds shared by every component
// that drives the Flink control plane: the gateway client, the cluster
// client, the persistence store, and the lifecycle orchestrator.
package ctlerr

import (
	"errors"
	"fmt"
)

// Kind identifies the category of a control-plane error. Callers should
// switch on Kind rather than inspect the message, which may change.
type Kind string

const (
	Config              Kind = "CONFIG"
	MissingEnv          Kind = "MISSING_ENV"
	GatewayUnreachable  Kind = "GATEWAY_UNREACHABLE"
	ClusterUnreachable  Kind = "CLUSTER_UNREACHABLE"
	Session             Kind = "SESSION"
	Submit              Kind = "SUBMIT"
	OperationTimeout    Kind = "OPERATION_TIMEOUT"
	OperationError      Kind = "OPERATION_ERROR"
	SnapshotTrigger     Kind = "SNAPSHOT_TRIGGER"
	SnapshotTimeout     Kind = "SNAPSHOT_TIMEOUT"
	SnapshotFailed      Kind = "SNAPSHOT_FAILED"
	Precondition        Kind = "PRECONDITION"
	Conflict            Kind = "CONFLICT"
	Store               Kind = "STORE"
)

// Error is the structured error type returned by every public operation in
// this module. It carries a Kind, a short human message, and optional
// context (jobId, snapshotId, requestId) for callers that want to log or
// render it without parsing the message string.
type Error struct {
	Kind    Kind
	Message string
	Context map[string]string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error with the same Kind, so callers
// can write errors.Is(err, ctlerr.New(ctlerr.Conflict, "")).
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Kind == e.Kind
	}
	return false
}

// New constructs an Error with no context and no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error that wraps cause, preserving it for errors.Unwrap.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithContext returns a copy of e with the given key/value added to its
// context map. Safe to chain: ctlerr.Wrap(...).WithContext("jobId", id).
func (e *Error) WithContext(key, value string) *Error {
	cp := *e
	ctx := make(map[string]string, len(e.Context)+1)
	for k, v := range e.Context {
		ctx[k] = v
	}
	ctx[key] = value
	cp.Context = ctx
	return &cp
}

// KindOf extracts the Kind from err if it is (or wraps) an *Error, and
// reports ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
