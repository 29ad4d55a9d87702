// Package apierrors provides unified error handling for the orchestration
// and session core.
package apierrors

import (
	"errors"
	"fmt"
)

// Code represents a unique, stable error code surfaced by name rather than
// by language type, per the error-kind taxonomy the core promises callers.
type Code string

const (
	CodeNotFound           Code = "NOT_FOUND"
	CodeDuplicateID        Code = "DUPLICATE_ID"
	CodeInvalidArgument    Code = "INVALID_ARGUMENT"
	CodeCircularDependency Code = "CIRCULAR_DEPENDENCY"
	CodeDeadlock           Code = "DEADLOCK"
	CodeKeyUnavailable     Code = "KEY_UNAVAILABLE"
	CodeAlgorithmUnsupported Code = "ALGORITHM_UNSUPPORTED"
	CodeSignatureInvalid   Code = "SIGNATURE_INVALID"
	CodeHandshakeRejected  Code = "HANDSHAKE_REJECTED"
	CodeLockedOut          Code = "LOCKED_OUT"
	CodeTransient          Code = "TRANSIENT"
	CodePermanent          Code = "PERMANENT"
	CodeCancelled          Code = "CANCELLED"
	CodeCapacityExceeded   Code = "CAPACITY_EXCEEDED"
	CodeStepFailed         Code = "STEP_FAILED"
)

// CoreError is a structured error carrying a stable code, a human message,
// optional structured details, and an optional wrapped cause.
type CoreError struct {
	Code    Code
	Message string
	Details map[string]interface{}
	Err     error
}

func (e *CoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause to errors.Is/errors.As.
func (e *CoreError) Unwrap() error { return e.Err }

// Is matches on code so that errors.Is(err, apierrors.ErrNotFound) succeeds
// for any NotFound error regardless of its message or details.
func (e *CoreError) Is(target error) bool {
	var other *CoreError
	if !errors.As(target, &other) {
		return false
	}
	return e.Code == other.Code
}

// WithDetails attaches a structured key/value pair to the error and returns
// it for chaining.
func (e *CoreError) WithDetails(key string, value interface{}) *CoreError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a CoreError with no wrapped cause.
func New(code Code, message string) *CoreError {
	return &CoreError{Code: code, Message: message}
}

// Wrap creates a CoreError that wraps an underlying error.
func Wrap(code Code, message string, err error) *CoreError {
	return &CoreError{Code: code, Message: message, Err: err}
}

// Sentinel instances usable directly with errors.Is for the common,
// detail-free cases. Constructors below are preferred when details matter.
var (
	ErrNotFound             = New(CodeNotFound, "not found")
	ErrDuplicateID          = New(CodeDuplicateID, "already registered")
	ErrInvalidArgument      = New(CodeInvalidArgument, "invalid argument")
	ErrCircularDependency   = New(CodeCircularDependency, "circular dependency")
	ErrDeadlock             = New(CodeDeadlock, "execution cannot progress")
	ErrKeyUnavailable       = New(CodeKeyUnavailable, "key unavailable")
	ErrAlgorithmUnsupported = New(CodeAlgorithmUnsupported, "algorithm unsupported")
	ErrSignatureInvalid     = New(CodeSignatureInvalid, "signature invalid")
	ErrHandshakeRejected    = New(CodeHandshakeRejected, "handshake rejected")
	ErrLockedOut            = New(CodeLockedOut, "locked out")
	ErrTransient            = New(CodeTransient, "transient failure")
	ErrPermanent            = New(CodePermanent, "permanent failure")
	ErrCancelled            = New(CodeCancelled, "cancelled")
	ErrCapacityExceeded     = New(CodeCapacityExceeded, "capacity exceeded")
	ErrStepFailed           = New(CodeStepFailed, "step failed")
)

// NotFound builds a NotFound error naming the missing referent.
func NotFound(resource, id string) *CoreError {
	return New(CodeNotFound, fmt.Sprintf("%s not found", resource)).
		WithDetails("resource", resource).WithDetails("id", id)
}

// DuplicateID builds a DuplicateId error naming the conflicting id.
func DuplicateID(resource, id string) *CoreError {
	return New(CodeDuplicateID, fmt.Sprintf("%s already registered", resource)).
		WithDetails("resource", resource).WithDetails("id", id)
}

// InvalidArgument builds an InvalidArgument error naming the offending field.
func InvalidArgument(field, reason string) *CoreError {
	return New(CodeInvalidArgument, reason).WithDetails("field", field)
}

// CircularDependency builds a CircularDependency error naming the cycle.
func CircularDependency(workflowID string, cycle []string) *CoreError {
	return New(CodeCircularDependency, "workflow defines a dependency cycle").
		WithDetails("workflow_id", workflowID).WithDetails("cycle", cycle)
}

// Deadlock builds a Deadlock error naming the stuck execution.
func Deadlock(executionID string, stuckSteps []string) *CoreError {
	return New(CodeDeadlock, "no steps are ready and non-terminal steps remain").
		WithDetails("execution_id", executionID).WithDetails("stuck_steps", stuckSteps)
}

// KeyUnavailable builds a KeyUnavailable error naming the key.
func KeyUnavailable(keyID, reason string) *CoreError {
	return New(CodeKeyUnavailable, reason).WithDetails("key_id", keyID)
}

// SignatureInvalid wraps a verification failure.
func SignatureInvalid(err error) *CoreError {
	return Wrap(CodeSignatureInvalid, "signature verification failed", err)
}

// HandshakeRejected builds a HandshakeRejected error carrying a sub-reason.
func HandshakeRejected(reason string) *CoreError {
	return New(CodeHandshakeRejected, reason).WithDetails("reason", reason)
}

// LockedOut builds a LockedOut error naming the locked user.
func LockedOut(userID string) *CoreError {
	return New(CodeLockedOut, "account is locked out").WithDetails("user_id", userID)
}

// Transient wraps a retryable failure from an agent invocation.
func Transient(operation string, err error) *CoreError {
	return Wrap(CodeTransient, "transient failure", err).WithDetails("operation", operation)
}

// Permanent wraps a non-retryable failure from an agent invocation.
func Permanent(operation string, err error) *CoreError {
	return Wrap(CodePermanent, "permanent failure", err).WithDetails("operation", operation)
}

// Cancelled builds a Cancelled error for cooperative cancellation.
func Cancelled(executionID string) *CoreError {
	return New(CodeCancelled, "execution cancelled").WithDetails("execution_id", executionID)
}

// CapacityExceeded builds a CapacityExceeded error naming the limit hit.
func CapacityExceeded(limit int) *CoreError {
	return New(CodeCapacityExceeded, "too many concurrent workflows").WithDetails("limit", limit)
}

// StepFailed wraps the underlying step error with its step id.
func StepFailed(stepID string, err error) *CoreError {
	return Wrap(CodeStepFailed, fmt.Sprintf("step %s failed", stepID), err).WithDetails("step_id", stepID)
}

// As extracts a *CoreError from an error chain, if present.
func As(err error) *CoreError {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce
	}
	return nil
}

// CodeOf returns the Code of err if it is (or wraps) a *CoreError, or "" otherwise.
func CodeOf(err error) Code {
	if ce := As(err); ce != nil {
		return ce.Code
	}
	return ""
}
