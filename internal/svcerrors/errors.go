// Package svcerrors provides a structured error type that carries the HTTP
// status the control server should respond with.
package svcerrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a distinct failure condition.
type Code string

const (
	// CodeMaintNoWindow is returned when the maintenance planner cannot find
	// a window of the requested size in the child's reported schedule.
	CodeMaintNoWindow Code = "MAINT_NO_WINDOW"
	// CodeMaintConflictingRequest is returned when a schedule request sets
	// both an explicit height and a minimum length.
	CodeMaintConflictingRequest Code = "MAINT_CONFLICTING_REQUEST"
	// CodeMaintVerifyTimeout is returned when a dynamic-config edit could
	// not be confirmed applied within the verify deadline.
	CodeMaintVerifyTimeout Code = "MAINT_VERIFY_TIMEOUT"
	// CodeChildUnreachable is returned when the child's RPC endpoint cannot
	// be reached.
	CodeChildUnreachable Code = "CHILD_UNREACHABLE"
	// CodeRegistryTransient marks a registry failure that resilience
	// already retried; it is logged, never surfaced to a control client.
	CodeRegistryTransient Code = "REGISTRY_TRANSIENT"
)

// ServiceError is a structured error with a code, an HTTP status for the
// control server, and an optional wrapped cause.
type ServiceError struct {
	Code       Code
	Message    string
	HTTPStatus int
	Err        error
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// New creates a ServiceError with no wrapped cause.
func New(code Code, message string, httpStatus int) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: httpStatus}
}

// Wrap creates a ServiceError around an existing error.
func Wrap(code Code, message string, httpStatus int, err error) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: httpStatus, Err: err}
}

// MaintNoWindow reports that no maintenance window satisfies a request.
func MaintNoWindow(requiredLength uint64) *ServiceError {
	return New(CodeMaintNoWindow, fmt.Sprintf("no maintenance window of length %d available", requiredLength), http.StatusInternalServerError)
}

// MaintConflictingRequest reports that a schedule request set mutually
// exclusive fields.
func MaintConflictingRequest() *ServiceError {
	return New(CodeMaintConflictingRequest, "cannot guarantee minimum maintenance window for a specified shutdown block height", http.StatusInternalServerError)
}

// MaintVerifyTimeout reports that a config edit was not observed applied in
// time.
func MaintVerifyTimeout(err error) *ServiceError {
	return Wrap(CodeMaintVerifyTimeout, "timed out verifying dynamic config update", http.StatusInternalServerError, err)
}

// ChildUnreachable reports that the child's RPC endpoint could not be
// reached.
func ChildUnreachable(err error) *ServiceError {
	return Wrap(CodeChildUnreachable, "child RPC endpoint unreachable", http.StatusGatewayTimeout, err)
}

// RegistryTransient wraps a retried-and-exhausted registry failure.
func RegistryTransient(operation string, err error) *ServiceError {
	return Wrap(CodeRegistryTransient, fmt.Sprintf("registry operation %q failed", operation), http.StatusInternalServerError, err)
}

// As extracts a *ServiceError from an error chain.
func As(err error) *ServiceError {
	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		return svcErr
	}
	return nil
}

// HTTPStatus returns the status code an error should be reported with,
// defaulting to 500 for errors that aren't a ServiceError.
func HTTPStatus(err error) int {
	if svcErr := As(err); svcErr != nil {
		return svcErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
