// Package services implements the synchronized stores: worker-local state that
// is written locally, broadcast as deltas on a shared log, and merged back from
// every worker's deltas with last-writer-wins.
package services

import (
	"errors"
	"fmt"
)

// ErrIllegalState is returned when an operation is called in the wrong lifecycle state
var ErrIllegalState = errors.New("illegal state")

// Error codes carried by ServiceError
const (
	CodeMalformedPayload = "MALFORMED_PAYLOAD"
	CodePublishFailed    = "PUBLISH_FAILED"
	CodePersistFailed    = "PERSIST_FAILED"
	CodeIllegalState     = "ILLEGAL_STATE"
)

// ServiceError is returned by the store services; Code is stable, Err is the cause
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Err     error                  `json:"-"`
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap exposes the underlying sentinel to errors.Is
func (e *ServiceError) Unwrap() error {
	return e.Err
}

// wrapError creates a ServiceError around err
func wrapError(code, message string, err error) *ServiceError {
	return &ServiceError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// illegalState reports an operation attempted outside the allowed states
func illegalState(store, op string, state State) *ServiceError {
	return &ServiceError{
		Code:    CodeIllegalState,
		Message: fmt.Sprintf("%s: %s not allowed in state %s", store, op, state),
		Details: map[string]interface{}{
			"store": store,
			"op":    op,
			"state": state.String(),
		},
		Err: ErrIllegalState,
	}
}
