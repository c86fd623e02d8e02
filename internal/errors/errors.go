// Package errors provides custom error types for domain-specific errors.
package errors

import (
	"errors"
	"fmt"
)

// Standard sentinel errors
var (
	ErrClientNotFound      = errors.New("client not found")
	ErrMissingEndpoint     = errors.New("client has no terminal endpoint configured")
	ErrGroupNotFound       = errors.New("order group not found")
	ErrPositionNotFound    = errors.New("position not found")
	ErrPositionClosed      = errors.New("position already closed")
	ErrPositionUnconfirmed = errors.New("position not yet confirmed by the terminal")
	ErrNothingToClose      = errors.New("no open legs to close")
	ErrEmptyPlan           = errors.New("no leg reaches the minimum volume step")
	ErrTerminalUnavailable = errors.New("terminal unavailable")
	ErrInputValidation     = errors.New("input validation failed")
	ErrConfigInvalid       = errors.New("invalid configuration")
	ErrDatabaseError       = errors.New("database error")
)

// TerminalError represents a non-ok response from a trading terminal.
type TerminalError struct {
	Endpoint string
	Status   int
	Message  string
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("terminal error [%s] status %d: %s", e.Endpoint, e.Status, e.Message)
}

// Unwrap lets callers match on ErrTerminalUnavailable.
func (e *TerminalError) Unwrap() error {
	return ErrTerminalUnavailable
}

// NewTerminalError creates a new TerminalError.
func NewTerminalError(endpoint string, status int, message string) *TerminalError {
	return &TerminalError{
		Endpoint: endpoint,
		Status:   status,
		Message:  message,
	}
}

// PlanningError is raised before any order is sent; it never has side effects.
type PlanningError struct {
	Symbol string
	Reason string
	Err    error
}

func (e *PlanningError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("planning error [%s]: %s: %v", e.Symbol, e.Reason, e.Err)
	}
	return fmt.Sprintf("planning error [%s]: %s", e.Symbol, e.Reason)
}

func (e *PlanningError) Unwrap() error {
	return e.Err
}

// NewPlanningError creates a new PlanningError.
func NewPlanningError(symbol, reason string, err error) *PlanningError {
	return &PlanningError{
		Symbol: symbol,
		Reason: reason,
		Err:    err,
	}
}

// SubmissionError represents a leg rejected by the terminal.
type SubmissionError struct {
	Symbol  string
	Retcode int
	Reason  string
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("order rejected [%s] retcode %d: %s", e.Symbol, e.Retcode, e.Reason)
}

// NewSubmissionError creates a new SubmissionError.
func NewSubmissionError(symbol string, retcode int, reason string) *SubmissionError {
	return &SubmissionError{
		Symbol:  symbol,
		Retcode: retcode,
		Reason:  reason,
	}
}

// ValidationError represents a validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s (%v): %s", e.Field, e.Value, e.Message)
}

// Unwrap lets callers match on ErrInputValidation.
func (e *ValidationError) Unwrap() error {
	return ErrInputValidation
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
