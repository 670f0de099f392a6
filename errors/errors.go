package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of errors for handling purposes
type ErrorClass int

const (
	// ErrorTransient represents temporary errors that may be retried
	ErrorTransient ErrorClass = iota
	// ErrorInvalid represents errors due to invalid input or configuration
	ErrorInvalid
	// ErrorFatal represents unrecoverable errors that should stop processing
	ErrorFatal
)

// String returns the string representation of ErrorClass
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorInvalid:
		return "invalid"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Standard error variables for common conditions
var (
	// Lifecycle errors
	ErrAlreadyStarted = errors.New("component already started")
	ErrNotStarted     = errors.New("component not started")
	ErrShuttingDown   = errors.New("component is shutting down")

	// Connection errors
	ErrNoConnection      = errors.New("no connection available")
	ErrConnectionTimeout = errors.New("connection timeout")

	// Store errors
	ErrNotFound  = errors.New("record does not exist")
	ErrNameTaken = errors.New("name already in use")

	// Inbound record errors
	ErrRecordMalformed = errors.New("record is not well-formed")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingConfig = errors.New("missing required configuration")
)

// ClassifiedError wraps an error with its classification
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Message   string
	Component string
	Operation string
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// Violation describes one schema constraint an inbound record failed.
type Violation struct {
	Field   string
	Message string
}

func (v Violation) String() string {
	if v.Field == "" {
		return v.Message
	}
	return fmt.Sprintf("%s: %s", v.Field, v.Message)
}

// SchemaValidationError reports every constraint an inbound record
// violated. It classifies as invalid.
type SchemaValidationError struct {
	Violations []Violation
}

func (e *SchemaValidationError) Error() string {
	msgs := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		msgs[i] = v.String()
	}
	return "validation failed: " + strings.Join(msgs, "; ")
}

// AssociatedRulesError blocks deletion of a reference entity that is
// still targeted by rules. Rules carries the blocking rule names.
type AssociatedRulesError struct {
	Message string
	Rules   []string
}

func (e *AssociatedRulesError) Error() string {
	return fmt.Sprintf("%s: %s", e.Message, strings.Join(e.Rules, ", "))
}

// BindingProvisionError reports a failed create or delete of an external
// stream-consumer binding. The rule mutation that triggered it is aborted.
type BindingProvisionError struct {
	Value string
	Err   error
}

func (e *BindingProvisionError) Error() string {
	return fmt.Sprintf("binding provisioning for %q failed: %v", e.Value, e.Err)
}

func (e *BindingProvisionError) Unwrap() error {
	return e.Err
}

// DispatchError aggregates per-rule submission failures. It is returned
// only after every matched rule has been attempted.
type DispatchError struct {
	Failures map[string]error // rule name -> submission failure
}

func (e *DispatchError) Error() string {
	names := make([]string, 0, len(e.Failures))
	for name := range e.Failures {
		names = append(names, name)
	}
	return fmt.Sprintf("dispatch failed for %d rule(s): %s",
		len(e.Failures), strings.Join(names, ", "))
}

// IsTransient checks if an error is transient and should be retried
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorTransient
	}

	if errors.Is(err, ErrConnectionTimeout) ||
		errors.Is(err, ErrNoConnection) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	return false
}

// IsInvalid checks if an error is due to invalid input
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorInvalid
	}

	var sve *SchemaValidationError
	if errors.As(err, &sve) {
		return true
	}

	return errors.Is(err, ErrRecordMalformed) ||
		errors.Is(err, ErrNameTaken) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingConfig)
}

// IsFatal checks if an error is fatal and should stop processing
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorFatal
	}

	return false
}

// IsNotFound reports whether err indicates a missing rule, template or
// reference entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

func newClassified(class ErrorClass, err error, component, method, action string) *ClassifiedError {
	wrapped := Wrap(err, component, method, action)
	if wrapped == nil {
		wrapped = fmt.Errorf("%s.%s: %s", component, method, action)
	}
	return &ClassifiedError{
		Class:     class,
		Err:       wrapped,
		Component: component,
		Operation: method,
	}
}

// WrapTransient wraps an error as transient with context
func WrapTransient(err error, component, method, action string) error {
	return newClassified(ErrorTransient, err, component, method, action)
}

// WrapInvalid wraps an error as invalid input with context
func WrapInvalid(err error, component, method, action string) error {
	return newClassified(ErrorInvalid, err, component, method, action)
}

// WrapFatal wraps an error as fatal with context
func WrapFatal(err error, component, method, action string) error {
	return newClassified(ErrorFatal, err, component, method, action)
}

// Re-exported standard helpers so callers need a single errors import.

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool { return errors.Is(err, target) }

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool { return errors.As(err, target) }

// New returns an error that formats as the given text.
func New(text string) error { return errors.New(text) }

// Join wraps the given errors into a single error.
func Join(errs ...error) error { return errors.Join(errs...) }
