// Package errors provides the classified error model shared by every gcstreams
// package: an ErrorClass for handling decisions, the pipeline failure kinds
// (deployment, read, handler, stall), sentinel errors, and wrapping helpers
// that produce "component.method: action failed: ..." messages.
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

// Kind is the pipeline failure taxonomy a run reports to its caller.
type Kind int

const (
	// KindOther is any failure outside the pipeline taxonomy
	KindOther Kind = iota
	// KindDeployment means a unit failed to reach ready
	KindDeployment
	// KindRead means the log source failed mid-stream
	KindRead
	// KindHandler means a consumer failed while handling an event
	KindHandler
	// KindStall means an aggregator never observed completion
	KindStall
)

// String returns the string representation of Kind
func (k Kind) String() string {
	switch k {
	case KindDeployment:
		return "deployment"
	case KindRead:
		return "read"
	case KindHandler:
		return "handler"
	case KindStall:
		return "stall"
	default:
		return "other"
	}
}

// Standard error variables for common conditions
var (
	// Pipeline failures
	ErrDeploymentFailed = errors.New("deployment failed")
	ErrReadFailed       = errors.New("log source read failed")
	ErrHandlerFailed    = errors.New("event handler failed")
	ErrStalled          = errors.New("pipeline stalled before completion")

	// Unit lifecycle errors
	ErrNotDeployed        = errors.New("unit not deployed")
	ErrAlreadyDeployed    = errors.New("unit already deployed")
	ErrAlreadyPublished   = errors.New("event source already published")
	ErrInvalidTransition  = errors.New("invalid lifecycle transition")
	ErrBusClosed          = errors.New("event bus closed")
	ErrSubscriptionFailed = errors.New("subscription failed")

	// Data errors
	ErrInvalidData   = errors.New("invalid data format")
	ErrParsingFailed = errors.New("parsing failed")
	ErrUnknownKind   = errors.New("unknown event kind")

	// Connection errors
	ErrNoConnection      = errors.New("no connection available")
	ErrConnectionTimeout = errors.New("connection timeout")

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

// IsTransient checks if an error is transient and may be retried
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
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{"timeout", "connection", "temporary", "unavailable"} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
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

	return errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingConfig) ||
		errors.Is(err, ErrDeploymentFailed) ||
		errors.Is(err, ErrStalled)
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

	return errors.Is(err, ErrInvalidData) ||
		errors.Is(err, ErrParsingFailed) ||
		errors.Is(err, ErrUnknownKind) ||
		errors.Is(err, ErrInvalidTransition)
}

// Classify returns the error class for an error
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorTransient
	}

	// Explicit classification wins over sentinel heuristics
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}

	if IsFatal(err) {
		return ErrorFatal
	}
	if IsInvalid(err) {
		return ErrorInvalid
	}
	return ErrorTransient
}

// KindOf maps an error onto the pipeline failure taxonomy
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindOther
	case errors.Is(err, ErrStalled):
		return KindStall
	case errors.Is(err, ErrDeploymentFailed):
		return KindDeployment
	case errors.Is(err, ErrReadFailed):
		return KindRead
	case errors.Is(err, ErrHandlerFailed):
		return KindHandler
	default:
		return KindOther
	}
}

func newClassified(class ErrorClass, err error, component, operation, message string) *ClassifiedError {
	return &ClassifiedError{
		Class:     class,
		Err:       err,
		Message:   message,
		Component: component,
		Operation: operation,
	}
}

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// WrapTransient wraps an error as transient with context
func WrapTransient(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorTransient, wrappedErr, component, method, wrappedErr.Error())
}

// WrapFatal wraps an error as fatal with context
func WrapFatal(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorFatal, wrappedErr, component, method, wrappedErr.Error())
}

// WrapInvalid wraps an error as invalid with context
func WrapInvalid(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorInvalid, wrappedErr, component, method, wrappedErr.Error())
}

// Tag joins a pipeline sentinel onto err so that both errors.Is(result, sentinel)
// and errors.Is(result, err) hold. A nil err yields nil.
func Tag(sentinel, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sentinel) {
		return err
	}
	return &taggedError{sentinel: sentinel, err: err}
}

type taggedError struct {
	sentinel error
	err      error
}

func (t *taggedError) Error() string {
	return fmt.Sprintf("%v: %v", t.sentinel, t.err)
}

func (t *taggedError) Unwrap() []error {
	return []error{t.sentinel, t.err}
}
