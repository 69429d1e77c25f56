package errors

import (
	"context"
	"errors"
	"fmt"
)

// ErrorClass tells callers how to recover from an error
type ErrorClass int

const (
	// ErrorTransient errors may succeed on retry
	ErrorTransient ErrorClass = iota
	// ErrorInvalid errors come from bad input or configuration
	ErrorInvalid
	// ErrorFatal errors stop the component
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

var (
	// Lifecycle
	ErrAlreadyStarted = errors.New("component already started")
	ErrAlreadyStopped = errors.New("component already stopped")
	ErrShuttingDown   = errors.New("component is shutting down")

	// AMI sessions
	ErrTransport      = errors.New("transport failure")
	ErrConnectionLost = errors.New("connection lost")
	ErrIdleTimeout    = errors.New("liveness deadline exceeded")
	ErrBannerMismatch = errors.New("unexpected server banner")
	ErrAuthFailed     = errors.New("authentication rejected")
	ErrFrameMalformed = errors.New("malformed protocol block")
	ErrInvalidData    = errors.New("invalid data format")

	// Routing
	ErrDeadClause         = errors.New("clause has no destinations")
	ErrUnknownDestination = errors.New("unknown destination")
	ErrRuleEvaluation     = errors.New("rule evaluation failed")

	// Delivery
	ErrSinkFailed         = errors.New("sink write failed")
	ErrQueueFull          = errors.New("destination queue full")
	ErrStorageUnavailable = errors.New("storage unavailable")

	// Configuration
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

// IsTransient reports whether err is worth retrying. An explicit class
// wins over the sentinel it wraps.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorTransient
	}
	for _, target := range []error{
		ErrTransport, ErrConnectionLost, ErrIdleTimeout, ErrFrameMalformed,
		ErrStorageUnavailable, ErrSinkFailed,
		context.DeadlineExceeded, context.Canceled,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsInvalid reports whether err comes from bad input or configuration.
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorInvalid
	}
	return errors.Is(err, ErrInvalidData) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrDeadClause) ||
		errors.Is(err, ErrUnknownDestination) ||
		errors.Is(err, ErrAuthFailed)
}

// IsAuth reports whether err is a rejected AMI login.
func IsAuth(err error) bool {
	return errors.Is(err, ErrAuthFailed)
}

// IsFrame reports whether err came from a malformed protocol block.
func IsFrame(err error) bool {
	return errors.Is(err, ErrFrameMalformed)
}

// Wrap adds context in the form "component.method: action failed: cause".
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

func wrapClass(class ErrorClass, err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrapped := Wrap(err, component, method, action)
	return &ClassifiedError{
		Class:     class,
		Err:       wrapped,
		Message:   wrapped.Error(),
		Component: component,
		Operation: method,
	}
}

// WrapTransient wraps an error as transient with context
func WrapTransient(err error, component, method, action string) error {
	return wrapClass(ErrorTransient, err, component, method, action)
}

// WrapFatal wraps an error as fatal with context
func WrapFatal(err error, component, method, action string) error {
	return wrapClass(ErrorFatal, err, component, method, action)
}

// WrapInvalid wraps an error as invalid with context
func WrapInvalid(err error, component, method, action string) error {
	return wrapClass(ErrorInvalid, err, component, method, action)
}

// Invalidf builds an invalid-class error around a sentinel with a formatted detail.
func Invalidf(sentinel error, component, method, format string, args ...any) error {
	detail := fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), sentinel)
	return WrapInvalid(detail, component, method, "validation")
}
