// Package errors provides structured errors for the work ledger services.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorType categorizes a failure for logging and retry decisions
type ErrorType string

const (
	// ErrorTypeNetwork is a transport failure reaching a dependency
	ErrorTypeNetwork ErrorType = "network"
	// ErrorTypeValidation is a malformed envelope or config value
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeDatabase is a record store failure
	ErrorTypeDatabase ErrorType = "database"
	// ErrorTypeCache is a snapshot cache or rate limiter failure
	ErrorTypeCache ErrorType = "cache"
	// ErrorTypeKafka is a broker failure
	ErrorTypeKafka ErrorType = "kafka"
	// ErrorTypeLedger is an instruction the ledger core rejected
	ErrorTypeLedger ErrorType = "ledger"
	// ErrorTypeTimeout is an expired deadline
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeInternal is anything else
	ErrorTypeInternal ErrorType = "internal"
)

var transientMarkers = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"network unreachable",
	"i/o timeout",
	"temporary failure",
	"too many connections",
	"could not serialize access",
	"deadlock detected",
}

// ServiceError is a failure with the operation that produced it and the
// context needed to diagnose it
type ServiceError struct {
	Type      ErrorType
	Operation string
	Message   string
	Cause     error
	Context   map[string]any
	Timestamp time.Time
	Retryable bool
}

// Error implements the error interface
func (e *ServiceError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s %s: %s: %v", e.Type, e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s %s: %s", e.Type, e.Operation, e.Message)
}

// Unwrap returns the cause
func (e *ServiceError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the operation may succeed if repeated
func (e *ServiceError) IsRetryable() bool {
	return e.Retryable
}

// WithContext attaches a diagnostic key/value pair
func (e *ServiceError) WithContext(key string, value any) *ServiceError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// New creates a ServiceError without a cause
func New(errorType ErrorType, operation, message string) *ServiceError {
	return &ServiceError{
		Type:      errorType,
		Operation: operation,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: retryableType(errorType),
	}
}

// Wrap attaches operation context to err. A wrapped ServiceError keeps its
// retryability; other causes are classified by their message.
func Wrap(err error, errorType ErrorType, operation, message string) *ServiceError {
	if err == nil {
		return nil
	}

	retryable := IsTransient(err)
	var se *ServiceError
	if errors.As(err, &se) {
		retryable = se.Retryable
	}
	if errorType == ErrorTypeLedger || errorType == ErrorTypeValidation {
		retryable = false
	}

	return &ServiceError{
		Type:      errorType,
		Operation: operation,
		Message:   message,
		Cause:     err,
		Timestamp: time.Now(),
		Retryable: retryable,
	}
}

// Rejected wraps a ledger rejection. Rejections are final: the same
// instruction against the same state fails the same way.
func Rejected(err error, operation, code string) *ServiceError {
	return Wrap(err, ErrorTypeLedger, operation, "instruction rejected").WithContext("code", code)
}

func retryableType(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeKafka, ErrorTypeCache:
		return true
	default:
		return false
	}
}

// IsTransient classifies a foreign error by its message. Cancellation is
// never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// IsType reports whether any ServiceError in err's chain has errorType
func IsType(err error, errorType ErrorType) bool {
	for err != nil {
		var se *ServiceError
		if !errors.As(err, &se) {
			return false
		}
		if se.Type == errorType {
			return true
		}
		err = se.Cause
	}
	return false
}

// IsRetryable reports whether err should be retried
func IsRetryable(err error) bool {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.IsRetryable()
	}
	return IsTransient(err)
}

// GetContext returns the context of the outermost ServiceError in err's chain
func GetContext(err error) map[string]any {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Context
	}
	return nil
}
