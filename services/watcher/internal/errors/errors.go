package errors

import (
	stderrors "errors"
	"fmt"

	goerrors "github.com/go-errors/errors"
)

type ErrorType string

const (
	ErrTypeNotFound          ErrorType = "NOT_FOUND"
	ErrTypeInvalidInput      ErrorType = "INVALID_INPUT"
	ErrTypeInternal          ErrorType = "INTERNAL"
	ErrTypeSourceUnavailable ErrorType = "SOURCE_UNAVAILABLE"
	ErrTypeSourceMalformed   ErrorType = "SOURCE_MALFORMED"
	ErrTypeNormalization     ErrorType = "NORMALIZATION"
	ErrTypeDeliveryFailed    ErrorType = "DELIVERY_FAILED"
	ErrTypeDeliveryRejected  ErrorType = "DELIVERY_REJECTED"
	ErrTypeDeadlineExceeded  ErrorType = "DEADLINE_EXCEEDED"
)

type DomainError struct {
	Type    ErrorType
	Message string
	Err     error
	Stack   []byte
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

func (e *DomainError) StackTrace() []byte {
	return e.Stack
}

func New(errType ErrorType, message string, err error) *DomainError {
	var stack []byte
	if err != nil {
		if stackErr, ok := err.(*goerrors.Error); ok {
			stack = stackErr.Stack()
		} else {
			stack = goerrors.Wrap(err, 2).Stack()
		}
	} else {
		stack = goerrors.New(message).Stack()
	}

	return &DomainError{
		Type:    errType,
		Message: message,
		Err:     err,
		Stack:   stack,
	}
}

func NotFound(message string, err error) *DomainError {
	return New(ErrTypeNotFound, message, err)
}

func InvalidInput(message string, err error) *DomainError {
	return New(ErrTypeInvalidInput, message, err)
}

func Internal(message string, err error) *DomainError {
	return New(ErrTypeInternal, message, err)
}

func SourceUnavailable(message string, err error) *DomainError {
	return New(ErrTypeSourceUnavailable, message, err)
}

func SourceMalformed(message string, err error) *DomainError {
	return New(ErrTypeSourceMalformed, message, err)
}

func Normalization(message string, err error) *DomainError {
	return New(ErrTypeNormalization, message, err)
}

func DeliveryFailed(message string, err error) *DomainError {
	return New(ErrTypeDeliveryFailed, message, err)
}

func DeliveryRejected(message string, err error) *DomainError {
	return New(ErrTypeDeliveryRejected, message, err)
}

func DeadlineExceeded(message string, err error) *DomainError {
	return New(ErrTypeDeadlineExceeded, message, err)
}

// TypeOf returns the type of the outermost DomainError in err's chain, or
// ErrTypeInternal when there is none.
func TypeOf(err error) ErrorType {
	var de *DomainError
	if stderrors.As(err, &de) {
		return de.Type
	}
	return ErrTypeInternal
}

// Is reports whether err carries a DomainError of the given type.
func Is(err error, errType ErrorType) bool {
	var de *DomainError
	for err != nil {
		if !stderrors.As(err, &de) {
			return false
		}
		if de.Type == errType {
			return true
		}
		err = de.Err
	}
	return false
}

// IsRetryable reports whether err is a transient source or delivery failure.
func IsRetryable(err error) bool {
	switch TypeOf(err) {
	case ErrTypeSourceUnavailable, ErrTypeDeliveryFailed:
		return true
	}
	return false
}
