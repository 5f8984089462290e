package record

import (
	"errors"
	"fmt"
	"strings"
)

// Code is a machine-stable error discriminant. Callers branch on the code,
// never on the message text.
type Code string

const (
	CodeValidation          Code = "VALIDATION_ERROR"
	CodeNotFound            Code = "NOT_FOUND"
	CodeForbidden           Code = "FORBIDDEN"
	CodeImmutable           Code = "IMMUTABLE_RECORD"
	CodeAlreadyDispensed    Code = "ALREADY_DISPENSED"
	CodeIndexOutOfRange     Code = "INDEX_OUT_OF_RANGE"
	CodeGenerationExhausted Code = "ID_GENERATION_EXHAUSTED"
	CodeStoreUnavailable    Code = "STORE_UNAVAILABLE"
	CodeInternal            Code = "INTERNAL"
)

// Error is the closed failure type for every record operation.
type Error struct {
	Code    Code
	Message string
	Details []string
	cause   error
}

func (e *Error) Error() string {
	if len(e.Details) > 0 {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, strings.Join(e.Details, "; "))
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// AsError extracts the typed error from an error chain.
func AsError(err error) (*Error, bool) {
	var re *Error
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// CodeOf returns the error code, or CodeInternal for untyped errors.
func CodeOf(err error) Code {
	if re, ok := AsError(err); ok {
		return re.Code
	}
	return CodeInternal
}

// StoreFault reports whether err is an infrastructure failure rather than a
// business outcome. A breaker guarding the store must trip only on these:
// NOT_FOUND, IMMUTABLE_RECORD and the like are the store answering, not the
// store failing.
func StoreFault(err error) bool {
	if err == nil {
		return false
	}
	if re, ok := AsError(err); ok {
		return re.Code == CodeStoreUnavailable || re.Code == CodeInternal
	}
	return true
}

func ErrValidation(details []string) *Error {
	return &Error{Code: CodeValidation, Message: "validation failed", Details: details}
}

func ErrNotFound(id string) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf("record not found: %s", id)}
}

func ErrForbidden(msg string) *Error {
	if msg == "" {
		msg = "operation not permitted"
	}
	return &Error{Code: CodeForbidden, Message: msg}
}

func ErrImmutable(id string) *Error {
	return &Error{Code: CodeImmutable, Message: fmt.Sprintf("record %s is terminal and cannot be modified", id)}
}

func ErrAlreadyDispensed(index int) *Error {
	return &Error{Code: CodeAlreadyDispensed, Message: fmt.Sprintf("medicine at index %d is already dispensed", index)}
}

func ErrIndexOutOfRange(index, length int) *Error {
	return &Error{Code: CodeIndexOutOfRange, Message: fmt.Sprintf("medicine index %d out of range [0,%d)", index, length)}
}

func ErrGenerationExhausted(attempts int) *Error {
	return &Error{Code: CodeGenerationExhausted, Message: fmt.Sprintf("no unique record number found in %d attempts", attempts)}
}

func ErrStoreUnavailable(err error) *Error {
	return &Error{Code: CodeStoreUnavailable, Message: "store unavailable", cause: err}
}

func ErrInternal(err error) *Error {
	return &Error{Code: CodeInternal, Message: "internal error", cause: err}
}
