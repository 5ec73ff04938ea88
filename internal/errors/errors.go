// Package errors defines the structured error taxonomy of the lake.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode identifies an error class.
type ErrorCode string

const (
	// ErrValidation is returned when a drive/slot coordinate or an argument is invalid.
	ErrValidation ErrorCode = "VALIDATION"
	// ErrNotFound is returned when a targeted mutation names a missing id or signature.
	ErrNotFound ErrorCode = "NOT_FOUND"
	// ErrIO is returned when an archive write or read fails.
	ErrIO ErrorCode = "IO"
	// ErrDecode is returned when a stored payload cannot be decoded.
	ErrDecode ErrorCode = "DECODE"
	// ErrEmbedderUnavailable is returned by embedders. Callers of the vector
	// index never see it; it is masked by the fallback vector.
	ErrEmbedderUnavailable ErrorCode = "EMBEDDER_UNAVAILABLE"
)

// LakeError is a concrete error type with a code, message and optional
// details.
type LakeError struct {
	code       ErrorCode
	message    string
	details    map[string]any
	wrappedErr error
}

// New creates a new LakeError.
func New(code ErrorCode, message string) *LakeError {
	return &LakeError{code: code, message: message}
}

// WithDetail adds a single detail to the error.
func (e *LakeError) WithDetail(key string, value any) *LakeError {
	if e.details == nil {
		e.details = make(map[string]any)
	}
	e.details[key] = value
	return e
}

// Wrap wraps an underlying error.
func (e *LakeError) Wrap(err error) *LakeError {
	e.wrappedErr = err
	return e
}

// Error implements the error interface.
func (e *LakeError) Error() string {
	if e.wrappedErr != nil {
		return fmt.Sprintf("%s: %v", e.message, e.wrappedErr)
	}
	return e.message
}

// Code returns the error code.
func (e *LakeError) Code() ErrorCode {
	return e.code
}

// Details returns additional error details.
func (e *LakeError) Details() map[string]any {
	return e.details
}

// Unwrap returns the wrapped error if any.
func (e *LakeError) Unwrap() error {
	return e.wrappedErr
}

// Is reports whether target is a LakeError with the same code.
//
// This makes errors.Is(err, errors.New(ErrNotFound, "")) work as a class test.
func (e *LakeError) Is(target error) bool {
	var t *LakeError
	if !errors.As(target, &t) {
		return false
	}
	return t.code == e.code
}

// Validation creates a validation error.
func Validation(format string, args ...any) *LakeError {
	return New(ErrValidation, fmt.Sprintf(format, args...))
}

// NotFound creates a not found error for the given resource kind and key.
func NotFound(resource, key string) *LakeError {
	return New(ErrNotFound, fmt.Sprintf("%s %q not found", resource, key)).WithDetail(resource, key)
}

// IO creates an I/O error wrapping err.
func IO(message string, err error) *LakeError {
	return New(ErrIO, message).Wrap(err)
}

// Decode creates a decode error wrapping err.
func Decode(message string, err error) *LakeError {
	return New(ErrDecode, message).Wrap(err)
}

// EmbedderUnavailable creates an embedder error wrapping err.
func EmbedderUnavailable(err error) *LakeError {
	return New(ErrEmbedderUnavailable, "embedder unavailable").Wrap(err)
}

// CodeOf returns the code of the first LakeError in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var e *LakeError
	if errors.As(err, &e) {
		return e.code
	}
	return ""
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool { return CodeOf(err) == ErrValidation }

// IsNotFound reports whether err is a not found error.
func IsNotFound(err error) bool { return CodeOf(err) == ErrNotFound }

// IsIO reports whether err is an I/O error.
func IsIO(err error) bool { return CodeOf(err) == ErrIO }

// IsDecode reports whether err is a decode error.
func IsDecode(err error) bool { return CodeOf(err) == ErrDecode }
