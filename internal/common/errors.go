package common

import (
	"errors"
	"sort"
	"strings"
)

// Kind classifies an error for callers deciding whether it blocks checkout.
type Kind string

const (
	// KindValidation is bad caller input reported per field.
	KindValidation Kind = "validation"
	// KindAvailability means the purchasable cannot be bought right now.
	KindAvailability Kind = "availability"
	// KindConsistency is an order-level problem surfaced as a notice.
	KindConsistency Kind = "consistency"
	// KindFatal marks a data-integrity or programmer error.
	KindFatal Kind = "fatal"
)

// FieldErrors maps a field name to its validation message.
type FieldErrors map[string]string

// Error implements error.
func (f FieldErrors) Error() string {
	if len(f) == 0 {
		return ""
	}
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+f[k])
	}
	return strings.Join(parts, "; ")
}

// AppError represents an error with an attached kind and code.
type AppError struct {
	Kind    Kind
	Code    string
	Message string
	Fields  FieldErrors
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" && len(e.Fields) > 0 {
		msg = e.Fields.Error()
	}
	if e.Err != nil {
		if msg == "" {
			return e.Err.Error()
		}
		return msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap allows errors.Is/As to inspect the underlying error.
func (e *AppError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewAppError constructs an AppError.
func NewAppError(kind Kind, code, message string, err error) *AppError {
	return &AppError{Kind: kind, Code: code, Message: message, Err: err}
}

// Validation builds a validation error carrying per-field messages.
func Validation(code string, fields FieldErrors) *AppError {
	return &AppError{Kind: KindValidation, Code: code, Fields: fields}
}

// Fatal wraps err as a fatal error.
func Fatal(code string, err error) *AppError {
	return &AppError{Kind: KindFatal, Code: code, Err: err}
}

// IsAppError checks whether the error is an AppError.
func IsAppError(err error) bool {
	var target *AppError
	return errors.As(err, &target)
}

// KindOf classifies err. Errors without an AppError in the chain are fatal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var target *AppError
	if errors.As(err, &target) && target.Kind != "" {
		return target.Kind
	}
	var fields FieldErrors
	if errors.As(err, &fields) {
		return KindValidation
	}
	return KindFatal
}

// FieldsOf returns the field errors attached to err, if any.
func FieldsOf(err error) FieldErrors {
	var target *AppError
	if errors.As(err, &target) && len(target.Fields) > 0 {
		return target.Fields
	}
	var fields FieldErrors
	if errors.As(err, &fields) {
		return fields
	}
	return nil
}
