package errors

import "errors"

// Sentinels for domain errors.
var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrValidation        = errors.New("validation error")
	ErrUnavailable       = errors.New("service unavailable")
	ErrDuplicateCall     = errors.New("duplicate call in progress")
	ErrCapacityExhausted = errors.New("concurrency capacity exhausted")
)

// Is reports whether err is one of the sentinels.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// IsAdmissionDenied reports whether err is an admission denial of either kind.
func IsAdmissionDenied(err error) bool {
	return errors.Is(err, ErrDuplicateCall) || errors.Is(err, ErrCapacityExhausted)
}

// Wrap adds context to an error.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return errors.Join(errors.New(message), err)
}
