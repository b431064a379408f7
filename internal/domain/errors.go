package domain

import "errors"

// Error kinds shared by every coordinator. Callers wrap them with context,
// e.g. fmt.Errorf("%w: session full", ErrConflict), and transports map the
// kind to a status via errors.Is.
var (
	// ErrNotFound is returned when a session, match, participant or question is absent.
	ErrNotFound = errors.New("not found")
	// ErrForbidden is returned when a non-owner attempts an owner-only operation.
	ErrForbidden = errors.New("forbidden")
	// ErrConflict covers expected races and state violations (full, already answered, already claimed).
	ErrConflict = errors.New("conflict")
	// ErrUnavailable signals a store timeout or connection failure; callers may retry with backoff.
	ErrUnavailable = errors.New("unavailable")
	// ErrInvalid marks malformed input.
	ErrInvalid = errors.New("invalid request")
)

// IsExpected reports whether err belongs to the kinds that occur during normal
// concurrent operation and should not be logged as errors.
func IsExpected(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrForbidden) || errors.Is(err, ErrInvalid)
}
