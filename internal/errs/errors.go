// Package errs defines the error taxonomy shared by the ledger and its
// engines. Every category is a sentinel so callers classify failures with
// errors.Is without parsing messages.
package errs

import "errors"

var (
	// ErrUnauthorized: caller lacks the required role. Never retried.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrValidation: zero/out-of-range size, price, or leverage; market
	// inactive or unknown. Caller must resubmit corrected input.
	ErrValidation = errors.New("validation failed")

	// ErrMargin: insufficient collateral for the requested exposure, or a
	// withdrawal would breach maintenance margin.
	ErrMargin = errors.New("margin requirement not met")

	// ErrState: position not found, already closed, or a reentrant call
	// was detected.
	ErrState = errors.New("invalid state")

	// ErrCapacity: per-side or global open-interest cap exceeded. Caller
	// may retry once capacity frees.
	ErrCapacity = errors.New("capacity exceeded")
)

// Kind returns a short label for metrics/logging, or "internal" for
// errors outside the taxonomy.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return "authorization"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrMargin):
		return "margin"
	case errors.Is(err, ErrState):
		return "state"
	case errors.Is(err, ErrCapacity):
		return "capacity"
	default:
		return "internal"
	}
}
