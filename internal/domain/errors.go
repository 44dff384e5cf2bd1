package domain

import "errors"

// Shared error taxonomy. Packages wrap these with fmt.Errorf("...: %w", err)
// and the HTTP layer maps them onto status codes with errors.Is.
var (
	// ErrNotFound means the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict means the request lost a compare-and-swap or would
	// violate a uniqueness rule.
	ErrConflict = errors.New("conflict")

	// ErrValidation means the caller's input failed validation.
	ErrValidation = errors.New("validation failed")

	// ErrDataGap means a venue returned no data for a required range.
	ErrDataGap = errors.New("market data gap")

	// ErrUnsupported means the symbol, interval or operation is not
	// supported by the selected venue.
	ErrUnsupported = errors.New("unsupported")

	// ErrNotImplemented is returned by market-data-only connectors for
	// trading and account endpoints.
	ErrNotImplemented = errors.New("not implemented")

	// ErrRiskTripped means the risk circuit breaker vetoed the operation.
	ErrRiskTripped = errors.New("risk circuit breaker tripped")

	// ErrVenue wraps upstream venue failures (HTTP 5xx, open circuit,
	// malformed payloads).
	ErrVenue = errors.New("venue error")
)
