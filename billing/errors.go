/*
errors.go - Centralized error types for the billing engine

PURPOSE:
  All error types in one place. The HTTP layer maps these onto the
  {err, err_class, errors} envelope, forwarding domain error details
  unmodified.

ERROR CATEGORIES:
  1. Validation errors - malformed payloads (handled in api, not here)
  2. Routing errors - events referencing agendas outside the regie
  3. Domain errors - pricing/payer resolution failures, with details
  4. Triviality - requests that resolve to zero lines

All routing and domain errors are fatal for the whole request: no
partial documents are ever created.

SEE ALSO:
  - engine.go: raises these during orchestration
  - api/handlers.go: envelope mapping
*/
package billing

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNoChanges is returned when both event lists resolve to zero lines.
	ErrNoChanges = errors.New("no changes")

	// ErrPricingNotFound is returned when no pricing validity window
	// contains the event date.
	ErrPricingNotFound = errors.New("pricing not found")

	// ErrRegieNotFound is returned for an unknown regie slug.
	ErrRegieNotFound = errors.New("regie not found")

	// ErrDocumentNotFound is returned by stores for unknown documents.
	ErrDocumentNotFound = errors.New("document not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry details forwarded to the caller
// =============================================================================

// WrongRegieError aborts a request whose events reference agendas not
// owned by the target regie. Raised before any pricing call.
type WrongRegieError struct {
	Slugs []string
}

func (e *WrongRegieError) Error() string {
	slugs := append([]string(nil), e.Slugs...)
	sort.Strings(slugs)
	return fmt.Sprintf("wrong regie for agendas: %s", strings.Join(slugs, ", "))
}

// PricingError is a pricing computation failure reported by the
// resolver. Details are forwarded verbatim.
type PricingError struct {
	Details map[string]any
}

func (e *PricingError) Error() string {
	return "error: PricingError, details: " + detailsString(e.Details)
}

// PricingNotFoundError is the structured form of ErrPricingNotFound,
// raised when no pricing is defined for the event date.
type PricingNotFoundError struct {
	Details map[string]any
}

func (e *PricingNotFoundError) Error() string {
	return "error: PricingNotFound, details: " + detailsString(e.Details)
}

func (e *PricingNotFoundError) Unwrap() error {
	return ErrPricingNotFound
}

// PayerDataError is a payer-resolution failure reported by the payer
// resolver. Details are forwarded verbatim.
type PayerDataError struct {
	Details map[string]any
}

func (e *PayerDataError) Error() string {
	return "error: PayerDataError, details: " + detailsString(e.Details)
}

// detailsString renders a details map deterministically (JSON sorts map
// keys) for the err_class string.
func detailsString(details map[string]any) string {
	if details == nil {
		details = map[string]any{}
	}
	out, err := json.Marshal(details)
	if err != nil {
		return fmt.Sprintf("%v", details)
	}
	return string(out)
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true when the error is due to the request rather
// than the system, so the HTTP layer answers 400.
func IsClientError(err error) bool {
	var wrongRegie *WrongRegieError
	var pricing *PricingError
	var pricingNotFound *PricingNotFoundError
	var payer *PayerDataError
	return errors.Is(err, ErrNoChanges) ||
		errors.As(err, &wrongRegie) ||
		errors.As(err, &pricing) ||
		errors.As(err, &pricingNotFound) ||
		errors.As(err, &payer)
}

// ErrorClass returns the err_class string surfaced in API responses.
// Domain errors embed their details map in rendered form.
func ErrorClass(err error) string {
	if errors.Is(err, ErrNoChanges) {
		return "no changes"
	}
	return err.Error()
}
