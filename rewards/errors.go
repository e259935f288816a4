/*
errors.go - Error taxonomy for the rewards engine

ERROR CATEGORIES:
  1. Input errors     - ErrInvalidInput, ErrInvalidRange (rejected before any write)
  2. Lookup errors    - ErrNotFound
  3. Rule errors      - ErrNoActiveConfiguration
  4. Access errors    - ErrUnauthorized (raised by the auth layer, mapped here)
  5. Card errors      - ErrDuplicateCard, ErrCardNumberTaken, ErrCardNumbersExhausted
  6. Storage errors   - ErrStoreUnavailable (retryable)

PROPAGATION:
  Calculation errors go back to the immediate caller and never fail the
  order or appointment that triggered them. Configuration errors are shown
  to the admin as is. Ledger append failures are retried by the coordinator.

USAGE:
  if errors.Is(err, rewards.ErrNotFound) { ... }
  var verr *rewards.ValidationError
  if errors.As(err, &verr) { log field verr.Field }
*/
package rewards

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidRange is an ErrInvalidInput for start dates after end dates.
	ErrInvalidRange = fmt.Errorf("%w: start date after end date", ErrInvalidInput)

	ErrNotFound = errors.New("not found")

	// ErrNoActiveConfiguration is returned by calculations when no rate
	// configuration is active.
	ErrNoActiveConfiguration = errors.New("no active reward configuration")

	ErrUnauthorized = errors.New("unauthorized")

	// ErrDuplicateCard is returned by a CardStore when the patient already
	// holds a card. The issuer treats it as "return the existing card".
	ErrDuplicateCard = errors.New("patient already has a rewards card")

	// ErrCardNumberTaken is returned by a CardStore when the generated number
	// collides with an existing card.
	ErrCardNumberTaken = errors.New("card number already issued")

	ErrCardNumbersExhausted = errors.New("could not generate a unique card number")

	// ErrStoreUnavailable marks transient persistence failures.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidInput }

// RangeError reports a season whose start date is after its end date.
type RangeError struct {
	Start Date
	End   Date
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("invalid date range: start %s is after end %s", e.Start, e.End)
}

func (e *RangeError) Unwrap() error { return ErrInvalidRange }

// NotFoundError names the missing record.
type NotFoundError struct {
	Kind string // "configuration", "season", "card"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidInput)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsRetryable returns true if the operation might succeed on retry.
func IsRetryable(err error) bool {
	if err == nil || IsClientError(err) || IsNotFound(err) {
		return false
	}
	return !errors.Is(err, ErrNoActiveConfiguration) && !errors.Is(err, ErrUnauthorized)
}
