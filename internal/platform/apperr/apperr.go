package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"
)

// Kind classifies a domain failure.
type Kind string

const (
	KindNotFound            Kind = "not-found"
	KindInvalid             Kind = "invalid"
	KindInvalidState        Kind = "invalid-state"
	KindInsufficientStock   Kind = "insufficient-stock"
	KindPaymentRequired     Kind = "payment-required"
	KindConcurrencyConflict Kind = "concurrency-conflict"
)

// ErrStale signals that a row changed between read and write. Callers that
// own the transaction may retry it.
var ErrStale = errors.New("stale row")

// Error is the structured failure returned by the pharmacy engine. Only the
// fields relevant to Kind are populated.
type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`

	MedicationID   *uuid.UUID       `json:"medication_id,omitempty"`
	MedicationName string           `json:"medication_name,omitempty"`
	Requested      int              `json:"requested,omitempty"`
	Available      int              `json:"available,omitempty"`
	Shortfall      int              `json:"shortfall,omitempty"`
	Balance        *decimal.Decimal `json:"balance,omitempty"`
	Attempts       int              `json:"attempts,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

func NotFound(what string, id interface{}) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("%s %v not found", what, id)}
}

func Invalid(message string) *Error {
	return &Error{Kind: KindInvalid, Message: message}
}

func Invalidf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindInvalid, Message: fmt.Sprintf(format, args...)}
}

func InvalidState(message string) *Error {
	return &Error{Kind: KindInvalidState, Message: message}
}

func InvalidStatef(format string, args ...interface{}) *Error {
	return &Error{Kind: KindInvalidState, Message: fmt.Sprintf(format, args...)}
}

// InsufficientStock names the medication and how many units are missing.
func InsufficientStock(medicationID uuid.UUID, name string, requested, available int) *Error {
	shortfall := requested - available
	if shortfall < 0 {
		shortfall = 0
	}
	label := name
	if label == "" {
		label = medicationID.String()
	}
	id := medicationID
	return &Error{
		Kind:           KindInsufficientStock,
		Message:        fmt.Sprintf("insufficient stock for %s: requested %d, available %d (short %d)", label, requested, available, shortfall),
		MedicationID:   &id,
		MedicationName: name,
		Requested:      requested,
		Available:      available,
		Shortfall:      shortfall,
	}
}

// PaymentRequired carries the outstanding balance for display.
func PaymentRequired(balance decimal.Decimal) *Error {
	b := balance
	return &Error{
		Kind:    KindPaymentRequired,
		Message: fmt.Sprintf("payment required: outstanding balance %s", balance.StringFixed(2)),
		Balance: &b,
	}
}

func ConcurrencyConflict(attempts int) *Error {
	return &Error{
		Kind:     KindConcurrencyConflict,
		Message:  fmt.Sprintf("stock changed concurrently; gave up after %d attempts", attempts),
		Attempts: attempts,
	}
}

// KindOf returns the Kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps a kind onto the status code handlers respond with.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalid:
		return http.StatusBadRequest
	case KindInvalidState:
		return http.StatusConflict
	case KindInsufficientStock:
		return http.StatusUnprocessableEntity
	case KindPaymentRequired:
		return http.StatusPaymentRequired
	case KindConcurrencyConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// HTTPError converts err into an echo error whose body is the structured
// *Error. Anything unclassified becomes an opaque 500.
func HTTPError(err error) *echo.HTTPError {
	var ae *Error
	if errors.As(err, &ae) {
		return echo.NewHTTPError(HTTPStatus(ae.Kind), ae)
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
}
