// Package apperr is the error taxonomy shared by the ledger, registry,
// delegation and token exchange packages, and its mapping to HTTP.
package apperr

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
)

// Kind is the machine-readable error class surfaced to callers.
type Kind string

const (
	KindInsufficientCredits   Kind = "InsufficientCredits"
	KindNotActivated          Kind = "NotActivated"
	KindLicenseInactive       Kind = "LicenseInactive"
	KindAssignmentConflict    Kind = "AssignmentConflict"
	KindSeatLimitExceeded     Kind = "SeatLimitExceeded"
	KindTokenExpiredOrInvalid Kind = "TokenExpiredOrInvalid"
	KindUnauthorized          Kind = "Unauthorized"
	KindNotFound              Kind = "NotFound"
	KindInvalidInput          Kind = "InvalidInput"
	KindInternal              Kind = "Internal"
)

var (
	ErrInsufficientCredits   = &Error{Kind: KindInsufficientCredits, Message: "insufficient credits"}
	ErrNotActivated          = &Error{Kind: KindNotActivated, Message: "license not activated"}
	ErrLicenseInactive       = &Error{Kind: KindLicenseInactive, Message: "license is inactive"}
	ErrAssignmentConflict    = &Error{Kind: KindAssignmentConflict, Message: "already assigned"}
	ErrSeatLimitExceeded     = &Error{Kind: KindSeatLimitExceeded, Message: "seat limit for this tier reached"}
	ErrTokenExpiredOrInvalid = &Error{Kind: KindTokenExpiredOrInvalid, Message: "invalid or expired code"}
	ErrUnauthorized          = &Error{Kind: KindUnauthorized, Message: "not allowed to modify this resource"}
	ErrNotFound              = &Error{Kind: KindNotFound, Message: "not found"}
	ErrInvalidInput          = &Error{Kind: KindInvalidInput, Message: "invalid input"}
)

// GenericMessage is what callers see for internal failures.
const GenericMessage = "something went wrong, please try again"

// Error carries a Kind and a user-facing message. Errors of the same Kind
// match each other under errors.Is, so a reason-specific error created with
// New still satisfies errors.Is(err, ErrLicenseInactive).
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// New returns an error of the given kind with a specific message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap attaches a kind and message to an underlying cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf classifies err. Anything outside the taxonomy is Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Status maps a kind to its HTTP status code.
func Status(kind Kind) int {
	switch kind {
	case KindInsufficientCredits:
		return http.StatusPaymentRequired
	case KindNotActivated, KindNotFound:
		return http.StatusNotFound
	case KindLicenseInactive, KindUnauthorized:
		return http.StatusForbidden
	case KindAssignmentConflict, KindSeatLimitExceeded:
		return http.StatusConflict
	case KindTokenExpiredOrInvalid:
		return http.StatusUnauthorized
	case KindInvalidInput:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

type body struct {
	Error detail `json:"error"`
}

type detail struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

// Write renders err as a structured JSON error. Internal errors are logged and
// replaced with GenericMessage.
func Write(w http.ResponseWriter, log *slog.Logger, err error) {
	kind := KindOf(err)
	msg := GenericMessage
	if kind == KindInternal {
		if log == nil {
			log = slog.Default()
		}
		log.Error("request failed", "error", err)
	} else {
		var e *Error
		errors.As(err, &e)
		msg = e.Message
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(Status(kind))
	_ = json.NewEncoder(w).Encode(body{Error: detail{Kind: kind, Message: msg}})
}
