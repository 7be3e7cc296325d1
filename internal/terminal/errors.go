package terminal

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"kiosk-terminal/internal/backend"
)

// BindErrorReason classifies why a bind attempt failed.
type BindErrorReason string

const (
	BindUnsupportedHardware BindErrorReason = "UnsupportedHardware" // fatal for this device, do not retry
	BindLocationNotFound    BindErrorReason = "LocationNotFound"    // caller/configuration error
	BindAccountNotEnabled   BindErrorReason = "AccountNotEnabled"   // fatal until external remediation
	BindNetworkFailure      BindErrorReason = "NetworkFailure"      // transient, caller may retry
	BindUnknown             BindErrorReason = "Unknown"
)

// BindError is the typed failure surfaced by Bind. Stage names where in
// the pipeline the failure occurred (validate, discovery, connect,
// register, persist).
type BindError struct {
	Reason BindErrorReason
	Stage  string
	Err    error
}

func (e *BindError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("bind failed at %s (%s): %v", e.Stage, e.Reason, e.Err)
	}
	return fmt.Sprintf("bind failed at %s (%s)", e.Stage, e.Reason)
}

func (e *BindError) Unwrap() error { return e.Err }

// errRegistrationInvalidated is the internal signal that the stored
// reader identifier is no longer recognized. It never reaches callers;
// it triggers the fresh-registration fallback.
var errRegistrationInvalidated = errors.New("stored registration no longer valid")

// errSuperseded marks a bind that was cancelled by a later bind or an
// unbind.
var errSuperseded = errors.New("operation superseded")

// PaymentErrorKind classifies a failed or rejected payment session.
type PaymentErrorKind string

const (
	PaymentReaderNotReady    PaymentErrorKind = "ReaderNotReady"    // no Connected reader
	PaymentSessionInProgress PaymentErrorKind = "SessionInProgress" // a session is already running
	PaymentDeclined          PaymentErrorKind = "PaymentDeclined"   // normal outcome, not a system error
	PaymentCancelled         PaymentErrorKind = "PaymentCancelled"  // cancelled or tap window expired
	PaymentNetworkFailure    PaymentErrorKind = "NetworkFailure"
	PaymentUnknown           PaymentErrorKind = "Unknown"
)

// PaymentError is the typed failure surfaced by Charge. Stage is one of
// create-intent, collect, confirm so callers can tell "customer did not
// tap" apart from "backend rejected confirmation".
type PaymentError struct {
	Kind     PaymentErrorKind
	Stage    string
	IntentID string
	Err      error
}

func (e *PaymentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("payment failed at %s (%s): %v", e.Stage, e.Kind, e.Err)
	}
	return fmt.Sprintf("payment failed at %s (%s)", e.Stage, e.Kind)
}

func (e *PaymentError) Unwrap() error { return e.Err }

// classifyBindError maps low-level backend and driver errors onto the
// bind taxonomy.
func classifyBindError(stage string, err error) *BindError {
	var apiErr *backend.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.NotFound():
			return &BindError{Reason: BindLocationNotFound, Stage: stage, Err: err}
		case apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden:
			return &BindError{Reason: BindAccountNotEnabled, Stage: stage, Err: err}
		case apiErr.StatusCode >= 500:
			return &BindError{Reason: BindNetworkFailure, Stage: stage, Err: err}
		default:
			return &BindError{Reason: BindUnknown, Stage: stage, Err: err}
		}
	}
	if errors.Is(err, backend.ErrCircuitOpen) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) {
		return &BindError{Reason: BindNetworkFailure, Stage: stage, Err: err}
	}
	// Plain transport errors (connection refused, DNS) land here too.
	return &BindError{Reason: BindNetworkFailure, Stage: stage, Err: err}
}
