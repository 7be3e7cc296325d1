package readers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/eencloud/goeen/log"

	"kiosk-terminal/internal/backend"
)

// Candidate is one payment-capable device reported by a discovery run.
// Candidates are ephemeral; they live for a single discovery invocation
// and are never persisted.
type Candidate struct {
	ID           string   // backend reader id once registered, hardware serial otherwise
	DeviceClass  string   // e.g. "tap_to_pay_android"
	Capabilities []string // e.g. "nfc", "contactless"
	Registered   bool     // true when ID is a backend-assigned reader id
}

// DiscoverFilter narrows a discovery run to a known reader identifier.
// The zero value means "report everything".
type DiscoverFilter struct {
	ReaderID string
}

// Conn is a live connection binding one candidate to a backend location.
type Conn interface {
	ReaderID() string
	LocationID() string
	// Ping probes whether the reader is still considered live by the
	// underlying binding.
	Ping(ctx context.Context) error
	// Collect performs the hardware payment-method collection for an
	// intent. It blocks until a method is collected, the context is
	// cancelled, or the tap window times out.
	Collect(ctx context.Context, intent *backend.PaymentIntent) error
	Close(ctx context.Context) error
}

// Driver enumerates and connects local payment-capable hardware.
type Driver interface {
	Name() string
	// Discover emits candidates on the returned channel and closes it
	// when enumeration finishes. Cancelling the context stops the scan
	// and releases the underlying hardware resource.
	Discover(ctx context.Context, filter DiscoverFilter) (<-chan Candidate, error)
	// Connect binds a discovered candidate to a location. For an
	// unregistered candidate this registers it with the backend; the
	// returned Conn carries the backend-assigned reader identifier.
	Connect(ctx context.Context, cand Candidate, locationID string) (Conn, error)
}

// CollectFailure is a settled reader-side rejection during collection,
// e.g. a declined card. It is distinct from transport errors so the
// session layer can classify the outcome.
type CollectFailure struct {
	Code    string
	Message string
}

func (e *CollectFailure) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("collection failed on reader: %s (%s)", e.Message, e.Code)
	}
	return fmt.Sprintf("collection failed on reader: %s", e.Message)
}

// Declined reports whether the failure was a card decline.
func (e *CollectFailure) Declined() bool {
	return e.Code == "card_declined" || e.Code == "expired_card"
}

// Deps carries the shared collaborators a driver may need.
type Deps struct {
	Client *backend.Client
	Tokens *backend.TokenProvider
}

// NewFunc is a function signature for creating a new driver instance.
// It is passed the driver-specific config section and the shared deps.
type NewFunc func(logger *log.Logger, driverConfig json.RawMessage, deps Deps) (Driver, error)
