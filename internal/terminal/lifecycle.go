package terminal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	goeen_log "github.com/eencloud/goeen/log"

	"kiosk-terminal/internal/backend"
	"kiosk-terminal/internal/core"
	"kiosk-terminal/internal/readers"
	"kiosk-terminal/internal/settings"
	"kiosk-terminal/internal/telemetry"
)

// ConnectionState tracks the in-memory bound reader lifecycle.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateReconnecting:
		return "Reconnecting"
	default:
		return "Disconnected"
	}
}

// BoundReader is the in-memory view of the single reader this process
// is bound to. At most one exists per process.
type BoundReader struct {
	ReaderID   string
	LocationID string
	State      ConnectionState
}

// Store is the persistence surface for the reader registration,
// satisfied by *core.RegistrationStore.
type Store interface {
	Load() (*core.ReaderRegistration, bool, error)
	Save(core.ReaderRegistration) error
	Clear() error
}

// Backend is the subset of the payment backend the manager needs.
type Backend interface {
	GetLocation(ctx context.Context, locationID string) (*backend.Location, error)
	CreatePaymentIntent(ctx context.Context, params backend.CreateIntentParams) (*backend.PaymentIntent, error)
	ConfirmPaymentIntent(ctx context.Context, intentID string) (*backend.PaymentIntent, error)
	CancelPaymentIntent(ctx context.Context, intentID string) (*backend.PaymentIntent, error)
}

// StatusReport is the human-facing summary served by /status.
type StatusReport struct {
	Initialized        bool      `json:"initialized"`
	Driver             string    `json:"driver"`
	StoredReaderID     string    `json:"stored_reader_id,omitempty"`
	StoredLocationID   string    `json:"stored_location_id,omitempty"`
	ConnectionState    string    `json:"connection_state"`
	BoundReaderID      string    `json:"bound_reader_id,omitempty"`
	BoundLocationID    string    `json:"bound_location_id,omitempty"`
	LastHeartbeat      time.Time `json:"last_heartbeat,omitempty"`
	SessionIntentID    string    `json:"session_intent_id,omitempty"`
	SessionStatus      string    `json:"session_status,omitempty"`
}

// Manager owns the bound reader. All lifecycle and payment operations
// on it are serialized through opMu (actor-style exclusion); the
// heartbeat monitor skips probes while opMu is held.
type Manager struct {
	logger   *goeen_log.Logger
	store    Store
	backend  Backend
	driver   readers.Driver
	settings *settings.Manager
	audit    *core.AuditLogger

	// opMu serializes Bind, Unbind, Charge and heartbeat recovery.
	opMu sync.Mutex

	// mu guards the mutable fields below.
	mu            sync.Mutex
	conn          readers.Conn
	state         ConnectionState
	bindCancel    context.CancelFunc
	lastHeartbeat time.Time
	hb            *heartbeatMonitor
	session       *PaymentSession
}

func NewManager(logger *goeen_log.Logger, store Store, b Backend, driver readers.Driver, sm *settings.Manager) *Manager {
	return &Manager{
		logger:   logger,
		store:    store,
		backend:  b,
		driver:   driver,
		settings: sm,
		state:    StateDisconnected,
	}
}

// SetAuditLog enables the payment audit journal. Call before serving
// traffic.
func (m *Manager) SetAuditLog(a *core.AuditLogger) {
	m.audit = a
}

// Bind is the idempotent entry point: validate the location, reuse the
// persisted registration when the hardware still knows it, otherwise
// register fresh. A second Bind while one is in flight cancels the
// first (last-caller-wins); calls never queue behind each other's
// network waits.
func (m *Manager) Bind(ctx context.Context, locationID string) (*BoundReader, error) {
	if locationID == "" {
		return nil, &BindError{Reason: BindLocationNotFound, Stage: "validate", Err: fmt.Errorf("empty location identifier")}
	}

	// Supersede any in-flight bind before waiting for the operation lock.
	m.mu.Lock()
	if m.bindCancel != nil {
		m.bindCancel()
	}
	bctx, cancel := context.WithCancel(ctx)
	m.bindCancel = cancel
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		if m.bindCancel != nil {
			// Only clear our own cancel func; a later bind may have
			// installed its own already.
			select {
			case <-bctx.Done():
			default:
				m.bindCancel = nil
			}
		}
		m.mu.Unlock()
		cancel()
	}()

	m.opMu.Lock()
	defer m.opMu.Unlock()

	if err := bctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", errSuperseded, err)
	}

	// Rebinding always starts from a clean slate in memory. The
	// persisted registration is untouched here.
	m.teardownLocked(bctx)
	m.setState(StateConnecting)

	bound, err := m.bind(bctx, locationID)
	if err != nil {
		m.setState(StateDisconnected)
		telemetry.BindsTotal.WithLabelValues("failure").Inc()
		return nil, err
	}

	telemetry.BindsTotal.WithLabelValues("success").Inc()
	return bound, nil
}

func (m *Manager) bind(ctx context.Context, locationID string) (*BoundReader, error) {
	// Step 1: validate the location. The backend's location list is
	// advisory for reconnection, so a validator failure degrades to
	// reconnect-only mode instead of aborting.
	validated := false
	var validationErr error
	if _, err := m.backend.GetLocation(ctx, locationID); err != nil {
		validationErr = err
		m.logger.Warningf("Location %s validation failed (%v); reconnect-only mode", locationID, err)
	} else {
		validated = true
	}

	// Step 2: reuse the persisted registration when one exists.
	reg, found, err := m.store.Load()
	if err != nil {
		m.logger.Errorf("Failed to load persisted registration: %v", err)
		found = false
	}

	if found && reg.LocationID != locationID {
		m.logger.Warningf("Stored registration targets location %s, requested %s; registering fresh", reg.LocationID, locationID)
		found = false
	}

	if found {
		conn, err := m.reconnect(ctx, reg)
		switch {
		case err == nil:
			m.logger.Infof("Reconnected reader %s at location %s", conn.ReaderID(), conn.LocationID())
			return m.finishBind(conn), nil
		case errors.Is(err, errRegistrationInvalidated):
			// The hardware/backend no longer recognizes the stored
			// identifier. This is the only path that clears it.
			m.logger.Warningf("Reader %s absent from discovery; invalidating stored registration", reg.ReaderID)
			telemetry.RegistrationInvalidations.Inc()
			if clearErr := m.store.Clear(); clearErr != nil {
				m.logger.Errorf("Failed to clear invalidated registration: %v", clearErr)
			}
			// fall through to fresh registration below
		case ctx.Err() != nil:
			return nil, fmt.Errorf("%w: %v", errSuperseded, ctx.Err())
		default:
			// Transient discovery/connect failure: surface it, the
			// caller retries with a new Bind. The registration stays.
			return nil, classifyBindError("connect", err)
		}
	}

	// Step 3: fresh registration, which requires a validated location.
	if !validated {
		return nil, classifyBindError("validate", validationErr)
	}

	conn, err := m.freshRegister(ctx, locationID)
	if err != nil {
		return nil, err
	}
	m.logger.Infof("Registered fresh reader %s at location %s", conn.ReaderID(), conn.LocationID())
	return m.finishBind(conn), nil
}

// reconnect runs discovery filtered to the stored identifier and
// connects when it is found. Absence from the candidate stream means
// the registration is invalid; a connect failure does not.
func (m *Manager) reconnect(ctx context.Context, reg *core.ReaderRegistration) (readers.Conn, error) {
	dctx, dcancel := context.WithCancel(ctx)
	defer dcancel()

	stream, err := m.driver.Discover(dctx, readers.DiscoverFilter{ReaderID: reg.ReaderID})
	if err != nil {
		return nil, err
	}

	var match *readers.Candidate
	for cand := range stream {
		if cand.ID == reg.ReaderID {
			c := cand
			match = &c
			dcancel() // release the underlying scan early
			break
		}
	}

	if match == nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errRegistrationInvalidated
	}

	conn, err := m.driver.Connect(ctx, *match, reg.LocationID)
	if err != nil {
		return nil, err
	}

	refreshed := *reg
	refreshed.LastSeen = time.Now()
	if err := m.store.Save(refreshed); err != nil {
		m.logger.Errorf("Failed to refresh registration timestamp: %v", err)
	}
	return conn, nil
}

// freshRegister discovers without a filter, takes the first reported
// candidate, connects it, and persists the registration only after the
// connect succeeded.
func (m *Manager) freshRegister(ctx context.Context, locationID string) (readers.Conn, error) {
	dctx, dcancel := context.WithCancel(ctx)
	defer dcancel()

	stream, err := m.driver.Discover(dctx, readers.DiscoverFilter{})
	if err != nil {
		return nil, classifyBindError("discovery", err)
	}

	var first *readers.Candidate
	for cand := range stream {
		c := cand
		first = &c
		dcancel() // first reported wins; stop the scan
		break
	}

	if first == nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", errSuperseded, ctx.Err())
		}
		return nil, &BindError{
			Reason: BindUnsupportedHardware,
			Stage:  "discovery",
			Err:    fmt.Errorf("no payment-capable hardware found"),
		}
	}

	conn, err := m.driver.Connect(ctx, *first, locationID)
	if err != nil {
		return nil, classifyBindError("connect", err)
	}

	// Persist only after connect success; a failed connect must never
	// leave a stored registration behind.
	reg := core.ReaderRegistration{
		ReaderID:   conn.ReaderID(),
		LocationID: locationID,
		LastSeen:   time.Now(),
	}
	if err := m.store.Save(reg); err != nil {
		_ = conn.Close(ctx)
		return nil, &BindError{Reason: BindUnknown, Stage: "persist", Err: err}
	}

	return conn, nil
}

// finishBind installs the connection, marks Connected and starts the
// heartbeat monitor. Caller holds opMu.
func (m *Manager) finishBind(conn readers.Conn) *BoundReader {
	m.mu.Lock()
	m.conn = conn
	m.state = StateConnected
	m.lastHeartbeat = time.Time{}
	m.startHeartbeatLocked()
	bound := &BoundReader{
		ReaderID:   conn.ReaderID(),
		LocationID: conn.LocationID(),
		State:      StateConnected,
	}
	m.mu.Unlock()
	return bound
}

// CurrentReader returns the bound reader, or nil when none exists. No
// side effects.
func (m *Manager) CurrentReader() *BoundReader {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return nil
	}
	return &BoundReader{
		ReaderID:   m.conn.ReaderID(),
		LocationID: m.conn.LocationID(),
		State:      m.state,
	}
}

// Unbind disconnects and clears the in-memory reader. The persisted
// registration deliberately survives; it is only removed when a
// reconnection proves it invalid.
func (m *Manager) Unbind() error {
	// Propagate cancellation to any outstanding bind/discovery first.
	m.mu.Lock()
	if m.bindCancel != nil {
		m.bindCancel()
		m.bindCancel = nil
	}
	m.mu.Unlock()

	m.opMu.Lock()
	defer m.opMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m.teardownLocked(ctx)
	m.setState(StateDisconnected)
	m.logger.Infof("Reader unbound")
	return nil
}

// teardownLocked stops the heartbeat and drops the connection. Caller
// holds opMu.
func (m *Manager) teardownLocked(ctx context.Context) {
	m.mu.Lock()
	hb := m.hb
	conn := m.conn
	m.hb = nil
	m.conn = nil
	m.mu.Unlock()

	if hb != nil {
		hb.stop()
	}
	if conn != nil {
		if err := conn.Close(ctx); err != nil {
			m.logger.Errorf("Failed to close reader connection: %v", err)
		}
	}
}

func (m *Manager) setState(s ConnectionState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// StartStatusReporter logs a periodic operational summary until the
// context is cancelled.
func (m *Manager) StartStatusReporter(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.reportStatus()
			}
		}
	}()
}

func (m *Manager) reportStatus() {
	s := m.Status()
	lastHeartbeat := "never"
	if !s.LastHeartbeat.IsZero() {
		lastHeartbeat = fmt.Sprintf("%v ago", time.Since(s.LastHeartbeat).Round(time.Second))
	}
	m.logger.Infof("Status: driver=%s state=%s reader=%s location=%s heartbeat=%s session=%s",
		s.Driver, s.ConnectionState, s.BoundReaderID, s.BoundLocationID, lastHeartbeat, s.SessionStatus)
}

// Status returns the human-readable summary for the status endpoint.
// Safe to call concurrently with any operation.
func (m *Manager) Status() StatusReport {
	report := StatusReport{
		Initialized: true,
		Driver:      m.driver.Name(),
	}

	if reg, found, err := m.store.Load(); err == nil && found {
		report.StoredReaderID = reg.ReaderID
		report.StoredLocationID = reg.LocationID
	}

	m.mu.Lock()
	report.ConnectionState = m.state.String()
	report.LastHeartbeat = m.lastHeartbeat
	if m.conn != nil {
		report.BoundReaderID = m.conn.ReaderID()
		report.BoundLocationID = m.conn.LocationID()
	}
	if m.session != nil {
		report.SessionIntentID = m.session.IntentID
		report.SessionStatus = string(m.session.Status)
	}
	m.mu.Unlock()

	return report
}
