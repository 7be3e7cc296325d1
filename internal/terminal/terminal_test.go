package terminal

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	goeen_log "github.com/eencloud/goeen/log"

	"kiosk-terminal/internal/backend"
	"kiosk-terminal/internal/core"
	"kiosk-terminal/internal/readers"
	"kiosk-terminal/internal/settings"
)

func testLogger() *goeen_log.Logger {
	ctx := goeen_log.NewContext(os.Stderr, "{{eenTimeStamp .Now}}[{{.Level}}]: {{.Message}}", goeen_log.LevelError)
	return ctx.GetLogger("test", goeen_log.LevelError)
}

// fakeStore is an in-memory Store standing in for the badger-backed one.
type fakeStore struct {
	mu      sync.Mutex
	reg     *core.ReaderRegistration
	saveErr error
	saves   int
	clears  int
}

func (s *fakeStore) Load() (*core.ReaderRegistration, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reg == nil {
		return nil, false, nil
	}
	copy := *s.reg
	return &copy, true, nil
}

func (s *fakeStore) Save(reg core.ReaderRegistration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saves++
	s.reg = &reg
	return nil
}

func (s *fakeStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clears++
	s.reg = nil
	return nil
}

func (s *fakeStore) current() *core.ReaderRegistration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reg == nil {
		return nil
	}
	copy := *s.reg
	return &copy
}

func (s *fakeStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func (s *fakeStore) clearCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clears
}

// fakeBackend implements the Backend surface the manager uses.
type fakeBackend struct {
	mu            sync.Mutex
	locationErr   error
	createErr     error
	confirmErr    error
	confirmStatus string
	intentSeq     int
	created       []backend.CreateIntentParams
	confirmed     []string
	cancelled     []string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{confirmStatus: backend.IntentStatusSucceeded}
}

func (b *fakeBackend) GetLocation(ctx context.Context, locationID string) (*backend.Location, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.locationErr != nil {
		return nil, b.locationErr
	}
	return &backend.Location{ID: locationID, DisplayName: "Test Lobby"}, nil
}

func (b *fakeBackend) CreatePaymentIntent(ctx context.Context, params backend.CreateIntentParams) (*backend.PaymentIntent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.createErr != nil {
		return nil, b.createErr
	}
	b.intentSeq++
	b.created = append(b.created, params)
	return &backend.PaymentIntent{
		ID:       fmt.Sprintf("pi_%03d", b.intentSeq),
		Amount:   params.AmountMinorUnits,
		Currency: params.Currency,
		Status:   backend.IntentStatusRequiresPaymentMethod,
	}, nil
}

func (b *fakeBackend) ConfirmPaymentIntent(ctx context.Context, intentID string) (*backend.PaymentIntent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.confirmErr != nil {
		return nil, b.confirmErr
	}
	b.confirmed = append(b.confirmed, intentID)
	var params backend.CreateIntentParams
	if len(b.created) > 0 {
		params = b.created[len(b.created)-1]
	}
	return &backend.PaymentIntent{
		ID:       intentID,
		Amount:   params.AmountMinorUnits,
		Currency: params.Currency,
		Status:   b.confirmStatus,
	}, nil
}

func (b *fakeBackend) CancelPaymentIntent(ctx context.Context, intentID string) (*backend.PaymentIntent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelled = append(b.cancelled, intentID)
	return &backend.PaymentIntent{ID: intentID, Status: backend.IntentStatusCanceled}, nil
}

func (b *fakeBackend) cancelledIntents() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.cancelled...)
}

// fakeDriver is a scriptable readers.Driver. blockDiscoveries makes the
// next N Discover calls hang until their context is cancelled, which is
// how the superseded-bind tests hold a bind mid-flight.
type fakeDriver struct {
	mu               sync.Mutex
	candidates       []readers.Candidate
	discoverErr      error
	connectErr       error
	blockDiscoveries int
	discoverStarted  chan struct{}
	collectFn        func(ctx context.Context, intent *backend.PaymentIntent) error
	conns            []*fakeConn
}

func (d *fakeDriver) Name() string { return "fake" }

func (d *fakeDriver) Discover(ctx context.Context, filter readers.DiscoverFilter) (<-chan readers.Candidate, error) {
	d.mu.Lock()
	block := d.blockDiscoveries > 0
	if block {
		d.blockDiscoveries--
	}
	err := d.discoverErr
	cands := append([]readers.Candidate(nil), d.candidates...)
	started := d.discoverStarted
	d.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if err != nil {
		return nil, err
	}

	out := make(chan readers.Candidate)
	go func() {
		defer close(out)
		if block {
			<-ctx.Done()
			return
		}
		for _, c := range cands {
			if filter.ReaderID != "" && c.ID != filter.ReaderID {
				continue
			}
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (d *fakeDriver) Connect(ctx context.Context, cand readers.Candidate, locationID string) (readers.Conn, error) {
	d.mu.Lock()
	err := d.connectErr
	collect := d.collectFn
	d.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	c := &fakeConn{readerID: cand.ID, locationID: locationID, collect: collect}
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

func (d *fakeDriver) connCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDriver) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

type fakeConn struct {
	readerID   string
	locationID string
	collect    func(ctx context.Context, intent *backend.PaymentIntent) error

	mu      sync.Mutex
	pingErr error
	closed  bool
}

func (c *fakeConn) ReaderID() string   { return c.readerID }
func (c *fakeConn) LocationID() string { return c.locationID }

func (c *fakeConn) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pingErr
}

func (c *fakeConn) setPingErr(err error) {
	c.mu.Lock()
	c.pingErr = err
	c.mu.Unlock()
}

func (c *fakeConn) Collect(ctx context.Context, intent *backend.PaymentIntent) error {
	if c.collect != nil {
		return c.collect(ctx, intent)
	}
	return nil
}

func (c *fakeConn) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

const testLocation = "tml_test_1"

type rig struct {
	driver  *fakeDriver
	store   *fakeStore
	backend *fakeBackend
	manager *Manager
}

func newRig(t *testing.T, configure func(*rig), defaults *settings.TerminalSettings) *rig {
	t.Helper()
	logger := testLogger()

	r := &rig{
		driver:  &fakeDriver{},
		store:   &fakeStore{},
		backend: newFakeBackend(),
	}
	if configure != nil {
		configure(r)
	}

	if defaults == nil {
		defaults = &settings.TerminalSettings{
			LocationID:        testLocation,
			HeartbeatInterval: time.Hour,
			TapTimeout:        5 * time.Second,
		}
	}
	sm := settings.NewManager(logger, *defaults)
	r.manager = NewManager(logger, r.store, r.backend, r.driver, sm)

	t.Cleanup(func() { _ = r.manager.Unbind() })
	return r
}
