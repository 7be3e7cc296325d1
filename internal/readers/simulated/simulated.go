package simulated

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	goeen_log "github.com/eencloud/goeen/log"
	"github.com/google/uuid"

	"kiosk-terminal/internal/backend"
	"kiosk-terminal/internal/readers"
)

const DriverName = "simulated"

// Settings scripts the simulated hardware. Outcome is one of "approve",
// "decline" or "timeout"; TapDelayMS is how long the pretend customer
// takes to tap.
type Settings struct {
	CandidateIDs []string `json:"candidate_ids"`
	Outcome      string   `json:"outcome"`
	TapDelayMS   int      `json:"tap_delay_ms"`
	PingFailures int      `json:"ping_failures"` // fail this many pings, then recover
}

func init() {
	readers.Register(DriverName, New)
}

// Driver is the explicitly gated hardware simulator. It is selected
// only when the terminal driver is configured as "simulated"; the
// tap_to_pay driver never falls back to it on error. It simulates the
// hardware side only; payment intents still go to the (test-mode)
// backend.
type Driver struct {
	logger   *goeen_log.Logger
	settings Settings

	mutex        sync.Mutex
	pingFailures int
}

func New(logger *goeen_log.Logger, rawConfig json.RawMessage, deps readers.Deps) (readers.Driver, error) {
	var s Settings
	if len(rawConfig) > 0 {
		if err := json.Unmarshal(rawConfig, &s); err != nil {
			return nil, err
		}
	}

	if len(s.CandidateIDs) == 0 {
		s.CandidateIDs = []string{"tmr_sim_" + uuid.New().String()[:8]}
	}
	if s.Outcome == "" {
		s.Outcome = "approve"
	}
	if s.TapDelayMS == 0 {
		s.TapDelayMS = 500
	}

	logger.Warningf("SIMULATED reader driver active (outcome=%s) - not for production use", s.Outcome)

	return &Driver{
		logger:   logger,
		settings: s,
	}, nil
}

func (d *Driver) Name() string {
	return DriverName
}

func (d *Driver) Discover(ctx context.Context, filter readers.DiscoverFilter) (<-chan readers.Candidate, error) {
	out := make(chan readers.Candidate)
	go func() {
		defer close(out)
		for _, id := range d.settings.CandidateIDs {
			if filter.ReaderID != "" && id != filter.ReaderID {
				continue
			}
			cand := readers.Candidate{
				ID:           id,
				DeviceClass:  "simulated",
				Capabilities: []string{"nfc", "contactless"},
				Registered:   true,
			}
			select {
			case out <- cand:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (d *Driver) Connect(ctx context.Context, cand readers.Candidate, locationID string) (readers.Conn, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	d.logger.Infof("Simulated reader %s connected to location %s", cand.ID, locationID)
	return &conn{
		driver:     d,
		readerID:   cand.ID,
		locationID: locationID,
	}, nil
}

type conn struct {
	driver     *Driver
	readerID   string
	locationID string
}

func (c *conn) ReaderID() string   { return c.readerID }
func (c *conn) LocationID() string { return c.locationID }

func (c *conn) Ping(ctx context.Context) error {
	d := c.driver
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.pingFailures < d.settings.PingFailures {
		d.pingFailures++
		return fmt.Errorf("simulated reader %s unreachable (%d/%d)", c.readerID, d.pingFailures, d.settings.PingFailures)
	}
	return nil
}

func (c *conn) Collect(ctx context.Context, intent *backend.PaymentIntent) error {
	delay := time.Duration(c.driver.settings.TapDelayMS) * time.Millisecond

	switch c.driver.settings.Outcome {
	case "timeout":
		// The pretend customer never taps.
		<-ctx.Done()
		return ctx.Err()
	case "decline":
		select {
		case <-time.After(delay):
			return &readers.CollectFailure{Code: "card_declined", Message: "card declined"}
		case <-ctx.Done():
			return ctx.Err()
		}
	default:
		select {
		case <-time.After(delay):
			c.driver.logger.Infof("Simulated tap approved for intent %s (%d %s)", intent.ID, intent.Amount, intent.Currency)
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *conn) Close(ctx context.Context) error {
	return nil
}
