package taptopay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	goeen_log "github.com/eencloud/goeen/log"

	"kiosk-terminal/internal/backend"
	"kiosk-terminal/internal/readers"
)

const DriverName = "tap_to_pay"

const deviceType = "tap_to_pay_android"

// collectPollInterval is how often the driver polls the backend for the
// reader action outcome while a tap is pending.
const collectPollInterval = 1 * time.Second

type Settings struct {
	DeviceSerial string `json:"device_serial"`
	Label        string `json:"label"`
	TabletID     string `json:"tablet_id"`
	AppVersion   string `json:"app_version"`
}

func init() {
	readers.Register(DriverName, New)
}

// Driver turns the host tablet into a tap-to-pay reader using the
// backend's server-driven reader flow. The platform NFC binding itself
// is external; this driver owns discovery, registration and the
// collection state polling around it.
type Driver struct {
	logger   *goeen_log.Logger
	settings Settings
	client   *backend.Client
	tokens   *backend.TokenProvider
}

func New(logger *goeen_log.Logger, rawConfig json.RawMessage, deps readers.Deps) (readers.Driver, error) {
	var s Settings
	if len(rawConfig) > 0 {
		if err := json.Unmarshal(rawConfig, &s); err != nil {
			return nil, err
		}
	}

	if s.DeviceSerial == "" {
		s.DeviceSerial = os.Getenv("TERMINAL_DEVICE_SERIAL")
	}
	if s.DeviceSerial == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("no device serial configured and hostname unavailable: %w", err)
		}
		s.DeviceSerial = host
	}
	if s.Label == "" {
		s.Label = "Donation Kiosk"
	}

	if deps.Client == nil {
		return nil, fmt.Errorf("tap_to_pay driver requires a backend client")
	}

	return &Driver{
		logger:   logger,
		settings: s,
		client:   deps.Client,
		tokens:   deps.Tokens,
	}, nil
}

func (d *Driver) Name() string {
	return DriverName
}

// Discover enumerates this device's reader candidates: backend readers
// already registered for this tablet first (discovery order decides
// fresh-registration tie-breaks, and reusing a registered identity
// avoids duplicate readers), then the raw hardware if unregistered.
func (d *Driver) Discover(ctx context.Context, filter readers.DiscoverFilter) (<-chan readers.Candidate, error) {
	// Warm up SDK credentials before touching hardware. Failure here is
	// a discovery failure, not a silent fallback.
	if d.tokens != nil {
		if _, err := d.tokens.FetchToken(ctx); err != nil {
			return nil, fmt.Errorf("discovery aborted, no connection token: %w", err)
		}
	}

	known, err := d.client.ListReaders(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("discovery failed listing registered readers: %w", err)
	}

	out := make(chan readers.Candidate)
	go func() {
		defer close(out)

		emitted := map[string]bool{}
		for _, r := range known {
			if !d.ownsReader(r) {
				continue
			}
			cand := readers.Candidate{
				ID:           r.ID,
				DeviceClass:  r.DeviceType,
				Capabilities: []string{"nfc", "contactless"},
				Registered:   true,
			}
			if filter.ReaderID != "" && cand.ID != filter.ReaderID {
				continue
			}
			select {
			case out <- cand:
				emitted[r.SerialNumber] = true
			case <-ctx.Done():
				return
			}
		}

		// The local hardware itself, when nothing registered shadows it.
		if filter.ReaderID == "" && !emitted[d.settings.DeviceSerial] {
			cand := readers.Candidate{
				ID:           d.settings.DeviceSerial,
				DeviceClass:  deviceType,
				Capabilities: []string{"nfc", "contactless"},
				Registered:   false,
			}
			select {
			case out <- cand:
			case <-ctx.Done():
			}
		}
	}()

	return out, nil
}

// ownsReader reports whether a backend reader record belongs to this
// physical device.
func (d *Driver) ownsReader(r backend.Reader) bool {
	if r.DeviceType != deviceType {
		return false
	}
	if r.SerialNumber != "" && r.SerialNumber == d.settings.DeviceSerial {
		return true
	}
	if d.settings.TabletID != "" && r.Metadata["tablet_id"] == d.settings.TabletID {
		return true
	}
	return false
}

func (d *Driver) Connect(ctx context.Context, cand readers.Candidate, locationID string) (readers.Conn, error) {
	readerID := cand.ID

	if !cand.Registered {
		reader, err := d.client.RegisterReader(ctx, backend.RegisterReaderParams{
			DeviceType: deviceType,
			LocationID: locationID,
			Label:      d.settings.Label,
			TabletID:   d.settings.TabletID,
			AppVersion: d.settings.AppVersion,
		})
		if err != nil {
			return nil, fmt.Errorf("reader registration failed: %w", err)
		}
		readerID = reader.ID
	} else {
		// Confirm the backend still recognizes this reader before
		// declaring the connection up.
		reader, err := d.client.GetReader(ctx, readerID)
		if err != nil {
			return nil, fmt.Errorf("reader lookup failed: %w", err)
		}
		if reader.Location != "" && reader.Location != locationID {
			d.logger.Warningf("Reader %s is bound to location %s, requested %s", readerID, reader.Location, locationID)
		}
	}

	d.logger.Infof("Connected reader %s at location %s", readerID, locationID)
	return &conn{
		driver:     d,
		readerID:   readerID,
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

// Ping asks the backend whether this reader is still registered and
// live. A missing reader means the registration is gone, not a
// transient network problem.
func (c *conn) Ping(ctx context.Context) error {
	reader, err := c.driver.client.GetReader(ctx, c.readerID)
	if err != nil {
		var apiErr *backend.APIError
		if errors.As(err, &apiErr) && apiErr.NotFound() {
			return fmt.Errorf("reader %s no longer registered: %w", c.readerID, err)
		}
		return err
	}
	if reader.Status == "offline" {
		return fmt.Errorf("reader %s reported offline", c.readerID)
	}
	return nil
}

// Collect runs the server-driven tap collection: hand the intent to the
// reader, then poll until the reader action settles or the context is
// cancelled.
func (c *conn) Collect(ctx context.Context, intent *backend.PaymentIntent) error {
	if _, err := c.driver.client.ProcessPaymentIntent(ctx, c.readerID, intent.ID); err != nil {
		return fmt.Errorf("failed to hand intent to reader: %w", err)
	}

	ticker := time.NewTicker(collectPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			reader, err := c.driver.client.GetReader(ctx, c.readerID)
			if err != nil {
				return fmt.Errorf("lost reader during collection: %w", err)
			}
			action := reader.Action
			if action == nil {
				continue
			}
			switch action.Status {
			case "succeeded":
				return nil
			case "failed":
				return &readers.CollectFailure{Code: action.FailureCode, Message: action.FailureMessage}
			}
		}
	}
}

func (c *conn) Close(ctx context.Context) error {
	// Nothing held open on the backend; the registration deliberately
	// survives disconnects.
	c.driver.logger.Debugf("Closed connection to reader %s", c.readerID)
	return nil
}
