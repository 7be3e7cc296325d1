package terminal

import (
	"context"
	"errors"
	"time"

	"kiosk-terminal/internal/readers"
	"kiosk-terminal/internal/telemetry"
)

// probeTimeout bounds a single liveness probe, separately from the
// heartbeat interval.
const probeTimeout = 10 * time.Second

// heartbeatMonitor probes the bound reader while it is Connected. It is
// started on a successful bind and stopped on disconnect; probes are
// skipped while another lifecycle or payment operation holds opMu, so a
// probe is never interleaved with an in-flight Bind or Charge.
type heartbeatMonitor struct {
	manager  *Manager
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

// startHeartbeatLocked replaces any previous monitor. Caller holds m.mu.
func (m *Manager) startHeartbeatLocked() {
	if m.hb != nil {
		// Stop asynchronously; the old monitor may be mid-tick.
		go m.hb.stop()
	}

	interval := m.settings.Get().HeartbeatInterval
	ctx, cancel := context.WithCancel(context.Background())
	hb := &heartbeatMonitor{
		manager:  m,
		interval: interval,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	m.hb = hb
	go hb.run(ctx)
}

func (hb *heartbeatMonitor) stop() {
	hb.cancel()
	<-hb.done
}

func (hb *heartbeatMonitor) run(ctx context.Context) {
	defer close(hb.done)

	ticker := time.NewTicker(hb.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if stop := hb.tick(ctx); stop {
				return
			}
		}
	}
}

// tick runs one probe. Returns true when the monitor should stop
// because no bound reader remains.
func (hb *heartbeatMonitor) tick(ctx context.Context) bool {
	m := hb.manager

	// Suspended while another operation is in flight; the next tick
	// will probe once the operation settles.
	if !m.opMu.TryLock() {
		return false
	}
	defer m.opMu.Unlock()

	m.mu.Lock()
	conn := m.conn
	state := m.state
	stale := m.hb != hb
	m.mu.Unlock()

	if stale {
		return true
	}
	if conn == nil || state != StateConnected {
		return false
	}

	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	err := conn.Ping(pctx)
	cancel()

	if err == nil {
		now := time.Now()
		m.mu.Lock()
		m.lastHeartbeat = now
		m.mu.Unlock()

		// A live heartbeat refreshes the persisted last-seen time.
		if reg, found, loadErr := m.store.Load(); loadErr == nil && found {
			reg.LastSeen = now
			if saveErr := m.store.Save(*reg); saveErr != nil {
				m.logger.Errorf("Failed to refresh registration on heartbeat: %v", saveErr)
			}
		}
		return false
	}

	// The hardware has actually lost the connection; never leave a
	// Connected state standing once the probe says otherwise.
	telemetry.HeartbeatFailures.Inc()
	m.logger.Warningf("Heartbeat probe failed for reader %s: %v", conn.ReaderID(), err)
	m.setState(StateReconnecting)

	if hb.recover(ctx, conn.LocationID()) {
		m.setState(StateConnected)
		telemetry.ReconnectsTotal.WithLabelValues("success").Inc()
		return false
	}

	// Both recovery paths failed: drop to unbound, caller must re-Bind.
	telemetry.ReconnectsTotal.WithLabelValues("failure").Inc()
	m.logger.Errorf("Automatic recovery failed; reader is now disconnected")

	m.mu.Lock()
	oldConn := m.conn
	m.conn = nil
	m.state = StateDisconnected
	if m.hb == hb {
		m.hb = nil
	}
	m.mu.Unlock()

	if oldConn != nil {
		cctx, ccancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = oldConn.Close(cctx)
		ccancel()
	}
	return true
}

// recover tries the stored-registration reconnect path, then the
// fresh-registration fallback. Caller holds opMu.
func (hb *heartbeatMonitor) recover(ctx context.Context, locationID string) bool {
	m := hb.manager

	if reg, found, err := m.store.Load(); err == nil && found {
		conn, rerr := m.reconnect(ctx, reg)
		if rerr == nil {
			hb.swapConn(conn)
			m.logger.Infof("Heartbeat recovery reconnected reader %s", conn.ReaderID())
			return true
		}
		if errors.Is(rerr, errRegistrationInvalidated) {
			m.logger.Warningf("Reader %s gone from discovery during recovery; invalidating registration", reg.ReaderID)
			telemetry.RegistrationInvalidations.Inc()
			if clearErr := m.store.Clear(); clearErr != nil {
				m.logger.Errorf("Failed to clear invalidated registration: %v", clearErr)
			}
		} else {
			m.logger.Warningf("Heartbeat reconnect failed: %v", rerr)
		}
	}

	// Fresh registration requires a validated location.
	if _, err := m.backend.GetLocation(ctx, locationID); err != nil {
		m.logger.Warningf("Location %s validation failed during recovery: %v", locationID, err)
		return false
	}

	conn, err := m.freshRegister(ctx, locationID)
	if err != nil {
		m.logger.Warningf("Fresh registration during recovery failed: %v", err)
		return false
	}

	hb.swapConn(conn)
	m.logger.Infof("Heartbeat recovery registered fresh reader %s", conn.ReaderID())
	return true
}

// swapConn installs the recovered connection and closes the dead one.
func (hb *heartbeatMonitor) swapConn(conn readers.Conn) {
	m := hb.manager

	m.mu.Lock()
	oldConn := m.conn
	m.conn = conn
	m.lastHeartbeat = time.Now()
	m.mu.Unlock()

	if oldConn != nil && oldConn != conn {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = oldConn.Close(ctx)
		cancel()
	}
}
