package settings

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/eencloud/goeen/log"
)

// TerminalSettings is the runtime-adjustable part of the terminal
// configuration. The admin surface pushes updates over HTTP; everything
// else (backend endpoints, credentials) is bootstrap config.
type TerminalSettings struct {
	LocationID        string        `json:"location_id"`
	Label             string        `json:"label"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	TapTimeout        time.Duration `json:"tap_timeout"`
}

// terminalSettingsPayload is the wire form, with durations in
// milliseconds.
type terminalSettingsPayload struct {
	LocationID          string `json:"location_id"`
	Label               string `json:"label,omitempty"`
	HeartbeatIntervalMS int    `json:"heartbeat_interval_ms,omitempty"`
	TapTimeoutMS        int    `json:"tap_timeout_ms,omitempty"`
}

// Manager handles the storage and retrieval of terminal settings.
type Manager struct {
	sync.RWMutex
	logger         *log.Logger
	current        TerminalSettings
	changeChan     chan struct{}
	updateCallback func(TerminalSettings)
}

// NewManager creates a new settings manager seeded with defaults.
func NewManager(logger *log.Logger, defaults TerminalSettings) *Manager {
	return &Manager{
		logger:     logger,
		current:    defaults,
		changeChan: make(chan struct{}, 1),
	}
}

// UpdateSettings parses a pushed settings payload and applies it.
func (m *Manager) UpdateSettings(payload []byte) error {
	var p terminalSettingsPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("could not unmarshal settings payload: %w", err)
	}

	if p.LocationID == "" {
		return fmt.Errorf("location_id is required")
	}

	m.Lock()
	updated := m.current
	updated.LocationID = p.LocationID
	if p.Label != "" {
		updated.Label = p.Label
	}
	if p.HeartbeatIntervalMS > 0 {
		updated.HeartbeatInterval = time.Duration(p.HeartbeatIntervalMS) * time.Millisecond
	}
	if p.TapTimeoutMS > 0 {
		updated.TapTimeout = time.Duration(p.TapTimeoutMS) * time.Millisecond
	}

	if updated.HeartbeatInterval < time.Second {
		m.Unlock()
		return fmt.Errorf("heartbeat interval %v is below the 1s floor", updated.HeartbeatInterval)
	}

	m.current = updated
	callback := m.updateCallback
	m.Unlock()

	m.logger.Infof("Terminal settings updated: location %s, heartbeat %v, tap timeout %v",
		updated.LocationID, updated.HeartbeatInterval, updated.TapTimeout)

	if callback != nil {
		callback(updated)
	}

	m.notifyChange()
	return nil
}

// Get returns a copy of the current settings.
func (m *Manager) Get() TerminalSettings {
	m.RLock()
	defer m.RUnlock()
	return m.current
}

// Changes returns a channel that signals when settings have been updated.
func (m *Manager) Changes() <-chan struct{} {
	return m.changeChan
}

// SetUpdateCallback sets the function to call when settings are updated
func (m *Manager) SetUpdateCallback(callback func(TerminalSettings)) {
	m.Lock()
	defer m.Unlock()
	m.updateCallback = callback
}

func (m *Manager) notifyChange() {
	select {
	case m.changeChan <- struct{}{}:
	default:
	}
}
