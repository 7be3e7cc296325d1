package core

import (
	"math"
	"sync"
	"time"
)

type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

// BackendHealth gates calls to the remote payment backend behind a
// circuit breaker and tracks recent call volume in a sliding window.
// The stats feed the /status endpoint.
type BackendHealth struct {
	callWindow *SlidingWindow
	monitor    *HealthMonitor
	mutex      sync.RWMutex
}

type SlidingWindow struct {
	requests []time.Time
	mutex    sync.RWMutex
	window   time.Duration
}

type HealthMonitor struct {
	successCount     int64
	failureCount     int64
	lastResponse     time.Time
	circuitState     CircuitState
	failureThreshold int
	recoveryTimeout  time.Duration
	mutex            sync.RWMutex
}

func NewBackendHealth() *BackendHealth {
	return &BackendHealth{
		callWindow: NewSlidingWindow(30 * time.Second),
		monitor:    NewHealthMonitor(5, 30*time.Second),
	}
}

func NewSlidingWindow(window time.Duration) *SlidingWindow {
	return &SlidingWindow{
		requests: make([]time.Time, 0),
		window:   window,
	}
}

func NewHealthMonitor(failureThreshold int, recoveryTimeout time.Duration) *HealthMonitor {
	return &HealthMonitor{
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		circuitState:     CircuitClosed,
	}
}

// Allow reports whether a backend call should be attempted right now.
func (b *BackendHealth) Allow() bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if !b.monitor.CanProceed() {
		return false
	}

	b.callWindow.cleanup()
	return true
}

func (b *BackendHealth) RecordSuccess() {
	b.callWindow.Add(time.Now())
	b.monitor.RecordSuccess()
}

func (b *BackendHealth) RecordFailure() {
	b.callWindow.Add(time.Now())
	b.monitor.RecordFailure()
}

func (b *BackendHealth) GetStats() map[string]interface{} {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	successes, failures := b.monitor.Counts()
	return map[string]interface{}{
		"call_rate":     b.callWindow.Rate(),
		"backend_load":  b.monitor.GetLoad(),
		"circuit_state": b.monitor.GetCircuitState(),
		"success_count": successes,
		"failure_count": failures,
	}
}

func (sw *SlidingWindow) Add(t time.Time) {
	sw.mutex.Lock()
	defer sw.mutex.Unlock()
	sw.requests = append(sw.requests, t)
}

// cleanup trims entries older than the window. Entries are appended in
// time order, so everything before the first live entry is stale.
func (sw *SlidingWindow) cleanup() {
	sw.mutex.Lock()
	defer sw.mutex.Unlock()

	cutoff := time.Now().Add(-sw.window)
	validIndex := len(sw.requests)

	for i, t := range sw.requests {
		if t.After(cutoff) {
			validIndex = i
			break
		}
	}

	if validIndex > 0 {
		sw.requests = sw.requests[validIndex:]
	}
}

func (sw *SlidingWindow) Rate() float64 {
	sw.mutex.RLock()
	defer sw.mutex.RUnlock()

	if len(sw.requests) == 0 {
		return 0
	}

	duration := sw.window.Seconds()
	return float64(len(sw.requests)) / duration
}

func (hm *HealthMonitor) CanProceed() bool {
	hm.mutex.Lock()
	defer hm.mutex.Unlock()

	switch hm.circuitState {
	case CircuitOpen:
		if time.Since(hm.lastResponse) > hm.recoveryTimeout {
			// Try to transition to half-open
			hm.circuitState = CircuitHalfOpen
			return true
		}
		return false
	case CircuitHalfOpen, CircuitClosed:
		return true
	default:
		return false
	}
}

func (hm *HealthMonitor) RecordSuccess() {
	hm.mutex.Lock()
	defer hm.mutex.Unlock()

	hm.successCount++
	hm.lastResponse = time.Now()

	if hm.circuitState == CircuitHalfOpen {
		hm.circuitState = CircuitClosed
		hm.failureCount = 0 // Reset failure count on recovery
	}
}

func (hm *HealthMonitor) RecordFailure() {
	hm.mutex.Lock()
	defer hm.mutex.Unlock()

	hm.failureCount++
	hm.lastResponse = time.Now()

	if hm.failureCount >= int64(hm.failureThreshold) {
		hm.circuitState = CircuitOpen
	}
}

// Counts returns the success and failure totals since startup.
func (hm *HealthMonitor) Counts() (int64, int64) {
	hm.mutex.RLock()
	defer hm.mutex.RUnlock()
	return hm.successCount, hm.failureCount
}

func (hm *HealthMonitor) GetLoad() float64 {
	hm.mutex.RLock()
	defer hm.mutex.RUnlock()

	total := hm.successCount + hm.failureCount
	if total == 0 {
		return 0.0
	}

	failureRate := float64(hm.failureCount) / float64(total)

	// Load is failure rate + time since last response factor
	timeFactor := math.Min(1.0, time.Since(hm.lastResponse).Seconds()/30.0)

	return math.Min(1.0, failureRate+timeFactor*0.3)
}

func (hm *HealthMonitor) GetCircuitState() string {
	hm.mutex.RLock()
	defer hm.mutex.RUnlock()

	switch hm.circuitState {
	case CircuitClosed:
		return "CLOSED"
	case CircuitOpen:
		return "OPEN"
	case CircuitHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}
