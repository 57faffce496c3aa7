package creditgate

import (
	"sync"
	"time"
)

// AttemptTracker keeps a sliding window of over-quota attempts per device
// and of device fan-out per IP, feeding the risk scorer. State is
// in-process: after a restart the signals start at zero, which only makes
// scoring more lenient, never incorrect.
type AttemptTracker struct {
	mu      sync.Mutex
	window  time.Duration
	devices map[string][]time.Time          // device id -> attempt timestamps
	ips     map[string]map[string]time.Time // ip -> device id -> last seen
}

// NewAttemptTracker creates a tracker with the given sliding window.
func NewAttemptTracker(window time.Duration) *AttemptTracker {
	if window <= 0 {
		window = 10 * time.Minute
	}
	return &AttemptTracker{
		window:  window,
		devices: make(map[string][]time.Time),
		ips:     make(map[string]map[string]time.Time),
	}
}

// Record notes one over-quota attempt from a device.
func (t *AttemptTracker) Record(deviceID, ip string) {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := now.Add(-t.window)
	valid := t.devices[deviceID][:0]
	for _, ts := range t.devices[deviceID] {
		if ts.After(cutoff) {
			valid = append(valid, ts)
		}
	}
	t.devices[deviceID] = append(valid, now)

	if ip != "" {
		seen, ok := t.ips[ip]
		if !ok {
			seen = make(map[string]time.Time)
			t.ips[ip] = seen
		}
		seen[deviceID] = now
	}
}

// Attempts returns how many over-quota attempts a device made within the
// window.
func (t *AttemptTracker) Attempts(deviceID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := time.Now().Add(-t.window)
	n := 0
	for _, ts := range t.devices[deviceID] {
		if ts.After(cutoff) {
			n++
		}
	}
	return n
}

// DevicesForIP returns how many distinct devices an IP presented within the
// window.
func (t *AttemptTracker) DevicesForIP(ip string) int {
	if ip == "" {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := time.Now().Add(-t.window)
	n := 0
	for id, last := range t.ips[ip] {
		if last.After(cutoff) {
			n++
		} else {
			delete(t.ips[ip], id)
		}
	}
	return n
}
