package rdp

import (
	"sync"
	"time"
)

// HeartbeatMonitor tracks server heartbeat PDUs (MS-RDPBCGR 2.2.16.1).
// Servers that negotiate heartbeats emit one every period seconds; a long
// gap is an early signal the transport died without a TCP reset.
type HeartbeatMonitor struct {
	mu       sync.Mutex
	period   time.Duration
	count    uint8 // missed heartbeats the server allows before reconnect
	lastSeen time.Time
}

// NewHeartbeatMonitor returns a monitor with a conservative default
// period until the server announces its own.
func NewHeartbeatMonitor() *HeartbeatMonitor {
	return &HeartbeatMonitor{period: 30 * time.Second, count: 3}
}

// Observe consumes one heartbeat PDU payload (share data headers already
// stripped): reserved(1) period(1) count1(1) count2(1).
func (hm *HeartbeatMonitor) Observe(data []byte) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.lastSeen = time.Now()
	if len(data) >= 4 {
		if p := data[1]; p > 0 {
			hm.period = time.Duration(p) * time.Second
		}
		if c := data[2]; c > 0 {
			hm.count = c
		}
	}
}

// Touch records non-heartbeat traffic, which is just as good a liveness
// signal.
func (hm *HeartbeatMonitor) Touch() {
	hm.mu.Lock()
	hm.lastSeen = time.Now()
	hm.mu.Unlock()
}

// Healthy reports whether traffic arrived within the allowed window.
// Always true before the first observation.
func (hm *HeartbeatMonitor) Healthy() bool {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	if hm.lastSeen.IsZero() {
		return true
	}
	return time.Since(hm.lastSeen) <= hm.period*time.Duration(hm.count)
}

// isHeartbeatPDU reports whether a share data payload is a heartbeat.
func isHeartbeatPDU(pduType2 uint8) bool {
	return pduType2 == PDUTYPE2_HEARTBEAT
}

// parseHeartbeatPeriod extracts the period field for logging.
func parseHeartbeatPeriod(data []byte) time.Duration {
	if len(data) < 4 {
		return 0
	}
	return time.Duration(data[1]) * time.Second
}
