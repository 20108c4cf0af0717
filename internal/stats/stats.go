// Package stats accumulates per-interval and lifetime packet/byte
// counters for both forwarding directions and logs them on a timer.
package stats

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/postalsys/udp-redirect/internal/logging"
)

// DefaultInterval is the default delay between statistics displays.
const DefaultInterval = 60 * time.Second

// Totals holds the eight packet/byte counters, one per (side,
// direction) pair. Counters are exact integers; scaling happens only
// at display time.
type Totals struct {
	ListenPacketsReceived  uint64 `json:"listen_packets_received"`
	ListenBytesReceived    uint64 `json:"listen_bytes_received"`
	ListenPacketsSent      uint64 `json:"listen_packets_sent"`
	ListenBytesSent        uint64 `json:"listen_bytes_sent"`
	ConnectPacketsReceived uint64 `json:"connect_packets_received"`
	ConnectBytesReceived   uint64 `json:"connect_bytes_received"`
	ConnectPacketsSent     uint64 `json:"connect_packets_sent"`
	ConnectBytesSent       uint64 `json:"connect_bytes_sent"`
}

func (t *Totals) add(o Totals) {
	t.ListenPacketsReceived += o.ListenPacketsReceived
	t.ListenBytesReceived += o.ListenBytesReceived
	t.ListenPacketsSent += o.ListenPacketsSent
	t.ListenBytesSent += o.ListenBytesSent
	t.ConnectPacketsReceived += o.ConnectPacketsReceived
	t.ConnectBytesReceived += o.ConnectBytesReceived
	t.ConnectPacketsSent += o.ConnectPacketsSent
	t.ConnectBytesSent += o.ConnectBytesSent
}

// Collector owns the counters. The forwarding loop is the only writer;
// the mutex exists for concurrent snapshots from the health endpoint.
type Collector struct {
	mu sync.Mutex

	interval time.Duration
	logger   *slog.Logger

	current  Totals
	lifetime Totals

	firstDisplay time.Time
	lastDisplay  time.Time
}

// NewCollector creates a collector that displays every interval.
// A zero interval falls back to DefaultInterval.
func NewCollector(interval time.Duration, logger *slog.Logger) *Collector {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = logging.NopLogger()
	}

	now := time.Now()
	return &Collector{
		interval:     interval,
		logger:       logger,
		firstDisplay: now,
		lastDisplay:  now,
	}
}

// RecordListenReceive counts one datagram of n bytes received on the
// listen socket.
func (c *Collector) RecordListenReceive(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.current.ListenPacketsReceived++
	c.current.ListenBytesReceived += uint64(n)
}

// RecordListenSend counts one datagram of n bytes sent from the listen
// socket back to the pinned sender.
func (c *Collector) RecordListenSend(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.current.ListenPacketsSent++
	c.current.ListenBytesSent += uint64(n)
}

// RecordConnectReceive counts one datagram of n bytes received on the
// send socket from the connect peer.
func (c *Collector) RecordConnectReceive(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.current.ConnectPacketsReceived++
	c.current.ConnectBytesReceived += uint64(n)
}

// RecordConnectSend counts one datagram of n bytes sent to the connect
// peer.
func (c *Collector) RecordConnectSend(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.current.ConnectPacketsSent++
	c.current.ConnectBytesSent += uint64(n)
}

// MaybeDisplay folds, logs and resets the interval counters when a full
// interval has elapsed since the previous display. It reports whether a
// display happened.
func (c *Collector) MaybeDisplay(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if now.Sub(c.lastDisplay) < c.interval {
		return false
	}

	c.display(now)
	c.lastDisplay = now
	return true
}

// display must be called with the mutex held.
func (c *Collector) display(now time.Time) {
	// Floor elapsed seconds at 1 to avoid division by zero.
	delta := int64(now.Sub(c.lastDisplay).Seconds())
	if delta < 1 {
		delta = 1
	}
	deltaTotal := int64(now.Sub(c.firstDisplay).Seconds())
	if deltaTotal < 1 {
		deltaTotal = 1
	}

	c.lifetime.add(c.current)

	c.logTotals("interval", c.current, delta)
	c.logTotals("total", c.lifetime, deltaTotal)

	c.current = Totals{}
}

func (c *Collector) logTotals(scope string, t Totals, elapsedSeconds int64) {
	rows := []struct {
		name            string
		packets, nbytes uint64
	}{
		{"listen:receive", t.ListenPacketsReceived, t.ListenBytesReceived},
		{"listen:send", t.ListenPacketsSent, t.ListenBytesSent},
		{"connect:receive", t.ConnectPacketsReceived, t.ConnectBytesReceived},
		{"connect:send", t.ConnectPacketsSent, t.ConnectBytesSent},
	}

	for _, row := range rows {
		c.logger.Info("stats",
			"scope", scope,
			"flow", row.name,
			"window_seconds", elapsedSeconds,
			"packets", human(float64(row.packets)),
			"packets_per_sec", human(float64(row.packets)/float64(elapsedSeconds)),
			"bytes", human(float64(row.nbytes)),
			"bytes_per_sec", human(float64(row.nbytes)/float64(elapsedSeconds)))
	}
}

// human scales a value by powers of 1000 with an SI suffix, for display
// only.
func human(v float64) string {
	return strings.TrimSpace(humanize.SIWithDigits(v, 1, ""))
}

// Interval returns a copy of the counters accumulated since the last
// display.
func (c *Collector) Interval() Totals {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.current
}

// Snapshot returns cumulative totals including the not-yet-folded
// interval counters.
func (c *Collector) Snapshot() Totals {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.lifetime
	t.add(c.current)
	return t
}
