// Package peer tracks the remote peer authorized to exchange packets
// with the listen endpoint and enforces source-address policy on both
// sides of the redirector.
package peer

import (
	"net/netip"
	"sync"
)

// Verdict is the outcome of a source-address policy check.
type Verdict int

const (
	// VerdictAccept means the packet may be relayed.
	VerdictAccept Verdict = iota
	// VerdictSourceMismatch means the packet source does not match the
	// pinned or configured peer under strict mode.
	VerdictSourceMismatch
	// VerdictNoPinnedSender means no listen-side sender is known yet,
	// so a connect-side packet has nowhere to be delivered.
	VerdictNoPinnedSender
)

// String returns a human-readable name for the verdict.
func (v Verdict) String() string {
	switch v {
	case VerdictAccept:
		return "ACCEPT"
	case VerdictSourceMismatch:
		return "SOURCE_MISMATCH"
	case VerdictNoPinnedSender:
		return "NO_PINNED_SENDER"
	default:
		return "UNKNOWN"
	}
}

// Reason returns a metrics-friendly label for a rejection verdict.
func (v Verdict) Reason() string {
	switch v {
	case VerdictSourceMismatch:
		return "source_mismatch"
	case VerdictNoPinnedSender:
		return "no_pinned_sender"
	default:
		return "none"
	}
}

// Config holds the acceptance policy for a Tracker.
type Config struct {
	// ListenStrict restricts the listen side to the pinned sender.
	ListenStrict bool

	// ConnectStrict restricts the connect side to ConnectPeer.
	ConnectStrict bool

	// ConnectPeer is the fixed remote the send socket targets.
	ConnectPeer netip.AddrPort

	// FixedSender, when valid, pre-pins the listen-side sender and
	// forces ListenStrict regardless of its configured value.
	FixedSender netip.AddrPort
}

// Tracker is the endpoint pinning state machine. The listen side is
// either unpinned or pinned to a single concrete (address, port); the
// connect peer is fixed for the process lifetime.
//
// The forwarding loop is the only writer; the mutex exists so the
// health endpoint can snapshot the pinned sender concurrently.
type Tracker struct {
	mu sync.RWMutex

	listenStrict  bool
	connectStrict bool
	connectPeer   netip.AddrPort
	pinned        netip.AddrPort
}

// NewTracker creates a tracker from the given policy.
func NewTracker(cfg Config) *Tracker {
	t := &Tracker{
		listenStrict:  cfg.ListenStrict,
		connectStrict: cfg.ConnectStrict,
		connectPeer:   cfg.ConnectPeer,
	}

	if cfg.FixedSender.IsValid() {
		t.pinned = cfg.FixedSender
		t.listenStrict = true
	}

	return t
}

// CheckListen applies the listen-side policy to a packet from src.
// Outside strict mode, or while unpinned, the sender is (re)pinned to
// src and the packet accepted; repinned reports whether the pinned
// sender changed. Under strict mode with a pinned sender, only packets
// from that exact sender are accepted, with no state change otherwise.
func (t *Tracker) CheckListen(src netip.AddrPort) (verdict Verdict, repinned bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.pinned.IsValid() || !t.listenStrict {
		repinned = t.pinned != src
		t.pinned = src
		return VerdictAccept, repinned
	}

	if t.pinned == src {
		return VerdictAccept, false
	}

	return VerdictSourceMismatch, false
}

// CheckConnect applies the stateless connect-side policy to a packet
// from src. Packets are deliverable only once a listen-side sender is
// pinned; under strict mode the source must equal the connect peer.
func (t *Tracker) CheckConnect(src netip.AddrPort) Verdict {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if !t.pinned.IsValid() {
		return VerdictNoPinnedSender
	}

	if t.connectStrict && src != t.connectPeer {
		return VerdictSourceMismatch
	}

	return VerdictAccept
}

// Pinned returns the currently pinned sender and whether one is set.
func (t *Tracker) Pinned() (netip.AddrPort, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.pinned, t.pinned.IsValid()
}

// ConnectPeer returns the fixed connect peer.
func (t *Tracker) ConnectPeer() netip.AddrPort {
	return t.connectPeer
}

// ListenStrict reports whether listen-side strict mode is in effect,
// including when forced by a fixed sender.
func (t *Tracker) ListenStrict() bool {
	return t.listenStrict
}
