// Package redirect implements the bidirectional UDP forwarding engine:
// a readiness-driven loop that multiplexes the listen and send sockets,
// applies the endpoint pinning policy, and relays payloads unmodified.
package redirect

import (
	"fmt"
	"log/slog"
	"net/netip"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/postalsys/udp-redirect/internal/endpoint"
	"github.com/postalsys/udp-redirect/internal/errclass"
	"github.com/postalsys/udp-redirect/internal/logging"
	"github.com/postalsys/udp-redirect/internal/metrics"
	"github.com/postalsys/udp-redirect/internal/peer"
	"github.com/postalsys/udp-redirect/internal/stats"
)

// maxDatagramSize is the size of the single reusable receive buffer.
// All reads and relays happen through it.
const maxDatagramSize = 65535

// pollTimeout bounds the readiness wait so the statistics display stays
// timely even when no traffic arrives.
const pollTimeout = time.Second

// Config holds the fully resolved engine configuration.
type Config struct {
	// Listen is the socket that receives packets from the initiating
	// peer.
	Listen endpoint.Config

	// Send is the local socket used to exchange packets with the
	// connect peer.
	Send endpoint.Config

	// ConnectPeer is the fixed remote all listen-side traffic is
	// relayed to.
	ConnectPeer netip.AddrPort

	// ListenStrict restricts the listen side to the pinned sender.
	ListenStrict bool

	// ConnectStrict restricts the send socket to the connect peer.
	ConnectStrict bool

	// FixedSender, when valid, pre-pins the listen-side sender.
	FixedSender netip.AddrPort

	// IgnoreErrors selects the wide ignorable-error set.
	IgnoreErrors bool

	// StatsEnabled turns on the periodic statistics display.
	StatsEnabled bool

	// StatsInterval is the delay between displays (default 60s).
	StatsInterval time.Duration

	// Logger for diagnostics. Defaults to a nop logger.
	Logger *slog.Logger

	// Metrics sink. Defaults to metrics.Default().
	Metrics *metrics.Metrics
}

// Engine owns both sockets for the process lifetime and runs the
// forwarding loop. It is single-threaded: one goroutine calls Run and
// everything inside the loop is synchronous and non-blocking.
type Engine struct {
	logger  *slog.Logger
	metrics *metrics.Metrics

	tracker *peer.Tracker
	errs    errclass.Set
	stats   *stats.Collector

	connectPeer netip.AddrPort

	listenFD   int
	sendFD     int
	listenAddr netip.AddrPort
	sendAddr   netip.AddrPort

	// Single reusable buffer for all receives and relays.
	buf [maxDatagramSize]byte

	// rejectLog bounds the rate of policy-rejection log lines so a
	// flood of unauthorized packets cannot saturate the log sink.
	rejectLog *rate.Limiter

	running atomic.Bool
}

// New opens both sockets and prepares the engine. Any failure is a
// startup-time fatal condition.
func New(cfg Config) (*Engine, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Default()
	}

	listenFD, listenAddr, err := endpoint.Open(cfg.Listen, logger)
	if err != nil {
		return nil, err
	}
	sendFD, sendAddr, err := endpoint.Open(cfg.Send, logger)
	if err != nil {
		unix.Close(listenFD)
		return nil, err
	}

	e := &Engine{
		logger:  logger,
		metrics: m,
		tracker: peer.NewTracker(peer.Config{
			ListenStrict:  cfg.ListenStrict,
			ConnectStrict: cfg.ConnectStrict,
			ConnectPeer:   cfg.ConnectPeer,
			FixedSender:   cfg.FixedSender,
		}),
		errs:        errclass.New(cfg.IgnoreErrors),
		connectPeer: cfg.ConnectPeer,
		listenFD:    listenFD,
		sendFD:      sendFD,
		listenAddr:  listenAddr,
		sendAddr:    sendAddr,
		rejectLog:   rate.NewLimiter(rate.Every(time.Second), 10),
	}

	if cfg.StatsEnabled {
		e.stats = stats.NewCollector(cfg.StatsInterval, logger)
	}

	return e, nil
}

// Run executes the forwarding loop. It has no normal termination path:
// it returns only on a fatal error, and the caller is expected to exit
// the process.
func (e *Engine) Run() error {
	e.running.Store(true)
	defer e.running.Store(false)

	e.logger.Debug("entering forwarding loop",
		logging.KeyLocalAddr, e.listenAddr.String(),
		logging.KeyRemoteAddr, e.connectPeer.String())

	for {
		if err := e.iterate(); err != nil {
			return err
		}
	}
}

// iterate performs one loop step: stats display if due, a bounded
// readiness wait, then at most one receive/relay per ready socket. The
// listen socket is always serviced before the send socket.
func (e *Engine) iterate() error {
	if e.stats != nil {
		e.stats.MaybeDisplay(time.Now())
	}

	fds := []unix.PollFd{
		{Fd: int32(e.listenFD), Events: unix.POLLIN | unix.POLLPRI},
		{Fd: int32(e.sendFD), Events: unix.POLLIN | unix.POLLPRI},
	}

	n, err := unix.Poll(fds, int(pollTimeout.Milliseconds()))
	if err != nil {
		if err == unix.EINTR {
			// Interrupted by signal: retry immediately.
			return nil
		}
		return fmt.Errorf("poll: %w", err)
	}
	if n == 0 {
		return nil
	}

	if fds[0].Revents&(unix.POLLIN|unix.POLLPRI) != 0 {
		if err := e.serviceListen(); err != nil {
			return err
		}
	}
	if fds[1].Revents&(unix.POLLIN|unix.POLLPRI) != 0 {
		if err := e.serviceConnect(); err != nil {
			return err
		}
	}

	return nil
}

// serviceListen receives one datagram on the listen socket and relays
// it to the connect peer.
func (e *Engine) serviceListen() error {
	n, from, err := unix.Recvfrom(e.listenFD, e.buf[:], 0)
	if err != nil {
		if e.errs.Ignorable(err) {
			e.logger.Debug("listen receive skipped",
				logging.KeyErrno, errclass.Name(err))
			e.metrics.RecordIgnoredError("recvfrom", errclass.Name(err))
			return nil
		}
		return fmt.Errorf("listen receive: %w", err)
	}
	if n <= 0 {
		return nil
	}

	src, ok := endpoint.AddrPortFromSockaddr(from)
	if !ok {
		return nil
	}

	if e.stats != nil {
		e.stats.RecordListenReceive(n)
	}
	e.metrics.RecordReceive(metrics.SideListen, n)

	e.logger.Debug("received on listen socket",
		logging.KeySource, src.String(),
		logging.KeyLocalAddr, e.listenAddr.String(),
		logging.KeyBytes, n)

	verdict, repinned := e.tracker.CheckListen(src)
	if verdict != peer.VerdictAccept {
		pinned, _ := e.tracker.Pinned()
		if e.rejectLog.Allow() {
			e.logger.Error("listen packet from unauthorized source",
				logging.KeySource, src.String(),
				logging.KeyExpected, pinned.String())
		}
		e.metrics.RecordReject(metrics.SideListen, verdict.Reason())
		return nil
	}
	if repinned {
		e.logger.Debug("listen remote endpoint pinned",
			logging.KeyRemoteAddr, src.String())
		e.metrics.RecordRepin()
	}

	return e.relay(e.sendFD, n, e.connectPeer, metrics.SideConnect)
}

// serviceConnect receives one datagram on the send socket and relays it
// back to the pinned sender.
func (e *Engine) serviceConnect() error {
	n, from, err := unix.Recvfrom(e.sendFD, e.buf[:], 0)
	if err != nil {
		if e.errs.Ignorable(err) {
			e.logger.Debug("connect receive skipped",
				logging.KeyErrno, errclass.Name(err))
			e.metrics.RecordIgnoredError("recvfrom", errclass.Name(err))
			return nil
		}
		return fmt.Errorf("connect receive: %w", err)
	}
	if n <= 0 {
		return nil
	}

	src, ok := endpoint.AddrPortFromSockaddr(from)
	if !ok {
		return nil
	}

	if e.stats != nil {
		e.stats.RecordConnectReceive(n)
	}
	e.metrics.RecordReceive(metrics.SideConnect, n)

	e.logger.Debug("received on send socket",
		logging.KeySource, src.String(),
		logging.KeyLocalAddr, e.sendAddr.String(),
		logging.KeyBytes, n)

	switch verdict := e.tracker.CheckConnect(src); verdict {
	case peer.VerdictAccept:
	case peer.VerdictNoPinnedSender:
		// Normal before the first listen-side packet: there is nowhere
		// to deliver replies yet.
		e.logger.Debug("connect packet before any sender pinned",
			logging.KeySource, src.String())
		e.metrics.RecordReject(metrics.SideConnect, verdict.Reason())
		return nil
	default:
		if e.rejectLog.Allow() {
			e.logger.Error("connect packet from unauthorized source",
				logging.KeySource, src.String(),
				logging.KeyExpected, e.connectPeer.String())
		}
		e.metrics.RecordReject(metrics.SideConnect, verdict.Reason())
		return nil
	}

	pinned, _ := e.tracker.Pinned()
	return e.relay(e.listenFD, n, pinned, metrics.SideListen)
}

// relay sends the first n buffered bytes to dst on fd. A short write is
// a logged anomaly, never retried; only unclassified send errors are
// fatal.
func (e *Engine) relay(fd, n int, dst netip.AddrPort, side string) error {
	sent, err := e.sendTo(fd, e.buf[:n], dst)
	if err != nil {
		if e.errs.Ignorable(err) {
			e.logger.Debug("relay skipped",
				logging.KeyRemoteAddr, dst.String(),
				logging.KeyErrno, errclass.Name(err))
			e.metrics.RecordIgnoredError("sendto", errclass.Name(err))
			return nil
		}
		return fmt.Errorf("relay to %s: %w", dst, err)
	}

	if e.stats != nil {
		switch side {
		case metrics.SideListen:
			e.stats.RecordListenSend(sent)
		case metrics.SideConnect:
			e.stats.RecordConnectSend(sent)
		}
	}
	e.metrics.RecordSend(side, sent)

	if sent < n {
		e.logger.Warn("partial relay write",
			logging.KeyRemoteAddr, dst.String(),
			"sent_bytes", sent,
			"received_bytes", n)
		e.metrics.RecordPartialWrite()
		return nil
	}

	e.logger.Debug("relayed",
		logging.KeyRemoteAddr, dst.String(),
		logging.KeyBytes, sent)
	return nil
}

// sendTo writes one datagram and reports the byte count the OS
// accepted. The kernel sends a datagram whole or fails, so success
// means the full payload.
func (e *Engine) sendTo(fd int, p []byte, dst netip.AddrPort) (int, error) {
	if err := unix.Sendto(fd, p, 0, endpoint.SockaddrFromAddrPort(dst)); err != nil {
		return 0, err
	}
	return len(p), nil
}

// ListenAddr returns the resolved local address of the listen socket.
func (e *Engine) ListenAddr() netip.AddrPort {
	return e.listenAddr
}

// SendAddr returns the resolved local address of the send socket.
func (e *Engine) SendAddr() netip.AddrPort {
	return e.sendAddr
}

// IsRunning reports whether the forwarding loop is active.
func (e *Engine) IsRunning() bool {
	return e.running.Load()
}

// Snapshot is a point-in-time view of the engine for the health
// endpoint.
type Snapshot struct {
	ListenAddr   netip.AddrPort
	SendAddr     netip.AddrPort
	ConnectPeer  netip.AddrPort
	PinnedSender netip.AddrPort // zero value if unset
	Totals       stats.Totals
}

// Snapshot returns the current engine state. Safe to call concurrently
// with the forwarding loop.
func (e *Engine) Snapshot() Snapshot {
	s := Snapshot{
		ListenAddr:  e.listenAddr,
		SendAddr:    e.sendAddr,
		ConnectPeer: e.connectPeer,
	}
	if pinned, ok := e.tracker.Pinned(); ok {
		s.PinnedSender = pinned
	}
	if e.stats != nil {
		s.Totals = e.stats.Snapshot()
	}
	return s
}

// Close releases both sockets. The process normally never calls this;
// it exists for tests.
func (e *Engine) Close() {
	unix.Close(e.listenFD)
	unix.Close(e.sendFD)
}
