package redirect

import (
	"bytes"
	"crypto/rand"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sys/unix"

	"github.com/postalsys/udp-redirect/internal/endpoint"
	"github.com/postalsys/udp-redirect/internal/metrics"
	"github.com/postalsys/udp-redirect/internal/stats"
)

// udpPeer is an external test peer the engine exchanges packets with.
type udpPeer struct {
	t    *testing.T
	conn *net.UDPConn
	addr netip.AddrPort
}

func newUDPPeer(t *testing.T) *udpPeer {
	t.Helper()

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	addr := conn.LocalAddr().(*net.UDPAddr).AddrPort()
	return &udpPeer{t: t, conn: conn, addr: netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())}
}

func (p *udpPeer) sendTo(dst netip.AddrPort, payload []byte) {
	p.t.Helper()

	if _, err := p.conn.WriteToUDPAddrPort(payload, dst); err != nil {
		p.t.Fatalf("WriteToUDPAddrPort: %v", err)
	}
}

// receive waits for one datagram and returns payload and source.
func (p *udpPeer) receive() ([]byte, netip.AddrPort) {
	p.t.Helper()

	buf := make([]byte, maxDatagramSize)
	p.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, src, err := p.conn.ReadFromUDPAddrPort(buf)
	if err != nil {
		p.t.Fatalf("ReadFromUDPAddrPort: %v", err)
	}
	return buf[:n], netip.AddrPortFrom(src.Addr().Unmap(), src.Port())
}

// expectSilence asserts no datagram arrives within the window.
func (p *udpPeer) expectSilence() {
	p.t.Helper()

	buf := make([]byte, maxDatagramSize)
	p.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if n, src, err := p.conn.ReadFromUDPAddrPort(buf); err == nil {
		p.t.Fatalf("unexpected datagram: %d bytes from %v", n, src)
	}
}

func newTestEngine(t *testing.T, mutate func(*Config)) *Engine {
	t.Helper()

	loopback := netip.MustParseAddr("127.0.0.1")
	cfg := Config{
		Listen:       endpoint.Config{Label: "listen", Address: loopback},
		Send:         endpoint.Config{Label: "send", Address: loopback},
		IgnoreErrors: true,
		StatsEnabled: true,
		Metrics:      metrics.NewMetricsWithRegistry(prometheus.NewRegistry()),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(e.Close)
	return e
}

// waitReadable blocks until fd has data, so a loopback send is visible
// before the engine services the socket.
func waitReadable(t *testing.T, fd int) {
	t.Helper()

	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	for {
		n, err := unix.Poll(fds, 2000)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			t.Fatalf("poll: %v", err)
		}
		if n == 0 {
			t.Fatal("timed out waiting for datagram")
		}
		return
	}
}

func TestForwardListenToConnect(t *testing.T) {
	server := newUDPPeer(t)
	e := newTestEngine(t, func(c *Config) { c.ConnectPeer = server.addr })
	client := newUDPPeer(t)

	payload := []byte("0123456789")
	client.sendTo(e.ListenAddr(), payload)
	waitReadable(t, e.listenFD)
	if err := e.serviceListen(); err != nil {
		t.Fatalf("serviceListen: %v", err)
	}

	got, src := server.receive()
	if !bytes.Equal(got, payload) {
		t.Errorf("payload = %q, want %q", got, payload)
	}
	if src != e.SendAddr() {
		t.Errorf("source = %v, want send socket %v", src, e.SendAddr())
	}

	snap := e.Snapshot()
	if snap.PinnedSender != client.addr {
		t.Errorf("pinned sender = %v, want %v", snap.PinnedSender, client.addr)
	}
	if snap.Totals.ListenPacketsReceived != 1 || snap.Totals.ListenBytesReceived != 10 {
		t.Errorf("listen receive counters = %+v", snap.Totals)
	}
	if snap.Totals.ConnectPacketsSent != 1 || snap.Totals.ConnectBytesSent != 10 {
		t.Errorf("connect send counters = %+v", snap.Totals)
	}
}

func TestForwardConnectToListen(t *testing.T) {
	server := newUDPPeer(t)
	e := newTestEngine(t, func(c *Config) { c.ConnectPeer = server.addr })
	client := newUDPPeer(t)

	// Pin the client first.
	client.sendTo(e.ListenAddr(), []byte("ping"))
	waitReadable(t, e.listenFD)
	if err := e.serviceListen(); err != nil {
		t.Fatalf("serviceListen: %v", err)
	}
	server.receive()

	server.sendTo(e.SendAddr(), []byte("pong"))
	waitReadable(t, e.sendFD)
	if err := e.serviceConnect(); err != nil {
		t.Fatalf("serviceConnect: %v", err)
	}

	got, src := client.receive()
	if string(got) != "pong" {
		t.Errorf("payload = %q, want %q", got, "pong")
	}
	if src != e.ListenAddr() {
		t.Errorf("source = %v, want listen socket %v", src, e.ListenAddr())
	}

	snap := e.Snapshot()
	if snap.Totals.ConnectPacketsReceived != 1 || snap.Totals.ListenPacketsSent != 1 {
		t.Errorf("reply counters = %+v", snap.Totals)
	}
}

func TestConnectPacketBeforePinnedSenderDropped(t *testing.T) {
	server := newUDPPeer(t)
	e := newTestEngine(t, func(c *Config) { c.ConnectPeer = server.addr })

	server.sendTo(e.SendAddr(), []byte("early"))
	waitReadable(t, e.sendFD)
	if err := e.serviceConnect(); err != nil {
		t.Fatalf("serviceConnect: %v", err)
	}

	snap := e.Snapshot()
	if snap.Totals.ConnectPacketsReceived != 1 {
		t.Errorf("connect receive should still count: %+v", snap.Totals)
	}
	if snap.Totals.ListenPacketsSent != 0 {
		t.Errorf("nothing should be relayed: %+v", snap.Totals)
	}
}

func TestPermissiveModeFollowsLastSender(t *testing.T) {
	server := newUDPPeer(t)
	e := newTestEngine(t, func(c *Config) { c.ConnectPeer = server.addr })
	first := newUDPPeer(t)
	second := newUDPPeer(t)

	first.sendTo(e.ListenAddr(), []byte("a"))
	waitReadable(t, e.listenFD)
	if err := e.serviceListen(); err != nil {
		t.Fatalf("serviceListen: %v", err)
	}
	server.receive()

	second.sendTo(e.ListenAddr(), []byte("b"))
	waitReadable(t, e.listenFD)
	if err := e.serviceListen(); err != nil {
		t.Fatalf("serviceListen: %v", err)
	}
	server.receive()

	if snap := e.Snapshot(); snap.PinnedSender != second.addr {
		t.Errorf("pinned sender = %v, want %v", snap.PinnedSender, second.addr)
	}

	// Replies now go to the second sender.
	server.sendTo(e.SendAddr(), []byte("reply"))
	waitReadable(t, e.sendFD)
	if err := e.serviceConnect(); err != nil {
		t.Fatalf("serviceConnect: %v", err)
	}
	second.receive()
	first.expectSilence()
}

func TestStrictModeDropsOtherSenders(t *testing.T) {
	server := newUDPPeer(t)
	e := newTestEngine(t, func(c *Config) {
		c.ConnectPeer = server.addr
		c.ListenStrict = true
	})
	first := newUDPPeer(t)
	second := newUDPPeer(t)

	first.sendTo(e.ListenAddr(), []byte("a"))
	waitReadable(t, e.listenFD)
	if err := e.serviceListen(); err != nil {
		t.Fatalf("serviceListen: %v", err)
	}
	server.receive()

	second.sendTo(e.ListenAddr(), []byte("b"))
	waitReadable(t, e.listenFD)
	if err := e.serviceListen(); err != nil {
		t.Fatalf("serviceListen: %v", err)
	}
	server.expectSilence()

	if snap := e.Snapshot(); snap.PinnedSender != first.addr {
		t.Errorf("pinned sender = %v, want first %v", snap.PinnedSender, first.addr)
	}
}

func TestFixedSenderRejectsEveryoneElse(t *testing.T) {
	server := newUDPPeer(t)
	fixed := netip.MustParseAddrPort("127.0.0.1:1")
	e := newTestEngine(t, func(c *Config) {
		c.ConnectPeer = server.addr
		c.FixedSender = fixed
	})
	client := newUDPPeer(t)

	client.sendTo(e.ListenAddr(), []byte("a"))
	waitReadable(t, e.listenFD)
	if err := e.serviceListen(); err != nil {
		t.Fatalf("serviceListen: %v", err)
	}
	server.expectSilence()

	if snap := e.Snapshot(); snap.PinnedSender != fixed {
		t.Errorf("pinned sender = %v, want fixed %v", snap.PinnedSender, fixed)
	}
}

func TestConnectStrictRejectsForeignSource(t *testing.T) {
	server := newUDPPeer(t)
	intruder := newUDPPeer(t)
	e := newTestEngine(t, func(c *Config) {
		c.ConnectPeer = server.addr
		c.ConnectStrict = true
	})
	client := newUDPPeer(t)

	client.sendTo(e.ListenAddr(), []byte("a"))
	waitReadable(t, e.listenFD)
	if err := e.serviceListen(); err != nil {
		t.Fatalf("serviceListen: %v", err)
	}
	server.receive()

	intruder.sendTo(e.SendAddr(), []byte("spoof"))
	waitReadable(t, e.sendFD)
	if err := e.serviceConnect(); err != nil {
		t.Fatalf("serviceConnect: %v", err)
	}
	client.expectSilence()

	server.sendTo(e.SendAddr(), []byte("real"))
	waitReadable(t, e.sendFD)
	if err := e.serviceConnect(); err != nil {
		t.Fatalf("serviceConnect: %v", err)
	}
	got, _ := client.receive()
	if string(got) != "real" {
		t.Errorf("payload = %q, want %q", got, "real")
	}
}

func TestPayloadFidelity(t *testing.T) {
	server := newUDPPeer(t)
	e := newTestEngine(t, func(c *Config) { c.ConnectPeer = server.addr })
	client := newUDPPeer(t)

	payload := make([]byte, 1200)
	if _, err := rand.Read(payload); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}

	client.sendTo(e.ListenAddr(), payload)
	waitReadable(t, e.listenFD)
	if err := e.serviceListen(); err != nil {
		t.Fatalf("serviceListen: %v", err)
	}

	got, _ := server.receive()
	if !bytes.Equal(got, payload) {
		t.Error("relayed payload differs from original")
	}
}

func TestIterateRelays(t *testing.T) {
	server := newUDPPeer(t)
	e := newTestEngine(t, func(c *Config) { c.ConnectPeer = server.addr })
	client := newUDPPeer(t)

	client.sendTo(e.ListenAddr(), []byte("via poll"))
	waitReadable(t, e.listenFD)
	if err := e.iterate(); err != nil {
		t.Fatalf("iterate: %v", err)
	}

	got, _ := server.receive()
	if string(got) != "via poll" {
		t.Errorf("payload = %q", got)
	}
}

func TestIterateTimeoutIsNotAnError(t *testing.T) {
	server := newUDPPeer(t)
	e := newTestEngine(t, func(c *Config) { c.ConnectPeer = server.addr })

	// This relies on the 1s poll timeout with no traffic.
	if err := e.iterate(); err != nil {
		t.Fatalf("iterate on idle sockets: %v", err)
	}
}

func TestServiceListenEmptySocketIgnored(t *testing.T) {
	server := newUDPPeer(t)
	e := newTestEngine(t, func(c *Config) { c.ConnectPeer = server.addr })

	// Non-blocking receive with nothing queued raises EAGAIN, which the
	// default classification ignores.
	if err := e.serviceListen(); err != nil {
		t.Fatalf("serviceListen on empty socket: %v", err)
	}
}

func TestSnapshotWithoutStats(t *testing.T) {
	server := newUDPPeer(t)
	e := newTestEngine(t, func(c *Config) {
		c.ConnectPeer = server.addr
		c.StatsEnabled = false
	})

	snap := e.Snapshot()
	if snap.ConnectPeer != server.addr {
		t.Errorf("ConnectPeer = %v, want %v", snap.ConnectPeer, server.addr)
	}
	if snap.PinnedSender.IsValid() {
		t.Errorf("PinnedSender = %v, want unset", snap.PinnedSender)
	}
	if snap.Totals != (stats.Totals{}) {
		t.Errorf("Totals = %+v, want zero", snap.Totals)
	}
}

func TestIsRunning(t *testing.T) {
	server := newUDPPeer(t)
	e := newTestEngine(t, func(c *Config) { c.ConnectPeer = server.addr })

	if e.IsRunning() {
		t.Error("engine should not report running before Run")
	}
}
