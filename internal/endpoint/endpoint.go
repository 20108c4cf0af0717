// Package endpoint creates the bound, non-blocking UDP sockets the
// forwarding engine multiplexes. Sockets are opened once at startup and
// owned by the engine for the process lifetime.
package endpoint

import (
	"fmt"
	"log/slog"
	"net/netip"

	"golang.org/x/sys/unix"

	"github.com/postalsys/udp-redirect/internal/logging"
)

// Config describes one UDP socket to create.
type Config struct {
	// Label identifies the socket in diagnostics ("listen", "send").
	Label string

	// Address is the local IPv4 address to bind; the zero Addr means
	// INADDR_ANY.
	Address netip.Addr

	// Port is the local port to bind; 0 lets the OS choose.
	Port uint16

	// Interface is the OS interface name to bind to, or empty for all
	// interfaces.
	Interface string
}

// Open creates a non-blocking IPv4 UDP socket per cfg, with address
// reuse enabled, and returns the descriptor and its resolved local
// (address, port). Every failure here is a startup-time, non-recoverable
// condition: the caller is expected to exit.
func Open(cfg Config, logger *slog.Logger) (int, netip.AddrPort, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return -1, netip.AddrPort{}, fmt.Errorf("create %s socket: %w", cfg.Label, err)
	}

	if cfg.Interface != "" {
		logger.Debug("binding socket to interface",
			logging.KeyEndpoint, cfg.Label,
			"interface", cfg.Interface)
		if err := unix.BindToDevice(fd, cfg.Interface); err != nil {
			unix.Close(fd)
			return -1, netip.AddrPort{}, fmt.Errorf("bind %s socket to interface %s: %w", cfg.Label, cfg.Interface, err)
		}
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, netip.AddrPort{}, fmt.Errorf("set %s socket SO_REUSEADDR: %w", cfg.Label, err)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, netip.AddrPort{}, fmt.Errorf("set %s socket non-blocking: %w", cfg.Label, err)
	}

	sa := &unix.SockaddrInet4{Port: int(cfg.Port)}
	if cfg.Address.IsValid() {
		if !cfg.Address.Is4() {
			unix.Close(fd)
			return -1, netip.AddrPort{}, fmt.Errorf("%s address %s is not IPv4", cfg.Label, cfg.Address)
		}
		sa.Addr = cfg.Address.As4()
	}

	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, netip.AddrPort{}, fmt.Errorf("bind %s socket: %w", cfg.Label, err)
	}

	name, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return -1, netip.AddrPort{}, fmt.Errorf("get %s socket name: %w", cfg.Label, err)
	}
	sa4, ok := name.(*unix.SockaddrInet4)
	if !ok {
		unix.Close(fd)
		return -1, netip.AddrPort{}, fmt.Errorf("%s socket name is not IPv4", cfg.Label)
	}

	local := netip.AddrPortFrom(netip.AddrFrom4(sa4.Addr), uint16(sa4.Port))

	logger.Info("socket ready",
		logging.KeyEndpoint, cfg.Label,
		logging.KeyLocalAddr, local.String())

	return fd, local, nil
}

// AddrPortFromSockaddr converts a recvfrom source address to a
// netip.AddrPort. Non-IPv4 sources report ok = false.
func AddrPortFromSockaddr(sa unix.Sockaddr) (netip.AddrPort, bool) {
	sa4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(netip.AddrFrom4(sa4.Addr), uint16(sa4.Port)), true
}

// SockaddrFromAddrPort converts a peer address to the sendto form.
func SockaddrFromAddrPort(ap netip.AddrPort) *unix.SockaddrInet4 {
	sa := &unix.SockaddrInet4{Port: int(ap.Port())}
	sa.Addr = ap.Addr().As4()
	return sa
}
