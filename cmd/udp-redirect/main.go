// Package main provides the CLI entry point for the udp-redirect
// datagram forwarder.
package main

import (
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/postalsys/udp-redirect/internal/config"
	"github.com/postalsys/udp-redirect/internal/endpoint"
	"github.com/postalsys/udp-redirect/internal/health"
	"github.com/postalsys/udp-redirect/internal/logging"
	"github.com/postalsys/udp-redirect/internal/metrics"
	"github.com/postalsys/udp-redirect/internal/recovery"
	"github.com/postalsys/udp-redirect/internal/redirect"
)

var (
	// Version is set at build time
	Version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "udp-redirect",
		Short: "udp-redirect - Bidirectional UDP datagram forwarder",
		Long: `udp-redirect listens for UDP datagrams on one socket and relays
them unmodified to a fixed destination through a second socket,
passing replies back to the original sender.

The sender may roam (permissive mode) or be locked to a single
endpoint (strict mode). The process runs until killed or until an
unrecoverable socket error occurs.`,
		Version: Version,
	}

	rootCmd.AddCommand(runCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runFlags is the full flag surface of the run subcommand. Flags
// override values from the config file when explicitly set.
type runFlags struct {
	configPath string

	logLevel  string
	logFormat string

	listenAddress   string
	listenPort      int
	listenInterface string
	listenStrict    bool

	connectAddress string
	connectHost    string
	connectPort    int
	connectStrict  bool

	sendAddress   string
	sendPort      int
	sendInterface string

	senderAddress string
	senderPort    int

	ignoreErrors bool
	stopErrors   bool

	stats         bool
	statsInterval time.Duration

	healthAddress string
}

func runCmd() *cobra.Command {
	var f runFlags

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the UDP redirector",
		Long:  "Start forwarding datagrams between the listen endpoint and the connect peer.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := buildConfig(cmd, &f)
			if err != nil {
				return err
			}

			resolved, err := cfg.Resolve(cmd.Context())
			if err != nil {
				return err
			}

			logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)

			eng, err := redirect.New(redirect.Config{
				Listen: endpoint.Config{
					Label:     "listen",
					Address:   resolved.ListenAddr,
					Port:      resolved.ListenPort,
					Interface: resolved.ListenIface,
				},
				Send: endpoint.Config{
					Label:     "send",
					Address:   resolved.SendAddr,
					Port:      resolved.SendPort,
					Interface: resolved.SendIface,
				},
				ConnectPeer:   resolved.ConnectPeer,
				ListenStrict:  resolved.ListenStrict,
				ConnectStrict: resolved.ConnectStrict,
				FixedSender:   resolved.FixedSender,
				IgnoreErrors:  resolved.IgnoreErrors,
				StatsEnabled:  resolved.StatsEnabled,
				StatsInterval: resolved.StatsInterval,
				Logger:        logger,
				Metrics:       metrics.Default(),
			})
			if err != nil {
				return err
			}

			logStartup(logger, resolved, eng)

			var hs *health.Server
			if cfg.Health.Enabled {
				hs = health.NewServer(health.ServerConfig{
					Address:      cfg.Health.Address,
					ReadTimeout:  cfg.Health.ReadTimeout,
					WriteTimeout: cfg.Health.WriteTimeout,
				}, &engineStats{eng: eng})
				if err := hs.Start(); err != nil {
					return fmt.Errorf("start health server: %w", err)
				}
				defer hs.Stop()
				logger.Info("health server listening", "address", hs.Address().String())
			}

			// The forwarding loop runs until the process is killed or a
			// fatal socket error occurs.
			errCh := make(chan error, 1)
			go func() {
				defer recovery.RecoverWithLog(logger, "forwarding loop")
				errCh <- eng.Run()
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case err := <-errCh:
				return err
			case sig := <-sigCh:
				logger.Info("received signal, shutting down", "signal", sig.String())
				return nil
			}
		},
	}

	fl := cmd.Flags()
	fl.StringVarP(&f.configPath, "config", "c", "", "Path to YAML configuration file")

	fl.StringVar(&f.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	fl.StringVar(&f.logFormat, "log-format", "text", "Log format (text, json)")

	fl.StringVar(&f.listenAddress, "listen-address", "", "Listen bind address (default any)")
	fl.IntVar(&f.listenPort, "listen-port", 0, "Listen port (required)")
	fl.StringVar(&f.listenInterface, "listen-interface", "", "Listen bind interface (default any)")
	fl.BoolVar(&f.listenStrict, "listen-address-strict", false, "Only accept packets from the pinned sender")

	fl.StringVar(&f.connectAddress, "connect-address", "", "Remote address to relay packets to")
	fl.StringVar(&f.connectHost, "connect-host", "", "Remote hostname to relay packets to (overrides --connect-address)")
	fl.IntVar(&f.connectPort, "connect-port", 0, "Remote port to relay packets to (required)")
	fl.BoolVar(&f.connectStrict, "connect-address-strict", false, "Only accept replies from the connect peer")

	fl.StringVar(&f.sendAddress, "send-address", "", "Send socket bind address (default any)")
	fl.IntVar(&f.sendPort, "send-port", 0, "Send socket bind port (default OS-chosen)")
	fl.StringVar(&f.sendInterface, "send-interface", "", "Send socket bind interface (default any)")

	fl.StringVar(&f.senderAddress, "listen-sender-address", "", "Fixed sender address (implies strict mode)")
	fl.IntVar(&f.senderPort, "listen-sender-port", 0, "Fixed sender port (implies strict mode)")

	fl.BoolVar(&f.ignoreErrors, "ignore-errors", true, "Log and continue on harmless socket errors")
	fl.BoolVar(&f.stopErrors, "stop-errors", false, "Exit on any socket error (overrides --ignore-errors)")

	fl.BoolVar(&f.stats, "stats", false, "Periodically log forwarding statistics")
	fl.DurationVar(&f.statsInterval, "stats-interval", 60*time.Second, "Delay between statistics displays")

	fl.StringVar(&f.healthAddress, "health-address", "", "Enable the health/metrics HTTP server on this address")

	return cmd
}

// buildConfig merges the optional config file with explicitly set
// flags. Flags win.
func buildConfig(cmd *cobra.Command, f *runFlags) (*config.Config, error) {
	var cfg *config.Config
	if f.configPath != "" {
		loaded, err := config.Load(f.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = config.Default()
	}

	changed := cmd.Flags().Changed

	if changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if changed("log-format") {
		cfg.Log.Format = f.logFormat
	}

	if changed("listen-address") {
		cfg.Listen.Address = f.listenAddress
	}
	if changed("listen-port") {
		cfg.Listen.Port = f.listenPort
	}
	if changed("listen-interface") {
		cfg.Listen.Interface = f.listenInterface
	}
	if changed("listen-address-strict") {
		cfg.Listen.Strict = f.listenStrict
	}

	if changed("connect-address") {
		cfg.Connect.Address = f.connectAddress
	}
	if changed("connect-host") {
		cfg.Connect.Host = f.connectHost
	}
	if changed("connect-port") {
		cfg.Connect.Port = f.connectPort
	}
	if changed("connect-address-strict") {
		cfg.Connect.Strict = f.connectStrict
	}

	if changed("send-address") {
		cfg.Send.Address = f.sendAddress
	}
	if changed("send-port") {
		cfg.Send.Port = f.sendPort
	}
	if changed("send-interface") {
		cfg.Send.Interface = f.sendInterface
	}

	if changed("listen-sender-address") {
		cfg.Sender.Address = f.senderAddress
	}
	if changed("listen-sender-port") {
		cfg.Sender.Port = f.senderPort
	}

	if changed("ignore-errors") {
		cfg.Errors.Ignore = f.ignoreErrors
	}
	if changed("stop-errors") && f.stopErrors {
		cfg.Errors.Ignore = false
	}

	if changed("stats") {
		cfg.Stats.Enabled = f.stats
	}
	if changed("stats-interval") {
		cfg.Stats.Interval = f.statsInterval
	}

	if changed("health-address") {
		cfg.Health.Enabled = true
		cfg.Health.Address = f.healthAddress
	}

	return cfg, nil
}

// logStartup emits the one-time banner describing the resolved
// forwarding setup.
func logStartup(logger *slog.Logger, r *config.Resolved, eng *redirect.Engine) {
	logger.Info("udp-redirect starting",
		"version", Version,
		"listen", eng.ListenAddr().String(),
		"listen_strict", r.ListenStrict,
		"connect", r.ConnectPeer.String(),
		"connect_strict", r.ConnectStrict,
		"send", eng.SendAddr().String(),
		"fixed_sender", addrOrNone(r.FixedSender),
		"ignore_errors", r.IgnoreErrors,
		"stats", r.StatsEnabled)
}

func addrOrNone(ap netip.AddrPort) string {
	if !ap.IsValid() {
		return "none"
	}
	return ap.String()
}

// engineStats adapts the engine snapshot to the health server.
type engineStats struct {
	eng *redirect.Engine
}

func (e *engineStats) IsRunning() bool {
	return e.eng.IsRunning()
}

func (e *engineStats) Stats() health.Stats {
	snap := e.eng.Snapshot()

	s := health.Stats{
		ListenAddr:             snap.ListenAddr.String(),
		SendAddr:               snap.SendAddr.String(),
		ConnectPeer:            snap.ConnectPeer.String(),
		ListenPacketsReceived:  snap.Totals.ListenPacketsReceived,
		ListenPacketsSent:      snap.Totals.ListenPacketsSent,
		ConnectPacketsReceived: snap.Totals.ConnectPacketsReceived,
		ConnectPacketsSent:     snap.Totals.ConnectPacketsSent,
	}
	if snap.PinnedSender.IsValid() {
		s.PinnedSender = snap.PinnedSender.String()
	}
	return s
}
