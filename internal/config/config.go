// Package config provides configuration parsing and validation for
// udp-redirect.
package config

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete redirector configuration.
type Config struct {
	Log     LogConfig     `yaml:"log"`
	Listen  ListenConfig  `yaml:"listen"`
	Connect ConnectConfig `yaml:"connect"`
	Send    SendConfig    `yaml:"send"`
	Sender  SenderConfig  `yaml:"sender"`
	Errors  ErrorsConfig  `yaml:"errors"`
	Stats   StatsConfig   `yaml:"stats"`
	Health  HealthConfig  `yaml:"health"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// ListenConfig describes the socket that receives packets from the
// initiating peer.
type ListenConfig struct {
	Address   string `yaml:"address"`   // bind address, empty = any
	Port      int    `yaml:"port"`      // required
	Interface string `yaml:"interface"` // bind interface, empty = any
	Strict    bool   `yaml:"strict"`    // only accept packets from the pinned sender
}

// ConnectConfig describes the fixed remote peer listen-side traffic is
// forwarded to. Host, when set, overrides Address and is resolved once
// at startup.
type ConnectConfig struct {
	Address string `yaml:"address"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	Strict  bool   `yaml:"strict"` // only accept packets from the connect peer
}

// SendConfig describes the local socket used to exchange packets with
// the connect peer.
type SendConfig struct {
	Address   string `yaml:"address"`   // bind address, empty = any
	Port      int    `yaml:"port"`      // 0 = OS-chosen
	Interface string `yaml:"interface"` // bind interface, empty = any
}

// SenderConfig optionally fixes the listen-side sender. When set, the
// pinned sender starts as this pair and listen strict mode is implied.
type SenderConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// ErrorsConfig controls runtime error classification.
type ErrorsConfig struct {
	// Ignore logs-and-continues on harmless receive/send errors
	// (unreachable, no buffer space, etc.) instead of exiting.
	Ignore bool `yaml:"ignore"`
}

// StatsConfig controls the periodic statistics display.
type StatsConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// HealthConfig defines the optional health/metrics HTTP server.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Errors: ErrorsConfig{
			Ignore: true,
		},
		Stats: StatsConfig{
			Enabled:  false,
			Interval: 60 * time.Second,
		},
		Health: HealthConfig{
			Enabled:      false,
			Address:      ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := expandEnvVars(string(data))

	// Start with defaults
	cfg := Default()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		// Handle default values: ${VAR:-default}
		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		// Simple lookup
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match // Keep original if not found
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if !isValidLogLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}
	if !isValidLogFormat(c.Log.Format) {
		errs = append(errs, fmt.Sprintf("invalid log.format: %s (must be text or json)", c.Log.Format))
	}

	if c.Listen.Port == 0 {
		errs = append(errs, "listen.port is required")
	}
	if !isValidPort(c.Listen.Port) {
		errs = append(errs, fmt.Sprintf("invalid listen.port: %d", c.Listen.Port))
	}

	if c.Connect.Address == "" && c.Connect.Host == "" {
		errs = append(errs, "connect.address or connect.host is required")
	}
	if c.Connect.Port == 0 {
		errs = append(errs, "connect.port is required")
	}
	if !isValidPort(c.Connect.Port) {
		errs = append(errs, fmt.Sprintf("invalid connect.port: %d", c.Connect.Port))
	}

	if c.Send.Port != 0 && !isValidPort(c.Send.Port) {
		errs = append(errs, fmt.Sprintf("invalid send.port: %d", c.Send.Port))
	}

	if (c.Sender.Address != "" && c.Sender.Port == 0) ||
		(c.Sender.Address == "" && c.Sender.Port != 0) {
		errs = append(errs, "sender.address and sender.port must either both be specified or neither")
	}
	if c.Sender.Port != 0 && !isValidPort(c.Sender.Port) {
		errs = append(errs, fmt.Sprintf("invalid sender.port: %d", c.Sender.Port))
	}

	if c.Stats.Interval < 0 {
		errs = append(errs, "stats.interval must be positive")
	}

	if c.Health.Enabled && c.Health.Address == "" {
		errs = append(errs, "health.address is required when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

func isValidPort(port int) bool {
	return port >= 0 && port <= 65535
}

// Resolved is the fully validated, numeric form of the configuration
// the forwarding engine consumes. All names are resolved; all addresses
// are concrete IPv4 values.
type Resolved struct {
	ListenAddr   netip.Addr // zero value = any
	ListenPort   uint16
	ListenIface  string
	ListenStrict bool

	ConnectPeer   netip.AddrPort
	ConnectStrict bool

	SendAddr  netip.Addr // zero value = any
	SendPort  uint16
	SendIface string

	FixedSender netip.AddrPort // zero value = unset

	IgnoreErrors  bool
	StatsEnabled  bool
	StatsInterval time.Duration
}

// Resolve validates c, performs the one-shot hostname lookup for the
// connect peer, and converts everything to numeric form. Any failure
// here is fatal to startup.
func (c *Config) Resolve(ctx context.Context) (*Resolved, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	r := &Resolved{
		ListenPort:    uint16(c.Listen.Port),
		ListenIface:   c.Listen.Interface,
		ListenStrict:  c.Listen.Strict,
		ConnectStrict: c.Connect.Strict,
		SendPort:      uint16(c.Send.Port),
		SendIface:     c.Send.Interface,
		IgnoreErrors:  c.Errors.Ignore,
		StatsEnabled:  c.Stats.Enabled,
		StatsInterval: c.Stats.Interval,
	}

	var err error
	if c.Listen.Address != "" {
		if r.ListenAddr, err = parseIPv4(c.Listen.Address); err != nil {
			return nil, fmt.Errorf("listen.address: %w", err)
		}
	}
	if c.Send.Address != "" {
		if r.SendAddr, err = parseIPv4(c.Send.Address); err != nil {
			return nil, fmt.Errorf("send.address: %w", err)
		}
	}

	connectAddr := c.Connect.Address
	if c.Connect.Host != "" {
		resolved, err := resolveHost(ctx, c.Connect.Host)
		if err != nil {
			return nil, fmt.Errorf("resolve connect.host %s: %w", c.Connect.Host, err)
		}
		connectAddr = resolved.String()
	}
	caddr, err := parseIPv4(connectAddr)
	if err != nil {
		return nil, fmt.Errorf("connect.address: %w", err)
	}
	r.ConnectPeer = netip.AddrPortFrom(caddr, uint16(c.Connect.Port))

	if c.Sender.Address != "" {
		saddr, err := parseIPv4(c.Sender.Address)
		if err != nil {
			return nil, fmt.Errorf("sender.address: %w", err)
		}
		r.FixedSender = netip.AddrPortFrom(saddr, uint16(c.Sender.Port))
		// A fixed sender implies strict acceptance on the listen side.
		r.ListenStrict = true
	}

	return r, nil
}

// parseIPv4 parses a numeric IPv4 address, unmapping 4-in-6 forms.
func parseIPv4(s string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("invalid address %q: %w", s, err)
	}
	addr = addr.Unmap()
	if !addr.Is4() {
		return netip.Addr{}, fmt.Errorf("address %q is not IPv4", s)
	}
	return addr, nil
}

// resolveHost performs the one-shot name lookup for the connect host.
func resolveHost(ctx context.Context, host string) (netip.Addr, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip4", host)
	if err != nil {
		return netip.Addr{}, err
	}
	if len(addrs) == 0 {
		return netip.Addr{}, fmt.Errorf("no IPv4 address for %s", host)
	}
	return addrs[0].Unmap(), nil
}

// String returns a YAML representation of the config (for debugging).
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}
