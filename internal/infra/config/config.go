package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"clawbridge/internal/domain"
)

// DefaultPath is the config file used when neither --config nor
// CLAWBRIDGE_CONFIG names one.
const DefaultPath = "clawbridge.yaml"

// DefaultGatewayURL is the local gateway address.
const DefaultGatewayURL = "ws://127.0.0.1:18789"

// Config is the root configuration.
type Config struct {
	Gateway    GatewayConfig    `yaml:"gateway"`
	Resilience ResilienceConfig `yaml:"resilience"`
	MCP        MCPConfig        `yaml:"mcp"`
	Audit      AuditConfig      `yaml:"audit"`
	Logger     LoggerConfig     `yaml:"logger"`
	Tracer     TracerConfig     `yaml:"tracer"`
	Simulator  SimulatorConfig  `yaml:"simulator"`
}

// GatewayConfig describes the upstream gateway connection.
type GatewayConfig struct {
	URL              string        `yaml:"url"`
	Token            string        `yaml:"token"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	MinProtocol      int           `yaml:"min_protocol"`
	MaxProtocol      int           `yaml:"max_protocol"`
	Client           ClientConfig  `yaml:"client"`
	Role             string        `yaml:"role"`
	Scopes           []string      `yaml:"scopes"`
	// ReadLimit caps one inbound WebSocket message, in bytes.
	ReadLimit int64 `yaml:"read_limit"`
}

// ClientConfig is the identity announced in the handshake.
type ClientConfig struct {
	ID          string `yaml:"id"`
	DisplayName string `yaml:"display_name"`
	Version     string `yaml:"version"`
	Platform    string `yaml:"platform"`
	Mode        string `yaml:"mode"`
}

// ResilienceConfig holds optional protections around gateway calls.
type ResilienceConfig struct {
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
}

// CircuitBreakerConfig configures the gateway circuit breaker.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// RateLimitConfig throttles outgoing gateway calls.
type RateLimitConfig struct {
	Enabled   bool    `yaml:"enabled"`
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// MCPConfig holds the MCP server identity.
type MCPConfig struct {
	Name         string `yaml:"name"`
	Version      string `yaml:"version"`
	Instructions string `yaml:"instructions"`
}

// AuditConfig holds the tool-call audit log settings.
type AuditConfig struct {
	Enabled bool          `yaml:"enabled"`
	Path    string        `yaml:"path"`
	MaxAge  time.Duration `yaml:"max_age"`  // 0 keeps entries forever
	MaxSize string        `yaml:"max_size"` // e.g. "10MB"; empty means no limit
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// SimulatorConfig configures the gatewaysim binary.
type SimulatorConfig struct {
	Addr            string        `yaml:"addr"`
	Tokens          []TokenConfig `yaml:"tokens"`
	ProtocolVersion int           `yaml:"protocol_version"`
	RateLimitPerMin int           `yaml:"rate_limit_per_min"`
	RateLimitBurst  int           `yaml:"rate_limit_burst"`
}

// TokenConfig is one token accepted by the simulator.
// An empty scope list grants whatever the client requests.
type TokenConfig struct {
	Name   string   `yaml:"name"`
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// defaultAuditPath returns $HOME/.clawbridge/audit.jsonl, or a relative
// path when $HOME cannot be determined.
func defaultAuditPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "clawbridge-audit.jsonl"
	}
	return filepath.Join(home, ".clawbridge", "audit.jsonl")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Gateway: GatewayConfig{
			URL:              DefaultGatewayURL,
			HandshakeTimeout: 10 * time.Second,
			RequestTimeout:   60 * time.Second,
			MinProtocol:      domain.DefaultProtocolVersion,
			MaxProtocol:      domain.DefaultProtocolVersion,
			Client: ClientConfig{
				ID:          domain.DefaultClientID,
				DisplayName: domain.DefaultClientDisplayName,
				Version:     domain.DefaultClientVersion,
				Mode:        domain.DefaultClientMode,
			},
			Role:      domain.DefaultRole,
			Scopes:    domain.DefaultScopes(),
			ReadLimit: 16 << 20,
		},
		Resilience: ResilienceConfig{
			CircuitBreaker: CircuitBreakerConfig{
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
			RateLimit: RateLimitConfig{
				PerSecond: 20,
				Burst:     40,
			},
		},
		MCP: MCPConfig{
			Name:    "clawdbot-mcp-bridge",
			Version: "1.0.0",
		},
		Audit: AuditConfig{
			Path: defaultAuditPath(),
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Exporter: "noop",
		},
		Simulator: SimulatorConfig{
			Addr:            "127.0.0.1:18789",
			ProtocolVersion: domain.DefaultProtocolVersion,
		},
	}
}

// ResolvePath picks the config file: the flag value, then CLAWBRIDGE_CONFIG,
// then DefaultPath.
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if v := os.Getenv("CLAWBRIDGE_CONFIG"); v != "" {
		return v
	}
	return DefaultPath
}

// Load reads a YAML config file, applies env var overrides, and decrypts
// secrets. A missing file is not an error: defaults plus env are used.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: read %s: %v", domain.ErrConfigLoad, path, err)
		}
		data = nil
	} else {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolve config path: %w", err)
		}
		if err := validatePermissions(absPath); err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: parse %s: %v", domain.ErrConfigLoad, path, err)
		}
	}

	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("CLAWBRIDGE_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps environment variables to config fields. The gateway
// URL and token keep the CLAWDBOT_* names used by the gateway itself.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CLAWDBOT_GATEWAY_URL"); v != "" {
		cfg.Gateway.URL = v
	}
	if v := os.Getenv("CLAWDBOT_AUTH_TOKEN"); v != "" {
		cfg.Gateway.Token = v
	}
	if v := os.Getenv("CLAWBRIDGE_HANDSHAKE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Gateway.HandshakeTimeout = d
		}
	}
	if v := os.Getenv("CLAWBRIDGE_REQUEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Gateway.RequestTimeout = d
		}
	}
	if v := os.Getenv("CLAWBRIDGE_ROLE"); v != "" {
		cfg.Gateway.Role = v
	}
	if v := os.Getenv("CLAWBRIDGE_SCOPES"); v != "" {
		cfg.Gateway.Scopes = nonEmpty(splitAndTrim(v, ","))
	}
	if v := os.Getenv("CLAWBRIDGE_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("CLAWBRIDGE_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("CLAWBRIDGE_TRACER_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Tracer.Enabled = b
		}
	}
	if v := os.Getenv("CLAWBRIDGE_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("CLAWBRIDGE_AUDIT_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Audit.Enabled = b
		}
	}
	if v := os.Getenv("CLAWBRIDGE_AUDIT_PATH"); v != "" {
		cfg.Audit.Path = v
	}
}

// splitAndTrim splits s by sep and trims whitespace from each element.
func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func nonEmpty(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// decryptSecrets replaces "enc:..." values with their plaintext.
func decryptSecrets(cfg *Config, passphrase string) error {
	if err := decryptField(&cfg.Gateway.Token, passphrase); err != nil {
		return fmt.Errorf("gateway token: %w", err)
	}
	for i := range cfg.Simulator.Tokens {
		if err := decryptField(&cfg.Simulator.Tokens[i].Token, passphrase); err != nil {
			return fmt.Errorf("simulator token %s: %w", cfg.Simulator.Tokens[i].Name, err)
		}
	}
	return nil
}

func decryptField(field *string, passphrase string) error {
	if !strings.HasPrefix(*field, "enc:") {
		return nil
	}
	plain, err := DecryptValue(strings.TrimPrefix(*field, "enc:"), passphrase)
	if err != nil {
		return err
	}
	*field = plain
	return nil
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}

// ParseSize parses a human-readable size such as "512KB", "10MB" or "1GB".
// An empty string is zero.
func ParseSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, nil
	}

	multiplier := int64(1)
	for _, u := range []struct {
		suffix string
		mult   int64
	}{{"GB", 1 << 30}, {"MB", 1 << 20}, {"KB", 1 << 10}, {"B", 1}} {
		if strings.HasSuffix(s, u.suffix) {
			multiplier = u.mult
			s = strings.TrimSuffix(s, u.suffix)
			break
		}
	}

	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse size %q: %w", s, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("size %q is negative", s)
	}
	return n * multiplier, nil
}
