package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateGateway(cfg, ve)
	validateResilience(cfg, ve)
	validateMCP(cfg, ve)
	validateAudit(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	validateSimulator(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateGateway(cfg *Config, ve *ValidationError) {
	g := cfg.Gateway
	if g.URL == "" {
		ve.Add("gateway.url is required")
	} else if u, err := url.Parse(g.URL); err != nil {
		ve.Add("gateway.url %q is not a valid URL: %v", g.URL, err)
	} else if u.Scheme != "ws" && u.Scheme != "wss" {
		ve.Add("gateway.url %q must use ws:// or wss://", g.URL)
	} else if u.Host == "" {
		ve.Add("gateway.url %q has no host", g.URL)
	}

	if g.HandshakeTimeout <= 0 {
		ve.Add("gateway.handshake_timeout must be positive")
	}
	if g.RequestTimeout <= 0 {
		ve.Add("gateway.request_timeout must be positive")
	}
	if g.MinProtocol < 1 {
		ve.Add("gateway.min_protocol must be at least 1")
	}
	if g.MaxProtocol < g.MinProtocol {
		ve.Add("gateway.max_protocol (%d) must be >= min_protocol (%d)", g.MaxProtocol, g.MinProtocol)
	}
	if g.Client.ID == "" {
		ve.Add("gateway.client.id is required")
	}
	if g.Role == "" {
		ve.Add("gateway.role is required")
	}
	for i, s := range g.Scopes {
		if strings.TrimSpace(s) == "" {
			ve.Add("gateway.scopes[%d] is empty", i)
		}
	}
	if g.ReadLimit < 0 {
		ve.Add("gateway.read_limit must not be negative")
	}
}

func validateResilience(cfg *Config, ve *ValidationError) {
	cb := cfg.Resilience.CircuitBreaker
	if cb.Enabled {
		if cb.MaxFailures == 0 {
			ve.Add("resilience.circuit_breaker.max_failures must be positive")
		}
		if cb.Timeout <= 0 {
			ve.Add("resilience.circuit_breaker.timeout must be positive")
		}
	}
	rl := cfg.Resilience.RateLimit
	if rl.Enabled {
		if rl.PerSecond <= 0 {
			ve.Add("resilience.rate_limit.per_second must be positive")
		}
		if rl.Burst <= 0 {
			ve.Add("resilience.rate_limit.burst must be positive")
		}
	}
}

func validateMCP(cfg *Config, ve *ValidationError) {
	if cfg.MCP.Name == "" {
		ve.Add("mcp.name is required")
	}
	if cfg.MCP.Version == "" {
		ve.Add("mcp.version is required")
	}
}

func validateAudit(cfg *Config, ve *ValidationError) {
	a := cfg.Audit
	if a.Enabled && a.Path == "" {
		ve.Add("audit.path is required when audit is enabled")
	}
	if a.MaxAge < 0 {
		ve.Add("audit.max_age must not be negative")
	}
	if _, err := ParseSize(a.MaxSize); err != nil {
		ve.Add("audit.max_size: %v", err)
	}
}

func validateLogger(cfg *Config, ve *ValidationError) {
	switch strings.ToLower(cfg.Logger.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		ve.Add("logger.level %q is not one of debug, info, warn, error", cfg.Logger.Level)
	}
	switch cfg.Logger.Format {
	case "", "text", "json":
	default:
		ve.Add("logger.format %q must be text or json", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	switch cfg.Tracer.Exporter {
	case "", "noop", "stdout":
	default:
		ve.Add("tracer.exporter %q is not supported (stdout, noop)", cfg.Tracer.Exporter)
	}
}

func validateSimulator(cfg *Config, ve *ValidationError) {
	s := cfg.Simulator
	if s.Addr != "" {
		if _, _, err := net.SplitHostPort(s.Addr); err != nil {
			ve.Add("simulator.addr %q: %v", s.Addr, err)
		}
	}
	seen := make(map[string]bool)
	for i, t := range s.Tokens {
		if t.Token == "" {
			ve.Add("simulator.tokens[%d].token is required", i)
		}
		if t.Name != "" {
			if seen[t.Name] {
				ve.Add("simulator.tokens[%d]: duplicate name %q", i, t.Name)
			}
			seen[t.Name] = true
		}
	}
	if s.RateLimitPerMin < 0 || s.RateLimitBurst < 0 {
		ve.Add("simulator rate limits must not be negative")
	}
}
