package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"clawbridge/internal/domain"
	"clawbridge/internal/infra/config"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

const doctorTimeout = 5 * time.Second

// runDoctor executes all health checks and writes a report to w.
func runDoctor(w io.Writer, cfgPath string) error {
	cfg, cfgErr := config.Load(cfgPath)

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "Gateway token", Fn: checkToken},
		{Name: "Gateway reachable", Fn: checkReachable},
		{Name: "Handshake", Fn: checkHandshake},
		{Name: "Health round trip", Fn: checkHealth},
		{Name: "Audit log", Fn: checkAudit},
	}

	fmt.Fprintln(w, "clawbridge doctor")
	fmt.Fprintln(w, strings.Repeat("=", 50))
	fmt.Fprintln(w)

	var pass, warn, fail int
	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name

		fmt.Fprintf(w, "  %s %s: %s\n", statusIcon(result.Status), result.Name, result.Message)
		if result.Fix != "" {
			fmt.Fprintf(w, "      Fix: %s\n", result.Fix)
		}

		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, strings.Repeat("-", 50))
	fmt.Fprintf(w, "Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)

	if fail > 0 {
		return fmt.Errorf("%d check(s) failed", fail)
	}
	return nil
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return "[PASS]"
	case StatusWarn:
		return "[WARN]"
	case StatusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}

var noConfigResult = CheckResult{Status: StatusFail, Message: "cannot check, config not loaded"}

// checkConfigFile reports whether the config loaded. A missing file is a
// warning because defaults plus environment are a valid setup.
func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config error: %v", cfgErr),
				Fix:     "Check " + cfgPath + " syntax and permissions (0600)",
			}
		}
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("no config file at %s, using defaults and environment", cfgPath),
			}
		}
		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("config loaded from %s", cfgPath),
		}
	}
}

func checkToken(cfg *config.Config) CheckResult {
	if cfg == nil {
		return noConfigResult
	}
	if cfg.Gateway.Token == "" {
		return CheckResult{
			Status:  StatusWarn,
			Message: "no auth token configured",
			Fix:     "Set CLAWDBOT_AUTH_TOKEN or gateway.token",
		}
	}
	if strings.HasPrefix(cfg.Gateway.Token, "enc:") {
		return CheckResult{
			Status:  StatusFail,
			Message: "token is still encrypted",
			Fix:     "Set CLAWBRIDGE_CONFIG_KEY to the passphrase used to encrypt it",
		}
	}
	return CheckResult{Status: StatusPass, Message: "auth token configured"}
}

// gatewayHostPort derives a dialable host:port from a ws:// or wss:// URL.
func gatewayHostPort(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Host == "" {
		return "", fmt.Errorf("no host in %q", raw)
	}
	if u.Port() != "" {
		return u.Host, nil
	}
	port := "80"
	if u.Scheme == "wss" {
		port = "443"
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}

func checkReachable(cfg *config.Config) CheckResult {
	if cfg == nil {
		return noConfigResult
	}
	addr, err := gatewayHostPort(cfg.Gateway.URL)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: err.Error()}
	}
	conn, err := net.DialTimeout("tcp", addr, doctorTimeout)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot reach %s: %v", addr, err),
			Fix:     "Start the gateway or set CLAWDBOT_GATEWAY_URL",
		}
	}
	conn.Close()
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("TCP connect to %s ok", addr)}
}

func doctorClientConfig(g config.GatewayConfig) config.GatewayConfig {
	if g.HandshakeTimeout > doctorTimeout {
		g.HandshakeTimeout = doctorTimeout
	}
	if g.RequestTimeout > doctorTimeout {
		g.RequestTimeout = doctorTimeout
	}
	return g
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func checkHandshake(cfg *config.Config) CheckResult {
	if cfg == nil {
		return noConfigResult
	}
	client := newGatewayClient(doctorClientConfig(cfg.Gateway), quietLogger())
	defer client.Close()

	if err := client.Connect(context.Background()); err != nil {
		res := CheckResult{Status: StatusFail, Message: err.Error()}
		var re *domain.RemoteError
		if errors.As(err, &re) && re.Code == "AUTH_FAILED" {
			res.Fix = "Check CLAWDBOT_AUTH_TOKEN"
		}
		return res
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("connected as %s (%s)", cfg.Gateway.Client.ID, cfg.Gateway.Role),
	}
}

func checkHealth(cfg *config.Config) CheckResult {
	if cfg == nil {
		return noConfigResult
	}
	client := newGatewayClient(doctorClientConfig(cfg.Gateway), quietLogger())
	defer client.Close()

	start := time.Now()
	if _, err := client.Request(context.Background(), "health", nil); err != nil {
		status := StatusFail
		if !domain.IsTransportError(err) {
			// The gateway answered, it just did not like the call.
			status = StatusWarn
		}
		return CheckResult{Status: status, Message: fmt.Sprintf("health: %v", err)}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("health answered in %s", time.Since(start).Round(time.Millisecond)),
	}
}

func checkAudit(cfg *config.Config) CheckResult {
	if cfg == nil {
		return noConfigResult
	}
	if !cfg.Audit.Enabled {
		return CheckResult{Status: StatusPass, Message: "audit disabled"}
	}
	dir := filepath.Dir(cfg.Audit.Path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("cannot create %s: %v", dir, err)}
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("%s not writable: %v", dir, err)}
	}
	f.Close()
	os.Remove(f.Name())
	return CheckResult{Status: StatusPass, Message: "audit log at " + cfg.Audit.Path}
}
