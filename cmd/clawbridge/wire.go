package main

import (
	"log/slog"

	"clawbridge/internal/adapter/gateway"
	"clawbridge/internal/domain"
	"clawbridge/internal/infra/config"
	"clawbridge/internal/security"
)

// gatewayClientConfig maps the config file section onto the client config.
func gatewayClientConfig(g config.GatewayConfig) gateway.ClientConfig {
	return gateway.ClientConfig{
		URL:              g.URL,
		Token:            g.Token,
		HandshakeTimeout: g.HandshakeTimeout,
		RequestTimeout:   g.RequestTimeout,
		MinProtocol:      g.MinProtocol,
		MaxProtocol:      g.MaxProtocol,
		Identity: domain.ClientIdentity{
			ID:          g.Client.ID,
			DisplayName: g.Client.DisplayName,
			Version:     g.Client.Version,
			Platform:    g.Client.Platform,
			Mode:        g.Client.Mode,
		},
		Role:   g.Role,
		Scopes: g.Scopes,
		Dialer: gateway.WebSocketDialer{ReadLimit: g.ReadLimit},
	}
}

func newGatewayClient(g config.GatewayConfig, log *slog.Logger) *gateway.Client {
	return gateway.NewClient(gatewayClientConfig(g), log.With("component", "gateway"))
}

// wrapCaller layers the optional rate limiter and circuit breaker around c.
// The limiter sits outside so throttled calls never count against the breaker.
func wrapCaller(c domain.Caller, r config.ResilienceConfig, log *slog.Logger) domain.Caller {
	if r.CircuitBreaker.Enabled {
		c = gateway.NewBreakerCaller(c, gateway.BreakerConfig{
			MaxFailures: r.CircuitBreaker.MaxFailures,
			Timeout:     r.CircuitBreaker.Timeout,
			Interval:    r.CircuitBreaker.Interval,
		}, log)
	}
	if r.RateLimit.Enabled {
		c = gateway.NewLimitedCaller(c, r.RateLimit.PerSecond, r.RateLimit.Burst)
	}
	return c
}

// initAudit opens the audit log, or returns nil when auditing is disabled.
func initAudit(a config.AuditConfig) (*security.FileAuditLogger, error) {
	if !a.Enabled {
		return nil, nil
	}
	maxSize, err := config.ParseSize(a.MaxSize)
	if err != nil {
		return nil, err
	}
	return security.NewFileAuditLogger(a.Path, security.RetentionPolicy{
		MaxAge:  a.MaxAge,
		MaxSize: maxSize,
	})
}
