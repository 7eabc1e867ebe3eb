package gatewaysim

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"
)

// Metrics counts simulator activity for the status and metrics endpoints.
type Metrics struct {
	SessionsTotal     atomic.Int64
	HandshakeFailures atomic.Int64
	RPCCallsTotal     atomic.Int64
	RPCErrorsTotal    atomic.Int64
	EventsSent        atomic.Int64
}

// StatusResponse is the JSON body returned by GET /api/v1/status.
type StatusResponse struct {
	Server   ServerStatus  `json:"server"`
	Sessions SessionStatus `json:"sessions"`
	RPC      RPCStatus     `json:"rpc"`
}

// ServerStatus holds simulator identity and uptime.
type ServerStatus struct {
	Name          string `json:"name"`
	Version       string `json:"version"`
	Protocol      int    `json:"protocol"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// SessionStatus holds session counts.
type SessionStatus struct {
	Active            int   `json:"active"`
	Total             int64 `json:"total"`
	HandshakeFailures int64 `json:"handshake_failures"`
}

// RPCStatus holds request counters.
type RPCStatus struct {
	Methods     []string `json:"methods"`
	CallsTotal  int64    `json:"calls_total"`
	ErrorsTotal int64    `json:"errors_total"`
	EventsSent  int64    `json:"events_sent"`
}

// Metrics returns the live counters.
func (s *Server) Metrics() *Metrics { return &s.metrics }

func (s *Server) status() StatusResponse {
	m := &s.metrics
	return StatusResponse{
		Server: ServerStatus{
			Name:          s.opts.Name,
			Version:       s.opts.Version,
			Protocol:      s.opts.ProtocolVersion,
			UptimeSeconds: int64(time.Since(s.started).Seconds()),
		},
		Sessions: SessionStatus{
			Active:            s.SessionCount(),
			Total:             m.SessionsTotal.Load(),
			HandshakeFailures: m.HandshakeFailures.Load(),
		},
		RPC: RPCStatus{
			Methods:     s.Methods(),
			CallsTotal:  m.RPCCallsTotal.Load(),
			ErrorsTotal: m.RPCErrorsTotal.Load(),
			EventsSent:  m.EventsSent.Load(),
		},
	}
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.status())
}

// metricsHandler serves GET /metrics in the Prometheus text format.
func (s *Server) metricsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	st := s.status()
	metric := func(name, kind, help string, v any) {
		fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s %s\n%s %v\n", name, help, name, kind, name, v)
	}
	metric("gatewaysim_sessions_active", "gauge", "Number of authenticated sessions.", st.Sessions.Active)
	metric("gatewaysim_sessions_total", "counter", "Sessions that completed the handshake.", st.Sessions.Total)
	metric("gatewaysim_handshake_failures_total", "counter", "Rejected handshakes.", st.Sessions.HandshakeFailures)
	metric("gatewaysim_rpc_calls_total", "counter", "Requests dispatched after the handshake.", st.RPC.CallsTotal)
	metric("gatewaysim_rpc_errors_total", "counter", "Requests answered with ok=false.", st.RPC.ErrorsTotal)
	metric("gatewaysim_events_sent_total", "counter", "Event frames queued to sessions.", st.RPC.EventsSent)
	metric("gatewaysim_methods_registered", "gauge", "Number of registered methods.", len(st.RPC.Methods))
	metric("gatewaysim_uptime_seconds", "gauge", "Seconds since the simulator started.", st.Server.UptimeSeconds)
	metric("go_goroutines", "gauge", "Number of goroutines.", runtime.NumGoroutine())
}
