package domain

import (
	"context"
	"time"
)

// AuditEventType classifies audit log entries.
type AuditEventType string

// AuditToolCall is recorded once per MCP tool invocation.
const AuditToolCall AuditEventType = "tool_call"

// Audit outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// AuditEvent is one line of the call audit log.
type AuditEvent struct {
	Timestamp  time.Time      `json:"timestamp"`
	Type       AuditEventType `json:"type"`
	Tool       string         `json:"tool,omitempty"`
	Method     string         `json:"method,omitempty"`
	Outcome    string         `json:"outcome"`
	DurationMS int64          `json:"duration_ms"`
	ErrorCode  ErrorCode      `json:"error_code,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// NewToolCallEvent builds the audit record for a finished tool call.
func NewToolCallEvent(tool, method string, elapsed time.Duration, callErr error) AuditEvent {
	e := AuditEvent{
		Type:       AuditToolCall,
		Tool:       tool,
		Method:     method,
		Outcome:    OutcomeSuccess,
		DurationMS: elapsed.Milliseconds(),
	}
	if callErr != nil {
		e.Outcome = OutcomeFailure
		e.ErrorCode = ErrorCodeOf(callErr)
		e.Error = callErr.Error()
	}
	return e
}

// AuditLogger writes audit events to a persistent log.
type AuditLogger interface {
	Log(ctx context.Context, event AuditEvent) error
	Close() error
}
