package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Sentinel errors for the bridge.
var (
	// Connection lifecycle.
	ErrDial             = fmt.Errorf("gateway dial failed")
	ErrHandshake        = fmt.Errorf("gateway handshake failed")
	ErrHandshakeTimeout = fmt.Errorf("gateway handshake timed out")
	ErrConnectionClosed = fmt.Errorf("connection closed")

	// Request path.
	ErrRequestTimeout = fmt.Errorf("request timed out")
	ErrMalformedFrame = fmt.Errorf("malformed frame")
	ErrInvalidParams  = fmt.Errorf("request params must be a JSON object")
	ErrCircuitOpen    = fmt.Errorf("gateway circuit open")
	ErrRateLimit      = fmt.Errorf("rate limit exceeded")

	// Tool catalog / front-end.
	ErrUnknownTool      = fmt.Errorf("unknown tool")
	ErrInvalidArguments = fmt.Errorf("invalid tool arguments")
	ErrDuplicateTool    = fmt.Errorf("duplicate tool")

	// Infrastructure.
	ErrConfigLoad = fmt.Errorf("failed to load configuration")
	ErrDecryption = fmt.Errorf("decryption failed")
	ErrAuditWrite = fmt.Errorf("audit log write failed")

	// Gateway-side (used by the simulator).
	ErrAuthInvalid       = fmt.Errorf("authentication failed")
	ErrNotAuthenticated  = fmt.Errorf("handshake required")
	ErrRPCMethodNotFound = fmt.Errorf("rpc method not found")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Client.Request")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// RemoteError is an application-level failure reported by the gateway in a
// response frame with ok=false. The connection stays usable.
type RemoteError struct {
	Method  string
	Code    string
	Message string
	Details json.RawMessage
}

func (e *RemoteError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "Unknown error"
	}
	if e.Code == "" {
		return msg
	}
	return fmt.Sprintf("%s (%s)", msg, e.Code)
}

// NewRemoteError builds a RemoteError from a response frame's error body.
// A nil body still yields an error so that ok=false is never mistaken for success.
func NewRemoteError(method string, fe *FrameError) *RemoteError {
	if fe == nil {
		return &RemoteError{Method: method}
	}
	return &RemoteError{
		Method:  method,
		Code:    fe.Code,
		Message: fe.Message,
		Details: fe.Details,
	}
}

// IsTransportError reports whether err means the gateway could not be reached
// or did not answer, as opposed to answering with an application error.
func IsTransportError(err error) bool {
	if err == nil {
		return false
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return false
	}
	return errors.Is(err, ErrDial) ||
		errors.Is(err, ErrHandshake) ||
		errors.Is(err, ErrHandshakeTimeout) ||
		errors.Is(err, ErrConnectionClosed) ||
		errors.Is(err, ErrRequestTimeout)
}

// ErrorCode is a machine-parseable error category for logs and audit records.
type ErrorCode string

const (
	CodeUnknown           ErrorCode = "UNKNOWN"
	CodeDial              ErrorCode = "DIAL"
	CodeHandshake         ErrorCode = "HANDSHAKE"
	CodeHandshakeTimeout  ErrorCode = "HANDSHAKE_TIMEOUT"
	CodeConnectionClosed  ErrorCode = "CONNECTION_CLOSED"
	CodeRequestTimeout    ErrorCode = "REQUEST_TIMEOUT"
	CodeMalformedFrame    ErrorCode = "MALFORMED_FRAME"
	CodeInvalidParams     ErrorCode = "INVALID_PARAMS"
	CodeCircuitOpen       ErrorCode = "CIRCUIT_OPEN"
	CodeRateLimit         ErrorCode = "RATE_LIMIT"
	CodeUnknownTool       ErrorCode = "UNKNOWN_TOOL"
	CodeInvalidArguments  ErrorCode = "INVALID_ARGUMENTS"
	CodeDuplicateTool     ErrorCode = "DUPLICATE_TOOL"
	CodeConfigLoad        ErrorCode = "CONFIG_LOAD"
	CodeDecryption        ErrorCode = "DECRYPTION"
	CodeAuditWrite        ErrorCode = "AUDIT_WRITE"
	CodeAuthInvalid       ErrorCode = "AUTH_INVALID"
	CodeNotAuthenticated  ErrorCode = "NOT_AUTHENTICATED"
	CodeRPCMethodNotFound ErrorCode = "METHOD_NOT_FOUND"
	CodeRemote            ErrorCode = "REMOTE"
	CodeCanceled          ErrorCode = "CANCELED"
	CodeDeadlineExceeded  ErrorCode = "DEADLINE_EXCEEDED"
)

// errorCodes maps sentinel errors to their machine-parseable codes. An error
// wrapping several sentinels gets the code of the first one listed, so the
// more specific lifecycle failures come first.
var errorCodes = []struct {
	err  error
	code ErrorCode
}{
	{ErrHandshakeTimeout, CodeHandshakeTimeout},
	{ErrHandshake, CodeHandshake},
	{ErrDial, CodeDial},
	{ErrConnectionClosed, CodeConnectionClosed},
	{ErrRequestTimeout, CodeRequestTimeout},
	{ErrInvalidParams, CodeInvalidParams},
	{ErrMalformedFrame, CodeMalformedFrame},
	{ErrCircuitOpen, CodeCircuitOpen},
	{ErrRateLimit, CodeRateLimit},
	{ErrUnknownTool, CodeUnknownTool},
	{ErrInvalidArguments, CodeInvalidArguments},
	{ErrDuplicateTool, CodeDuplicateTool},
	{ErrConfigLoad, CodeConfigLoad},
	{ErrDecryption, CodeDecryption},
	{ErrAuditWrite, CodeAuditWrite},
	{ErrAuthInvalid, CodeAuthInvalid},
	{ErrNotAuthenticated, CodeNotAuthenticated},
	{ErrRPCMethodNotFound, CodeRPCMethodNotFound},
}

// errorCodeMap is errorCodes indexed for direct sentinel lookup.
var errorCodeMap = func() map[error]ErrorCode {
	m := make(map[error]ErrorCode, len(errorCodes))
	for _, ec := range errorCodes {
		m[ec.err] = ec.code
	}
	return m
}()

// ErrorCodeOf returns the machine-parseable error code for the given error.
// Remote application errors map to CodeRemote; context errors map to their
// own codes. Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	// Fast path: direct sentinel lookup.
	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var re *RemoteError
	if errors.As(err, &re) {
		return CodeRemote
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code, ok := errorCodeMap[de.Err]; ok {
			return code
		}
	}

	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}

	switch {
	case errors.Is(err, context.Canceled):
		return CodeCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return CodeDeadlineExceeded
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
