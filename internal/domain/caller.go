package domain

import (
	"context"
	"encoding/json"
)

// Caller issues one RPC to the gateway and returns its payload.
// Implementations must be safe for concurrent use.
type Caller interface {
	Request(ctx context.Context, method string, params any) (json.RawMessage, error)
}

// CallerFunc adapts a function to the Caller interface.
type CallerFunc func(ctx context.Context, method string, params any) (json.RawMessage, error)

// Request calls f.
func (f CallerFunc) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return f(ctx, method, params)
}
