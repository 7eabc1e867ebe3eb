package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"clawbridge/internal/domain"
	"clawbridge/internal/infra/tracer"
)

// Default timeouts.
const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultRequestTimeout   = 60 * time.Second
)

// ClientConfig configures a gateway Client.
type ClientConfig struct {
	URL              string
	Token            string
	HandshakeTimeout time.Duration
	RequestTimeout   time.Duration
	MinProtocol      int
	MaxProtocol      int
	Identity         domain.ClientIdentity
	Role             string
	Scopes           []string

	// Dialer opens the transport. Defaults to a WebSocketDialer.
	Dialer Dialer
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.MinProtocol == 0 {
		c.MinProtocol = domain.DefaultProtocolVersion
	}
	if c.MaxProtocol == 0 {
		c.MaxProtocol = c.MinProtocol
	}
	if c.Identity.ID == "" {
		c.Identity.ID = domain.DefaultClientID
	}
	if c.Identity.DisplayName == "" {
		c.Identity.DisplayName = domain.DefaultClientDisplayName
	}
	if c.Identity.Version == "" {
		c.Identity.Version = domain.DefaultClientVersion
	}
	if c.Identity.Platform == "" {
		c.Identity.Platform = runtime.GOOS
	}
	if c.Identity.Mode == "" {
		c.Identity.Mode = domain.DefaultClientMode
	}
	if c.Role == "" {
		c.Role = domain.DefaultRole
	}
	if c.Scopes == nil {
		c.Scopes = domain.DefaultScopes()
	}
	if c.Dialer == nil {
		c.Dialer = WebSocketDialer{}
	}
	return c
}

// connectParams builds the handshake params from the config.
func (c ClientConfig) connectParams() domain.ConnectParams {
	return domain.ConnectParams{
		MinProtocol: c.MinProtocol,
		MaxProtocol: c.MaxProtocol,
		Client:      c.Identity,
		Auth:        domain.AuthParams{Token: c.Token},
		Role:        c.Role,
		Scopes:      c.Scopes,
	}
}

// socket is one transport lifetime with its own request table.
type socket struct {
	t       Transport
	table   *requestTable
	writeMu sync.Mutex

	ctx       context.Context // cancelled on close, unblocks the read loop
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (s *socket) write(ctx context.Context, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.t.Write(ctx, data)
}

// connectAttempt is shared by every caller waiting on one connection attempt.
// err is set before done is closed. aborted is guarded by Client.mu and set
// by Close; an aborted attempt never installs its socket.
type connectAttempt struct {
	done    chan struct{}
	err     error
	aborted bool
}

// Client is the gateway Connection Manager: one persistent socket, one
// handshake, many concurrent requests multiplexed by correlation id.
// It never reconnects on its own; the next Request after a disconnect dials again.
type Client struct {
	cfg    ClientConfig
	logger *slog.Logger
	ids    *idGenerator

	mu      sync.Mutex
	state   domain.ConnState
	sock    *socket
	attempt *connectAttempt
	hello   json.RawMessage
}

// NewClient creates a Client. No connection is made until Connect or Request.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg.withDefaults(),
		logger: logger,
		ids:    newIDGenerator(),
	}
}

// State returns the current connection state.
func (c *Client) State() domain.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Hello returns the payload of the last successful handshake, or nil.
func (c *Client) Hello() json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hello == nil {
		return nil
	}
	out := make(json.RawMessage, len(c.hello))
	copy(out, c.hello)
	return out
}

// Pending returns the number of in-flight requests on the current socket.
func (c *Client) Pending() int {
	c.mu.Lock()
	s := c.sock
	c.mu.Unlock()
	if s == nil {
		return 0
	}
	return s.table.len()
}

// Connect establishes the connection if needed. Concurrent callers share one
// attempt and all observe its outcome. Cancelling ctx stops this caller's
// wait but not the attempt itself.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == domain.StateConnected && c.sock != nil {
		c.mu.Unlock()
		return nil
	}
	a := c.attempt
	if a == nil {
		a = &connectAttempt{done: make(chan struct{})}
		c.attempt = a
		c.state = domain.StateConnecting
		go c.runConnect(a)
	}
	c.mu.Unlock()

	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) runConnect(a *connectAttempt) {
	ctx, span := tracer.StartSpan(context.Background(), "gateway.connect")
	defer span.End()
	span.SetAttributes(tracer.KeyGatewayURL.String(c.cfg.URL))

	s, hello, err := c.dialAndHandshake(ctx, a)

	c.mu.Lock()
	if c.attempt == a {
		c.attempt = nil
	}
	if err == nil && (a.aborted || c.sock != s) {
		err = errConnectAborted
	}
	if err == nil {
		c.state = domain.StateConnected
		c.hello = hello
	} else {
		if s != nil && c.sock == s {
			c.sock = nil
		}
		// Close already reset the state, and a newer attempt may own it now.
		if !a.aborted {
			c.state = domain.StateDisconnected
		}
	}
	c.mu.Unlock()

	if err != nil && s != nil {
		c.closeSocket(s, err)
	}
	a.err = err
	close(a.done)

	tracer.Finish(span, err)
	if err != nil {
		c.logger.WarnContext(ctx, "gateway connect failed", "url", c.cfg.URL, "error", err)
		return
	}
	c.logger.InfoContext(ctx, "gateway connected", "url", c.cfg.URL)
}

// dialAndHandshake opens the transport, starts its read loop and runs the
// connect request. The returned socket is non-nil whenever a transport was
// opened, even on failure, so the caller can tear it down. Dial and
// handshake share one HandshakeTimeout deadline.
func (c *Client) dialAndHandshake(ctx context.Context, a *connectAttempt) (*socket, json.RawMessage, error) {
	deadline := time.Now().Add(c.cfg.HandshakeTimeout)
	dialCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	t, err := c.cfg.Dialer.Dial(dialCtx, c.cfg.URL)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, nil, fmt.Errorf("%w after %s: %w: %v", domain.ErrHandshakeTimeout, c.cfg.HandshakeTimeout, domain.ErrDial, err)
		}
		return nil, nil, fmt.Errorf("%w: %v", domain.ErrDial, err)
	}

	sctx, scancel := context.WithCancel(context.Background())
	s := &socket{t: t, table: newRequestTable(), ctx: sctx, cancel: scancel}

	c.mu.Lock()
	if a.aborted {
		c.mu.Unlock()
		scancel()
		_ = t.Close()
		return nil, nil, errConnectAborted
	}
	c.sock = s
	c.mu.Unlock()
	go c.readLoop(s)

	remaining := time.Until(deadline)
	if remaining <= 0 {
		return s, nil, fmt.Errorf("%w after %s", domain.ErrHandshakeTimeout, c.cfg.HandshakeTimeout)
	}
	hello, err := c.roundTrip(ctx, s, c.ids.handshake(), domain.ConnectMethod, c.cfg.connectParams(), remaining)
	if err != nil {
		if errors.Is(err, domain.ErrRequestTimeout) {
			return s, nil, fmt.Errorf("%w after %s", domain.ErrHandshakeTimeout, c.cfg.HandshakeTimeout)
		}
		return s, nil, fmt.Errorf("%w: %w", domain.ErrHandshake, err)
	}
	return s, hello, nil
}

// Request sends one RPC and waits for its response. It connects first when
// needed. The returned error is a *domain.RemoteError when the gateway
// answered ok=false.
func (c *Client) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	ctx, span := tracer.StartSpan(ctx, "gateway.request")
	defer span.End()
	span.SetAttributes(tracer.KeyMethod.String(method))

	payload, err := c.request(ctx, method, params)
	tracer.Finish(span, err)
	return payload, err
}

func (c *Client) request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	s := c.sock
	connected := c.state == domain.StateConnected
	c.mu.Unlock()
	if s == nil || !connected {
		return nil, domain.ErrConnectionClosed
	}

	return c.roundTrip(ctx, s, c.ids.next(), method, params, c.cfg.RequestTimeout)
}

// roundTrip registers a pending request on s, writes the frame and waits for
// the first of response, timeout, ctx cancellation or socket close.
func (c *Client) roundTrip(ctx context.Context, s *socket, id, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	frame, err := domain.NewRequestFrame(id, method, params)
	if err != nil {
		return nil, err
	}
	data, err := domain.EncodeFrame(frame)
	if err != nil {
		return nil, fmt.Errorf("encode request %q: %w", method, err)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := s.table.add(id, method, time.Now().Add(timeout))
	if err != nil {
		return nil, err
	}

	// The write is bounded by the socket and the request timeout, never by
	// the caller: the transport may close the whole connection when a write
	// is interrupted, which would fail every other in-flight request.
	wctx, wcancel := context.WithTimeout(s.ctx, timeout)
	err = s.write(wctx, data)
	wcancel()
	if err != nil {
		if _, ok := s.table.take(id); ok {
			c.closeSocket(s, err)
			return nil, fmt.Errorf("%w: write %s: %v", domain.ErrConnectionClosed, method, err)
		}
		// Already completed by the read loop or a drain.
		r := <-p.ch
		return r.payload, r.err
	}
	c.logger.DebugContext(ctx, "gateway request sent", "method", method, "id", id)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-p.ch:
		return r.payload, r.err
	case <-timer.C:
		if _, ok := s.table.take(id); ok {
			c.logger.WarnContext(ctx, "gateway request timed out", "method", method, "id", id, "timeout", timeout)
			return nil, fmt.Errorf("%w: %s", domain.ErrRequestTimeout, method)
		}
	case <-ctx.Done():
		if _, ok := s.table.take(id); ok {
			return nil, ctx.Err()
		}
	}
	// Lost the race to another completer, which has already sent on p.ch.
	r := <-p.ch
	return r.payload, r.err
}

func (c *Client) readLoop(s *socket) {
	for {
		data, err := s.t.Read(s.ctx)
		if err != nil {
			c.closeSocket(s, err)
			return
		}
		c.handleMessage(s, data)
	}
}

// handleMessage routes one inbound message. Anything that is not a response
// to a pending request is dropped.
func (c *Client) handleMessage(s *socket, data []byte) {
	f, err := domain.DecodeFrame(data)
	if err != nil {
		c.logger.Warn("gateway frame dropped", "error", err)
		return
	}
	if !f.IsResponse() {
		c.logger.Debug("gateway frame ignored", "type", f.Type, "event", f.Event)
		return
	}

	p, ok := s.table.take(f.ID)
	if !ok {
		c.logger.Debug("gateway response unmatched", "id", f.ID)
		return
	}
	if f.Succeeded() {
		p.complete(result{payload: f.ResultPayload()})
		return
	}
	p.complete(result{err: domain.NewRemoteError(p.method, f.Error)})
}

// closeSocket tears s down once: it stops the read loop, closes the
// transport, rejects every pending request and detaches s from the client.
func (c *Client) closeSocket(s *socket, cause error) {
	s.closeOnce.Do(func() {
		s.cancel()
		_ = s.t.Close()
		n := s.table.drain(domain.ErrConnectionClosed)

		c.mu.Lock()
		if c.sock == s {
			c.sock = nil
			if c.state == domain.StateConnected {
				c.state = domain.StateDisconnected
			}
			c.hello = nil
		}
		c.mu.Unlock()

		c.logger.Info("gateway connection closed", "rejected", n, "cause", cause)
	})
}

// Close closes the current socket, failing every pending request with
// domain.ErrConnectionClosed. It is safe to call more than once. The
// client may be connected again afterwards.
func (c *Client) Close() error {
	c.mu.Lock()
	s := c.sock
	c.sock = nil
	if a := c.attempt; a != nil {
		a.aborted = true
		c.attempt = nil
	}
	c.state = domain.StateDisconnected
	c.hello = nil
	c.mu.Unlock()

	if s != nil {
		c.closeSocket(s, errClientClosed)
	}
	return nil
}

var (
	errClientClosed   = errors.New("client closed")
	errConnectAborted = fmt.Errorf("%w: %w", domain.ErrHandshake, domain.ErrConnectionClosed)
)
