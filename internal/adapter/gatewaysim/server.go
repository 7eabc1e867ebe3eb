// Package gatewaysim is an in-process agent gateway that speaks the same
// WebSocket request/response protocol as the real one. It backs the
// gatewaysim binary and the bridge's end-to-end tests.
package gatewaysim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"clawbridge/internal/domain"
	"clawbridge/internal/infra/middleware"
)

// Handler serves one RPC method. The result is marshalled into the response
// payload. Returning a *MethodError controls the error code on the wire.
type Handler func(ctx context.Context, sess *Session, params json.RawMessage) (any, error)

// MethodError is an application error reported to the client with ok=false.
type MethodError struct {
	Code    string
	Message string
}

func (e *MethodError) Error() string { return e.Code + ": " + e.Message }

// Wire error codes.
const (
	CodeMethodNotFound   = "METHOD_NOT_FOUND"
	CodeAuthFailed       = "AUTH_FAILED"
	CodeNotAuthenticated = "NOT_AUTHENTICATED"
	CodeProtocol         = "PROTOCOL_MISMATCH"
	CodeInvalidParams    = "INVALID_PARAMS"
	CodeInternal         = "INTERNAL"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	sendQueueSize           = 64
)

// Options configures a Server.
type Options struct {
	Addr             string
	Auth             Authenticator // nil accepts any token
	ProtocolVersion  int
	HandshakeTimeout time.Duration
	// RateLimitPerMin enables the per-IP HTTP rate limit when positive.
	RateLimitPerMin int
	RateLimitBurst  int
	Name            string
	Version         string
}

// Session is one authenticated client connection.
type Session struct {
	ID      uint64
	Grant   *Grant
	Connect domain.ConnectParams

	ws        *websocket.Conn
	sendCh    chan domain.Frame // buffered outbound queue
	done      chan struct{}
	closeOnce sync.Once
}

func (s *Session) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Server is the simulated gateway.
type Server struct {
	opts       Options
	logger     *slog.Logger
	handlersMu sync.RWMutex
	handlers   map[string]Handler
	sessions   sync.Map // id (uint64) -> *Session
	nextID     atomic.Uint64
	started    time.Time
	metrics    Metrics

	listener net.Listener
	httpSrv  *http.Server
}

// New creates a Server with the built-in health, status and echo methods.
func New(opts Options, logger *slog.Logger) *Server {
	if opts.Auth == nil {
		opts.Auth = OpenAuth{}
	}
	if opts.ProtocolVersion == 0 {
		opts.ProtocolVersion = domain.DefaultProtocolVersion
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.Name == "" {
		opts.Name = "gatewaysim"
	}
	if opts.Version == "" {
		opts.Version = "1.0.0"
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		opts:     opts,
		logger:   logger,
		handlers: make(map[string]Handler),
		started:  time.Now(),
	}
	s.RegisterHandler("health", s.handleHealth)
	s.RegisterHandler("status", s.handleStatus)
	s.RegisterHandler("echo", handleEcho)
	return s
}

// RegisterHandler adds an RPC handler for the given method name.
// Safe to call concurrently with active connections.
func (s *Server) RegisterHandler(method string, h Handler) {
	s.handlersMu.Lock()
	s.handlers[method] = h
	s.handlersMu.Unlock()
}

// Methods returns the registered method names, sorted.
func (s *Server) Methods() []string {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	out := make([]string, 0, len(s.handlers))
	for m := range s.handlers {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Listen binds the listening socket. BoundAddr is valid afterwards.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("gatewaysim listen: %w", err)
	}
	s.listener = ln
	return nil
}

// BoundAddr returns the address the server bound to. Only valid after Listen.
func (s *Server) BoundAddr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// URL returns the WebSocket URL of the bound server.
func (s *Server) URL() string { return "ws://" + s.BoundAddr() + "/ws" }

// Serve accepts connections until ctx is cancelled. Listen must have been called.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		return errors.New("gatewaysim: Serve called before Listen")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("/api/v1/status", s.statusHandler)
	mux.HandleFunc("/metrics", s.metricsHandler)

	mws := []middleware.Middleware{middleware.SecurityHeaders}
	if s.opts.RateLimitPerMin > 0 {
		mws = append(mws, middleware.RateLimit(ctx, s.opts.RateLimitPerMin, s.opts.RateLimitBurst))
	}
	handler := middleware.Chain(mux, mws...)

	s.httpSrv = &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	s.logger.Info("gatewaysim started", "addr", s.BoundAddr())

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	if err := s.httpSrv.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gatewaysim serve: %w", err)
	}
	return nil
}

// Start listens and serves. Blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Stop closes every session and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.sessions.Range(func(key, value any) bool {
		sess := value.(*Session)
		sess.close()
		sess.ws.Close(websocket.StatusGoingAway, "server shutting down")
		s.sessions.Delete(key)
		return true
	})

	if s.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
	return nil
}

// SessionCount returns the number of authenticated sessions.
func (s *Server) SessionCount() int {
	n := 0
	s.sessions.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Broadcast pushes an event frame to every session and returns how many
// sessions accepted it. Slow sessions drop the event.
func (s *Server) Broadcast(event string, payload any) int {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0
	}
	frame := domain.Frame{Type: domain.FrameTypeEvent, Event: event, Payload: raw}
	n := 0
	s.sessions.Range(func(_, value any) bool {
		sess := value.(*Session)
		select {
		case sess.sendCh <- frame:
			n++
			s.metrics.EventsSent.Add(1)
		default:
			s.logger.Warn("gatewaysim: dropped event for slow client", "session", sess.ID)
		}
		return true
	})
	return n
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{
			"localhost",
			"localhost:*",
			"127.0.0.1",
			"127.0.0.1:*",
			"[::1]",
			"[::1]:*",
		},
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	ctx := r.Context()

	sess, err := s.handshake(ctx, ws)
	if err != nil {
		s.metrics.HandshakeFailures.Add(1)
		s.logger.Info("gatewaysim handshake rejected", "remote", r.RemoteAddr, "error", err)
		ws.Close(websocket.StatusPolicyViolation, "handshake failed")
		return
	}
	s.sessions.Store(sess.ID, sess)
	s.metrics.SessionsTotal.Add(1)
	s.logger.Info("gatewaysim client connected", "session", sess.ID, "client", sess.Connect.Client.ID)

	go s.writeLoop(sess)
	s.readLoop(ctx, sess)

	sess.close()
	s.sessions.Delete(sess.ID)
	ws.Close(websocket.StatusNormalClosure, "")
	s.logger.Info("gatewaysim client disconnected", "session", sess.ID)
}

// handshake reads the first frame, which must be a connect request, and
// answers it directly on the socket.
func (s *Server) handshake(ctx context.Context, ws *websocket.Conn) (*Session, error) {
	readCtx, cancel := context.WithTimeout(ctx, s.opts.HandshakeTimeout)
	defer cancel()

	var req domain.Frame
	if err := wsjson.Read(readCtx, ws, &req); err != nil {
		return nil, fmt.Errorf("read connect: %w", err)
	}
	if req.Type != domain.FrameTypeRequest || req.Method != domain.ConnectMethod {
		s.writeDirect(ctx, ws, domain.NewErrorFrame(req.ID, CodeNotAuthenticated, "first request must be connect"))
		return nil, domain.ErrNotAuthenticated
	}

	var params domain.ConnectParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		s.writeDirect(ctx, ws, domain.NewErrorFrame(req.ID, CodeInvalidParams, "invalid connect params"))
		return nil, fmt.Errorf("decode connect params: %w", err)
	}

	grant, err := s.opts.Auth.Authenticate(params)
	if err != nil {
		s.writeDirect(ctx, ws, domain.NewErrorFrame(req.ID, CodeAuthFailed, "invalid token"))
		return nil, err
	}

	v := s.opts.ProtocolVersion
	if params.MinProtocol > v || (params.MaxProtocol != 0 && params.MaxProtocol < v) {
		msg := fmt.Sprintf("server speaks protocol %d, client wants %d..%d", v, params.MinProtocol, params.MaxProtocol)
		s.writeDirect(ctx, ws, domain.NewErrorFrame(req.ID, CodeProtocol, msg))
		return nil, errors.New(msg)
	}

	sess := &Session{
		ID:      s.nextID.Add(1),
		Grant:   grant,
		Connect: params,
		ws:      ws,
		sendCh:  make(chan domain.Frame, sendQueueSize),
		done:    make(chan struct{}),
	}

	hello, err := domain.NewResponseFrame(req.ID, map[string]any{
		"type":     "hello-ok",
		"protocol": v,
		"server":   map[string]string{"name": s.opts.Name, "version": s.opts.Version},
		"session":  sess.ID,
		"methods":  s.Methods(),
		"scopes":   grant.Scopes,
	})
	if err != nil {
		return nil, err
	}
	if err := s.writeDirect(ctx, ws, hello); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *Server) writeDirect(ctx context.Context, ws *websocket.Conn, f domain.Frame) error {
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return wsjson.Write(wctx, ws, f)
}

func (s *Server) readLoop(ctx context.Context, sess *Session) {
	for {
		select {
		case <-sess.done:
			return
		default:
		}

		var frame domain.Frame
		if err := wsjson.Read(ctx, sess.ws, &frame); err != nil {
			return
		}
		if frame.Type != domain.FrameTypeRequest {
			continue
		}

		go s.dispatchRPC(ctx, sess, frame)
	}
}

func (s *Server) writeLoop(sess *Session) {
	for {
		select {
		case <-sess.done:
			return
		case frame := <-sess.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := wsjson.Write(ctx, sess.ws, frame)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) dispatchRPC(ctx context.Context, sess *Session, req domain.Frame) {
	s.metrics.RPCCallsTotal.Add(1)
	s.handlersMu.RLock()
	handler, ok := s.handlers[req.Method]
	s.handlersMu.RUnlock()
	if !ok {
		s.send(sess, domain.NewErrorFrame(req.ID, CodeMethodNotFound, "unknown method: "+req.Method))
		return
	}

	result, err := handler(ctx, sess, req.Params)
	if err != nil {
		var me *MethodError
		if errors.As(err, &me) {
			s.send(sess, domain.NewErrorFrame(req.ID, me.Code, me.Message))
			return
		}
		s.send(sess, domain.NewErrorFrame(req.ID, CodeInternal, err.Error()))
		return
	}

	res, err := domain.NewResponseFrame(req.ID, result)
	if err != nil {
		s.send(sess, domain.NewErrorFrame(req.ID, CodeInternal, err.Error()))
		return
	}
	s.send(sess, res)
}

func (s *Server) send(sess *Session, f domain.Frame) {
	if f.OK != nil && !*f.OK {
		s.metrics.RPCErrorsTotal.Add(1)
	}
	select {
	case sess.sendCh <- f:
	case <-sess.done:
	default:
		s.logger.Warn("gatewaysim: dropped RPC response for slow client", "id", f.ID)
	}
}

// --- built-in methods ---

func (s *Server) handleHealth(_ context.Context, _ *Session, _ json.RawMessage) (any, error) {
	return map[string]any{"ok": true, "ts": time.Now().UnixMilli()}, nil
}

func (s *Server) handleStatus(_ context.Context, sess *Session, _ json.RawMessage) (any, error) {
	return map[string]any{
		"sessions": s.SessionCount(),
		"uptimeMs": time.Since(s.started).Milliseconds(),
		"methods":  s.Methods(),
		"client":   sess.Connect.Client.ID,
		"role":     sess.Grant.Role,
		"scopes":   sess.Grant.Scopes,
		"grantee":  sess.Grant.Name,
	}, nil
}

func handleEcho(_ context.Context, _ *Session, params json.RawMessage) (any, error) {
	if len(params) == 0 {
		return nil, nil
	}
	return params, nil
}
