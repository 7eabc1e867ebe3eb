package gatewaysim

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"clawbridge/internal/domain"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startTestServer(t *testing.T, opts Options) *Server {
	t.Helper()
	if opts.Addr == "" {
		opts.Addr = "127.0.0.1:0"
	}
	if opts.Auth == nil {
		opts.Auth = NewStaticTokenAuth([]TokenEntry{{Token: "test-token", Name: "tester"}})
	}
	srv := New(opts, quietLogger())
	if err := srv.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go srv.Serve(ctx)
	t.Cleanup(func() {
		cancel()
		srv.Stop(context.Background())
	})
	return srv
}

func dialWS(t *testing.T, srv *Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, srv.URL(), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close(websocket.StatusNormalClosure, "") })
	return ws
}

func connectFrame(t *testing.T, id, token string) domain.Frame {
	t.Helper()
	f, err := domain.NewRequestFrame(id, domain.ConnectMethod, domain.ConnectParams{
		MinProtocol: 1,
		MaxProtocol: 1,
		Client:      domain.ClientIdentity{ID: "test-client", Mode: "backend"},
		Auth:        domain.AuthParams{Token: token},
		Role:        "operator",
		Scopes:      []string{"operator.read"},
	})
	if err != nil {
		t.Fatalf("connect frame: %v", err)
	}
	return f
}

func roundTrip(t *testing.T, ws *websocket.Conn, req domain.Frame) domain.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, ws, req); err != nil {
		t.Fatalf("write: %v", err)
	}
	var resp domain.Frame
	if err := wsjson.Read(ctx, ws, &resp); err != nil {
		t.Fatalf("read: %v", err)
	}
	return resp
}

// dialAuthed dials and completes the handshake.
func dialAuthed(t *testing.T, srv *Server) *websocket.Conn {
	t.Helper()
	ws := dialWS(t, srv)
	resp := roundTrip(t, ws, connectFrame(t, "handshake-1", "test-token"))
	if !resp.Succeeded() {
		t.Fatalf("handshake rejected: %+v", resp.Error)
	}
	return ws
}

// --- tests ---

func TestServerLifecycle(t *testing.T) {
	srv := startTestServer(t, Options{})
	if srv.BoundAddr() == "" {
		t.Fatal("BoundAddr is empty")
	}

	resp, err := http.Get("http://" + srv.BoundAddr() + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("missing security headers, X-Content-Type-Options = %q", got)
	}
}

func TestServerHandshake(t *testing.T) {
	srv := startTestServer(t, Options{})
	ws := dialWS(t, srv)

	resp := roundTrip(t, ws, connectFrame(t, "handshake-abc", "test-token"))
	if resp.Type != domain.FrameTypeResponse || resp.ID != "handshake-abc" {
		t.Fatalf("unexpected frame: %+v", resp)
	}
	if !resp.Succeeded() {
		t.Fatalf("handshake failed: %+v", resp.Error)
	}

	var hello map[string]any
	if err := json.Unmarshal(resp.Payload, &hello); err != nil {
		t.Fatalf("decode hello: %v", err)
	}
	if hello["type"] != "hello-ok" {
		t.Errorf("hello type = %v", hello["type"])
	}
	if hello["protocol"] != float64(1) {
		t.Errorf("protocol = %v", hello["protocol"])
	}
}

func TestServerAuthReject(t *testing.T) {
	srv := startTestServer(t, Options{})
	ws := dialWS(t, srv)

	resp := roundTrip(t, ws, connectFrame(t, "h", "bad-token"))
	if resp.Succeeded() {
		t.Fatal("expected auth rejection")
	}
	if resp.Error == nil || resp.Error.Code != CodeAuthFailed {
		t.Errorf("error = %+v, want %s", resp.Error, CodeAuthFailed)
	}

	// The server closes the socket after a failed handshake.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var f domain.Frame
	if err := wsjson.Read(ctx, ws, &f); err == nil {
		t.Fatal("expected socket to be closed")
	}
}

func TestServerRequiresConnectFirst(t *testing.T) {
	srv := startTestServer(t, Options{})
	ws := dialWS(t, srv)

	req, _ := domain.NewRequestFrame("req-1", "health", nil)
	resp := roundTrip(t, ws, req)
	if resp.Succeeded() || resp.Error == nil || resp.Error.Code != CodeNotAuthenticated {
		t.Fatalf("expected NOT_AUTHENTICATED, got %+v", resp)
	}
}

func TestServerProtocolMismatch(t *testing.T) {
	srv := startTestServer(t, Options{ProtocolVersion: 3})
	ws := dialWS(t, srv)

	resp := roundTrip(t, ws, connectFrame(t, "h", "test-token"))
	if resp.Succeeded() || resp.Error == nil || resp.Error.Code != CodeProtocol {
		t.Fatalf("expected PROTOCOL_MISMATCH, got %+v", resp)
	}
}

func TestServerRPCRoundtrip(t *testing.T) {
	srv := startTestServer(t, Options{})
	ws := dialAuthed(t, srv)

	req, _ := domain.NewRequestFrame("req-1", "echo", json.RawMessage(`{"msg":"hello"}`))
	resp := roundTrip(t, ws, req)

	if resp.Type != domain.FrameTypeResponse {
		t.Errorf("type = %q", resp.Type)
	}
	if resp.ID != "req-1" {
		t.Errorf("ID = %q", resp.ID)
	}
	if !resp.Succeeded() {
		t.Errorf("error = %+v", resp.Error)
	}
	if string(resp.Payload) != `{"msg":"hello"}` {
		t.Errorf("payload = %s", resp.Payload)
	}
}

func TestServerBuiltins(t *testing.T) {
	srv := startTestServer(t, Options{})
	ws := dialAuthed(t, srv)

	health, _ := domain.NewRequestFrame("req-1", "health", nil)
	resp := roundTrip(t, ws, health)
	if !resp.Succeeded() {
		t.Fatalf("health failed: %+v", resp.Error)
	}

	status, _ := domain.NewRequestFrame("req-2", "status", nil)
	resp = roundTrip(t, ws, status)
	if !resp.Succeeded() {
		t.Fatalf("status failed: %+v", resp.Error)
	}
	var body struct {
		Sessions int      `json:"sessions"`
		Client   string   `json:"client"`
		Scopes   []string `json:"scopes"`
	}
	if err := json.Unmarshal(resp.Payload, &body); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if body.Sessions != 1 || body.Client != "test-client" {
		t.Errorf("status = %+v", body)
	}
	if len(body.Scopes) != 1 || body.Scopes[0] != "operator.read" {
		t.Errorf("scopes = %v", body.Scopes)
	}
}

func TestServerUnknownMethod(t *testing.T) {
	srv := startTestServer(t, Options{})
	ws := dialAuthed(t, srv)

	req, _ := domain.NewRequestFrame("req-2", "nonexistent", nil)
	resp := roundTrip(t, ws, req)

	if resp.Succeeded() {
		t.Fatal("expected error for unknown method")
	}
	if resp.Error == nil || resp.Error.Code != CodeMethodNotFound {
		t.Errorf("error = %+v", resp.Error)
	}
}

func TestServerHandlerError(t *testing.T) {
	srv := startTestServer(t, Options{})
	srv.RegisterHandler("fail", func(context.Context, *Session, json.RawMessage) (any, error) {
		return nil, &MethodError{Code: "BAD_PARAMS", Message: "text is required"}
	})
	srv.RegisterHandler("crash", func(context.Context, *Session, json.RawMessage) (any, error) {
		return nil, errors.New("disk on fire")
	})
	ws := dialAuthed(t, srv)

	req, _ := domain.NewRequestFrame("req-1", "fail", nil)
	resp := roundTrip(t, ws, req)
	if resp.Error == nil || resp.Error.Code != "BAD_PARAMS" || resp.Error.Message != "text is required" {
		t.Errorf("fail error = %+v", resp.Error)
	}

	req, _ = domain.NewRequestFrame("req-2", "crash", nil)
	resp = roundTrip(t, ws, req)
	if resp.Error == nil || resp.Error.Code != CodeInternal {
		t.Errorf("crash error = %+v", resp.Error)
	}
}

func TestServerEventBroadcast(t *testing.T) {
	srv := startTestServer(t, Options{})
	ws := dialAuthed(t, srv)

	deadline := time.Now().Add(2 * time.Second)
	for srv.SessionCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := srv.Broadcast("tick", map[string]int{"n": 1}); n != 1 {
		t.Fatalf("Broadcast delivered to %d sessions, want 1", n)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var frame domain.Frame
	if err := wsjson.Read(ctx, ws, &frame); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if frame.Type != domain.FrameTypeEvent || frame.Event != "tick" {
		t.Errorf("frame = %+v, want tick event", frame)
	}
}

func TestServerConcurrentClients(t *testing.T) {
	srv := startTestServer(t, Options{})
	srv.RegisterHandler("ping", func(context.Context, *Session, json.RawMessage) (any, error) {
		return "pong", nil
	})

	var wg sync.WaitGroup
	errs := make(chan string, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ws := dialAuthed(t, srv)
			req, _ := domain.NewRequestFrame("req-1", "ping", nil)
			resp := roundTrip(t, ws, req)
			if string(resp.Payload) != `"pong"` {
				errs <- string(resp.Payload)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for e := range errs {
		t.Errorf("unexpected payload %s", e)
	}
}

func TestServerDisconnect(t *testing.T) {
	srv := startTestServer(t, Options{})
	ws := dialAuthed(t, srv)

	ws.Close(websocket.StatusNormalClosure, "bye")

	deadline := time.Now().Add(2 * time.Second)
	for srv.SessionCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := srv.SessionCount(); n != 0 {
		t.Fatalf("SessionCount = %d after disconnect", n)
	}
	// Broadcasting to nobody must not panic.
	srv.Broadcast("tick", nil)
}

func TestServerRateLimit(t *testing.T) {
	srv := startTestServer(t, Options{RateLimitPerMin: 1, RateLimitBurst: 1})

	first, err := http.Get("http://" + srv.BoundAddr() + "/healthz")
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	first.Body.Close()
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first status = %d", first.StatusCode)
	}

	second, err := http.Get("http://" + srv.BoundAddr() + "/healthz")
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	second.Body.Close()
	if second.StatusCode != http.StatusTooManyRequests {
		t.Errorf("second status = %d, want 429", second.StatusCode)
	}
}
