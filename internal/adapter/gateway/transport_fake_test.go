package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"clawbridge/internal/domain"
)

// fakeTransport is an in-memory Transport. The test plays the gateway:
// it reads what the client wrote from out and feeds replies into in.
type fakeTransport struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (f *fakeTransport) Read(ctx context.Context) ([]byte, error) {
	select {
	case m := <-f.in:
		return m, nil
	case <-f.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeTransport) Write(ctx context.Context, data []byte) error {
	select {
	case <-f.closed:
		return errors.New("write on closed transport")
	default:
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	select {
	case f.out <- buf:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeTransport) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

// send pushes a raw message to the client.
func (f *fakeTransport) send(t *testing.T, data string) {
	t.Helper()
	select {
	case f.in <- []byte(data):
	case <-time.After(time.Second):
		t.Fatal("client did not read message")
	}
}

// reply answers req with a successful response carrying payload.
func (f *fakeTransport) reply(t *testing.T, req domain.Frame, payload any) {
	t.Helper()
	res, err := domain.NewResponseFrame(req.ID, payload)
	require.NoError(t, err)
	data, err := domain.EncodeFrame(res)
	require.NoError(t, err)
	f.send(t, string(data))
}

// replyError answers req with ok=false.
func (f *fakeTransport) replyError(t *testing.T, req domain.Frame, code, msg string) {
	t.Helper()
	data, err := domain.EncodeFrame(domain.NewErrorFrame(req.ID, code, msg))
	require.NoError(t, err)
	f.send(t, string(data))
}

// next returns the next frame the client wrote.
func (f *fakeTransport) next(t *testing.T) domain.Frame {
	t.Helper()
	select {
	case data := <-f.out:
		fr, err := domain.DecodeFrame(data)
		require.NoError(t, err)
		return fr
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client frame")
		return domain.Frame{}
	}
}

// acceptHandshake reads the connect request and accepts it.
func (f *fakeTransport) acceptHandshake(t *testing.T) domain.Frame {
	t.Helper()
	req := f.next(t)
	require.Equal(t, domain.ConnectMethod, req.Method)
	f.reply(t, req, map[string]any{"server": "fake", "protocol": 1})
	return req
}

// fakeDialer hands out fakeTransports and counts dials.
type fakeDialer struct {
	dials atomic.Int32
	gate  chan struct{} // when non-nil, Dial blocks until closed
	err   error
	conns chan *fakeTransport
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(chan *fakeTransport, 8)}
}

func (d *fakeDialer) Dial(ctx context.Context, _ string) (Transport, error) {
	d.dials.Add(1)
	if d.gate != nil {
		select {
		case <-d.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.err != nil {
		return nil, d.err
	}
	tr := newFakeTransport()
	d.conns <- tr
	return tr, nil
}

// conn returns the transport from the next successful dial.
func (d *fakeDialer) conn(t *testing.T) *fakeTransport {
	t.Helper()
	select {
	case tr := <-d.conns:
		return tr
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dial")
		return nil
	}
}

func newTestClient(d Dialer, mutate ...func(*ClientConfig)) *Client {
	cfg := ClientConfig{URL: "ws://fake", Token: "secret", Dialer: d}
	for _, m := range mutate {
		m(&cfg)
	}
	return NewClient(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// connectClient connects c through d and returns the live transport.
func connectClient(t *testing.T, c *Client, d *fakeDialer) *fakeTransport {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- c.Connect(context.Background()) }()
	tr := d.conn(t)
	tr.acceptHandshake(t)
	require.NoError(t, <-errCh)
	require.Equal(t, domain.StateConnected, c.State())
	return tr
}

type callResult struct {
	payload json.RawMessage
	err     error
}

func goRequest(ctx context.Context, c *Client, method string, params any) <-chan callResult {
	ch := make(chan callResult, 1)
	go func() {
		p, err := c.Request(ctx, method, params)
		ch <- callResult{p, err}
	}()
	return ch
}

func await(t *testing.T, ch <-chan callResult) callResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("request did not complete")
		return callResult{}
	}
}
