package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/risa-org/rws/transport"
	"nhooyr.io/websocket"
)

const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultWriteTimeout     = 10 * time.Second
)

// Dialer implements transport.Dialer over nhooyr.io/websocket.
// WebSocket already has message boundaries built in,
// so payloads map one-to-one onto frames.
type Dialer struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadLimit        int64 // 0 keeps the library default
	Header           http.Header
	HTTPClient       *http.Client
}

// NewDialer returns a Dialer with default timeouts.
func NewDialer() *Dialer {
	return &Dialer{
		HandshakeTimeout: DefaultHandshakeTimeout,
		WriteTimeout:     DefaultWriteTimeout,
	}
}

// Dial validates the address and starts the handshake in the background.
func (d *Dialer) Dial(address string, protocols []string, events transport.Events) (transport.Handle, error) {
	u, err := url.Parse(address)
	if err != nil {
		return nil, fmt.Errorf("parse websocket address: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return nil, fmt.Errorf("unsupported websocket scheme %q", u.Scheme)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		events:       events,
		writeTimeout: d.WriteTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}

	opts := &websocket.DialOptions{
		Subprotocols: append([]string(nil), protocols...),
		HTTPHeader:   d.Header,
		HTTPClient:   d.HTTPClient,
	}
	go h.run(address, opts, d.HandshakeTimeout, d.ReadLimit)
	return h, nil
}

type closeRequest struct {
	code   int
	reason string
}

// Handle is one nhooyr connection. It owns a read goroutine that runs
// until the connection closes, then reports OnClose exactly once.
type Handle struct {
	events       transport.Events
	writeTimeout time.Duration

	mu     sync.Mutex
	conn   *websocket.Conn
	req    *closeRequest // set by Close, consulted when the read loop exits
	closed bool

	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
}

// Subprotocol returns the sub-protocol the server selected, or "" before open.
func (h *Handle) Subprotocol() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conn == nil {
		return ""
	}
	return h.conn.Subprotocol()
}

func (h *Handle) Send(p transport.Payload) error {
	h.mu.Lock()
	conn, closed := h.conn, h.closed || h.req != nil
	h.mu.Unlock()

	if closed {
		return transport.ErrTransportClosed
	}
	if conn == nil {
		return transport.ErrNotOpen
	}

	ctx := h.ctx
	if h.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(h.ctx, h.writeTimeout)
		defer cancel()
	}

	typ := websocket.MessageText
	if p.Type == transport.MessageBinary {
		typ = websocket.MessageBinary
	}
	if err := conn.Write(ctx, typ, p.Data); err != nil {
		return fmt.Errorf("%w: %v", transport.ErrTransportClosed, err)
	}
	return nil
}

// Close starts the close handshake. Before open it aborts the dial.
// The handshake runs in the background so callers never block on the peer.
func (h *Handle) Close(code int, reason string) error {
	h.mu.Lock()
	if h.req != nil || h.closed {
		h.mu.Unlock()
		return nil
	}
	h.req = &closeRequest{code: code, reason: reason}
	conn := h.conn
	h.mu.Unlock()

	if conn == nil {
		// still dialing, cancelling the context makes Dial return
		h.cancel()
		return nil
	}
	go func() {
		_ = conn.Close(websocket.StatusCode(code), reason)
		h.cancel()
	}()
	return nil
}

func (h *Handle) run(address string, opts *websocket.DialOptions, timeout time.Duration, readLimit int64) {
	dialCtx := h.ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(h.ctx, timeout)
		defer cancel()
	}

	conn, _, err := websocket.Dial(dialCtx, address, opts)
	if err != nil {
		if req := h.request(); req != nil {
			h.signalClose(req.code, req.reason)
			return
		}
		h.emitError(fmt.Errorf("websocket handshake: %w", err))
		h.signalClose(transport.CloseAbnormal, "")
		return
	}
	if readLimit > 0 {
		conn.SetReadLimit(readLimit)
	}

	h.mu.Lock()
	if req := h.req; req != nil {
		// Close raced the handshake, honour it without ever reporting open
		h.mu.Unlock()
		_ = conn.Close(websocket.StatusCode(req.code), req.reason)
		h.signalClose(req.code, req.reason)
		return
	}
	h.conn = conn
	h.mu.Unlock()

	if h.events.OnOpen != nil {
		h.events.OnOpen()
	}
	h.readLoop(conn)
}

func (h *Handle) readLoop(conn *websocket.Conn) {
	for {
		// reads use a background context: cancelling h.ctx mid-read
		// would tear the connection down before the close handshake ends
		typ, data, err := conn.Read(context.Background())
		if err != nil {
			code, reason := h.closeInfo(err)
			h.signalClose(code, reason)
			return
		}

		p := transport.Payload{Type: transport.MessageText, Data: data}
		if typ == websocket.MessageBinary {
			p.Type = transport.MessageBinary
		}
		if h.events.OnMessage != nil {
			h.events.OnMessage(p)
		}
	}
}

// closeInfo maps a read error onto a close code and reason.
// A close frame from the peer wins; otherwise a locally requested close
// is reported as-is, and anything else is an abnormal drop.
func (h *Handle) closeInfo(err error) (int, string) {
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		return int(ce.Code), ce.Reason
	}
	if req := h.request(); req != nil {
		return req.code, req.reason
	}
	h.emitError(err)
	return transport.CloseAbnormal, ""
}

func (h *Handle) request() *closeRequest {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.req
}

func (h *Handle) emitError(err error) {
	if h.events.OnError != nil {
		h.events.OnError(err)
	}
}

// signalClose reports OnClose exactly once and releases the connection.
func (h *Handle) signalClose(code int, reason string) {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		conn := h.conn
		h.mu.Unlock()

		if conn != nil {
			_ = conn.CloseNow()
		}
		h.cancel()
		if h.events.OnClose != nil {
			h.events.OnClose(code, reason)
		}
	})
}
