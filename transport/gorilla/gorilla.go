package gorilla

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/risa-org/rws/transport"
)

const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultWriteTimeout     = 10 * time.Second
	closeGracePeriod        = time.Second
)

// Dialer implements transport.Dialer over gorilla/websocket.
type Dialer struct {
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
	ReadLimit         int64
	EnableCompression bool
	Header            http.Header
}

func NewDialer() *Dialer {
	return &Dialer{
		HandshakeTimeout: DefaultHandshakeTimeout,
		WriteTimeout:     DefaultWriteTimeout,
	}
}

func (d *Dialer) Dial(address string, protocols []string, events transport.Events) (transport.Handle, error) {
	if address == "" {
		return nil, errors.New("gorilla: empty address")
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		events:       events,
		writeTimeout: d.WriteTimeout,
		cancel:       cancel,
	}

	dialer := websocket.Dialer{
		Proxy:             http.ProxyFromEnvironment,
		HandshakeTimeout:  d.HandshakeTimeout,
		Subprotocols:      append([]string(nil), protocols...),
		EnableCompression: d.EnableCompression,
	}
	go h.run(ctx, &dialer, address, d.Header, d.ReadLimit)
	return h, nil
}

type closeRequest struct {
	code   int
	reason string
}

// Handle is one gorilla connection. gorilla allows one concurrent writer,
// so data frames go through writeMu; control frames may interleave.
type Handle struct {
	events       transport.Events
	writeTimeout time.Duration
	cancel       context.CancelFunc

	mu      sync.Mutex
	writeMu sync.Mutex
	conn    *websocket.Conn
	req     *closeRequest
	closed  bool

	closeOnce sync.Once
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

	typ := websocket.TextMessage
	if p.Type == transport.MessageBinary {
		typ = websocket.BinaryMessage
	}

	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if h.writeTimeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(h.writeTimeout)); err != nil {
			return fmt.Errorf("%w: %v", transport.ErrTransportClosed, err)
		}
	}
	if err := conn.WriteMessage(typ, p.Data); err != nil {
		return fmt.Errorf("%w: %v", transport.ErrTransportClosed, err)
	}
	return nil
}

// Close sends a close frame in the background and gives the peer
// closeGracePeriod to answer before the read loop is cut off. It never
// waits on the network.
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
		h.cancel()
		return nil
	}

	deadline := time.Now().Add(closeGracePeriod)
	_ = conn.SetReadDeadline(deadline)
	go func() {
		err := conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			// peer is already gone, drop the socket so the read loop exits
			_ = conn.Close()
		}
	}()
	return nil
}

func (h *Handle) run(ctx context.Context, dialer *websocket.Dialer, address string, header http.Header, readLimit int64) {
	conn, resp, err := dialer.DialContext(ctx, address, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if req := h.request(); req != nil {
			h.signalClose(req.code, req.reason)
			return
		}
		if resp != nil {
			err = fmt.Errorf("websocket handshake: status=%d: %w", resp.StatusCode, err)
		} else {
			err = fmt.Errorf("websocket handshake: %w", err)
		}
		h.emitError(err)
		h.signalClose(transport.CloseAbnormal, "")
		return
	}
	if readLimit > 0 {
		conn.SetReadLimit(readLimit)
	}

	h.mu.Lock()
	if req := h.req; req != nil {
		h.mu.Unlock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(req.code, req.reason), time.Now().Add(closeGracePeriod))
		_ = conn.Close()
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
		typ, data, err := conn.ReadMessage()
		if err != nil {
			code, reason := h.closeInfo(err)
			h.signalClose(code, reason)
			return
		}

		p := transport.Payload{Type: transport.MessageText, Data: data}
		if typ == websocket.BinaryMessage {
			p.Type = transport.MessageBinary
		}
		if h.events.OnMessage != nil {
			h.events.OnMessage(p)
		}
	}
}

func (h *Handle) closeInfo(err error) (int, string) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text
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

func (h *Handle) signalClose(code int, reason string) {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		conn := h.conn
		h.mu.Unlock()

		if conn != nil {
			_ = conn.Close()
		}
		h.cancel()
		if h.events.OnClose != nil {
			h.events.OnClose(code, reason)
		}
	})
}
