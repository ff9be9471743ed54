package tcp

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/risa-org/rws/transport"
)

// Frame kinds on the wire. Text and binary match transport.MessageType.
const (
	frameText   byte = 1
	frameBinary byte = 2
	frameClose  byte = 8
)

// MaxFrameSize bounds a single payload so a corrupt length prefix
// cannot make us allocate gigabytes.
const MaxFrameSize = 16 << 20

const (
	DefaultDialTimeout  = 10 * time.Second
	DefaultWriteTimeout = 10 * time.Second
)

// closeGracePeriod bounds how long a locally requested close waits for
// the peer's close frame.
const closeGracePeriod = time.Second

var errFrameTooLarge = errors.New("tcp frame exceeds MaxFrameSize")

// Dialer implements transport.Dialer over a raw TCP connection.
//
// Wire format for each frame:
//
//	[1 byte: kind][4 bytes: payload length uint32 big-endian][N bytes: payload]
//
// We define our own simple framing because TCP is a stream protocol,
// it has no concept of message boundaries. A close frame carries a
// 2 byte code followed by the reason, so both sides learn why the
// connection ended the same way WebSocket peers do.
//
// TCP has no sub-protocol negotiation; the protocols argument is ignored.
type Dialer struct {
	Timeout time.Duration

	// WriteTimeout bounds every frame write. Zero means no deadline.
	WriteTimeout time.Duration
}

func NewDialer() *Dialer {
	return &Dialer{Timeout: DefaultDialTimeout, WriteTimeout: DefaultWriteTimeout}
}

// Dial accepts "host:port" or "tcp://host:port".
func (d *Dialer) Dial(address string, _ []string, events transport.Events) (transport.Handle, error) {
	addr := strings.TrimPrefix(address, "tcp://")
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return nil, fmt.Errorf("tcp address %q: %w", address, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := newHandle(events, cancel, d.WriteTimeout)
	go func() {
		nd := net.Dialer{Timeout: d.Timeout}
		conn, err := nd.DialContext(ctx, "tcp", addr)
		if err != nil {
			if req := h.request(); req != nil {
				h.signalClose(req.code, req.reason)
				return
			}
			h.emitError(fmt.Errorf("tcp dial: %w", err))
			h.signalClose(transport.CloseAbnormal, "")
			return
		}
		h.start(conn)
	}()
	return h, nil
}

// New wraps an already established net.Conn, typically one returned by
// Accept on the serving side. OnOpen fires from the read goroutine.
// Writes use DefaultWriteTimeout.
func New(conn net.Conn, events transport.Events) *Handle {
	h := newHandle(events, func() {}, DefaultWriteTimeout)
	go h.start(conn)
	return h
}

type closeRequest struct {
	code   int
	reason string
}

// Handle is one framed TCP connection.
type Handle struct {
	events       transport.Events
	cancel       context.CancelFunc
	writeTimeout time.Duration

	mu      sync.Mutex
	writeMu sync.Mutex // one writer at a time, frames must not interleave
	conn    net.Conn
	req     *closeRequest
	closed  bool

	closeOnce sync.Once
}

func newHandle(events transport.Events, cancel context.CancelFunc, writeTimeout time.Duration) *Handle {
	return &Handle{events: events, cancel: cancel, writeTimeout: writeTimeout}
}

func (h *Handle) start(conn net.Conn) {
	h.mu.Lock()
	if req := h.req; req != nil {
		h.mu.Unlock()
		h.writeClose(conn, req.code, req.reason)
		conn.Close()
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

	kind := frameText
	if p.Type == transport.MessageBinary {
		kind = frameBinary
	}
	if err := h.writeFrame(conn, kind, p.Data); err != nil {
		return fmt.Errorf("%w: %v", transport.ErrTransportClosed, err)
	}
	return nil
}

// Close writes a close frame in the background and returns at once, so a
// peer that stopped reading cannot stall the caller. The read loop
// finishes when the peer answers, drops the connection, or the grace
// period runs out; closing the socket then also unblocks any stuck write.
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

	// bound how long we wait for the peer's answer
	_ = conn.SetReadDeadline(time.Now().Add(closeGracePeriod))
	go h.writeClose(conn, code, reason)
	return nil
}

func (h *Handle) writeClose(conn net.Conn, code int, reason string) {
	body := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(body, uint16(code))
	copy(body[2:], reason)
	_ = h.writeFrame(conn, frameClose, body)
}

func (h *Handle) writeFrame(conn net.Conn, kind byte, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return errFrameTooLarge
	}

	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	// header and payload go out in one write so a concurrent close
	// can never observe half a frame
	buf := make([]byte, 5+len(payload))
	buf[0] = kind
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(payload)))
	copy(buf[5:], payload)
	if h.writeTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
	}
	_, err := conn.Write(buf)
	return err
}

// readLoop runs in a goroutine and continuously reads frames from the
// connection. When the connection closes it signals close and exits.
func (h *Handle) readLoop(conn net.Conn) {
	for {
		var header [5]byte
		if _, err := io.ReadFull(conn, header[:]); err != nil {
			h.signalClose(h.closeInfo(err))
			return
		}
		size := binary.BigEndian.Uint32(header[1:5])
		if size > MaxFrameSize {
			h.emitError(errFrameTooLarge)
			h.signalClose(transport.CloseAbnormal, "")
			return
		}

		payload := make([]byte, size)
		if _, err := io.ReadFull(conn, payload); err != nil {
			h.signalClose(h.closeInfo(err))
			return
		}

		switch header[0] {
		case frameText, frameBinary:
			p := transport.Payload{Type: transport.MessageText, Data: payload}
			if header[0] == frameBinary {
				p.Type = transport.MessageBinary
			}
			if h.events.OnMessage != nil {
				h.events.OnMessage(p)
			}
		case frameClose:
			code, reason := transport.CloseNoStatus, ""
			if len(payload) >= 2 {
				code = int(binary.BigEndian.Uint16(payload[:2]))
				reason = string(payload[2:])
			}
			// answer the peer unless we started the close ourselves
			if h.request() == nil {
				h.writeClose(conn, code, "")
			}
			h.signalClose(code, reason)
			return
		default:
			h.emitError(fmt.Errorf("tcp: unknown frame kind %d", header[0]))
		}
	}
}

// closeInfo maps a read error onto a close code.
// EOF after a local close request is a clean close; anything else without
// a close frame is an abnormal drop.
func (h *Handle) closeInfo(err error) (int, string) {
	if req := h.request(); req != nil {
		return req.code, req.reason
	}
	if !errors.Is(err, io.EOF) {
		h.emitError(err)
	}
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

// signalClose reports OnClose exactly once and releases the socket.
func (h *Handle) signalClose(code int, reason string) {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		conn := h.conn
		h.mu.Unlock()

		if conn != nil {
			conn.Close()
		}
		h.cancel()
		if h.events.OnClose != nil {
			h.events.OnClose(code, reason)
		}
	})
}
