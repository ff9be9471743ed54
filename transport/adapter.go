package transport

import (
	"bytes"
	"errors"
)

// ErrTransportClosed is returned when you try to send on a closed transport.
// Named errors like this let callers check the exact cause with errors.Is()
// instead of comparing raw strings.
var ErrTransportClosed = errors.New("transport closed")

// ErrNotOpen is returned when Send is called before the handshake finished.
var ErrNotOpen = errors.New("transport not open")

// Close codes used by the session layer. They mirror RFC 6455 so every
// backend can report the same numbers, even ones without a close handshake.
const (
	CloseNormal         = 1000 // graceful shutdown requested by either side
	CloseGoingAway      = 1001 // peer is shutting down
	CloseNoStatus       = 1005 // close frame carried no code
	CloseAbnormal       = 1006 // connection dropped without a close frame
	CloseInternalError  = 1011 // unexpected condition on the peer
	DefaultCloseMessage = ""
)

// MessageType says how a payload travels on the wire.
type MessageType int

const (
	MessageText   MessageType = iota + 1 // UTF-8 text frame
	MessageBinary                        // opaque binary frame
)

func (t MessageType) String() string {
	switch t {
	case MessageText:
		return "text"
	case MessageBinary:
		return "binary"
	default:
		return "unknown"
	}
}

// Payload is what flows through a transport.
// The transport doesn't interpret the bytes, it just moves them
// from one side to the other with the frame type intact.
type Payload struct {
	Type MessageType
	Data []byte
}

// Text builds a text payload.
func Text(s string) Payload {
	return Payload{Type: MessageText, Data: []byte(s)}
}

// Binary builds a binary payload. The slice is copied so the caller
// may reuse its buffer.
func Binary(b []byte) Payload {
	p := make([]byte, len(b))
	copy(p, b)
	return Payload{Type: MessageBinary, Data: p}
}

// Equal reports whether two payloads have the same type and bytes.
func (p Payload) Equal(other Payload) bool {
	return p.Type == other.Type && bytes.Equal(p.Data, other.Data)
}

func (p Payload) String() string {
	return string(p.Data)
}

// Events are the four asynchronous notifications a handle delivers.
// Any field may be nil. Implementations must never call them from inside
// Dial, Send or Close; they run on the handle's own goroutine.
type Events struct {
	// OnOpen fires once, after the handshake completed.
	OnOpen func()

	// OnClose fires exactly once per handle, for any reason, including a
	// failed handshake or a Close requested locally.
	OnClose func(code int, reason string)

	// OnError reports transport failures. It is always followed by OnClose
	// when the failure is fatal to the connection.
	OnError func(err error)

	// OnMessage delivers inbound payloads in arrival order.
	OnMessage func(p Payload)
}

// Handle is one physical connection to the remote endpoint.
// The session layer only ever talks to this interface,
// it never imports tcp, websocket, or anything concrete.
type Handle interface {
	// Send transmits a payload. It may block on the network but must give
	// up after a bounded time, and must return once Close has torn the
	// connection down.
	// Returns ErrNotOpen before OnOpen and ErrTransportClosed after close.
	Send(p Payload) error

	// Close requests a graceful close with the given code and reason.
	// It must not block on the peer; the handshake runs in the background
	// and ends with OnClose.
	// Safe to call multiple times, subsequent calls are no-ops.
	Close(code int, reason string) error
}

// Dialer creates handles. Dial returns immediately; the connection is
// established in the background and reported through events.
// An error from Dial means no handle exists and no events will fire.
type Dialer interface {
	Dial(address string, protocols []string, events Events) (Handle, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(address string, protocols []string, events Events) (Handle, error)

func (f DialerFunc) Dial(address string, protocols []string, events Events) (Handle, error) {
	return f(address, protocols, events)
}
