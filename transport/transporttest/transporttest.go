// Package transporttest provides a scriptable in-memory transport.
//
// Nothing happens on its own: tests decide when a handle opens, receives,
// errors or closes by calling the matching method, which lets them replay
// any interleaving of notifications deterministically.
package transporttest

import (
	"sync"

	"github.com/risa-org/rws/transport"
)

// CloseCall records one Close request made against a Handle.
type CloseCall struct {
	Code   int
	Reason string
}

// Dialer records every handle it creates.
type Dialer struct {
	mu      sync.Mutex
	handles []*Handle
	err     error
}

func NewDialer() *Dialer {
	return &Dialer{}
}

// FailWith makes subsequent Dial calls return err. Pass nil to recover.
func (d *Dialer) FailWith(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

func (d *Dialer) Dial(address string, protocols []string, events transport.Events) (transport.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	h := &Handle{
		Address:   address,
		Protocols: append([]string(nil), protocols...),
		events:    events,
	}
	d.handles = append(d.handles, h)
	return h, nil
}

// Dials returns how many handles were created.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.handles)
}

// Handle returns the i-th handle, or nil when it does not exist.
func (d *Dialer) Handle(i int) *Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 || i >= len(d.handles) {
		return nil
	}
	return d.handles[i]
}

// Last returns the most recently created handle, or nil.
func (d *Dialer) Last() *Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.handles) == 0 {
		return nil
	}
	return d.handles[len(d.handles)-1]
}

// Live counts handles that were neither asked to close nor reported closed.
func (d *Dialer) Live() int {
	d.mu.Lock()
	handles := append([]*Handle(nil), d.handles...)
	d.mu.Unlock()

	n := 0
	for _, h := range handles {
		if h.live() {
			n++
		}
	}
	return n
}

// Handle is a fake connection. Send succeeds only between Open and close.
type Handle struct {
	Address   string
	Protocols []string

	events transport.Events

	mu         sync.Mutex
	open       bool
	closed     bool
	sent       []transport.Payload
	closeCalls []CloseCall
	sendErr    error
	stall      chan struct{}
	stalled    int
}

// Open fires OnOpen.
func (h *Handle) Open() {
	h.mu.Lock()
	h.open = true
	h.mu.Unlock()
	if h.events.OnOpen != nil {
		h.events.OnOpen()
	}
}

// Receive fires OnMessage.
func (h *Handle) Receive(p transport.Payload) {
	if h.events.OnMessage != nil {
		h.events.OnMessage(p)
	}
}

// Fail fires OnError without closing.
func (h *Handle) Fail(err error) {
	if h.events.OnError != nil {
		h.events.OnError(err)
	}
}

// Drop fires OnClose with the given code. Later calls are ignored, the
// same exactly-once guarantee real transports give.
func (h *Handle) Drop(code int, reason string) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.open = false
	h.mu.Unlock()
	if h.events.OnClose != nil {
		h.events.OnClose(code, reason)
	}
}

// FinishClose completes a requested close by firing OnClose with the
// code passed to the last Close call. No-op if Close was never called.
func (h *Handle) FinishClose() {
	calls := h.CloseCalls()
	if len(calls) == 0 {
		return
	}
	last := calls[len(calls)-1]
	h.Drop(last.Code, last.Reason)
}

// FailSends makes Send return err until called again with nil.
func (h *Handle) FailSends(err error) {
	h.mu.Lock()
	h.sendErr = err
	h.mu.Unlock()
}

// StallSends makes Send block, like a write to a peer that stopped
// reading, until release runs or Close is called.
func (h *Handle) StallSends() (release func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unstallLocked()
	h.stall = make(chan struct{})
	return func() {
		h.mu.Lock()
		h.unstallLocked()
		h.mu.Unlock()
	}
}

func (h *Handle) unstallLocked() {
	if h.stall != nil {
		close(h.stall)
		h.stall = nil
	}
}

// Stalled counts Send calls currently blocked by StallSends.
func (h *Handle) Stalled() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stalled
}

func (h *Handle) Send(p transport.Payload) error {
	h.mu.Lock()
	if stall := h.stall; stall != nil {
		h.stalled++
		h.mu.Unlock()
		<-stall
		h.mu.Lock()
		h.stalled--
	}
	defer h.mu.Unlock()
	if h.closed || len(h.closeCalls) > 0 {
		return transport.ErrTransportClosed
	}
	if !h.open {
		return transport.ErrNotOpen
	}
	if h.sendErr != nil {
		return h.sendErr
	}
	h.sent = append(h.sent, p)
	return nil
}

func (h *Handle) Close(code int, reason string) error {
	h.mu.Lock()
	h.closeCalls = append(h.closeCalls, CloseCall{Code: code, Reason: reason})
	h.unstallLocked()
	h.mu.Unlock()
	return nil
}

// Sent returns a copy of every payload accepted by Send.
func (h *Handle) Sent() []transport.Payload {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]transport.Payload(nil), h.sent...)
}

// SentStrings is Sent flattened to strings, handy for assertions.
func (h *Handle) SentStrings() []string {
	sent := h.Sent()
	out := make([]string, len(sent))
	for i, p := range sent {
		out[i] = string(p.Data)
	}
	return out
}

// CloseCalls returns a copy of every Close request.
func (h *Handle) CloseCalls() []CloseCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]CloseCall(nil), h.closeCalls...)
}

func (h *Handle) live() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.closed && len(h.closeCalls) == 0
}
