package session

import "github.com/risa-org/rws/transport"

// sendBuffer is the FIFO of payloads waiting for the next OPEN state.
// Entries leave only after they were sent, in insertion order.
// It is unbounded: buffered sends are never reported as failed.
type sendBuffer struct {
	entries []transport.Payload
}

func newSendBuffer() *sendBuffer {
	return &sendBuffer{}
}

// push appends a payload. The bytes are copied so a caller reusing its
// slice cannot rewrite a message that is already queued.
func (b *sendBuffer) push(p transport.Payload) {
	data := make([]byte, len(p.Data))
	copy(data, p.Data)
	b.entries = append(b.entries, transport.Payload{Type: p.Type, Data: data})
}

// pop drops the oldest entry. Call it only after that entry was sent.
func (b *sendBuffer) pop() {
	if len(b.entries) == 0 {
		return
	}
	b.entries[0] = transport.Payload{} // release the bytes
	b.entries = b.entries[1:]
	if len(b.entries) == 0 {
		b.entries = nil
	}
}

// items returns the queued entries oldest first. The slice is a copy, so
// the caller can send from it without holding the session lock.
func (b *sendBuffer) items() []transport.Payload {
	if len(b.entries) == 0 {
		return nil
	}
	return append([]transport.Payload(nil), b.entries...)
}

// drop removes the n oldest entries once they were sent.
func (b *sendBuffer) drop(n int) {
	for ; n > 0; n-- {
		b.pop()
	}
}

func (b *sendBuffer) len() int {
	return len(b.entries)
}
