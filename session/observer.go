package session

// Observer receives lifecycle events for metrics.
// Methods are called with the session lock held and must not block
// or call back into the Session.
type Observer interface {
	ConnectAttempt()
	Opened()
	Closed(code int)
	ReconnectScheduled(attempt int)
	ReconnectExhausted()
	HeartbeatTimeout()
	BufferDepth(n int)
}

type nopObserver struct{}

func (nopObserver) ConnectAttempt()        {}
func (nopObserver) Opened()                {}
func (nopObserver) Closed(int)             {}
func (nopObserver) ReconnectScheduled(int) {}
func (nopObserver) ReconnectExhausted()    {}
func (nopObserver) HeartbeatTimeout()      {}
func (nopObserver) BufferDepth(int)        {}
