package session

import "github.com/jonboulle/clockwork"

// reconnectPolicy decides whether an unexpected close earns another dial.
// Like heartbeat it runs under the session lock.
type reconnectPolicy struct {
	cfg   ReconnectConfig
	clock clockwork.Clock

	// attempts grows with every scheduled reconnect and is reset only
	// by an explicit Open, so repeated drops share one budget.
	attempts int
	timer    clockwork.Timer
	seq      uint64
}

func newReconnectPolicy(cfg ReconnectConfig, clock clockwork.Clock) *reconnectPolicy {
	return &reconnectPolicy{cfg: cfg, clock: clock}
}

func (r *reconnectPolicy) enabled() bool {
	return r.cfg.Enabled
}

// next consults Retries. On approval it counts the attempt and returns true.
func (r *reconnectPolicy) next() bool {
	if !r.cfg.Retries.allow(r.attempts) {
		return false
	}
	r.attempts++
	return true
}

// schedule arms the one-shot delay, replacing any pending one.
func (r *reconnectPolicy) schedule(fire func(seq uint64)) {
	r.cancel()
	seq := r.seq
	r.timer = r.clock.AfterFunc(r.cfg.Delay, func() { fire(seq) })
}

// cancel drops a pending reconnect.
func (r *reconnectPolicy) cancel() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.seq++
}

func (r *reconnectPolicy) pending() bool {
	return r.timer != nil
}

// fired accepts a timer firing, false when it was cancelled meanwhile.
func (r *reconnectPolicy) fired(seq uint64) bool {
	if r.timer == nil || seq != r.seq {
		return false
	}
	r.timer = nil
	return true
}

func (r *reconnectPolicy) reset() {
	r.cancel()
	r.attempts = 0
}
