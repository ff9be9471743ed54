package session

import (
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/risa-org/rws/transport"
)

// heartbeat tracks the ping cycle and the pending pong deadline.
// It owns no lock: every method runs with the session lock held.
//
// Timer callbacks are handed a sequence number. Stopping a timer bumps
// the sequence, so a callback that already started and is waiting for
// the lock sees a mismatch and does nothing.
type heartbeat struct {
	cfg   HeartbeatConfig
	clock clockwork.Clock

	// remaining is how much of the current cycle was left at cycleStart.
	// Always within [0, cfg.Interval].
	remaining  time.Duration
	cycleStart time.Time
	cycle      clockwork.Timer
	cycleSeq   uint64

	pong    clockwork.Timer
	pongSeq uint64
}

func newHeartbeat(cfg HeartbeatConfig, clock clockwork.Clock) *heartbeat {
	return &heartbeat{
		cfg:       cfg,
		clock:     clock,
		remaining: cfg.Interval,
	}
}

func (hb *heartbeat) enabled() bool {
	return hb.cfg.Enabled
}

func (hb *heartbeat) running() bool {
	return hb.cycle != nil
}

// resume arms the cycle timer for whatever was left of the cycle.
// No-op when disabled or already running.
func (hb *heartbeat) resume(fire func(seq uint64)) {
	if !hb.cfg.Enabled || hb.cycle != nil {
		return
	}
	hb.arm(hb.remaining, fire)
}

func (hb *heartbeat) arm(d time.Duration, fire func(seq uint64)) {
	hb.cycleSeq++
	seq := hb.cycleSeq
	hb.remaining = d
	hb.cycleStart = hb.clock.Now()
	hb.cycle = hb.clock.AfterFunc(d, func() { fire(seq) })
}

// pause stops the cycle and keeps the unspent part of it, so the next
// resume continues mid-cycle instead of starting a full interval.
func (hb *heartbeat) pause() {
	if hb.cycle == nil {
		return
	}
	hb.cycle.Stop()
	hb.cycle = nil
	hb.cycleSeq++

	left := hb.remaining - hb.clock.Since(hb.cycleStart)
	if left < 0 {
		left = 0
	}
	if left > hb.cfg.Interval {
		left = hb.cfg.Interval
	}
	hb.remaining = left
}

// tick accepts a cycle timer firing and starts the next full cycle.
// It reports false for a stale firing.
func (hb *heartbeat) tick(seq uint64, fire func(seq uint64)) bool {
	if hb.cycle == nil || seq != hb.cycleSeq {
		return false
	}
	hb.arm(hb.cfg.Interval, fire)
	return true
}

// armPong starts the response deadline unless one is already pending.
func (hb *heartbeat) armPong(expire func(seq uint64)) {
	if hb.pong != nil {
		return
	}
	hb.pongSeq++
	seq := hb.pongSeq
	hb.pong = hb.clock.AfterFunc(hb.cfg.PongTimeout, func() { expire(seq) })
}

// resetPong cancels the pending response deadline, if any.
func (hb *heartbeat) resetPong() {
	if hb.pong != nil {
		hb.pong.Stop()
		hb.pong = nil
	}
	hb.pongSeq++
}

func (hb *heartbeat) pongPending() bool {
	return hb.pong != nil
}

// pongExpired accepts a deadline firing. It reports false for a stale one.
func (hb *heartbeat) pongExpired(seq uint64) bool {
	if hb.pong == nil || seq != hb.pongSeq {
		return false
	}
	hb.pong = nil
	return true
}

// filter runs on every inbound payload. Any traffic proves the peer is
// alive; an exact echo of the ping is consumed and reported true.
func (hb *heartbeat) filter(p transport.Payload) bool {
	if !hb.cfg.Enabled {
		return false
	}
	hb.resetPong()
	return p.Equal(hb.cfg.Message)
}
