package session

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/risa-org/rws/transport"
)

// Session is a logically continuous channel over a reconnecting transport.
// One of these exists per remote endpoint. It survives any number of
// physical connections, buffering sends while none is open.
//
// All state sits behind mu. Transport events and timer callbacks arrive on
// their own goroutines and take the lock like any caller would; hooks are
// collected while locked and run once the lock is released.
//
// mu is never held across Handle.Send. Writes are serialized by sendMu
// instead, so a peer that stops reading can stall senders but never the
// heartbeat deadline, Status or Close.
type Session struct {
	id     string
	url    string
	dialer transport.Dialer
	cfg    Config
	log    zerolog.Logger
	clock  clockwork.Clock
	obs    Observer

	sendMu sync.Mutex

	mu     sync.Mutex
	status Status

	// handle belongs to generation gen. It stays set after Close is
	// requested (closing=true) until the transport reports the close.
	handle  transport.Handle
	gen     uint64
	closing bool

	explicitlyClosed bool
	data             transport.Payload

	buffer    *sendBuffer
	heartbeat *heartbeat
	reconnect *reconnectPolicy
}

// New builds a Session for url. An empty url is allowed: the session then
// never dials, which callers should treat as a steady CLOSED state.
// With cfg.Immediate the first dial starts before New returns.
func New(url string, dialer transport.Dialer, cfg Config, opts ...Option) *Session {
	cfg = cfg.normalize()
	s := &Session{
		id:     uuid.NewString(),
		url:    url,
		dialer: dialer,
		cfg:    cfg,
		log:    zerolog.Nop(),
		clock:  clockwork.NewRealClock(),
		obs:    nopObserver{},
		status: StatusClosed,
		buffer: newSendBuffer(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With().Str("session_id", s.id).Str("url", url).Logger()
	s.heartbeat = newHeartbeat(cfg.Heartbeat, s.clock)
	s.reconnect = newReconnectPolicy(cfg.Reconnect, s.clock)

	if cfg.Immediate {
		s.Open()
	}
	return s
}

// ID is a random identifier used in logs, stable for the Session's life.
func (s *Session) ID() string {
	return s.id
}

// Status returns the current connection state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Data returns the last application payload received, heartbeat echoes excluded.
func (s *Session) Data() transport.Payload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data
}

// Buffered returns how many payloads wait for the next open connection.
func (s *Session) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffer.len()
}

// Retries returns how many reconnects were scheduled since the last Open.
func (s *Session) Retries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconnect.attempts
}

// Open (re)starts the session. Any existing connection is closed first,
// the retry budget is reset, and a new dial begins.
func (s *Session) Open() {
	var after deferred
	s.mu.Lock()
	s.closeLocked(transport.CloseNormal, transport.DefaultCloseMessage, &after)
	s.explicitlyClosed = false
	s.reconnect.reset()
	s.connectLocked(&after)
	s.mu.Unlock()
	after.run()
}

// Close shuts the session down and suppresses reconnection until Open.
// It cancels heartbeat timers and any pending reconnect. The transport is
// asked to close only if a connection is live, so repeated calls are
// no-ops.
func (s *Session) Close(code int, reason string) {
	var after deferred
	s.mu.Lock()
	s.closeLocked(code, reason, &after)
	s.mu.Unlock()
	after.run()
}

// CloseOnDone closes the session with code 1000 once ctx is done.
// Hosts wire their shutdown signal here; it does nothing unless
// Config.AutoClose is set.
func (s *Session) CloseOnDone(ctx context.Context) {
	if !s.cfg.AutoClose {
		return
	}
	go func() {
		<-ctx.Done()
		s.log.Debug().Msg("host shutting down, closing session")
		s.Close(transport.CloseNormal, transport.DefaultCloseMessage)
	}()
}

// Send transmits p if the connection is open, flushing older buffered
// payloads first. Otherwise p is buffered for the next open connection.
// It returns true only when p went out immediately.
func (s *Session) Send(p transport.Payload) bool {
	return s.send(p, true)
}

// SendText is Send for a text payload.
func (s *Session) SendText(text string) bool {
	return s.send(transport.Text(text), true)
}

// TrySend is Send without buffering: when not open, p is dropped.
func (s *Session) TrySend(p transport.Payload) bool {
	return s.send(p, false)
}

func (s *Session) send(p transport.Payload, useBuffer bool) bool {
	return s.deliver(&p, useBuffer)
}

// flush drains the buffer if the connection is open.
func (s *Session) flush() {
	s.deliver(nil, false)
}

// deliver writes buffered entries and then p (if any) through the live
// handle, keeping order: buffered entries always leave before p, and if
// any of them fails p queues behind them. The handle is written to with
// mu released.
func (s *Session) deliver(p *transport.Payload, useBuffer bool) bool {
	var after deferred
	ok := s.sendPending(p, useBuffer, &after)
	// hooks may send again, so they run once sendMu is free
	after.run()
	return ok
}

func (s *Session) sendPending(p *transport.Payload, useBuffer bool, after *deferred) bool {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.mu.Lock()
	if s.status != StatusOpen || s.handle == nil || s.closing {
		if p != nil && useBuffer {
			s.buffer.push(*p)
			s.obs.BufferDepth(s.buffer.len())
		}
		s.mu.Unlock()
		return false
	}
	h := s.handle
	pending := s.buffer.items()
	s.mu.Unlock()

	// only deliver touches the buffer head, and sendMu is held, so the
	// first len(pending) entries are still ours when the lock comes back
	var (
		sent int
		err  error
	)
	for _, q := range pending {
		if err = h.Send(q); err != nil {
			break
		}
		sent++
	}
	if err == nil && p != nil {
		err = h.Send(*p)
	}

	s.mu.Lock()
	s.buffer.drop(sent)
	if err != nil {
		s.errorHook(h, err, after)
		if sent < len(pending) {
			s.log.Debug().Err(err).Int("pending", len(pending)-sent).Msg("buffer flush interrupted")
		}
		if p != nil && useBuffer {
			s.buffer.push(*p)
		}
	} else if sent > 0 {
		s.log.Debug().Int("flushed", sent).Msg("send buffer flushed")
	}
	if sent > 0 || err != nil {
		s.obs.BufferDepth(s.buffer.len())
	}
	s.mu.Unlock()
	return err == nil
}

// connectLocked dials a new handle unless the session was closed on
// purpose, has no address, or already has a live handle.
func (s *Session) connectLocked(after *deferred) {
	if s.explicitlyClosed || s.url == "" {
		return
	}
	if s.handle != nil && !s.closing {
		return
	}

	s.gen++
	gen := s.gen
	s.handle = nil
	s.closing = false
	s.status = StatusConnecting
	s.obs.ConnectAttempt()
	s.log.Debug().Uint64("gen", gen).Strs("protocols", s.cfg.Protocols).Msg("dialing")

	h, err := s.dialer.Dial(s.url, s.cfg.Protocols, s.eventsFor(gen))
	if err != nil {
		// no handle exists, so play the error and the close ourselves
		s.errorHook(nil, err, after)
		s.handleCloseLocked(transport.CloseAbnormal, err.Error(), after)
		return
	}
	s.handle = h
}

// closeLocked asks the live handle to close and marks the close explicit.
func (s *Session) closeLocked(code int, reason string, after *deferred) {
	s.reconnect.cancel()
	if s.handle == nil || s.closing {
		// nothing live; still honour the request against pending reconnects
		s.explicitlyClosed = true
		return
	}

	s.explicitlyClosed = true
	s.heartbeat.resetPong()
	s.heartbeat.pause()
	s.closing = true

	s.log.Debug().Int("code", code).Str("reason", reason).Msg("closing")
	if err := s.handle.Close(code, reason); err != nil {
		s.errorHook(s.handle, err, after)
	}
}

// eventsFor binds transport events to one generation. Events carrying an
// older generation come from a superseded handle and are dropped.
func (s *Session) eventsFor(gen uint64) transport.Events {
	return transport.Events{
		OnOpen:    func() { s.onOpen(gen) },
		OnClose:   func(code int, reason string) { s.onClose(gen, code, reason) },
		OnError:   func(err error) { s.onError(gen, err) },
		OnMessage: func(p transport.Payload) { s.onMessage(gen, p) },
	}
}

func (s *Session) onOpen(gen uint64) {
	var after deferred
	s.mu.Lock()
	if gen != s.gen || s.handle == nil || s.closing {
		s.mu.Unlock()
		return
	}

	s.status = StatusOpen
	s.obs.Opened()
	s.log.Info().Uint64("gen", gen).Msg("connected")

	h := s.handle
	if hook := s.cfg.Hooks.OnConnected; hook != nil {
		after.add(func() { hook(h) })
	}
	s.heartbeat.resume(s.onHeartbeatTick)
	s.mu.Unlock()

	s.flush()
	after.run()
}

func (s *Session) onClose(gen uint64, code int, reason string) {
	var after deferred
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		s.log.Debug().Uint64("gen", gen).Int("code", code).Msg("ignoring close from superseded handle")
		return
	}
	s.handleCloseLocked(code, reason, &after)
	s.mu.Unlock()
	after.run()
}

// handleCloseLocked is the single close path: transport closes, failed
// dials and heartbeat timeouts all end here.
func (s *Session) handleCloseLocked(code int, reason string, after *deferred) {
	h := s.handle
	s.handle = nil
	s.closing = false
	s.status = StatusClosed
	s.heartbeat.resetPong()
	s.heartbeat.pause()
	s.obs.Closed(code)
	s.log.Info().Int("code", code).Str("reason", reason).Msg("disconnected")

	if hook := s.cfg.Hooks.OnDisconnected; hook != nil {
		after.add(func() { hook(h, code, reason) })
	}

	if s.explicitlyClosed || !s.reconnect.enabled() {
		return
	}
	if !s.reconnect.next() {
		s.obs.ReconnectExhausted()
		s.log.Warn().Int("attempts", s.reconnect.attempts).Msg("reconnect attempts exhausted")
		if onFailed := s.cfg.Reconnect.OnFailed; onFailed != nil {
			after.add(onFailed)
		}
		return
	}
	s.obs.ReconnectScheduled(s.reconnect.attempts)
	s.log.Debug().
		Int("attempt", s.reconnect.attempts).
		Dur("delay", s.cfg.Reconnect.Delay).
		Msg("reconnect scheduled")
	s.reconnect.schedule(s.onReconnectTimer)
}

func (s *Session) onError(gen uint64, err error) {
	var after deferred
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.errorHook(s.handle, err, &after)
	s.mu.Unlock()
	after.run()
}

func (s *Session) onMessage(gen uint64, p transport.Payload) {
	var after deferred
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	if s.heartbeat.filter(p) {
		s.mu.Unlock()
		return
	}
	s.data = p
	h := s.handle
	if hook := s.cfg.Hooks.OnMessage; hook != nil {
		after.add(func() { hook(h, p) })
	}
	s.mu.Unlock()
	after.run()
}

// onHeartbeatTick arms the pong deadline and sends the ping, never
// buffered. The deadline is armed first so a ping stuck behind a
// stalled write still times out.
func (s *Session) onHeartbeatTick(seq uint64) {
	s.mu.Lock()
	if !s.heartbeat.tick(seq, s.onHeartbeatTick) {
		s.mu.Unlock()
		return
	}
	s.heartbeat.armPong(s.onPongTimeout)
	ping := s.cfg.Heartbeat.Message
	s.mu.Unlock()

	s.TrySend(ping)
}

// onPongTimeout forces the connection closed without marking the close
// explicit, so the reconnect policy treats it like any other drop.
func (s *Session) onPongTimeout(seq uint64) {
	var after deferred
	s.mu.Lock()
	if !s.heartbeat.pongExpired(seq) {
		s.mu.Unlock()
		return
	}
	s.obs.HeartbeatTimeout()
	s.log.Warn().Dur("pong_timeout", s.cfg.Heartbeat.PongTimeout).Msg("heartbeat timed out, forcing close")
	s.closeLocked(transport.CloseNormal, transport.DefaultCloseMessage, &after)
	s.explicitlyClosed = false
	s.mu.Unlock()
	after.run()
}

func (s *Session) onReconnectTimer(seq uint64) {
	var after deferred
	s.mu.Lock()
	if !s.reconnect.fired(seq) {
		s.mu.Unlock()
		return
	}
	s.connectLocked(&after)
	s.mu.Unlock()
	after.run()
}

func (s *Session) errorHook(h transport.Handle, err error, after *deferred) {
	s.log.Debug().Err(err).Msg("transport error")
	if hook := s.cfg.Hooks.OnError; hook != nil {
		after.add(func() { hook(h, err) })
	}
}

// deferred collects hook calls made while the lock is held.
type deferred []func()

func (d *deferred) add(f func()) {
	*d = append(*d, f)
}

func (d deferred) run() {
	for _, f := range d {
		f()
	}
}
