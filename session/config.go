package session

import (
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/risa-org/rws/transport"
)

const (
	DefaultHeartbeatInterval = time.Second
	DefaultPongTimeout       = time.Second
	DefaultReconnectDelay    = time.Second
	DefaultHeartbeatMessage  = "ping"
)

// Config controls one Session. Start from DefaultConfig and override
// fields; zero durations fall back to the defaults above.
type Config struct {
	// Immediate opens the connection inside New.
	Immediate bool

	// AutoClose lets CloseOnDone close the session when the host shuts down.
	AutoClose bool

	// Protocols is the ordered list of sub-protocols offered on every dial.
	Protocols []string

	Heartbeat HeartbeatConfig
	Reconnect ReconnectConfig
	Hooks     Hooks
}

// HeartbeatConfig configures liveness probing. Disabled by default.
type HeartbeatConfig struct {
	Enabled bool

	// Message is the heartbeat ping. Inbound payloads equal to it are treated as
	// echoes and never reach OnMessage.
	Message transport.Payload

	Interval    time.Duration
	PongTimeout time.Duration
}

// ReconnectConfig configures the retry policy. Disabled by default.
type ReconnectConfig struct {
	Enabled bool

	// Retries bounds attempts. The zero value retries forever.
	Retries Retries

	// Delay is fixed between attempts, no backoff and no jitter.
	Delay time.Duration

	// OnFailed runs once when Retries refuses another attempt.
	OnFailed func()
}

// Retries is either a count or a predicate.
// Build one with RetryCount, RetryForever or RetryWhile.
type Retries struct {
	set   bool
	limit int
	while func() bool
}

// RetryCount allows n reconnects per episode. Negative n means unlimited.
func RetryCount(n int) Retries {
	return Retries{set: true, limit: n}
}

// RetryForever never gives up.
func RetryForever() Retries {
	return RetryCount(-1)
}

// RetryWhile asks fn before every attempt. A nil fn never retries.
func RetryWhile(fn func() bool) Retries {
	return Retries{set: true, while: fn}
}

// allow reports whether another attempt may run after `attempts`
// have already been made.
func (r Retries) allow(attempts int) bool {
	if !r.set {
		return true
	}
	if r.while != nil {
		return r.while()
	}
	if r.limit < 0 {
		return true
	}
	// RetryWhile(nil) lands here with limit 0 and never retries
	return attempts < r.limit
}

// Hooks are optional callbacks. Each receives the handle that produced
// the event; it may be nil when a dial failed before a handle existed.
// Hooks run after the session lock is released and may call back into
// the Session.
type Hooks struct {
	OnConnected    func(h transport.Handle)
	OnDisconnected func(h transport.Handle, code int, reason string)
	OnError        func(h transport.Handle, err error)
	OnMessage      func(h transport.Handle, p transport.Payload)
}

// DefaultConfig returns the documented defaults: open immediately,
// close on host shutdown, no heartbeat, no reconnect.
func DefaultConfig() Config {
	return Config{
		Immediate: true,
		AutoClose: true,
		Heartbeat: HeartbeatConfig{
			Message:     transport.Text(DefaultHeartbeatMessage),
			Interval:    DefaultHeartbeatInterval,
			PongTimeout: DefaultPongTimeout,
		},
		Reconnect: ReconnectConfig{
			Retries: RetryForever(),
			Delay:   DefaultReconnectDelay,
		},
	}
}

// normalize fills zero values so the rest of the package never sees them.
func (c Config) normalize() Config {
	if c.Heartbeat.Interval <= 0 {
		c.Heartbeat.Interval = DefaultHeartbeatInterval
	}
	if c.Heartbeat.PongTimeout <= 0 {
		c.Heartbeat.PongTimeout = DefaultPongTimeout
	}
	if c.Heartbeat.Message.Type == 0 {
		c.Heartbeat.Message = transport.Text(DefaultHeartbeatMessage)
	}
	if c.Reconnect.Delay <= 0 {
		c.Reconnect.Delay = DefaultReconnectDelay
	}
	c.Protocols = append([]string(nil), c.Protocols...)
	return c
}

// Option customizes a Session beyond its Config.
type Option func(*Session)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Session) {
		s.log = l
	}
}

// WithClock replaces the wall clock, mostly for tests.
func WithClock(c clockwork.Clock) Option {
	return func(s *Session) {
		s.clock = c
	}
}

// WithObserver receives lifecycle counters, see Observer.
func WithObserver(o Observer) Option {
	return func(s *Session) {
		if o != nil {
			s.obs = o
		}
	}
}
