// Package metrics exports session lifecycle counters to Prometheus.
//
// A Collector implements session.Observer. Hand it to session.WithObserver
// and serve the registry it was registered with, usually via promhttp.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/risa-org/rws/session"
)

const (
	metricsNamespace = "rws"
	metricsSubsystem = "session"
)

var _ session.Observer = (*Collector)(nil)

// Collector holds one set of session metrics. Several sessions may share
// a Collector: the counters then add up across them, but send_buffer_depth
// is a plain gauge and shows whichever session last changed its buffer.
// Give each session its own Collector and registry when per-session depth
// matters.
type Collector struct {
	connectAttempts    prometheus.Counter
	opens              prometheus.Counter
	closes             *prometheus.CounterVec
	reconnects         prometheus.Counter
	reconnectExhausted prometheus.Counter
	heartbeatTimeouts  prometheus.Counter
	bufferDepth        prometheus.Gauge
}

// New builds a Collector and registers it with reg.
// A nil reg means prometheus.DefaultRegisterer. Registering twice against
// the same registry panics, as prometheus.MustRegister does.
func New(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		connectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "connect_attempts_total",
			Help:      "Dials started, initial and reconnects alike.",
		}),
		opens: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "opens_total",
			Help:      "Connections that completed the handshake.",
		}),
		closes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: metricsSubsystem,
				Name:      "closes_total",
				Help:      "Connection closes by close code.",
			},
			[]string{"code"},
		),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "reconnects_scheduled_total",
			Help:      "Reconnects scheduled after an unexpected close.",
		}),
		reconnectExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "reconnects_exhausted_total",
			Help:      "Times the retry limit refused another attempt.",
		}),
		heartbeatTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "heartbeat_timeouts_total",
			Help:      "Heartbeats that went unanswered within the pong timeout.",
		}),
		bufferDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "send_buffer_depth",
			Help:      "Payloads waiting for an open connection, as last reported by any session sharing the collector.",
		}),
	}
	reg.MustRegister(
		c.connectAttempts,
		c.opens,
		c.closes,
		c.reconnects,
		c.reconnectExhausted,
		c.heartbeatTimeouts,
		c.bufferDepth,
	)
	return c
}

func (c *Collector) ConnectAttempt() { c.connectAttempts.Inc() }

func (c *Collector) Opened() { c.opens.Inc() }

func (c *Collector) Closed(code int) {
	c.closes.WithLabelValues(strconv.Itoa(code)).Inc()
}

// ReconnectScheduled counts the attempt; the attempt number itself is
// already in the session log.
func (c *Collector) ReconnectScheduled(int) { c.reconnects.Inc() }

func (c *Collector) ReconnectExhausted() { c.reconnectExhausted.Inc() }

func (c *Collector) HeartbeatTimeout() { c.heartbeatTimeouts.Inc() }

// BufferDepth overwrites the gauge; it does not sum across sessions.
func (c *Collector) BufferDepth(n int) { c.bufferDepth.Set(float64(n)) }
