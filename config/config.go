// Package config loads session settings from a TOML file.
//
// Every key is optional. Keys that are absent keep the value from Default,
// so a file only needs to name what it changes:
//
//	url          = "wss://example.com/feed"
//	transport    = "websocket"   # websocket | gorilla | tcp
//	protocols    = ["feed.v2"]
//	immediate    = true
//	auto_close   = true
//	log_level    = "info"
//	metrics_addr = "127.0.0.1:9102"
//
//	[heartbeat]
//	enabled      = true
//	message      = "ping"
//	interval     = "30s"
//	pong_timeout = "5s"
//
//	[reconnect]
//	enabled = true
//	retries = -1                 # negative retries forever
//	delay   = "2s"
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"

	"github.com/risa-org/rws/session"
	"github.com/risa-org/rws/transport"
)

var (
	ErrMissingURL       = errors.New("config: url is required")
	ErrUnknownTransport = errors.New("config: unknown transport")
)

// Transport names the Dialer implementation to use.
type Transport string

const (
	TransportWebSocket Transport = "websocket"
	TransportGorilla   Transport = "gorilla"
	TransportTCP       Transport = "tcp"
)

// File is everything a config file can set.
type File struct {
	URL         string
	Transport   Transport
	LogLevel    zerolog.Level
	MetricsAddr string
	Session     session.Config
}

// Default is what Load starts from.
func Default() File {
	return File{
		Transport: TransportWebSocket,
		LogLevel:  zerolog.InfoLevel,
		Session:   session.DefaultConfig(),
	}
}

// Validate reports settings that cannot produce a working session.
func (f File) Validate() error {
	if strings.TrimSpace(f.URL) == "" {
		return ErrMissingURL
	}
	switch f.Transport {
	case TransportWebSocket, TransportGorilla, TransportTCP:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownTransport, f.Transport)
	}
}

type fileConfig struct {
	URL         string          `toml:"url"`
	Transport   string          `toml:"transport"`
	Protocols   []string        `toml:"protocols"`
	Immediate   bool            `toml:"immediate"`
	AutoClose   bool            `toml:"auto_close"`
	LogLevel    string          `toml:"log_level"`
	MetricsAddr string          `toml:"metrics_addr"`
	Heartbeat   heartbeatConfig `toml:"heartbeat"`
	Reconnect   reconnectConfig `toml:"reconnect"`
}

type heartbeatConfig struct {
	Enabled     bool   `toml:"enabled"`
	Message     string `toml:"message"`
	Interval    string `toml:"interval"`
	PongTimeout string `toml:"pong_timeout"`
}

type reconnectConfig struct {
	Enabled bool   `toml:"enabled"`
	Retries int    `toml:"retries"`
	Delay   string `toml:"delay"`
}

// Load reads path on top of Default. It does not call Validate, so flags
// can still fill in the url afterwards.
func Load(path string) (File, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return File{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return File{}, fmt.Errorf("load config: unknown key %q", undecoded[0].String())
	}
	return apply(Default(), raw, meta)
}

func apply(cfg File, raw fileConfig, meta toml.MetaData) (File, error) {
	if meta.IsDefined("url") {
		cfg.URL = strings.TrimSpace(raw.URL)
	}
	if meta.IsDefined("transport") {
		cfg.Transport = Transport(strings.ToLower(strings.TrimSpace(raw.Transport)))
	}
	if meta.IsDefined("protocols") {
		cfg.Session.Protocols = normalizeProtocols(raw.Protocols)
	}
	if meta.IsDefined("immediate") {
		cfg.Session.Immediate = raw.Immediate
	}
	if meta.IsDefined("auto_close") {
		cfg.Session.AutoClose = raw.AutoClose
	}
	if meta.IsDefined("log_level") {
		level, err := zerolog.ParseLevel(strings.TrimSpace(raw.LogLevel))
		if err != nil {
			return File{}, fmt.Errorf("parse log_level: %w", err)
		}
		cfg.LogLevel = level
	}
	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}

	hb := &cfg.Session.Heartbeat
	if meta.IsDefined("heartbeat", "enabled") {
		hb.Enabled = raw.Heartbeat.Enabled
	}
	if meta.IsDefined("heartbeat", "message") {
		hb.Message = transport.Text(raw.Heartbeat.Message)
	}
	if meta.IsDefined("heartbeat", "interval") {
		d, err := parsePositive(raw.Heartbeat.Interval)
		if err != nil {
			return File{}, fmt.Errorf("parse heartbeat.interval: %w", err)
		}
		hb.Interval = d
	}
	if meta.IsDefined("heartbeat", "pong_timeout") {
		d, err := parsePositive(raw.Heartbeat.PongTimeout)
		if err != nil {
			return File{}, fmt.Errorf("parse heartbeat.pong_timeout: %w", err)
		}
		hb.PongTimeout = d
	}

	rc := &cfg.Session.Reconnect
	if meta.IsDefined("reconnect", "enabled") {
		rc.Enabled = raw.Reconnect.Enabled
	}
	if meta.IsDefined("reconnect", "retries") {
		rc.Retries = session.RetryCount(raw.Reconnect.Retries)
	}
	if meta.IsDefined("reconnect", "delay") {
		d, err := parsePositive(raw.Reconnect.Delay)
		if err != nil {
			return File{}, fmt.Errorf("parse reconnect.delay: %w", err)
		}
		rc.Delay = d
	}
	return cfg, nil
}

func parsePositive(s string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive, got %s", d)
	}
	return d, nil
}

func normalizeProtocols(in []string) []string {
	out := make([]string, 0, len(in))
	for _, p := range in {
		v := strings.TrimSpace(p)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
