package main

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/risa-org/rws/config"
)

// options mirrors the command line flags.
type options struct {
	configPath  string
	url         string
	transport   string
	protocols   []string
	logLevel    string
	metricsAddr string
	heartbeat   bool
	reconnect   bool
}

// settings loads the config file, if any, and lays explicitly set flags
// over it. changed reports whether a flag was given on the command line.
func (o options) settings(changed func(name string) bool) (config.File, error) {
	f := config.Default()
	if o.configPath != "" {
		loaded, err := config.Load(o.configPath)
		if err != nil {
			return config.File{}, err
		}
		f = loaded
	}

	if changed("url") {
		f.URL = strings.TrimSpace(o.url)
	}
	if changed("transport") {
		f.Transport = config.Transport(strings.ToLower(strings.TrimSpace(o.transport)))
	}
	if changed("protocol") {
		f.Session.Protocols = append([]string(nil), o.protocols...)
	}
	if changed("log-level") {
		level, err := zerolog.ParseLevel(o.logLevel)
		if err != nil {
			return config.File{}, fmt.Errorf("parse --log-level: %w", err)
		}
		f.LogLevel = level
	}
	if changed("metrics-addr") {
		f.MetricsAddr = o.metricsAddr
	}
	if changed("heartbeat") {
		f.Session.Heartbeat.Enabled = o.heartbeat
	}
	if changed("reconnect") {
		f.Session.Reconnect.Enabled = o.reconnect
	}

	if err := f.Validate(); err != nil {
		return config.File{}, err
	}
	return f, nil
}
