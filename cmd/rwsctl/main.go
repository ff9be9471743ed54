// Command rwsctl keeps a resilient session open to a websocket (or raw TCP)
// endpoint. Lines read from stdin are sent as text payloads; inbound
// payloads are printed to stdout. SIGINT or SIGTERM closes the session
// with code 1000 when auto_close is on.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/risa-org/rws/config"
	"github.com/risa-org/rws/metrics"
	"github.com/risa-org/rws/session"
	"github.com/risa-org/rws/transport"
	"github.com/risa-org/rws/transport/gorilla"
	"github.com/risa-org/rws/transport/tcp"
	"github.com/risa-org/rws/transport/websocket"
)

const (
	closeGrace    = 2 * time.Second
	closePollRate = 20 * time.Millisecond
)

var opts options

var rootCmd = &cobra.Command{
	Use:   "rwsctl [url]",
	Short: "Hold a reconnecting session open and pipe stdin through it.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			opts.url = args[0]
		}
		settings, err := opts.settings(func(name string) bool {
			return cmd.Flags().Changed(name) || (name == "url" && len(args) == 1)
		})
		if err != nil {
			return err
		}
		return run(cmd.Context(), settings, cmd.InOrStdin(), cmd.OutOrStdout())
	},
	SilenceUsage: true,
}

func init() {
	f := rootCmd.Flags()
	f.StringVarP(&opts.configPath, "config", "c", "", "TOML config file")
	f.StringVar(&opts.url, "url", "", "endpoint to connect to, overrides the config file")
	f.StringVarP(&opts.transport, "transport", "t", string(config.TransportWebSocket), "dialer: websocket, gorilla or tcp")
	f.StringSliceVarP(&opts.protocols, "protocol", "p", nil, "sub-protocol to offer, repeatable")
	f.StringVar(&opts.logLevel, "log-level", "info", "trace, debug, info, warn or error")
	f.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	f.BoolVar(&opts.heartbeat, "heartbeat", false, "enable heartbeat probing")
	f.BoolVar(&opts.reconnect, "reconnect", false, "enable automatic reconnect")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "rwsctl:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, settings config.File, in io.Reader, out io.Writer) error {
	log := newLogger(settings.LogLevel)

	dialer, err := newDialer(settings.Transport)
	if err != nil {
		return err
	}

	var sessionOpts []session.Option
	sessionOpts = append(sessionOpts, session.WithLogger(log))
	if settings.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		sessionOpts = append(sessionOpts, session.WithObserver(metrics.New(reg)))
		srv := serveMetrics(settings.MetricsAddr, reg, log)
		defer srv.Close()
	}

	cfg := settings.Session
	cfg.Hooks = session.Hooks{
		OnMessage: func(_ transport.Handle, p transport.Payload) {
			if p.Type == transport.MessageBinary {
				fmt.Fprintf(out, "< [%d bytes]\n", len(p.Data))
				return
			}
			fmt.Fprintf(out, "< %s\n", p.Data)
		},
		OnError: func(_ transport.Handle, err error) {
			log.Warn().Err(err).Msg("transport error")
		},
	}
	userFailed := cfg.Reconnect.OnFailed
	cfg.Reconnect.OnFailed = func() {
		log.Error().Msg("giving up, reconnect attempts exhausted")
		if userFailed != nil {
			userFailed()
		}
	}

	s := session.New(settings.URL, dialer, cfg, sessionOpts...)
	if !cfg.Immediate {
		s.Open()
	}
	s.CloseOnDone(ctx)
	log.Info().Str("session_id", s.ID()).Str("transport", string(settings.Transport)).Msg("session started")

	lines := make(chan string)
	go readLines(in, lines)

	for {
		select {
		case <-ctx.Done():
			waitClosed(s, closeGrace)
			return nil
		case line, ok := <-lines:
			if !ok {
				s.Close(transport.CloseNormal, transport.DefaultCloseMessage)
				waitClosed(s, closeGrace)
				return nil
			}
			if !s.SendText(line) {
				log.Debug().Int("buffered", s.Buffered()).Msg("not connected, message buffered")
			}
		}
	}
}

// waitClosed gives an in-flight close handshake up to grace to finish so
// the peer sees a clean close frame. It watches the status rather than
// disconnect notifications, since an earlier drop would look the same.
func waitClosed(s *session.Session, grace time.Duration) bool {
	deadline := time.NewTimer(grace)
	defer deadline.Stop()
	tick := time.NewTicker(closePollRate)
	defer tick.Stop()

	for s.Status() != session.StatusClosed {
		select {
		case <-tick.C:
		case <-deadline.C:
			return false
		}
	}
	return true
}

func readLines(in io.Reader, lines chan<- string) {
	defer close(lines)
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		lines <- scanner.Text()
	}
}

func newLogger(level zerolog.Level) zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}
	return zerolog.New(output).Level(level).With().Timestamp().Str("app", "rwsctl").Logger()
}

func newDialer(kind config.Transport) (transport.Dialer, error) {
	switch kind {
	case config.TransportWebSocket:
		return websocket.NewDialer(), nil
	case config.TransportGorilla:
		return gorilla.NewDialer(), nil
	case config.TransportTCP:
		return tcp.NewDialer(), nil
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrUnknownTransport, kind)
	}
}

func serveMetrics(addr string, reg *prometheus.Registry, log zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("metrics server stopped")
		}
	}()
	log.Info().Str("addr", addr).Msg("serving metrics")
	return srv
}
