package integration

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"nhooyr.io/websocket"

	"github.com/risa-org/rws/session"
	"github.com/risa-org/rws/transport"
	gorillaadapter "github.com/risa-org/rws/transport/gorilla"
	tcpadapter "github.com/risa-org/rws/transport/tcp"
	wsadapter "github.com/risa-org/rws/transport/websocket"
)

// ------------------------------------------------------------
// Servers
// ------------------------------------------------------------

// echoServer is a websocket echo endpoint that counts connections and can
// drop the current one. With silent set it reads but never answers.
type echoServer struct {
	silent  atomic.Bool
	accepts atomic.Int32

	mu   sync.Mutex
	conn *websocket.Conn
}

func (e *echoServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	e.accepts.Add(1)
	e.mu.Lock()
	e.conn = conn
	e.mu.Unlock()

	ctx := context.Background()
	for {
		mt, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if e.silent.Load() {
			continue
		}
		if err := conn.Write(ctx, mt, data); err != nil {
			return
		}
	}
}

func (e *echoServer) drop() {
	e.mu.Lock()
	conn := e.conn
	e.conn = nil
	e.mu.Unlock()
	if conn != nil {
		conn.Close(websocket.StatusGoingAway, "restart")
	}
}

func startEcho(t *testing.T) (*echoServer, string) {
	t.Helper()
	echo := &echoServer{}
	srv := httptest.NewServer(echo)
	t.Cleanup(srv.Close)
	return echo, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func startGorillaEcho(t *testing.T) string {
	t.Helper()
	upgrader := gorillaws.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startTCPEcho serves the framed TCP protocol using the adapter itself on
// the accepting side.
func startTCPEcho(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			var h *tcpadapter.Handle
			ready := make(chan struct{})
			h = tcpadapter.New(conn, transport.Events{
				OnMessage: func(p transport.Payload) {
					<-ready
					h.Send(p)
				},
			})
			close(ready)
		}
	}()
	return "tcp://" + ln.Addr().String()
}

// ------------------------------------------------------------
// Helpers
// ------------------------------------------------------------

type recorder struct {
	mu           sync.Mutex
	messages     []string
	disconnected []int
	opened       chan struct{}
}

func newRecorder() *recorder {
	return &recorder{opened: make(chan struct{}, 16)}
}

func (r *recorder) hooks() session.Hooks {
	return session.Hooks{
		OnConnected: func(transport.Handle) {
			r.opened <- struct{}{}
		},
		OnDisconnected: func(_ transport.Handle, code int, _ string) {
			r.mu.Lock()
			r.disconnected = append(r.disconnected, code)
			r.mu.Unlock()
		},
		OnMessage: func(_ transport.Handle, p transport.Payload) {
			r.mu.Lock()
			r.messages = append(r.messages, string(p.Data))
			r.mu.Unlock()
		},
	}
}

func (r *recorder) waitOpen(t *testing.T) {
	t.Helper()
	select {
	case <-r.opened:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for connection")
	}
}

func (r *recorder) Messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.messages...)
}

func (r *recorder) Disconnects() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.disconnected...)
}

func waitMessages(t *testing.T, r *recorder, want ...string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(r.Messages()) >= len(want) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	got := r.Messages()
	if len(got) != len(want) {
		t.Fatalf("expected messages %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("message %d: expected %q, got %q (all: %v)", i, want[i], got[i], got)
		}
	}
}

func waitStatus(t *testing.T, s *session.Session, want session.Status) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if s.Status() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected status %s, got %s", want, s.Status())
}

func waitDisconnects(t *testing.T, r *recorder, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(r.Disconnects()) >= n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected %d disconnects, got %v", n, r.Disconnects())
}

// ------------------------------------------------------------
// Tests
// ------------------------------------------------------------

func TestBufferedSendsFlushOnOpen(t *testing.T) {
	_, nhooyrURL := startEcho(t)
	dialers := map[string]struct {
		dialer transport.Dialer
		url    string
	}{
		"nhooyr":  {wsadapter.NewDialer(), nhooyrURL},
		"gorilla": {gorillaadapter.NewDialer(), startGorillaEcho(t)},
		"tcp":     {tcpadapter.NewDialer(), startTCPEcho(t)},
	}

	for name, tc := range dialers {
		t.Run(name, func(t *testing.T) {
			rec := newRecorder()
			cfg := session.DefaultConfig()
			cfg.Immediate = false
			cfg.Hooks = rec.hooks()

			s := session.New(tc.url, tc.dialer, cfg)
			defer s.Close(transport.CloseNormal, "")

			for _, m := range []string{"one", "two", "three"} {
				if s.SendText(m) {
					t.Fatalf("send %q reported sent before open", m)
				}
			}
			if s.Buffered() != 3 {
				t.Fatalf("expected 3 buffered, got %d", s.Buffered())
			}

			s.Open()
			rec.waitOpen(t)
			if !s.SendText("four") {
				t.Fatal("send while open should go out immediately")
			}
			waitMessages(t, rec, "one", "two", "three", "four")
			if s.Buffered() != 0 {
				t.Fatalf("expected empty buffer, got %d", s.Buffered())
			}
		})
	}
}

func TestReconnectAfterServerDrop(t *testing.T) {
	echo, url := startEcho(t)
	rec := newRecorder()

	cfg := session.DefaultConfig()
	cfg.Reconnect.Enabled = true
	cfg.Reconnect.Retries = session.RetryCount(3)
	cfg.Reconnect.Delay = 50 * time.Millisecond
	cfg.Hooks = rec.hooks()

	s := session.New(url, wsadapter.NewDialer(), cfg)
	defer s.Close(transport.CloseNormal, "")
	rec.waitOpen(t)

	s.SendText("before")
	waitMessages(t, rec, "before")

	echo.drop()
	waitDisconnects(t, rec, 1)
	if d := rec.Disconnects(); len(d) != 1 || d[0] != int(websocket.StatusGoingAway) {
		t.Fatalf("expected one 1001 disconnect, got %v", d)
	}

	s.SendText("during")
	rec.waitOpen(t)
	s.SendText("after")
	waitMessages(t, rec, "before", "during", "after")

	if got := echo.accepts.Load(); got != 2 {
		t.Fatalf("expected 2 server accepts, got %d", got)
	}
	if s.Retries() != 1 {
		t.Fatalf("expected 1 retry used, got %d", s.Retries())
	}
}

func TestExplicitCloseDoesNotReconnect(t *testing.T) {
	echo, url := startEcho(t)
	rec := newRecorder()

	cfg := session.DefaultConfig()
	cfg.Reconnect.Enabled = true
	cfg.Reconnect.Delay = 20 * time.Millisecond
	cfg.Hooks = rec.hooks()

	s := session.New(url, wsadapter.NewDialer(), cfg)
	rec.waitOpen(t)

	s.Close(4000, "bye")
	waitStatus(t, s, session.StatusClosed)
	waitDisconnects(t, rec, 1)
	time.Sleep(200 * time.Millisecond)

	if got := echo.accepts.Load(); got != 1 {
		t.Fatalf("expected no reconnect after explicit close, got %d accepts", got)
	}
	if d := rec.Disconnects(); len(d) != 1 || d[0] != 4000 {
		t.Fatalf("expected close code 4000, got %v", d)
	}
}

func TestHeartbeatEchoStaysHidden(t *testing.T) {
	_, url := startEcho(t)
	rec := newRecorder()

	cfg := session.DefaultConfig()
	cfg.Heartbeat.Enabled = true
	cfg.Heartbeat.Interval = 30 * time.Millisecond
	cfg.Heartbeat.PongTimeout = 500 * time.Millisecond
	cfg.Hooks = rec.hooks()

	s := session.New(url, wsadapter.NewDialer(), cfg)
	defer s.Close(transport.CloseNormal, "")
	rec.waitOpen(t)

	time.Sleep(300 * time.Millisecond)
	if s.Status() != session.StatusOpen {
		t.Fatalf("expected connection to stay open, got %s", s.Status())
	}
	if msgs := rec.Messages(); len(msgs) != 0 {
		t.Fatalf("heartbeat echoes leaked to the message hook: %v", msgs)
	}

	s.SendText("real")
	waitMessages(t, rec, "real")
	if string(s.Data().Data) != "real" {
		t.Fatalf("expected data %q, got %q", "real", s.Data().Data)
	}
}

func TestHeartbeatTimeoutReconnects(t *testing.T) {
	echo, url := startEcho(t)
	echo.silent.Store(true)
	rec := newRecorder()

	cfg := session.DefaultConfig()
	cfg.Heartbeat.Enabled = true
	cfg.Heartbeat.Interval = 30 * time.Millisecond
	cfg.Heartbeat.PongTimeout = 60 * time.Millisecond
	cfg.Reconnect.Enabled = true
	cfg.Reconnect.Delay = 30 * time.Millisecond
	cfg.Hooks = rec.hooks()

	s := session.New(url, wsadapter.NewDialer(), cfg)
	defer s.Close(transport.CloseNormal, "")
	rec.waitOpen(t)
	rec.waitOpen(t)

	if got := echo.accepts.Load(); got < 2 {
		t.Fatalf("expected a reconnect after the silent peer timed out, got %d accepts", got)
	}
	d := rec.Disconnects()
	if len(d) == 0 || d[0] != transport.CloseNormal {
		t.Fatalf("expected first disconnect with 1000, got %v", d)
	}
}

func TestUnreachableEndpointExhaustsRetries(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	failed := make(chan struct{})
	rec := newRecorder()
	cfg := session.DefaultConfig()
	cfg.Reconnect.Enabled = true
	cfg.Reconnect.Retries = session.RetryCount(2)
	cfg.Reconnect.Delay = 10 * time.Millisecond
	cfg.Reconnect.OnFailed = func() { close(failed) }
	cfg.Hooks = rec.hooks()

	s := session.New("ws://"+addr+"/gone", wsadapter.NewDialer(), cfg)
	defer s.Close(transport.CloseNormal, "")

	select {
	case <-failed:
	case <-time.After(5 * time.Second):
		t.Fatal("OnFailed was not called")
	}
	d := rec.Disconnects()
	if len(d) != 3 {
		t.Fatalf("expected initial attempt plus 2 retries, got disconnects %v", d)
	}
	for _, code := range d {
		if code != transport.CloseAbnormal {
			t.Fatalf("expected 1006 for every failed dial, got %v", d)
		}
	}
}

func TestStalledTCPPeerStillTimesOut(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	// accept and hold every connection without ever reading from it
	var held []net.Conn
	var heldMu sync.Mutex
	t.Cleanup(func() {
		heldMu.Lock()
		defer heldMu.Unlock()
		for _, c := range held {
			c.Close()
		}
	})
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			heldMu.Lock()
			held = append(held, conn)
			heldMu.Unlock()
		}
	}()

	rec := newRecorder()
	cfg := session.DefaultConfig()
	cfg.Heartbeat.Enabled = true
	cfg.Heartbeat.Interval = 50 * time.Millisecond
	cfg.Heartbeat.PongTimeout = 100 * time.Millisecond
	cfg.Reconnect.Enabled = false
	cfg.Hooks = rec.hooks()

	s := session.New("tcp://"+ln.Addr().String(), tcpadapter.NewDialer(), cfg)
	rec.waitOpen(t)

	sendsDone := make(chan struct{})
	go func() {
		defer close(sendsDone)
		big := transport.Binary(make([]byte, 15<<20))
		for i := 0; i < 4; i++ {
			s.Send(big)
		}
	}()
	time.Sleep(300 * time.Millisecond)

	statusDone := make(chan struct{})
	go func() {
		s.Status()
		close(statusDone)
	}()
	select {
	case <-statusDone:
	case <-time.After(time.Second):
		t.Fatal("Status blocked behind a stalled write")
	}

	// the heartbeat already closed with 1000, so this code must not win
	closeDone := make(chan struct{})
	go func() {
		s.Close(4000, "done")
		close(closeDone)
	}()
	select {
	case <-closeDone:
	case <-time.After(time.Second):
		t.Fatal("Close blocked behind a stalled write")
	}

	waitDisconnects(t, rec, 1)
	if d := rec.Disconnects(); d[0] != transport.CloseNormal {
		t.Fatalf("expected the heartbeat close with 1000, got %v", d)
	}
	select {
	case <-sendsDone:
	case <-time.After(5 * time.Second):
		t.Fatal("sends still blocked after the connection closed")
	}
}
