package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Fake live server
// ============================================================================

type wsServer struct {
	srv      *httptest.Server
	reject   atomic.Int32 // HTTP status to refuse upgrades with, 0 accepts
	authFail atomic.Bool
	accepted atomic.Int32

	mu     sync.Mutex
	conns  []*websocket.Conn
	tokens []string
	frames chan Envelope
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{frames: make(chan Envelope, 64)}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(func() {
		s.dropAll()
		s.srv.Close()
	})
	return s
}

func (s *wsServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *wsServer) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.tokens = append(s.tokens, r.Header.Get("Authorization"))
	s.mu.Unlock()

	if code := s.reject.Load(); code != 0 {
		http.Error(w, "unavailable", int(code))
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	ctx := context.Background()

	if s.authFail.Load() {
		writeFrame(ctx, conn, EventAuthError, AuthErrorPayload{Message: "invalid token"})
		conn.Close(websocket.StatusPolicyViolation, "")
		return
	}
	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.mu.Unlock()
	s.accepted.Add(1)
	writeFrame(ctx, conn, EventAuthenticated, nil)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var env Envelope
		if json.Unmarshal(data, &env) == nil {
			s.frames <- env
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, typ string, payload any) error {
	env := map[string]any{"type": typ}
	if payload != nil {
		env["payload"] = payload
	}
	data, _ := json.Marshal(env)
	return conn.Write(ctx, websocket.MessageText, data)
}

// push writes a frame to the most recent connection.
func (s *wsServer) push(t *testing.T, data []byte) {
	t.Helper()
	s.mu.Lock()
	conn := s.conns[len(s.conns)-1]
	s.mu.Unlock()
	if err := conn.Write(context.Background(), websocket.MessageText, data); err != nil {
		t.Fatalf("server write: %v", err)
	}
}

// dropAll cuts every open connection without a close handshake.
func (s *wsServer) dropAll() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		c.CloseNow()
	}
}

func (s *wsServer) lastToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tokens) == 0 {
		return ""
	}
	return s.tokens[len(s.tokens)-1]
}

func testConnConfig() *ConnectionConfig {
	return &ConnectionConfig{
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  50 * time.Millisecond,
		HeartbeatInterval:  -1,
		DialTimeout:        2 * time.Second,
	}
}

func newTestManager(t *testing.T, s *wsServer) *ConnectionManager {
	t.Helper()
	m := NewConnectionManager(s.url(), testConnConfig())
	t.Cleanup(func() { m.Disconnect() })
	return m
}

// nextOfType reads events until one of type typ arrives.
func nextOfType(t *testing.T, events <-chan Event, typ string) Event {
	t.Helper()
	for {
		ev := recv(t, events)
		if ev.Type == typ {
			return ev
		}
	}
}

// waitState reads events until a state event with want arrives.
func waitState(t *testing.T, events <-chan Event, want ConnectionState) Event {
	t.Helper()
	for {
		ev := nextOfType(t, events, EventState)
		if ev.State == want {
			return ev
		}
	}
}

// ============================================================================
// Connect
// ============================================================================

func TestConnectAuthenticates(t *testing.T) {
	s := newWSServer(t)
	m := newTestManager(t, s)
	events := m.Events()

	if err := m.Connect(context.Background(), "tok-1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if m.State() != StateConnected {
		t.Fatalf("state = %s, want CONNECTED", m.State())
	}
	if got := s.lastToken(); got != "Bearer tok-1" {
		t.Errorf("Authorization = %q", got)
	}

	if ev := nextOfType(t, events, EventState); ev.State != StateConnecting {
		t.Errorf("first state = %s, want CONNECTING", ev.State)
	}
	waitState(t, events, StateConnected)

	// Connecting again is a no-op.
	if err := m.Connect(context.Background(), "tok-1"); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	if n := s.accepted.Load(); n != 1 {
		t.Errorf("accepted connections = %d, want 1", n)
	}
}

func TestConnectAuthErrorIsTerminal(t *testing.T) {
	t.Run("auth.error frame", func(t *testing.T) {
		s := newWSServer(t)
		s.authFail.Store(true)
		m := newTestManager(t, s)
		events := m.Events()

		err := m.Connect(context.Background(), "bad")
		var authErr *AuthError
		if !errors.As(err, &authErr) || authErr.Reason != "invalid token" {
			t.Fatalf("err = %v, want AuthError(invalid token)", err)
		}
		if m.State() != StateDisconnected {
			t.Errorf("state = %s, want DISCONNECTED", m.State())
		}

		ev := waitState(t, events, StateDisconnected)
		if !errors.Is(ev.Err, ErrUnauthorized) {
			t.Errorf("state event err = %v", ev.Err)
		}
		for range events {
		}
		if err := m.Send(OutboundEvent{Type: EventMessageSeen}); !errors.Is(err, ErrDisconnected) {
			t.Errorf("Send after auth failure = %v", err)
		}
	})

	t.Run("HTTP 401", func(t *testing.T) {
		s := newWSServer(t)
		s.reject.Store(http.StatusUnauthorized)
		m := newTestManager(t, s)

		err := m.Connect(context.Background(), "bad")
		if !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("err = %v, want ErrUnauthorized", err)
		}
		time.Sleep(50 * time.Millisecond)
		if m.State() != StateDisconnected {
			t.Errorf("state = %s, want DISCONNECTED (no retry)", m.State())
		}
	})
}

func TestConnectTransportFailureRetries(t *testing.T) {
	s := newWSServer(t)
	s.reject.Store(http.StatusServiceUnavailable)
	m := newTestManager(t, s)
	events := m.Events()

	if err := m.Connect(context.Background(), "tok-1"); err != nil {
		t.Fatalf("Connect = %v, want nil for transport failure", err)
	}
	ev := waitState(t, events, StateReconnecting)
	var transportErr *TransportError
	if !errors.As(ev.Err, &transportErr) {
		t.Errorf("reconnecting cause = %T %v, want *TransportError", ev.Err, ev.Err)
	}

	s.reject.Store(0)
	waitState(t, events, StateConnected)
	if m.State() != StateConnected {
		t.Errorf("state = %s", m.State())
	}
}

// ============================================================================
// Events & Send
// ============================================================================

func TestInboundEvents(t *testing.T) {
	s := newWSServer(t)
	m := newTestManager(t, s)
	events := m.Events()
	if err := m.Connect(context.Background(), "tok-1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	s.push(t, []byte(`{"type":"message.new","payload":{"id":"m1","conversationId":"c1","senderId":"alice","content":"hi","createdAt":"2026-01-05T09:00:00Z"}}`))
	s.push(t, []byte(`garbage`))

	ev := nextOfType(t, events, EventMessageNew)
	var p MessagePayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil || p.ID != "m1" {
		t.Fatalf("payload = %s (%v)", ev.Payload, err)
	}
	ev = nextOfType(t, events, "")
	if string(ev.Payload) != "garbage" {
		t.Errorf("malformed payload = %q", ev.Payload)
	}
}

func TestSendWritesFrames(t *testing.T) {
	s := newWSServer(t)
	m := newTestManager(t, s)
	if err := m.Connect(context.Background(), "tok-1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	for i, conv := range []string{"c1", "c2", "c3"} {
		if err := m.Send(OutboundEvent{Type: EventMessageSeen, Payload: SeenPayload{ConversationID: conv, UserID: "me"}}); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}
	for _, want := range []string{"c1", "c2", "c3"} {
		env := recv(t, s.frames)
		var p SeenPayload
		json.Unmarshal(env.Payload, &p)
		if env.Type != EventMessageSeen || p.ConversationID != want {
			t.Errorf("frame = %s %+v, want seen for %s", env.Type, p, want)
		}
	}
}

func TestSendDuringReconnectDeliveredOnce(t *testing.T) {
	s := newWSServer(t)
	m := newTestManager(t, s)
	events := m.Events()
	if err := m.Connect(context.Background(), "tok-1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitState(t, events, StateConnected)

	s.reject.Store(http.StatusServiceUnavailable)
	s.dropAll()
	waitState(t, events, StateReconnecting)

	if err := m.Send(OutboundEvent{Type: EventMessageSeen, Payload: SeenPayload{ConversationID: "c1", UserID: "me"}}); err != nil {
		t.Fatalf("Send while reconnecting: %v", err)
	}
	if m.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", m.Pending())
	}

	s.reject.Store(0)
	waitState(t, events, StateConnected)

	env := recv(t, s.frames)
	if env.Type != EventMessageSeen {
		t.Fatalf("frame type = %s", env.Type)
	}
	select {
	case dup := <-s.frames:
		t.Fatalf("duplicate frame delivered: %+v", dup)
	case <-time.After(200 * time.Millisecond):
	}
	eventually(t, "outbox drained", func() bool { return m.Pending() == 0 })
}

func TestSendBufferDropsOldest(t *testing.T) {
	s := newWSServer(t)
	s.reject.Store(http.StatusServiceUnavailable)
	cfg := testConnConfig()
	cfg.SendBufferSize = 2
	m := NewConnectionManager(s.url(), cfg)
	t.Cleanup(func() { m.Disconnect() })

	if err := m.Connect(context.Background(), "tok-1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	for _, conv := range []string{"c1", "c2", "c3"} {
		m.Send(OutboundEvent{Type: EventMessageSeen, Payload: SeenPayload{ConversationID: conv}})
	}
	if m.Pending() != 2 {
		t.Fatalf("pending = %d, want 2", m.Pending())
	}

	s.reject.Store(0)
	for _, want := range []string{"c2", "c3"} {
		env := recv(t, s.frames)
		var p SeenPayload
		json.Unmarshal(env.Payload, &p)
		if p.ConversationID != want {
			t.Errorf("frame for %s, want %s", p.ConversationID, want)
		}
	}
}

// ============================================================================
// Disconnect
// ============================================================================

func TestDisconnect(t *testing.T) {
	s := newWSServer(t)
	m := newTestManager(t, s)
	events := m.Events()
	if err := m.Connect(context.Background(), "tok-1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := m.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if err := m.Disconnect(); err != nil {
		t.Fatalf("second Disconnect: %v", err)
	}
	if m.State() != StateDisconnected {
		t.Errorf("state = %s", m.State())
	}

	var last Event
	for ev := range events {
		last = ev
	}
	if last.Type != EventState || last.State != StateDisconnected {
		t.Errorf("last event = %+v, want DISCONNECTED state", last)
	}
	if err := m.Send(OutboundEvent{Type: EventMessageSeen}); !errors.Is(err, ErrDisconnected) {
		t.Errorf("Send after Disconnect = %v, want ErrDisconnected", err)
	}

	// A new session gets a fresh event sequence.
	if err := m.Connect(context.Background(), "tok-2"); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	fresh := m.Events()
	if fresh == events {
		t.Fatal("expected a fresh event channel")
	}
	waitState(t, fresh, StateConnected)
	if got := s.lastToken(); got != "Bearer tok-2" {
		t.Errorf("Authorization = %q", got)
	}
}

// stalledListener accepts TCP connections but never answers the handshake.
func stalledListener(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	stalled := make(chan struct{})
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				<-stalled
			}()
		}
	}()
	t.Cleanup(func() {
		close(stalled)
		ln.Close()
	})
	return ln.Addr().String()
}

func TestDisconnectCancelsPendingDial(t *testing.T) {
	addr := stalledListener(t)

	cfg := testConnConfig()
	cfg.DialTimeout = 10 * time.Second
	m := NewConnectionManager("ws://"+addr, cfg)

	connected := make(chan error, 1)
	go func() { connected <- m.Connect(context.Background(), "tok-1") }()
	eventually(t, "dial in progress", func() bool { return m.State() == StateConnecting })

	start := time.Now()
	if err := m.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if d := time.Since(start); d > time.Second {
		t.Errorf("Disconnect took %s while a dial was pending", d)
	}
	select {
	case err := <-connected:
		if !errors.Is(err, ErrDisconnected) {
			t.Errorf("Connect = %v, want ErrDisconnected", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Connect did not return after Disconnect")
	}
	if m.State() != StateDisconnected {
		t.Errorf("state = %s, want DISCONNECTED", m.State())
	}
}

func TestConnectCallerContextCancelsDial(t *testing.T) {
	addr := stalledListener(t)

	cfg := testConnConfig()
	cfg.DialTimeout = 10 * time.Second
	m := NewConnectionManager("ws://"+addr, cfg)
	t.Cleanup(func() { m.Disconnect() })

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := m.Connect(ctx, "tok-1")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Connect = %v, want context.DeadlineExceeded", err)
	}
	if d := time.Since(start); d > 2*time.Second {
		t.Errorf("Connect took %s after its context expired", d)
	}
	if m.State() != StateDisconnected {
		t.Errorf("state = %s, want DISCONNECTED", m.State())
	}
}

func TestHeartbeatKeepsConnection(t *testing.T) {
	s := newWSServer(t)
	cfg := testConnConfig()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.HeartbeatTimeout = time.Second
	m := NewConnectionManager(s.url(), cfg)
	t.Cleanup(func() { m.Disconnect() })

	if err := m.Connect(context.Background(), "tok-1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	time.Sleep(150 * time.Millisecond)
	if m.State() != StateConnected || s.accepted.Load() != 1 {
		t.Errorf("state = %s, accepted = %d; pings should keep one connection", m.State(), s.accepted.Load())
	}
}

// ============================================================================
// Backoff
// ============================================================================

func TestReconnectorBackoff(t *testing.T) {
	cfg := &ConnectionConfig{}
	cfg.defaults()
	r := newReconnector(cfg)

	for attempt := 0; attempt < 10; attempt++ {
		base := time.Second << attempt
		if base > 30*time.Second {
			base = 30 * time.Second
		}
		lo := time.Duration(float64(base) * 0.8)
		hi := time.Duration(float64(base) * 1.2)
		if d := r.nextDelay(); d < lo || d > hi {
			t.Errorf("attempt %d: delay %v outside [%v, %v]", attempt, d, lo, hi)
		}
	}

	r.reset()
	if d := r.nextDelay(); d > 1200*time.Millisecond {
		t.Errorf("delay after reset = %v", d)
	}
}
