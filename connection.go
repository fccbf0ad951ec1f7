package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/smarthr-app/chatsync/internal/metrics"
)

// ============================================================================
// Configuration
// ============================================================================

// ConnectionConfig configures the live channel.
type ConnectionConfig struct {
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	// ReconnectJitter is the symmetric jitter fraction applied to every delay.
	ReconnectJitter   float64
	HeartbeatInterval time.Duration // negative disables pings
	HeartbeatTimeout  time.Duration
	DialTimeout       time.Duration
	WriteTimeout      time.Duration
	SendBufferSize    int
	ReadLimit         int64
	HTTPClient        *http.Client
	Logger            *zerolog.Logger
}

func (c *ConnectionConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.ReconnectJitter == 0 {
		c.ReconnectJitter = 0.2
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = 10 * time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 15 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.SendBufferSize == 0 {
		c.SendBufferSize = 256
	}
	if c.ReadLimit == 0 {
		c.ReadLimit = 1 << 20
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
}

// ConnectionState is the live channel state.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "DISCONNECTED"
	StateConnecting   ConnectionState = "CONNECTING"
	StateConnected    ConnectionState = "CONNECTED"
	StateReconnecting ConnectionState = "RECONNECTING"
)

var allStates = []string{
	string(StateDisconnected), string(StateConnecting),
	string(StateConnected), string(StateReconnecting),
}

// Event is one item of the inbound event sequence. State events carry the new
// State and, for failures, the cause in Err. Frames that could not be decoded
// arrive with an empty Type and the raw frame in Payload.
type Event struct {
	Type    string
	Payload json.RawMessage
	State   ConnectionState
	Err     error
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	mu          sync.Mutex
	baseDelay   time.Duration
	maxDelay    time.Duration
	jitter      float64
	stableAfter time.Duration
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *ConnectionConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		jitter:      config.ReconnectJitter,
		stableAfter: 60 * time.Second,
	}
}

func (r *reconnector) markConnected() {
	r.mu.Lock()
	r.connectedAt = time.Now()
	r.mu.Unlock()
}

// nextDelay returns base*2^attempt capped at maxDelay, with ±jitter applied.
// A connection that stayed up longer than stableAfter resets the sequence.
func (r *reconnector) nextDelay() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > r.stableAfter {
		r.attempt = 0
	}
	r.connectedAt = time.Time{}
	backoff := math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt)),
		float64(r.maxDelay),
	)
	jitter := 1 + r.jitter*(2*rand.Float64()-1)
	r.attempt++
	return time.Duration(backoff * jitter)
}

func (r *reconnector) reset() {
	r.mu.Lock()
	r.attempt = 0
	r.connectedAt = time.Time{}
	r.mu.Unlock()
}

// ============================================================================
// ConnectionManager
// ============================================================================

type queuedEvent struct {
	seq  uint64
	kind string
	data []byte
}

// ConnectionManager owns the live channel: connect, authenticate, reconnect
// with backoff, heartbeat and teardown. One instance lives for the whole
// session and is shared by every screen.
type ConnectionManager struct {
	url    string
	config *ConnectionConfig
	log    zerolog.Logger
	recon  *reconnector

	mu       sync.Mutex
	state    ConnectionState
	identity string
	conn     *websocket.Conn
	events   *feed[Event]
	cancelFn context.CancelFunc
	done     chan struct{}

	outMu  sync.Mutex
	outbox []queuedEvent
	outSeq uint64
	wake   chan struct{}
}

// NewConnectionManager creates a manager for the WebSocket endpoint at url.
// Call Connect to open it.
func NewConnectionManager(url string, config *ConnectionConfig) *ConnectionManager {
	cfg := ConnectionConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &ConnectionManager{
		url:    url,
		config: &cfg,
		log:    cfg.Logger.With().Str("component", "connection").Logger(),
		recon:  newReconnector(&cfg),
		state:  StateDisconnected,
		wake:   make(chan struct{}, 1),
	}
}

// State returns the current connection state.
func (m *ConnectionManager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Events returns the inbound event sequence of the current session. It is
// closed by Disconnect; a call after a new Connect yields a fresh sequence.
func (m *ConnectionManager) Events() <-chan Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.eventsLocked().out
}

func (m *ConnectionManager) eventsLocked() *feed[Event] {
	if m.events == nil {
		m.events = newFeed[Event]()
	}
	return m.events
}

// Connect opens and authenticates the channel. It is a no-op unless the
// manager is DISCONNECTED. An *AuthError is returned and is terminal; a
// transport failure leaves the manager RECONNECTING in the background and
// returns nil.
func (m *ConnectionManager) Connect(ctx context.Context, identity string) error {
	m.mu.Lock()
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return nil
	}
	m.identity = identity
	m.eventsLocked()
	runCtx, cancel := context.WithCancel(context.Background())
	m.cancelFn = cancel
	done := make(chan struct{})
	m.done = done
	m.mu.Unlock()

	m.setState(StateConnecting, nil)

	// The first dial stops on Disconnect as well as on the caller's ctx.
	dialCtx, dialCancel := context.WithCancel(runCtx)
	stop := context.AfterFunc(ctx, dialCancel)
	conn, err := m.dial(dialCtx, identity)
	stop()
	dialCancel()
	if err != nil {
		if runCtx.Err() != nil {
			close(done)
			return ErrDisconnected
		}
		var authErr *AuthError
		if errors.As(err, &authErr) || ctx.Err() != nil {
			if authErr != nil {
				metrics.AuthFailures.Inc()
				m.log.Error().Err(err).Msg("live channel authentication rejected")
			} else {
				err = ctx.Err()
			}
			m.shutdown(err)
			close(done)
			return err
		}
		m.log.Warn().Err(err).Msg("initial connect failed, retrying in background")
		go m.supervise(runCtx, done, nil, err)
		return nil
	}

	if !m.attach(runCtx, conn) {
		close(done)
		return ErrDisconnected
	}
	go m.supervise(runCtx, done, conn, nil)
	return nil
}

// Disconnect releases the channel. Safe to call multiple times.
func (m *ConnectionManager) Disconnect() error {
	m.mu.Lock()
	cancel := m.cancelFn
	if cancel == nil {
		m.mu.Unlock()
		return nil
	}
	m.cancelFn = nil
	conn := m.conn
	m.conn = nil
	done := m.done
	m.state = StateDisconnected
	events := m.events
	m.events = nil
	m.mu.Unlock()

	if conn != nil {
		if err := conn.Close(websocket.StatusNormalClosure, "client disconnect"); err != nil {
			m.log.Debug().Err(err).Msg("close live channel")
		}
	}
	cancel()
	if done != nil {
		<-done
	}
	m.clearOutbox()
	m.recon.reset()
	metrics.SetConnectionState(string(StateDisconnected), allStates)

	if events != nil {
		events.push(Event{Type: EventState, State: StateDisconnected})
		events.finish()
	}
	m.log.Info().Msg("live channel disconnected")
	return nil
}

// Send queues an outbound event without waiting for acknowledgment. While the
// channel is not CONNECTED, events wait in a bounded buffer (oldest dropped
// first) and are flushed after reconnect.
func (m *ConnectionManager) Send(ev OutboundEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", ev.Type, err)
	}
	if m.State() == StateDisconnected {
		return ErrDisconnected
	}

	m.outMu.Lock()
	if len(m.outbox) >= m.config.SendBufferSize {
		dropped := m.outbox[0]
		m.outbox = m.outbox[1:]
		metrics.OutboundDropped.Inc()
		m.log.Warn().Str("type", dropped.kind).Int("buffer", m.config.SendBufferSize).Msg("send buffer full, dropped oldest event")
	}
	m.outSeq++
	m.outbox = append(m.outbox, queuedEvent{seq: m.outSeq, kind: ev.Type, data: data})
	m.outMu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
	return nil
}

// Pending returns the number of queued outbound events.
func (m *ConnectionManager) Pending() int {
	m.outMu.Lock()
	defer m.outMu.Unlock()
	return len(m.outbox)
}

// ── Supervisor ───────────────────────────────────────────

func (m *ConnectionManager) supervise(ctx context.Context, done chan struct{}, conn *websocket.Conn, cause error) {
	defer close(done)
	for {
		if conn != nil {
			cause = m.serve(ctx, conn)
			if ctx.Err() != nil || m.State() == StateDisconnected {
				return
			}
			var authErr *AuthError
			if errors.As(cause, &authErr) {
				metrics.AuthFailures.Inc()
				m.log.Error().Err(cause).Msg("live channel authentication revoked")
				m.shutdown(cause)
				return
			}
			m.log.Warn().Err(cause).Msg("live channel lost")
		}

		m.setState(StateReconnecting, cause)
		conn = nil
		for conn == nil {
			delay := m.recon.nextDelay()
			metrics.ReconnectAttempts.Inc()
			m.log.Info().Dur("delay", delay).Msg("reconnecting live channel")

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}

			c, err := m.dial(ctx, m.currentIdentity())
			if err == nil {
				conn = c
				break
			}
			if ctx.Err() != nil {
				return
			}
			var authErr *AuthError
			if errors.As(err, &authErr) {
				metrics.AuthFailures.Inc()
				m.log.Error().Err(err).Msg("live channel authentication rejected")
				m.shutdown(err)
				return
			}
			m.log.Debug().Err(err).Msg("reconnect attempt failed")
			m.emit(Event{Type: EventState, State: StateReconnecting, Err: err})
		}

		if !m.attach(ctx, conn) {
			return
		}
	}
}

// serve runs the read, write and heartbeat loops of one connection and returns
// why it ended.
func (m *ConnectionManager) serve(ctx context.Context, conn *websocket.Conn) error {
	connCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.writeLoop(connCtx, conn)
	}()
	go func() {
		defer wg.Done()
		m.heartbeatLoop(connCtx, conn)
	}()

	err := m.readLoop(connCtx, conn)
	cancel()
	conn.CloseNow()
	wg.Wait()

	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
	}
	m.mu.Unlock()
	return err
}

func (m *ConnectionManager) attach(ctx context.Context, conn *websocket.Conn) bool {
	m.mu.Lock()
	if ctx.Err() != nil || m.cancelFn == nil {
		m.mu.Unlock()
		conn.CloseNow()
		return false
	}
	m.conn = conn
	m.mu.Unlock()
	m.recon.markConnected()
	m.setState(StateConnected, nil)
	return true
}

// shutdown stops the manager after a terminal failure.
func (m *ConnectionManager) shutdown(cause error) {
	m.mu.Lock()
	cancel := m.cancelFn
	m.cancelFn = nil
	m.state = StateDisconnected
	m.conn = nil
	events := m.events
	m.events = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.clearOutbox()
	m.recon.reset()
	metrics.SetConnectionState(string(StateDisconnected), allStates)
	if events != nil {
		events.push(Event{Type: EventState, State: StateDisconnected, Err: cause})
		events.finish()
	}
}

// ── Dial ─────────────────────────────────────────────────

func (m *ConnectionManager) dial(ctx context.Context, identity string) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, m.config.DialTimeout)
	defer cancel()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+identity)
	conn, resp, err := websocket.Dial(dialCtx, m.url, &websocket.DialOptions{
		HTTPClient: m.config.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &AuthError{Reason: fmt.Sprintf("HTTP %d", resp.StatusCode)}
		}
		return nil, &TransportError{Op: "dial", Err: err}
	}
	conn.SetReadLimit(m.config.ReadLimit)

	// First frame must be "authenticated"
	_, data, err := conn.Read(dialCtx)
	if err != nil {
		conn.CloseNow()
		return nil, &TransportError{Op: "read auth", Err: err}
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		conn.CloseNow()
		return nil, &TransportError{Op: "read auth", Err: fmt.Errorf("decode auth frame: %w", err)}
	}
	switch env.Type {
	case EventAuthenticated:
		return conn, nil
	case EventAuthError:
		var p AuthErrorPayload
		_ = json.Unmarshal(env.Payload, &p)
		conn.Close(websocket.StatusPolicyViolation, "")
		if p.Message == "" {
			p.Message = "rejected by server"
		}
		return nil, &AuthError{Reason: p.Message}
	default:
		conn.CloseNow()
		return nil, &TransportError{Op: "read auth", Err: fmt.Errorf("expected %q, got %q", EventAuthenticated, env.Type)}
	}
}

// ── Loops ────────────────────────────────────────────────

func (m *ConnectionManager) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return &TransportError{Op: "read", Err: err}
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			m.emit(Event{Payload: json.RawMessage(data)})
			continue
		}
		if env.Type == EventAuthError {
			var p AuthErrorPayload
			_ = json.Unmarshal(env.Payload, &p)
			return &AuthError{Reason: p.Message}
		}
		m.emit(Event{Type: env.Type, Payload: env.Payload})
	}
}

func (m *ConnectionManager) writeLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		ev, ok := m.peek()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-m.wake:
				continue
			}
		}

		writeCtx, cancel := context.WithTimeout(ctx, m.config.WriteTimeout)
		err := conn.Write(writeCtx, websocket.MessageText, ev.data)
		cancel()
		if err != nil {
			if ctx.Err() == nil {
				m.log.Warn().Err(err).Str("type", ev.kind).Msg("write failed, closing connection")
				conn.Close(websocket.StatusGoingAway, "write failed")
			}
			return
		}
		m.pop(ev.seq)
		metrics.OutboundSent.WithLabelValues(ev.kind).Inc()
	}
}

func (m *ConnectionManager) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	if m.config.HeartbeatInterval < 0 {
		return
	}
	ticker := time.NewTicker(m.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, m.config.HeartbeatTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					m.log.Warn().Err(err).Msg("heartbeat failed, closing connection")
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

// ── Outbox ───────────────────────────────────────────────

func (m *ConnectionManager) peek() (queuedEvent, bool) {
	m.outMu.Lock()
	defer m.outMu.Unlock()
	if len(m.outbox) == 0 {
		return queuedEvent{}, false
	}
	return m.outbox[0], true
}

// pop removes the head only if it is still the event that was written; a full
// buffer may have dropped it in the meantime.
func (m *ConnectionManager) pop(seq uint64) {
	m.outMu.Lock()
	defer m.outMu.Unlock()
	if len(m.outbox) > 0 && m.outbox[0].seq == seq {
		m.outbox = m.outbox[1:]
	}
}

func (m *ConnectionManager) clearOutbox() {
	m.outMu.Lock()
	m.outbox = nil
	m.outMu.Unlock()
}

// ── Helpers ──────────────────────────────────────────────

func (m *ConnectionManager) currentIdentity() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}

func (m *ConnectionManager) setState(state ConnectionState, cause error) {
	m.mu.Lock()
	if m.cancelFn == nil && state != StateDisconnected {
		m.mu.Unlock()
		return
	}
	m.state = state
	m.mu.Unlock()

	metrics.SetConnectionState(string(state), allStates)
	ev := m.log.Info().Str("state", string(state))
	if cause != nil {
		ev = ev.AnErr("cause", cause)
	}
	ev.Msg("live channel state changed")
	m.emit(Event{Type: EventState, State: state, Err: cause})
}

func (m *ConnectionManager) emit(ev Event) {
	m.mu.Lock()
	f := m.events
	m.mu.Unlock()
	if f != nil {
		f.push(ev)
	}
}
