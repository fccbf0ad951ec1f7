package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/smarthr-app/chatsync/internal/metrics"
)

// ============================================================================
// Collaborators
// ============================================================================

// HistorySource serves the REST conversation list and message history.
type HistorySource interface {
	Conversations(ctx context.Context, userID string) ([]Conversation, error)
	Messages(ctx context.Context, conversationID string, page PageRequest) (*MessagePage, error)
}

// Channel is the live side consumed by the engine. *ConnectionManager
// implements it.
type Channel interface {
	Events() <-chan Event
	Send(ev OutboundEvent) error
	State() ConnectionState
}

// Sender is the REST fallback used while the live channel is DISCONNECTED.
type Sender interface {
	PostMessage(ctx context.Context, msg SendPayload) (*Message, error)
	MarkSeen(ctx context.Context, conversationID, userID string) error
}

// Notification announces a peer message in a conversation that is not focused.
type Notification struct {
	Message Message
	From    Participant
}

// EngineStats are cumulative engine counters.
type EngineStats struct {
	Malformed    uint64
	Reconciled   uint64
	Deduplicated uint64
	Notified     uint64
}

// ============================================================================
// Options
// ============================================================================

type EngineOption func(*Engine)

func WithLogger(logger zerolog.Logger) EngineOption {
	return func(e *Engine) { e.log = logger }
}

// WithClock replaces time.Now for optimistic message timestamps.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// WithMatchWindow sets how far apart a provisional message and its durable echo
// may be timestamped when they are matched by sender and content.
func WithMatchWindow(d time.Duration) EngineOption {
	return func(e *Engine) { e.matchWindow = d }
}

func WithFetchTimeout(d time.Duration) EngineOption {
	return func(e *Engine) { e.fetchTimeout = d }
}

func WithPageSize(n int) EngineOption {
	return func(e *Engine) { e.pageSize = n }
}

// WithSender enables the REST fallback for sends and seen receipts.
func WithSender(s Sender) EngineOption {
	return func(e *Engine) { e.sender = s }
}

// ============================================================================
// Engine
// ============================================================================

type cursor struct {
	before  string
	hasMore bool
}

// Engine merges REST history with live events into the Store and Index. It is
// the only writer of both.
type Engine struct {
	selfID  string
	history HistorySource
	channel Channel
	sender  Sender
	log     zerolog.Logger
	now     func() time.Time

	matchWindow  time.Duration
	fetchTimeout time.Duration
	pageSize     int

	store    *Store
	index    *Index
	presence *Presence
	notes    *broadcaster[Notification]

	mu        sync.Mutex
	cursors   map[string]*cursor
	lastState ConnectionState
	runCtx    context.Context

	resyncMu   sync.Mutex
	resyncIdle *sync.Cond
	resyncing  int

	malformed    atomic.Uint64
	reconciled   atomic.Uint64
	deduplicated atomic.Uint64
	notified     atomic.Uint64
}

// NewEngine creates an engine for the signed-in user selfID.
func NewEngine(selfID string, history HistorySource, channel Channel, opts ...EngineOption) *Engine {
	e := &Engine{
		selfID:       selfID,
		history:      history,
		channel:      channel,
		log:          zerolog.Nop(),
		now:          time.Now,
		matchWindow:  10 * time.Second,
		fetchTimeout: DefaultTimeout,
		pageSize:     DefaultPageSize,
		presence:     &Presence{},
		notes:        newBroadcaster[Notification](),
		cursors:      make(map[string]*cursor),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With().Str("component", "sync").Logger()
	e.resyncIdle = sync.NewCond(&e.resyncMu)
	e.index = NewIndex(selfID)
	e.store = NewStore(e.index)
	return e
}

func (e *Engine) Store() *Store { return e.store }

func (e *Engine) Index() *Index { return e.index }

func (e *Engine) Presence() *Presence { return e.presence }

// Notifications streams a Notification for every new peer message that
// arrives while its conversation is not focused.
func (e *Engine) Notifications() *Subscription[Notification] {
	return e.notes.subscribe()
}

func (e *Engine) Stats() EngineStats {
	return EngineStats{
		Malformed:    e.malformed.Load(),
		Reconciled:   e.reconciled.Load(),
		Deduplicated: e.deduplicated.Load(),
		Notified:     e.notified.Load(),
	}
}

// Run feeds the channel's events through OnLiveEvent until the channel
// closes or ctx ends.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	e.runCtx = ctx
	e.mu.Unlock()

	events := e.channel.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			e.OnLiveEvent(ev)
		}
	}
}

// ── REST merges ──────────────────────────────────────────

// LoadConversations merges the server conversation list into the index and
// returns the resulting list.
func (e *Engine) LoadConversations(ctx context.Context) ([]Conversation, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, e.fetchTimeout)
	defer cancel()

	convs, err := e.history.Conversations(fetchCtx, e.selfID)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		metrics.HistoryFetchErrors.Inc()
		e.log.Warn().Err(err).Msg("conversation list fetch failed")
		return nil, &HistoryFetchError{Err: err}
	}
	e.index.Merge(convs)
	return e.index.List(), nil
}

// LoadHistory fetches the newest history page of a conversation and merges it
// in one step. Status already known locally never regresses. On error local
// state is left as it was.
func (e *Engine) LoadHistory(ctx context.Context, conversationID string) error {
	page, err := e.fetchPage(ctx, conversationID, PageRequest{Limit: e.pageSize})
	if err != nil {
		return err
	}
	e.applyPage(conversationID, page, false)

	if err := e.channel.Send(OutboundEvent{
		Type:    EventConversationJoin,
		Payload: JoinPayload{ConversationID: conversationID},
	}); err != nil {
		e.log.Debug().Err(err).Str("conversation_id", conversationID).Msg("join not sent")
	}
	return nil
}

// LoadOlder fetches the page before the oldest one loaded so far. It reports
// whether more history remains.
func (e *Engine) LoadOlder(ctx context.Context, conversationID string) (bool, error) {
	e.mu.Lock()
	c := e.cursors[conversationID]
	e.mu.Unlock()
	if c == nil {
		if err := e.LoadHistory(ctx, conversationID); err != nil {
			return false, err
		}
		e.mu.Lock()
		c = e.cursors[conversationID]
		e.mu.Unlock()
	}

	e.mu.Lock()
	before, hasMore := c.before, c.hasMore
	e.mu.Unlock()
	if !hasMore || before == "" {
		return false, nil
	}

	page, err := e.fetchPage(ctx, conversationID, PageRequest{Before: before, Limit: e.pageSize})
	if err != nil {
		return true, err
	}
	e.applyPage(conversationID, page, true)
	return page.HasMore && page.NextBefore != "", nil
}

func (e *Engine) fetchPage(ctx context.Context, conversationID string, req PageRequest) (*MessagePage, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, e.fetchTimeout)
	defer cancel()

	start := time.Now()
	page, err := e.history.Messages(fetchCtx, conversationID, req)
	metrics.HistoryFetchDuration.Observe(time.Since(start).Seconds())
	if err == nil && ctx.Err() != nil {
		// Cancelled while the response was in flight: drop the page.
		err = ctx.Err()
	}
	if err == nil && page == nil {
		page = &MessagePage{}
	}
	if err != nil {
		metrics.HistoryFetchErrors.Inc()
		e.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("history fetch failed")
		return nil, &HistoryFetchError{ConversationID: conversationID, Err: err}
	}
	if page.Skipped > 0 {
		e.malformed.Add(uint64(page.Skipped))
		metrics.MalformedEvents.WithLabelValues("history").Add(float64(page.Skipped))
		e.log.Warn().Int("skipped", page.Skipped).Str("conversation_id", conversationID).Msg("dropped malformed history records")
	}
	return page, nil
}

func (e *Engine) applyPage(conversationID string, page *MessagePage, older bool) {
	changed := e.reconcile(page.Messages)

	e.mu.Lock()
	c := e.cursors[conversationID]
	switch {
	case c == nil:
		e.cursors[conversationID] = &cursor{before: page.NextBefore, hasMore: page.HasMore}
	case older:
		c.before, c.hasMore = page.NextBefore, page.HasMore
	}
	e.mu.Unlock()

	e.log.Debug().
		Str("conversation_id", conversationID).
		Int("received", len(page.Messages)).
		Int("changed", len(changed)).
		Msg("history page merged")

	if e.presence.IsFocused(conversationID) && hasUnseenFrom(changed, e.selfID) {
		if err := e.MarkSeen(context.Background(), conversationID, e.selfID); err != nil {
			e.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("seen receipt failed")
		}
	}
}

// reconcile stores durable messages, replacing matching provisional entries.
func (e *Engine) reconcile(msgs []Message) []Message {
	if len(msgs) == 0 {
		return nil
	}
	changed, replaced := e.store.Reconcile(msgs, e.match)
	if dups := len(msgs) - len(changed); dups > 0 {
		e.deduplicated.Add(uint64(dups))
	}
	for _, m := range msgs {
		localID, ok := replaced[m.ID]
		if !ok {
			continue
		}
		kind := "heuristic"
		if m.ClientID != "" {
			kind = "client_id"
		}
		e.reconciled.Add(1)
		metrics.OptimisticReconciled.WithLabelValues(kind).Inc()
		e.log.Debug().Str("message_id", m.ID).Str("local_id", localID).Str("match", kind).Msg("provisional message reconciled")
	}
	return changed
}

// match pairs a durable message with a provisional one: by the echoed client
// id when the server returns one, else by sender, content and a timestamp
// within the match window.
func (e *Engine) match(durable, local Message) bool {
	if durable.ClientID != "" && local.ClientID != "" {
		return durable.ClientID == local.ClientID
	}
	if durable.SenderID != local.SenderID || durable.Content != local.Content || durable.Type != local.Type {
		return false
	}
	d := durable.CreatedAt.Sub(local.CreatedAt)
	if d < 0 {
		d = -d
	}
	return d <= e.matchWindow
}

// ── Live events ──────────────────────────────────────────

// OnLiveEvent applies one inbound event. It never fails: malformed events are
// logged, counted and dropped.
func (e *Engine) OnLiveEvent(ev Event) {
	switch ev.Type {
	case EventState:
		e.onState(ev)
	case EventMessageNew:
		metrics.InboundEvents.WithLabelValues(ev.Type).Inc()
		e.onMessageNew(ev.Payload)
	case EventMessageStatus:
		metrics.InboundEvents.WithLabelValues(ev.Type).Inc()
		e.onMessageStatus(ev.Payload)
	case "":
		e.dropMalformed(&MalformedEventError{Reason: "undecodable frame"})
	default:
		e.log.Debug().Str("type", ev.Type).Msg("ignoring unknown event")
	}
}

func (e *Engine) onMessageNew(payload json.RawMessage) {
	var p MessagePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		e.dropMalformed(&MalformedEventError{Type: EventMessageNew, Reason: err.Error()})
		return
	}
	m, err := p.toMessage(StatusSent)
	if err != nil {
		e.dropMalformed(&MalformedEventError{Type: EventMessageNew, Reason: err.Error()})
		return
	}

	fromPeer := m.SenderID != e.selfID
	focused := fromPeer && e.presence.IsFocused(m.ConversationID)
	if fromPeer {
		m.Status = MaxStatus(m.Status, StatusDelivered)
	}
	if focused {
		m.Status = StatusSeen
	}
	_, known := e.store.Message(m.ID)

	changed := e.reconcile([]Message{m})
	if len(changed) == 0 {
		return
	}

	switch {
	case focused:
		if err := e.sendSeen(e.lifetime(), m.ConversationID, e.selfID); err != nil {
			e.log.Warn().Err(err).Str("conversation_id", m.ConversationID).Msg("seen receipt failed")
		}
	case fromPeer && !known:
		e.notify(changed[0])
	}
}

func (e *Engine) onMessageStatus(payload json.RawMessage) {
	var p StatusPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		e.dropMalformed(&MalformedEventError{Type: EventMessageStatus, Reason: err.Error()})
		return
	}
	status, err := ParseStatus(p.Status)
	if err != nil {
		e.dropMalformed(&MalformedEventError{Type: EventMessageStatus, Reason: err.Error()})
		return
	}

	switch {
	case p.MessageID != "":
		if _, ok := e.store.Advance(p.MessageID, status); !ok {
			e.log.Debug().Str("message_id", p.MessageID).Str("status", string(status)).Msg("status update not applied")
		}
	case p.ConversationID != "" && p.UserID != "":
		changed := e.store.AdvanceConversation(p.ConversationID, p.UserID, status)
		e.log.Debug().
			Str("conversation_id", p.ConversationID).
			Str("status", string(status)).
			Int("changed", len(changed)).
			Msg("conversation status applied")
	default:
		e.dropMalformed(&MalformedEventError{Type: EventMessageStatus, Reason: "missing messageId or conversationId/userId"})
	}
}

func (e *Engine) onState(ev Event) {
	e.mu.Lock()
	prev := e.lastState
	e.lastState = ev.State
	e.mu.Unlock()

	logEv := e.log.Info()
	if ev.Err != nil {
		logEv = e.log.Warn().Err(ev.Err)
	}
	logEv.Str("state", string(ev.State)).Msg("connection state")

	if ev.State == StateConnected && prev == StateReconnecting {
		ctx := e.lifetime()
		e.resyncMu.Lock()
		e.resyncing++
		e.resyncMu.Unlock()
		go func() {
			defer e.resyncFinished()
			e.resync(ctx)
		}()
	}
}

// resync reloads the newest page of every loaded conversation after a
// reconnect, filling anything missed while the channel was down.
func (e *Engine) resync(ctx context.Context) {
	e.mu.Lock()
	ids := make([]string, 0, len(e.cursors))
	for id := range e.cursors {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	sort.Strings(ids)

	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		if err := e.LoadHistory(ctx, id); err != nil {
			e.log.Warn().Err(err).Str("conversation_id", id).Msg("resync failed")
		}
	}
}

// WaitResync blocks until background re-syncs started so far have finished.
func (e *Engine) WaitResync() {
	e.resyncMu.Lock()
	for e.resyncing > 0 {
		e.resyncIdle.Wait()
	}
	e.resyncMu.Unlock()
}

func (e *Engine) resyncFinished() {
	e.resyncMu.Lock()
	e.resyncing--
	if e.resyncing == 0 {
		e.resyncIdle.Broadcast()
	}
	e.resyncMu.Unlock()
}

// lifetime is the context background work runs under: the one passed to Run,
// or Background when events are fed through OnLiveEvent directly.
func (e *Engine) lifetime() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.runCtx == nil {
		return context.Background()
	}
	return e.runCtx
}

func (e *Engine) dropMalformed(err *MalformedEventError) {
	e.malformed.Add(1)
	metrics.MalformedEvents.WithLabelValues(err.Type).Inc()
	e.log.Warn().Err(err).Msg("dropped malformed event")
}

func (e *Engine) notify(m Message) {
	from := Participant{ID: m.SenderID}
	if conv, ok := e.index.Get(m.ConversationID); ok {
		if peer := conv.Peer(e.selfID); peer.ID == m.SenderID {
			from = peer
		}
	}
	e.notified.Add(1)
	e.notes.publish(Notification{Message: m, From: from})
}

// ── Outbound ─────────────────────────────────────────────

// SendMessage sends a text message. See SendMessageType.
func (e *Engine) SendMessage(ctx context.Context, conversationID, senderID, receiverID, content string) (Message, error) {
	return e.SendMessageType(ctx, conversationID, senderID, receiverID, MessageTypeText, content)
}

// SendMessageType inserts a provisional message with a temporary id, then
// dispatches it over the live channel. The provisional entry is replaced when
// the durable copy arrives. While the channel is DISCONNECTED the message is
// posted over REST instead, if a Sender is configured.
func (e *Engine) SendMessageType(ctx context.Context, conversationID, senderID, receiverID, msgType, content string) (Message, error) {
	if conversationID == "" || senderID == "" {
		return Message{}, fmt.Errorf("conversation and sender are required")
	}
	if strings.TrimSpace(content) == "" {
		return Message{}, fmt.Errorf("empty message")
	}
	if msgType == "" {
		msgType = MessageTypeText
	}

	clientID := uuid.Must(uuid.NewV7()).String()
	local := Message{
		ID:             localIDPrefix + clientID,
		ClientID:       clientID,
		ConversationID: conversationID,
		SenderID:       senderID,
		ReceiverID:     receiverID,
		Content:        content,
		Type:           msgType,
		CreatedAt:      e.now().UTC(),
		Status:         StatusSent,
		Local:          true,
	}
	e.store.Upsert(local)

	payload := SendPayload{
		ClientID:       clientID,
		ConversationID: conversationID,
		SenderID:       senderID,
		ReceiverID:     receiverID,
		Content:        content,
		Type:           msgType,
	}
	err := e.channel.Send(OutboundEvent{Type: EventMessageSend, Payload: payload})
	if err == nil {
		return local, nil
	}
	if !errors.Is(err, ErrDisconnected) || e.sender == nil {
		e.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("message not dispatched")
		return local, err
	}

	postCtx, cancel := context.WithTimeout(ctx, e.fetchTimeout)
	defer cancel()
	durable, err := e.sender.PostMessage(postCtx, payload)
	if err != nil {
		e.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("REST send failed")
		return local, fmt.Errorf("send message: %w", err)
	}
	if durable.ClientID == "" {
		durable.ClientID = clientID
	}
	stored := e.store.Replace(local.ID, *durable)
	e.reconciled.Add(1)
	metrics.OptimisticReconciled.WithLabelValues("client_id").Inc()
	return stored, nil
}

// MarkSeen marks every message not authored by userID as SEEN, clears the
// unread flag and sends one seen receipt for the whole conversation. Nothing
// is sent when there was nothing to acknowledge.
func (e *Engine) MarkSeen(ctx context.Context, conversationID, userID string) error {
	changed := e.store.AdvanceConversation(conversationID, userID, StatusSeen)
	wasUnread := e.index.ClearUnread(conversationID)
	if len(changed) == 0 && !wasUnread {
		return nil
	}
	return e.sendSeen(ctx, conversationID, userID)
}

func (e *Engine) sendSeen(ctx context.Context, conversationID, userID string) error {
	err := e.channel.Send(OutboundEvent{
		Type:    EventMessageSeen,
		Payload: SeenPayload{ConversationID: conversationID, UserID: userID},
	})
	if errors.Is(err, ErrDisconnected) && e.sender != nil {
		postCtx, cancel := context.WithTimeout(ctx, e.fetchTimeout)
		defer cancel()
		err = e.sender.MarkSeen(postCtx, conversationID, userID)
	}
	return err
}

func hasUnseenFrom(msgs []Message, selfID string) bool {
	for _, m := range msgs {
		if m.SenderID != selfID && m.Status != StatusSeen {
			return true
		}
	}
	return false
}
