package chatsync

import (
	"sort"
	"sync"
)

// parkedLimit bounds status updates held for messages not yet stored.
const parkedLimit = 4096

// Update is one item of a conversation subscription. The first update of every
// subscription is a snapshot; later ones carry upserted messages (full values)
// and ids removed by optimistic-entry replacement.
type Update struct {
	ConversationID string
	Snapshot       bool
	Messages       []Message
	Removed        []string
}

// StoreObserver is notified synchronously after every store mutation with the
// changed messages and the conversation's latest message after the change.
type StoreObserver interface {
	MessagesChanged(conversationID string, changed []Message, last Message)
}

// ============================================================================
// Store
// ============================================================================

// Store is the in-memory, per-conversation ordered message log. All mutation is
// append-or-replace-by-id under one store-wide lock; the lock is never held
// across I/O.
type Store struct {
	mu       sync.RWMutex
	logs     map[string][]Message
	byID     map[string]string
	parked   map[string]Status
	subs     map[string]*broadcaster[Update]
	observer StoreObserver
}

// NewStore creates an empty store. observer may be nil.
func NewStore(observer StoreObserver) *Store {
	return &Store{
		logs:     make(map[string][]Message),
		byID:     make(map[string]string),
		parked:   make(map[string]Status),
		subs:     make(map[string]*broadcaster[Update]),
		observer: observer,
	}
}

// ── Reads ────────────────────────────────────────────────

// Messages returns a copy of the ordered timeline of a conversation.
func (s *Store) Messages(conversationID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Message(nil), s.logs[conversationID]...)
}

// Message looks a message up by id.
func (s *Store) Message(id string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	convID, ok := s.byID[id]
	if !ok {
		return Message{}, false
	}
	log := s.logs[convID]
	if i := indexOf(log, id); i >= 0 {
		return log[i], true
	}
	return Message{}, false
}

func (s *Store) Len(conversationID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.logs[conversationID])
}

// Provisional returns the optimistic entries of a conversation.
func (s *Store) Provisional(conversationID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Message
	for _, m := range s.logs[conversationID] {
		if m.Local {
			out = append(out, m)
		}
	}
	return out
}

// ConversationIDs returns every conversation that holds at least one message.
func (s *Store) ConversationIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.logs))
	for id, log := range s.logs {
		if len(log) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// ── Subscriptions ────────────────────────────────────────

// Subscribe replays the current timeline of conversationID, then streams every
// later change in mutation order.
func (s *Store) Subscribe(conversationID string) *Subscription[Update] {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.subs[conversationID]
	if b == nil {
		b = newBroadcaster[Update]()
		s.subs[conversationID] = b
	}
	return b.subscribe(Update{
		ConversationID: conversationID,
		Snapshot:       true,
		Messages:       append([]Message(nil), s.logs[conversationID]...),
	})
}

// ── Mutations ────────────────────────────────────────────

// Upsert inserts or replaces messages by id. An existing, more advanced status
// always wins. The whole batch is applied under one lock.
func (s *Store) Upsert(msgs ...Message) []Message {
	changed, _ := s.Reconcile(msgs, nil)
	return changed
}

// MatchFunc reports whether a local optimistic entry is the provisional copy
// of a durable message.
type MatchFunc func(durable, local Message) bool

// Reconcile stores a batch of durable messages under one lock. A message whose
// id is unknown replaces the first local entry of its conversation accepted by
// match. It returns the stored messages and a map of durable id to the
// temporary id it replaced.
func (s *Store) Reconcile(msgs []Message, match MatchFunc) ([]Message, map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var changed []Message
	replaced := make(map[string]string)
	type delta struct {
		upserted []Message
		removed  []string
	}
	deltas := make(map[string]*delta)
	order := make([]string, 0, 1)
	deltaFor := func(convID string) *delta {
		d := deltas[convID]
		if d == nil {
			d = &delta{}
			deltas[convID] = d
			order = append(order, convID)
		}
		return d
	}

	for _, m := range msgs {
		if _, known := s.byID[m.ID]; !known && match != nil && !m.Local {
			for _, local := range s.logs[m.ConversationID] {
				if !local.Local || !match(m, local) {
					continue
				}
				m.Status = MaxStatus(m.Status, local.Status)
				if m.ClientID == "" {
					m.ClientID = local.ClientID
				}
				if m.ReceiverID == "" {
					m.ReceiverID = local.ReceiverID
				}
				s.removeLocked(local.ConversationID, local.ID)
				replaced[m.ID] = local.ID
				d := deltaFor(m.ConversationID)
				d.removed = append(d.removed, local.ID)
				break
			}
		}
		stored, ok := s.upsertLocked(m)
		if !ok {
			continue
		}
		changed = append(changed, stored)
		d := deltaFor(stored.ConversationID)
		d.upserted = append(d.upserted, stored)
	}
	for _, convID := range order {
		d := deltas[convID]
		s.publishLocked(convID, d.upserted, d.removed)
	}
	return changed, replaced
}

// Replace atomically removes oldID and stores msg.
func (s *Store) Replace(oldID string, msg Message) Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []string
	if oldID != msg.ID {
		if convID, ok := s.byID[oldID]; ok {
			if i := indexOf(s.logs[convID], oldID); i >= 0 {
				msg.Status = MaxStatus(msg.Status, s.logs[convID][i].Status)
			}
			s.removeLocked(convID, oldID)
			removed = []string{oldID}
		}
	}
	stored, ok := s.upsertLocked(msg)
	if !ok {
		stored, _ = s.getLocked(msg.ID)
	}
	if ok || removed != nil {
		var upserted []Message
		if ok {
			upserted = []Message{stored}
		}
		s.publishLocked(msg.ConversationID, upserted, removed)
	}
	return stored
}

// Advance moves one message forward to status. Replays and regressions are
// no-ops. Updates for unknown ids are parked until the message arrives.
func (s *Store) Advance(id string, status Status) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	convID, ok := s.byID[id]
	if !ok {
		if len(s.parked) < parkedLimit || s.parked[id] != "" {
			s.parked[id] = MaxStatus(s.parked[id], status)
		}
		return Message{}, false
	}
	log := s.logs[convID]
	i := indexOf(log, id)
	if i < 0 || !log[i].Status.Advances(status) {
		return Message{}, false
	}
	log[i].Status = status
	s.publishLocked(convID, []Message{log[i]}, nil)
	return log[i], true
}

// AdvanceConversation moves every message of a conversation not authored by
// exceptSender forward to status. Provisional entries advance too; the status
// carries over to the durable copy when it replaces them.
func (s *Store) AdvanceConversation(conversationID, exceptSender string, status Status) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	var changed []Message
	log := s.logs[conversationID]
	for i := range log {
		if log[i].SenderID == exceptSender || !log[i].Status.Advances(status) {
			continue
		}
		log[i].Status = status
		changed = append(changed, log[i])
	}
	if len(changed) > 0 {
		s.publishLocked(conversationID, changed, nil)
	}
	return changed
}

// ── Internals (callers hold s.mu) ────────────────────────

func (s *Store) upsertLocked(m Message) (Message, bool) {
	if parked, ok := s.parked[m.ID]; ok {
		m.Status = MaxStatus(m.Status, parked)
		delete(s.parked, m.ID)
	}
	log := s.logs[m.ConversationID]
	if convID, ok := s.byID[m.ID]; ok {
		if convID != m.ConversationID {
			// Message ids are unique per conversation; keep the first placement.
			m.ConversationID = convID
			log = s.logs[convID]
		}
		i := indexOf(log, m.ID)
		existing := log[i]
		m.Status = MaxStatus(existing.Status, m.Status)
		if m.ClientID == "" {
			m.ClientID = existing.ClientID
		}
		if m.ReceiverID == "" {
			m.ReceiverID = existing.ReceiverID
		}
		if sameMessage(existing, m) {
			return existing, false
		}
		log = append(log[:i], log[i+1:]...)
	}
	j := sort.Search(len(log), func(k int) bool { return Less(m, log[k]) })
	log = append(log, Message{})
	copy(log[j+1:], log[j:])
	log[j] = m
	s.logs[m.ConversationID] = log
	s.byID[m.ID] = m.ConversationID
	return m, true
}

func (s *Store) removeLocked(convID, id string) {
	log := s.logs[convID]
	if i := indexOf(log, id); i >= 0 {
		s.logs[convID] = append(log[:i], log[i+1:]...)
	}
	delete(s.byID, id)
}

func (s *Store) getLocked(id string) (Message, bool) {
	convID, ok := s.byID[id]
	if !ok {
		return Message{}, false
	}
	log := s.logs[convID]
	if i := indexOf(log, id); i >= 0 {
		return log[i], true
	}
	return Message{}, false
}

func (s *Store) publishLocked(convID string, upserted []Message, removed []string) {
	if log := s.logs[convID]; s.observer != nil && len(log) > 0 {
		s.observer.MessagesChanged(convID, upserted, log[len(log)-1])
	}
	if b := s.subs[convID]; b != nil {
		b.publish(Update{
			ConversationID: convID,
			Messages:       append([]Message(nil), upserted...),
			Removed:        removed,
		})
	}
}

func indexOf(log []Message, id string) int {
	for i := range log {
		if log[i].ID == id {
			return i
		}
	}
	return -1
}

func sameMessage(a, b Message) bool {
	return a.ID == b.ID &&
		a.ClientID == b.ClientID &&
		a.ConversationID == b.ConversationID &&
		a.SenderID == b.SenderID &&
		a.ReceiverID == b.ReceiverID &&
		a.Content == b.Content &&
		a.Type == b.Type &&
		a.CreatedAt.Equal(b.CreatedAt) &&
		a.Status == b.Status &&
		a.Local == b.Local
}
