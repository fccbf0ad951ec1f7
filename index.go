package chatsync

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Index is the per-user conversation list: last-message summary, unread flag
// and recency ordering. It is fed by every Store mutation and by the REST
// conversation list.
type Index struct {
	mu      sync.RWMutex
	selfID  string
	entries map[string]*indexEntry
	touch   uint64
	subs    *broadcaster[[]Conversation]
}

type indexEntry struct {
	conv    Conversation
	touched uint64
}

// NewIndex creates an empty index for selfID.
func NewIndex(selfID string) *Index {
	return &Index{
		selfID:  selfID,
		entries: make(map[string]*indexEntry),
		subs:    newBroadcaster[[]Conversation](),
	}
}

// MessagesChanged implements StoreObserver.
func (x *Index) MessagesChanged(conversationID string, changed []Message, last Message) {
	x.mu.Lock()
	defer x.mu.Unlock()

	e := x.entries[conversationID]
	if e == nil {
		e = &indexEntry{conv: Conversation{ID: conversationID}}
		x.entries[conversationID] = e
	}
	for _, m := range changed {
		fillParticipants(&e.conv, m)
	}
	fillParticipants(&e.conv, last)

	prev := e.conv.LastMessage
	if prev == nil || prev.ID == last.ID || strings.HasPrefix(prev.ID, localIDPrefix) || !last.CreatedAt.Before(prev.CreatedAt) {
		if prev == nil || prev.ID != last.ID {
			x.touch++
			e.touched = x.touch
		}
		e.conv.LastMessage = summarize(last)
	}
	if last.CreatedAt.After(e.conv.UpdatedAt) {
		e.conv.UpdatedAt = last.CreatedAt
	}
	for _, m := range changed {
		if !m.Local && m.SenderID != x.selfID && m.Status != StatusSeen {
			e.conv.Unread = true
		}
	}
	x.publishLocked()
}

// fillParticipants records sender and receiver ids in empty participant slots
// until the server list supplies the full records.
func fillParticipants(c *Conversation, m Message) {
	for _, id := range []string{m.SenderID, m.ReceiverID} {
		if id == "" || c.Participants[0].ID == id || c.Participants[1].ID == id {
			continue
		}
		for i := range c.Participants {
			if c.Participants[i].ID == "" {
				c.Participants[i].ID = id
				break
			}
		}
	}
}

// ClearUnread resets the unread flag and reports whether it was set.
func (x *Index) ClearUnread(conversationID string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	e := x.entries[conversationID]
	if e == nil || !e.conv.Unread {
		return false
	}
	e.conv.Unread = false
	x.publishLocked()
	return true
}

// Merge folds a server conversation list into the index. Server entries win on
// participant metadata; local entries win on the last message when they are
// more recent.
func (x *Index) Merge(server []Conversation) {
	x.mu.Lock()
	defer x.mu.Unlock()

	for _, sc := range server {
		if sc.ID == "" {
			continue
		}
		e := x.entries[sc.ID]
		if e == nil {
			x.touch++
			c := sc
			if c.LastMessage != nil {
				lm := *c.LastMessage
				c.LastMessage = &lm
			}
			x.entries[sc.ID] = &indexEntry{conv: c, touched: x.touch}
			continue
		}

		if sc.Participants[0].ID != "" || sc.Participants[1].ID != "" {
			e.conv.Participants = sc.Participants
		}
		if sc.CompanyCode != "" {
			e.conv.CompanyCode = sc.CompanyCode
		}
		if sc.UpdatedAt.After(e.conv.UpdatedAt) {
			e.conv.UpdatedAt = sc.UpdatedAt
		}

		local, remote := e.conv.LastMessage, sc.LastMessage
		switch {
		case remote == nil:
		case local == nil:
			lm := *remote
			e.conv.LastMessage = &lm
			e.conv.Unread = e.conv.Unread || sc.Unread
		case local.ID == remote.ID:
			local.Status = MaxStatus(local.Status, remote.Status)
		case remote.CreatedAt.After(local.CreatedAt):
			lm := *remote
			e.conv.LastMessage = &lm
			e.conv.Unread = e.conv.Unread || sc.Unread
		}
	}
	x.publishLocked()
}

// Get returns one conversation summary.
func (x *Index) Get(conversationID string) (Conversation, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	e := x.entries[conversationID]
	if e == nil {
		return Conversation{}, false
	}
	return copyConversation(e.conv), true
}

// List returns conversations ordered by most recent activity first.
func (x *Index) List() []Conversation {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.listLocked()
}

// Subscribe replays the current list, then every re-sorted list after a change.
func (x *Index) Subscribe() *Subscription[[]Conversation] {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.subs.subscribe(x.listLocked())
}

func (x *Index) listLocked() []Conversation {
	entries := make([]*indexEntry, 0, len(x.entries))
	for _, e := range x.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		ai, aj := activity(entries[i].conv), activity(entries[j].conv)
		if !ai.Equal(aj) {
			return ai.After(aj)
		}
		if entries[i].touched != entries[j].touched {
			return entries[i].touched > entries[j].touched
		}
		return entries[i].conv.ID < entries[j].conv.ID
	})
	out := make([]Conversation, len(entries))
	for i, e := range entries {
		out[i] = copyConversation(e.conv)
	}
	return out
}

func (x *Index) publishLocked() {
	if x.subs.len() == 0 {
		return
	}
	x.subs.publish(x.listLocked())
}

func activity(c Conversation) time.Time {
	if c.LastMessage != nil && c.LastMessage.CreatedAt.After(c.UpdatedAt) {
		return c.LastMessage.CreatedAt
	}
	return c.UpdatedAt
}

func copyConversation(c Conversation) Conversation {
	if c.LastMessage != nil {
		lm := *c.LastMessage
		c.LastMessage = &lm
	}
	return c
}
