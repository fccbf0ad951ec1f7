package chatsync

import "sync"

// Presence records which conversation, if any, the user is currently viewing.
// It starts empty and is never persisted.
type Presence struct {
	mu     sync.RWMutex
	active string
}

// Focus marks conversationID as the one on screen.
func (p *Presence) Focus(conversationID string) {
	p.mu.Lock()
	p.active = conversationID
	p.mu.Unlock()
}

// Unfocus clears the active conversation.
func (p *Presence) Unfocus() {
	p.mu.Lock()
	p.active = ""
	p.mu.Unlock()
}

// Active returns the focused conversation id.
func (p *Presence) Active() (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.active, p.active != ""
}

func (p *Presence) IsFocused(conversationID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return conversationID != "" && p.active == conversationID
}
