package chatsync

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// Delivery Status
// ============================================================================

// Status is the delivery state of a message. It only moves forward:
// SENT < DELIVERED < SEEN.
type Status string

const (
	StatusSent      Status = "SENT"
	StatusDelivered Status = "DELIVERED"
	StatusSeen      Status = "SEEN"
)

// Rank returns the position of s in the delivery order, or 0 for an unknown status.
func (s Status) Rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusSeen:
		return 3
	}
	return 0
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool { return s.Rank() > 0 }

// Advances reports whether moving from s to next is a forward transition.
func (s Status) Advances(next Status) bool {
	return next.Rank() > s.Rank()
}

// MaxStatus returns the more advanced of a and b.
func MaxStatus(a, b Status) Status {
	if a.Advances(b) {
		return b
	}
	return a
}

// ParseStatus parses a wire status, case-insensitively.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToUpper(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown message status %q", raw)
	}
	return s, nil
}

// ============================================================================
// Messages & Conversations
// ============================================================================

// Message types. IMAGE messages carry a content URL reference.
const (
	MessageTypeText  = "TEXT"
	MessageTypeImage = "IMAGE"
)

// localIDPrefix marks temporary ids of optimistic messages.
const localIDPrefix = "local-"

// Message is one entry of a conversation timeline.
type Message struct {
	ID             string    `json:"id"`
	ClientID       string    `json:"clientId,omitempty"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	ReceiverID     string    `json:"receiverId,omitempty"`
	Content        string    `json:"content"`
	Type           string    `json:"type"`
	CreatedAt      time.Time `json:"createdAt"`
	Status         Status    `json:"status"`
	// Local is set on optimistic entries still carrying a temporary id.
	Local bool `json:"local,omitempty"`
}

// Less orders messages by (CreatedAt, ID).
func Less(a, b Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// Participant is a read-only user directory record.
type Participant struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Email    string `json:"email,omitempty"`
	ImageURL string `json:"imageUrl,omitempty"`
}

// LastMessage summarizes the most recent message of a conversation.
type LastMessage struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Type      string    `json:"type,omitempty"`
	SenderID  string    `json:"senderId"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

func summarize(m Message) *LastMessage {
	return &LastMessage{
		ID:        m.ID,
		Content:   m.Content,
		Type:      m.Type,
		SenderID:  m.SenderID,
		Status:    m.Status,
		CreatedAt: m.CreatedAt,
	}
}

// Conversation is a two-party message thread with its last-message summary.
type Conversation struct {
	ID           string         `json:"id"`
	CompanyCode  string         `json:"companyCode,omitempty"`
	Participants [2]Participant `json:"participants"`
	LastMessage  *LastMessage   `json:"lastMessage,omitempty"`
	Unread       bool           `json:"unread"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// Peer returns the participant that is not selfID.
func (c Conversation) Peer(selfID string) Participant {
	if c.Participants[0].ID == selfID {
		return c.Participants[1]
	}
	return c.Participants[0]
}

// ============================================================================
// Wire Types
// ============================================================================

// Inbound event kinds.
const (
	EventAuthenticated = "authenticated"
	EventAuthError     = "auth.error"
	EventMessageNew    = "message.new"
	EventMessageStatus = "message.status"
	// EventState is synthesized locally for connection state transitions.
	EventState = "state"
)

// Outbound event kinds.
const (
	EventMessageSend      = "message.send"
	EventMessageSeen      = "message.seen"
	EventConversationJoin = "conversation.join"
)

// Envelope is the wire format of every live-channel frame.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MessagePayload is the body of a message.new event and of REST message records.
type MessagePayload struct {
	ID             string `json:"id"`
	ClientID       string `json:"clientId,omitempty"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	ReceiverID     string `json:"receiverId,omitempty"`
	Content        string `json:"content"`
	Type           string `json:"type,omitempty"`
	Status         string `json:"status,omitempty"`
	CreatedAt      string `json:"createdAt"`
}

// StatusPayload is the body of a message.status event. Without MessageID it
// applies to every message of the conversation not authored by UserID.
type StatusPayload struct {
	MessageID      string `json:"messageId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	UserID         string `json:"userId,omitempty"`
	Status         string `json:"status"`
}

// SeenPayload is the body of an outbound message.seen event.
type SeenPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

// SendPayload is the body of an outbound message.send event.
type SendPayload struct {
	ClientID       string `json:"clientId"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	ReceiverID     string `json:"receiverId"`
	Content        string `json:"content"`
	Type           string `json:"type"`
	CompanyCode    string `json:"companyCode,omitempty"`
}

// JoinPayload is the body of an outbound conversation.join event.
type JoinPayload struct {
	ConversationID string `json:"conversationId"`
}

// AuthErrorPayload is the body of an auth.error frame.
type AuthErrorPayload struct {
	Message string `json:"message"`
}

// OutboundEvent is a client-to-server event.
type OutboundEvent struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// parseTimestamp accepts RFC 3339 and zone-less server timestamps (read as UTC).
func parseTimestamp(raw string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", raw)
}

// toMessage validates a payload and converts it. defaultStatus applies when
// the payload carries none.
func (p MessagePayload) toMessage(defaultStatus Status) (Message, error) {
	switch {
	case p.ID == "":
		return Message{}, fmt.Errorf("missing id")
	case p.ConversationID == "":
		return Message{}, fmt.Errorf("missing conversationId")
	case p.SenderID == "":
		return Message{}, fmt.Errorf("missing senderId")
	}
	created, err := parseTimestamp(p.CreatedAt)
	if err != nil {
		return Message{}, err
	}
	status := defaultStatus
	if p.Status != "" {
		if status, err = ParseStatus(p.Status); err != nil {
			return Message{}, err
		}
	}
	msgType := strings.ToUpper(p.Type)
	if msgType == "" {
		msgType = MessageTypeText
	}
	return Message{
		ID:             p.ID,
		ClientID:       p.ClientID,
		ConversationID: p.ConversationID,
		SenderID:       p.SenderID,
		ReceiverID:     p.ReceiverID,
		Content:        p.Content,
		Type:           msgType,
		CreatedAt:      created,
		Status:         status,
	}, nil
}
