// Package chatsync keeps a two-party chat timeline in sync between a REST
// history endpoint and a live WebSocket channel.
//
// Example:
//
//	api := chatsync.NewClient("https://hr.example.com/api", token)
//	conn := chatsync.NewConnectionManager("wss://hr.example.com/ws", nil)
//	engine := chatsync.NewEngine(userID, api, conn, chatsync.WithSender(api))
//
//	conn.Connect(ctx, token)
//	go engine.Run(ctx)
//
//	engine.LoadConversations(ctx)
//	engine.LoadHistory(ctx, "conv-1")
//	engine.Presence().Focus("conv-1")
//	engine.SendMessage(ctx, "conv-1", userID, peerID, "Hello!")
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultTimeout  = 15 * time.Second
	DefaultPageSize = 50
)

// ============================================================================
// Client
// ============================================================================

// Client is the REST side of chat sync: conversation list, message history
// pages and the send/seen fallbacks used while the live channel is down.
type Client struct {
	token       string
	baseURL     string
	companyCode string
	httpClient  *http.Client
}

type ClientOption func(*Client)

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithCompanyCode scopes every call to one company.
func WithCompanyCode(code string) ClientOption {
	return func(c *Client) { c.companyCode = code }
}

// NewClient creates a REST client for baseURL authenticated with token.
func NewClient(baseURL, token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the bearer token, e.g. after a session refresh.
func (c *Client) SetToken(token string) {
	c.token = token
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query url.Values, header http.Header) ([]byte, error) {
	u := c.baseURL + path
	if c.companyCode != "" {
		if query == nil {
			query = url.Values{}
		}
		query.Set("companyCode", c.companyCode)
	}
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &requestError{err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &requestError{err: err}
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return data, nil
	}

	apiErr := &APIError{}
	_ = json.Unmarshal(data, apiErr)
	apiErr.StatusCode = resp.StatusCode
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, &AuthError{Reason: apiErr.Error()}
	}
	return nil, apiErr
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Conversations
// ============================================================================

type conversationRecord struct {
	ID           string          `json:"id"`
	CompanyCode  string          `json:"companyCode"`
	Participants []Participant   `json:"participants"`
	LastMessage  *MessagePayload `json:"lastMessage"`
	UnreadCount  int             `json:"unreadCount"`
	UpdatedAt    string          `json:"updatedAt"`
}

// Conversations lists the conversations of userID. Unread is derived from the
// server's unread count, or from a last message by the peer that is not SEEN.
func (c *Client) Conversations(ctx context.Context, userID string) ([]Conversation, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/conversations", nil, url.Values{"forUser": {userID}}, nil)
	if err != nil {
		return nil, err
	}
	records, err := decodeJSON[[]conversationRecord](data)
	if err != nil {
		return nil, err
	}

	out := make([]Conversation, 0, len(*records))
	for _, r := range *records {
		if r.ID == "" {
			continue
		}
		conv := Conversation{
			ID:          r.ID,
			CompanyCode: r.CompanyCode,
			Unread:      r.UnreadCount > 0,
		}
		for i := 0; i < len(r.Participants) && i < 2; i++ {
			conv.Participants[i] = r.Participants[i]
		}
		if t, err := parseTimestamp(r.UpdatedAt); err == nil {
			conv.UpdatedAt = t
		}
		if r.LastMessage != nil {
			if r.LastMessage.ConversationID == "" {
				r.LastMessage.ConversationID = r.ID
			}
			if m, err := r.LastMessage.toMessage(StatusSent); err == nil {
				conv.LastMessage = summarize(m)
				if m.SenderID != userID && m.Status != StatusSeen {
					conv.Unread = true
				}
				if m.CreatedAt.After(conv.UpdatedAt) {
					conv.UpdatedAt = m.CreatedAt
				}
			}
		}
		out = append(out, conv)
	}
	return out, nil
}

// Users returns the participant directory.
func (c *Client) Users(ctx context.Context) ([]Participant, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/users", nil, nil, nil)
	if err != nil {
		return nil, err
	}
	users, err := decodeJSON[[]Participant](data)
	if err != nil {
		return nil, err
	}
	return *users, nil
}

// ============================================================================
// Messages
// ============================================================================

// PageRequest selects one history page. An empty Before means the newest page.
type PageRequest struct {
	Before string
	Limit  int
}

// MessagePage is one page of history. Records that failed validation are
// counted in Skipped and left out of Messages.
type MessagePage struct {
	Messages   []Message
	NextBefore string
	HasMore    bool
	Skipped    int
}

type messagePageResponse struct {
	Messages   []MessagePayload `json:"messages"`
	NextBefore string           `json:"nextBefore"`
	HasMore    bool             `json:"hasMore"`
}

// Messages fetches one page of conversation history.
func (c *Client) Messages(ctx context.Context, conversationID string, page PageRequest) (*MessagePage, error) {
	query := url.Values{}
	if page.Before != "" {
		query.Set("before", page.Before)
	}
	if page.Limit > 0 {
		query.Set("limit", strconv.Itoa(page.Limit))
	}
	data, err := c.doRequest(ctx, http.MethodGet, "/conversations/"+url.PathEscape(conversationID)+"/messages", nil, query, nil)
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[messagePageResponse](data)
	if err != nil {
		return nil, err
	}

	out := &MessagePage{NextBefore: resp.NextBefore, HasMore: resp.HasMore}
	for _, p := range resp.Messages {
		if p.ConversationID == "" {
			p.ConversationID = conversationID
		}
		m, err := p.toMessage(StatusSent)
		if err != nil || m.ConversationID != conversationID {
			out.Skipped++
			continue
		}
		out.Messages = append(out.Messages, m)
	}
	return out, nil
}

// PostMessage sends a message over REST. The client id travels as the
// Idempotency-Key header so a retried post is stored once.
func (c *Client) PostMessage(ctx context.Context, msg SendPayload) (*Message, error) {
	if msg.CompanyCode == "" {
		msg.CompanyCode = c.companyCode
	}
	header := http.Header{}
	if msg.ClientID != "" {
		header.Set("Idempotency-Key", msg.ClientID)
	}
	data, err := c.doRequest(ctx, http.MethodPost, "/conversations/"+url.PathEscape(msg.ConversationID)+"/messages", msg, nil, header)
	if err != nil {
		return nil, err
	}
	p, err := decodeJSON[MessagePayload](data)
	if err != nil {
		return nil, err
	}
	if p.ConversationID == "" {
		p.ConversationID = msg.ConversationID
	}
	if p.ClientID == "" {
		p.ClientID = msg.ClientID
	}
	m, err := p.toMessage(StatusSent)
	if err != nil {
		return nil, fmt.Errorf("invalid message in response: %w", err)
	}
	return &m, nil
}

// MarkSeen records that userID has seen every message of the conversation.
func (c *Client) MarkSeen(ctx context.Context, conversationID, userID string) error {
	_, err := c.doRequest(ctx, http.MethodPut, "/conversations/"+url.PathEscape(conversationID)+"/seen", SeenPayload{
		ConversationID: conversationID,
		UserID:         userID,
	}, nil, nil)
	return err
}
