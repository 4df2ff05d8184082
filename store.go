// Package ember provides the official Go SDK for the Ember direct-messaging
// service: a typed remote-store client, realtime event channels, and the
// synchronization engine that keeps a local view of conversations, messages,
// reactions and read state consistent under concurrent local edits and
// out-of-order push events.
//
// Example:
//
//	client := ember.NewClient("https://api.emberchat.dev", token)
//	engine := ember.NewEngine(ember.Session{UserID: me, Token: token}, client, client)
//	defer engine.Close()
//
//	engine.ReloadConversations(ctx)
//	engine.Open(ctx, convID)
//	engine.Send(ctx, convID, partner, "hello", nil)
package ember

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

// ============================================================================
// Remote Store boundary
// ============================================================================

// RemoteStore is the engine's only view of the server's data plane. Reads are
// idempotent and retry-safe; writes return the canonical records with their
// server-assigned identifiers.
type RemoteStore interface {
	// ListConversations fetches the viewer's conversations with their
	// unread counts.
	ListConversations(ctx context.Context) ([]Conversation, error)

	// CreateDirectConversation returns the existing direct conversation
	// with partner, creating it when none exists.
	CreateDirectConversation(ctx context.Context, partner UserID) (*Conversation, error)

	// DeleteConversation removes the viewer's copy of a conversation. The
	// counterpart's copy persists; deletion is per-viewer, not global.
	DeleteConversation(ctx context.Context, id ConversationID) error

	// FetchMessages returns up to limit messages in ascending creation
	// order. A non-nil before restricts the page to strictly older rows.
	FetchMessages(ctx context.Context, id ConversationID, limit int, before *time.Time) ([]Message, error)

	// SendMessage invokes the send procedure and returns the canonical
	// message record, including the server-assigned id and timestamp.
	SendMessage(ctx context.Context, in SendInput) (*Message, error)

	// MarkMessagesRead marks every qualifying message in a conversation
	// read for the viewer and returns the affected-row count. The server
	// decides which messages qualify.
	MarkMessagesRead(ctx context.Context, id ConversationID) (int, error)

	// ToggleReaction sets or clears the viewer's reaction on a message.
	// It returns the resulting reaction, or removed=true when the call
	// cleared an identical existing reaction.
	ToggleReaction(ctx context.Context, msg MessageID, emoji string) (reaction *Reaction, removed bool, err error)

	// FetchReactions returns the full current reaction sets for the given
	// message ids.
	FetchReactions(ctx context.Context, msgs []MessageID) ([]Reaction, error)
}

// ============================================================================
// HTTP client
// ============================================================================

const DefaultTimeout = 30 * time.Second

// Client is the HTTP implementation of RemoteStore against the Ember API. It
// also implements ChannelFactory for the realtime endpoints (realtime.go).
type Client struct {
	baseURL    string
	token      string
	timeout    time.Duration
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the request timeout. It applies regardless of option
// order, including on a client supplied via WithHTTPClient.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.timeout = timeout }
}

// NewClient creates an API client. The token is the bearer token of the
// authenticated session; pass "" for an unauthenticated client (every call
// will then fail server-side).
func NewClient(baseURL, token string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.timeout > 0 {
		c.httpClient.Timeout = c.timeout
	}
	return c
}

// SetToken replaces the bearer token, e.g. after a session refresh.
func (c *Client) SetToken(token string) {
	c.token = token
}

// apiResult is the envelope every Ember API endpoint responds with.
type apiResult struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) (*apiResult, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var result apiResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if !result.OK {
		if result.Error != nil {
			return nil, result.Error
		}
		return nil, &APIError{Code: "HTTP_" + strconv.Itoa(resp.StatusCode), Message: http.StatusText(resp.StatusCode)}
	}
	return &result, nil
}

func decodeJSON[T any](r *apiResult) (T, error) {
	var v T
	if r.Data == nil {
		return v, nil
	}
	if err := json.Unmarshal(r.Data, &v); err != nil {
		return v, fmt.Errorf("unmarshal data: %w", err)
	}
	return v, nil
}

// ============================================================================
// RemoteStore implementation
// ============================================================================

func (c *Client) ListConversations(ctx context.Context) ([]Conversation, error) {
	res, err := c.doRequest(ctx, "GET", "/api/chat/conversations", nil, map[string]string{"withUnread": "true"})
	if err != nil {
		return nil, err
	}
	return decodeJSON[[]Conversation](res)
}

func (c *Client) CreateDirectConversation(ctx context.Context, partner UserID) (*Conversation, error) {
	res, err := c.doRequest(ctx, "POST", "/api/chat/conversations/direct", map[string]string{"userId": string(partner)}, nil)
	if err != nil {
		return nil, err
	}
	conv, err := decodeJSON[*Conversation](res)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, &APIError{Code: "EMPTY_RESPONSE", Message: "create returned no conversation record"}
	}
	return conv, nil
}

func (c *Client) DeleteConversation(ctx context.Context, id ConversationID) error {
	_, err := c.doRequest(ctx, "DELETE", "/api/chat/conversations/"+string(id), nil, nil)
	return err
}

func (c *Client) FetchMessages(ctx context.Context, id ConversationID, limit int, before *time.Time) ([]Message, error) {
	query := map[string]string{"limit": strconv.Itoa(limit)}
	if before != nil {
		query["before"] = before.UTC().Format(time.RFC3339Nano)
	}
	res, err := c.doRequest(ctx, "GET", "/api/chat/conversations/"+string(id)+"/messages", nil, query)
	if err != nil {
		return nil, err
	}
	msgs, err := decodeJSON[[]Message](res)
	if err != nil {
		return nil, err
	}
	// The API returns newest-first; callers work with ascending order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (c *Client) SendMessage(ctx context.Context, in SendInput) (*Message, error) {
	res, err := c.doRequest(ctx, "POST", "/api/chat/messages", in, nil)
	if err != nil {
		return nil, err
	}
	m, err := decodeJSON[*Message](res)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, &APIError{Code: "EMPTY_RESPONSE", Message: "send returned no message record"}
	}
	return m, nil
}

func (c *Client) MarkMessagesRead(ctx context.Context, id ConversationID) (int, error) {
	res, err := c.doRequest(ctx, "POST", "/api/chat/conversations/"+string(id)+"/read", nil, nil)
	if err != nil {
		return 0, err
	}
	payload, err := decodeJSON[struct {
		Affected int `json:"affected"`
	}](res)
	if err != nil {
		return 0, err
	}
	return payload.Affected, nil
}

func (c *Client) ToggleReaction(ctx context.Context, msg MessageID, emoji string) (*Reaction, bool, error) {
	res, err := c.doRequest(ctx, "POST", "/api/chat/messages/"+string(msg)+"/reactions", map[string]string{"emoji": emoji}, nil)
	if err != nil {
		return nil, false, err
	}
	payload, err := decodeJSON[struct {
		Removed  bool      `json:"removed"`
		Reaction *Reaction `json:"reaction,omitempty"`
	}](res)
	if err != nil {
		return nil, false, err
	}
	return payload.Reaction, payload.Removed, nil
}

func (c *Client) FetchReactions(ctx context.Context, msgs []MessageID) ([]Reaction, error) {
	if len(msgs) == 0 {
		return nil, nil
	}
	ids := make([]string, len(msgs))
	for i, id := range msgs {
		ids[i] = string(id)
	}
	res, err := c.doRequest(ctx, "GET", "/api/chat/reactions", nil, map[string]string{"messageIds": strings.Join(ids, ",")})
	if err != nil {
		return nil, err
	}
	return decodeJSON[[]Reaction](res)
}

var _ RemoteStore = (*Client)(nil)
