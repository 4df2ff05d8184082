package ember

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Channel boundary
// ============================================================================

// EventChannel is one live push subscription. Events are delivered in the
// order received until the channel is closed, after which Events() is closed.
type EventChannel interface {
	Events() <-chan RealtimeEvent
	Close() error
}

// ChannelFactory opens realtime subscriptions. The message channel is
// filtered to one conversation at the transport level; the reaction channel
// is unfiltered because reaction rows do not carry a conversation id, so the
// engine filters them client-side against the cached message ids.
type ChannelFactory interface {
	OpenMessages(ctx context.Context, conv ConversationID) (EventChannel, error)
	OpenReactions(ctx context.Context) (EventChannel, error)
}

// ============================================================================
// Wire format
// ============================================================================

// realtimeEnvelope is the wire format of one push notification. Row always
// holds the post-change row; the pre-change row is not available, which is
// why reaction deletes converge by re-fetch.
type realtimeEnvelope struct {
	Type  string          `json:"type"`  // "insert" | "update" | "delete"
	Table string          `json:"table"` // "messages" | "message_reactions"
	Row   json.RawMessage `json:"row,omitempty"`
}

// decodeEvent is the single decoding boundary: every transport payload
// becomes one of the closed RealtimeEvent variants or an error. Malformed
// payloads are dropped by the read loop, never dispatched.
func decodeEvent(data []byte) (RealtimeEvent, error) {
	var env realtimeEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	switch env.Table {
	case "messages":
		switch env.Type {
		case "insert", "update":
			var m Message
			if err := json.Unmarshal(env.Row, &m); err != nil {
				return nil, fmt.Errorf("decode message row: %w", err)
			}
			if m.ID == "" {
				return nil, fmt.Errorf("message row missing id")
			}
			if env.Type == "insert" {
				return MessageInserted{Message: m}, nil
			}
			return MessageUpdated{Message: m}, nil
		}
	case "message_reactions":
		switch env.Type {
		case "insert", "update":
			var r Reaction
			if err := json.Unmarshal(env.Row, &r); err != nil {
				return nil, fmt.Errorf("decode reaction row: %w", err)
			}
			if r.MessageID == "" {
				return nil, fmt.Errorf("reaction row missing message id")
			}
			if env.Type == "insert" {
				return ReactionInserted{Reaction: r}, nil
			}
			return ReactionUpdated{Reaction: r}, nil
		case "delete":
			// Delete rows are best-effort; the message id may be absent.
			var r Reaction
			if env.Row != nil {
				_ = json.Unmarshal(env.Row, &r)
			}
			return ReactionDeleted{MessageID: r.MessageID}, nil
		}
	}
	return nil, fmt.Errorf("unknown event %s/%s", env.Table, env.Type)
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector() *reconnector {
	return &reconnector{
		baseDelay:   time.Second,
		maxDelay:    30 * time.Second,
		maxAttempts: 10,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// WebSocket channel
// ============================================================================

// wsChannel is one websocket subscription with auto-reconnect. Closing it
// stops the read loop and closes the event stream; events already in flight
// are still checked against the active conversation at apply time by the
// engine, so late deliveries are harmless.
type wsChannel struct {
	url    string
	log    *slog.Logger
	events chan RealtimeEvent
	recon  *reconnector

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
	cancel context.CancelFunc
}

// OpenMessages opens the message-event subscription for one conversation.
func (c *Client) OpenMessages(ctx context.Context, conv ConversationID) (EventChannel, error) {
	return c.openChannel(ctx, "/realtime?table=messages&conversation="+string(conv))
}

// OpenReactions opens the unfiltered reaction-event subscription.
func (c *Client) OpenReactions(ctx context.Context) (EventChannel, error) {
	return c.openChannel(ctx, "/realtime?table=message_reactions")
}

func (c *Client) openChannel(ctx context.Context, path string) (EventChannel, error) {
	u := strings.Replace(c.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	u += path
	if c.token != "" {
		u += "&token=" + c.token
	}

	ch := &wsChannel{
		url:    u,
		log:    slog.Default(),
		events: make(chan RealtimeEvent, 64),
		recon:  newReconnector(),
	}
	if err := ch.dial(ctx); err != nil {
		return nil, err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	ch.mu.Lock()
	ch.cancel = cancel
	ch.mu.Unlock()
	go ch.readLoop(loopCtx)
	return ch, nil
}

func (ch *wsChannel) dial(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, ch.url, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "")
		return ErrEngineClosed
	}
	ch.conn = conn
	ch.mu.Unlock()
	ch.recon.markConnected()
	return nil
}

func (ch *wsChannel) Events() <-chan RealtimeEvent {
	return ch.events
}

// Close tears the subscription down. No further events are delivered.
func (ch *wsChannel) Close() error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return nil
	}
	ch.closed = true
	conn := ch.conn
	ch.conn = nil
	cancel := ch.cancel
	ch.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "subscription closed")
	}
	return nil
}

func (ch *wsChannel) readLoop(ctx context.Context) {
	defer close(ch.events)

	for {
		ch.mu.Lock()
		conn := ch.conn
		closed := ch.closed
		ch.mu.Unlock()
		if closed || conn == nil {
			return
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			if ch.isClosed() || ctx.Err() != nil {
				return
			}
			if !ch.recon.shouldReconnect() {
				ch.log.Warn("realtime channel gave up reconnecting", "url", ch.url, "err", err)
				return
			}
			delay := ch.recon.nextDelay()
			ch.log.Debug("realtime channel reconnecting", "delay", delay, "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			if err := ch.dial(ctx); err != nil {
				continue
			}
			continue
		}

		ev, err := decodeEvent(data)
		if err != nil {
			// Malformed payloads are dropped; the subscription stays up.
			ch.log.Warn("dropping undecodable realtime event", "err", err)
			continue
		}
		select {
		case ch.events <- ev:
		case <-ctx.Done():
			return
		}
	}
}

func (ch *wsChannel) isClosed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}

var _ ChannelFactory = (*Client)(nil)
