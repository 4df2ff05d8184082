package ember

import (
	"encoding/json"
	"errors"
	"time"
)

// ============================================================================
// Identifiers
// ============================================================================

// Ids are distinct string types so a message id can never be passed where a
// conversation id is expected.

type UserID string

type ConversationID string

type MessageID string

type ReactionID string

// ============================================================================
// Message Status
// ============================================================================

// MessageStatus is the delivery state of a message. It only ever moves
// forward: Sent < Delivered < Read.
type MessageStatus int

const (
	StatusSent MessageStatus = iota
	StatusDelivered
	StatusRead
)

var statusNames = map[MessageStatus]string{
	StatusSent:      "sent",
	StatusDelivered: "delivered",
	StatusRead:      "read",
}

var statusValues = map[string]MessageStatus{
	"sent":      StatusSent,
	"delivered": StatusDelivered,
	"read":      StatusRead,
}

func (s MessageStatus) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "sent"
}

// MarshalJSON encodes the status as its wire name.
func (s MessageStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a wire status name. Unknown values decode as "sent"
// so a newer server cannot break an older client.
func (s *MessageStatus) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	*s = statusValues[name]
	return nil
}

// ============================================================================
// Domain Types
// ============================================================================

// Conversation is a direct-message thread between two participants, with the
// denormalized preview and unread metadata the directory keeps sorted.
type Conversation struct {
	ID              ConversationID `json:"id"`
	UserID          UserID         `json:"userId"`
	PartnerID       UserID         `json:"partnerId"`
	Preview         string         `json:"preview,omitempty"`
	PreviewSenderID UserID         `json:"previewSenderId,omitempty"`
	PreviewAt       time.Time      `json:"previewAt,omitempty"`
	UnreadCount     int            `json:"unreadCount"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}

// Message is a single chat message. Provisional (not yet confirmed) messages
// carry a locally generated id and Pending=true until the server write
// confirms and assigns the canonical id.
type Message struct {
	ID             MessageID      `json:"id"`
	ConversationID ConversationID `json:"conversationId"`
	SenderID       UserID         `json:"senderId"`
	Content        string         `json:"content"`
	Status         MessageStatus  `json:"status"`
	ReplyToID      *MessageID     `json:"replyToId,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	ReadAt         *time.Time     `json:"readAt,omitempty"`
	Pending        bool           `json:"-"`
}

// Reaction is one user's emoji on one message. At most one reaction exists
// per (message, user) pair; a new emoji from the same user replaces the old.
type Reaction struct {
	ID        ReactionID `json:"id"`
	MessageID MessageID  `json:"messageId"`
	UserID    UserID     `json:"userId"`
	Emoji     string     `json:"emoji"`
	CreatedAt time.Time  `json:"createdAt"`
}

// ReactionGroup is the display aggregation of one emoji on one message.
type ReactionGroup struct {
	Emoji   string `json:"emoji"`
	Count   int    `json:"count"`
	Reacted bool   `json:"reacted"` // current user is among the reactors
}

// SendInput is the payload of the send-message procedure.
type SendInput struct {
	ConversationID ConversationID `json:"conversationId"`
	RecipientID    UserID         `json:"recipientId"`
	Content        string         `json:"content"`
	ReplyToID      *MessageID     `json:"replyToId,omitempty"`
}

// ============================================================================
// Errors
// ============================================================================

// APIError represents a structured error returned by the Ember API.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Sentinel errors surfaced by the engine.
var (
	// ErrNotAuthenticated is returned by every I/O operation when the
	// session has no token; local caches are never touched in that state.
	ErrNotAuthenticated = errors.New("ember: not authenticated")

	// ErrEmptyMessage is returned by Send when the trimmed body is empty.
	ErrEmptyMessage = errors.New("ember: message body is empty")

	// ErrNoActiveConversation is returned by commands that require an open
	// conversation when none is active.
	ErrNoActiveConversation = errors.New("ember: no active conversation")

	// ErrEngineClosed is returned once the engine has been shut down.
	ErrEngineClosed = errors.New("ember: engine closed")
)

// ============================================================================
// Realtime Events
// ============================================================================

// RealtimeEvent is the closed set of decoded push events. Transport payloads
// are decoded at one boundary into exactly these variants and dispatched
// through a single switch in the engine.
type RealtimeEvent interface {
	realtimeEvent()
}

// MessageInserted carries a newly inserted message row.
type MessageInserted struct {
	Message Message
}

// MessageUpdated carries the post-change row of an updated message. Only
// status transitions are ever applied from it.
type MessageUpdated struct {
	Message Message
}

// ReactionInserted carries a newly inserted reaction row.
type ReactionInserted struct {
	Reaction Reaction
}

// ReactionUpdated carries the post-change row of an updated reaction.
type ReactionUpdated struct {
	Reaction Reaction
}

// ReactionDeleted signals that a reaction was removed. The transport does not
// reliably echo the deleted row, so only the message id is trusted — and even
// that may be empty, in which case the affected message is unknown.
type ReactionDeleted struct {
	MessageID MessageID
}

func (MessageInserted) realtimeEvent()  {}
func (MessageUpdated) realtimeEvent()   {}
func (ReactionInserted) realtimeEvent() {}
func (ReactionUpdated) realtimeEvent()  {}
func (ReactionDeleted) realtimeEvent()  {}
