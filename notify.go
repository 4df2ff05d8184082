package ember

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ============================================================================
// Notification boundary
// ============================================================================

// Notification is what the engine hands the push collaborator after a
// successful send. Delivery is fire-and-forget; the engine never waits for or
// depends on confirmation.
type Notification struct {
	RecipientID    UserID         `json:"recipientId"`
	ConversationID ConversationID `json:"conversationId"`
	Preview        string         `json:"preview"`
	SentAt         time.Time      `json:"sentAt"`
}

// Notifier delivers outbound notifications. Implementations must tolerate
// being called concurrently.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NopNotifier discards notifications. Used when no push collaborator is
// configured.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Notification) error { return nil }

// ============================================================================
// Signed HTTP notifier
// ============================================================================

// HTTPNotifier posts notifications to a relay endpoint as JSON signed with
// HMAC-SHA256 in the X-Ember-Signature header.
type HTTPNotifier struct {
	endpoint   string
	secret     string
	httpClient *http.Client
}

// NewHTTPNotifier creates a notifier for the given relay endpoint.
func NewHTTPNotifier(endpoint, secret string) *HTTPNotifier {
	return &HTTPNotifier{
		endpoint:   endpoint,
		secret:     secret,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (n *HTTPNotifier) Notify(ctx context.Context, note Notification) error {
	body, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Ember-Signature", SignNotification(string(body), n.secret))

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("deliver notification: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notification relay returned %d", resp.StatusCode)
	}
	return nil
}

// ============================================================================
// Signing
// ============================================================================

// SignNotification computes the HMAC-SHA256 signature for a notification
// body, in the "sha256=<hex>" form carried by X-Ember-Signature.
func SignNotification(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifyNotificationSignature verifies a notification signature using
// constant-time comparison. Receivers should reject unverified payloads.
func VerifyNotificationSignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	expected := hex.EncodeToString(mac.Sum(nil))

	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}
