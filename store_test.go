package ember

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okEnvelope(t *testing.T, w http.ResponseWriter, data interface{}) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	json.NewEncoder(w).Encode(apiResult{OK: true, Data: raw})
}

func TestClientAuthHeader(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		okEnvelope(t, w, []Conversation{})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret-token")
	_, err := c.ListConversations(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret-token", gotAuth)
}

func TestClientListConversations(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat/conversations", r.URL.Path)
		assert.Equal(t, "true", r.URL.Query().Get("withUnread"))
		okEnvelope(t, w, []Conversation{
			{ID: "c1", UserID: "u1", PartnerID: "u2", UnreadCount: 3, CreatedAt: base, UpdatedAt: base},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "t")
	convs, err := c.ListConversations(context.Background())
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, ConversationID("c1"), convs[0].ID)
	assert.Equal(t, 3, convs[0].UnreadCount)
}

func TestClientFetchMessages(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat/conversations/c1/messages", r.URL.Path)
		assert.Equal(t, "50", r.URL.Query().Get("limit"))
		assert.NotEmpty(t, r.URL.Query().Get("before"))
		// Newest first on the wire.
		okEnvelope(t, w, []Message{
			{ID: "m2", ConversationID: "c1", SenderID: "u2", CreatedAt: base.Add(time.Minute)},
			{ID: "m1", ConversationID: "c1", SenderID: "u2", CreatedAt: base},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "t")
	before := base.Add(time.Hour)
	msgs, err := c.FetchMessages(context.Background(), "c1", 50, &before)
	require.NoError(t, err)
	// The client hands back ascending order.
	assert.Equal(t, []MessageID{"m1", "m2"}, ids(msgs))
}

func TestClientSendMessage(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat/messages", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)

		var in SendInput
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, "hello", in.Content)
		assert.Equal(t, UserID("u2"), in.RecipientID)

		okEnvelope(t, w, Message{
			ID:             "m1",
			ConversationID: in.ConversationID,
			SenderID:       "u1",
			Content:        in.Content,
			Status:         StatusSent,
			CreatedAt:      base,
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "t")
	m, err := c.SendMessage(context.Background(), SendInput{
		ConversationID: "c1",
		RecipientID:    "u2",
		Content:        "hello",
	})
	require.NoError(t, err)
	assert.Equal(t, MessageID("m1"), m.ID)
	assert.Equal(t, StatusSent, m.Status)
}

func TestClientMarkMessagesRead(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat/conversations/c1/read", r.URL.Path)
		okEnvelope(t, w, map[string]int{"affected": 4})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "t")
	n, err := c.MarkMessagesRead(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestClientToggleReaction(t *testing.T) {
	t.Run("set", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/api/chat/messages/m1/reactions", r.URL.Path)
			okEnvelope(t, w, map[string]interface{}{
				"removed":  false,
				"reaction": Reaction{ID: "r1", MessageID: "m1", UserID: "u1", Emoji: "👍"},
			})
		}))
		defer srv.Close()

		c := NewClient(srv.URL, "t")
		reaction, removed, err := c.ToggleReaction(context.Background(), "m1", "👍")
		require.NoError(t, err)
		assert.False(t, removed)
		require.NotNil(t, reaction)
		assert.Equal(t, "👍", reaction.Emoji)
	})

	t.Run("clear", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			okEnvelope(t, w, map[string]interface{}{"removed": true})
		}))
		defer srv.Close()

		c := NewClient(srv.URL, "t")
		reaction, removed, err := c.ToggleReaction(context.Background(), "m1", "👍")
		require.NoError(t, err)
		assert.True(t, removed)
		assert.Nil(t, reaction)
	})
}

func TestClientFetchReactions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat/reactions", r.URL.Path)
		assert.Equal(t, "m1,m2", r.URL.Query().Get("messageIds"))
		okEnvelope(t, w, []Reaction{
			{ID: "r1", MessageID: "m1", UserID: "u1", Emoji: "👍"},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "t")
	rs, err := c.FetchReactions(context.Background(), []MessageID{"m1", "m2"})
	require.NoError(t, err)
	require.Len(t, rs, 1)
	assert.Equal(t, MessageID("m1"), rs[0].MessageID)

	// Empty input never hits the network.
	rs, err = c.FetchReactions(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, rs)
}

func TestClientEmptyDataEnvelope(t *testing.T) {
	// A well-formed success envelope with no data must surface as an error,
	// never as a nil record with a nil error.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(apiResult{OK: true})
	}))
	defer srv.Close()
	c := NewClient(srv.URL, "t")

	t.Run("send message", func(t *testing.T) {
		m, err := c.SendMessage(context.Background(), SendInput{
			ConversationID: "c1",
			RecipientID:    "u2",
			Content:        "hello",
		})
		require.Error(t, err)
		assert.Nil(t, m)
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, "EMPTY_RESPONSE", apiErr.Code)
	})

	t.Run("create direct conversation", func(t *testing.T) {
		conv, err := c.CreateDirectConversation(context.Background(), "u2")
		require.Error(t, err)
		assert.Nil(t, conv)
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, "EMPTY_RESPONSE", apiErr.Code)
	})
}

func TestClientOptionOrder(t *testing.T) {
	hc := &http.Client{}
	c := NewClient("https://example.test", "t", WithTimeout(5*time.Second), WithHTTPClient(hc))

	// The timeout sticks even though the custom client was applied after it.
	assert.Same(t, hc, c.httpClient)
	assert.Equal(t, 5*time.Second, c.httpClient.Timeout)
}

func TestClientErrorEnvelope(t *testing.T) {
	t.Run("structured API error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(apiResult{
				OK:    false,
				Error: &APIError{Code: "CONVERSATION_NOT_FOUND", Message: "no such conversation"},
			})
		}))
		defer srv.Close()

		c := NewClient(srv.URL, "t")
		_, err := c.ListConversations(context.Background())
		require.Error(t, err)
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, "CONVERSATION_NOT_FOUND", apiErr.Code)
	})

	t.Run("bare non-2xx status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
			json.NewEncoder(w).Encode(apiResult{OK: false})
		}))
		defer srv.Close()

		c := NewClient(srv.URL, "t")
		_, err := c.ListConversations(context.Background())
		require.Error(t, err)
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, "HTTP_502", apiErr.Code)
	})

	t.Run("non-JSON body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("<html>gateway timeout</html>"))
		}))
		defer srv.Close()

		c := NewClient(srv.URL, "t")
		_, err := c.ListConversations(context.Background())
		assert.Error(t, err)
	})
}
