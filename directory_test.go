package ember

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func mkConv(id ConversationID, unread int, updated time.Time) Conversation {
	return Conversation{
		ID:          id,
		UserID:      testSelf,
		PartnerID:   testPeer,
		UnreadCount: unread,
		CreatedAt:   updated.Add(-time.Hour),
		UpdatedAt:   updated,
	}
}

func convIDs(convs []Conversation) []ConversationID {
	out := make([]ConversationID, len(convs))
	for i, c := range convs {
		out[i] = c.ID
	}
	return out
}

func TestDirectoryReplaceSortsAndTotals(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d := NewConversationDirectory()
	d.Replace([]Conversation{
		mkConv("a", 3, base),
		mkConv("b", 0, base.Add(time.Hour)),
		mkConv("c", 2, base.Add(-time.Hour)),
	})

	assert.Equal(t, []ConversationID{"b", "a", "c"}, convIDs(d.Snapshot()))
	assert.Equal(t, 5, d.TotalUnread())
}

func TestDirectoryPreviewUpdate(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("bumps recency and resorts", func(t *testing.T) {
		d := NewConversationDirectory()
		d.Replace([]Conversation{
			mkConv("a", 0, base),
			mkConv("b", 0, base.Add(time.Hour)),
		})

		at := base.Add(2 * time.Hour)
		assert.True(t, d.ApplyPreviewUpdate("a", "hello", testPeer, at))
		assert.Equal(t, []ConversationID{"a", "b"}, convIDs(d.Snapshot()))

		got, ok := d.Get("a")
		assert.True(t, ok)
		assert.Equal(t, "hello", got.Preview)
		assert.Equal(t, testPeer, got.PreviewSenderID)
		assert.True(t, got.UpdatedAt.Equal(at))
	})

	t.Run("stale timestamp keeps recency", func(t *testing.T) {
		d := NewConversationDirectory()
		d.Replace([]Conversation{mkConv("a", 0, base)})

		assert.True(t, d.ApplyPreviewUpdate("a", "old", testPeer, base.Add(-time.Hour)))
		got, _ := d.Get("a")
		assert.Equal(t, "old", got.Preview)
		assert.True(t, got.UpdatedAt.Equal(base))
	})

	t.Run("unknown id reports false", func(t *testing.T) {
		d := NewConversationDirectory()
		assert.False(t, d.ApplyPreviewUpdate("missing", "x", testPeer, base))
	})
}

func TestDirectoryMarkRead(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d := NewConversationDirectory()
	d.Replace([]Conversation{
		mkConv("a", 3, base),
		mkConv("b", 2, base.Add(time.Hour)),
	})

	d.MarkRead("a")
	got, _ := d.Get("a")
	assert.Equal(t, 0, got.UnreadCount)
	assert.Equal(t, 2, d.TotalUnread())

	// Idempotent, and unknown ids are ignored.
	d.MarkRead("a")
	d.MarkRead("missing")
	assert.Equal(t, 2, d.TotalUnread())

	d.MarkRead("b")
	assert.Equal(t, 0, d.TotalUnread())
	d.MarkRead("b")
	assert.Equal(t, 0, d.TotalUnread())
}

func TestDirectoryUpsert(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d := NewConversationDirectory()
	d.Replace([]Conversation{mkConv("a", 1, base)})

	// Insert path.
	d.Upsert(mkConv("b", 2, base.Add(time.Hour)))
	assert.Equal(t, []ConversationID{"b", "a"}, convIDs(d.Snapshot()))
	assert.Equal(t, 3, d.TotalUnread())

	// Replace path adjusts the total by the delta.
	d.Upsert(mkConv("b", 0, base.Add(2*time.Hour)))
	assert.Equal(t, 1, d.TotalUnread())
}

func TestDirectoryRemove(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d := NewConversationDirectory()
	d.Replace([]Conversation{
		mkConv("a", 3, base),
		mkConv("b", 1, base.Add(time.Hour)),
	})

	d.Remove("a")
	assert.Equal(t, []ConversationID{"b"}, convIDs(d.Snapshot()))
	assert.Equal(t, 1, d.TotalUnread())

	_, ok := d.Get("a")
	assert.False(t, ok)
}
