package ember

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

const (
	testConv ConversationID = "conv-1"
	testSelf UserID         = "user-self"
	testPeer UserID         = "user-peer"
)

func mkMsg(id MessageID, sender UserID, at time.Time) Message {
	return Message{
		ID:             id,
		ConversationID: testConv,
		SenderID:       sender,
		Content:        "body of " + string(id),
		Status:         StatusSent,
		CreatedAt:      at,
	}
}

func ids(msgs []Message) []MessageID {
	out := make([]MessageID, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestMessageCacheLoadInitial(t *testing.T) {
	c := NewMessageCache()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	c.LoadInitial(testConv, []Message{
		mkMsg("m1", testPeer, base),
		mkMsg("m2", testSelf, base.Add(time.Minute)),
	})
	assert.Equal(t, []MessageID{"m1", "m2"}, ids(c.Snapshot(testConv)))

	// A second load replaces, never merges.
	c.LoadInitial(testConv, []Message{mkMsg("m3", testPeer, base.Add(2*time.Minute))})
	assert.Equal(t, []MessageID{"m3"}, ids(c.Snapshot(testConv)))
	assert.False(t, c.Contains("m1"))
}

func TestMessageCacheLoadOlder(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("prepends strictly older rows", func(t *testing.T) {
		c := NewMessageCache()
		c.LoadInitial(testConv, []Message{
			mkMsg("m10", testPeer, base),
			mkMsg("m11", testSelf, base.Add(time.Minute)),
		})
		c.LoadOlder(testConv, []Message{
			mkMsg("m8", testPeer, base.Add(-2*time.Minute)),
			mkMsg("m9", testSelf, base.Add(-time.Minute)),
		})
		assert.Equal(t, []MessageID{"m8", "m9", "m10", "m11"}, ids(c.Snapshot(testConv)))
	})

	t.Run("never introduces duplicates or reordering", func(t *testing.T) {
		c := NewMessageCache()
		c.LoadInitial(testConv, []Message{
			mkMsg("m10", testPeer, base),
			mkMsg("m11", testSelf, base.Add(time.Minute)),
		})
		// Page overlaps the cached head: the duplicate and the
		// at-or-after-cutoff row are both skipped.
		c.LoadOlder(testConv, []Message{
			mkMsg("m9", testPeer, base.Add(-time.Minute)),
			mkMsg("m10", testPeer, base),
			mkMsg("m12", testPeer, base.Add(2*time.Minute)),
		})

		got := c.Snapshot(testConv)
		assert.Equal(t, []MessageID{"m9", "m10", "m11"}, ids(got))
		for i := 1; i < len(got); i++ {
			assert.False(t, got[i].CreatedAt.Before(got[i-1].CreatedAt))
		}
	})

	t.Run("empty page is a no-op", func(t *testing.T) {
		c := NewMessageCache()
		c.LoadInitial(testConv, []Message{mkMsg("m10", testPeer, base)})
		c.LoadOlder(testConv, nil)
		assert.Equal(t, []MessageID{"m10"}, ids(c.Snapshot(testConv)))
	})
}

func TestMessageCacheOptimisticSendLifecycle(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("reconcile replaces in place", func(t *testing.T) {
		c := NewMessageCache()
		c.LoadInitial(testConv, []Message{mkMsg("m1", testPeer, base)})

		prov := mkMsg("local-abc", testSelf, base.Add(time.Minute))
		c.ApplyOptimisticSend(testConv, prov)

		got := c.Snapshot(testConv)
		assert.True(t, got[1].Pending)

		canonical := mkMsg("m2", testSelf, base.Add(time.Minute))
		c.ReconcileSend("local-abc", canonical)

		got = c.Snapshot(testConv)
		assert.Equal(t, []MessageID{"m1", "m2"}, ids(got))
		assert.False(t, got[1].Pending)
		assert.False(t, c.Contains("local-abc"))
	})

	t.Run("reconcile of evicted provisional inserts at sorted position", func(t *testing.T) {
		c := NewMessageCache()
		// A concurrent full reload dropped the provisional entry.
		c.LoadInitial(testConv, []Message{
			mkMsg("m1", testPeer, base),
			mkMsg("m3", testPeer, base.Add(2*time.Minute)),
		})
		c.ReconcileSend("local-gone", mkMsg("m2", testSelf, base.Add(time.Minute)))
		assert.Equal(t, []MessageID{"m1", "m2", "m3"}, ids(c.Snapshot(testConv)))
	})

	t.Run("reconcile after reload that already holds the canonical row", func(t *testing.T) {
		c := NewMessageCache()
		c.ApplyOptimisticSend(testConv, mkMsg("local-abc", testSelf, base.Add(time.Minute)))
		// A full reload evicted the provisional entry and the server's copy
		// of the send is already in the page.
		c.LoadInitial(testConv, []Message{
			mkMsg("m1", testPeer, base),
			mkMsg("m2", testSelf, base.Add(time.Minute)),
		})
		c.ReconcileSend("local-abc", mkMsg("m2", testSelf, base.Add(time.Minute)))
		assert.Equal(t, []MessageID{"m1", "m2"}, ids(c.Snapshot(testConv)))
	})

	t.Run("rollback removes the provisional bubble", func(t *testing.T) {
		c := NewMessageCache()
		c.ApplyOptimisticSend(testConv, mkMsg("local-x", testSelf, base))
		c.RollbackSend(testConv, "local-x")
		assert.Empty(t, c.Snapshot(testConv))
	})
}

func TestMessageCacheRemoteInsert(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("ignores inserts from the local user", func(t *testing.T) {
		c := NewMessageCache()
		c.ApplyOptimisticSend(testConv, mkMsg("local-abc", testSelf, base))
		c.ReconcileSend("local-abc", mkMsg("m1", testSelf, base))

		// The realtime echo of our own send must not duplicate it.
		assert.False(t, c.ApplyRemoteInsert(testSelf, mkMsg("m1", testSelf, base)))
		assert.Len(t, c.Snapshot(testConv), 1)
	})

	t.Run("deduplicates by canonical id", func(t *testing.T) {
		c := NewMessageCache()
		assert.True(t, c.ApplyRemoteInsert(testSelf, mkMsg("m1", testPeer, base)))
		assert.False(t, c.ApplyRemoteInsert(testSelf, mkMsg("m1", testPeer, base)))
		assert.Len(t, c.Snapshot(testConv), 1)
	})

	t.Run("inserts at timestamp order", func(t *testing.T) {
		c := NewMessageCache()
		c.LoadInitial(testConv, []Message{
			mkMsg("m1", testPeer, base),
			mkMsg("m3", testPeer, base.Add(2*time.Minute)),
		})
		c.ApplyRemoteInsert(testSelf, mkMsg("m2", testPeer, base.Add(time.Minute)))
		assert.Equal(t, []MessageID{"m1", "m2", "m3"}, ids(c.Snapshot(testConv)))
	})
}

func TestMessageCacheStatusMonotonic(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	readAt := base.Add(time.Hour)

	c := NewMessageCache()
	c.LoadInitial(testConv, []Message{mkMsg("m1", testPeer, base)})

	c.ApplyStatusUpdate(testConv, "m1", StatusRead, &readAt)
	assert.Equal(t, StatusRead, c.Snapshot(testConv)[0].Status)

	// Applying read twice, or delivered after read, changes nothing.
	c.ApplyStatusUpdate(testConv, "m1", StatusRead, &readAt)
	c.ApplyStatusUpdate(testConv, "m1", StatusDelivered, nil)
	got := c.Snapshot(testConv)[0]
	assert.Equal(t, StatusRead, got.Status)
	if assert.NotNil(t, got.ReadAt) {
		assert.True(t, got.ReadAt.Equal(readAt))
	}

	// Unknown ids are ignored.
	c.ApplyStatusUpdate(testConv, "m-missing", StatusRead, nil)
}

func TestMessageCacheMarkConversationRead(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := NewMessageCache()
	c.LoadInitial(testConv, []Message{
		mkMsg("m1", testPeer, base),
		mkMsg("m2", testSelf, base.Add(time.Minute)),
		mkMsg("m3", testPeer, base.Add(2*time.Minute)),
	})

	readAt := base.Add(time.Hour)
	c.MarkConversationRead(testConv, testSelf, readAt)

	got := c.Snapshot(testConv)
	assert.Equal(t, StatusRead, got[0].Status)
	assert.Equal(t, StatusSent, got[1].Status) // own message untouched
	assert.Equal(t, StatusRead, got[2].Status)
	assert.NotNil(t, got[2].ReadAt)
}
