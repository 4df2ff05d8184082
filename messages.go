package ember

import (
	"sort"
	"time"
)

// ============================================================================
// Message Cache
// ============================================================================

// MessageCache holds the ordered, per-conversation message lists. It owns
// optimistic inserts, pagination prepends and status merging. Every method is
// a pure in-memory mutation and cannot fail; callers serialize access through
// the engine's run loop.
//
// Invariants: within one conversation the list is ordered by CreatedAt
// ascending and each message id appears at most once.
type MessageCache struct {
	byConv map[ConversationID][]Message
	index  map[ConversationID]map[MessageID]struct{}
}

// NewMessageCache creates an empty message cache.
func NewMessageCache() *MessageCache {
	return &MessageCache{
		byConv: make(map[ConversationID][]Message),
		index:  make(map[ConversationID]map[MessageID]struct{}),
	}
}

// LoadInitial replaces the cached list for a conversation with msgs, which
// must already be in ascending creation order. Used on first open.
func (c *MessageCache) LoadInitial(conv ConversationID, msgs []Message) {
	list := make([]Message, len(msgs))
	copy(list, msgs)
	idx := make(map[MessageID]struct{}, len(list))
	for _, m := range list {
		idx[m.ID] = struct{}{}
	}
	c.byConv[conv] = list
	c.index[conv] = idx
}

// LoadOlder prepends strictly older messages without disturbing existing
// entries. Rows at or after the existing earliest timestamp, or with an id
// already cached, are skipped. An empty or short page is a no-op, not an
// error; the caller infers exhaustion from what it fetched.
func (c *MessageCache) LoadOlder(conv ConversationID, older []Message) {
	existing := c.byConv[conv]
	idx := c.ensureIndex(conv)

	var cutoff time.Time
	if len(existing) > 0 {
		cutoff = existing[0].CreatedAt
	}

	prefix := make([]Message, 0, len(older))
	for _, m := range older {
		if _, dup := idx[m.ID]; dup {
			continue
		}
		if len(existing) > 0 && !m.CreatedAt.Before(cutoff) {
			continue
		}
		prefix = append(prefix, m)
	}
	if len(prefix) == 0 {
		return
	}
	sort.SliceStable(prefix, func(i, j int) bool {
		return prefix[i].CreatedAt.Before(prefix[j].CreatedAt)
	})
	for _, m := range prefix {
		idx[m.ID] = struct{}{}
	}
	c.byConv[conv] = append(prefix, existing...)
}

// ApplyOptimisticSend appends a provisional message immediately, before the
// remote write confirms.
func (c *MessageCache) ApplyOptimisticSend(conv ConversationID, m Message) {
	m.Pending = true
	idx := c.ensureIndex(conv)
	if _, dup := idx[m.ID]; dup {
		return
	}
	idx[m.ID] = struct{}{}
	c.byConv[conv] = append(c.byConv[conv], m)
}

// ReconcileSend replaces the provisional entry with the canonical message in
// place, preserving its list position. If the provisional entry is gone (for
// example evicted by a concurrent full reload) the canonical message is
// inserted at its timestamp-correct position instead — unless the reload
// already brought the canonical row in, in which case there is nothing to do.
func (c *MessageCache) ReconcileSend(provisional MessageID, canonical Message) {
	conv := canonical.ConversationID
	canonical.Pending = false
	list := c.byConv[conv]
	idx := c.ensureIndex(conv)

	for i := range list {
		if list[i].ID == provisional {
			delete(idx, provisional)
			if _, dup := idx[canonical.ID]; dup {
				// Canonical id already arrived via another path; drop the
				// provisional entry instead of duplicating.
				c.byConv[conv] = append(list[:i], list[i+1:]...)
				return
			}
			list[i] = canonical
			idx[canonical.ID] = struct{}{}
			return
		}
	}
	if _, dup := idx[canonical.ID]; dup {
		return
	}
	c.insertSorted(conv, canonical)
}

// RollbackSend removes the provisional entry. Called only when the remote
// write fails irrecoverably.
func (c *MessageCache) RollbackSend(conv ConversationID, provisional MessageID) {
	list := c.byConv[conv]
	for i := range list {
		if list[i].ID == provisional {
			c.byConv[conv] = append(list[:i], list[i+1:]...)
			delete(c.index[conv], provisional)
			return
		}
	}
}

// ApplyRemoteInsert inserts a message delivered by the realtime channel.
// Inserts whose sender is the local user are ignored: that message is already
// present via the optimistic path, and this rule is the sole de-duplication
// between the two paths. Returns true if the cache changed.
func (c *MessageCache) ApplyRemoteInsert(self UserID, m Message) bool {
	if m.SenderID == self {
		return false
	}
	idx := c.ensureIndex(m.ConversationID)
	if _, dup := idx[m.ID]; dup {
		return false
	}
	c.insertSorted(m.ConversationID, m)
	return true
}

// ApplyStatusUpdate promotes a message's status. The update is applied only
// when the new status is strictly later in the sent < delivered < read order,
// which makes delivery safe at-least-once and out of order.
func (c *MessageCache) ApplyStatusUpdate(conv ConversationID, id MessageID, status MessageStatus, readAt *time.Time) {
	list := c.byConv[conv]
	for i := range list {
		if list[i].ID != id {
			continue
		}
		if status <= list[i].Status {
			return
		}
		list[i].Status = status
		if readAt != nil {
			t := *readAt
			list[i].ReadAt = &t
		}
		return
	}
}

// MarkConversationRead promotes every cached message not sent by the local
// user to read, with the given read time. The monotonicity guard still
// applies per message.
func (c *MessageCache) MarkConversationRead(conv ConversationID, self UserID, readAt time.Time) {
	list := c.byConv[conv]
	for i := range list {
		if list[i].SenderID == self {
			continue
		}
		if StatusRead <= list[i].Status {
			continue
		}
		t := readAt
		list[i].Status = StatusRead
		list[i].ReadAt = &t
	}
}

// Contains reports whether a message id is cached anywhere. Used to filter
// reaction events, which do not carry a conversation id.
func (c *MessageCache) Contains(id MessageID) bool {
	for _, idx := range c.index {
		if _, ok := idx[id]; ok {
			return true
		}
	}
	return false
}

// Snapshot returns a copy of one conversation's list, oldest first.
func (c *MessageCache) Snapshot(conv ConversationID) []Message {
	list := c.byConv[conv]
	out := make([]Message, len(list))
	copy(out, list)
	return out
}

// IDs returns the cached message ids for a conversation.
func (c *MessageCache) IDs(conv ConversationID) []MessageID {
	list := c.byConv[conv]
	ids := make([]MessageID, len(list))
	for i, m := range list {
		ids[i] = m.ID
	}
	return ids
}

// Drop forgets a conversation's list entirely.
func (c *MessageCache) Drop(conv ConversationID) {
	delete(c.byConv, conv)
	delete(c.index, conv)
}

func (c *MessageCache) ensureIndex(conv ConversationID) map[MessageID]struct{} {
	idx, ok := c.index[conv]
	if !ok {
		idx = make(map[MessageID]struct{})
		c.index[conv] = idx
	}
	return idx
}

// insertSorted places m at its timestamp-correct position. The common case is
// an append at the tail.
func (c *MessageCache) insertSorted(conv ConversationID, m Message) {
	list := c.byConv[conv]
	idx := c.ensureIndex(conv)
	pos := sort.Search(len(list), func(i int) bool {
		return list[i].CreatedAt.After(m.CreatedAt)
	})
	list = append(list, Message{})
	copy(list[pos+1:], list[pos:])
	list[pos] = m
	c.byConv[conv] = list
	idx[m.ID] = struct{}{}
}
