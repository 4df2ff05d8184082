package ember

import (
	"sort"
	"time"
)

// ============================================================================
// Conversation Directory
// ============================================================================

// ConversationDirectory owns the ordered conversation list with its preview
// and unread metadata. After any mutation the list is sorted by UpdatedAt
// descending and the running unread total matches the sum of the entries.
type ConversationDirectory struct {
	list        []Conversation
	totalUnread int
}

// NewConversationDirectory creates an empty directory.
func NewConversationDirectory() *ConversationDirectory {
	return &ConversationDirectory{}
}

// Replace swaps in a full reload from the remote store and recomputes the
// total unread count.
func (d *ConversationDirectory) Replace(convs []Conversation) {
	d.list = make([]Conversation, len(convs))
	copy(d.list, convs)
	d.totalUnread = 0
	for _, c := range d.list {
		d.totalUnread += c.UnreadCount
	}
	d.resort()
}

// ApplyPreviewUpdate rewrites a conversation's preview fields, bumps its
// recency and re-sorts. It returns false when the conversation id is unknown
// locally, in which case the caller should fall back to a full reload — that
// covers the brand-new-conversation case where the directory has no entry.
func (d *ConversationDirectory) ApplyPreviewUpdate(id ConversationID, preview string, sender UserID, at time.Time) bool {
	for i := range d.list {
		if d.list[i].ID != id {
			continue
		}
		d.list[i].Preview = preview
		d.list[i].PreviewSenderID = sender
		d.list[i].PreviewAt = at
		if at.After(d.list[i].UpdatedAt) {
			d.list[i].UpdatedAt = at
		}
		d.resort()
		return true
	}
	return false
}

// MarkRead zeroes a conversation's unread count and subtracts its prior value
// from the running total. The total never goes negative.
func (d *ConversationDirectory) MarkRead(id ConversationID) {
	for i := range d.list {
		if d.list[i].ID != id {
			continue
		}
		d.totalUnread -= d.list[i].UnreadCount
		if d.totalUnread < 0 {
			d.totalUnread = 0
		}
		d.list[i].UnreadCount = 0
		return
	}
}

// Upsert inserts or replaces a single conversation entry. Used by the
// get-or-create command so a fresh direct conversation is visible without a
// full reload.
func (d *ConversationDirectory) Upsert(conv Conversation) {
	for i := range d.list {
		if d.list[i].ID == conv.ID {
			d.totalUnread += conv.UnreadCount - d.list[i].UnreadCount
			if d.totalUnread < 0 {
				d.totalUnread = 0
			}
			d.list[i] = conv
			d.resort()
			return
		}
	}
	d.list = append(d.list, conv)
	d.totalUnread += conv.UnreadCount
	d.resort()
}

// Remove deletes the local entry and subtracts its unread contribution.
func (d *ConversationDirectory) Remove(id ConversationID) {
	for i := range d.list {
		if d.list[i].ID != id {
			continue
		}
		d.totalUnread -= d.list[i].UnreadCount
		if d.totalUnread < 0 {
			d.totalUnread = 0
		}
		d.list = append(d.list[:i], d.list[i+1:]...)
		return
	}
}

// Get returns a copy of one entry.
func (d *ConversationDirectory) Get(id ConversationID) (Conversation, bool) {
	for i := range d.list {
		if d.list[i].ID == id {
			return d.list[i], true
		}
	}
	return Conversation{}, false
}

// Snapshot returns a copy of the directory, most recent first.
func (d *ConversationDirectory) Snapshot() []Conversation {
	out := make([]Conversation, len(d.list))
	copy(out, d.list)
	return out
}

// TotalUnread returns the running unread total across all conversations.
func (d *ConversationDirectory) TotalUnread() int {
	return d.totalUnread
}

func (d *ConversationDirectory) resort() {
	sort.SliceStable(d.list, func(i, j int) bool {
		return d.list[i].UpdatedAt.After(d.list[j].UpdatedAt)
	})
}
