package ember

import "sort"

// ============================================================================
// Reaction Aggregator
// ============================================================================

// ReactionAggregator owns the reaction sets keyed by message id, merged into
// a deduplicated one-per-user view. Like the message cache it is pure
// in-memory and serialized through the engine's run loop.
type ReactionAggregator struct {
	byMessage map[MessageID][]Reaction
}

// NewReactionAggregator creates an empty aggregator.
func NewReactionAggregator() *ReactionAggregator {
	return &ReactionAggregator{byMessage: make(map[MessageID][]Reaction)}
}

// ReplaceFor removes any existing reaction by r.UserID on r.MessageID, then
// inserts r. The one-reaction-per-user invariant holds atomically from the
// caller's perspective.
func (a *ReactionAggregator) ReplaceFor(r Reaction) {
	list := a.byMessage[r.MessageID]
	out := list[:0]
	for _, existing := range list {
		if existing.UserID != r.UserID {
			out = append(out, existing)
		}
	}
	a.byMessage[r.MessageID] = append(out, r)
}

// Remove deletes the user's reaction on a message if present.
func (a *ReactionAggregator) Remove(user UserID, msg MessageID) {
	list := a.byMessage[msg]
	for i, r := range list {
		if r.UserID == user {
			a.byMessage[msg] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// ReplaceAll swaps in the server's full reaction set for one message. This is
// the convergence path after a remote delete event: the transport does not
// reliably echo which row was removed, so the set is re-fetched wholesale
// rather than patched.
func (a *ReactionAggregator) ReplaceAll(msg MessageID, reactions []Reaction) {
	list := make([]Reaction, 0, len(reactions))
	seen := make(map[UserID]struct{}, len(reactions))
	for _, r := range reactions {
		if _, dup := seen[r.UserID]; dup {
			continue
		}
		seen[r.UserID] = struct{}{}
		list = append(list, r)
	}
	a.byMessage[msg] = list
}

// GroupedView returns the display aggregation for one message: one entry per
// emoji, sorted by count descending with ties broken by first-seen order, so
// the result is deterministic.
func (a *ReactionAggregator) GroupedView(msg MessageID, self UserID) []ReactionGroup {
	list := a.byMessage[msg]
	order := make([]string, 0, len(list))
	groups := make(map[string]*ReactionGroup, len(list))
	for _, r := range list {
		g, ok := groups[r.Emoji]
		if !ok {
			g = &ReactionGroup{Emoji: r.Emoji}
			groups[r.Emoji] = g
			order = append(order, r.Emoji)
		}
		g.Count++
		if r.UserID == self {
			g.Reacted = true
		}
	}

	out := make([]ReactionGroup, len(order))
	for i, emoji := range order {
		out[i] = *groups[emoji]
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Count > out[j].Count
	})
	return out
}

// Drop forgets the reaction sets for the given messages.
func (a *ReactionAggregator) Drop(msgs []MessageID) {
	for _, id := range msgs {
		delete(a.byMessage, id)
	}
}

// Clear forgets everything. Used when the active conversation changes.
func (a *ReactionAggregator) Clear() {
	a.byMessage = make(map[MessageID][]Reaction)
}
