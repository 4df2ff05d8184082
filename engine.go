package ember

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Session
// ============================================================================

// Session identifies the authenticated local user. The engine's lifecycle is
// tied to it: construct on login, Close on logout. With an empty token every
// I/O operation fails with ErrNotAuthenticated and no local state changes.
type Session struct {
	UserID UserID
	Token  string
}

func (s Session) authenticated() bool {
	return s.UserID != "" && s.Token != ""
}

// ============================================================================
// Subscription state
// ============================================================================

// SubscriptionState is the lifecycle of the single live conversation stream.
type SubscriptionState int

const (
	SubIdle SubscriptionState = iota
	SubSubscribing
	SubActive
)

func (s SubscriptionState) String() string {
	switch s {
	case SubSubscribing:
		return "subscribing"
	case SubActive:
		return "active"
	default:
		return "idle"
	}
}

// ============================================================================
// Engine
// ============================================================================

const defaultPageSize = 50

// Engine is the realtime conversation synchronization engine. It owns the
// message cache, the reaction aggregator and the conversation directory, and
// serializes every mutation through a single run-loop goroutine so the
// uniqueness, monotonic-status and one-reaction-per-user invariants hold
// without per-field locking. Network calls happen outside the loop; their
// results are applied inside it, re-checked against the active conversation
// at apply time.
type Engine struct {
	session  Session
	store    RemoteStore
	channels ChannelFactory
	notifier Notifier
	log      *slog.Logger
	pageSize int
	onChange func()
	now      func() time.Time

	tasks     chan func()
	quit      chan struct{}
	closeOnce sync.Once

	// Everything below is owned by the run loop.
	messages  *MessageCache
	reactions *ReactionAggregator
	directory *ConversationDirectory
	active    ConversationID
	subState  SubscriptionState
	openGen   uint64
	msgCh     EventChannel
	reactCh   EventChannel
}

type EngineOption func(*Engine)

// WithNotifier sets the outbound push collaborator.
func WithNotifier(n Notifier) EngineOption {
	return func(e *Engine) { e.notifier = n }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.log = l }
}

// WithPageSize sets the message page size used by Open and LoadOlder.
func WithPageSize(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.pageSize = n
		}
	}
}

// WithOnChange registers a callback fired inside the run loop after any
// cache mutation. It must be fast and must not call back into the engine;
// typical use is nudging the UI to take fresh snapshots.
func WithOnChange(fn func()) EngineOption {
	return func(e *Engine) { e.onChange = fn }
}

// NewEngine constructs an engine for one authenticated session. store and
// channels are usually the same *Client.
func NewEngine(session Session, store RemoteStore, channels ChannelFactory, opts ...EngineOption) *Engine {
	e := &Engine{
		session:   session,
		store:     store,
		channels:  channels,
		notifier:  NopNotifier{},
		log:       slog.Default(),
		pageSize:  defaultPageSize,
		now:       time.Now,
		tasks:     make(chan func(), 128),
		quit:      make(chan struct{}),
		messages:  NewMessageCache(),
		reactions: NewReactionAggregator(),
		directory: NewConversationDirectory(),
	}
	for _, opt := range opts {
		opt(e)
	}
	go e.run()
	return e
}

// Close tears down the live subscription and stops the run loop. The engine
// is unusable afterwards.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.do(func() { e.teardown() })
		close(e.quit)
	})
}

func (e *Engine) run() {
	for {
		select {
		case fn := <-e.tasks:
			fn()
		case <-e.quit:
			return
		}
	}
}

// do runs fn on the run loop and waits for it to finish.
func (e *Engine) do(fn func()) error {
	done := make(chan struct{})
	select {
	case e.tasks <- func() {
		fn()
		close(done)
	}:
	case <-e.quit:
		return ErrEngineClosed
	}
	select {
	case <-done:
		return nil
	case <-e.quit:
		return ErrEngineClosed
	}
}

// post schedules fn on the run loop without waiting. Used by channel pumps
// and background refreshes.
func (e *Engine) post(fn func()) {
	select {
	case e.tasks <- fn:
	case <-e.quit:
	}
}

func (e *Engine) notifyChange() {
	if e.onChange != nil {
		e.onChange()
	}
}

// ============================================================================
// Snapshots (read-only boundary with the UI)
// ============================================================================

// Conversations returns the directory snapshot, most recent first.
func (e *Engine) Conversations() []Conversation {
	var out []Conversation
	e.do(func() { out = e.directory.Snapshot() })
	return out
}

// TotalUnread returns the unread total across all conversations.
func (e *Engine) TotalUnread() int {
	var n int
	e.do(func() { n = e.directory.TotalUnread() })
	return n
}

// Messages returns one conversation's cached messages, oldest first.
func (e *Engine) Messages(conv ConversationID) []Message {
	var out []Message
	e.do(func() { out = e.messages.Snapshot(conv) })
	return out
}

// Reactions returns the grouped reaction view for one message.
func (e *Engine) Reactions(msg MessageID) []ReactionGroup {
	var out []ReactionGroup
	e.do(func() { out = e.reactions.GroupedView(msg, e.session.UserID) })
	return out
}

// Active returns the currently open conversation id, or "" when idle.
func (e *Engine) Active() ConversationID {
	var id ConversationID
	e.do(func() { id = e.active })
	return id
}

// State returns the subscription lifecycle state.
func (e *Engine) State() SubscriptionState {
	var s SubscriptionState
	e.do(func() { s = e.subState })
	return s
}

// ============================================================================
// Conversation directory commands
// ============================================================================

// ReloadConversations replaces the directory from the remote store and
// recomputes the unread total.
func (e *Engine) ReloadConversations(ctx context.Context) error {
	if !e.session.authenticated() {
		return ErrNotAuthenticated
	}
	convs, err := e.store.ListConversations(ctx)
	if err != nil {
		return fmt.Errorf("list conversations: %w", err)
	}
	return e.do(func() {
		e.directory.Replace(convs)
		e.notifyChange()
	})
}

// GetOrCreateDirect returns the direct conversation with partner, creating
// it remotely when none exists, and makes it visible in the directory.
func (e *Engine) GetOrCreateDirect(ctx context.Context, partner UserID) (*Conversation, error) {
	if !e.session.authenticated() {
		return nil, ErrNotAuthenticated
	}
	conv, err := e.store.CreateDirectConversation(ctx, partner)
	if err == nil && conv == nil {
		err = &APIError{Code: "EMPTY_RESPONSE", Message: "create returned no conversation record"}
	}
	if err != nil {
		return nil, fmt.Errorf("get or create conversation: %w", err)
	}
	if err := e.do(func() {
		e.directory.Upsert(*conv)
		e.notifyChange()
	}); err != nil {
		return nil, err
	}
	return conv, nil
}

// DeleteConversation removes the viewer's copy of a conversation remotely
// and locally. The counterpart keeps theirs. If the conversation is the
// active one, its subscription is torn down first.
func (e *Engine) DeleteConversation(ctx context.Context, id ConversationID) error {
	if !e.session.authenticated() {
		return ErrNotAuthenticated
	}
	if err := e.store.DeleteConversation(ctx, id); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return e.do(func() {
		if e.active == id {
			e.teardown()
		}
		e.reactions.Drop(e.messages.IDs(id))
		e.messages.Drop(id)
		e.directory.Remove(id)
		e.notifyChange()
	})
}

// ============================================================================
// Open / subscription lifecycle
// ============================================================================

// Open makes conv the single active conversation: tears down the previous
// subscription, loads the most recent message page and its reactions, then
// establishes the message and reaction channels. Events already in the pipe
// for a previously active conversation are dropped at apply time.
func (e *Engine) Open(ctx context.Context, conv ConversationID) error {
	if !e.session.authenticated() {
		return ErrNotAuthenticated
	}

	// Each Open gets its own generation so two racing Opens, even for the
	// same conversation, cannot both register channels.
	var gen uint64
	if err := e.do(func() {
		e.teardown()
		e.active = conv
		e.subState = SubSubscribing
		e.openGen++
		gen = e.openGen
	}); err != nil {
		return err
	}

	msgs, err := e.store.FetchMessages(ctx, conv, e.pageSize, nil)
	if err != nil {
		e.post(func() {
			if e.openGen == gen {
				e.teardown()
			}
		})
		return fmt.Errorf("load messages: %w", err)
	}

	stale := false
	if err := e.do(func() {
		if e.openGen != gen {
			stale = true
			return
		}
		e.messages.LoadInitial(conv, msgs)
		e.notifyChange()
	}); err != nil {
		return err
	}
	if stale {
		return nil
	}

	ids := make([]MessageID, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	if err := e.refreshReactions(ctx, conv, ids); err != nil {
		e.log.Warn("initial reaction fetch failed", "conversation", conv, "err", err)
	}

	msgCh, err := e.channels.OpenMessages(ctx, conv)
	if err != nil {
		e.post(func() {
			if e.openGen == gen {
				e.teardown()
			}
		})
		return fmt.Errorf("subscribe messages: %w", err)
	}
	reactCh, err := e.channels.OpenReactions(ctx)
	if err != nil {
		msgCh.Close()
		e.post(func() {
			if e.openGen == gen {
				e.teardown()
			}
		})
		return fmt.Errorf("subscribe reactions: %w", err)
	}

	err = e.do(func() {
		if e.openGen != gen {
			// A later Open won the race; these channels belong to an
			// attempt that is no longer current.
			msgCh.Close()
			reactCh.Close()
			return
		}
		e.msgCh = msgCh
		e.reactCh = reactCh
		e.subState = SubActive
		go e.pump(conv, msgCh)
		go e.pump(conv, reactCh)
	})
	if err != nil {
		msgCh.Close()
		reactCh.Close()
	}
	return err
}

// CloseConversation leaves the active conversation and returns to idle.
func (e *Engine) CloseConversation() {
	e.do(func() {
		e.teardown()
		e.notifyChange()
	})
}

// teardown closes both channels and returns to idle. Run-loop only.
func (e *Engine) teardown() {
	if e.msgCh != nil {
		e.msgCh.Close()
		e.msgCh = nil
	}
	if e.reactCh != nil {
		e.reactCh.Close()
		e.reactCh = nil
	}
	if e.active != "" {
		e.reactions.Clear()
	}
	e.active = ""
	e.subState = SubIdle
}

// pump forwards one channel's events into the run loop, tagged with the
// conversation they were subscribed for.
func (e *Engine) pump(conv ConversationID, ch EventChannel) {
	for ev := range ch.Events() {
		ev := ev
		e.post(func() { e.applyRealtime(conv, ev) })
	}
}

// applyRealtime is the single dispatch point for decoded push events.
// Run-loop only. Events for conversations no longer active are dropped here,
// at apply time, which also covers events already in the pipe when teardown
// began.
func (e *Engine) applyRealtime(conv ConversationID, ev RealtimeEvent) {
	if e.active != conv {
		return
	}

	switch ev := ev.(type) {
	case MessageInserted:
		m := ev.Message
		if !e.messages.ApplyRemoteInsert(e.session.UserID, m) {
			return
		}
		if !e.directory.ApplyPreviewUpdate(m.ConversationID, m.Content, m.SenderID, m.CreatedAt) {
			e.reloadDirectoryAsync()
		}
		e.notifyChange()

	case MessageUpdated:
		m := ev.Message
		e.messages.ApplyStatusUpdate(conv, m.ID, m.Status, m.ReadAt)
		e.notifyChange()

	case ReactionInserted:
		if !e.messages.Contains(ev.Reaction.MessageID) {
			return
		}
		e.reactions.ReplaceFor(ev.Reaction)
		e.notifyChange()

	case ReactionUpdated:
		if !e.messages.Contains(ev.Reaction.MessageID) {
			return
		}
		e.reactions.ReplaceFor(ev.Reaction)
		e.notifyChange()

	case ReactionDeleted:
		// The deleted row is unreliable, so converge by re-fetching the
		// affected message's full set. When even the message id is
		// missing, re-fetch every cached message of the conversation.
		ids := []MessageID{ev.MessageID}
		if ev.MessageID == "" {
			ids = e.messages.IDs(conv)
		} else if !e.messages.Contains(ev.MessageID) {
			return
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
			defer cancel()
			if err := e.refreshReactions(ctx, conv, ids); err != nil {
				e.log.Warn("reaction refresh failed", "conversation", conv, "err", err)
			}
		}()
	}
}

// refreshReactions fetches the authoritative reaction sets for ids and swaps
// them in, including now-empty sets. The result is discarded if the
// conversation is no longer active by the time it lands.
func (e *Engine) refreshReactions(ctx context.Context, conv ConversationID, ids []MessageID) error {
	if len(ids) == 0 {
		return nil
	}
	fetched, err := e.store.FetchReactions(ctx, ids)
	if err != nil {
		return fmt.Errorf("fetch reactions: %w", err)
	}
	byMessage := make(map[MessageID][]Reaction, len(ids))
	for _, r := range fetched {
		byMessage[r.MessageID] = append(byMessage[r.MessageID], r)
	}
	return e.do(func() {
		if e.active != conv {
			return
		}
		for _, id := range ids {
			e.reactions.ReplaceAll(id, byMessage[id])
		}
		e.notifyChange()
	})
}

func (e *Engine) reloadDirectoryAsync() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
		defer cancel()
		if err := e.ReloadConversations(ctx); err != nil {
			e.log.Warn("directory reload failed", "err", err)
		}
	}()
}

// ============================================================================
// Pagination
// ============================================================================

// LoadOlder prepends the previous page of messages for conv and returns how
// many rows the store produced; fewer than the page size means the history
// is exhausted.
func (e *Engine) LoadOlder(ctx context.Context, conv ConversationID) (int, error) {
	if !e.session.authenticated() {
		return 0, ErrNotAuthenticated
	}

	var before *time.Time
	e.do(func() {
		if list := e.messages.Snapshot(conv); len(list) > 0 {
			t := list[0].CreatedAt
			before = &t
		}
	})
	if before == nil {
		return 0, nil
	}

	older, err := e.store.FetchMessages(ctx, conv, e.pageSize, before)
	if err != nil {
		return 0, fmt.Errorf("load older messages: %w", err)
	}
	if err := e.do(func() {
		e.messages.LoadOlder(conv, older)
		e.notifyChange()
	}); err != nil {
		return 0, err
	}

	if len(older) > 0 {
		ids := make([]MessageID, len(older))
		for i, m := range older {
			ids[i] = m.ID
		}
		if err := e.refreshReactions(ctx, conv, ids); err != nil {
			e.log.Warn("older-page reaction fetch failed", "conversation", conv, "err", err)
		}
	}
	return len(older), nil
}

// ============================================================================
// Send pipeline
// ============================================================================

// Send runs the optimistic send pipeline: validate, append a provisional
// message, issue the remote write, then reconcile on success or roll back on
// failure. Several sends may be in flight at once; each is isolated by its
// provisional id. Once the remote write is issued the operation runs to
// completion regardless of navigation.
func (e *Engine) Send(ctx context.Context, conv ConversationID, recipient UserID, body string, replyTo *MessageID) (*Message, error) {
	if !e.session.authenticated() {
		return nil, ErrNotAuthenticated
	}
	content := strings.TrimSpace(body)
	if content == "" {
		return nil, ErrEmptyMessage
	}

	provisional := Message{
		ID:             MessageID("local-" + uuid.NewString()),
		ConversationID: conv,
		SenderID:       e.session.UserID,
		Content:        content,
		Status:         StatusSent,
		ReplyToID:      replyTo,
		CreatedAt:      e.now().UTC(),
		Pending:        true,
	}
	if err := e.do(func() {
		e.messages.ApplyOptimisticSend(conv, provisional)
		e.notifyChange()
	}); err != nil {
		return nil, err
	}

	canonical, err := e.store.SendMessage(ctx, SendInput{
		ConversationID: conv,
		RecipientID:    recipient,
		Content:        content,
		ReplyToID:      replyTo,
	})
	if err == nil && canonical == nil {
		err = &APIError{Code: "EMPTY_RESPONSE", Message: "send returned no message record"}
	}
	if err != nil {
		// The provisional bubble must not linger after a failed write.
		e.do(func() {
			e.messages.RollbackSend(conv, provisional.ID)
			e.notifyChange()
		})
		return nil, fmt.Errorf("send message: %w", err)
	}

	if err := e.do(func() {
		e.messages.ReconcileSend(provisional.ID, *canonical)
		if !e.directory.ApplyPreviewUpdate(conv, canonical.Content, canonical.SenderID, canonical.CreatedAt) {
			e.reloadDirectoryAsync()
		}
		e.notifyChange()
	}); err != nil {
		return canonical, err
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
		defer cancel()
		err := e.notifier.Notify(ctx, Notification{
			RecipientID:    recipient,
			ConversationID: conv,
			Preview:        canonical.Content,
			SentAt:         canonical.CreatedAt,
		})
		if err != nil {
			e.log.Debug("notification delivery failed", "conversation", conv, "err", err)
		}
	}()

	return canonical, nil
}

// ============================================================================
// Reactions
// ============================================================================

// React toggles the local user's reaction on a message: a new emoji replaces
// any previous one, toggling the same emoji clears it. The realtime echo of
// the same change is idempotent against the local apply.
func (e *Engine) React(ctx context.Context, msg MessageID, emoji string) error {
	if !e.session.authenticated() {
		return ErrNotAuthenticated
	}
	reaction, removed, err := e.store.ToggleReaction(ctx, msg, emoji)
	if err != nil {
		return fmt.Errorf("toggle reaction: %w", err)
	}
	return e.do(func() {
		if removed || reaction == nil {
			e.reactions.Remove(e.session.UserID, msg)
		} else {
			e.reactions.ReplaceFor(*reaction)
		}
		e.notifyChange()
	})
}

// ============================================================================
// Read receipts
// ============================================================================

// MarkRead marks a conversation read: the remote call goes first and is
// authoritative; only on success are cached counterpart messages promoted to
// read and the directory counter zeroed. Failing remotely changes nothing
// locally, so unread counts never under-report. Calling it when already
// fully read is a harmless no-op.
func (e *Engine) MarkRead(ctx context.Context, conv ConversationID) error {
	if !e.session.authenticated() {
		return ErrNotAuthenticated
	}
	if _, err := e.store.MarkMessagesRead(ctx, conv); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	readAt := e.now().UTC()
	return e.do(func() {
		e.messages.MarkConversationRead(conv, e.session.UserID, readAt)
		e.directory.MarkRead(conv)
		e.notifyChange()
	})
}
