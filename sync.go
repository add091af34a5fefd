package sawerni

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// API is the slice of the REST surface the synchronization engine
// consumes. *Client satisfies it; tests substitute a scripted fake.
type API interface {
	Conversations(ctx context.Context, page, perPage int) (*ConversationPage, error)
	Thread(ctx context.Context, conversationID string, page, perPage int) (*ThreadPage, error)
	MarkRead(ctx context.Context, conversationID string) error
	SendMessage(ctx context.Context, conversationID string, draft *Draft) (*Message, error)
}

// SyncerOptions tunes a Syncer. The zero value is usable.
type SyncerOptions struct {
	// PerPage is the window size for list and thread fetches.
	PerPage int
	// Now overrides the clock, so cache freshness is testable.
	Now func() time.Time
}

// pageState tracks backward pagination for one conversation. Not
// persisted; reset whenever a non-cached first-page load happens.
type pageState struct {
	page    int
	hasMore bool
	loading bool
}

// Syncer keeps a client-side view of conversations and message threads
// consistent across paginated REST fetches, optimistic sends and
// asynchronously arriving realtime events.
//
// All state is guarded by one mutex and every thread mutation is a
// read-modify-write through MergeMessages, so REST responses and events
// describing the same message may land in any order and converge to the
// same deduplicated, createdAt-sorted view. Network calls are made with
// the lock released; the handlers that run in between see and produce
// consistent state.
type Syncer struct {
	api    API
	selfID string

	mu      sync.Mutex
	convs   map[string]*Conversation
	removed map[string]bool
	pages   map[string]*pageState
	drafts  map[string]*Draft
	active  string

	cache   *threadCache
	perPage int
	now     func() time.Time
}

// NewSyncer creates a synchronization engine for the authenticated user.
// selfID is the caller's own participant id; the engine needs it to keep
// the caller's own messages out of unread accounting.
func NewSyncer(api API, selfID string, opts *SyncerOptions) *Syncer {
	if opts == nil {
		opts = &SyncerOptions{}
	}
	perPage := opts.PerPage
	if perPage <= 0 {
		perPage = DefaultPerPage
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Syncer{
		api:     api,
		selfID:  selfID,
		convs:   make(map[string]*Conversation),
		removed: make(map[string]bool),
		pages:   make(map[string]*pageState),
		drafts:  make(map[string]*Draft),
		cache:   newThreadCache(now),
		perPage: perPage,
		now:     now,
	}
}

// ============================================================================
// Conversation list
// ============================================================================

// RefreshConversations fetches one page of conversation summaries and
// merges them into the synchronized list. Server copies win field-wise
// (read state is last-writer-wins by contract).
func (s *Syncer) RefreshConversations(ctx context.Context) error {
	page, err := s.api.Conversations(ctx, 1, s.perPage)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range page.Items {
		c := page.Items[i]
		if s.removed[c.ID] {
			continue
		}
		s.convs[c.ID] = &c
	}
	return nil
}

// ConversationSort selects a presentation order for Conversations. Each
// is a pure function over the synchronized list.
type ConversationSort int

const (
	// SortByRecent orders by lastActiveAt descending, id ascending on
	// ties. This is the canonical order.
	SortByRecent ConversationSort = iota
	// SortByUnread orders by unread count descending, then recency.
	SortByUnread
	// SortByName orders by the other participant's display name.
	SortByName
)

// Conversations returns the list in canonical order.
func (s *Syncer) Conversations() []Conversation {
	return s.ConversationsBy(SortByRecent)
}

// ConversationsBy returns a snapshot of the list under the given sort.
func (s *Syncer) ConversationsBy(by ConversationSort) []Conversation {
	s.mu.Lock()
	list := make([]Conversation, 0, len(s.convs))
	for _, c := range s.convs {
		list = append(list, *c)
	}
	s.mu.Unlock()

	recency := func(i, j int) bool {
		if !list[i].LastActiveAt.Equal(list[j].LastActiveAt) {
			return list[i].LastActiveAt.After(list[j].LastActiveAt)
		}
		return list[i].ID < list[j].ID
	}
	switch by {
	case SortByUnread:
		sort.SliceStable(list, func(i, j int) bool {
			if list[i].UnreadCount != list[j].UnreadCount {
				return list[i].UnreadCount > list[j].UnreadCount
			}
			return recency(i, j)
		})
	case SortByName:
		sort.SliceStable(list, func(i, j int) bool {
			ni, nj := list[i].OtherParticipant.DisplayName, list[j].OtherParticipant.DisplayName
			if ni != nj {
				return ni < nj
			}
			return list[i].ID < list[j].ID
		})
	default:
		sort.SliceStable(list, recency)
	}
	return list
}

// Unread returns the current unread count for a conversation.
func (s *Syncer) Unread(conversationID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.convs[conversationID]; ok {
		return c.UnreadCount
	}
	return 0
}

// ============================================================================
// Selection and pagination
// ============================================================================

// ActiveConversation returns the currently selected conversation id, or
// "" when none is selected.
func (s *Syncer) ActiveConversation() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Deselect clears the active selection. In-flight loads for the thread
// still complete and land in the cache, so switching back finds data.
func (s *Syncer) Deselect() {
	s.mu.Lock()
	s.active = ""
	s.mu.Unlock()
}

// Select makes a conversation the active thread, loads its first page
// (cache read-through) and then marks it read, best-effort. Returns the
// merged visible thread.
func (s *Syncer) Select(ctx context.Context, conversationID string) ([]Message, error) {
	s.mu.Lock()
	s.active = conversationID
	s.mu.Unlock()

	msgs, err := s.loadFirstPage(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	s.markRead(ctx, conversationID)
	return msgs, nil
}

// markRead zeroes the unread counter optimistically and issues the
// mark-read call. On failure the counter is restored only if the user
// has since left the conversation; one lost decrement is acceptable and
// the call is not retried.
func (s *Syncer) markRead(ctx context.Context, conversationID string) {
	s.mu.Lock()
	prev := 0
	if c, ok := s.convs[conversationID]; ok {
		prev = c.UnreadCount
		c.UnreadCount = 0
	}
	s.mu.Unlock()

	if err := s.api.MarkRead(ctx, conversationID); err != nil {
		s.mu.Lock()
		if s.active != conversationID {
			if c, ok := s.convs[conversationID]; ok {
				c.UnreadCount = prev
			}
		}
		s.mu.Unlock()
	}
}

// loadFirstPage resolves the thread's newest window, preferring a fresh
// cache entry. A hit resets pagination to {1, true}: the true remaining
// page count is not cached, so hasMore stays optimistic and a redundant
// "load more" after a hit merges to nothing.
func (s *Syncer) loadFirstPage(ctx context.Context, conversationID string) ([]Message, error) {
	s.mu.Lock()
	if cached := s.cache.get(conversationID); cached != nil {
		s.pages[conversationID] = &pageState{page: 1, hasMore: true}
		s.mu.Unlock()
		return cached, nil
	}
	ps, ok := s.pages[conversationID]
	if !ok {
		ps = &pageState{}
		s.pages[conversationID] = ps
	}
	if ps.loading {
		s.mu.Unlock()
		return s.Messages(conversationID), nil
	}
	ps.loading = true
	s.mu.Unlock()

	page, err := s.api.Thread(ctx, conversationID, 1, s.perPage)

	s.mu.Lock()
	defer s.mu.Unlock()
	ps.loading = false
	if err != nil {
		s.handleThreadError(conversationID, err)
		return nil, err
	}

	// The refetch replaces the stale entry; unreconciled optimistic
	// messages are local truth and survive the replacement.
	merged := MergeMessages(page.Messages.Items, pendingOnly(s.cache.peek(conversationID)))
	s.cache.put(conversationID, merged)
	ps.page = 1
	ps.hasMore = page.Messages.Meta.Pages > 1

	conv := page.Conversation
	if !s.removed[conv.ID] {
		if existing, ok := s.convs[conv.ID]; ok {
			conv.UnreadCount = existing.UnreadCount
		}
		s.convs[conv.ID] = &conv
	}
	return append([]Message(nil), merged...), nil
}

// LoadMore fetches the next-older page of a thread and prepends it to
// the visible list. Guarded: a call while another load is in flight, or
// when hasMore is false, is rejected (returns the current view) rather
// than queued.
func (s *Syncer) LoadMore(ctx context.Context, conversationID string) ([]Message, error) {
	s.mu.Lock()
	ps, ok := s.pages[conversationID]
	if !ok || ps.loading || !ps.hasMore {
		s.mu.Unlock()
		return s.Messages(conversationID), nil
	}
	ps.loading = true
	next := ps.page + 1
	s.mu.Unlock()

	page, err := s.api.Thread(ctx, conversationID, next, s.perPage)

	s.mu.Lock()
	defer s.mu.Unlock()
	ps.loading = false
	if err != nil {
		s.handleThreadError(conversationID, err)
		return nil, err
	}

	if len(page.Messages.Items) == 0 {
		ps.hasMore = false
		return append([]Message(nil), s.cache.peek(conversationID)...), nil
	}

	merged := MergeMessages(s.cache.peek(conversationID), page.Messages.Items)
	s.cache.put(conversationID, merged)
	ps.page = next
	ps.hasMore = next < page.Messages.Meta.Pages
	return append([]Message(nil), merged...), nil
}

// HasMore reports whether older pages remain for a conversation.
func (s *Syncer) HasMore(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, ok := s.pages[conversationID]
	return ok && ps.hasMore
}

// Messages returns the current merged view of a thread.
func (s *Syncer) Messages(conversationID string) []Message {
	return s.cache.peek(conversationID)
}

// handleThreadError is called with s.mu held. A 404 means the
// conversation was deleted concurrently; it is dropped from further
// polling. Other failures leave state at the last known-good view.
func (s *Syncer) handleThreadError(conversationID string, err error) {
	if errors.Is(err, &APIError{Kind: ErrNotFound}) {
		s.dropLocked(conversationID)
	}
}

func (s *Syncer) dropLocked(conversationID string) {
	delete(s.convs, conversationID)
	delete(s.pages, conversationID)
	delete(s.drafts, conversationID)
	s.cache.drop(conversationID)
	s.removed[conversationID] = true
	if s.active == conversationID {
		s.active = ""
	}
}

// ============================================================================
// Compose drafts
// ============================================================================

// SetDraft stores the compose-box state for a conversation.
func (s *Syncer) SetDraft(conversationID string, d *Draft) {
	s.mu.Lock()
	s.drafts[conversationID] = d
	s.mu.Unlock()
}

// Draft returns the stored compose state, including a draft restored by
// a rolled-back send.
func (s *Syncer) Draft(conversationID string) *Draft {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drafts[conversationID]
}

// ClearDraft discards the stored compose state.
func (s *Syncer) ClearDraft(conversationID string) {
	s.mu.Lock()
	delete(s.drafts, conversationID)
	s.mu.Unlock()
}

// ============================================================================
// Optimistic send pipeline
// ============================================================================

// validateDraft rejects a send before any network call.
func validateDraft(d *Draft) error {
	if d.Empty() {
		return validationError("message requires content or at least one attachment")
	}
	if len(d.Attachments) > MaxAttachments {
		return validationError(fmt.Sprintf("at most %d attachments per message", MaxAttachments))
	}
	if d.TotalSize() > MaxAttachmentBytes {
		return validationError(fmt.Sprintf("attachments exceed %d bytes combined", MaxAttachmentBytes))
	}
	return nil
}

// Send runs the optimistic pipeline for one draft:
//
//	Composing → Pending:     validate, insert a provisional message with
//	                         a temporary id, clear the compose state.
//	Pending   → Reconciled:  swap the provisional copy for the server
//	                         copy, release attachment previews.
//	Pending   → RolledBack:  remove the provisional copy, restore the
//	                         draft (retrievable via Draft), release
//	                         previews, return the classified error.
//
// Multiple sends may be pending concurrently; each carries its own
// temporary id and reconciles independently.
func (s *Syncer) Send(ctx context.Context, conversationID string, draft *Draft) (*Message, error) {
	if err := validateDraft(draft); err != nil {
		return nil, err
	}

	provisional := s.provisionalMessage(conversationID, draft)

	s.mu.Lock()
	s.cache.update(conversationID, MergeMessages(s.cache.peek(conversationID), []Message{provisional}))
	delete(s.drafts, conversationID)
	var prevActive time.Time
	var prevPreview *MessagePreview
	if c, ok := s.convs[conversationID]; ok {
		prevActive, prevPreview = c.LastActiveAt, c.LastMessage
		c.LastActiveAt = provisional.CreatedAt
		c.LastMessage = previewOf(provisional)
	}
	s.mu.Unlock()

	msg, err := s.api.SendMessage(ctx, conversationID, draft)

	s.mu.Lock()
	if err != nil {
		// Roll back to the last known-good state and hand the draft
		// back for retry.
		s.cache.update(conversationID, removeByID(s.cache.peek(conversationID), provisional.ID))
		if c, ok := s.convs[conversationID]; ok {
			c.LastActiveAt = prevActive
			c.LastMessage = prevPreview
		}
		s.drafts[conversationID] = draft
		s.handleThreadError(conversationID, err)
		s.mu.Unlock()

		draft.release()
		return nil, err
	}

	remaining := removeByID(s.cache.peek(conversationID), provisional.ID)
	s.cache.update(conversationID, MergeMessages(remaining, []Message{*msg}))
	if c, ok := s.convs[conversationID]; ok {
		if msg.CreatedAt.After(c.LastActiveAt) || c.LastMessage == nil || c.LastMessage.ID == provisional.ID {
			c.LastActiveAt = msg.CreatedAt
			c.LastMessage = previewOf(*msg)
		}
	}
	s.mu.Unlock()

	draft.release()
	return msg, nil
}

func (s *Syncer) provisionalMessage(conversationID string, draft *Draft) Message {
	var content *string
	if draft.Content != "" {
		c := draft.Content
		content = &c
	}
	attachments := make([]Attachment, 0, len(draft.Attachments))
	for _, a := range draft.Attachments {
		attachments = append(attachments, Attachment{
			Filename:     a.Name,
			OriginalName: a.Name,
			MimeType:     a.MimeType,
			Size:         int64(len(a.Data)),
			URL:          a.PreviewURL,
		})
	}
	return Message{
		ID:             localIDPrefix + randomID(),
		ConversationID: conversationID,
		SenderID:       s.selfID,
		Content:        content,
		Attachments:    attachments,
		CreatedAt:      s.now(),
		IsOptimistic:   true,
	}
}

// ============================================================================
// Realtime event application
// ============================================================================

// Bind subscribes the engine's event handlers to an injected realtime
// connection and returns the handles so the caller can detach without
// tearing the connection down.
func (s *Syncer) Bind(rt *Realtime) []*Subscription {
	return []*Subscription{
		rt.OnMessage(s.ApplyMessageEvent),
		rt.OnUserOnline(func(p PresencePayload) { s.ApplyPresenceEvent(p.UserID, true) }),
		rt.OnUserOffline(func(p PresencePayload) { s.ApplyPresenceEvent(p.UserID, false) }),
		rt.OnConversationCreated(s.ApplyConversationCreated),
		rt.OnReadReceipt(s.ApplyReadReceipt),
	}
}

// ApplyMessageEvent merges an inbound message into its thread whether or
// not that thread is open, bumps the conversation's activity and
// preview, and increments the unread counter unless the thread is the
// active selection or the message is the caller's own.
func (s *Syncer) ApplyMessageEvent(m Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed[m.ConversationID] {
		return
	}

	s.cache.update(m.ConversationID, MergeMessages(s.cache.peek(m.ConversationID), []Message{m}))

	c, ok := s.convs[m.ConversationID]
	if !ok {
		return
	}
	if m.CreatedAt.After(c.LastActiveAt) {
		c.LastActiveAt = m.CreatedAt
		c.LastMessage = previewOf(m)
	}
	if m.ConversationID != s.active && m.SenderID != s.selfID {
		c.UnreadCount++
	}
}

// ApplyPresenceEvent patches the online flag of every conversation whose
// other participant matches. Message data is untouched.
func (s *Syncer) ApplyPresenceEvent(userID string, online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.convs {
		if c.OtherParticipant.ID == userID {
			c.OtherParticipant.Online = online
		}
	}
}

// ApplyConversationCreated adds a new conversation to the list.
// Idempotent by id.
func (s *Syncer) ApplyConversationCreated(conv Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed[conv.ID] {
		return
	}
	if _, exists := s.convs[conv.ID]; exists {
		return
	}
	s.convs[conv.ID] = &conv
}

// ApplyReadReceipt marks the caller's own messages in the conversation
// as read by the other participant. Purely a display affordance.
func (s *Syncer) ApplyReadReceipt(p ReadReceiptPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.cache.peek(p.ConversationID)
	if msgs == nil {
		return
	}
	at := s.now()
	for i := range msgs {
		if msgs[i].SenderID == s.selfID && msgs[i].ReadAt == nil {
			t := at
			msgs[i].ReadAt = &t
		}
	}
	s.cache.update(p.ConversationID, msgs)
}

// ============================================================================
// Helpers
// ============================================================================

func previewOf(m Message) *MessagePreview {
	return &MessagePreview{
		ID:              m.ID,
		Content:         m.Content,
		SenderID:        m.SenderID,
		AttachmentCount: len(m.Attachments),
		CreatedAt:       m.CreatedAt,
	}
}

// pendingOnly filters a thread down to its unreconciled optimistic
// messages.
func pendingOnly(messages []Message) []Message {
	var out []Message
	for _, m := range messages {
		if m.IsOptimistic {
			out = append(out, m)
		}
	}
	return out
}

// randomID returns a v4 UUID for provisional message ids.
func randomID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	b[6] = (b[6] & 0x0f) | 0x40
	b[8] = (b[8] & 0x3f) | 0x80
	return fmt.Sprintf("%08x-%04x-%04x-%04x-%012x",
		b[0:4], b[4:6], b[6:8], b[8:10], b[10:16])
}
