package store

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// DefaultMatchWindow bounds how far apart an optimistic message and its
// server-confirmed copy may be timestamped and still be treated as the
// same logical message during a merge.
const DefaultMatchWindow = 5 * time.Second

// ErrUnknownMessage is returned when a delivery-state transition targets
// a local id the store is not tracking.
var ErrUnknownMessage = errors.New("unknown message")

// entry pairs a message with its arrival sequence number. The sequence
// number breaks created-at ties so equal timestamps render in arrival order.
type entry struct {
	msg Message
	seq int64
}

// Store holds the ordered message list for every conversation in a UI
// session. It is the single source of truth for what gets rendered: the
// optimistic send tracker and the poll/push merger both write here, and
// every write keeps the per-conversation ordering and dedup invariants.
type Store struct {
	mu      sync.RWMutex
	logs    map[string][]entry
	convs   map[string]Conversation
	subs    map[string]map[int64]func()
	allSubs map[int64]func(conversationID string)
	nextSub int64
	nextSeq int64
	window  time.Duration
}

// New creates an empty store using DefaultMatchWindow.
func New() *Store {
	return NewWithWindow(DefaultMatchWindow)
}

// NewWithWindow creates an empty store with a custom optimistic-match window.
func NewWithWindow(window time.Duration) *Store {
	if window <= 0 {
		window = DefaultMatchWindow
	}
	return &Store{
		logs:    make(map[string][]entry),
		convs:   make(map[string]Conversation),
		subs:    make(map[string]map[int64]func()),
		allSubs: make(map[int64]func(string)),
		window:  window,
	}
}

// Messages returns a copy of the ordered message list for a conversation.
func (s *Store) Messages(conversationID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.logs[conversationID]
	out := make([]Message, len(log))
	for i, e := range log {
		out[i] = e.msg
	}
	return out
}

// Get looks up a message by its local id.
func (s *Store) Get(conversationID, localID string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if i := s.indexByLocalID(conversationID, localID); i >= 0 {
		return s.logs[conversationID][i].msg, true
	}
	return Message{}, false
}

// Append inserts a single message known to be new, keeping the list
// ordered by created-at. Used for optimistic sends.
func (s *Store) Append(conversationID string, msg Message) {
	s.mu.Lock()
	s.insertLocked(conversationID, msg)
	s.refreshConversationLocked(conversationID)
	notify := s.notifiersLocked(conversationID)
	s.mu.Unlock()

	notify()
}

// Merge folds a batch of server messages into a conversation. Messages
// whose server id is already present are skipped; messages matching a
// still-pending optimistic entry (same sender, same content, created-at
// within the match window) replace that entry rather than appending, so
// a send confirmed through a poll does not show up twice. Everything
// else is inserted in timestamp order. Merging the same batch twice is
// a no-op the second time. Returns the number of entries added or replaced.
func (s *Store) Merge(conversationID string, batch []Message) int {
	if len(batch) == 0 {
		return 0
	}

	s.mu.Lock()
	changed := 0
	for _, m := range batch {
		m.ConversationID = conversationID
		m.State = StateConfirmed

		if m.ID != "" && s.indexByServerID(conversationID, m.ID) >= 0 {
			continue
		}
		if i := s.matchPendingLocked(conversationID, m); i >= 0 {
			log := s.logs[conversationID]
			m.LocalID = log[i].msg.LocalID
			log[i].msg = m
			changed++
			continue
		}
		s.insertLocked(conversationID, m)
		changed++
	}

	var notify func()
	if changed > 0 {
		s.sortLocked(conversationID)
		s.refreshConversationLocked(conversationID)
		notify = s.notifiersLocked(conversationID)
	}
	s.mu.Unlock()

	if notify != nil {
		notify()
	}
	return changed
}

// Confirm swaps an optimistic message for its server-confirmed copy,
// adopting the server id and authoritative timestamp. It is idempotent:
// if a poll merge already landed the server copy, Confirm is a no-op.
func (s *Store) Confirm(conversationID, localID string, server Message) error {
	s.mu.Lock()

	i := s.indexByLocalID(conversationID, localID)
	if i < 0 {
		// The poll merge may have consumed the pending entry already.
		if server.ID != "" && s.indexByServerID(conversationID, server.ID) >= 0 {
			s.mu.Unlock()
			return nil
		}
		s.mu.Unlock()
		return ErrUnknownMessage
	}

	log := s.logs[conversationID]
	if log[i].msg.State == StateConfirmed {
		s.mu.Unlock()
		return nil
	}

	cur := log[i].msg
	if server.ID != "" {
		cur.ID = server.ID
	}
	if !server.CreatedAt.IsZero() {
		cur.CreatedAt = server.CreatedAt
	}
	if server.Content != "" {
		cur.Content = server.Content
	}
	if server.Sender.ID != "" {
		cur.Sender = server.Sender
	}
	cur.IsRead = server.IsRead
	cur.State = StateConfirmed
	log[i].msg = cur

	s.sortLocked(conversationID)
	s.refreshConversationLocked(conversationID)
	notify := s.notifiersLocked(conversationID)
	s.mu.Unlock()

	notify()
	return nil
}

// Fail marks a pending message as failed. The message stays in the list
// so the user sees the failure and can retry. If the message was already
// confirmed (the send reported an error but actually landed), the
// confirmed state wins.
func (s *Store) Fail(conversationID, localID string) error {
	s.mu.Lock()

	i := s.indexByLocalID(conversationID, localID)
	if i < 0 {
		s.mu.Unlock()
		return ErrUnknownMessage
	}

	log := s.logs[conversationID]
	if log[i].msg.State != StatePending {
		s.mu.Unlock()
		return nil
	}
	log[i].msg.State = StateFailed
	notify := s.notifiersLocked(conversationID)
	s.mu.Unlock()

	notify()
	return nil
}

// MarkPending moves a failed message back to pending for an explicit
// retry, refreshing its timestamp to the new attempt time.
func (s *Store) MarkPending(conversationID, localID string) error {
	s.mu.Lock()

	i := s.indexByLocalID(conversationID, localID)
	if i < 0 {
		s.mu.Unlock()
		return ErrUnknownMessage
	}

	log := s.logs[conversationID]
	if log[i].msg.State != StateFailed {
		s.mu.Unlock()
		return ErrUnknownMessage
	}
	log[i].msg.State = StatePending
	log[i].msg.CreatedAt = time.Now().UTC()
	s.sortLocked(conversationID)
	notify := s.notifiersLocked(conversationID)
	s.mu.Unlock()

	notify()
	return nil
}

// LastConfirmedTime returns the created-at of the newest server-confirmed
// message in a conversation, or the zero time if none exists. The poll
// loop uses it as its "since" cursor.
func (s *Store) LastConfirmedTime(conversationID string) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.logs[conversationID]
	for i := len(log) - 1; i >= 0; i-- {
		if log[i].msg.State == StateConfirmed {
			return log[i].msg.CreatedAt
		}
	}
	return time.Time{}
}

// Conversations returns the known conversation list, newest activity first.
func (s *Store) Conversations() []Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Conversation, 0, len(s.convs))
	for _, c := range s.convs {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// PutConversations upserts conversation records fetched from the backend.
// Denormalized last-message pointers already derived from local state are
// kept when they are newer than what the backend reports.
func (s *Store) PutConversations(convs []Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range convs {
		if existing, ok := s.convs[c.ID]; ok && existing.UpdatedAt.After(c.UpdatedAt) {
			continue
		}
		s.convs[c.ID] = c
	}
}

// Subscribe registers a change callback for one conversation. The
// returned function cancels the subscription.
func (s *Store) Subscribe(conversationID string, fn func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSub
	s.nextSub++
	if s.subs[conversationID] == nil {
		s.subs[conversationID] = make(map[int64]func())
	}
	s.subs[conversationID][id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs[conversationID], id)
	}
}

// SubscribeAll registers a change callback fired for any conversation,
// receiving the conversation id that changed.
func (s *Store) SubscribeAll(fn func(conversationID string)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSub
	s.nextSub++
	s.allSubs[id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.allSubs, id)
	}
}

// Reset drops all cached state. Called on logout teardown.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logs = make(map[string][]entry)
	s.convs = make(map[string]Conversation)
}

// insertLocked appends a message with the next arrival sequence number
// and restores timestamp order.
func (s *Store) insertLocked(conversationID string, msg Message) {
	s.nextSeq++
	s.logs[conversationID] = append(s.logs[conversationID], entry{msg: msg, seq: s.nextSeq})
	s.sortLocked(conversationID)
}

// sortLocked orders a conversation log by created-at, arrival order for ties.
func (s *Store) sortLocked(conversationID string) {
	log := s.logs[conversationID]
	sort.Slice(log, func(i, j int) bool {
		if log[i].msg.CreatedAt.Equal(log[j].msg.CreatedAt) {
			return log[i].seq < log[j].seq
		}
		return log[i].msg.CreatedAt.Before(log[j].msg.CreatedAt)
	})
}

// refreshConversationLocked repoints the denormalized last-message record.
func (s *Store) refreshConversationLocked(conversationID string) {
	log := s.logs[conversationID]
	if len(log) == 0 {
		return
	}
	last := log[len(log)-1].msg
	conv := s.convs[conversationID]
	conv.ID = conversationID
	conv.LastMessage = &last
	if last.CreatedAt.After(conv.UpdatedAt) {
		conv.UpdatedAt = last.CreatedAt
	}
	s.convs[conversationID] = conv
}

// notifiersLocked snapshots the callbacks to run for a change. Callers
// invoke the returned function after releasing the store lock so a
// subscriber can call back into the store without deadlocking.
func (s *Store) notifiersLocked(conversationID string) func() {
	fns := make([]func(), 0, len(s.subs[conversationID]))
	for _, fn := range s.subs[conversationID] {
		fns = append(fns, fn)
	}
	all := make([]func(string), 0, len(s.allSubs))
	for _, fn := range s.allSubs {
		all = append(all, fn)
	}
	return func() {
		for _, fn := range fns {
			fn()
		}
		for _, fn := range all {
			fn(conversationID)
		}
	}
}

func (s *Store) indexByServerID(conversationID, id string) int {
	for i, e := range s.logs[conversationID] {
		if e.msg.ID == id && e.msg.State != StatePending {
			return i
		}
	}
	return -1
}

func (s *Store) indexByLocalID(conversationID, localID string) int {
	for i, e := range s.logs[conversationID] {
		if e.msg.LocalID == localID {
			return i
		}
	}
	return -1
}

// matchPendingLocked finds the oldest still-pending optimistic entry that
// plausibly is the same logical message as an incoming server copy: same
// sender, identical content, timestamps within the match window. The
// heuristic only reconciles server batches against optimistic entries;
// concurrently pending sends stay distinct because each is keyed by its
// own local id.
func (s *Store) matchPendingLocked(conversationID string, incoming Message) int {
	for i, e := range s.logs[conversationID] {
		if e.msg.State != StatePending {
			continue
		}
		if e.msg.Sender.ID != incoming.Sender.ID || e.msg.Content != incoming.Content {
			continue
		}
		delta := incoming.CreatedAt.Sub(e.msg.CreatedAt)
		if delta < 0 {
			delta = -delta
		}
		if delta <= s.window {
			return i
		}
	}
	return -1
}
