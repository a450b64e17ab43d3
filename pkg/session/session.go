package session

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"chatsync/pkg/outbox"
	"chatsync/pkg/poll"
	"chatsync/pkg/push"
	"chatsync/pkg/store"
	"chatsync/pkg/upstream"
)

// UI-facing event types.
const (
	EventStoreChanged = "store_changed"
	EventTyping       = "user_typing"
	EventPresence     = "presence"
)

// Event is what gateway subscribers receive: a store-change ping for a
// conversation, or a typing/presence signal relayed from the push channel.
type Event struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id,omitempty"`
	UserID         string `json:"user_id,omitempty"`
	Online         bool   `json:"online,omitempty"`
}

// Session owns all chat state for one logged-in user: the message store,
// the optimistic send tracker, and the single active-conversation poll
// loop. It is created at login and closed at logout; no chat state lives
// outside it.
type Session struct {
	store   *store.Store
	tracker *outbox.Tracker
	poller  *poll.Poller
	api     upstream.API

	mu       sync.Mutex
	activeID string
	task     *poll.Task
	loaded   map[string]bool
	closed   bool

	history singleflight.Group

	subMu      sync.Mutex
	subs       map[int64]func(Event)
	nextSub    int64
	unsubStore func()

	logger interface {
		Printf(string, ...interface{})
	}
}

// New wires a session over a shared store, tracker, and poller.
func New(s *store.Store, tracker *outbox.Tracker, poller *poll.Poller, api upstream.API) *Session {
	sess := &Session{
		store:   s,
		tracker: tracker,
		poller:  poller,
		api:     api,
		loaded:  make(map[string]bool),
		subs:    make(map[int64]func(Event)),
		logger:  log.New(log.Writer(), "[session] ", log.LstdFlags),
	}
	sess.unsubStore = s.SubscribeAll(func(conversationID string) {
		sess.publish(Event{Type: EventStoreChanged, ConversationID: conversationID})
	})
	return sess
}

// Messages returns the ordered message list for a conversation.
func (s *Session) Messages(conversationID string) []store.Message {
	return s.store.Messages(conversationID)
}

// Conversations refreshes the conversation list from the backend and
// returns the merged view. On a fetch failure the cached list is
// returned alongside the error so the UI can still render.
func (s *Session) Conversations(ctx context.Context) ([]store.Conversation, error) {
	convs, err := s.api.Conversations(ctx)
	if err != nil {
		return s.store.Conversations(), fmt.Errorf("refresh conversations: %w", err)
	}
	s.store.PutConversations(convs)
	return s.store.Conversations(), nil
}

// Send delivers a message optimistically through the tracker.
func (s *Session) Send(ctx context.Context, conversationID, content string) (store.Message, error) {
	return s.tracker.Send(ctx, conversationID, content)
}

// Retry re-sends a failed message.
func (s *Session) Retry(ctx context.Context, conversationID, localID string) (store.Message, error) {
	return s.tracker.Retry(ctx, conversationID, localID)
}

// CreateConversation opens a conversation with a participant, optionally
// tied to a booked session.
func (s *Session) CreateConversation(ctx context.Context, participantID, sessionID string) (store.Conversation, error) {
	conv, err := s.api.CreateConversation(ctx, participantID, sessionID)
	if err != nil {
		return store.Conversation{}, err
	}
	s.store.PutConversations([]store.Conversation{conv})
	return conv, nil
}

// SetActiveConversation makes a conversation the polled one. The first
// activation in a session fetches the full history before polling
// starts, so the store is never empty when incremental polling begins.
// Re-activating a loaded conversation reuses the cache and resumes from
// the confirmed-message cursor. Any previously active conversation's
// poll loop is stopped first; there is at most one loop at a time.
func (s *Session) SetActiveConversation(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("session closed")
	}
	if s.activeID == conversationID && s.task != nil {
		s.mu.Unlock()
		return nil
	}
	if s.task != nil {
		s.task.Stop()
		s.task = nil
	}
	s.activeID = conversationID
	needLoad := !s.loaded[conversationID]
	s.mu.Unlock()

	if needLoad {
		if err := s.ensureHistory(ctx, conversationID); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.activeID != conversationID {
		// Lost a race with another switch or logout; that path owns
		// the poll loop now.
		return nil
	}
	s.task = s.poller.Start(conversationID)
	return nil
}

// ClearActiveConversation stops polling without purging the cached
// message list, so quick re-navigation is cheap.
func (s *Session) ClearActiveConversation() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.task != nil {
		s.task.Stop()
		s.task = nil
	}
	s.activeID = ""
}

// ActiveConversation returns the currently polled conversation id, if any.
func (s *Session) ActiveConversation() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeID
}

// HandlePush routes push-channel events. Message payloads go through the
// same store merge path as polled batches; notification events only hint
// the poll loop to run sooner; typing and presence are relayed to
// gateway subscribers.
func (s *Session) HandlePush(ev push.Event) {
	switch ev.Type {
	case push.EventReceiveMessage:
		msg, err := upstream.DecodeMessage(ev.Payload)
		if err != nil {
			s.logger.Printf("drop malformed push message: %v", err)
			return
		}
		conversationID := ev.ConversationID
		if conversationID == "" {
			conversationID = msg.ConversationID
		}
		if conversationID == "" {
			s.logger.Printf("drop push message without conversation id")
			return
		}
		s.store.Merge(conversationID, []store.Message{msg})

	case push.EventNewMessageNotification:
		s.mu.Lock()
		task := s.task
		active := s.activeID
		s.mu.Unlock()
		if task != nil && (ev.ConversationID == "" || ev.ConversationID == active) {
			task.Poke()
		}

	case push.EventUserTyping:
		s.publish(Event{Type: EventTyping, ConversationID: ev.ConversationID, UserID: ev.UserID})

	case push.EventUserOnline:
		s.publish(Event{Type: EventPresence, UserID: ev.UserID, Online: true})

	case push.EventUserOffline:
		s.publish(Event{Type: EventPresence, UserID: ev.UserID, Online: false})
	}
}

// SubscribeEvents registers a UI event callback. The returned function
// cancels the subscription.
func (s *Session) SubscribeEvents(fn func(Event)) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn

	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(s.subs, id)
	}
}

// Close tears the session down on logout: the poll loop stops and all
// cached chat state is dropped.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.task != nil {
		s.task.Stop()
		s.task = nil
	}
	s.activeID = ""
	s.mu.Unlock()

	s.unsubStore()
	s.store.Reset()
}

// ensureHistory performs the one-time full history fetch for a
// conversation. Concurrent activations of the same conversation (the
// mentor widget and a full chat view racing) collapse into one fetch.
func (s *Session) ensureHistory(ctx context.Context, conversationID string) error {
	_, err, _ := s.history.Do(conversationID, func() (interface{}, error) {
		s.mu.Lock()
		done := s.loaded[conversationID]
		s.mu.Unlock()
		if done {
			return nil, nil
		}

		msgs, err := s.api.Messages(ctx, conversationID, time.Time{})
		if err != nil {
			return nil, fmt.Errorf("load history for %s: %w", conversationID, err)
		}
		s.store.Merge(conversationID, msgs)
		s.mu.Lock()
		s.loaded[conversationID] = true
		s.mu.Unlock()
		return nil, nil
	})
	return err
}

func (s *Session) publish(ev Event) {
	s.subMu.Lock()
	fns := make([]func(Event), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}
