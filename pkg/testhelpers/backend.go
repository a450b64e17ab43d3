package testhelpers

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"chatsync/pkg/store"
)

var uniqueCounter int64

func nextSuffix() int64 {
	return atomic.AddInt64(&uniqueCounter, 1)
}

// FakeBackend is an in-memory stand-in for the platform backend's chat
// API. Tests seed it with history, flip its send behavior, and inspect
// how it was called.
type FakeBackend struct {
	// Self is the user id attributed to sends, defaulting to "me".
	Self string

	mu           sync.Mutex
	history      map[string][]store.Message
	convs        map[string]store.Conversation
	sendErr      error
	listErr      error
	fullFetches  map[string]int
	pollFetches  map[string]int
}

// NewFakeBackend creates an empty fake backend.
func NewFakeBackend() *FakeBackend {
	return &FakeBackend{
		Self:        "me",
		history:     make(map[string][]store.Message),
		convs:       make(map[string]store.Conversation),
		fullFetches: make(map[string]int),
		pollFetches: make(map[string]int),
	}
}

// Seed appends server-side messages to a conversation's history.
func (f *FakeBackend) Seed(conversationID string, msgs ...store.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history[conversationID] = append(f.history[conversationID], msgs...)
}

// ServerMessage builds a confirmed message with a unique server id.
func ServerMessage(conversationID, senderID, content string, at time.Time) store.Message {
	return store.Message{
		ID:             fmt.Sprintf("srv-%d", nextSuffix()),
		ConversationID: conversationID,
		Sender:         store.Sender{Kind: store.SenderKindID, ID: senderID},
		Content:        content,
		CreatedAt:      at,
		IsRead:         false,
		State:          store.StateConfirmed,
	}
}

// SetSendError makes subsequent sends fail with err; nil restores success.
func (f *FakeBackend) SetSendError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

// SetListError makes conversation listing fail with err.
func (f *FakeBackend) SetListError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listErr = err
}

// FullFetches counts zero-cursor history fetches for a conversation.
func (f *FakeBackend) FullFetches(conversationID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fullFetches[conversationID]
}

// PollFetches counts cursor-based fetches for a conversation.
func (f *FakeBackend) PollFetches(conversationID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pollFetches[conversationID]
}

func (f *FakeBackend) Conversations(ctx context.Context) ([]store.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]store.Conversation, 0, len(f.convs))
	for _, c := range f.convs {
		out = append(out, c)
	}
	return out, nil
}

func (f *FakeBackend) Messages(ctx context.Context, conversationID string, since time.Time) ([]store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if since.IsZero() {
		f.fullFetches[conversationID]++
		return append([]store.Message(nil), f.history[conversationID]...), nil
	}

	f.pollFetches[conversationID]++
	var out []store.Message
	for _, m := range f.history[conversationID] {
		if m.CreatedAt.After(since) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *FakeBackend) SendMessage(ctx context.Context, conversationID, content string) (store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.sendErr != nil {
		return store.Message{}, f.sendErr
	}
	msg := store.Message{
		ID:             fmt.Sprintf("srv-%d", nextSuffix()),
		ConversationID: conversationID,
		Sender:         store.Sender{Kind: store.SenderKindID, ID: f.Self},
		Content:        content,
		CreatedAt:      time.Now().UTC(),
		State:          store.StateConfirmed,
	}
	f.history[conversationID] = append(f.history[conversationID], msg)
	return msg, nil
}

func (f *FakeBackend) CreateConversation(ctx context.Context, participantID, sessionID string) (store.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	conv := store.Conversation{
		ID:             fmt.Sprintf("conv-%d", nextSuffix()),
		ParticipantIDs: []string{f.Self, participantID},
		UpdatedAt:      time.Now().UTC(),
	}
	f.convs[conv.ID] = conv
	return conv, nil
}
