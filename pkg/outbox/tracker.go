package outbox

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"chatsync/pkg/store"
)

const maxContentLength = 10000

// Sender is the slice of the backend API the tracker needs.
type Sender interface {
	SendMessage(ctx context.Context, conversationID, content string) (store.Message, error)
}

// Tracker wraps outgoing messages in local placeholders so the UI shows
// a send instantly, then reconciles each placeholder with the backend's
// answer: confirmed on ack, failed on rejection. Failed sends are never
// retried automatically; Retry is an explicit user action, which keeps a
// flaky network from producing silent duplicate sends.
type Tracker struct {
	store  *store.Store
	api    Sender
	self   store.Sender
	logger interface {
		Printf(string, ...interface{})
	}
}

// NewTracker creates a tracker sending as the given local user identity.
func NewTracker(s *store.Store, api Sender, self store.Sender) *Tracker {
	return &Tracker{
		store:  s,
		api:    api,
		self:   self,
		logger: log.New(log.Writer(), "[outbox] ", log.LstdFlags),
	}
}

// Send appends a pending placeholder synchronously, before any network
// round-trip, then delivers the message. Two rapid identical sends get
// two placeholders: each is keyed by its own local id, never by content.
func (t *Tracker) Send(ctx context.Context, conversationID, content string) (store.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return store.Message{}, fmt.Errorf("message content cannot be empty")
	}
	if len(content) > maxContentLength {
		return store.Message{}, fmt.Errorf("message content too long (max %d characters)", maxContentLength)
	}

	localID := uuid.New().String()
	msg := store.Message{
		ID:             localID,
		LocalID:        localID,
		ConversationID: conversationID,
		Sender:         t.self,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
		State:          store.StatePending,
	}
	t.store.Append(conversationID, msg)

	return t.deliver(ctx, conversationID, localID, content)
}

// Retry re-sends a failed message under its existing local id.
func (t *Tracker) Retry(ctx context.Context, conversationID, localID string) (store.Message, error) {
	msg, ok := t.store.Get(conversationID, localID)
	if !ok {
		return store.Message{}, store.ErrUnknownMessage
	}
	if err := t.store.MarkPending(conversationID, localID); err != nil {
		return msg, fmt.Errorf("retry %s: %w", localID, err)
	}
	return t.deliver(ctx, conversationID, localID, msg.Content)
}

func (t *Tracker) deliver(ctx context.Context, conversationID, localID, content string) (store.Message, error) {
	confirmed, err := t.api.SendMessage(ctx, conversationID, content)
	if err != nil {
		if failErr := t.store.Fail(conversationID, localID); failErr != nil {
			t.logger.Printf("mark failed %s: %v", localID, failErr)
		}
		msg, _ := t.store.Get(conversationID, localID)
		return msg, err
	}

	if err := t.store.Confirm(conversationID, localID, confirmed); err != nil {
		t.logger.Printf("confirm %s: %v", localID, err)
	}
	msg, ok := t.store.Get(conversationID, localID)
	if !ok {
		msg = confirmed
	}
	return msg, nil
}
