package upstream

import (
	"encoding/json"
	"fmt"
	"time"

	"chatsync/pkg/store"
)

// wireSender accepts the two sender shapes the backend emits: a bare id
// string, or a profile object. Both normalize into store.Sender here so
// nothing past the ingestion boundary branches on shape.
type wireSender struct {
	store.Sender
}

func (w *wireSender) UnmarshalJSON(b []byte) error {
	var id string
	if err := json.Unmarshal(b, &id); err == nil {
		w.Sender = store.Sender{Kind: store.SenderKindID, ID: id}
		return nil
	}

	var obj struct {
		ID        string `json:"id"`
		Name      string `json:"name"`
		AvatarURL string `json:"avatar_url"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return fmt.Errorf("decode sender: %w", err)
	}
	if obj.ID == "" {
		return fmt.Errorf("decode sender: missing id")
	}
	w.Sender = store.Sender{
		Kind:        store.SenderKindProfile,
		ID:          obj.ID,
		DisplayName: obj.Name,
		AvatarURL:   obj.AvatarURL,
	}
	return nil
}

type wireMessage struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	Sender         wireSender `json:"sender"`
	Content        string     `json:"content"`
	CreatedAt      time.Time  `json:"created_at"`
	IsRead         bool       `json:"is_read"`
}

func (w wireMessage) toMessage() store.Message {
	return store.Message{
		ID:             w.ID,
		ConversationID: w.ConversationID,
		Sender:         w.Sender.Sender,
		Content:        w.Content,
		CreatedAt:      w.CreatedAt,
		IsRead:         w.IsRead,
		State:          store.StateConfirmed,
	}
}

type wireConversation struct {
	ID             string       `json:"id"`
	ParticipantIDs []string     `json:"participant_ids"`
	LastMessage    *wireMessage `json:"last_message"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

func (w wireConversation) toConversation() store.Conversation {
	c := store.Conversation{
		ID:             w.ID,
		ParticipantIDs: w.ParticipantIDs,
		UpdatedAt:      w.UpdatedAt,
	}
	if w.LastMessage != nil {
		m := w.LastMessage.toMessage()
		c.LastMessage = &m
	}
	return c
}

// DecodeMessage decodes one backend message payload, normalizing the
// sender union. The push listener routes socket payloads through this so
// pushed and polled messages take the same shape into the store.
func DecodeMessage(b []byte) (store.Message, error) {
	var w wireMessage
	if err := json.Unmarshal(b, &w); err != nil {
		return store.Message{}, fmt.Errorf("decode message: %w", err)
	}
	return w.toMessage(), nil
}
