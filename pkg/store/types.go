package store

import (
	"time"
)

// DeliveryState tracks a message through its send lifecycle.
type DeliveryState string

const (
	// StatePending marks an optimistic message that has not been
	// acknowledged by the backend yet.
	StatePending DeliveryState = "pending"
	// StateConfirmed marks a message the backend has accepted.
	StateConfirmed DeliveryState = "confirmed"
	// StateFailed marks a send the backend rejected or that never
	// reached it. Failed messages stay in the list so the user can retry.
	StateFailed DeliveryState = "failed"
)

// SenderKind discriminates the two sender shapes the backend emits.
type SenderKind string

const (
	SenderKindID      SenderKind = "id"      // bare user id
	SenderKindProfile SenderKind = "profile" // id plus display fields
)

// Sender is the normalized sender union. The backend sometimes sends a
// bare id string and sometimes a full profile object; both are folded
// into this shape at ingestion so nothing downstream has to branch.
type Sender struct {
	Kind        SenderKind `json:"kind"`
	ID          string     `json:"id"`
	DisplayName string     `json:"display_name,omitempty"`
	AvatarURL   string     `json:"avatar_url,omitempty"`
}

// Message represents one chat message
type Message struct {
	ID             string        `json:"id"` // server id once confirmed, local id before
	LocalID        string        `json:"local_id,omitempty"`
	ConversationID string        `json:"conversation_id"`
	Sender         Sender        `json:"sender"`
	Content        string        `json:"content"`
	CreatedAt      time.Time     `json:"created_at"`
	IsRead         bool          `json:"is_read,omitempty"`
	State          DeliveryState `json:"state"`
}

// Conversation is the list-view record. The store owns full message
// history; Conversation only carries a denormalized pointer to the
// newest message for cheap rendering.
type Conversation struct {
	ID             string    `json:"id"`
	ParticipantIDs []string  `json:"participant_ids"`
	LastMessage    *Message  `json:"last_message,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}
