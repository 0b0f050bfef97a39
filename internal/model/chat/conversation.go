package chat

import "time"

// ConversationKey identifies one consuming context (a channel, a DM, a thread).
// It is opaque to the relay and stable for the lifetime of a logical conversation.
type ConversationKey string

// ConversationHandle binds a ConversationKey to the backend's conversation.
type ConversationHandle struct {
	Key                    ConversationKey `json:"key"`
	ExternalConversationID string          `json:"externalConversationId"`
	PersonaID              string          `json:"personaId"`
	CreatedAt              time.Time       `json:"createdAt"`
}

// Valid reports whether the handle carries a usable backend conversation.
func (h *ConversationHandle) Valid() bool {
	return h != nil && h.ExternalConversationID != ""
}
