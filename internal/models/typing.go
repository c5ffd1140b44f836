package models

import "time"

// TypingSignal says a peer is composing in a conversation until ExpiresAt.
type TypingSignal struct {
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	UserName       string    `json:"userName"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

// Expired reports whether the signal is no longer live at now.
func (s TypingSignal) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// TypingKey identifies the single signal allowed per (conversation, user).
type TypingKey struct {
	ConversationID string
	UserID         string
}

func (s TypingSignal) Key() TypingKey {
	return TypingKey{ConversationID: s.ConversationID, UserID: s.UserID}
}
