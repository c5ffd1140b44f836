package models

import "time"

// ConversationSummary is one row of GET /v1/conversations.
type ConversationSummary struct {
	ID           string        `json:"id"`
	Participants []Participant `json:"participants"`
	ProductID    string        `json:"productId"`
	ProductName  string        `json:"productName"`
	LastActivity time.Time     `json:"lastActivity"`
}

type ConversationsResponse struct {
	Conversations []ConversationSummary `json:"conversations"`
}

type MessagesResponse struct {
	Messages []MessagePayload `json:"messages"`
}

// TokenRequest asks the relay for a development token.
type TokenRequest struct {
	UserID      string `json:"userId" binding:"required"`
	DisplayName string `json:"displayName" binding:"required"`
}

type TokenResponse struct {
	Token     string    `json:"token"`
	UserID    string    `json:"userId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ErrorResponse is the relay's JSON error body.
type ErrorResponse struct {
	Error ErrorPayload `json:"error"`
}

// ToSummary converts the registry row to its API shape.
func (r ConversationRecord) ToSummary() ConversationSummary {
	s := ConversationSummary{
		ID:           r.ID,
		ProductID:    r.ProductID,
		ProductName:  r.ProductName,
		LastActivity: r.LastActivity,
	}
	for i, id := range r.ParticipantIDs {
		p := Participant{ID: id}
		if i < len(r.ParticipantNames) {
			p.Name = r.ParticipantNames[i]
		}
		s.Participants = append(s.Participants, p)
	}
	return s
}

// Meta returns the mergeable conversation fields of a summary.
func (s ConversationSummary) Meta() ConversationMeta {
	meta := ConversationMeta{ProductID: s.ProductID, ProductName: s.ProductName, LastActivity: s.LastActivity}
	if len(s.Participants) == 2 {
		meta.Participants = SortedParticipants(s.Participants[0], s.Participants[1])
	}
	return meta
}
