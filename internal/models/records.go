package models

import (
	"time"

	"github.com/lib/pq"
)

// ConversationRecord is the relay's registry row for a conversation.
type ConversationRecord struct {
	// ID is the derived conversation id.
	ID string `gorm:"primaryKey"`
	// ParticipantIDs holds both user ids, sorted.
	ParticipantIDs   pq.StringArray `gorm:"type:text[];not null"`
	ParticipantNames pq.StringArray `gorm:"type:text[]"`
	ProductID        string         `gorm:"index;not null"`
	ProductName      string
	CreatedAt        time.Time
	LastActivity     time.Time `gorm:"index"`
}

// PeerOf returns the other participant's id.
func (r ConversationRecord) PeerOf(userID string) string {
	for _, id := range r.ParticipantIDs {
		if id != userID {
			return id
		}
	}
	return ""
}

// MessageRecord is one persisted message. Seq orders messages within a
// conversation in the order the relay accepted them.
type MessageRecord struct {
	ID              string `gorm:"primaryKey"`
	ConversationID  string `gorm:"not null;index:idx_conv_seq,priority:1"`
	Seq             int64  `gorm:"not null;index:idx_conv_seq,priority:2"`
	ClientMessageID string `gorm:"index"`
	SenderID        string `gorm:"not null"`
	SenderName      string
	RecipientID     string `gorm:"not null;index"`
	Body            string `gorm:"type:text;not null"`
	Status          string `gorm:"not null"`
	CreatedAt       time.Time
}

// ToPayload converts the record into the inbound wire shape.
func (r MessageRecord) ToPayload() MessagePayload {
	return MessagePayload{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		SenderID:       r.SenderID,
		SenderName:     r.SenderName,
		Message:        r.Body,
		Timestamp:      r.CreatedAt,
		Status:         r.Status,
		RecipientID:    r.RecipientID,
	}
}

// HasParticipant reports whether userID is one of the two participants.
func (r ConversationRecord) HasParticipant(userID string) bool {
	for _, id := range r.ParticipantIDs {
		if userID != "" && id == userID {
			return true
		}
	}
	return false
}
