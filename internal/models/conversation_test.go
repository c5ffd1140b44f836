package models_test

import (
	"testing"

	"marketchat/internal/models"

	"github.com/stretchr/testify/assert"
)

func TestConversationID_IsOrderIndependent(t *testing.T) {
	cases := []struct{ a, b, product string }{
		{"A", "B", "p1"},
		{"buyer-9", "seller-1", "sku-77"},
		{"same", "same", "p"},
		{"", "x", "p"},
	}
	for _, tc := range cases {
		assert.Equal(t,
			models.ConversationID(tc.a, tc.b, tc.product),
			models.ConversationID(tc.b, tc.a, tc.product),
			"participants %q/%q", tc.a, tc.b)
	}
}

func TestConversationID_Format(t *testing.T) {
	assert.Equal(t, "conv_A_B_p1", models.ConversationID("B", "A", "p1"))
}

func TestConversationID_DiffersPerProduct(t *testing.T) {
	assert.NotEqual(t,
		models.ConversationID("A", "B", "p1"),
		models.ConversationID("A", "B", "p2"))
}

func TestConversation_Peer(t *testing.T) {
	c := models.Conversation{Participants: [2]models.Participant{{ID: "A"}, {ID: "B"}}}

	assert.Equal(t, "B", c.Peer("A").ID)
	assert.Equal(t, "A", c.Peer("B").ID)
	assert.True(t, c.HasParticipant("A"))
	assert.False(t, c.HasParticipant("C"))
}

func TestConversation_CloneDoesNotShareMessages(t *testing.T) {
	c := models.Conversation{Messages: []models.Message{{ID: "1"}}}

	clone := c.Clone()
	clone.Messages[0].ID = "changed"

	assert.Equal(t, "1", c.Messages[0].ID)
}
