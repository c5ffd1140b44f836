package store

import (
	"time"

	"marketchat/internal/models"
)

// Tx exposes store mutations inside Update. It must not escape fn.
type Tx struct {
	s       *Store
	touched map[string]struct{}
	reset   bool
	changed bool
}

func (tx *Tx) dirty() bool {
	return tx.changed || tx.reset || len(tx.touched) > 0
}

func (tx *Tx) touch(id string) {
	tx.touched[id] = struct{}{}
}

// Conversation returns the live conversation (nil if absent). Callers must
// only read it.
func (tx *Tx) Conversation(id string) *models.Conversation {
	return tx.s.conversations[id]
}

// Active returns the open conversation id.
func (tx *Tx) Active() string {
	return tx.s.active
}

func (tx *Tx) ensure(id string) *models.Conversation {
	c, ok := tx.s.conversations[id]
	if !ok {
		c = &models.Conversation{ID: id}
		tx.s.conversations[id] = c
		tx.s.positions[id] = make(map[string]int)
		tx.touch(id)
	}
	return c
}

// UpsertConversation creates id if needed and merges the non-zero fields of meta.
func (tx *Tx) UpsertConversation(id string, meta models.ConversationMeta) {
	if id == "" {
		return
	}
	c := tx.ensure(id)
	changed := false
	for i, p := range meta.Participants {
		if p.ID != "" && c.Participants[i].ID != p.ID {
			c.Participants[i].ID = p.ID
			changed = true
		}
		if p.Name != "" && c.Participants[i].Name != p.Name {
			c.Participants[i].Name = p.Name
			changed = true
		}
	}
	if meta.ProductID != "" && c.ProductID != meta.ProductID {
		c.ProductID = meta.ProductID
		changed = true
	}
	if meta.ProductName != "" && c.ProductName != meta.ProductName {
		c.ProductName = meta.ProductName
		changed = true
	}
	if meta.LastActivity.After(c.LastActivity) {
		c.LastActivity = meta.LastActivity
		changed = true
	}
	if changed {
		tx.touch(id)
	}
}

// AppendMessage appends msg in call order. Duplicates by id or client id are
// ignored.
func (tx *Tx) AppendMessage(conversationID string, msg models.Message) bool {
	if conversationID == "" || msg.ID == "" {
		return false
	}
	c := tx.ensure(conversationID)
	pos := tx.s.positions[conversationID]
	if _, dup := pos[msg.ID]; dup {
		return false
	}
	if msg.ClientID != "" {
		if _, dup := tx.s.clientIDs[msg.ClientID]; dup {
			return false
		}
	}

	msg.ConversationID = conversationID
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = tx.s.now()
	}
	c.Messages = append(c.Messages, msg)
	pos[msg.ID] = len(c.Messages) - 1
	if msg.ClientID != "" {
		tx.s.clientIDs[msg.ClientID] = conversationID
	}
	if msg.CreatedAt.After(c.LastActivity) {
		c.LastActivity = msg.CreatedAt
	}
	tx.touch(conversationID)
	return true
}

// Acknowledge replaces the provisional id clientID with serverID and moves
// the message to sent. Unknown client ids and repeated acks are no-ops. If
// the service copy already arrived under serverID the provisional entry is
// folded into it so no duplicate remains.
func (tx *Tx) Acknowledge(clientID, serverID string, at time.Time) bool {
	if clientID == "" || serverID == "" {
		return false
	}
	convID, ok := tx.s.clientIDs[clientID]
	if !ok {
		return false
	}
	c := tx.s.conversations[convID]
	pos := tx.s.positions[convID]
	i, ok := pos[clientID]
	if !ok {
		return false
	}
	provisional := c.Messages[i]

	if j, exists := pos[serverID]; exists && j != i {
		merged := c.Messages[j]
		merged.ClientID = clientID
		if provisional.Status > merged.Status {
			merged.Status = provisional.Status
		}
		merged, _ = merged.Advance(models.StatusSent)
		c.Messages[j] = merged
		c.Messages = append(c.Messages[:i:i], c.Messages[i+1:]...)
		tx.reindex(convID)
		tx.touch(convID)
		return true
	}

	msg := provisional
	msg.ID = serverID
	if !at.IsZero() {
		msg.CreatedAt = at
	}
	msg, _ = msg.Advance(models.StatusSent)
	c.Messages[i] = msg
	delete(pos, clientID)
	pos[serverID] = i
	tx.touch(convID)
	return true
}

// AdvanceStatus moves one message forward. Backward moves are ignored.
func (tx *Tx) AdvanceStatus(conversationID, messageID string, status models.DeliveryStatus) bool {
	c, ok := tx.s.conversations[conversationID]
	if !ok {
		return false
	}
	i, ok := tx.s.positions[conversationID][messageID]
	if !ok {
		return false
	}
	next, changed := c.Messages[i].Advance(status)
	if !changed {
		return false
	}
	c.Messages[i] = next
	tx.touch(conversationID)
	return true
}

// AdvanceThrough moves every message sent by senderID, from the start of the
// conversation up to and including upToID, to status. It returns how many
// messages changed. An unknown upToID changes nothing.
func (tx *Tx) AdvanceThrough(conversationID, upToID, senderID string, status models.DeliveryStatus) int {
	c, ok := tx.s.conversations[conversationID]
	if !ok {
		return 0
	}
	last, ok := tx.s.positions[conversationID][upToID]
	if !ok {
		return 0
	}
	n := 0
	for i := 0; i <= last; i++ {
		if c.Messages[i].SenderID != senderID {
			continue
		}
		if next, changed := c.Messages[i].Advance(status); changed {
			c.Messages[i] = next
			n++
		}
	}
	if n > 0 {
		tx.touch(conversationID)
	}
	return n
}

// MarkRead moves every message not sent by selfID to read and clears the
// unread count. It returns the id of the newest such message (for the read
// receipt) and whether anything changed.
func (tx *Tx) MarkRead(conversationID, selfID string) (upToID string, changed bool) {
	c, ok := tx.s.conversations[conversationID]
	if !ok {
		return "", false
	}
	for i, m := range c.Messages {
		if m.SenderID == selfID {
			continue
		}
		upToID = m.ID
		if next, ok := m.Advance(models.StatusRead); ok {
			c.Messages[i] = next
			changed = true
		}
	}
	if c.UnreadCount != 0 {
		c.UnreadCount = 0
		changed = true
	}
	if changed {
		tx.touch(conversationID)
	}
	return upToID, changed
}

// IncrementUnread bumps the unread counter of an existing conversation.
func (tx *Tx) IncrementUnread(conversationID string) {
	if c, ok := tx.s.conversations[conversationID]; ok {
		c.UnreadCount++
		tx.touch(conversationID)
	}
}

// SetActive records the open conversation.
func (tx *Tx) SetActive(conversationID string) {
	if tx.s.active == conversationID {
		return
	}
	tx.s.active = conversationID
	tx.changed = true
	if conversationID != "" {
		tx.touch(conversationID)
	}
}

// Reset clears every conversation and the active selection.
func (tx *Tx) Reset() {
	tx.s.conversations = make(map[string]*models.Conversation)
	tx.s.positions = make(map[string]map[string]int)
	tx.s.clientIDs = make(map[string]string)
	tx.s.active = ""
	tx.touched = make(map[string]struct{})
	tx.reset = true
}

func (tx *Tx) reindex(conversationID string) {
	c := tx.s.conversations[conversationID]
	pos := make(map[string]int, len(c.Messages))
	for i, m := range c.Messages {
		pos[m.ID] = i
	}
	tx.s.positions[conversationID] = pos
}
