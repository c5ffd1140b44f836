// Package store holds the in-memory index of conversations and their
// messages for one client session.
//
// All mutations go through Update, which runs a function against a Tx while
// holding the write lock. One Update is one logical operation: subscribers
// receive at most one Change for it, after the lock is released, and never
// observe a partially applied operation. Changes are delivered one at a
// time in Version order, so a listener must not call Update itself.
package store

import (
	"sort"
	"sync"
	"time"

	"marketchat/internal/models"
	"marketchat/internal/pubsub"

	"github.com/sirupsen/logrus"
)

// Change describes one committed logical operation.
type Change struct {
	Version uint64
	// ConversationIDs lists the conversations the operation touched.
	ConversationIDs []string
	// Reset is set when the store was cleared.
	Reset bool
}

// Store is the conversation index. The zero value is not usable; call New.
type Store struct {
	mu sync.RWMutex
	// notifyMu is taken before mu is released so changes reach listeners
	// in commit order.
	notifyMu      sync.Mutex
	conversations map[string]*models.Conversation
	// positions maps conversation id -> message id -> slice index.
	positions map[string]map[string]int
	// clientIDs maps provisional client ids to their conversation.
	clientIDs map[string]string
	active    string
	version   uint64

	listeners pubsub.Listeners[Change]
	log       *logrus.Entry
	now       func() time.Time
}

// New returns an empty store.
func New(log *logrus.Entry) *Store {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Store{
		conversations: make(map[string]*models.Conversation),
		positions:     make(map[string]map[string]int),
		clientIDs:     make(map[string]string),
		log:           log,
		now:           time.Now,
	}
}

// Subscribe registers fn for change notifications and returns its release func.
func (s *Store) Subscribe(fn func(Change)) (release func()) {
	return s.listeners.Register(fn)
}

// Update applies fn as a single logical operation. It returns the committed
// Change and whether anything changed.
func (s *Store) Update(fn func(tx *Tx)) (Change, bool) {
	s.mu.Lock()
	tx := &Tx{s: s, touched: make(map[string]struct{})}
	fn(tx)
	if !tx.dirty() {
		s.mu.Unlock()
		return Change{}, false
	}
	s.version++
	change := Change{Version: s.version, Reset: tx.reset}
	for id := range tx.touched {
		change.ConversationIDs = append(change.ConversationIDs, id)
	}
	sort.Strings(change.ConversationIDs)
	s.notifyMu.Lock()
	s.mu.Unlock()

	s.listeners.Notify(change)
	s.notifyMu.Unlock()
	return change, true
}

// UpsertConversation creates the conversation if absent and merges meta
// otherwise. The message list is never replaced.
func (s *Store) UpsertConversation(id string, meta models.ConversationMeta) bool {
	_, changed := s.Update(func(tx *Tx) { tx.UpsertConversation(id, meta) })
	return changed
}

// AppendMessage appends msg to its conversation. A message whose id (or
// client id) is already present is ignored and false is returned.
func (s *Store) AppendMessage(conversationID string, msg models.Message) bool {
	var appended bool
	s.Update(func(tx *Tx) { appended = tx.AppendMessage(conversationID, msg) })
	return appended
}

// Acknowledge swaps a provisional message's client id for the service id.
func (s *Store) Acknowledge(clientID, serverID string, at time.Time) bool {
	var ok bool
	s.Update(func(tx *Tx) { ok = tx.Acknowledge(clientID, serverID, at) })
	return ok
}

// SetActive marks the conversation currently open in the UI ("" for none).
func (s *Store) SetActive(conversationID string) {
	s.Update(func(tx *Tx) { tx.SetActive(conversationID) })
}

// Reset drops every conversation in one notification.
func (s *Store) Reset() {
	s.Update(func(tx *Tx) { tx.Reset() })
}

// GetConversations returns snapshots ordered by most recent activity first.
// Ordering is computed on every call.
func (s *Store) GetConversations() []models.Conversation {
	s.mu.RLock()
	out := make([]models.Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, c.Clone())
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].LastActivity.Equal(out[j].LastActivity) {
			return out[i].LastActivity.After(out[j].LastActivity)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Conversation returns a snapshot of one conversation.
func (s *Store) Conversation(id string) (models.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return models.Conversation{}, false
	}
	return c.Clone(), true
}

// Active returns the id of the open conversation.
func (s *Store) Active() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// Version returns the number of committed changes.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// TotalUnread sums unread counts across conversations.
func (s *Store) TotalUnread() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for _, c := range s.conversations {
		total += c.UnreadCount
	}
	return total
}
