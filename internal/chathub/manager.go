// Package chathub is the relay's routing core. A single ManagerService
// goroutine owns the set of connected clients; pumps talk to it only through
// its channels, so routing needs no locking beyond the read-only view used
// by IsConnected.
package chathub

import (
	"context"
	"sync"
	"time"

	"marketchat/internal/models"
	"marketchat/internal/storage"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type ManagerService struct {
	mu      sync.RWMutex
	Clients map[string]Client

	// Channels
	IncomingCh   chan Inbound
	RegisterCh   chan Client
	UnregisterCh chan Client

	Storage storage.Storage

	// NewID and Now are replaceable in tests.
	NewID func() string
	Now   func() time.Time

	validate *validator.Validate
	log      *logrus.Entry
	done     chan struct{}
}

func NewManagerService(s storage.Storage, log *logrus.Entry) *ManagerService {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &ManagerService{
		Clients:      make(map[string]Client),
		IncomingCh:   make(chan Inbound),
		RegisterCh:   make(chan Client),
		UnregisterCh: make(chan Client),
		Storage:      s,
		NewID:        uuid.NewString,
		Now:          time.Now,
		validate:     validator.New(),
		log:          log,
		done:         make(chan struct{}),
	}
}

// Done is closed once Run has returned.
func (m *ManagerService) Done() <-chan struct{} {
	return m.done
}

// IsConnected reports whether userID has a connection on this instance.
func (m *ManagerService) IsConnected(userID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.Clients[userID]
	return ok
}

// Run processes registrations and inbound events until ctx is cancelled.
// Every connected client is closed on exit.
func (m *ManagerService) Run(ctx context.Context) {
	defer close(m.done)

	m.log.Info("hub started")
	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return
		case c := <-m.RegisterCh:
			m.register(ctx, c)
		case c := <-m.UnregisterCh:
			m.unregister(ctx, c)
		case in := <-m.IncomingCh:
			m.handleIncoming(ctx, in)
		}
	}
}

func (m *ManagerService) shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, c := range m.Clients {
		c.Close()
		delete(m.Clients, id)
	}
	m.log.Info("hub stopped")
}

func (m *ManagerService) client(userID string) (Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.Clients[userID]
	return c, ok
}

func (m *ManagerService) isCurrent(c Client) bool {
	cur, ok := m.client(c.GetUserID())
	return ok && cur == c
}

// register installs c as the user's connection. An older connection of the
// same user is told it was replaced and closed.
func (m *ManagerService) register(ctx context.Context, c Client) {
	userID := c.GetUserID()
	entry := m.log.WithFields(logrus.Fields{"user_id": userID, "session_id": c.GetSessionID()})

	if old, ok := m.client(userID); ok && old != c {
		m.sendTo(old, models.MustEnvelope(models.EventDisconnect, models.DisconnectPayload{
			Code:   "replaced",
			Reason: "signed in from another connection",
		}))
		old.Close()
		entry.Info("replaced previous connection")
	}

	m.mu.Lock()
	m.Clients[userID] = c
	m.mu.Unlock()

	if err := m.Storage.SetOnline(ctx, userID); err != nil {
		entry.WithError(err).Warn("failed to mark user online")
	}
	connected := models.MustEnvelope(models.EventConnected, models.ConnectedPayload{
		UserID:    userID,
		SessionID: c.GetSessionID(),
	})
	if !m.sendTo(c, connected) {
		return
	}

	online := models.MustEnvelope(models.EventPresence, models.PresencePayload{UserID: userID, Online: true})
	for _, peer := range m.peersOf(ctx, userID) {
		if !m.sendTo(c, m.presenceOf(ctx, peer)) {
			entry.Warn("client dropped while sending presence snapshot")
			return
		}
		m.deliverTo(peer, online)
	}
	entry.Info("client registered")
}

func (m *ManagerService) unregister(ctx context.Context, c Client) {
	if !m.isCurrent(c) {
		return
	}
	m.drop(ctx, c)
}

// drop removes the current connection of a user and tells their peers
// they went offline.
func (m *ManagerService) drop(ctx context.Context, c Client) {
	userID := c.GetUserID()
	m.mu.Lock()
	delete(m.Clients, userID)
	m.mu.Unlock()
	c.Close()

	now := m.Now().UTC()
	if err := m.Storage.SetOffline(ctx, userID, now); err != nil {
		m.log.WithError(err).WithField("user_id", userID).Warn("failed to mark user offline")
	}
	offline := models.MustEnvelope(models.EventPresence, models.PresencePayload{UserID: userID, LastSeen: now})
	for _, peer := range m.peersOf(ctx, userID) {
		m.deliverTo(peer, offline)
	}
	m.log.WithFields(logrus.Fields{"user_id": userID, "session_id": c.GetSessionID()}).Info("client unregistered")
}

// peersOf lists every user sharing a conversation with userID.
func (m *ManagerService) peersOf(ctx context.Context, userID string) []string {
	convs, err := m.Storage.ListConversations(ctx, userID)
	if err != nil {
		m.log.WithError(err).WithField("user_id", userID).Warn("failed to load conversations")
		return nil
	}
	seen := make(map[string]bool, len(convs))
	var peers []string
	for _, conv := range convs {
		peer := conv.PeerOf(userID)
		if peer == "" || seen[peer] {
			continue
		}
		seen[peer] = true
		peers = append(peers, peer)
	}
	return peers
}

func (m *ManagerService) presenceOf(ctx context.Context, userID string) models.Envelope {
	p := models.PresencePayload{UserID: userID}
	if _, ok := m.client(userID); ok {
		p.Online = true
	} else if online, err := m.Storage.IsOnline(ctx, userID); err == nil && online {
		p.Online = true
	}
	if !p.Online {
		if seen, err := m.Storage.LastSeen(ctx, userID); err == nil {
			p.LastSeen = seen
		}
	}
	return models.MustEnvelope(models.EventPresence, p)
}

// sendTo queues env for c without blocking and reports whether it was
// queued. A client whose queue is full is dropped. Clients that are no
// longer current have a closed queue and are skipped.
func (m *ManagerService) sendTo(c Client, env models.Envelope) bool {
	if !m.isCurrent(c) {
		return false
	}
	select {
	case c.GetSendChannel() <- env:
		return true
	default:
		m.log.WithField("user_id", c.GetUserID()).Warn("send queue full, dropping client")
		m.drop(context.Background(), c)
		return false
	}
}

// deliverTo routes env to userID if they are connected. Offline users pick
// persisted messages up through the history API.
func (m *ManagerService) deliverTo(userID string, env models.Envelope) {
	if c, ok := m.client(userID); ok {
		m.sendTo(c, env)
	}
}
