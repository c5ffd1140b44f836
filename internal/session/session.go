// Package session is the client composition root. A Session owns one
// transport, store, presence coordinator and dispatcher for the lifetime of
// a signed-in user and re-publishes their changes as Updates.
//
// Logout clears everything and publishes exactly one UpdateTeardown; the
// intermediate notifications of each component are swallowed.
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"marketchat/internal/apperr"
	"marketchat/internal/config"
	"marketchat/internal/dispatcher"
	"marketchat/internal/models"
	"marketchat/internal/notify"
	"marketchat/internal/presence"
	"marketchat/internal/pubsub"
	"marketchat/internal/store"
	"marketchat/internal/transport"

	"github.com/sirupsen/logrus"
)

type UpdateKind int

const (
	UpdateStatus UpdateKind = iota + 1
	UpdateConversations
	UpdateTyping
	UpdateTeardown
)

func (k UpdateKind) String() string {
	switch k {
	case UpdateStatus:
		return "status"
	case UpdateConversations:
		return "conversations"
	case UpdateTyping:
		return "typing"
	case UpdateTeardown:
		return "teardown"
	}
	return "unknown"
}

// Update is what session subscribers observe. Only the field matching Kind
// is set.
type Update struct {
	Kind     UpdateKind
	Status   models.ConnectionStatus
	Change   store.Change
	Presence presence.Change
}

// User is the authenticated-user provider's view of the signed-in user.
type User struct {
	ID    string
	Name  string
	Token string
}

// History seeds the store on login. *client.HistoryClient implements it.
type History interface {
	Conversations(ctx context.Context, token string) ([]models.ConversationSummary, error)
	Messages(ctx context.Context, token, conversationID string, limit int) ([]models.MessagePayload, error)
}

type Session struct {
	Transport  *transport.Manager
	Store      *store.Store
	Presence   *presence.Coordinator
	Dispatcher *dispatcher.Dispatcher

	history      History
	historyLimit int
	notifier     notify.Notifier
	log          *logrus.Entry

	mu         sync.Mutex
	user       User
	stopSweep  context.CancelFunc
	lastStatus models.ConnectionStatus
	quiet      atomic.Bool
	scope      pubsub.Scope
	listeners  pubsub.Listeners[Update]
	closeOnce  sync.Once
}

type Option func(*Session)

func WithLogger(log *logrus.Entry) Option {
	return func(s *Session) { s.log = log }
}

func WithHistory(h History, limit int) Option {
	return func(s *Session) {
		s.history = h
		s.historyLimit = limit
	}
}

func WithNotifier(n notify.Notifier) Option {
	return func(s *Session) { s.notifier = n }
}

// New wires the components together. Nothing connects until Login.
func New(cfg config.ClientConfig, dialer transport.Dialer, opts ...Option) *Session {
	s := &Session{historyLimit: config.DefaultHistoryLimit}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logrus.NewEntry(logrus.StandardLogger())
	}

	s.Transport = transport.NewManager(cfg, dialer, s.log.WithField("component", "transport"))
	s.Store = store.New(s.log.WithField("component", "store"))
	s.Presence = presence.New(cfg, s.Transport, s.log.WithField("component", "presence"))
	s.Dispatcher = dispatcher.New(s.Transport, s.Store, s.Presence, s.log.WithField("component", "dispatcher"))

	s.Dispatcher.Start()
	s.scope.Add(s.Dispatcher.Stop)
	s.scope.Add(s.Transport.OnStatus(s.onStatus))
	s.scope.Add(s.Store.Subscribe(func(c store.Change) {
		s.publish(Update{Kind: UpdateConversations, Change: c})
	}))
	s.scope.Add(s.Presence.Subscribe(func(c presence.Change) {
		s.publish(Update{Kind: UpdateTyping, Presence: c})
	}))
	return s
}

// Subscribe registers fn for session updates.
func (s *Session) Subscribe(fn func(Update)) (release func()) {
	return s.listeners.Register(fn)
}

func (s *Session) publish(u Update) {
	if s.quiet.Load() {
		return
	}
	s.listeners.Notify(u)
}

func (s *Session) onStatus(st models.ConnectionStatus) {
	s.mu.Lock()
	prev := s.lastStatus
	s.lastStatus = st
	s.mu.Unlock()

	s.publish(Update{Kind: UpdateStatus, Status: st})
	if s.quiet.Load() {
		return
	}
	s.notifyStatus(prev, st)
}

func (s *Session) notifyStatus(prev, st models.ConnectionStatus) {
	if s.notifier == nil {
		return
	}
	var n notify.Notice
	switch {
	case st.Terminal && apperr.Is(st.Reason, apperr.CodeAuthRejected):
		n = notify.Error("auth_rejected")
	case st.Terminal && apperr.Is(st.Reason, apperr.CodeForcedDisconnect):
		n = notify.Warn("forced_disconnect", st.Reason.Error())
	case st.Terminal:
		n = notify.Error("reconnect_exhausted")
	case st.State == models.StateDisconnected && st.Attempt > 0:
		wait := time.Until(st.NextRetry).Round(time.Second)
		n = notify.Warn("disconnected", wait.String(), st.Attempt)
	case st.State == models.StateConnected && prev.Attempt > 0:
		n = notify.Info("connected")
	default:
		return
	}
	go s.deliver(n)
}

func (s *Session) deliver(n notify.Notice) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.notifier.Notify(ctx, n); err != nil {
		s.log.WithError(err).WithField("notice", n.Key).Warn("notification failed")
	}
}

// User returns the signed-in user (zero when signed out).
func (s *Session) User() User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

// Login signs u in and starts connecting. It returns before the connection
// is established; history sync errors are returned but leave the session
// usable.
func (s *Session) Login(ctx context.Context, u User) error {
	if u.ID == "" || u.Token == "" {
		return apperr.InvalidRequest("user id and token are required", nil)
	}
	s.mu.Lock()
	if s.user.ID != "" {
		s.mu.Unlock()
		return apperr.InvalidRequest("already signed in as "+s.user.ID, nil)
	}
	s.user = u
	sweepCtx, cancel := context.WithCancel(context.Background())
	s.stopSweep = cancel
	s.mu.Unlock()

	s.Dispatcher.SetIdentity(dispatcher.Identity{ID: u.ID, Name: u.Name})
	s.Presence.SetSelf(u.ID)
	go s.Presence.Run(sweepCtx)
	s.Transport.Connect(u.Token)
	s.log.WithField("user_id", u.ID).Info("signed in")

	if s.history == nil {
		return nil
	}
	return s.SyncHistory(ctx)
}

// SyncHistory pulls conversations and their recent messages from the relay.
// Messages already in the store are skipped, so repeating it is harmless.
func (s *Session) SyncHistory(ctx context.Context) error {
	if s.history == nil {
		return nil
	}
	u := s.User()
	if u.ID == "" {
		return apperr.Unauthorized("not signed in", nil)
	}
	convs, err := s.history.Conversations(ctx, u.Token)
	if err != nil {
		s.log.WithError(err).Warn("history sync failed")
		return err
	}
	for _, summary := range convs {
		msgs, err := s.history.Messages(ctx, u.Token, summary.ID, s.historyLimit)
		if err != nil {
			s.log.WithError(err).WithField("conversation_id", summary.ID).Warn("history sync failed")
			return err
		}
		s.Store.Update(func(tx *store.Tx) {
			tx.UpsertConversation(summary.ID, summary.Meta())
			for _, p := range msgs {
				status, perr := models.ParseDeliveryStatus(p.Status)
				if perr != nil || status == models.StatusUnknown {
					status = models.StatusSent
				}
				tx.AppendMessage(summary.ID, models.Message{
					ID:         p.ID,
					SenderID:   p.SenderID,
					SenderName: p.SenderName,
					Body:       p.Message,
					CreatedAt:  p.Timestamp,
					Status:     status,
				})
			}
		})
	}
	s.log.WithField("conversations", len(convs)).Info("history synced")
	return nil
}

// SendMessage sends through the dispatcher and reports failures to the
// notifier.
func (s *Session) SendMessage(req dispatcher.SendRequest) bool {
	_, err := s.Dispatcher.Send(req)
	if err == nil {
		return true
	}
	if s.notifier != nil {
		n := notify.Warn("send_failed", err.Error())
		if apperr.Is(err, apperr.CodeNotConnected) {
			n = notify.Warn("send_not_connected")
		}
		go s.deliver(n)
	}
	return false
}

// Logout tears down the connection and clears all in-memory state.
// Subscribers see a single UpdateTeardown.
func (s *Session) Logout() {
	s.mu.Lock()
	cancel := s.stopSweep
	s.stopSweep = nil
	userID := s.user.ID
	s.user = User{}
	s.mu.Unlock()

	s.quiet.Store(true)
	if cancel != nil {
		cancel()
	}
	s.Transport.Disconnect()
	s.Dispatcher.SetIdentity(dispatcher.Identity{})
	s.Presence.Reset()
	s.Store.Reset()
	s.quiet.Store(false)

	s.log.WithField("user_id", userID).Info("signed out")
	s.listeners.Notify(Update{Kind: UpdateTeardown, Status: s.Transport.Status()})
}

// Close logs out and stops every component. The session is unusable after.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.Logout()
		s.scope.Release()
		s.Transport.Close()
	})
}
