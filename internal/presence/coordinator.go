// Package presence tracks who is typing and who is online.
//
// Outgoing typing state is debounced: the first keystroke emits a typing
// start, later keystrokes only push back the auto-stop timer. Incoming
// typing signals expire on their own so a lost stop event never leaves an
// indicator stuck on screen.
package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"marketchat/internal/config"
	"marketchat/internal/models"
	"marketchat/internal/pubsub"

	"github.com/sirupsen/logrus"
)

// Sender queues an event for the wire. *transport.Manager implements it.
type Sender interface {
	Send(env models.Envelope)
}

// Change is published whenever the typing set or presence map changes.
type Change struct {
	ConversationIDs []string
	PresenceUserID  string
}

type outgoing struct {
	timer *time.Timer
	gen   uint64
}

type Coordinator struct {
	idle   time.Duration
	expiry time.Duration
	sweep  time.Duration
	out    Sender
	log    *logrus.Entry
	now    func() time.Time

	mu       sync.Mutex
	self     string
	gen      uint64
	outgoing map[string]outgoing
	signals  map[models.TypingKey]models.TypingSignal
	presence map[string]models.PresencePayload

	listeners pubsub.Listeners[Change]
}

func New(cfg config.ClientConfig, out Sender, log *logrus.Entry) *Coordinator {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Coordinator{
		idle:     cfg.TypingIdle,
		expiry:   cfg.TypingExpiry,
		sweep:    cfg.TypingSweepInterval,
		out:      out,
		log:      log,
		now:      time.Now,
		outgoing: make(map[string]outgoing),
		signals:  make(map[models.TypingKey]models.TypingSignal),
		presence: make(map[string]models.PresencePayload),
	}
}

// SetSelf sets the local user; inbound signals from that user are ignored.
func (c *Coordinator) SetSelf(userID string) {
	c.mu.Lock()
	c.self = userID
	c.mu.Unlock()
}

func (c *Coordinator) Subscribe(fn func(Change)) (release func()) {
	return c.listeners.Register(fn)
}

// StartTyping emits a typing start unless one is already active for the
// conversation, and (re)arms the auto-stop timer.
func (c *Coordinator) StartTyping(conversationID string) {
	if conversationID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	cur, signaling := c.outgoing[conversationID]
	if signaling {
		cur.timer.Stop()
	} else {
		c.emit(conversationID, true)
	}
	c.gen++
	gen := c.gen
	c.outgoing[conversationID] = outgoing{
		gen:   gen,
		timer: time.AfterFunc(c.idle, func() { c.autoStop(conversationID, gen) }),
	}
}

// StopTyping emits a typing stop if one is active. Otherwise it does nothing.
func (c *Coordinator) StopTyping(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, signaling := c.outgoing[conversationID]
	if !signaling {
		return
	}
	cur.timer.Stop()
	delete(c.outgoing, conversationID)
	c.emit(conversationID, false)
}

// Signaling reports whether a typing start is outstanding for conversationID.
func (c *Coordinator) Signaling(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.outgoing[conversationID]
	return ok
}

func (c *Coordinator) autoStop(conversationID string, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.outgoing[conversationID]
	if !ok || cur.gen != gen {
		return
	}
	delete(c.outgoing, conversationID)
	c.emit(conversationID, false)
}

// emit must be called with mu held so start/stop reach the wire in order.
func (c *Coordinator) emit(conversationID string, typing bool) {
	c.out.Send(models.MustEnvelope(models.EventTyping, models.TypingPayload{
		ConversationID: conversationID,
		IsTyping:       typing,
	}))
}

// OnInboundTyping records or clears a peer's typing signal. A start
// replaces any existing signal for the same (conversation, user) and
// restarts its expiry.
func (c *Coordinator) OnInboundTyping(p models.TypingPayload) {
	if p.ConversationID == "" || p.UserID == "" {
		c.log.WithField("conversation_id", p.ConversationID).Warn("typing event without user or conversation")
		return
	}
	key := models.TypingKey{ConversationID: p.ConversationID, UserID: p.UserID}

	c.mu.Lock()
	if p.UserID == c.self {
		c.mu.Unlock()
		return
	}
	changed := true
	if p.IsTyping {
		c.signals[key] = models.TypingSignal{
			ConversationID: p.ConversationID,
			UserID:         p.UserID,
			UserName:       p.UserName,
			ExpiresAt:      c.now().Add(c.expiry),
		}
	} else {
		_, changed = c.signals[key]
		delete(c.signals, key)
	}
	c.mu.Unlock()

	if changed {
		c.listeners.Notify(Change{ConversationIDs: []string{p.ConversationID}})
	}
}

// Typing returns the live signals of a conversation ordered by user id.
func (c *Coordinator) Typing(conversationID string) []models.TypingSignal {
	now := c.now()
	c.mu.Lock()
	var out []models.TypingSignal
	for key, sig := range c.signals {
		if key.ConversationID == conversationID && !sig.Expired(now) {
			out = append(out, sig)
		}
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Sweep drops expired signals and reports how many were removed.
func (c *Coordinator) Sweep() int {
	now := c.now()
	c.mu.Lock()
	removed := 0
	touched := make(map[string]struct{})
	for key, sig := range c.signals {
		if sig.Expired(now) {
			delete(c.signals, key)
			touched[key.ConversationID] = struct{}{}
			removed++
		}
	}
	c.mu.Unlock()

	if removed == 0 {
		return 0
	}
	ids := make([]string, 0, len(touched))
	for id := range touched {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	c.listeners.Notify(Change{ConversationIDs: ids})
	return removed
}

// Run sweeps expired signals until ctx is done.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// OnPresence records a presence notice from the service.
func (c *Coordinator) OnPresence(p models.PresencePayload) {
	if p.UserID == "" {
		return
	}
	c.mu.Lock()
	prev, seen := c.presence[p.UserID]
	c.presence[p.UserID] = p
	c.mu.Unlock()

	if !seen || prev.Online != p.Online {
		c.log.WithFields(logrus.Fields{"user_id": p.UserID, "online": p.Online}).Debug("presence changed")
		c.listeners.Notify(Change{PresenceUserID: p.UserID})
	}
}

// PeerOnline returns the last presence reported for userID. Users the
// service never reported on are offline with a zero lastSeen.
func (c *Coordinator) PeerOnline(userID string) (online bool, lastSeen time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.presence[userID]
	if !ok {
		return false, time.Time{}
	}
	return p.Online, p.LastSeen
}

// Reset forgets all state without emitting wire events or notifications.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, o := range c.outgoing {
		o.timer.Stop()
	}
	c.outgoing = make(map[string]outgoing)
	c.signals = make(map[models.TypingKey]models.TypingSignal)
	c.presence = make(map[string]models.PresencePayload)
	c.self = ""
}
