// Package dispatcher maps user intents to wire events and inbound wire
// events to Conversation Store mutations.
//
// Inbound events are applied strictly in the order the transport delivers
// them; timestamps never reorder anything.
package dispatcher

import (
	"fmt"
	"strings"
	"sync"

	"marketchat/internal/apperr"
	"marketchat/internal/models"
	"marketchat/internal/pubsub"
	"marketchat/internal/store"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Transport is the slice of the connection manager the dispatcher needs.
type Transport interface {
	Send(env models.Envelope)
	Status() models.ConnectionStatus
	OnEvent(fn func(models.Envelope)) (release func())
}

// Presence receives typing and presence events.
type Presence interface {
	OnInboundTyping(p models.TypingPayload)
	OnPresence(p models.PresencePayload)
}

// Identity is the signed-in user.
type Identity struct {
	ID   string
	Name string
}

// SendRequest is a user's intent to send a message. ConversationID may be
// empty; it is derived from the participants and product.
type SendRequest struct {
	ConversationID string `json:"conversationId"`
	RecipientID    string `json:"recipientId" validate:"required"`
	RecipientName  string `json:"recipientName"`
	ProductID      string `json:"productId" validate:"required"`
	ProductName    string `json:"productName"`
	Body           string `json:"body" validate:"required,max=4000"`
}

type Dispatcher struct {
	transport Transport
	store     *store.Store
	presence  Presence
	validate  *validator.Validate
	log       *logrus.Entry
	newID     func() string

	mu   sync.RWMutex
	self Identity

	scope pubsub.Scope
}

func New(tr Transport, st *store.Store, presence Presence, log *logrus.Entry) *Dispatcher {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Dispatcher{
		transport: tr,
		store:     st,
		presence:  presence,
		validate:  validator.New(),
		log:       log,
		newID:     uuid.NewString,
	}
}

// SetIdentity sets the signed-in user. An empty identity signs out.
func (d *Dispatcher) SetIdentity(id Identity) {
	d.mu.Lock()
	d.self = id
	d.mu.Unlock()
}

func (d *Dispatcher) identity() Identity {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.self
}

// Start subscribes to inbound transport events.
func (d *Dispatcher) Start() {
	d.scope.Add(d.transport.OnEvent(d.HandleEvent))
}

// Stop releases the transport subscription.
func (d *Dispatcher) Stop() {
	d.scope.Release()
}

// SendMessage is Send reduced to a boolean: false means nothing was sent.
func (d *Dispatcher) SendMessage(req SendRequest) bool {
	_, err := d.Send(req)
	return err == nil
}

// Send validates req, appends a provisional message with status sending and
// queues the send_message event. Nothing is appended when it fails.
func (d *Dispatcher) Send(req SendRequest) (models.Message, error) {
	self := d.identity()
	if self.ID == "" {
		return models.Message{}, apperr.Unauthorized("not signed in", nil)
	}
	req.Body = strings.TrimSpace(req.Body)
	if err := d.validate.Struct(req); err != nil {
		return models.Message{}, apperr.InvalidRequest(describe(err), err)
	}
	if req.RecipientID == self.ID {
		return models.Message{}, apperr.InvalidRequest("cannot message yourself", nil)
	}
	convID := models.ConversationID(self.ID, req.RecipientID, req.ProductID)
	if req.ConversationID != "" && req.ConversationID != convID {
		return models.Message{}, apperr.InvalidRequest(
			fmt.Sprintf("conversation %s does not match participants and product", req.ConversationID), nil)
	}
	if !d.transport.Status().Connected() {
		return models.Message{}, apperr.New(apperr.CodeNotConnected, "not connected", nil)
	}

	clientID := d.newID()
	msg := models.Message{
		ID:         clientID,
		ClientID:   clientID,
		SenderID:   self.ID,
		SenderName: self.Name,
		Body:       req.Body,
		Status:     models.StatusSending,
	}
	d.store.Update(func(tx *store.Tx) {
		tx.UpsertConversation(convID, models.ConversationMeta{
			Participants: models.SortedParticipants(
				models.Participant{ID: self.ID, Name: self.Name},
				models.Participant{ID: req.RecipientID, Name: req.RecipientName},
			),
			ProductID:   req.ProductID,
			ProductName: req.ProductName,
		})
		tx.AppendMessage(convID, msg)
	})

	d.transport.Send(models.MustEnvelope(models.EventSendMessage, models.SendMessagePayload{
		ConversationID:  convID,
		RecipientID:     req.RecipientID,
		RecipientName:   req.RecipientName,
		ProductID:       req.ProductID,
		ProductName:     req.ProductName,
		Message:         req.Body,
		ClientMessageID: clientID,
		SenderName:      self.Name,
	}))
	msg.ConversationID = convID
	return msg, nil
}

func describe(err error) string {
	var fields []string
	if verrs, ok := err.(validator.ValidationErrors); ok {
		for _, fe := range verrs {
			fields = append(fields, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
		}
	}
	if len(fields) == 0 {
		return "invalid send request"
	}
	return strings.Join(fields, ", ")
}

// MarkRead moves every received message of the conversation to read and
// emits one read receipt. It returns false when nothing changed.
func (d *Dispatcher) MarkRead(conversationID string) bool {
	self := d.identity()
	var upTo string
	var changed bool
	d.store.Update(func(tx *store.Tx) {
		upTo, changed = tx.MarkRead(conversationID, self.ID)
	})
	if changed && upTo != "" {
		d.sendReadReceipt(conversationID, upTo)
	}
	return changed
}

func (d *Dispatcher) sendReadReceipt(conversationID, upTo string) {
	d.transport.Send(models.MustEnvelope(models.EventReadReceipt, models.ReadReceiptPayload{
		ConversationID: conversationID,
		UpToMessageID:  upTo,
	}))
}

// OpenConversation marks id as the one on screen and reads it.
func (d *Dispatcher) OpenConversation(id string) {
	d.store.SetActive(id)
	d.MarkRead(id)
}

// CloseConversation clears the active conversation. Sends in flight are not
// affected.
func (d *Dispatcher) CloseConversation() {
	d.store.SetActive("")
}

// HandleEvent applies one inbound event. Malformed and unknown events are
// logged and dropped, and so is everything arriving while signed out.
func (d *Dispatcher) HandleEvent(env models.Envelope) {
	if d.identity().ID == "" {
		d.log.WithField("type", env.Type).Debug("signed out, dropping inbound event")
		return
	}
	var err error
	switch env.Type {
	case models.EventMessage:
		var p models.MessagePayload
		if err = env.Decode(&p); err == nil {
			err = d.onMessage(p)
		}
	case models.EventAck:
		var p models.AckPayload
		if err = env.Decode(&p); err == nil {
			d.onAck(p)
		}
	case models.EventReadReceipt:
		var p models.ReadReceiptPayload
		if err = env.Decode(&p); err == nil {
			d.onReadReceipt(p)
		}
	case models.EventDeliveryReceipt:
		var p models.DeliveryReceiptPayload
		if err = env.Decode(&p); err == nil {
			d.onDeliveryReceipt(p)
		}
	case models.EventTyping:
		var p models.TypingPayload
		if err = env.Decode(&p); err == nil {
			d.presence.OnInboundTyping(p)
		}
	case models.EventPresence:
		var p models.PresencePayload
		if err = env.Decode(&p); err == nil {
			d.presence.OnPresence(p)
		}
	case models.EventConnected:
		var p models.ConnectedPayload
		if err = env.Decode(&p); err == nil {
			d.log.WithFields(logrus.Fields{"user_id": p.UserID, "session_id": p.SessionID}).Info("session established")
		}
	case models.EventDisconnect:
		var p models.DisconnectPayload
		if err = env.Decode(&p); err == nil {
			d.log.WithFields(logrus.Fields{"code": p.Code, "reason": p.Reason}).Warn("service closed the connection")
		}
	case models.EventError:
		var p models.ErrorPayload
		if err = env.Decode(&p); err == nil {
			d.log.WithFields(logrus.Fields{"code": p.Code, "message": p.Message}).Warn("service reported an error")
		}
	default:
		err = apperr.Protocol("unknown event type", nil)
	}
	if err != nil {
		d.log.WithError(err).WithField("type", env.Type).Warn("dropping inbound event")
	}
}

func (d *Dispatcher) onMessage(p models.MessagePayload) error {
	if p.ID == "" || p.ConversationID == "" || p.SenderID == "" {
		return apperr.Protocol("message without id, conversation or sender", nil)
	}
	self := d.identity()
	fromPeer := p.SenderID != self.ID

	status, err := models.ParseDeliveryStatus(p.Status)
	if err != nil || status == models.StatusUnknown {
		status = models.StatusSent
	}
	if fromPeer && status < models.StatusDelivered {
		status = models.StatusDelivered
	}

	meta := models.ConversationMeta{ProductID: p.ProductID, ProductName: p.ProductName}
	if p.RecipientID != "" {
		meta.Participants = models.SortedParticipants(
			models.Participant{ID: p.SenderID, Name: p.SenderName},
			models.Participant{ID: p.RecipientID, Name: p.RecipientName},
		)
	}
	msg := models.Message{
		ID:         p.ID,
		SenderID:   p.SenderID,
		SenderName: p.SenderName,
		Body:       p.Message,
		CreatedAt:  p.Timestamp,
		Status:     status,
	}

	var appended bool
	var readUpTo string
	d.store.Update(func(tx *store.Tx) {
		tx.UpsertConversation(p.ConversationID, meta)
		appended = tx.AppendMessage(p.ConversationID, msg)
		if !appended || !fromPeer {
			return
		}
		if tx.Active() == p.ConversationID {
			readUpTo, _ = tx.MarkRead(p.ConversationID, self.ID)
			return
		}
		tx.IncrementUnread(p.ConversationID)
	})
	if !appended {
		d.log.WithField("message_id", p.ID).Debug("duplicate message ignored")
		return nil
	}
	if fromPeer {
		d.transport.Send(models.MustEnvelope(models.EventDeliveryReceipt, models.DeliveryReceiptPayload{
			ConversationID: p.ConversationID,
			MessageID:      p.ID,
		}))
		if readUpTo != "" {
			d.sendReadReceipt(p.ConversationID, readUpTo)
		}
	}
	return nil
}

func (d *Dispatcher) onAck(p models.AckPayload) {
	if !d.store.Acknowledge(p.ClientMessageID, p.ServerMessageID, p.Timestamp) {
		d.log.WithField("client_message_id", p.ClientMessageID).Debug("ack for unknown message ignored")
	}
}

func (d *Dispatcher) onReadReceipt(p models.ReadReceiptPayload) {
	self := d.identity()
	d.store.Update(func(tx *store.Tx) {
		if p.ReaderID != "" && p.ReaderID == self.ID {
			// read on another device of ours
			tx.MarkRead(p.ConversationID, self.ID)
			return
		}
		tx.AdvanceThrough(p.ConversationID, p.UpToMessageID, self.ID, models.StatusRead)
	})
}

func (d *Dispatcher) onDeliveryReceipt(p models.DeliveryReceiptPayload) {
	d.store.Update(func(tx *store.Tx) {
		tx.AdvanceStatus(p.ConversationID, p.MessageID, models.StatusDelivered)
	})
}
