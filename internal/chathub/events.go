package chathub

import (
	"context"
	"strings"

	"marketchat/internal/apperr"
	"marketchat/internal/models"

	"github.com/sirupsen/logrus"
)

func (m *ManagerService) handleIncoming(ctx context.Context, in Inbound) {
	c, env := in.Client, in.Envelope
	if !m.isCurrent(c) {
		return
	}
	if env.Type == models.EventPing {
		m.sendTo(c, models.MustEnvelope(models.EventPong, nil))
		return
	}
	if !c.Allow() {
		m.sendError(c, apperr.CodeRateLimited, "too many events")
		return
	}

	var err error
	switch env.Type {
	case models.EventSendMessage:
		err = m.handleSendMessage(ctx, c, env)
	case models.EventTyping:
		err = m.handleTyping(ctx, c, env)
	case models.EventReadReceipt:
		err = m.handleReadReceipt(ctx, c, env)
	case models.EventDeliveryReceipt:
		err = m.handleDeliveryReceipt(ctx, c, env)
	case models.EventPong:
	default:
		err = apperr.Protocol("unsupported event "+env.Type, nil)
	}
	if err == nil {
		return
	}

	code := apperr.CodeOf(err)
	if code == "" {
		code = apperr.CodeInternal
	}
	m.log.WithError(err).WithFields(logrus.Fields{
		"user_id": c.GetUserID(),
		"event":   env.Type,
	}).Warn("event rejected")
	m.sendError(c, code, err.Error())
}

func (m *ManagerService) sendError(c Client, code, message string) {
	m.sendTo(c, models.MustEnvelope(models.EventError, models.ErrorPayload{Code: code, Message: message}))
}

// handleSendMessage persists the message, acknowledges it to the sender and
// forwards it to the recipient. A resend of an already stored client id is
// only acknowledged again.
func (m *ManagerService) handleSendMessage(ctx context.Context, c Client, env models.Envelope) error {
	var p models.SendMessagePayload
	if err := env.Decode(&p); err != nil {
		return apperr.Protocol("malformed send_message", err)
	}
	p.Message = strings.TrimSpace(p.Message)
	if err := m.validate.Struct(p); err != nil {
		return apperr.InvalidRequest("invalid send_message", err)
	}

	senderID := c.GetUserID()
	if p.RecipientID == senderID {
		return apperr.InvalidRequest("cannot message yourself", nil)
	}
	convID := models.ConversationID(senderID, p.RecipientID, p.ProductID)
	if p.ConversationID != "" && p.ConversationID != convID {
		return apperr.InvalidRequest("conversation id does not match participants and product", nil)
	}

	existing, err := m.Storage.FindByClientID(ctx, senderID, p.ClientMessageID)
	if err != nil {
		return err
	}
	if existing != nil {
		m.sendTo(c, models.MustEnvelope(models.EventAck, models.AckPayload{
			ClientMessageID: p.ClientMessageID,
			ServerMessageID: existing.ID,
			Timestamp:       existing.CreatedAt,
		}))
		return nil
	}

	senderName := c.GetUserName()
	if senderName == "" {
		senderName = p.SenderName
	}
	pair := models.SortedParticipants(
		models.Participant{ID: senderID, Name: senderName},
		models.Participant{ID: p.RecipientID, Name: p.RecipientName},
	)
	now := m.Now().UTC()
	conv := &models.ConversationRecord{
		ID:               convID,
		ParticipantIDs:   []string{pair[0].ID, pair[1].ID},
		ParticipantNames: []string{pair[0].Name, pair[1].Name},
		ProductID:        p.ProductID,
		ProductName:      p.ProductName,
		CreatedAt:        now,
		LastActivity:     now,
	}
	if err := m.Storage.EnsureConversation(ctx, conv); err != nil {
		return err
	}

	seq, err := m.Storage.NextSeq(ctx, convID)
	if err != nil {
		return err
	}
	rec := &models.MessageRecord{
		ID:              m.NewID(),
		ConversationID:  convID,
		Seq:             seq,
		ClientMessageID: p.ClientMessageID,
		SenderID:        senderID,
		SenderName:      senderName,
		RecipientID:     p.RecipientID,
		Body:            p.Message,
		Status:          models.StatusSent.String(),
		CreatedAt:       now,
	}
	if err := m.Storage.SaveMessage(ctx, rec); err != nil {
		return err
	}

	m.sendTo(c, models.MustEnvelope(models.EventAck, models.AckPayload{
		ClientMessageID: p.ClientMessageID,
		ServerMessageID: rec.ID,
		Timestamp:       rec.CreatedAt,
	}))

	out := rec.ToPayload()
	out.RecipientName = p.RecipientName
	out.ProductID = p.ProductID
	out.ProductName = p.ProductName
	m.deliverTo(p.RecipientID, models.MustEnvelope(models.EventMessage, out))

	m.log.WithFields(logrus.Fields{
		"conversation_id": convID,
		"message_id":      rec.ID,
		"seq":             seq,
	}).Debug("message relayed")
	return nil
}

// conversationFor loads conversationID and checks userID takes part in it.
func (m *ManagerService) conversationFor(ctx context.Context, conversationID, userID string) (*models.ConversationRecord, error) {
	if conversationID == "" {
		return nil, apperr.InvalidRequest("conversationId is required", nil)
	}
	conv, err := m.Storage.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(userID) {
		return nil, apperr.NotFound("conversation", nil)
	}
	return conv, nil
}

func (m *ManagerService) handleTyping(ctx context.Context, c Client, env models.Envelope) error {
	var p models.TypingPayload
	if err := env.Decode(&p); err != nil {
		return apperr.Protocol("malformed typing", err)
	}
	conv, err := m.conversationFor(ctx, p.ConversationID, c.GetUserID())
	if err != nil {
		return err
	}
	p.UserID = c.GetUserID()
	p.UserName = c.GetUserName()
	m.deliverTo(conv.PeerOf(p.UserID), models.MustEnvelope(models.EventTyping, p))
	return nil
}

func (m *ManagerService) handleReadReceipt(ctx context.Context, c Client, env models.Envelope) error {
	var p models.ReadReceiptPayload
	if err := env.Decode(&p); err != nil {
		return apperr.Protocol("malformed read_receipt", err)
	}
	if p.UpToMessageID == "" {
		return apperr.InvalidRequest("upToMessageId is required", nil)
	}
	readerID := c.GetUserID()
	conv, err := m.conversationFor(ctx, p.ConversationID, readerID)
	if err != nil {
		return err
	}
	if _, err := m.Storage.MarkRead(ctx, conv.ID, readerID, p.UpToMessageID); err != nil {
		return err
	}
	p.ReaderID = readerID
	m.deliverTo(conv.PeerOf(readerID), models.MustEnvelope(models.EventReadReceipt, p))
	return nil
}

func (m *ManagerService) handleDeliveryReceipt(ctx context.Context, c Client, env models.Envelope) error {
	var p models.DeliveryReceiptPayload
	if err := env.Decode(&p); err != nil {
		return apperr.Protocol("malformed delivery_receipt", err)
	}
	if p.MessageID == "" {
		return apperr.InvalidRequest("messageId is required", nil)
	}
	recipientID := c.GetUserID()
	conv, err := m.conversationFor(ctx, p.ConversationID, recipientID)
	if err != nil {
		return err
	}
	if err := m.Storage.MarkDelivered(ctx, conv.ID, p.MessageID); err != nil {
		return err
	}
	p.RecipientID = recipientID
	m.deliverTo(conv.PeerOf(recipientID), models.MustEnvelope(models.EventDeliveryReceipt, p))
	return nil
}
