package dispatcher_test

import (
	"sync"
	"testing"
	"time"

	"marketchat/internal/apperr"
	"marketchat/internal/dispatcher"
	"marketchat/internal/models"
	"marketchat/internal/pubsub"
	"marketchat/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	sent      []models.Envelope
	listeners pubsub.Listeners[models.Envelope]
}

func (f *fakeTransport) Send(env models.Envelope) {
	f.mu.Lock()
	f.sent = append(f.sent, env)
	f.mu.Unlock()
}

func (f *fakeTransport) Status() models.ConnectionStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connected {
		return models.ConnectionStatus{State: models.StateConnected}
	}
	return models.ConnectionStatus{State: models.StateDisconnected}
}

func (f *fakeTransport) OnEvent(fn func(models.Envelope)) func() {
	return f.listeners.Register(fn)
}

func (f *fakeTransport) deliver(eventType string, data any) {
	f.listeners.Notify(models.MustEnvelope(eventType, data))
}

func (f *fakeTransport) sentOfType(eventType string) []models.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Envelope
	for _, env := range f.sent {
		if env.Type == eventType {
			out = append(out, env)
		}
	}
	return out
}

type MockPresence struct {
	mock.Mock
}

func (m *MockPresence) OnInboundTyping(p models.TypingPayload) {
	m.Called(p)
}

func (m *MockPresence) OnPresence(p models.PresencePayload) {
	m.Called(p)
}

const convAB = "conv_A_B_p1"

type fixture struct {
	tr       *fakeTransport
	store    *store.Store
	presence *MockPresence
	d        *dispatcher.Dispatcher
}

func setup(t *testing.T, connected bool) fixture {
	t.Helper()
	f := fixture{
		tr:       &fakeTransport{connected: connected},
		store:    store.New(nil),
		presence: new(MockPresence),
	}
	f.d = dispatcher.New(f.tr, f.store, f.presence, nil)
	f.d.SetIdentity(dispatcher.Identity{ID: "A", Name: "Ann"})
	f.d.Start()
	t.Cleanup(f.d.Stop)
	return f
}

func validRequest() dispatcher.SendRequest {
	return dispatcher.SendRequest{
		ConversationID: convAB,
		RecipientID:    "B",
		RecipientName:  "Bob",
		ProductID:      "p1",
		ProductName:    "Lamp",
		Body:           "Is this available?",
	}
}

func TestSendMessage_Connected(t *testing.T) {
	// Arrange
	f := setup(t, true)

	// Act
	ok := f.d.SendMessage(validRequest())

	// Assert
	require.True(t, ok)
	c, found := f.store.Conversation(convAB)
	require.True(t, found)
	require.Len(t, c.Messages, 1)
	m := c.Messages[0]
	assert.Equal(t, models.StatusSending, m.Status)
	assert.True(t, m.Provisional())
	assert.Equal(t, "Lamp", c.ProductName)
	assert.Equal(t, "Bob", c.Peer("A").Name)

	sent := f.tr.sentOfType(models.EventSendMessage)
	require.Len(t, sent, 1)
	var p models.SendMessagePayload
	require.NoError(t, sent[0].Decode(&p))
	assert.Equal(t, m.ClientID, p.ClientMessageID)
	assert.Equal(t, convAB, p.ConversationID)
	assert.Equal(t, "Is this available?", p.Message)
}

// TestSendMessage_Disconnected covers sending while offline: false, nothing stored, nothing sent.
func TestSendMessage_Disconnected(t *testing.T) {
	f := setup(t, false)

	ok := f.d.SendMessage(validRequest())

	assert.False(t, ok)
	_, found := f.store.Conversation(convAB)
	assert.False(t, found)
	assert.Empty(t, f.tr.sentOfType(models.EventSendMessage))

	_, err := f.d.Send(validRequest())
	assert.True(t, apperr.Is(err, apperr.CodeNotConnected))
}

func TestSend_ValidatesRequiredFields(t *testing.T) {
	f := setup(t, true)
	cases := map[string]func(*dispatcher.SendRequest){
		"missing recipient": func(r *dispatcher.SendRequest) { r.RecipientID = "" },
		"missing product":   func(r *dispatcher.SendRequest) { r.ProductID = "" },
		"blank body":        func(r *dispatcher.SendRequest) { r.Body = "   " },
		"wrong conversation": func(r *dispatcher.SendRequest) {
			r.ConversationID = "conv_A_C_p1"
		},
		"self recipient": func(r *dispatcher.SendRequest) { r.RecipientID = "A" },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := validRequest()
			mutate(&req)

			_, err := f.d.Send(req)

			assert.True(t, apperr.Is(err, apperr.CodeInvalidRequest), "got %v", err)
		})
	}
	assert.Empty(t, f.store.GetConversations())
	assert.Empty(t, f.tr.sent)
}

func TestSend_DerivesConversationID(t *testing.T) {
	f := setup(t, true)
	req := validRequest()
	req.ConversationID = ""

	msg, err := f.d.Send(req)

	require.NoError(t, err)
	assert.Equal(t, convAB, msg.ConversationID)
}

// TestAck_ReplacesProvisional covers ack {c1 -> s99}.
func TestAck_ReplacesProvisional(t *testing.T) {
	f := setup(t, true)
	msg, err := f.d.Send(validRequest())
	require.NoError(t, err)

	f.tr.deliver(models.EventAck, models.AckPayload{ClientMessageID: msg.ClientID, ServerMessageID: "s99", Timestamp: time.Now()})

	c, _ := f.store.Conversation(convAB)
	require.Len(t, c.Messages, 1)
	assert.Equal(t, "s99", c.Messages[0].ID)
	assert.Equal(t, models.StatusSent, c.Messages[0].Status)

	// unknown client id: no-op
	f.tr.deliver(models.EventAck, models.AckPayload{ClientMessageID: "zzz", ServerMessageID: "s100"})
	c, _ = f.store.Conversation(convAB)
	assert.Len(t, c.Messages, 1)
}

func TestInboundMessage_ArrivalOrderAndUnread(t *testing.T) {
	// Arrange
	f := setup(t, true)
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	// Act
	for i, id := range []string{"s3", "s1", "s2"} {
		f.tr.deliver(models.EventMessage, models.MessagePayload{
			ID: id, ConversationID: convAB, SenderID: "B", SenderName: "Bob",
			Message: "hi", Timestamp: base.Add(-time.Duration(i) * time.Minute), Status: "sent",
			RecipientID: "A", RecipientName: "Ann", ProductID: "p1",
		})
	}

	// Assert
	c, found := f.store.Conversation(convAB)
	require.True(t, found)
	var ids []string
	for _, m := range c.Messages {
		ids = append(ids, m.ID)
		assert.Equal(t, models.StatusDelivered, m.Status)
	}
	assert.Equal(t, []string{"s3", "s1", "s2"}, ids)
	assert.Equal(t, 3, c.UnreadCount)
	assert.Equal(t, "Ann", c.Peer("B").Name)
	assert.Len(t, f.tr.sentOfType(models.EventDeliveryReceipt), 3)
}

func TestInboundMessage_DuplicateIgnored(t *testing.T) {
	f := setup(t, true)
	p := models.MessagePayload{ID: "s1", ConversationID: convAB, SenderID: "B", Message: "hi"}

	f.tr.deliver(models.EventMessage, p)
	f.tr.deliver(models.EventMessage, p)

	c, _ := f.store.Conversation(convAB)
	assert.Len(t, c.Messages, 1)
	assert.Equal(t, 1, c.UnreadCount)
	assert.Len(t, f.tr.sentOfType(models.EventDeliveryReceipt), 1)
}

func TestInboundMessage_ActiveConversationNotCounted(t *testing.T) {
	f := setup(t, true)
	f.d.OpenConversation(convAB)

	f.tr.deliver(models.EventMessage, models.MessagePayload{ID: "s1", ConversationID: convAB, SenderID: "B", Message: "hi"})

	c, _ := f.store.Conversation(convAB)
	assert.Equal(t, 0, c.UnreadCount)
	assert.Equal(t, models.StatusRead, c.Messages[0].Status)
	assert.Len(t, f.tr.sentOfType(models.EventReadReceipt), 1)

	// other conversations still count
	f.tr.deliver(models.EventMessage, models.MessagePayload{ID: "s2", ConversationID: "conv_A_C_p2", SenderID: "C", Message: "yo"})
	other, _ := f.store.Conversation("conv_A_C_p2")
	assert.Equal(t, 1, other.UnreadCount)
}

func TestCloseConversation_LeavesSendsInFlight(t *testing.T) {
	// Arrange
	f := setup(t, true)
	f.d.OpenConversation(convAB)
	sent, err := f.d.Send(validRequest())
	require.NoError(t, err)

	// Act
	f.d.CloseConversation()
	f.tr.deliver(models.EventAck, models.AckPayload{ClientMessageID: sent.ID, ServerMessageID: "s1"})
	f.tr.deliver(models.EventMessage, models.MessagePayload{ID: "s2", ConversationID: convAB, SenderID: "B", Message: "yes"})

	// Assert
	assert.Empty(t, f.store.Active())
	c, _ := f.store.Conversation(convAB)
	require.Len(t, c.Messages, 2)
	assert.Equal(t, "s1", c.Messages[0].ID)
	assert.Equal(t, models.StatusSent, c.Messages[0].Status)
	assert.Equal(t, 1, c.UnreadCount)
	assert.Empty(t, f.tr.sentOfType(models.EventReadReceipt))
}

func TestInboundEvents_DroppedWhenSignedOut(t *testing.T) {
	f := setup(t, true)
	f.d.SetIdentity(dispatcher.Identity{})

	f.tr.deliver(models.EventMessage, models.MessagePayload{ID: "m1", ConversationID: convAB, SenderID: "B", Message: "hi"})

	assert.Empty(t, f.store.GetConversations())
	assert.Empty(t, f.tr.sentOfType(models.EventDeliveryReceipt))
}

func TestMarkRead_Idempotent(t *testing.T) {
	// Arrange
	f := setup(t, true)
	f.tr.deliver(models.EventMessage, models.MessagePayload{ID: "s1", ConversationID: convAB, SenderID: "B", Message: "one"})
	f.tr.deliver(models.EventMessage, models.MessagePayload{ID: "s2", ConversationID: convAB, SenderID: "B", Message: "two"})

	// Act
	first := f.d.MarkRead(convAB)
	second := f.d.MarkRead(convAB)

	// Assert
	assert.True(t, first)
	assert.False(t, second)
	receipts := f.tr.sentOfType(models.EventReadReceipt)
	require.Len(t, receipts, 1)
	var p models.ReadReceiptPayload
	require.NoError(t, receipts[0].Decode(&p))
	assert.Equal(t, "s2", p.UpToMessageID)
	c, _ := f.store.Conversation(convAB)
	assert.Equal(t, 0, c.UnreadCount)
}

func TestReceipts_AreMonotonic(t *testing.T) {
	// Arrange
	f := setup(t, true)
	msg, err := f.d.Send(validRequest())
	require.NoError(t, err)
	f.tr.deliver(models.EventAck, models.AckPayload{ClientMessageID: msg.ClientID, ServerMessageID: "s1"})

	// Act
	f.tr.deliver(models.EventReadReceipt, models.ReadReceiptPayload{ConversationID: convAB, UpToMessageID: "s1", ReaderID: "B"})
	f.tr.deliver(models.EventDeliveryReceipt, models.DeliveryReceiptPayload{ConversationID: convAB, MessageID: "s1"})
	f.tr.deliver(models.EventMessage, models.MessagePayload{ID: "s1", ConversationID: convAB, SenderID: "A", Status: "sent"})

	// Assert
	c, _ := f.store.Conversation(convAB)
	require.Len(t, c.Messages, 1)
	assert.Equal(t, models.StatusRead, c.Messages[0].Status)
}

func TestDeliveryReceipt_AdvancesOwnMessage(t *testing.T) {
	f := setup(t, true)
	msg, err := f.d.Send(validRequest())
	require.NoError(t, err)
	f.tr.deliver(models.EventAck, models.AckPayload{ClientMessageID: msg.ClientID, ServerMessageID: "s1"})

	f.tr.deliver(models.EventDeliveryReceipt, models.DeliveryReceiptPayload{ConversationID: convAB, MessageID: "s1"})

	c, _ := f.store.Conversation(convAB)
	assert.Equal(t, models.StatusDelivered, c.Messages[0].Status)
}

func TestTypingAndPresenceForwarded(t *testing.T) {
	f := setup(t, true)
	typing := models.TypingPayload{ConversationID: convAB, UserID: "B", UserName: "Bob", IsTyping: true}
	presence := models.PresencePayload{UserID: "B", Online: true}
	f.presence.On("OnInboundTyping", typing).Return()
	f.presence.On("OnPresence", presence).Return()

	f.tr.deliver(models.EventTyping, typing)
	f.tr.deliver(models.EventPresence, presence)

	f.presence.AssertExpectations(t)
}

func TestMalformedAndUnknownEventsDropped(t *testing.T) {
	f := setup(t, true)
	before := f.store.Version()

	f.tr.listeners.Notify(models.Envelope{Type: models.EventMessage, Data: []byte(`{"id":`)})
	f.tr.listeners.Notify(models.Envelope{Type: models.EventMessage, Data: []byte(`{"message":"no ids"}`)})
	f.tr.listeners.Notify(models.Envelope{Type: "teleport", Data: []byte(`{}`)})
	f.tr.deliver(models.EventError, models.ErrorPayload{Code: "RATE_LIMITED", Message: "slow down"})

	assert.Equal(t, before, f.store.Version())
	f.presence.AssertNotCalled(t, "OnInboundTyping", mock.Anything)
}

func TestStop_ReleasesSubscription(t *testing.T) {
	f := setup(t, true)

	f.d.Stop()
	f.tr.deliver(models.EventMessage, models.MessagePayload{ID: "s1", ConversationID: convAB, SenderID: "B"})

	assert.Empty(t, f.store.GetConversations())
}
