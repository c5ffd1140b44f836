package handler

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"marketchat/internal/apperr"
	"marketchat/internal/models"
	"marketchat/internal/storage/storagetest"
	"marketchat/internal/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func readEvent(t *testing.T, conn transport.Conn, eventType string) models.Envelope {
	t.Helper()
	found := make(chan models.Envelope, 1)
	go func() {
		defer close(found)
		for {
			frame, err := conn.ReadFrame()
			if err != nil {
				return
			}
			env, err := models.ParseEnvelope(frame)
			if err == nil && env.Type == eventType {
				found <- env
				return
			}
		}
	}()
	select {
	case env, ok := <-found:
		require.True(t, ok, "connection closed before %s", eventType)
		return env
	case <-time.After(2 * time.Second):
		require.FailNowf(t, "timeout", "no %s event", eventType)
		return models.Envelope{}
	}
}

func writeEvent(t *testing.T, conn transport.Conn, env models.Envelope) {
	t.Helper()
	frame, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, conn.WriteFrame(frame))
}

func TestRelay_EndToEndMessage(t *testing.T) {
	// Arrange
	h, st := newTestHandler(t, func(st *storagetest.MockStorage) {
		st.On("FindByClientID", mock.Anything, "alice", "c1").Return(nil, nil)
		st.On("EnsureConversation", mock.Anything, mock.Anything).Return(nil)
		st.On("NextSeq", mock.Anything, convAB).Return(int64(1), nil)
		st.On("SaveMessage", mock.Anything, mock.Anything).Return(nil)
	})
	srv := httptest.NewServer(h.Router(false))
	defer srv.Close()
	dialer := transport.NewWSDialer("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", time.Second)
	ctx := context.Background()

	alice, err := dialer.Dial(ctx, tokenFor(t, h, "alice"))
	require.NoError(t, err)
	defer alice.Close()
	readEvent(t, alice, models.EventConnected)

	bob, err := dialer.Dial(ctx, tokenFor(t, h, "bob"))
	require.NoError(t, err)
	defer bob.Close()
	readEvent(t, bob, models.EventConnected)

	// Act
	writeEvent(t, alice, models.MustEnvelope(models.EventSendMessage, models.SendMessagePayload{
		ConversationID:  convAB,
		RecipientID:     "bob",
		RecipientName:   "Bob",
		ProductID:       "p1",
		ProductName:     "Bike",
		Message:         "is it still available?",
		ClientMessageID: "c1",
	}))

	// Assert
	var ack models.AckPayload
	require.NoError(t, readEvent(t, alice, models.EventAck).Decode(&ack))
	assert.Equal(t, "c1", ack.ClientMessageID)
	assert.NotEmpty(t, ack.ServerMessageID)

	var msg models.MessagePayload
	require.NoError(t, readEvent(t, bob, models.EventMessage).Decode(&msg))
	assert.Equal(t, ack.ServerMessageID, msg.ID)
	assert.Equal(t, "name-alice", msg.SenderName)
	assert.Equal(t, "is it still available?", msg.Message)
	st.AssertCalled(t, "SaveMessage", mock.Anything, mock.Anything)
}

func TestRelay_PingIsAnswered(t *testing.T) {
	h, _ := newTestHandler(t, nil)
	srv := httptest.NewServer(h.Router(false))
	defer srv.Close()
	dialer := transport.NewWSDialer("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", time.Second)

	conn, err := dialer.Dial(context.Background(), tokenFor(t, h, "alice"))
	require.NoError(t, err)
	defer conn.Close()
	readEvent(t, conn, models.EventConnected)

	writeEvent(t, conn, models.MustEnvelope(models.EventPing, nil))

	readEvent(t, conn, models.EventPong)
}

func TestRelay_InvalidTokenIsRejectedBeforeUpgrade(t *testing.T) {
	h, _ := newTestHandler(t, nil)
	srv := httptest.NewServer(h.Router(false))
	defer srv.Close()
	dialer := transport.NewWSDialer("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", time.Second)

	_, err := dialer.Dial(context.Background(), "garbage")

	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.CodeAuthRejected))
}
