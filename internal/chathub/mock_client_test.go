package chathub_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"marketchat/internal/models"

	"github.com/stretchr/testify/require"
)

type MockClient struct {
	userID    string
	userName  string
	sessionID string
	send      chan models.Envelope
	limited   atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
}

func newMockClient(userID string) *MockClient {
	return &MockClient{
		userID:    userID,
		userName:  "name-" + userID,
		sessionID: "session-" + userID,
		send:      make(chan models.Envelope, 32),
	}
}

func (c *MockClient) GetUserID() string                      { return c.userID }
func (c *MockClient) GetUserName() string                    { return c.userName }
func (c *MockClient) GetSessionID() string                   { return c.sessionID }
func (c *MockClient) GetSendChannel() chan<- models.Envelope { return c.send }
func (c *MockClient) Allow() bool                            { return !c.limited.Load() }
func (c *MockClient) Run()                                   {}

func (c *MockClient) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.send)
	})
}

// expect returns the next envelope of eventType, skipping others.
func (c *MockClient) expect(t *testing.T, eventType string) models.Envelope {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case env, ok := <-c.send:
			require.True(t, ok, "send channel of %s closed while waiting for %s", c.userID, eventType)
			if env.Type == eventType {
				return env
			}
		case <-deadline:
			require.FailNowf(t, "timeout", "%s did not receive %s", c.userID, eventType)
		}
	}
}

// expectNone asserts no envelope of eventType arrives within a short window.
func (c *MockClient) expectNone(t *testing.T, eventType string) {
	t.Helper()
	deadline := time.After(100 * time.Millisecond)
	for {
		select {
		case env, ok := <-c.send:
			if !ok {
				return
			}
			require.NotEqual(t, eventType, env.Type)
		case <-deadline:
			return
		}
	}
}
