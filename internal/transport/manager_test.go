package transport_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"marketchat/internal/apperr"
	"marketchat/internal/config"
	"marketchat/internal/models"
	"marketchat/internal/transport"
	"marketchat/internal/transport/transporttest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

func testConfig() config.ClientConfig {
	cfg := config.DefaultClientConfig()
	cfg.ReconnectBaseDelay = 20 * time.Millisecond
	cfg.ReconnectMaxDelay = 200 * time.Millisecond
	cfg.ReconnectMaxAttempts = 3
	cfg.PingInterval = 0
	cfg.DialTimeout = time.Second
	return cfg
}

// statusLog records every published status.
type statusLog struct {
	mu  sync.Mutex
	all []models.ConnectionStatus
}

func (s *statusLog) add(st models.ConnectionStatus) {
	s.mu.Lock()
	s.all = append(s.all, st)
	s.mu.Unlock()
}

func (s *statusLog) snapshot() []models.ConnectionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.ConnectionStatus(nil), s.all...)
}

func newManager(t *testing.T, cfg config.ClientConfig, d *transporttest.Dialer) (*transport.Manager, *statusLog) {
	t.Helper()
	m := transport.NewManager(cfg, d, nil)
	log := &statusLog{}
	release := m.OnStatus(log.add)
	t.Cleanup(func() {
		release()
		m.Close()
	})
	return m, log
}

func connected(m *transport.Manager) func() bool {
	return func() bool { return m.Status().State == models.StateConnected }
}

func TestManager_ConnectPublishesTransitions(t *testing.T) {
	// Arrange
	d := transporttest.NewDialer()
	m, log := newManager(t, testConfig(), d)

	// Act
	m.Connect("tok-A")

	// Assert
	require.Eventually(t, func() bool { return len(log.snapshot()) == 2 }, waitFor, tick)
	states := log.snapshot()
	assert.Equal(t, models.StateConnecting, states[0].State)
	assert.Equal(t, models.StateConnected, states[1].State)
	assert.Equal(t, []string{"tok-A"}, d.Tokens())
}

func TestManager_InboundEventsInWireOrder(t *testing.T) {
	d := transporttest.NewDialer()
	m, _ := newManager(t, testConfig(), d)

	var mu sync.Mutex
	var got []string
	m.OnEvent(func(env models.Envelope) {
		var p models.MessagePayload
		assert.NoError(t, env.Decode(&p))
		mu.Lock()
		got = append(got, p.ID)
		mu.Unlock()
	})
	m.Connect("tok")
	require.Eventually(t, connected(m), waitFor, tick)

	conn := d.Last()
	conn.Deliver([]byte("{not json"))
	for i := 1; i <= 5; i++ {
		conn.DeliverEvent(models.EventMessage, models.MessagePayload{ID: fmt.Sprintf("s%d", i)})
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 5
	}, waitFor, tick)
	assert.Equal(t, []string{"s1", "s2", "s3", "s4", "s5"}, got)
}

func TestManager_AuthRejectedIsTerminal(t *testing.T) {
	// Arrange
	d := transporttest.NewDialer(transporttest.Rejected())
	m, _ := newManager(t, testConfig(), d)

	// Act
	m.Connect("bad")

	// Assert
	require.Eventually(t, func() bool { return m.Status().Terminal }, waitFor, tick)
	st := m.Status()
	assert.Equal(t, models.StateDisconnected, st.State)
	assert.True(t, apperr.Is(st.Reason, apperr.CodeAuthRejected))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, d.DialCount(), "auth failures are not retried")
}

// TestManager_BackoffThenFlush covers three failed attempts with doubling
// delays, success on the fourth, and the buffer flushed in enqueue order.
func TestManager_BackoffThenFlush(t *testing.T) {
	// Arrange
	cfg := testConfig()
	cfg.ReconnectMaxAttempts = 5
	d := transporttest.NewDialer(transporttest.Unreachable(), transporttest.Unreachable(), transporttest.Unreachable())
	m, log := newManager(t, cfg, d)
	for i := 1; i <= 3; i++ {
		m.Send(models.MustEnvelope(models.EventSendMessage, models.SendMessagePayload{ClientMessageID: fmt.Sprintf("c%d", i)}))
	}

	// Act
	m.Connect("tok")

	// Assert
	require.Eventually(t, connected(m), waitFor, tick)
	dials := d.Dials()
	require.Len(t, dials, 4)
	for i, want := range []time.Duration{20 * time.Millisecond, 40 * time.Millisecond, 80 * time.Millisecond} {
		assert.GreaterOrEqual(t, dials[i+1].Sub(dials[i]), want, "gap before attempt %d", i+2)
	}

	var attempts []int
	for _, st := range log.snapshot() {
		if st.State == models.StateDisconnected {
			attempts = append(attempts, st.Attempt)
			assert.False(t, st.Terminal)
			assert.True(t, apperr.Is(st.Reason, apperr.CodeNetworkUnreachable))
		}
	}
	assert.Equal(t, []int{1, 2, 3}, attempts)
	assert.Equal(t, 0, m.Status().Attempt)

	require.Eventually(t, func() bool { return m.Pending() == 0 }, waitFor, tick)
	var order []string
	for _, env := range d.Last().WrittenOfType(models.EventSendMessage) {
		var p models.SendMessagePayload
		require.NoError(t, env.Decode(&p))
		order = append(order, p.ClientMessageID)
	}
	assert.Equal(t, []string{"c1", "c2", "c3"}, order)
}

func TestManager_GivesUpAfterMaxAttempts(t *testing.T) {
	// Arrange
	d := transporttest.NewDialer(
		transporttest.Unreachable(), transporttest.Unreachable(),
		transporttest.Unreachable(), transporttest.Unreachable(),
	)
	m, _ := newManager(t, testConfig(), d)

	// Act
	m.Connect("tok")

	// Assert
	require.Eventually(t, func() bool { return m.Status().Terminal }, waitFor, tick)
	assert.True(t, apperr.Is(m.Status().Reason, apperr.CodeMaxAttempts))
	assert.Equal(t, 4, d.DialCount())
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 4, d.DialCount(), "no automatic retries once terminal")

	// manual reconnect leaves the terminal state with a fresh counter
	m.Reconnect()
	require.Eventually(t, connected(m), waitFor, tick)
	assert.False(t, m.Status().Terminal)
	assert.Equal(t, 0, m.Status().Attempt)
}

func TestManager_BufferDropsOldest(t *testing.T) {
	cfg := testConfig()
	cfg.SendBufferSize = 3
	d := transporttest.NewDialer()
	m, _ := newManager(t, cfg, d)

	for i := 1; i <= 5; i++ {
		m.Send(models.MustEnvelope(models.EventTyping, models.TypingPayload{ConversationID: fmt.Sprintf("conv%d", i)}))
	}
	assert.Equal(t, 3, m.Pending())

	m.Connect("tok")
	require.Eventually(t, func() bool {
		c := d.Last()
		return c != nil && len(c.WrittenOfType(models.EventTyping)) == 3
	}, waitFor, tick)

	var convs []string
	for _, env := range d.Last().WrittenOfType(models.EventTyping) {
		var p models.TypingPayload
		require.NoError(t, env.Decode(&p))
		convs = append(convs, p.ConversationID)
	}
	assert.Equal(t, []string{"conv3", "conv4", "conv5"}, convs)
}

func TestManager_SendWhileConnectedIsWritten(t *testing.T) {
	d := transporttest.NewDialer()
	m, _ := newManager(t, testConfig(), d)
	m.Connect("tok")
	require.Eventually(t, connected(m), waitFor, tick)

	m.Send(models.MustEnvelope(models.EventReadReceipt, models.ReadReceiptPayload{ConversationID: "c", UpToMessageID: "s1"}))

	require.Eventually(t, func() bool {
		return len(d.Last().WrittenOfType(models.EventReadReceipt)) == 1
	}, waitFor, tick)
}

func TestManager_DropTriggersReconnect(t *testing.T) {
	d := transporttest.NewDialer()
	m, log := newManager(t, testConfig(), d)
	m.Connect("tok")
	require.Eventually(t, connected(m), waitFor, tick)
	first := d.Last()

	first.Close()

	require.Eventually(t, func() bool { return d.DialCount() == 2 && m.Status().Connected() }, waitFor, tick)
	var sawLost bool
	for _, st := range log.snapshot() {
		if st.State == models.StateDisconnected && apperr.Is(st.Reason, apperr.CodeConnectionLost) {
			sawLost = true
			assert.Equal(t, 1, st.Attempt)
		}
	}
	assert.True(t, sawLost)
}

func TestManager_HeartbeatTimeoutForcesReconnect(t *testing.T) {
	// Arrange
	cfg := testConfig()
	cfg.PingInterval = 30 * time.Millisecond
	cfg.PongTimeout = 20 * time.Millisecond
	d := transporttest.NewDialer()
	m, log := newManager(t, cfg, d)

	// Act: the fake never answers pings
	m.Connect("tok")

	// Assert
	require.Eventually(t, func() bool { return d.DialCount() >= 2 }, waitFor, tick)
	first := log.snapshot()
	var timedOut bool
	for _, st := range first {
		if apperr.Is(st.Reason, apperr.CodeHeartbeatTimeout) {
			timedOut = true
		}
	}
	assert.True(t, timedOut)
}

func TestManager_PongKeepsConnectionAlive(t *testing.T) {
	cfg := testConfig()
	cfg.PingInterval = 20 * time.Millisecond
	cfg.PongTimeout = 15 * time.Millisecond
	d := transporttest.NewDialer()
	m, _ := newManager(t, cfg, d)
	m.Connect("tok")
	require.Eventually(t, connected(m), waitFor, tick)
	conn := d.Last()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		seen := 0
		for {
			select {
			case <-stop:
				return
			case <-time.After(2 * time.Millisecond):
			}
			if pings := conn.WrittenOfType(models.EventPing); len(pings) > seen {
				seen = len(pings)
				conn.DeliverEvent(models.EventPong, nil)
			}
		}
	}()

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, d.DialCount())
	assert.True(t, m.Status().Connected())
}

func TestManager_ForcedDisconnectReplacedIsTerminal(t *testing.T) {
	d := transporttest.NewDialer()
	m, _ := newManager(t, testConfig(), d)
	m.Connect("tok")
	require.Eventually(t, connected(m), waitFor, tick)

	d.Last().DeliverEvent(models.EventDisconnect, models.DisconnectPayload{Code: "replaced", Reason: "signed in elsewhere"})

	require.Eventually(t, func() bool { return m.Status().Terminal }, waitFor, tick)
	assert.True(t, apperr.Is(m.Status().Reason, apperr.CodeForcedDisconnect))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, d.DialCount())
}

func TestManager_ForcedDisconnectOtherCodeRetries(t *testing.T) {
	d := transporttest.NewDialer()
	m, _ := newManager(t, testConfig(), d)
	m.Connect("tok")
	require.Eventually(t, connected(m), waitFor, tick)

	d.Last().DeliverEvent(models.EventDisconnect, models.DisconnectPayload{Code: "server_restart"})

	require.Eventually(t, func() bool { return d.DialCount() == 2 && m.Status().Connected() }, waitFor, tick)
}

func TestManager_DisconnectResetsEverything(t *testing.T) {
	// Arrange
	d := transporttest.NewDialer(transporttest.Unreachable())
	cfg := testConfig()
	cfg.ReconnectBaseDelay = time.Second
	m, _ := newManager(t, cfg, d)
	m.Send(models.MustEnvelope(models.EventTyping, models.TypingPayload{ConversationID: "c"}))
	m.Connect("tok")
	require.Eventually(t, func() bool { return m.Status().Attempt == 1 }, waitFor, tick)

	// Act
	m.Disconnect()

	// Assert
	st := m.Status()
	assert.Equal(t, models.StateDisconnected, st.State)
	assert.Equal(t, 0, st.Attempt)
	assert.Nil(t, st.Reason)
	assert.Equal(t, 0, m.Pending())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, d.DialCount(), "pending retry was cancelled")
}

func TestManager_DisconnectWaitsForEventInFlight(t *testing.T) {
	// Arrange
	d := transporttest.NewDialer()
	m, _ := newManager(t, testConfig(), d)
	entered, proceed := make(chan struct{}), make(chan struct{})
	m.OnEvent(func(env models.Envelope) {
		if env.Type != models.EventMessage {
			return
		}
		close(entered)
		<-proceed
		m.Send(models.MustEnvelope(models.EventDeliveryReceipt, models.DeliveryReceiptPayload{ConversationID: "c", MessageID: "m1"}))
	})
	m.Connect("tok")
	require.Eventually(t, connected(m), waitFor, tick)
	d.Last().DeliverEvent(models.EventMessage, models.MessagePayload{ID: "m1", ConversationID: "c", SenderID: "B"})
	select {
	case <-entered:
	case <-time.After(waitFor):
		t.Fatal("event never reached the listener")
	}

	// Act
	returned := make(chan struct{})
	go func() {
		m.Disconnect()
		close(returned)
	}()
	assert.Never(t, func() bool {
		select {
		case <-returned:
			return true
		default:
			return false
		}
	}, 50*time.Millisecond, tick)
	close(proceed)

	// Assert
	select {
	case <-returned:
	case <-time.After(waitFor):
		t.Fatal("Disconnect did not return")
	}
	assert.Equal(t, 0, m.Pending(), "receipt queued by the in-flight event was discarded")
	assert.Empty(t, d.Last().WrittenOfType(models.EventDeliveryReceipt))
}

func TestManager_ReleasedListenerIsNotCalled(t *testing.T) {
	d := transporttest.NewDialer()
	m, _ := newManager(t, testConfig(), d)
	calls := 0
	release := m.OnStatus(func(models.ConnectionStatus) { calls++ })
	release()
	release()

	m.Connect("tok")
	require.Eventually(t, connected(m), waitFor, tick)

	assert.Equal(t, 0, calls)
}
