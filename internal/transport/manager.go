// Package transport owns the single real-time connection to the messaging
// service.
//
// A Manager runs one event loop goroutine. That goroutine is the only writer
// of connection state: dial results, read failures, heartbeat checks, retry
// timers and public commands are all posted to it as closures and applied in
// order. Subscribers observe state through OnStatus and inbound events
// through OnEvent; both return a release func.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"marketchat/internal/apperr"
	"marketchat/internal/config"
	"marketchat/internal/models"
	"marketchat/internal/pubsub"

	"github.com/sirupsen/logrus"
)

// Dialer opens an authenticated connection to the messaging service.
// Authentication failures must be reported as apperr AUTH_REJECTED so the
// manager does not retry them.
type Dialer interface {
	Dial(ctx context.Context, token string) (Conn, error)
}

// Conn is one established duplex connection carrying JSON frames.
// ReadFrame is only called from a single goroutine; WriteFrame only from
// the manager loop.
type Conn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(frame []byte) error
	Close() error
}

// link is one live connection and the last time anything was heard on it.
type link struct {
	id    uint64
	conn  Conn
	heard atomic.Int64
}

func (l *link) touch(t time.Time) {
	l.heard.Store(t.UnixNano())
}

func (l *link) heardSince(t time.Time) bool {
	return l.heard.Load() >= t.UnixNano()
}

type Manager struct {
	cfg    config.ClientConfig
	dialer Dialer
	log    *logrus.Entry
	now    func() time.Time

	ops       chan func()
	nudge     chan struct{}
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once

	// loop-owned
	token      string
	recon      *reconnector
	link       *link
	linkSeq    uint64
	dialSeq    uint64
	dialCancel context.CancelFunc
	retryTimer *time.Timer
	pingTimer  *time.Timer
	pongTimer  *time.Timer
	status     models.ConnectionStatus

	live    atomic.Uint64
	readers sync.WaitGroup
	outbox  *outbox

	statusMu sync.RWMutex
	snapshot models.ConnectionStatus

	statusListeners pubsub.Listeners[models.ConnectionStatus]
	eventListeners  pubsub.Listeners[models.Envelope]
}

// NewManager starts the manager loop in state disconnected.
func NewManager(cfg config.ClientConfig, dialer Dialer, log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	m := &Manager{
		cfg:     cfg,
		dialer:  dialer,
		log:     log,
		now:     time.Now,
		ops:     make(chan func(), 64),
		nudge:   make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		recon:   newReconnector(cfg),
		outbox:  newOutbox(cfg.SendBufferSize),
	}
	m.status = models.ConnectionStatus{State: models.StateDisconnected, Since: m.now()}
	m.snapshot = m.status
	go m.run()
	return m
}

// Connect starts connecting with token. It returns immediately; the outcome
// is published through OnStatus. Calling Connect while connecting or
// connected only updates the token used for later attempts.
func (m *Manager) Connect(token string) {
	m.post(func() { m.connect(token) })
}

// Reconnect drops any current connection and dials again right away with a
// fresh backoff counter. It is the only way out of the terminal state.
func (m *Manager) Reconnect() {
	m.post(m.reconnect)
}

// Disconnect closes the connection, clears the outbound buffer and zeroes
// the attempt counter. It returns once the disconnected status has been
// published and every event listener call in flight has finished, so
// nothing they queued survives. It must not be called from a status or
// event listener, nor concurrently with Connect.
func (m *Manager) Disconnect() {
	m.do(m.disconnect)
	m.readers.Wait()
	m.outbox.clear()
}

// Send queues env for transmission. While disconnected the event waits in
// the bounded buffer and is flushed in order on the next connect.
func (m *Manager) Send(env models.Envelope) {
	if evicted, dropped := m.outbox.push(env); dropped {
		m.log.WithField("type", evicted.Type).Warn("outbound buffer full, dropped oldest event")
	}
	select {
	case m.nudge <- struct{}{}:
	default:
	}
}

// Status returns the latest published connection status.
func (m *Manager) Status() models.ConnectionStatus {
	m.statusMu.RLock()
	defer m.statusMu.RUnlock()
	return m.snapshot
}

// Pending returns the number of buffered outbound events.
func (m *Manager) Pending() int {
	return m.outbox.len()
}

// OnStatus registers fn for every state transition. Listeners run on the
// manager loop and must not block.
func (m *Manager) OnStatus(fn func(models.ConnectionStatus)) (release func()) {
	return m.statusListeners.Register(fn)
}

// OnEvent registers fn for every inbound event, delivered in wire order.
func (m *Manager) OnEvent(fn func(models.Envelope)) (release func()) {
	return m.eventListeners.Register(fn)
}

// Close stops the loop and closes any connection. It is safe to call more
// than once.
func (m *Manager) Close() {
	m.closeOnce.Do(func() { close(m.done) })
	<-m.stopped
}

func (m *Manager) run() {
	defer close(m.stopped)
	for {
		select {
		case fn := <-m.ops:
			fn()
		case <-m.nudge:
			m.flush()
		case <-m.done:
			m.teardown()
			return
		}
	}
}

func (m *Manager) post(fn func()) bool {
	select {
	case m.ops <- fn:
		return true
	case <-m.done:
		return false
	}
}

func (m *Manager) do(fn func()) {
	applied := make(chan struct{})
	if !m.post(func() { fn(); close(applied) }) {
		return
	}
	select {
	case <-applied:
	case <-m.stopped:
	}
}

func (m *Manager) setStatus(s models.ConnectionStatus) {
	s.Since = m.now()
	m.status = s

	m.statusMu.Lock()
	m.snapshot = s
	m.statusMu.Unlock()

	entry := m.log.WithFields(logrus.Fields{"state": s.State, "attempt": s.Attempt})
	if s.Reason != nil {
		entry = entry.WithError(s.Reason)
	}
	if s.Terminal {
		entry.Warn("connection gave up")
	} else {
		entry.Info("connection state changed")
	}
	m.statusListeners.Notify(s)
}

func (m *Manager) connect(token string) {
	m.token = token
	if m.status.State != models.StateDisconnected {
		return
	}
	if token == "" {
		m.setStatus(models.ConnectionStatus{
			State:    models.StateDisconnected,
			Terminal: true,
			Reason:   apperr.AuthRejected(fmt.Errorf("empty token")),
		})
		return
	}
	m.recon.reset()
	m.dial()
}

func (m *Manager) dial() {
	m.stopRetry()
	m.cancelDial()
	m.dialSeq++
	seq := m.dialSeq
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.DialTimeout)
	m.dialCancel = cancel
	m.setStatus(models.ConnectionStatus{State: models.StateConnecting, Attempt: m.recon.attempt})

	token := m.token
	go func() {
		conn, err := m.dialer.Dial(ctx, token)
		posted := m.post(func() { m.dialed(seq, conn, err) })
		if !posted && conn != nil {
			conn.Close()
		}
	}()
}

func (m *Manager) dialed(seq uint64, conn Conn, err error) {
	if seq != m.dialSeq {
		if conn != nil {
			conn.Close()
		}
		return
	}
	m.cancelDial()

	if err != nil {
		m.log.WithError(err).WithField("attempt", m.recon.attempt).Warn("connect failed")
		if apperr.Is(err, apperr.CodeAuthRejected) {
			m.giveUp(err)
			return
		}
		m.scheduleReconnect(err)
		return
	}

	m.linkSeq++
	l := &link{id: m.linkSeq, conn: conn}
	l.touch(m.now())
	m.link = l
	m.live.Store(l.id)
	m.recon.reset()
	m.setStatus(models.ConnectionStatus{State: models.StateConnected})

	m.readers.Add(1)
	go func() {
		defer m.readers.Done()
		m.readLoop(l)
	}()
	m.schedulePing(l)
	m.flush()
}

func (m *Manager) scheduleReconnect(reason error) {
	if !m.recon.shouldReconnect() {
		m.giveUp(apperr.New(apperr.CodeMaxAttempts,
			fmt.Sprintf("gave up after %d attempts", m.recon.attempt), reason))
		return
	}
	delay := m.recon.nextDelay()
	seq := m.dialSeq
	m.setStatus(models.ConnectionStatus{
		State:     models.StateDisconnected,
		Attempt:   m.recon.attempt,
		Reason:    reason,
		NextRetry: m.now().Add(delay),
	})
	m.retryTimer = time.AfterFunc(delay, func() {
		m.post(func() {
			if seq != m.dialSeq || m.link != nil {
				return
			}
			m.retryTimer = nil
			m.dial()
		})
	})
}

func (m *Manager) giveUp(reason error) {
	m.setStatus(models.ConnectionStatus{
		State:    models.StateDisconnected,
		Attempt:  m.recon.attempt,
		Terminal: true,
		Reason:   reason,
	})
}

func (m *Manager) connLost(l *link, reason error, terminal bool) {
	if m.link != l {
		return
	}
	m.dropLink()
	if terminal {
		m.giveUp(reason)
		return
	}
	m.scheduleReconnect(reason)
}

func (m *Manager) reconnect() {
	if m.token == "" {
		m.log.Warn("reconnect requested without a token")
		return
	}
	m.dialSeq++
	if m.link != nil {
		m.dropLink()
	}
	m.recon.reset()
	m.dial()
}

func (m *Manager) disconnect() {
	m.teardown()
	m.outbox.clear()
	m.setStatus(models.ConnectionStatus{State: models.StateDisconnected})
}

func (m *Manager) teardown() {
	m.dialSeq++
	m.stopRetry()
	m.cancelDial()
	if m.link != nil {
		m.dropLink()
	}
	m.recon.reset()
	m.token = ""
}

func (m *Manager) dropLink() {
	if m.pingTimer != nil {
		m.pingTimer.Stop()
		m.pingTimer = nil
	}
	if m.pongTimer != nil {
		m.pongTimer.Stop()
		m.pongTimer = nil
	}
	m.live.Store(0)
	if err := m.link.conn.Close(); err != nil {
		m.log.WithError(err).Debug("close connection")
	}
	m.link = nil
}

func (m *Manager) stopRetry() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}

func (m *Manager) cancelDial() {
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
}

// readLoop publishes inbound events in wire order until the connection fails.
func (m *Manager) readLoop(l *link) {
	for {
		frame, err := l.conn.ReadFrame()
		if err != nil {
			lost := apperr.New(apperr.CodeConnectionLost, "connection lost", err)
			m.post(func() { m.connLost(l, lost, false) })
			return
		}
		l.touch(m.now())

		env, err := models.ParseEnvelope(frame)
		if err != nil {
			m.log.WithError(err).Warn("dropping malformed frame")
			continue
		}

		switch env.Type {
		case models.EventPong:
			continue
		case models.EventPing:
			m.post(func() { m.pong(l) })
			continue
		case models.EventDisconnect:
			var p models.DisconnectPayload
			if err := env.Decode(&p); err != nil {
				m.log.WithError(err).Warn("malformed disconnect notice")
			}
			forced := apperr.ForcedDisconnect(p.Code, p.Reason)
			terminal := config.ForcedDisconnectTerminal[p.Code]
			m.post(func() { m.connLost(l, forced, terminal) })
		}

		if m.live.Load() != l.id {
			return
		}
		m.eventListeners.Notify(env)
	}
}

func (m *Manager) schedulePing(l *link) {
	if m.cfg.PingInterval <= 0 {
		return
	}
	m.pingTimer = time.AfterFunc(m.cfg.PingInterval, func() {
		m.post(func() { m.ping(l) })
	})
}

func (m *Manager) ping(l *link) {
	if m.link != l {
		return
	}
	sentAt := m.now()
	if err := m.write(l, models.MustEnvelope(models.EventPing, nil)); err != nil {
		return
	}
	m.pongTimer = time.AfterFunc(m.cfg.PongTimeout, func() {
		m.post(func() { m.checkPong(l, sentAt) })
	})
	m.schedulePing(l)
}

func (m *Manager) checkPong(l *link, sentAt time.Time) {
	if m.link != l || l.heardSince(sentAt) {
		return
	}
	m.connLost(l, apperr.HeartbeatTimeout(m.cfg.PongTimeout), false)
}

func (m *Manager) pong(l *link) {
	if m.link != l {
		return
	}
	m.write(l, models.MustEnvelope(models.EventPong, nil))
}

// flush writes buffered events in enqueue order. An entry leaves the buffer
// only after it was written.
func (m *Manager) flush() {
	l := m.link
	if l == nil {
		return
	}
	for {
		item, ok := m.outbox.front()
		if !ok {
			return
		}
		if err := m.write(l, item.env); err != nil {
			return
		}
		m.outbox.popIf(item.seq)
	}
}

func (m *Manager) write(l *link, env models.Envelope) error {
	frame, err := json.Marshal(env)
	if err != nil {
		m.log.WithError(err).WithField("type", env.Type).Error("encode event")
		return nil
	}
	if err := l.conn.WriteFrame(frame); err != nil {
		m.connLost(l, apperr.New(apperr.CodeConnectionLost, "write failed", err), false)
		return err
	}
	return nil
}
