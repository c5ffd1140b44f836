// Package transporttest provides an in-memory Dialer and Conn for tests.
package transporttest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"marketchat/internal/apperr"
	"marketchat/internal/models"
	"marketchat/internal/transport"
)

var ErrClosed = errors.New("connection closed")

// Dialer hands out scripted results in order. Once the script is exhausted
// every dial succeeds with a fresh Conn.
type Dialer struct {
	mu      sync.Mutex
	script  []error
	dials   []time.Time
	tokens  []string
	conns   []*Conn
}

func NewDialer(script ...error) *Dialer {
	return &Dialer{script: script}
}

// FailWith appends results to the script.
func (d *Dialer) FailWith(errs ...error) {
	d.mu.Lock()
	d.script = append(d.script, errs...)
	d.mu.Unlock()
}

func (d *Dialer) Dial(ctx context.Context, token string) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials = append(d.dials, time.Now())
	d.tokens = append(d.tokens, token)
	if len(d.script) > 0 {
		err := d.script[0]
		d.script = d.script[1:]
		if err != nil {
			return nil, err
		}
	}
	c := NewConn()
	d.conns = append(d.conns, c)
	return c, nil
}

// Dials returns when each Dial call happened.
func (d *Dialer) Dials() []time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]time.Time(nil), d.dials...)
}

func (d *Dialer) DialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dials)
}

func (d *Dialer) Tokens() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.tokens...)
}

// Last returns the most recently established Conn, or nil.
func (d *Dialer) Last() *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// Unreachable is a retryable dial failure.
func Unreachable() error {
	return apperr.NetworkUnreachable(errors.New("dial tcp: connection refused"))
}

// Rejected is a non-retryable auth failure.
func Rejected() error {
	return apperr.AuthRejected(errors.New("handshake status 401"))
}

// Conn is an in-memory connection. Frames pushed with Deliver are returned
// by ReadFrame; frames written by the manager are recorded.
type Conn struct {
	inbound chan []byte
	closed  chan struct{}
	once    sync.Once

	mu      sync.Mutex
	written [][]byte
}

func NewConn() *Conn {
	return &Conn{
		inbound: make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
}

func (c *Conn) ReadFrame() ([]byte, error) {
	select {
	case f := <-c.inbound:
		return f, nil
	case <-c.closed:
		return nil, ErrClosed
	}
}

func (c *Conn) WriteFrame(frame []byte) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	c.mu.Lock()
	c.written = append(c.written, append([]byte(nil), frame...))
	c.mu.Unlock()
	return nil
}

func (c *Conn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *Conn) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Deliver queues a raw inbound frame.
func (c *Conn) Deliver(frame []byte) {
	c.inbound <- frame
}

// DeliverEvent queues an inbound event.
func (c *Conn) DeliverEvent(eventType string, data any) {
	env := models.MustEnvelope(eventType, data)
	raw, err := json.Marshal(env)
	if err != nil {
		panic(err)
	}
	c.Deliver(raw)
}

// Written returns the decoded envelopes written so far.
func (c *Conn) Written() []models.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Envelope, 0, len(c.written))
	for _, f := range c.written {
		env, err := models.ParseEnvelope(f)
		if err == nil {
			out = append(out, env)
		}
	}
	return out
}

// WrittenOfType filters Written by event type.
func (c *Conn) WrittenOfType(eventType string) []models.Envelope {
	var out []models.Envelope
	for _, env := range c.Written() {
		if env.Type == eventType {
			out = append(out, env)
		}
	}
	return out
}
