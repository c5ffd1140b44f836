package transport

import (
	"testing"
	"time"

	"marketchat/internal/config"
	"marketchat/internal/models"

	"github.com/stretchr/testify/assert"
)

func TestReconnector_DoublesUpToCap(t *testing.T) {
	cfg := config.DefaultClientConfig()
	r := newReconnector(cfg)

	var got []time.Duration
	for r.shouldReconnect() {
		got = append(got, r.nextDelay())
	}

	assert.Equal(t, []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second, 30 * time.Second,
	}, got)
	assert.Equal(t, cfg.ReconnectMaxAttempts, r.attempt)
}

func TestReconnector_ResetStartsOver(t *testing.T) {
	r := newReconnector(config.DefaultClientConfig())
	r.nextDelay()
	r.nextDelay()

	r.reset()

	assert.Equal(t, time.Second, r.nextDelay())
	assert.Equal(t, 1, r.attempt)
}

func TestReconnector_HugeAttemptStaysCapped(t *testing.T) {
	r := newReconnector(config.DefaultClientConfig())
	r.attempt = 80
	assert.Equal(t, 30*time.Second, r.nextDelay())
}

func TestOutbox_EvictsOldest(t *testing.T) {
	o := newOutbox(2)

	_, dropped := o.push(models.Envelope{Type: "a"})
	assert.False(t, dropped)
	o.push(models.Envelope{Type: "b"})
	evicted, dropped := o.push(models.Envelope{Type: "c"})

	assert.True(t, dropped)
	assert.Equal(t, "a", evicted.Type)
	head, ok := o.front()
	assert.True(t, ok)
	assert.Equal(t, "b", head.env.Type)
}

func TestOutbox_PopIfIgnoresEvictedHead(t *testing.T) {
	o := newOutbox(1)
	o.push(models.Envelope{Type: "a"})
	head, _ := o.front()

	o.push(models.Envelope{Type: "b"})
	o.popIf(head.seq)

	assert.Equal(t, 1, o.len())
	next, _ := o.front()
	assert.Equal(t, "b", next.env.Type)
}
