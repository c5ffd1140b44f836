package transport

import (
	"sync"

	"marketchat/internal/config"
	"marketchat/internal/models"
)

type queued struct {
	seq uint64
	env models.Envelope
}

// outbox is the bounded FIFO of events waiting for the wire. When full the
// oldest entry is evicted.
type outbox struct {
	mu       sync.Mutex
	items    []queued
	capacity int
	nextSeq  uint64
}

func newOutbox(capacity int) *outbox {
	if capacity <= 0 {
		capacity = config.DefaultSendBufferSize
	}
	return &outbox{capacity: capacity}
}

// push appends env and returns the evicted envelope, if any.
func (o *outbox) push(env models.Envelope) (evicted models.Envelope, dropped bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.items) >= o.capacity {
		evicted, dropped = o.items[0].env, true
		o.items = o.items[1:]
	}
	o.nextSeq++
	o.items = append(o.items, queued{seq: o.nextSeq, env: env})
	return evicted, dropped
}

func (o *outbox) front() (queued, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.items) == 0 {
		return queued{}, false
	}
	return o.items[0], true
}

// popIf removes the head only if it is still the entry identified by seq;
// it may have been evicted while being written.
func (o *outbox) popIf(seq uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.items) > 0 && o.items[0].seq == seq {
		o.items = o.items[1:]
	}
}

func (o *outbox) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}

func (o *outbox) clear() {
	o.mu.Lock()
	o.items = nil
	o.mu.Unlock()
}
