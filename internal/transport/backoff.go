package transport

import (
	"time"

	"marketchat/internal/config"
)

// reconnector tracks consecutive reconnect attempts and yields the delay
// before the next one: base, 2*base, 4*base ... capped at max.
type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
}

func newReconnector(cfg config.ClientConfig) *reconnector {
	return &reconnector{
		baseDelay:   cfg.ReconnectBaseDelay,
		maxDelay:    cfg.ReconnectMaxDelay,
		maxAttempts: cfg.ReconnectMaxAttempts,
	}
}

// shouldReconnect reports whether another automatic attempt is allowed.
// A non-positive maxAttempts never gives up.
func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts <= 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) nextDelay() time.Duration {
	r.attempt++
	shift := r.attempt - 1
	if shift > 30 {
		return r.maxDelay
	}
	delay := r.baseDelay << shift
	if delay <= 0 || (r.maxDelay > 0 && delay > r.maxDelay) {
		delay = r.maxDelay
	}
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
}
