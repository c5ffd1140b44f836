package config

import "time"

const (
	// Outbound buffer
	DefaultSendBufferSize = 50

	// Reconnect backoff
	DefaultReconnectBaseDelay   = 1 * time.Second
	DefaultReconnectMaxDelay    = 30 * time.Second
	DefaultReconnectMaxAttempts = 8

	// Heartbeat
	DefaultPingInterval = 15 * time.Second
	DefaultPongTimeout  = 10 * time.Second
	DefaultDialTimeout  = 10 * time.Second

	// Typing
	DefaultTypingIdle          = 2 * time.Second
	DefaultTypingExpiry        = 5 * time.Second
	DefaultTypingSweepInterval = 500 * time.Millisecond

	// Relay
	RelayWriteWait      = 10 * time.Second
	RelayPongWait       = 60 * time.Second
	RelayPingPeriod     = (RelayPongWait * 9) / 10
	RelayMaxMessageSize = 64 * 1024
	RelaySendQueueSize  = 256
	RelayEventsPerSec   = 20
	RelayEventBurst     = 40
	DefaultHistoryLimit = 100
	DefaultTokenTTL     = 72 * time.Hour
)

// ForcedDisconnectTerminal lists server disconnect codes after which the client
// must not reconnect on its own.
var ForcedDisconnectTerminal = map[string]bool{
	"auth_revoked": true,
	"replaced":     true,
}
