package models

import "time"

// ConnectionState is the lifecycle position of the shared real-time connection.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
)

// ConnectionStatus is what subscribers observe about the connection.
type ConnectionStatus struct {
	State ConnectionState
	// Attempt counts reconnect attempts since the last successful connect.
	Attempt int
	// Terminal is set once automatic reconnection has given up; only a manual
	// reconnect leaves this state.
	Terminal bool
	// Reason explains the last transition into disconnected, if any.
	Reason error
	// NextRetry is when the next automatic attempt is scheduled (zero if none).
	NextRetry time.Time
	Since     time.Time
}

func (s ConnectionStatus) Connected() bool {
	return s.State == StateConnected
}
