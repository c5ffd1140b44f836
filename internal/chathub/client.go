package chathub

import "marketchat/internal/models"

// Client is one authenticated connection held by the hub. It abstracts the
// underlying transport so the hub can be driven by fakes in tests.
type Client interface {
	// GetUserID returns the authenticated user behind the connection.
	GetUserID() string
	// GetUserName returns the display name carried in the user's token.
	GetUserName() string
	// GetSessionID identifies this particular connection.
	GetSessionID() string

	// GetSendChannel returns the channel the hub writes outbound events to.
	// Only the hub sends on it and only the hub closes it, through Close.
	GetSendChannel() chan<- models.Envelope

	// Allow reports whether the client may submit another event now.
	Allow() bool

	// Run starts the client's read and write pumps.
	Run()
	// Close shuts the send channel; the write pump then closes the socket.
	Close()
}

// Inbound is an event read from a client, queued for the hub.
type Inbound struct {
	Client   Client
	Envelope models.Envelope
}
