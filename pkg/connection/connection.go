// Package connection defines the registry-facing view of a client session
// and a TCP-backed implementation of it.
package connection

import "github.com/sambigeara/ripple/pkg/protocol"

// CloseObserver is notified exactly once when an endpoint closes. Observers
// are registered and removed by identity, so a registry registers itself
// once per connection regardless of how many subscriptions it holds.
type CloseObserver interface {
	EndpointClosed(ep Endpoint)
}

// Endpoint is one client session with message-sending capability.
type Endpoint interface {
	// ID uniquely identifies the session.
	ID() string
	// User is the authenticated username, if any.
	User() string

	// BuildMessage renders a message into its wire bytes. The result is a
	// pure function of the message, so one subscriber's rendering can be
	// written to every other subscriber.
	BuildMessage(m *protocol.Message) []byte
	// SendBuiltMessage writes pre-rendered bytes. With allowBatch the write
	// may be coalesced with neighbouring writes; without it the endpoint
	// flushes immediately.
	SendBuiltMessage(b []byte, allowBatch bool)
	// Send renders and writes a message.
	Send(m *protocol.Message)
	// SendAck writes the acknowledgement for a request.
	SendAck(m *protocol.Message)

	OnClose(o CloseObserver)
	RemoveOnClose(o CloseObserver)
}
