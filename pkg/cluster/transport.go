// Package cluster moves subscription presence and broadcast messages
// between servers. The transport delivers envelopes and peer membership
// changes; the node translates them into state-registry and
// subscription-registry calls.
package cluster

import "context"

// Event is one transport occurrence: PeerUp, PeerDown or Received.
type Event any

// PeerUp reports that a peer server's stream is established.
type PeerUp struct {
	Server string
}

// PeerDown reports that a peer server's stream is gone.
type PeerDown struct {
	Server string
}

// Received carries one inbound envelope.
type Received struct {
	From string
	Env  *Envelope
}

// Transport connects this server to its peers.
type Transport interface {
	// Start begins listening and dialling; it returns once the listener
	// is bound.
	Start(ctx context.Context) error
	// Events delivers peer membership changes and inbound envelopes.
	Events() <-chan Event
	// Send delivers an envelope to one connected server.
	Send(server string, env *Envelope) error
	// Broadcast delivers an envelope to every connected server.
	Broadcast(env *Envelope)
	// Peers returns the currently connected server ids.
	Peers() []string
	Close() error
}
