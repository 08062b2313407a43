// Package membus is an in-memory cluster transport for tests: every joined
// bus sees every other as a connected peer, and envelopes are delivered
// through buffered queues.
package membus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sambigeara/ripple/pkg/cluster"
)

const defaultQueueSize = 256

var (
	ErrUnknownServer = errors.New("server not joined")
	ErrBusClosed     = errors.New("bus closed")
	ErrQueueFull     = errors.New("event queue full")
)

// Network connects Buses by server id.
type Network struct {
	mu    sync.Mutex
	buses map[string]*Bus
}

func NewNetwork() *Network {
	return &Network{buses: make(map[string]*Bus)}
}

// Join binds a new bus for server. Peer-up events are exchanged with every
// bus already joined.
func (n *Network) Join(server string) (*Bus, error) {
	if server == "" {
		return nil, errors.New("server id required")
	}

	n.mu.Lock()
	if _, ok := n.buses[server]; ok {
		n.mu.Unlock()
		return nil, fmt.Errorf("server already joined: %s", server)
	}

	b := &Bus{
		net:    n,
		server: server,
		events: make(chan cluster.Event, defaultQueueSize),
	}
	peers := make([]*Bus, 0, len(n.buses))
	for _, other := range n.buses {
		peers = append(peers, other)
	}
	n.buses[server] = b
	n.mu.Unlock()

	for _, other := range peers {
		other.enqueue(cluster.PeerUp{Server: server})
		b.enqueue(cluster.PeerUp{Server: other.server})
	}

	return b, nil
}

func (n *Network) leave(b *Bus) {
	n.mu.Lock()
	if curr, ok := n.buses[b.server]; !ok || curr != b {
		n.mu.Unlock()
		return
	}
	delete(n.buses, b.server)
	peers := make([]*Bus, 0, len(n.buses))
	for _, other := range n.buses {
		peers = append(peers, other)
	}
	n.mu.Unlock()

	for _, other := range peers {
		other.enqueue(cluster.PeerDown{Server: b.server})
	}
}

func (n *Network) lookup(server string) (*Bus, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	b, ok := n.buses[server]
	return b, ok
}

// Bus implements cluster.Transport for one server.
type Bus struct {
	net    *Network
	server string
	events chan cluster.Event

	mu     sync.Mutex
	closed bool
}

var _ cluster.Transport = (*Bus)(nil)

func (b *Bus) Start(context.Context) error { return nil }

func (b *Bus) Events() <-chan cluster.Event { return b.events }

func (b *Bus) Send(server string, env *cluster.Envelope) error {
	dst, ok := b.net.lookup(server)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownServer, server)
	}
	if err := dst.enqueue(cluster.Received{From: b.server, Env: env}); err != nil {
		return err
	}
	return nil
}

func (b *Bus) Broadcast(env *cluster.Envelope) {
	for _, server := range b.Peers() {
		_ = b.Send(server, env)
	}
}

func (b *Bus) Peers() []string {
	b.net.mu.Lock()
	defer b.net.mu.Unlock()

	out := make([]string, 0, len(b.net.buses))
	for server := range b.net.buses {
		if server == b.server {
			continue
		}
		out = append(out, server)
	}
	sort.Strings(out)
	return out
}

func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.net.leave(b)
	return nil
}

func (b *Bus) enqueue(ev cluster.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	select {
	case b.events <- ev:
		return nil
	default:
		return ErrQueueFull
	}
}
