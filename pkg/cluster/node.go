package cluster

import (
	"context"
	"time"

	"github.com/sambigeara/ripple/pkg/protocol"
	"github.com/sambigeara/ripple/pkg/state"
	"github.com/sambigeara/ripple/pkg/subscription"
	"github.com/sambigeara/ripple/pkg/util"
	"go.uber.org/zap"
)

const (
	updateBufSize = 256

	defaultGossipInterval = 5 * time.Second
	defaultGossipJitter   = 0.1
)

// Options configures a Node. Transport is required.
type Options struct {
	ServerID       string
	Transport      Transport
	GossipInterval time.Duration
	GossipJitter   float64
}

// Node ties the per-topic state registries and subscription registries to
// the cluster transport: it gossips presence snapshots, relays deltas, and
// delivers broadcasts arriving from other servers into the local fanout
// with a nil sender so they are never re-forwarded.
type Node struct {
	serverID   string
	transport  Transport
	states     map[string]*state.Registry
	registries map[protocol.Topic]*subscription.Registry
	updates    chan state.Update

	gossipInterval time.Duration
	gossipJitter   float64

	log *zap.SugaredLogger
}

var _ subscription.Transport = (*Node)(nil)

func NewNode(opts Options) *Node {
	interval := opts.GossipInterval
	if interval <= 0 {
		interval = defaultGossipInterval
	}
	jitter := opts.GossipJitter
	if jitter <= 0 {
		jitter = defaultGossipJitter
	}

	return &Node{
		serverID:       opts.ServerID,
		transport:      opts.Transport,
		states:         make(map[string]*state.Registry),
		registries:     make(map[protocol.Topic]*subscription.Registry),
		updates:        make(chan state.Update, updateBufSize),
		gossipInterval: interval,
		gossipJitter:   jitter,
		log:            zap.S().Named("cluster.node"),
	}
}

// Register wires one topic's state registry and subscription registry into
// the node. Must be called before Run.
func (n *Node) Register(topic protocol.Topic, st *state.Registry, reg *subscription.Registry) {
	n.states[string(topic)] = st
	n.registries[topic] = reg
	st.SetPublisher(n.queueUpdate)
}

// Forward sends a broadcast message to every connected server.
func (n *Node) Forward(m *protocol.Message) {
	n.transport.Broadcast(&Envelope{
		Kind:   KindBroadcast,
		Server: n.serverID,
		Broadcast: &Broadcast{
			Topic:  string(m.Topic),
			Action: string(m.Action),
			Name:   m.Name,
			Data:   m.Data,
		},
	})
}

// Run drives the node until ctx is cancelled.
func (n *Node) Run(ctx context.Context) error {
	if err := n.transport.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := n.transport.Close(); err != nil {
			n.log.Debugw("transport close failed", "err", err)
		}
	}()

	gossip := util.NewJitterTicker(ctx, n.gossipInterval, n.gossipJitter)
	defer gossip.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-gossip.C:
			n.transport.Broadcast(n.snapshotEnvelope())
		case u := <-n.updates:
			n.transport.Broadcast(&Envelope{Kind: KindUpdate, Server: n.serverID, Update: &u})
		case ev := <-n.transport.Events():
			n.handleEvent(ev)
		}
	}
}

// queueUpdate is the state registries' publisher. A full queue drops the
// delta; the periodic snapshot gossip heals the gap.
func (n *Node) queueUpdate(u state.Update) {
	select {
	case n.updates <- u:
	default:
		n.log.Warnw("update queue full, dropping delta", "topic", u.Topic, "name", u.Name)
	}
}

func (n *Node) handleEvent(ev Event) {
	switch e := ev.(type) {
	case PeerUp:
		n.log.Infow("server connected", "server", e.Server)
		if err := n.transport.Send(e.Server, n.snapshotEnvelope()); err != nil {
			n.log.Debugw("initial snapshot send failed", "server", e.Server, "err", err)
		}
	case PeerDown:
		n.log.Infow("server disconnected", "server", e.Server)
		for _, st := range n.states {
			st.RemoveServer(e.Server)
		}
	case Received:
		n.handleEnvelope(e.Env)
	}
}

func (n *Node) handleEnvelope(env *Envelope) {
	switch env.Kind {
	case KindUpdate:
		if env.Update == nil {
			return
		}
		if st, ok := n.states[env.Update.Topic]; ok {
			st.ApplyUpdate(*env.Update)
		}
	case KindSnapshot:
		for _, snap := range env.Snapshots {
			if st, ok := n.states[snap.Topic]; ok {
				st.ApplySnapshot(snap)
			}
		}
	case KindBroadcast:
		b := env.Broadcast
		if b == nil {
			return
		}
		reg, ok := n.registries[protocol.Topic(b.Topic)]
		if !ok {
			n.log.Debugw("broadcast for unknown topic", "topic", b.Topic)
			return
		}
		msg := &protocol.Message{
			Topic:  protocol.Topic(b.Topic),
			Action: protocol.Action(b.Action),
			Name:   b.Name,
			Data:   b.Data,
		}
		// Nil sender: the message came off the bus and must not loop
		// back onto it.
		reg.SendToSubscribers(b.Name, msg, false, nil, false)
	case KindHello:
		// Consumed by the transport during the handshake.
	}
}

func (n *Node) snapshotEnvelope() *Envelope {
	snaps := make([]state.Snapshot, 0, len(n.states))
	for _, st := range n.states {
		snaps = append(snaps, st.CurrentSnapshot())
	}
	return &Envelope{Kind: KindSnapshot, Server: n.serverID, Snapshots: snaps}
}
