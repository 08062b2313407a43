// Package subscription implements the per-topic registry mapping
// subscription names to the local connections interested in them, fanning
// broadcasts out to those connections, and mirroring local presence into
// the cluster-state registry.
package subscription

import (
	"slices"
	"sort"
	"sync"

	"github.com/sambigeara/ripple/pkg/connection"
	"github.com/sambigeara/ripple/pkg/monitoring"
	"github.com/sambigeara/ripple/pkg/protocol"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Bridge mirrors local subscription presence into the cluster-wide state
// registry. Add and Remove are refcounted per name by the implementation;
// the registry calls them once per local subscriber.
type Bridge interface {
	Add(name string)
	Remove(name string)
	Has(name string) bool
	GetAll() []string
	GetAllServers(name string) []string
	OnAdd(cb func(name string))
	OnRemove(cb func(name string))
	Ready() <-chan struct{}
}

// Transport forwards a broadcast to the rest of the cluster.
type Transport interface {
	Forward(m *protocol.Message)
}

// Listener observes subscription lifecycle events. The per-connection
// callbacks fire for every local change; the first/last callbacks fire on
// cluster-wide aggregated edges.
type Listener interface {
	OnSubscriptionMade(name string, ep connection.Endpoint)
	OnSubscriptionRemoved(name string, ep connection.Endpoint)
	OnFirstSubscriptionMade(name string)
	OnLastSubscriptionRemoved(name string)
}

// Options are the registry's collaborators. Bridge is required; Transport,
// Monitor and Logger have working defaults.
type Options struct {
	ServerID  string
	Bridge    Bridge
	Transport Transport
	Monitor   monitoring.Monitor
	Logger    *zap.SugaredLogger
}

type subscription struct {
	name      string
	endpoints []connection.Endpoint
}

func (s *subscription) index(ep connection.Endpoint) int {
	for i, existing := range s.endpoints {
		if existing == ep {
			return i
		}
	}
	return -1
}

// remove takes ep out of the set, reporting whether it was present.
// Removal preserves the order of the remaining endpoints.
func (s *subscription) remove(ep connection.Endpoint) bool {
	i := s.index(ep)
	if i < 0 {
		return false
	}
	s.endpoints = append(s.endpoints[:i], s.endpoints[i+1:]...)
	return true
}

// Registry is the local subscription registry for one topic.
//
// One mutex serialises all index mutations; notifications to collaborators
// are dispatched after it is released, so a lifecycle listener may call
// back into the registry.
type Registry struct {
	topic    protocol.Topic
	serverID string

	mu       sync.Mutex
	actions  protocol.ActionSet
	names    map[string]*subscription
	conns    map[connection.Endpoint]map[*subscription]struct{}
	listener Listener

	bridge   Bridge
	bus      Transport
	monitor  monitoring.Monitor
	wireOnce sync.Once

	log *zap.SugaredLogger
}

var _ connection.CloseObserver = (*Registry)(nil)

func New(topic protocol.Topic, opts Options) *Registry {
	log := opts.Logger
	if log == nil {
		log = zap.S().Named("subscription").With("topic", string(topic))
	}
	monitor := opts.Monitor
	if monitor == nil {
		monitor = monitoring.Noop{}
	}
	return &Registry{
		topic:    topic,
		serverID: opts.ServerID,
		actions:  protocol.ActionsFor(topic),
		names:    make(map[string]*subscription),
		conns:    make(map[connection.Endpoint]map[*subscription]struct{}),
		bridge:   opts.Bridge,
		bus:      opts.Transport,
		monitor:  monitor,
		log:      log,
	}
}

// SetAction rebinds one of the four canonical action slots.
func (r *Registry) SetAction(slot string, code protocol.Action) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.actions.Set(slot, code)
}

// SetSubscriptionListener installs the lifecycle listener and wires the
// cluster-wide edge callbacks to it.
func (r *Registry) SetSubscriptionListener(l Listener) {
	r.mu.Lock()
	r.listener = l
	r.mu.Unlock()

	r.wireOnce.Do(func() {
		r.bridge.OnAdd(func(name string) {
			if l := r.currentListener(); l != nil {
				l.OnFirstSubscriptionMade(name)
			}
		})
		r.bridge.OnRemove(func(name string) {
			if l := r.currentListener(); l != nil {
				l.OnLastSubscriptionRemoved(name)
			}
		})
	})
}

func (r *Registry) currentListener() Listener {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listener
}

// Ready resolves when the cluster-state registry has synchronised its
// initial state.
func (r *Registry) Ready() <-chan struct{} {
	return r.bridge.Ready()
}

// Subscribe adds ep as a subscriber of name. A duplicate subscription is
// answered with a MULTIPLE_SUBSCRIPTIONS reply and otherwise ignored.
// Unless silent, a successful subscribe is acknowledged.
func (r *Registry) Subscribe(name string, msg *protocol.Message, ep connection.Endpoint, silent bool) {
	r.mu.Lock()
	sub, exists := r.names[name]
	if exists && sub.index(ep) >= 0 {
		multiple := r.actions.MultipleSubscriptions
		r.mu.Unlock()
		if r.log.Desugar().Core().Enabled(zapcore.WarnLevel) {
			r.log.Warnw("ignoring duplicate subscription", "name", name, "user", ep.User())
		}
		ep.Send(&protocol.Message{
			Topic:          r.topic,
			Action:         multiple,
			OriginalAction: msg.Action,
			Name:           name,
		})
		return
	}

	if !exists {
		sub = &subscription{name: name}
		r.names[name] = sub
	}
	sub.endpoints = append(sub.endpoints, ep)

	held, ok := r.conns[ep]
	if !ok {
		held = make(map[*subscription]struct{})
		r.conns[ep] = held
	}
	held[sub] = struct{}{}
	listener := r.listener
	r.mu.Unlock()

	if !ok {
		ep.OnClose(r)
	}

	r.bridge.Add(name)
	if listener != nil {
		listener.OnSubscriptionMade(name, ep)
	}

	if !silent {
		if r.log.Desugar().Core().Enabled(zapcore.DebugLevel) {
			r.log.Debugw("subscription made", "name", name, "user", ep.User())
		}
		ep.SendAck(msg)
	}
}

// Unsubscribe removes ep as a subscriber of name. Unsubscribing a name the
// connection does not hold is answered with a NOT_SUBSCRIBED reply (unless
// silent) and otherwise ignored.
func (r *Registry) Unsubscribe(name string, msg *protocol.Message, ep connection.Endpoint, silent bool) {
	r.mu.Lock()
	sub := r.names[name]
	if sub == nil || !sub.remove(ep) {
		notSubscribed := r.actions.NotSubscribed
		r.mu.Unlock()
		if r.log.Desugar().Core().Enabled(zapcore.WarnLevel) {
			r.log.Warnw("ignoring unsubscribe for unheld subscription", "name", name, "user", ep.User())
		}
		if !silent {
			ep.Send(&protocol.Message{
				Topic:          r.topic,
				Action:         notSubscribed,
				OriginalAction: msg.Action,
				Name:           name,
			})
		}
		return
	}

	// The empty check runs strictly after removal from the socket set.
	if len(sub.endpoints) == 0 {
		delete(r.names, name)
	}

	held := r.conns[ep]
	delete(held, sub)
	dropHook := len(held) == 0
	if dropHook {
		delete(r.conns, ep)
	}
	listener := r.listener
	r.mu.Unlock()

	if dropHook {
		ep.RemoveOnClose(r)
	}
	if listener != nil {
		listener.OnSubscriptionRemoved(name, ep)
	}
	r.bridge.Remove(name)

	if !silent {
		if r.log.Desugar().Core().Enabled(zapcore.DebugLevel) {
			r.log.Debugw("subscription removed", "name", name, "user", ep.User())
		}
		ep.SendAck(msg)
	}
}

// SubscribeBulk subscribes ep to every name in msg.Names. The per-name
// operations run silent; unless silent, one acknowledgement carrying the
// bulk correlation id is sent. Per-name protocol replies still go out
// individually.
func (r *Registry) SubscribeBulk(msg *protocol.Message, ep connection.Endpoint, silent bool) {
	for _, name := range msg.Names {
		r.Subscribe(name, msg, ep, true)
	}
	if !silent {
		ep.SendAck(msg)
	}
}

// UnsubscribeBulk is the unsubscribe counterpart of SubscribeBulk.
func (r *Registry) UnsubscribeBulk(msg *protocol.Message, ep connection.Endpoint, silent bool) {
	for _, name := range msg.Names {
		r.Unsubscribe(name, msg, ep, true)
	}
	if !silent {
		ep.SendAck(msg)
	}
}

// SendToSubscribers fans msg out to every local subscriber of name except
// sender. A non-nil sender with suppressRemote unset also forwards the
// message to the cluster; a nil sender marks a message that arrived from
// the cluster bus and must not loop back onto it.
//
// noDelay is accepted for protocol compatibility; write coalescing belongs
// to the connection layer.
func (r *Registry) SendToSubscribers(name string, msg *protocol.Message, noDelay bool, sender connection.Endpoint, suppressRemote bool) {
	_ = noDelay

	if sender != nil && !suppressRemote && r.bus != nil {
		r.bus.Forward(msg)
	}

	r.mu.Lock()
	sub := r.names[name]
	var targets []connection.Endpoint
	if sub != nil {
		targets = slices.Clone(sub.endpoints)
	}
	r.mu.Unlock()

	if len(targets) == 0 {
		return
	}

	r.monitor.OnBroadcast(msg, len(targets))

	built := targets[0].BuildMessage(msg)
	for _, ep := range targets {
		if ep == sender {
			continue
		}
		ep.SendBuiltMessage(built, true)
	}
}

// EndpointClosed is the close hook: it removes every subscription the
// connection holds. Registered on a connection's first subscription and
// invoked at most once per connection.
func (r *Registry) EndpointClosed(ep connection.Endpoint) {
	r.mu.Lock()
	held, ok := r.conns[ep]
	if !ok {
		r.mu.Unlock()
		r.log.Errorw("a socket has an illegal registered close callback", "user", ep.User())
		return
	}

	names := make([]string, 0, len(held))
	for sub := range held {
		sub.remove(ep)
		if len(sub.endpoints) == 0 {
			delete(r.names, sub.name)
		}
		names = append(names, sub.name)
	}
	delete(r.conns, ep)
	listener := r.listener
	r.mu.Unlock()

	sort.Strings(names)
	for _, name := range names {
		if listener != nil {
			listener.OnSubscriptionRemoved(name, ep)
		}
		r.bridge.Remove(name)
	}
}

// GetLocalSubscribers returns the local subscriber set for name in fanout
// order.
func (r *Registry) GetLocalSubscribers(name string) []connection.Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub := r.names[name]
	if sub == nil {
		return nil
	}
	return slices.Clone(sub.endpoints)
}

// HasLocalSubscribers reports whether name has at least one local
// subscriber.
func (r *Registry) HasLocalSubscribers(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.names[name] != nil
}

// HasName reports whether any server in the cluster holds a subscriber for
// name.
func (r *Registry) HasName(name string) bool {
	return r.bridge.Has(name)
}

// GetNames returns every name with a subscriber anywhere in the cluster.
func (r *Registry) GetNames() []string {
	return r.bridge.GetAll()
}

// GetAllServers returns the servers holding at least one subscriber for
// name.
func (r *Registry) GetAllServers(name string) []string {
	return r.bridge.GetAllServers(name)
}

// GetAllRemoteServers is GetAllServers minus this server.
func (r *Registry) GetAllRemoteServers(name string) []string {
	servers := r.bridge.GetAllServers(name)
	out := servers[:0]
	for _, s := range servers {
		if s != r.serverID {
			out = append(out, s)
		}
	}
	return out
}
