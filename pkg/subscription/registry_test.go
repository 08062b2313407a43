package subscription_test

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/sambigeara/ripple/pkg/connection"
	"github.com/sambigeara/ripple/pkg/protocol"
	"github.com/sambigeara/ripple/pkg/state"
	"github.com/sambigeara/ripple/pkg/subscription"
	"github.com/stretchr/testify/require"
)

const localServer = "server-a"

type fakeEndpoint struct {
	id   string
	user string

	mu        sync.Mutex
	sent      []*protocol.Message
	built     [][]byte
	observers []connection.CloseObserver
	closed    bool
}

var _ connection.Endpoint = (*fakeEndpoint)(nil)

func newFakeEndpoint(id string) *fakeEndpoint {
	return &fakeEndpoint{id: id, user: "user-" + id}
}

func (f *fakeEndpoint) ID() string   { return f.id }
func (f *fakeEndpoint) User() string { return f.user }

func (f *fakeEndpoint) BuildMessage(m *protocol.Message) []byte {
	return m.Bytes()
}

func (f *fakeEndpoint) SendBuiltMessage(b []byte, _ bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.built = append(f.built, b)
}

func (f *fakeEndpoint) Send(m *protocol.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, m)
}

func (f *fakeEndpoint) SendAck(m *protocol.Message) {
	f.Send(protocol.Ack(m))
}

func (f *fakeEndpoint) OnClose(o connection.CloseObserver) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.observers {
		if existing == o {
			return
		}
	}
	f.observers = append(f.observers, o)
}

func (f *fakeEndpoint) RemoveOnClose(o connection.CloseObserver) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, existing := range f.observers {
		if existing == o {
			f.observers = append(f.observers[:i], f.observers[i+1:]...)
			return
		}
	}
}

// close simulates the connection layer tearing the session down.
func (f *fakeEndpoint) close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	observers := make([]connection.CloseObserver, len(f.observers))
	copy(observers, f.observers)
	f.observers = nil
	f.mu.Unlock()

	for _, o := range observers {
		o.EndpointClosed(f)
	}
}

func (f *fakeEndpoint) observerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.observers)
}

func (f *fakeEndpoint) sentWithAction(action protocol.Action) []*protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*protocol.Message
	for _, m := range f.sent {
		if m.Action == action {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeEndpoint) builtMessages() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.built))
	copy(out, f.built)
	return out
}

type recordingBridge struct {
	*state.Registry

	mu      sync.Mutex
	adds    []string
	removes []string
}

func (b *recordingBridge) Add(name string) {
	b.mu.Lock()
	b.adds = append(b.adds, name)
	b.mu.Unlock()
	b.Registry.Add(name)
}

func (b *recordingBridge) Remove(name string) {
	b.mu.Lock()
	b.removes = append(b.removes, name)
	b.mu.Unlock()
	b.Registry.Remove(name)
}

func (b *recordingBridge) counts(name string) (adds, removes int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, n := range b.adds {
		if n == name {
			adds++
		}
	}
	for _, n := range b.removes {
		if n == name {
			removes++
		}
	}
	return adds, removes
}

type recordingBus struct {
	mu        sync.Mutex
	forwarded []*protocol.Message
}

func (b *recordingBus) Forward(m *protocol.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.forwarded = append(b.forwarded, m)
}

func (b *recordingBus) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.forwarded)
}

type recordingMonitor struct {
	mu         sync.Mutex
	broadcasts []int
}

func (m *recordingMonitor) OnBroadcast(_ *protocol.Message, subscribers int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.broadcasts = append(m.broadcasts, subscribers)
}

type lifecycleEvent struct {
	kind string
	name string
}

type recordingListener struct {
	mu     sync.Mutex
	events []lifecycleEvent
}

func (l *recordingListener) OnSubscriptionMade(name string, _ connection.Endpoint) {
	l.record("made", name)
}

func (l *recordingListener) OnSubscriptionRemoved(name string, _ connection.Endpoint) {
	l.record("removed", name)
}

func (l *recordingListener) OnFirstSubscriptionMade(name string) {
	l.record("first", name)
}

func (l *recordingListener) OnLastSubscriptionRemoved(name string) {
	l.record("last", name)
}

func (l *recordingListener) record(kind, name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, lifecycleEvent{kind: kind, name: name})
}

func (l *recordingListener) count(kind, name string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.kind == kind && ev.name == name {
			n++
		}
	}
	return n
}

type registryHarness struct {
	reg      *subscription.Registry
	bridge   *recordingBridge
	bus      *recordingBus
	monitor  *recordingMonitor
	listener *recordingListener
}

func newRegistryHarness(t *testing.T, topic protocol.Topic) *registryHarness {
	t.Helper()

	h := &registryHarness{
		bridge:   &recordingBridge{Registry: state.New(string(topic), localServer, 0)},
		bus:      &recordingBus{},
		monitor:  &recordingMonitor{},
		listener: &recordingListener{},
	}
	h.reg = subscription.New(topic, subscription.Options{
		ServerID:  localServer,
		Bridge:    h.bridge,
		Transport: h.bus,
		Monitor:   h.monitor,
	})
	h.reg.SetSubscriptionListener(h.listener)
	return h
}

func subscribeMsg(topic protocol.Topic, name string) *protocol.Message {
	return &protocol.Message{Topic: topic, Action: protocol.ActionSubscribe, Name: name}
}

func unsubscribeMsg(topic protocol.Topic, name string) *protocol.Message {
	return &protocol.Message{Topic: topic, Action: protocol.ActionUnsubscribe, Name: name}
}

func TestSubscribeSendsAck(t *testing.T) {
	h := newRegistryHarness(t, protocol.TopicEvent)
	c1 := newFakeEndpoint("c1")

	h.reg.Subscribe("weather", subscribeMsg(protocol.TopicEvent, "weather"), c1, false)

	acks := c1.sentWithAction(protocol.ActionAck)
	require.Len(t, acks, 1)
	require.Equal(t, protocol.ActionSubscribe, acks[0].OriginalAction)
	require.Equal(t, "weather", acks[0].Name)

	require.True(t, h.reg.HasLocalSubscribers("weather"))
	require.Equal(t, []string{localServer}, h.reg.GetAllServers("weather"))
	require.Equal(t, 1, h.listener.count("made", "weather"))
	require.Equal(t, 1, h.listener.count("first", "weather"))
}

func TestSilentSubscribeSkipsAck(t *testing.T) {
	h := newRegistryHarness(t, protocol.TopicEvent)
	c1 := newFakeEndpoint("c1")

	h.reg.Subscribe("weather", subscribeMsg(protocol.TopicEvent, "weather"), c1, true)

	require.Empty(t, c1.sentWithAction(protocol.ActionAck))
	require.True(t, h.reg.HasLocalSubscribers("weather"))
}

func TestDuplicateSubscribe(t *testing.T) {
	h := newRegistryHarness(t, protocol.TopicEvent)
	c1 := newFakeEndpoint("c1")

	h.reg.Subscribe("x", subscribeMsg(protocol.TopicEvent, "x"), c1, false)
	h.reg.Subscribe("x", subscribeMsg(protocol.TopicEvent, "x"), c1, false)

	replies := c1.sentWithAction(protocol.ActionMultipleSubscriptions)
	require.Len(t, replies, 1)
	require.Equal(t, protocol.TopicEvent, replies[0].Topic)
	require.Equal(t, protocol.ActionSubscribe, replies[0].OriginalAction)
	require.Equal(t, "x", replies[0].Name)

	// The second call sent no ack and left the state untouched.
	require.Len(t, c1.sentWithAction(protocol.ActionAck), 1)
	require.Len(t, h.reg.GetLocalSubscribers("x"), 1)

	adds, removes := h.bridge.counts("x")
	require.Equal(t, 1, adds)
	require.Zero(t, removes)
}

func TestUnsubscribeUnknownName(t *testing.T) {
	h := newRegistryHarness(t, protocol.TopicEvent)
	c1 := newFakeEndpoint("c1")

	h.reg.Unsubscribe("y", unsubscribeMsg(protocol.TopicEvent, "y"), c1, false)

	replies := c1.sentWithAction(protocol.ActionNotSubscribed)
	require.Len(t, replies, 1)
	require.Equal(t, protocol.ActionUnsubscribe, replies[0].OriginalAction)
	require.Equal(t, "y", replies[0].Name)
	require.Empty(t, c1.sentWithAction(protocol.ActionAck))
	require.False(t, h.reg.HasLocalSubscribers("y"))
	require.Zero(t, c1.observerCount())
}

func TestUnsubscribeUnknownNameSilent(t *testing.T) {
	h := newRegistryHarness(t, protocol.TopicEvent)
	c1 := newFakeEndpoint("c1")

	h.reg.Unsubscribe("y", unsubscribeMsg(protocol.TopicEvent, "y"), c1, true)

	require.Empty(t, c1.sentWithAction(protocol.ActionNotSubscribed))
}

func TestUnsubscribeByOtherConnection(t *testing.T) {
	h := newRegistryHarness(t, protocol.TopicEvent)
	c1 := newFakeEndpoint("c1")
	c2 := newFakeEndpoint("c2")

	h.reg.Subscribe("x", subscribeMsg(protocol.TopicEvent, "x"), c1, false)
	h.reg.Unsubscribe("x", unsubscribeMsg(protocol.TopicEvent, "x"), c2, false)

	require.Len(t, c2.sentWithAction(protocol.ActionNotSubscribed), 1)
	require.Len(t, h.reg.GetLocalSubscribers("x"), 1)
}

func TestRoundTripRestoresEmptyState(t *testing.T) {
	h := newRegistryHarness(t, protocol.TopicRecord)
	c1 := newFakeEndpoint("c1")

	h.reg.Subscribe("user/1", subscribeMsg(protocol.TopicRecord, "user/1"), c1, false)
	require.Equal(t, 1, c1.observerCount())

	h.reg.Unsubscribe("user/1", unsubscribeMsg(protocol.TopicRecord, "user/1"), c1, false)

	require.False(t, h.reg.HasLocalSubscribers("user/1"))
	require.False(t, h.reg.HasName("user/1"))
	require.Zero(t, c1.observerCount(), "close hook must be unregistered with the last subscription")

	adds, removes := h.bridge.counts("user/1")
	require.Equal(t, 1, adds)
	require.Equal(t, 1, removes)
	require.Equal(t, 1, h.listener.count("removed", "user/1"))
	require.Equal(t, 1, h.listener.count("last", "user/1"))
}

func TestCloseHookSurvivesPartialUnsubscribe(t *testing.T) {
	h := newRegistryHarness(t, protocol.TopicEvent)
	c1 := newFakeEndpoint("c1")

	h.reg.Subscribe("a", subscribeMsg(protocol.TopicEvent, "a"), c1, false)
	h.reg.Subscribe("b", subscribeMsg(protocol.TopicEvent, "b"), c1, false)
	require.Equal(t, 1, c1.observerCount(), "hook registered once per connection")

	h.reg.Unsubscribe("a", unsubscribeMsg(protocol.TopicEvent, "a"), c1, false)
	require.Equal(t, 1, c1.observerCount(), "hook stays while subscriptions remain")

	h.reg.Unsubscribe("b", unsubscribeMsg(protocol.TopicEvent, "b"), c1, false)
	require.Zero(t, c1.observerCount())
}

func TestFanoutExcludesSender(t *testing.T) {
	h := newRegistryHarness(t, protocol.TopicEvent)
	c1 := newFakeEndpoint("c1")
	c2 := newFakeEndpoint("c2")
	c3 := newFakeEndpoint("c3")

	for _, c := range []*fakeEndpoint{c1, c2, c3} {
		h.reg.Subscribe("room/1", subscribeMsg(protocol.TopicEvent, "room/1"), c, true)
	}

	msg := &protocol.Message{Topic: protocol.TopicEvent, Action: protocol.ActionPublish, Name: "room/1", Data: []byte("hi")}
	h.reg.SendToSubscribers("room/1", msg, false, c2, false)

	require.Equal(t, 1, h.bus.count(), "cluster transport sees exactly one forward")
	require.Equal(t, []int{3}, h.monitor.broadcasts)

	want := msg.Bytes()
	require.Equal(t, [][]byte{want}, c1.builtMessages())
	require.Equal(t, [][]byte{want}, c3.builtMessages())
	require.Empty(t, c2.builtMessages(), "sender must not receive its own message")
}

func TestClusterOriginMessageNotReforwarded(t *testing.T) {
	h := newRegistryHarness(t, protocol.TopicEvent)
	c1 := newFakeEndpoint("c1")
	h.reg.Subscribe("room/1", subscribeMsg(protocol.TopicEvent, "room/1"), c1, true)

	msg := &protocol.Message{Topic: protocol.TopicEvent, Action: protocol.ActionPublish, Name: "room/1", Data: []byte("hi")}
	h.reg.SendToSubscribers("room/1", msg, false, nil, false)

	require.Zero(t, h.bus.count(), "bus-origin messages must not loop")
	require.Len(t, c1.builtMessages(), 1)
}

func TestSuppressRemoteSkipsForward(t *testing.T) {
	h := newRegistryHarness(t, protocol.TopicEvent)
	c1 := newFakeEndpoint("c1")
	c2 := newFakeEndpoint("c2")
	h.reg.Subscribe("room/1", subscribeMsg(protocol.TopicEvent, "room/1"), c1, true)

	msg := &protocol.Message{Topic: protocol.TopicEvent, Action: protocol.ActionPublish, Name: "room/1"}
	h.reg.SendToSubscribers("room/1", msg, false, c2, true)

	require.Zero(t, h.bus.count())
	require.Len(t, c1.builtMessages(), 1)
}

func TestFanoutUnknownNameStillForwards(t *testing.T) {
	h := newRegistryHarness(t, protocol.TopicEvent)
	sender := newFakeEndpoint("c1")

	msg := &protocol.Message{Topic: protocol.TopicEvent, Action: protocol.ActionPublish, Name: "ghost"}
	h.reg.SendToSubscribers("ghost", msg, false, sender, false)

	require.Equal(t, 1, h.bus.count())
	require.Empty(t, h.monitor.broadcasts, "no local subscription, no broadcast report")
}

func TestConnectionCloseCascade(t *testing.T) {
	h := newRegistryHarness(t, protocol.TopicRecord)
	c1 := newFakeEndpoint("c1")

	names := []string{"a", "b", "c"}
	for _, name := range names {
		h.reg.Subscribe(name, subscribeMsg(protocol.TopicRecord, name), c1, false)
	}

	c1.close()

	for _, name := range names {
		require.False(t, h.reg.HasLocalSubscribers(name), name)
		require.False(t, h.reg.HasName(name), name)
		require.Equal(t, 1, h.listener.count("removed", name), name)

		adds, removes := h.bridge.counts(name)
		require.Equal(t, 1, adds, name)
		require.Equal(t, 1, removes, name)
	}

	// A second close must be a no-op rather than an invariant violation.
	c1.close()
}

func TestCloseAfterPartialUnsubscribe(t *testing.T) {
	h := newRegistryHarness(t, protocol.TopicEvent)
	c1 := newFakeEndpoint("c1")
	c2 := newFakeEndpoint("c2")

	h.reg.Subscribe("a", subscribeMsg(protocol.TopicEvent, "a"), c1, true)
	h.reg.Subscribe("b", subscribeMsg(protocol.TopicEvent, "b"), c1, true)
	h.reg.Subscribe("b", subscribeMsg(protocol.TopicEvent, "b"), c2, true)

	h.reg.Unsubscribe("a", unsubscribeMsg(protocol.TopicEvent, "a"), c1, true)
	c1.close()

	require.False(t, h.reg.HasLocalSubscribers("a"))
	require.Len(t, h.reg.GetLocalSubscribers("b"), 1)
	require.True(t, h.reg.HasName("b"))

	adds, removes := h.bridge.counts("b")
	require.Equal(t, 2, adds)
	require.Equal(t, 1, removes)
}

func TestBulkSubscribeSingleAck(t *testing.T) {
	h := newRegistryHarness(t, protocol.TopicEvent)
	c1 := newFakeEndpoint("c1")

	msg := &protocol.Message{
		Topic:         protocol.TopicEvent,
		Action:        protocol.ActionSubscribeBulk,
		CorrelationID: "k",
		Names:         []string{"a", "b", "c"},
	}
	h.reg.SubscribeBulk(msg, c1, false)

	acks := c1.sentWithAction(protocol.ActionAck)
	require.Len(t, acks, 1)
	require.Equal(t, "k", acks[0].CorrelationID)
	require.Equal(t, protocol.ActionSubscribeBulk, acks[0].OriginalAction)

	for _, name := range msg.Names {
		require.True(t, h.reg.HasLocalSubscribers(name), name)
	}
}

func TestBulkSubscribeStillReportsDuplicates(t *testing.T) {
	h := newRegistryHarness(t, protocol.TopicEvent)
	c1 := newFakeEndpoint("c1")

	h.reg.Subscribe("a", subscribeMsg(protocol.TopicEvent, "a"), c1, true)

	msg := &protocol.Message{
		Topic:         protocol.TopicEvent,
		Action:        protocol.ActionSubscribeBulk,
		CorrelationID: "k",
		Names:         []string{"a", "b"},
	}
	h.reg.SubscribeBulk(msg, c1, false)

	require.Len(t, c1.sentWithAction(protocol.ActionMultipleSubscriptions), 1)
	require.Len(t, c1.sentWithAction(protocol.ActionAck), 1)
}

func TestUnsubscribeBulk(t *testing.T) {
	h := newRegistryHarness(t, protocol.TopicEvent)
	c1 := newFakeEndpoint("c1")

	sub := &protocol.Message{
		Topic:         protocol.TopicEvent,
		Action:        protocol.ActionSubscribeBulk,
		CorrelationID: "k1",
		Names:         []string{"a", "b"},
	}
	h.reg.SubscribeBulk(sub, c1, true)

	unsub := &protocol.Message{
		Topic:         protocol.TopicEvent,
		Action:        protocol.ActionUnsubscribeBulk,
		CorrelationID: "k2",
		Names:         []string{"a", "b"},
	}
	h.reg.UnsubscribeBulk(unsub, c1, false)

	acks := c1.sentWithAction(protocol.ActionAck)
	require.Len(t, acks, 1)
	require.Equal(t, "k2", acks[0].CorrelationID)
	require.False(t, h.reg.HasLocalSubscribers("a"))
	require.False(t, h.reg.HasLocalSubscribers("b"))
	require.Zero(t, c1.observerCount())
}

func TestSetActionRebindsReplies(t *testing.T) {
	h := newRegistryHarness(t, protocol.TopicEvent)
	c1 := newFakeEndpoint("c1")

	require.NoError(t, h.reg.SetAction(protocol.SlotMultipleSubscriptions, protocol.ActionMultipleListeners))
	require.Error(t, h.reg.SetAction("NO_SUCH_SLOT", protocol.ActionAck))

	h.reg.Subscribe("x", subscribeMsg(protocol.TopicEvent, "x"), c1, true)
	h.reg.Subscribe("x", subscribeMsg(protocol.TopicEvent, "x"), c1, true)

	require.Len(t, c1.sentWithAction(protocol.ActionMultipleListeners), 1)
	require.Empty(t, c1.sentWithAction(protocol.ActionMultipleSubscriptions))
}

func TestListenTopicDefaults(t *testing.T) {
	h := newRegistryHarness(t, protocol.TopicRecordListenPatterns)
	c1 := newFakeEndpoint("c1")

	listen := &protocol.Message{Topic: protocol.TopicRecordListenPatterns, Action: protocol.ActionListen, Name: "user/*"}
	h.reg.Subscribe("user/*", listen, c1, false)
	h.reg.Subscribe("user/*", listen, c1, false)

	require.Len(t, c1.sentWithAction(protocol.ActionMultipleListeners), 1)

	h.reg.Unsubscribe("other/*", &protocol.Message{Topic: protocol.TopicRecordListenPatterns, Action: protocol.ActionUnlisten, Name: "other/*"}, c1, false)
	require.Len(t, c1.sentWithAction(protocol.ActionNotListening), 1)
}

func TestLifecycleFirstLastEdges(t *testing.T) {
	h := newRegistryHarness(t, protocol.TopicEvent)
	c1 := newFakeEndpoint("c1")
	c2 := newFakeEndpoint("c2")

	h.reg.Subscribe("x", subscribeMsg(protocol.TopicEvent, "x"), c1, true)
	h.reg.Subscribe("x", subscribeMsg(protocol.TopicEvent, "x"), c2, true)

	require.Equal(t, 1, h.listener.count("first", "x"), "first fires only on the 0→1 edge")
	require.Equal(t, 2, h.listener.count("made", "x"))

	h.reg.Unsubscribe("x", unsubscribeMsg(protocol.TopicEvent, "x"), c1, true)
	require.Zero(t, h.listener.count("last", "x"))

	h.reg.Unsubscribe("x", unsubscribeMsg(protocol.TopicEvent, "x"), c2, true)
	require.Equal(t, 1, h.listener.count("last", "x"))
}

func TestGetAllRemoteServers(t *testing.T) {
	h := newRegistryHarness(t, protocol.TopicEvent)
	c1 := newFakeEndpoint("c1")

	h.reg.Subscribe("x", subscribeMsg(protocol.TopicEvent, "x"), c1, true)
	h.bridge.ApplyUpdate(state.Update{Topic: string(protocol.TopicEvent), Name: "x", Server: "server-b", Counter: 1, Present: true})

	require.Equal(t, []string{localServer, "server-b"}, h.reg.GetAllServers("x"))
	require.Equal(t, []string{"server-b"}, h.reg.GetAllRemoteServers("x"))
	require.Equal(t, []string{"x"}, h.reg.GetNames())
}

func TestReadyResolvesStandalone(t *testing.T) {
	h := newRegistryHarness(t, protocol.TopicEvent)

	select {
	case <-h.reg.Ready():
	default:
		t.Fatal("standalone registry must be ready immediately")
	}
}

// TestRandomisedSequencesKeepInvariants drives a deterministic pseudo-random
// mix of subscribes, unsubscribes and closes and checks the registry
// invariants after every step.
func TestRandomisedSequencesKeepInvariants(t *testing.T) {
	h := newRegistryHarness(t, protocol.TopicEvent)
	rng := rand.New(rand.NewPCG(7, 11))

	names := []string{"a", "b", "c", "d"}
	endpoints := make([]*fakeEndpoint, 6)
	closed := make([]bool, len(endpoints))
	for i := range endpoints {
		endpoints[i] = newFakeEndpoint(fmt.Sprintf("c%d", i))
	}

	reopen := func(i int) {
		endpoints[i] = newFakeEndpoint(fmt.Sprintf("c%d-%d", i, rng.IntN(1<<30)))
		closed[i] = false
	}

	for step := 0; step < 500; step++ {
		i := rng.IntN(len(endpoints))
		if closed[i] {
			reopen(i)
		}
		ep := endpoints[i]
		name := names[rng.IntN(len(names))]

		switch rng.IntN(5) {
		case 0, 1, 2:
			h.reg.Subscribe(name, subscribeMsg(protocol.TopicEvent, name), ep, true)
		case 3:
			h.reg.Unsubscribe(name, unsubscribeMsg(protocol.TopicEvent, name), ep, true)
		case 4:
			ep.close()
			closed[i] = true
		}

		for _, n := range names {
			subs := h.reg.GetLocalSubscribers(n)
			adds, removes := h.bridge.counts(n)
			require.GreaterOrEqual(t, adds, removes, "bridge sequence must be well-formed for %s", n)
			require.Equal(t, len(subs), adds-removes, "bridge net count must track local subscribers for %s", n)
			require.Equal(t, len(subs) > 0, h.reg.HasLocalSubscribers(n))
		}
		for j, e := range endpoints {
			if closed[j] {
				continue
			}
			holds := 0
			for _, n := range names {
				for _, sub := range h.reg.GetLocalSubscribers(n) {
					if sub == e {
						holds++
					}
				}
			}
			if holds > 0 {
				require.Equal(t, 1, e.observerCount(), "held subscriptions require a close hook")
			} else {
				require.Zero(t, e.observerCount(), "no subscriptions, no close hook")
			}
		}
	}
}
