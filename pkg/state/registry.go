// Package state holds the replicated cluster-state registry: for one
// cluster topic, which servers currently have at least one local subscriber
// per name. Each server owns its own slice of the state and gossips deltas
// and snapshots; remote slices are replaced wholesale on snapshot, so the
// registry converges after reconnects.
package state

import (
	"slices"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Update is one presence delta for a (topic, name) pair, stamped with the
// originating server's monotonic counter.
type Update struct {
	Topic   string `cbor:"t"`
	Name    string `cbor:"n"`
	Server  string `cbor:"s"`
	Counter uint64 `cbor:"c"`
	Present bool   `cbor:"p"`
}

// Snapshot is one server's complete present-name set for a topic.
type Snapshot struct {
	Topic   string   `cbor:"t"`
	Server  string   `cbor:"s"`
	Names   []string `cbor:"n"`
	Counter uint64   `cbor:"c"`
}

// Registry is the cluster-state registry for a single topic. Local Add and
// Remove calls are refcounted per name: presence is advertised on the 0→1
// transition and withdrawn on 1→0. OnAdd and OnRemove callbacks fire on
// cluster-wide aggregated edges, local or remote.
type Registry struct {
	topic    string
	serverID string

	mu      sync.Mutex
	local   map[string]int
	remote  map[string]map[string]struct{}
	counter uint64
	applied map[string]uint64

	onAdd    []func(name string)
	onRemove []func(name string)
	publish  func(Update)

	awaitCount int
	synced     map[string]struct{}
	ready      chan struct{}
	readyOnce  sync.Once

	log *zap.SugaredLogger
}

// New creates a registry for one topic. awaitCount is the number of peers
// whose initial snapshot must arrive before Ready resolves; zero means the
// node is standalone and ready immediately.
func New(topic, serverID string, awaitCount int) *Registry {
	r := &Registry{
		topic:      topic,
		serverID:   serverID,
		local:      make(map[string]int),
		remote:     make(map[string]map[string]struct{}),
		applied:    make(map[string]uint64),
		awaitCount: awaitCount,
		synced:     make(map[string]struct{}),
		ready:      make(chan struct{}),
		log:        zap.S().Named("state").With("topic", topic),
	}
	if awaitCount <= 0 {
		r.readyOnce.Do(func() { close(r.ready) })
	}
	return r
}

func (r *Registry) Topic() string    { return r.topic }
func (r *Registry) ServerID() string { return r.serverID }

// SetPublisher installs the sink for outgoing presence deltas. The node
// wires this to the cluster transport; standalone servers leave it unset.
func (r *Registry) SetPublisher(fn func(Update)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.publish = fn
}

// Ready resolves once every awaited server has delivered its initial
// snapshot (or has been withdrawn as unreachable).
func (r *Registry) Ready() <-chan struct{} {
	return r.ready
}

// MarkSynced records that a server's initial snapshot has been applied (or
// that the server has been withdrawn as unreachable).
func (r *Registry) MarkSynced(server string) {
	r.mu.Lock()
	r.synced[server] = struct{}{}
	done := len(r.synced) >= r.awaitCount
	r.mu.Unlock()
	if done {
		r.readyOnce.Do(func() { close(r.ready) })
	}
}

// Add increments the local reference for name. The 0→1 local transition
// publishes a presence delta; the cluster-wide 0→1 transition fires OnAdd.
func (r *Registry) Add(name string) {
	r.mu.Lock()
	r.local[name]++
	var up *Update
	var edge bool
	if r.local[name] == 1 {
		edge = !r.remotePresentLocked(name)
		r.counter++
		up = &Update{Topic: r.topic, Name: name, Server: r.serverID, Counter: r.counter, Present: true}
	}
	pub := r.publish
	var cbs []func(string)
	if edge {
		cbs = slices.Clone(r.onAdd)
	}
	r.mu.Unlock()

	if up != nil && pub != nil {
		pub(*up)
	}
	for _, cb := range cbs {
		cb(name)
	}
}

// Remove decrements the local reference for name. The 1→0 local transition
// publishes a withdrawal; the cluster-wide k→0 transition fires OnRemove.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	n := r.local[name]
	if n == 0 {
		r.mu.Unlock()
		r.log.Errorw("remove without matching add", "name", name)
		return
	}
	var up *Update
	var edge bool
	if n == 1 {
		delete(r.local, name)
		edge = !r.remotePresentLocked(name)
		r.counter++
		up = &Update{Topic: r.topic, Name: name, Server: r.serverID, Counter: r.counter, Present: false}
	} else {
		r.local[name] = n - 1
	}
	pub := r.publish
	var cbs []func(string)
	if edge {
		cbs = slices.Clone(r.onRemove)
	}
	r.mu.Unlock()

	if up != nil && pub != nil {
		pub(*up)
	}
	for _, cb := range cbs {
		cb(name)
	}
}

// Has reports whether any server in the cluster, including this one, holds
// at least one subscriber for name.
func (r *Registry) Has(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.local[name] > 0 || r.remotePresentLocked(name)
}

// GetAll returns every name with at least one subscriber anywhere, sorted.
func (r *Registry) GetAll() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]struct{}, len(r.local))
	for name := range r.local {
		seen[name] = struct{}{}
	}
	for _, names := range r.remote {
		for name := range names {
			seen[name] = struct{}{}
		}
	}

	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// GetAllServers returns the ids of every server holding at least one
// subscriber for name, sorted.
func (r *Registry) GetAllServers(name string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []string
	if r.local[name] > 0 {
		out = append(out, r.serverID)
	}
	for server, names := range r.remote {
		if _, ok := names[name]; ok {
			out = append(out, server)
		}
	}
	sort.Strings(out)
	return out
}

// OnAdd registers a callback for cluster-wide 0→1 edges.
func (r *Registry) OnAdd(cb func(name string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onAdd = append(r.onAdd, cb)
}

// OnRemove registers a callback for cluster-wide k→0 edges.
func (r *Registry) OnRemove(cb func(name string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRemove = append(r.onRemove, cb)
}

// ApplyUpdate merges one remote presence delta. Deltas arrive in order per
// server over the cluster stream; stale counters are dropped.
func (r *Registry) ApplyUpdate(u Update) {
	if u.Server == r.serverID || u.Topic != r.topic {
		return
	}

	r.mu.Lock()
	if u.Counter <= r.applied[u.Server] {
		r.mu.Unlock()
		return
	}
	r.applied[u.Server] = u.Counter

	names, ok := r.remote[u.Server]
	if !ok {
		names = make(map[string]struct{})
		r.remote[u.Server] = names
	}

	wasPresent := r.presentAnywhereLocked(u.Name)
	if u.Present {
		names[u.Name] = struct{}{}
	} else {
		delete(names, u.Name)
	}
	nowPresent := r.presentAnywhereLocked(u.Name)

	var cbs []func(string)
	switch {
	case !wasPresent && nowPresent:
		cbs = slices.Clone(r.onAdd)
	case wasPresent && !nowPresent:
		cbs = slices.Clone(r.onRemove)
	}
	r.mu.Unlock()

	for _, cb := range cbs {
		cb(u.Name)
	}
}

// ApplySnapshot replaces a remote server's slice of the state wholesale and
// fires the aggregated edges for any resulting transitions.
func (r *Registry) ApplySnapshot(s Snapshot) {
	if s.Server == r.serverID || s.Topic != r.topic {
		return
	}

	incoming := make(map[string]struct{}, len(s.Names))
	for _, name := range s.Names {
		incoming[name] = struct{}{}
	}

	r.mu.Lock()
	previous := r.remote[s.Server]
	r.remote[s.Server] = incoming
	r.applied[s.Server] = s.Counter

	var added, removed []string
	for name := range incoming {
		if _, ok := previous[name]; ok {
			continue
		}
		if !r.presentElsewhereLocked(name, s.Server) {
			added = append(added, name)
		}
	}
	for name := range previous {
		if _, ok := incoming[name]; ok {
			continue
		}
		if !r.presentElsewhereLocked(name, s.Server) {
			removed = append(removed, name)
		}
	}
	addCbs := slices.Clone(r.onAdd)
	removeCbs := slices.Clone(r.onRemove)
	r.mu.Unlock()

	sort.Strings(added)
	sort.Strings(removed)
	for _, name := range added {
		for _, cb := range addCbs {
			cb(name)
		}
	}
	for _, name := range removed {
		for _, cb := range removeCbs {
			cb(name)
		}
	}

	r.MarkSynced(s.Server)
}

// RemoveServer withdraws every name a disconnected server was advertising.
func (r *Registry) RemoveServer(server string) {
	if server == r.serverID {
		return
	}

	r.mu.Lock()
	names := r.remote[server]
	delete(r.remote, server)
	delete(r.applied, server)

	var removed []string
	for name := range names {
		if !r.presentAnywhereLocked(name) {
			removed = append(removed, name)
		}
	}
	cbs := slices.Clone(r.onRemove)
	r.mu.Unlock()

	sort.Strings(removed)
	for _, name := range removed {
		for _, cb := range cbs {
			cb(name)
		}
	}

	// A dead peer cannot deliver its initial snapshot; do not hold
	// readiness hostage to it.
	r.MarkSynced(server)
}

// CurrentSnapshot returns this server's slice of the state.
func (r *Registry) CurrentSnapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.local))
	for name := range r.local {
		names = append(names, name)
	}
	sort.Strings(names)

	return Snapshot{
		Topic:   r.topic,
		Server:  r.serverID,
		Names:   names,
		Counter: r.counter,
	}
}

// remotePresentLocked reports whether any remote server advertises name.
func (r *Registry) remotePresentLocked(name string) bool {
	for _, names := range r.remote {
		if _, ok := names[name]; ok {
			return true
		}
	}
	return false
}

// presentAnywhereLocked includes local presence.
func (r *Registry) presentAnywhereLocked(name string) bool {
	return r.local[name] > 0 || r.remotePresentLocked(name)
}

// presentElsewhereLocked ignores one server's slice, which is being
// replaced by the caller.
func (r *Registry) presentElsewhereLocked(name, except string) bool {
	if r.local[name] > 0 {
		return true
	}
	for server, names := range r.remote {
		if server == except {
			continue
		}
		if _, ok := names[name]; ok {
			return true
		}
	}
	return false
}
