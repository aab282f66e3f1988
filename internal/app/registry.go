package app

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/notifyrelay/internal/domain"
)

// connEntry is the registry's record of one live connection.
// mu guards channels and closed; it is taken before any channelSet lock.
type connEntry struct {
	id          string
	handle      domain.Handle
	connectedAt time.Time

	mu       sync.Mutex
	channels map[string]struct{}
	closed   bool
}

// channelSet holds the members of one channel under its own lock so that
// unrelated channels never contend. A pruned set is marked dead and must be
// looked up again.
type channelSet struct {
	mu      sync.RWMutex
	members map[string]domain.Handle
	dead    bool
}

// Registry tracks live connections and their channel memberships.
//
// Lock order: connMu -> connEntry.mu -> chanMu -> channelSet.mu.
// No method performs transport I/O while holding a lock.
type Registry struct {
	clock clockwork.Clock

	connMu sync.RWMutex
	conns  map[string]*connEntry

	chanMu   sync.RWMutex
	channels map[string]*channelSet

	onChange func(domain.RegistryStats)
}

func NewRegistry(clock clockwork.Clock) *Registry {
	return &Registry{
		clock:    clock,
		conns:    make(map[string]*connEntry),
		channels: make(map[string]*channelSet),
	}
}

// OnChange installs a callback invoked after connections are added or removed.
// It must be set before the registry is shared.
func (r *Registry) OnChange(fn func(domain.RegistryStats)) {
	r.onChange = fn
}

// Connect records a connection whose transport handshake completed.
func (r *Registry) Connect(id string, handle domain.Handle) error {
	if id == "" {
		return fmt.Errorf("connect: empty connection id: %w", domain.ErrUnknownConnection)
	}

	r.connMu.Lock()
	if _, exists := r.conns[id]; exists {
		r.connMu.Unlock()
		return fmt.Errorf("connect %s: %w", id, domain.ErrDuplicateConnection)
	}
	r.conns[id] = &connEntry{
		id:          id,
		handle:      handle,
		connectedAt: r.clock.Now(),
		channels:    make(map[string]struct{}),
	}
	r.connMu.Unlock()

	slog.Debug("Connection established", "connection_id", id)
	r.notify()
	return nil
}

// Register adds the connection to channel. Registering twice is a no-op.
func (r *Registry) Register(id, channel string) error {
	entry, ok := r.entry(id)
	if !ok {
		return fmt.Errorf("register %s on %q: %w", id, channel, domain.ErrUnknownConnection)
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.closed {
		return fmt.Errorf("register %s on %q: %w", id, channel, domain.ErrUnknownConnection)
	}
	if _, member := entry.channels[channel]; member {
		return nil
	}

	for {
		set := r.channelFor(channel)
		set.mu.Lock()
		if set.dead {
			set.mu.Unlock()
			continue
		}
		set.members[id] = entry.handle
		set.mu.Unlock()
		break
	}
	entry.channels[channel] = struct{}{}

	slog.Debug("Connection joined channel", "connection_id", id, "channel", channel)
	return nil
}

// Leave removes a single channel membership.
func (r *Registry) Leave(id, channel string) error {
	entry, ok := r.entry(id)
	if !ok {
		return fmt.Errorf("leave %s from %q: %w", id, channel, domain.ErrUnknownConnection)
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.closed {
		return fmt.Errorf("leave %s from %q: %w", id, channel, domain.ErrUnknownConnection)
	}
	if _, member := entry.channels[channel]; !member {
		return nil
	}

	delete(entry.channels, channel)
	r.removeMember(channel, id)
	return nil
}

// Unregister removes the connection from every channel. Unknown ids are ignored.
func (r *Registry) Unregister(id string) {
	r.connMu.Lock()
	entry, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
	}
	r.connMu.Unlock()

	if !ok {
		return
	}

	entry.mu.Lock()
	entry.closed = true
	channels := entry.channels
	entry.channels = nil
	entry.mu.Unlock()

	for channel := range channels {
		r.removeMember(channel, id)
	}

	slog.Debug("Connection closed", "connection_id", id, "channels", len(channels))
	r.notify()
}

// MembersOf returns a sorted snapshot of the connection ids subscribed to channel.
func (r *Registry) MembersOf(channel string) []string {
	members := r.Members(channel)
	ids := make([]string, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.ID)
	}
	sort.Strings(ids)
	return ids
}

// Members returns a snapshot of channel members with their transport handles.
// The snapshot is detached from the registry; later changes do not affect it.
func (r *Registry) Members(channel string) []domain.Member {
	r.chanMu.RLock()
	set, ok := r.channels[channel]
	r.chanMu.RUnlock()
	if !ok {
		return []domain.Member{}
	}

	set.mu.RLock()
	defer set.mu.RUnlock()

	members := make([]domain.Member, 0, len(set.members))
	for id, handle := range set.members {
		members = append(members, domain.Member{ID: id, Handle: handle})
	}
	return members
}

// Connection returns a view of a live connection.
func (r *Registry) Connection(id string) (domain.Connection, bool) {
	entry, ok := r.entry(id)
	if !ok {
		return domain.Connection{}, false
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.closed {
		return domain.Connection{ID: id, State: domain.StateClosed}, false
	}

	channels := make([]string, 0, len(entry.channels))
	for ch := range entry.channels {
		channels = append(channels, ch)
	}
	sort.Strings(channels)

	return domain.Connection{
		ID:          id,
		Channels:    channels,
		State:       domain.StateActive,
		ConnectedAt: entry.connectedAt,
	}, true
}

func (r *Registry) Stats() domain.RegistryStats {
	r.connMu.RLock()
	conns := len(r.conns)
	r.connMu.RUnlock()

	r.chanMu.RLock()
	channels := len(r.channels)
	r.chanMu.RUnlock()

	return domain.RegistryStats{Connections: conns, Channels: channels}
}

func (r *Registry) entry(id string) (*connEntry, bool) {
	r.connMu.RLock()
	defer r.connMu.RUnlock()
	entry, ok := r.conns[id]
	return entry, ok
}

// channelFor returns the live set for channel, creating it if needed.
func (r *Registry) channelFor(channel string) *channelSet {
	r.chanMu.RLock()
	set, ok := r.channels[channel]
	r.chanMu.RUnlock()
	if ok {
		return set
	}

	r.chanMu.Lock()
	defer r.chanMu.Unlock()
	if set, ok := r.channels[channel]; ok {
		return set
	}
	set = &channelSet{members: make(map[string]domain.Handle)}
	r.channels[channel] = set
	return set
}

// removeMember drops id from channel and prunes the set once it is empty.
func (r *Registry) removeMember(channel, id string) {
	r.chanMu.RLock()
	set, ok := r.channels[channel]
	r.chanMu.RUnlock()
	if !ok {
		return
	}

	set.mu.Lock()
	delete(set.members, id)
	empty := len(set.members) == 0
	set.mu.Unlock()

	if !empty {
		return
	}

	r.chanMu.Lock()
	defer r.chanMu.Unlock()

	// Re-check under both locks: a concurrent Register may have repopulated the set.
	set.mu.Lock()
	defer set.mu.Unlock()
	if len(set.members) == 0 && !set.dead && r.channels[channel] == set {
		set.dead = true
		delete(r.channels, channel)
	}
}

func (r *Registry) notify() {
	if r.onChange != nil {
		r.onChange(r.Stats())
	}
}
