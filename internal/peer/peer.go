// Package peer holds the daemon's view of the mesh: which other nodes are
// online, as evidenced by their heartbeat stream (spec.md §4.9).
package peer

import (
	"sync"
	"time"

	"github.com/InstruktAI/teleclaude/internal/model"
)

// Status is a peer's liveness as computed from its last heartbeat.
type Status string

const (
	Online  Status = "online"
	Offline Status = "offline"
)

// Entry is one peer's current mesh-view record.
type Entry struct {
	Computer     string
	Status       Status
	LastSeenAt   time.Time
	Capabilities []string
	Interests    []string
}

// Interested reports whether this peer has advertised interest in topic
// (spec.md §4.6's Peer-Interest Advertisement), so a publisher can decide
// whether forwarding an event to this peer's push stream is warranted.
func (e Entry) Interested(topic string) bool {
	return model.PeerInterestAdvertisement{Computer: e.Computer, Interests: e.Interests, At: e.LastSeenAt}.HasInterest(topic)
}

// ChangeFunc is invoked when a peer's status transitions. event is either
// "peer_seen" or "peer_lost", matching the hub event names so callers can
// republish directly.
type ChangeFunc func(event string, entry Entry)

// Registry is the in-memory mesh view. One sync.RWMutex guards the whole
// entry map, so an operation on any entry waits for every other; there is
// no per-entry lock. Grounded on gastown's SessionRegistry shape
// (concurrent discovery + freshness-windowed liveness) reworked around
// the upsert/get/list_online/subscribe contract spec.md §4.9 mandates.
type Registry struct {
	mu        sync.RWMutex
	entries   map[string]*Entry
	freshness time.Duration // a heartbeat older than this is offline
	subs      []ChangeFunc
}

// DefaultFreshness is 3x the default heartbeat interval (spec.md §4.9).
const DefaultFreshness = 3 * 20 * time.Second

// NewRegistry constructs a Registry. freshness <= 0 uses DefaultFreshness.
func NewRegistry(freshness time.Duration) *Registry {
	if freshness <= 0 {
		freshness = DefaultFreshness
	}
	return &Registry{
		entries:   make(map[string]*Entry),
		freshness: freshness,
	}
}

// Subscribe registers fn to be called on every peer_seen/peer_lost
// transition. Not idempotent-keyed: callers wanting to unsubscribe should
// use a closure-captured flag, since the registry expects a short-lived
// set of subscribers fixed at startup (the hub itself, typically).
func (r *Registry) Subscribe(fn ChangeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = append(r.subs, fn)
}

// Upsert records a heartbeat for computer, updating its liveness. It
// returns the transition that occurred, if any ("" if the peer was
// already online and stays online).
func (r *Registry) Upsert(hb model.HeartbeatRecord) string {
	r.mu.Lock()
	entry, existed := r.entries[hb.Computer]
	wasOnline := existed && entry.Status == Online
	if !existed {
		entry = &Entry{Computer: hb.Computer}
		r.entries[hb.Computer] = entry
	}
	entry.LastSeenAt = time.UnixMilli(hb.Timestamp)
	entry.Capabilities = hb.Caps
	entry.Interests = hb.Interests
	entry.Status = Online

	var event string
	if !wasOnline {
		event = "peer_seen"
	}
	subs := append([]ChangeFunc(nil), r.subs...)
	snapshot := *entry
	r.mu.Unlock()

	if event != "" {
		notify(subs, event, snapshot)
	}
	return event
}

// Get returns the current entry for computer, refreshing its liveness
// against the freshness window first. ok is false if no heartbeat has
// ever been seen for computer.
func (r *Registry) Get(computer string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[computer]
	if !ok {
		return Entry{}, false
	}
	r.refreshLocked(entry)
	return *entry, true
}

// ListOnline returns every peer whose last heartbeat is within
// withinLast. A zero withinLast uses the registry's configured
// freshness window.
func (r *Registry) ListOnline(withinLast time.Duration) []Entry {
	if withinLast <= 0 {
		withinLast = r.freshness
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Entry
	now := time.Now()
	for _, entry := range r.entries {
		r.refreshLocked(entry)
		if entry.Status == Online && now.Sub(entry.LastSeenAt) <= withinLast {
			out = append(out, *entry)
		}
	}
	return out
}

// Sweep re-evaluates every entry's liveness against the freshness window
// and fires peer_lost for any that just expired. Called periodically by
// internal/streamadapter's heartbeat scanner, since
// Redis key-TTL expiry has no push notification in this pack's usage.
func (r *Registry) Sweep() {
	r.mu.Lock()
	var lostEvents []Entry
	for _, entry := range r.entries {
		wasOnline := entry.Status == Online
		r.refreshLocked(entry)
		if wasOnline && entry.Status == Offline {
			lostEvents = append(lostEvents, *entry)
		}
	}
	subs := append([]ChangeFunc(nil), r.subs...)
	r.mu.Unlock()

	for _, e := range lostEvents {
		notify(subs, "peer_lost", e)
	}
}

// refreshLocked recomputes entry.Status from its LastSeenAt age. Caller
// must hold r.mu.
func (r *Registry) refreshLocked(entry *Entry) {
	if entry.Status == Online && time.Since(entry.LastSeenAt) > r.freshness {
		entry.Status = Offline
	}
}

func notify(subs []ChangeFunc, event string, entry Entry) {
	for _, fn := range subs {
		fn(event, entry)
	}
}
