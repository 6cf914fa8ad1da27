// Package hub is the daemon's in-process publish/subscribe core. Any
// component emits a named event; any component subscribes. No component
// holds a direct reference to another, so adapters, the lifecycle
// coordinator, and the poller compose without import cycles.
package hub

import (
	"fmt"
	"log"
	"sync"
)

// Name identifies an event class (spec.md §4.3).
type Name string

const (
	InputReceived         Name = "input_received"
	OutputUpdated         Name = "output_updated"
	OutputTruncated       Name = "output_truncated"
	SessionStarted        Name = "session_started"
	SessionTerminated     Name = "session_terminated"
	AgentToolUse          Name = "agent_tool_use"
	AgentToolDone         Name = "agent_tool_done"
	AgentStop             Name = "agent_stop"
	AgentIdle             Name = "agent_idle"
	HeartbeatReceived     Name = "heartbeat_received"
	PeerSeen              Name = "peer_seen"
	PeerLost              Name = "peer_lost"
	RemoteCommandReceived Name = "remote_command_received"
	RemoteOutputChunk     Name = "remote_output_chunk"
)

// Event is the payload delivered to subscribers. Data is event-specific;
// handlers type-assert it against the shape documented for Name.
type Event struct {
	Name Name
	Data any
}

// Handler processes one delivered event. A handler that panics or returns
// an error is logged and does not prevent delivery to other subscribers
// (spec.md §4.3, errs.InternalInvariant per SPEC_FULL §4.3).
type Handler func(Event) error

// Hub is in-process pub/sub. One sync.RWMutex guards the subscription
// table for every event name: publishing takes only the read lock to copy
// a name's handlers, which then run on their own goroutines outside the
// lock, but a Subscribe or Unsubscribe on any name briefly blocks
// publishing on every name. There is no separate lock per event name.
type Hub struct {
	mu       sync.RWMutex
	handlers map[Name][]subscription
	nextID   uint64
	errLog   *log.Logger
}

type subscription struct {
	id      uint64
	handler Handler
}

// Subscription can be passed to Unsubscribe to remove a specific handler.
type Subscription struct {
	name Name
	id   uint64
}

// New constructs a Hub. errLog receives a line per handler failure; pass
// nil to use the standard logger.
func New(errLog *log.Logger) *Hub {
	if errLog == nil {
		errLog = log.Default()
	}
	return &Hub{
		handlers: make(map[Name][]subscription),
		errLog:   errLog,
	}
}

// Subscribe registers handler to be invoked on every future Publish of
// name. Delivery is best-effort asynchronous: Subscribe returns
// immediately, and handler runs on its own goroutine per event.
func (h *Hub) Subscribe(name Name, handler Handler) Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	h.handlers[name] = append(h.handlers[name], subscription{id: id, handler: handler})
	return Subscription{name: name, id: id}
}

// Unsubscribe removes a previously registered handler. Idempotent: calling
// it twice, or with an already-removed subscription, is a no-op.
func (h *Hub) Unsubscribe(sub Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.handlers[sub.name]
	for i, s := range subs {
		if s.id == sub.id {
			h.handlers[sub.name] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// Publish delivers event to every subscriber of event.Name. Each handler
// runs on its own goroutine; a panicking or error-returning handler is
// logged and never prevents delivery to its siblings.
func (h *Hub) Publish(event Event) {
	h.mu.RLock()
	subs := make([]subscription, len(h.handlers[event.Name]))
	copy(subs, h.handlers[event.Name])
	h.mu.RUnlock()

	for _, s := range subs {
		go h.deliver(s, event)
	}
}

func (h *Hub) deliver(s subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			h.errLog.Printf("hub: handler for %s panicked: %v", event.Name, r)
		}
	}()
	if err := s.handler(event); err != nil {
		h.errLog.Printf("hub: handler for %s failed: %v", event.Name, err)
	}
}

// PublishAndWait is like Publish but blocks until every subscriber has
// been invoked. Used by tests and by components that must guarantee
// ordering against a later action (e.g. "emit session_started, then reply
// to the caller only after observers have had a chance to react").
func (h *Hub) PublishAndWait(event Event) {
	h.mu.RLock()
	subs := make([]subscription, len(h.handlers[event.Name]))
	copy(subs, h.handlers[event.Name])
	h.mu.RUnlock()

	var wg sync.WaitGroup
	wg.Add(len(subs))
	for _, s := range subs {
		s := s
		go func() {
			defer wg.Done()
			h.deliver(s, event)
		}()
	}
	wg.Wait()
}

// SubscriberCount reports how many handlers are registered for name.
// Used by tests and by diagnostics, not by business logic.
func (h *Hub) SubscriberCount(name Name) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.handlers[name])
}

func (e Event) String() string {
	return fmt.Sprintf("Event{%s}", e.Name)
}
