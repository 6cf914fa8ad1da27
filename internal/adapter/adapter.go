// Package adapter defines the uniform contract (spec.md §4.3) implemented
// by every channel that connects a terminal session to the outside world:
// the chat adapter, the stream-store transport adapter, the tool socket,
// and the HTTP/WebSocket boundary.
package adapter

import "context"

// Capability tags an adapter's role. An adapter may declare none, one, or
// several.
type Capability string

const (
	// UI marks an adapter with a human-facing surface.
	UI Capability = "ui"
	// RemoteExecution marks an adapter that can carry a command to
	// another node.
	RemoteExecution Capability = "remote_execution"
	// Discovery marks an adapter that can emit or observe peer liveness.
	Discovery Capability = "discovery"
)

// CapabilitySet is the set of capabilities an adapter declares.
type CapabilitySet map[Capability]bool

// NewCapabilitySet builds a CapabilitySet from the given tags.
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	s := make(CapabilitySet, len(caps))
	for _, c := range caps {
		s[c] = true
	}
	return s
}

// Has reports whether the set declares cap.
func (s CapabilitySet) Has(cap Capability) bool {
	return s[cap]
}

// Role distinguishes the one adapter responsible for a session (origin)
// from every other adapter observing it (observer). Origin failures are
// reported up to the caller; observer failures are logged only.
type Role string

const (
	Origin   Role = "origin"
	Observer Role = "observer"
)

// Adapter is the contract every channel implementation satisfies.
type Adapter interface {
	// Name identifies the adapter for logging and metadata lookups
	// (e.g. "chatadapter", "streamadapter").
	Name() string

	// Capabilities reports what this adapter can do.
	Capabilities() CapabilitySet

	// Start opens resources and subscribes to the hub. It must not
	// block past initial setup; ongoing work runs on adapter-owned
	// goroutines.
	Start(ctx context.Context) error

	// Stop releases resources. It must be idempotent: calling it more
	// than once, or before Start, must not error or panic.
	Stop() error
}

// MetadataBuilder produces a per-session metadata blob for an adapter, to
// be persisted via session.Store.UpdateMetadata. Adapters that need
// per-session state (e.g. the chat adapter's {topic_id, chat_id}) register
// one of these at startup instead of the hub dispatching by type-switch.
type MetadataBuilder func(ctx context.Context, sessionID string) (string, error)

// Registry holds the adapters and the metadata builders each adapter
// registers at startup. It replaces a type-switch over adapter kind with
// explicit registration, per SPEC_FULL.md's design note on avoiding
// "from_*" class-method dispatch.
type Registry struct {
	builders map[string]MetadataBuilder
	adapters map[string]Adapter
}

// NewRegistry constructs an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{
		builders: make(map[string]MetadataBuilder),
		adapters: make(map[string]Adapter),
	}
}

// Register records a, and optionally its metadata builder (nil if the
// adapter carries no per-session metadata schema).
func (r *Registry) Register(a Adapter, builder MetadataBuilder) {
	r.adapters[a.Name()] = a
	if builder != nil {
		r.builders[a.Name()] = builder
	}
}

// Get returns the named adapter, or nil if none is registered.
func (r *Registry) Get(name string) Adapter {
	return r.adapters[name]
}

// All returns every registered adapter.
func (r *Registry) All() []Adapter {
	out := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a)
	}
	return out
}

// BuildMetadata invokes the named adapter's metadata builder, or returns
// ("", nil) if the adapter declared none.
func (r *Registry) BuildMetadata(ctx context.Context, name, sessionID string) (string, error) {
	builder, ok := r.builders[name]
	if !ok {
		return "", nil
	}
	return builder(ctx, sessionID)
}

// WithCapability returns every registered adapter declaring cap, in
// registration order is not guaranteed (map iteration).
func (r *Registry) WithCapability(cap Capability) []Adapter {
	var out []Adapter
	for _, a := range r.adapters {
		if a.Capabilities().Has(cap) {
			out = append(out, a)
		}
	}
	return out
}

// StopAll stops every registered adapter, collecting (not short-circuiting
// on) errors so one adapter's shutdown failure does not prevent the
// others from releasing their resources.
func (r *Registry) StopAll() []error {
	var errs []error
	for _, a := range r.adapters {
		if err := a.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}
