// Package lifecycle implements the Session Lifecycle Coordinator (spec.md
// §4.4): the state machine driving a session from creation through
// termination, serialized per session_id.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/InstruktAI/teleclaude/internal/adapter"
	"github.com/InstruktAI/teleclaude/internal/errs"
	"github.com/InstruktAI/teleclaude/internal/hub"
	"github.com/InstruktAI/teleclaude/internal/identity"
	"github.com/InstruktAI/teleclaude/internal/model"
	"github.com/InstruktAI/teleclaude/internal/session"
)

// CreateRequest carries the inputs to begin a new session.
type CreateRequest struct {
	Computer    string
	ProjectPath string
	Agent       string // the agent name, persisted on the session record for display
	Command     string // the shell command the bridge launches; defaults to Agent when empty
	ThinkingMode string
	Title       string
	ParentSessionID string
	Identity    identity.Request
}

// Coordinator drives sessions through the spec.md §4.4 state machine:
// (none) -> starting -> running <-> headless -> terminated.
//
// Concurrency: operations are serialized per session_id via a sync.Map of
// per-session mutexes (single-flight create, janitor-style cleanup), so a
// rapid input+terminate race resolves deterministically rather than
// interleaving.
// TerminalBridge is the slice of internal/bridge.Bridge the coordinator
// needs. Declared here (consumer side) so tests can substitute a fake
// without driving a real tmux binary.
type TerminalBridge interface {
	Create(ctx context.Context, sessionID, projectPath, command string, width, height int) (model.TerminalHandle, error)
	Close(ctx context.Context, h model.TerminalHandle) error
	Write(ctx context.Context, h model.TerminalHandle, data []byte) error
}

type Coordinator struct {
	store    session.Store
	bridge   TerminalBridge
	hub      *hub.Hub
	resolver *identity.Resolver
	adapters *adapter.Registry

	locks   sync.Map // session_id -> *sync.Mutex
	handles sync.Map // session_id -> model.TerminalHandle
}

// New constructs a Coordinator.
func New(store session.Store, br TerminalBridge, h *hub.Hub, resolver *identity.Resolver, adapters *adapter.Registry) *Coordinator {
	return &Coordinator{store: store, bridge: br, hub: h, resolver: resolver, adapters: adapters}
}

func (c *Coordinator) lockFor(sessionID string) *sync.Mutex {
	actual, _ := c.locks.LoadOrStore(sessionID, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

// CreateSession resolves identity, starts the terminal bridge, persists
// the record, and emits session_started. If the terminal bridge fails to
// start (or does not start within StartupTimeout), the persisted record is
// marked terminated rather than left in starting.
func (c *Coordinator) CreateSession(ctx context.Context, req CreateRequest, lookupInitiator identity.InitiatorLookup) (*model.Session, error) {
	resolution, err := c.resolver.Resolve(req.Identity, lookupInitiator)
	if err != nil {
		return nil, fmt.Errorf("resolve identity: %w", err)
	}

	sess := &model.Session{
		Computer:           req.Computer,
		ProjectPath:        resolution.ProjectPath,
		Agent:              req.Agent,
		ThinkingMode:       req.ThinkingMode,
		Title:              req.Title,
		InitiatorSessionID: req.ParentSessionID,
		Role:               roleFor(req.Identity.Origin),
		Status:             model.SessionStarting,
	}
	if req.Identity.Origin == identity.OriginChatAdapter {
		sess.OriginAdapter = "chatadapter"
	} else if req.Identity.Origin == identity.OriginToolSocket {
		sess.OriginAdapter = "toolsocket"
	}

	if err := c.store.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("persist session: %w", err)
	}

	mu := c.lockFor(sess.ID)
	mu.Lock()
	defer mu.Unlock()

	command := req.Command
	if command == "" {
		command = req.Agent
	}
	createCtx, cancelCreate := context.WithTimeout(ctx, StartupTimeout)
	handle, err := c.bridge.Create(createCtx, sess.ID, sess.ProjectPath, command, 220, 50)
	cancelCreate()
	if err != nil {
		_ = c.store.UpdateStatus(ctx, sess.ID, model.SessionTerminated)
		return nil, errs.Wrap(errs.BridgeUnavailable, "create terminal bridge", err)
	}
	c.handles.Store(sess.ID, handle)

	for _, a := range c.adapters.All() {
		blob, err := c.adapters.BuildMetadata(ctx, a.Name(), sess.ID)
		if err != nil {
			continue // best-effort per-adapter provisioning; origin failures are reported, observers logged
		}
		if blob != "" {
			_ = c.store.UpdateMetadata(ctx, sess.ID, a.Name(), blob)
		}
	}

	if err := c.store.UpdateStatus(ctx, sess.ID, model.SessionRunning); err != nil {
		return nil, fmt.Errorf("transition to running: %w", err)
	}
	sess.Status = model.SessionRunning

	c.hub.Publish(hub.Event{Name: hub.SessionStarted, Data: sess})
	return sess, nil
}

func roleFor(origin identity.Origin) model.SessionRole {
	if origin == identity.OriginRelayedNode {
		return model.RoleAIWorker
	}
	return model.RoleHuman
}

// MarkHeadless transitions a running session to headless. The coordinator
// does not itself count bridge failures or call this; the session stays in
// its current state until a caller does.
func (c *Coordinator) MarkHeadless(ctx context.Context, sessionID string) error {
	mu := c.lockFor(sessionID)
	mu.Lock()
	defer mu.Unlock()
	return c.store.UpdateStatus(ctx, sessionID, model.SessionHeadless)
}

// MarkRunning transitions a headless session back to running once the
// bridge is reachable again.
func (c *Coordinator) MarkRunning(ctx context.Context, sessionID string) error {
	mu := c.lockFor(sessionID)
	mu.Lock()
	defer mu.Unlock()
	return c.store.UpdateStatus(ctx, sessionID, model.SessionRunning)
}

// EndSession stops the bridge, finalizes adapter channels, persists
// terminated_at, and emits session_terminated. Idempotent: ending an
// already-terminated session is a no-op (terminated is a sink).
func (c *Coordinator) EndSession(ctx context.Context, sessionID string) error {
	mu := c.lockFor(sessionID)
	mu.Lock()
	defer mu.Unlock()

	sess, err := c.store.Get(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if sess == nil {
		return errs.New(errs.NotFound, "session not found: "+sessionID)
	}
	if sess.Status == model.SessionTerminated {
		return nil
	}

	if v, ok := c.handles.Load(sessionID); ok {
		if err := c.bridge.Close(ctx, v.(model.TerminalHandle)); err != nil {
			// Bridge teardown failures should not block marking the session
			// terminated: a dead multiplexer is exactly why we're ending it.
			_ = err
		}
		c.handles.Delete(sessionID)
	}

	if err := c.store.UpdateStatus(ctx, sessionID, model.SessionTerminated); err != nil {
		return fmt.Errorf("transition to terminated: %w", err)
	}

	c.hub.Publish(hub.Event{Name: hub.SessionTerminated, Data: sessionID})
	c.locks.Delete(sessionID)
	return nil
}

// WriteInput sends data to sessionID's terminal bridge and publishes
// input_received, so adapters (chatadapter, toolsocket) never need their
// own reference to the bridge or to the handle map. Returns NotFound if
// the session has no live local handle (e.g. it is terminated or remote);
// a headless session keeps its handle and the write is attempted.
func (c *Coordinator) WriteInput(ctx context.Context, sessionID string, data []byte) error {
	v, ok := c.handles.Load(sessionID)
	if !ok {
		return errs.New(errs.NotFound, "no live terminal handle for session: "+sessionID)
	}
	if err := c.bridge.Write(ctx, v.(model.TerminalHandle), data); err != nil {
		return errs.Wrap(errs.BridgeUnavailable, "write terminal input", err)
	}
	if err := c.store.UpdateActivity(ctx, sessionID); err != nil {
		return fmt.Errorf("update activity: %w", err)
	}
	c.hub.Publish(hub.Event{Name: hub.InputReceived, Data: sessionID})
	return nil
}

// Handle returns sessionID's live terminal handle, for callers (e.g.
// cmd/'s daemon wiring) that must start polling immediately after create.
func (c *Coordinator) Handle(sessionID string) (model.TerminalHandle, bool) {
	v, ok := c.handles.Load(sessionID)
	if !ok {
		return "", false
	}
	return v.(model.TerminalHandle), true
}

// StartupTimeout bounds how long a session may remain in `starting`
// before CreateSession gives up and marks it terminated (spec.md §4.4
// "startup fails within warm-up window").
const StartupTimeout = 10 * time.Second
