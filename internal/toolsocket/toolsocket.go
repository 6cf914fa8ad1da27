// Package toolsocket implements the colocated Unix-domain-socket RPC
// adapter (spec.md §6.1): the local-only transport a CLI-agent subprocess
// on this computer uses to reach the Agent Tool Surface, wrapped as an
// internal/adapter.Adapter so it shares the daemon's start/stop lifecycle
// with every other channel. All the actual framing and dispatch already
// live in internal/toolsurface.SocketServer; this package only owns the
// listener: binding the path, clearing a stale socket file left behind by
// an unclean shutdown, and closing both on Stop.
package toolsocket

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/InstruktAI/teleclaude/internal/adapter"
	"github.com/InstruktAI/teleclaude/internal/toolsurface"
)

// Adapter binds a Unix domain socket at Path and serves Agent Tool
// Surface RPCs over it (spec.md §6.1). It declares no capabilities: it is
// neither a UI, nor able to carry a command to another node, nor a peer
// liveness source — those are streamadapter's and chatadapter's jobs.
type Adapter struct {
	path   string
	server *toolsurface.SocketServer
	logger *log.Logger

	mu     sync.Mutex
	ln     net.Listener
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs an Adapter serving surface over a Unix socket at path. A
// nil logger is replaced by one writing to stderr with a "[toolsocket] "
// prefix.
func New(path string, surface *toolsurface.Surface, logger *log.Logger) *Adapter {
	if logger == nil {
		logger = log.New(os.Stderr, "[toolsocket] ", log.LstdFlags)
	}
	return &Adapter{
		path:   path,
		server: toolsurface.NewSocketServer(surface, logger),
		logger: logger,
	}
}

func (a *Adapter) Name() string { return "toolsocket" }

func (a *Adapter) Capabilities() adapter.CapabilitySet {
	return adapter.NewCapabilitySet()
}

// Start binds the Unix socket, removing any stale socket file left behind
// by a prior unclean shutdown (a leftover file otherwise makes bind fail
// with "address already in use" even though nothing is listening), and
// serves connections on a background goroutine. Calling Start twice
// before Stop is a no-op.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ln != nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(a.path), 0o755); err != nil {
		return fmt.Errorf("create tool socket directory: %w", err)
	}
	if err := removeStaleSocket(a.path); err != nil {
		return fmt.Errorf("clear stale tool socket: %w", err)
	}

	ln, err := net.Listen("unix", a.path)
	if err != nil {
		return fmt.Errorf("listen on tool socket %s: %w", a.path, err)
	}
	a.ln = ln

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.server.Serve(runCtx, ln); err != nil {
			a.logger.Printf("serve %s: %v", a.path, err)
		}
	}()
	return nil
}

// Stop closes the listener, waits for Serve to return, and removes the
// socket file. Idempotent: safe before Start or after a prior Stop.
func (a *Adapter) Stop() error {
	a.mu.Lock()
	ln := a.ln
	cancel := a.cancel
	a.ln = nil
	a.cancel = nil
	a.mu.Unlock()

	if ln == nil {
		return nil
	}
	if cancel != nil {
		cancel()
	}
	ln.Close()
	a.wg.Wait()
	a.server.Close()
	if err := os.Remove(a.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove tool socket %s: %w", a.path, err)
	}
	return nil
}

// removeStaleSocket deletes path if it exists and nothing is actually
// listening on it; a live socket is left alone (net.Listen will report
// "address already in use" on its own in that case).
func removeStaleSocket(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	conn, err := net.Dial("unix", path)
	if err == nil {
		conn.Close()
		return errors.New("a live process is already listening on " + path)
	}
	return os.Remove(path)
}
