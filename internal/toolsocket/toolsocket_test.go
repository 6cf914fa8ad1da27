package toolsocket

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/InstruktAI/teleclaude/internal/adapter"
	"github.com/InstruktAI/teleclaude/internal/model"
	"github.com/InstruktAI/teleclaude/internal/toolsurface"
)

// fakeBackend is a minimal toolsurface.Backend, mirroring
// internal/streamadapter's own test fake.
type fakeBackend struct {
	sessionID string
}

func (f *fakeBackend) ListComputers(ctx context.Context) ([]toolsurface.ComputerInfo, error) {
	return nil, nil
}
func (f *fakeBackend) ListProjects(ctx context.Context, computer string) ([]toolsurface.ProjectInfo, error) {
	return nil, nil
}
func (f *fakeBackend) ListSessions(ctx context.Context, filter model.Filter) ([]model.SessionSummary, error) {
	return nil, nil
}
func (f *fakeBackend) StartSession(ctx context.Context, args toolsurface.StartSessionArgs, caller toolsurface.Caller) (string, error) {
	return f.sessionID, nil
}
func (f *fakeBackend) SendMessage(ctx context.Context, sessionID, message string) (<-chan model.OutputChunk, error) {
	ch := make(chan model.OutputChunk)
	close(ch)
	return ch, nil
}
func (f *fakeBackend) SessionOwner(ctx context.Context, sessionID string) (string, error) {
	return "", nil
}
func (f *fakeBackend) GetSessionStatus(ctx context.Context, sessionID string, since int64) (toolsurface.SessionStatusResult, error) {
	return toolsurface.SessionStatusResult{}, nil
}
func (f *fakeBackend) EndSession(ctx context.Context, sessionID string) error { return nil }
func (f *fakeBackend) ObserveSession(ctx context.Context, sessionID string, from int64) (<-chan model.OutputChunk, error) {
	ch := make(chan model.OutputChunk)
	close(ch)
	return ch, nil
}

func socketPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "sub", "dir", "teleclaude.sock")
}

func writeFrame(t *testing.T, w *bufio.Writer, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		t.Fatalf("write length: %v", err)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

func readFrame(t *testing.T, r *bufio.Reader) toolsurface.Envelope {
	t.Helper()
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		t.Fatalf("read length: %v", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var env toolsurface.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return env
}

func TestStartBindsSocketAndServesRPCs(t *testing.T) {
	path := socketPath(t)
	surface := toolsurface.New(&fakeBackend{sessionID: "sess-1"})
	a := New(path, surface, nil)

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer a.Stop()

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected socket file at %s: %v", path, err)
	}

	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	w := bufio.NewWriter(conn)
	r := bufio.NewReader(conn)

	writeFrame(t, w, toolsurface.HandshakeIdentity{Origin: toolsurface.OriginLocalTUI})

	args, _ := json.Marshal(toolsurface.StartSessionArgs{Computer: "laptop", ProjectPath: "/tmp/proj", Agent: "claude"})
	writeFrame(t, w, toolsurface.Envelope{RPC: "start_session", Args: args})

	env := readFrame(t, r)
	if env.Error != nil {
		t.Fatalf("unexpected error: %+v", env.Error)
	}
	var result struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(env.Result, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result.SessionID != "sess-1" {
		t.Errorf("session_id = %q, want sess-1", result.SessionID)
	}
	if !env.Final {
		t.Error("expected a final frame for a non-streaming RPC")
	}
}

func TestStopRemovesSocketFileAndIsIdempotent(t *testing.T) {
	path := socketPath(t)
	surface := toolsurface.New(&fakeBackend{})
	a := New(path, surface, nil)

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := a.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("expected socket file removed, stat err = %v", err)
	}
	if err := a.Stop(); err != nil {
		t.Errorf("second Stop should be a no-op, got: %v", err)
	}
}

func TestStopBeforeStartIsNoOp(t *testing.T) {
	a := New(socketPath(t), toolsurface.New(&fakeBackend{}), nil)
	if err := a.Stop(); err != nil {
		t.Errorf("Stop before Start should be a no-op, got: %v", err)
	}
}

func TestStartRemovesStaleSocketFile(t *testing.T) {
	path := socketPath(t)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	// A stale file with nothing listening on it, left behind by an
	// unclean shutdown.
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ln.Close() // closes the listener but leaves the socket file on disk

	surface := toolsurface.New(&fakeBackend{})
	a := New(path, surface, nil)
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start should clear the stale socket file, got: %v", err)
	}
	defer a.Stop()

	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("dial after Start: %v", err)
	}
	conn.Close()
}

func TestStartTwiceIsNoOp(t *testing.T) {
	path := socketPath(t)
	a := New(path, toolsurface.New(&fakeBackend{}), nil)
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	defer a.Stop()
	if err := a.Start(context.Background()); err != nil {
		t.Errorf("second Start should be a no-op, got: %v", err)
	}
}

func TestCapabilitiesAreEmpty(t *testing.T) {
	a := New(socketPath(t), toolsurface.New(&fakeBackend{}), nil)
	caps := a.Capabilities()
	for _, c := range []adapter.Capability{adapter.UI, adapter.RemoteExecution, adapter.Discovery} {
		if caps.Has(c) {
			t.Errorf("expected no capability %q", c)
		}
	}
}
