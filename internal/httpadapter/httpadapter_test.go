package httpadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/InstruktAI/teleclaude/internal/model"
)

// fakeSurface is a minimal httpadapter.Surface: each call pops the next
// pre-scripted batch for its session, blocking (respecting ctx) once the
// script is exhausted so the handler's poll loop behaves like a real
// long-poll against an idle session instead of busy-looping.
type fakeSurface struct {
	mu      sync.Mutex
	batches map[string][][]model.OutputChunk
	err     error
}

func newFakeSurface() *fakeSurface {
	return &fakeSurface{batches: make(map[string][][]model.OutputChunk)}
}

func (f *fakeSurface) push(sessionID string, chunks []model.OutputChunk) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches[sessionID] = append(f.batches[sessionID], chunks)
}

func (f *fakeSurface) ObserveSession(ctx context.Context, sessionID string, fromSequence int64, windowSeconds int) ([]model.OutputChunk, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	queue := f.batches[sessionID]
	var next []model.OutputChunk
	if len(queue) > 0 {
		next = queue[0]
		f.batches[sessionID] = queue[1:]
	}
	f.mu.Unlock()

	if next != nil {
		return next, nil
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(10 * time.Millisecond):
		return nil, nil
	}
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func dialWS(t *testing.T, addr, sessionID string, query string) *websocket.Conn {
	t.Helper()
	url := fmt.Sprintf("ws://%s/ws/sessions/%s", addr, sessionID)
	if query != "" {
		url += "?" + query
	}
	var conn *websocket.Conn
	var err error
	for i := 0; i < 50; i++ {
		conn, _, err = websocket.DefaultDialer.Dial(url, nil)
		if err == nil {
			return conn
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("dial %s: %v", url, err)
	return nil
}

func TestObserveSessionRelaysChunksOverWebSocket(t *testing.T) {
	addr := freeAddr(t)
	surface := newFakeSurface()
	surface.push("sess-1", []model.OutputChunk{
		{Kind: "output", SessionID: "sess-1", Sequence: 1, ChunkKind: model.ChunkData, Payload: "hello"},
		{Kind: "output", SessionID: "sess-1", Sequence: 2, ChunkKind: model.ChunkData, Payload: "world"},
	})

	a := New(addr, surface, nil)
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer a.Stop()

	conn := dialWS(t, addr, "sess-1", "")
	defer conn.Close()

	var got []model.OutputChunk
	for i := 0; i < 2; i++ {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read message %d: %v", i, err)
		}
		var c model.OutputChunk
		if err := json.Unmarshal(data, &c); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		got = append(got, c)
	}

	if got[0].Payload != "hello" || got[1].Payload != "world" {
		t.Errorf("got payloads %q, %q; want hello, world", got[0].Payload, got[1].Payload)
	}
}

func TestObserveSessionClosesOnAgentStop(t *testing.T) {
	addr := freeAddr(t)
	surface := newFakeSurface()
	surface.push("sess-2", []model.OutputChunk{
		{Kind: "output", SessionID: "sess-2", Sequence: 1, ChunkKind: model.ChunkAgentStop},
	})

	a := New(addr, surface, nil)
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer a.Stop()

	conn := dialWS(t, addr, "sess-2", "")
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err != nil {
		t.Fatalf("read agent_stop chunk: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected the server to close the connection after agent_stop")
	}
}

func TestObserveSessionHonorsFromSequenceQueryParam(t *testing.T) {
	addr := freeAddr(t)
	surface := newFakeSurface()

	a := New(addr, surface, nil)
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer a.Stop()

	conn := dialWS(t, addr, "sess-3", "from_sequence=42&window_seconds=1")
	defer conn.Close()

	// Push a batch only after the handler has already issued its first
	// poll, so the observed fromSequence argument reflects the query
	// param rather than a zero default from a race.
	time.Sleep(20 * time.Millisecond)
	surface.push("sess-3", []model.OutputChunk{
		{Kind: "output", SessionID: "sess-3", Sequence: 43, ChunkKind: model.ChunkData, Payload: "resumed"},
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read message: %v", err)
	}
	var c model.OutputChunk
	if err := json.Unmarshal(data, &c); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if c.Payload != "resumed" {
		t.Errorf("payload = %q, want resumed", c.Payload)
	}
}

func TestObserveSessionFallsBackToWriteErrorWhenNoChunks(t *testing.T) {
	addr := freeAddr(t)
	surface := newFakeSurface()
	surface.err = fmt.Errorf("backend unavailable")

	a := New(addr, surface, nil)
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer a.Stop()

	conn := dialWS(t, addr, "sess-5", "")
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read error chunk: %v", err)
	}
	var c model.OutputChunk
	if err := json.Unmarshal(data, &c); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if c.ChunkKind != model.ChunkError {
		t.Errorf("chunk_kind = %q, want error", c.ChunkKind)
	}
}

func TestMissingSessionIDReturnsBadRequest(t *testing.T) {
	addr := freeAddr(t)
	a := New(addr, newFakeSurface(), nil)
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer a.Stop()

	var resp *http.Response
	var err error
	for i := 0; i < 50; i++ {
		resp, err = http.Get("http://" + addr + "/ws/sessions/")
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound && resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 404 or 400", resp.StatusCode)
	}
}

func TestStopClosesOpenConnections(t *testing.T) {
	addr := freeAddr(t)
	surface := newFakeSurface()
	a := New(addr, surface, nil)
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	conn := dialWS(t, addr, "sess-4", "")
	defer conn.Close()

	if err := a.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected connection closed after Stop")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	a := New(freeAddr(t), newFakeSurface(), nil)
	if err := a.Stop(); err != nil {
		t.Errorf("Stop before Start should be a no-op, got: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := a.Stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}
	if err := a.Stop(); err != nil {
		t.Errorf("second Stop should be a no-op, got: %v", err)
	}
}
