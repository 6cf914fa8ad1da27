package remote

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/InstruktAI/teleclaude/internal/errs"
	"github.com/InstruktAI/teleclaude/internal/model"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	c, err := New(Config{Client: rdb})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestSendAndReadInbox(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	env := model.CommandEnvelope{ID: "cmd-1", Command: model.CmdStartSession, CorrelationID: "corr-1"}
	if err := c.SendCommand(ctx, "laptop", env); err != nil {
		t.Fatalf("SendCommand: %v", err)
	}

	entries, err := c.ReadInbox(ctx, "laptop", "")
	if err != nil {
		t.Fatalf("ReadInbox: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1", len(entries))
	}
	if entries[0].Envelope.ID != "cmd-1" {
		t.Errorf("Envelope.ID = %q, want cmd-1", entries[0].Envelope.ID)
	}

	// Reading after the first entry's position returns nothing new.
	more, err := c.ReadInbox(ctx, "laptop", entries[0].StreamID)
	if err != nil {
		t.Fatalf("ReadInbox (resumed): %v", err)
	}
	if len(more) != 0 {
		t.Errorf("len(more) = %d, want 0 after resuming past the only entry", len(more))
	}
}

func TestCheckAndMarkDeliveredDedups(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	first, err := c.CheckAndMarkDelivered(ctx, "corr-1")
	if err != nil {
		t.Fatalf("CheckAndMarkDelivered: %v", err)
	}
	if first {
		t.Error("first check should report not-already-delivered")
	}

	second, err := c.CheckAndMarkDelivered(ctx, "corr-1")
	if err != nil {
		t.Fatalf("CheckAndMarkDelivered: %v", err)
	}
	if !second {
		t.Error("second check with the same correlation id should report already-delivered")
	}
}

func TestAppendOutputSequenceIncreasesMonotonically(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	seq1, err := c.AppendOutput(ctx, "sess-1", model.OutputChunk{ChunkKind: model.ChunkData, Payload: "a"})
	if err != nil {
		t.Fatalf("AppendOutput: %v", err)
	}
	seq2, err := c.AppendOutput(ctx, "sess-1", model.OutputChunk{ChunkKind: model.ChunkData, Payload: "b"})
	if err != nil {
		t.Fatalf("AppendOutput: %v", err)
	}
	if seq2 <= seq1 {
		t.Errorf("seq2 = %d, seq1 = %d; want strictly increasing", seq2, seq1)
	}

	chunks, truncated, err := c.ReadSince(ctx, "sess-1", 0)
	if err != nil {
		t.Fatalf("ReadSince: %v", err)
	}
	if truncated {
		t.Error("did not expect truncation reading from the start")
	}
	if len(chunks) != 2 || chunks[0].Payload != "a" || chunks[1].Payload != "b" {
		t.Errorf("chunks = %+v, want [a, b] in order", chunks)
	}
}

func TestReadSinceSkipsAlreadySeenChunks(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	seq1, _ := c.AppendOutput(ctx, "sess-1", model.OutputChunk{Payload: "a"})
	c.AppendOutput(ctx, "sess-1", model.OutputChunk{Payload: "b"})

	chunks, _, err := c.ReadSince(ctx, "sess-1", seq1)
	if err != nil {
		t.Fatalf("ReadSince: %v", err)
	}
	if len(chunks) != 1 || chunks[0].Payload != "b" {
		t.Errorf("chunks = %+v, want only [b]", chunks)
	}
}

func TestFilterSinceDetectsGap(t *testing.T) {
	all := []model.OutputChunk{{Sequence: 5, Payload: "e"}, {Sequence: 6, Payload: "f"}}
	chunks, truncated, err := filterSince(all, 2)
	if err != nil {
		t.Fatalf("filterSince: %v", err)
	}
	if !truncated {
		t.Error("expected truncated=true: checkpoint 2 but oldest retained is 5")
	}
	if len(chunks) != 2 {
		t.Errorf("len(chunks) = %d, want 2", len(chunks))
	}
}

func TestFilterSinceNoGap(t *testing.T) {
	all := []model.OutputChunk{{Sequence: 1, Payload: "a"}, {Sequence: 2, Payload: "b"}}
	chunks, truncated, err := filterSince(all, 0)
	if err != nil {
		t.Fatalf("filterSince: %v", err)
	}
	if truncated {
		t.Error("did not expect truncation: checkpoint 0, oldest retained is 1")
	}
	if len(chunks) != 2 {
		t.Errorf("len(chunks) = %d, want 2", len(chunks))
	}
}

func TestWriteAndScanHeartbeats(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	if err := c.WriteHeartbeat(ctx, "laptop", model.HeartbeatRecord{Computer: "laptop", Timestamp: 12345}); err != nil {
		t.Fatalf("WriteHeartbeat: %v", err)
	}
	records, err := c.ScanHeartbeats(ctx)
	if err != nil {
		t.Fatalf("ScanHeartbeats: %v", err)
	}
	if len(records) != 1 || records[0].Computer != "laptop" {
		t.Errorf("records = %+v, want one record for laptop", records)
	}
}

func TestNewRequiresClient(t *testing.T) {
	_, err := New(Config{})
	if err == nil {
		t.Fatal("expected an error when no redis client is given")
	}
	if errs.Is(err, errs.TransientTransport) {
		t.Error("a missing-client config error is a programmer error, not transient transport")
	}
}
