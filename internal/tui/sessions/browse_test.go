package sessions

import (
	"testing"
	"time"

	"github.com/InstruktAI/teleclaude/internal/model"
)

func testSessions() []model.SessionSummary {
	now := time.Now()
	return []model.SessionSummary{
		{ID: "s1", Computer: "laptop", ProjectPath: "/home/alice/teleclaude", Agent: "claude", Title: "fix bridge bug", LastActivityAt: now.Add(-2 * time.Hour)},
		{ID: "s2", Computer: "desktop", ProjectPath: "/home/alice/other-repo", Agent: "codex", Title: "refactor poller", LastActivityAt: now},
		{ID: "s3", Computer: "laptop", ProjectPath: "/home/alice/teleclaude", Agent: "gemini", Title: "write tests", LastActivityAt: now.Add(-1 * time.Hour)},
	}
}

func TestSortAndFilterOrdersByRecencyWithNoQuery(t *testing.T) {
	m := New(nil, 80, 24)
	m.allSessions = testSessions()
	m.sortAndFilter()

	if len(m.sessions) != 3 {
		t.Fatalf("len(sessions) = %d, want 3", len(m.sessions))
	}
	if m.sessions[0].ID != "s2" {
		t.Errorf("sessions[0].ID = %q, want s2 (most recent)", m.sessions[0].ID)
	}
	if m.sessions[2].ID != "s1" {
		t.Errorf("sessions[2].ID = %q, want s1 (least recent)", m.sessions[2].ID)
	}
}

func TestSortAndFilterFuzzyMatchesQuery(t *testing.T) {
	m := New(nil, 80, 24)
	m.allSessions = testSessions()
	m.searchQuery = "codx"
	m.sortAndFilter()

	if len(m.sessions) != 1 || m.sessions[0].ID != "s2" {
		t.Errorf("sessions = %+v, want only s2 to fuzzy-match %q", m.sessions, m.searchQuery)
	}
}

func TestSortAndFilterDoesNotPermanentlyNarrowAllSessions(t *testing.T) {
	m := New(nil, 80, 24)
	m.allSessions = testSessions()
	m.searchQuery = "codx"
	m.sortAndFilter()
	if len(m.sessions) != 1 {
		t.Fatalf("filtered sessions = %d, want 1", len(m.sessions))
	}

	m.searchQuery = ""
	m.sortAndFilter()
	if len(m.sessions) != 3 {
		t.Errorf("after clearing the query, sessions = %d, want all 3 restored", len(m.sessions))
	}
}

func TestAppendChunkAdvancesCursorAndBuffersPayload(t *testing.T) {
	m := New(nil, 80, 24)
	m.appendChunk(model.OutputChunk{Sequence: 0, ChunkKind: model.ChunkData, Payload: "hello "})
	m.appendChunk(model.OutputChunk{Sequence: 1, ChunkKind: model.ChunkData, Payload: "world"})

	if got := m.attachBuf.String(); got != "hello world" {
		t.Errorf("attachBuf = %q, want %q", got, "hello world")
	}
	if m.attachCursor != 2 {
		t.Errorf("attachCursor = %d, want 2", m.attachCursor)
	}
	if m.attachEnded {
		t.Error("attachEnded should still be false")
	}
}

func TestAppendChunkAgentStopEndsAttach(t *testing.T) {
	m := New(nil, 80, 24)
	m.appendChunk(model.OutputChunk{Sequence: 0, ChunkKind: model.ChunkAgentStop})

	if !m.attachEnded {
		t.Error("expected attachEnded after a ChunkAgentStop")
	}
}

func TestAppendChunkInterestWindowClosedAddsNoPayload(t *testing.T) {
	m := New(nil, 80, 24)
	m.appendChunk(model.OutputChunk{Sequence: 0, ChunkKind: model.ChunkInterestWindowClosed, Payload: "should be ignored"})

	if m.attachBuf.Len() != 0 {
		t.Errorf("attachBuf = %q, want empty for an interest-window-closed chunk", m.attachBuf.String())
	}
	if m.attachCursor != 1 {
		t.Errorf("attachCursor = %d, want 1 (still advances)", m.attachCursor)
	}
}
