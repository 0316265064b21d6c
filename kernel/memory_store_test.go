package kernel

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestMemoryStore(t *testing.T) *MemoryStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "memory.db")
	m, err := NewMemoryStore(path)
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestMemoryStoreListTimelineReturnsOwnWorkflowEntriesInOrder(t *testing.T) {
	m := newTestMemoryStore(t)
	ctx := context.Background()

	for i, content := range []string{"first", "second", "third"} {
		if err := m.Write(ctx, content, "tool.a", map[string]interface{}{"workflowId": "wf-1", "step": i}); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	_ = m.Write(ctx, "other workflow", "tool.b", map[string]interface{}{"workflowId": "wf-2"})

	entries, err := m.ListTimeline(ctx, "wf-1")
	if err != nil {
		t.Fatalf("ListTimeline: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries for wf-1, got %d", len(entries))
	}
	for i, want := range []string{"first", "second", "third"} {
		if entries[i].Content != want {
			t.Fatalf("entry %d: expected %q, got %q", i, want, entries[i].Content)
		}
		if entries[i].Provenance != "tool.a" {
			t.Fatalf("entry %d: expected provenance tool.a, got %q", i, entries[i].Provenance)
		}
	}
}

func TestMemoryStoreListTimelineEmptyForUnknownWorkflow(t *testing.T) {
	m := newTestMemoryStore(t)
	entries, err := m.ListTimeline(context.Background(), "never-written")
	if err != nil {
		t.Fatalf("ListTimeline: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no entries, got %d", len(entries))
	}
}
