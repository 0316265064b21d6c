package kernel

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

var bucketMemory = []byte("memory_entries")

// MemoryStore is the bbolt-backed MemoryAPI a host program wires into an
// Orchestrator so a task's executor gains a durable, append-only provenance
// trail independent of the kernel's own event log. Entries are kept in
// per-workflow key ranges the same way EventLog keeps its streams.
type MemoryStore struct {
	db *bbolt.DB
	mu sync.Mutex
}

// NewMemoryStore opens (or creates) a bbolt database at dbPath for memory
// entries.
func NewMemoryStore(dbPath string) (*MemoryStore, error) {
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, &StateStoreError{Op: "open memory store", Err: err}
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketMemory)
		return err
	}); err != nil {
		db.Close()
		return nil, &StateStoreError{Op: "init memory bucket", Err: err}
	}
	return &MemoryStore{db: db}, nil
}

// Close releases the underlying database handle.
func (m *MemoryStore) Close() error { return m.db.Close() }

type memoryRecord struct {
	Content    string                 `json:"content"`
	Provenance string                 `json:"provenance"`
	Options    map[string]interface{} `json:"options"`
}

// Write appends one entry to workflowID's timeline, where workflowID is
// carried in options["workflowId"] (set by the orchestrator's call site).
// An entry with no workflowId is stored under the empty-string stream and is
// only reachable via ListTimeline("").
func (m *MemoryStore) Write(ctx context.Context, content string, provenance string, options map[string]interface{}) error {
	workflowID, _ := options["workflowId"].(string)
	rec := memoryRecord{Content: content, Provenance: provenance, Options: options}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketMemory)
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		return bucket.Put(eventKey(workflowID, seq), data)
	})
}

// ListTimeline returns workflowID's entries in write order.
func (m *MemoryStore) ListTimeline(ctx context.Context, workflowID string) ([]MemoryEntry, error) {
	prefix := append([]byte(workflowID), ':')
	var out []MemoryEntry
	err := m.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketMemory).Cursor()
		for k, v := cursor.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = cursor.Next() {
			var rec memoryRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			out = append(out, MemoryEntry{Content: rec.Content, Provenance: rec.Provenance, Options: rec.Options})
		}
		return nil
	})
	if err != nil {
		return nil, &StateStoreError{Op: "list_timeline", Err: err}
	}
	return out, nil
}
