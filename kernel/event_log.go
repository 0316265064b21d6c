package kernel

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

var bucketEvents = []byte("events")

// EventLog is an append-only, per-workflow event stream. Unlike the audit
// chain it carries no hash linkage — tamper-evidence is the audit chain's
// job (§4.4); the event log only guarantees append-only, tenant-filtered,
// per-workflow total order.
type EventLog struct {
	db *bbolt.DB
	mu sync.Mutex // serializes sequence allocation per process
}

// NewEventLog opens (or creates) a bbolt database at dbPath for event
// storage, keyed by workflowID so a per-workflow stream is a contiguous key
// range.
func NewEventLog(dbPath string) (*EventLog, error) {
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, &StateStoreError{Op: "open event log", Err: err}
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEvents)
		return err
	}); err != nil {
		db.Close()
		return nil, &StateStoreError{Op: "init event bucket", Err: err}
	}
	return &EventLog{db: db}, nil
}

// Close releases the underlying database handle.
func (l *EventLog) Close() error { return l.db.Close() }

func eventKey(workflowID string, sequence uint64) []byte {
	key := make([]byte, len(workflowID)+1+8)
	copy(key, workflowID)
	key[len(workflowID)] = ':'
	binary.BigEndian.PutUint64(key[len(workflowID)+1:], sequence)
	return key
}

// Append writes ev to its workflow's stream, assigning the next sequence
// number for that workflow. Events are never mutated after appending.
func (l *EventLog) Append(ctx context.Context, ev Event) (Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	err := l.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketEvents)
		seq, err := l.nextSequence(bucket, ev.WorkflowID)
		if err != nil {
			return err
		}
		ev.Sequence = seq
		ev.Timestamp = time.Now().UTC()
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		return bucket.Put(eventKey(ev.WorkflowID, seq), data)
	})
	if err != nil {
		return Event{}, &StateStoreError{Op: "append event", Err: err}
	}
	return ev, nil
}

func (l *EventLog) nextSequence(bucket *bbolt.Bucket, workflowID string) (uint64, error) {
	prefix := append([]byte(workflowID), ':')
	cursor := bucket.Cursor()
	max := uint64(0)
	for k, _ := cursor.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = cursor.Next() {
		seq := binary.BigEndian.Uint64(k[len(prefix):])
		if seq > max {
			max = seq
		}
	}
	return max + 1, nil
}

// Read returns a workflow's events in append order, filtered by tenantID
// when non-empty: an event lacking tenantID is invisible to every tenant.
func (l *EventLog) Read(ctx context.Context, workflowID, tenantID string) ([]Event, error) {
	var events []Event
	prefix := append([]byte(workflowID), ':')
	err := l.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketEvents).Cursor()
		for k, v := cursor.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = cursor.Next() {
			var ev Event
			if err := json.Unmarshal(v, &ev); err != nil {
				continue
			}
			if tenantID != "" && ev.TenantID != tenantID {
				continue
			}
			events = append(events, ev)
		}
		return nil
	})
	if err != nil {
		return nil, &StateStoreError{Op: "read events", Err: err}
	}
	return events, nil
}

// ReadByTenant scans every workflow's stream for events tagged with
// tenantID.
func (l *EventLog) ReadByTenant(ctx context.Context, tenantID string) ([]Event, error) {
	var events []Event
	err := l.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEvents).ForEach(func(k, v []byte) error {
			var ev Event
			if err := json.Unmarshal(v, &ev); err != nil {
				return nil
			}
			if ev.TenantID == tenantID {
				events = append(events, ev)
			}
			return nil
		})
	})
	if err != nil {
		return nil, &StateStoreError{Op: "read by tenant", Err: err}
	}
	return events, nil
}

// ExportEvents returns a tenant's events within [from, to], inclusive.
func (l *EventLog) ExportEvents(ctx context.Context, tenantID string, from, to time.Time) ([]Event, error) {
	all, err := l.ReadByTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(all))
	for _, ev := range all {
		if ev.Timestamp.Before(from) || ev.Timestamp.After(to) {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func hasPrefix(data, prefix []byte) bool {
	if len(data) < len(prefix) {
		return false
	}
	for i := range prefix {
		if data[i] != prefix[i] {
			return false
		}
	}
	return true
}
