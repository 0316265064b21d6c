package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	bucketWorkflowState = []byte("workflow_state")
	bucketTaskState     = []byte("task_state")
	bucketStateVersions = []byte("workflow_state_versions")
	bucketTenantIndex   = []byte("workflow_tenant_index")
)

// StateStore persists WorkflowState and TaskState keyed by (tenantId,
// workflowId): every record lives under a bucket key that encodes its owning
// tenant, so a lookup for a tenant that doesn't own the workflow has no key
// to find rather than finding the record and then being refused it.
type StateStore struct {
	db       *bbolt.DB
	mu       sync.RWMutex
	memCache map[string]*WorkflowState // keyed by workflowKey(tenantID, workflowID)

	// tenantIndex resolves a bare workflowID to its owning tenant, for the
	// internal callers (SaveTaskState's cold-load path) that know a workflow
	// exists but not yet which tenant owns it. It is never used to widen a
	// caller-supplied tenantID's visibility.
	tenantIndex map[string]string

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
}

// NewStateStore opens (or creates) a bbolt database at dbPath and warms its
// in-memory workflow cache.
func NewStateStore(dbPath string, meter metric.Meter) (*StateStore, error) {
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, &StateStoreError{Op: "open", Err: err}
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketWorkflowState, bucketTaskState, bucketStateVersions, bucketTenantIndex} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, &StateStoreError{Op: "init buckets", Err: err}
	}
	readLatency, _ := meter.Float64Histogram("kernel_state_store_read_ms")
	writeLatency, _ := meter.Float64Histogram("kernel_state_store_write_ms")
	s := &StateStore{
		db:           db,
		memCache:     make(map[string]*WorkflowState),
		tenantIndex:  make(map[string]string),
		readLatency:  readLatency,
		writeLatency: writeLatency,
	}
	if err := s.warmCache(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// workflowKey is the (tenantId, workflowId) composite bbolt key: tenantID is
// the prefix, so every key a tenant owns shares one scannable range and a
// key built from a different tenant's ID never collides with it.
func workflowKey(tenantID, workflowID string) []byte {
	key := make([]byte, 0, len(tenantID)+1+len(workflowID))
	key = append(key, tenantID...)
	key = append(key, ':')
	key = append(key, workflowID...)
	return key
}

func cacheKey(tenantID, workflowID string) string {
	return tenantID + ":" + workflowID
}

func (s *StateStore) warmCache() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		index := tx.Bucket(bucketTenantIndex)
		if err := index.ForEach(func(k, v []byte) error {
			s.tenantIndex[string(k)] = string(v)
			return nil
		}); err != nil {
			return err
		}
		b := tx.Bucket(bucketWorkflowState)
		return b.ForEach(func(k, v []byte) error {
			var ws WorkflowState
			if err := json.Unmarshal(v, &ws); err != nil {
				return nil
			}
			s.memCache[cacheKey(ws.TenantID, ws.WorkflowID)] = &ws
			return nil
		})
	})
}

// Close releases the underlying database handle.
func (s *StateStore) Close() error { return s.db.Close() }

// SaveWorkflowState persists ws atomically, keeping the previous blob in the
// versions bucket for forensic replay (supplemented from the teacher's
// workflow versioning, not a spec invariant).
func (s *StateStore) SaveWorkflowState(ctx context.Context, ws *WorkflowState) error {
	start := time.Now()
	defer func() {
		s.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("op", "save_workflow_state")))
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	ws.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(ws)
	if err != nil {
		return &StateStoreError{Op: "marshal", Err: err}
	}

	key := workflowKey(ws.TenantID, ws.WorkflowID)
	err = s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketWorkflowState)
		if existing := bucket.Get(key); existing != nil {
			versions := tx.Bucket(bucketStateVersions)
			versionKey := fmt.Sprintf("%s:%d", ws.WorkflowID, time.Now().UnixNano())
			if err := versions.Put([]byte(versionKey), existing); err != nil {
				return err
			}
		}
		if err := tx.Bucket(bucketTenantIndex).Put([]byte(ws.WorkflowID), []byte(ws.TenantID)); err != nil {
			return err
		}
		return bucket.Put(key, data)
	})
	if err != nil {
		return &StateStoreError{Op: "save_workflow_state", Err: err}
	}
	s.tenantIndex[ws.WorkflowID] = ws.TenantID
	s.memCache[cacheKey(ws.TenantID, ws.WorkflowID)] = ws
	return nil
}

// LoadWorkflowState returns the workflow, or (nil, false) if absent or owned
// by a different tenant than tenantID (when tenantID is non-empty). The
// tenant predicate is enforced by the key used to look the record up, not by
// inspecting the record after it is fetched: a wrong tenantID produces a key
// with no entry, so the wrong tenant's data is never unmarshalled at all. An
// empty tenantID is the internal, tenant-unscoped path (used by callers that
// already hold the workflow by some other tenant-checked route) and resolves
// the owning tenant through tenantIndex before the same keyed lookup runs.
func (s *StateStore) LoadWorkflowState(ctx context.Context, workflowID, tenantID string) (*WorkflowState, bool, error) {
	start := time.Now()
	defer func() {
		s.readLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("op", "load_workflow_state")))
	}()

	owner := tenantID
	if owner == "" {
		s.mu.RLock()
		owner = s.tenantIndex[workflowID]
		s.mu.RUnlock()
		if owner == "" {
			return nil, false, nil
		}
	}

	ck := cacheKey(owner, workflowID)
	s.mu.RLock()
	ws, found := s.memCache[ck]
	s.mu.RUnlock()

	if !found {
		var loaded WorkflowState
		err := s.db.View(func(tx *bbolt.Tx) error {
			data := tx.Bucket(bucketWorkflowState).Get(workflowKey(owner, workflowID))
			if data == nil {
				return nil
			}
			return json.Unmarshal(data, &loaded)
		})
		if err != nil {
			return nil, false, &StateStoreError{Op: "load_workflow_state", Err: err}
		}
		if loaded.WorkflowID == "" {
			return nil, false, nil
		}
		ws = &loaded
		s.mu.Lock()
		s.memCache[ck] = ws
		s.mu.Unlock()
	}

	return ws, true, nil
}

// SaveTaskState persists one task's state within a workflow, as part of the
// same WorkflowState write so the two never disagree.
func (s *StateStore) SaveTaskState(ctx context.Context, workflowID, taskID string, ts *TaskState) error {
	s.mu.RLock()
	owner := s.tenantIndex[workflowID]
	s.mu.RUnlock()
	var ws *WorkflowState
	if owner != "" {
		s.mu.RLock()
		ws = s.memCache[cacheKey(owner, workflowID)]
		s.mu.RUnlock()
	}
	if ws == nil {
		loaded, found, err := s.LoadWorkflowState(ctx, workflowID, "")
		if err != nil {
			return err
		}
		if !found {
			return &StateStoreError{Op: "save_task_state", Err: fmt.Errorf("workflow %s not found", workflowID)}
		}
		ws = loaded
	}
	s.mu.Lock()
	if ws.TaskStates == nil {
		ws.TaskStates = make(map[string]*TaskState)
	}
	ws.TaskStates[taskID] = ts
	s.mu.Unlock()
	return s.SaveWorkflowState(ctx, ws)
}

// LoadTaskState returns a single task's state, honoring the same tenant
// visibility rule as LoadWorkflowState: if the owning workflow is invisible
// to tenantID, the task is invisible too.
func (s *StateStore) LoadTaskState(ctx context.Context, workflowID, taskID, tenantID string) (*TaskState, bool, error) {
	ws, found, err := s.LoadWorkflowState(ctx, workflowID, tenantID)
	if err != nil || !found {
		return nil, false, err
	}
	ts, ok := ws.TaskStates[taskID]
	return ts, ok, nil
}

// ListWorkflowsByTenant returns every cached workflow owned by tenantID.
func (s *StateStore) ListWorkflowsByTenant(tenantID string) []*WorkflowState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*WorkflowState, 0)
	prefix := tenantID + ":"
	for key, ws := range s.memCache {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			out = append(out, ws)
		}
	}
	return out
}
