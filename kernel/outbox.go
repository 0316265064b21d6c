package kernel

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/kernel/internal/resilience"
)

var bucketOutbox = []byte("outbox")

// Outbox mediates exactly-once side effects: each logical effect is keyed
// by an idempotency key and moves through PENDING -> PROCESSING ->
// {COMMITTED, FAILED -> DEAD_LETTER}. It is backed by bbolt so the unique
// index on idempotencyKey is just the bucket key itself.
type Outbox struct {
	db *bbolt.DB
	mu sync.Mutex // serializes state transitions per key

	replayCache *replayCache

	executions metric.Int64Counter
	replays    metric.Int64Counter
}

// NewOutbox opens (or creates) a bbolt database at dbPath for outbox state.
func NewOutbox(dbPath string, meter metric.Meter) (*Outbox, error) {
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, &StateStoreError{Op: "open outbox", Err: err}
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketOutbox)
		return err
	}); err != nil {
		db.Close()
		return nil, &StateStoreError{Op: "init outbox bucket", Err: err}
	}
	executions, _ := meter.Int64Counter("kernel_outbox_executions_total")
	replays, _ := meter.Int64Counter("kernel_outbox_replays_total")
	return &Outbox{
		db:          db,
		replayCache: newReplayCache(2000, 30*time.Minute),
		executions:  executions,
		replays:     replays,
	}, nil
}

// Close releases the underlying database handle.
func (o *Outbox) Close() error { return o.db.Close() }

func (o *Outbox) get(key string) (*OutboxEntry, error) {
	var entry OutboxEntry
	found := false
	err := o.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketOutbox).Get([]byte(key))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &entry)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &entry, nil
}

func (o *Outbox) put(entry *OutboxEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return o.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketOutbox).Put([]byte(entry.IdempotencyKey), data)
	})
}

// Effect is the side-effecting function an outbox execution wraps.
type Effect func(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error)

// Execute runs fn at most once for idempotencyKey. A COMMITTED entry is
// replayed from the cache (or store) without invoking fn again; a
// DEAD_LETTER entry fails immediately.
func (o *Outbox) Execute(ctx context.Context, workflowID, taskID, toolID string, params map[string]interface{}, idempotencyKey string, fn Effect, maxAttempts int) (*OutboxEntry, error) {
	o.mu.Lock()
	if cached, ok := o.replayCache.get(idempotencyKey); ok {
		o.mu.Unlock()
		o.replays.Add(ctx, 1, metric.WithAttributes(attribute.String("tool", toolID)))
		replayed := *cached
		return &replayed, nil
	}
	entry, err := o.get(idempotencyKey)
	if err != nil {
		o.mu.Unlock()
		return nil, &StateStoreError{Op: "outbox get", Err: err}
	}

	if entry != nil {
		switch entry.State {
		case OutboxCommitted:
			o.mu.Unlock()
			o.replays.Add(ctx, 1, metric.WithAttributes(attribute.String("tool", toolID)))
			cached := *entry
			return &cached, nil
		case OutboxDeadLetter:
			o.mu.Unlock()
			return entry, &IdempotencyViolation{Key: idempotencyKey, Reason: "entry is dead-lettered"}
		case OutboxProcessing:
			o.mu.Unlock()
			return entry, &IdempotencyViolation{Key: idempotencyKey, Reason: "entry already in flight"}
		}
	} else {
		entry = &OutboxEntry{
			ID:             idempotencyKey,
			WorkflowID:     workflowID,
			TaskID:         taskID,
			ToolID:         toolID,
			Params:         params,
			IdempotencyKey: idempotencyKey,
			State:          OutboxPending,
			MaxAttempts:    maxAttempts,
			CreatedAt:      time.Now().UTC(),
		}
	}

	entry.State = OutboxProcessing
	entry.Attempts++
	entry.UpdatedAt = time.Now().UTC()
	if err := o.put(entry); err != nil {
		o.mu.Unlock()
		return nil, &StateStoreError{Op: "outbox mark processing", Err: err}
	}
	o.mu.Unlock()

	o.executions.Add(ctx, 1, metric.WithAttributes(attribute.String("tool", toolID)))

	result, execErr := fn(ctx, params)

	o.mu.Lock()
	defer o.mu.Unlock()

	if execErr == nil {
		entry.State = OutboxCommitted
		entry.Result = result
		entry.Error = ""
	} else {
		entry.Error = execErr.Error()
		if entry.Attempts >= entry.MaxAttempts {
			entry.State = OutboxDeadLetter
		} else {
			entry.State = OutboxFailed
		}
	}
	entry.UpdatedAt = time.Now().UTC()
	if err := o.put(entry); err != nil {
		return nil, &StateStoreError{Op: "outbox commit state", Err: err}
	}
	if entry.State == OutboxCommitted {
		o.replayCache.put(idempotencyKey, entry)
	}
	if execErr != nil {
		return entry, execErr
	}
	return entry, nil
}

// HasProcessingForWorkflow reports whether any entry belonging to workflowID
// is currently PROCESSING — the check Rollback uses to refuse disturbing
// world state out from under an in-flight side effect.
func (o *Outbox) HasProcessingForWorkflow(workflowID string) (bool, error) {
	found := false
	err := o.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketOutbox).ForEach(func(_, v []byte) error {
			var entry OutboxEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return nil
			}
			if entry.WorkflowID == workflowID && entry.State == OutboxProcessing {
				found = true
			}
			return nil
		})
	})
	return found, err
}

// GetByIdempotencyKey returns the entry for key, or nil if none exists.
func (o *Outbox) GetByIdempotencyKey(key string) (*OutboxEntry, error) {
	if cached, ok := o.replayCache.get(key); ok {
		return cached, nil
	}
	return o.get(key)
}

// ReconcileOptions configures a Reconcile pass.
type ReconcileOptions struct {
	MaxAge              time.Duration
	ProcessingThreshold time.Duration // default 5 minutes when zero
	AutoRetry           bool
}

// Reconcile scans PENDING/PROCESSING/FAILED entries newer than MaxAge:
// stuck PROCESSING entries are reset to PENDING, and FAILED entries are
// reset to PENDING when AutoRetry is set and attempts remain.
func (o *Outbox) Reconcile(ctx context.Context, opts ReconcileOptions) (int, error) {
	threshold := opts.ProcessingThreshold
	if threshold == 0 {
		threshold = 5 * time.Minute
	}
	now := time.Now().UTC()

	o.mu.Lock()
	defer o.mu.Unlock()

	reset := 0
	var toUpdate []*OutboxEntry
	err := o.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketOutbox).ForEach(func(k, v []byte) error {
			var entry OutboxEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return nil
			}
			if opts.MaxAge > 0 && now.Sub(entry.CreatedAt) > opts.MaxAge {
				return nil
			}
			switch entry.State {
			case OutboxProcessing:
				if now.Sub(entry.UpdatedAt) > threshold {
					entry.State = OutboxPending
					entry.UpdatedAt = now
					toUpdate = append(toUpdate, &entry)
				}
			case OutboxFailed:
				if opts.AutoRetry && entry.Attempts < entry.MaxAttempts {
					entry.State = OutboxPending
					entry.UpdatedAt = now
					toUpdate = append(toUpdate, &entry)
				}
			}
			return nil
		})
	})
	if err != nil {
		return 0, &StateStoreError{Op: "reconcile scan", Err: err}
	}
	for _, entry := range toUpdate {
		e := entry
		if _, err := resilience.Retry(ctx, 3, 50*time.Millisecond, func() (struct{}, error) {
			return struct{}{}, o.put(e)
		}); err != nil {
			return reset, &StateStoreError{Op: "reconcile update", Err: err}
		}
		reset++
	}
	return reset, nil
}

// Cleanup deletes COMMITTED entries older than olderThan, draining them
// from the replay cache too.
func (o *Outbox) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	o.mu.Lock()
	defer o.mu.Unlock()

	var toDelete [][]byte
	err := o.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketOutbox).ForEach(func(k, v []byte) error {
			var entry OutboxEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return nil
			}
			if entry.State == OutboxCommitted && entry.UpdatedAt.Before(cutoff) {
				key := make([]byte, len(k))
				copy(key, k)
				toDelete = append(toDelete, key)
			}
			return nil
		})
	})
	if err != nil {
		return 0, &StateStoreError{Op: "cleanup scan", Err: err}
	}

	err = o.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketOutbox)
		for _, key := range toDelete {
			if err := bucket.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, &StateStoreError{Op: "cleanup delete", Err: err}
	}
	for _, key := range toDelete {
		o.replayCache.delete(string(key))
	}
	return len(toDelete), nil
}

// replayCache is a bounded, TTL-evicting cache of committed outbox entries,
// shaped after the orchestrator's task-result cache: it exists purely to
// keep replay lookups for hot idempotency keys off the bbolt hot path.
type replayCache struct {
	mu      sync.Mutex
	entries map[string]*replayCacheEntry
	maxSize int
	ttl     time.Duration
}

type replayCacheEntry struct {
	entry     *OutboxEntry
	expiresAt time.Time
	lastUsed  time.Time
}

func newReplayCache(maxSize int, ttl time.Duration) *replayCache {
	rc := &replayCache{entries: make(map[string]*replayCacheEntry), maxSize: maxSize, ttl: ttl}
	go rc.evictExpired()
	return rc
}

func (rc *replayCache) evictExpired() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		rc.mu.Lock()
		now := time.Now()
		for key, e := range rc.entries {
			if now.After(e.expiresAt) {
				delete(rc.entries, key)
			}
		}
		rc.mu.Unlock()
	}
}

func (rc *replayCache) get(key string) (*OutboxEntry, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	e, ok := rc.entries[key]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	e.lastUsed = time.Now()
	return e.entry, true
}

func (rc *replayCache) put(key string, entry *OutboxEntry) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if len(rc.entries) >= rc.maxSize {
		rc.evictOldest()
	}
	rc.entries[key] = &replayCacheEntry{entry: entry, expiresAt: time.Now().Add(rc.ttl), lastUsed: time.Now()}
}

func (rc *replayCache) delete(key string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	delete(rc.entries, key)
}

func (rc *replayCache) evictOldest() {
	var oldestKey string
	var oldestTime time.Time
	for key, e := range rc.entries {
		if oldestKey == "" || e.lastUsed.Before(oldestTime) {
			oldestKey = key
			oldestTime = e.lastUsed
		}
	}
	if oldestKey != "" {
		delete(rc.entries, oldestKey)
	}
}
