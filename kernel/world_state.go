package kernel

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"sort"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// WorldStateStore is the kernel's keyed, versioned world model. It is
// backed by Badger rather than the bbolt-backed StateStore so the two
// persistence engines the orchestration domain actually uses both get
// exercised: Badger's transactional view/update model gives create/update/
// delete real MVCC-style optimistic concurrency via expectedVersion.
type WorldStateStore struct {
	db *badger.DB
	mu sync.Mutex // serializes read-modify-write of a key's version
}

const worldStateKeyPrefix = "ws:"

// OpenWorldStateStore opens (or creates) a Badger database at path.
func OpenWorldStateStore(path string) (*WorldStateStore, error) {
	opts := badger.DefaultOptions(filepath.Clean(path)).WithLoggingLevel(badger.WARNING)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, &StateStoreError{Op: "open world state", Err: err}
	}
	return &WorldStateStore{db: db}, nil
}

// Close releases the underlying database handle.
func (w *WorldStateStore) Close() error { return w.db.Close() }

func wsKey(key string) []byte { return []byte(worldStateKeyPrefix + key) }

// Create inserts key with an initial version of 1. It fails with
// ConflictError if the key already exists.
func (w *WorldStateStore) Create(key string, value interface{}) (WorldStateEntry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now().UTC()
	entry := WorldStateEntry{Key: key, Value: value, Version: 1, CreatedAt: now, UpdatedAt: now}
	err := w.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(wsKey(key)); err == nil {
			return &ConflictError{Key: key, ExpectedVersion: 0, ActualVersion: 1}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return txn.Set(wsKey(key), data)
	})
	if err != nil {
		return WorldStateEntry{}, err
	}
	return entry, nil
}

// Read returns the current entry for key, or (nil, false) if absent.
func (w *WorldStateStore) Read(key string) (*WorldStateEntry, bool, error) {
	var entry WorldStateEntry
	found := false
	err := w.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(wsKey(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(val, &entry); err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return nil, false, &StateStoreError{Op: "read world state", Err: err}
	}
	if !found {
		return nil, false, nil
	}
	return &entry, true, nil
}

// Update replaces key's value, requiring expectedVersion to match the
// currently stored version. A mismatch (including the key not existing)
// fails with ConflictError.
func (w *WorldStateStore) Update(key string, value interface{}, expectedVersion uint64) (WorldStateEntry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var result WorldStateEntry
	err := w.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(wsKey(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return &ConflictError{Key: key, ExpectedVersion: expectedVersion, ActualVersion: 0}
		}
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		var current WorldStateEntry
		if err := json.Unmarshal(val, &current); err != nil {
			return err
		}
		if current.Version != expectedVersion {
			return &ConflictError{Key: key, ExpectedVersion: expectedVersion, ActualVersion: current.Version}
		}
		result = WorldStateEntry{Key: key, Value: value, Version: current.Version + 1, CreatedAt: current.CreatedAt, UpdatedAt: time.Now().UTC()}
		data, err := json.Marshal(result)
		if err != nil {
			return err
		}
		return txn.Set(wsKey(key), data)
	})
	if err != nil {
		return WorldStateEntry{}, err
	}
	return result, nil
}

// Delete removes key, requiring expectedVersion to match.
func (w *WorldStateStore) Delete(key string, expectedVersion uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(wsKey(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return &ConflictError{Key: key, ExpectedVersion: expectedVersion, ActualVersion: 0}
		}
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		var current WorldStateEntry
		if err := json.Unmarshal(val, &current); err != nil {
			return err
		}
		if current.Version != expectedVersion {
			return &ConflictError{Key: key, ExpectedVersion: expectedVersion, ActualVersion: current.Version}
		}
		return txn.Delete(wsKey(key))
	})
}

// Snapshot returns an immutable copy of every entry currently stored.
func (w *WorldStateStore) Snapshot() (StateSnapshot, error) {
	entries := make(map[string]WorldStateEntry)
	err := w.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := []byte(worldStateKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var entry WorldStateEntry
			if err := json.Unmarshal(val, &entry); err != nil {
				continue
			}
			entries[entry.Key] = entry
		}
		return nil
	})
	if err != nil {
		return StateSnapshot{}, &StateStoreError{Op: "snapshot", Err: err}
	}
	return StateSnapshot{ID: uuid.NewString(), Entries: entries, TakenAt: time.Now().UTC()}, nil
}

// Diff returns the ordered, lexicographically-keyed delta between two
// snapshots.
func Diff(a, b StateSnapshot) []StateDiffEntry {
	keys := make(map[string]struct{})
	for k := range a.Entries {
		keys[k] = struct{}{}
	}
	for k := range b.Entries {
		keys[k] = struct{}{}
	}
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	var diffs []StateDiffEntry
	for _, k := range sorted {
		before, hadBefore := a.Entries[k]
		after, hadAfter := b.Entries[k]
		switch {
		case !hadBefore && hadAfter:
			afterCopy := after
			diffs = append(diffs, StateDiffEntry{Key: k, After: &afterCopy, Op: DiffCreate})
		case hadBefore && !hadAfter:
			beforeCopy := before
			diffs = append(diffs, StateDiffEntry{Key: k, Before: &beforeCopy, Op: DiffDelete})
		case hadBefore && hadAfter && before.Version != after.Version:
			beforeCopy, afterCopy := before, after
			diffs = append(diffs, StateDiffEntry{Key: k, Before: &beforeCopy, After: &afterCopy, Op: DiffUpdate})
		}
	}
	return diffs
}
