package core

import (
	"fmt"
	"sync"
)

// batchedEntry is the staged form of one key's pending mutation within
// a BatchedWrite; last write for a key wins.
type batchedEntry struct {
	isDelete bool
	value    []byte
}

// BatchedWrite accumulates staged puts and deletes in memory and
// commits them atomically: either every staged mutation becomes
// visible together, or (on a crash before the terminating BatchDone is
// durable) none of them do.
type BatchedWrite struct {
	store *Store
	cfg   BatchedConfig

	mu      sync.Mutex
	staging map[string]batchedEntry
}

func newBatchedWrite(s *Store) *BatchedWrite {
	return &BatchedWrite{store: s, cfg: s.batchCfg, staging: make(map[string]batchedEntry)}
}

// Put stages key→value, overwriting any earlier staged entry for key.
func (bw *BatchedWrite) Put(key, value []byte) error {
	if len(key) == 0 {
		return ErrKeyIsEmpty
	}

	bw.mu.Lock()
	defer bw.mu.Unlock()

	if _, exists := bw.staging[string(key)]; !exists && bw.cfg.MaxBatchSize > 0 && len(bw.staging) >= bw.cfg.MaxBatchSize {
		return ErrBatchOverflow
	}

	bw.staging[string(key)] = batchedEntry{value: value}
	return nil
}

// Delete stages a tombstone for key, overwriting any earlier staged
// entry for key.
func (bw *BatchedWrite) Delete(key []byte) error {
	if len(key) == 0 {
		return ErrKeyIsEmpty
	}

	bw.mu.Lock()
	defer bw.mu.Unlock()

	if _, exists := bw.staging[string(key)]; !exists && bw.cfg.MaxBatchSize > 0 && len(bw.staging) >= bw.cfg.MaxBatchSize {
		return ErrBatchOverflow
	}

	bw.staging[string(key)] = batchedEntry{isDelete: true}
	return nil
}

// Commit reserves a fresh batch id, appends every staged mutation as
// an in-batch record, and appends a terminating BatchDone marker.
// Only once that marker is written (and fsynced, when SyncEveryWrite
// is set) does it apply the staged mutations to the store's index; on any append failure the index is
// untouched and the staging buffer survives so the caller can retry
// or abandon the batch.
func (bw *BatchedWrite) Commit() error {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	if len(bw.staging) == 0 {
		return nil
	}

	s := bw.store

	s.batchCommitLock.Lock()
	defer s.batchCommitLock.Unlock()

	batchID := s.batchID.Add(1) - 1

	type pendingApply struct {
		key      string
		isDelete bool
		ptr      recordPointer
	}

	applied := make([]pendingApply, 0, len(bw.staging))

	for key, entry := range bw.staging {
		var rec record
		if entry.isDelete {
			rec = record{kind: kindTombInBatch, batchID: batchID, key: []byte(key)}
		} else {
			rec = record{kind: kindDataInBatch, batchID: batchID, key: []byte(key), value: entry.value}
		}

		ptr, err := s.appendToActive(rec, false)
		if err != nil {
			return fmt.Errorf("commit batch %d: append key %q: %w", batchID, key, err)
		}

		applied = append(applied, pendingApply{key: key, isDelete: entry.isDelete, ptr: ptr})
	}

	done := record{kind: kindBatchDone, batchID: batchID}
	if _, err := s.appendToActive(done, bw.cfg.SyncEveryWrite); err != nil {
		return fmt.Errorf("commit batch %d: append done marker: %w", batchID, err)
	}

	for _, a := range applied {
		if a.isDelete {
			s.index.Delete(a.key)
		} else {
			s.index.Put(a.key, a.ptr)
		}
	}

	bw.staging = make(map[string]batchedEntry)
	return nil
}
