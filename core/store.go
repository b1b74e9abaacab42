package core

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"sync/atomic"

	mapset "github.com/deckarep/golang-set/v2"
)

var segmentFileRE = regexp.MustCompile(`^(\d{10})\.store$`)

// Store is the engine's public handle: one open instance owns its
// directory's exclusive lock, every segment file handle, and the
// in-memory index built from them.
type Store struct {
	dir      string
	storeCfg StoreConfig
	fileCfg  FileConfig
	batchCfg BatchedConfig

	lock *directoryLock

	activeMu sync.RWMutex
	active   *fileHandle

	legacyMu sync.RWMutex
	legacy   map[uint32]*fileHandle

	index keyIndex

	activeFileID atomic.Uint32
	batchID      atomic.Uint64

	batchCommitLock sync.Mutex
	mergeLock       sync.Mutex

	closeOnce sync.Once
}

// Open ensures the directory exists, acquires the exclusive lock,
// finalizes any interrupted merge, recovers the index by replaying the
// log, and opens every segment (legacy ones memory-mapped read-only,
// the newest one as the writable active segment).
func Open(storeCfg StoreConfig, fileCfg FileConfig, batchCfg BatchedConfig) (st *Store, err error) {
	if fileCfg == (FileConfig{}) {
		fileCfg = defaultFileConfig()
	}
	if batchCfg == (BatchedConfig{}) {
		batchCfg = defaultBatchedConfig()
	}

	dir := storeCfg.Dir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCreateDirFailure, err)
	}

	lock, err := acquireDirectoryLock(dir)
	if err != nil {
		return nil, err
	}

	// On any error past this point the lock must be released, and
	// any segment handles opened so far must be closed.
	s := &Store{
		dir:      dir,
		storeCfg: storeCfg,
		fileCfg:  fileCfg,
		batchCfg: batchCfg,
		lock:     lock,
		legacy:   make(map[uint32]*fileHandle),
	}

	defer func() {
		if err != nil {
			s.abortOnOpen()
		}
	}()

	if ferr := finalizeMerge(dir); ferr != nil && !errors.Is(ferr, ErrMergeNotFound) {
		err = ferr
		return nil, err
	}

	ids, ferr := listSegmentIDs(dir)
	if ferr != nil {
		err = ferr
		return nil, err
	}

	if ferr := checkOrphanedFiles(dir, ids, storeCfg.IndexType); ferr != nil {
		logf("checkOrphanedFiles: %v", ferr)
	}

	var handles []*fileHandle
	if len(ids) == 0 {
		fh, ferr := newWritableFileHandle(dir, 0, fileCfg.MaxFileSize)
		if ferr != nil {
			err = ferr
			return nil, err
		}
		s.active = fh
		s.activeFileID.Store(0)
		s.batchID.Store(1)
	} else {
		for i, id := range ids {
			if i == len(ids)-1 {
				fh, ferr := openExistingWritableFileHandle(dir, id, fileCfg.MaxFileSize)
				if ferr != nil {
					err = ferr
					return nil, err
				}
				s.active = fh
				s.activeFileID.Store(id)
				handles = append(handles, fh)
				continue
			}

			fh, ferr := openLegacyFileHandle(dir, id, true)
			if ferr != nil {
				err = ferr
				return nil, err
			}
			s.legacy[id] = fh
			handles = append(handles, fh)
		}
	}

	idx, ferr := storeCfg.IndexType.build(dir)
	if ferr != nil {
		err = ferr
		return nil, err
	}
	s.index = idx

	if len(handles) > 0 {
		newestBatchID, rerr := recoverIndex(handles, idx)
		if rerr != nil {
			err = fmt.Errorf("recover index: %w", rerr)
			return nil, err
		}
		s.batchID.Store(newestBatchID + 1)
	}

	return s, nil
}

func (s *Store) abortOnOpen() {
	if s.active != nil {
		_ = s.active.Close()
	}
	for _, fh := range s.legacy {
		_ = fh.Close()
	}
	if s.index != nil {
		_ = s.index.Close()
	}
	if s.lock != nil {
		_ = s.lock.Release()
	}
}

func listSegmentIDs(dir string) ([]uint32, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read dir %q: %w", dir, err)
	}

	var ids []uint32
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := segmentFileRE.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		var id uint32
		if _, err := fmt.Sscanf(m[1], "%d", &id); err != nil {
			continue
		}
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// checkOrphanedFiles warns (but never fails Open) about files in the
// directory that are neither segments, the lock file, nor the selected
// index's own file — typically a deepcopy artifact left behind by a
// merge that crashed mid-compact.
func checkOrphanedFiles(dir string, ids []uint32, idxType IndexType) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read dir: %w", err)
	}

	expected := mapset.NewSet[string]()
	for _, id := range ids {
		expected.Add(segmentFileName(id))
	}
	expected.Add(lockFileName)
	if idxType == IndexDiskTree {
		expected.Add(diskTreeIndexFileName)
	}

	actual := mapset.NewSet[string]()
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		actual.Add(e.Name())
	}

	if res := actual.Difference(expected); res.Cardinality() != 0 {
		return fmt.Errorf("orphaned files: %v", res.ToSlice())
	}
	return nil
}

func (s *Store) fileHandleFor(fileID uint32) (*fileHandle, error) {
	s.activeMu.RLock()
	if s.active != nil && s.active.id == fileID {
		fh := s.active
		s.activeMu.RUnlock()
		return fh, nil
	}
	s.activeMu.RUnlock()

	s.legacyMu.RLock()
	fh, ok := s.legacy[fileID]
	s.legacyMu.RUnlock()
	if !ok {
		return nil, &StoreFileNotFoundError{FileID: fileID}
	}
	return fh, nil
}

// getAt dereferences a record pointer to its value. It implements
// kvResolver for KvIterator as well as backing Get.
func (s *Store) getAt(ptr recordPointer) ([]byte, error) {
	fh, err := s.fileHandleFor(ptr.FileID)
	if err != nil {
		return nil, err
	}

	rec, _, err := fh.ReadAtOffset(ptr.Offset)
	if err != nil {
		return nil, err
	}

	switch rec.kind {
	case kindData, kindDataInBatch:
		return rec.value, nil
	default:
		return nil, ErrKeyNotFound
	}
}

// appendToActive encodes and appends rec to the current active
// segment, rotating to a fresh segment first if the append would
// overflow it. The initial overflowing attempt writes nothing.
func (s *Store) appendToActive(rec record, fsync bool) (recordPointer, error) {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()

	ptr, err := s.active.TryAppend(rec)
	if err != nil {
		if !errors.Is(err, errBufferOverflow) {
			return recordPointer{}, err
		}
		if err := s.rotateLocked(); err != nil {
			return recordPointer{}, err
		}
		ptr, err = s.active.TryAppend(rec)
		if err != nil {
			return recordPointer{}, err
		}
	}

	if fsync {
		if err := s.active.Sync(); err != nil {
			return recordPointer{}, fmt.Errorf("fsync active segment: %w", err)
		}
	}

	return ptr, nil
}

// rotateLocked must be called with activeMu held for write. It fsyncs
// the current active segment, demotes it to a memory-mapped legacy
// handle, and makes a fresh segment active.
func (s *Store) rotateLocked() error {
	if err := s.active.Sync(); err != nil {
		return fmt.Errorf("sync active segment before rotation: %w", err)
	}

	oldID := s.active.id
	if err := s.active.Close(); err != nil {
		return fmt.Errorf("close rotated segment %d: %w", oldID, err)
	}

	legacyHandle, err := openLegacyFileHandle(s.dir, oldID, true)
	if err != nil {
		return fmt.Errorf("reopen rotated segment %d: %w", oldID, err)
	}

	s.legacyMu.Lock()
	s.legacy[oldID] = legacyHandle
	s.legacyMu.Unlock()

	newID := s.activeFileID.Add(1)
	newActive, err := newWritableFileHandle(s.dir, newID, s.fileCfg.MaxFileSize)
	if err != nil {
		return fmt.Errorf("create segment %d: %w", newID, err)
	}
	s.active = newActive
	return nil
}

// Put appends a Data record and indexes it. May trigger segment
// rotation.
func (s *Store) Put(key, value []byte) (recordPointer, error) {
	if len(key) == 0 {
		return recordPointer{}, ErrKeyIsEmpty
	}

	ptr, err := s.appendToActive(record{kind: kindData, key: key, value: value}, s.storeCfg.SyncEveryWrite)
	if err != nil {
		return recordPointer{}, err
	}

	s.index.Put(string(key), ptr)
	return ptr, nil
}

// Get returns the current value for key, or ErrKeyNotFound if it is
// missing or tombstoned.
func (s *Store) Get(key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, ErrKeyIsEmpty
	}

	ptr, ok := s.index.Get(string(key))
	if !ok {
		return nil, ErrKeyNotFound
	}

	return s.getAt(ptr)
}

// Delete appends a Tomb record and removes the key's index entry.
func (s *Store) Delete(key []byte) (recordPointer, error) {
	if len(key) == 0 {
		return recordPointer{}, ErrKeyIsEmpty
	}

	if _, ok := s.index.Get(string(key)); !ok {
		return recordPointer{}, ErrKeyNotFound
	}

	ptr, err := s.appendToActive(record{kind: kindTomb, key: key}, s.storeCfg.SyncEveryWrite)
	if err != nil {
		return recordPointer{}, err
	}

	s.index.Delete(string(key))
	return ptr, nil
}

// NewBatched returns a handle for accumulating staged writes against
// this Store.
func (s *Store) NewBatched() *BatchedWrite {
	return newBatchedWrite(s)
}

// IterOptions returns a builder for a snapshot key iterator.
func (s *Store) IterOptions() *IteratorOptions {
	return newIteratorOptions(s.index)
}

// KvIterOptions returns a builder whose Make() lazily resolves values.
func (s *Store) KvIterOptions() *kvIterOptionsBuilder {
	return &kvIterOptionsBuilder{keyOpts: newIteratorOptions(s.index), store: s}
}

type kvIterOptionsBuilder struct {
	keyOpts *IteratorOptions
	store   *Store
}

func (b *kvIterOptionsBuilder) Reverse() *kvIterOptionsBuilder {
	b.keyOpts.Reverse()
	return b
}

func (b *kvIterOptionsBuilder) WithPrefix(prefix string) *kvIterOptionsBuilder {
	b.keyOpts.WithPrefix(prefix)
	return b
}

func (b *kvIterOptionsBuilder) Make() *KvIterator {
	return newKvIterator(b.keyOpts.Make(), b.store)
}

// ListKeys returns every key in the index, in ascending
// byte-lexicographic order, from a fresh snapshot.
func (s *Store) ListKeys() []string {
	entries := s.index.IterSnapshot()
	keys := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = e.key
	}
	return keys
}

// Fold iterates key/value pairs in ascending key order until fn
// returns false or the snapshot is exhausted.
func (s *Store) Fold(fn func(key string, value []byte) bool) error {
	it := newKvIterator(newIteratorOptions(s.index).Make(), s)
	for {
		k, v, ok, err := it.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if !fn(k, v) {
			return nil
		}
	}
}

// Sync flushes the active segment to durable storage.
func (s *Store) Sync() error {
	s.activeMu.RLock()
	defer s.activeMu.RUnlock()
	return s.active.Sync()
}

// BlockingCopyTo produces a consistent directory snapshot at destDir,
// blocking writers, batch commits, and merges for the duration. Lock
// order matches the original: active segment write lock, then the
// batch commit lock, then the merge lock.
func (s *Store) BlockingCopyTo(destDir string) error {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	s.batchCommitLock.Lock()
	defer s.batchCommitLock.Unlock()
	s.mergeLock.Lock()
	defer s.mergeLock.Unlock()

	return copyDirTree(s.dir, destDir)
}

func copyDirTree(srcDir, dstDir string) error {
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return fmt.Errorf("mkdir %q: %w", dstDir, err)
	}

	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return fmt.Errorf("read dir %q: %w", srcDir, err)
	}

	for _, e := range entries {
		srcPath := filepath.Join(srcDir, e.Name())
		dstPath := filepath.Join(dstDir, e.Name())

		if e.IsDir() {
			if err := copyDirTree(srcPath, dstPath); err != nil {
				return err
			}
			continue
		}

		if err := copyFile(srcPath, dstPath); err != nil {
			return err
		}
	}

	return nil
}

func copyFile(srcPath, dstPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("open %q: %w", srcPath, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(dstPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create %q: %w", dstPath, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("copy %q -> %q: %w", srcPath, dstPath, err)
	}

	return dst.Sync()
}

// Close fsyncs the active segment, closes every segment handle and the
// index, and releases the directory lock. Safe to call once.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.activeMu.Lock()
		if syncErr := s.active.Sync(); syncErr != nil {
			err = errors.Join(err, fmt.Errorf("sync active segment: %w", syncErr))
		}
		if closeErr := s.active.Close(); closeErr != nil {
			err = errors.Join(err, fmt.Errorf("close active segment: %w", closeErr))
		}
		s.activeMu.Unlock()

		s.legacyMu.Lock()
		for id, fh := range s.legacy {
			if closeErr := fh.Close(); closeErr != nil {
				err = errors.Join(err, fmt.Errorf("close legacy segment %d: %w", id, closeErr))
			}
		}
		s.legacyMu.Unlock()

		if closeErr := s.index.Close(); closeErr != nil {
			err = errors.Join(err, fmt.Errorf("close index: %w", closeErr))
		}

		if lockErr := s.lock.Release(); lockErr != nil {
			err = errors.Join(err, lockErr)
		}
	})
	return err
}
