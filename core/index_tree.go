package core

import (
	"sync"

	"github.com/benbjohnson/immutable"
)

// treeIndex is the ordered in-memory tree backend: a single-writer,
// many-reader map over an immutable.SortedMap. Because the underlying
// map is itself a persistent structure, Deepcopy is an O(1) structural
// share of the current root rather than a full clone; IterSnapshot takes
// the same share under the lock and then walks it into a new slice.
type treeIndex struct {
	mu sync.RWMutex
	m  *immutable.SortedMap[string, recordPointer]
}

func newTreeIndex() *treeIndex {
	return &treeIndex{m: immutable.NewSortedMap[string, recordPointer](nil)}
}

func (t *treeIndex) Put(key string, ptr recordPointer) (recordPointer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev, had := t.m.Get(key)
	t.m = t.m.Set(key, ptr)
	return prev, had
}

func (t *treeIndex) Delete(key string) (recordPointer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev, had := t.m.Get(key)
	if had {
		t.m = t.m.Delete(key)
	}
	return prev, had
}

func (t *treeIndex) Get(key string) (recordPointer, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.m.Get(key)
}

func (t *treeIndex) IterSnapshot() []indexEntry {
	t.mu.RLock()
	m := t.m
	t.mu.RUnlock()

	entries := make([]indexEntry, 0, m.Len())
	itr := m.Iterator()
	for !itr.Done() {
		k, v := itr.Next()
		entries = append(entries, indexEntry{key: k, ptr: v})
	}
	return entries
}

func (t *treeIndex) Deepcopy() keyIndex {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return &treeIndex{m: t.m}
}

func (t *treeIndex) Close() error { return nil }
