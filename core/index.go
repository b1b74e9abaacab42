package core

import "sort"

// indexEntry is one (key, pointer) pair as produced by a key index
// snapshot; snapshots are always returned in ascending key order.
type indexEntry struct {
	key string
	ptr recordPointer
}

// keyIndex is the capability set the store depends on. Three
// interchangeable implementations exist: an ordered in-memory tree
// (treeIndex), a concurrent skip list (skiplistIndex), and an on-disk
// B+-tree (diskTreeIndex).
type keyIndex interface {
	// Put inserts or overwrites key's pointer, returning the
	// previous pointer if one existed.
	Put(key string, ptr recordPointer) (prev recordPointer, had bool)
	// Delete removes key's entry, returning the previous pointer if
	// one existed.
	Delete(key string) (prev recordPointer, had bool)
	Get(key string) (recordPointer, bool)
	// IterSnapshot returns every (key, pointer) pair in ascending
	// key order as of the call.
	IterSnapshot() []indexEntry
	// Deepcopy returns an independent index holding the same
	// entries as of the call; later mutations to either index do
	// not affect the other.
	Deepcopy() keyIndex
	// Close releases any resources the index owns (the on-disk
	// variant removes its backing file).
	Close() error
}

// IteratorOptions builds a snapshot KeyIterator over a store's index.
// Reverse toggles; WithPrefix may be set at most once.
type IteratorOptions struct {
	idx      keyIndex
	reversed bool
	prefix   *string
}

func newIteratorOptions(idx keyIndex) *IteratorOptions {
	return &IteratorOptions{idx: idx}
}

// Reverse toggles descending iteration order. Calling it twice
// restores ascending order.
func (o *IteratorOptions) Reverse() *IteratorOptions {
	o.reversed = !o.reversed
	return o
}

// WithPrefix restricts iteration to keys with the given prefix. Setting
// it a second time is a programming error.
func (o *IteratorOptions) WithPrefix(prefix string) *IteratorOptions {
	if o.prefix != nil {
		panic("core: WithPrefix set twice on the same IteratorOptions")
	}
	o.prefix = &prefix
	return o
}

// Make materializes the snapshot: filter by prefix (if any), then
// reverse (if set), then collect into a fixed slice that backs the
// returned KeyIterator.
func (o *IteratorOptions) Make() *KeyIterator {
	entries := o.idx.IterSnapshot()

	if o.prefix != nil {
		filtered := make([]indexEntry, 0, len(entries))
		for _, e := range entries {
			if len(e.key) >= len(*o.prefix) && e.key[:len(*o.prefix)] == *o.prefix {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}

	if o.reversed {
		for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
			entries[i], entries[j] = entries[j], entries[i]
		}
	}

	return &KeyIterator{entries: entries}
}

// KeyIterator is a snapshot iterator: its key set is fixed at Make()
// time, but nothing about the referenced values is resolved until a
// caller dereferences the pointer itself (see KvIterator).
type KeyIterator struct {
	entries []indexEntry
	pos     int
}

// Rewind resets iteration to the first entry.
func (it *KeyIterator) Rewind() {
	it.pos = 0
}

// Find positions the iterator so the next call to Next yields the
// first key greater than or equal to key, via binary search. Find
// assumes the iterator's current entries are in ascending key order
// (the default; behavior with Reverse() set is unspecified, matching
// the original implementation this is grounded on).
func (it *KeyIterator) Find(key string) {
	it.pos = sort.Search(len(it.entries), func(i int) bool {
		return it.entries[i].key >= key
	})
}

// Next returns the next (key, pointer) pair, or ok=false when the
// iterator is exhausted.
func (it *KeyIterator) Next() (key string, ptr recordPointer, ok bool) {
	if it.pos >= len(it.entries) {
		return "", recordPointer{}, false
	}
	e := it.entries[it.pos]
	it.pos++
	return e.key, e.ptr, true
}

// kvResolver dereferences a record pointer to its value; the store
// itself implements this.
type kvResolver interface {
	getAt(ptr recordPointer) ([]byte, error)
}

// KvIterator wraps a KeyIterator, resolving each pointer to its value
// lazily, at Next() time, rather than up front.
type KvIterator struct {
	keys     *KeyIterator
	resolver kvResolver
}

func newKvIterator(keys *KeyIterator, resolver kvResolver) *KvIterator {
	return &KvIterator{keys: keys, resolver: resolver}
}

func (it *KvIterator) Rewind() { it.keys.Rewind() }

func (it *KvIterator) Find(key string) { it.keys.Find(key) }

// Next returns the next (key, value) pair. err is non-nil only if the
// underlying pointer could not be dereferenced — a sign of directory
// corruption, since the index should never point at a missing record.
func (it *KvIterator) Next() (key string, value []byte, ok bool, err error) {
	k, ptr, ok := it.keys.Next()
	if !ok {
		return "", nil, false, nil
	}
	value, err = it.resolver.getAt(ptr)
	if err != nil {
		return k, nil, true, err
	}
	return k, value, true, nil
}
