package core

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"go.etcd.io/bbolt"
)

var diskTreeBucketName = []byte("index")

// diskTreeIndexFileName is the on-disk index file's fixed name inside
// the engine directory, matching the original's
// DISK_TREE_INDEX_FLIE_NAME constant.
const diskTreeIndexFileName = "disk_tree_index.store"

var diskTreeDeepcopySeq atomic.Uint64

// diskTreeIndex is the on-disk B+-tree backend, persisted with
// go.etcd.io/bbolt — an embedded, transactional, single-file B+-tree
// engine filling the role the original fills with jammdb. Every
// mutation commits as its own transaction; the backing file is removed
// when the index is closed, and the log is replayed into it on Open.
type diskTreeIndex struct {
	db            *bbolt.DB
	path          string
	removeOnClose bool
}

func openDiskTreeIndex(dir string) (*diskTreeIndex, error) {
	path := filepath.Join(dir, diskTreeIndexFileName)
	return newDiskTreeIndexAt(path, true)
}

func newDiskTreeIndexAt(path string, removeOnClose bool) (*diskTreeIndex, error) {
	db, err := bbolt.Open(path, 0o644, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open disk tree index %q: %w", path, err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(diskTreeBucketName)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init disk tree index bucket: %w", err)
	}

	return &diskTreeIndex{db: db, path: path, removeOnClose: removeOnClose}, nil
}

func (d *diskTreeIndex) Put(key string, ptr recordPointer) (recordPointer, bool) {
	var prev recordPointer
	var had bool

	_ = d.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(diskTreeBucketName)
		if v := b.Get([]byte(key)); v != nil {
			if p, err := decodeRecordPointer(v); err == nil {
				prev, had = p, true
			}
		}
		enc := ptr.encode()
		return b.Put([]byte(key), enc[:])
	})

	return prev, had
}

func (d *diskTreeIndex) Delete(key string) (recordPointer, bool) {
	var prev recordPointer
	var had bool

	_ = d.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(diskTreeBucketName)
		if v := b.Get([]byte(key)); v != nil {
			if p, err := decodeRecordPointer(v); err == nil {
				prev, had = p, true
			}
		}
		if had {
			return b.Delete([]byte(key))
		}
		return nil
	})

	return prev, had
}

func (d *diskTreeIndex) Get(key string) (recordPointer, bool) {
	var ptr recordPointer
	var had bool

	_ = d.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(diskTreeBucketName).Get([]byte(key))
		if v == nil {
			return nil
		}
		if p, err := decodeRecordPointer(v); err == nil {
			ptr, had = p, true
		}
		return nil
	})

	return ptr, had
}

func (d *diskTreeIndex) IterSnapshot() []indexEntry {
	var entries []indexEntry

	_ = d.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(diskTreeBucketName).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			ptr, err := decodeRecordPointer(v)
			if err != nil {
				continue
			}
			entries = append(entries, indexEntry{key: string(k), ptr: ptr})
		}
		return nil
	})

	return entries
}

// Deepcopy snapshots the bolt file to a fresh path inside the same
// directory and opens it as an independent index; the copy is removed
// when its Close is called.
func (d *diskTreeIndex) Deepcopy() keyIndex {
	dir := filepath.Dir(d.path)
	seq := diskTreeDeepcopySeq.Add(1)
	copyPath := filepath.Join(dir, fmt.Sprintf("disk_tree_index.deepcopy.%d.store", seq))

	if err := d.db.View(func(tx *bbolt.Tx) error {
		f, err := os.OpenFile(copyPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			return err
		}
		defer f.Close()
		return tx.Copy(f)
	}); err != nil {
		panic(fmt.Sprintf("core: disk tree index deepcopy failed: %v", err))
	}

	cp, err := newDiskTreeIndexAt(copyPath, true)
	if err != nil {
		panic(fmt.Sprintf("core: disk tree index deepcopy open failed: %v", err))
	}
	return cp
}

func (d *diskTreeIndex) Close() error {
	err := d.db.Close()
	if d.removeOnClose {
		if rerr := os.Remove(d.path); rerr != nil && err == nil {
			err = rerr
		}
	}
	return err
}
