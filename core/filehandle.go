package core

import (
	"bufio"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"
)

const maxSectionLen = 1<<63 - 1

// segmentFileName returns the on-disk name for segment id, a
// zero-padded decimal so a directory listing sorts in file id order.
func segmentFileName(id uint32) string {
	return fmt.Sprintf("%010d.store", id)
}

func segmentPath(dir string, id uint32) string {
	return filepath.Join(dir, segmentFileName(id))
}

// fileHandle wraps one segment's ioLayer: an atomic write offset, a
// cap on how large the segment may grow, and the append/read/sync
// operations the store and the recovery scanner both use.
type fileHandle struct {
	id          uint32
	io          ioLayer
	writeOffset uint64 // atomic; next append position
	maxFileSize uint64
	writable    bool
	appendMu    sync.Mutex // serializes the check-then-write in TryAppend
}

func newWritableFileHandle(dir string, id uint32, maxFileSize uint64) (*fileHandle, error) {
	fio, err := createFileIO(segmentPath(dir, id))
	if err != nil {
		return nil, err
	}
	return &fileHandle{id: id, io: fio, maxFileSize: maxFileSize, writable: true}, nil
}

// openExistingWritableFileHandle reopens a segment left active at the
// last close (or, during merge, a segment under construction) and
// positions its write offset at the current file size.
func openExistingWritableFileHandle(dir string, id uint32, maxFileSize uint64) (*fileHandle, error) {
	fio, err := openFileIO(segmentPath(dir, id))
	if err != nil {
		return nil, err
	}
	return &fileHandle{id: id, io: fio, maxFileSize: maxFileSize, writable: true, writeOffset: uint64(fio.Size())}, nil
}

// openLegacyFileHandle opens a rotated, immutable segment read-only,
// memory-mapped when mmap is true.
func openLegacyFileHandle(dir string, id uint32, mmap bool) (*fileHandle, error) {
	path := segmentPath(dir, id)
	var lio ioLayer
	var err error
	if mmap {
		lio, err = openMmapIO(path)
	} else {
		lio, err = openFileIO(path)
	}
	if err != nil {
		return nil, err
	}
	return &fileHandle{id: id, io: lio, writable: false, writeOffset: uint64(lio.Size())}, nil
}

// TryAppend encodes rec and appends it in a single write, never writing
// a partial record. It returns errBufferOverflow without touching the
// file when the encoded record would push the segment past its size
// cap — the caller is expected to rotate to a new segment and retry.
func (fh *fileHandle) TryAppend(rec record) (recordPointer, error) {
	if !fh.writable {
		return recordPointer{}, fmt.Errorf("filehandle: segment %d is read-only", fh.id)
	}

	encoded := rec.encode()

	fh.appendMu.Lock()
	defer fh.appendMu.Unlock()

	offset := atomic.LoadUint64(&fh.writeOffset)
	if fh.maxFileSize > 0 && offset+uint64(len(encoded)) > fh.maxFileSize {
		return recordPointer{}, errBufferOverflow
	}

	n, err := fh.io.Write(encoded)
	if err != nil {
		return recordPointer{}, fmt.Errorf("write segment %d: %w", fh.id, err)
	}

	atomic.AddUint64(&fh.writeOffset, uint64(n))
	return recordPointer{FileID: fh.id, Offset: offset}, nil
}

// ReadAtOffset decodes exactly one CRC-verified record starting at
// offset, returning the number of bytes it occupies on disk.
func (fh *fileHandle) ReadAtOffset(offset uint64) (record, int, error) {
	sr := io.NewSectionReader(fh.io, int64(offset), maxSectionLen)
	rec, consumed, err := decodeRecord(bufio.NewReader(sr))
	if err != nil {
		if err == errEOF {
			return record{}, 0, fmt.Errorf("read segment %d at %d: %w", fh.id, offset, io.ErrUnexpectedEOF)
		}
		return record{}, 0, fmt.Errorf("read segment %d at %d: %w", fh.id, offset, err)
	}
	return rec, consumed, nil
}

func (fh *fileHandle) Sync() error {
	if !fh.writable {
		return nil
	}
	return fh.io.Sync()
}

func (fh *fileHandle) Size() uint64 {
	return atomic.LoadUint64(&fh.writeOffset)
}

func (fh *fileHandle) Close() error {
	type closer interface{ Close() error }
	if c, ok := fh.io.(closer); ok {
		return c.Close()
	}
	return nil
}

// scanSegment replays every record in a segment file from offset 0 to
// its natural end, invoking fn with each record and the offset it
// started at. Index recovery uses it; merge instead reads each live
// record through ReadAtOffset.
func scanSegment(fh *fileHandle, fn func(rec record, offset uint64) error) error {
	sr := io.NewSectionReader(fh.io, 0, maxSectionLen)
	br := bufio.NewReader(sr)

	var offset uint64
	for {
		rec, consumed, err := decodeRecord(br)
		if err != nil {
			if err == errEOF {
				return nil
			}
			return fmt.Errorf("scan segment %d at offset %d: %w", fh.id, offset, err)
		}
		if err := fn(rec, offset); err != nil {
			return err
		}
		offset += uint64(consumed)
	}
}
