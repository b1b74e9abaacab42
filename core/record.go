package core

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

// recordKind tags the five on-disk log record variants. Values match
// the wire tag byte exactly — do not reorder.
type recordKind uint8

const (
	kindData recordKind = iota
	kindTomb
	kindDataInBatch
	kindTombInBatch
	kindBatchDone
)

func (k recordKind) String() string {
	switch k {
	case kindData:
		return "Data"
	case kindTomb:
		return "Tomb"
	case kindDataInBatch:
		return "DataInBatch"
	case kindTombInBatch:
		return "TombInBatch"
	case kindBatchDone:
		return "BatchDone"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// record is the decoded form of one log entry. Not every field is
// meaningful for every kind: key/value nil for BatchDone, value nil for
// the tombstone variants, batchID zero for the two standalone variants.
type record struct {
	kind    recordKind
	batchID uint64
	key     []byte
	value   []byte
}

// restLen is the number of header bytes following the tag byte and
// preceding the key/value payload, keyed by variant.
func restLen(kind recordKind) int {
	switch kind {
	case kindData:
		return 8 // keysize(4) valuesize(4)
	case kindTomb:
		return 4 // keysize(4)
	case kindDataInBatch:
		return 16 // batch_id(8) keysize(4) valuesize(4)
	case kindTombInBatch:
		return 12 // batch_id(8) keysize(4)
	case kindBatchDone:
		return 8 // batch_id(8)
	default:
		panic(fmt.Sprintf("record: unknown kind %d", kind))
	}
}

// recordEncodedLen is a pure function of a record's shape: callers that
// only need to know whether a write fits in the remaining segment space
// can call it without building the record bytes.
func recordEncodedLen(kind recordKind, keyLen, valLen int) int {
	n := 1 + restLen(kind) + 4 // tag + header + crc
	switch kind {
	case kindData, kindDataInBatch:
		n += keyLen + valLen
	case kindTomb, kindTombInBatch:
		n += keyLen
	case kindBatchDone:
		// no payload
	}
	return n
}

func (r record) encodedLen() int {
	return recordEncodedLen(r.kind, len(r.key), len(r.value))
}

// encode serializes r to its wire format: tag | header | key | value | crc32.
func (r record) encode() []byte {
	buf := make([]byte, r.encodedLen())
	b := buf
	b[0] = byte(r.kind)
	b = b[1:]

	switch r.kind {
	case kindData:
		binary.BigEndian.PutUint32(b[0:4], uint32(len(r.key)))
		binary.BigEndian.PutUint32(b[4:8], uint32(len(r.value)))
		b = b[8:]
		b = b[copy(b, r.key):]
		b = b[copy(b, r.value):]
	case kindTomb:
		binary.BigEndian.PutUint32(b[0:4], uint32(len(r.key)))
		b = b[4:]
		b = b[copy(b, r.key):]
	case kindDataInBatch:
		binary.BigEndian.PutUint64(b[0:8], r.batchID)
		binary.BigEndian.PutUint32(b[8:12], uint32(len(r.key)))
		binary.BigEndian.PutUint32(b[12:16], uint32(len(r.value)))
		b = b[16:]
		b = b[copy(b, r.key):]
		b = b[copy(b, r.value):]
	case kindTombInBatch:
		binary.BigEndian.PutUint64(b[0:8], r.batchID)
		binary.BigEndian.PutUint32(b[8:12], uint32(len(r.key)))
		b = b[12:]
		b = b[copy(b, r.key):]
	case kindBatchDone:
		binary.BigEndian.PutUint64(b[0:8], r.batchID)
		b = b[8:]
	}

	if len(b) != 4 {
		panic("record: encode produced the wrong length")
	}
	crc := crc32.ChecksumIEEE(buf[:len(buf)-4])
	binary.BigEndian.PutUint32(b, crc)
	return buf
}

// isEOFRead reports whether err is an ordinary end of stream: either a
// true end of file, or a short read at the tail caused by a process
// that died mid-append. Both are tolerated the same way — the scanner
// simply stops, taking whatever was durably written before the crash.
func isEOFRead(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

// decodeRecord reads exactly one record from r, returning the number of
// bytes consumed. It returns errEOF when the stream ends cleanly — either
// a true end of file, a truncated tail from a crashed writer, or an
// all-zero header, which can only be zero-padding because every real
// record carries a non-empty key.
func decodeRecord(r *bufio.Reader) (rec record, consumed int, err error) {
	tagByte, err := r.ReadByte()
	if err != nil {
		if isEOFRead(err) {
			return record{}, 0, errEOF
		}
		return record{}, 0, fmt.Errorf("read record tag: %w", err)
	}

	kind := recordKind(tagByte)
	switch kind {
	case kindData, kindTomb, kindDataInBatch, kindTombInBatch, kindBatchDone:
	default:
		return record{}, 0, fmt.Errorf("record: unknown tag %d at stream position", tagByte)
	}

	hdr := make([]byte, restLen(kind))
	if _, err := io.ReadFull(r, hdr); err != nil {
		if isEOFRead(err) {
			return record{}, 0, errEOF
		}
		return record{}, 0, fmt.Errorf("read record header: %w", err)
	}

	var batchID uint64
	var keyLen, valLen int
	switch kind {
	case kindData:
		keyLen = int(binary.BigEndian.Uint32(hdr[0:4]))
		valLen = int(binary.BigEndian.Uint32(hdr[4:8]))
		if keyLen == 0 && valLen == 0 {
			return record{}, 0, errEOF
		}
	case kindTomb:
		keyLen = int(binary.BigEndian.Uint32(hdr[0:4]))
		if keyLen == 0 {
			return record{}, 0, errEOF
		}
	case kindDataInBatch:
		batchID = binary.BigEndian.Uint64(hdr[0:8])
		keyLen = int(binary.BigEndian.Uint32(hdr[8:12]))
		valLen = int(binary.BigEndian.Uint32(hdr[12:16]))
		if keyLen == 0 && valLen == 0 {
			return record{}, 0, errEOF
		}
	case kindTombInBatch:
		batchID = binary.BigEndian.Uint64(hdr[0:8])
		keyLen = int(binary.BigEndian.Uint32(hdr[8:12]))
		if keyLen == 0 {
			return record{}, 0, errEOF
		}
	case kindBatchDone:
		batchID = binary.BigEndian.Uint64(hdr[0:8])
	}

	payload := make([]byte, keyLen+valLen)
	if len(payload) > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			if isEOFRead(err) {
				return record{}, 0, errEOF
			}
			return record{}, 0, fmt.Errorf("read record payload: %w", err)
		}
	}

	var crcBuf [4]byte
	if _, err := io.ReadFull(r, crcBuf[:]); err != nil {
		if isEOFRead(err) {
			return record{}, 0, errEOF
		}
		return record{}, 0, fmt.Errorf("read record crc: %w", err)
	}
	gotCRC := binary.BigEndian.Uint32(crcBuf[:])

	preCRC := make([]byte, 0, 1+len(hdr)+len(payload))
	preCRC = append(preCRC, tagByte)
	preCRC = append(preCRC, hdr...)
	preCRC = append(preCRC, payload...)
	wantCRC := crc32.ChecksumIEEE(preCRC)
	if wantCRC != gotCRC {
		return record{}, 0, &CrcMismatchError{Expected: wantCRC, Got: gotCRC}
	}

	rec = record{kind: kind, batchID: batchID}
	if keyLen > 0 {
		rec.key = payload[:keyLen]
	}
	if valLen > 0 {
		rec.value = payload[keyLen : keyLen+valLen]
	}

	return rec, 1 + len(hdr) + len(payload) + 4, nil
}

// recordPointer is the on-disk index's value type: the location of one
// record, 12 bytes serialized big-endian.
type recordPointer struct {
	FileID uint32
	Offset uint64
}

func (p recordPointer) encode() [12]byte {
	var buf [12]byte
	binary.BigEndian.PutUint32(buf[0:4], p.FileID)
	binary.BigEndian.PutUint64(buf[4:12], p.Offset)
	return buf
}

func decodeRecordPointer(buf []byte) (recordPointer, error) {
	if len(buf) != 12 {
		return recordPointer{}, &BinarySizeMismatchError{Expected: 12, Got: len(buf)}
	}
	return recordPointer{
		FileID: binary.BigEndian.Uint32(buf[0:4]),
		Offset: binary.BigEndian.Uint64(buf[4:12]),
	}, nil
}
