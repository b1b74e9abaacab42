package core

import "fmt"

// batchedMutation is one pending mutation staged during recovery while
// a batch's terminating BatchDone has not yet been seen.
type batchedMutation struct {
	isDelete bool
	ptr      recordPointer
}

// recoverIndex replays every record across handles, in the order
// given (ascending segment id), driving the batch recovery state
// machine described by the design: standalone records apply directly
// and reset any in-flight batch; in-batch records stage into a pending
// map keyed by the batch id currently open; a BatchDone commits the
// staged map to the index only if its batch id matches the one
// in-flight. A batch that never sees its BatchDone is silently
// dropped — its staged mutations never reach the index.
//
// It returns the highest batch id observed across every segment, so
// the caller can resume batch numbering at newestBatchID+1.
func recoverIndex(handles []*fileHandle, idx keyIndex) (newestBatchID uint64, err error) {
	var curBatchID *uint64
	staging := make(map[string]batchedMutation)

	resetStaging := func() {
		staging = make(map[string]batchedMutation)
	}

	applyStaging := func() {
		for key, m := range staging {
			if m.isDelete {
				idx.Delete(key)
			} else {
				idx.Put(key, m.ptr)
			}
		}
		resetStaging()
	}

	openBatch := func(id uint64) {
		if curBatchID == nil || *curBatchID != id {
			b := id
			curBatchID = &b
			resetStaging()
		}
	}

	for _, fh := range handles {
		scanErr := scanSegment(fh, func(rec record, offset uint64) error {
			ptr := recordPointer{FileID: fh.id, Offset: offset}

			switch rec.kind {
			case kindData:
				idx.Put(string(rec.key), ptr)
				curBatchID = nil
				resetStaging()

			case kindTomb:
				idx.Delete(string(rec.key))
				curBatchID = nil
				resetStaging()

			case kindDataInBatch:
				openBatch(rec.batchID)
				staging[string(rec.key)] = batchedMutation{ptr: ptr}
				if rec.batchID > newestBatchID {
					newestBatchID = rec.batchID
				}

			case kindTombInBatch:
				openBatch(rec.batchID)
				staging[string(rec.key)] = batchedMutation{isDelete: true}
				if rec.batchID > newestBatchID {
					newestBatchID = rec.batchID
				}

			case kindBatchDone:
				if curBatchID != nil && *curBatchID == rec.batchID {
					applyStaging()
				}
				curBatchID = nil
				resetStaging()
				if rec.batchID > newestBatchID {
					newestBatchID = rec.batchID
				}

			default:
				return fmt.Errorf("recovery: unexpected record kind %v", rec.kind)
			}

			return nil
		})
		if scanErr != nil {
			return 0, fmt.Errorf("recover segment %d: %w", fh.id, scanErr)
		}
	}

	return newestBatchID, nil
}
