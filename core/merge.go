package core

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

const mergeDirName = "merge"
const mergeMarkerFileName = "ok.toml"

// mergeMarker is the crash-safe snapshot written at the end of the
// compact phase: the active segment's id and write offset at the
// instant compaction began copying live records. Everything from that
// point forward is "the tail" and is preserved verbatim by combine.
type mergeMarker struct {
	CurActiveFileID uint32 `toml:"cur_active_file_id"`
	CurWriteOffset  uint64 `toml:"cur_write_offset"`
}

// Merge runs compaction: it rewrites every live key into a fresh
// segment stream rooted at <dir>/merge and leaves a marker recording
// where the live log tail begins. It does not itself swap the new
// segments in — that happens in the validate/combine/clean phases run
// automatically the next time the directory is opened, so a crash at
// any point during or after compact leaves either the untouched
// original data (marker never written or never read) or a directory
// that finalizes cleanly on reopen.
func (s *Store) Merge() (rerr error) {
	if !s.mergeLock.TryLock() {
		return ErrMergeInProgress
	}
	defer s.mergeLock.Unlock()

	mergeDir := filepath.Join(s.dir, mergeDirName)

	s.activeMu.RLock()
	curActiveFileID := s.active.id
	curWriteOffset := s.active.Size()
	s.activeMu.RUnlock()

	idxSnapshot := s.index.Deepcopy()
	defer idxSnapshot.Close()

	defer func() {
		if rerr != nil {
			if cerr := os.RemoveAll(mergeDir); cerr != nil {
				logf("abort merge: remove %q: %v", mergeDir, cerr)
			}
		}
	}()

	writer, err := newMergeWriter(mergeDir, s.fileCfg.MaxFileSize)
	if err != nil {
		return &MergeFailureError{Phase: MergePhaseCompact, Cause: err}
	}

	for _, entry := range idxSnapshot.IterSnapshot() {
		fh, err := s.fileHandleFor(entry.ptr.FileID)
		if err != nil {
			return &MergeFailureError{Phase: MergePhaseCompact, Cause: err}
		}

		rec, _, err := fh.ReadAtOffset(entry.ptr.Offset)
		if err != nil {
			return &MergeFailureError{Phase: MergePhaseCompact, Cause: err}
		}
		if rec.kind != kindData && rec.kind != kindDataInBatch {
			// The index only ever points at live Put records;
			// anything else would mean the index and log have
			// diverged.
			continue
		}

		if _, err := writer.append(record{kind: kindData, key: []byte(entry.key), value: rec.value}); err != nil {
			return &MergeFailureError{Phase: MergePhaseCompact, Cause: err}
		}
	}

	if err := writer.close(); err != nil {
		return &MergeFailureError{Phase: MergePhaseCompact, Cause: err}
	}

	marker := mergeMarker{CurActiveFileID: curActiveFileID, CurWriteOffset: curWriteOffset}
	if err := writeMergeMarker(mergeDir, marker); err != nil {
		return &MergeFailureError{Phase: MergePhaseCompact, Cause: err}
	}

	return nil
}

func writeMergeMarker(mergeDir string, marker mergeMarker) error {
	data, err := toml.Marshal(marker)
	if err != nil {
		return fmt.Errorf("marshal merge marker: %w", err)
	}
	return writeFileDurable(filepath.Join(mergeDir, mergeMarkerFileName), data)
}

// mergeWriter appends records into a fresh sequential segment stream
// rooted at dir, rotating to a new file exactly the way the live store
// does, but without any legacy/active distinction — every file it
// produces is immutable the moment the next one is created.
type mergeWriter struct {
	dir         string
	maxFileSize uint64
	nextID      uint32
	active      *fileHandle
}

func newMergeWriter(dir string, maxFileSize uint64) (*mergeWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %q: %w", dir, err)
	}
	fh, err := newWritableFileHandle(dir, 0, maxFileSize)
	if err != nil {
		return nil, err
	}
	return &mergeWriter{dir: dir, maxFileSize: maxFileSize, nextID: 1, active: fh}, nil
}

func (w *mergeWriter) append(rec record) (recordPointer, error) {
	ptr, err := w.active.TryAppend(rec)
	if err == nil {
		return ptr, nil
	}
	if !errors.Is(err, errBufferOverflow) {
		return recordPointer{}, err
	}

	if err := w.active.Sync(); err != nil {
		return recordPointer{}, err
	}
	if err := w.active.Close(); err != nil {
		return recordPointer{}, err
	}

	newFh, err := newWritableFileHandle(w.dir, w.nextID, w.maxFileSize)
	if err != nil {
		return recordPointer{}, err
	}
	w.active = newFh
	w.nextID++

	return w.active.TryAppend(rec)
}

func (w *mergeWriter) close() error {
	if err := w.active.Sync(); err != nil {
		return err
	}
	return w.active.Close()
}

// finalizeMerge runs the validate/combine/clean phases at Open time.
// It returns ErrMergeNotFound — a benign, expected result — when no
// merge was left in progress.
func finalizeMerge(dir string) error {
	mergeDir := filepath.Join(dir, mergeDirName)

	info, err := os.Stat(mergeDir)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrMergeNotFound
		}
		return &MergeFailureError{Phase: MergePhaseValidate, Cause: err}
	}
	if !info.IsDir() {
		return &MergeFailureError{Phase: MergePhaseValidate, Cause: fmt.Errorf("%q is not a directory", mergeDir)}
	}

	markerPath := filepath.Join(mergeDir, mergeMarkerFileName)
	data, err := os.ReadFile(markerPath)
	if err != nil {
		return &MergeFailureError{Phase: MergePhaseValidate, Cause: err}
	}

	var marker mergeMarker
	if err := toml.Unmarshal(data, &marker); err != nil {
		return &MergeFailureError{Phase: MergePhaseValidate, Cause: err}
	}

	if err := combineMerge(dir, mergeDir, marker); err != nil {
		return &MergeFailureError{Phase: MergePhaseCombine, Cause: err}
	}

	if err := os.RemoveAll(mergeDir); err != nil {
		return &MergeFailureError{Phase: MergePhaseClean, Cause: err}
	}

	return nil
}

// combineMerge copies the live tail — everything appended at or after
// the merge marker's snapshot — into fresh, higher-numbered segments
// inside mergeDir, then atomically (from the caller's perspective: by
// deleting before copying back) replaces dir's segments with
// mergeDir's full compacted stream.
//
// Both steps are safe to redo: the tail copy only finds source
// segments when a previous attempt never got as far as deleting them,
// and the delete-then-copy-back step tolerates re-running against
// files that no longer exist or are already in place.
func combineMerge(dir, mergeDir string, marker mergeMarker) error {
	originalIDs, err := listSegmentIDs(dir)
	if err != nil {
		return err
	}

	var tailIDs []uint32
	for _, id := range originalIDs {
		if id >= marker.CurActiveFileID {
			tailIDs = append(tailIDs, id)
		}
	}

	if len(tailIDs) > 0 {
		mergeIDs, err := listSegmentIDs(mergeDir)
		if err != nil {
			return err
		}
		nextMergeID := uint32(0)
		for _, id := range mergeIDs {
			if id+1 > nextMergeID {
				nextMergeID = id + 1
			}
		}

		for _, id := range tailIDs {
			startOffset := int64(0)
			if id == marker.CurActiveFileID {
				startOffset = int64(marker.CurWriteOffset)
			}

			if err := copyFileTail(segmentPath(dir, id), segmentPath(mergeDir, nextMergeID), startOffset); err != nil {
				return fmt.Errorf("copy tail of segment %d: %w", id, err)
			}
			nextMergeID++
		}
	}

	// Delete whatever originals remain, then copy the full compacted
	// stream (head plus tail) back into dir. If a previous attempt
	// already progressed past this point, both loops are no-ops or
	// harmless overwrites.
	currentIDs, err := listSegmentIDs(dir)
	if err != nil {
		return err
	}
	for _, id := range currentIDs {
		if err := os.Remove(segmentPath(dir, id)); err != nil {
			return fmt.Errorf("remove original segment %d: %w", id, err)
		}
	}

	mergeIDs, err := listSegmentIDs(mergeDir)
	if err != nil {
		return err
	}
	for _, id := range mergeIDs {
		if err := copyFile(segmentPath(mergeDir, id), segmentPath(dir, id)); err != nil {
			return fmt.Errorf("copy merged segment %d into place: %w", id, err)
		}
	}

	return nil
}

func copyFileTail(srcPath, dstPath string, startOffset int64) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	if _, err := src.Seek(startOffset, 0); err != nil {
		return err
	}

	dst, err := os.OpenFile(dstPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer dst.Close()

	if _, err := dst.ReadFrom(src); err != nil {
		return err
	}

	return dst.Sync()
}
