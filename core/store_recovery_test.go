package core

import (
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCrcMismatchOnFlippedByte(t *testing.T) {
	s, dir := defaultTestStore(t)

	ptr, err := s.Put([]byte("flip"), []byte("original-value"))
	require.NoError(t, err)
	require.NoError(t, s.Sync())

	path := segmentPath(dir, ptr.FileID)
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	require.NoError(t, err)

	// Flip one byte inside the record payload (past the tag+header).
	_, err = f.WriteAt([]byte{0xff}, int64(ptr.Offset)+20)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	var crcErr *CrcMismatchError
	_, err = s.getAt(ptr)
	require.ErrorAs(t, err, &crcErr)
}

func TestTruncatedTailDiscardedOnRecovery(t *testing.T) {
	s, dir := defaultTestStore(t)

	mustPut(t, s, "a", "1")
	mustPut(t, s, "b", "2")

	s.activeMu.RLock()
	active := s.active
	s.activeMu.RUnlock()

	// Simulate a crash mid-append: truncate off the tail few bytes of
	// the segment so the last record's CRC trailer is missing.
	size := active.Size()
	path := segmentPath(dir, active.id)
	require.NoError(t, os.Truncate(path, int64(size)-2))
	require.NoError(t, s.Close())

	reopened, err := Open(StoreConfig{Dir: dir}, FileConfig{}, BatchedConfig{})
	require.NoError(t, err, "reopen after truncated tail")
	defer reopened.Close()

	_, err = reopened.Get([]byte("a"))
	require.NoError(t, err, "a should survive")

	_, err = reopened.Get([]byte("b"))
	require.ErrorIs(t, err, ErrKeyNotFound, "b should be dropped by truncated-tail recovery")
}

func TestBatchAtomicityPartialBatchDropped(t *testing.T) {
	s, dir := defaultTestStore(t)

	b := s.NewBatched()
	require.NoError(t, b.Put([]byte("x"), []byte("staged")))
	require.NoError(t, b.Commit())

	// Manually append a second, never-terminated batch directly to the
	// active segment, simulating a crash between the in-batch records
	// and their BatchDone.
	s.activeMu.Lock()
	rec := record{kind: kindDataInBatch, batchID: 99, key: []byte("y"), value: []byte("orphaned")}
	_, err := s.active.TryAppend(rec)
	s.activeMu.Unlock()
	require.NoError(t, err)

	require.NoError(t, s.Close())

	reopened, err := Open(StoreConfig{Dir: dir}, FileConfig{}, BatchedConfig{})
	require.NoError(t, err)
	defer reopened.Close()

	requireValue(t, reopened, "x", "staged")

	_, err = reopened.Get([]byte("y"))
	require.ErrorIs(t, err, ErrKeyNotFound, "orphaned batch entry must be dropped")
}

func TestExclusiveStartFailure(t *testing.T) {
	_, dir := defaultTestStore(t)

	var failErr *ExclusiveStartFailureError
	_, err := Open(StoreConfig{Dir: dir}, FileConfig{}, BatchedConfig{})
	require.ErrorAs(t, err, &failErr)
}

func TestMergeMarkerFinalizesOnReopen(t *testing.T) {
	s, dir := setupTempStore(t, StoreConfig{}, FileConfig{MaxFileSize: 512}, BatchedConfig{})

	for i := 0; i < 50; i++ {
		mustPut(t, s, keyN(i), "v")
	}
	for i := 0; i < 30; i++ {
		_, err := s.Delete([]byte(keyN(i)))
		require.NoError(t, err, "delete %d", i)
	}

	require.NoError(t, s.Merge())
	require.NoError(t, s.Close())

	// The merge directory (with its ok.toml marker) is left in place by
	// Merge itself; reopening must run validate/combine/clean and land
	// on the post-merge state with no data loss.
	reopened, err := Open(StoreConfig{Dir: dir}, FileConfig{MaxFileSize: 512}, BatchedConfig{})
	require.NoError(t, err, "reopen after merge")
	defer reopened.Close()

	require.Len(t, reopened.ListKeys(), 20)
	for i := 30; i < 50; i++ {
		requireValue(t, reopened, keyN(i), "v")
	}

	_, err = os.Stat(dir)
	require.NoError(t, err, "store directory should still exist")
}

func keyN(i int) string {
	return fmt.Sprintf("k%03d", i)
}
