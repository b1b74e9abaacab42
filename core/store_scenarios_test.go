package core

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScenarioBasicPutGet(t *testing.T) {
	s, _ := defaultTestStore(t)

	mustPut(t, s, "1", "One")
	mustPut(t, s, "2", "Two")
	mustPut(t, s, "1", "Uno")

	requireValue(t, s, "1", "Uno")
	requireValue(t, s, "2", "Two")
}

func TestScenarioDeleteThenPut(t *testing.T) {
	s, _ := defaultTestStore(t)

	mustPut(t, s, "111", "Oneoneone")
	_, err := s.Delete([]byte("111"))
	require.NoError(t, err)

	_, err = s.Get([]byte("111"))
	require.ErrorIs(t, err, ErrKeyNotFound)

	mustPut(t, s, "111", "Yiyiyi")
	requireValue(t, s, "111", "Yiyiyi")
}

func TestScenarioBatchVisibility(t *testing.T) {
	s, _ := defaultTestStore(t)

	b := s.NewBatched()
	require.NoError(t, b.Put([]byte("a"), []byte("1")))
	require.NoError(t, b.Put([]byte("b"), []byte("2")))

	_, err := s.Get([]byte("a"))
	require.ErrorIs(t, err, ErrKeyNotFound, "a must be invisible before commit")

	require.NoError(t, b.Commit())

	requireValue(t, s, "a", "1")
	requireValue(t, s, "b", "2")
}

func TestScenarioListOrder(t *testing.T) {
	s, _ := defaultTestStore(t)

	for i := 0; i <= 14; i++ {
		mustPut(t, s, fmt.Sprintf("%d", i), "x")
	}

	want := []string{"0", "1", "10", "11", "12", "13", "14", "2", "3", "4", "5", "6", "7", "8", "9"}
	require.Equal(t, want, s.ListKeys())
}

func TestScenarioPrefixIterReverse(t *testing.T) {
	s, _ := defaultTestStore(t)

	for i := 0; i <= 499; i++ {
		mustPut(t, s, fmt.Sprintf("%d", i), "x")
	}

	it := s.IterOptions().Reverse().WithPrefix("30").Make()

	want := []string{"309", "308", "307", "306", "305", "304", "303", "302", "301", "300", "30"}
	var got []string
	for {
		k, _, ok := it.Next()
		if !ok {
			break
		}
		got = append(got, k)
	}

	require.Equal(t, want, got)
}

func TestScenarioPersistenceAcrossBatchesAndRotation(t *testing.T) {
	s, dir := setupTempStore(t, StoreConfig{}, FileConfig{MaxFileSize: 2048}, BatchedConfig{})

	const total, perBatch = 300, 100
	committed := 0
	for start := 0; start < total; start += perBatch {
		b := s.NewBatched()
		for i := start; i < start+perBatch; i++ {
			key := fmt.Sprintf("k%04d", i)
			require.NoError(t, b.Put([]byte(key), []byte("v")), "stage %s", key)
		}
		require.NoError(t, b.Commit(), "commit batch starting at %d", start)
		committed++
	}

	require.NoError(t, s.Close())

	reopened, err := Open(StoreConfig{Dir: dir}, FileConfig{MaxFileSize: 2048}, BatchedConfig{})
	require.NoError(t, err, "reopen")
	defer reopened.Close()

	require.Len(t, reopened.ListKeys(), total)
	require.Equal(t, uint64(committed+1), reopened.batchID.Load())
}

func TestScenarioMergeReclaimsDeletedKeys(t *testing.T) {
	s, _ := defaultTestStore(t)

	names := map[int]string{44: "Forty-Four", 777: "Seven Hundred and Seventy-Seven"}

	for i := 0; i < 1000; i++ {
		val := fmt.Sprintf("v%d", i)
		if name, ok := names[i]; ok {
			val = name
		}
		mustPut(t, s, fmt.Sprintf("%d", i), val)
	}
	for i := 100; i < 900; i++ {
		_, err := s.Delete([]byte(fmt.Sprintf("%d", i)))
		require.NoError(t, err, "delete %d", i)
	}

	require.NoError(t, s.Merge())

	requireValue(t, s, "44", "Forty-Four")
	requireValue(t, s, "777", "Seven Hundred and Seventy-Seven")

	require.Len(t, s.ListKeys(), 200)
}
