package core

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyIteratorFindAndRewind(t *testing.T) {
	s, _ := defaultTestStore(t)

	for _, k := range []string{"a", "c", "e", "g", "i"} {
		mustPut(t, s, k, "v")
	}

	it := s.IterOptions().Make()

	it.Find("e")
	k, _, ok := it.Next()
	require.True(t, ok)
	require.Equal(t, "e", k)

	it.Find("f")
	k, _, ok = it.Next()
	require.True(t, ok)
	require.Equal(t, "g", k, "first key >= f")

	it.Find("z")
	_, _, ok = it.Next()
	require.False(t, ok, "Find(z) should land past the end")

	it.Rewind()
	k, _, ok = it.Next()
	require.True(t, ok)
	require.Equal(t, "a", k)
}

func TestKvIteratorResolvesValues(t *testing.T) {
	s, _ := defaultTestStore(t)

	for i := 0; i < 5; i++ {
		mustPut(t, s, fmt.Sprintf("k%d", i), fmt.Sprintf("v%d", i))
	}

	it := s.KvIterOptions().Make()
	count := 0
	for {
		k, v, ok, err := it.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		want := "v" + k[1:]
		require.Equal(t, want, string(v), "key %q", k)
		count++
	}
	require.Equal(t, 5, count)
}

func TestFoldStopsEarly(t *testing.T) {
	s, _ := defaultTestStore(t)

	for i := 0; i < 10; i++ {
		mustPut(t, s, fmt.Sprintf("k%d", i), "v")
	}

	var seen []string
	err := s.Fold(func(key string, value []byte) bool {
		seen = append(seen, key)
		return len(seen) < 3
	})
	require.NoError(t, err)
	require.Len(t, seen, 3, "Fold should stop early")
}

func TestBlockingCopyToProducesConsistentSnapshot(t *testing.T) {
	s, _ := defaultTestStore(t)

	mustPut(t, s, "a", "1")
	mustPut(t, s, "b", "2")
	require.NoError(t, s.Sync())

	destDir := t.TempDir()
	require.NoError(t, s.BlockingCopyTo(destDir))

	copied, err := Open(StoreConfig{Dir: destDir}, FileConfig{}, BatchedConfig{})
	require.NoError(t, err, "open copy")
	defer copied.Close()

	requireValue(t, copied, "a", "1")
	requireValue(t, copied, "b", "2")
}
