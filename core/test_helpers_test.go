package core

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

// setupTempStore opens a fresh Store rooted at a temp directory using
// storeCfg's IndexType (Dir is overwritten) and cleans up on test end.
func setupTempStore(t testing.TB, storeCfg StoreConfig, fileCfg FileConfig, batchCfg BatchedConfig) (*Store, string) {
	t.Helper()

	dir, err := os.MkdirTemp("", "bitvault_test_*")
	require.NoError(t, err)

	storeCfg.Dir = dir
	s, err := Open(storeCfg, fileCfg, batchCfg)
	if err != nil {
		_ = os.RemoveAll(dir)
		require.NoError(t, err, "Open(%q)", dir)
	}

	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})

	return s, dir
}

func defaultTestStore(t testing.TB) (*Store, string) {
	t.Helper()
	return setupTempStore(t, StoreConfig{}, FileConfig{}, BatchedConfig{})
}

func mustPut(t testing.TB, s *Store, key, value string) {
	t.Helper()
	_, err := s.Put([]byte(key), []byte(value))
	require.NoError(t, err, "Put(%q, %q)", key, value)
}

func requireValue(t testing.TB, s *Store, key, want string) {
	t.Helper()
	got, err := s.Get([]byte(key))
	require.NoError(t, err, "Get(%q)", key)
	require.Equal(t, want, string(got), "Get(%q)", key)
}
