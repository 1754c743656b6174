package kv

import (
	"testing"

	"github.com/cipherbox/cipherbox/shared/testutil/require"
)

// setupDB instantiates and returns a Store instance backed by a temporary
// directory.
func setupDB(t testing.TB, cfg *Config, opts ...StoreOption) *Store {
	s, err := NewKVStore(t.TempDir(), cfg, opts...)
	require.NoError(t, err, "Failed to instantiate DB")
	t.Cleanup(func() {
		require.NoError(t, s.Close(), "Failed to close database")
	})
	return s
}
