// Package testing allows for spinning up a real bolt-db instance for unit
// tests throughout the coordinator.
package testing

import (
	"testing"

	"github.com/cipherbox/cipherbox/coordinator/db"
	"github.com/cipherbox/cipherbox/coordinator/db/kv"
)

// SetupDB instantiates and returns a database backed by a key value store in
// a temporary directory.
func SetupDB(t testing.TB, cfg *kv.Config, opts ...kv.StoreOption) *kv.Store {
	s, err := kv.NewKVStore(t.TempDir(), cfg, opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Fatalf("failed to close database: %v", err)
		}
	})
	var _ db.Database = s
	return s
}
