// Package db defines the ability to create a new database for the republish
// coordinator.
package db

import "github.com/cipherbox/cipherbox/coordinator/db/kv"

// NewDB initializes a new coordinator database at the given path.
func NewDB(dirPath string, cfg *kv.Config) (Database, error) {
	return kv.NewKVStore(dirPath, cfg)
}
