package db

import "github.com/cipherbox/cipherbox/coordinator/db/iface"

// ReadOnlyDatabase exposes the read paths of the coordinator store.
type ReadOnlyDatabase = iface.ReadOnlyDatabase

// Database exposes the full coordinator store contract.
type Database = iface.Database
