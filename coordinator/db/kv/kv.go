// Package kv defines a persistent backend for the republish coordinator
// backed by BoltDB.
package kv

import (
	"os"
	"path"
	"time"

	"github.com/boltdb/bolt"
	"github.com/karlseguin/ccache"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	databaseFileName = "coordinator.db"
	// EnrollmentCacheSize caps the number of enrollment rows kept in memory
	// for read paths. Rows are small, so this is a few MB at most.
	EnrollmentCacheSize = 10000
)

// Config holds the scheduling knobs applied by store mutations.
type Config struct {
	PublishInterval time.Duration
	MaxFailures     uint64
	BaseBackoff     time.Duration
	MaxBackoff      time.Duration
	GracePeriod     time.Duration
}

// DefaultConfig returns the production scheduling parameters.
func DefaultConfig() *Config {
	return &Config{
		PublishInterval: 6 * time.Hour,
		MaxFailures:     10,
		BaseBackoff:     30 * time.Second,
		MaxBackoff:      time.Hour,
		GracePeriod:     4 * 7 * 24 * time.Hour,
	}
}

// staleParkDuration pushes stale rows far enough into the future that they
// never surface in due queries until an operator reactivates them.
const staleParkDuration = 365 * 24 * time.Hour

// Store defines an implementation of the coordinator Database interface
// using BoltDB as the underlying persistent kv-store.
type Store struct {
	db              *bolt.DB
	databasePath    string
	cfg             *Config
	enrollmentCache *ccache.Cache
	// now is injectable so tests can pin the clock.
	now func() time.Time
}

// StoreOption modifies a Store during construction.
type StoreOption func(*Store)

// WithClock overrides the wall clock used for scheduling decisions.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		s.now = now
	}
}

// NewKVStore initializes a new boltDB key-value store at the directory
// path specified, creates the buckets based on the schema, and stores
// an open connection db object as a property of the Store struct.
func NewKVStore(dirPath string, cfg *Config, opts ...StoreOption) (*Store, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := os.MkdirAll(dirPath, 0700); err != nil {
		return nil, err
	}
	datafile := path.Join(dirPath, databaseFileName)
	boltDB, err := bolt.Open(datafile, 0600, &bolt.Options{Timeout: 1 * time.Second, InitialMmapSize: 10e6})
	if err != nil {
		if err == bolt.ErrTimeout {
			return nil, errors.New("cannot obtain database lock, database may be in use by another process")
		}
		return nil, err
	}

	kv := &Store{
		db:              boltDB,
		databasePath:    dirPath,
		cfg:             cfg,
		enrollmentCache: ccache.New(ccache.Configure().MaxSize(EnrollmentCacheSize)),
		now:             time.Now,
	}
	for _, o := range opts {
		o(kv)
	}

	if err := kv.db.Update(func(tx *bolt.Tx) error {
		return createBuckets(
			tx,
			enrollmentsBucket,
			nameIndexBucket,
			dueIndexBucket,
			epochStateBucket,
			rotationLogBucket,
		)
	}); err != nil {
		return nil, err
	}
	if err := prometheus.Register(newBoltCollector(kv.db)); err != nil {
		if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
			return nil, err
		}
	}
	return kv, nil
}

// ClearDB removes the previously stored database in the data directory.
func (s *Store) ClearDB() error {
	if _, err := os.Stat(s.databasePath); os.IsNotExist(err) {
		return nil
	}
	prometheus.Unregister(newBoltCollector(s.db))
	return os.Remove(path.Join(s.databasePath, databaseFileName))
}

// Close closes the underlying BoltDB database.
func (s *Store) Close() error {
	prometheus.Unregister(newBoltCollector(s.db))
	return s.db.Close()
}

// DatabasePath at which this database writes files.
func (s *Store) DatabasePath() string {
	return s.databasePath
}

func createBuckets(tx *bolt.Tx, buckets ...[]byte) error {
	for _, bucket := range buckets {
		if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
			return err
		}
	}
	return nil
}
