// Package iface exists to prevent circular dependencies when implementing the
// database interface.
package iface

import (
	"context"
	"io"
	"time"

	"github.com/cipherbox/cipherbox/coordinator/types"
)

// ReadOnlyDatabase defines the read paths into the coordinator store.
type ReadOnlyDatabase interface {
	Enrollment(ctx context.Context, id string) (*types.Enrollment, error)
	EnrollmentByName(ctx context.Context, owner, ipnsName string) (*types.Enrollment, error)
	DueEnrollments(ctx context.Context, now time.Time, limit int) ([]*types.Enrollment, error)
	StatusCounts(ctx context.Context) (map[types.Status]uint64, error)
	LastRunTime(ctx context.Context) (*time.Time, error)
	EpochState(ctx context.Context) (*types.EpochState, error)
	RotationHistory(ctx context.Context, limit int) ([]*types.RotationLogEntry, error)
}

// Database defines the full contract required by the scheduler, the
// enrollment API and the admin surface.
type Database interface {
	ReadOnlyDatabase
	UpsertEnrollment(ctx context.Context, owner, ipnsName string, sealedKey []byte, keyEpoch uint64, latestCID, sequenceNumber string) (*types.Enrollment, error)
	RecordSuccess(ctx context.Context, id, newSequenceNumber string, upgrade *types.KeyUpgrade) error
	RecordFailure(ctx context.Context, id, errMsg string) error
	ReactivateStale(ctx context.Context) (int, error)
	DeleteEnrollmentsByOwner(ctx context.Context, owner string) (int, error)
	InitializeEpoch(ctx context.Context, epoch uint64, publicKey []byte) error
	RotateEpoch(ctx context.Context, newEpoch uint64, newPublicKey []byte, reason string) error
	DeprecatePreviousEpoch(ctx context.Context) (bool, error)
	DatabasePath() string
	ClearDB() error
	io.Closer
}
