// Package health aggregates the operator-facing view of the republish
// subsystem: enrollment counts by status, the current signer epoch and
// whether the signer answers its health endpoint.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/cipherbox/cipherbox/coordinator/db"
	"github.com/cipherbox/cipherbox/coordinator/signer"
	"github.com/cipherbox/cipherbox/coordinator/types"
)

// SignerNode is the subset of the signer client the tracker needs.
type SignerNode interface {
	Health(ctx context.Context) (*signer.HealthStatus, error)
}

// Tracker caches the last observed signer health. Transport errors count as
// unhealthy and are never surfaced to callers.
type Tracker struct {
	sync.RWMutex
	node      SignerNode
	isHealthy *bool
}

// NewTracker creates a tracker for the given signer.
func NewTracker(node SignerNode) *Tracker {
	return &Tracker{node: node}
}

// IsHealthy returns the most recently observed signer health. Before the
// first check it reports false.
func (t *Tracker) IsHealthy() bool {
	t.RLock()
	defer t.RUnlock()
	if t.isHealthy == nil {
		return false
	}
	return *t.isHealthy
}

// CheckHealth queries the signer and updates the cached status.
func (t *Tracker) CheckHealth(ctx context.Context) bool {
	t.Lock()
	defer t.Unlock()
	status, err := t.node.Health(ctx)
	healthy := err == nil && status.Healthy
	t.isHealthy = &healthy
	return healthy
}

// Stats is the payload of the admin republish-health endpoint.
type Stats struct {
	Pending       uint64     `json:"pending"`
	Retrying      uint64     `json:"retrying"`
	Stale         uint64     `json:"stale"`
	LastRunAt     *time.Time `json:"lastRunAt"`
	CurrentEpoch  *uint64    `json:"currentEpoch"`
	SignerHealthy bool       `json:"signerHealthy"`
}

// Checker assembles Stats from the store and the signer tracker.
type Checker struct {
	db      db.ReadOnlyDatabase
	tracker *Tracker
}

// NewChecker builds a Checker.
func NewChecker(database db.ReadOnlyDatabase, tracker *Tracker) *Checker {
	return &Checker{db: database, tracker: tracker}
}

// Stats returns the aggregate republish health view.
func (c *Checker) Stats(ctx context.Context) (*Stats, error) {
	counts, err := c.db.StatusCounts(ctx)
	if err != nil {
		return nil, err
	}
	lastRun, err := c.db.LastRunTime(ctx)
	if err != nil {
		return nil, err
	}
	stats := &Stats{
		Pending:       counts[types.StatusActive],
		Retrying:      counts[types.StatusRetrying],
		Stale:         counts[types.StatusStale],
		LastRunAt:     lastRun,
		SignerHealthy: c.tracker.CheckHealth(ctx),
	}
	state, err := c.db.EpochState(ctx)
	if err != nil {
		return nil, err
	}
	if state != nil {
		epoch := state.CurrentEpoch
		stats.CurrentEpoch = &epoch
	}
	return stats, nil
}
