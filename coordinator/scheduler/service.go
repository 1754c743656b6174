// Package scheduler implements the periodic republish job: it selects due
// enrollments, has the sealed signer produce fresh records in batches,
// publishes them to delegated routing and writes the per-entry outcome back
// to the store.
package scheduler

import (
	"context"
	"encoding/base64"
	"sync"
	"time"

	"github.com/cipherbox/cipherbox/async"
	"github.com/cipherbox/cipherbox/coordinator/db"
	"github.com/cipherbox/cipherbox/coordinator/signer"
	"github.com/cipherbox/cipherbox/coordinator/types"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opencensus.io/trace"
)

var log = logrus.WithField("prefix", "scheduler")

const (
	// DefaultBatchSize is the number of enrollments submitted to the signer
	// per request.
	DefaultBatchSize = 50
	// DefaultTickInterval is how often the scheduler wakes up to look for
	// due enrollments.
	DefaultTickInterval = 5 * time.Minute
)

// ErrRunInProgress is returned by ForceRun when a run already holds the
// single-flight lock.
var ErrRunInProgress = errors.New("scheduler run already in progress")

// Signer is the subset of the signer client used by the scheduler.
type Signer interface {
	Health(ctx context.Context) (*signer.HealthStatus, error)
	PublicKey(ctx context.Context, epoch uint64) ([]byte, error)
	SignBatch(ctx context.Context, entries []signer.BatchEntry) ([]signer.SignResult, error)
}

// Publisher is the subset of the publisher client used by the scheduler.
type Publisher interface {
	Publish(ctx context.Context, ipnsName, signedRecordB64 string) error
}

// SequenceMirror receives the post-publish sequence number for a collaborator
// store. Mirror writes are best-effort; failures are logged and swallowed.
type SequenceMirror interface {
	SyncSequence(ctx context.Context, owner, ipnsName, sequenceNumber string) error
}

// RunSummary describes one completed scheduler run.
type RunSummary struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Config options for the scheduler service.
type Config struct {
	Database     db.Database
	Signer       Signer
	Publisher    Publisher
	Mirror       SequenceMirror // optional
	BatchSize    int
	TickInterval time.Duration
}

// Service drives periodic republish runs. Exactly one run executes at a
// time; ticks and force-runs that arrive while a run holds the lock are
// skipped, not queued, since the next tick picks up whatever is still due.
type Service struct {
	cfg      *Config
	ctx      context.Context
	cancel   context.CancelFunc
	runLock  sync.Mutex
	now      func() time.Time
	failStat error
}

// New creates a scheduler service from the given config.
func New(ctx context.Context, cfg *Config) *Service {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Service{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		now:    time.Now,
	}
}

// Start begins the periodic republish loop.
func (s *Service) Start() {
	log.WithFields(logrus.Fields{
		"tickInterval": s.cfg.TickInterval,
		"batchSize":    s.cfg.BatchSize,
	}).Info("Starting republish scheduler")
	async.RunEvery(s.ctx, s.cfg.TickInterval, func() {
		if _, err := s.tryRun(s.ctx); err != nil && !errors.Is(err, ErrRunInProgress) {
			log.WithError(err).Error("Republish run failed")
			s.failStat = err
		}
	})
}

// Stop cancels the republish loop. A run in flight stops at the next chunk
// boundary.
func (s *Service) Stop() error {
	s.cancel()
	return nil
}

// Status returns the last unrecoverable run error, if any. Per-entry
// failures are recorded in the store and never surface here.
func (s *Service) Status() error {
	return s.failStat
}

// ForceRun executes one run immediately, bypassing the tick. Used by the
// admin force-run endpoint.
func (s *Service) ForceRun(ctx context.Context) (*RunSummary, error) {
	return s.tryRun(ctx)
}

func (s *Service) tryRun(ctx context.Context) (*RunSummary, error) {
	if !s.runLock.TryLock() {
		return nil, ErrRunInProgress
	}
	defer s.runLock.Unlock()
	return s.run(ctx)
}

func (s *Service) run(ctx context.Context) (*RunSummary, error) {
	ctx, span := trace.StartSpan(ctx, "scheduler.run")
	defer span.End()
	started := s.now()
	defer func() {
		batchDuration.Observe(s.now().Sub(started).Seconds())
	}()

	due, err := s.cfg.Database.DueEnrollments(ctx, s.now(), 0)
	if err != nil {
		runsTotal.WithLabelValues(runResultAborted).Inc()
		return nil, errors.Wrap(err, "could not read due enrollments")
	}
	if len(due) == 0 {
		runsTotal.WithLabelValues(runResultEmpty).Inc()
		return &RunSummary{}, nil
	}

	summary := &RunSummary{Processed: len(due)}

	state, err := s.ensureEpochState(ctx)
	if err != nil {
		log.WithError(err).Warn("Signer epoch state unavailable")
		for _, e := range due {
			s.recordFailure(ctx, summary, e, "signer not initialised")
		}
		runsTotal.WithLabelValues(runResultCompleted).Inc()
		s.warnIfAllFailed(summary)
		return summary, nil
	}

	for start := 0; start < len(due); start += s.cfg.BatchSize {
		if ctx.Err() != nil {
			// Cooperative cancel between chunks. Untouched entries stay due
			// and are picked up by the next run.
			summary.Processed = summary.Succeeded + summary.Failed
			runsTotal.WithLabelValues(runResultAborted).Inc()
			return summary, ctx.Err()
		}
		end := start + s.cfg.BatchSize
		if end > len(due) {
			end = len(due)
		}
		s.processChunk(ctx, summary, due[start:end], state)
	}

	runsTotal.WithLabelValues(runResultCompleted).Inc()
	s.warnIfAllFailed(summary)
	log.WithFields(logrus.Fields{
		"processed": summary.Processed,
		"succeeded": summary.Succeeded,
		"failed":    summary.Failed,
	}).Info("Republish run complete")
	return summary, nil
}

// ensureEpochState returns the epoch singleton, initializing it from the
// signer on first successful contact and rotating it when the signer health
// response reports a newer epoch.
func (s *Service) ensureEpochState(ctx context.Context) (*types.EpochState, error) {
	state, err := s.cfg.Database.EpochState(ctx)
	if err != nil {
		return nil, err
	}
	health, err := s.cfg.Signer.Health(ctx)
	if err != nil {
		if state != nil {
			// The stored state still describes the epochs to request; an
			// unreachable signer surfaces per entry in the sign batches.
			log.WithError(err).Warn("Signer health check failed, keeping stored epoch state")
			return state, nil
		}
		return nil, errors.Wrap(err, "signer health check failed")
	}
	if !health.Healthy {
		if state != nil {
			return state, nil
		}
		return nil, errors.New("signer reports unhealthy")
	}
	if state == nil {
		key, err := s.cfg.Signer.PublicKey(ctx, health.Epoch)
		if err != nil {
			return nil, errors.Wrap(err, "could not fetch signer public key")
		}
		if err := s.cfg.Database.InitializeEpoch(ctx, health.Epoch, key); err != nil {
			return nil, errors.Wrap(err, "could not initialize epoch state")
		}
		log.WithField("epoch", health.Epoch).Info("Initialized signer epoch state")
		return s.cfg.Database.EpochState(ctx)
	}
	if health.Epoch > state.CurrentEpoch {
		return s.rotateEpoch(ctx, state, health.Epoch)
	}
	return state, nil
}

// rotateEpoch adopts a newer signer epoch, shifting the one it replaces into
// the grace window. A failure here keeps the run on the stored state; the
// next run retries the rotation.
func (s *Service) rotateEpoch(ctx context.Context, state *types.EpochState, newEpoch uint64) (*types.EpochState, error) {
	key, err := s.cfg.Signer.PublicKey(ctx, newEpoch)
	if err != nil {
		log.WithError(err).WithField("epoch", newEpoch).Warn("Could not fetch public key for advanced signer epoch")
		return state, nil
	}
	if err := s.cfg.Database.RotateEpoch(ctx, newEpoch, key, "signer advanced epoch"); err != nil {
		log.WithError(err).Warn("Could not rotate epoch state")
		return state, nil
	}
	log.WithFields(logrus.Fields{
		"fromEpoch": state.CurrentEpoch,
		"toEpoch":   newEpoch,
	}).Info("Rotated signer epoch state")
	return s.cfg.Database.EpochState(ctx)
}

// processChunk signs one chunk and publishes every signed record, writing
// per-entry results back to the store. Results are paired to entries by
// index; a short result slice fails the unmatched tail.
func (s *Service) processChunk(ctx context.Context, summary *RunSummary, chunk []*types.Enrollment, state *types.EpochState) {
	entries := make([]signer.BatchEntry, len(chunk))
	for i, e := range chunk {
		entries[i] = signer.BatchEntry{
			EncryptedIPNSKey: base64.StdEncoding.EncodeToString(e.SealedKey),
			KeyEpoch:         e.KeyEpoch,
			IPNSName:         e.IPNSName,
			LatestCID:        e.LatestCID,
			SequenceNumber:   e.SequenceNumber,
			CurrentEpoch:     state.CurrentEpoch,
			PreviousEpoch:    state.PreviousEpoch,
		}
	}

	results, err := s.cfg.Signer.SignBatch(ctx, entries)
	if err != nil {
		if errors.Is(err, signer.ErrInvalidKeyFormat) {
			log.WithError(err).Warn("Signer returned malformed key material")
		}
		for _, e := range chunk {
			s.recordFailure(ctx, summary, e, "signer unreachable: "+err.Error())
		}
		return
	}

	for i, e := range chunk {
		if i >= len(results) {
			s.recordFailure(ctx, summary, e, "no result from signer")
			continue
		}
		s.processResult(ctx, summary, e, results[i])
	}
}

func (s *Service) processResult(ctx context.Context, summary *RunSummary, e *types.Enrollment, res signer.SignResult) {
	if !res.Success {
		msg := res.Error
		if msg == "" {
			msg = "unknown signer error"
		}
		s.recordFailure(ctx, summary, e, msg)
		return
	}

	if err := s.cfg.Publisher.Publish(ctx, e.IPNSName, res.SignedRecord); err != nil {
		// The signer already consumed a sequence number that will never land
		// on the routing layer. There is no undo; the row simply retries
		// through the normal backoff path with the next sequence number.
		s.recordFailure(ctx, summary, e, "publish failed after signing: "+err.Error())
		return
	}

	var upgrade *types.KeyUpgrade
	if res.UpgradedEncryptedKey != "" && res.UpgradedKeyEpoch != nil {
		sealed, err := base64.StdEncoding.DecodeString(res.UpgradedEncryptedKey)
		if err != nil {
			s.recordFailure(ctx, summary, e, "signer returned malformed upgraded key")
			return
		}
		upgrade = &types.KeyUpgrade{SealedKey: sealed, KeyEpoch: *res.UpgradedKeyEpoch}
	}

	if err := s.cfg.Database.RecordSuccess(ctx, e.ID, res.NewSequenceNumber, upgrade); err != nil {
		log.WithError(err).WithField("ipnsName", e.IPNSName).Error("Could not record publish success")
		summary.Failed++
		entriesProcessedTotal.WithLabelValues(entryResultFailure).Inc()
		return
	}

	if s.cfg.Mirror != nil {
		seq := res.NewSequenceNumber
		if seq == "" {
			seq = e.SequenceNumber
		}
		if err := s.cfg.Mirror.SyncSequence(ctx, e.Owner, e.IPNSName, seq); err != nil {
			log.WithError(err).WithField("ipnsName", e.IPNSName).Warn("Could not mirror sequence number")
		}
	}

	summary.Succeeded++
	entriesProcessedTotal.WithLabelValues(entryResultSuccess).Inc()
}

func (s *Service) recordFailure(ctx context.Context, summary *RunSummary, e *types.Enrollment, msg string) {
	if err := s.cfg.Database.RecordFailure(ctx, e.ID, msg); err != nil {
		log.WithError(err).WithField("ipnsName", e.IPNSName).Error("Could not record publish failure")
	}
	summary.Failed++
	entriesProcessedTotal.WithLabelValues(entryResultFailure).Inc()
}

func (s *Service) warnIfAllFailed(summary *RunSummary) {
	if summary.Processed > 0 && summary.Succeeded == 0 && summary.Failed == summary.Processed {
		log.WithField("processed", summary.Processed).Warn("Every entry in the run failed; signer or routing endpoint is likely down")
	}
}
