package kv

import (
	"context"
	"encoding/binary"

	"github.com/boltdb/bolt"
	"github.com/cipherbox/cipherbox/coordinator/types"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
)

var (
	// ErrEpochStateExists is returned when initializing an already
	// initialized epoch state.
	ErrEpochStateExists = errors.New("epoch state already initialized")
	// ErrNoEpochState is returned when rotating before initialization.
	ErrNoEpochState = errors.New("epoch state not initialized")
	// ErrGracePeriodActive is returned when deprecating the previous epoch
	// before its grace period has expired.
	ErrGracePeriodActive = errors.New("previous epoch grace period still active")
)

// EpochState reads the singleton epoch record. A nil state with a nil error
// means the coordinator has not yet made first contact with the signer.
func (s *Store) EpochState(ctx context.Context) (*types.EpochState, error) {
	ctx, span := trace.StartSpan(ctx, "CoordinatorDB.EpochState")
	defer span.End()
	var state *types.EpochState
	err := s.db.View(func(tx *bolt.Tx) error {
		enc := tx.Bucket(epochStateBucket).Get(epochStateKey)
		if enc == nil {
			return nil
		}
		var err error
		state, err = decodeEpochState(enc)
		return err
	})
	return state, err
}

// InitializeEpoch writes the first epoch state. It fails if a state already
// exists; rotation is the only path that replaces an existing state.
func (s *Store) InitializeEpoch(ctx context.Context, epoch uint64, publicKey []byte) error {
	ctx, span := trace.StartSpan(ctx, "CoordinatorDB.InitializeEpoch")
	defer span.End()
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(epochStateBucket)
		if bkt.Get(epochStateKey) != nil {
			return ErrEpochStateExists
		}
		enc, err := encodeEpochState(&types.EpochState{
			CurrentEpoch:     epoch,
			CurrentPublicKey: publicKey,
		})
		if err != nil {
			return err
		}
		return bkt.Put(epochStateKey, enc)
	})
}

// RotateEpoch shifts the current epoch into the previous slot, installs the
// new epoch and opens the grace window, appending a rotation log entry in the
// same transaction.
func (s *Store) RotateEpoch(ctx context.Context, newEpoch uint64, newPublicKey []byte, reason string) error {
	ctx, span := trace.StartSpan(ctx, "CoordinatorDB.RotateEpoch")
	defer span.End()
	now := s.now()
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(epochStateBucket)
		enc := bkt.Get(epochStateKey)
		if enc == nil {
			return ErrNoEpochState
		}
		state, err := decodeEpochState(enc)
		if err != nil {
			return err
		}

		logBkt := tx.Bucket(rotationLogBucket)
		seq, err := logBkt.NextSequence()
		if err != nil {
			return err
		}
		entryEnc, err := encodeRotationLogEntry(&types.RotationLogEntry{
			FromEpoch:     state.CurrentEpoch,
			ToEpoch:       newEpoch,
			FromPublicKey: state.CurrentPublicKey,
			ToPublicKey:   newPublicKey,
			Reason:        reason,
			CreatedAt:     now,
		})
		if err != nil {
			return err
		}
		seqKey := make([]byte, 8)
		binary.BigEndian.PutUint64(seqKey, seq)
		if err := logBkt.Put(seqKey, entryEnc); err != nil {
			return err
		}

		prevEpoch := state.CurrentEpoch
		graceEnd := now.Add(s.cfg.GracePeriod)
		next := &types.EpochState{
			CurrentEpoch:      newEpoch,
			CurrentPublicKey:  newPublicKey,
			PreviousEpoch:     &prevEpoch,
			PreviousPublicKey: state.CurrentPublicKey,
			GracePeriodEndsAt: &graceEnd,
		}
		nextEnc, err := encodeEpochState(next)
		if err != nil {
			return err
		}
		return bkt.Put(epochStateKey, nextEnc)
	})
}

// DeprecatePreviousEpoch clears the previous epoch fields once the grace
// window has expired (or was never set). It reports whether anything was
// cleared; calling it with no previous epoch is a no-op.
func (s *Store) DeprecatePreviousEpoch(ctx context.Context) (bool, error) {
	ctx, span := trace.StartSpan(ctx, "CoordinatorDB.DeprecatePreviousEpoch")
	defer span.End()
	now := s.now()
	cleared := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(epochStateBucket)
		enc := bkt.Get(epochStateKey)
		if enc == nil {
			return nil
		}
		state, err := decodeEpochState(enc)
		if err != nil {
			return err
		}
		if state.PreviousEpoch == nil {
			return nil
		}
		if state.GracePeriodEndsAt != nil && now.Before(*state.GracePeriodEndsAt) {
			return ErrGracePeriodActive
		}
		state.PreviousEpoch = nil
		state.PreviousPublicKey = nil
		state.GracePeriodEndsAt = nil
		nextEnc, err := encodeEpochState(state)
		if err != nil {
			return err
		}
		if err := bkt.Put(epochStateKey, nextEnc); err != nil {
			return err
		}
		cleared = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return cleared, nil
}

// RotationHistory returns up to limit rotation log entries, most recent first.
func (s *Store) RotationHistory(ctx context.Context, limit int) ([]*types.RotationLogEntry, error) {
	ctx, span := trace.StartSpan(ctx, "CoordinatorDB.RotationHistory")
	defer span.End()
	if limit <= 0 {
		limit = 20
	}
	entries := make([]*types.RotationLogEntry, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(rotationLogBucket).Cursor()
		for k, v := c.Last(); k != nil && len(entries) < limit; k, v = c.Prev() {
			entry, err := decodeRotationLogEntry(v)
			if err != nil {
				return err
			}
			entries = append(entries, entry)
		}
		return nil
	})
	return entries, err
}
