package kv

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"strconv"
	"strings"
	"time"

	"github.com/boltdb/bolt"
	"github.com/cipherbox/cipherbox/coordinator/types"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
)

// MaxDueBatch is the hard cap on rows returned by a single due query. Rows
// beyond the cap roll to the next scheduler tick.
const MaxDueBatch = 500

var (
	// ErrNotFound is returned when no enrollment exists for the requested key.
	ErrNotFound = errors.New("enrollment not found")
)

const enrollmentCacheTTL = 5 * time.Minute

// Enrollment retrieves an enrollment row by id.
func (s *Store) Enrollment(ctx context.Context, id string) (*types.Enrollment, error) {
	ctx, span := trace.StartSpan(ctx, "CoordinatorDB.Enrollment")
	defer span.End()
	if item := s.enrollmentCache.Get(id); item != nil && !item.Expired() {
		return item.Value().(*types.Enrollment), nil
	}
	var enrollment *types.Enrollment
	err := s.db.View(func(tx *bolt.Tx) error {
		enc := tx.Bucket(enrollmentsBucket).Get([]byte(id))
		if enc == nil {
			return ErrNotFound
		}
		var err error
		enrollment, err = decodeEnrollment(enc)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.enrollmentCache.Set(id, enrollment, enrollmentCacheTTL)
	return enrollment, nil
}

// EnrollmentByName retrieves an enrollment row by its unique (owner, name) pair.
func (s *Store) EnrollmentByName(ctx context.Context, owner, ipnsName string) (*types.Enrollment, error) {
	ctx, span := trace.StartSpan(ctx, "CoordinatorDB.EnrollmentByName")
	defer span.End()
	var id []byte
	if err := s.db.View(func(tx *bolt.Tx) error {
		id = tx.Bucket(nameIndexBucket).Get(nameIndexKey(owner, ipnsName))
		if id == nil {
			return ErrNotFound
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return s.Enrollment(ctx, string(id))
}

// DueEnrollments returns up to limit enrollments whose next due time has
// passed, ordered by due time ascending. Only active and retrying rows are
// indexed, so stale rows never surface here.
func (s *Store) DueEnrollments(ctx context.Context, now time.Time, limit int) ([]*types.Enrollment, error) {
	ctx, span := trace.StartSpan(ctx, "CoordinatorDB.DueEnrollments")
	defer span.End()
	if limit <= 0 || limit > MaxDueBatch {
		limit = MaxDueBatch
	}
	cutoff := uint64(now.UnixNano())
	due := make([]*types.Enrollment, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		enrollments := tx.Bucket(enrollmentsBucket)
		c := tx.Bucket(dueIndexBucket).Cursor()
		for k, v := c.First(); k != nil && len(due) < limit; k, v = c.Next() {
			if binary.BigEndian.Uint64(k[:8]) > cutoff {
				break
			}
			enc := enrollments.Get(v)
			if enc == nil {
				continue
			}
			enrollment, err := decodeEnrollment(enc)
			if err != nil {
				return err
			}
			due = append(due, enrollment)
		}
		return nil
	})
	return due, err
}

// UpsertEnrollment creates or overwrites the row for (owner, ipnsName). The
// row is reset to a clean active state and scheduled one publish interval out.
// Existing rows keep their id so the operation is idempotent.
func (s *Store) UpsertEnrollment(ctx context.Context, owner, ipnsName string, sealedKey []byte, keyEpoch uint64, latestCID, sequenceNumber string) (*types.Enrollment, error) {
	ctx, span := trace.StartSpan(ctx, "CoordinatorDB.UpsertEnrollment")
	defer span.End()
	now := s.now()
	next := &types.Enrollment{
		Owner:          owner,
		IPNSName:       ipnsName,
		SealedKey:      sealedKey,
		KeyEpoch:       keyEpoch,
		LatestCID:      latestCID,
		SequenceNumber: sequenceNumber,
		NextDueAt:      now.Add(s.cfg.PublishInterval),
		Status:         types.StatusActive,
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		var prev *types.Enrollment
		if id := tx.Bucket(nameIndexBucket).Get(nameIndexKey(owner, ipnsName)); id != nil {
			enc := tx.Bucket(enrollmentsBucket).Get(id)
			if enc != nil {
				var err error
				prev, err = decodeEnrollment(enc)
				if err != nil {
					return err
				}
			}
		}
		if prev != nil {
			next.ID = prev.ID
			next.LastPublishedAt = prev.LastPublishedAt
		} else {
			next.ID = uuid.New().String()
		}
		return s.putEnrollment(tx, prev, next)
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}

// RecordSuccess marks a publish attempt as fully landed. The sequence number
// reported by the signer is adopted, failure bookkeeping resets and the row is
// rescheduled one publish interval out. When the signer re-sealed the key
// under a newer epoch, the sealed key and epoch are rewritten in the same
// transaction.
func (s *Store) RecordSuccess(ctx context.Context, id, newSequenceNumber string, upgrade *types.KeyUpgrade) error {
	ctx, span := trace.StartSpan(ctx, "CoordinatorDB.RecordSuccess")
	defer span.End()
	now := s.now()
	return s.db.Update(func(tx *bolt.Tx) error {
		prev, err := getEnrollmentTx(tx, id)
		if err != nil {
			return err
		}
		next := *prev
		if newSequenceNumber != "" {
			// The sequence number never decreases after a successful publish.
			next.SequenceNumber = maxSequence(prev.SequenceNumber, newSequenceNumber)
		}
		publishedAt := now
		next.LastPublishedAt = &publishedAt
		next.ConsecutiveFailures = 0
		next.Status = types.StatusActive
		next.LastError = ""
		next.NextDueAt = now.Add(s.cfg.PublishInterval)
		if upgrade != nil {
			next.SealedKey = upgrade.SealedKey
			next.KeyEpoch = upgrade.KeyEpoch
		}
		return s.putEnrollment(tx, prev, &next)
	})
}

// RecordFailure increments the failure counter and either schedules a backoff
// retry or parks the row as stale once the failure budget is exhausted.
func (s *Store) RecordFailure(ctx context.Context, id, errMsg string) error {
	ctx, span := trace.StartSpan(ctx, "CoordinatorDB.RecordFailure")
	defer span.End()
	now := s.now()
	return s.db.Update(func(tx *bolt.Tx) error {
		prev, err := getEnrollmentTx(tx, id)
		if err != nil {
			return err
		}
		next := *prev
		next.ConsecutiveFailures = prev.ConsecutiveFailures + 1
		next.LastError = truncateError(redactSealedKey(errMsg, prev.SealedKey))
		if next.ConsecutiveFailures >= s.cfg.MaxFailures {
			next.Status = types.StatusStale
			next.NextDueAt = now.Add(staleParkDuration)
		} else {
			next.Status = types.StatusRetrying
			next.NextDueAt = now.Add(s.backoff(next.ConsecutiveFailures))
		}
		return s.putEnrollment(tx, prev, &next)
	})
}

// ReactivateStale flips every stale row back to active with an immediate due
// time and a reset failure counter. It returns the number of rows touched.
func (s *Store) ReactivateStale(ctx context.Context) (int, error) {
	ctx, span := trace.StartSpan(ctx, "CoordinatorDB.ReactivateStale")
	defer span.End()
	now := s.now()
	count := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(enrollmentsBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			prev, err := decodeEnrollment(v)
			if err != nil {
				return err
			}
			if prev.Status != types.StatusStale {
				continue
			}
			next := *prev
			next.Status = types.StatusActive
			next.ConsecutiveFailures = 0
			next.NextDueAt = now
			if err := s.putEnrollment(tx, prev, &next); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// DeleteEnrollmentsByOwner removes every enrollment belonging to the owner.
// Called when the owning user account is deleted.
func (s *Store) DeleteEnrollmentsByOwner(ctx context.Context, owner string) (int, error) {
	ctx, span := trace.StartSpan(ctx, "CoordinatorDB.DeleteEnrollmentsByOwner")
	defer span.End()
	prefix := append([]byte(owner), nameIndexSeparator)
	count := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		names := tx.Bucket(nameIndexBucket)
		enrollments := tx.Bucket(enrollmentsBucket)
		dues := tx.Bucket(dueIndexBucket)
		c := names.Cursor()
		for k, id := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, id = c.Next() {
			if enc := enrollments.Get(id); enc != nil {
				prev, err := decodeEnrollment(enc)
				if err != nil {
					return err
				}
				if err := dues.Delete(dueIndexKey(prev.NextDueAt.UnixNano(), prev.ID)); err != nil {
					return err
				}
				if err := enrollments.Delete(id); err != nil {
					return err
				}
				s.enrollmentCache.Delete(prev.ID)
				count++
			}
			if err := names.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// StatusCounts returns the number of enrollments per status.
func (s *Store) StatusCounts(ctx context.Context) (map[types.Status]uint64, error) {
	ctx, span := trace.StartSpan(ctx, "CoordinatorDB.StatusCounts")
	defer span.End()
	counts := map[types.Status]uint64{
		types.StatusActive:   0,
		types.StatusRetrying: 0,
		types.StatusStale:    0,
	}
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(enrollmentsBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			enrollment, err := decodeEnrollment(v)
			if err != nil {
				return err
			}
			counts[enrollment.Status]++
		}
		return nil
	})
	return counts, err
}

// LastRunTime returns the most recent successful publish time across active
// rows, or nil if nothing has ever published.
func (s *Store) LastRunTime(ctx context.Context) (*time.Time, error) {
	ctx, span := trace.StartSpan(ctx, "CoordinatorDB.LastRunTime")
	defer span.End()
	var last *time.Time
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(enrollmentsBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			enrollment, err := decodeEnrollment(v)
			if err != nil {
				return err
			}
			if enrollment.Status != types.StatusActive || enrollment.LastPublishedAt == nil {
				continue
			}
			if last == nil || enrollment.LastPublishedAt.After(*last) {
				t := *enrollment.LastPublishedAt
				last = &t
			}
		}
		return nil
	})
	return last, err
}

// putEnrollment writes the row and keeps the name and due indexes in sync.
// prev may be nil for inserts.
func (s *Store) putEnrollment(tx *bolt.Tx, prev, next *types.Enrollment) error {
	enrollments := tx.Bucket(enrollmentsBucket)
	names := tx.Bucket(nameIndexBucket)
	dues := tx.Bucket(dueIndexBucket)

	if prev != nil {
		if err := dues.Delete(dueIndexKey(prev.NextDueAt.UnixNano(), prev.ID)); err != nil {
			return err
		}
	}
	enc, err := encodeEnrollment(next)
	if err != nil {
		return err
	}
	if err := enrollments.Put([]byte(next.ID), enc); err != nil {
		return err
	}
	if err := names.Put(nameIndexKey(next.Owner, next.IPNSName), []byte(next.ID)); err != nil {
		return err
	}
	if next.Status == types.StatusActive || next.Status == types.StatusRetrying {
		if err := dues.Put(dueIndexKey(next.NextDueAt.UnixNano(), next.ID), []byte(next.ID)); err != nil {
			return err
		}
	}
	s.enrollmentCache.Delete(next.ID)
	return nil
}

func getEnrollmentTx(tx *bolt.Tx, id string) (*types.Enrollment, error) {
	enc := tx.Bucket(enrollmentsBucket).Get([]byte(id))
	if enc == nil {
		return nil, ErrNotFound
	}
	return decodeEnrollment(enc)
}

// backoff doubles the base delay per consecutive failure, capped at the
// configured maximum.
func (s *Store) backoff(failures uint64) time.Duration {
	if failures > 32 {
		failures = 32
	}
	d := s.cfg.BaseBackoff << failures
	if d <= 0 || d > s.cfg.MaxBackoff {
		return s.cfg.MaxBackoff
	}
	return d
}

// redactSealedKey strips any rendering of the row's sealed key out of a
// failure message before it is persisted. Transport errors can echo request
// bodies, which carry the base64 form of the key.
func redactSealedKey(msg string, sealedKey []byte) string {
	if len(sealedKey) == 0 {
		return msg
	}
	for _, leak := range []string{base64.StdEncoding.EncodeToString(sealedKey), string(sealedKey)} {
		msg = strings.ReplaceAll(msg, leak, "[redacted]")
	}
	return msg
}

func truncateError(msg string) string {
	runes := []rune(msg)
	if len(runes) <= types.MaxLastErrorLen {
		return msg
	}
	return string(runes[:types.MaxLastErrorLen])
}

// maxSequence compares two decimal sequence number strings and returns the
// larger one. Unparseable values lose to parseable ones.
func maxSequence(a, b string) string {
	av, aerr := strconv.ParseUint(a, 10, 64)
	bv, berr := strconv.ParseUint(b, 10, 64)
	switch {
	case aerr != nil:
		return b
	case berr != nil:
		return a
	case bv >= av:
		return b
	default:
		return a
	}
}
