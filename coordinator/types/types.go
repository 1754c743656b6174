// Package types defines the core data model of the republish coordinator:
// enrollments, the signer epoch state and the rotation log.
package types

import (
	"time"
)

// Status describes where an enrollment sits in its lifecycle.
type Status string

const (
	// StatusActive enrollments publish on their regular schedule.
	StatusActive Status = "active"
	// StatusRetrying enrollments failed their last attempt and are on a
	// backoff schedule.
	StatusRetrying Status = "retrying"
	// StatusStale enrollments exhausted their failure budget and require
	// operator intervention before they are attempted again.
	StatusStale Status = "stale"
)

// MaxLastErrorLen bounds the stored last_error text of an enrollment.
const MaxLastErrorLen = 500

// Enrollment is one (owner, ipns name) pair kept alive by the coordinator.
// The sealed key is opaque; only the external signer can use it.
type Enrollment struct {
	ID                  string     `json:"id"`
	Owner               string     `json:"owner"`
	IPNSName            string     `json:"ipnsName"`
	SealedKey           []byte     `json:"sealedKey"`
	KeyEpoch            uint64     `json:"keyEpoch"`
	LatestCID           string     `json:"latestCid"`
	SequenceNumber      string     `json:"sequenceNumber"`
	NextDueAt           time.Time  `json:"nextDueAt"`
	LastPublishedAt     *time.Time `json:"lastPublishedAt,omitempty"`
	ConsecutiveFailures uint64     `json:"consecutiveFailures"`
	Status              Status     `json:"status"`
	LastError           string     `json:"lastError,omitempty"`
}

// KeyUpgrade carries a replacement sealed key produced by the signer when it
// re-seals an enrollment under a newer epoch. Both fields are rewritten in the
// same store transaction as the publish success that delivered them.
type KeyUpgrade struct {
	SealedKey []byte
	KeyEpoch  uint64
}

// EpochState is the singleton record describing the signer's sealing-key
// generations known to the coordinator.
type EpochState struct {
	CurrentEpoch      uint64     `json:"currentEpoch"`
	CurrentPublicKey  []byte     `json:"currentPublicKey"`
	PreviousEpoch     *uint64    `json:"previousEpoch,omitempty"`
	PreviousPublicKey []byte     `json:"previousPublicKey,omitempty"`
	GracePeriodEndsAt *time.Time `json:"gracePeriodEndsAt,omitempty"`
}

// IsGraceActive reports whether entries sealed under the previous epoch are
// still honored at the given time.
func (s *EpochState) IsGraceActive(now time.Time) bool {
	if s == nil || s.PreviousEpoch == nil || s.GracePeriodEndsAt == nil {
		return false
	}
	return now.Before(*s.GracePeriodEndsAt)
}

// RotationLogEntry records one epoch rotation. Entries are append-only and
// never mutated.
type RotationLogEntry struct {
	FromEpoch     uint64    `json:"fromEpoch"`
	ToEpoch       uint64    `json:"toEpoch"`
	FromPublicKey []byte    `json:"fromPublicKey"`
	ToPublicKey   []byte    `json:"toPublicKey"`
	Reason        string    `json:"reason"`
	CreatedAt     time.Time `json:"createdAt"`
}
