// Package enrollment is the in-process entrypoint collaborators use to place
// an IPNS name under coordinator management. Input validation happens here,
// at the boundary; once a request passes the guards the store types encode
// validity.
package enrollment

import (
	"context"
	"strconv"

	"github.com/cipherbox/cipherbox/coordinator/db"
	"github.com/cipherbox/cipherbox/coordinator/types"
	"github.com/pkg/errors"
)

// maxNameLen bounds both ipns names and CIDs.
const maxNameLen = 255

var (
	// ErrMissingOwner is returned when the owner reference is empty.
	ErrMissingOwner = errors.New("owner must not be empty")
	// ErrInvalidIPNSName is returned for a name that is empty, too long or
	// not printable ASCII.
	ErrInvalidIPNSName = errors.New("ipns name must be printable ASCII of at most 255 characters")
	// ErrInvalidCID is returned for a CID that is empty, too long or not
	// printable ASCII.
	ErrInvalidCID = errors.New("cid must be printable ASCII of at most 255 characters")
	// ErrMissingSealedKey is returned when no sealed key material is supplied.
	ErrMissingSealedKey = errors.New("sealed key must not be empty")
	// ErrInvalidSequenceNumber is returned when the sequence number is not a
	// decimal uint64 string.
	ErrInvalidSequenceNumber = errors.New("sequence number must be a decimal unsigned 64-bit integer string")
)

// Request carries everything needed to register or refresh an enrollment.
// The sealed key is opaque to the coordinator.
type Request struct {
	Owner          string
	IPNSName       string
	SealedKey      []byte
	KeyEpoch       uint64
	LatestCID      string
	SequenceNumber string
}

// Service validates and applies enrollment requests.
type Service struct {
	db db.Database
}

// NewService creates an enrollment service on top of the store.
func NewService(database db.Database) *Service {
	return &Service{db: database}
}

// Enroll registers or refreshes the enrollment for (owner, ipns name). The
// row is reset to a clean active state and scheduled one publish interval
// out; calling it twice with the same request is equivalent to calling it
// once.
func (s *Service) Enroll(ctx context.Context, req *Request) (*types.Enrollment, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	return s.db.UpsertEnrollment(ctx, req.Owner, req.IPNSName, req.SealedKey, req.KeyEpoch, req.LatestCID, req.SequenceNumber)
}

// RemoveOwner cascades an owner deletion into the coordinator store.
func (s *Service) RemoveOwner(ctx context.Context, owner string) (int, error) {
	if owner == "" {
		return 0, ErrMissingOwner
	}
	return s.db.DeleteEnrollmentsByOwner(ctx, owner)
}

func validate(req *Request) error {
	if req.Owner == "" {
		return ErrMissingOwner
	}
	if !printableASCII(req.IPNSName) {
		return ErrInvalidIPNSName
	}
	if !printableASCII(req.LatestCID) {
		return ErrInvalidCID
	}
	if len(req.SealedKey) == 0 {
		return ErrMissingSealedKey
	}
	if _, err := strconv.ParseUint(req.SequenceNumber, 10, 64); err != nil {
		return ErrInvalidSequenceNumber
	}
	return nil
}

// printableASCII accepts non-empty strings of at most 255 visible ASCII
// bytes. Slashes and dot segments are rejected so a stored value can never
// rewrite a URL path it is spliced into.
func printableASCII(s string) bool {
	if len(s) == 0 || len(s) > maxNameLen || s == "." || s == ".." {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < 0x21 || s[i] > 0x7e || s[i] == '/' {
			return false
		}
	}
	return true
}
