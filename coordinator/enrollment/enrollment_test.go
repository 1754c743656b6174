package enrollment

import (
	"context"
	"strings"
	"testing"

	dbtest "github.com/cipherbox/cipherbox/coordinator/db/testing"
	"github.com/cipherbox/cipherbox/coordinator/types"
	"github.com/cipherbox/cipherbox/shared/testutil/assert"
	"github.com/cipherbox/cipherbox/shared/testutil/require"
)

func validRequest() *Request {
	return &Request{
		Owner:          "user-123",
		IPNSName:       "k51qzi5uqu5dk",
		SealedKey:      []byte("sealed"),
		KeyEpoch:       1,
		LatestCID:      "bafybeigdyr",
		SequenceNumber: "42",
	}
}

func TestService_Enroll_Validation(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(r *Request)
		wantErr error
	}{
		{
			name:    "missing owner",
			mutate:  func(r *Request) { r.Owner = "" },
			wantErr: ErrMissingOwner,
		},
		{
			name:    "empty ipns name",
			mutate:  func(r *Request) { r.IPNSName = "" },
			wantErr: ErrInvalidIPNSName,
		},
		{
			name:    "ipns name too long",
			mutate:  func(r *Request) { r.IPNSName = strings.Repeat("k", 256) },
			wantErr: ErrInvalidIPNSName,
		},
		{
			name:    "ipns name with space",
			mutate:  func(r *Request) { r.IPNSName = "k51 qzi" },
			wantErr: ErrInvalidIPNSName,
		},
		{
			name:    "ipns name with control character",
			mutate:  func(r *Request) { r.IPNSName = "k51\x00qzi" },
			wantErr: ErrInvalidIPNSName,
		},
		{
			name:    "ipns name with slash",
			mutate:  func(r *Request) { r.IPNSName = "k51qzi/../other" },
			wantErr: ErrInvalidIPNSName,
		},
		{
			name:    "ipns name is a dot segment",
			mutate:  func(r *Request) { r.IPNSName = ".." },
			wantErr: ErrInvalidIPNSName,
		},
		{
			name:    "empty cid",
			mutate:  func(r *Request) { r.LatestCID = "" },
			wantErr: ErrInvalidCID,
		},
		{
			name:    "cid too long",
			mutate:  func(r *Request) { r.LatestCID = strings.Repeat("b", 256) },
			wantErr: ErrInvalidCID,
		},
		{
			name:    "missing sealed key",
			mutate:  func(r *Request) { r.SealedKey = nil },
			wantErr: ErrMissingSealedKey,
		},
		{
			name:    "sequence number not a number",
			mutate:  func(r *Request) { r.SequenceNumber = "forty-two" },
			wantErr: ErrInvalidSequenceNumber,
		},
		{
			name:    "negative sequence number",
			mutate:  func(r *Request) { r.SequenceNumber = "-1" },
			wantErr: ErrInvalidSequenceNumber,
		},
		{
			name:    "sequence number overflows uint64",
			mutate:  func(r *Request) { r.SequenceNumber = "18446744073709551616" },
			wantErr: ErrInvalidSequenceNumber,
		},
	}
	store := dbtest.SetupDB(t, nil)
	svc := NewService(store)
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			req := validRequest()
			c.mutate(req)
			_, err := svc.Enroll(context.Background(), req)
			require.ErrorIs(t, err, c.wantErr)
		})
	}
}

func TestService_Enroll(t *testing.T) {
	store := dbtest.SetupDB(t, nil)
	svc := NewService(store)
	ctx := context.Background()

	row, err := svc.Enroll(ctx, validRequest())
	require.NoError(t, err)
	assert.Equal(t, types.StatusActive, row.Status)
	assert.Equal(t, "42", row.SequenceNumber)

	// Enrolling the same pair again refreshes the row in place.
	req := validRequest()
	req.LatestCID = "bafynewroot"
	again, err := svc.Enroll(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, row.ID, again.ID)
	assert.Equal(t, "bafynewroot", again.LatestCID)

	// The max sequence value is still a valid decimal string.
	req = validRequest()
	req.IPNSName = "k51maxseq"
	req.SequenceNumber = "18446744073709551615"
	_, err = svc.Enroll(ctx, req)
	require.NoError(t, err)
}

func TestService_RemoveOwner(t *testing.T) {
	store := dbtest.SetupDB(t, nil)
	svc := NewService(store)
	ctx := context.Background()

	_, err := svc.RemoveOwner(ctx, "")
	require.ErrorIs(t, err, ErrMissingOwner)

	for _, name := range []string{"name-a", "name-b"} {
		req := validRequest()
		req.IPNSName = name
		_, err := svc.Enroll(ctx, req)
		require.NoError(t, err)
	}

	n, err := svc.RemoveOwner(ctx, "user-123")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = svc.RemoveOwner(ctx, "user-123")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
