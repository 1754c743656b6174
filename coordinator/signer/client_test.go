package signer

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cipherbox/cipherbox/shared/testutil/assert"
	"github.com/cipherbox/cipherbox/shared/testutil/require"
)

func validPublicKeyHex() string {
	key := make([]byte, 65)
	key[0] = 0x04
	key[64] = 0x7f
	return hex.EncodeToString(key)
}

func TestNewClient_Urls(t *testing.T) {
	cases := []struct {
		name    string
		in      string
		url     string
		wantErr error
	}{
		{name: "full url", in: "https://signer.internal:3001", url: "https://signer.internal:3001"},
		{name: "host and port", in: "localhost:3001", url: "http://localhost:3001"},
		{name: "bare hostname", in: "signer.internal", wantErr: ErrMalformedHostname},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cl, err := NewClient(c.in)
			if c.wantErr != nil {
				require.ErrorIs(t, err, c.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.url, cl.NodeURL())
		})
	}
}

func TestClient_Health(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, healthPath, r.URL.Path)
		fmt.Fprint(w, `{"healthy":true,"epoch":3}`)
	}))
	defer srv.Close()

	cl, err := NewClient(srv.URL)
	require.NoError(t, err)
	hs, err := cl.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, true, hs.Healthy)
	assert.Equal(t, uint64(3), hs.Epoch)
}

func TestClient_AuthenticationToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer s3cret", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"healthy":true,"epoch":1}`)
	}))
	defer srv.Close()

	cl, err := NewClient(srv.URL, WithAuthenticationToken("s3cret"))
	require.NoError(t, err)
	_, err = cl.Health(context.Background())
	require.NoError(t, err)
}

func TestClient_PublicKey(t *testing.T) {
	shortKey := make([]byte, 33)
	shortKey[0] = 0x04
	compressed := make([]byte, 65)
	compressed[0] = 0x02

	cases := []struct {
		name    string
		keyHex  string
		wantErr bool
	}{
		{name: "valid uncompressed key", keyHex: validPublicKeyHex()},
		{name: "not hex", keyHex: "zzzz", wantErr: true},
		{name: "wrong length", keyHex: hex.EncodeToString(shortKey), wantErr: true},
		{name: "wrong prefix", keyHex: hex.EncodeToString(compressed), wantErr: true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, publicKeyPath, r.URL.Path)
				assert.Equal(t, "7", r.URL.Query().Get("epoch"))
				fmt.Fprintf(w, `{"publicKey":%q}`, c.keyHex)
			}))
			defer srv.Close()

			cl, err := NewClient(srv.URL)
			require.NoError(t, err)
			key, err := cl.PublicKey(context.Background(), 7)
			if c.wantErr {
				require.ErrorIs(t, err, ErrInvalidKeyFormat)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.keyHex, hex.EncodeToString(key))
		})
	}
}

func TestClient_SignBatch(t *testing.T) {
	prev := uint64(1)
	entries := []BatchEntry{
		{
			EncryptedIPNSKey: "c2VhbGVk",
			KeyEpoch:         1,
			IPNSName:         "k51qzi5uqu5dk",
			LatestCID:        "bafybeigdyr",
			SequenceNumber:   "42",
			CurrentEpoch:     2,
			PreviousEpoch:    &prev,
		},
		{
			EncryptedIPNSKey: "c2VhbGVkLTI=",
			KeyEpoch:         2,
			IPNSName:         "k51other",
			LatestCID:        "bafyother",
			SequenceNumber:   "7",
			CurrentEpoch:     2,
			PreviousEpoch:    &prev,
		},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, republishPath, r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		var req signBatchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, 2, len(req.Entries))
		assert.Equal(t, "42", req.Entries[0].SequenceNumber)
		// The signer may legally answer fewer results than entries.
		fmt.Fprint(w, `{"results":[{"ipnsName":"k51qzi5uqu5dk","success":true,"signedRecord":"c2ln","newSequenceNumber":"43"}]}`)
	}))
	defer srv.Close()

	cl, err := NewClient(srv.URL)
	require.NoError(t, err)
	results, err := cl.SignBatch(context.Background(), entries)
	require.NoError(t, err)
	require.Equal(t, 1, len(results))
	assert.Equal(t, true, results[0].Success)
	assert.Equal(t, "43", results[0].NewSequenceNumber)
}

func TestClient_SignBatch_TooManyResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"results":[{"success":true},{"success":true}]}`)
	}))
	defer srv.Close()

	cl, err := NewClient(srv.URL)
	require.NoError(t, err)
	_, err = cl.SignBatch(context.Background(), []BatchEntry{{IPNSName: "k51qzi5uqu5dk"}})
	require.ErrorContains(t, "2 results for 1 entries", err)
}

func TestClient_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
		fmt.Fprint(w, `{"healthy":true}`)
	}))
	defer srv.Close()

	cl, err := NewClient(srv.URL, WithTimeout(20*time.Millisecond))
	require.NoError(t, err)
	_, err = cl.Health(context.Background())
	require.ErrorIs(t, err, ErrSignerTimeout)

	_, err = cl.SignBatch(context.Background(), []BatchEntry{{IPNSName: "k51qzi5uqu5dk"}})
	require.ErrorIs(t, err, ErrSignerTimeout)
}

func TestClient_Non200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	cl, err := NewClient(srv.URL)
	require.NoError(t, err)
	_, err = cl.Health(context.Background())
	require.ErrorIs(t, err, ErrNotOK)
}
