package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cipherbox/cipherbox/coordinator/db/kv"
	dbtest "github.com/cipherbox/cipherbox/coordinator/db/testing"
	"github.com/cipherbox/cipherbox/coordinator/health"
	"github.com/cipherbox/cipherbox/coordinator/scheduler"
	"github.com/cipherbox/cipherbox/coordinator/signer"
	"github.com/cipherbox/cipherbox/shared/testutil/assert"
	"github.com/cipherbox/cipherbox/shared/testutil/require"
)

type fakeScheduler struct {
	summary *scheduler.RunSummary
	err     error
}

func (f *fakeScheduler) ForceRun(_ context.Context) (*scheduler.RunSummary, error) {
	return f.summary, f.err
}

type fakeSignerNode struct {
	healthy bool
}

func (f *fakeSignerNode) Health(_ context.Context) (*signer.HealthStatus, error) {
	return &signer.HealthStatus{Healthy: f.healthy, Epoch: 1}, nil
}

type adminEnv struct {
	db        *kv.Store
	scheduler *fakeScheduler
	service   *Service
	now       *time.Time
}

func setupAdmin(t *testing.T, secret string) *adminEnv {
	base := time.Unix(1700000000, 0).UTC()
	now := base
	cfg := &kv.Config{
		PublishInterval: time.Hour,
		MaxFailures:     1,
		BaseBackoff:     30 * time.Second,
		MaxBackoff:      time.Hour,
		GracePeriod:     time.Hour,
	}
	store := dbtest.SetupDB(t, cfg, kv.WithClock(func() time.Time { return now }))
	sched := &fakeScheduler{summary: &scheduler.RunSummary{}}
	svc := New(&Config{
		Addr:      "127.0.0.1:0",
		Secret:    secret,
		Database:  store,
		Checker:   health.NewChecker(store, health.NewTracker(&fakeSignerNode{healthy: true})),
		Scheduler: sched,
	})
	return &adminEnv{db: store, scheduler: sched, service: svc, now: &now}
}

func (e *adminEnv) do(t *testing.T, method, target, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.service.server.Handler.ServeHTTP(rec, req)
	return rec
}

func TestService_Auth(t *testing.T) {
	env := setupAdmin(t, "s3cret")

	rec := env.do(t, http.MethodGet, "/admin/republish-health", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodGet, "/admin/republish-health", "wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodGet, "/admin/republish-health", "s3cret")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestService_RepublishHealth(t *testing.T) {
	env := setupAdmin(t, "")
	ctx := context.Background()
	_, err := env.db.UpsertEnrollment(ctx, "owner-1", "name-a", []byte("sealed"), 1, "cid", "1")
	require.NoError(t, err)
	require.NoError(t, env.db.InitializeEpoch(ctx, 4, []byte{0x04}))

	rec := env.do(t, http.MethodGet, "/admin/republish-health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var stats health.Stats
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&stats))
	assert.Equal(t, uint64(1), stats.Pending)
	require.NotNil(t, stats.CurrentEpoch)
	assert.Equal(t, uint64(4), *stats.CurrentEpoch)
	assert.Equal(t, true, stats.SignerHealthy)
}

func TestService_ReactivateStale(t *testing.T) {
	env := setupAdmin(t, "")
	ctx := context.Background()
	row, err := env.db.UpsertEnrollment(ctx, "owner-1", "name-a", []byte("sealed"), 1, "cid", "1")
	require.NoError(t, err)
	require.NoError(t, env.db.RecordFailure(ctx, row.ID, "down"))

	rec := env.do(t, http.MethodPost, "/admin/reactivate-stale", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]int
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, 1, body["reactivated"])

	rec = env.do(t, http.MethodPost, "/admin/reactivate-stale", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, 0, body["reactivated"])
}

func TestService_ForceRun(t *testing.T) {
	env := setupAdmin(t, "")
	env.scheduler.summary = &scheduler.RunSummary{Processed: 3, Succeeded: 2, Failed: 1}

	rec := env.do(t, http.MethodPost, "/admin/force-run", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var summary scheduler.RunSummary
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&summary))
	require.DeepEqual(t, *env.scheduler.summary, summary)

	env.scheduler.summary = nil
	env.scheduler.err = scheduler.ErrRunInProgress
	rec = env.do(t, http.MethodPost, "/admin/force-run", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestService_DeprecatePreviousEpoch(t *testing.T) {
	env := setupAdmin(t, "")
	ctx := context.Background()

	// Nothing to deprecate on a fresh store.
	rec := env.do(t, http.MethodPost, "/admin/deprecate-previous-epoch", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]bool
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, false, body["deprecated"])

	require.NoError(t, env.db.InitializeEpoch(ctx, 1, []byte{0x04}))
	require.NoError(t, env.db.RotateEpoch(ctx, 2, []byte{0x04, 0x01}, "scheduled rotation"))

	// Still inside the grace window.
	rec = env.do(t, http.MethodPost, "/admin/deprecate-previous-epoch", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	*env.now = env.now.Add(2 * time.Hour)
	rec = env.do(t, http.MethodPost, "/admin/deprecate-previous-epoch", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, true, body["deprecated"])
}

func TestService_RotationHistory(t *testing.T) {
	env := setupAdmin(t, "")
	ctx := context.Background()
	require.NoError(t, env.db.InitializeEpoch(ctx, 1, []byte{0x04}))
	require.NoError(t, env.db.RotateEpoch(ctx, 2, []byte{0x04, 0x01}, "scheduled rotation"))
	require.NoError(t, env.db.RotateEpoch(ctx, 3, []byte{0x04, 0x02}, "key compromise"))

	rec := env.do(t, http.MethodGet, "/admin/rotation-history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []struct {
		FromEpoch uint64 `json:"fromEpoch"`
		ToEpoch   uint64 `json:"toEpoch"`
		Reason    string `json:"reason"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&entries))
	require.Equal(t, 2, len(entries))
	assert.Equal(t, uint64(3), entries[0].ToEpoch)
	assert.Equal(t, "key compromise", entries[0].Reason)

	rec = env.do(t, http.MethodGet, "/admin/rotation-history?limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&entries))
	assert.Equal(t, 1, len(entries))

	rec = env.do(t, http.MethodGet, "/admin/rotation-history?limit=-4", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(t, http.MethodGet, "/admin/rotation-history?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
