// Package admin exposes the operator surface of the republish coordinator:
// health, stale reactivation, force-run, epoch deprecation and the rotation
// audit log. Authentication proper lives with a collaborator; the service
// only enforces an optional shared bearer secret.
package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cipherbox/cipherbox/coordinator/db"
	"github.com/cipherbox/cipherbox/coordinator/db/kv"
	"github.com/cipherbox/cipherbox/coordinator/health"
	"github.com/cipherbox/cipherbox/coordinator/scheduler"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "admin")

// Scheduler is the part of the scheduler the admin surface drives.
type Scheduler interface {
	ForceRun(ctx context.Context) (*scheduler.RunSummary, error)
}

// Config options for the admin service.
type Config struct {
	Addr      string
	Secret    string // optional shared bearer secret
	Database  db.Database
	Checker   *health.Checker
	Scheduler Scheduler
}

// Service serves the admin HTTP API.
type Service struct {
	cfg        *Config
	server     *http.Server
	failStatus error
}

// New builds the admin service and its router.
func New(cfg *Config) *Service {
	s := &Service{cfg: cfg}

	r := mux.NewRouter()
	r.Use(metricsMiddleware)
	if cfg.Secret != "" {
		r.Use(s.authMiddleware)
	}
	r.HandleFunc("/admin/republish-health", s.healthHandler).Methods(http.MethodGet)
	r.HandleFunc("/admin/reactivate-stale", s.reactivateHandler).Methods(http.MethodPost)
	r.HandleFunc("/admin/force-run", s.forceRunHandler).Methods(http.MethodPost)
	r.HandleFunc("/admin/deprecate-previous-epoch", s.deprecateHandler).Methods(http.MethodPost)
	r.HandleFunc("/admin/rotation-history", s.rotationHistoryHandler).Methods(http.MethodGet)

	s.server = &http.Server{Addr: cfg.Addr, Handler: r}
	return s
}

// Start the admin service.
func (s *Service) Start() {
	log.WithField("endpoint", s.server.Addr).Info("Starting service")
	go func() {
		err := s.server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			log.Errorf("Could not listen to host:port :%s: %v", s.server.Addr, err)
			s.failStatus = err
		}
	}()
}

// Stop the service gracefully.
func (s *Service) Stop() error {
	log.Info("Stopping service")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// Status checks for any service failure conditions.
func (s *Service) Status() error {
	return s.failStatus
}

func (s *Service) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Secret)) != 1 {
			httpError(w, http.StatusUnauthorized, errors.New("invalid bearer token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Service) healthHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := s.cfg.Checker.Stats(r.Context())
	if err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Service) reactivateHandler(w http.ResponseWriter, r *http.Request) {
	n, err := s.cfg.Database.ReactivateStale(r.Context())
	if err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}
	log.WithField("count", n).Info("Reactivated stale enrollments")
	writeJSON(w, http.StatusOK, map[string]int{"reactivated": n})
}

func (s *Service) forceRunHandler(w http.ResponseWriter, r *http.Request) {
	summary, err := s.cfg.Scheduler.ForceRun(r.Context())
	if err != nil {
		if errors.Is(err, scheduler.ErrRunInProgress) {
			httpError(w, http.StatusConflict, err)
			return
		}
		httpError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Service) deprecateHandler(w http.ResponseWriter, r *http.Request) {
	cleared, err := s.cfg.Database.DeprecatePreviousEpoch(r.Context())
	if err != nil {
		if errors.Is(err, kv.ErrGracePeriodActive) {
			httpError(w, http.StatusConflict, err)
			return
		}
		httpError(w, http.StatusInternalServerError, err)
		return
	}
	if cleared {
		log.Info("Deprecated previous signer epoch")
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deprecated": cleared})
}

func (s *Service) rotationHistoryHandler(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			httpError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = n
	}
	entries, err := s.cfg.Database.RotationHistory(r.Context(), limit)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Error("Could not write response body")
	}
}

func httpError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
