// Package prometheus serves the coordinator's monitoring surface: every
// metric registered with the default registerer on /metrics, plus a /healthz
// roll-up of the registered services.
package prometheus

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/cipherbox/cipherbox/shared"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "prometheus")

// Service is the monitoring HTTP server.
type Service struct {
	server      *http.Server
	svcRegistry *shared.ServiceRegistry
	failStatus  error
}

// NewPrometheusService sets up the monitoring server for a host:port address.
// An empty host binds every interface, so ":8080" is acceptable.
func NewPrometheusService(addr string, svcRegistry *shared.ServiceRegistry) *Service {
	s := &Service{svcRegistry: svcRegistry}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.healthzHandler)
	s.server = &http.Server{Addr: addr, Handler: mux}

	return s
}

// healthzHandler writes one line per registered service, in stable order,
// and answers 500 when any of them carries a failure status.
func (s *Service) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	statuses := s.svcRegistry.Statuses()
	names := make([]string, 0, len(statuses))
	byName := make(map[string]error, len(statuses))
	for kind, status := range statuses {
		names = append(names, kind.String())
		byName[kind.String()] = status
	}
	sort.Strings(names)

	hasError := false
	body := ""
	for _, name := range names {
		status := "OK"
		if err := byName[name]; err != nil {
			hasError = true
			status = "ERROR " + err.Error()
		}
		body += fmt.Sprintf("%s: %s\n", name, status)
	}

	if hasError {
		w.WriteHeader(http.StatusInternalServerError)
	}
	if _, err := fmt.Fprint(w, body); err != nil {
		log.Errorf("Could not write healthz body: %v", err)
	}
}

// Start the monitoring server in the background.
func (s *Service) Start() {
	log.WithField("endpoint", s.server.Addr).Info("Starting monitoring server")
	go func() {
		err := s.server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			log.Errorf("Could not listen on %s: %v", s.server.Addr, err)
			s.failStatus = err
		}
	}()
}

// Stop the monitoring server gracefully.
func (s *Service) Stop() error {
	log.Info("Stopping monitoring server")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// Status returns the listen error, if any.
func (s *Service) Status() error {
	return s.failStatus
}
