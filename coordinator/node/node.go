// Package node is the main service which launches the republish coordinator
// and manages the lifecycle of all its associated services at runtime,
// gracefully closing them if the process ends.
package node

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/cipherbox/cipherbox/cmd/coordinator/flags"
	"github.com/cipherbox/cipherbox/coordinator/admin"
	"github.com/cipherbox/cipherbox/coordinator/db"
	"github.com/cipherbox/cipherbox/coordinator/db/kv"
	"github.com/cipherbox/cipherbox/coordinator/enrollment"
	"github.com/cipherbox/cipherbox/coordinator/health"
	"github.com/cipherbox/cipherbox/coordinator/publisher"
	"github.com/cipherbox/cipherbox/coordinator/scheduler"
	"github.com/cipherbox/cipherbox/coordinator/signer"
	"github.com/cipherbox/cipherbox/shared"
	"github.com/cipherbox/cipherbox/shared/prometheus"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

var log = logrus.WithField("prefix", "node")

// CoordinatorNode defines a struct that handles the services running the
// republish coordinator. It handles the lifecycle of the entire system and
// registers services to a service registry.
type CoordinatorNode struct {
	cliCtx     *cli.Context
	ctx        context.Context
	cancel     context.CancelFunc
	services   *shared.ServiceRegistry
	lock       sync.RWMutex
	stop       chan struct{} // Channel to wait for termination notifications.
	db         db.Database
	enrollment *enrollment.Service
}

// New creates a new node instance, sets up configuration options, and
// registers every required service to the node.
func New(cliCtx *cli.Context) (*CoordinatorNode, error) {
	registry := shared.NewServiceRegistry()
	ctx, cancel := context.WithCancel(cliCtx.Context)
	node := &CoordinatorNode{
		cliCtx:   cliCtx,
		ctx:      ctx,
		cancel:   cancel,
		services: registry,
		stop:     make(chan struct{}),
	}

	if err := node.startDB(cliCtx); err != nil {
		cancel()
		return nil, err
	}
	node.enrollment = enrollment.NewService(node.db)

	signerClient, publisherClient, err := buildClients(cliCtx)
	if err != nil {
		cancel()
		return nil, err
	}

	schedulerSvc := scheduler.New(ctx, &scheduler.Config{
		Database:     node.db,
		Signer:       signerClient,
		Publisher:    publisherClient,
		BatchSize:    cliCtx.Int(flags.BatchSizeFlag.Name),
		TickInterval: cliCtx.Duration(flags.SchedulerTickFlag.Name),
	})
	if err := registry.RegisterService(schedulerSvc); err != nil {
		cancel()
		return nil, err
	}

	tracker := health.NewTracker(signerClient)
	checker := health.NewChecker(node.db, tracker)
	adminSvc := admin.New(&admin.Config{
		Addr:      fmt.Sprintf("%s:%d", cliCtx.String(flags.AdminHostFlag.Name), cliCtx.Int(flags.AdminPortFlag.Name)),
		Secret:    cliCtx.String(flags.AdminSecretFlag.Name),
		Database:  node.db,
		Checker:   checker,
		Scheduler: schedulerSvc,
	})
	if err := registry.RegisterService(adminSvc); err != nil {
		cancel()
		return nil, err
	}

	if !cliCtx.Bool(flags.DisableMonitoringFlag.Name) {
		addr := fmt.Sprintf("%s:%d", cliCtx.String(flags.MonitoringHostFlag.Name), cliCtx.Int(flags.MonitoringPortFlag.Name))
		if err := registry.RegisterService(prometheus.NewPrometheusService(addr, registry)); err != nil {
			cancel()
			return nil, err
		}
		logrus.AddHook(prometheus.NewLogrusCollector())
	}

	return node, nil
}

func (n *CoordinatorNode) startDB(cliCtx *cli.Context) error {
	dataDir := cliCtx.String(flags.DataDirFlag.Name)
	if dataDir == "" {
		return errors.New("no data directory configured, set --datadir")
	}
	cfg := &kv.Config{
		PublishInterval: cliCtx.Duration(flags.PublishIntervalFlag.Name),
		MaxFailures:     cliCtx.Uint64(flags.MaxFailuresFlag.Name),
		BaseBackoff:     cliCtx.Duration(flags.BaseBackoffFlag.Name),
		MaxBackoff:      cliCtx.Duration(flags.MaxBackoffFlag.Name),
		GracePeriod:     cliCtx.Duration(flags.GracePeriodFlag.Name),
	}
	d, err := db.NewDB(dataDir, cfg)
	if err != nil {
		return errors.Wrap(err, "could not open database")
	}
	if cliCtx.Bool(flags.ForceClearDB.Name) {
		log.Warning("Removing database")
		if err := d.ClearDB(); err != nil {
			return errors.Wrap(err, "could not clear database")
		}
		d, err = db.NewDB(dataDir, cfg)
		if err != nil {
			return errors.Wrap(err, "could not re-create database")
		}
	} else if cliCtx.Bool(flags.ClearDB.Name) {
		log.Warning("The --clear-db flag requires --force-clear-db to take effect")
	}
	n.db = d
	log.WithField("database-path", dataDir).Info("Checking DB")
	return nil
}

func buildClients(cliCtx *cli.Context) (*signer.Client, *publisher.Client, error) {
	signerOpts := []signer.ClientOpt{
		signer.WithTimeout(cliCtx.Duration(flags.SignerTimeoutFlag.Name)),
	}
	if secret := cliCtx.String(flags.SignerSecretFlag.Name); secret != "" {
		signerOpts = append(signerOpts, signer.WithAuthenticationToken(secret))
	}
	signerClient, err := signer.NewClient(cliCtx.String(flags.SignerURLFlag.Name), signerOpts...)
	if err != nil {
		return nil, nil, errors.Wrap(err, "could not build signer client")
	}
	publisherClient, err := publisher.NewClient(
		cliCtx.String(flags.RoutingURLFlag.Name),
		publisher.WithMaxAttempts(cliCtx.Int(flags.PublishMaxAttemptsFlag.Name)),
	)
	if err != nil {
		return nil, nil, errors.Wrap(err, "could not build publisher client")
	}
	return signerClient, publisherClient, nil
}

// EnrollmentService exposes the in-process enrollment API to collaborators
// embedding the coordinator.
func (n *CoordinatorNode) EnrollmentService() *enrollment.Service {
	return n.enrollment
}

// Start the CoordinatorNode and kicks off every registered service.
func (n *CoordinatorNode) Start() {
	n.lock.Lock()
	n.services.StartAll()
	stop := n.stop
	n.lock.Unlock()

	go func() {
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigc)
		<-sigc
		log.Info("Got interrupt, shutting down...")
		go n.Close()
		for i := 10; i > 0; i-- {
			<-sigc
			if i > 1 {
				log.WithField("times", i-1).Info("Already shutting down, interrupt more to panic")
			}
		}
		panic("Panic closing the coordinator node")
	}()

	// Wait for stop channel to be closed.
	<-stop
}

// Close handles graceful shutdown of the system.
func (n *CoordinatorNode) Close() {
	n.lock.Lock()
	defer n.lock.Unlock()

	log.Info("Stopping coordinator node")
	n.services.StopAll()
	if err := n.db.Close(); err != nil {
		log.Errorf("Failed to close database: %v", err)
	}
	n.cancel()
	close(n.stop)
}
