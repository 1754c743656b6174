// Package flags defines all command line options of the republish
// coordinator. Every knob of the republish pipeline is also bound to the
// environment variable the deployment manifests use.
package flags

import (
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/urfave/cli/v2"
)

var (
	// DataDirFlag defines a path on disk for the coordinator database.
	DataDirFlag = &cli.StringFlag{
		Name:    "datadir",
		Usage:   "Data directory for the coordinator database",
		Value:   DefaultDataDir(),
		EnvVars: []string{"COORDINATOR_DATADIR"},
	}
	// VerbosityFlag defines the logrus configuration.
	VerbosityFlag = &cli.StringFlag{
		Name:    "verbosity",
		Usage:   "Logging verbosity (trace, debug, info, warn, error, fatal, panic)",
		Value:   "info",
		EnvVars: []string{"COORDINATOR_VERBOSITY"},
	}
	// LogFormat specifies the log output encoding.
	LogFormat = &cli.StringFlag{
		Name:  "log-format",
		Usage: "Specify log formatting. Supports: text, json, fluentd, journald.",
		Value: "text",
	}
	// LogFileName specifies the log output file name.
	LogFileName = &cli.StringFlag{
		Name:  "log-file",
		Usage: "Specify log file name, relative or absolute",
	}
	// ClearDB removes any previously stored data at the data directory.
	ClearDB = &cli.BoolFlag{
		Name:  "clear-db",
		Usage: "Prompt for clearing any previously stored data at the data directory",
	}
	// ForceClearDB removes any previously stored data at the data directory.
	ForceClearDB = &cli.BoolFlag{
		Name:  "force-clear-db",
		Usage: "Clear any previously stored data at the data directory without prompting",
	}
	// MonitoringHostFlag defines the host used to serve prometheus metrics.
	MonitoringHostFlag = &cli.StringFlag{
		Name:  "monitoring-host",
		Usage: "Host used for listening and responding metrics for prometheus",
		Value: "127.0.0.1",
	}
	// MonitoringPortFlag defines the port used to serve prometheus metrics.
	MonitoringPortFlag = &cli.IntFlag{
		Name:  "monitoring-port",
		Usage: "Port used to listening and respond metrics for prometheus",
		Value: 8080,
	}
	// DisableMonitoringFlag disables the metrics service.
	DisableMonitoringFlag = &cli.BoolFlag{
		Name:  "disable-monitoring",
		Usage: "Disable monitoring service",
	}

	// SignerURLFlag is the base URL of the sealed signer.
	SignerURLFlag = &cli.StringFlag{
		Name:    "signer-url",
		Usage:   "Base URL of the sealed signer service",
		Value:   "http://localhost:3001",
		EnvVars: []string{"SIGNER_URL"},
	}
	// SignerSecretFlag is the optional bearer secret for the sealed signer.
	SignerSecretFlag = &cli.StringFlag{
		Name:    "signer-secret",
		Usage:   "Bearer secret sent on every sealed signer request",
		EnvVars: []string{"SIGNER_SECRET"},
	}
	// SignerTimeoutFlag bounds every signer request.
	SignerTimeoutFlag = &cli.DurationFlag{
		Name:    "signer-timeout",
		Usage:   "Hard timeout for sealed signer requests",
		Value:   30 * time.Second,
		EnvVars: []string{"SIGNER_TIMEOUT"},
	}
	// RoutingURLFlag is the delegated routing base URL records are published to.
	RoutingURLFlag = &cli.StringFlag{
		Name:    "routing-url",
		Usage:   "Base URL of the delegated routing endpoint",
		Value:   "https://delegated-ipfs.dev",
		EnvVars: []string{"ROUTING_URL"},
	}
	// PublishMaxAttemptsFlag bounds the publish retry loop per record.
	PublishMaxAttemptsFlag = &cli.IntFlag{
		Name:    "publish-max-attempts",
		Usage:   "Maximum PUT attempts per signed record",
		Value:   3,
		EnvVars: []string{"PUBLISH_MAX_ATTEMPTS"},
	}
	// PublishIntervalFlag is the steady-state republish cadence per enrollment.
	PublishIntervalFlag = &cli.DurationFlag{
		Name:    "publish-interval",
		Usage:   "Interval between successful publishes of one enrollment",
		Value:   6 * time.Hour,
		EnvVars: []string{"PUBLISH_INTERVAL"},
	}
	// BatchSizeFlag is the number of enrollments per signer request.
	BatchSizeFlag = &cli.IntFlag{
		Name:    "batch-size",
		Usage:   "Number of enrollments submitted to the signer per request",
		Value:   50,
		EnvVars: []string{"BATCH_SIZE"},
	}
	// MaxFailuresFlag is the consecutive failure budget before a row goes stale.
	MaxFailuresFlag = &cli.Uint64Flag{
		Name:    "max-failures",
		Usage:   "Consecutive failures before an enrollment is marked stale",
		Value:   10,
		EnvVars: []string{"MAX_FAILURES"},
	}
	// BaseBackoffFlag seeds the failure backoff schedule.
	BaseBackoffFlag = &cli.DurationFlag{
		Name:    "base-backoff",
		Usage:   "Base delay of the per-enrollment failure backoff",
		Value:   30 * time.Second,
		EnvVars: []string{"BASE_BACKOFF"},
	}
	// MaxBackoffFlag caps the failure backoff schedule.
	MaxBackoffFlag = &cli.DurationFlag{
		Name:    "max-backoff",
		Usage:   "Maximum delay of the per-enrollment failure backoff",
		Value:   time.Hour,
		EnvVars: []string{"MAX_BACKOFF"},
	}
	// GracePeriodFlag is how long the previous signer epoch stays honored
	// after a rotation.
	GracePeriodFlag = &cli.DurationFlag{
		Name:    "grace-period",
		Usage:   "How long enrollments sealed under the previous epoch remain valid after a rotation",
		Value:   4 * 7 * 24 * time.Hour,
		EnvVars: []string{"GRACE_PERIOD"},
	}
	// SchedulerTickFlag is how often the scheduler looks for due enrollments.
	SchedulerTickFlag = &cli.DurationFlag{
		Name:    "scheduler-tick",
		Usage:   "Interval between scheduler runs",
		Value:   5 * time.Minute,
		EnvVars: []string{"SCHEDULER_TICK"},
	}

	// AdminHostFlag defines the host of the admin HTTP API.
	AdminHostFlag = &cli.StringFlag{
		Name:  "admin-host",
		Usage: "Host on which the admin HTTP API listens",
		Value: "127.0.0.1",
	}
	// AdminPortFlag defines the port of the admin HTTP API.
	AdminPortFlag = &cli.IntFlag{
		Name:  "admin-port",
		Usage: "Port on which the admin HTTP API listens",
		Value: 8090,
	}
	// AdminSecretFlag is the optional shared bearer secret of the admin API.
	AdminSecretFlag = &cli.StringFlag{
		Name:    "admin-secret",
		Usage:   "Bearer secret required on admin HTTP requests",
		EnvVars: []string{"ADMIN_SECRET"},
	}
)

// DefaultDataDir is the default data directory to use for the database.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		// As we cannot guess a stable location, return empty and handle later.
		return ""
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "CipherBox", "coordinator")
	case "windows":
		return filepath.Join(home, "AppData", "Local", "CipherBox", "coordinator")
	default:
		return filepath.Join(home, ".cipherbox", "coordinator")
	}
}
