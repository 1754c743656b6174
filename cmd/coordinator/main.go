// Package main defines the CipherBox republish coordinator: the server-side
// daemon that keeps user folders reachable by re-signing and re-publishing
// IPNS records on schedule without ever seeing a plaintext signing key.
package main

import (
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/cipherbox/cipherbox/cmd/coordinator/flags"
	"github.com/cipherbox/cipherbox/coordinator/node"
	"github.com/cipherbox/cipherbox/shared/version"
	joonix "github.com/joonix/log"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

var log = logrus.WithField("prefix", "main")

var appFlags = []cli.Flag{
	flags.DataDirFlag,
	flags.VerbosityFlag,
	flags.LogFormat,
	flags.LogFileName,
	flags.ClearDB,
	flags.ForceClearDB,
	flags.MonitoringHostFlag,
	flags.MonitoringPortFlag,
	flags.DisableMonitoringFlag,
	flags.SignerURLFlag,
	flags.SignerSecretFlag,
	flags.SignerTimeoutFlag,
	flags.RoutingURLFlag,
	flags.PublishMaxAttemptsFlag,
	flags.PublishIntervalFlag,
	flags.BatchSizeFlag,
	flags.MaxFailuresFlag,
	flags.BaseBackoffFlag,
	flags.MaxBackoffFlag,
	flags.GracePeriodFlag,
	flags.SchedulerTickFlag,
	flags.AdminHostFlag,
	flags.AdminPortFlag,
	flags.AdminSecretFlag,
}

func main() {
	app := cli.App{}
	app.Name = "coordinator"
	app.Usage = "this is the CipherBox IPNS republish coordinator"
	app.Action = startNode
	app.Version = version.Version()
	app.Flags = appFlags

	app.Before = func(ctx *cli.Context) error {
		format := ctx.String(flags.LogFormat.Name)
		switch format {
		case "text":
			formatter := new(prefixed.TextFormatter)
			formatter.TimestampFormat = "2006-01-02 15:04:05"
			formatter.FullTimestamp = true
			// If persistent log files are written - we disable the log messages coloring because
			// the colors are ANSI codes and seen as gibberish in the log files.
			formatter.DisableColors = ctx.String(flags.LogFileName.Name) != ""
			logrus.SetFormatter(formatter)
		case "fluentd":
			f := joonix.NewFormatter()
			logrus.SetFormatter(f)
		case "json":
			logrus.SetFormatter(&logrus.JSONFormatter{})
		case "journald":
			logrus.SetFormatter(&logrus.TextFormatter{
				DisableColors:    true,
				DisableTimestamp: true,
			})
		default:
			return fmt.Errorf("unknown log format %s", format)
		}

		level, err := logrus.ParseLevel(ctx.String(flags.VerbosityFlag.Name))
		if err != nil {
			return err
		}
		logrus.SetLevel(level)

		if logFileName := ctx.String(flags.LogFileName.Name); logFileName != "" {
			f, err := os.OpenFile(logFileName, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
			if err != nil {
				return err
			}
			logrus.SetOutput(io.MultiWriter(os.Stderr, f))
			log.WithField("logFileName", logFileName).Info("File logging initialized")
		}
		return nil
	}

	defer func() {
		if x := recover(); x != nil {
			log.Errorf("Runtime panic: %v\n%v", x, string(runtimeStack()))
			panic(x)
		}
	}()

	if err := app.Run(os.Args); err != nil {
		log.Error(err.Error())
		os.Exit(1)
	}
}

func startNode(ctx *cli.Context) error {
	coordinator, err := node.New(ctx)
	if err != nil {
		return err
	}
	coordinator.Start()
	return nil
}

func runtimeStack() []byte {
	buf := make([]byte, 1024*1024)
	return buf[:runtime.Stack(buf, true)]
}
