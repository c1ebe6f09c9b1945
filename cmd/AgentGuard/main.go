// Package main is the entry point of the AgentGuard service.
// It wires the governance layer and runs it under a Kratos application
// lifecycle: the resource monitor and the cleanup cron start with the app
// and shut down on signal.
package main

import (
	"context"
	"flag"
	"os"

	"AgentGuard/internal/biz"
	"AgentGuard/internal/conf"
	zapLogger "AgentGuard/pkg/log"

	"github.com/go-kratos/kratos/v2"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/robfig/cron/v3"

	_ "go.uber.org/automaxprocs"
)

// go build -ldflags "-X main.Version=x.y.z"
var (
	// Name is the name of the compiled software.
	Name = "AgentGuard"
	// Version is the version of the compiled software.
	Version string
	// flagconf is the config flag.
	flagconf string

	id, _ = os.Hostname()
)

func init() {
	flag.StringVar(&flagconf, "conf", "../../configs/config.yaml", "config path, eg: -conf config.yaml")
}

func newApp(bc *conf.Bootstrap, logger log.Logger, governor *biz.ResourceGovernorUsecase, store *biz.StateStoreUsecase) *kratos.App {
	var cleanupCron *cron.Cron

	return kratos.New(
		kratos.ID(id),
		kratos.Name(Name),
		kratos.Version(Version),
		kratos.Metadata(map[string]string{}),
		kratos.Logger(logger),
		kratos.BeforeStart(func(ctx context.Context) error {
			governor.Start(context.Background())
			cleanupCron = StartCleanupCron(store, governor, bc.Cleanup, logger)
			return nil
		}),
		kratos.AfterStop(func(ctx context.Context) error {
			if cleanupCron != nil {
				<-cleanupCron.Stop().Done()
			}
			governor.Stop()
			return nil
		}),
	)
}

func main() {
	flag.Parse()

	// Load configuration using Viper with environment variable and CLI flag support
	bc, err := conf.NewBootstrap(flagconf)
	if err != nil {
		// Use fallback logger before Zap is initialized
		log.Fatalf("failed to load configuration: %v", err)
	}

	// Initialize Zap logger from configuration
	zapLog, err := zapLogger.NewZapLogger(bc.Log)
	if err != nil {
		log.Fatalf("failed to initialize zap logger: %v", err)
	}
	defer zapLog.Sync()

	// Create Kratos adapter for Zap logger
	logger := zapLogger.NewKratosAdapter(zapLog)

	// Add context fields to logger
	logger = log.With(logger,
		"service.id", id,
		"service.name", Name,
		"service.version", Version,
	)

	// Log startup configuration
	zapLogger.NewLogHelper(logger).Startup(
		"AgentGuard service starting",
		"log.level", bc.Log.Level,
		"log.format", bc.Log.Format,
		"log.env", bc.Log.Env,
		"log.output_file", bc.Log.OutputFile,
	)

	app, cleanup, err := wireApp(bc, bc.Data, bc.Limits.Rate, bc.Limits.Resource, bc.Limits.State, bc.Resilience, logger)
	if err != nil {
		panic(err)
	}
	defer cleanup()

	// start and wait for stop signal
	if err := app.Run(); err != nil {
		panic(err)
	}
}
