// -----------------------------------------------------------------------
// syncd server: scheduler + job runtime + webhook ingress/processor.
// -----------------------------------------------------------------------

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ternarybob/arbor"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/ternarybob/syncd/internal/common"
	"github.com/ternarybob/syncd/internal/configstore"
	"github.com/ternarybob/syncd/internal/connector"
	"github.com/ternarybob/syncd/internal/crypto"
	"github.com/ternarybob/syncd/internal/eventbus"
	"github.com/ternarybob/syncd/internal/jobruntime"
	"github.com/ternarybob/syncd/internal/pool"
	"github.com/ternarybob/syncd/internal/scheduler"
	"github.com/ternarybob/syncd/internal/webhook"

	// Connector packages register themselves into connector.Default via
	// init(); every supported connector type must be imported for side
	// effect here.
	_ "github.com/ternarybob/syncd/internal/connector/bigquery"
	_ "github.com/ternarybob/syncd/internal/connector/closecrm"
	_ "github.com/ternarybob/syncd/internal/connector/graphql"
	_ "github.com/ternarybob/syncd/internal/connector/posthog"
	_ "github.com/ternarybob/syncd/internal/connector/rest"
	_ "github.com/ternarybob/syncd/internal/connector/stripe"
)

var (
	config *common.Config
	logger arbor.ILogger
)

type configPaths []string

func (c *configPaths) String() string { return fmt.Sprintf("%v", *c) }
func (c *configPaths) Set(value string) error {
	*c = append(*c, value)
	return nil
}

func main() {
	defer common.RecoverWithCrashFile()

	var configFiles configPaths
	fs := flag.NewFlagSet("syncd", flag.ExitOnError)
	fs.Var(&configFiles, "config", "path to a TOML config file (repeatable; later files override earlier)")
	showVersion := fs.Bool("version", false, "print version and exit")
	_ = fs.Parse(os.Args[1:])

	if *showVersion {
		fmt.Printf("syncd version %s\n", common.LoadVersionFromFile())
		os.Exit(0)
	}

	if len(configFiles) == 0 {
		if _, err := os.Stat("syncd.toml"); err == nil {
			configFiles = append(configFiles, "syncd.toml")
		}
	}

	var err error
	config, err = common.LoadFromFiles(configFiles...)
	if err != nil {
		tempLogger := arbor.NewLogger()
		tempLogger.Fatal().Err(err).Msg("failed to load configuration")
		os.Exit(1)
	}

	logger = common.SetupLogger(config)
	common.InstallCrashHandler("./logs")
	defer common.Stop()

	common.PrintBanner(config, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("server: fatal startup error")
	}
}

func run(ctx context.Context) error {
	encKey, err := crypto.DecodeKey(config.Encryption.KeyHex)
	if err != nil {
		return fmt.Errorf("decode encryption key: %w", err)
	}

	controlDB, controlClient, err := connectControlPlane(ctx)
	if err != nil {
		return fmt.Errorf("connect control plane: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = controlClient.Disconnect(shutdownCtx)
	}()

	eventDB, err := eventbus.NewDB(logger, config.EventBus.Path)
	if err != nil {
		return fmt.Errorf("open eventbus: %w", err)
	}
	defer eventDB.Close()

	visibility, err := time.ParseDuration(config.EventBus.VisibilityTimeout)
	if err != nil || visibility <= 0 {
		visibility = 5 * time.Minute
	}

	executeBus, err := eventbus.NewManager(eventDB.Store(), eventbus.TopicJobExecute, visibility, config.EventBus.MaxReceive)
	if err != nil {
		return fmt.Errorf("create execute bus: %w", err)
	}
	manualBus, err := eventbus.NewManager(eventDB.Store(), eventbus.TopicJobManual, visibility, config.EventBus.MaxReceive)
	if err != nil {
		return fmt.Errorf("create manual bus: %w", err)
	}
	webhookBus, err := eventbus.NewManager(eventDB.Store(), eventbus.TopicWebhookProcess, visibility, config.EventBus.MaxReceive)
	if err != nil {
		return fmt.Errorf("create webhook bus: %w", err)
	}

	gateway := configstore.New(controlDB, connector.Default, encKey)

	connPool := pool.New(logger, pool.Options{
		MaxPoolSize:      config.Pool.MaxPoolSize,
		MinPoolSize:      config.Pool.MinPoolSize,
		MaxIdle:          time.Duration(config.Pool.MaxIdleMs) * time.Millisecond,
		ServerSelection:  time.Duration(config.Pool.ServerSelectionMs) * time.Millisecond,
		ConnectTimeout:   time.Duration(config.Pool.ConnectMs) * time.Millisecond,
		IdleReclaimEvery: time.Duration(config.Pool.IdleSweepSeconds) * time.Second,
	})
	defer connPool.CloseAll()

	sched := scheduler.New(gateway, executeBus, logger, config.Scheduler)

	runtime := jobruntime.New(gateway, connector.Default, connPool, logger, jobruntime.Options{
		StartupJitterMax: time.Duration(config.Scheduler.StartupJitterMaxMs) * time.Millisecond,
	})

	processor := webhook.New(gateway, connector.Default, connPool, logger, webhook.Options{
		Workers:          config.Webhook.Workers,
		RetrySweepInterval: time.Duration(config.Webhook.RetrySweepIntervalMin) * time.Minute,
		RetryMaxBatch:      int64(config.Webhook.RetryMaxBatch),
		RetryMaxAttempts:   config.Webhook.RetryMaxAttempts,
		CleanupRetention:   time.Duration(config.Webhook.CleanupRetentionDays) * 24 * time.Hour,
	})

	common.SafeGo(logger, "scheduler.run", func() {
		if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("scheduler: stopped unexpectedly")
		}
	})
	common.SafeGo(logger, "jobruntime.run", func() {
		if err := runtime.Run(ctx, executeBus, manualBus); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("jobruntime: stopped unexpectedly")
		}
	})
	common.SafeGo(logger, "webhook.run", func() {
		if err := processor.Run(ctx, webhookBus); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("webhook: stopped unexpectedly")
		}
	})

	receiver := newWebhookReceiver(gateway, webhookBus, logger)
	httpSrv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", config.Server.Host, config.Server.Port),
		Handler: receiver,
	}
	common.SafeGo(logger, "http.webhookReceiver", func() {
		logger.Info().Str("addr", httpSrv.Addr).Msg("webhook receiver listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("webhook receiver failed")
		}
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	common.PrintShutdownBanner(logger)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)

	return nil
}

func connectControlPlane(ctx context.Context) (*mongo.Database, *mongo.Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(dialCtx, options.Client().ApplyURI(config.Database.ConnectionString))
	if err != nil {
		return nil, nil, fmt.Errorf("connect: %w", err)
	}
	if err := client.Ping(dialCtx, readpref.Primary()); err != nil {
		return nil, nil, fmt.Errorf("ping: %w", err)
	}
	return client.Database(config.Database.Database), client, nil
}
