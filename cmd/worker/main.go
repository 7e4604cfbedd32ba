package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/txrelay/config"
	"github.com/vultisig/txrelay/internal/chain"
	"github.com/vultisig/txrelay/internal/nonce"
	"github.com/vultisig/txrelay/internal/scheduler"
	"github.com/vultisig/txrelay/internal/signer"
	"github.com/vultisig/txrelay/internal/tasks"
	"github.com/vultisig/txrelay/internal/webhook"
	"github.com/vultisig/txrelay/service"
	"github.com/vultisig/txrelay/storage"
	"github.com/vultisig/txrelay/storage/postgres"
)

func main() {
	ctx := context.Background()
	logger := logrus.New()

	cfg, err := config.ReadConfig("config")
	if err != nil {
		panic(err)
	}

	sdClient, err := statsd.New(cfg.Datadog.Host + ":" + cfg.Datadog.Port)
	if err != nil {
		panic(err)
	}

	db, err := postgres.NewPostgresBackend(ctx, cfg.Database.DSN)
	if err != nil {
		panic(fmt.Errorf("failed to connect to database: %w", err))
	}
	defer func() { _ = db.Close() }()

	redisStorage, err := storage.NewRedisStorage(*cfg)
	if err != nil {
		panic(fmt.Errorf("failed to connect to redis: %w", err))
	}
	defer func() { _ = redisStorage.Close() }()

	redisOptions := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Host + ":" + cfg.Redis.Port,
		Username: cfg.Redis.User,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	client := asynq.NewClient(redisOptions)
	defer func() {
		if err := client.Close(); err != nil {
			logger.Errorf("fail to close asynq client, err: %v", err)
		}
	}()

	chains, err := chain.NewRegistryFromConfig(ctx, cfg.Chains)
	if err != nil {
		panic(err)
	}

	nonces := nonce.NewManager(db, chains, logger)
	signers := signer.NewFactory(signer.FactoryConfig{
		Passphrase:         cfg.Encryption.Password,
		AWSRegion:          cfg.AWS.Region,
		AWSAccessKeyID:     cfg.AWS.AccessKeyID,
		AWSSecretAccessKey: cfg.AWS.SecretAccessKey,
		GCPCredentialsFile: cfg.GCP.CredentialsFile,
	}, db, logger)
	notifier := service.NewStatusNotifier(redisStorage, client, cfg.Webhooks, logger)

	dispatcher := service.NewDispatcher(service.DispatcherConfig{
		BatchSize:             cfg.Worker.DispatchBatchSize,
		Concurrency:           cfg.Worker.Concurrency,
		GasLimitBufferPercent: cfg.Relayer.GasLimitBufferPercent,
	}, db, nonces, signers, chains, notifier, sdClient, logger)
	reconciler := service.NewReconciler(service.ReconcilerConfig{
		BatchSize:        cfg.Worker.ReconcileBatchSize,
		Concurrency:      cfg.Worker.Concurrency,
		StuckAfterChecks: cfg.Worker.StuckAfterChecks,
	}, db, chains, notifier, sdClient, logger)
	recovery := service.NewRecovery(service.RecoveryConfig{
		BatchSize:        cfg.Worker.DispatchBatchSize,
		ProcessedTimeout: cfg.Worker.ProcessedTimeout,
	}, db, chains, signers, nonces, notifier, sdClient, logger)

	workerService := service.NewWorker(dispatcher, reconciler, recovery, nonces, webhook.NewSender(logger), sdClient, logger)

	srv := asynq.NewServer(
		redisOptions,
		asynq.Config{
			Logger:      logger,
			Concurrency: cfg.Worker.Concurrency,
			Queues:      tasks.Queues,
		},
	)

	// mux maps a type to a handler
	mux := asynq.NewServeMux()
	workerService.Register(mux)

	schedulerService := scheduler.NewSchedulerService(client, scheduler.LoopsFromConfig(cfg.Worker), logger)
	schedulerService.Start()
	defer schedulerService.Stop()

	if err := nonces.ResyncAll(ctx); err != nil {
		logger.WithError(err).Warn("Initial nonce resync failed")
	}

	logger.WithFields(logrus.Fields{
		"redis":  redisOptions.Addr,
		"queues": len(tasks.Queues),
	}).Info("Starting worker")

	if err := srv.Start(mux); err != nil {
		panic(fmt.Errorf("could not run server: %w", err))
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logger.Info("Shutting down worker")
	srv.Shutdown()
}
