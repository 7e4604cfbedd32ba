package main

import (
	"context"
	"fmt"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/txrelay/api"
	"github.com/vultisig/txrelay/config"
	"github.com/vultisig/txrelay/internal/chain"
	"github.com/vultisig/txrelay/internal/nonce"
	"github.com/vultisig/txrelay/internal/signer"
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

	queue := service.NewQueueService(db, nonce.NewWalletRegistry(db, nonces), chains, logger,
		service.WithWaker(client),
		service.WithNotifier(notifier),
		service.WithSubscriber(redisStorage),
		service.WithDefaultWallet(cfg.Relayer.DefaultWallet),
	)
	retry := service.NewRetryService(service.RetryConfig{
		MaxRetries:             cfg.Relayer.MaxRetries,
		ReplacementBumpPercent: cfg.Relayer.ReplacementBumpPercent,
		CancelReceiptChecks:    cfg.Relayer.CancelReceiptChecks,
		CancelCheckInterval:    cfg.Relayer.CancelCheckInterval,
	}, db, db, nonces, signers, chains, notifier, sdClient, logger)

	server := api.NewServer(
		cfg.Server.Port,
		queue,
		retry,
		service.NewAuthService(cfg.Server.JWTSecret),
		sdClient,
		logger,
	)
	logger.WithFields(logrus.Fields{
		"port":   cfg.Server.Port,
		"chains": len(cfg.Chains),
	}).Info("Starting transaction relay")
	if err := server.StartServer(); err != nil {
		panic(err)
	}
}
