// Package main implements ledgerd, the service that applies instruction
// envelopes from Kafka to the work ledger.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bardlex/workledger/internal/clock"
	"github.com/bardlex/workledger/internal/config"
	"github.com/bardlex/workledger/internal/database"
	"github.com/bardlex/workledger/internal/database/influx"
	"github.com/bardlex/workledger/internal/database/postgres"
	"github.com/bardlex/workledger/internal/database/redis"
	"github.com/bardlex/workledger/internal/ledger"
	"github.com/bardlex/workledger/internal/messaging"
	"github.com/bardlex/workledger/pkg/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting ledgerd",
		"store", cfg.Store,
		"clock", cfg.ClockSource,
		"worker_pool_size", cfg.WorkerPoolSize,
	)

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("ledgerd failed")
		os.Exit(1)
	}
	logger.Info("ledgerd stopped")
}

func run(cfg *config.Config, logger *log.Logger) error {
	programID, err := ledger.ParseAddress(cfg.ProgramID)
	if err != nil {
		return fmt.Errorf("invalid PROGRAM_ID: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	db, err := database.NewManager(ctx, managerConfig(cfg, programID), logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.WithError(err).Error("failed to close databases")
		}
	}()
	if !db.Coordinated() {
		logger.Warn("REDIS_URL not set: envelopes are not deduplicated, a redelivered claim applies twice")
	}
	db.StartPeriodicTasks(ctx)

	clk, err := startClock(ctx, cfg, logger)
	if err != nil {
		return err
	}

	processor := ledger.NewProcessor(programID, db.Store, clk,
		ledger.WithLogger(logger.WithComponent("ledger").Logger))

	kafkaClient := messaging.NewKafkaClient(cfg.KafkaBrokers, logger.Logger)
	defer func() {
		if err := kafkaClient.Close(); err != nil {
			logger.WithError(err).Error("failed to close Kafka client")
		}
	}()

	svc := NewLedgerService(cfg, logger, processor, db, kafkaClient)
	err = svc.Start(ctx)
	logger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if serr := svc.Shutdown(shutdownCtx); serr != nil {
		return serr
	}
	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func managerConfig(cfg *config.Config, programID ledger.Address) *database.Config {
	mc := &database.Config{
		ProgramID:   programID,
		SnapshotTTL: cfg.SnapshotTTL,
	}
	if cfg.Store == config.StorePostgres {
		mc.Postgres = postgres.DefaultConfig(cfg.PostgresURL)
	}
	if cfg.RedisURL != "" {
		mc.Redis = redis.DefaultConfig(cfg.RedisURL)
	}
	if cfg.InfluxURL != "" {
		mc.Influx = &influx.Config{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
		}
	}
	return mc
}

// startClock builds the clock that stamps task records. The block clock
// listens for raw blocks until ctx is done.
func startClock(ctx context.Context, cfg *config.Config, logger *log.Logger) (ledger.Clock, error) {
	system := clock.NewMonotonic(clock.System)
	if cfg.ClockSource != config.ClockBlock {
		return system, nil
	}

	clockLogger := logger.WithComponent("clock").Logger
	feed, err := clock.NewZMQFeed(cfg.BlockZMQAddr, clockLogger)
	if err != nil {
		return nil, err
	}
	if err := feed.Subscribe(clock.TopicRawBlock); err != nil {
		_ = feed.Close()
		return nil, err
	}
	if err := feed.Connect(); err != nil {
		_ = feed.Close()
		return nil, err
	}

	blocks := clock.NewBlockClock(system, clockLogger)
	if cfg.BlockRPCHost != "" {
		seedBlockClock(ctx, cfg, blocks, logger)
	}
	go func() {
		defer func() { _ = feed.Close() }()
		if err := feed.Listen(ctx, blocks.HandleMessage); err != nil && err != context.Canceled {
			logger.WithError(err).Error("block feed stopped")
		}
	}()
	return blocks, nil
}

// seedBlockClock is best effort: without it the clock falls back to system
// time until the first block arrives.
func seedBlockClock(ctx context.Context, cfg *config.Config, blocks *clock.BlockClock, logger *log.Logger) {
	headers, err := clock.NewRPCHeaders(cfg.BlockRPCHost, cfg.BlockRPCUser, cfg.BlockRPCPass, logger.WithComponent("clock").Logger)
	if err != nil {
		logger.WithError(err).Warn("block RPC unavailable, clock starts from system time")
		return
	}
	defer headers.Close()

	seedCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := headers.Seed(seedCtx, blocks); err != nil {
		logger.WithError(err).Warn("block clock not seeded")
	}
}
