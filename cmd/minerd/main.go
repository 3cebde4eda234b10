// Package main implements minerd, the mining coordinator. It spawns external
// GPU worker processes, partitions block-template nonce space across them,
// validates claimed solutions, and submits winning blocks to Bitcoin Core.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashforge/minerd/internal/config"
	"github.com/hashforge/minerd/internal/database"
	"github.com/hashforge/minerd/internal/database/influx"
	"github.com/hashforge/minerd/internal/database/postgres"
	"github.com/hashforge/minerd/internal/database/redis"
	"github.com/hashforge/minerd/internal/messaging"
	"github.com/hashforge/minerd/internal/node"
	"github.com/hashforge/minerd/pkg/log"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting minerd",
		"version", cfg.Version,
		"workers", len(cfg.WorkerCommands),
		"bitcoin_host", cfg.BitcoinRPCHost,
		"bitcoin_port", cfg.BitcoinRPCPort,
	)

	// Create Bitcoin RPC client
	rpcClient, err := node.NewRPCClient(
		cfg.BitcoinRPCHost,
		cfg.BitcoinRPCPort,
		cfg.BitcoinRPCUser,
		cfg.BitcoinRPCPassword,
	)
	if err != nil {
		logger.WithError(err).Error("failed to create Bitcoin RPC client")
		os.Exit(1)
	}
	defer rpcClient.Close()

	// Test Bitcoin connection with context
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer pingCancel()
	if err := rpcClient.Ping(pingCtx); err != nil {
		logger.WithError(err).Error("failed to connect to Bitcoin Core")
		os.Exit(1)
	}
	logger.Info("connected to Bitcoin Core")

	if cfg.PayoutAddress != "" {
		valid, err := rpcClient.ValidateAddress(pingCtx, cfg.PayoutAddress)
		if err != nil {
			logger.WithError(err).Error("failed to validate payout address")
			os.Exit(1)
		}
		if !valid {
			logger.Error("invalid payout address", "address", cfg.PayoutAddress)
			os.Exit(1)
		}
	}

	templates := node.NewTemplateSource(rpcClient, logger)

	// Block notifications are optional; the template refresh ticker covers
	// deployments without a ZMQ endpoint.
	var notifier node.Notifier
	if cfg.BitcoinZMQAddr != "" {
		zmqNotifier, err := node.NewZMQNotifier(cfg.BitcoinZMQAddr, logger)
		if err != nil {
			logger.WithError(err).Warn("ZMQ notifier unavailable, relying on template polling")
		} else {
			if err := zmqNotifier.Subscribe("hashblock"); err != nil {
				logger.WithError(err).Warn("ZMQ subscribe failed, relying on template polling")
			} else if err := zmqNotifier.Connect(); err != nil {
				logger.WithError(err).Warn("ZMQ connect failed, relying on template polling")
			} else {
				notifier = zmqNotifier
				defer zmqNotifier.Close()
			}
		}
	}

	// Create Kafka client
	var kafkaClient *messaging.KafkaClient
	if cfg.KafkaEnabled {
		kafkaClient = messaging.NewKafkaClient(cfg.KafkaBrokers, logger)
		defer kafkaClient.Close()
	}

	// Create storage manager when all backends are configured
	var dbManager *database.Manager
	if cfg.PostgresURL != "" && cfg.RedisURL != "" && cfg.InfluxURL != "" {
		dbManager, err = database.NewManager(&database.Config{
			Postgres: &postgres.Config{URL: cfg.PostgresURL},
			Redis:    &redis.Config{URL: cfg.RedisURL},
			Influx: &influx.Config{
				URL:    cfg.InfluxURL,
				Token:  cfg.InfluxToken,
				Org:    cfg.InfluxOrg,
				Bucket: cfg.InfluxBucket,
			},
		}, logger)
		if err != nil {
			logger.WithError(err).Error("failed to connect storage backends")
			os.Exit(1)
		}
		defer dbManager.Close()
	} else {
		logger.Info("storage backends not fully configured, persistence disabled")
	}

	coordinator := NewCoordinator(cfg, logger, rpcClient, templates, notifier, kafkaClient, dbManager)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if dbManager != nil {
		dbManager.StartPeriodicTasks(ctx)
	}

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Start the coordinator
	runErr := make(chan error, 1)
	go func() {
		runErr <- coordinator.Run(ctx)
	}()

	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case err := <-runErr:
		if err != nil && err != context.Canceled {
			logger.WithError(err).Error("coordinator failed")
		}
	}

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := coordinator.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("shutdown failed")
		cancel()
		os.Exit(1)
	}
	cancel()

	logger.Info("minerd stopped")
}
