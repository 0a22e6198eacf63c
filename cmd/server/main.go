// Package main provides the API server entry point for the collection
// status service.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/collection-scanner/internal/adapter"
	"github.com/collection-scanner/internal/api"
	"github.com/collection-scanner/internal/config"
	"github.com/collection-scanner/internal/logging"
	"github.com/collection-scanner/internal/ratelimit"
	"github.com/collection-scanner/internal/service"
	"github.com/collection-scanner/internal/storage"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Initialize structured logging
	logging.InitGlobalLogger(
		logging.ParseLevel(cfg.Logging.Level),
		logging.ParseFormat(cfg.Logging.Format),
	)
	logger := logging.GetGlobalLogger()
	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("Structured logging initialized")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	cache, err := buildStatusStack(ctx, cfg)
	cancel()
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize status stack")
	}

	server, err := api.NewServer(&api.ServerConfig{
		Host:              cfg.Server.Host,
		Port:              cfg.Server.Port,
		RequestsPerSecond: cfg.RateLimit.APIRequestsPerSecond,
	}, cache)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create server")
	}

	go func() {
		if err := server.Start(); err != nil {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	logger.WithFields(map[string]interface{}{
		"host": cfg.Server.Host,
		"port": cfg.Server.Port,
	}).Info("Server started successfully")

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Fatal("Server forced to shutdown")
	}

	logger.Info("Server exited")
}

// buildStatusStack wires the status sources and the snapshot cache from
// configuration.
func buildStatusStack(ctx context.Context, cfg *config.Config) (*storage.SnapshotCache, error) {
	logger := logging.GetGlobalLogger()

	// Ledger connection, with secondary endpoint failover at startup.
	client, err := adapter.Dial(ctx, cfg.Ledger.RPCPrimary)
	if err != nil {
		if cfg.Ledger.RPCSecondary == "" {
			return nil, fmt.Errorf("connect to ledger: %w", err)
		}
		logger.WithError(err).Warn("Primary RPC endpoint unreachable, trying secondary")
		client, err = adapter.Dial(ctx, cfg.Ledger.RPCSecondary)
		if err != nil {
			return nil, fmt.Errorf("connect to ledger: %w", err)
		}
	}

	// Optional cross-process call budget through Redis.
	var budget *ratelimit.CallBudgetTracker
	if cfg.Redis.Host != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Host + ":" + cfg.Redis.Port,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.WithError(err).Warn("Redis unreachable, call budget stays in-process")
		} else {
			budget, err = ratelimit.NewCallBudgetTracker(&ratelimit.CallBudgetTrackerConfig{
				Redis:  rdb,
				Budget: cfg.RateLimit.CallsPerSecond,
			})
			if err != nil {
				return nil, fmt.Errorf("create budget tracker: %w", err)
			}
			logger.Info("Shared call budget enabled")
		}
	}

	gateway, err := ratelimit.NewGateway(&ratelimit.GatewayConfig{
		Ceiling:    cfg.RateLimit.CallsPerSecond,
		BatchPause: cfg.RateLimit.BatchPause,
		Budget:     budget,
	})
	if err != nil {
		return nil, fmt.Errorf("create call gateway: %w", err)
	}

	reader, err := adapter.NewOwnershipReader(&adapter.OwnershipReaderConfig{
		Client:  client,
		Gateway: gateway,
	})
	if err != nil {
		return nil, fmt.Errorf("create ownership reader: %w", err)
	}

	scanner, err := adapter.NewTransferScanner(&adapter.TransferScannerConfig{
		Client:  client,
		Gateway: gateway,
	})
	if err != nil {
		return nil, fmt.Errorf("create transfer scanner: %w", err)
	}

	engine, err := service.NewStatusEngine(&service.StatusEngineConfig{
		Scanner:          scanner,
		Reader:           reader,
		ContractAddress:  cfg.Collection.ContractAddress,
		CustodianAddress: cfg.Collection.CustodianAddress,
		TotalCount:       cfg.Collection.TotalSupply,
	})
	if err != nil {
		return nil, fmt.Errorf("create status engine: %w", err)
	}

	// The indexer tier is preferred when configured; the ledger engine is
	// always the backstop.
	var sources []storage.StatusSource
	if cfg.Indexer.BaseURL != "" {
		indexerClient, err := adapter.NewIndexerClient(&adapter.IndexerClientConfig{
			BaseURL: cfg.Indexer.BaseURL,
			APIKey:  cfg.Indexer.APIKey,
			Timeout: cfg.Indexer.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("create indexer client: %w", err)
		}
		indexerSource, err := service.NewIndexerSource(&service.IndexerSourceConfig{
			Fetcher:          indexerClient,
			ContractAddress:  cfg.Collection.ContractAddress,
			CustodianAddress: cfg.Collection.CustodianAddress,
			TotalCount:       cfg.Collection.TotalSupply,
		})
		if err != nil {
			return nil, fmt.Errorf("create indexer source: %w", err)
		}
		sources = append(sources, indexerSource)
		logger.Info("Indexer tier enabled")
	}
	sources = append(sources, engine)

	var store *storage.FileStore
	if cfg.Cache.FilePath != "" {
		store, err = storage.NewFileStore(cfg.Cache.FilePath)
		if err != nil {
			return nil, fmt.Errorf("create snapshot store: %w", err)
		}
		logger.WithField("path", cfg.Cache.FilePath).Info("Snapshot persistence enabled")
	}

	cache, err := storage.NewSnapshotCache(&storage.SnapshotCacheConfig{
		Sources:    sources,
		TTL:        cfg.Cache.TTL,
		TotalCount: cfg.Collection.TotalSupply,
		Store:      store,
	})
	if err != nil {
		return nil, fmt.Errorf("create snapshot cache: %w", err)
	}
	return cache, nil
}
