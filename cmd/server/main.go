// Package main runs the sentiment aggregation server: event ingest with
// 8-way resolution fan-out, the paginated read API, the live websocket
// stream, and the retention sweeper.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sentiflow/internal/api"
	"sentiflow/internal/cache"
	"sentiflow/internal/config"
	"sentiflow/internal/fanout"
	"sentiflow/internal/observability"
	"sentiflow/internal/preload"
	"sentiflow/internal/storage"
	chstore "sentiflow/internal/storage/clickhouse"
	"sentiflow/internal/storage/memory"
	"sentiflow/internal/storage/migrations"
	pgstore "sentiflow/internal/storage/postgres"
	redisstore "sentiflow/internal/storage/redis"
	"sentiflow/internal/stream"
	"sentiflow/internal/timeseries"
)

func main() {
	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lshortfile)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, archive, cleanup, err := createStores(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to create stores: %v", err)
	}
	defer cleanup()

	metrics := observability.NewMetrics("")

	// Write path: fan-out writer publishing to the notification bus.
	bus := fanout.NewBus(cfg.BusBufferSize)
	writerConfig := fanout.DefaultWriterConfig()
	writerConfig.DedupWindow = cfg.DedupWindow
	writerConfig.MaxRetries = cfg.WriteRetries
	writer := fanout.NewWriter(store, bus, writerConfig, metrics,
		log.New(os.Stdout, "[fanout] ", log.LstdFlags))

	// Read path: cache in front of the store, preload pool behind it.
	bucketCache := cache.New(cfg.CacheCapacity, metrics)
	reader := timeseries.NewService(store, archive, bucketCache, metrics,
		log.New(os.Stdout, "[timeseries] ", log.LstdFlags))
	preloader := preload.NewManager(reader.Warm, cfg.PreloadWorkers, cfg.PreloadQueueSize,
		metrics, log.New(os.Stdout, "[preload] ", log.LstdFlags))
	reader.AttachPreloader(preloader)
	preloader.Start(ctx)

	// Stream path: broker fed by its own bus subscription.
	broker := stream.NewBroker(stream.BrokerConfig{
		HeartbeatInterval: cfg.HeartbeatInterval,
		DebounceInterval:  cfg.DebounceInterval,
		ReplayBufferSize:  cfg.ReplayBufferSize,
		SendQueueSize:     cfg.SendQueueSize,
	}, metrics, log.New(os.Stdout, "[stream] ", log.LstdFlags))

	go bucketCache.Run(ctx, bus.Subscribe())
	go broker.Run(ctx, bus.Subscribe())

	sweeper := timeseries.NewSweeper(store, archive, cfg.SweepInterval, metrics,
		log.New(os.Stdout, "[sweeper] ", log.LstdFlags))
	go sweeper.Run(ctx)

	server := api.NewServer(writer, reader, stream.NewHandler(broker, nil),
		log.New(os.Stdout, "[api] ", log.LstdFlags))
	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.Handler(),
	}

	// Handle shutdown signals. drained closes only after Shutdown has
	// finished draining in-flight requests; the bus must outlive every
	// handler that can still publish.
	drained := make(chan struct{})
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Printf("Received signal %v, shutting down...", sig)
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Printf("HTTP shutdown: %v", err)
		}
		close(drained)
	}()

	logger.Printf("Listening on %s (store=%s, archive=%v)",
		cfg.ListenAddr, cfg.StoreBackend, archive != nil)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatalf("HTTP server error: %v", err)
	}

	<-drained
	bus.Close()
	preloader.Wait()
	logger.Println("Shutdown complete")
}

// createStores builds the primary store and the optional archive from
// config, running migrations on the durable backends.
func createStores(ctx context.Context, cfg *config.Config, logger *log.Logger) (storage.BucketStore, storage.ArchiveStore, func(), error) {
	cleanup := func() {}

	var store storage.BucketStore
	switch cfg.StoreBackend {
	case config.BackendMemory:
		store = memory.NewBucketStore()

	case config.BackendPostgres:
		pool, err := pgstore.NewPool(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("connect to postgres: %w", err)
		}
		if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, nil, fmt.Errorf("postgres migrations: %w", err)
		}
		store = pgstore.NewBucketStore(pool)
		cleanup = pool.Close

	case config.BackendRedis:
		rstore, err := redisstore.NewBucketStore(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("connect to redis: %w", err)
		}
		store = rstore
		cleanup = func() {
			if err := rstore.Close(); err != nil {
				logger.Printf("redis close: %v", err)
			}
		}
	}

	if cfg.ClickhouseDSN == "" {
		return store, nil, cleanup, nil
	}

	conn, err := chstore.NewConn(ctx, cfg.ClickhouseDSN)
	if err != nil {
		cleanup()
		return nil, nil, nil, fmt.Errorf("connect to clickhouse: %w", err)
	}
	if err := migrations.RunClickhouseMigrations(ctx, conn); err != nil {
		conn.Close()
		cleanup()
		return nil, nil, nil, fmt.Errorf("clickhouse migrations: %w", err)
	}

	storeCleanup := cleanup
	cleanup = func() {
		conn.Close()
		storeCleanup()
	}
	return store, chstore.NewArchiveStore(conn), cleanup, nil
}
