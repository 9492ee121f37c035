package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"PerpCustody/internal/cache"
	"PerpCustody/internal/config"
	"PerpCustody/internal/core"
	"PerpCustody/internal/ingestion"
	"PerpCustody/internal/keeper"
	"PerpCustody/internal/ledger"
	"PerpCustody/internal/observability"
	"PerpCustody/internal/oracle"
	"PerpCustody/internal/persistence"
	"PerpCustody/internal/projection"
	"PerpCustody/internal/query"
	"PerpCustody/internal/server"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

func main() {
	logger := observability.NewLogger("main")
	if err := run(logger); err != nil {
		logger.Fatal().Err(err).Msg("perpcustody stopped")
	}
	logger.Info().Msg("perpcustody shutdown complete")
}

func run(logger zerolog.Logger) error {
	cfg, err := config.Load("")
	if err != nil {
		return err
	}
	observability.SetGlobalLevel(cfg.Log.Level)
	program, err := cfg.Engine.ProgramKey()
	if err != nil {
		return fmt.Errorf("engine program: %w", err)
	}
	var keeperPool, keeperSigner ledger.Pubkey
	if cfg.Keeper.Enabled {
		if keeperPool, keeperSigner, err = cfg.Keeper.Keys(); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Postgres ---
	db, err := sqlx.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("postgres open: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Postgres.ConnMaxLifetime)
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}

	applied, err := persistence.NewMigrator(db, cfg.Postgres.MigrationsDir).Up(ctx)
	if err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info().Int("applied", applied).Msg("migrations up to date")

	// --- Recovery: snapshot + verified replay ---
	genesis, err := loadGenesis(cfg.Engine.GenesisPath)
	if err != nil {
		return err
	}
	snapshots := persistence.NewSnapshotStore(db)
	accounts := core.NewAccountsDB(program, core.NewMonotonicClock())
	rec, err := persistence.Recover(ctx, snapshots, accounts, genesis)
	if err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	logger.Info().
		Int64("snapshot_sequence", rec.SnapshotSequence).
		Int64("replayed", rec.Replayed).
		Int64("next_sequence", rec.NextSequence).
		Bool("cold_start", rec.ColdStart).
		Msg("state recovered")

	// --- Observability ---
	metrics := observability.NewMetrics()
	health := observability.NewHealthChecker()
	health.AddCheck("postgres", db.PingContext)

	// --- Feeds and locks: Redis when configured, in-process otherwise ---
	var feeds oracle.FeedStore = oracle.NewMemoryFeedStore()
	engineOpts := []core.Option{
		core.WithHasher(rec.Hasher()),
		core.WithMetrics(metrics),
		core.WithLogger(observability.NewLogger("engine")),
	}
	if cfg.Redis.Enabled() {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		feeds = cache.NewRedisFeedStore(rdb)
		engineOpts = append(engineOpts, core.WithLocker(cache.NewRedisLocker(rdb, cfg.Redis.LockTTL)))
		health.AddCheck("redis", func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
		logger.Info().Str("addr", cfg.Redis.Addr).Msg("redis feed store and custody locks enabled")
	}

	// --- Engine ---
	// Persist blocks (backpressure); projection and publish drop on full.
	persistChan := make(chan core.CoreOutput, cfg.Engine.PersistChanSize)
	projectionChan := make(chan core.CoreOutput, cfg.Engine.ProjectionChanSize)
	var publishChan chan core.CoreOutput
	if cfg.NATS.PublishEvents {
		publishChan = make(chan core.CoreOutput, cfg.Engine.PublishChanSize)
		engineOpts = append(engineOpts, core.WithPublishChan(publishChan))
	}
	engine := core.NewEngine(accounts, feeds, rec.NextSequence, persistChan, projectionChan, engineOpts...)

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL, logger)
	if err != nil {
		return err
	}
	defer nc.Close()
	if err := ingestion.EnsureStreams(ctx, js); err != nil {
		return fmt.Errorf("ensure NATS streams: %w", err)
	}
	health.AddCheck("nats", func(context.Context) error { return ingestion.IsConnected(nc) })

	feedSubscriber := ingestion.NewFeedSubscriber(js, feeds, cfg.NATS.FeedDedupCapacity, metrics)
	if err := feedSubscriber.Subscribe(ctx); err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}
	defer feedSubscriber.Stop()

	// --- Projection: absorb what was committed while we were down ---
	stats := projection.NewPostgresStatsStore(db)
	projWorker := projection.NewProjectionWorker(stats, projectionChan, metrics)
	if n, err := projWorker.CatchUp(ctx, snapshots); err != nil {
		logger.Warn().Err(err).Msg("projection catch-up failed, continuing with a stale projection")
	} else if n > 0 {
		logger.Info().Int("events", n).Msg("projection caught up")
	}

	// --- API ---
	queries := query.NewQueryService(engine, stats, metrics)
	svc := server.NewSettlementService(engine, queries)
	grpcServer := server.NewGRPCServer(cfg.Server.GRPCAddr, svc, metrics)
	gateway, err := server.NewGateway(cfg.Server.HTTPAddr, svc, health, prometheus.DefaultGatherer, metrics)
	if err != nil {
		return err
	}

	persistWorker := persistence.NewPersistenceWorker(
		persistence.NewEventLogWriter(db), persistChan,
		cfg.Persistence.BatchSize, cfg.Persistence.FlushTimeout, metrics,
	)
	snapshotWorker := persistence.NewSnapshotWorker(engine, snapshots, cfg.Persistence.SnapshotInterval, metrics)

	// --- Goroutines ---
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return persistWorker.Run(gctx) })
	g.Go(func() error { return projWorker.Run(gctx) })
	g.Go(func() error { return snapshotWorker.Run(gctx) })
	g.Go(func() error { return grpcServer.Run(gctx) })
	g.Go(func() error { return gateway.Run(gctx) })
	if publishChan != nil {
		publisher := ingestion.NewOutboundPublisher(js, publishChan, metrics)
		g.Go(func() error { return publisher.Run(gctx) })
	}
	if cfg.Keeper.Enabled {
		k := keeper.New(engine, queries, keeper.Config{
			Pool:              keeperPool,
			Signer:            keeperSigner,
			Interval:          cfg.Keeper.Interval,
			DisabledBackoff:   cfg.Keeper.DisabledBackoff,
			TriggersPerSecond: cfg.Keeper.TriggersPerSecond,
			Burst:             cfg.Keeper.Burst,
		}, metrics)
		g.Go(func() error { return k.Run(gctx) })
	}

	health.SetReady(true)
	grpcServer.SetServing(true)
	logger.Info().
		Str("program", program.String()).
		Int64("sequence", engine.LastSequence()).
		Str("grpc", cfg.Server.GRPCAddr).
		Str("http", cfg.Server.HTTPAddr).
		Msg("perpcustody ready")

	err = g.Wait()
	health.SetReady(false)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("service failed, shutting down")
	}

	// The persistence worker has flushed; a final snapshot shortens the
	// next replay.
	if _, serr := snapshotWorker.TakeSnapshot(context.Background()); serr != nil {
		logger.Error().Err(serr).Msg("final snapshot failed")
	}

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// loadGenesis reads the JSON accounts snapshot used on a cold start. An
// empty path means start from an empty store.
func loadGenesis(path string) (*core.AccountsSnapshot, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read genesis: %w", err)
	}
	var snap core.AccountsSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("decode genesis %s: %w", path, err)
	}
	return &snap, nil
}
