package main

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"os/signal"
	"runtime/debug"
	"sync"
	"syscall"
	"time"

	"PerpClearing/internal/core"
	"PerpClearing/internal/ingestion"
	"PerpClearing/internal/observability"
	"PerpClearing/internal/persistence"
	"PerpClearing/internal/projection"
	"PerpClearing/internal/query"
	"PerpClearing/internal/server"
	"PerpClearing/migrations"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

func main() {
	logger := observability.NewLogger("clearinghoused")
	if err := run(LoadConfig(), logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("clearinghoused stopped")
	}
	logger.Info().Msg("shutdown complete")
}

func run(cfg Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		return err
	}
	defer db.Close()
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		return err
	}
	if err := persistence.NewMigrator(db, migrations.FS, logger).Up(ctx); err != nil {
		return err
	}

	metrics := observability.NewMetrics()
	health := observability.NewHealthChecker()
	health.AddCheck("postgres", db.PingContext)

	// --- Clearing house ---
	coreCfg, err := core.DefaultConfig().WithRatios(cfg.InitialMarginRatio, cfg.MaintenanceMarginRatio)
	if err != nil {
		return err
	}
	persistChan := make(chan core.CoreOutput, cfg.PersistChanSize)
	publishChan := make(chan core.CoreOutput, cfg.PublishChanSize)
	idemStore := persistence.NewPostgresIdempotencyChecker(db)
	ch, err := core.New(coreCfg,
		core.WithOutputs(persistChan, publishChan),
		core.WithIdempotencyStore(idemStore),
		core.WithMetrics(metrics),
		core.WithGenesisBlock(cfg.GenesisBlock, cfg.GenesisTime),
		core.WithLogger(observability.NewLogger("core")),
	)
	if err != nil {
		return err
	}

	// The persistence worker outlives every producer so a call blocked on
	// the persist channel can always finish.
	durable := persistence.NewWatermark(0)
	persistWorker := persistence.NewPersistenceWorker(db, ch.Assets(), persistChan,
		cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics, observability.NewLogger("persistence"))
	persistWorker.OnFlushed(durable.Advance)
	persistCtx, stopPersist := context.WithCancel(context.Background())
	persistDone := make(chan struct{})
	go func() {
		defer close(persistDone)
		if err := persistWorker.Run(persistCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("persistence worker stopped")
		}
	}()
	drainPersist := sync.OnceFunc(func() {
		stopPersist()
		<-persistDone
	})
	defer drainPersist()

	// --- Recovery ---
	checkpoints := persistence.NewCheckpointStore(db)
	eventLog := persistence.NewEventLogReader(db)
	if err := recoverState(ctx, ch, checkpoints, eventLog, idemStore, durable, cfg, logger); err != nil {
		return err
	}
	recovered := ch.Sequence()

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, logger)
	if err != nil {
		return err
	}
	defer nc.Close()
	health.AddCheck("nats", func(context.Context) error {
		if !nc.IsConnected() {
			return errors.New("nats: " + nc.Status().String())
		}
		return nil
	})
	if err := ingestion.EnsureStreams(ctx, js, logger); err != nil {
		return err
	}
	if err := ingestion.EnsureOutboundStream(ctx, js, logger); err != nil {
		return err
	}

	// --- Outputs ---
	toPublisher := make(chan core.CoreOutput, cfg.PublishChanSize)
	toProjection := make(chan core.CoreOutput, cfg.PublishChanSize)
	publisher := ingestion.NewOutboundPublisher(js, toPublisher, metrics, observability.NewLogger("publisher"))
	publisher.SkipThrough(recovered)
	projWorker := projection.NewProjectionWorker(db, ch.Assets(), toProjection, metrics, observability.NewLogger("projection"))
	if err := projWorker.LoadWatermark(ctx); err != nil {
		return err
	}

	// --- Ingestion ---
	inbox := make(chan ingestion.RawMessage, 256)
	subscriber := ingestion.NewNATSSubscriber(js, inbox, observability.NewLogger("nats"))
	processor := ingestion.NewProcessor(ch, inbox, durable, metrics, observability.NewLogger("processor"))

	// --- Query and serving ---
	qopts := []query.Option{query.WithDB(db), query.WithMetrics(metrics)}
	if cfg.RedisURL != "" {
		cache, rdb, err := query.NewRedisCacheFromURL(cfg.RedisURL)
		if err != nil {
			return err
		}
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn().Err(err).Msg("redis unreachable, views will be served uncached until it recovers")
		}
		qopts = append(qopts, query.WithCache(cache, cfg.CacheTTL))
	}
	srv := server.New(cfg.GRPCAddr, cfg.HTTPAddr, &server.Deps{
		DB:            db,
		QueryService:  query.NewQueryService(ch, observability.NewLogger("query"), qopts...),
		Admin:         ingestion.NewAdminIngestService(inbox),
		EventLog:      eventLog,
		HealthChecker: health,
		Metrics:       metrics,
		Logger:        logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return fanOut(gctx, publishChan, metrics, toPublisher, toProjection) })
	g.Go(func() error { return publisher.Run(gctx) })
	g.Go(func() error { return projWorker.Run(gctx) })
	g.Go(func() error { return processor.Run(gctx) })
	g.Go(func() error { return srv.StartGRPC(gctx) })
	g.Go(func() error { return srv.StartHTTP(gctx) })
	g.Go(func() error {
		return runCheckpoints(gctx, ch, checkpoints, durable, cfg, metrics, logger)
	})

	if err := subscriber.Subscribe(gctx, ingestion.DefaultSubjects()); err != nil {
		stop()
		_ = g.Wait()
		return err
	}
	srv.SetReady(true)
	logger.Info().
		Int64("sequence", recovered).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Msg("clearinghoused ready")

	err = g.Wait()
	srv.SetReady(false)
	subscriber.Stop()

	// drain the persist channel, then pin the final state
	drainPersist()
	finalCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if cp := ch.Checkpoint(); durable.Sequence() >= cp.Sequence && cp.Sequence > 0 {
		if cerr := saveCheckpoint(finalCtx, checkpoints, cp, cfg.CheckpointKeep, metrics); cerr != nil {
			logger.Error().Err(cerr).Msg("final checkpoint failed")
		}
	}
	return err
}

// recoverState replays the event log into ch and verifies the latest
// checkpoint on the way.
func recoverState(ctx context.Context, ch *core.ClearingHouse, checkpoints *persistence.CheckpointStore,
	eventLog *persistence.EventLogReader, idem *persistence.PostgresIdempotencyChecker,
	durable *persistence.Watermark, cfg Config, logger zerolog.Logger,
) error {
	checkpoint, err := checkpoints.Latest(ctx)
	if err != nil {
		return err
	}
	last, err := ingestion.Replay(ctx, ch, eventLog, checkpoint, logger)
	if err != nil {
		return err
	}
	durable.Advance(last)

	if checkpoint != nil {
		if checkpoint.Sequence > last {
			logger.Warn().
				Int64("checkpoint", checkpoint.Sequence).
				Int64("log_head", last).
				Msg("checkpoint is ahead of the event log")
		} else if !checkpoint.Verified {
			if err := checkpoints.MarkVerified(ctx, checkpoint.Sequence); err != nil {
				return err
			}
		}
	}

	keys, err := idem.RecentCommands(ctx, cfg.WarmCommandLimit)
	if err != nil {
		return err
	}
	ch.WarmCommands(keys)
	logger.Info().Int64("sequence", last).Int("warm_commands", len(keys)).Msg("state recovered")
	return nil
}

// fanOut copies each committed call to the publisher and the projection
// worker. Both are best effort: a full consumer misses the output.
func fanOut(ctx context.Context, in <-chan core.CoreOutput, metrics *observability.Metrics, outs ...chan<- core.CoreOutput) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out, ok := <-in:
			if !ok {
				return nil
			}
			for _, o := range outs {
				select {
				case o <- out:
				default:
					if metrics != nil {
						metrics.PublishDrops.Inc()
					}
				}
			}
		}
	}
}

// runCheckpoints pins the state hash every interval sequences, once the
// pinned sequence is durable.
func runCheckpoints(ctx context.Context, ch *core.ClearingHouse, checkpoints *persistence.CheckpointStore,
	durable *persistence.Watermark, cfg Config, metrics *observability.Metrics, logger zerolog.Logger,
) error {
	interval := cfg.CheckpointInterval
	if interval <= 0 {
		return nil
	}
	last := ch.Sequence()
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			cp := ch.Checkpoint()
			if cp.Sequence-last < interval {
				continue
			}
			if err := durable.Wait(ctx, cp.Sequence); err != nil {
				return err
			}
			if err := saveCheckpoint(ctx, checkpoints, cp, cfg.CheckpointKeep, metrics); err != nil {
				logger.Warn().Err(err).Int64("sequence", cp.Sequence).Msg("checkpoint failed")
				continue
			}
			last = cp.Sequence
			logger.Info().Int64("sequence", cp.Sequence).Msg("checkpoint saved")
		}
	}
}

// saveCheckpoint stores cp and prunes older checkpoints beyond keep.
func saveCheckpoint(ctx context.Context, checkpoints *persistence.CheckpointStore, cp core.Checkpoint, keep int, metrics *observability.Metrics) error {
	err := checkpoints.Save(ctx, &persistence.Checkpoint{
		Sequence:  cp.Sequence,
		StateHash: cp.StateHash[:],
		Block:     cp.Block,
		BlockTime: cp.BlockTime,
		Markets:   cp.Markets,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if metrics != nil {
		metrics.SnapshotTaken.Inc()
		metrics.SnapshotLastSeq.Set(float64(cp.Sequence))
	}
	if _, err := checkpoints.Prune(ctx, keep); err != nil {
		return err
	}
	return nil
}

func init() {
	if os.Getenv("GOGC") == "" {
		debug.SetGCPercent(400)
	}
}
