package main

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/taleforge/api/internal/book"
	"github.com/taleforge/api/internal/client"
	"github.com/taleforge/api/internal/config"
	"github.com/taleforge/api/internal/logger"
	"github.com/taleforge/api/internal/pipeline"
	"github.com/taleforge/api/internal/render"
	"github.com/taleforge/api/internal/repository"
	"github.com/taleforge/api/internal/service"
	"github.com/taleforge/api/internal/worker"
)

// stack holds the clients shared by every command. Everything is built here
// and injected downward.
type stack struct {
	cfg    *config.Config
	log    zerolog.Logger
	redis  *redis.Client
	pool   *pgxpool.Pool
	asynq  *asynq.Client
	jobs   repository.JobRepository
	ledger repository.ArtifactLedger
	purger repository.Purger

	storage    client.StorageClient
	manifests  *book.Loader
	resolver   *book.Resolver
	dispatcher *worker.Dispatcher
}

func newStack(ctx context.Context) (*stack, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	log := logger.New(cfg.Server.Env, cfg.Server.LogLevel)

	a := &stack{cfg: cfg, log: log}

	a.redis = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := a.redis.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Msg("Redis not available")
	}

	if err := a.openRepositories(ctx); err != nil {
		a.close()
		return nil, err
	}

	a.storage, err = client.NewStorage(&cfg.Storage)
	if err != nil {
		a.close()
		return nil, err
	}

	policy, err := book.PolicyByName(cfg.Pipeline.PrepayPolicy, cfg.Pipeline.PrepayPageCount, cfg.Pipeline.HiddenPages)
	if err != nil {
		a.close()
		return nil, err
	}
	a.resolver = book.NewResolver(policy)
	a.manifests = book.NewLoader(a.storage)

	a.asynq = asynq.NewClient(worker.RedisOpt(&cfg.Redis))
	a.dispatcher = worker.NewDispatcher(a.asynq, a.jobs, a.manifests, a.resolver, log)

	return a, nil
}

// openRepositories connects Postgres, or keeps jobs in memory when no
// database URL is configured.
func (a *stack) openRepositories(ctx context.Context) error {
	if a.cfg.Database.URL == "" {
		a.log.Warn().Msg("DATABASE_URL is empty, jobs are kept in memory")
		jobs := repository.NewMemoryJobRepository()
		ledger := repository.NewMemoryArtifactLedger(jobs)
		a.jobs, a.ledger, a.purger = jobs, ledger, ledger
		return nil
	}

	pool, err := repository.NewPool(ctx, &a.cfg.Database)
	if err != nil {
		return err
	}
	if err := repository.EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return err
	}
	ledger := repository.NewPostgresArtifactLedger(pool)
	a.pool = pool
	a.jobs, a.ledger, a.purger = repository.NewPostgresJobRepository(pool), ledger, ledger
	return nil
}

// startWorkers runs the asynq server with notifier receiving progress
// events. The returned function stops the server and the browser.
func (a *stack) startWorkers(notifier pipeline.Notifier) (func(), error) {
	faces, err := client.NewComfyClient(&a.cfg.FaceSwap, a.log)
	if err != nil {
		return nil, err
	}
	raster, err := render.NewChromeRasterizer(&a.cfg.Render, a.log)
	if err != nil {
		return nil, err
	}

	deps := pipeline.Deps{
		Jobs:      a.jobs,
		Ledger:    a.ledger,
		Storage:   a.storage,
		Manifests: a.manifests,
		Resolver:  a.resolver,
		Notifier:  notifier,
		Logger:    a.log,
	}
	analyzer := pipeline.NewAnalyzer(deps, faces, a.cfg.Pipeline.AnalysisMaxRetries, a.cfg.Pipeline.AnalysisRetryDelay)
	builder := pipeline.NewBackgroundBuilder(deps, faces, a.dispatcher, a.cfg.Pipeline.DefaultNegativePrompt)
	renderer := pipeline.NewPageRenderer(deps, render.NewCompositor(raster, a.storage))

	srv := worker.NewServer(a.cfg, a.log)
	mux := worker.NewServeMux(
		worker.NewAnalysisWorker(analyzer, a.log),
		worker.NewBackgroundWorker(builder, a.log),
		worker.NewRenderWorker(renderer, a.log),
	)
	if err := srv.Start(mux); err != nil {
		raster.Close()
		return nil, fmt.Errorf("failed to start workers: %w", err)
	}
	a.log.Info().Int("concurrency", a.cfg.Worker.Concurrency).Msg("Workers started")

	return func() {
		srv.Shutdown()
		raster.Close()
	}, nil
}

func (a *stack) personalizationService(uploads *service.UploadService) *service.PersonalizationService {
	return service.NewPersonalizationService(service.PersonalizationDeps{
		Jobs:              a.jobs,
		Ledger:            a.ledger,
		Purger:            a.purger,
		Uploads:           uploads,
		Manifests:         a.manifests,
		Resolver:          a.resolver,
		Dispatcher:        a.dispatcher,
		RegenerationLimit: a.cfg.Pipeline.RegenerationLimit,
		PresignExpiry:     a.cfg.Storage.PresignExpiry,
		Logger:            a.log,
	})
}

func (a *stack) close() {
	if a.asynq != nil {
		a.asynq.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.redis != nil {
		a.redis.Close()
	}
}
