// Package server builds the application graph from configuration and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/linksmith/chrono-scraper-sub004/internal/api"
	"github.com/linksmith/chrono-scraper-sub004/internal/archive"
	"github.com/linksmith/chrono-scraper-sub004/internal/association"
	"github.com/linksmith/chrono-scraper-sub004/internal/clock/system"
	"github.com/linksmith/chrono-scraper-sub004/internal/config"
	"github.com/linksmith/chrono-scraper-sub004/internal/dispatcher"
	"github.com/linksmith/chrono-scraper-sub004/internal/events"
	"github.com/linksmith/chrono-scraper-sub004/internal/events/sinks"
	headlessfetcher "github.com/linksmith/chrono-scraper-sub004/internal/fetcher/headless"
	"github.com/linksmith/chrono-scraper-sub004/internal/fetcher/wayback"
	"github.com/linksmith/chrono-scraper-sub004/internal/filter"
	"github.com/linksmith/chrono-scraper-sub004/internal/hash/sha256"
	"github.com/linksmith/chrono-scraper-sub004/internal/headless/detector"
	"github.com/linksmith/chrono-scraper-sub004/internal/id/uuid"
	"github.com/linksmith/chrono-scraper-sub004/internal/identity"
	"github.com/linksmith/chrono-scraper-sub004/internal/metrics"
	"github.com/linksmith/chrono-scraper-sub004/internal/monitor"
	"github.com/linksmith/chrono-scraper-sub004/internal/pipeline"
	"github.com/linksmith/chrono-scraper-sub004/internal/policy/ratelimit"
	memorypublisher "github.com/linksmith/chrono-scraper-sub004/internal/publisher/memory"
	gcppublisher "github.com/linksmith/chrono-scraper-sub004/internal/publisher/pubsub"
	queueMemory "github.com/linksmith/chrono-scraper-sub004/internal/queue/memory"
	queuePubsub "github.com/linksmith/chrono-scraper-sub004/internal/queue/pubsub"
	gcsstorage "github.com/linksmith/chrono-scraper-sub004/internal/storage/gcs"
	localstorage "github.com/linksmith/chrono-scraper-sub004/internal/storage/local"
	memoryStorage "github.com/linksmith/chrono-scraper-sub004/internal/storage/memory"
	pgstore "github.com/linksmith/chrono-scraper-sub004/internal/storage/postgres"
	"github.com/linksmith/chrono-scraper-sub004/internal/telemetry"
	"github.com/linksmith/chrono-scraper-sub004/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	pipeline  *pipeline.Pipeline
	monitor   *monitor.Monitor
	apiServer *api.Server
	dispatch  *dispatcher.Dispatcher
	queue     *queueMemory.Queue
	hub       *events.Hub
	consumer  *queuePubsub.Consumer

	pool            *pgxpool.Pool
	pubsubClient    *pubsub.Client
	pubsubPublisher *pubsub.Publisher
	gcs             *gcsstorage.BlobStore
	headless        *headlessfetcher.Fetcher
	tracerShutdown  func(context.Context) error
}

// stores groups the record backends chosen by storage.backend.
type stores struct {
	registry     archive.Registry
	pages        archive.PageStore
	associations archive.AssociationStore
}

// counterFunc adapts Pipeline.Counters to monitor.CounterSource.
type counterFunc func() pipeline.CountersSnapshot

func (f counterFunc) Snapshot() pipeline.CountersSnapshot { return f() }

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			app.closeInfrastructure(context.Background())
		}
	}()

	logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("blob_backend", cfg.Storage.Blob),
		zap.String("fetch_mode", cfg.Fetch.Mode),
	)
	metrics.Init()

	if cfg.Tracing.Enabled {
		tp, err := telemetry.InitTracerProvider(ctx, cfg.Tracing.ServiceName, cfg.Tracing.SampleRatio)
		if err != nil {
			return nil, fmt.Errorf("tracer init failed: %w", err)
		}
		app.tracerShutdown = tp.Shutdown
	}

	clock := system.New()
	st, err := app.setupStores(ctx, clock)
	if err != nil {
		return nil, err
	}
	blobs, err := app.setupBlobs(ctx)
	if err != nil {
		return nil, err
	}
	publisher, topic, err := app.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}
	if err := app.setupEvents(publisher, topic); err != nil {
		return nil, err
	}

	filters, err := filter.Build(cfg.FilterEngineConfig(), logger.Named("filter"))
	if err != nil {
		return nil, fmt.Errorf("filter init failed: %w", err)
	}
	layer := association.New(st.associations, st.pages, clock, app.hub, logger)

	deps := pipeline.Deps{
		Resolver:     identity.New(cfg.Pipeline.CaptureBucket),
		Registry:     st.registry,
		Pages:        st.pages,
		Associations: layer,
		Filters:      filters,
		Limiter: ratelimit.New(ratelimit.Config{
			GlobalRPS:    cfg.RateLimit.GlobalRPS,
			GlobalBurst:  cfg.RateLimit.GlobalBurst,
			DefaultRPS:   cfg.RateLimit.PerDomainRPS,
			DefaultBurst: cfg.RateLimit.PerDomainBurst,
		}),
		Retry:  pipeline.NewExponentialRetryPolicy(cfg.Pipeline.FetchAttempts, cfg.Pipeline.BackoffInitial, cfg.Pipeline.BackoffMax),
		Blobs:  blobs,
		Hasher: sha256.New(),
		IDs:    uuid.New(),
		Clock:  clock,
		Events: app.hub,
		Logger: logger,
	}
	if err := app.setupFetchers(&deps); err != nil {
		return nil, err
	}

	app.pipeline, err = pipeline.New(pipeline.Config{
		FetchTimeout:          cfg.Pipeline.FetchTimeout,
		MaxProcessingDuration: cfg.Pipeline.MaxProcessingDuration,
		SweepInterval:         cfg.Pipeline.SweepInterval,
		MaxRetries:            cfg.Pipeline.MaxRetries,
		BulkConcurrency:       cfg.Pipeline.BulkConcurrency,
		BlobPrefix:            cfg.Storage.Prefix,
	}, deps)
	if err != nil {
		return nil, fmt.Errorf("pipeline init failed: %w", err)
	}

	app.monitor = monitor.New(monitor.Config{
		StuckAfter:     cfg.Pipeline.MaxProcessingDuration,
		ErrorWindow:    cfg.Monitor.ErrorWindow,
		CollectTimeout: cfg.Monitor.CollectTimeout,
	}, st.pages, layer, counterFunc(app.pipeline.Counters), clock, logger.Named("monitor"))
	if err := prometheus.Register(app.monitor); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return nil, fmt.Errorf("monitor collector registration failed: %w", err)
		}
		app.logger.Warn("monitor collector already registered")
	}

	app.queue = queueMemory.NewQueue(cfg.Pipeline.QueueDepth)
	workers := make([]*worker.Worker, 0, cfg.Pipeline.Workers)
	for i := 0; i < cfg.Pipeline.Workers; i++ {
		workers = append(workers, worker.New(i, app.queue, app.pipeline, logger))
	}
	app.dispatch = dispatcher.New(app.queue, workers)

	if err := app.setupConsumer(); err != nil {
		return nil, err
	}

	var ready func(context.Context) error
	if app.pool != nil {
		ready = app.pool.Ping
	}
	app.apiServer = api.NewServer(cfg, api.Deps{
		Processor:    app.pipeline,
		Scopes:       app.pipeline.Scopes(),
		Ingester:     app.dispatch,
		Pages:        st.pages,
		Associations: layer,
		Monitor:      app.monitor,
		Ready:        ready,
		Logger:       logger,
	})
	return app, nil
}

// Pipeline exposes the built pipeline for one-shot commands.
func (a *App) Pipeline() *pipeline.Pipeline { return a.pipeline }

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

func (a *App) setupStores(ctx context.Context, clock archive.Clock) (stores, error) {
	if a.cfg.Storage.Backend != config.BackendPostgres {
		a.logger.Info("using in-memory record stores")
		pages := memoryStorage.NewPageStore(clock)
		return stores{
			registry:     memoryStorage.NewRegistry(pages, clock),
			pages:        pages,
			associations: memoryStorage.NewAssociationStore(),
		}, nil
	}

	if a.cfg.Database.AutoMigrate {
		version, dirty, err := pgstore.Migrate(a.cfg.Database.DSN, false)
		if err != nil {
			return stores{}, fmt.Errorf("database migration failed: %w", err)
		}
		a.logger.Info("database migrated", zap.Uint("version", version), zap.Bool("dirty", dirty))
	}
	pool, err := pgstore.Open(ctx, pgstore.Config{
		DSN:             a.cfg.Database.DSN,
		MaxConns:        a.cfg.Database.MaxConns,
		MinConns:        a.cfg.Database.MinConns,
		MaxConnLifetime: a.cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return stores{}, fmt.Errorf("database init failed: %w", err)
	}
	a.pool = pool
	a.logger.Info("using postgres record stores")
	pages := pgstore.NewPageStore(pool, clock)
	return stores{
		registry:     pgstore.NewRegistry(pool, pages, clock),
		pages:        pages,
		associations: pgstore.NewAssociationStore(pool),
	}, nil
}

func (a *App) setupBlobs(ctx context.Context) (archive.BlobStore, error) {
	switch a.cfg.Storage.Blob {
	case config.BlobGCS:
		store, err := gcsstorage.Open(ctx, gcsstorage.Config{
			Bucket:   a.cfg.Storage.GCSBucket,
			Endpoint: a.cfg.Storage.GCSEndpoint,
		}, a.logger.Named("gcs"))
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.gcs = store
		a.logger.Info("using GCS blob store", zap.String("bucket", a.cfg.Storage.GCSBucket))
		return store, nil
	case config.BlobLocal:
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local blob store", zap.String("path", a.cfg.Storage.LocalDir))
		return store, nil
	default:
		a.logger.Info("using in-memory blob store")
		return memoryStorage.NewBlobStore(), nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (archive.Publisher, string, error) {
	if a.cfg.PubSub.ProjectID == "" {
		a.logger.Info("no Pub/Sub project configured, using in-memory publisher")
		return memorypublisher.New(a.cfg.Events.MemoryLimit), "events", nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, "", fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubClient = client
	if a.cfg.PubSub.EventsTopic == "" {
		return memorypublisher.New(a.cfg.Events.MemoryLimit), "events", nil
	}
	a.pubsubPublisher = client.Publisher(a.cfg.PubSub.EventsTopic)
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.EventsTopic),
	)
	return gcppublisher.New(a.pubsubPublisher), a.cfg.PubSub.EventsTopic, nil
}

func (a *App) setupEvents(publisher archive.Publisher, topic string) error {
	promSink, err := sinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("event metrics: %w", err)
	}
	kinds := make([]events.Kind, 0, len(a.cfg.Events.Kinds))
	for _, k := range a.cfg.Events.Kinds {
		kinds = append(kinds, events.Kind(k))
	}
	a.hub = events.NewHub(events.Config{
		BufferSize:     a.cfg.Events.BufferSize,
		MaxBatchEvents: a.cfg.Events.MaxBatchEvents,
		MaxBatchWait:   a.cfg.Events.MaxBatchWait,
		Logger:         a.logger.Named("events"),
	},
		sinks.NewLogSink(a.logger.Named("events_log")),
		sinks.NewPublisherSink(publisher, topic, kinds...),
		promSink,
	)
	a.logger.Info("event hub initialized",
		zap.Int("buffer_size", a.cfg.Events.BufferSize),
		zap.Int("max_batch_events", a.cfg.Events.MaxBatchEvents),
		zap.Duration("max_batch_wait", a.cfg.Events.MaxBatchWait),
	)
	return nil
}

// setupFetchers picks the primary fetcher by fetch.mode. Auto mode replays
// through colly and promotes thin captures to a headless render.
func (a *App) setupFetchers(deps *pipeline.Deps) error {
	replay := wayback.New(wayback.Config{
		BaseURL:      a.cfg.Fetch.BaseURL,
		Mode:         wayback.RawMode,
		UserAgent:    a.cfg.Fetch.UserAgent,
		Timeout:      a.cfg.Pipeline.FetchTimeout,
		MaxBodyBytes: a.cfg.Fetch.MaxBodyBytes,
	})
	if a.cfg.Fetch.Mode == config.FetchWayback {
		deps.Fetcher = replay
		return nil
	}

	headless, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
		MaxParallel:       a.cfg.Headless.MaxParallel,
		UserAgent:         a.cfg.Fetch.UserAgent,
		NavigationTimeout: a.cfg.Headless.NavTimeout,
		ReplayBaseURL:     a.cfg.Fetch.BaseURL,
		SettleDelay:       a.cfg.Headless.SettleDelay,
	})
	if err != nil {
		return fmt.Errorf("headless fetcher init failed: %w", err)
	}
	a.headless = headless
	a.logger.Info("headless fetcher enabled", zap.Int("max_parallel", a.cfg.Headless.MaxParallel))

	if a.cfg.Fetch.Mode == config.FetchHeadless {
		deps.Fetcher = headless
		return nil
	}
	deps.Fetcher = replay
	deps.Headless = headless
	deps.Promoter = detector.NewHeuristic(a.cfg.Headless.PromotionThreshold)
	return nil
}

func (a *App) setupConsumer() error {
	if a.pubsubClient == nil || a.cfg.PubSub.CandidatesSubscription == "" {
		return nil
	}
	sub := a.pubsubClient.Subscriber(a.cfg.PubSub.CandidatesSubscription)
	a.consumer = queuePubsub.NewConsumer(sub, a.dispatch, a.logger)
	a.logger.Info("candidate subscription attached", zap.String("subscription", a.cfg.PubSub.CandidatesSubscription))
	return nil
}

// Run starts workers, the stuck-page sweeper, the optional subscription
// consumer and the HTTP server, and blocks until ctx is canceled.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.logger.Info("dispatcher started", zap.Int("workers", a.cfg.Pipeline.Workers))
		a.dispatch.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		if err := a.pipeline.RunSweeper(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error("sweeper stopped", zap.Error(err))
		}
	}()
	if a.consumer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error("candidate consumer stopped", zap.Error(err))
				stop()
			}
		}()
	}

	srv := &http.Server{
		Addr:              a.cfg.Address(),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.queue.Close()
	wg.Wait()

	closeErr := a.Close(shutdownCtx)
	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return closeErr
	}
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeout > 0 {
		return a.cfg.Server.ShutdownTimeout
	}
	return 10 * time.Second
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.monitor != nil {
		prometheus.Unregister(a.monitor)
	}
	if a.headless != nil {
		a.headless.Close()
	}
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("event hub close failed", zap.Error(err))
		}
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
}
