// Package server builds the application's dependency graph and runs its long-lived processes.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/vectorroulette/internal/api"
	"github.com/JakeFAU/vectorroulette/internal/archive"
	"github.com/JakeFAU/vectorroulette/internal/asset"
	"github.com/JakeFAU/vectorroulette/internal/batch"
	"github.com/JakeFAU/vectorroulette/internal/bulk"
	"github.com/JakeFAU/vectorroulette/internal/cacheindex"
	"github.com/JakeFAU/vectorroulette/internal/clock/system"
	"github.com/JakeFAU/vectorroulette/internal/config"
	collyfetcher "github.com/JakeFAU/vectorroulette/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/vectorroulette/internal/fetcher/headless"
	"github.com/JakeFAU/vectorroulette/internal/hash/sha256"
	"github.com/JakeFAU/vectorroulette/internal/headless/detector"
	"github.com/JakeFAU/vectorroulette/internal/id/uuid"
	"github.com/JakeFAU/vectorroulette/internal/logging"
	"github.com/JakeFAU/vectorroulette/internal/policy/ratelimit"
	"github.com/JakeFAU/vectorroulette/internal/pool"
	memorypublisher "github.com/JakeFAU/vectorroulette/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/vectorroulette/internal/publisher/pubsub"
	"github.com/JakeFAU/vectorroulette/internal/random"
	"github.com/JakeFAU/vectorroulette/internal/resolver"
	"github.com/JakeFAU/vectorroulette/internal/shown"
	"github.com/JakeFAU/vectorroulette/internal/source/scrape"
	"github.com/JakeFAU/vectorroulette/internal/source/wiki"
	gcsstorage "github.com/JakeFAU/vectorroulette/internal/storage/gcs"
	localstorage "github.com/JakeFAU/vectorroulette/internal/storage/local"
	memoryStorage "github.com/JakeFAU/vectorroulette/internal/storage/memory"
	pgstore "github.com/JakeFAU/vectorroulette/internal/storage/postgres"
	"github.com/JakeFAU/vectorroulette/internal/telemetry"
	"github.com/JakeFAU/vectorroulette/internal/throttle"
)

const serviceName = "vectorroulette"

// App contains the application's dependencies.
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	clock  *system.Clock

	fetcher   *collyfetcher.Fetcher
	renderer  *headlessfetcher.Renderer
	wiki      *wiki.Adapter
	throttle  *throttle.Coordinator
	index     *cacheindex.Index
	blobs     asset.BlobStore
	publisher asset.Publisher
	resolver  *resolver.Resolver
	batch     *batch.Orchestrator
	apiServer *api.Server

	pubsubClient    *pubsub.Client
	pubsubPublisher *gcppublisher.Publisher
	gcsClient       *storage.Client
	pgStore         *pgstore.IndexStore
	tracerProvider  *sdktrace.TracerProvider
}

// Build creates the application's dependencies. Partially built resources are released on error.
func Build(ctx context.Context, cfg *config.Config) (app *App, err error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app = &App{cfg: cfg, logger: logger, clock: system.New()}
	defer func() {
		if err != nil {
			_ = app.Close(context.Background())
		}
	}()

	app.tracerProvider, err = telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: serviceName,
		ProjectID:   cfg.Tracing.ProjectID,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}

	app.logger.Info("building application dependencies", zap.Int("port", cfg.Server.Port))
	rnd := random.New()
	app.throttle = throttle.New(app.clock, logger)
	app.setupFetchers()

	adapters, err := app.setupAdapters(rnd)
	if err != nil {
		return nil, err
	}
	if err = app.setupIndex(ctx); err != nil {
		return nil, err
	}
	archiveDir, err := app.setupStorage(ctx)
	if err != nil {
		return nil, err
	}
	if err = app.setupPublisher(ctx); err != nil {
		return nil, err
	}

	staticPool, err := pool.Load(cfg.Pool.Path, rnd)
	if err != nil {
		return nil, fmt.Errorf("pool load failed: %w", err)
	}
	app.logger.Info("static pool loaded", zap.String("path", cfg.Pool.Path), zap.Int("items", staticPool.Len()))

	recent := shown.New(rnd)
	app.resolver = resolver.New(resolver.Config{
		LiveTimeout:    cfg.LiveTimeout(),
		ThrottleWindow: cfg.ThrottleWindow(),
		ArchiveBaseURL: cfg.Resolver.ArchiveBaseURL,
	}, adapters, app.throttle, app.index, recent, staticPool, logger)
	app.batch = batch.New(batch.Config{
		Size:    cfg.Batch.Size,
		Stagger: cfg.Stagger(),
	}, app.resolver, app.throttle, app.index, recent, app.clock, logger)

	app.apiServer = api.NewServer(app.batch, app.throttle, app.index, api.Options{
		RequestTimeout: cfg.RequestTimeout(),
		APIKey:         cfg.Server.APIKey,
		ArchiveDir:     archiveDir,
	}, logger)
	return app, nil
}

func (a *App) setupFetchers() {
	var limiter collyfetcher.Waiter
	if a.cfg.HTTP.PerHostRPS > 0 {
		limiter = ratelimit.New(ratelimit.Config{
			DefaultRPS:   a.cfg.HTTP.PerHostRPS,
			DefaultBurst: a.cfg.HTTP.PerHostBurst,
		})
		a.logger.Info("per-host rate limiter enabled",
			zap.Float64("rps", a.cfg.HTTP.PerHostRPS),
			zap.Int("burst", a.cfg.HTTP.PerHostBurst))
	}
	a.fetcher = collyfetcher.New(collyfetcher.Config{
		UserAgent:    a.cfg.HTTP.UserAgent,
		Timeout:      a.cfg.HTTPTimeout(),
		MaxBodyBytes: a.cfg.HTTP.MaxBodyBytes,
		Limiter:      limiter,
	})
	a.logger.Info("using colly fetcher", zap.String("user_agent", a.cfg.HTTP.UserAgent))

	if !a.cfg.Headless.Enabled {
		return
	}
	renderer, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
		MaxParallel:       a.cfg.Headless.MaxParallel,
		UserAgent:         a.cfg.HTTP.UserAgent,
		NavigationTimeout: time.Duration(a.cfg.Headless.NavTimeoutSec) * time.Second,
	})
	if err != nil {
		a.logger.Warn("headless renderer init failed; listings will not be rendered", zap.Error(err))
		return
	}
	a.renderer = renderer
	a.logger.Info("using headless renderer", zap.Int("max_parallel", a.cfg.Headless.MaxParallel))
}

func (a *App) setupAdapters(rnd asset.Random) ([]asset.Adapter, error) {
	var adapters []asset.Adapter
	var opts []scrape.Option
	if a.renderer != nil {
		opts = append(opts, scrape.WithRenderer(a.renderer,
			detector.NewHeuristic(a.cfg.Headless.PromotionMinBytes, a.cfg.Headless.PromotionScriptPct)))
	}
	sites := []struct {
		source asset.Source
		cfg    config.SiteConfig
	}{
		{asset.SourceSiteA, a.cfg.Sources.SiteA},
		{asset.SourceSiteB, a.cfg.Sources.SiteB},
	}
	for _, site := range sites {
		if !site.cfg.Enabled {
			continue
		}
		adapter, err := scrape.New(scrape.Config{
			Source:        site.source,
			ListingURL:    site.cfg.ListingURL,
			PageMin:       site.cfg.PageMin,
			PageMax:       site.cfg.PageMax,
			Extension:     site.cfg.Extension,
			RenderListing: site.cfg.RenderListing,
			Selectors:     site.cfg.Selectors,
		}, a.fetcher, rnd, a.logger, opts...)
		if err != nil {
			return nil, fmt.Errorf("%s adapter init failed: %w", site.source, err)
		}
		adapters = append(adapters, adapter)
	}

	wikiCfg := a.cfg.Sources.WikiMedia
	if wikiCfg.Enabled {
		adapter, err := wiki.New(wiki.Config{
			APIURL:      wikiCfg.APIURL,
			SearchQuery: wikiCfg.SearchQuery,
			MaxOffset:   wikiCfg.MaxOffset,
			Timeout:     a.cfg.WikiTimeout(),
			ThumbWidth:  wikiCfg.ThumbWidth,
		}, a.fetcher, rnd, a.logger)
		if err != nil {
			return nil, fmt.Errorf("wiki adapter init failed: %w", err)
		}
		a.wiki = adapter
		adapters = append(adapters, adapter)
	}
	a.logger.Info("source adapters ready", zap.Int("count", len(adapters)))
	return adapters, nil
}

func (a *App) setupIndex(ctx context.Context) error {
	var store cacheindex.Store
	switch a.cfg.Index.Backend {
	case "postgres":
		pg, err := pgstore.NewIndexStore(ctx, pgstore.IndexStoreConfig{
			DSN:      a.cfg.Index.Postgres.DSN,
			Table:    a.cfg.Index.Postgres.Table,
			MaxConns: a.cfg.Index.Postgres.MaxConns,
		})
		if err != nil {
			return fmt.Errorf("postgres index init failed: %w", err)
		}
		a.pgStore = pg
		store = pg
		a.logger.Info("using postgres cache index", zap.String("table", a.cfg.Index.Postgres.Table))
	default:
		fs, err := cacheindex.NewFileStore(a.cfg.Index.Path)
		if err != nil {
			return fmt.Errorf("file index init failed: %w", err)
		}
		store = fs
		a.logger.Info("using file cache index", zap.String("path", fs.Path()))
	}
	a.index = cacheindex.New(store, a.clock, a.cfg.IndexRefresh(), a.logger)
	return nil
}

// setupStorage picks the blob backend and returns the directory to serve under /archive/, if any.
func (a *App) setupStorage(ctx context.Context) (string, error) {
	switch a.cfg.Storage.Backend {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return "", fmt.Errorf("gcs client init failed: %w", err)
		}
		a.gcsClient = client
		blobs, err := gcsstorage.New(client, gcsstorage.Config{
			Bucket: a.cfg.Storage.GCSBucket,
			Prefix: a.cfg.Storage.Prefix,
		})
		if err != nil {
			return "", fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.blobs = blobs
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.GCSBucket))
		return "", nil
	case "memory":
		a.blobs = memoryStorage.NewBlobStore()
		a.logger.Info("using in-memory storage backend")
		return "", nil
	default:
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return "", fmt.Errorf("local blob store init failed: %w", err)
		}
		a.blobs = blobs
		a.logger.Info("using local storage backend", zap.String("path", blobs.Dir()))
		return blobs.Dir(), nil
	}
}

func (a *App) setupPublisher(ctx context.Context) error {
	if a.cfg.PubSub.TopicName == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Info("no Pub/Sub topic configured, keeping recent events in memory",
			zap.Int("buffer", a.cfg.PubSub.MemoryBuffer))
		a.publisher = memorypublisher.New(a.cfg.PubSub.MemoryBuffer)
		return nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubClient = client
	a.pubsubPublisher = gcppublisher.New(client.Publisher(a.cfg.PubSub.TopicName))
	a.publisher = a.pubsubPublisher
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName))
	return nil
}

// Handler exposes the HTTP API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Config returns the loaded configuration.
func (a *App) Config() *config.Config {
	return a.cfg
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Collector builds the archive collector. It requires the wiki-media source.
func (a *App) Collector() (*archive.Collector, error) {
	if a.wiki == nil {
		return nil, errors.New("archive collector requires sources.wiki_media.enabled")
	}
	topic := a.cfg.PubSub.TopicName
	if topic == "" {
		topic = archive.DefaultTopic
	}
	return archive.New(archive.Config{
		Pacing:            a.cfg.ArchivePacing(),
		Cooldown:          a.cfg.ArchiveCooldown(),
		Denylist:          a.cfg.Archive.Denylist,
		Extension:         a.cfg.Archive.Extension,
		MaxFileNameLength: a.cfg.Archive.MaxFileNameLength,
		ContentType:       a.cfg.Storage.ContentType,
		Topic:             topic,
		Validation: archive.Validation{
			MaxBytes:     a.cfg.Archive.MaxBytes,
			Marker:       a.cfg.Archive.ContentMarker,
			MarkerWindow: a.cfg.Archive.MarkerWindowBytes,
		},
	}, archive.Deps{
		Candidates: a.wiki,
		Fetcher:    a.fetcher,
		Blobs:      a.blobs,
		Index:      a.index,
		Throttle:   a.throttle,
		Publisher:  a.publisher,
		IDs:        uuid.New(),
		Hasher:     sha256.New(),
		Clock:      a.clock,
	}, a.logger), nil
}

// Builder builds the bulk cache builder.
func (a *App) Builder() *bulk.Builder {
	return bulk.New(bulk.Config{
		MaxRetries:        a.cfg.Bulk.MaxRetries,
		ThrottleDelay:     a.cfg.BulkThrottleDelay(),
		Concurrency:       a.cfg.Bulk.Concurrency,
		Extension:         a.cfg.Archive.Extension,
		MaxFileNameLength: a.cfg.Archive.MaxFileNameLength,
		ContentType:       a.cfg.Storage.ContentType,
		Validation: archive.Validation{
			MaxBytes:     a.cfg.Bulk.MaxBytes,
			Marker:       a.cfg.Archive.ContentMarker,
			MarkerWindow: a.cfg.Archive.MarkerWindowBytes,
		},
	}, a.fetcher, a.blobs, a.index, uuid.New(), a.clock, a.logger)
}

// CandidateSource returns the wiki adapter for bulk discovery, or nil when it is disabled.
func (a *App) CandidateSource() asset.CandidateSource {
	if a.wiki == nil {
		return nil
	}
	return a.wiki
}

// Run serves HTTP, and the archive collector when configured, until ctx is canceled.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	collectorDone := make(chan struct{})
	if a.cfg.Archive.RunInServer {
		collector, err := a.Collector()
		if err != nil {
			return err
		}
		go func() {
			defer close(collectorDone)
			collector.Run(ctx)
		}()
	} else {
		close(collectorDone)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	<-collectorDone
	return nil
}

// Close releases infrastructure clients and flushes observability.
func (a *App) Close(ctx context.Context) error {
	a.closeInfrastructure()
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure() {
	if a.renderer != nil {
		a.renderer.Close()
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerProvider != nil {
		if err := a.tracerProvider.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}
