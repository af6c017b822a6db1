// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/realtime-feed-rater/internal/api"
	"github.com/JakeFAU/realtime-feed-rater/internal/archive"
	"github.com/JakeFAU/realtime-feed-rater/internal/catalog"
	"github.com/JakeFAU/realtime-feed-rater/internal/catalog/mobilitydata"
	"github.com/JakeFAU/realtime-feed-rater/internal/catalog/static"
	"github.com/JakeFAU/realtime-feed-rater/internal/clock/system"
	"github.com/JakeFAU/realtime-feed-rater/internal/config"
	"github.com/JakeFAU/realtime-feed-rater/internal/dispatcher"
	"github.com/JakeFAU/realtime-feed-rater/internal/feed"
	collyfetcher "github.com/JakeFAU/realtime-feed-rater/internal/fetcher/colly"
	localfetcher "github.com/JakeFAU/realtime-feed-rater/internal/fetcher/local"
	"github.com/JakeFAU/realtime-feed-rater/internal/grade"
	"github.com/JakeFAU/realtime-feed-rater/internal/hash/sha256"
	"github.com/JakeFAU/realtime-feed-rater/internal/id/uuid"
	"github.com/JakeFAU/realtime-feed-rater/internal/keys"
	"github.com/JakeFAU/realtime-feed-rater/internal/logging"
	"github.com/JakeFAU/realtime-feed-rater/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/realtime-feed-rater/internal/publisher/memory"
	pubsubpublisher "github.com/JakeFAU/realtime-feed-rater/internal/publisher/pubsub"
	"github.com/JakeFAU/realtime-feed-rater/internal/rotation"
	"github.com/JakeFAU/realtime-feed-rater/internal/scheduler"
	gcsstore "github.com/JakeFAU/realtime-feed-rater/internal/storage/gcs"
	localstore "github.com/JakeFAU/realtime-feed-rater/internal/storage/local"
	memorystore "github.com/JakeFAU/realtime-feed-rater/internal/storage/memory"
	"github.com/JakeFAU/realtime-feed-rater/internal/storage/postgres"
	s3store "github.com/JakeFAU/realtime-feed-rater/internal/storage/s3"
	"github.com/JakeFAU/realtime-feed-rater/internal/worker"
)

// App holds all the shared, long-lived services for the application.
// It is built once per command from the decoded configuration and closed by
// the command when it finishes.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	clock     feed.Clock
	catalog   feed.Catalog
	keyStore  feed.KeyStore
	store     feed.BlobStore
	ledger    rotation.Ledger
	publisher feed.Publisher
	closers   []namedCloser
}

type namedCloser struct {
	name  string
	close func() error
}

// Option customizes App construction.
type Option func(*App)

// WithClock overrides the system clock.
func WithClock(c feed.Clock) Option {
	return func(a *App) { a.clock = c }
}

// WithKeyStore replaces the AWS-backed key store.
func WithKeyStore(s feed.KeyStore) Option {
	return func(a *App) { a.keyStore = s }
}

// WithCatalog replaces the configured catalog provider.
func WithCatalog(c feed.Catalog) Option {
	return func(a *App) { a.catalog = c }
}

// WithBlobStore replaces the configured blob store.
func WithBlobStore(s feed.BlobStore) Option {
	return func(a *App) { a.store = s }
}

// WithPublisher replaces the Pub/Sub publisher.
func WithPublisher(p feed.Publisher) Option {
	return func(a *App) { a.publisher = p }
}

// Feeds is the catalog snapshot a run works from.
type Feeds struct {
	All      []feed.Descriptor
	Eligible []feed.Descriptor
	Keys     map[string]string
	Summary  catalog.Summary
}

// New creates and initializes an App from cfg. It fails fast when a
// configured provider cannot be reached; anything already opened is closed.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(a)
	}
	if a.clock == nil {
		a.clock = system.New()
	}
	a.logger.Info("initializing application services")

	if err := a.initServices(ctx); err != nil {
		a.Close()
		return nil, err
	}
	a.logger.Info("application services initialized",
		zap.String("catalog", cfg.Catalog.Provider),
		zap.String("storage", cfg.Storage.Provider),
		zap.String("ledger", cfg.Ledger.Provider),
		zap.Bool("publisher", a.publisher != nil),
	)
	return a, nil
}

func (a *App) initServices(ctx context.Context) error {
	if a.catalog == nil {
		cat, err := a.newCatalog()
		if err != nil {
			return fmt.Errorf("init catalog: %w", err)
		}
		a.catalog = cat
	}
	if a.store == nil {
		if err := a.initStore(ctx); err != nil {
			return fmt.Errorf("init storage: %w", err)
		}
	}
	if err := a.initLedger(ctx); err != nil {
		return fmt.Errorf("init ledger: %w", err)
	}
	if a.publisher == nil && a.cfg.PubSub.Topic != "" {
		if err := a.initPublisher(ctx); err != nil {
			return fmt.Errorf("init publisher: %w", err)
		}
	}
	return nil
}

func (a *App) initPublisher(ctx context.Context) error {
	switch a.cfg.PubSub.Provider {
	case config.PublisherMemory:
		a.publisher = memorypublisher.New()
	case config.PublisherGCP, "":
		pub, err := pubsubpublisher.Open(ctx, a.cfg.PubSub.ProjectID)
		if err != nil {
			return err
		}
		a.publisher = pub
		a.addCloser("pubsub", pub.Close)
	default:
		return fmt.Errorf("unknown pubsub provider: %s", a.cfg.PubSub.Provider)
	}
	return nil
}

func (a *App) newCatalog() (feed.Catalog, error) {
	switch a.cfg.Catalog.Provider {
	case config.CatalogStatic:
		return static.Load(a.cfg.Catalog.FeedsFile)
	case config.CatalogMobilityData:
		return mobilitydata.New(mobilitydata.Config{
			BaseURL:      a.cfg.Catalog.BaseURL,
			RefreshToken: a.cfg.Catalog.RefreshToken,
			Timeout:      a.cfg.Fetch.RequestTimeout,
		}, a.logger)
	default:
		return nil, fmt.Errorf("unknown catalog provider: %s", a.cfg.Catalog.Provider)
	}
}

func (a *App) initStore(ctx context.Context) error {
	sc := a.cfg.Storage
	switch sc.Provider {
	case config.StorageNone:
		a.logger.Info("no blob store configured; finalized archives stay local")
	case config.StorageMemory:
		a.store = memorystore.NewBlobStore()
	case config.StorageLocal:
		s, err := localstore.New(localstore.Config{BaseDir: sc.BaseDir})
		if err != nil {
			return err
		}
		a.store = s
	case config.StorageGCS:
		s, err := gcsstore.Open(ctx, gcsstore.Config{Bucket: sc.Bucket})
		if err != nil {
			return err
		}
		a.store = s
		a.addCloser("gcs", s.Close)
	case config.StorageS3:
		s, err := s3store.New(ctx, s3store.Config{Bucket: sc.Bucket})
		if err != nil {
			return err
		}
		a.store = s
	default:
		return fmt.Errorf("unknown storage provider: %s", sc.Provider)
	}
	return nil
}

func (a *App) initLedger(ctx context.Context) error {
	switch a.cfg.Ledger.Provider {
	case config.LedgerMemory, "":
		a.ledger = rotation.NewMemoryLedger()
	case config.LedgerPostgres:
		l, err := postgres.NewUploadLedger(ctx, postgres.Config{
			DSN:   a.cfg.Ledger.DSN,
			Table: a.cfg.Ledger.Table,
		})
		if err != nil {
			return err
		}
		a.ledger = l
		a.addCloser("postgres", func() error {
			l.Close()
			return nil
		})
	default:
		return fmt.Errorf("unknown ledger provider: %s", a.cfg.Ledger.Provider)
	}
	return nil
}

func (a *App) addCloser(name string, fn func() error) {
	a.closers = append(a.closers, namedCloser{name: name, close: fn})
}

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Config returns the configuration the App was built from.
func (a *App) Config() config.Config { return a.cfg }

// Catalog returns the feed catalog provider.
func (a *App) Catalog() feed.Catalog { return a.catalog }

// Store returns the blob store, or nil when uploads are disabled.
func (a *App) Store() feed.BlobStore { return a.store }

// Publisher returns the upload notifier, or nil when no topic is set.
func (a *App) Publisher() feed.Publisher { return a.publisher }

// Ledger returns the upload ledger.
func (a *App) Ledger() rotation.Ledger { return a.ledger }

// LoadFeeds lists the catalog, resolves API keys for feeds that have a key
// reference, and filters the eligible set. A catalog failure is fatal.
func (a *App) LoadFeeds(ctx context.Context) (Feeds, error) {
	all, err := a.catalog.ListFeeds(ctx)
	if err != nil {
		return Feeds{}, fmt.Errorf("list feeds: %w", err)
	}
	resolved, err := a.resolveKeys(ctx)
	if err != nil {
		return Feeds{}, err
	}
	out := Feeds{
		All:      all,
		Eligible: catalog.Eligible(all, resolved),
		Keys:     resolved,
		Summary:  catalog.Summarize(all, resolved),
	}
	a.logger.Info("catalog loaded",
		zap.Int("total", out.Summary.Total),
		zap.Int("processable", out.Summary.Processable),
		zap.Int("auth_required", out.Summary.AuthRequired),
		zap.Int("keyed", out.Summary.Keyed),
	)
	return out, nil
}

func (a *App) resolveKeys(ctx context.Context) (map[string]string, error) {
	refs, err := keys.LoadConfig(a.cfg.Keys.ConfigFile)
	if err != nil {
		return nil, err
	}
	if len(refs) == 0 {
		return map[string]string{}, nil
	}
	if a.keyStore == nil {
		store, err := keys.NewStore(ctx, a.cfg.Keys.Provider)
		if err != nil {
			return nil, fmt.Errorf("init key store: %w", err)
		}
		a.keyStore = store
	}
	return keys.Resolve(ctx, a.keyStore, refs, a.logger), nil
}

// NewWorker builds a feed worker with the configured fetch stack.
func (a *App) NewWorker(apiKeys map[string]string) *worker.Worker {
	return NewWorker(a.cfg.Fetch, apiKeys, false, a.clock, a.logger)
}

// NewWorker builds a worker from fetch settings alone, for commands that
// sample without a catalog. barePaths lets scheme-less endpoints be read from
// disk; catalog runs keep it off.
func NewWorker(fc config.FetchConfig, apiKeys map[string]string, barePaths bool, clock feed.Clock, logger *zap.Logger) *worker.Worker {
	httpFetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:      fc.UserAgent,
		RequestTimeout: fc.RequestTimeout,
		ConnectTimeout: fc.ConnectTimeout,
	})
	limiter := ratelimit.New(ratelimit.Config{PerHostRPS: fc.PerHostRPS})
	return worker.New(
		httpFetcher,
		localfetcher.New(),
		apiKeys,
		limiter,
		worker.NewExponentialRetryPolicy(fc.MaxAttempts),
		clock,
		worker.Config{FetchTimeout: fc.RequestTimeout, AllowBarePaths: barePaths},
		logger,
	)
}

// NewReporter builds the daily aggregate reporter. It needs a blob store.
func (a *App) NewReporter() (*grade.Reporter, error) {
	return grade.NewReporter(a.store, a.clock, a.logger)
}

// Run is one sampling run: a fixed feed snapshot and the components that
// drive it.
type Run struct {
	ID        string
	Scheduler *scheduler.Scheduler
	Archive   *archive.Writer
	Pipeline  *rotation.Pipeline
	Reporter  *grade.Reporter
	port      int
	logger    *zap.Logger
}

// NewRun wires the scheduler for feeds. Archive files left by a previous run
// are recovered before the first round so stale days get uploaded.
func (a *App) NewRun(feeds Feeds) (*Run, error) {
	runID, err := uuid.New().NewID()
	if err != nil {
		return nil, fmt.Errorf("generate run id: %w", err)
	}
	logger := logging.WithRun(a.logger, runID)

	writer, err := archive.NewWriter(a.cfg.Sampler.OutputDir, logger)
	if err != nil {
		return nil, fmt.Errorf("init archive: %w", err)
	}
	if _, err := writer.Recover(a.clock.Now()); err != nil {
		return nil, fmt.Errorf("recover archive: %w", err)
	}

	var (
		reporter   *grade.Reporter
		aggregator rotation.Aggregator
	)
	if a.cfg.Aggregate.Enabled {
		if a.store == nil {
			logger.Warn("aggregation enabled without a blob store; skipping")
		} else {
			reporter, err = grade.NewReporter(a.store, a.clock, logger)
			if err != nil {
				return nil, fmt.Errorf("init reporter: %w", err)
			}
			aggregator = reporter
		}
	}

	pipeline := rotation.New(
		writer,
		a.store,
		a.ledger,
		sha256.New(),
		a.publisher,
		aggregator,
		a.clock,
		rotation.Config{
			Prefix: a.cfg.Storage.Prefix,
			Gzip:   a.cfg.Storage.Gzip,
			Topic:  a.cfg.PubSub.Topic,
		},
		logger,
	)
	disp := dispatcher.New(a.NewWorker(feeds.Keys), a.cfg.Sampler.Concurrency, a.clock, logger)
	sched := scheduler.New(
		feeds.Eligible,
		pipeline,
		disp,
		writer,
		a.clock,
		scheduler.Config{
			RunID:       runID,
			Interval:    a.cfg.Sampler.Interval,
			SampleCount: a.cfg.Sampler.Samples,
		},
		logger,
	)
	return &Run{
		ID:        runID,
		Scheduler: sched,
		Archive:   writer,
		Pipeline:  pipeline,
		Reporter:  reporter,
		port:      a.cfg.Server.Port,
		logger:    logger,
	}, nil
}

// Server builds the status server for r.
func (r *Run) Server() *api.Server {
	sources := api.Sources{
		Status:   r.Scheduler,
		Archives: r.Archive,
		Uploads:  r.Pipeline,
	}
	if r.Reporter != nil {
		sources.Grades = r.Reporter
	}
	return api.NewServer(sources, r.logger)
}

// Execute runs the scheduler to completion and, when a port is configured,
// serves status alongside it until the scheduler returns.
func (r *Run) Execute(ctx context.Context) error {
	if r.port <= 0 {
		return r.Scheduler.Run(ctx)
	}
	serveCtx, stopServer := context.WithCancel(ctx)
	defer stopServer()

	g, gctx := errgroup.WithContext(serveCtx)
	g.Go(func() error {
		defer stopServer()
		return r.Scheduler.Run(gctx)
	})
	g.Go(func() error {
		return r.Server().ListenAndServe(gctx, r.port)
	})
	return g.Wait()
}

// Close gracefully shuts down all services in the App container.
func (a *App) Close() {
	a.logger.Info("shutting down application services")
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.close(); err != nil {
			a.logger.Warn("error closing service", zap.String("service", c.name), zap.Error(err))
		}
	}
	a.closers = nil
}
