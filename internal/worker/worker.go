// Package worker samples a single feed: fetch, decode, extract.
package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-feed-rater/internal/clock/system"
	"github.com/JakeFAU/realtime-feed-rater/internal/feed"
	localfetcher "github.com/JakeFAU/realtime-feed-rater/internal/fetcher/local"
	"github.com/JakeFAU/realtime-feed-rater/internal/gtfsrt"
	"github.com/JakeFAU/realtime-feed-rater/internal/metrics"
	"github.com/JakeFAU/realtime-feed-rater/internal/stats"
)

const defaultFetchTimeout = 30 * time.Second

// Limiter throttles requests per host.
type Limiter interface {
	Wait(ctx context.Context, endpoint string) error
}

// Config controls Worker behavior.
type Config struct {
	// FetchTimeout bounds one fetch attempt, including any politeness wait.
	FetchTimeout time.Duration
	// AllowBarePaths lets endpoints without a scheme be read from disk.
	// Catalog feeds must be http(s) or file:// URLs.
	AllowBarePaths bool
}

// Worker turns one feed descriptor into exactly one outcome. It never writes
// to the archive and never returns an error; failures are outcomes.
type Worker struct {
	httpFetcher  feed.Fetcher
	localFetcher feed.Fetcher
	keys         map[string]string
	limiter      Limiter
	retry        RetryPolicy
	clock        feed.Clock
	cfg          Config
	logger       *zap.Logger
}

// New constructs a Worker. keys maps feed IDs to resolved API keys; limiter and
// retry may be nil.
func New(
	httpFetcher feed.Fetcher,
	localFetcher feed.Fetcher,
	keys map[string]string,
	limiter Limiter,
	retry RetryPolicy,
	clock feed.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaultFetchTimeout
	}
	if retry == nil {
		retry = NewExponentialRetryPolicy(1)
	}
	if clock == nil {
		clock = system.New()
	}
	return &Worker{
		httpFetcher:  httpFetcher,
		localFetcher: localFetcher,
		keys:         keys,
		limiter:      limiter,
		retry:        retry,
		clock:        clock,
		cfg:          cfg,
		logger:       logger.Named("worker"),
	}
}

// Sample fetches, decodes and measures one feed.
func (w *Worker) Sample(ctx context.Context, d feed.Descriptor) feed.Outcome {
	body, err := w.fetchWithRetry(ctx, d)
	if err != nil {
		w.logger.Warn("feed fetch failed", zap.String("feed_id", d.ID), zap.String("endpoint", d.Endpoint), zap.Error(err))
		return w.observe(feed.FetchError(w.clock.Now(), d, err))
	}

	msg, err := gtfsrt.Decode(body)
	if err != nil {
		w.logger.Warn("feed decode failed", zap.String("feed_id", d.ID), zap.Int("bytes", len(body)), zap.Error(err))
		return w.observe(feed.ParseError(w.clock.Now(), d, err))
	}

	record := stats.Extract(msg)
	w.logger.Debug("feed sampled",
		zap.String("feed_id", d.ID),
		zap.Int("total_entities", record.TotalEntities),
		zap.Int("vehicles", record.Vehicles),
	)
	return w.observe(feed.Success(w.clock.Now(), d, record))
}

func (w *Worker) observe(o feed.Outcome) feed.Outcome {
	metrics.ObserveOutcome(string(o.Kind))
	return o
}

func (w *Worker) fetchWithRetry(ctx context.Context, d feed.Descriptor) ([]byte, error) {
	for attempt := 1; ; attempt++ {
		body, err := w.fetchOnce(ctx, d)
		if err == nil {
			return body, nil
		}
		if !w.retry.ShouldRetry(err, attempt) {
			return nil, err
		}
		backoff := w.retry.Backoff(attempt)
		w.logger.Debug("retrying feed fetch",
			zap.String("feed_id", d.ID),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("retry canceled: %w", ctx.Err())
		case <-timer.C:
		}
	}
}

func (w *Worker) fetchOnce(ctx context.Context, d feed.Descriptor) ([]byte, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, w.cfg.FetchTimeout)
	defer cancel()

	var fetcher feed.Fetcher
	switch localfetcher.Classify(d.Endpoint) {
	case localfetcher.SourceHTTP:
		fetcher = w.httpFetcher
		if w.limiter != nil {
			if err := w.limiter.Wait(fetchCtx, d.Endpoint); err != nil {
				return nil, err
			}
		}
	case localfetcher.SourceFile:
		fetcher = w.localFetcher
	case localfetcher.SourcePath:
		if !w.cfg.AllowBarePaths {
			return nil, fmt.Errorf("endpoint %q is not an http(s) or file URL", d.Endpoint)
		}
		fetcher = w.localFetcher
	default:
		return nil, fmt.Errorf("unsupported endpoint scheme in %q", d.Endpoint)
	}
	if fetcher == nil {
		return nil, fmt.Errorf("no fetcher configured for %q", d.Endpoint)
	}

	start := time.Now()
	body, err := fetcher.Fetch(fetchCtx, feed.FetchRequest{
		FeedID:   d.ID,
		URL:      d.Endpoint,
		Auth:     d.Auth,
		APIKey:   w.keys[d.ID],
		Deadline: w.cfg.FetchTimeout,
	})
	metrics.ObserveFetch(d.Endpoint, time.Since(start), len(body))
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", d.ID, err)
	}
	return body, nil
}
