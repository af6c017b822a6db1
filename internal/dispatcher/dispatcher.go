// Package dispatcher fans one sampling round out over a bounded set of workers.
package dispatcher

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/realtime-feed-rater/internal/clock/system"
	"github.com/JakeFAU/realtime-feed-rater/internal/feed"
	"github.com/JakeFAU/realtime-feed-rater/internal/metrics"
)

const defaultConcurrency = 5

// Sampler produces exactly one outcome for a feed.
type Sampler interface {
	Sample(ctx context.Context, d feed.Descriptor) feed.Outcome
}

// Dispatcher runs at most Concurrency samplers at once.
type Dispatcher struct {
	sampler     Sampler
	concurrency int
	clock       feed.Clock
	logger      *zap.Logger

	inFlight atomic.Int64
	peak     atomic.Int64
}

// New creates a Dispatcher. A non-positive concurrency falls back to the default ceiling.
func New(sampler Sampler, concurrency int, clock feed.Clock, logger *zap.Logger) *Dispatcher {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		sampler:     sampler,
		concurrency: concurrency,
		clock:       clock,
		logger:      logger.Named("dispatcher"),
	}
}

// Dispatch samples every feed and returns one outcome per feed, indexed like
// feeds. It returns only after all samplers finished. Per-feed failures,
// including panics, become FetchError outcomes and never abort the others.
func (d *Dispatcher) Dispatch(ctx context.Context, feeds []feed.Descriptor) []feed.Outcome {
	outcomes := make([]feed.Outcome, len(feeds))

	var g errgroup.Group
	g.SetLimit(d.concurrency)
	for i := range feeds {
		g.Go(func() error {
			outcomes[i] = d.sampleOne(ctx, feeds[i])
			return nil
		})
	}
	_ = g.Wait()

	d.logger.Debug("round dispatched", zap.Int("feeds", len(feeds)), zap.Int("concurrency", d.concurrency))
	return outcomes
}

func (d *Dispatcher) sampleOne(ctx context.Context, desc feed.Descriptor) (out feed.Outcome) {
	n := d.inFlight.Add(1)
	d.recordPeak(n)
	metrics.IncFetchesInFlight()
	defer func() {
		d.inFlight.Add(-1)
		metrics.DecFetchesInFlight()
		if r := recover(); r != nil {
			d.logger.Error("sampler panicked",
				zap.String("feed_id", desc.ID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			out = feed.FetchError(d.clock.Now(), desc, fmt.Errorf("sampler panic: %v", r))
		}
	}()
	return d.sampler.Sample(ctx, desc)
}

func (d *Dispatcher) recordPeak(n int64) {
	for {
		peak := d.peak.Load()
		if n <= peak || d.peak.CompareAndSwap(peak, n) {
			return
		}
	}
}

// Concurrency returns the configured ceiling.
func (d *Dispatcher) Concurrency() int {
	return d.concurrency
}

// PeakInFlight returns the highest number of concurrent samplers observed.
func (d *Dispatcher) PeakInFlight() int {
	return int(d.peak.Load())
}
