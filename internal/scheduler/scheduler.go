// Package scheduler drives sampling rounds at a fixed cadence.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-feed-rater/internal/clock/system"
	"github.com/JakeFAU/realtime-feed-rater/internal/feed"
	"github.com/JakeFAU/realtime-feed-rater/internal/metrics"
	"github.com/JakeFAU/realtime-feed-rater/internal/rotation"
)

// State is the scheduler lifecycle state.
type State string

// Scheduler states.
const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
)

// Rotator finalizes and uploads archive files at day boundaries.
type Rotator interface {
	Rotate(ctx context.Context, now time.Time) rotation.Result
	Wait()
}

// Dispatcher samples every feed once.
type Dispatcher interface {
	Dispatch(ctx context.Context, feeds []feed.Descriptor) []feed.Outcome
}

// Appender persists one outcome.
type Appender interface {
	Append(o feed.Outcome) error
}

// Config controls round cadence.
type Config struct {
	RunID    string
	Interval time.Duration
	// SampleCount is the number of rounds to run; 0 runs until cancelled.
	SampleCount int
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	RunID             string            `json:"run_id"`
	State             State             `json:"state"`
	Feeds             int               `json:"feeds"`
	RoundsCompleted   int               `json:"rounds_completed"`
	SampleCount       int               `json:"sample_count"`
	LastRoundStart    time.Time         `json:"last_round_start"`
	LastRoundDuration time.Duration     `json:"last_round_duration"`
	LastOutcomes      map[feed.Kind]int `json:"last_outcomes"`
	AppendFailures    int               `json:"append_failures"`
}

// Scheduler runs rounds sequentially over an immutable feed snapshot.
type Scheduler struct {
	feeds      []feed.Descriptor
	rotator    Rotator
	dispatcher Dispatcher
	appender   Appender
	clock      feed.Clock
	cfg        Config
	logger     *zap.Logger
	after      func(time.Duration) <-chan time.Time

	mu     sync.RWMutex
	status Status
}

// New constructs a Scheduler. The feed slice is copied.
func New(
	feeds []feed.Descriptor,
	rotator Rotator,
	dispatcher Dispatcher,
	appender Appender,
	clock feed.Clock,
	cfg Config,
	logger *zap.Logger,
) *Scheduler {
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	snapshot := append([]feed.Descriptor(nil), feeds...)
	return &Scheduler{
		feeds:      snapshot,
		rotator:    rotator,
		dispatcher: dispatcher,
		appender:   appender,
		clock:      clock,
		cfg:        cfg,
		logger:     logger.Named("scheduler"),
		after:      time.After,
		status: Status{
			RunID:       cfg.RunID,
			State:       StateIdle,
			Feeds:       len(snapshot),
			SampleCount: cfg.SampleCount,
		},
	}
}

// Run executes rounds until SampleCount rounds completed or ctx is cancelled.
// Cancellation is observed only between rounds; a started round always
// finishes its appends. Before returning, Run waits for background uploads.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.transition(StateIdle, StateRunning) {
		return fmt.Errorf("scheduler already started")
	}
	defer s.rotator.Wait()

	s.logger.Info("sampling started",
		zap.String("run_id", s.cfg.RunID),
		zap.Int("feeds", len(s.feeds)),
		zap.Duration("interval", s.cfg.Interval),
		zap.Int("sample_count", s.cfg.SampleCount),
	)

	for round := 1; s.cfg.SampleCount == 0 || round <= s.cfg.SampleCount; round++ {
		if ctx.Err() != nil {
			return s.cancelled(round - 1)
		}
		start := s.clock.Now()
		s.runRound(ctx, round, start)

		if s.cfg.SampleCount != 0 && round == s.cfg.SampleCount {
			break
		}
		wait := start.Add(s.cfg.Interval).Sub(s.clock.Now())
		if wait <= 0 {
			if s.cfg.Interval > 0 {
				s.logger.Warn("round overran interval; starting next round immediately", zap.Int("round", round))
			}
			continue
		}
		select {
		case <-ctx.Done():
			return s.cancelled(round)
		case <-s.after(wait):
		}
	}

	s.setState(StateCompleted)
	s.logger.Info("sampling completed", zap.Int("rounds", s.Status().RoundsCompleted))
	return nil
}

func (s *Scheduler) cancelled(rounds int) error {
	s.setState(StateCancelled)
	s.logger.Info("sampling cancelled", zap.Int("rounds", rounds))
	return nil
}

// runRound performs rotate, dispatch, append. A panic anywhere in the round
// is logged and the round is counted as failed.
func (s *Scheduler) runRound(ctx context.Context, round int, start time.Time) {
	result := "completed"
	defer func() {
		if r := recover(); r != nil {
			result = "failed"
			s.logger.Error("round panicked", zap.Int("round", round), zap.Any("panic", r))
		}
		metrics.ObserveRound(result, s.clock.Now().Sub(start))
	}()

	rot := s.rotator.Rotate(ctx, start)
	if rot.Finalized > 0 || rot.Launched > 0 {
		s.logger.Info("rotation",
			zap.Int("round", round),
			zap.Int("finalized", rot.Finalized),
			zap.Int("uploads_launched", rot.Launched),
		)
	}

	// fetches of a started round are not abandoned on shutdown
	outcomes := s.dispatcher.Dispatch(context.WithoutCancel(ctx), s.feeds)

	counts := make(map[feed.Kind]int, 3)
	failures := 0
	for _, o := range outcomes {
		counts[o.Kind]++
		if err := s.appender.Append(o); err != nil {
			failures++
			metrics.ObserveAppendFailure()
			s.logger.Error("archive append failed; sample dropped",
				zap.String("feed_id", o.FeedID),
				zap.Int("round", round),
				zap.Error(err),
			)
		}
	}

	duration := s.clock.Now().Sub(start)
	s.mu.Lock()
	s.status.RoundsCompleted++
	s.status.LastRoundStart = start
	s.status.LastRoundDuration = duration
	s.status.LastOutcomes = counts
	s.status.AppendFailures += failures
	s.mu.Unlock()

	s.logger.Info("round completed",
		zap.Int("round", round),
		zap.Int("success", counts[feed.KindSuccess]),
		zap.Int("fetch_error", counts[feed.KindFetchError]),
		zap.Int("parse_error", counts[feed.KindParseError]),
		zap.Duration("duration", duration),
	)
}

// Status returns a copy of the current status.
func (s *Scheduler) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.status
	if st.LastOutcomes != nil {
		st.LastOutcomes = make(map[feed.Kind]int, len(s.status.LastOutcomes))
		for k, v := range s.status.LastOutcomes {
			st.LastOutcomes[k] = v
		}
	}
	return st
}

func (s *Scheduler) transition(from, to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.State != from {
		return false
	}
	s.status.State = to
	return true
}

func (s *Scheduler) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.State = st
}
