package grade

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-feed-rater/internal/archive"
	"github.com/JakeFAU/realtime-feed-rater/internal/clock/system"
	"github.com/JakeFAU/realtime-feed-rater/internal/feed"
)

// Object keys written to the blob store.
const (
	IndexKey     = "aggregates/feeds.json"
	feedKeyFmt   = "aggregates/feeds/%s.json"
	jsonMimeType = "application/json"
)

// FeedKey returns the object key of one feed's aggregate.
func FeedKey(feedID string) string {
	return fmt.Sprintf(feedKeyFmt, archive.EscapeID(feedID))
}

// IndexEntry is one row of the feed index.
type IndexEntry struct {
	FeedID        string  `json:"feed_id"`
	Date          string  `json:"date"`
	OverallGrade  string  `json:"overall_grade"`
	OverallScore  float64 `json:"overall_score"`
	UptimePercent float64 `json:"uptime_percent"`
}

// Index lists the latest aggregate of every feed.
type Index struct {
	GeneratedAt time.Time    `json:"generated_at"`
	Feeds       []IndexEntry `json:"feeds"`
}

// Reporter scores finalized archive files and publishes the results as JSON.
// It is safe for concurrent use by background uploads.
type Reporter struct {
	store  feed.BlobStore
	clock  feed.Clock
	logger *zap.Logger

	mu    sync.Mutex
	index map[string]IndexEntry
	// seeded is set once the index previously written to the store is merged in.
	seeded bool
}

// NewReporter builds a Reporter writing to store.
func NewReporter(store feed.BlobStore, clock feed.Clock, logger *zap.Logger) (*Reporter, error) {
	if store == nil {
		return nil, fmt.Errorf("blob store is required for aggregation")
	}
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reporter{
		store:  store,
		clock:  clock,
		logger: logger.Named("grade"),
		index:  make(map[string]IndexEntry),
	}, nil
}

// Aggregate scores one archive file, writes its aggregate and refreshes the
// index.
func (r *Reporter) Aggregate(ctx context.Context, f archive.File) error {
	if err := r.aggregateFile(ctx, f); err != nil {
		return err
	}
	return r.writeIndex(ctx)
}

// AggregateDate scores every archive file under dir for date and writes the
// index once. Files that fail are logged and skipped; the count of written
// aggregates is returned.
func (r *Reporter) AggregateDate(ctx context.Context, dir string, date time.Time) (int, error) {
	dirs, err := filepath.Glob(filepath.Join(dir, "agency_id=*"))
	if err != nil {
		return 0, fmt.Errorf("list archive feeds: %w", err)
	}
	sort.Strings(dirs)

	written := 0
	for _, d := range dirs {
		feedID, err := archive.UnescapeID(filepath.Base(d)[len("agency_id="):])
		if err != nil {
			r.logger.Warn("skipping archive directory", zap.String("dir", d), zap.Error(err))
			continue
		}
		key := archive.NewKey(feedID, date)
		path := archive.Path(dir, key)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := r.aggregateFile(ctx, archive.File{Key: key, Path: path}); err != nil {
			r.logger.Warn("aggregation failed", zap.String("feed_id", feedID), zap.Error(err))
			continue
		}
		written++
	}
	if err := r.writeIndex(ctx); err != nil {
		return written, err
	}
	return written, nil
}

func (r *Reporter) aggregateFile(ctx context.Context, f archive.File) error {
	// #nosec G304 -- archive paths are built by the archive package.
	fh, err := os.Open(f.Path)
	if err != nil {
		return fmt.Errorf("open archive %s: %w", f.Path, err)
	}
	outcomes, err := archive.ReadOutcomes(fh)
	_ = fh.Close()
	if err != nil {
		return fmt.Errorf("read archive %s: %w", f.Path, err)
	}
	if len(outcomes) == 0 {
		return nil
	}

	agg := Aggregate(f.Key.FeedID, outcomes, r.clock.Now())
	agg.Date = f.Key.DateString()
	if err := r.putJSON(ctx, FeedKey(f.Key.FeedID), agg); err != nil {
		return err
	}

	r.mu.Lock()
	r.index[agg.FeedID] = IndexEntry{
		FeedID:        agg.FeedID,
		Date:          agg.Date,
		OverallGrade:  agg.Overall.Grade,
		OverallScore:  agg.Overall.Score,
		UptimePercent: agg.EntityStats.UptimePercent,
	}
	r.mu.Unlock()

	r.logger.Info("feed graded",
		zap.String("feed_id", agg.FeedID),
		zap.String("date", agg.Date),
		zap.String("grade", agg.Overall.Grade),
		zap.Float64("score", agg.Overall.Score),
	)
	return nil
}

// Snapshot returns the current index sorted by feed ID.
func (r *Reporter) Snapshot() Index {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Reporter) snapshotLocked() Index {
	idx := Index{GeneratedAt: r.clock.Now().UTC(), Feeds: make([]IndexEntry, 0, len(r.index))}
	for _, e := range r.index {
		idx.Feeds = append(idx.Feeds, e)
	}
	sort.Slice(idx.Feeds, func(i, j int) bool { return idx.Feeds[i].FeedID < idx.Feeds[j].FeedID })
	return idx
}

func (r *Reporter) writeIndex(ctx context.Context) error {
	// held across the put so concurrent refreshes land in order
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.seedLocked(ctx); err != nil {
		return err
	}
	return r.putJSON(ctx, IndexKey, r.snapshotLocked())
}

// seedLocked merges the index a previous process left in the store, so a
// restart does not drop feeds graded before it. Entries graded since start
// win. A read failure is returned and retried on the next write; an index
// that cannot be decoded is replaced.
func (r *Reporter) seedLocked(ctx context.Context) error {
	if r.seeded {
		return nil
	}
	reader, ok := r.store.(feed.BlobReader)
	if !ok {
		r.seeded = true
		return nil
	}
	rc, err := reader.GetObject(ctx, IndexKey)
	if errors.Is(err, fs.ErrNotExist) {
		r.seeded = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("read existing index: %w", err)
	}
	defer func() { _ = rc.Close() }()

	var prev Index
	if err := json.NewDecoder(rc).Decode(&prev); err != nil {
		r.logger.Warn("existing index unreadable; replacing it", zap.Error(err))
		r.seeded = true
		return nil
	}
	for _, e := range prev.Feeds {
		if _, ok := r.index[e.FeedID]; !ok && e.FeedID != "" {
			r.index[e.FeedID] = e
		}
	}
	r.seeded = true
	r.logger.Info("seeded grade index", zap.Int("feeds", len(prev.Feeds)))
	return nil
}

func (r *Reporter) putJSON(ctx context.Context, key string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if _, err := r.store.PutObject(ctx, key, jsonMimeType, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}
