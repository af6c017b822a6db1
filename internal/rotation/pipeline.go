// Package rotation finalizes archive files at the UTC day boundary and
// uploads them to the blob store in the background.
package rotation

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-feed-rater/internal/archive"
	"github.com/JakeFAU/realtime-feed-rater/internal/clock/system"
	"github.com/JakeFAU/realtime-feed-rater/internal/feed"
	"github.com/JakeFAU/realtime-feed-rater/internal/metrics"
)

const (
	contentTypeCSV  = "text/csv"
	contentTypeGzip = "application/gzip"
)

// Archive is the part of the archive writer the pipeline drives.
type Archive interface {
	FinalizeBefore(date time.Time) []archive.File
	Pending() []archive.File
	MarkUploaded(key archive.Key) error
}

// Aggregator consumes a file after it was uploaded.
type Aggregator interface {
	Aggregate(ctx context.Context, file archive.File) error
}

// Config controls destination naming and optional side effects.
type Config struct {
	Prefix string
	Gzip   bool
	Topic  string
}

// Result summarizes one Rotate call.
type Result struct {
	Finalized int
	Launched  int
}

// Pipeline runs rotation checks and owns the background uploads.
type Pipeline struct {
	archive    Archive
	store      feed.BlobStore
	ledger     Ledger
	hasher     feed.Hasher
	publisher  feed.Publisher
	aggregator Aggregator
	clock      feed.Clock
	cfg        Config
	logger     *zap.Logger

	wg       sync.WaitGroup
	mu       sync.Mutex
	inFlight map[archive.Key]struct{}
}

// New constructs a Pipeline. A nil store disables uploads: files are still
// finalized and stay pending. publisher and aggregator are optional.
func New(
	arch Archive,
	store feed.BlobStore,
	ledger Ledger,
	hasher feed.Hasher,
	publisher feed.Publisher,
	aggregator Aggregator,
	clock feed.Clock,
	cfg Config,
	logger *zap.Logger,
) *Pipeline {
	if ledger == nil {
		ledger = NewMemoryLedger()
	}
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		archive:    arch,
		store:      store,
		ledger:     ledger,
		hasher:     hasher,
		publisher:  publisher,
		aggregator: aggregator,
		clock:      clock,
		cfg:        cfg,
		logger:     logger.Named("rotation"),
		inFlight:   make(map[archive.Key]struct{}),
	}
}

// ObjectKey returns [prefix/]Year=yyyy/Month=mm/Day=dd/<feed_id>.csv[.gz],
// with the feed ID escaped by archive.EscapeID.
func ObjectKey(prefix string, key archive.Key, compressed bool) string {
	name := archive.EscapeID(key.FeedID) + ".csv"
	if compressed {
		name += ".gz"
	}
	p := path.Join(
		key.Date.Format("Year=2006"),
		key.Date.Format("Month=01"),
		key.Date.Format("Day=02"),
		name,
	)
	if prefix = strings.Trim(prefix, "/"); prefix != "" {
		p = prefix + "/" + p
	}
	return p
}

// Rotate finalizes every open file dated before now's UTC date and launches
// uploads for all pending files that are not already being uploaded. The
// finalization is complete when Rotate returns; uploads continue in the
// background and outlive cancellation of ctx.
func (p *Pipeline) Rotate(ctx context.Context, now time.Time) Result {
	today := system.Date(now)
	finalized := p.archive.FinalizeBefore(today)
	if len(finalized) > 0 {
		metrics.ObserveFinalized(len(finalized))
	}
	res := Result{Finalized: len(finalized)}
	if p.store == nil {
		return res
	}

	uploadCtx := context.WithoutCancel(ctx)
	for _, f := range p.archive.Pending() {
		if !p.claim(f.Key) {
			continue
		}
		res.Launched++
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer p.release(f.Key)
			metrics.IncUploadsInFlight()
			defer metrics.DecUploadsInFlight()
			p.upload(uploadCtx, f)
		}()
	}
	return res
}

// Wait blocks until every launched upload has finished.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// InFlight returns the number of uploads currently running.
func (p *Pipeline) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inFlight)
}

func (p *Pipeline) claim(key archive.Key) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.inFlight[key]; busy {
		return false
	}
	p.inFlight[key] = struct{}{}
	return true
}

func (p *Pipeline) release(key archive.Key) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inFlight, key)
}

// upload transfers one finalized file. Any failure leaves the file finalized
// so the next rotation retries it from the raw file.
func (p *Pipeline) upload(ctx context.Context, f archive.File) {
	objectKey := ObjectKey(p.cfg.Prefix, f.Key, p.cfg.Gzip)
	logger := p.logger.With(
		zap.String("feed_id", f.Key.FeedID),
		zap.String("date", f.Key.DateString()),
		zap.String("object_key", objectKey),
	)

	if entry, err := p.ledger.Lookup(ctx, objectKey); err == nil {
		if err := p.archive.MarkUploaded(f.Key); err != nil {
			logger.Error("mark uploaded failed", zap.Error(err))
			return
		}
		metrics.ObserveUpload("skipped", 0)
		logger.Info("archive file already uploaded", zap.String("uri", entry.URI))
		return
	} else if !errors.Is(err, ErrNotFound) {
		metrics.ObserveUpload("failure", 0)
		logger.Error("upload ledger lookup failed", zap.Error(err))
		return
	}

	entry, err := p.transfer(ctx, f, objectKey)
	if err != nil {
		metrics.ObserveUpload("failure", 0)
		logger.Error("archive upload failed; will retry next round", zap.Error(err))
		return
	}
	if err := p.archive.MarkUploaded(f.Key); err != nil {
		logger.Error("mark uploaded failed", zap.Error(err))
		return
	}
	metrics.ObserveUpload("success", int(entry.Size))
	logger.Info("archive file uploaded",
		zap.String("uri", entry.URI),
		zap.Int64("bytes", entry.Size),
		zap.String("sha256", entry.SHA256),
	)

	p.notify(ctx, entry, logger)
	if p.aggregator != nil {
		if err := p.aggregator.Aggregate(ctx, f); err != nil {
			logger.Warn("daily aggregation failed", zap.Error(err))
		}
	}
}

func (p *Pipeline) transfer(ctx context.Context, f archive.File, objectKey string) (Entry, error) {
	// #nosec G304 -- path comes from the archive writer.
	raw, err := os.ReadFile(f.Path)
	if err != nil {
		return Entry{}, fmt.Errorf("read archive file: %w", err)
	}
	payload, contentType := raw, contentTypeCSV
	if p.cfg.Gzip {
		if payload, err = compress(raw); err != nil {
			return Entry{}, err
		}
		contentType = contentTypeGzip
	}

	var digest string
	if p.hasher != nil {
		if digest, err = p.hasher.Hash(payload); err != nil {
			return Entry{}, fmt.Errorf("hash payload: %w", err)
		}
	}

	uri, err := p.store.PutObject(ctx, objectKey, contentType, bytes.NewReader(payload))
	if err != nil {
		return Entry{}, fmt.Errorf("put object: %w", err)
	}

	entry := Entry{
		ObjectKey:  objectKey,
		FeedID:     f.Key.FeedID,
		Date:       f.Key.Date,
		URI:        uri,
		SHA256:     digest,
		Size:       int64(len(payload)),
		Rows:       f.Rows,
		UploadedAt: p.clock.Now(),
	}
	if err := p.ledger.Record(ctx, entry); err != nil {
		return Entry{}, fmt.Errorf("record upload: %w", err)
	}
	return entry, nil
}

func compress(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(raw); err != nil {
		return nil, fmt.Errorf("gzip archive file: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("gzip archive file: %w", err)
	}
	return buf.Bytes(), nil
}

func (p *Pipeline) notify(ctx context.Context, entry Entry, logger *zap.Logger) {
	if p.cfg.Topic == "" || p.publisher == nil {
		return
	}
	payload := map[string]any{
		"feed_id":     entry.FeedID,
		"date":        entry.Date.Format("2006-01-02"),
		"object_key":  entry.ObjectKey,
		"uri":         entry.URI,
		"sha256":      entry.SHA256,
		"bytes":       entry.Size,
		"rows":        entry.Rows,
		"uploaded_at": entry.UploadedAt.Format(time.RFC3339),
	}
	msgID, err := p.publisher.Publish(ctx, p.cfg.Topic, payload)
	if err != nil {
		logger.Warn("upload notification failed", zap.Error(err))
		return
	}
	logger.Debug("upload notification published", zap.String("message_id", msgID))
}
