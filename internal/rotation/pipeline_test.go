package rotation

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-feed-rater/internal/archive"
	"github.com/JakeFAU/realtime-feed-rater/internal/feed"
	"github.com/JakeFAU/realtime-feed-rater/internal/hash/sha256"
	pubmemory "github.com/JakeFAU/realtime-feed-rater/internal/publisher/memory"
	"github.com/JakeFAU/realtime-feed-rater/internal/storage/memory"
)

var (
	day1 = time.Date(2025, 3, 14, 22, 0, 0, 0, time.UTC)
	day2 = time.Date(2025, 3, 15, 0, 0, 5, 0, time.UTC)
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func writerWithRows(t *testing.T, feeds ...string) *archive.Writer {
	t.Helper()
	w, err := archive.NewWriter(t.TempDir(), nil)
	require.NoError(t, err)
	for _, id := range feeds {
		o := feed.Success(day1, feed.Descriptor{ID: id, Name: id}, feed.CoverageRecord{TotalEntities: 2, Vehicles: 2})
		require.NoError(t, w.Append(o))
	}
	return w
}

func TestObjectKey(t *testing.T) {
	t.Parallel()

	key := archive.NewKey("mdb-7", time.Date(2025, 1, 9, 13, 0, 0, 0, time.UTC))
	assert.Equal(t, "Year=2025/Month=01/Day=09/mdb-7.csv", ObjectKey("", key, false))
	assert.Equal(t, "Year=2025/Month=01/Day=09/mdb-7.csv.gz", ObjectKey("", key, true))
	assert.Equal(t, "raw/feeds/Year=2025/Month=01/Day=09/mdb-7.csv.gz", ObjectKey("/raw/feeds/", key, true))

	nested := archive.NewKey("../../etc/x", key.Date)
	assert.Equal(t, "raw/Year=2025/Month=01/Day=09/..%2F..%2Fetc%2Fx.csv", ObjectKey("raw", nested, false))
}

func TestRotateUploadsFinalizedFiles(t *testing.T) {
	t.Parallel()

	w := writerWithRows(t, "a", "b")
	store := memory.NewBlobStore()
	ledger := NewMemoryLedger()
	pub := pubmemory.New()
	p := New(w, store, ledger, sha256.New(), pub, nil, fixedClock{now: day2}, Config{Prefix: "raw", Topic: "uploads"}, nil)

	res := p.Rotate(context.Background(), day2)
	p.Wait()

	assert.Equal(t, Result{Finalized: 2, Launched: 2}, res)
	assert.Equal(t, []string{
		"raw/Year=2025/Month=03/Day=14/a.csv",
		"raw/Year=2025/Month=03/Day=14/b.csv",
	}, store.Keys())
	assert.Empty(t, w.Pending())
	for _, f := range w.Files() {
		assert.Equal(t, archive.StateUploaded, f.State)
	}

	obj, ok := store.Get("raw/Year=2025/Month=03/Day=14/a.csv")
	require.True(t, ok)
	raw, err := os.ReadFile(archive.Path(w.Dir(), archive.NewKey("a", day1)))
	require.NoError(t, err)
	assert.Equal(t, raw, obj.Data)
	assert.Equal(t, contentTypeCSV, obj.ContentType)

	entry, err := ledger.Lookup(context.Background(), "raw/Year=2025/Month=03/Day=14/a.csv")
	require.NoError(t, err)
	assert.Equal(t, "memory://raw/Year=2025/Month=03/Day=14/a.csv", entry.URI)
	assert.Equal(t, int64(len(raw)), entry.Size)
	assert.Equal(t, 1, entry.Rows)
	assert.Len(t, entry.SHA256, 64)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	var body map[string]any
	require.NoError(t, msgs[0].Decode(&body))
	assert.Equal(t, "2025-03-14", body["date"])

	again := p.Rotate(context.Background(), day2)
	p.Wait()
	assert.Equal(t, Result{}, again)
	assert.Equal(t, 2, store.Puts(), "uploaded files are never transferred again")
}

func TestRotateSameDayDoesNothing(t *testing.T) {
	t.Parallel()

	w := writerWithRows(t, "a")
	store := memory.NewBlobStore()
	p := New(w, store, nil, nil, nil, nil, nil, Config{}, nil)

	res := p.Rotate(context.Background(), day1.Add(time.Hour))
	p.Wait()
	assert.Equal(t, Result{}, res)
	assert.Empty(t, store.Keys())
}

func TestRotateSkipsFilesAlreadyInLedger(t *testing.T) {
	t.Parallel()

	w := writerWithRows(t, "a")
	store := memory.NewBlobStore()
	ledger := NewMemoryLedger()
	key := ObjectKey("", archive.NewKey("a", day1), false)
	require.NoError(t, ledger.Record(context.Background(), Entry{ObjectKey: key, URI: "memory://" + key}))

	p := New(w, store, ledger, nil, nil, nil, nil, Config{}, nil)
	p.Rotate(context.Background(), day2)
	p.Wait()

	assert.Zero(t, store.Puts())
	assert.Empty(t, w.Pending())
	assert.Equal(t, archive.StateUploaded, w.Files()[0].State)
}

type flakyStore struct {
	failures atomic.Int32
	inner    *memory.BlobStore
}

func (s *flakyStore) PutObject(ctx context.Context, path, contentType string, data io.Reader) (string, error) {
	if s.failures.Add(-1) >= 0 {
		return "", errors.New("503 service unavailable")
	}
	return s.inner.PutObject(ctx, path, contentType, data)
}

func TestRotateRetriesFailedUploadNextRound(t *testing.T) {
	t.Parallel()

	w := writerWithRows(t, "a")
	store := &flakyStore{inner: memory.NewBlobStore()}
	store.failures.Store(1)
	p := New(w, store, nil, nil, nil, nil, nil, Config{}, nil)

	first := p.Rotate(context.Background(), day2)
	p.Wait()
	assert.Equal(t, 1, first.Finalized)
	require.Len(t, w.Pending(), 1, "failed upload leaves the file finalized")

	second := p.Rotate(context.Background(), day2.Add(time.Minute))
	p.Wait()
	assert.Equal(t, Result{Finalized: 0, Launched: 1}, second)
	assert.Empty(t, w.Pending())
	assert.Equal(t, []string{"Year=2025/Month=03/Day=14/a.csv"}, store.inner.Keys())
}

func TestRotateGzip(t *testing.T) {
	t.Parallel()

	w := writerWithRows(t, "a")
	store := memory.NewBlobStore()
	p := New(w, store, nil, nil, nil, nil, nil, Config{Gzip: true}, nil)

	p.Rotate(context.Background(), day2)
	p.Wait()

	obj, ok := store.Get("Year=2025/Month=03/Day=14/a.csv.gz")
	require.True(t, ok)
	assert.Equal(t, contentTypeGzip, obj.ContentType)

	zr, err := gzip.NewReader(bytes.NewReader(obj.Data))
	require.NoError(t, err)
	got, err := io.ReadAll(zr)
	require.NoError(t, err)
	raw, err := os.ReadFile(archive.Path(w.Dir(), archive.NewKey("a", day1)))
	require.NoError(t, err)
	assert.Equal(t, raw, got)
}

type blockingStore struct {
	release chan struct{}
	calls   atomic.Int32
}

func (s *blockingStore) PutObject(_ context.Context, path, _ string, _ io.Reader) (string, error) {
	s.calls.Add(1)
	<-s.release
	return "blocked://" + path, nil
}

func TestRotateNeverDuplicatesInFlightUpload(t *testing.T) {
	t.Parallel()

	w := writerWithRows(t, "a")
	store := &blockingStore{release: make(chan struct{})}
	p := New(w, store, nil, nil, nil, nil, nil, Config{}, nil)

	first := p.Rotate(context.Background(), day2)
	require.Equal(t, 1, first.Launched)
	require.Eventually(t, func() bool { return store.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	second := p.Rotate(context.Background(), day2.Add(time.Minute))
	assert.Zero(t, second.Launched)
	assert.Equal(t, 1, p.InFlight())

	close(store.release)
	p.Wait()
	assert.Equal(t, int32(1), store.calls.Load())
	assert.Zero(t, p.InFlight())
	assert.Empty(t, w.Pending())
}

func TestRotateUploadsSurviveCancellation(t *testing.T) {
	t.Parallel()

	w := writerWithRows(t, "a")
	store := memory.NewBlobStore()
	p := New(w, store, nil, nil, nil, nil, nil, Config{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p.Rotate(ctx, day2)
	p.Wait()
	assert.Len(t, store.Keys(), 1)
}

func TestRotateWithoutStoreOnlyFinalizes(t *testing.T) {
	t.Parallel()

	w := writerWithRows(t, "a")
	p := New(w, nil, nil, nil, nil, nil, nil, Config{}, nil)

	res := p.Rotate(context.Background(), day2)
	p.Wait()
	assert.Equal(t, Result{Finalized: 1}, res)
	assert.Len(t, w.Pending(), 1)
}

type recordingAggregator struct {
	mu    sync.Mutex
	files []archive.File
	err   error
}

func (a *recordingAggregator) Aggregate(_ context.Context, f archive.File) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.files = append(a.files, f)
	return a.err
}

func TestRotateRunsAggregatorAfterUpload(t *testing.T) {
	t.Parallel()

	w := writerWithRows(t, "a")
	agg := &recordingAggregator{err: errors.New("ignored")}
	p := New(w, memory.NewBlobStore(), nil, nil, nil, agg, nil, Config{}, nil)

	p.Rotate(context.Background(), day2)
	p.Wait()
	require.Len(t, agg.files, 1)
	assert.Equal(t, "a", agg.files[0].Key.FeedID)
	assert.Empty(t, w.Pending(), "aggregation failures do not undo the upload")
}

type failingLedger struct{ *MemoryLedger }

func (l *failingLedger) Lookup(context.Context, string) (Entry, error) {
	return Entry{}, errors.New("connection reset")
}

func TestRotateLedgerFailureKeepsFilePending(t *testing.T) {
	t.Parallel()

	w := writerWithRows(t, "a")
	store := memory.NewBlobStore()
	p := New(w, store, &failingLedger{MemoryLedger: NewMemoryLedger()}, nil, nil, nil, nil, Config{}, nil)

	p.Rotate(context.Background(), day2)
	p.Wait()
	assert.Zero(t, store.Puts())
	assert.Len(t, w.Pending(), 1)
}

func TestMemoryLedger(t *testing.T) {
	t.Parallel()

	l := NewMemoryLedger()
	_, err := l.Lookup(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, l.Record(context.Background(), Entry{ObjectKey: "k", URI: "u1"}))
	require.NoError(t, l.Record(context.Background(), Entry{ObjectKey: "k", URI: "u2"}))
	e, err := l.Lookup(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, "u2", e.URI)
	assert.Len(t, l.Entries(), 1)
}
