package archive

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-feed-rater/internal/feed"
)

var day1 = time.Date(2025, 3, 14, 23, 59, 30, 0, time.UTC)

func newWriter(t *testing.T) *Writer {
	t.Helper()
	w, err := NewWriter(t.TempDir(), nil)
	require.NoError(t, err)
	return w
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	// #nosec G304 -- test reads from its temp directory.
	f, err := os.Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func success(id string, at time.Time, total int) feed.Outcome {
	return feed.Success(at, feed.Descriptor{ID: id, Name: "Feed " + id}, feed.CoverageRecord{
		TotalEntities: total,
		Vehicles:      total,
		WithPosition:  total,
	})
}

func TestAppendWritesHeaderOnceAndOneRowPerOutcome(t *testing.T) {
	t.Parallel()
	w := newWriter(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, w.Append(success("f1", day1.Add(-time.Duration(i)*time.Minute), 10+i)))
	}

	path := Path(w.Dir(), NewKey("f1", day1))
	assert.Equal(t, filepath.Join(w.Dir(), "agency_id=f1", "date=2025-03-14.csv"), path)

	rows := readCSV(t, path)
	require.Len(t, rows, 4)
	assert.Equal(t, Header(), rows[0])
	assert.Equal(t, "f1", rows[1][1])
	assert.Equal(t, "Feed f1", rows[1][2])
	assert.Equal(t, "10", rows[1][3])

	files := w.Files()
	require.Len(t, files, 1)
	assert.Equal(t, 3, files[0].Rows)
	assert.Equal(t, StateOpen, files[0].State)
}

func TestAppendHeaderWhenFileExistsButEmpty(t *testing.T) {
	t.Parallel()
	w := newWriter(t)

	path := Path(w.Dir(), NewKey("f1", day1))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	require.NoError(t, w.Append(success("f1", day1, 1)))
	rows := readCSV(t, path)
	require.Len(t, rows, 2)
	assert.Equal(t, Header(), rows[0])
}

func TestAppendFileOutsideArchive(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "nested", "data.csv")

	require.NoError(t, AppendFile(path, success("f1", day1, 2)))
	require.NoError(t, AppendFile(path, success("f2", day1, 3)))

	rows := readCSV(t, path)
	require.Len(t, rows, 3)
	assert.Equal(t, Header(), rows[0])
	assert.Equal(t, "f2", rows[2][1])
}

func TestErrorRowsSerializeZerosAndOneErrorType(t *testing.T) {
	t.Parallel()

	d := feed.Descriptor{ID: "f1", Name: "Feed"}
	for _, o := range []feed.Outcome{
		feed.FetchError(day1, d, errors.New("timeout")),
		feed.ParseError(day1, d, errors.New("bad proto, truncated")),
	} {
		row := Row(o)
		require.Len(t, row, len(Header()))
		for i := leadingColumns - 1; i < len(row)-2; i++ {
			assert.Equal(t, "0", row[i], Header()[i])
		}
		assert.Equal(t, string(o.Kind), row[len(row)-2])
		assert.Equal(t, o.Message, row[len(row)-1])
	}

	ok := Row(success("f1", day1, 4))
	assert.Empty(t, ok[len(ok)-2])
	assert.Empty(t, ok[len(ok)-1])
}

func TestReadOutcomesRoundTrip(t *testing.T) {
	t.Parallel()
	w := newWriter(t)

	d := feed.Descriptor{ID: "f1", Name: "Feed, with comma"}
	in := []feed.Outcome{
		success("f1", day1.Add(-2*time.Minute), 5),
		feed.FetchError(day1.Add(-time.Minute), d, errors.New("dial tcp: i/o timeout")),
		feed.ParseError(day1, d, errors.New("line1\nline2")),
	}
	for _, o := range in {
		require.NoError(t, w.Append(o))
	}

	f, err := os.Open(Path(w.Dir(), NewKey("f1", day1)))
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	out, err := ReadOutcomes(f)
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, in[0].Stats, out[0].Stats)
	assert.True(t, in[0].Timestamp.Equal(out[0].Timestamp))
	assert.Equal(t, feed.KindFetchError, out[1].Kind)
	assert.Equal(t, "dial tcp: i/o timeout", out[1].Message)
	assert.Equal(t, "line1\nline2", out[2].Message)
	assert.Equal(t, "Feed, with comma", out[2].FeedName)
}

func TestFinalizeExactlyOnce(t *testing.T) {
	t.Parallel()
	w := newWriter(t)

	require.NoError(t, w.Append(success("f1", day1, 1)))
	next := day1.Add(time.Minute)

	first := w.FinalizeBefore(next)
	require.Len(t, first, 1)
	assert.Equal(t, StateFinalized, first[0].State)
	assert.Empty(t, w.FinalizeBefore(next), "second finalize must not return the file again")

	err := w.Append(success("f1", day1, 1))
	assert.ErrorIs(t, err, ErrFinalized)

	pending := w.Pending()
	require.Len(t, pending, 1)
	require.NoError(t, w.MarkUploaded(pending[0].Key))
	require.NoError(t, w.MarkUploaded(pending[0].Key), "re-marking is a no-op")
	assert.Empty(t, w.Pending())
	assert.Equal(t, StateUploaded, w.Files()[0].State)
}

func TestMarkUploadedErrors(t *testing.T) {
	t.Parallel()
	w := newWriter(t)

	assert.ErrorIs(t, w.MarkUploaded(NewKey("missing", day1)), ErrNotFound)
	require.NoError(t, w.Append(success("f1", day1, 1)))
	assert.ErrorIs(t, w.MarkUploaded(NewKey("f1", day1)), ErrStillOpen)
}

func TestFinalizeOnlyEarlierDates(t *testing.T) {
	t.Parallel()
	w := newWriter(t)

	require.NoError(t, w.Append(success("f1", day1, 1)))
	assert.Empty(t, w.FinalizeBefore(day1))
	assert.Empty(t, w.Pending())
}

func TestMidnightCrossingFinalizesEveryFeedBeforeNewAppends(t *testing.T) {
	t.Parallel()
	w := newWriter(t)

	feeds := []string{"a", "b", "c"}
	for _, id := range feeds {
		require.NoError(t, w.Append(success(id, day1, 1)))
	}

	next := day1.Add(time.Minute) // 00:00:30 on the next day
	finalized := w.FinalizeBefore(next)
	require.Len(t, finalized, len(feeds))
	for _, id := range feeds {
		require.NoError(t, w.Append(success(id, next, 2)))
	}

	for _, id := range feeds {
		old := readCSV(t, Path(w.Dir(), NewKey(id, day1)))
		assert.Len(t, old, 2, "previous day file for %s must not grow", id)
		fresh := readCSV(t, Path(w.Dir(), NewKey(id, next)))
		assert.Len(t, fresh, 2)
	}
	assert.Len(t, w.Pending(), len(feeds))
}

func TestConcurrentAppendsAcrossKeys(t *testing.T) {
	t.Parallel()
	w := newWriter(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		id := fmt.Sprintf("f%d", i%4)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				assert.NoError(t, w.Append(success(id, day1, j)))
			}
		}()
	}
	wg.Wait()

	for i := 0; i < 4; i++ {
		rows := readCSV(t, Path(w.Dir(), NewKey(fmt.Sprintf("f%d", i), day1)))
		assert.Len(t, rows, 51)
	}
}

func TestFinalizeExcludesConcurrentAppendsToSameKey(t *testing.T) {
	t.Parallel()

	for iter := 0; iter < 20; iter++ {
		w := newWriter(t)
		require.NoError(t, w.Append(success("f1", day1, 0)))

		var (
			wg       sync.WaitGroup
			start    = make(chan struct{})
			appended atomic.Int64
		)
		appended.Store(1)
		for g := 0; g < 6; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				for j := 0; j < 30; j++ {
					err := w.Append(success("f1", day1, j))
					if err == nil {
						appended.Add(1)
						continue
					}
					assert.ErrorIs(t, err, ErrFinalized)
				}
			}()
		}
		close(start)
		finalized := w.FinalizeBefore(day1.Add(time.Minute))
		wg.Wait()

		require.Len(t, finalized, 1)
		onDisk := len(readCSV(t, finalized[0].Path)) - 1
		assert.Equal(t, int(appended.Load()), finalized[0].Rows)
		assert.Equal(t, finalized[0].Rows, onDisk)
		assert.ErrorIs(t, w.Append(success("f1", day1, 1)), ErrFinalized)
		assert.Len(t, readCSV(t, finalized[0].Path), onDisk+1)
	}
}

func TestMarkUploadedReleasesFile(t *testing.T) {
	t.Parallel()
	w := newWriter(t)

	require.NoError(t, w.Append(success("f1", day1, 1)))
	require.Len(t, w.FinalizeBefore(day1.Add(time.Minute)), 1)
	key := NewKey("f1", day1)
	require.NoError(t, w.MarkUploaded(key))

	w.mu.Lock()
	_, tracked := w.entries[key]
	w.mu.Unlock()
	assert.False(t, tracked)

	assert.ErrorIs(t, w.Append(success("f1", day1, 1)), ErrFinalized, "released key must not reopen")
	assert.ErrorIs(t, w.Append(success("f2", day1, 1)), ErrFinalized, "new key on a sealed date")
	assert.Len(t, readCSV(t, Path(w.Dir(), key)), 2)
	assert.NoFileExists(t, Path(w.Dir(), NewKey("f2", day1)))
	assert.NoError(t, w.MarkUploaded(key))
}

func TestUploadedHistoryIsBounded(t *testing.T) {
	t.Parallel()
	w := newWriter(t)

	n := uploadHistory + 8
	for i := 0; i < n; i++ {
		require.NoError(t, w.Append(success(fmt.Sprintf("f%03d", i), day1, 1)))
	}
	require.Len(t, w.FinalizeBefore(day1.Add(time.Minute)), n)
	for _, f := range w.Pending() {
		require.NoError(t, w.MarkUploaded(f.Key))
	}

	assert.Empty(t, w.Pending())
	files := w.Files()
	assert.Len(t, files, uploadHistory)
	assert.Equal(t, fmt.Sprintf("f%03d", n-1), files[len(files)-1].Key.FeedID)
	w.mu.Lock()
	assert.Empty(t, w.entries)
	w.mu.Unlock()
}

func TestFeedIDWithSeparatorsStaysInsideArchive(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	w, err := NewWriter(dir, nil)
	require.NoError(t, err)

	id := "a/../../escape"
	require.NoError(t, w.Append(success(id, day1, 1)))

	path := Path(dir, NewKey(id, day1))
	assert.Equal(t, filepath.Join(dir, "agency_id=a%2F..%2F..%2Fescape", "date=2025-03-14.csv"), path)
	assert.FileExists(t, path)
	assert.NoDirExists(t, filepath.Join(filepath.Dir(dir), "escape"))

	next, err := NewWriter(dir, nil)
	require.NoError(t, err)
	recovered, err := next.Recover(day1.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	assert.Equal(t, id, recovered[0].Key.FeedID)
	assert.Equal(t, StateFinalized, recovered[0].State)
}

func TestRecover(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	prev, err := NewWriter(dir, nil)
	require.NoError(t, err)
	yesterday := day1
	today := day1.Add(time.Hour)
	require.NoError(t, prev.Append(success("f1", yesterday, 1)))
	require.NoError(t, prev.Append(success("f1", yesterday, 1)))
	require.NoError(t, prev.Append(success("f1", today, 1)))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600))

	w, err := NewWriter(dir, nil)
	require.NoError(t, err)
	recovered, err := w.Recover(today)
	require.NoError(t, err)
	require.Len(t, recovered, 2)

	pending := w.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, NewKey("f1", yesterday), pending[0].Key)
	assert.Equal(t, 2, pending[0].Rows)

	require.NoError(t, w.Append(success("f1", today, 1)))
	assert.Len(t, readCSV(t, Path(dir, NewKey("f1", today))), 3)
}

func TestParsePath(t *testing.T) {
	t.Parallel()

	dir := "/data"
	key, ok := parsePath(dir, "/data/agency_id=mdb-12/date=2025-01-31.csv")
	require.True(t, ok)
	assert.Equal(t, "mdb-12", key.FeedID)
	assert.Equal(t, "2025-01-31", key.DateString())

	key, ok = parsePath(dir, "/data/agency_id=ns%2Ffeed%25x/date=2025-01-31.csv")
	require.True(t, ok)
	assert.Equal(t, "ns/feed%x", key.FeedID)

	for _, bad := range []string{
		"/data/agency_id=mdb-12/date=2025-13-31.csv",
		"/data/agency_id=/date=2025-01-31.csv",
		"/data/other/date=2025-01-31.csv",
		"/data/agency_id=x/date=2025-01-31.csv.gz",
		"/data/agency_id=x/nested/date=2025-01-31.csv",
		"/data/agency_id=bad%zz/date=2025-01-31.csv",
	} {
		_, ok := parsePath(dir, bad)
		assert.False(t, ok, bad)
	}
}
