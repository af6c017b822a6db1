// Package archive maintains the append-only per-feed, per-UTC-day CSV files
// and their open, finalized, uploaded lifecycle.
package archive

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-feed-rater/internal/clock/system"
	"github.com/JakeFAU/realtime-feed-rater/internal/feed"
)

const (
	dateLayout = "2006-01-02"

	// uploadHistory bounds how many uploaded files stay visible through Files.
	uploadHistory = 512
)

// Errors returned by state transitions.
var (
	ErrFinalized = errors.New("archive file already finalized")
	ErrNotFound  = errors.New("archive file not found")
	ErrStillOpen = errors.New("archive file is still open")
)

// State is the lifecycle state of one archive file.
type State string

// Archive file states.
const (
	StateOpen      State = "open"
	StateFinalized State = "finalized"
	StateUploaded  State = "uploaded"
)

// Key identifies an archive file: one feed on one UTC calendar date.
type Key struct {
	FeedID string
	Date   time.Time
}

// NewKey builds a key from a feed ID and any instant on the wanted day.
func NewKey(feedID string, at time.Time) Key {
	return Key{FeedID: feedID, Date: system.Date(at)}
}

// DateString formats the key date as yyyy-mm-dd.
func (k Key) DateString() string {
	return k.Date.Format(dateLayout)
}

func (k Key) String() string {
	return k.FeedID + "/" + k.DateString()
}

// File is a snapshot of one archive file.
type File struct {
	Key   Key    `json:"-"`
	Path  string `json:"path"`
	State State  `json:"state"`
	Rows  int    `json:"rows"`
}

type entry struct {
	mu   sync.Mutex
	file File
}

// Writer appends outcomes to archive files. Appends and finalization of the
// same key are serialized by a per-key lock; different keys proceed in parallel.
//
// Uploaded files are released from the tracked set. Dates before the latest
// finalization cutoff are sealed, so a released key can never reopen.
type Writer struct {
	dir    string
	logger *zap.Logger

	mu       sync.Mutex
	entries  map[Key]*entry
	sealed   time.Time
	uploaded []File
}

// NewWriter creates the output directory if needed.
func NewWriter(dir string, logger *zap.Logger) (*Writer, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("output directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{
		dir:     dir,
		logger:  logger.Named("archive"),
		entries: make(map[Key]*entry),
	}, nil
}

// Dir returns the archive root.
func (w *Writer) Dir() string {
	return w.dir
}

// Path returns <dir>/agency_id=<feed_id>/date=<yyyy-mm-dd>.csv. The feed ID
// is escaped with EscapeID so it always stays a single path element.
func Path(dir string, key Key) string {
	return filepath.Join(dir, "agency_id="+EscapeID(key.FeedID), "date="+key.DateString()+".csv")
}

// EscapeID makes a feed ID safe to use inside one path or object-key
// element. Separators and '%' are percent-encoded; typical IDs such as
// mdb-123 are returned unchanged.
func EscapeID(feedID string) string {
	return url.PathEscape(feedID)
}

// UnescapeID reverses EscapeID.
func UnescapeID(escaped string) (string, error) {
	id, err := url.PathUnescape(escaped)
	if err != nil {
		return "", fmt.Errorf("unescape feed id %q: %w", escaped, err)
	}
	return id, nil
}

// openEntry returns the entry for key, creating an open one if absent. A new
// key on a sealed date is refused.
func (w *Writer) openEntry(key Key) (*entry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if e, ok := w.entries[key]; ok {
		return e, nil
	}
	if key.Date.Before(w.sealed) {
		return nil, ErrFinalized
	}
	return w.newEntryLocked(key), nil
}

// register returns the entry for key, creating one regardless of the seal.
func (w *Writer) register(key Key) *entry {
	w.mu.Lock()
	defer w.mu.Unlock()
	if e, ok := w.entries[key]; ok {
		return e
	}
	return w.newEntryLocked(key)
}

func (w *Writer) newEntryLocked(key Key) *entry {
	e := &entry{file: File{Key: key, Path: Path(w.dir, key), State: StateOpen}}
	w.entries[key] = e
	return e
}

func (w *Writer) seal(cutoff time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if cutoff.After(w.sealed) {
		w.sealed = cutoff
	}
}

func (w *Writer) lookup(key Key) (*entry, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.entries[key]
	return e, ok
}

// snapshot returns the entries in a stable order.
func (w *Writer) snapshot() []*entry {
	w.mu.Lock()
	out := make([]*entry, 0, len(w.entries))
	for _, e := range w.entries {
		out = append(out, e)
	}
	w.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].file.Key, out[j].file.Key
		if !a.Date.Equal(b.Date) {
			return a.Date.Before(b.Date)
		}
		return a.FeedID < b.FeedID
	})
	return out
}

// Append writes exactly one row for the outcome to the file keyed by its feed
// and the UTC date of its timestamp. The header is written when the file is
// new or empty.
func (w *Writer) Append(o feed.Outcome) error {
	if o.FeedID == "" {
		return fmt.Errorf("append: outcome has no feed id")
	}
	key := NewKey(o.FeedID, o.Timestamp)
	e, err := w.openEntry(key)
	if err != nil {
		return fmt.Errorf("append %s: %w", key, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.file.State != StateOpen {
		return fmt.Errorf("append %s: %w", key, ErrFinalized)
	}
	if err := appendRow(e.file.Path, Row(o)); err != nil {
		return fmt.Errorf("append %s: %w", key, err)
	}
	e.file.Rows++
	return nil
}

// AppendFile appends one outcome row to an arbitrary CSV file outside any
// archive, writing the header first when the file is new.
func AppendFile(path string, o feed.Outcome) error {
	if err := appendRow(path, Row(o)); err != nil {
		return fmt.Errorf("append %s: %w", path, err)
	}
	return nil
}

func appendRow(path string, row []string) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create feed directory: %w", err)
	}
	// #nosec G304 -- path is derived from the archive root and a feed id.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("open archive file: %w", err)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("close archive file: %w", closeErr)
		}
	}()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat archive file: %w", err)
	}

	// build the full write first so a row is never split across two writes
	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)
	if info.Size() == 0 {
		if err := cw.Write(Header()); err != nil {
			return fmt.Errorf("encode header: %w", err)
		}
	}
	if err := cw.Write(row); err != nil {
		return fmt.Errorf("encode row: %w", err)
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("encode row: %w", err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write row: %w", err)
	}
	return nil
}

// FinalizeBefore transitions every open file dated before date to finalized
// and returns the files finalized by this call. Each transition happens under
// the file's key lock, so it is ordered after any in-progress append.
func (w *Writer) FinalizeBefore(date time.Time) []File {
	cutoff := system.Date(date)
	w.seal(cutoff)
	var finalized []File
	for _, e := range w.snapshot() {
		e.mu.Lock()
		if e.file.State == StateOpen && e.file.Key.Date.Before(cutoff) {
			e.file.State = StateFinalized
			finalized = append(finalized, e.file)
		}
		e.mu.Unlock()
	}
	for _, f := range finalized {
		w.logger.Info("archive file finalized",
			zap.String("feed_id", f.Key.FeedID),
			zap.String("date", f.Key.DateString()),
			zap.Int("rows", f.Rows),
		)
	}
	return finalized
}

// Pending returns finalized files that have not been uploaded.
func (w *Writer) Pending() []File {
	return w.filter(func(f File) bool { return f.State == StateFinalized })
}

// Files returns a snapshot of every tracked file followed by the most recently
// uploaded ones.
func (w *Writer) Files() []File {
	out := w.filter(func(File) bool { return true })
	w.mu.Lock()
	out = append(out, w.uploaded...)
	w.mu.Unlock()
	return out
}

func (w *Writer) filter(keep func(File) bool) []File {
	var out []File
	for _, e := range w.snapshot() {
		e.mu.Lock()
		f := e.file
		e.mu.Unlock()
		if keep(f) {
			out = append(out, f)
		}
	}
	return out
}

// MarkUploaded transitions a finalized file to uploaded and releases it from
// the tracked set. Marking a recently uploaded file again is a no-op.
func (w *Writer) MarkUploaded(key Key) error {
	e, ok := w.lookup(key)
	if !ok {
		if w.recentlyUploaded(key) {
			return nil
		}
		return fmt.Errorf("mark uploaded %s: %w", key, ErrNotFound)
	}
	e.mu.Lock()
	switch e.file.State {
	case StateUploaded:
		e.mu.Unlock()
		return nil
	case StateOpen:
		e.mu.Unlock()
		return fmt.Errorf("mark uploaded %s: %w", key, ErrStillOpen)
	}
	e.file.State = StateUploaded
	f := e.file
	e.mu.Unlock()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.entries[key] == e {
		delete(w.entries, key)
	}
	w.uploaded = append(w.uploaded, f)
	if n := len(w.uploaded) - uploadHistory; n > 0 {
		w.uploaded = append([]File(nil), w.uploaded[n:]...)
	}
	return nil
}

func (w *Writer) recentlyUploaded(key Key) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, f := range w.uploaded {
		if f.Key == key {
			return true
		}
	}
	return false
}

// Recover registers archive files left by a previous run. Files dated before
// today are finalized so the rotation pipeline uploads them; files for today
// or later stay open and keep receiving appends.
func (w *Writer) Recover(today time.Time) ([]File, error) {
	cutoff := system.Date(today)
	var recovered []File

	err := filepath.WalkDir(w.dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		key, ok := parsePath(w.dir, path)
		if !ok {
			return nil
		}
		rows, err := countRows(path)
		if err != nil {
			w.logger.Warn("skipping unreadable archive file", zap.String("path", path), zap.Error(err))
			return nil
		}

		state := StateOpen
		if key.Date.Before(cutoff) {
			state = StateFinalized
		}
		e := w.register(key)
		e.mu.Lock()
		e.file.Rows = rows
		e.file.State = state
		recovered = append(recovered, e.file)
		e.mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan archive: %w", err)
	}
	w.seal(cutoff)
	if len(recovered) > 0 {
		w.logger.Info("recovered archive files", zap.Int("files", len(recovered)))
	}
	return recovered, nil
}

// parsePath reverses Path for files under dir.
func parsePath(dir, path string) (Key, bool) {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return Key{}, false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 2 {
		return Key{}, false
	}
	escaped, ok := strings.CutPrefix(parts[0], "agency_id=")
	if !ok || escaped == "" {
		return Key{}, false
	}
	feedID, err := UnescapeID(escaped)
	if err != nil {
		return Key{}, false
	}
	name, ok := strings.CutPrefix(parts[1], "date=")
	if !ok {
		return Key{}, false
	}
	name, ok = strings.CutSuffix(name, ".csv")
	if !ok {
		return Key{}, false
	}
	date, err := time.Parse(dateLayout, name)
	if err != nil {
		return Key{}, false
	}
	return Key{FeedID: feedID, Date: date}, true
}

// countRows returns the number of data rows, excluding the header.
func countRows(path string) (int, error) {
	// #nosec G304 -- path comes from walking the archive root.
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open: %w", err)
	}
	defer func() { _ = f.Close() }()

	cr := csv.NewReader(bufio.NewReader(f))
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true
	lines := 0
	for {
		_, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("read: %w", err)
		}
		lines++
	}
	if lines == 0 {
		return 0, nil
	}
	return lines - 1, nil
}
