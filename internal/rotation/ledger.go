package rotation

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned by Ledger.Lookup when no upload was recorded.
var ErrNotFound = errors.New("upload not recorded")

// Entry records one completed upload.
type Entry struct {
	ObjectKey  string    `json:"object_key"`
	FeedID     string    `json:"feed_id"`
	Date       time.Time `json:"date"`
	URI        string    `json:"uri"`
	SHA256     string    `json:"sha256"`
	Size       int64     `json:"size"`
	Rows       int       `json:"rows"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// Ledger remembers which archive files reached the blob store, so a restart
// or a retry never transfers the same file twice.
type Ledger interface {
	Lookup(ctx context.Context, objectKey string) (Entry, error)
	Record(ctx context.Context, entry Entry) error
}

// MemoryLedger keeps the ledger for the lifetime of the process.
type MemoryLedger struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{entries: make(map[string]Entry)}
}

// Lookup returns the entry for objectKey or ErrNotFound.
func (l *MemoryLedger) Lookup(_ context.Context, objectKey string) (Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[objectKey]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return e, nil
}

// Record stores or overwrites the entry.
func (l *MemoryLedger) Record(_ context.Context, entry Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[entry.ObjectKey] = entry
	return nil
}

// Entries returns every recorded upload.
func (l *MemoryLedger) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, e)
	}
	return out
}
