package archive

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/JakeFAU/realtime-feed-rater/internal/feed"
)

// Column names outside the counter set.
const (
	ColumnTimestamp     = "timestamp"
	ColumnFeedID        = "feed_id"
	ColumnFeedName      = "feed_name"
	ColumnTotalEntities = "total_entities"
	ColumnErrorType     = "error_type"
	ColumnErrorMessage  = "error_message"
)

// leadingColumns precede the counters in every row.
const leadingColumns = 4

// Header returns the archive column names in row order.
func Header() []string {
	h := make([]string, 0, leadingColumns+len(feed.CounterNames)+2)
	h = append(h, ColumnTimestamp, ColumnFeedID, ColumnFeedName, ColumnTotalEntities)
	h = append(h, feed.CounterNames...)
	return append(h, ColumnErrorType, ColumnErrorMessage)
}

// Row serializes one outcome. Error outcomes carry zero counters.
func Row(o feed.Outcome) []string {
	stats := o.Stats
	errType, errMsg := "", ""
	if o.Kind.IsError() {
		stats = feed.CoverageRecord{}
		errType, errMsg = string(o.Kind), o.Message
	}

	row := make([]string, 0, leadingColumns+len(feed.CounterNames)+2)
	row = append(row,
		o.Timestamp.UTC().Format(time.RFC3339Nano),
		o.FeedID,
		o.FeedName,
		strconv.Itoa(stats.TotalEntities),
	)
	for _, c := range stats.Counters() {
		row = append(row, strconv.Itoa(c.Value))
	}
	return append(row, errType, errMsg)
}

// ReadOutcomes parses an archive file back into outcomes. The header row is
// required and columns are matched by name, so files written with extra
// trailing columns still parse.
func ReadOutcomes(r io.Reader) ([]feed.Outcome, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	index := make(map[string]int, len(header))
	for i, name := range header {
		index[name] = i
	}
	for _, name := range Header() {
		if _, ok := index[name]; !ok {
			return nil, fmt.Errorf("archive header missing column %q", name)
		}
	}

	var out []feed.Outcome
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", line, err)
		}
		o, err := parseRow(rec, index)
		if err != nil {
			return nil, fmt.Errorf("parse row %d: %w", line, err)
		}
		out = append(out, o)
	}
}

func parseRow(rec []string, index map[string]int) (feed.Outcome, error) {
	field := func(name string) string {
		if i := index[name]; i < len(rec) {
			return rec[i]
		}
		return ""
	}

	ts, err := time.Parse(time.RFC3339Nano, field(ColumnTimestamp))
	if err != nil {
		return feed.Outcome{}, fmt.Errorf("timestamp: %w", err)
	}
	o := feed.Outcome{
		Kind:      feed.KindSuccess,
		Timestamp: ts.UTC(),
		FeedID:    field(ColumnFeedID),
		FeedName:  field(ColumnFeedName),
	}
	if errType := field(ColumnErrorType); errType != "" {
		o.Kind = feed.Kind(errType)
		o.Message = field(ColumnErrorMessage)
		return o, nil
	}

	values := make([]int, 0, len(feed.CounterNames)+1)
	for _, name := range append([]string{ColumnTotalEntities}, feed.CounterNames...) {
		v, err := strconv.Atoi(field(name))
		if err != nil {
			return feed.Outcome{}, fmt.Errorf("%s: %w", name, err)
		}
		values = append(values, v)
	}
	o.Stats = feed.RecordFromCounters(values[0], values[1:])
	return o, nil
}
