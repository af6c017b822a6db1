// Package grade turns a day of archived samples into per-feed quality scores.
package grade

import (
	"math"
	"sort"
	"time"

	"github.com/JakeFAU/realtime-feed-rater/internal/feed"
)

// Versions stamped into every aggregate.
const (
	SchemaVersion    = 1
	AlgorithmVersion = 1
)

// uptimeField is the pseudo-field carrying uptime in the overall score.
const uptimeField = "uptime"

// fieldWeights lists every graded field and its weight in the overall score.
var fieldWeights = map[string]float64{
	"bearing":              1,
	"speed":                1,
	"occupancy":            2,
	"stop_sequence":        2,
	"multi_carriage":       1,
	"odometer":             1,
	"stop_id":              1,
	"current_status":       1,
	"timestamp":            1,
	"congestion_level":     1,
	"occupancy_percentage": 1,
	uptimeField:            3,
}

func fieldValues(r feed.CoverageRecord) map[string]int {
	return map[string]int{
		"bearing":              r.WithBearing,
		"speed":                r.WithSpeed,
		"occupancy":            r.WithOccupancy,
		"stop_sequence":        r.WithCurrentStopSequence,
		"multi_carriage":       r.WithMultiCarriageDetails,
		"odometer":             r.WithOdometer,
		"stop_id":              r.WithStopID,
		"current_status":       r.WithCurrentStatus,
		"timestamp":            r.WithTimestamp,
		"congestion_level":     r.WithCongestionLevel,
		"occupancy_percentage": r.WithOccupancyPercentage,
	}
}

// Field is the support statistics of one optional vehicle field.
type Field struct {
	AvgSupport float64 `json:"avg_support"`
	StdDev     float64 `json:"stddev"`
	Grade      string  `json:"grade"`
}

// EntityStats summarizes vehicle presence over the window.
type EntityStats struct {
	AvgVehicles        float64 `json:"avg_vehicles"`
	UptimePercent      float64 `json:"uptime_percent"`
	ServiceTimePercent float64 `json:"service_time_percent"`
}

// Overall is the weighted score and its letter grade.
type Overall struct {
	Score float64 `json:"score"`
	Grade string  `json:"grade"`
}

// FeedAggregate is the published quality report for one feed.
type FeedAggregate struct {
	SchemaVersion    int              `json:"schema_version"`
	AlgorithmVersion int              `json:"algorithm_version"`
	FeedID           string           `json:"feed_id"`
	Date             string           `json:"date,omitempty"`
	LastUpdated      time.Time        `json:"last_updated"`
	Samples          int              `json:"samples"`
	WindowMinutes    int64            `json:"window_minutes"`
	EntityStats      EntityStats      `json:"entity_stats"`
	Fields           map[string]Field `json:"fields"`
	Overall          Overall          `json:"overall"`
}

// Letter maps a support proportion in [0, 1] to a letter grade.
func Letter(p float64) string {
	switch {
	case p >= 0.95:
		return "A+"
	case p >= 0.90:
		return "A"
	case p >= 0.80:
		return "B"
	case p >= 0.65:
		return "C"
	case p >= 0.40:
		return "D"
	default:
		return "F"
	}
}

// Aggregate scores one feed's outcomes. Only rows reporting vehicles feed the
// field statistics; error rows count toward the window and nothing else.
func Aggregate(feedID string, outcomes []feed.Outcome, now time.Time) FeedAggregate {
	agg := FeedAggregate{
		SchemaVersion:    SchemaVersion,
		AlgorithmVersion: AlgorithmVersion,
		FeedID:           feedID,
		LastUpdated:      now.UTC(),
		Samples:          len(outcomes),
		WindowMinutes:    windowMinutes(outcomes),
		Fields:           map[string]Field{},
	}

	var vehicleCounts []float64
	series := map[string][]float64{}
	for _, o := range outcomes {
		v := o.Stats.Vehicles
		if o.Kind.IsError() || v == 0 {
			continue
		}
		vehicleCounts = append(vehicleCounts, float64(v))
		for name, n := range fieldValues(o.Stats) {
			series[name] = append(series[name], float64(n)/float64(v))
		}
	}

	active := len(vehicleCounts)
	agg.EntityStats.AvgVehicles = mean(vehicleCounts)
	if agg.WindowMinutes > 0 {
		agg.EntityStats.UptimePercent = math.Min(1, float64(active)/float64(agg.WindowMinutes))
	}
	if len(outcomes) > 0 {
		agg.EntityStats.ServiceTimePercent = float64(active) / float64(len(outcomes))
	}

	names := make([]string, 0, len(series))
	for name := range series {
		names = append(names, name)
	}
	sort.Strings(names)

	var weighted, weights float64
	for _, name := range names {
		values := series[name]
		avg := mean(values)
		agg.Fields[name] = Field{AvgSupport: avg, StdDev: stddev(values, avg), Grade: Letter(avg)}
		w := fieldWeights[name]
		weighted += avg * w
		weights += w
	}
	w := fieldWeights[uptimeField]
	weighted += agg.EntityStats.UptimePercent * w
	weights += w

	agg.Overall.Score = weighted / weights
	agg.Overall.Grade = Letter(agg.Overall.Score)
	return agg
}

func windowMinutes(outcomes []feed.Outcome) int64 {
	if len(outcomes) < 2 {
		return 0
	}
	first, last := outcomes[0].Timestamp, outcomes[0].Timestamp
	for _, o := range outcomes[1:] {
		if o.Timestamp.Before(first) {
			first = o.Timestamp
		}
		if o.Timestamp.After(last) {
			last = o.Timestamp
		}
	}
	return int64(last.Sub(first) / time.Minute)
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// stddev is the population standard deviation around avg.
func stddev(values []float64, avg float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += (v - avg) * (v - avg)
	}
	return math.Sqrt(sum / float64(len(values)))
}
