// Package feed defines core types shared across the sampling pipeline.
package feed

import (
	"time"
)

// Lifecycle is the catalog status of a feed.
type Lifecycle string

// Lifecycle values reported by the catalog.
const (
	LifecycleActive      Lifecycle = "active"
	LifecycleDeprecated  Lifecycle = "deprecated"
	LifecycleInactive    Lifecycle = "inactive"
	LifecycleDevelopment Lifecycle = "development"
	LifecycleFuture      Lifecycle = "future"
)

// AuthType describes how a feed expects its API key.
type AuthType string

// Auth types; the numeric catalog codes map 0, 1, 2 onto these.
const (
	AuthNone     AuthType = "none"
	AuthURLParam AuthType = "url_param"
	AuthHeader   AuthType = "header"
)

// Auth is the authentication requirement of a feed.
type Auth struct {
	Type      AuthType `json:"type" yaml:"type"`
	ParamName string   `json:"param_name,omitempty" yaml:"param_name,omitempty"`
}

// Descriptor identifies a single remotely hosted feed. Descriptors are
// immutable once a run has loaded them.
type Descriptor struct {
	ID       string    `json:"id" yaml:"id"`
	Name     string    `json:"name" yaml:"name"`
	Endpoint string    `json:"endpoint" yaml:"endpoint"`
	Auth     Auth      `json:"auth" yaml:"auth"`
	Status   Lifecycle `json:"status" yaml:"status"`
}

// RequiresAuth reports whether any credentials are needed to fetch the feed.
func (d Descriptor) RequiresAuth() bool {
	return d.Auth.Type != "" && d.Auth.Type != AuthNone
}

// Kind classifies a sample outcome.
type Kind string

// Outcome kinds. The error kinds double as the archive error_type column.
const (
	KindSuccess    Kind = "success"
	KindFetchError Kind = "fetch_error"
	KindParseError Kind = "parse_error"
)

// IsError reports whether the kind is one of the error kinds.
func (k Kind) IsError() bool {
	return k == KindFetchError || k == KindParseError
}

// CoverageRecord counts entity types and optional-field presence in one
// decoded feed message.
type CoverageRecord struct {
	TotalEntities int

	Vehicles          int
	TripUpdates       int
	Alerts            int
	Shapes            int
	Stops             int
	TripModifications int

	WithTrip                 int
	WithTripID               int
	WithRouteID              int
	WithDirectionID          int
	WithVehicleDescriptor    int
	WithVehicleID            int
	WithVehicleLabel         int
	WithLicensePlate         int
	WithWheelchairAccessible int
	WithPosition             int
	WithBearing              int
	WithSpeed                int
	WithOdometer             int
	WithCurrentStopSequence  int
	WithStopID               int
	WithCurrentStatus        int
	WithTimestamp            int
	WithCongestionLevel      int
	WithOccupancy            int
	WithOccupancyPercentage  int
	WithMultiCarriageDetails int
}

// Counter is a named view onto one CoverageRecord field.
type Counter struct {
	Name  string
	Value int
}

// CounterNames lists the counter columns in archive order.
var CounterNames = []string{
	"vehicles",
	"trip_updates",
	"alerts",
	"shapes",
	"stops",
	"trip_modifications",
	"with_trip",
	"with_trip_id",
	"with_route_id",
	"with_direction_id",
	"with_vehicle_descriptor",
	"with_vehicle_id",
	"with_vehicle_label",
	"with_license_plate",
	"with_wheelchair_accessible",
	"with_position",
	"with_bearing",
	"with_speed",
	"with_odometer",
	"with_current_stop_sequence",
	"with_stop_id",
	"with_current_status",
	"with_timestamp",
	"with_congestion_level",
	"with_occupancy",
	"with_occupancy_percentage",
	"with_multi_carriage_details",
}

// Counters returns the counters in CounterNames order.
func (r CoverageRecord) Counters() []Counter {
	fields := r.fields()
	out := make([]Counter, len(fields))
	for i, v := range fields {
		out[i] = Counter{Name: CounterNames[i], Value: *v}
	}
	return out
}

// RecordFromCounters rebuilds a record from values in CounterNames order.
// Missing trailing values stay zero.
func RecordFromCounters(total int, values []int) CoverageRecord {
	r := CoverageRecord{TotalEntities: total}
	for i, f := range r.fields() {
		if i < len(values) {
			*f = values[i]
		}
	}
	return r
}

func (r *CoverageRecord) fields() []*int {
	return []*int{
		&r.Vehicles,
		&r.TripUpdates,
		&r.Alerts,
		&r.Shapes,
		&r.Stops,
		&r.TripModifications,
		&r.WithTrip,
		&r.WithTripID,
		&r.WithRouteID,
		&r.WithDirectionID,
		&r.WithVehicleDescriptor,
		&r.WithVehicleID,
		&r.WithVehicleLabel,
		&r.WithLicensePlate,
		&r.WithWheelchairAccessible,
		&r.WithPosition,
		&r.WithBearing,
		&r.WithSpeed,
		&r.WithOdometer,
		&r.WithCurrentStopSequence,
		&r.WithStopID,
		&r.WithCurrentStatus,
		&r.WithTimestamp,
		&r.WithCongestionLevel,
		&r.WithOccupancy,
		&r.WithOccupancyPercentage,
		&r.WithMultiCarriageDetails,
	}
}

// Outcome is the result of sampling one feed in one round. Exactly one of
// Stats (success) or Message (error kinds) is meaningful.
type Outcome struct {
	Kind      Kind
	Timestamp time.Time
	FeedID    string
	FeedName  string
	Stats     CoverageRecord
	Message   string
}

// Success builds a successful outcome.
func Success(at time.Time, d Descriptor, stats CoverageRecord) Outcome {
	return Outcome{Kind: KindSuccess, Timestamp: at.UTC(), FeedID: d.ID, FeedName: d.Name, Stats: stats}
}

// FetchError builds an outcome for a transport failure.
func FetchError(at time.Time, d Descriptor, err error) Outcome {
	return errorOutcome(KindFetchError, at, d, err)
}

// ParseError builds an outcome for a payload that failed to decode.
func ParseError(at time.Time, d Descriptor, err error) Outcome {
	return errorOutcome(KindParseError, at, d, err)
}

func errorOutcome(kind Kind, at time.Time, d Descriptor, err error) Outcome {
	msg := "unknown error"
	if err != nil && err.Error() != "" {
		msg = err.Error()
	}
	return Outcome{Kind: kind, Timestamp: at.UTC(), FeedID: d.ID, FeedName: d.Name, Message: msg}
}
