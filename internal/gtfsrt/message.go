// Package gtfsrt decodes the subset of the GTFS Realtime FeedMessage that the
// coverage extractor inspects.
//
// Only presence matters for most fields, so optional scalars are kept as
// pointers and payloads the extractor merely counts (trip updates, alerts,
// shapes, stops, trip modifications) are reduced to flags.
package gtfsrt

// FeedMessage is a decoded GTFS-RT feed snapshot.
type FeedMessage struct {
	Header   FeedHeader
	Entities []Entity
}

// FeedHeader carries the feed-level metadata.
type FeedHeader struct {
	Version        string
	Incrementality *int32
	Timestamp      *uint64
	FeedVersion    *string
}

// Entity is one FeedEntity. At most one payload is normally set, but the wire
// format does not enforce it, so every payload is tracked independently.
type Entity struct {
	ID                   string
	IsDeleted            bool
	Vehicle              *VehiclePosition
	HasTripUpdate        bool
	HasAlert             bool
	HasShape             bool
	HasStop              bool
	HasTripModifications bool
}

// VehiclePosition is the realtime position payload of a vehicle.
type VehiclePosition struct {
	Trip                 *TripDescriptor
	Vehicle              *VehicleDescriptor
	Position             *Position
	CurrentStopSequence  *uint32
	CurrentStatus        *int32
	Timestamp            *uint64
	CongestionLevel      *int32
	StopID               *string
	OccupancyStatus      *int32
	OccupancyPercentage  *uint32
	MultiCarriageDetails int
}

// TripDescriptor identifies the trip a vehicle is serving.
type TripDescriptor struct {
	TripID      *string
	RouteID     *string
	DirectionID *uint32
	StartTime   *string
	StartDate   *string
}

// VehicleDescriptor identifies the physical vehicle.
type VehicleDescriptor struct {
	ID                   *string
	Label                *string
	LicensePlate         *string
	WheelchairAccessible *int32
}

// Position is a geographic position with optional motion data.
type Position struct {
	Latitude  float32
	Longitude float32
	Bearing   *float32
	Odometer  *float64
	Speed     *float32
}
