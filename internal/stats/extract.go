// Package stats extracts coverage records from decoded feed messages.
package stats

import (
	"github.com/JakeFAU/realtime-feed-rater/internal/feed"
	"github.com/JakeFAU/realtime-feed-rater/internal/gtfsrt"
)

// wheelchairNoValue is the proto default for VehicleDescriptor.wheelchair_accessible.
const wheelchairNoValue = 0

// Extract counts entity types and vehicle field presence. It never fails;
// entities without a recognized payload only contribute to TotalEntities.
func Extract(msg *gtfsrt.FeedMessage) feed.CoverageRecord {
	var r feed.CoverageRecord
	if msg == nil {
		return r
	}
	r.TotalEntities = len(msg.Entities)

	for i := range msg.Entities {
		e := &msg.Entities[i]
		if e.Vehicle != nil {
			r.Vehicles++
			countVehicle(&r, e.Vehicle)
		}
		if e.HasTripUpdate {
			r.TripUpdates++
		}
		if e.HasAlert {
			r.Alerts++
		}
		if e.HasShape {
			r.Shapes++
		}
		if e.HasStop {
			r.Stops++
		}
		if e.HasTripModifications {
			r.TripModifications++
		}
	}
	return r
}

func countVehicle(r *feed.CoverageRecord, v *gtfsrt.VehiclePosition) {
	if t := v.Trip; t != nil {
		r.WithTrip++
		inc(&r.WithTripID, t.TripID != nil)
		inc(&r.WithRouteID, t.RouteID != nil)
		inc(&r.WithDirectionID, t.DirectionID != nil)
	}

	if d := v.Vehicle; d != nil {
		r.WithVehicleDescriptor++
		inc(&r.WithVehicleID, d.ID != nil)
		inc(&r.WithVehicleLabel, d.Label != nil)
		inc(&r.WithLicensePlate, d.LicensePlate != nil)
		// only an explicit non-default value counts as reported
		inc(&r.WithWheelchairAccessible, d.WheelchairAccessible != nil && *d.WheelchairAccessible != wheelchairNoValue)
	}

	if p := v.Position; p != nil {
		r.WithPosition++
		inc(&r.WithBearing, p.Bearing != nil)
		inc(&r.WithSpeed, p.Speed != nil)
		inc(&r.WithOdometer, p.Odometer != nil)
	}

	inc(&r.WithCurrentStopSequence, v.CurrentStopSequence != nil)
	inc(&r.WithStopID, v.StopID != nil)
	inc(&r.WithCurrentStatus, v.CurrentStatus != nil)
	inc(&r.WithTimestamp, v.Timestamp != nil)
	inc(&r.WithCongestionLevel, v.CongestionLevel != nil)
	inc(&r.WithOccupancy, v.OccupancyStatus != nil)
	inc(&r.WithOccupancyPercentage, v.OccupancyPercentage != nil)
	inc(&r.WithMultiCarriageDetails, v.MultiCarriageDetails > 0)
}

func inc(counter *int, present bool) {
	if present {
		*counter++
	}
}

// Pct returns part as a percentage of total, or 0 when total is zero.
func Pct(part, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(part) / float64(total) * 100
}
