package gtfsrt

import (
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Encode serializes the message back to the GTFS-RT wire format. Payloads kept
// only as flags are written as empty sub-messages.
func Encode(m *FeedMessage) []byte {
	if m == nil {
		return nil
	}
	var b []byte
	b = appendMessage(b, fieldFeedHeader, encodeHeader(m.Header))
	for i := range m.Entities {
		b = appendMessage(b, fieldFeedEntity, encodeEntity(&m.Entities[i]))
	}
	return b
}

func encodeHeader(h FeedHeader) []byte {
	var b []byte
	b = appendString(b, fieldHeaderVersion, h.Version)
	if h.Incrementality != nil {
		b = appendVarint(b, fieldHeaderIncrementality, uint64(*h.Incrementality))
	}
	if h.Timestamp != nil {
		b = appendVarint(b, fieldHeaderTimestamp, *h.Timestamp)
	}
	if h.FeedVersion != nil {
		b = appendString(b, fieldHeaderFeedVersion, *h.FeedVersion)
	}
	return b
}

func encodeEntity(e *Entity) []byte {
	var b []byte
	b = appendString(b, fieldEntityID, e.ID)
	if e.IsDeleted {
		b = appendVarint(b, fieldEntityIsDeleted, protowire.EncodeBool(true))
	}
	if e.HasTripUpdate {
		b = appendMessage(b, fieldEntityTripUpdate, nil)
	}
	if e.Vehicle != nil {
		b = appendMessage(b, fieldEntityVehicle, encodeVehicle(e.Vehicle))
	}
	if e.HasAlert {
		b = appendMessage(b, fieldEntityAlert, nil)
	}
	if e.HasShape {
		b = appendMessage(b, fieldEntityShape, nil)
	}
	if e.HasStop {
		b = appendMessage(b, fieldEntityStop, nil)
	}
	if e.HasTripModifications {
		b = appendMessage(b, fieldEntityTripModifications, nil)
	}
	return b
}

func encodeVehicle(v *VehiclePosition) []byte {
	var b []byte
	if v.Trip != nil {
		b = appendMessage(b, fieldVehicleTrip, encodeTrip(v.Trip))
	}
	if v.Position != nil {
		b = appendMessage(b, fieldVehiclePosition, encodePosition(v.Position))
	}
	if v.CurrentStopSequence != nil {
		b = appendVarint(b, fieldVehicleCurrentStopSequence, uint64(*v.CurrentStopSequence))
	}
	if v.CurrentStatus != nil {
		b = appendVarint(b, fieldVehicleCurrentStatus, uint64(*v.CurrentStatus))
	}
	if v.Timestamp != nil {
		b = appendVarint(b, fieldVehicleTimestamp, *v.Timestamp)
	}
	if v.CongestionLevel != nil {
		b = appendVarint(b, fieldVehicleCongestionLevel, uint64(*v.CongestionLevel))
	}
	if v.StopID != nil {
		b = appendString(b, fieldVehicleStopID, *v.StopID)
	}
	if v.Vehicle != nil {
		b = appendMessage(b, fieldVehicleDescriptor, encodeDescriptor(v.Vehicle))
	}
	if v.OccupancyStatus != nil {
		b = appendVarint(b, fieldVehicleOccupancyStatus, uint64(*v.OccupancyStatus))
	}
	if v.OccupancyPercentage != nil {
		b = appendVarint(b, fieldVehicleOccupancyPercentage, uint64(*v.OccupancyPercentage))
	}
	for i := 0; i < v.MultiCarriageDetails; i++ {
		b = appendMessage(b, fieldVehicleMultiCarriage, nil)
	}
	return b
}

func encodeTrip(t *TripDescriptor) []byte {
	var b []byte
	if t.TripID != nil {
		b = appendString(b, fieldTripID, *t.TripID)
	}
	if t.StartTime != nil {
		b = appendString(b, fieldTripStartTime, *t.StartTime)
	}
	if t.StartDate != nil {
		b = appendString(b, fieldTripStartDate, *t.StartDate)
	}
	if t.RouteID != nil {
		b = appendString(b, fieldTripRouteID, *t.RouteID)
	}
	if t.DirectionID != nil {
		b = appendVarint(b, fieldTripDirectionID, uint64(*t.DirectionID))
	}
	return b
}

func encodeDescriptor(d *VehicleDescriptor) []byte {
	var b []byte
	if d.ID != nil {
		b = appendString(b, fieldDescriptorID, *d.ID)
	}
	if d.Label != nil {
		b = appendString(b, fieldDescriptorLabel, *d.Label)
	}
	if d.LicensePlate != nil {
		b = appendString(b, fieldDescriptorLicensePlate, *d.LicensePlate)
	}
	if d.WheelchairAccessible != nil {
		b = appendVarint(b, fieldDescriptorWheelchair, uint64(*d.WheelchairAccessible))
	}
	return b
}

func encodePosition(p *Position) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldPositionLatitude, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, math.Float32bits(p.Latitude))
	b = protowire.AppendTag(b, fieldPositionLongitude, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, math.Float32bits(p.Longitude))
	if p.Bearing != nil {
		b = protowire.AppendTag(b, fieldPositionBearing, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(*p.Bearing))
	}
	if p.Odometer != nil {
		b = protowire.AppendTag(b, fieldPositionOdometer, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(*p.Odometer))
	}
	if p.Speed != nil {
		b = protowire.AppendTag(b, fieldPositionSpeed, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(*p.Speed))
	}
	return b
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}
