package gtfsrt

import (
	"errors"
	"fmt"
	"math"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformed is wrapped by every structural decode failure.
var ErrMalformed = errors.New("malformed gtfs-rt payload")

// Field numbers from gtfs-realtime.proto.
const (
	fieldFeedHeader = 1
	fieldFeedEntity = 2

	fieldHeaderVersion        = 1
	fieldHeaderIncrementality = 2
	fieldHeaderTimestamp      = 3
	fieldHeaderFeedVersion    = 4

	fieldEntityID                = 1
	fieldEntityIsDeleted         = 2
	fieldEntityTripUpdate        = 3
	fieldEntityVehicle           = 4
	fieldEntityAlert             = 5
	fieldEntityShape             = 6
	fieldEntityStop              = 7
	fieldEntityTripModifications = 8

	fieldVehicleTrip                = 1
	fieldVehiclePosition            = 2
	fieldVehicleCurrentStopSequence = 3
	fieldVehicleCurrentStatus       = 4
	fieldVehicleTimestamp           = 5
	fieldVehicleCongestionLevel     = 6
	fieldVehicleStopID              = 7
	fieldVehicleDescriptor          = 8
	fieldVehicleOccupancyStatus     = 9
	fieldVehicleOccupancyPercentage = 10
	fieldVehicleMultiCarriage       = 11

	fieldTripID                   = 1
	fieldTripStartTime            = 2
	fieldTripStartDate            = 3
	fieldTripScheduleRelationship = 4
	fieldTripRouteID              = 5
	fieldTripDirectionID          = 6
	fieldTripModifiedTrip         = 7

	fieldDescriptorID           = 1
	fieldDescriptorLabel        = 2
	fieldDescriptorLicensePlate = 3
	fieldDescriptorWheelchair   = 4

	fieldPositionLatitude  = 1
	fieldPositionLongitude = 2
	fieldPositionBearing   = 3
	fieldPositionOdometer  = 4
	fieldPositionSpeed     = 5
)

// Wire types of the fields this package knows about, per message. A known
// field arriving with any other wire type makes the payload malformed; unknown
// fields are skipped.
var (
	feedFields = fieldTypes{
		fieldFeedHeader: protowire.BytesType,
		fieldFeedEntity: protowire.BytesType,
	}
	headerFields = fieldTypes{
		fieldHeaderVersion:        protowire.BytesType,
		fieldHeaderIncrementality: protowire.VarintType,
		fieldHeaderTimestamp:      protowire.VarintType,
		fieldHeaderFeedVersion:    protowire.BytesType,
	}
	entityFields = fieldTypes{
		fieldEntityID:                protowire.BytesType,
		fieldEntityIsDeleted:         protowire.VarintType,
		fieldEntityTripUpdate:        protowire.BytesType,
		fieldEntityVehicle:           protowire.BytesType,
		fieldEntityAlert:             protowire.BytesType,
		fieldEntityShape:             protowire.BytesType,
		fieldEntityStop:              protowire.BytesType,
		fieldEntityTripModifications: protowire.BytesType,
	}
	vehicleFields = fieldTypes{
		fieldVehicleTrip:                protowire.BytesType,
		fieldVehiclePosition:            protowire.BytesType,
		fieldVehicleCurrentStopSequence: protowire.VarintType,
		fieldVehicleCurrentStatus:       protowire.VarintType,
		fieldVehicleTimestamp:           protowire.VarintType,
		fieldVehicleCongestionLevel:     protowire.VarintType,
		fieldVehicleStopID:              protowire.BytesType,
		fieldVehicleDescriptor:          protowire.BytesType,
		fieldVehicleOccupancyStatus:     protowire.VarintType,
		fieldVehicleOccupancyPercentage: protowire.VarintType,
		fieldVehicleMultiCarriage:       protowire.BytesType,
	}
	tripFields = fieldTypes{
		fieldTripID:                   protowire.BytesType,
		fieldTripStartTime:            protowire.BytesType,
		fieldTripStartDate:            protowire.BytesType,
		fieldTripScheduleRelationship: protowire.VarintType,
		fieldTripRouteID:              protowire.BytesType,
		fieldTripDirectionID:          protowire.VarintType,
		fieldTripModifiedTrip:         protowire.BytesType,
	}
	descriptorFields = fieldTypes{
		fieldDescriptorID:           protowire.BytesType,
		fieldDescriptorLabel:        protowire.BytesType,
		fieldDescriptorLicensePlate: protowire.BytesType,
		fieldDescriptorWheelchair:   protowire.VarintType,
	}
	positionFields = fieldTypes{
		fieldPositionLatitude:  protowire.Fixed32Type,
		fieldPositionLongitude: protowire.Fixed32Type,
		fieldPositionBearing:   protowire.Fixed32Type,
		fieldPositionOdometer:  protowire.Fixed64Type,
		fieldPositionSpeed:     protowire.Fixed32Type,
	}
)

// Decode parses protobuf-encoded GTFS-RT bytes. Empty input is a valid, empty
// feed. Unknown fields are skipped. A known field with the wrong wire type or
// a string field that is not valid UTF-8 fails with ErrMalformed.
func Decode(b []byte) (*FeedMessage, error) {
	msg := &FeedMessage{}
	err := walk(b, feedFields, func(num protowire.Number, v value) error {
		switch num {
		case fieldFeedHeader:
			return decodeHeader(v.bytes, &msg.Header)
		case fieldFeedEntity:
			var e Entity
			if err := decodeEntity(v.bytes, &e); err != nil {
				return fmt.Errorf("entity %d: %w", len(msg.Entities), err)
			}
			msg.Entities = append(msg.Entities, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// value holds the decoded payload of one field, populated according to its wire type.
type value struct {
	bytes []byte
	u64   uint64
}

// str returns the field as a string, rejecting invalid UTF-8.
func (v value) str() (string, error) {
	if !utf8.Valid(v.bytes) {
		return "", malformed(errors.New("string field is not valid UTF-8"))
	}
	return string(v.bytes), nil
}

func (v value) strPtr() (*string, error) {
	s, err := v.str()
	if err != nil {
		return nil, err
	}
	return &s, nil
}

type fieldTypes map[protowire.Number]protowire.Type

type fieldFunc func(num protowire.Number, v value) error

// walk visits every field of one message. Only fields listed in known reach fn.
func walk(b []byte, known fieldTypes, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return malformed(protowire.ParseError(n))
		}
		b = b[n:]

		var v value
		switch typ {
		case protowire.VarintType:
			v.u64, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var u32 uint32
			u32, n = protowire.ConsumeFixed32(b)
			v.u64 = uint64(u32)
		case protowire.Fixed64Type:
			v.u64, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			v.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return malformed(protowire.ParseError(n))
		}
		b = b[n:]

		want, ok := known[num]
		if !ok {
			continue
		}
		if typ != want {
			return malformed(fmt.Errorf("field %d has wire type %d, want %d", num, typ, want))
		}
		if err := fn(num, v); err != nil {
			return err
		}
	}
	return nil
}

func malformed(err error) error {
	return fmt.Errorf("%w: %v", ErrMalformed, err)
}

func decodeHeader(b []byte, h *FeedHeader) error {
	return walk(b, headerFields, func(num protowire.Number, v value) error {
		var err error
		switch num {
		case fieldHeaderVersion:
			h.Version, err = v.str()
		case fieldHeaderIncrementality:
			h.Incrementality = ptr(int32(v.u64))
		case fieldHeaderTimestamp:
			h.Timestamp = ptr(v.u64)
		case fieldHeaderFeedVersion:
			h.FeedVersion, err = v.strPtr()
		}
		return err
	})
}

func decodeEntity(b []byte, e *Entity) error {
	return walk(b, entityFields, func(num protowire.Number, v value) error {
		var err error
		switch num {
		case fieldEntityID:
			e.ID, err = v.str()
		case fieldEntityIsDeleted:
			e.IsDeleted = protowire.DecodeBool(v.u64)
		case fieldEntityVehicle:
			if e.Vehicle == nil {
				e.Vehicle = &VehiclePosition{}
			}
			err = decodeVehicle(v.bytes, e.Vehicle)
		case fieldEntityTripUpdate:
			e.HasTripUpdate = true
		case fieldEntityAlert:
			e.HasAlert = true
		case fieldEntityShape:
			e.HasShape = true
		case fieldEntityStop:
			e.HasStop = true
		case fieldEntityTripModifications:
			e.HasTripModifications = true
		}
		return err
	})
}

func decodeVehicle(b []byte, vp *VehiclePosition) error {
	return walk(b, vehicleFields, func(num protowire.Number, v value) error {
		var err error
		switch num {
		case fieldVehicleTrip:
			if vp.Trip == nil {
				vp.Trip = &TripDescriptor{}
			}
			err = decodeTrip(v.bytes, vp.Trip)
		case fieldVehiclePosition:
			if vp.Position == nil {
				vp.Position = &Position{}
			}
			err = decodePosition(v.bytes, vp.Position)
		case fieldVehicleDescriptor:
			if vp.Vehicle == nil {
				vp.Vehicle = &VehicleDescriptor{}
			}
			err = decodeDescriptor(v.bytes, vp.Vehicle)
		case fieldVehicleStopID:
			vp.StopID, err = v.strPtr()
		case fieldVehicleMultiCarriage:
			vp.MultiCarriageDetails++
		case fieldVehicleCurrentStopSequence:
			vp.CurrentStopSequence = ptr(uint32(v.u64))
		case fieldVehicleCurrentStatus:
			vp.CurrentStatus = ptr(int32(v.u64))
		case fieldVehicleTimestamp:
			vp.Timestamp = ptr(v.u64)
		case fieldVehicleCongestionLevel:
			vp.CongestionLevel = ptr(int32(v.u64))
		case fieldVehicleOccupancyStatus:
			vp.OccupancyStatus = ptr(int32(v.u64))
		case fieldVehicleOccupancyPercentage:
			vp.OccupancyPercentage = ptr(uint32(v.u64))
		}
		return err
	})
}

func decodeTrip(b []byte, t *TripDescriptor) error {
	return walk(b, tripFields, func(num protowire.Number, v value) error {
		var err error
		switch num {
		case fieldTripID:
			t.TripID, err = v.strPtr()
		case fieldTripStartTime:
			t.StartTime, err = v.strPtr()
		case fieldTripStartDate:
			t.StartDate, err = v.strPtr()
		case fieldTripRouteID:
			t.RouteID, err = v.strPtr()
		case fieldTripDirectionID:
			t.DirectionID = ptr(uint32(v.u64))
		}
		return err
	})
}

func decodeDescriptor(b []byte, d *VehicleDescriptor) error {
	return walk(b, descriptorFields, func(num protowire.Number, v value) error {
		var err error
		switch num {
		case fieldDescriptorID:
			d.ID, err = v.strPtr()
		case fieldDescriptorLabel:
			d.Label, err = v.strPtr()
		case fieldDescriptorLicensePlate:
			d.LicensePlate, err = v.strPtr()
		case fieldDescriptorWheelchair:
			d.WheelchairAccessible = ptr(int32(v.u64))
		}
		return err
	})
}

func decodePosition(b []byte, p *Position) error {
	return walk(b, positionFields, func(num protowire.Number, v value) error {
		switch num {
		case fieldPositionLatitude:
			p.Latitude = math.Float32frombits(uint32(v.u64))
		case fieldPositionLongitude:
			p.Longitude = math.Float32frombits(uint32(v.u64))
		case fieldPositionBearing:
			p.Bearing = ptr(math.Float32frombits(uint32(v.u64)))
		case fieldPositionOdometer:
			p.Odometer = ptr(math.Float64frombits(v.u64))
		case fieldPositionSpeed:
			p.Speed = ptr(math.Float32frombits(uint32(v.u64)))
		}
		return nil
	})
}

func ptr[T any](v T) *T {
	return &v
}
