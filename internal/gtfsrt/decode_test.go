package gtfsrt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestDecodeEmptyBytesReturnsEmptyFeed(t *testing.T) {
	t.Parallel()

	msg, err := Decode(nil)
	require.NoError(t, err)
	assert.Empty(t, msg.Header.Version)
	assert.Empty(t, msg.Entities)
}

func TestDecodeInvalidBytes(t *testing.T) {
	t.Parallel()

	_, err := Decode([]byte{0xFF, 0xFE, 0x00, 0x01})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeTruncatedEntity(t *testing.T) {
	t.Parallel()

	full := Encode(&FeedMessage{
		Header:   FeedHeader{Version: "2.0"},
		Entities: []Entity{{ID: "v1", Vehicle: &VehiclePosition{StopID: ptr("s1")}}},
	})
	_, err := Decode(full[:len(full)-2])
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeMinimalHeader(t *testing.T) {
	t.Parallel()

	b := Encode(&FeedMessage{Header: FeedHeader{Version: "2.0", Timestamp: ptr(uint64(1234567890))}})
	msg, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, "2.0", msg.Header.Version)
	require.NotNil(t, msg.Header.Timestamp)
	assert.Equal(t, uint64(1234567890), *msg.Header.Timestamp)
}

func TestDecodeRoundTripVehicle(t *testing.T) {
	t.Parallel()

	in := &FeedMessage{
		Header: FeedHeader{Version: "2.0"},
		Entities: []Entity{
			{
				ID: "v1",
				Vehicle: &VehiclePosition{
					Trip:                 &TripDescriptor{TripID: ptr("t1"), RouteID: ptr("r1"), DirectionID: ptr(uint32(1))},
					Vehicle:              &VehicleDescriptor{ID: ptr("bus-42"), Label: ptr("42"), WheelchairAccessible: ptr(int32(1))},
					Position:             &Position{Latitude: 42, Longitude: -71, Bearing: ptr(float32(180)), Odometer: ptr(1000.5)},
					CurrentStopSequence:  ptr(uint32(5)),
					StopID:               ptr("stop-1"),
					Timestamp:            ptr(uint64(99)),
					OccupancyPercentage:  ptr(uint32(50)),
					MultiCarriageDetails: 2,
				},
			},
			{ID: "tu1", HasTripUpdate: true},
			{ID: "a1", HasAlert: true, IsDeleted: true},
		},
	}

	out, err := Decode(Encode(in))
	require.NoError(t, err)
	require.Len(t, out.Entities, 3)

	v := out.Entities[0].Vehicle
	require.NotNil(t, v)
	assert.Equal(t, "t1", *v.Trip.TripID)
	assert.Equal(t, "r1", *v.Trip.RouteID)
	assert.Equal(t, uint32(1), *v.Trip.DirectionID)
	assert.Equal(t, "bus-42", *v.Vehicle.ID)
	assert.Nil(t, v.Vehicle.LicensePlate)
	assert.Equal(t, int32(1), *v.Vehicle.WheelchairAccessible)
	assert.InDelta(t, 42, v.Position.Latitude, 0.0001)
	assert.InDelta(t, 180, *v.Position.Bearing, 0.0001)
	assert.Nil(t, v.Position.Speed)
	assert.InDelta(t, 1000.5, *v.Position.Odometer, 0.0001)
	assert.Equal(t, uint32(5), *v.CurrentStopSequence)
	assert.Equal(t, "stop-1", *v.StopID)
	assert.Nil(t, v.CurrentStatus)
	assert.Equal(t, 2, v.MultiCarriageDetails)

	assert.True(t, out.Entities[1].HasTripUpdate)
	assert.Nil(t, out.Entities[1].Vehicle)
	assert.True(t, out.Entities[2].HasAlert)
	assert.True(t, out.Entities[2].IsDeleted)
}

func TestDecodeSkipsUnknownFields(t *testing.T) {
	t.Parallel()

	b := Encode(&FeedMessage{Header: FeedHeader{Version: "2.0"}})
	b = protowire.AppendTag(b, 1000, protowire.VarintType)
	b = protowire.AppendVarint(b, 7)
	b = protowire.AppendTag(b, 1001, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte("extension"))

	msg, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, "2.0", msg.Header.Version)
}

func TestDecodeRejectsWrongWireTypeForKnownField(t *testing.T) {
	t.Parallel()

	entityIDAsVarint := protowire.AppendTag(nil, fieldEntityID, protowire.VarintType)
	entityIDAsVarint = protowire.AppendVarint(entityIDAsVarint, 1)

	latitudeAsVarint := protowire.AppendTag(nil, fieldPositionLatitude, protowire.VarintType)
	latitudeAsVarint = protowire.AppendVarint(latitudeAsVarint, 42)
	vehicle := protowire.AppendTag(nil, fieldVehiclePosition, protowire.BytesType)
	vehicle = protowire.AppendBytes(vehicle, latitudeAsVarint)
	entityWithBadPosition := protowire.AppendTag(nil, fieldEntityVehicle, protowire.BytesType)
	entityWithBadPosition = protowire.AppendBytes(entityWithBadPosition, vehicle)

	entityAsVarint := protowire.AppendTag(nil, fieldFeedEntity, protowire.VarintType)
	entityAsVarint = protowire.AppendVarint(entityAsVarint, 3)

	tests := map[string][]byte{
		"entity id":       appendEntity(nil, entityIDAsVarint),
		"nested position": appendEntity(nil, entityWithBadPosition),
		"entity":          entityAsVarint,
	}
	for name, b := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			msg, err := Decode(b)
			require.Error(t, err)
			assert.Nil(t, msg)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestDecodeRejectsInvalidUTF8(t *testing.T) {
	t.Parallel()

	bad := []byte{0xff, 0xfe}
	entityID := protowire.AppendTag(nil, fieldEntityID, protowire.BytesType)
	entityID = protowire.AppendBytes(entityID, bad)

	stop := protowire.AppendTag(nil, fieldVehicleStopID, protowire.BytesType)
	stop = protowire.AppendBytes(stop, bad)
	vehicleStop := protowire.AppendTag(nil, fieldEntityVehicle, protowire.BytesType)
	vehicleStop = protowire.AppendBytes(vehicleStop, stop)

	version := protowire.AppendTag(nil, fieldHeaderVersion, protowire.BytesType)
	version = protowire.AppendBytes(version, bad)
	header := protowire.AppendTag(nil, fieldFeedHeader, protowire.BytesType)
	header = protowire.AppendBytes(header, version)

	tests := map[string][]byte{
		"entity id":      appendEntity(nil, entityID),
		"stop id":        appendEntity(nil, vehicleStop),
		"header version": header,
	}
	for name, b := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := Decode(b)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestDecodeSkipsUnknownFieldOfAnyWireType(t *testing.T) {
	t.Parallel()

	entity := protowire.AppendTag(nil, fieldEntityID, protowire.BytesType)
	entity = protowire.AppendBytes(entity, []byte("v1"))
	entity = protowire.AppendTag(entity, 99, protowire.Fixed64Type)
	entity = protowire.AppendFixed64(entity, 1)

	msg, err := Decode(appendEntity(nil, entity))
	require.NoError(t, err)
	require.Len(t, msg.Entities, 1)
	assert.Equal(t, "v1", msg.Entities[0].ID)
}

func appendEntity(b, entity []byte) []byte {
	b = protowire.AppendTag(b, fieldFeedEntity, protowire.BytesType)
	return protowire.AppendBytes(b, entity)
}
