package wire_test

import (
	"testing"

	"github.com/astrobox-ng/edge/value"
	"github.com/astrobox-ng/edge/wire"
	"github.com/golang/protobuf/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageRoundTrip(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		m    wire.Message
	}{
		{"command/write", &wire.Command{ID: 9, Opcode: 2, Handle: "led0", Value: value.Bool(true), TimeoutMs: 250}},
		{"command/empty", &wire.Command{}},
		{"response/float", &wire.CommandResponse{ID: 9, State: 2, Value: value.Float(21.0625)}},
		{"response/error", &wire.CommandResponse{ID: 10, State: 3, Code: 7, Message: "i2c nack"}},
		{"response/bytes", &wire.CommandResponse{ID: 11, State: 2, Value: value.Bytes([]byte{0, 1})}},
		{"telemetry", &wire.Telemetry{Seq: 4, Part: 1, Parts: 2, TimeMs: 1700000000000, Samples: []wire.Sample{
			{Handle: "temp0", TimeMs: 1700000000001, Value: value.Float(-3.5)},
			{Handle: "temp1", TimeMs: 1700000000002, Fault: "hardware fault"},
			{Handle: "mem", TimeMs: 1700000000003, Value: value.Int(-1)},
		}}},
		{"handshake", &wire.Handshake{Version: 1, MinVersion: 1, DeviceID: "dev", BootID: []byte{1, 2, 3}, Build: "v0.1"}},
		{"handshake/incompatible", &wire.Handshake{Version: 1, Code: wire.HandshakeIncompatibleProtocol}},
		{"cancel", &wire.Cancel{ID: 1<<32 - 1}},
		{"heartbeat", &wire.Heartbeat{Seq: 2, Acks: []uint32{0, 5, 6}}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			f := wire.EncodeMessage(c.m)
			b := wire.Encode(f)
			f2, _, err := wire.Decode(b, wire.MaxFrameSizeWire)
			require.NoError(t, err)
			m2, err := wire.DecodeMessage(f2)
			require.NoError(t, err)
			assert.Equal(t, c.m, m2)
		})
	}
}

func TestMessageUnknownFieldsSkipped(t *testing.T) {
	t.Parallel()

	pb := proto.NewBuffer(nil)
	// future fields of all wire types around known id=1
	require.NoError(t, pb.EncodeVarint(15<<3|0))
	require.NoError(t, pb.EncodeVarint(300))
	require.NoError(t, pb.EncodeVarint(1<<3|0))
	require.NoError(t, pb.EncodeVarint(77))
	require.NoError(t, pb.EncodeVarint(16<<3|1))
	require.NoError(t, pb.EncodeFixed64(1))
	require.NoError(t, pb.EncodeVarint(17<<3|2))
	require.NoError(t, pb.EncodeStringBytes("later"))
	require.NoError(t, pb.EncodeVarint(18<<3|5))
	require.NoError(t, pb.EncodeFixed32(2))

	m, err := wire.DecodeMessage(wire.Frame{Type: wire.TypeCancel, Payload: pb.Bytes()})
	require.NoError(t, err)
	assert.Equal(t, &wire.Cancel{ID: 77}, m)
}

func TestMessagePackedAcks(t *testing.T) {
	t.Parallel()

	packed := proto.NewBuffer(nil)
	for _, id := range []uint64{3, 400, 5} {
		require.NoError(t, packed.EncodeVarint(id))
	}
	pb := proto.NewBuffer(nil)
	require.NoError(t, pb.EncodeVarint(2<<3|2))
	require.NoError(t, pb.EncodeRawBytes(packed.Bytes()))
	var hb wire.Heartbeat
	require.NoError(t, wire.Unmarshal(wire.Frame{Type: wire.TypeHeartbeat, Payload: pb.Bytes()}, &hb))
	assert.Equal(t, []uint32{3, 400, 5}, hb.Acks)
}

func TestMessageDecodeError(t *testing.T) {
	t.Parallel()

	_, err := wire.DecodeMessage(wire.Frame{Type: wire.TypeCommand, Payload: []byte{0x0a, 0x05, 'a'}})
	assert.Error(t, err)
	_, err = wire.DecodeMessage(wire.Frame{Type: 0x33})
	assert.True(t, wire.IsKind(err, wire.UnknownType))
	err = wire.Unmarshal(wire.Frame{Type: wire.TypeCancel}, &wire.Heartbeat{})
	assert.Error(t, err)
}

func TestSampleSize(t *testing.T) {
	t.Parallel()

	s := wire.Sample{Handle: "temp0", TimeMs: 1700000000000, Value: value.Float(1)}
	base := wire.EncodeMessage(&wire.Telemetry{Seq: 1})
	with := wire.EncodeMessage(&wire.Telemetry{Seq: 1, Samples: []wire.Sample{s}})
	assert.Equal(t, len(with.Payload)-len(base.Payload), s.EncodedSize())
	assert.True(t, wire.TelemetryOverhead(1, 1700000000000) >= wire.Overhead+len(base.Payload))
}

func TestMessageFieldWidth(t *testing.T) {
	t.Parallel()

	varints := func(kv ...uint64) []byte {
		pb := proto.NewBuffer(nil)
		for i := 0; i < len(kv); i += 2 {
			require.NoError(t, pb.EncodeVarint(kv[i]<<3))
			require.NoError(t, pb.EncodeVarint(kv[i+1]))
		}
		return pb.Bytes()
	}

	m, err := wire.DecodeMessage(wire.Frame{Type: wire.TypeCommand, Payload: varints(1, 5, 2, 0x101)})
	require.NoError(t, err)
	assert.Equal(t, uint32(0x101), m.(*wire.Command).Opcode)

	cases := []struct {
		name string
		typ  wire.Type
		b    []byte
	}{
		{"command-id", wire.TypeCommand, varints(1, 1<<32|5)},
		{"command-opcode", wire.TypeCommand, varints(2, 1<<32|1)},
		{"response-state", wire.TypeCommandResponse, varints(2, 0x102)},
		{"response-code", wire.TypeCommandResponse, varints(3, 0x10001)},
		{"cancel-id", wire.TypeCancel, varints(1, 1<<33)},
		{"heartbeat-ack", wire.TypeHeartbeat, varints(2, 1<<32)},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			_, err := wire.DecodeMessage(wire.Frame{Type: c.typ, Payload: c.b})
			require.Error(t, err)
			assert.Contains(t, err.Error(), "overflows")
		})
	}
}
