package protocol_test

import (
	"bytes"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"flexipod/pkg/protocol"
)

const testDOF = 12

func sampleFrame(dof int) protocol.Frame {
	seq := func(n int, base float64) []float64 {
		out := make([]float64, n)
		for i := range out {
			out[i] = base + 0.125*float64(i)
		}
		return out
	}
	return protocol.Frame{
		Header:      int64(protocol.OpRobotStateReport),
		SimTime:     12.345678901,
		JointPos:    seq(dof, -1.5),
		JointVel:    seq(dof, 0.25),
		Actuation:   seq(dof, -0.75),
		Orientation: []float64{0, 0, 1, 0, 1, 0},
		AngVel:      []float64{0.1, -0.2, 0.3},
		ComAcc:      []float64{0, 0, -9.81},
		ComVel:      []float64{0.3, 0.4, 0},
		ComPos:      []float64{0.1, 0.2, 0.45},
	}
}

func TestFrameRoundTrip(t *testing.T) {
	in := sampleFrame(testDOF)
	data, err := protocol.EncodeFrame(in)
	require.NoError(t, err)
	require.LessOrEqual(t, len(data), 512)

	out, err := protocol.DecodeFrame(data, testDOF)
	require.NoError(t, err)

	require.Equal(t, in.Header, out.Header)
	require.Equal(t, in.SimTime, out.SimTime)
	for _, name := range protocol.FieldNames()[2:] {
		want, _ := in.Vector(name)
		got, ok := out.Vector(name)
		require.True(t, ok, name)
		require.InDeltaSlice(t, want, got, 1e-6, name)
	}
}

func TestCommandRoundTrip(t *testing.T) {
	cmd := protocol.Command{
		Opcode:    protocol.OpMotorVelocityCommand,
		Timestamp: 1729252800.123456,
		Payload:   []float64{0.5, -0.25, 1, -1, 0, 0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7},
	}
	data, err := protocol.EncodeCommand(cmd)
	require.NoError(t, err)

	got, err := protocol.DecodeCommand(data)
	require.NoError(t, err)
	require.Equal(t, cmd.Opcode, got.Opcode)
	require.Equal(t, cmd.Timestamp, got.Timestamp)
	require.InDeltaSlice(t, cmd.Payload, got.Payload, 1e-6)
}

func TestDecodeCommandAcceptsIntegerFields(t *testing.T) {
	// [15, 0, [0, 0, 0, 0]] as packed by a generic MessagePack writer.
	data := []byte{0x93, 0x0f, 0x00, 0x94, 0x00, 0x00, 0x00, 0x00}
	cmd, err := protocol.DecodeCommand(data)
	require.NoError(t, err)
	require.Equal(t, protocol.OpReset, cmd.Opcode)
	require.Equal(t, 0.0, cmd.Timestamp)
	require.Equal(t, []float64{0, 0, 0, 0}, cmd.Payload)
}

func TestDecodeFrameAcceptsDoublesAndInts(t *testing.T) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	require.NoError(t, enc.EncodeArrayLen(protocol.FrameFields))
	require.NoError(t, enc.EncodeInt(14))
	require.NoError(t, enc.EncodeInt(3))
	vec := func(n int, v float64) {
		require.NoError(t, enc.EncodeArrayLen(n))
		for i := 0; i < n; i++ {
			require.NoError(t, enc.EncodeFloat64(v))
		}
	}
	vec(2, 0.5)
	vec(2, 0.5)
	vec(2, 0.5)
	vec(6, 1)
	vec(3, 0)
	vec(3, 0)
	vec(3, 0)
	vec(3, 0.4)

	f, err := protocol.DecodeFrame(buf.Bytes(), 2)
	require.NoError(t, err)
	require.Equal(t, 3.0, f.SimTime)
	require.Equal(t, []float64{0.4, 0.4, 0.4}, f.ComPos)
}

func TestDecodeFrameRejectsShortArity(t *testing.T) {
	for fields := 0; fields < protocol.FrameFields; fields++ {
		var buf bytes.Buffer
		enc := msgpack.NewEncoder(&buf)
		require.NoError(t, enc.EncodeArrayLen(fields))
		for i := 0; i < fields; i++ {
			require.NoError(t, enc.EncodeInt(0))
		}

		f, err := protocol.DecodeFrame(buf.Bytes(), testDOF)
		var decErr *protocol.DecodeError
		require.ErrorAs(t, err, &decErr, "fields=%d", fields)
		require.ErrorIs(t, err, protocol.ErrArity)
		require.Equal(t, protocol.Frame{}, f)
	}
}

func TestDecodeFrameRejectsTruncated(t *testing.T) {
	data, err := protocol.EncodeFrame(sampleFrame(testDOF))
	require.NoError(t, err)

	for _, n := range []int{0, 1, len(data) / 2, len(data) - 1} {
		_, err := protocol.DecodeFrame(data[:n], testDOF)
		var decErr *protocol.DecodeError
		require.ErrorAs(t, err, &decErr, "len=%d", n)
	}
}

func TestDecodeFrameRejectsTrailingBytes(t *testing.T) {
	data, err := protocol.EncodeFrame(sampleFrame(testDOF))
	require.NoError(t, err)

	_, err = protocol.DecodeFrame(append(data, 0xc0), testDOF)
	require.ErrorIs(t, err, protocol.ErrTrailingBytes)
}

func TestDecodeFrameRejectsWrongDOF(t *testing.T) {
	data, err := protocol.EncodeFrame(sampleFrame(6))
	require.NoError(t, err)

	_, err = protocol.DecodeFrame(data, testDOF)
	require.ErrorIs(t, err, protocol.ErrFieldLength)

	var decErr *protocol.DecodeError
	require.True(t, errors.As(err, &decErr))
	require.Equal(t, protocol.FieldJointPos, decErr.Field)
}

func TestDecodeFrameRejectsGarbage(t *testing.T) {
	_, err := protocol.DecodeFrame([]byte("not msgpack at all"), testDOF)
	var decErr *protocol.DecodeError
	require.ErrorAs(t, err, &decErr)
}

func TestEncodeCommandSinglePrecisionPayload(t *testing.T) {
	data, err := protocol.EncodeCommand(protocol.Command{
		Opcode:  protocol.OpMotorVelocityCommand,
		Payload: []float64{math.Pi},
	})
	require.NoError(t, err)
	// fixarray(3), 13, float64 timestamp (9 bytes), fixarray(1), float32 (5 bytes)
	require.Len(t, data, 1+1+9+1+5)
	require.Equal(t, byte(0xca), data[12])
}

// encodeFrameWithNil writes a dof=2 frame where the field at index field
// (and, for vectors, its element elem) is msgpack nil.
func encodeFrameWithNil(t *testing.T, field, elem int) []byte {
	t.Helper()
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	require.NoError(t, enc.EncodeArrayLen(protocol.FrameFields))
	for i, name := range protocol.FieldNames() {
		switch {
		case i == field && i < 2:
			require.NoError(t, enc.EncodeNil())
		case name == protocol.FieldHeader:
			require.NoError(t, enc.EncodeInt(14))
		case name == protocol.FieldSimTime:
			require.NoError(t, enc.EncodeFloat64(1))
		default:
			n := protocol.FieldLen(name, 2)
			require.NoError(t, enc.EncodeArrayLen(n))
			for j := 0; j < n; j++ {
				if i == field && j == elem {
					require.NoError(t, enc.EncodeNil())
					continue
				}
				require.NoError(t, enc.EncodeFloat32(0.9))
			}
		}
	}
	return buf.Bytes()
}

func TestDecodeFrameRejectsNilValues(t *testing.T) {
	orientation, ok := protocol.FieldIndex(protocol.FieldOrientation)
	require.True(t, ok)

	cases := map[string]struct {
		field, elem int
		name        string
	}{
		"header":          {field: 0, name: protocol.FieldHeader},
		"sim_time":        {field: 1, name: protocol.FieldSimTime},
		"orientation z":   {field: orientation, elem: 2, name: protocol.FieldOrientation},
		"first joint pos": {field: 2, elem: 0, name: protocol.FieldJointPos},
	}
	for label, tc := range cases {
		f, err := protocol.DecodeFrame(encodeFrameWithNil(t, tc.field, tc.elem), 2)
		require.ErrorIs(t, err, protocol.ErrNilValue, label)

		var decErr *protocol.DecodeError
		require.ErrorAs(t, err, &decErr, label)
		require.Equal(t, tc.name, decErr.Field, label)
		require.Equal(t, protocol.Frame{}, f, label)
	}

	// Sanity check: the same builder without a nil decodes.
	_, err := protocol.DecodeFrame(encodeFrameWithNil(t, -1, -1), 2)
	require.NoError(t, err)
}

func TestDecodeCommandRejectsNilValues(t *testing.T) {
	for label, data := range map[string][]byte{
		"opcode":    {0x93, 0xc0, 0x00, 0x90},
		"timestamp": {0x93, 0x0f, 0xc0, 0x90},
		"payload":   {0x93, 0x0f, 0x00, 0x91, 0xc0},
	} {
		_, err := protocol.DecodeCommand(data)
		require.ErrorIs(t, err, protocol.ErrNilValue, label)
	}
}

func TestDecodeCommandRejectsOversizedArrayLength(t *testing.T) {
	// [13, 0.0, array32 declaring 0x7fffffff elements] in 16 bytes.
	data := []byte{0x93, 0x0d, 0xcb, 0, 0, 0, 0, 0, 0, 0, 0, 0xdd, 0x7f, 0xff, 0xff, 0xff}
	_, err := protocol.DecodeCommand(data)
	require.ErrorIs(t, err, protocol.ErrFieldLength)

	var decErr *protocol.DecodeError
	require.ErrorAs(t, err, &decErr)
	require.Equal(t, "payload", decErr.Field)
}
