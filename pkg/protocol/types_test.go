package protocol

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFieldIndexMatchesWireOrder(t *testing.T) {
	names := FieldNames()
	require.Len(t, names, FrameFields)
	for i, name := range names {
		idx, ok := FieldIndex(name)
		require.True(t, ok, name)
		require.Equal(t, i, idx, name)
	}
	_, ok := FieldIndex("missing")
	require.False(t, ok)
}

func TestBuildFieldIndexRejectsDuplicates(t *testing.T) {
	_, err := buildFieldIndex([]fieldSpec{{name: "a"}, {name: "b"}, {name: "a"}})
	require.Error(t, err)

	_, err = buildFieldIndex([]fieldSpec{{name: ""}})
	require.Error(t, err)
}

func TestFieldLen(t *testing.T) {
	require.Equal(t, 0, FieldLen(FieldHeader, 12))
	require.Equal(t, 12, FieldLen(FieldJointVel, 12))
	require.Equal(t, OrientationLen, FieldLen(FieldOrientation, 12))
	require.Equal(t, VectorLen, FieldLen(FieldComPos, 12))
}

func TestVectorLookupByName(t *testing.T) {
	f := Frame{Orientation: []float64{1, 2, 3, 4, 5, 6}, ComPos: []float64{0, 0, 0.4}}
	v, ok := f.Vector(FieldOrientation)
	require.True(t, ok)
	require.Equal(t, 3.0, v[2])

	_, ok = f.Vector(FieldSimTime)
	require.False(t, ok)
}

func TestCommandValidate(t *testing.T) {
	require.NoError(t, NewControlCommand(OpReset, 0).Validate(12))
	require.Error(t, Command{Opcode: OpReset, Payload: []float64{0, 0, 0}}.Validate(12))
	require.Error(t, Command{Opcode: OpPause, Payload: []float64{0, 1, 0, 0}}.Validate(12))
	require.NoError(t, Command{Opcode: OpMotorVelocityCommand, Payload: make([]float64, 12)}.Validate(12))
	require.Error(t, Command{Opcode: OpMotorVelocityCommand, Payload: make([]float64, 4)}.Validate(12))
	require.Error(t, Command{Opcode: OpRobotStateReport}.Validate(12))
}

func TestParseOpcode(t *testing.T) {
	op, err := ParseOpcode("MOTOR_VELOCITY_COMMAND")
	require.NoError(t, err)
	require.Equal(t, OpMotorVelocityCommand, op)

	op, err = ParseOpcode("-1")
	require.NoError(t, err)
	require.Equal(t, OpTerminate, op)

	_, err = ParseOpcode("99")
	require.Error(t, err)
	require.Equal(t, "Opcode(99)", Opcode(99).String())
}

func TestFrameFormat(t *testing.T) {
	f := Frame{
		SimTime:     1.5,
		JointPos:    []float64{0.1},
		JointVel:    []float64{0},
		Actuation:   []float64{-1},
		Orientation: make([]float64, 6),
		AngVel:      make([]float64, 3),
		ComAcc:      make([]float64, 3),
		ComVel:      make([]float64, 3),
		ComPos:      []float64{0, 0, 0.5},
	}
	lines := strings.Split(strings.TrimSpace(f.Format()), "\n")
	require.Len(t, lines, FrameFields)
	require.Equal(t, "t           : +1.50", lines[1])
	require.Equal(t, "actuation   : -1.00", lines[4])
	require.True(t, strings.HasPrefix(lines[9], "com_pos     :"))
}
