package protocol

import (
	"fmt"
	"strings"
	"time"
)

// Command is one outbound message. Build a fresh value per send.
type Command struct {
	Opcode    Opcode
	Timestamp float64 // wall-clock seconds
	Payload   []float64
}

// NewControlCommand returns a zero-payload control command (reset, pause, ...).
func NewControlCommand(op Opcode, ts float64) Command {
	return Command{Opcode: op, Timestamp: ts, Payload: make([]float64, ControlPayloadLen)}
}

// Validate checks the payload length rules for the command's opcode.
func (c Command) Validate(dof int) error {
	switch {
	case c.Opcode.IsControl():
		if len(c.Payload) != ControlPayloadLen {
			return fmt.Errorf("%s payload has %d values, want %d", c.Opcode, len(c.Payload), ControlPayloadLen)
		}
		for _, v := range c.Payload {
			if v != 0 {
				return fmt.Errorf("%s payload must be all zero", c.Opcode)
			}
		}
	case c.Opcode.IsMotorCommand():
		if len(c.Payload) != dof {
			return fmt.Errorf("%s payload has %d values, want %d", c.Opcode, len(c.Payload), dof)
		}
	default:
		return fmt.Errorf("opcode %s cannot be sent", c.Opcode)
	}
	return nil
}

// Frame is one decoded telemetry message. Field order on the wire follows
// frameLayout; see FieldNames.
type Frame struct {
	Header      int64
	SimTime     float64   // seconds
	JointPos    []float64 // rad
	JointVel    []float64 // rad/s
	Actuation   []float64 // [-1,1]
	Orientation []float64 // 2x3 rotation rows, index 2 is vertical
	AngVel      []float64 // rad/s
	ComAcc      []float64
	ComVel      []float64
	ComPos      []float64
}

const (
	FieldHeader      = "header"
	FieldSimTime     = "t"
	FieldJointPos    = "joint_pos"
	FieldJointVel    = "joint_vel"
	FieldActuation   = "actuation"
	FieldOrientation = "orientation"
	FieldAngVel      = "ang_vel"
	FieldComAcc      = "com_acc"
	FieldComVel      = "com_vel"
	FieldComPos      = "com_pos"
)

const (
	OrientationLen = 6
	VectorLen      = 3
)

type fieldSpec struct {
	name string
	// size returns the sequence length for the given DOF; nil for scalars.
	size func(dof int) int
	ref  func(f *Frame) *[]float64
}

func perJoint(dof int) int { return dof }
func fixed(n int) func(int) int {
	return func(int) int { return n }
}

// frameLayout is the wire order of telemetry fields. FieldIndex is derived from it.
var frameLayout = [...]fieldSpec{
	{name: FieldHeader},
	{name: FieldSimTime},
	{name: FieldJointPos, size: perJoint, ref: func(f *Frame) *[]float64 { return &f.JointPos }},
	{name: FieldJointVel, size: perJoint, ref: func(f *Frame) *[]float64 { return &f.JointVel }},
	{name: FieldActuation, size: perJoint, ref: func(f *Frame) *[]float64 { return &f.Actuation }},
	{name: FieldOrientation, size: fixed(OrientationLen), ref: func(f *Frame) *[]float64 { return &f.Orientation }},
	{name: FieldAngVel, size: fixed(VectorLen), ref: func(f *Frame) *[]float64 { return &f.AngVel }},
	{name: FieldComAcc, size: fixed(VectorLen), ref: func(f *Frame) *[]float64 { return &f.ComAcc }},
	{name: FieldComVel, size: fixed(VectorLen), ref: func(f *Frame) *[]float64 { return &f.ComVel }},
	{name: FieldComPos, size: fixed(VectorLen), ref: func(f *Frame) *[]float64 { return &f.ComPos }},
}

// FrameFields is the number of top-level elements in a telemetry message.
const FrameFields = len(frameLayout)

var fieldIndex = mustBuildFieldIndex(frameLayout[:])

func mustBuildFieldIndex(layout []fieldSpec) map[string]int {
	idx, err := buildFieldIndex(layout)
	if err != nil {
		panic(err)
	}
	return idx
}

func buildFieldIndex(layout []fieldSpec) (map[string]int, error) {
	idx := make(map[string]int, len(layout))
	for i, spec := range layout {
		if spec.name == "" {
			return nil, fmt.Errorf("telemetry field %d has no name", i)
		}
		if prev, ok := idx[spec.name]; ok {
			return nil, fmt.Errorf("telemetry field %q appears at %d and %d", spec.name, prev, i)
		}
		idx[spec.name] = i
	}
	return idx, nil
}

// FieldNames returns the telemetry field names in wire order.
func FieldNames() []string {
	names := make([]string, len(frameLayout))
	for i, spec := range frameLayout {
		names[i] = spec.name
	}
	return names
}

// FieldIndex returns the wire position of a telemetry field.
func FieldIndex(name string) (int, bool) {
	i, ok := fieldIndex[name]
	return i, ok
}

// FieldLen returns the expected sequence length of a vector field, or 0 for scalars.
func FieldLen(name string, dof int) int {
	i, ok := fieldIndex[name]
	if !ok || frameLayout[i].size == nil {
		return 0
	}
	return frameLayout[i].size(dof)
}

// Vector returns a sequence field by name. Scalar and unknown names return false.
func (f *Frame) Vector(name string) ([]float64, bool) {
	i, ok := fieldIndex[name]
	if !ok || frameLayout[i].ref == nil {
		return nil, false
	}
	return *frameLayout[i].ref(f), true
}

// DOF infers the joint count from the joint position field.
func (f *Frame) DOF() int {
	return len(f.JointPos)
}

// Format renders the frame one field per line, in wire order.
func (f *Frame) Format() string {
	var b strings.Builder
	for _, spec := range frameLayout {
		switch spec.name {
		case FieldHeader:
			fmt.Fprintf(&b, "%-12s:%+6.2f\n", spec.name, float64(f.Header))
		case FieldSimTime:
			fmt.Fprintf(&b, "%-12s:%+6.2f\n", spec.name, f.SimTime)
		default:
			values := *spec.ref(f)
			parts := make([]string, len(values))
			for i, v := range values {
				parts[i] = fmt.Sprintf("%+6.2f", v)
			}
			fmt.Fprintf(&b, "%-12s:%s\n", spec.name, strings.Join(parts, ","))
		}
	}
	return b.String()
}

// Transition is the normalized record of one reset or step, fanned out to
// observers (log writer, episode store, visualization).
type Transition struct {
	Episode     string
	Step        int
	Kind        TransitionKind
	Timestamp   time.Time
	Action      []float64
	Observation []float32
	Reward      float64
	Done        bool
	Frame       Frame
}

type TransitionKind string

const (
	TransitionReset TransitionKind = "reset"
	TransitionStep  TransitionKind = "step"
)
