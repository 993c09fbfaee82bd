// Package protocol defines the flexipod simulator wire protocol: opcodes, the
// command and telemetry tuples, and their MessagePack encoding.
package protocol

import (
	"fmt"
	"strconv"
)

// Opcode is the integer tag carried as the first element of every command.
type Opcode int

const (
	OpTerminate                Opcode = -1
	OpStepMotorPositionCommand Opcode = 10
	OpMotorPositionCommand     Opcode = 11
	OpStepMotorVelocityCommand Opcode = 12
	OpMotorVelocityCommand     Opcode = 13
	OpRobotStateReport         Opcode = 14 // inbound only
	OpReset                    Opcode = 15
	OpResume                   Opcode = 16
	OpPause                    Opcode = 17
)

// ControlPayloadLen is the payload length of reset, pause, resume and terminate.
const ControlPayloadLen = 4

var opcodeNames = map[Opcode]string{
	OpTerminate:                "TERMINATE",
	OpStepMotorPositionCommand: "STEP_MOTOR_POSITION_COMMAND",
	OpMotorPositionCommand:     "MOTOR_POSITION_COMMAND",
	OpStepMotorVelocityCommand: "STEP_MOTOR_VELOCITY_COMMAND",
	OpMotorVelocityCommand:     "MOTOR_VELOCITY_COMMAND",
	OpRobotStateReport:         "ROBOT_STATE_REPORT",
	OpReset:                    "RESET",
	OpResume:                   "RESUME",
	OpPause:                    "PAUSE",
}

func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("Opcode(%d)", int(o))
}

// Known reports whether o is part of the opcode table.
func (o Opcode) Known() bool {
	_, ok := opcodeNames[o]
	return ok
}

// IsMotorCommand reports whether o carries one value per joint.
func (o Opcode) IsMotorCommand() bool {
	switch o {
	case OpStepMotorPositionCommand, OpMotorPositionCommand,
		OpStepMotorVelocityCommand, OpMotorVelocityCommand:
		return true
	}
	return false
}

// IsControl reports whether o is a zero-payload episode control command.
func (o Opcode) IsControl() bool {
	switch o {
	case OpTerminate, OpReset, OpResume, OpPause:
		return true
	}
	return false
}

// ParseOpcode resolves either a table name (case-sensitive) or a decimal value.
func ParseOpcode(s string) (Opcode, error) {
	for op, name := range opcodeNames {
		if name == s {
			return op, nil
		}
	}
	if n, err := strconv.Atoi(s); err == nil && Opcode(n).Known() {
		return Opcode(n), nil
	}
	return 0, fmt.Errorf("unknown opcode %q", s)
}
