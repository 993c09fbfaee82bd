package env

import (
	"math"

	"flexipod/pkg/protocol"
)

// Shaping holds the reward and termination constants.
type Shaping struct {
	UprightThreshold float64 // done when orientation_z drops below
	HeightThreshold  float64 // done when com height drops below
	HeightGain       float64
	SpeedPenalty     float64
	SpeedCap         float64
}

func DefaultShaping() Shaping {
	return Shaping{
		UprightThreshold: 0.8,
		HeightThreshold:  0.3,
		HeightGain:       2,
		SpeedPenalty:     0.2,
		SpeedCap:         1,
	}
}

// observationFields are concatenated in this order, followed by the com height.
var observationFields = [...]string{
	protocol.FieldJointPos,
	protocol.FieldJointVel,
	protocol.FieldActuation,
	protocol.FieldOrientation,
	protocol.FieldAngVel,
	protocol.FieldComAcc,
	protocol.FieldComVel,
}

const (
	verticalIndex = 2
	heightIndex   = 2
)

// ObservationSize is the observation length for a robot with dof joints.
func ObservationSize(dof int) int {
	n := 1
	for _, name := range observationFields {
		n += protocol.FieldLen(name, dof)
	}
	return n
}

// Reduce turns one telemetry frame into an observation, a shaped reward and
// the termination flag. It only looks at the given frame.
func Reduce(frame protocol.Frame, s Shaping) ([]float32, float64, bool) {
	obs := make([]float32, 0, ObservationSize(frame.DOF()))
	for _, name := range observationFields {
		values, _ := frame.Vector(name)
		for _, v := range values {
			obs = append(obs, float32(v))
		}
	}
	height := component(frame.ComPos, heightIndex)
	obs = append(obs, float32(height))

	upright := component(frame.Orientation, verticalIndex)
	speed := norm(frame.ComVel)

	reward := upright - s.UprightThreshold +
		s.HeightGain*(height-s.HeightThreshold) -
		s.SpeedPenalty*math.Min(s.SpeedCap, speed)
	done := upright < s.UprightThreshold || height < s.HeightThreshold
	return obs, reward, done
}

func component(v []float64, i int) float64 {
	if i < len(v) {
		return v[i]
	}
	return 0
}

func norm(v []float64) float64 {
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	return math.Sqrt(sum)
}
