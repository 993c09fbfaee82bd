package env

import (
	"math"

	"flexipod/pkg/protocol"
)

// Box is a symmetric bounded space: every element lies in [-High[i], High[i]].
type Box struct {
	High []float32
}

func (b Box) Len() int { return len(b.High) }

func (b Box) Low() []float32 {
	low := make([]float32, len(b.High))
	for i, h := range b.High {
		low[i] = -h
	}
	return low
}

// Contains reports whether v has the right length and lies inside the bounds.
func (b Box) Contains(v []float32) bool {
	if len(v) != len(b.High) {
		return false
	}
	for i, x := range v {
		if x < -b.High[i] || x > b.High[i] {
			return false
		}
	}
	return true
}

// Clip returns a copy of action limited to the bounds.
func (b Box) Clip(action []float64) []float64 {
	out := make([]float64, len(action))
	for i, x := range action {
		h := 1.0
		if i < len(b.High) {
			h = float64(b.High[i])
		}
		out[i] = math.Max(-h, math.Min(h, x))
	}
	return out
}

var observationBounds = map[string]float32{
	protocol.FieldJointPos:    math.Pi,
	protocol.FieldJointVel:    10,
	protocol.FieldActuation:   1,
	protocol.FieldOrientation: 1,
	protocol.FieldAngVel:      30,
	protocol.FieldComAcc:      30,
	protocol.FieldComVel:      2,
}

const heightBound = 1

// Spaces returns the action and observation bounds for dof joints.
func Spaces(dof int) (action, observation Box) {
	action.High = make([]float32, dof)
	for i := range action.High {
		action.High[i] = 1
	}

	observation.High = make([]float32, 0, ObservationSize(dof))
	for _, name := range observationFields {
		bound := observationBounds[name]
		for i := 0; i < protocol.FieldLen(name, dof); i++ {
			observation.High = append(observation.High, bound)
		}
	}
	observation.High = append(observation.High, heightBound)
	return action, observation
}
