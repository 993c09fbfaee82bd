package foxglove

import (
	"math"

	"flexipod/pkg/protocol"
)

var identity = Quaternion{W: 1}

// bodyRotation converts the telemetry orientation (body z axis, then body x
// axis, both in world coordinates) into a quaternion. Degenerate input yields
// the identity.
func bodyRotation(orientation []float64) Quaternion {
	if len(orientation) != protocol.OrientationLen {
		return identity
	}
	z, ok := normalize([3]float64{orientation[0], orientation[1], orientation[2]})
	if !ok {
		return identity
	}
	x := [3]float64{orientation[3], orientation[4], orientation[5]}
	d := dot(x, z)
	x, ok = normalize([3]float64{x[0] - d*z[0], x[1] - d*z[1], x[2] - d*z[2]})
	if !ok {
		return identity
	}
	y := cross(z, x)

	// Columns of the rotation matrix are the body axes.
	m00, m01, m02 := x[0], y[0], z[0]
	m10, m11, m12 := x[1], y[1], z[1]
	m20, m21, m22 := x[2], y[2], z[2]

	var q Quaternion
	switch trace := m00 + m11 + m22; {
	case trace > 0:
		s := 0.5 / math.Sqrt(trace+1)
		q = Quaternion{W: 0.25 / s, X: (m21 - m12) * s, Y: (m02 - m20) * s, Z: (m10 - m01) * s}
	case m00 > m11 && m00 > m22:
		s := 2 * math.Sqrt(1+m00-m11-m22)
		q = Quaternion{W: (m21 - m12) / s, X: 0.25 * s, Y: (m01 + m10) / s, Z: (m02 + m20) / s}
	case m11 > m22:
		s := 2 * math.Sqrt(1+m11-m00-m22)
		q = Quaternion{W: (m02 - m20) / s, X: (m01 + m10) / s, Y: 0.25 * s, Z: (m12 + m21) / s}
	default:
		s := 2 * math.Sqrt(1+m22-m00-m11)
		q = Quaternion{W: (m10 - m01) / s, X: (m02 + m20) / s, Y: (m12 + m21) / s, Z: 0.25 * s}
	}
	return q
}

func comPosition(f *protocol.Frame) Vector3 {
	if len(f.ComPos) != protocol.VectorLen {
		return Vector3{}
	}
	return Vector3{X: f.ComPos[0], Y: f.ComPos[1], Z: f.ComPos[2]}
}

func normalize(v [3]float64) ([3]float64, bool) {
	n := math.Sqrt(dot(v, v))
	if n < 1e-9 {
		return v, false
	}
	return [3]float64{v[0] / n, v[1] / n, v[2] / n}, true
}

func dot(a, b [3]float64) float64 {
	return a[0]*b[0] + a[1]*b[1] + a[2]*b[2]
}

func cross(a, b [3]float64) [3]float64 {
	return [3]float64{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}
