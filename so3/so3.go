// Package so3 provides Lie-algebra utilities for the group of 3D rotations:
// the exponential and logarithm maps between axis-angle vectors and rotation
// matrices, the right Jacobian of SO(3) and its inverse, and SVD-based
// re-orthonormalization of drifting rotation estimates.
package so3

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// smallAngle is the rotation angle, in radians, below which the closed-form
// maps switch to their small-angle branches.
const smallAngle = 1e-5

// Identity returns a new 3x3 identity matrix.
func Identity() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		1, 0, 0,
		0, 1, 0,
		0, 0, 1,
	})
}

// Skew returns the 3x3 skew-symmetric cross-product matrix of w, such that
// Skew(w)*v == w x v for any vector v.
func Skew(w r3.Vector) *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		0, -w.Z, w.Y,
		w.Z, 0, -w.X,
		-w.Y, w.X, 0,
	})
}

// Normalize projects an arbitrary 3x3 matrix onto the nearest rotation matrix
// via SVD, computing U*V^T. Used to bound numerical drift after repeated
// incremental rotation updates.
func Normalize(r mat.Matrix) *mat.Dense {
	var svd mat.SVD
	svd.Factorize(r, mat.SVDFull)
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	out := mat.NewDense(3, 3, nil)
	out.Mul(&u, v.T())
	return out
}

// Exp maps an axis-angle vector (angle equal to the norm of w) to a rotation
// matrix via Rodrigues' formula. Angles below the small-angle threshold use
// the second-order Taylor expansion I + W + 0.5*W^2 instead, avoiding the
// division by zero. The result is re-orthonormalized.
func Exp(w r3.Vector) *mat.Dense {
	thetaSq := w.Norm2()
	theta := math.Sqrt(thetaSq)
	skewW := Skew(w)
	var skewSq mat.Dense
	skewSq.Mul(skewW, skewW)

	r := mat.NewDense(3, 3, nil)
	if theta < smallAngle {
		var half mat.Dense
		half.Scale(0.5, &skewSq)
		r.Add(Identity(), skewW)
		r.Add(r, &half)
		return Normalize(r)
	}
	var sinTerm, cosTerm mat.Dense
	sinTerm.Scale(math.Sin(theta)/theta, skewW)
	cosTerm.Scale((1-math.Cos(theta))/thetaSq, &skewSq)
	r.Add(Identity(), &sinTerm)
	r.Add(r, &cosTerm)
	return Normalize(r)
}

// Log maps a rotation matrix to its axis-angle vector. The rotation angle is
// recovered from the trace; the axis from the anti-symmetric part. When
// |sin(angle)| falls below the small-angle threshold (near 0 or near pi), the
// raw anti-symmetric extraction is returned without the angle correction.
// Callers must not assume continuity near an angle of pi.
func Log(r mat.Matrix) r3.Vector {
	w := r3.Vector{
		X: (r.At(2, 1) - r.At(1, 2)) / 2.0,
		Y: (r.At(0, 2) - r.At(2, 0)) / 2.0,
		Z: (r.At(1, 0) - r.At(0, 1)) / 2.0,
	}

	cosTheta := (r.At(0, 0) + r.At(1, 1) + r.At(2, 2) - 1.0) * 0.5
	if math.Abs(cosTheta) > 1.0 {
		// No rotation.
		return w
	}

	theta := math.Acos(cosTheta)
	sinTheta := math.Sin(theta)
	if math.Abs(sinTheta) < smallAngle {
		return w
	}
	return w.Mul(theta / sinTheta)
}

// RightJacobian returns the closed-form right Jacobian of SO(3) at w,
// relating additive perturbations of the axis-angle vector to multiplicative
// perturbations of the corresponding rotation. Angles below the small-angle
// threshold return identity.
func RightJacobian(w r3.Vector) *mat.Dense {
	thetaSq := w.Norm2()
	theta := math.Sqrt(thetaSq)
	if theta < smallAngle {
		return Identity()
	}
	skewW := Skew(w)
	var skewSq mat.Dense
	skewSq.Mul(skewW, skewW)

	var a, b mat.Dense
	a.Scale((1-math.Cos(theta))/thetaSq, skewW)
	b.Scale((theta-math.Sin(theta))/(thetaSq*theta), &skewSq)

	out := mat.NewDense(3, 3, nil)
	out.Sub(Identity(), &a)
	out.Add(out, &b)
	return out
}

// InverseRightJacobian returns the inverse of the right Jacobian of SO(3) at
// w. Angles below the small-angle threshold return identity.
func InverseRightJacobian(w r3.Vector) *mat.Dense {
	thetaSq := w.Norm2()
	theta := math.Sqrt(thetaSq)
	if theta < smallAngle {
		return Identity()
	}
	skewW := Skew(w)
	var skewSq mat.Dense
	skewSq.Mul(skewW, skewW)

	var a, b mat.Dense
	a.Scale(0.5, skewW)
	b.Scale(1.0/thetaSq-(1.0+math.Cos(theta))/(2.0*theta*math.Sin(theta)), &skewSq)

	out := mat.NewDense(3, 3, nil)
	out.Add(Identity(), &a)
	out.Add(out, &b)
	return out
}

// Apply multiplies a 3x3 matrix by a 3-vector.
func Apply(m mat.Matrix, v r3.Vector) r3.Vector {
	return r3.Vector{
		X: m.At(0, 0)*v.X + m.At(0, 1)*v.Y + m.At(0, 2)*v.Z,
		Y: m.At(1, 0)*v.X + m.At(1, 1)*v.Y + m.At(1, 2)*v.Z,
		Z: m.At(2, 0)*v.X + m.At(2, 1)*v.Y + m.At(2, 2)*v.Z,
	}
}

// Quat converts a rotation matrix to a unit quaternion. Used by persistence
// records to store rotations compactly.
func Quat(r mat.Matrix) quat.Number {
	tr := r.At(0, 0) + r.At(1, 1) + r.At(2, 2)
	var q quat.Number
	switch {
	case tr > 0:
		s := 2.0 * math.Sqrt(tr+1.0)
		q.Real = 0.25 * s
		q.Imag = (r.At(2, 1) - r.At(1, 2)) / s
		q.Jmag = (r.At(0, 2) - r.At(2, 0)) / s
		q.Kmag = (r.At(1, 0) - r.At(0, 1)) / s
	case r.At(0, 0) > r.At(1, 1) && r.At(0, 0) > r.At(2, 2):
		s := 2.0 * math.Sqrt(1.0+r.At(0, 0)-r.At(1, 1)-r.At(2, 2))
		q.Real = (r.At(2, 1) - r.At(1, 2)) / s
		q.Imag = 0.25 * s
		q.Jmag = (r.At(0, 1) + r.At(1, 0)) / s
		q.Kmag = (r.At(0, 2) + r.At(2, 0)) / s
	case r.At(1, 1) > r.At(2, 2):
		s := 2.0 * math.Sqrt(1.0+r.At(1, 1)-r.At(0, 0)-r.At(2, 2))
		q.Real = (r.At(0, 2) - r.At(2, 0)) / s
		q.Imag = (r.At(0, 1) + r.At(1, 0)) / s
		q.Jmag = 0.25 * s
		q.Kmag = (r.At(1, 2) + r.At(2, 1)) / s
	default:
		s := 2.0 * math.Sqrt(1.0+r.At(2, 2)-r.At(0, 0)-r.At(1, 1))
		q.Real = (r.At(1, 0) - r.At(0, 1)) / s
		q.Imag = (r.At(0, 2) + r.At(2, 0)) / s
		q.Jmag = (r.At(1, 2) + r.At(2, 1)) / s
		q.Kmag = 0.25 * s
	}
	return q
}

// FromQuat converts a unit quaternion to a rotation matrix.
func FromQuat(q quat.Number) *mat.Dense {
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return mat.NewDense(3, 3, []float64{
		1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y),
		2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x),
		2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y),
	})
}
