package so3

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"
)

func matNear(t *testing.T, got, want mat.Matrix, tol float64) {
	t.Helper()
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			test.That(t, got.At(i, j), test.ShouldAlmostEqual, want.At(i, j), tol)
		}
	}
}

func vecNear(t *testing.T, got, want r3.Vector, tol float64) {
	t.Helper()
	test.That(t, got.X, test.ShouldAlmostEqual, want.X, tol)
	test.That(t, got.Y, test.ShouldAlmostEqual, want.Y, tol)
	test.That(t, got.Z, test.ShouldAlmostEqual, want.Z, tol)
}

func TestSkew(t *testing.T) {
	w := r3.Vector{X: 1, Y: 2, Z: 3}
	v := r3.Vector{X: -2, Y: 0.5, Z: 4}
	skewW := Skew(w)

	// Skew(w)*v must equal the cross product w x v.
	vv := mat.NewVecDense(3, []float64{v.X, v.Y, v.Z})
	var out mat.VecDense
	out.MulVec(skewW, vv)
	cross := w.Cross(v)
	vecNear(t, r3.Vector{X: out.AtVec(0), Y: out.AtVec(1), Z: out.AtVec(2)}, cross, 1e-12)

	// Anti-symmetry.
	var sum mat.Dense
	sum.Add(skewW, skewW.T())
	matNear(t, &sum, mat.NewDense(3, 3, nil), 1e-12)
}

func TestExpSmallAngle(t *testing.T) {
	for _, w := range []r3.Vector{
		{},
		{X: 1e-6},
		{Y: -3e-6, Z: 2e-6},
		{X: 4e-7, Y: 4e-7, Z: -4e-7},
	} {
		r := Exp(w)

		// First order, Exp(w) is I + Skew(w).
		var want mat.Dense
		want.Add(Identity(), Skew(w))
		matNear(t, r, &want, 1e-10)

		// And the log map recovers w to the linearization's accuracy.
		vecNear(t, Log(r), w, 1e-10)
	}
}

func TestExpLogRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		name  string
		axis  r3.Vector
		angle float64
	}{
		{"x axis small", r3.Vector{X: 1}, 1e-3},
		{"y axis", r3.Vector{Y: 1}, 0.7},
		{"z axis", r3.Vector{Z: 1}, 2.0},
		{"diagonal", r3.Vector{X: 1, Y: 1, Z: 1}, 1.3},
		{"skewed", r3.Vector{X: 0.2, Y: -0.5, Z: 0.9}, 2.9},
		{"near pi", r3.Vector{X: -1, Y: 2, Z: 0.5}, math.Pi - 1e-3},
	} {
		t.Run(tc.name, func(t *testing.T) {
			w := tc.axis.Normalize().Mul(tc.angle)
			r := Exp(w)
			vecNear(t, Log(r), w, 1e-8)
			matNear(t, Exp(Log(r)), r, 1e-8)
		})
	}
}

func TestLogNoRotation(t *testing.T) {
	vecNear(t, Log(Identity()), r3.Vector{}, 0)
}

func TestRightJacobianInverse(t *testing.T) {
	for _, w := range []r3.Vector{
		{X: 0.1},
		{Y: -0.8, Z: 0.3},
		{X: 1.2, Y: 0.4, Z: -2.0},
	} {
		var prod mat.Dense
		prod.Mul(RightJacobian(w), InverseRightJacobian(w))
		matNear(t, &prod, Identity(), 1e-10)
	}
}

func TestRightJacobianSmallAngle(t *testing.T) {
	w := r3.Vector{X: 1e-6, Y: -1e-6}
	matNear(t, RightJacobian(w), Identity(), 0)
	matNear(t, InverseRightJacobian(w), Identity(), 0)
}

func TestNormalize(t *testing.T) {
	// Perturb a rotation off the manifold and project it back.
	r := Exp(r3.Vector{X: 0.3, Y: -1.1, Z: 0.7})
	perturbed := mat.NewDense(3, 3, nil)
	perturbed.CloneFrom(r)
	perturbed.Set(0, 0, perturbed.At(0, 0)+1e-3)
	perturbed.Set(2, 1, perturbed.At(2, 1)-2e-3)

	n := Normalize(perturbed)

	// Output is orthonormal with determinant one.
	var gram mat.Dense
	gram.Mul(n.T(), n)
	matNear(t, &gram, Identity(), 1e-12)
	test.That(t, mat.Det(n), test.ShouldAlmostEqual, 1.0, 1e-12)

	// Idempotent.
	matNear(t, Normalize(n), n, 1e-12)
}

func TestQuatRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		name string
		w    r3.Vector
	}{
		{"identity", r3.Vector{}},
		{"x", r3.Vector{X: 1.1}},
		{"y", r3.Vector{Y: -2.2}},
		{"z dominant", r3.Vector{X: 0.1, Y: 0.1, Z: 2.5}},
		{"near pi", r3.Vector{X: 3.1, Y: 0.2}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			r := Exp(tc.w)
			matNear(t, FromQuat(Quat(r)), r, 1e-10)
		})
	}
}
