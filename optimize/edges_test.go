package optimize

import (
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"

	"github.com/vislam-robotics/vislam/imu"
	"github.com/vislam-robotics/vislam/so3"
)

const diffStep = 1e-6

// numericPoseJacobian differentiates a residual with respect to the pose
// vertex through the same retraction the solver applies.
func numericPoseJacobian(t *testing.T, dim int, src *fakeSource, eval func(*ImuCamPose) *mat.VecDense) *mat.Dense {
	t.Helper()
	out := mat.NewDense(dim, 6, nil)
	for k := 0; k < 6; k++ {
		delta := make([]float64, 6)
		delta[k] = diffStep
		plusPose := NewImuCamPose(src)
		plusPose.Update(delta)
		plus := eval(plusPose)

		delta[k] = -diffStep
		minusPose := NewImuCamPose(src)
		minusPose.Update(delta)
		minus := eval(minusPose)

		for i := 0; i < dim; i++ {
			out.Set(i, k, (plus.AtVec(i)-minus.AtVec(i))/(2*diffStep))
		}
	}
	return out
}

func numericVecJacobian(t *testing.T, dim int, at r3.Vector, eval func(r3.Vector) *mat.VecDense) *mat.Dense {
	t.Helper()
	out := mat.NewDense(dim, 3, nil)
	for k := 0; k < 3; k++ {
		step := r3.Vector{}
		switch k {
		case 0:
			step.X = diffStep
		case 1:
			step.Y = diffStep
		case 2:
			step.Z = diffStep
		}
		plus := eval(at.Add(step))
		minus := eval(at.Sub(step))
		for i := 0; i < dim; i++ {
			out.Set(i, k, (plus.AtVec(i)-minus.AtVec(i))/(2*diffStep))
		}
	}
	return out
}

func TestEdgeMonoJacobians(t *testing.T) {
	src := newFakeSource(t, so3.Exp(r3.Vector{X: 0.1, Y: -0.2, Z: 0.15}), r3.Vector{X: 0.3, Y: -0.5, Z: 0.2})
	pose := NewImuCamPose(src)
	pt := r3.Vector{X: 0.4, Y: 0.2, Z: 3}
	edge := &EdgeMono{Measurement: r2.Point{X: 350, Y: 250}}

	test.That(t, edge.IsDepthPositive(pose, pt), test.ShouldBeTrue)

	pointJac, poseJac := edge.Jacobians(pose, pt)

	numPose := numericPoseJacobian(t, 2, src, func(p *ImuCamPose) *mat.VecDense {
		return edge.Error(p, pt)
	})
	matNear(t, poseJac, numPose, 1e-4)

	numPoint := numericVecJacobian(t, 2, pt, func(x r3.Vector) *mat.VecDense {
		return edge.Error(pose, x)
	})
	matNear(t, pointJac, numPoint, 1e-4)
}

func TestEdgeMonoOnlyPoseMatchesFullEdge(t *testing.T) {
	src := newFakeSource(t, so3.Exp(r3.Vector{X: 0.1, Y: -0.2, Z: 0.15}), r3.Vector{X: 0.3, Y: -0.5, Z: 0.2})
	pose := NewImuCamPose(src)
	pt := r3.Vector{X: 0.4, Y: 0.2, Z: 3}

	full := &EdgeMono{Measurement: r2.Point{X: 350, Y: 250}}
	only := &EdgeMonoOnlyPose{Xw: pt, Measurement: r2.Point{X: 350, Y: 250}}

	errFull := full.Error(pose, pt)
	errOnly := only.Error(pose)
	for i := 0; i < 2; i++ {
		test.That(t, errOnly.AtVec(i), test.ShouldAlmostEqual, errFull.AtVec(i), 1e-12)
	}

	// Holding the point fixed does not change the pose block.
	_, poseJac := full.Jacobians(pose, pt)
	matNear(t, only.Jacobian(pose), poseJac, 1e-12)
}

func TestEdgeStereoJacobians(t *testing.T) {
	src := newFakeSource(t, so3.Exp(r3.Vector{X: -0.05, Y: 0.1, Z: 0.2}), r3.Vector{X: -0.2, Y: 0.4, Z: 0.1})
	pose := NewImuCamPose(src)
	pt := r3.Vector{X: -0.3, Y: 0.1, Z: 4}
	edge := &EdgeStereo{Measurement: r3.Vector{X: 300, Y: 220, Z: 290}}

	pointJac, poseJac := edge.Jacobians(pose, pt)

	numPose := numericPoseJacobian(t, 3, src, func(p *ImuCamPose) *mat.VecDense {
		return edge.Error(p, pt)
	})
	matNear(t, poseJac, numPose, 1e-4)

	numPoint := numericVecJacobian(t, 3, pt, func(x r3.Vector) *mat.VecDense {
		return edge.Error(pose, x)
	})
	matNear(t, pointJac, numPoint, 1e-4)

	only := &EdgeStereoOnlyPose{Xw: pt, Measurement: edge.Measurement}
	matNear(t, only.Jacobian(pose), poseJac, 1e-12)
}

// stationaryPreintegration integrates a motionless body with identity
// orientation: the accelerometer reads pure gravity reaction.
func stationaryPreintegration(n int, dt float64) *imu.Preintegration {
	p := imu.NewPreintegration(imu.Bias{}, 1e-3, 1e-2, 1e-6, 1e-5)
	for i := 0; i < n; i++ {
		p.IntegrateMeasurement(r3.Vector{Z: imu.Gravity}, r3.Vector{}, dt)
	}
	return p
}

func TestEdgeInertialStationaryResidual(t *testing.T) {
	preint := stationaryPreintegration(100, 0.005)
	edge, err := NewEdgeInertial(preint)
	test.That(t, err, test.ShouldBeNil)

	p1 := newTestPose(t, so3.Identity(), r3.Vector{})
	p2 := newTestPose(t, so3.Identity(), r3.Vector{})
	residual := edge.Error(p1, r3.Vector{}, r3.Vector{}, r3.Vector{}, p2, r3.Vector{})
	for i := 0; i < 9; i++ {
		test.That(t, residual.AtVec(i), test.ShouldAlmostEqual, 0, 1e-9)
	}
}

func TestEdgeInertialConstantAccelerationResidual(t *testing.T) {
	// A body accelerating at a constant world rate with identity orientation:
	// the accelerometer reads the acceleration plus gravity reaction.
	aw := r3.Vector{X: 0.5, Y: -0.2, Z: 0.1}
	preint := imu.NewPreintegration(imu.Bias{}, 1e-3, 1e-2, 1e-6, 1e-5)
	dt := 0.005
	n := 100
	for i := 0; i < n; i++ {
		preint.IntegrateMeasurement(aw.Add(r3.Vector{Z: imu.Gravity}), r3.Vector{}, dt)
	}
	total := dt * float64(n)

	edge, err := NewEdgeInertial(preint)
	test.That(t, err, test.ShouldBeNil)

	p1 := newTestPose(t, so3.Identity(), r3.Vector{})
	p2 := newTestPose(t, so3.Identity(), aw.Mul(0.5*total*total))
	v2 := aw.Mul(total)
	residual := edge.Error(p1, r3.Vector{}, r3.Vector{}, r3.Vector{}, p2, v2)
	for i := 0; i < 9; i++ {
		test.That(t, residual.AtVec(i), test.ShouldAlmostEqual, 0, 1e-9)
	}
}

func TestEdgeInertialJacobians(t *testing.T) {
	preint := imu.NewPreintegration(imu.Bias{}, 1e-3, 1e-2, 1e-6, 1e-5)
	for i := 0; i < 100; i++ {
		preint.IntegrateMeasurement(
			r3.Vector{X: 0.3, Y: 9.7, Z: -0.4},
			r3.Vector{X: 0.1, Y: -0.05, Z: 0.2},
			0.005,
		)
	}
	edge, err := NewEdgeInertial(preint)
	test.That(t, err, test.ShouldBeNil)

	src1 := newFakeSource(t, so3.Exp(r3.Vector{X: 0.2, Y: 0.1, Z: -0.3}), r3.Vector{X: 1, Y: 0.5, Z: -0.2})
	src2 := newFakeSource(t, so3.Exp(r3.Vector{X: 0.25, Y: 0.05, Z: -0.2}), r3.Vector{X: 1.2, Y: 0.45, Z: -0.1})
	p1 := NewImuCamPose(src1)
	p2 := NewImuCamPose(src2)
	v1 := r3.Vector{X: 0.4, Y: -0.1, Z: 0.2}
	v2 := r3.Vector{X: 0.5, Y: -0.15, Z: 0.3}
	bg := r3.Vector{X: 0.001, Y: -0.002, Z: 0.0015}
	ba := r3.Vector{X: -0.01, Y: 0.02, Z: 0.005}

	j := edge.Jacobians(p1, v1, bg, ba, p2, v2)

	numPose1 := numericPoseJacobian(t, 9, src1, func(p *ImuCamPose) *mat.VecDense {
		return edge.Error(p, v1, bg, ba, p2, v2)
	})
	matNear(t, j.Pose1, numPose1, 1e-4)

	numPose2 := numericPoseJacobian(t, 9, src2, func(p *ImuCamPose) *mat.VecDense {
		return edge.Error(p1, v1, bg, ba, p, v2)
	})
	matNear(t, j.Pose2, numPose2, 1e-4)

	numVel1 := numericVecJacobian(t, 9, v1, func(v r3.Vector) *mat.VecDense {
		return edge.Error(p1, v, bg, ba, p2, v2)
	})
	matNear(t, j.Vel1, numVel1, 1e-4)

	numVel2 := numericVecJacobian(t, 9, v2, func(v r3.Vector) *mat.VecDense {
		return edge.Error(p1, v1, bg, ba, p2, v)
	})
	matNear(t, j.Vel2, numVel2, 1e-4)

	numGyro := numericVecJacobian(t, 9, bg, func(b r3.Vector) *mat.VecDense {
		return edge.Error(p1, v1, b, ba, p2, v2)
	})
	matNear(t, j.GyroBias, numGyro, 1e-4)

	numAcc := numericVecJacobian(t, 9, ba, func(b r3.Vector) *mat.VecDense {
		return edge.Error(p1, v1, bg, b, p2, v2)
	})
	matNear(t, j.AccBias, numAcc, 1e-4)
}

func TestEdgeInertialGSMatchesInertialAtUnity(t *testing.T) {
	preint := stationaryPreintegration(100, 0.005)
	gs, err := NewEdgeInertialGS(preint)
	test.That(t, err, test.ShouldBeNil)
	plain, err := NewEdgeInertial(preint)
	test.That(t, err, test.ShouldBeNil)

	p1 := newTestPose(t, so3.Exp(r3.Vector{X: 0.1, Z: 0.2}), r3.Vector{X: 0.5})
	p2 := newTestPose(t, so3.Exp(r3.Vector{X: 0.15, Z: 0.1}), r3.Vector{X: 0.7, Y: 0.1})
	v1 := r3.Vector{X: 0.3, Z: -0.1}
	v2 := r3.Vector{X: 0.25, Z: 0.05}

	// With unit scale and an identity gravity direction the initialization
	// residual reduces to the plain inertial residual.
	got := gs.Error(p1, v1, r3.Vector{}, r3.Vector{}, p2, v2, NewGravityDirection(so3.Identity()), NewScale(1))
	want := plain.Error(p1, v1, r3.Vector{}, r3.Vector{}, p2, v2)
	for i := 0; i < 9; i++ {
		test.That(t, got.AtVec(i), test.ShouldAlmostEqual, want.AtVec(i), 1e-12)
	}
}

func TestEdgeInertialGSGravityScaleJacobians(t *testing.T) {
	preint := stationaryPreintegration(100, 0.005)
	edge, err := NewEdgeInertialGS(preint)
	test.That(t, err, test.ShouldBeNil)

	p1 := newTestPose(t, so3.Exp(r3.Vector{X: 0.1, Y: -0.05, Z: 0.2}), r3.Vector{X: 0.5, Y: -0.3})
	p2 := newTestPose(t, so3.Exp(r3.Vector{X: 0.12, Y: -0.02, Z: 0.18}), r3.Vector{X: 0.6, Y: -0.25, Z: 0.05})
	v1 := r3.Vector{X: 0.3, Y: 0.1, Z: -0.1}
	v2 := r3.Vector{X: 0.25, Y: 0.12, Z: 0.05}
	gdir := NewGravityDirection(so3.Exp(r3.Vector{X: 0.05, Y: -0.03}))
	scale := NewScale(1.5)

	j := edge.Jacobians(p1, v1, r3.Vector{}, r3.Vector{}, p2, v2, gdir, scale)

	// Gravity-direction block against its 2-parameter retraction.
	numG := mat.NewDense(9, 2, nil)
	for k := 0; k < 2; k++ {
		delta := make([]float64, 2)
		delta[k] = diffStep
		plusG := NewGravityDirection(gdir.Rwg)
		plusG.Update(delta)
		plus := edge.Error(p1, v1, r3.Vector{}, r3.Vector{}, p2, v2, plusG, scale)

		delta[k] = -diffStep
		minusG := NewGravityDirection(gdir.Rwg)
		minusG.Update(delta)
		minus := edge.Error(p1, v1, r3.Vector{}, r3.Vector{}, p2, v2, minusG, scale)

		for i := 0; i < 9; i++ {
			numG.Set(i, k, (plus.AtVec(i)-minus.AtVec(i))/(2*diffStep))
		}
	}
	matNear(t, j.GDir, numG, 1e-4)

	// Scale block as the plain derivative with respect to s.
	numS := mat.NewDense(9, 1, nil)
	plus := edge.Error(p1, v1, r3.Vector{}, r3.Vector{}, p2, v2, gdir, NewScale(scale.S+diffStep))
	minus := edge.Error(p1, v1, r3.Vector{}, r3.Vector{}, p2, v2, gdir, NewScale(scale.S-diffStep))
	for i := 0; i < 9; i++ {
		numS.Set(i, 0, (plus.AtVec(i)-minus.AtVec(i))/(2*diffStep))
	}
	matNear(t, j.Scale, numS, 1e-4)
}

func TestInformationPositiveSemidefinite(t *testing.T) {
	preint := stationaryPreintegration(50, 0.005)
	edge, err := NewEdgeInertial(preint)
	test.That(t, err, test.ShouldBeNil)

	info := edge.Information()
	scale := mat.Norm(info, 2)
	sym := mat.NewSymDense(9, nil)
	for i := 0; i < 9; i++ {
		for j := i; j < 9; j++ {
			test.That(t, info.At(i, j), test.ShouldAlmostEqual, info.At(j, i), 1e-9*scale)
			sym.SetSym(i, j, info.At(i, j))
		}
	}

	var es mat.EigenSym
	test.That(t, es.Factorize(sym, false), test.ShouldBeTrue)
	for _, v := range es.Values(nil) {
		test.That(t, v, test.ShouldBeGreaterThanOrEqualTo, -1e-9*scale)
	}
}

func TestEdgePriorPoseImu(t *testing.T) {
	rwb := so3.Exp(r3.Vector{X: 0.2, Y: -0.1, Z: 0.3})
	twb := r3.Vector{X: 1, Y: -0.5, Z: 0.2}
	vwb := r3.Vector{X: 0.3, Y: 0.1, Z: -0.05}
	bg := r3.Vector{X: 0.001, Z: -0.002}
	ba := r3.Vector{Y: 0.01}

	h := mat.NewDense(15, 15, nil)
	for i := 0; i < 15; i++ {
		h.Set(i, i, 1)
	}
	constraint, err := NewConstraintPoseImu(rwb, twb, vwb, bg, ba, h)
	test.That(t, err, test.ShouldBeNil)
	edge := NewEdgePriorPoseImu(constraint)

	src := newFakeSource(t, rwb, twb)
	atPrior := NewImuCamPose(src)
	residual := edge.Error(atPrior, vwb, bg, ba)
	for i := 0; i < 15; i++ {
		test.That(t, residual.AtVec(i), test.ShouldAlmostEqual, 0, 1e-12)
	}

	j := edge.Jacobians(atPrior)
	numPose := numericPoseJacobian(t, 15, src, func(p *ImuCamPose) *mat.VecDense {
		return edge.Error(p, vwb, bg, ba)
	})
	matNear(t, j.Pose, numPose, 1e-4)

	// Velocity and bias rows are identity blocks.
	for i := 0; i < 3; i++ {
		test.That(t, j.Vel.At(6+i, i), test.ShouldAlmostEqual, 1, 1e-12)
		test.That(t, j.GyroBias.At(9+i, i), test.ShouldAlmostEqual, 1, 1e-12)
		test.That(t, j.AccBias.At(12+i, i), test.ShouldAlmostEqual, 1, 1e-12)
	}

	_, err = NewConstraintPoseImu(rwb, twb, vwb, bg, ba, mat.NewDense(9, 9, nil))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestEdgePriorBias(t *testing.T) {
	acc := &EdgePriorAcc{Prior: r3.Vector{X: 0.01, Y: -0.02}}
	residual := acc.Error(r3.Vector{X: 0.03})
	test.That(t, residual.AtVec(0), test.ShouldAlmostEqual, -0.02, 1e-12)
	test.That(t, residual.AtVec(1), test.ShouldAlmostEqual, -0.02, 1e-12)
	matNear(t, acc.Jacobian(), so3.Identity(), 0)

	gyro := &EdgePriorGyro{Prior: r3.Vector{Z: 0.005}}
	residual = gyro.Error(r3.Vector{Z: 0.002})
	test.That(t, residual.AtVec(2), test.ShouldAlmostEqual, 0.003, 1e-12)
}
