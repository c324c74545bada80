package optimize

import (
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/vislam-robotics/vislam/imu"
	"github.com/vislam-robotics/vislam/so3"
)

const gravity = imu.Gravity

// informationFromPreintegration inverts the 9x9 delta block of the
// preintegration covariance, symmetrizes it, and clips it to a positive
// semidefinite matrix by zeroing eigenvalues below 1e-12.
func informationFromPreintegration(p imu.Preintegrated) (*mat.Dense, error) {
	cov := p.Covariance().Slice(0, 9, 0, 9)
	var inv mat.Dense
	if err := inv.Inverse(cov); err != nil {
		return nil, errors.Wrap(err, "inverting preintegration covariance")
	}

	sym := mat.NewSymDense(9, nil)
	for i := 0; i < 9; i++ {
		for j := i; j < 9; j++ {
			sym.SetSym(i, j, 0.5*(inv.At(i, j)+inv.At(j, i)))
		}
	}

	var es mat.EigenSym
	if !es.Factorize(sym, true) {
		return nil, errors.New("eigendecomposition of inertial information failed")
	}
	vals := es.Values(nil)
	for i := range vals {
		if vals[i] < 1e-12 {
			vals[i] = 0
		}
	}
	var vecs mat.Dense
	es.VectorsTo(&vecs)

	var vd mat.Dense
	vd.Mul(&vecs, mat.NewDiagDense(9, vals))
	info := mat.NewDense(9, 9, nil)
	info.Mul(&vd, vecs.T())
	return info, nil
}

func vec9(a, b, c r3.Vector) *mat.VecDense {
	return mat.NewVecDense(9, []float64{
		a.X, a.Y, a.Z,
		b.X, b.Y, b.Z,
		c.X, c.Y, c.Z,
	})
}

// InertialJacobians holds the Jacobian blocks of an inertial residual, one
// per vertex slot. Pose blocks are 9x6 ([rotation; translation] tangent),
// the rest 9x3.
type InertialJacobians struct {
	Pose1    *mat.Dense
	Vel1     *mat.Dense
	GyroBias *mat.Dense
	AccBias  *mat.Dense
	Pose2    *mat.Dense
	Vel2     *mat.Dense

	// GDir (9x2) and Scale (9x1) are populated only by EdgeInertialGS.
	GDir  *mat.Dense
	Scale *mat.Dense
}

// EdgeInertial is the preintegrated inertial residual between two
// consecutive pose/velocity/bias states. The residual concatenates rotation,
// velocity and position errors against the bias-corrected preintegrated
// deltas.
type EdgeInertial struct {
	preint imu.Preintegrated

	jRg, jVg, jPg, jVa, jPa *mat.Dense
	dt                      float64
	g                       r3.Vector
	info                    *mat.Dense
}

// NewEdgeInertial snapshots the preintegration's bias Jacobians and duration
// and builds the PSD-clipped information matrix.
func NewEdgeInertial(p imu.Preintegrated) (*EdgeInertial, error) {
	info, err := informationFromPreintegration(p)
	if err != nil {
		return nil, err
	}
	return &EdgeInertial{
		preint: p,
		jRg:    p.RotationGyroJacobian(),
		jVg:    p.VelocityGyroJacobian(),
		jPg:    p.PositionGyroJacobian(),
		jVa:    p.VelocityAccJacobian(),
		jPa:    p.PositionAccJacobian(),
		dt:     p.Duration(),
		g:      r3.Vector{Z: -gravity},
		info:   info,
	}, nil
}

// Information returns the 9x9 information matrix.
func (e *EdgeInertial) Information() *mat.Dense { return e.info }

// Error returns the 9-dim residual over [pose1, vel1, gyro bias, acc bias,
// pose2, vel2]. The preintegrated deltas are corrected to the current bias
// estimate through the stored first-order Jacobians, not by re-integration.
func (e *EdgeInertial) Error(p1 *ImuCamPose, v1, bg, ba r3.Vector, p2 *ImuCamPose, v2 r3.Vector) *mat.VecDense {
	b1 := imu.Bias{Acc: ba, Gyro: bg}
	dR := e.preint.DeltaRotation(b1)
	dV := e.preint.DeltaVelocity(b1)
	dP := e.preint.DeltaPosition(b1)

	rbw1 := transpose(p1.Rwb)
	er := so3.Log(mul(transpose(dR), mul(rbw1, p2.Rwb)))
	ev := so3.Apply(rbw1, v2.Sub(v1).Sub(e.g.Mul(e.dt))).Sub(dV)
	ep := so3.Apply(rbw1, p2.Twb.Sub(p1.Twb).Sub(v1.Mul(e.dt)).Sub(e.g.Mul(0.5*e.dt*e.dt))).Sub(dP)
	return vec9(er, ev, ep)
}

// Jacobians returns the closed-form Jacobian blocks for all six vertex
// slots.
func (e *EdgeInertial) Jacobians(p1 *ImuCamPose, v1, bg, ba r3.Vector, p2 *ImuCamPose, v2 r3.Vector) *InertialJacobians {
	b1 := imu.Bias{Acc: ba, Gyro: bg}
	dbg := e.preint.DeltaBias(b1).Gyro

	rwb1 := p1.Rwb
	rbw1 := transpose(rwb1)
	rwb2 := p2.Rwb

	dR := e.preint.DeltaRotation(b1)
	eR := mul(transpose(dR), mul(rbw1, rwb2))
	er := so3.Log(eR)
	invJr := so3.InverseRightJacobian(er)

	j := &InertialJacobians{
		Pose1:    mat.NewDense(9, 6, nil),
		Vel1:     mat.NewDense(9, 3, nil),
		GyroBias: mat.NewDense(9, 3, nil),
		AccBias:  mat.NewDense(9, 3, nil),
		Pose2:    mat.NewDense(9, 6, nil),
		Vel2:     mat.NewDense(9, 3, nil),
	}

	// Pose 1.
	var neg mat.Dense
	neg.Mul(invJr, mul(transpose(rwb2), rwb1))
	neg.Scale(-1, &neg)
	setBlock(j.Pose1, 0, 0, &neg)
	setBlock(j.Pose1, 3, 0, so3.Skew(so3.Apply(rbw1, v2.Sub(v1).Sub(e.g.Mul(e.dt)))))
	setBlock(j.Pose1, 6, 0, so3.Skew(so3.Apply(rbw1, p2.Twb.Sub(p1.Twb).Sub(v1.Mul(e.dt)).Sub(e.g.Mul(0.5*e.dt*e.dt)))))
	negEye := so3.Identity()
	negEye.Scale(-1, negEye)
	setBlock(j.Pose1, 6, 3, negEye)

	// Velocity 1.
	var scaled mat.Dense
	scaled.Scale(-1, rbw1)
	setBlock(j.Vel1, 3, 0, &scaled)
	scaled.Scale(-e.dt, rbw1)
	setBlock(j.Vel1, 6, 0, &scaled)

	// Gyro bias.
	var gyroRot mat.Dense
	gyroRot.Mul(invJr, transpose(eR))
	gyroRot.Mul(&gyroRot, so3.RightJacobian(so3.Apply(e.jRg, dbg)))
	gyroRot.Mul(&gyroRot, e.jRg)
	gyroRot.Scale(-1, &gyroRot)
	setBlock(j.GyroBias, 0, 0, &gyroRot)
	scaled.Scale(-1, e.jVg)
	setBlock(j.GyroBias, 3, 0, &scaled)
	scaled.Scale(-1, e.jPg)
	setBlock(j.GyroBias, 6, 0, &scaled)

	// Acc bias.
	scaled.Scale(-1, e.jVa)
	setBlock(j.AccBias, 3, 0, &scaled)
	scaled.Scale(-1, e.jPa)
	setBlock(j.AccBias, 6, 0, &scaled)

	// Pose 2.
	setBlock(j.Pose2, 0, 0, invJr)
	setBlock(j.Pose2, 6, 3, mul(rbw1, rwb2))

	// Velocity 2.
	setBlock(j.Vel2, 3, 0, rbw1)

	return j
}

// EdgeInertialGS is the inertial residual used during IMU initialization: the
// gravity direction and the map scale are additional vertices.
type EdgeInertialGS struct {
	preint imu.Preintegrated

	jRg, jVg, jPg, jVa, jPa *mat.Dense
	dt                      float64
	info                    *mat.Dense
}

// NewEdgeInertialGS snapshots the preintegration like NewEdgeInertial.
func NewEdgeInertialGS(p imu.Preintegrated) (*EdgeInertialGS, error) {
	info, err := informationFromPreintegration(p)
	if err != nil {
		return nil, err
	}
	return &EdgeInertialGS{
		preint: p,
		jRg:    p.RotationGyroJacobian(),
		jVg:    p.VelocityGyroJacobian(),
		jPg:    p.PositionGyroJacobian(),
		jVa:    p.VelocityAccJacobian(),
		jPa:    p.PositionAccJacobian(),
		dt:     p.Duration(),
		info:   info,
	}, nil
}

// Information returns the 9x9 information matrix.
func (e *EdgeInertialGS) Information() *mat.Dense { return e.info }

// Error returns the 9-dim residual; the gravity vector comes from the
// gravity-direction vertex and both velocity and position terms carry the
// scale factor.
func (e *EdgeInertialGS) Error(
	p1 *ImuCamPose, v1, bg, ba r3.Vector, p2 *ImuCamPose, v2 r3.Vector,
	gdir *GravityDirection, s *Scale,
) *mat.VecDense {
	b := imu.Bias{Acc: ba, Gyro: bg}
	dR := e.preint.DeltaRotation(b)
	dV := e.preint.DeltaVelocity(b)
	dP := e.preint.DeltaPosition(b)
	g := gdir.Gravity()

	rbw1 := transpose(p1.Rwb)
	er := so3.Log(mul(transpose(dR), mul(rbw1, p2.Rwb)))
	ev := so3.Apply(rbw1, v2.Sub(v1).Mul(s.S).Sub(g.Mul(e.dt))).Sub(dV)
	ep := so3.Apply(rbw1, p2.Twb.Sub(p1.Twb).Sub(v1.Mul(e.dt)).Mul(s.S).Sub(g.Mul(0.5*e.dt*e.dt))).Sub(dP)
	return vec9(er, ev, ep)
}

// Jacobians returns the Jacobian blocks for all eight vertex slots,
// including the 2-parameter gravity tangent and the scale.
func (e *EdgeInertialGS) Jacobians(
	p1 *ImuCamPose, v1, bg, ba r3.Vector, p2 *ImuCamPose, v2 r3.Vector,
	gdir *GravityDirection, s *Scale,
) *InertialJacobians {
	b := imu.Bias{Acc: ba, Gyro: bg}
	dbg := e.preint.DeltaBias(b).Gyro
	g := gdir.Gravity()

	rwb1 := p1.Rwb
	rbw1 := transpose(rwb1)
	rwb2 := p2.Rwb

	// Derivative of the gravity vector with respect to the 2-parameter
	// tangent of its direction.
	gm := mat.NewDense(3, 2, nil)
	gm.Set(0, 1, -gravity)
	gm.Set(1, 0, gravity)
	var dGdTheta mat.Dense
	dGdTheta.Mul(gdir.Rwg, gm)

	dR := e.preint.DeltaRotation(b)
	eR := mul(transpose(dR), mul(rbw1, rwb2))
	er := so3.Log(eR)
	invJr := so3.InverseRightJacobian(er)

	j := &InertialJacobians{
		Pose1:    mat.NewDense(9, 6, nil),
		Vel1:     mat.NewDense(9, 3, nil),
		GyroBias: mat.NewDense(9, 3, nil),
		AccBias:  mat.NewDense(9, 3, nil),
		Pose2:    mat.NewDense(9, 6, nil),
		Vel2:     mat.NewDense(9, 3, nil),
		GDir:     mat.NewDense(9, 2, nil),
		Scale:    mat.NewDense(9, 1, nil),
	}

	// Pose 1.
	var neg mat.Dense
	neg.Mul(invJr, mul(transpose(rwb2), rwb1))
	neg.Scale(-1, &neg)
	setBlock(j.Pose1, 0, 0, &neg)
	setBlock(j.Pose1, 3, 0, so3.Skew(so3.Apply(rbw1, v2.Sub(v1).Mul(s.S).Sub(g.Mul(e.dt)))))
	setBlock(j.Pose1, 6, 0, so3.Skew(so3.Apply(rbw1, p2.Twb.Sub(p1.Twb).Sub(v1.Mul(e.dt)).Mul(s.S).Sub(g.Mul(0.5*e.dt*e.dt)))))
	scaledEye := so3.Identity()
	scaledEye.Scale(-s.S, scaledEye)
	setBlock(j.Pose1, 6, 3, scaledEye)

	// Velocity 1.
	var scaled mat.Dense
	scaled.Scale(-s.S, rbw1)
	setBlock(j.Vel1, 3, 0, &scaled)
	scaled.Scale(-s.S*e.dt, rbw1)
	setBlock(j.Vel1, 6, 0, &scaled)

	// Gyro bias.
	var gyroRot mat.Dense
	gyroRot.Mul(invJr, transpose(eR))
	gyroRot.Mul(&gyroRot, so3.RightJacobian(so3.Apply(e.jRg, dbg)))
	gyroRot.Mul(&gyroRot, e.jRg)
	gyroRot.Scale(-1, &gyroRot)
	setBlock(j.GyroBias, 0, 0, &gyroRot)
	scaled.Scale(-1, e.jVg)
	setBlock(j.GyroBias, 3, 0, &scaled)
	scaled.Scale(-1, e.jPg)
	setBlock(j.GyroBias, 6, 0, &scaled)

	// Acc bias.
	scaled.Scale(-1, e.jVa)
	setBlock(j.AccBias, 3, 0, &scaled)
	scaled.Scale(-1, e.jPa)
	setBlock(j.AccBias, 6, 0, &scaled)

	// Pose 2.
	setBlock(j.Pose2, 0, 0, invJr)
	var p2t mat.Dense
	p2t.Scale(s.S, mul(rbw1, rwb2))
	setBlock(j.Pose2, 6, 3, &p2t)

	// Velocity 2.
	scaled.Scale(s.S, rbw1)
	setBlock(j.Vel2, 3, 0, &scaled)

	// Gravity direction.
	var gBlock mat.Dense
	gBlock.Mul(rbw1, &dGdTheta)
	var gv mat.Dense
	gv.Scale(-e.dt, &gBlock)
	setBlock(j.GDir, 3, 0, &gv)
	gv.Scale(-0.5*e.dt*e.dt, &gBlock)
	setBlock(j.GDir, 6, 0, &gv)

	// Scale.
	sv := so3.Apply(rbw1, v2.Sub(v1))
	j.Scale.Set(3, 0, sv.X)
	j.Scale.Set(4, 0, sv.Y)
	j.Scale.Set(5, 0, sv.Z)
	sp := so3.Apply(rbw1, p2.Twb.Sub(p1.Twb).Sub(v1.Mul(e.dt)))
	j.Scale.Set(6, 0, sp.X)
	j.Scale.Set(7, 0, sp.Y)
	j.Scale.Set(8, 0, sp.Z)

	return j
}

// setBlock copies src into dst starting at (i, j).
func setBlock(dst *mat.Dense, i, j int, src mat.Matrix) {
	r, c := src.Dims()
	for ii := 0; ii < r; ii++ {
		for jj := 0; jj < c; jj++ {
			dst.Set(i+ii, j+jj, src.At(ii, jj))
		}
	}
}
