package optimize

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"github.com/vislam-robotics/vislam/so3"
)

// se3Deriv is the 3x6 derivative of a body-frame point with respect to the
// pose's [rotation; translation] tangent, [skew(-pt), I].
func se3Deriv(pt r3.Vector) *mat.Dense {
	return mat.NewDense(3, 6, []float64{
		0, pt.Z, -pt.Y, 1, 0, 0,
		-pt.Z, 0, pt.X, 0, 1, 0,
		pt.Y, -pt.X, 0, 0, 0, 1,
	})
}

// EdgeMono is the monocular reprojection residual between an observed
// keypoint and the projection of a 3D point through a pose vertex.
type EdgeMono struct {
	Measurement r2.Point
	CamIdx      int
}

// Error returns the 2-dim residual observation - projection.
func (e *EdgeMono) Error(pose *ImuCamPose, pt r3.Vector) *mat.VecDense {
	proj := pose.Project(pt, e.CamIdx)
	return mat.NewVecDense(2, []float64{
		e.Measurement.X - proj.X,
		e.Measurement.Y - proj.Y,
	})
}

// IsDepthPositive reports whether the point is in front of the camera.
func (e *EdgeMono) IsDepthPositive(pose *ImuCamPose, pt r3.Vector) bool {
	return pose.IsDepthPositive(pt, e.CamIdx)
}

// Jacobians returns the 2x3 point block and the 2x6 pose block.
func (e *EdgeMono) Jacobians(pose *ImuCamPose, pt r3.Vector) (point, poseJac *mat.Dense) {
	rcw := pose.Rcw[e.CamIdx]
	xc := so3.Apply(rcw, pt).Add(pose.Tcw[e.CamIdx])
	xb := so3.Apply(pose.Rbc[e.CamIdx], xc).Add(pose.Tbc[e.CamIdx])
	projJac := pose.Cameras[e.CamIdx].Jacobian(xc)

	point = mat.NewDense(2, 3, nil)
	point.Mul(projJac, rcw)
	point.Scale(-1, point)

	var chain mat.Dense
	chain.Mul(projJac, pose.Rcb[e.CamIdx])
	poseJac = mat.NewDense(2, 6, nil)
	poseJac.Mul(&chain, se3Deriv(xb))
	return point, poseJac
}

// EdgeMonoOnlyPose is the monocular reprojection residual with the 3D point
// held fixed; only the pose vertex is differentiated.
type EdgeMonoOnlyPose struct {
	Xw          r3.Vector
	Measurement r2.Point
	CamIdx      int
}

// Error returns the 2-dim residual observation - projection.
func (e *EdgeMonoOnlyPose) Error(pose *ImuCamPose) *mat.VecDense {
	proj := pose.Project(e.Xw, e.CamIdx)
	return mat.NewVecDense(2, []float64{
		e.Measurement.X - proj.X,
		e.Measurement.Y - proj.Y,
	})
}

// IsDepthPositive reports whether the fixed point is in front of the camera.
func (e *EdgeMonoOnlyPose) IsDepthPositive(pose *ImuCamPose) bool {
	return pose.IsDepthPositive(e.Xw, e.CamIdx)
}

// Jacobian returns the 2x6 pose block, identical to EdgeMono's; fixing the
// point removes the point block, not the pose dependence.
func (e *EdgeMonoOnlyPose) Jacobian(pose *ImuCamPose) *mat.Dense {
	xc := so3.Apply(pose.Rcw[e.CamIdx], e.Xw).Add(pose.Tcw[e.CamIdx])
	xb := so3.Apply(pose.Rbc[e.CamIdx], xc).Add(pose.Tbc[e.CamIdx])
	projJac := pose.Cameras[e.CamIdx].Jacobian(xc)

	var chain mat.Dense
	chain.Mul(projJac, pose.Rcb[e.CamIdx])
	out := mat.NewDense(2, 6, nil)
	out.Mul(&chain, se3Deriv(xb))
	return out
}

// stereoProjJac builds the 3x3 projection Jacobian for a stereo residual:
// the camera model's 2x3 block plus a disparity row copying the u row with
// the bf/depth^2 term added.
func stereoProjJac(pose *ImuCamPose, xc r3.Vector, camIdx int) *mat.Dense {
	projJac := pose.Cameras[camIdx].Jacobian(xc)
	invZ2 := 1.0 / (xc.Z * xc.Z)
	out := mat.NewDense(3, 3, nil)
	for j := 0; j < 3; j++ {
		out.Set(0, j, projJac.At(0, j))
		out.Set(1, j, projJac.At(1, j))
		out.Set(2, j, projJac.At(0, j))
	}
	out.Set(2, 2, out.At(2, 2)+pose.Bf*invZ2)
	return out
}

// EdgeStereo is the stereo reprojection residual; the measurement is
// [u, v, uRight].
type EdgeStereo struct {
	Measurement r3.Vector
	CamIdx      int
}

// Error returns the 3-dim residual observation - stereo projection.
func (e *EdgeStereo) Error(pose *ImuCamPose, pt r3.Vector) *mat.VecDense {
	proj := pose.ProjectStereo(pt, e.CamIdx)
	return mat.NewVecDense(3, []float64{
		e.Measurement.X - proj.X,
		e.Measurement.Y - proj.Y,
		e.Measurement.Z - proj.Z,
	})
}

// Jacobians returns the 3x3 point block and the 3x6 pose block.
func (e *EdgeStereo) Jacobians(pose *ImuCamPose, pt r3.Vector) (point, poseJac *mat.Dense) {
	rcw := pose.Rcw[e.CamIdx]
	xc := so3.Apply(rcw, pt).Add(pose.Tcw[e.CamIdx])
	xb := so3.Apply(pose.Rbc[e.CamIdx], xc).Add(pose.Tbc[e.CamIdx])
	projJac := stereoProjJac(pose, xc, e.CamIdx)

	point = mat.NewDense(3, 3, nil)
	point.Mul(projJac, rcw)
	point.Scale(-1, point)

	var chain mat.Dense
	chain.Mul(projJac, pose.Rcb[e.CamIdx])
	poseJac = mat.NewDense(3, 6, nil)
	poseJac.Mul(&chain, se3Deriv(xb))
	return point, poseJac
}

// EdgeStereoOnlyPose is the stereo reprojection residual with the 3D point
// held fixed.
type EdgeStereoOnlyPose struct {
	Xw          r3.Vector
	Measurement r3.Vector
	CamIdx      int
}

// Error returns the 3-dim residual observation - stereo projection.
func (e *EdgeStereoOnlyPose) Error(pose *ImuCamPose) *mat.VecDense {
	proj := pose.ProjectStereo(e.Xw, e.CamIdx)
	return mat.NewVecDense(3, []float64{
		e.Measurement.X - proj.X,
		e.Measurement.Y - proj.Y,
		e.Measurement.Z - proj.Z,
	})
}

// Jacobian returns the 3x6 pose block, identical to EdgeStereo's.
func (e *EdgeStereoOnlyPose) Jacobian(pose *ImuCamPose) *mat.Dense {
	xc := so3.Apply(pose.Rcw[e.CamIdx], e.Xw).Add(pose.Tcw[e.CamIdx])
	xb := so3.Apply(pose.Rbc[e.CamIdx], xc).Add(pose.Tbc[e.CamIdx])
	projJac := stereoProjJac(pose, xc, e.CamIdx)

	var chain mat.Dense
	chain.Mul(projJac, pose.Rcb[e.CamIdx])
	out := mat.NewDense(3, 6, nil)
	out.Mul(&chain, se3Deriv(xb))
	return out
}
