// Package optimize provides the manifold pose vertex and the residual edges
// consumed by a sparse nonlinear least-squares solver during bundle
// adjustment and pose-graph optimization: reprojection (mono/stereo),
// inertial, and prior edges, each exposing an error function and analytic
// Jacobian blocks over snapshots of the vertex values. The solver itself is
// an external collaborator; edges are stateless beyond their fixed
// measurement and preintegration inputs.
package optimize

import (
	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"github.com/vislam-robotics/vislam/camera"
	"github.com/vislam-robotics/vislam/so3"
)

// PoseSource is the keyframe/frame state an ImuCamPose vertex is constructed
// from: body pose, left-camera pose, calibration, and camera models.
type PoseSource interface {
	// GetImuRotation and GetImuPosition return the body-to-world pose.
	GetImuRotation() *mat.Dense
	GetImuPosition() r3.Vector
	// GetRotation and GetTranslation return the world-to-camera pose of
	// the left camera.
	GetRotation() *mat.Dense
	GetTranslation() r3.Vector
	// GetCameraModels returns one model, or two for a stereo rig with a
	// second calibrated camera.
	GetCameraModels() []camera.Model
	// GetBaselineFocal returns the stereo baseline times focal length.
	GetBaselineFocal() float64
	// GetCameraCalib returns the body-to-camera calibration (Rcb, tcb) of
	// the left camera.
	GetCameraCalib() (*mat.Dense, r3.Vector)
	// GetRightRelativePose returns the left-to-right camera transform
	// (Rrl, trl). Only consulted when a second camera model exists.
	GetRightRelativePose() (*mat.Dense, r3.Vector)
}

// ImuCamPose is the composite pose state of one optimization vertex: the
// body-to-world pose plus the derived world-to-camera pose of each camera of
// the rig. It is mutated only through the manifold retractions Update and
// UpdateW; the camera poses are re-derived from the body pose after every
// mutation.
type ImuCamPose struct {
	// Body-to-world pose.
	Rwb *mat.Dense
	Twb r3.Vector

	// Per-camera derived and calibration state.
	Rcw []*mat.Dense
	Tcw []r3.Vector
	Rcb []*mat.Dense
	Tcb []r3.Vector
	Rbc []*mat.Dense
	Tbc []r3.Vector

	// Cameras holds non-owning references to the external camera models.
	Cameras []camera.Model
	// Bf is the stereo baseline times focal length.
	Bf float64

	its int

	// Frozen reference rotation and accumulated global increment for the
	// 4-DoF pose-graph retraction.
	rwb0 *mat.Dense
	dr   *mat.Dense
}

// NewImuCamPose builds a vertex from a keyframe or frame snapshot, deriving
// the second camera's pose through the rig's fixed relative extrinsics when
// present.
func NewImuCamPose(src PoseSource) *ImuCamPose {
	p := &ImuCamPose{
		Rwb: src.GetImuRotation(),
		Twb: src.GetImuPosition(),
	}

	cams := src.GetCameraModels()
	n := len(cams)
	p.Rcw = make([]*mat.Dense, n)
	p.Tcw = make([]r3.Vector, n)
	p.Rcb = make([]*mat.Dense, n)
	p.Tcb = make([]r3.Vector, n)
	p.Rbc = make([]*mat.Dense, n)
	p.Tbc = make([]r3.Vector, n)
	p.Cameras = cams
	p.Bf = src.GetBaselineFocal()

	rcb, tcb := src.GetCameraCalib()
	p.Rcw[0] = src.GetRotation()
	p.Tcw[0] = src.GetTranslation()
	p.Rcb[0] = rcb
	p.Tcb[0] = tcb
	p.Rbc[0] = transpose(rcb)
	p.Tbc[0] = so3.Apply(p.Rbc[0], tcb).Mul(-1)

	if n > 1 {
		rrl, trl := src.GetRightRelativePose()
		p.Rcw[1] = mul(rrl, p.Rcw[0])
		p.Tcw[1] = so3.Apply(rrl, p.Tcw[0]).Add(trl)
		p.Rcb[1] = mul(rrl, p.Rcb[0])
		p.Tcb[1] = so3.Apply(rrl, p.Tcb[0]).Add(trl)
		p.Rbc[1] = transpose(p.Rcb[1])
		p.Tbc[1] = so3.Apply(p.Rbc[1], p.Tcb[1]).Mul(-1)
	}

	p.rwb0 = clone(p.Rwb)
	p.dr = so3.Identity()
	return p
}

// NewImuCamPoseFromCamera builds a single-camera vertex from a bare
// camera-to-world pose. Only used in pose-graph optimization; the second
// camera is never derived.
func NewImuCamPoseFromCamera(rwc *mat.Dense, twc r3.Vector, src PoseSource) *ImuCamPose {
	p := &ImuCamPose{
		Rcw:     make([]*mat.Dense, 1),
		Tcw:     make([]r3.Vector, 1),
		Rcb:     make([]*mat.Dense, 1),
		Tcb:     make([]r3.Vector, 1),
		Rbc:     make([]*mat.Dense, 1),
		Tbc:     make([]r3.Vector, 1),
		Cameras: src.GetCameraModels()[:1],
		Bf:      src.GetBaselineFocal(),
	}

	rcb, tcb := src.GetCameraCalib()
	p.Rcb[0] = rcb
	p.Tcb[0] = tcb
	p.Rbc[0] = transpose(rcb)
	p.Tbc[0] = so3.Apply(p.Rbc[0], tcb).Mul(-1)

	p.Rwb = mul(rwc, rcb)
	p.Twb = so3.Apply(rwc, tcb).Add(twc)
	p.Rcw[0] = transpose(rwc)
	p.Tcw[0] = so3.Apply(p.Rcw[0], twc).Mul(-1)

	p.rwb0 = clone(p.Rwb)
	p.dr = so3.Identity()
	return p
}

// SetParam bulk-replaces the world-to-camera and camera-to-body extrinsics
// and recomputes the derived body pose. Used when deserializing a vertex.
func (p *ImuCamPose) SetParam(rcw []*mat.Dense, tcw []r3.Vector, rbc []*mat.Dense, tbc []r3.Vector, bf float64) {
	n := len(rbc)
	p.Rbc = rbc
	p.Tbc = tbc
	p.Rcw = rcw
	p.Tcw = tcw
	p.Rcb = make([]*mat.Dense, n)
	p.Tcb = make([]r3.Vector, n)
	for i := 0; i < n; i++ {
		p.Rcb[i] = transpose(rbc[i])
		p.Tcb[i] = so3.Apply(p.Rcb[i], tbc[i]).Mul(-1)
	}
	p.Rwb = mul(transpose(rcw[0]), p.Rcb[0])
	p.Twb = so3.Apply(transpose(rcw[0]), p.Tcb[0].Sub(p.Tcw[0]))
	p.Bf = bf
}

// Project transforms a world point into camera camIdx and applies the camera
// model's projection. The output is meaningless for non-positive depths;
// callers must check IsDepthPositive first.
func (p *ImuCamPose) Project(pt r3.Vector, camIdx int) r2.Point {
	projected := so3.Apply(p.Rcw[camIdx], pt).Add(p.Tcw[camIdx])
	return p.Cameras[camIdx].Project(projected)
}

// ProjectStereo projects like Project and additionally reports the predicted
// right-image x-coordinate as u - bf/depth in the third component.
func (p *ImuCamPose) ProjectStereo(pt r3.Vector, camIdx int) r3.Vector {
	projected := so3.Apply(p.Rcw[camIdx], pt).Add(p.Tcw[camIdx])
	uv := p.Cameras[camIdx].Project(projected)
	return r3.Vector{X: uv.X, Y: uv.Y, Z: uv.X - p.Bf/projected.Z}
}

// IsDepthPositive reports whether the world point lands in front of camera
// camIdx.
func (p *ImuCamPose) IsDepthPositive(pt r3.Vector, camIdx int) bool {
	depth := p.Rcw[camIdx].At(2, 0)*pt.X + p.Rcw[camIdx].At(2, 1)*pt.Y + p.Rcw[camIdx].At(2, 2)*pt.Z + p.Tcw[camIdx].Z
	return depth > 0
}

// Update applies the local-parameterization retraction for bundle
// adjustment: update is [rotation delta; translation delta] expressed in the
// body frame, applied right-multiplicatively. Every 3rd call the body
// rotation is re-orthonormalized to bound drift. A nil update is a logged
// no-op.
func (p *ImuCamPose) Update(update []float64) {
	if update == nil {
		golog.Global().Warnw("no update for IMU pose")
		return
	}

	ur := r3.Vector{X: update[0], Y: update[1], Z: update[2]}
	ut := r3.Vector{X: update[3], Y: update[4], Z: update[5]}

	p.Twb = p.Twb.Add(so3.Apply(p.Rwb, ut))
	p.Rwb = mul(p.Rwb, so3.Exp(ur))

	p.its++
	if p.its >= 3 {
		p.Rwb = so3.Normalize(p.Rwb)
		p.its = 0
	}

	p.updateCameraPoses()
}

// UpdateW applies the alternative retraction used in 4-DoF pose-graph
// optimization: a global-frame incremental rotation is accumulated against
// the frozen reference rotation, and every 5th call the roll/pitch coupling
// terms of the accumulated increment are zeroed before re-orthonormalizing,
// keeping it approximately a pure yaw rotation. A nil update is a logged
// no-op.
func (p *ImuCamPose) UpdateW(update []float64) {
	if update == nil {
		golog.Global().Warnw("no update for IMU pose")
		return
	}

	ur := r3.Vector{X: update[0], Y: update[1], Z: update[2]}
	ut := r3.Vector{X: update[3], Y: update[4], Z: update[5]}

	p.dr = mul(so3.Exp(ur), p.dr)
	p.Rwb = mul(p.dr, p.rwb0)
	p.Twb = p.Twb.Add(ut)

	p.its++
	if p.its >= 5 {
		p.dr.Set(0, 2, 0)
		p.dr.Set(1, 2, 0)
		p.dr.Set(2, 0, 0)
		p.dr.Set(2, 1, 0)
		p.dr = so3.Normalize(p.dr)
		p.its = 0
	}

	p.updateCameraPoses()
}

func (p *ImuCamPose) updateCameraPoses() {
	rbw := transpose(p.Rwb)
	tbw := so3.Apply(rbw, p.Twb).Mul(-1)
	for i := range p.Cameras {
		p.Rcw[i] = mul(p.Rcb[i], rbw)
		p.Tcw[i] = so3.Apply(p.Rcb[i], tbw).Add(p.Tcb[i])
	}
}

// InvDepthPoint parameterizes a map point by its inverse depth in a host
// keyframe's image, with the host intrinsics fixed.
type InvDepthPoint struct {
	Rho  float64
	U, V float64

	Fx, Fy, Cx, Cy, Bf float64
}

// NewInvDepthPoint fixes (u, v) and the host intrinsics and sets the initial
// inverse depth.
func NewInvDepthPoint(rho, u, v float64, host HostIntrinsics) *InvDepthPoint {
	fx, fy, cx, cy, bf := host.Intrinsics()
	return &InvDepthPoint{Rho: rho, U: u, V: v, Fx: fx, Fy: fy, Cx: cx, Cy: cy, Bf: bf}
}

// HostIntrinsics supplies the pinhole intrinsics and stereo baseline of an
// inverse-depth point's host keyframe.
type HostIntrinsics interface {
	Intrinsics() (fx, fy, cx, cy, bf float64)
}

// Update adds the scalar inverse-depth delta.
func (p *InvDepthPoint) Update(update []float64) {
	if update == nil {
		golog.Global().Warnw("no update for inverse-depth point")
		return
	}
	p.Rho += update[0]
}

func clone(m *mat.Dense) *mat.Dense {
	out := mat.NewDense(3, 3, nil)
	out.CloneFrom(m)
	return out
}

func transpose(m *mat.Dense) *mat.Dense {
	out := mat.NewDense(3, 3, nil)
	out.Copy(m.T())
	return out
}

func mul(a, b mat.Matrix) *mat.Dense {
	out := mat.NewDense(3, 3, nil)
	out.Mul(a, b)
	return out
}
