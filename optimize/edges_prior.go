package optimize

import (
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/vislam-robotics/vislam/so3"
)

// ConstraintPoseImu is the marginalized prior over a full inertial state
// [pose, velocity, gyro bias, acc bias] with its 15x15 information matrix.
type ConstraintPoseImu struct {
	Rwb      *mat.Dense
	Twb      r3.Vector
	Vwb      r3.Vector
	GyroBias r3.Vector
	AccBias  r3.Vector
	H        *mat.Dense
}

// NewConstraintPoseImu validates the information matrix dimensions.
func NewConstraintPoseImu(rwb *mat.Dense, twb, vwb, bg, ba r3.Vector, h *mat.Dense) (*ConstraintPoseImu, error) {
	r, c := h.Dims()
	if r != 15 || c != 15 {
		return nil, errors.Errorf("inertial prior expects a 15x15 information matrix, got %dx%d", r, c)
	}
	return &ConstraintPoseImu{Rwb: clone(rwb), Twb: twb, Vwb: vwb, GyroBias: bg, AccBias: ba, H: h}, nil
}

// EdgePriorPoseImu pulls a full inertial state toward a marginalized prior.
type EdgePriorPoseImu struct {
	constraint *ConstraintPoseImu
}

// NewEdgePriorPoseImu builds the prior edge from its constraint.
func NewEdgePriorPoseImu(c *ConstraintPoseImu) *EdgePriorPoseImu {
	return &EdgePriorPoseImu{constraint: c}
}

// Information returns the prior's 15x15 information matrix.
func (e *EdgePriorPoseImu) Information() *mat.Dense { return e.constraint.H }

// Error returns the 15-dim residual [rotation, translation, velocity,
// gyro bias, acc bias] against the prior.
func (e *EdgePriorPoseImu) Error(pose *ImuCamPose, v, bg, ba r3.Vector) *mat.VecDense {
	c := e.constraint
	rbw := transpose(c.Rwb)
	er := so3.Log(mul(rbw, pose.Rwb))
	et := so3.Apply(rbw, pose.Twb.Sub(c.Twb))
	ev := v.Sub(c.Vwb)
	ebg := bg.Sub(c.GyroBias)
	eba := ba.Sub(c.AccBias)
	return mat.NewVecDense(15, []float64{
		er.X, er.Y, er.Z,
		et.X, et.Y, et.Z,
		ev.X, ev.Y, ev.Z,
		ebg.X, ebg.Y, ebg.Z,
		eba.X, eba.Y, eba.Z,
	})
}

// PriorPoseImuJacobians holds the Jacobian blocks of the full prior: a 15x6
// pose block and 15x3 blocks for velocity and the two biases.
type PriorPoseImuJacobians struct {
	Pose     *mat.Dense
	Vel      *mat.Dense
	GyroBias *mat.Dense
	AccBias  *mat.Dense
}

// Jacobians returns the prior's Jacobian blocks.
func (e *EdgePriorPoseImu) Jacobians(pose *ImuCamPose) *PriorPoseImuJacobians {
	c := e.constraint
	rbw := transpose(c.Rwb)
	er := so3.Log(mul(rbw, pose.Rwb))

	j := &PriorPoseImuJacobians{
		Pose:     mat.NewDense(15, 6, nil),
		Vel:      mat.NewDense(15, 3, nil),
		GyroBias: mat.NewDense(15, 3, nil),
		AccBias:  mat.NewDense(15, 3, nil),
	}
	setBlock(j.Pose, 0, 0, so3.InverseRightJacobian(er))
	setBlock(j.Pose, 3, 3, mul(rbw, pose.Rwb))
	setBlock(j.Vel, 6, 0, so3.Identity())
	setBlock(j.GyroBias, 9, 0, so3.Identity())
	setBlock(j.AccBias, 12, 0, so3.Identity())
	return j
}

// EdgePriorAcc is a Gaussian prior on the accelerometer bias.
type EdgePriorAcc struct {
	Prior r3.Vector
}

// Error returns prior - estimate.
func (e *EdgePriorAcc) Error(ba r3.Vector) *mat.VecDense {
	d := e.Prior.Sub(ba)
	return mat.NewVecDense(3, []float64{d.X, d.Y, d.Z})
}

// Jacobian returns the identity bias block.
func (e *EdgePriorAcc) Jacobian() *mat.Dense { return so3.Identity() }

// EdgePriorGyro is a Gaussian prior on the gyroscope bias.
type EdgePriorGyro struct {
	Prior r3.Vector
}

// Error returns prior - estimate.
func (e *EdgePriorGyro) Error(bg r3.Vector) *mat.VecDense {
	d := e.Prior.Sub(bg)
	return mat.NewVecDense(3, []float64{d.X, d.Y, d.Z})
}

// Jacobian returns the identity bias block.
func (e *EdgePriorGyro) Jacobian() *mat.Dense { return so3.Identity() }
