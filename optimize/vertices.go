package optimize

import (
	"math"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"github.com/vislam-robotics/vislam/so3"
)

// Velocity, gyro-bias and acc-bias vertices are plain r3.Vector estimates
// with additive updates; they need no dedicated retraction type. The two
// vertices below carry nontrivial manifold updates and are only used during
// inertial initialization.

// GravityDirection is the gravity-direction vertex: a rotation Rwg taking
// the nominal gravity vector [0, 0, -g] into the world frame, updated on a
// two-parameter tangent (the yaw component is unobservable).
type GravityDirection struct {
	Rwg *mat.Dense
}

// NewGravityDirection starts the vertex at Rwg.
func NewGravityDirection(rwg *mat.Dense) *GravityDirection {
	return &GravityDirection{Rwg: clone(rwg)}
}

// Update right-multiplies the two-parameter tangent increment.
func (g *GravityDirection) Update(update []float64) {
	if update == nil {
		golog.Global().Warnw("no update for gravity direction")
		return
	}
	g.Rwg = mul(g.Rwg, so3.Exp(r3.Vector{X: update[0], Y: update[1]}))
}

// Gravity returns the gravity vector Rwg * [0, 0, -g] in the world frame.
func (g *GravityDirection) Gravity() r3.Vector {
	return so3.Apply(g.Rwg, r3.Vector{Z: -gravity})
}

// Scale is the map-scale vertex with a multiplicative update, keeping the
// estimate positive.
type Scale struct {
	S float64
}

// NewScale starts the vertex at s.
func NewScale(s float64) *Scale {
	return &Scale{S: s}
}

// Update multiplies the estimate by exp(delta).
func (s *Scale) Update(update []float64) {
	if update == nil {
		golog.Global().Warnw("no update for scale")
		return
	}
	s.S *= math.Exp(update[0])
}
