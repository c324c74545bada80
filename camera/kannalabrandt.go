package camera

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// KannalaBrandt is the equidistant fisheye model of Kannala and Brandt with
// parameters [fx, fy, cx, cy, k0, k1, k2, k3]. The radial mapping is the
// odd-order polynomial d(theta) = theta + k0*theta^3 + k1*theta^5 +
// k2*theta^7 + k3*theta^9.
type KannalaBrandt struct {
	params    []float64
	precision float64
	id        int64
}

// NewKannalaBrandt returns a fisheye model from its
// [fx, fy, cx, cy, k0, k1, k2, k3] parameters.
func NewKannalaBrandt(params []float64) (*KannalaBrandt, error) {
	if len(params) != 8 {
		return nil, errors.Errorf("Kannala-Brandt model expects 8 parameters, got %d", len(params))
	}
	p := make([]float64, 8)
	copy(p, params)
	return &KannalaBrandt{params: p, precision: 1e-6, id: newID()}, nil
}

// Project maps a camera-frame point to pixel coordinates.
func (c *KannalaBrandt) Project(pt r3.Vector) r2.Point {
	fx, fy, cx, cy := c.params[0], c.params[1], c.params[2], c.params[3]
	k0, k1, k2, k3 := c.params[4], c.params[5], c.params[6], c.params[7]

	r := math.Hypot(pt.X, pt.Y)
	theta := math.Atan2(r, pt.Z)
	theta2 := theta * theta
	d := theta * (1 + theta2*(k0+theta2*(k1+theta2*(k2+theta2*k3))))

	return r2.Point{
		X: fx*d*pt.X/r + cx,
		Y: fy*d*pt.Y/r + cy,
	}
}

// Unproject maps pixel coordinates to the unit-depth ray through them,
// inverting the radial polynomial by Newton iteration.
func (c *KannalaBrandt) Unproject(pt r2.Point) r3.Vector {
	fx, fy, cx, cy := c.params[0], c.params[1], c.params[2], c.params[3]
	k0, k1, k2, k3 := c.params[4], c.params[5], c.params[6], c.params[7]

	wx := (pt.X - cx) / fx
	wy := (pt.Y - cy) / fy
	thetaD := math.Hypot(wx, wy)
	thetaD = math.Min(math.Max(-math.Pi/2, thetaD), math.Pi/2)

	scale := 1.0
	if thetaD > 1e-8 {
		theta := thetaD
		for j := 0; j < 10; j++ {
			theta2 := theta * theta
			theta4 := theta2 * theta2
			theta6 := theta4 * theta2
			theta8 := theta4 * theta4
			k0theta2 := k0 * theta2
			k1theta4 := k1 * theta4
			k2theta6 := k2 * theta6
			k3theta8 := k3 * theta8
			fix := (theta*(1+k0theta2+k1theta4+k2theta6+k3theta8) - thetaD) /
				(1 + 3*k0theta2 + 5*k1theta4 + 7*k2theta6 + 9*k3theta8)
			theta -= fix
			if math.Abs(fix) < c.precision {
				break
			}
		}
		scale = math.Tan(theta) / thetaD
	}
	return r3.Vector{X: wx * scale, Y: wy * scale, Z: 1}
}

// Jacobian returns the 2x3 derivative of the projection at pt.
func (c *KannalaBrandt) Jacobian(pt r3.Vector) *mat.Dense {
	fx, fy := c.params[0], c.params[1]
	k0, k1, k2, k3 := c.params[4], c.params[5], c.params[6], c.params[7]

	x2 := pt.X * pt.X
	y2 := pt.Y * pt.Y
	z2 := pt.Z * pt.Z
	r2 := x2 + y2
	r := math.Sqrt(r2)
	r3v := r2 * r
	theta := math.Atan2(r, pt.Z)

	theta2 := theta * theta
	theta4 := theta2 * theta2
	theta6 := theta4 * theta2
	theta8 := theta4 * theta4

	f := theta * (1 + k0*theta2 + k1*theta4 + k2*theta6 + k3*theta8)
	fd := 1 + 3*k0*theta2 + 5*k1*theta4 + 7*k2*theta6 + 9*k3*theta8

	return mat.NewDense(2, 3, []float64{
		fx * (fd*pt.Z*x2/(r2*(r2+z2)) + f*y2/r3v),
		fx * (fd*pt.Z*pt.X*pt.Y/(r2*(r2+z2)) - f*pt.X*pt.Y/r3v),
		-fx * fd * pt.X / (r2 + z2),
		fy * (fd*pt.Z*pt.X*pt.Y/(r2*(r2+z2)) - f*pt.X*pt.Y/r3v),
		fy * (fd*pt.Z*y2/(r2*(r2+z2)) + f*x2/r3v),
		-fy * fd * pt.Y / (r2 + z2),
	})
}

// Parameter returns the i-th of [fx, fy, cx, cy, k0, k1, k2, k3].
func (c *KannalaBrandt) Parameter(i int) float64 { return c.params[i] }

// SetParameter overwrites the i-th of [fx, fy, cx, cy, k0, k1, k2, k3].
func (c *KannalaBrandt) SetParameter(v float64, i int) { c.params[i] = v }

// NumParameters returns 8.
func (c *KannalaBrandt) NumParameters() int { return len(c.params) }

// ID returns the model's stable numeric id.
func (c *KannalaBrandt) ID() int64 { return c.id }
