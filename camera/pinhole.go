package camera

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Pinhole is an undistorted pinhole projection model with parameters
// [fx, fy, cx, cy].
type Pinhole struct {
	params []float64
	id     int64
}

// NewPinhole returns a pinhole model from its [fx, fy, cx, cy] parameters.
func NewPinhole(params []float64) (*Pinhole, error) {
	if len(params) != 4 {
		return nil, errors.Errorf("pinhole model expects 4 parameters, got %d", len(params))
	}
	p := make([]float64, 4)
	copy(p, params)
	return &Pinhole{params: p, id: newID()}, nil
}

// Project maps a camera-frame point to pixel coordinates.
func (c *Pinhole) Project(pt r3.Vector) r2.Point {
	fx, fy, cx, cy := c.params[0], c.params[1], c.params[2], c.params[3]
	return r2.Point{
		X: fx*pt.X/pt.Z + cx,
		Y: fy*pt.Y/pt.Z + cy,
	}
}

// Unproject maps pixel coordinates to the unit-depth ray through them.
func (c *Pinhole) Unproject(pt r2.Point) r3.Vector {
	fx, fy, cx, cy := c.params[0], c.params[1], c.params[2], c.params[3]
	return r3.Vector{
		X: (pt.X - cx) / fx,
		Y: (pt.Y - cy) / fy,
		Z: 1,
	}
}

// Jacobian returns the 2x3 derivative of the projection at pt.
func (c *Pinhole) Jacobian(pt r3.Vector) *mat.Dense {
	fx, fy := c.params[0], c.params[1]
	invZ := 1.0 / pt.Z
	invZ2 := invZ * invZ
	return mat.NewDense(2, 3, []float64{
		fx * invZ, 0, -fx * pt.X * invZ2,
		0, fy * invZ, -fy * pt.Y * invZ2,
	})
}

// Parameter returns the i-th of [fx, fy, cx, cy].
func (c *Pinhole) Parameter(i int) float64 { return c.params[i] }

// SetParameter overwrites the i-th of [fx, fy, cx, cy].
func (c *Pinhole) SetParameter(v float64, i int) { c.params[i] = v }

// NumParameters returns 4.
func (c *Pinhole) NumParameters() int { return len(c.params) }

// ID returns the model's stable numeric id.
func (c *Pinhole) ID() int64 { return c.id }
