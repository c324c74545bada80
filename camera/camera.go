// Package camera provides the projection models consumed by the optimization
// backend: a pinhole model and a Kannala-Brandt fisheye model. Both expose
// projection, unprojection to a unit-depth ray, the analytic 2x3 projection
// Jacobian used in reprojection edges, and parameter access by index for
// persistence.
package camera

import (
	"sync/atomic"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// Model is the capability set required of a camera by the optimizer. The set
// of implementations is closed: Pinhole and KannalaBrandt.
type Model interface {
	// Project maps a 3D point in the camera frame to pixel coordinates.
	Project(pt r3.Vector) r2.Point
	// Unproject maps pixel coordinates back to a unit-depth ray in the
	// camera frame.
	Unproject(pt r2.Point) r3.Vector
	// Jacobian returns the 2x3 derivative of Project with respect to the
	// camera-frame point.
	Jacobian(pt r3.Vector) *mat.Dense
	// Parameter returns the i-th intrinsic parameter.
	Parameter(i int) float64
	// SetParameter overwrites the i-th intrinsic parameter.
	SetParameter(v float64, i int)
	// NumParameters returns the number of intrinsic parameters.
	NumParameters() int
	// ID returns a stable numeric id used by persistence records.
	ID() int64
}

var nextID int64

func newID() int64 {
	return atomic.AddInt64(&nextID, 1) - 1
}
