// Package imu provides the inertial bias type and the preintegration of raw
// accelerometer/gyroscope samples between two keyframes into a compact motion
// delta with bias-sensitivity Jacobians and an accumulated covariance.
package imu

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// Gravity is the magnitude of gravitational acceleration in m/s^2.
const Gravity = 9.81

// Bias holds the accelerometer and gyroscope biases.
type Bias struct {
	Acc  r3.Vector
	Gyro r3.Vector
}

// Sub returns the component-wise difference b - o.
func (b Bias) Sub(o Bias) Bias {
	return Bias{Acc: b.Acc.Sub(o.Acc), Gyro: b.Gyro.Sub(o.Gyro)}
}

// Preintegrated exposes a preintegrated inertial measurement between two
// keyframes. Deltas are evaluated at an arbitrary bias hypothesis via the
// stored first-order bias-correction Jacobians, without re-integration.
type Preintegrated interface {
	// DeltaRotation returns the bias-corrected preintegrated rotation.
	DeltaRotation(b Bias) *mat.Dense
	// DeltaVelocity returns the bias-corrected preintegrated velocity.
	DeltaVelocity(b Bias) r3.Vector
	// DeltaPosition returns the bias-corrected preintegrated position.
	DeltaPosition(b Bias) r3.Vector
	// DeltaBias returns the offset of b from the integration-time bias.
	DeltaBias(b Bias) Bias
	// RotationGyroJacobian, VelocityGyroJacobian, PositionGyroJacobian,
	// VelocityAccJacobian and PositionAccJacobian return the first-order
	// sensitivities of the deltas with respect to the two biases.
	RotationGyroJacobian() *mat.Dense
	VelocityGyroJacobian() *mat.Dense
	PositionGyroJacobian() *mat.Dense
	VelocityAccJacobian() *mat.Dense
	PositionAccJacobian() *mat.Dense
	// Covariance returns the accumulated 15x15 covariance of
	// [rotation, velocity, position, gyro walk, acc walk].
	Covariance() *mat.Dense
	// Duration returns the total integrated time in seconds.
	Duration() float64
	// SetNewBias records an updated bias estimate for later delta queries.
	SetNewBias(b Bias)
}
