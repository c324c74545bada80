package imu

import (
	"sync"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"github.com/vislam-robotics/vislam/so3"
)

// Preintegration accumulates raw inertial samples between two keyframes into
// delta rotation/velocity/position, their first-order Jacobians with respect
// to the integration-time bias, and a 15x15 covariance. It implements
// Preintegrated.
type Preintegration struct {
	mu sync.Mutex

	bias    Bias // bias the samples were integrated at
	updated Bias

	dt float64
	dR *mat.Dense
	dV r3.Vector
	dP r3.Vector

	jRg *mat.Dense
	jVg *mat.Dense
	jPg *mat.Dense
	jVa *mat.Dense
	jPa *mat.Dense

	cov   *mat.Dense // 15x15: rotation, velocity, position, gyro walk, acc walk
	noise *mat.Dense // 6x6 per-sample measurement noise (gyro, acc)
	walk  *mat.Dense // 6x6 per-sample random-walk noise
}

// NewPreintegration starts an empty preintegration at bias b.
// The four sigmas are the discrete (rate-adjusted) gyro/acc measurement and
// random-walk noise densities.
func NewPreintegration(b Bias, gyroNoise, accNoise, gyroWalk, accWalk float64) *Preintegration {
	noise := mat.NewDense(6, 6, nil)
	walk := mat.NewDense(6, 6, nil)
	for i := 0; i < 3; i++ {
		noise.Set(i, i, gyroNoise*gyroNoise)
		noise.Set(i+3, i+3, accNoise*accNoise)
		walk.Set(i, i, gyroWalk*gyroWalk)
		walk.Set(i+3, i+3, accWalk*accWalk)
	}
	return &Preintegration{
		bias:    b,
		updated: b,
		dR:      so3.Identity(),
		jRg:     mat.NewDense(3, 3, nil),
		jVg:     mat.NewDense(3, 3, nil),
		jPg:     mat.NewDense(3, 3, nil),
		jVa:     mat.NewDense(3, 3, nil),
		jPa:     mat.NewDense(3, 3, nil),
		cov:     mat.NewDense(15, 15, nil),
		noise:   noise,
		walk:    walk,
	}
}

func setBlock(dst *mat.Dense, i, j int, src mat.Matrix) {
	r, c := src.Dims()
	for ii := 0; ii < r; ii++ {
		for jj := 0; jj < c; jj++ {
			dst.Set(i+ii, j+jj, src.At(ii, jj))
		}
	}
}

// IntegrateMeasurement folds one accelerometer/gyroscope sample of duration
// dt seconds into the accumulated deltas, bias Jacobians and covariance.
func (p *Preintegration) IntegrateMeasurement(acc, gyro r3.Vector, dt float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	a := acc.Sub(p.bias.Acc)
	w := gyro.Sub(p.bias.Gyro)

	// Position and velocity advance with the rotation estimate from before
	// this sample.
	p.dP = p.dP.Add(p.dV.Mul(dt)).Add(so3.Apply(p.dR, a).Mul(0.5 * dt * dt))
	p.dV = p.dV.Add(so3.Apply(p.dR, a).Mul(dt))

	// Linearized transition of [rotation, velocity, position] noise.
	skewA := so3.Skew(a)
	bigA := mat.NewDense(9, 9, nil)
	for i := 0; i < 9; i++ {
		bigA.Set(i, i, 1)
	}
	bigB := mat.NewDense(9, 6, nil)

	var dRWacc mat.Dense
	dRWacc.Mul(p.dR, skewA)
	var tmp mat.Dense
	tmp.Scale(-dt, &dRWacc)
	setBlock(bigA, 3, 0, &tmp)
	tmp.Scale(-0.5*dt*dt, &dRWacc)
	setBlock(bigA, 6, 0, &tmp)
	for i := 0; i < 3; i++ {
		bigA.Set(6+i, 3+i, dt)
	}
	tmp.Scale(dt, p.dR)
	setBlock(bigB, 3, 3, &tmp)
	tmp.Scale(0.5*dt*dt, p.dR)
	setBlock(bigB, 6, 3, &tmp)

	// Bias Jacobians advance before the rotation estimate changes.
	var scaled mat.Dense
	scaled.Scale(dt, p.jVa)
	p.jPa.Add(p.jPa, &scaled)
	scaled.Scale(-0.5*dt*dt, p.dR)
	p.jPa.Add(p.jPa, &scaled)

	scaled.Scale(dt, p.jVg)
	p.jPg.Add(p.jPg, &scaled)
	var waccJRg mat.Dense
	waccJRg.Mul(&dRWacc, p.jRg)
	scaled.Scale(-0.5*dt*dt, &waccJRg)
	p.jPg.Add(p.jPg, &scaled)

	scaled.Scale(-dt, p.dR)
	p.jVa.Add(p.jVa, &scaled)
	scaled.Scale(-dt, &waccJRg)
	p.jVg.Add(p.jVg, &scaled)

	// Rotation advances last.
	dRi := so3.Exp(w.Mul(dt))
	rightJ := so3.RightJacobian(w.Mul(dt))
	var newDR mat.Dense
	newDR.Mul(p.dR, dRi)
	p.dR = so3.Normalize(&newDR)

	setBlock(bigA, 0, 0, dRi.T())
	tmp.Scale(dt, rightJ)
	setBlock(bigB, 0, 0, &tmp)

	// Covariance of the 9-dim delta block, then the bias random walk.
	c9 := p.cov.Slice(0, 9, 0, 9)
	var ac, acat, bn, bnbt mat.Dense
	ac.Mul(bigA, c9)
	acat.Mul(&ac, bigA.T())
	bn.Mul(bigB, p.noise)
	bnbt.Mul(&bn, bigB.T())
	var c9new mat.Dense
	c9new.Add(&acat, &bnbt)
	setBlock(p.cov, 0, 0, &c9new)
	for i := 0; i < 6; i++ {
		p.cov.Set(9+i, 9+i, p.cov.At(9+i, 9+i)+p.walk.At(i, i))
	}

	var newJRg mat.Dense
	newJRg.Mul(dRi.T(), p.jRg)
	scaled.Scale(-dt, rightJ)
	newJRg.Add(&newJRg, &scaled)
	p.jRg.CloneFrom(&newJRg)

	p.dt += dt
}

// DeltaRotation returns the preintegrated rotation corrected to bias b via
// the stored gyro Jacobian.
func (p *Preintegration) DeltaRotation(b Bias) *mat.Dense {
	p.mu.Lock()
	defer p.mu.Unlock()
	dbg := b.Gyro.Sub(p.bias.Gyro)
	var out mat.Dense
	out.Mul(p.dR, so3.Exp(so3.Apply(p.jRg, dbg)))
	return so3.Normalize(&out)
}

// DeltaVelocity returns the preintegrated velocity corrected to bias b.
func (p *Preintegration) DeltaVelocity(b Bias) r3.Vector {
	p.mu.Lock()
	defer p.mu.Unlock()
	db := b.Sub(p.bias)
	return p.dV.Add(so3.Apply(p.jVg, db.Gyro)).Add(so3.Apply(p.jVa, db.Acc))
}

// DeltaPosition returns the preintegrated position corrected to bias b.
func (p *Preintegration) DeltaPosition(b Bias) r3.Vector {
	p.mu.Lock()
	defer p.mu.Unlock()
	db := b.Sub(p.bias)
	return p.dP.Add(so3.Apply(p.jPg, db.Gyro)).Add(so3.Apply(p.jPa, db.Acc))
}

// DeltaBias returns the offset of b from the bias the samples were
// integrated at.
func (p *Preintegration) DeltaBias(b Bias) Bias {
	p.mu.Lock()
	defer p.mu.Unlock()
	return b.Sub(p.bias)
}

// RotationGyroJacobian returns d(delta rotation)/d(gyro bias).
func (p *Preintegration) RotationGyroJacobian() *mat.Dense { return p.cloneJac(p.jRg) }

// VelocityGyroJacobian returns d(delta velocity)/d(gyro bias).
func (p *Preintegration) VelocityGyroJacobian() *mat.Dense { return p.cloneJac(p.jVg) }

// PositionGyroJacobian returns d(delta position)/d(gyro bias).
func (p *Preintegration) PositionGyroJacobian() *mat.Dense { return p.cloneJac(p.jPg) }

// VelocityAccJacobian returns d(delta velocity)/d(acc bias).
func (p *Preintegration) VelocityAccJacobian() *mat.Dense { return p.cloneJac(p.jVa) }

// PositionAccJacobian returns d(delta position)/d(acc bias).
func (p *Preintegration) PositionAccJacobian() *mat.Dense { return p.cloneJac(p.jPa) }

func (p *Preintegration) cloneJac(j *mat.Dense) *mat.Dense {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := mat.NewDense(3, 3, nil)
	out.CloneFrom(j)
	return out
}

// Covariance returns a copy of the accumulated 15x15 covariance.
func (p *Preintegration) Covariance() *mat.Dense {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := mat.NewDense(15, 15, nil)
	out.CloneFrom(p.cov)
	return out
}

// Duration returns the total integrated time.
func (p *Preintegration) Duration() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dt
}

// SetNewBias records an updated bias estimate.
func (p *Preintegration) SetNewBias(b Bias) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updated = b
}

// UpdatedBias returns the most recent bias recorded with SetNewBias.
func (p *Preintegration) UpdatedBias() Bias {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.updated
}

// OriginalBias returns the bias the samples were integrated at.
func (p *Preintegration) OriginalBias() Bias {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bias
}
