// Package cartpole implements the Cartpole classic control environment
package cartpole

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r1"

	env "github.com/benchrl/benchrl/environment"
	ts "github.com/benchrl/benchrl/timestep"
)

const (
	// Physical constants
	Gravity        float64 = 9.8
	CartMass       float64 = 1.0
	PoleMass       float64 = 0.1
	TotalMass      float64 = CartMass + PoleMass
	HalfPoleLength float64 = 0.5  // half of pole length
	PoleMassLength float64 = PoleMass * HalfPoleLength
	ForceMag       float64 = 10.0 // Magnitude of force applied
	Dt             float64 = 0.02 // Seconds between state updates

	// Episode failure thresholds
	PositionThreshold float64 = 2.4
	AngleThreshold    float64 = 12.0 * math.Pi / 180.0

	// Default bound (+/-) on starting state features
	StartBound float64 = 0.05

	// MaxEpisodeSteps is the default step limit, after which episodes
	// are truncated rather than terminated
	MaxEpisodeSteps int = 500
)

// Cartpole implements the dynamics shared by the discrete and
// continuous action variants of the classic control environment. A
// pole is attached to a cart moving along a frictionless track; the
// agent pushes the cart left or right and earns +1 reward for every
// step the pole stays within AngleThreshold of vertical and the cart
// within PositionThreshold of the center.
//
// State features are the cart position and velocity and the pole angle
// and angular velocity. Episodes terminate when either threshold is
// exceeded and truncate at the step limit.
type Cartpole struct {
	env.Starter
	lastStep ts.TimeStep
	maxSteps int
}

func newBase(s env.Starter, maxSteps int) (*Cartpole, error) {
	if maxSteps <= 0 {
		return nil, fmt.Errorf("cartpole: step limit must be positive, "+
			"got %v", maxSteps)
	}

	state := s.Start()
	if state.Len() != 4 {
		return nil, fmt.Errorf("cartpole: starter produced a state of "+
			"length %v, need 4", state.Len())
	}

	c := &Cartpole{
		Starter:  s,
		lastStep: ts.New(ts.First, 0, state, 0),
		maxSteps: maxSteps,
	}
	return c, nil
}

// DefaultStarter returns the starter used by the gym formulation of
// Cartpole: all four state features drawn uniformly from
// [-StartBound, StartBound].
func DefaultStarter(seed uint64) env.Starter {
	bound := r1.Interval{Min: -StartBound, Max: StartBound}
	return env.NewUniformStarter([]r1.Interval{bound, bound, bound, bound},
		seed)
}

// Reset resets the environment and returns a starting state drawn from
// the environment Starter
func (c *Cartpole) Reset() (ts.TimeStep, error) {
	state := c.Start()
	if state.Len() != 4 {
		return ts.TimeStep{}, fmt.Errorf("reset: starter produced a state "+
			"of length %v, need 4", state.Len())
	}

	startStep := ts.New(ts.First, 0, state, 0)
	c.lastStep = startStep

	return startStep, nil
}

// update advances the dynamics by one step under the given force and
// returns the resulting TimeStep.
func (c *Cartpole) update(force float64) (ts.TimeStep, error) {
	obs := c.lastStep.Observation
	x, xDot := obs.AtVec(0), obs.AtVec(1)
	theta, thetaDot := obs.AtVec(2), obs.AtVec(3)

	cosTheta := math.Cos(theta)
	sinTheta := math.Sin(theta)

	// Semi-implicit Euler integration of the pole-on-a-cart dynamics
	temp := (force + PoleMassLength*thetaDot*thetaDot*sinTheta) / TotalMass
	thetaAcc := (Gravity*sinTheta - cosTheta*temp) /
		(HalfPoleLength * (4.0/3.0 - PoleMass*cosTheta*cosTheta/TotalMass))
	xAcc := temp - PoleMassLength*thetaAcc*cosTheta/TotalMass

	x += Dt * xDot
	xDot += Dt * xAcc
	theta += Dt * thetaDot
	thetaDot += Dt * thetaAcc

	state := mat.NewVecDense(4, []float64{x, xDot, theta, thetaDot})
	number := c.lastStep.Number + 1

	failed := x < -PositionThreshold || x > PositionThreshold ||
		theta < -AngleThreshold || theta > AngleThreshold

	var step ts.TimeStep
	switch {
	case failed:
		step = ts.NewLast(1.0, state, number, ts.TerminalEnd)
	case number >= c.maxSteps:
		step = ts.NewLast(1.0, state, number, ts.LimitEnd)
	default:
		step = ts.New(ts.Mid, 1.0, state, number)
	}

	c.lastStep = step
	return step, nil
}

// ObservationSpec returns the observation specification of the
// environment
func (c *Cartpole) ObservationSpec() env.Spec {
	shape := mat.NewVecDense(4, nil)

	lower := []float64{-PositionThreshold * 2, math.Inf(-1),
		-AngleThreshold * 2, math.Inf(-1)}
	lowerBound := mat.NewVecDense(4, lower)

	upper := []float64{PositionThreshold * 2, math.Inf(1),
		AngleThreshold * 2, math.Inf(1)}
	upperBound := mat.NewVecDense(4, upper)

	return env.NewSpec(shape, env.Observation, lowerBound, upperBound,
		env.Continuous)
}
