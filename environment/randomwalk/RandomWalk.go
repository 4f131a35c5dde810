// Package randomwalk implements a deterministic 1-D chain environment.
// The agent starts in the middle of a bounded line and walks left or
// right; reaching the right end is terminal and rewarded. The dynamics
// have no noise, which makes the environment useful both as a fast
// smoke benchmark and as a fixture for exact-value tests.
package randomwalk

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	env "github.com/benchrl/benchrl/environment"
	ts "github.com/benchrl/benchrl/timestep"
)

// Discrete action values
const (
	MoveLeft int = iota
	MoveRight
)

// RandomWalk is a chain of length Size. Positions are observed as a
// single feature scaled to [-1, 1]. Walking off the right end yields
// +1 reward and terminates; walking off the left end yields -1 and
// terminates; every other step is rewarded 0. Episodes truncate at the
// step limit.
type RandomWalk struct {
	size     int
	maxSteps int
	lastStep ts.TimeStep
}

// New returns a new RandomWalk with the given chain length and step
// limit. The environment starts ready to use.
func New(size, maxSteps int) (*RandomWalk, ts.TimeStep, error) {
	if size < 3 || size%2 == 0 {
		return nil, ts.TimeStep{}, fmt.Errorf("randomwalk: chain length "+
			"must be odd and at least 3, got %v", size)
	}
	if maxSteps <= 0 {
		return nil, ts.TimeStep{}, fmt.Errorf("randomwalk: step limit must "+
			"be positive, got %v", maxSteps)
	}

	r := &RandomWalk{size: size, maxSteps: maxSteps}
	first, _ := r.Reset()
	return r, first, nil
}

// Reset resets the environment to the middle of the chain
func (r *RandomWalk) Reset() (ts.TimeStep, error) {
	obs := mat.NewVecDense(1, []float64{0})
	first := ts.New(ts.First, 0, obs, 0)
	r.lastStep = first
	return first, nil
}

// Step takes one environmental step, moving left for action 0 and
// right otherwise. Continuous callers use the sign of the action.
func (r *RandomWalk) Step(action mat.Vector) (ts.TimeStep, error) {
	if action.Len() != 1 {
		return ts.TimeStep{}, &env.StepError{
			Env: r.String(),
			Err: fmt.Errorf("actions must be 1-dimensional, got %v",
				action.Len()),
		}
	}

	half := float64(r.size / 2)
	pos := r.lastStep.Observation.AtVec(0) * half
	if action.AtVec(0) <= 0 {
		pos--
	} else {
		pos++
	}

	number := r.lastStep.Number + 1
	obs := mat.NewVecDense(1, []float64{pos / half})

	var step ts.TimeStep
	switch {
	case pos > half:
		step = ts.NewLast(1.0, obs, number, ts.TerminalEnd)
	case pos < -half:
		step = ts.NewLast(-1.0, obs, number, ts.TerminalEnd)
	case number >= r.maxSteps:
		step = ts.NewLast(0.0, obs, number, ts.LimitEnd)
	default:
		step = ts.New(ts.Mid, 0.0, obs, number)
	}

	r.lastStep = step
	return step, nil
}

// ObservationSpec returns the observation specification of the
// environment
func (r *RandomWalk) ObservationSpec() env.Spec {
	shape := mat.NewVecDense(1, nil)
	lower := mat.NewVecDense(1, []float64{-1.0})
	upper := mat.NewVecDense(1, []float64{1.0})

	return env.NewSpec(shape, env.Observation, lower, upper, env.Continuous)
}

// ActionSpec returns the action specification of the environment
func (r *RandomWalk) ActionSpec() env.Spec {
	shape := mat.NewVecDense(1, nil)
	lower := mat.NewVecDense(1, []float64{float64(MoveLeft)})
	upper := mat.NewVecDense(1, []float64{float64(MoveRight)})

	return env.NewSpec(shape, env.Action, lower, upper, env.Discrete)
}

func (r *RandomWalk) String() string {
	return fmt.Sprintf("RandomWalk-%v", r.size)
}
