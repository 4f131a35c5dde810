package cartpole

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	env "github.com/benchrl/benchrl/environment"
	ts "github.com/benchrl/benchrl/timestep"
)

// Continuous implements the Cartpole environment with a single
// continuous action in [-1, 1], scaled to the applied force. Actions
// outside the bounds are clipped, mirroring the gym ClipAction
// wrapper.
type Continuous struct {
	*Cartpole
}

// NewContinuous returns a new continuous-action Cartpole. The
// environment starts ready to use; the returned TimeStep is the first
// of the first episode.
func NewContinuous(s env.Starter, maxSteps int) (*Continuous, ts.TimeStep,
	error) {
	base, err := newBase(s, maxSteps)
	if err != nil {
		return nil, ts.TimeStep{}, err
	}
	return &Continuous{base}, base.lastStep, nil
}

// Step takes one environmental step with the given 1-dimensional
// continuous action.
func (c *Continuous) Step(action mat.Vector) (ts.TimeStep, error) {
	if action.Len() != 1 {
		return ts.TimeStep{}, &env.StepError{
			Env: c.String(),
			Err: fmt.Errorf("actions must be 1-dimensional, got %v",
				action.Len()),
		}
	}

	force := action.AtVec(0)
	if force < -1.0 {
		force = -1.0
	} else if force > 1.0 {
		force = 1.0
	}

	return c.update(force * ForceMag)
}

// ActionSpec returns the action specification of the environment
func (c *Continuous) ActionSpec() env.Spec {
	shape := mat.NewVecDense(1, nil)
	lowerBound := mat.NewVecDense(1, []float64{-1.0})
	upperBound := mat.NewVecDense(1, []float64{1.0})

	return env.NewSpec(shape, env.Action, lowerBound, upperBound,
		env.Continuous)
}

func (c *Continuous) String() string {
	return "Cartpole-Continuous"
}
