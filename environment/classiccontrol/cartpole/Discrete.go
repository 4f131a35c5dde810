package cartpole

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	env "github.com/benchrl/benchrl/environment"
	ts "github.com/benchrl/benchrl/timestep"
)

// Discrete action values
const (
	PushLeft int = iota
	PushRight
)

// Discrete implements the Cartpole environment with two discrete
// actions: push the cart left or push it right.
type Discrete struct {
	*Cartpole
}

// NewDiscrete returns a new discrete-action Cartpole. The environment
// starts ready to use; the returned TimeStep is the first of the first
// episode.
func NewDiscrete(s env.Starter, maxSteps int) (*Discrete, ts.TimeStep, error) {
	base, err := newBase(s, maxSteps)
	if err != nil {
		return nil, ts.TimeStep{}, err
	}
	return &Discrete{base}, base.lastStep, nil
}

// Step takes one environmental step with the given action, which must
// hold a single action index of PushLeft or PushRight.
func (d *Discrete) Step(action mat.Vector) (ts.TimeStep, error) {
	if action.Len() != 1 {
		return ts.TimeStep{}, &env.StepError{
			Env: d.String(),
			Err: fmt.Errorf("actions must be 1-dimensional, got %v",
				action.Len()),
		}
	}

	var force float64
	switch int(action.AtVec(0)) {
	case PushLeft:
		force = -ForceMag
	case PushRight:
		force = ForceMag
	default:
		return ts.TimeStep{}, &env.StepError{
			Env: d.String(),
			Err: fmt.Errorf("no such action %v", action.AtVec(0)),
		}
	}

	return d.update(force)
}

// ActionSpec returns the action specification of the environment
func (d *Discrete) ActionSpec() env.Spec {
	shape := mat.NewVecDense(1, nil)
	lowerBound := mat.NewVecDense(1, []float64{float64(PushLeft)})
	upperBound := mat.NewVecDense(1, []float64{float64(PushRight)})

	return env.NewSpec(shape, env.Action, lowerBound, upperBound,
		env.Discrete)
}

func (d *Discrete) String() string {
	return "Cartpole-Discrete"
}
