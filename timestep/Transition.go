package timestep

import "gonum.org/v1/gonum/mat"

// Transition packages together a single (S, A, R, S') tuple of the
// agent-environment interaction. A Transition is immutable once
// recorded and is labeled with the index of the (possibly vectorized)
// environment instance that produced it, so that learners never mix
// data across parallel instances.
//
// Discount is the factor applied to values of NextState when forming
// update targets: γ during an episode and 0 past a terminal state.
// Episodes cut off by a step limit keep Discount = γ, since the value
// of NextState is still bootstrapped past a truncation.
type Transition struct {
	State    mat.Vector
	Action   mat.Vector
	Reward   float64
	Discount float64

	NextState mat.Vector
	EnvIndex  int
}

// NewTransition packages an environment step into a Transition. The
// gamma parameter is the learner's discount factor, zeroed if
// nextStep reached a terminal state.
func NewTransition(step TimeStep, action mat.Vector, nextStep TimeStep,
	gamma float64, envIndex int) Transition {
	discount := gamma
	if nextStep.Terminated() {
		discount = 0
	}

	return Transition{
		State:     step.Observation,
		Action:    action,
		Reward:    nextStep.Reward,
		Discount:  discount,
		NextState: nextStep.Observation,
		EnvIndex:  envIndex,
	}
}
