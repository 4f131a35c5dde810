// Package environment outlines the interfaces and structs needed to implement
// concrete environments
package environment

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/benchrl/benchrl/timestep"
)

// ErrStep is the sentinel wrapped by transient environment stepping
// errors. Callers that see an error matching ErrStep may recover by
// resetting the offending environment instance; already-collected
// transitions remain valid.
var ErrStep = errors.New("environment step failed")

// StepError wraps a transient mid-episode failure of an environment.
type StepError struct {
	Env string
	Err error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%v: %v", e.Env, e.Err)
}

func (e *StepError) Unwrap() error { return ErrStep }

// Starter implements a distribution of starting states and samples starting
// states for environments
type Starter interface {
	Start() mat.Vector
}

// Environment implements a simulated environment. An Environment
// starts ready to use: New-style constructors return the first
// TimeStep alongside the Environment.
//
// Step consumes the normalized action representation: a vector holding
// either a single discrete action index or a continuous action, as
// declared by ActionSpec. Environments cut episodes off at their own
// step limits by returning a Last TimeStep with a LimitEnd EndType;
// true terminal states end with TerminalEnd.
type Environment interface {
	fmt.Stringer

	// Reset resets the environment between episodes
	Reset() (timestep.TimeStep, error)

	// Step takes one environmental transition with the given action
	Step(action mat.Vector) (timestep.TimeStep, error)

	ObservationSpec() Spec
	ActionSpec() Spec
}
