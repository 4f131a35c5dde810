// Package vector implements lockstep vectorized execution of several
// environment instances behind a single batched stepping call.
package vector

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/benchrl/benchrl/environment"
	ts "github.com/benchrl/benchrl/timestep"
)

// StepResult is the outcome of stepping one environment instance
// within a batched Step call.
//
// Step is the transition outcome and may be a Last TimeStep. Next is
// the TimeStep to act from on the following call: it equals Step in
// the middle of an episode and is a fresh First TimeStep when the
// instance was auto-reset after its episode ended or after a recovered
// stepping error.
//
// Recovered reports that the instance failed transiently mid-episode;
// when set, Step holds no valid transition and must be discarded while
// Next holds the fresh starting step of the re-initialized instance.
type StepResult struct {
	Step      ts.TimeStep
	Next      ts.TimeStep
	Recovered bool
}

// Env steps N environment instances in lockstep. All instances must
// share observation and action specifications. Each instance ends and
// restarts episodes independently: a terminal or truncated step
// triggers an internal reset of that instance only, without disturbing
// the trajectories of the others.
type Env struct {
	envs      []environment.Environment
	recovered int
}

// New returns a vectorized environment over the given instances, which
// must be at least one and agree on their observation and action
// space shapes.
func New(envs []environment.Environment) (*Env, error) {
	if len(envs) == 0 {
		return nil, errors.New("vector: need at least one environment")
	}

	obs := envs[0].ObservationSpec()
	act := envs[0].ActionSpec()
	for i, e := range envs[1:] {
		if e.ObservationSpec().Shape.Len() != obs.Shape.Len() {
			return nil, fmt.Errorf("vector: instance %v observation shape "+
				"differs from instance 0", i+1)
		}
		if e.ActionSpec().Shape.Len() != act.Shape.Len() ||
			e.ActionSpec().Cardinality != act.Cardinality {
			return nil, fmt.Errorf("vector: instance %v action space "+
				"differs from instance 0", i+1)
		}
	}

	return &Env{envs: envs}, nil
}

// Len returns the number of environment instances
func (v *Env) Len() int { return len(v.envs) }

// ObservationSpec returns the per-instance observation specification
func (v *Env) ObservationSpec() environment.Spec {
	return v.envs[0].ObservationSpec()
}

// ActionSpec returns the per-instance action specification
func (v *Env) ActionSpec() environment.Spec {
	return v.envs[0].ActionSpec()
}

// Recovered returns the number of transient stepping errors recovered
// by per-instance resets over the lifetime of the Env.
func (v *Env) Recovered() int { return v.recovered }

// Reset resets every instance and returns their starting steps.
func (v *Env) Reset() ([]ts.TimeStep, error) {
	steps := make([]ts.TimeStep, len(v.envs))
	for i, e := range v.envs {
		step, err := e.Reset()
		if err != nil {
			return nil, fmt.Errorf("reset: instance %v: %v", i, err)
		}
		steps[i] = step
	}
	return steps, nil
}

// ResetAt resets the single instance at index i, leaving all others
// untouched, and returns its fresh starting step.
func (v *Env) ResetAt(i int) (ts.TimeStep, error) {
	if i < 0 || i >= len(v.envs) {
		return ts.TimeStep{}, fmt.Errorf("resetAt: no such instance %v", i)
	}
	return v.envs[i].Reset()
}

// Step advances every instance by one transition using the action at
// the matching index. Instances whose episodes end are reset
// internally; instances that fail transiently are reset and flagged
// Recovered so the caller can discard the in-flight transition.
// Transitions already returned by earlier calls are never invalidated.
//
// A non-nil error is returned only for unrecoverable failures, such as
// an instance that cannot be reset.
func (v *Env) Step(actions []mat.Vector) ([]StepResult, error) {
	if len(actions) != len(v.envs) {
		return nil, fmt.Errorf("step: have %v actions for %v instances",
			len(actions), len(v.envs))
	}

	results := make([]StepResult, len(v.envs))
	for i, e := range v.envs {
		step, err := e.Step(actions[i])
		if err != nil {
			if !errors.Is(err, environment.ErrStep) {
				return nil, fmt.Errorf("step: instance %v: %v", i, err)
			}

			// Transient failure: drop the in-flight transition and
			// restart this instance only.
			v.recovered++
			first, resetErr := e.Reset()
			if resetErr != nil {
				return nil, fmt.Errorf("step: instance %v failed (%v) and "+
					"could not reset: %v", i, err, resetErr)
			}
			results[i] = StepResult{Next: first, Recovered: true}
			continue
		}

		results[i] = StepResult{Step: step, Next: step}
		if step.Last() {
			first, err := e.Reset()
			if err != nil {
				return nil, fmt.Errorf("step: instance %v could not "+
					"reset: %v", i, err)
			}
			results[i].Next = first
		}
	}

	return results, nil
}
