// Package agent defines the interfaces between learning algorithms
// and the training loop that drives them.
package agent

import (
	"errors"
	"io"

	"github.com/benchrl/benchrl/gae"
	"github.com/benchrl/benchrl/timestep"
	"gonum.org/v1/gonum/mat"
)

// ErrNumerical indicates that an update produced a non-finite loss or
// gradient. The failed update is guaranteed not to have modified any
// weight; the error is not recoverable and training must abort.
var ErrNumerical = errors.New("numerical failure in update")

// Agent determines the implementation details of a learning algorithm.
//
// An Agent combines a Policy, which chooses actions in each state,
// with a learner that updates the policy's weights. Every Agent is
// either an OnPolicyLearner or an OffPolicyLearner; IsOnPolicy tells
// the training loop which data path to drive.
type Agent interface {
	Policy

	// IsOnPolicy returns whether the agent may only learn from data
	// collected under its current policy
	IsOnPolicy() bool

	// Save writes everything needed to continue training exactly
	// where the agent left off: weights, optimizer state, and update
	// counters. Restore reads it back into an agent constructed with
	// the same configuration.
	Save(w io.Writer) error
	Restore(r io.Reader) error

	Close() error
}

// Policy represents a policy that an agent can have.
//
// In training mode the policy explores; in evaluation mode it acts
// greedily (or by the distribution mode) with no exploration.
type Policy interface {
	SelectAction(t timestep.TimeStep) (*mat.VecDense, error)
	Eval()        // Set policy to evaluation mode
	Train()       // Set policy to training mode
	IsEval() bool // Indicates if in evaluation mode
}

// OnPolicyLearner is an Agent that learns from complete collection
// cycles gathered under its current policy.
type OnPolicyLearner interface {
	Agent

	// Act selects an action for the state in t and returns it along
	// with the value estimate of that state and the log-probability
	// of the selected action, both frozen at selection time.
	Act(t timestep.TimeStep) (action *mat.VecDense, value,
		logProb float64, err error)

	// StateValue returns the value estimate of an observation. The
	// collector bootstraps truncated trajectories with it.
	StateValue(obs mat.Vector) (float64, error)

	// Update performs one learning update from a collection cycle.
	// Returns an error wrapping ErrNumerical if the update produced
	// a non-finite loss or gradient.
	Update(batch *gae.Batch) error
}

// OffPolicyLearner is an Agent that learns from transitions sampled
// out of a replay buffer, decoupled from the collecting policy.
type OffPolicyLearner interface {
	Agent

	// ObserveTransition records a transition into the agent's replay
	// buffer
	ObserveTransition(t timestep.Transition) error

	// Update performs one learning update from replayed experience.
	// Before the replay buffer reaches its minimum fill, Update is a
	// no-op.
	Update() error
}
