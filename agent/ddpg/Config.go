// Package ddpg implements the deep deterministic policy gradient
// algorithm: an off-policy actor-critic for continuous control with a
// single Q critic and Polyak-averaged target networks.
package ddpg

import (
	"fmt"

	"github.com/benchrl/benchrl/agent"
	"github.com/benchrl/benchrl/environment"
	"github.com/benchrl/benchrl/initwfn"
	"github.com/benchrl/benchrl/solver"
)

// Config describes a DDPG agent
type Config struct {
	ActorHidden  []int
	CriticHidden []int

	ActorSolver  *solver.Solver
	CriticSolver *solver.Solver
	Init         *initwfn.InitWFn

	// Replay buffer: updates begin once ReplayMin transitions are
	// stored, the oldest transition is evicted past ReplayMax
	ReplayMin  int
	ReplayMax  int
	SampleSize int

	// Tau is the Polyak averaging rate of the target networks
	Tau float64

	// ExplorationNoise is the standard deviation of the Gaussian
	// noise added to actions during collection
	ExplorationNoise float64
}

// Validate implements the agent.Config interface
func (c Config) Validate() error {
	if len(c.ActorHidden) == 0 || len(c.CriticHidden) == 0 {
		return fmt.Errorf("ddpg: actor and critic need at least one " +
			"hidden layer")
	}
	if c.ActorSolver == nil || c.CriticSolver == nil {
		return fmt.Errorf("ddpg: actor and critic solvers are required")
	}
	if c.Init == nil {
		return fmt.Errorf("ddpg: weight initializer is required")
	}
	if c.ReplayMin < 1 || c.ReplayMax < c.ReplayMin {
		return fmt.Errorf("ddpg: illegal replay capacity [%v, %v]",
			c.ReplayMin, c.ReplayMax)
	}
	if c.SampleSize < 1 || c.SampleSize > c.ReplayMin {
		return fmt.Errorf("ddpg: sample size %v must be in [1, %v]",
			c.SampleSize, c.ReplayMin)
	}
	if c.Tau <= 0 || c.Tau > 1 {
		return fmt.Errorf("ddpg: τ must be in (0, 1], got %v", c.Tau)
	}
	if c.ExplorationNoise < 0 {
		return fmt.Errorf("ddpg: exploration noise must be non-negative, "+
			"got %v", c.ExplorationNoise)
	}
	return nil
}

// CreateAgent implements the agent.Config interface
func (c Config) CreateAgent(env environment.Environment,
	seed uint64) (agent.Agent, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if env.ActionSpec().Cardinality != environment.Continuous {
		return nil, fmt.Errorf("ddpg: deterministic policy cannot be " +
			"used with discrete actions")
	}

	return newDDPG(c, env, seed)
}
