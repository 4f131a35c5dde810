// Package ppo implements proximal policy optimization with a clipped
// surrogate objective. Each collection cycle is consumed over several
// epochs of shuffled minibatches, with the probability ratio computed
// against log-probabilities frozen at collection time.
package ppo

import (
	"fmt"

	"github.com/benchrl/benchrl/agent"
	"github.com/benchrl/benchrl/environment"
	"github.com/benchrl/benchrl/initwfn"
	"github.com/benchrl/benchrl/solver"
)

// Config describes a PPO agent. BatchSize must equal the number of
// transitions per collection cycle delivered by the training loop and
// be divisible by MinibatchSize.
type Config struct {
	Policy agent.PolicyType

	PolicyHidden []int
	CriticHidden []int

	// Starting log standard deviation of the action distribution.
	// Gaussian policies only.
	InitLogStd float64

	PolicySolver *solver.Solver
	CriticSolver *solver.Solver
	Init         *initwfn.InitWFn

	// Epsilon is the clip range of the probability ratio
	Epsilon     float64
	EntropyCoef float64

	Epochs        int
	MinibatchSize int

	// TargetKL stops the epoch loop early once the approximate KL
	// divergence from the collection policy exceeds 1.5 times this
	// value. Zero disables the early stop.
	TargetKL float64

	// NormalizeAdvantages standardizes each cycle's advantages to
	// mean 0 and standard deviation 1 before the policy updates
	NormalizeAdvantages bool

	BatchSize int
}

// Validate implements the agent.Config interface
func (c Config) Validate() error {
	switch c.Policy {
	case agent.Categorical, agent.Gaussian:
	default:
		return fmt.Errorf("ppo: illegal policy type %q", c.Policy)
	}
	if len(c.PolicyHidden) == 0 || len(c.CriticHidden) == 0 {
		return fmt.Errorf("ppo: policy and critic need at least one " +
			"hidden layer")
	}
	if c.PolicySolver == nil || c.CriticSolver == nil {
		return fmt.Errorf("ppo: policy and critic solvers are required")
	}
	if c.Init == nil {
		return fmt.Errorf("ppo: weight initializer is required")
	}
	if c.Epsilon <= 0 || c.Epsilon >= 1 {
		return fmt.Errorf("ppo: clip range must be in (0, 1), got %v",
			c.Epsilon)
	}
	if c.EntropyCoef < 0 {
		return fmt.Errorf("ppo: entropy coefficient must be non-negative, "+
			"got %v", c.EntropyCoef)
	}
	if c.Epochs < 1 {
		return fmt.Errorf("ppo: need at least one epoch, got %v", c.Epochs)
	}
	if c.TargetKL < 0 {
		return fmt.Errorf("ppo: target KL must be non-negative, got %v",
			c.TargetKL)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("ppo: batch size must be positive, got %v",
			c.BatchSize)
	}
	if c.MinibatchSize < 1 || c.BatchSize%c.MinibatchSize != 0 {
		return fmt.Errorf("ppo: batch size %v is not divisible by "+
			"minibatch size %v", c.BatchSize, c.MinibatchSize)
	}
	return nil
}

// CreateAgent implements the agent.Config interface
func (c Config) CreateAgent(env environment.Environment,
	seed uint64) (agent.Agent, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if c.Policy == agent.Categorical &&
		env.ActionSpec().Cardinality != environment.Discrete {
		return nil, fmt.Errorf("ppo: softmax policy cannot be used with " +
			"continuous actions")
	}
	if c.Policy == agent.Gaussian &&
		env.ActionSpec().Cardinality != environment.Continuous {
		return nil, fmt.Errorf("ppo: gaussian policy cannot be used with " +
			"discrete actions")
	}

	return newPPO(c, env, seed)
}
