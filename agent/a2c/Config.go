// Package a2c implements the synchronous advantage actor-critic
// algorithm. The policy gradient is estimated from one complete
// collection cycle of vectorized experience, weighted by generalized
// advantage estimates, with a single update per cycle.
package a2c

import (
	"fmt"

	"github.com/benchrl/benchrl/agent"
	"github.com/benchrl/benchrl/environment"
	"github.com/benchrl/benchrl/initwfn"
	"github.com/benchrl/benchrl/solver"
)

// Config describes an A2C agent. BatchSize must equal the number of
// transitions per collection cycle delivered by the training loop.
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

	EntropyCoef    float64
	ValueGradSteps int

	// NormalizeAdvantages standardizes each cycle's advantages to
	// mean 0 and standard deviation 1 before the policy update
	NormalizeAdvantages bool

	BatchSize int
}

// Validate implements the agent.Config interface
func (c Config) Validate() error {
	switch c.Policy {
	case agent.Categorical, agent.Gaussian:
	default:
		return fmt.Errorf("a2c: illegal policy type %q", c.Policy)
	}
	if len(c.PolicyHidden) == 0 || len(c.CriticHidden) == 0 {
		return fmt.Errorf("a2c: policy and critic need at least one " +
			"hidden layer")
	}
	if c.PolicySolver == nil || c.CriticSolver == nil {
		return fmt.Errorf("a2c: policy and critic solvers are required")
	}
	if c.Init == nil {
		return fmt.Errorf("a2c: weight initializer is required")
	}
	if c.EntropyCoef < 0 {
		return fmt.Errorf("a2c: entropy coefficient must be non-negative, "+
			"got %v", c.EntropyCoef)
	}
	if c.ValueGradSteps < 1 {
		return fmt.Errorf("a2c: need at least one value gradient step, "+
			"got %v", c.ValueGradSteps)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("a2c: batch size must be positive, got %v",
			c.BatchSize)
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
		return nil, fmt.Errorf("a2c: softmax policy cannot be used with " +
			"continuous actions")
	}
	if c.Policy == agent.Gaussian &&
		env.ActionSpec().Cardinality != environment.Continuous {
		return nil, fmt.Errorf("a2c: gaussian policy cannot be used with " +
			"discrete actions")
	}

	return newA2C(c, env, seed)
}
