package agent

import (
	"github.com/benchrl/benchrl/environment"
)

// Config represents a configuration for creating an agent
type Config interface {
	// CreateAgent creates the agent that the config describes. The
	// environment provides the observation and action specifications
	// the agent's networks are sized from.
	CreateAgent(env environment.Environment, seed uint64) (Agent, error)

	// Validate returns an error describing the first illegal
	// hyperparameter in the configuration, if any. Validate is called
	// before CreateAgent so that illegal configurations are rejected
	// before any network is built.
	Validate() error
}

// PolicyType represents a type of distribution that a policy could be
type PolicyType string

const (
	Gaussian      PolicyType = "Gaussian"
	Categorical   PolicyType = "Softmax"
	Deterministic PolicyType = "Deterministic"
)
