package ppo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benchrl/benchrl/agent"
	"github.com/benchrl/benchrl/initwfn"
	"github.com/benchrl/benchrl/solver"
)

func validConfig(t *testing.T) Config {
	t.Helper()

	init, err := initwfn.NewGlorotU(1.0)
	require.NoError(t, err)
	policySolver, err := solver.NewDefaultAdam(3e-4, 0.5)
	require.NoError(t, err)
	criticSolver, err := solver.NewDefaultAdam(1e-3, 0.5)
	require.NoError(t, err)

	return Config{
		Policy:       agent.Categorical,
		PolicyHidden: []int{32},
		CriticHidden: []int{32},
		PolicySolver: policySolver,
		CriticSolver: criticSolver,
		Init:         init,

		Epsilon:     0.2,
		EntropyCoef: 0.01,

		Epochs:        4,
		MinibatchSize: 16,
		TargetKL:      0.015,

		BatchSize: 64,
	}
}

func TestValidConfigValidates(t *testing.T) {
	assert.NoError(t, validConfig(t).Validate())
}

func TestValidateRejectsIllegalFields(t *testing.T) {
	illegal := []func(*Config){
		func(c *Config) { c.Policy = agent.Deterministic },
		func(c *Config) { c.PolicyHidden = nil },
		func(c *Config) { c.PolicySolver = nil },
		func(c *Config) { c.Init = nil },
		func(c *Config) { c.Epsilon = 0 },
		func(c *Config) { c.Epsilon = 1 },
		func(c *Config) { c.EntropyCoef = -1 },
		func(c *Config) { c.Epochs = 0 },
		func(c *Config) { c.TargetKL = -0.1 },
		func(c *Config) { c.MinibatchSize = 24 },
		func(c *Config) { c.BatchSize = 0 },
	}

	for i, mutate := range illegal {
		c := validConfig(t)
		mutate(&c)
		assert.Error(t, c.Validate(), "case %v", i)
	}
}
