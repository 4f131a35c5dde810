package td3

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benchrl/benchrl/initwfn"
	"github.com/benchrl/benchrl/solver"
)

func validConfig(t *testing.T) Config {
	t.Helper()

	init, err := initwfn.NewGlorotU(1.0)
	require.NoError(t, err)
	actorSolver, err := solver.NewDefaultAdam(1e-3, 0.5)
	require.NoError(t, err)
	criticSolver, err := solver.NewDefaultAdam(1e-3, 0.5)
	require.NoError(t, err)

	return Config{
		ActorHidden:  []int{64, 64},
		CriticHidden: []int{64, 64},
		ActorSolver:  actorSolver,
		CriticSolver: criticSolver,
		Init:         init,

		ReplayMin:  100,
		ReplayMax:  1000,
		SampleSize: 32,

		Tau:         0.005,
		PolicyDelay: 2,

		ExplorationNoise: 0.1,
		TargetNoise:      0.2,
		NoiseClip:        0.5,
	}
}

func TestValidConfigValidates(t *testing.T) {
	assert.NoError(t, validConfig(t).Validate())
}

func TestValidateRejectsIllegalFields(t *testing.T) {
	illegal := []func(*Config){
		func(c *Config) { c.ActorHidden = nil },
		func(c *Config) { c.CriticSolver = nil },
		func(c *Config) { c.Init = nil },
		func(c *Config) { c.ReplayMax = c.ReplayMin - 1 },
		func(c *Config) { c.SampleSize = c.ReplayMin + 1 },
		func(c *Config) { c.Tau = 0 },
		func(c *Config) { c.Tau = 1.5 },
		func(c *Config) { c.PolicyDelay = 0 },
		func(c *Config) { c.TargetNoise = -0.1 },
	}

	for i, mutate := range illegal {
		c := validConfig(t)
		mutate(&c)
		assert.Error(t, c.Validate(), "case %v", i)
	}
}
