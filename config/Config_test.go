package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benchrl/benchrl/environment"
)

func TestDefaultValidates(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestAllAlgorithmsValidate(t *testing.T) {
	for _, alg := range []string{A2C, PPO, DDPG, TD3} {
		cfg := Default()
		cfg.Algorithm = alg
		if alg == DDPG || alg == TD3 {
			cfg.Environment = CartpoleContinuous
		}
		assert.NoError(t, cfg.Validate(), alg)
	}
}

func TestValidateRejectsUnknownNames(t *testing.T) {
	cfg := Default()
	cfg.Algorithm = "dqn"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Environment = "mountain-car"
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsOffPolicyOnDiscreteActions(t *testing.T) {
	cfg := Default()
	cfg.Algorithm = TD3
	cfg.Environment = CartpoleDiscrete
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsIndivisibleMinibatch(t *testing.T) {
	cfg := Default()
	cfg.Algorithm = PPO
	cfg.Horizon = 10
	cfg.NumEnvs = 1
	cfg.MinibatchSize = 3
	assert.Error(t, cfg.Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.yaml")
	contents := []byte("algorithm: a2c\n" +
		"environment: cartpole-continuous\n" +
		"numenvs: 2\n" +
		"horizon: 16\n" +
		"gamma: 0.9\n")
	require.NoError(t, os.WriteFile(path, contents, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, A2C, cfg.Algorithm)
	assert.Equal(t, CartpoleContinuous, cfg.Environment)
	assert.Equal(t, 2, cfg.NumEnvs)
	assert.Equal(t, 16, cfg.Horizon)
	assert.Equal(t, 0.9, cfg.Gamma)
	// Untouched fields keep their defaults
	assert.Equal(t, Default().Lambda, cfg.Lambda)
}

func TestLoadErrsOnMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nothing.yaml"))
	assert.Error(t, err)
}

func TestTrainingEnvMatchesConfig(t *testing.T) {
	cfg := Default()
	cfg.NumEnvs = 3

	env, err := cfg.TrainingEnv()
	require.NoError(t, err)
	assert.Equal(t, 3, env.Len())
	assert.Equal(t, environment.Discrete,
		env.ActionSpec().Cardinality)
}

func TestEvalEnvDisabled(t *testing.T) {
	cfg := Default()
	cfg.EvalEvery = 0

	env, err := cfg.EvalEnv()
	require.NoError(t, err)
	assert.Nil(t, env)
}
