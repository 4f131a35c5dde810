// Package config implements run configuration: loading, validation,
// and construction of the environment and agent a run trains.
package config

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/benchrl/benchrl/agent"
	"github.com/benchrl/benchrl/agent/a2c"
	"github.com/benchrl/benchrl/agent/ddpg"
	"github.com/benchrl/benchrl/agent/ppo"
	"github.com/benchrl/benchrl/agent/td3"
	"github.com/benchrl/benchrl/environment"
	"github.com/benchrl/benchrl/environment/classiccontrol/cartpole"
	"github.com/benchrl/benchrl/environment/randomwalk"
	"github.com/benchrl/benchrl/environment/vector"
	"github.com/benchrl/benchrl/experiment"
	"github.com/benchrl/benchrl/initwfn"
	"github.com/benchrl/benchrl/solver"
)

// Environment names
const (
	CartpoleDiscrete   = "cartpole-discrete"
	CartpoleContinuous = "cartpole-continuous"
	RandomWalk         = "random-walk"
)

// Algorithm names
const (
	A2C  = "a2c"
	PPO  = "ppo"
	DDPG = "ddpg"
	TD3  = "td3"
)

// Config is the full configuration of one training run. Every field
// is validated once at startup; a run never begins with an illegal
// configuration.
type Config struct {
	Environment     string
	NumEnvs         int
	MaxEpisodeSteps int
	Seed            uint64
	Algorithm       string

	// Training loop
	Iterations      int
	Horizon         int
	Gamma           float64
	Lambda          float64
	EvalEvery       int
	EvalEpisodes    int
	CheckpointEvery int

	// Networks
	Hidden     []int
	InitLogStd float64

	// Optimization
	PolicyStepSize float64
	CriticStepSize float64
	MaxGradNorm    float64

	// On-policy
	EntropyCoef         float64
	ValueGradSteps      int
	NormalizeAdvantages bool

	// PPO
	ClipEpsilon   float64
	Epochs        int
	MinibatchSize int
	TargetKL      float64

	// Off-policy
	ReplayMin        int
	ReplayMax        int
	SampleSize       int
	Tau              float64
	PolicyDelay      int
	ExplorationNoise float64
	TargetNoise      float64
	NoiseClip        float64
}

// Default returns the configuration a run starts from before the
// config file and flags are applied: PPO on discrete Cartpole.
func Default() Config {
	return Config{
		Environment:     CartpoleDiscrete,
		NumEnvs:         4,
		MaxEpisodeSteps: cartpole.MaxEpisodeSteps,
		Seed:            42,
		Algorithm:       PPO,

		Iterations:      250,
		Horizon:         128,
		Gamma:           0.99,
		Lambda:          0.95,
		EvalEvery:       10,
		EvalEpisodes:    5,
		CheckpointEvery: 50,

		Hidden:     []int{64, 64},
		InitLogStd: -0.5,

		PolicyStepSize: 3e-4,
		CriticStepSize: 1e-3,
		MaxGradNorm:    0.5,

		EntropyCoef:         0.01,
		ValueGradSteps:      1,
		NormalizeAdvantages: true,

		ClipEpsilon:   0.2,
		Epochs:        10,
		MinibatchSize: 64,
		TargetKL:      0.015,

		ReplayMin:        1000,
		ReplayMax:        100000,
		SampleSize:       64,
		Tau:              0.005,
		PolicyDelay:      2,
		ExplorationNoise: 0.1,
		TargetNoise:      0.2,
		NoiseClip:        0.5,
	}
}

// Load reads the config file at path over the defaults. An empty path
// returns the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("config: could not read %v: %v", path,
			err)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: could not parse %v: %v", path,
			err)
	}
	return cfg, nil
}

// Validate returns an error describing the first illegal field. All
// validation happens here, before any environment or agent is
// constructed.
func (c Config) Validate() error {
	switch c.Environment {
	case CartpoleDiscrete, CartpoleContinuous, RandomWalk:
	default:
		return fmt.Errorf("config: unknown environment %q", c.Environment)
	}
	switch c.Algorithm {
	case A2C, PPO, DDPG, TD3:
	default:
		return fmt.Errorf("config: unknown algorithm %q", c.Algorithm)
	}
	if c.offPolicy() && !c.continuousActions() {
		return fmt.Errorf("config: %v requires continuous actions, %v "+
			"is discrete", c.Algorithm, c.Environment)
	}
	if c.NumEnvs < 1 {
		return fmt.Errorf("config: need at least one environment "+
			"instance, got %v", c.NumEnvs)
	}
	if c.MaxEpisodeSteps < 1 {
		return fmt.Errorf("config: episode step limit must be positive, "+
			"got %v", c.MaxEpisodeSteps)
	}
	if len(c.Hidden) == 0 {
		return fmt.Errorf("config: networks need at least one hidden " +
			"layer")
	}
	if err := c.Experiment().Validate(); err != nil {
		return err
	}

	agentConf, err := c.AgentConfig()
	if err != nil {
		return err
	}
	return agentConf.Validate()
}

// Experiment returns the training-loop section of the configuration
func (c Config) Experiment() experiment.Config {
	return experiment.Config{
		Iterations:      c.Iterations,
		Horizon:         c.Horizon,
		Gamma:           c.Gamma,
		Lambda:          c.Lambda,
		EvalEvery:       c.EvalEvery,
		EvalEpisodes:    c.EvalEpisodes,
		CheckpointEvery: c.CheckpointEvery,
	}
}

// AgentConfig maps the algorithm section onto the named algorithm's
// configuration.
func (c Config) AgentConfig() (agent.Config, error) {
	init, err := initwfn.NewGlorotU(1.0)
	if err != nil {
		return nil, fmt.Errorf("config: %v", err)
	}
	policySolver, err := solver.NewDefaultAdam(c.PolicyStepSize,
		c.MaxGradNorm)
	if err != nil {
		return nil, fmt.Errorf("config: %v", err)
	}
	criticSolver, err := solver.NewDefaultAdam(c.CriticStepSize,
		c.MaxGradNorm)
	if err != nil {
		return nil, fmt.Errorf("config: %v", err)
	}

	policy := agent.Categorical
	if c.continuousActions() {
		policy = agent.Gaussian
	}
	batchSize := c.Horizon * c.NumEnvs

	switch c.Algorithm {
	case A2C:
		return a2c.Config{
			Policy:              policy,
			PolicyHidden:        c.Hidden,
			CriticHidden:        c.Hidden,
			InitLogStd:          c.InitLogStd,
			PolicySolver:        policySolver,
			CriticSolver:        criticSolver,
			Init:                init,
			EntropyCoef:         c.EntropyCoef,
			ValueGradSteps:      c.ValueGradSteps,
			NormalizeAdvantages: c.NormalizeAdvantages,
			BatchSize:           batchSize,
		}, nil

	case PPO:
		return ppo.Config{
			Policy:              policy,
			PolicyHidden:        c.Hidden,
			CriticHidden:        c.Hidden,
			InitLogStd:          c.InitLogStd,
			PolicySolver:        policySolver,
			CriticSolver:        criticSolver,
			Init:                init,
			Epsilon:             c.ClipEpsilon,
			EntropyCoef:         c.EntropyCoef,
			Epochs:              c.Epochs,
			MinibatchSize:       c.MinibatchSize,
			TargetKL:            c.TargetKL,
			NormalizeAdvantages: c.NormalizeAdvantages,
			BatchSize:           batchSize,
		}, nil

	case DDPG:
		return ddpg.Config{
			ActorHidden:      c.Hidden,
			CriticHidden:     c.Hidden,
			ActorSolver:      policySolver,
			CriticSolver:     criticSolver,
			Init:             init,
			ReplayMin:        c.ReplayMin,
			ReplayMax:        c.ReplayMax,
			SampleSize:       c.SampleSize,
			Tau:              c.Tau,
			ExplorationNoise: c.ExplorationNoise,
		}, nil

	case TD3:
		return td3.Config{
			ActorHidden:      c.Hidden,
			CriticHidden:     c.Hidden,
			ActorSolver:      policySolver,
			CriticSolver:     criticSolver,
			Init:             init,
			ReplayMin:        c.ReplayMin,
			ReplayMax:        c.ReplayMax,
			SampleSize:       c.SampleSize,
			Tau:              c.Tau,
			PolicyDelay:      c.PolicyDelay,
			ExplorationNoise: c.ExplorationNoise,
			TargetNoise:      c.TargetNoise,
			NoiseClip:        c.NoiseClip,
		}, nil
	}

	return nil, fmt.Errorf("config: unknown algorithm %q", c.Algorithm)
}

// NewEnvironment constructs one instance of the configured
// environment.
func (c Config) NewEnvironment(seed uint64) (environment.Environment,
	error) {
	switch c.Environment {
	case CartpoleDiscrete:
		env, _, err := cartpole.NewDiscrete(cartpole.DefaultStarter(seed),
			c.MaxEpisodeSteps)
		return env, err
	case CartpoleContinuous:
		env, _, err := cartpole.NewContinuous(
			cartpole.DefaultStarter(seed), c.MaxEpisodeSteps)
		return env, err
	case RandomWalk:
		env, _, err := randomwalk.New(19, c.MaxEpisodeSteps)
		return env, err
	}
	return nil, fmt.Errorf("config: unknown environment %q",
		c.Environment)
}

// TrainingEnv constructs the vectorized training environment with
// NumEnvs instances, each seeded distinctly off the run seed.
func (c Config) TrainingEnv() (*vector.Env, error) {
	envs := make([]environment.Environment, c.NumEnvs)
	for i := range envs {
		env, err := c.NewEnvironment(c.Seed + uint64(i))
		if err != nil {
			return nil, err
		}
		envs[i] = env
	}
	return vector.New(envs)
}

// EvalEnv constructs the single evaluation environment, seeded apart
// from every training instance. Returns nil when evaluation is
// disabled.
func (c Config) EvalEnv() (environment.Environment, error) {
	if c.EvalEvery < 1 {
		return nil, nil
	}
	return c.NewEnvironment(c.Seed + uint64(c.NumEnvs))
}

func (c Config) offPolicy() bool {
	return c.Algorithm == DDPG || c.Algorithm == TD3
}

func (c Config) continuousActions() bool {
	return c.Environment == CartpoleContinuous
}
