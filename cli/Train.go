package cli

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/benchrl/benchrl/config"
	"github.com/benchrl/benchrl/experiment"
	"github.com/benchrl/benchrl/experiment/checkpointer"
	"github.com/benchrl/benchrl/experiment/tracker"
)

var (
	configPath string
	outDir     string
	resumeFrom string
	logLevel   string
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train an agent and record its learning curve",
	Long: `Train runs one training run per the given configuration. Each run
writes its artifacts into a fresh directory: episodic returns, a
learning-curve plot, and periodic checkpoints that an interrupted run
resumes from exactly.`,
	RunE: runTrain,
}

func init() {
	trainCmd.Flags().StringVar(&configPath, "config", "",
		"Run configuration file (yaml, json, toml)")
	trainCmd.Flags().StringVar(&outDir, "dir", "runs",
		"Directory run artifacts are written under")
	trainCmd.Flags().StringVar(&resumeFrom, "resume", "",
		"Checkpoint file to resume training from")
	trainCmd.Flags().StringVar(&logLevel, "log-level", "info",
		"Log level (trace, debug, info, warn, error)")

	viper.BindPFlags(trainCmd.Flags())
	viper.SetEnvPrefix("BENCHRL")
	viper.AutomaticEnv()
}

func runTrain(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("cli: illegal log level %q", logLevel)
	}

	runID := fmt.Sprintf("%v-%v-%v", cfg.Algorithm, cfg.Environment,
		uuid.NewString()[:8])
	runDir := filepath.Join(outDir, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return fmt.Errorf("cli: could not create run directory: %v", err)
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).With().Timestamp().Str("run", runID).Logger()
	log.Info().Str("algorithm", cfg.Algorithm).
		Str("environment", cfg.Environment).Uint64("seed", cfg.Seed).
		Str("dir", runDir).Msg("starting run")

	trainEnv, err := cfg.TrainingEnv()
	if err != nil {
		return err
	}
	evalEnv, err := cfg.EvalEnv()
	if err != nil {
		return err
	}

	agentConf, err := cfg.AgentConfig()
	if err != nil {
		return err
	}
	// The agent reads its observation and action layout from a
	// reference instance.
	specEnv, err := cfg.NewEnvironment(cfg.Seed)
	if err != nil {
		return err
	}
	a, err := agentConf.CreateAgent(specEnv, cfg.Seed)
	if err != nil {
		return err
	}
	defer a.Close()

	chk, err := checkpointer.New(filepath.Join(runDir, "checkpoints"),
		cfg.CheckpointEvery)
	if err != nil {
		return err
	}

	sched, err := experiment.NewScheduler(cfg.Experiment(), a, trainEnv,
		evalEnv, chk, log)
	if err != nil {
		return err
	}
	sched.Register(tracker.NewReturn(filepath.Join(runDir,
		"returns.bin")))
	sched.Register(tracker.NewPlot(runID, filepath.Join(runDir,
		"learning_curve.png")))

	if resumeFrom != "" {
		state, err := checkpointer.RestoreFile(a, resumeFrom)
		if err != nil {
			return err
		}
		sched.ResumeFrom(state)
		log.Info().Int("iteration", state.Iteration).
			Int("step", state.GlobalStep).Msg("resumed from checkpoint")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt,
		syscall.SIGTERM)
	defer stop()

	result, err := sched.Run(ctx)
	if err != nil {
		return err
	}

	log.Info().Int("iterations", result.Iterations).
		Int("steps", result.GlobalSteps).
		Int("episodes", result.Episodes).Msg("run complete")
	return nil
}
