// Package experiment implements the training loop driving an agent
// through collection, update, and evaluation phases.
package experiment

import (
	"fmt"

	"github.com/benchrl/benchrl/experiment/tracker"
)

// Phase is the state of the training loop. The loop advances
// Initializing → (Collecting → Updating → Evaluating)* → Terminated;
// the Evaluating phase is entered only on evaluation iterations.
type Phase int

const (
	Initializing Phase = iota
	Collecting
	Updating
	Evaluating
	Terminated
)

func (p Phase) String() string {
	switch p {
	case Initializing:
		return "Initializing"
	case Collecting:
		return "Collecting"
	case Updating:
		return "Updating"
	case Evaluating:
		return "Evaluating"
	case Terminated:
		return "Terminated"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Config configures a training run
type Config struct {
	// Iterations is the number of collect-update cycles to run
	Iterations int

	// Horizon is the number of transitions collected per environment
	// instance per iteration.
	Horizon int

	// Gamma and Lambda parameterize return discounting and GAE(λ)
	// advantage estimation. Lambda is unused by off-policy agents.
	Gamma  float64
	Lambda float64

	// EvalEvery runs an evaluation phase every that many iterations;
	// 0 disables evaluation. EvalEpisodes is the number of episodes
	// averaged per evaluation.
	EvalEvery    int
	EvalEpisodes int

	// CheckpointEvery writes a training snapshot every that many
	// iterations; 0 disables checkpointing.
	CheckpointEvery int
}

// Validate returns an error describing the first illegal field
func (c Config) Validate() error {
	if c.Iterations < 1 {
		return fmt.Errorf("experiment: iterations must be positive, "+
			"got %v", c.Iterations)
	}
	if c.Horizon < 1 {
		return fmt.Errorf("experiment: horizon must be positive, got %v",
			c.Horizon)
	}
	if c.Gamma < 0 || c.Gamma > 1 {
		return fmt.Errorf("experiment: γ must be in [0, 1], got %v",
			c.Gamma)
	}
	if c.Lambda < 0 || c.Lambda > 1 {
		return fmt.Errorf("experiment: λ must be in [0, 1], got %v",
			c.Lambda)
	}
	if c.EvalEvery < 0 || c.CheckpointEvery < 0 {
		return fmt.Errorf("experiment: intervals must be non-negative")
	}
	if c.EvalEvery > 0 && c.EvalEpisodes < 1 {
		return fmt.Errorf("experiment: evaluation needs at least one "+
			"episode, got %v", c.EvalEpisodes)
	}
	return nil
}

// Result summarizes a finished training run
type Result struct {
	Iterations  int
	GlobalSteps int
	Episodes    int

	// EvalReturns holds the mean evaluation return of each
	// evaluation phase, in order.
	EvalReturns []float64
}

// trackAll feeds one completed episode to every registered tracker
func trackAll(trackers []tracker.Tracker, ret float64, step int) {
	for _, t := range trackers {
		t.Track(ret, step)
	}
}
