package experiment

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"

	"github.com/benchrl/benchrl/agent"
	"github.com/benchrl/benchrl/environment"
	"github.com/benchrl/benchrl/environment/vector"
	"github.com/benchrl/benchrl/experiment/checkpointer"
	"github.com/benchrl/benchrl/experiment/tracker"
	"github.com/benchrl/benchrl/rollout"
	ts "github.com/benchrl/benchrl/timestep"
)

// Scheduler drives one training run: it alternates collection and
// update phases, interleaves evaluation and checkpointing on their
// configured intervals, and stops at the iteration count, on context
// cancellation, or on a numerical failure.
//
// Cancellation is honored at iteration boundaries only, so an
// interrupted run never leaves a half-applied update behind.
type Scheduler struct {
	cfg   Config
	agent agent.Agent
	env   *vector.Env

	// evalEnv runs evaluation episodes, separate from the training
	// instances so evaluation never advances training episodes. Nil
	// when evaluation is disabled.
	evalEnv environment.Environment

	collector *rollout.Collector     // on-policy data path
	offPolicy agent.OffPolicyLearner // off-policy data path
	current   []ts.TimeStep          // off-policy stepping state
	returns   []float64              // off-policy per-instance returns

	trackers []tracker.Tracker
	chk      *checkpointer.Checkpointer
	log      zerolog.Logger

	phase      Phase
	iteration  int
	globalStep int
	episodes   int
}

// NewScheduler returns a Scheduler training a on env per cfg. The
// agent's IsOnPolicy tag selects the data path: on-policy agents learn
// from fixed-horizon collection cycles with GAE(λ) advantages,
// off-policy agents observe every transition into their replay buffer
// and update once per environment step.
func NewScheduler(cfg Config, a agent.Agent, env *vector.Env,
	evalEnv environment.Environment, chk *checkpointer.Checkpointer,
	log zerolog.Logger) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.EvalEvery > 0 && evalEnv == nil {
		return nil, fmt.Errorf("experiment: evaluation enabled without " +
			"an evaluation environment")
	}

	s := &Scheduler{
		cfg:     cfg,
		agent:   a,
		env:     env,
		evalEnv: evalEnv,
		chk:     chk,
		log:     log,
		phase:   Initializing,
	}

	if a.IsOnPolicy() {
		learner, ok := a.(agent.OnPolicyLearner)
		if !ok {
			return nil, fmt.Errorf("experiment: agent is tagged " +
				"on-policy but implements no on-policy learner")
		}
		collector, err := rollout.NewCollector(env, learner, cfg.Horizon,
			cfg.Gamma, cfg.Lambda)
		if err != nil {
			return nil, err
		}
		s.collector = collector
	} else {
		learner, ok := a.(agent.OffPolicyLearner)
		if !ok {
			return nil, fmt.Errorf("experiment: agent is tagged " +
				"off-policy but implements no off-policy learner")
		}
		s.offPolicy = learner

		current, err := env.Reset()
		if err != nil {
			return nil, fmt.Errorf("experiment: could not reset "+
				"environment: %v", err)
		}
		s.current = current
		s.returns = make([]float64, env.Len())
	}

	return s, nil
}

// Register adds a tracker to the run
func (s *Scheduler) Register(t tracker.Tracker) {
	s.trackers = append(s.trackers, t)
}

// ResumeFrom continues counting from a restored checkpoint. The
// agent's weights and optimizer state must already have been restored
// into it.
func (s *Scheduler) ResumeFrom(state checkpointer.State) {
	s.iteration = state.Iteration
	s.globalStep = state.GlobalStep
}

// Phase returns the loop's current phase
func (s *Scheduler) Phase() Phase { return s.phase }

// GlobalStep returns the number of environment transitions consumed
// for learning so far.
func (s *Scheduler) GlobalStep() int { return s.globalStep }

// Run executes the training loop until the configured iteration count
// is reached, ctx is cancelled, or a fatal error occurs. Numerical
// failures abort the run with an error wrapping agent.ErrNumerical;
// the failed update is guaranteed not to have been applied. Tracked
// data is saved on every exit path.
func (s *Scheduler) Run(ctx context.Context) (Result, error) {
	s.transition(Initializing)
	s.agent.Train()

	var evalReturns []float64

	for s.iteration < s.cfg.Iterations {
		if err := ctx.Err(); err != nil {
			s.transition(Terminated)
			s.saveTrackers()
			return s.result(evalReturns), err
		}
		s.iteration++

		if err := s.iterate(); err != nil {
			s.transition(Terminated)
			s.saveTrackers()
			if errors.Is(err, agent.ErrNumerical) {
				s.log.Error().Err(err).Int("iteration", s.iteration).
					Msg("aborting: numerical failure, update not applied")
			}
			return s.result(evalReturns), err
		}

		if s.cfg.EvalEvery > 0 && s.iteration%s.cfg.EvalEvery == 0 {
			s.transition(Evaluating)
			mean, err := s.evaluate()
			if err != nil {
				s.transition(Terminated)
				s.saveTrackers()
				return s.result(evalReturns), err
			}
			evalReturns = append(evalReturns, mean)
			s.log.Info().Int("iteration", s.iteration).
				Int("step", s.globalStep).
				Float64("meanReturn", mean).Msg("evaluation")
		}

		if s.chk != nil && s.cfg.CheckpointEvery > 0 &&
			s.iteration%s.cfg.CheckpointEvery == 0 {
			// A failed checkpoint loses resumability, not progress
			if err := s.chk.Write(s.agent, s.iteration,
				s.globalStep); err != nil {
				s.log.Error().Err(err).Int("iteration", s.iteration).
					Msg("could not write checkpoint")
			} else {
				s.log.Debug().Int("iteration", s.iteration).
					Msg("checkpoint written")
			}
		}
	}

	s.transition(Terminated)
	if err := s.saveTrackers(); err != nil {
		return s.result(evalReturns), err
	}
	return s.result(evalReturns), nil
}

// iterate runs one collection phase followed by one update phase
func (s *Scheduler) iterate() error {
	if s.collector != nil {
		return s.iterateOnPolicy()
	}
	return s.iterateOffPolicy()
}

func (s *Scheduler) iterateOnPolicy() error {
	s.transition(Collecting)
	batch, stats, err := s.collector.Collect()
	if err != nil {
		return fmt.Errorf("experiment: %v", err)
	}
	s.globalStep += stats.Transitions
	for _, ret := range stats.EpisodeReturns {
		s.episodes++
		trackAll(s.trackers, ret, s.globalStep)
	}
	if stats.Recovered > 0 {
		s.log.Warn().Int("count", stats.Recovered).
			Msg("recovered transient environment failures")
	}

	s.transition(Updating)
	learner := s.agent.(agent.OnPolicyLearner)
	if err := learner.Update(batch); err != nil {
		return fmt.Errorf("experiment: %w", err)
	}

	s.logIteration(stats.EpisodeReturns)
	return nil
}

// iterateOffPolicy advances every environment instance Horizon times,
// feeding each transition to the agent's replay buffer and updating
// once per environment step.
func (s *Scheduler) iterateOffPolicy() error {
	n := s.env.Len()
	actions := make([]mat.Vector, n)
	var completed []float64

	for step := 0; step < s.cfg.Horizon; step++ {
		s.transition(Collecting)
		for i := 0; i < n; i++ {
			action, err := s.agent.SelectAction(s.current[i])
			if err != nil {
				return fmt.Errorf("experiment: instance %v: %v", i, err)
			}
			actions[i] = action
		}

		results, err := s.env.Step(actions)
		if err != nil {
			return fmt.Errorf("experiment: %v", err)
		}

		for i := 0; i < n; i++ {
			if results[i].Recovered {
				s.returns[i] = 0
				s.current[i] = results[i].Next
				continue
			}

			trans := ts.NewTransition(s.current[i], actions[i],
				results[i].Step, s.cfg.Gamma, i)
			if err := s.offPolicy.ObserveTransition(trans); err != nil {
				return fmt.Errorf("experiment: instance %v: %v", i, err)
			}
			s.globalStep++

			s.returns[i] += results[i].Step.Reward
			if results[i].Step.Last() {
				s.episodes++
				completed = append(completed, s.returns[i])
				trackAll(s.trackers, s.returns[i], s.globalStep)
				s.returns[i] = 0
			}
			s.current[i] = results[i].Next
		}

		s.transition(Updating)
		if err := s.offPolicy.Update(); err != nil {
			return fmt.Errorf("experiment: %w", err)
		}
	}

	s.logIteration(completed)
	return nil
}

// evaluate runs the configured number of episodes on the evaluation
// environment with the policy in evaluation mode and returns the mean
// undiscounted return.
func (s *Scheduler) evaluate() (float64, error) {
	s.agent.Eval()
	defer s.agent.Train()

	total := 0.0
	for ep := 0; ep < s.cfg.EvalEpisodes; ep++ {
		step, err := s.evalEnv.Reset()
		if err != nil {
			return 0, fmt.Errorf("evaluate: %v", err)
		}

		for !step.Last() {
			action, err := s.agent.SelectAction(step)
			if err != nil {
				return 0, fmt.Errorf("evaluate: %v", err)
			}
			step, err = s.evalEnv.Step(action)
			if err != nil {
				return 0, fmt.Errorf("evaluate: %v", err)
			}
			total += step.Reward
		}
	}
	return total / float64(s.cfg.EvalEpisodes), nil
}

func (s *Scheduler) transition(next Phase) {
	if s.phase == next {
		return
	}
	s.log.Trace().Stringer("from", s.phase).Stringer("to", next).
		Msg("phase transition")
	s.phase = next
}

func (s *Scheduler) logIteration(completed []float64) {
	ev := s.log.Info().Int("iteration", s.iteration).
		Int("step", s.globalStep).Int("episodes", s.episodes)
	if len(completed) > 0 {
		mean := 0.0
		for _, r := range completed {
			mean += r
		}
		ev = ev.Float64("meanReturn", mean/float64(len(completed)))
	}
	ev.Msg("iteration complete")
}

func (s *Scheduler) saveTrackers() error {
	for _, t := range s.trackers {
		if err := t.Save(); err != nil {
			s.log.Error().Err(err).Msg("could not save tracked data")
			return err
		}
	}
	return nil
}

func (s *Scheduler) result(evalReturns []float64) Result {
	return Result{
		Iterations:  s.iteration,
		GlobalSteps: s.globalStep,
		Episodes:    s.episodes,
		EvalReturns: evalReturns,
	}
}
