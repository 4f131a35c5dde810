// Package rollout implements on-policy experience collection over a
// vectorized environment.
package rollout

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/benchrl/benchrl/agent"
	"github.com/benchrl/benchrl/environment/vector"
	"github.com/benchrl/benchrl/gae"
	ts "github.com/benchrl/benchrl/timestep"
)

// Stats summarizes one collection cycle
type Stats struct {
	// Transitions is the number of transitions handed to the learner,
	// always horizon × instances.
	Transitions int

	// EpisodeReturns holds the undiscounted returns of the episodes
	// that completed during the cycle.
	EpisodeReturns []float64

	// Recovered is the number of transient environment failures
	// recovered during the cycle. Transitions in flight during a
	// failure are discarded, never recorded.
	Recovered int
}

// Collector gathers fixed-horizon collection cycles from a vectorized
// environment under a learner's current policy. Each cycle yields
// exactly horizon transitions per environment instance, kept in
// per-instance columns so that advantage estimation never crosses
// instance boundaries.
//
// Episodes ending inside a cycle are handled per instance: the
// finished trajectory segment is sealed with the appropriate bootstrap
// value and collection continues from the instance's fresh start.
// Trajectories still running when the cycle fills are bootstrapped
// with the learner's value estimate of the next state.
type Collector struct {
	env     *vector.Env
	learner agent.OnPolicyLearner
	buf     *gae.Buffer
	horizon int

	// current holds the TimeStep each instance acts from next; it
	// persists across cycles so episodes span cycle boundaries.
	current []ts.TimeStep

	episodeReturn []float64
}

// NewCollector returns a Collector gathering cycles of the given
// horizon with GAE(λ) advantage estimates. The environment is reset
// once here; later episode boundaries are handled internally.
func NewCollector(env *vector.Env, learner agent.OnPolicyLearner,
	horizon int, gamma, lambda float64) (*Collector, error) {
	if horizon < 1 {
		return nil, fmt.Errorf("collector: horizon must be positive, "+
			"got %v", horizon)
	}

	obsDim := env.ObservationSpec().Shape.Len()
	actDim := env.ActionSpec().Shape.Len()
	buf, err := gae.New(obsDim, actDim, horizon, env.Len(), lambda, gamma)
	if err != nil {
		return nil, fmt.Errorf("collector: %v", err)
	}

	current, err := env.Reset()
	if err != nil {
		return nil, fmt.Errorf("collector: could not reset environment: "+
			"%v", err)
	}

	return &Collector{
		env:           env,
		learner:       learner,
		buf:           buf,
		horizon:       horizon,
		current:       current,
		episodeReturn: make([]float64, env.Len()),
	}, nil
}

// Collect runs the environment under the learner's policy until every
// instance column holds horizon transitions, then returns the cycle as
// a flattened batch. Instances whose columns filled early keep
// stepping in lockstep but their extra transitions are dropped.
func (c *Collector) Collect() (*gae.Batch, Stats, error) {
	c.buf.Reset()

	n := c.env.Len()
	stored := make([]int, n)
	values := make([]float64, n)
	logProbs := make([]float64, n)
	actions := make([]mat.Vector, n)

	stats := Stats{}
	recoveredBefore := c.env.Recovered()

	for !c.full(stored) {
		for i := 0; i < n; i++ {
			action, value, logProb, err := c.learner.Act(c.current[i])
			if err != nil {
				return nil, Stats{}, fmt.Errorf("collect: instance %v: %v",
					i, err)
			}
			actions[i] = action
			values[i] = value
			logProbs[i] = logProb
		}

		results, err := c.env.Step(actions)
		if err != nil {
			return nil, Stats{}, fmt.Errorf("collect: %v", err)
		}

		for i := 0; i < n; i++ {
			if results[i].Recovered {
				// The in-flight transition is invalid; the partial
				// episode it belonged to is dropped from the stats too.
				// Steps stored before the failure stay valid, so the
				// open segment is sealed as if truncated at the state
				// the discarded transition left from. Without the seal
				// the GAE recursion would run across the reset
				// boundary.
				if c.buf.Open(i) {
					v, err := c.learner.StateValue(c.current[i].Observation)
					if err != nil {
						return nil, Stats{}, fmt.Errorf("collect: "+
							"instance %v: could not bootstrap: %v", i, err)
					}
					if err := c.buf.FinishPath(i, v); err != nil {
						return nil, Stats{}, fmt.Errorf("collect: "+
							"instance %v: %v", i, err)
					}
				}
				c.episodeReturn[i] = 0
				c.current[i] = results[i].Next
				continue
			}

			step := results[i].Step
			if stored[i] < c.horizon {
				if err := c.record(i, actions[i], values[i], logProbs[i],
					step); err != nil {
					return nil, Stats{}, err
				}
				stored[i]++

				if err := c.seal(i, stored[i], step); err != nil {
					return nil, Stats{}, err
				}
			}

			c.episodeReturn[i] += step.Reward
			if step.Last() {
				stats.EpisodeReturns = append(stats.EpisodeReturns,
					c.episodeReturn[i])
				c.episodeReturn[i] = 0
			}

			c.current[i] = results[i].Next
		}
	}

	batch, err := c.buf.Batch()
	if err != nil {
		return nil, Stats{}, fmt.Errorf("collect: %v", err)
	}

	stats.Transitions = batch.Len()
	stats.Recovered = c.env.Recovered() - recoveredBefore
	return batch, stats, nil
}

// record stores the transition of instance i that step concluded
func (c *Collector) record(i int, action mat.Vector, value,
	logProb float64, step ts.TimeStep) error {
	err := c.buf.Store(i, vecSlice(c.current[i].Observation),
		vecSlice(action), step.Reward, value, logProb)
	if err != nil {
		return fmt.Errorf("collect: instance %v: %v", i, err)
	}
	return nil
}

// seal closes instance i's open trajectory segment when its episode
// ended or its column just filled. Terminal states bootstrap with 0;
// truncated episodes and horizon cuts bootstrap with the value
// estimate of the successor state.
func (c *Collector) seal(i, stored int, step ts.TimeStep) error {
	if !step.Last() && stored < c.horizon {
		return nil
	}

	lastVal := 0.0
	if !step.Terminated() {
		v, err := c.learner.StateValue(step.Observation)
		if err != nil {
			return fmt.Errorf("collect: instance %v: could not bootstrap: "+
				"%v", i, err)
		}
		lastVal = v
	}

	if err := c.buf.FinishPath(i, lastVal); err != nil {
		return fmt.Errorf("collect: instance %v: %v", i, err)
	}
	return nil
}

func (c *Collector) full(stored []int) bool {
	for _, s := range stored {
		if s < c.horizon {
			return false
		}
	}
	return true
}

func vecSlice(v mat.Vector) []float64 {
	out := make([]float64, v.Len())
	for i := range out {
		out[i] = v.AtVec(i)
	}
	return out
}
