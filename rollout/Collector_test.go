package rollout

import (
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/benchrl/benchrl/environment"
	"github.com/benchrl/benchrl/environment/vector"
	"github.com/benchrl/benchrl/gae"
	ts "github.com/benchrl/benchrl/timestep"
)

// counterEnv is a deterministic environment whose observation counts
// steps. Each reset starts a new epoch, offsetting observations by 100
// so trajectories from different episodes are distinguishable. Every
// step rewards 1.
type counterEnv struct {
	offset      float64
	episodeLen  int     // 0 means episodes never end
	failOnCall  int     // 0 means never fail
	laterReward float64 // reward after the first reset; 0 means 1

	t     int
	epoch int
	calls int
}

func (c *counterEnv) obs() mat.Vector {
	v := c.offset + float64(c.epoch)*100 + float64(c.t)
	return mat.NewVecDense(1, []float64{v})
}

func (c *counterEnv) Reset() (ts.TimeStep, error) {
	if c.t != 0 || c.calls != 0 {
		c.epoch++
	}
	c.t = 0
	return ts.New(ts.First, 0, c.obs(), 0), nil
}

func (c *counterEnv) reward() float64 {
	if c.epoch > 0 && c.laterReward != 0 {
		return c.laterReward
	}
	return 1
}

func (c *counterEnv) Step(_ mat.Vector) (ts.TimeStep, error) {
	c.calls++
	if c.calls == c.failOnCall {
		return ts.TimeStep{}, &environment.StepError{
			Env: c.String(),
			Err: fmt.Errorf("transient failure"),
		}
	}

	c.t++
	if c.episodeLen > 0 && c.t == c.episodeLen {
		return ts.NewLast(c.reward(), c.obs(), c.t, ts.TerminalEnd), nil
	}
	return ts.New(ts.Mid, c.reward(), c.obs(), c.t), nil
}

func (c *counterEnv) ObservationSpec() environment.Spec {
	bound := mat.NewVecDense(1, []float64{1000})
	return environment.NewSpec(mat.NewVecDense(1, nil),
		environment.Observation, bound, bound, environment.Continuous)
}

func (c *counterEnv) ActionSpec() environment.Spec {
	bound := mat.NewVecDense(1, []float64{1})
	return environment.NewSpec(mat.NewVecDense(1, nil),
		environment.Action, bound, bound, environment.Continuous)
}

func (c *counterEnv) String() string { return "CounterEnv" }

// stubLearner echoes the observation as its action and returns fixed
// value estimates.
type stubLearner struct {
	value     float64 // value frozen at action selection
	bootstrap float64 // value returned by StateValue
}

func (s *stubLearner) Act(t ts.TimeStep) (*mat.VecDense, float64,
	float64, error) {
	action := mat.NewVecDense(1, []float64{t.Observation.AtVec(0)})
	return action, s.value, -0.5, nil
}

func (s *stubLearner) StateValue(mat.Vector) (float64, error) {
	return s.bootstrap, nil
}

func (s *stubLearner) Update(*gae.Batch) error { return nil }

func (s *stubLearner) SelectAction(t ts.TimeStep) (*mat.VecDense,
	error) {
	action, _, _, err := s.Act(t)
	return action, err
}

func (s *stubLearner) Eval()                  {}
func (s *stubLearner) Train()                 {}
func (s *stubLearner) IsEval() bool           { return false }
func (s *stubLearner) IsOnPolicy() bool       { return true }
func (s *stubLearner) Save(io.Writer) error   { return nil }
func (s *stubLearner) Restore(io.Reader) error { return nil }
func (s *stubLearner) Close() error           { return nil }

func TestCollectPartitionsByInstance(t *testing.T) {
	const horizon = 5

	env, err := vector.New([]environment.Environment{
		&counterEnv{offset: 0},
		&counterEnv{offset: 1000},
	})
	require.NoError(t, err)

	collector, err := NewCollector(env, &stubLearner{}, horizon, 0.9, 0.95)
	require.NoError(t, err)

	batch, stats, err := collector.Collect()
	require.NoError(t, err)

	assert.Equal(t, 2*horizon, batch.Len())
	assert.Equal(t, 2*horizon, stats.Transitions)

	// Each instance contributes exactly horizon contiguous rows
	wantIndex := []int{0, 0, 0, 0, 0, 1, 1, 1, 1, 1}
	assert.Equal(t, wantIndex, batch.EnvIndex)

	// Rows hold each instance's own trajectory in step order
	wantObs := []float64{0, 1, 2, 3, 4, 1000, 1001, 1002, 1003, 1004}
	assert.Equal(t, wantObs, batch.Obs)
	assert.Equal(t, wantObs, batch.Actions)
}

func TestCollectBootstrapsTerminalAndCutSegments(t *testing.T) {
	const horizon = 5

	env, err := vector.New([]environment.Environment{
		&counterEnv{episodeLen: 3},
	})
	require.NoError(t, err)

	// Value estimates are 0 during collection, so with γ = λ = 1 the
	// advantages are plain discounted-return sums, making the
	// bootstrap values directly visible.
	learner := &stubLearner{value: 0, bootstrap: 10}
	collector, err := NewCollector(env, learner, horizon, 1, 1)
	require.NoError(t, err)

	batch, stats, err := collector.Collect()
	require.NoError(t, err)
	require.Equal(t, horizon, batch.Len())

	// First segment ends at a terminal state: no bootstrap, returns
	// count the remaining rewards only. The second segment is cut by
	// the horizon mid-episode and bootstraps with StateValue.
	want := []float64{3, 2, 1, 1 + 1 + 10, 1 + 10}
	assert.InDeltaSlice(t, want, batch.Advantages, 1e-12)

	require.Len(t, stats.EpisodeReturns, 1)
	assert.Equal(t, 3.0, stats.EpisodeReturns[0])
}

func TestCollectDiscardsRecoveredTransitions(t *testing.T) {
	const horizon = 3

	env, err := vector.New([]environment.Environment{
		&counterEnv{failOnCall: 2},
	})
	require.NoError(t, err)

	collector, err := NewCollector(env, &stubLearner{}, horizon, 0.99, 0.9)
	require.NoError(t, err)

	batch, stats, err := collector.Collect()
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Recovered)
	assert.Equal(t, horizon, batch.Len())

	// The second step call failed: its transition never appears, and
	// collection resumes from the restarted instance (epoch offset
	// 100).
	wantObs := []float64{0, 100, 101}
	assert.Equal(t, wantObs, batch.Obs)
}

func TestCollectRecoverySealsOpenSegment(t *testing.T) {
	const horizon = 3

	// Rewards jump from 1 to 1000 after the reset that follows the
	// transient failure, so any advantage computed across the reset
	// boundary is numerically obvious.
	env, err := vector.New([]environment.Environment{
		&counterEnv{failOnCall: 2, laterReward: 1000},
	})
	require.NoError(t, err)

	learner := &stubLearner{value: 0, bootstrap: 10}
	collector, err := NewCollector(env, learner, horizon, 1, 1)
	require.NoError(t, err)

	batch, stats, err := collector.Collect()
	require.NoError(t, err)
	require.Equal(t, 1, stats.Recovered)
	require.Equal(t, horizon, batch.Len())

	// The pre-failure step is sealed as truncated at the state the
	// discarded transition left from, bootstrapping with StateValue.
	// Its advantage must not see the post-reset rewards; with γ = λ = 1
	// a leaking recursion would report 1 + 2000 + 10 here instead.
	want := []float64{1 + 10, 1000 + 1000 + 10, 1000 + 10}
	assert.InDeltaSlice(t, want, batch.Advantages, 1e-12)
}

func TestCollectorSpansCycles(t *testing.T) {
	const horizon = 4

	env, err := vector.New([]environment.Environment{
		&counterEnv{},
	})
	require.NoError(t, err)

	collector, err := NewCollector(env, &stubLearner{}, horizon, 0.9, 0.9)
	require.NoError(t, err)

	first, _, err := collector.Collect()
	require.NoError(t, err)
	second, _, err := collector.Collect()
	require.NoError(t, err)

	// The episode continues across the cycle boundary rather than
	// restarting.
	assert.Equal(t, []float64{0, 1, 2, 3}, first.Obs)
	assert.Equal(t, []float64{4, 5, 6, 7}, second.Obs)
}
