package vector

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/benchrl/benchrl/environment"
	ts "github.com/benchrl/benchrl/timestep"
)

// chainEnv terminates after episodeLen steps and can fail transiently
// on chosen step calls.
type chainEnv struct {
	episodeLen int
	failOnCall int
	obsDim     int

	t      int
	resets int
	calls  int
}

func (c *chainEnv) obs() mat.Vector {
	data := make([]float64, c.obsDim)
	for i := range data {
		data[i] = float64(c.resets*100 + c.t)
	}
	return mat.NewVecDense(c.obsDim, data)
}

func (c *chainEnv) Reset() (ts.TimeStep, error) {
	c.resets++
	c.t = 0
	return ts.New(ts.First, 0, c.obs(), 0), nil
}

func (c *chainEnv) Step(_ mat.Vector) (ts.TimeStep, error) {
	c.calls++
	if c.calls == c.failOnCall {
		return ts.TimeStep{}, &environment.StepError{
			Env: c.String(),
			Err: fmt.Errorf("transient failure"),
		}
	}

	c.t++
	if c.t == c.episodeLen {
		return ts.NewLast(1, c.obs(), c.t, ts.TerminalEnd), nil
	}
	return ts.New(ts.Mid, 1, c.obs(), c.t), nil
}

func (c *chainEnv) ObservationSpec() environment.Spec {
	ones := mat.NewVecDense(c.obsDim, nil)
	return environment.NewSpec(mat.NewVecDense(c.obsDim, nil),
		environment.Observation, ones, ones, environment.Continuous)
}

func (c *chainEnv) ActionSpec() environment.Spec {
	bound := mat.NewVecDense(1, []float64{1})
	return environment.NewSpec(mat.NewVecDense(1, nil),
		environment.Action, bound, bound, environment.Continuous)
}

func (c *chainEnv) String() string { return "ChainEnv" }

func actions(n int) []mat.Vector {
	a := make([]mat.Vector, n)
	for i := range a {
		a[i] = mat.NewVecDense(1, []float64{0})
	}
	return a
}

func TestNewRequiresMatchingSpecs(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)

	_, err = New([]environment.Environment{
		&chainEnv{episodeLen: 5, obsDim: 2},
		&chainEnv{episodeLen: 5, obsDim: 3},
	})
	assert.Error(t, err)
}

func TestStepAdvancesInstancesInLockstep(t *testing.T) {
	env, err := New([]environment.Environment{
		&chainEnv{episodeLen: 10, obsDim: 1},
		&chainEnv{episodeLen: 10, obsDim: 1},
	})
	require.NoError(t, err)

	_, err = env.Reset()
	require.NoError(t, err)

	results, err := env.Step(actions(2))
	require.NoError(t, err)
	require.Len(t, results, 2)

	for _, r := range results {
		assert.False(t, r.Recovered)
		assert.True(t, r.Step.Mid())
		assert.Equal(t, r.Step, r.Next)
	}
}

func TestStepAutoResetsOnlyTheFinishedInstance(t *testing.T) {
	short := &chainEnv{episodeLen: 2, obsDim: 1}
	long := &chainEnv{episodeLen: 10, obsDim: 1}
	env, err := New([]environment.Environment{short, long})
	require.NoError(t, err)

	_, err = env.Reset()
	require.NoError(t, err)

	_, err = env.Step(actions(2))
	require.NoError(t, err)

	results, err := env.Step(actions(2))
	require.NoError(t, err)

	// Instance 0 finished: its Step is the terminal transition, its
	// Next a fresh start.
	assert.True(t, results[0].Step.Last())
	assert.True(t, results[0].Step.Terminated())
	assert.True(t, results[0].Next.First())

	// Instance 1 is untouched mid-episode
	assert.True(t, results[1].Step.Mid())
	assert.Equal(t, 2, results[1].Step.Number)
}

func TestStepRecoversTransientFailures(t *testing.T) {
	env, err := New([]environment.Environment{
		&chainEnv{episodeLen: 10, obsDim: 1, failOnCall: 2},
	})
	require.NoError(t, err)

	_, err = env.Reset()
	require.NoError(t, err)

	first, err := env.Step(actions(1))
	require.NoError(t, err)
	require.False(t, first[0].Recovered)

	recovered, err := env.Step(actions(1))
	require.NoError(t, err)
	assert.True(t, recovered[0].Recovered)
	assert.True(t, recovered[0].Next.First())
	assert.Equal(t, 1, env.Recovered())

	// Collection continues normally from the restarted instance
	after, err := env.Step(actions(1))
	require.NoError(t, err)
	assert.False(t, after[0].Recovered)
	assert.True(t, after[0].Step.Mid())
}
