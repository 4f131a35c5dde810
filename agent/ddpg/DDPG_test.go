package ddpg

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/benchrl/benchrl/environment"
	"github.com/benchrl/benchrl/initwfn"
	"github.com/benchrl/benchrl/solver"
	ts "github.com/benchrl/benchrl/timestep"
)

// pointEnv is a minimal continuous-control environment whose episodes
// never end.
type pointEnv struct{}

func (p *pointEnv) obs() mat.Vector {
	return mat.NewVecDense(3, []float64{0.1, -0.2, 0.3})
}

func (p *pointEnv) Reset() (ts.TimeStep, error) {
	return ts.New(ts.First, 0, p.obs(), 0), nil
}

func (p *pointEnv) Step(_ mat.Vector) (ts.TimeStep, error) {
	return ts.New(ts.Mid, 1, p.obs(), 1), nil
}

func (p *pointEnv) ObservationSpec() environment.Spec {
	bound := mat.NewVecDense(3, []float64{1, 1, 1})
	return environment.NewSpec(mat.NewVecDense(3, nil),
		environment.Observation, bound, bound, environment.Continuous)
}

func (p *pointEnv) ActionSpec() environment.Spec {
	lower := mat.NewVecDense(1, []float64{-2})
	upper := mat.NewVecDense(1, []float64{2})
	return environment.NewSpec(mat.NewVecDense(1, nil),
		environment.Action, lower, upper, environment.Continuous)
}

func (p *pointEnv) String() string { return "PointEnv" }

func testConfig(t *testing.T) Config {
	t.Helper()

	init, err := initwfn.NewGlorotU(1.0)
	require.NoError(t, err)
	actorSolver, err := solver.NewDefaultAdam(1e-3, 0.5)
	require.NoError(t, err)
	criticSolver, err := solver.NewDefaultAdam(1e-3, 0.5)
	require.NoError(t, err)

	return Config{
		ActorHidden:  []int{8},
		CriticHidden: []int{8},
		ActorSolver:  actorSolver,
		CriticSolver: criticSolver,
		Init:         init,

		ReplayMin:  4,
		ReplayMax:  8,
		SampleSize: 2,

		Tau: 0.005,
	}
}

func TestSelectActionWarmsUpUniformly(t *testing.T) {
	c := testConfig(t)

	env := &pointEnv{}
	ag, err := newDDPG(c, env, 14)
	require.NoError(t, err)
	defer ag.Close()

	step, err := env.Reset()
	require.NoError(t, err)

	// Before the replay buffer reaches its minimum fill, actions are
	// uniform draws within the action bounds.
	seen := make(map[float64]bool)
	for i := 0; i < 8; i++ {
		action, err := ag.SelectAction(step)
		require.NoError(t, err)
		v := action.AtVec(0)
		assert.LessOrEqual(t, math.Abs(v), 2.0)
		seen[v] = true
	}
	assert.Greater(t, len(seen), 1, "warmup actions should vary")

	// Fill the buffer to its minimum; the noiseless deterministic
	// policy takes over and repeated calls on one state agree.
	next, err := env.Step(mat.NewVecDense(1, []float64{0}))
	require.NoError(t, err)
	for i := 0; i < c.ReplayMin; i++ {
		trans := ts.NewTransition(step, mat.NewVecDense(1, []float64{0}),
			next, 0.99, 0)
		require.NoError(t, ag.ObserveTransition(trans))
	}

	first, err := ag.SelectAction(step)
	require.NoError(t, err)
	second, err := ag.SelectAction(step)
	require.NoError(t, err)
	assert.Equal(t, first.AtVec(0), second.AtVec(0))
}
