package a2c

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/benchrl/benchrl/agent"
	"github.com/benchrl/benchrl/environment"
	"github.com/benchrl/benchrl/gae"
	"github.com/benchrl/benchrl/initwfn"
	"github.com/benchrl/benchrl/network"
	"github.com/benchrl/benchrl/solver"
	ts "github.com/benchrl/benchrl/timestep"
)

// gridEnv is a minimal environment with two observation features and
// three discrete actions.
type gridEnv struct{}

func (g *gridEnv) obs() mat.Vector {
	return mat.NewVecDense(2, []float64{0, 0})
}

func (g *gridEnv) Reset() (ts.TimeStep, error) {
	return ts.New(ts.First, 0, g.obs(), 0), nil
}

func (g *gridEnv) Step(_ mat.Vector) (ts.TimeStep, error) {
	return ts.New(ts.Mid, 0, g.obs(), 1), nil
}

func (g *gridEnv) ObservationSpec() environment.Spec {
	bound := mat.NewVecDense(2, []float64{1, 1})
	return environment.NewSpec(mat.NewVecDense(2, nil),
		environment.Observation, bound, bound, environment.Continuous)
}

func (g *gridEnv) ActionSpec() environment.Spec {
	lower := mat.NewVecDense(1, []float64{0})
	upper := mat.NewVecDense(1, []float64{2})
	return environment.NewSpec(mat.NewVecDense(1, nil),
		environment.Action, lower, upper, environment.Discrete)
}

func (g *gridEnv) String() string { return "GridEnv" }

func testConfig(t *testing.T) Config {
	t.Helper()

	init, err := initwfn.NewGlorotU(1.0)
	require.NoError(t, err)
	policySolver, err := solver.NewDefaultAdam(3e-4, 0.5)
	require.NoError(t, err)
	criticSolver, err := solver.NewDefaultAdam(1e-3, 0.5)
	require.NoError(t, err)

	return Config{
		Policy:       agent.Categorical,
		PolicyHidden: []int{8},
		CriticHidden: []int{8},
		PolicySolver: policySolver,
		CriticSolver: criticSolver,
		Init:         init,

		EntropyCoef:    0,
		ValueGradSteps: 2,

		BatchSize: 4,
	}
}

// A non-finite value target poisons only the critic loss; the policy
// loss stays finite. The update must still abort with every weight of
// both networks untouched.
func TestUpdateAbortsWithoutSteppingOnNaNCriticLoss(t *testing.T) {
	ag, err := newA2C(testConfig(t), &gridEnv{}, 3)
	require.NoError(t, err)
	defer ag.Close()

	policyBefore := network.WeightsOf(ag.train.Learnables())
	criticBefore := network.WeightsOf(ag.trainValueFn.Learnables())

	batch := &gae.Batch{
		Obs: []float64{
			0.3, -0.1,
			-0.7, 0.2,
			0.5, 0.5,
			-0.2, -0.9,
		},
		Actions:    []float64{0, 1, 2, 1},
		Advantages: []float64{1, -2, 0.5, 3},
		Returns:    []float64{1, math.NaN(), 0, 1},
		LogProbs:   []float64{-1, -1, -1, -1},
		Values:     []float64{0, 0, 0, 0},
		EnvIndex:   []int{0, 0, 1, 1},
	}

	err = ag.Update(batch)
	require.Error(t, err)
	assert.ErrorIs(t, err, agent.ErrNumerical)

	assert.Equal(t, policyBefore, network.WeightsOf(ag.train.Learnables()))
	assert.Equal(t, criticBefore,
		network.WeightsOf(ag.trainValueFn.Learnables()))
}
