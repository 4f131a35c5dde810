package cartpole

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// fixedStarter always starts episodes from the same state
type fixedStarter struct {
	state []float64
}

func (f fixedStarter) Start() mat.Vector {
	data := make([]float64, len(f.state))
	copy(data, f.state)
	return mat.NewVecDense(len(data), data)
}

func TestDiscreteStepsUntilPoleFalls(t *testing.T) {
	// Start with the pole leaning and push it over by always moving
	// left.
	starter := fixedStarter{state: []float64{0, 0, 0.1, 0.5}}
	env, first, err := NewDiscrete(starter, MaxEpisodeSteps)
	require.NoError(t, err)
	assert.True(t, first.First())

	leftAction := mat.NewVecDense(1, []float64{0})
	step := first
	for !step.Last() {
		step, err = env.Step(leftAction)
		require.NoError(t, err)
		assert.Equal(t, 1.0, step.Reward)
	}

	assert.True(t, step.Terminated())
	assert.False(t, step.Truncated())
	assert.Greater(t, step.Observation.AtVec(2), AngleThreshold)
}

func TestStepLimitTruncatesNotTerminates(t *testing.T) {
	const limit = 10

	// A perfectly balanced pole never falls, so the step limit cuts
	// the episode off.
	starter := fixedStarter{state: []float64{0, 0, 0, 0}}
	env, _, err := NewContinuous(starter, limit)
	require.NoError(t, err)

	noForce := mat.NewVecDense(1, []float64{0})
	var step, stepErr = env.Step(noForce)
	require.NoError(t, stepErr)
	for !step.Last() {
		step, stepErr = env.Step(noForce)
		require.NoError(t, stepErr)
	}

	assert.Equal(t, limit, step.Number)
	assert.True(t, step.Truncated())
	assert.False(t, step.Terminated())
}

func TestResetDrawsFromStarter(t *testing.T) {
	env, first, err := NewDiscrete(DefaultStarter(11), MaxEpisodeSteps)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		assert.LessOrEqual(t, first.Observation.AtVec(i), StartBound)
		assert.GreaterOrEqual(t, first.Observation.AtVec(i), -StartBound)
	}

	again, err := env.Reset()
	require.NoError(t, err)
	assert.True(t, again.First())
	assert.Equal(t, 0, again.Number)
}

func TestNewRejectsIllegalArguments(t *testing.T) {
	_, _, err := NewDiscrete(DefaultStarter(1), 0)
	assert.Error(t, err)

	_, _, err = NewDiscrete(fixedStarter{state: []float64{0, 0}}, 10)
	assert.Error(t, err)
}
