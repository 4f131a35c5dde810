package expreplay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/benchrl/benchrl/timestep"
)

func transitionWithReward(r float64) timestep.Transition {
	return timestep.Transition{
		State:     mat.NewVecDense(2, []float64{r, r + 0.5}),
		Action:    mat.NewVecDense(1, []float64{r}),
		Reward:    r,
		Discount:  0.99,
		NextState: mat.NewVecDense(2, []float64{r + 1, r + 1.5}),
	}
}

func TestNewRejectsInvalidSizes(t *testing.T) {
	_, err := New(0, 10, 2, 1, 4, 1)
	assert.Error(t, err)

	_, err = New(5, 4, 2, 1, 4, 1)
	assert.Error(t, err)

	_, err = New(1, 4, 2, 1, 8, 1)
	assert.Error(t, err)
}

func TestFifoOverwriteKeepsLastC(t *testing.T) {
	const capacity, extra = 5, 3

	b, err := New(1, capacity, 2, 1, 2, 14)
	require.NoError(t, err)

	for i := 0; i < capacity+extra; i++ {
		require.NoError(t, b.Add(transitionWithReward(float64(i))))
	}

	assert.Equal(t, capacity, b.Capacity())

	// The survivors must be exactly the last C inserted, oldest first.
	got := make([]float64, 0, capacity)
	for _, index := range b.insertOrder() {
		got = append(got, b.rewardCache[index])
	}
	assert.Equal(t, []float64{3, 4, 5, 6, 7}, got)
}

func TestSampleRequiresMinCapacity(t *testing.T) {
	b, err := New(3, 10, 2, 1, 2, 14)
	require.NoError(t, err)

	_, _, _, _, _, sampleErr := b.Sample()
	assert.True(t, IsEmptyBuffer(sampleErr))

	require.NoError(t, b.Add(transitionWithReward(1)))
	_, _, _, _, _, sampleErr = b.Sample()
	assert.True(t, IsInsufficientSamples(sampleErr))

	require.NoError(t, b.Add(transitionWithReward(2)))
	require.NoError(t, b.Add(transitionWithReward(3)))

	states, actions, rewards, discounts, nextStates, sampleErr := b.Sample()
	require.NoError(t, sampleErr)
	assert.Len(t, states, 2*2)
	assert.Len(t, actions, 2*1)
	assert.Len(t, rewards, 2)
	assert.Len(t, discounts, 2)
	assert.Len(t, nextStates, 2*2)
}

func TestSampleRowsAreStoredTransitions(t *testing.T) {
	b, err := New(1, 4, 2, 1, 3, 42)
	require.NoError(t, err)

	inserted := map[float64]timestep.Transition{}
	for i := 0; i < 4; i++ {
		tr := transitionWithReward(float64(i))
		inserted[tr.Reward] = tr
		require.NoError(t, b.Add(tr))
	}

	states, actions, rewards, discounts, nextStates, sampleErr := b.Sample()
	require.NoError(t, sampleErr)

	for i, r := range rewards {
		tr, ok := inserted[r]
		require.True(t, ok, "sampled reward %v was never inserted", r)

		assert.Equal(t, tr.State.AtVec(0), states[i*2])
		assert.Equal(t, tr.State.AtVec(1), states[i*2+1])
		assert.Equal(t, tr.Action.AtVec(0), actions[i])
		assert.Equal(t, tr.Discount, discounts[i])
		assert.Equal(t, tr.NextState.AtVec(0), nextStates[i*2])
		assert.Equal(t, tr.NextState.AtVec(1), nextStates[i*2+1])
	}
}
