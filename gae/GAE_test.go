package gae

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fill stores horizon steps into one environment column with simple
// deterministic rewards and value estimates.
func fill(t *testing.T, b *Buffer, env, horizon int, rew,
	val []float64) {
	t.Helper()
	for i := 0; i < horizon; i++ {
		err := b.Store(env, []float64{float64(env), float64(i)},
			[]float64{1}, rew[i], val[i], -0.5)
		require.NoError(t, err)
	}
}

// With λ = 0 each advantage collapses to the one-step TD residual
// δ_t = r_t + γ·V(s_{t+1}) − V(s_t).
func TestLambdaZeroGivesTDResidual(t *testing.T) {
	const gamma = 0.9
	rew := []float64{1, 2, 3, 4}
	val := []float64{0.5, 1.5, 2.5, 3.5}
	lastVal := 7.0 // Truncated segment, bootstrap from V(s_T)

	b, err := New(2, 1, 4, 1, 0.0, gamma)
	require.NoError(t, err)
	fill(t, b, 0, 4, rew, val)
	require.NoError(t, b.FinishPath(0, lastVal))

	batch, err := b.Batch()
	require.NoError(t, err)

	nextVals := []float64{val[1], val[2], val[3], lastVal}
	for i := range rew {
		want := rew[i] + gamma*nextVals[i] - val[i]
		assert.InDelta(t, want, batch.Advantages[i], 1e-12)
	}
}

// With λ = 1 each advantage is the discounted Monte Carlo return minus
// the value baseline.
func TestLambdaOneGivesMonteCarloMinusBaseline(t *testing.T) {
	const gamma = 0.95
	rew := []float64{1, -2, 0.5, 3}
	val := []float64{0.2, 0.4, 0.6, 0.8}

	b, err := New(2, 1, 4, 1, 1.0, gamma)
	require.NoError(t, err)
	fill(t, b, 0, 4, rew, val)
	require.NoError(t, b.FinishPath(0, 0.0)) // Terminal end, no bootstrap

	batch, err := b.Batch()
	require.NoError(t, err)

	for i := range rew {
		ret := 0.0
		for j := len(rew) - 1; j >= i; j-- {
			ret = rew[j] + gamma*ret
		}
		assert.InDelta(t, ret-val[i], batch.Advantages[i], 1e-12)
	}
}

// Two instances with horizon 5 produce 10 rows, and each advantage
// recursion only ever sees steps from its own instance.
func TestBatchPartitionsByInstance(t *testing.T) {
	const gamma, lambda = 0.99, 0.97
	b, err := New(2, 1, 5, 2, lambda, gamma)
	require.NoError(t, err)

	fill(t, b, 0, 5, []float64{1, 1, 1, 1, 1},
		[]float64{0, 0, 0, 0, 0})
	fill(t, b, 1, 5, []float64{-1, -1, -1, -1, -1},
		[]float64{0, 0, 0, 0, 0})
	require.NoError(t, b.FinishPath(0, 0.0))
	require.NoError(t, b.FinishPath(1, 0.0))

	batch, err := b.Batch()
	require.NoError(t, err)
	require.Equal(t, 10, batch.Len())

	for i := 0; i < 5; i++ {
		assert.Equal(t, 0, batch.EnvIndex[i])
		assert.Equal(t, 1, batch.EnvIndex[i+5])

		// Geometric (γλ)-weighted sum of the constant ±1 rewards,
		// computed independently per instance.
		want := 0.0
		for j := 4; j >= i; j-- {
			want = 1 + gamma*lambda*want
		}
		assert.InDelta(t, want, batch.Advantages[i], 1e-12)
		assert.InDelta(t, -want, batch.Advantages[i+5], 1e-12)
	}
}

// A column sealed mid-horizon by an episode boundary restarts the
// recursion: advantages after the boundary never leak backward.
func TestFinishPathSealsSegments(t *testing.T) {
	const gamma = 0.9
	b, err := New(2, 1, 4, 1, 0.5, gamma)
	require.NoError(t, err)

	fill(t, b, 0, 2, []float64{1, 1}, []float64{0, 0})
	require.NoError(t, b.FinishPath(0, 0.0))
	fill(t, b, 0, 2, []float64{5, 5}, []float64{0, 0})
	require.NoError(t, b.FinishPath(0, 0.0))

	batch, err := b.Batch()
	require.NoError(t, err)

	// First segment's advantages depend only on its own rewards.
	assert.InDelta(t, 1+gamma*0.5*1, batch.Advantages[0], 1e-12)
	assert.InDelta(t, 1.0, batch.Advantages[1], 1e-12)
	assert.InDelta(t, 5+gamma*0.5*5, batch.Advantages[2], 1e-12)
	assert.InDelta(t, 5.0, batch.Advantages[3], 1e-12)
}

func TestBatchRejectsUnfinishedPaths(t *testing.T) {
	b, err := New(2, 1, 2, 1, 0.95, 0.99)
	require.NoError(t, err)
	fill(t, b, 0, 2, []float64{1, 1}, []float64{0, 0})

	_, err = b.Batch()
	assert.Error(t, err)
}

func TestNormalizedAdvantages(t *testing.T) {
	b, err := New(1, 1, 4, 1, 1.0, 1.0)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		require.NoError(t, b.Store(0, []float64{0}, []float64{0},
			float64(i), 0, 0))
	}
	require.NoError(t, b.FinishPath(0, 0))

	batch, err := b.Batch()
	require.NoError(t, err)

	norm := batch.NormalizedAdvantages()
	mean, std := 0.0, 0.0
	for _, v := range norm {
		mean += v
	}
	mean /= float64(len(norm))
	for _, v := range norm {
		std += (v - mean) * (v - mean)
	}
	std = math.Sqrt(std / float64(len(norm)-1))

	assert.InDelta(t, 0.0, mean, 1e-10)
	assert.InDelta(t, 1.0, std, 1e-6)
}
