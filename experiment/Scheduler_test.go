package experiment

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/benchrl/benchrl/agent"
	"github.com/benchrl/benchrl/environment"
	"github.com/benchrl/benchrl/environment/vector"
	"github.com/benchrl/benchrl/gae"
	ts "github.com/benchrl/benchrl/timestep"
)

// loopEnv runs fixed-length episodes with reward 1 per step
type loopEnv struct {
	episodeLen int
	t          int
}

func (l *loopEnv) obs() mat.Vector {
	return mat.NewVecDense(1, []float64{float64(l.t)})
}

func (l *loopEnv) Reset() (ts.TimeStep, error) {
	l.t = 0
	return ts.New(ts.First, 0, l.obs(), 0), nil
}

func (l *loopEnv) Step(_ mat.Vector) (ts.TimeStep, error) {
	l.t++
	if l.t == l.episodeLen {
		step := ts.NewLast(1, l.obs(), l.t, ts.TerminalEnd)
		return step, nil
	}
	return ts.New(ts.Mid, 1, l.obs(), l.t), nil
}

func (l *loopEnv) ObservationSpec() environment.Spec {
	bound := mat.NewVecDense(1, []float64{1000})
	return environment.NewSpec(mat.NewVecDense(1, nil),
		environment.Observation, bound, bound, environment.Continuous)
}

func (l *loopEnv) ActionSpec() environment.Spec {
	bound := mat.NewVecDense(1, []float64{1})
	return environment.NewSpec(mat.NewVecDense(1, nil),
		environment.Action, bound, bound, environment.Continuous)
}

func (l *loopEnv) String() string { return "LoopEnv" }

// onPolicyStub counts updates and can be made to fail numerically on
// a chosen update.
type onPolicyStub struct {
	updates int
	failOn  int
	weight  float64
}

func (o *onPolicyStub) Act(t ts.TimeStep) (*mat.VecDense, float64,
	float64, error) {
	return mat.NewVecDense(1, []float64{0}), 0, 0, nil
}

func (o *onPolicyStub) StateValue(mat.Vector) (float64, error) {
	return 0, nil
}

func (o *onPolicyStub) Update(*gae.Batch) error {
	o.updates++
	if o.failOn > 0 && o.updates == o.failOn {
		return agent.ErrNumerical
	}
	o.weight++
	return nil
}

func (o *onPolicyStub) SelectAction(ts.TimeStep) (*mat.VecDense,
	error) {
	return mat.NewVecDense(1, []float64{0}), nil
}

func (o *onPolicyStub) Eval()                   {}
func (o *onPolicyStub) Train()                  {}
func (o *onPolicyStub) IsEval() bool            { return false }
func (o *onPolicyStub) IsOnPolicy() bool        { return true }
func (o *onPolicyStub) Save(io.Writer) error    { return nil }
func (o *onPolicyStub) Restore(io.Reader) error { return nil }
func (o *onPolicyStub) Close() error            { return nil }

// offPolicyStub records the transitions and updates it was driven
// through.
type offPolicyStub struct {
	observed []ts.Transition
	updates  int
}

func (o *offPolicyStub) ObserveTransition(t ts.Transition) error {
	o.observed = append(o.observed, t)
	return nil
}

func (o *offPolicyStub) Update() error {
	o.updates++
	return nil
}

func (o *offPolicyStub) SelectAction(ts.TimeStep) (*mat.VecDense,
	error) {
	return mat.NewVecDense(1, []float64{0}), nil
}

func (o *offPolicyStub) Eval()                   {}
func (o *offPolicyStub) Train()                  {}
func (o *offPolicyStub) IsEval() bool            { return false }
func (o *offPolicyStub) IsOnPolicy() bool        { return false }
func (o *offPolicyStub) Save(io.Writer) error    { return nil }
func (o *offPolicyStub) Restore(io.Reader) error { return nil }
func (o *offPolicyStub) Close() error            { return nil }

func newTestEnv(t *testing.T, n, episodeLen int) *vector.Env {
	t.Helper()
	envs := make([]environment.Environment, n)
	for i := range envs {
		envs[i] = &loopEnv{episodeLen: episodeLen}
	}
	env, err := vector.New(envs)
	require.NoError(t, err)
	return env
}

func testConfig(iterations int) Config {
	return Config{
		Iterations: iterations,
		Horizon:    4,
		Gamma:      0.99,
		Lambda:     0.95,
	}
}

func TestSchedulerRunsOnPolicyIterations(t *testing.T) {
	a := &onPolicyStub{}
	s, err := NewScheduler(testConfig(3), a, newTestEnv(t, 2, 10), nil,
		nil, zerolog.Nop())
	require.NoError(t, err)

	result, err := s.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, a.updates)
	assert.Equal(t, 3, result.Iterations)
	// 2 instances × horizon 4 × 3 iterations
	assert.Equal(t, 24, result.GlobalSteps)
	assert.Equal(t, Terminated, s.Phase())
}

func TestSchedulerAbortsOnNumericalFailure(t *testing.T) {
	a := &onPolicyStub{failOn: 2}
	s, err := NewScheduler(testConfig(5), a, newTestEnv(t, 1, 10), nil,
		nil, zerolog.Nop())
	require.NoError(t, err)

	result, err := s.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, agent.ErrNumerical))

	// The failed update was not applied and no later iteration ran
	assert.Equal(t, 1.0, a.weight)
	assert.Equal(t, 2, result.Iterations)
	assert.Equal(t, Terminated, s.Phase())
}

func TestSchedulerHonorsCancellationAtIterationBoundary(t *testing.T) {
	a := &onPolicyStub{}
	s, err := NewScheduler(testConfig(100), a, newTestEnv(t, 1, 10), nil,
		nil, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := s.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	// Cancelled before the first boundary: nothing ran
	assert.Equal(t, 0, a.updates)
	assert.Equal(t, 0, result.Iterations)
	assert.Equal(t, Terminated, s.Phase())
}

func TestSchedulerDrivesOffPolicyPerStep(t *testing.T) {
	a := &offPolicyStub{}
	s, err := NewScheduler(testConfig(2), a, newTestEnv(t, 2, 3), nil,
		nil, zerolog.Nop())
	require.NoError(t, err)

	result, err := s.Run(context.Background())
	require.NoError(t, err)

	// 2 instances × horizon 4 × 2 iterations transitions observed,
	// one update per environment step.
	assert.Len(t, a.observed, 16)
	assert.Equal(t, 8, a.updates)
	assert.Equal(t, 16, result.GlobalSteps)

	// Transitions carry their instance index and terminal discounts
	// are zeroed.
	for i, trans := range a.observed {
		assert.Equal(t, i%2, trans.EnvIndex)
	}
	zeroed := 0
	for _, trans := range a.observed {
		if trans.Discount == 0 {
			zeroed++
		}
	}
	// Episodes of length 3: both instances terminate at steps 3 and 6
	assert.Equal(t, 4, zeroed)
	// Each terminated episode contributes its return of 3
	assert.Equal(t, 4, result.Episodes)
}

func TestSchedulerEvaluates(t *testing.T) {
	cfg := testConfig(4)
	cfg.EvalEvery = 2
	cfg.EvalEpisodes = 3

	a := &onPolicyStub{}
	s, err := NewScheduler(cfg, a, newTestEnv(t, 1, 10),
		&loopEnv{episodeLen: 5}, nil, zerolog.Nop())
	require.NoError(t, err)

	result, err := s.Run(context.Background())
	require.NoError(t, err)

	// Evaluated after iterations 2 and 4; each episode returns 5
	require.Len(t, result.EvalReturns, 2)
	assert.Equal(t, 5.0, result.EvalReturns[0])
	assert.Equal(t, 5.0, result.EvalReturns[1])
}
