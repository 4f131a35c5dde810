package solver

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// quadratic builds a two-weight model with loss mean(w²) and runs one
// forward-backward pass, leaving gradients bound to the weights.
func quadratic(t *testing.T, init G.InitWFn) (*G.Node, []G.ValueGrad) {
	t.Helper()

	g := G.NewGraph()
	w := G.NewVector(g, tensor.Float64, G.WithShape(2), G.WithName("w"),
		G.WithInit(init))
	loss := G.Must(G.Mean(G.Must(G.Square(w))))

	_, err := G.Grad(loss, w)
	require.NoError(t, err)

	vm := G.NewTapeMachine(g, G.BindDualValues(w))
	require.NoError(t, vm.RunAll())
	t.Cleanup(func() { vm.Close() })

	return w, []G.ValueGrad{w}
}

func TestVanillaStep(t *testing.T) {
	// w = [1, 2], ∇ mean(w²) = [1, 2]
	w, model := quadratic(t, G.RangedFromWithStep(1.0, 1.0))

	s, err := NewVanilla(0.1, 0, 0)
	require.NoError(t, err)
	require.NoError(t, s.Step(model))

	got := w.Value().Data().([]float64)
	assert.InDelta(t, 0.9, got[0], 1e-12)
	assert.InDelta(t, 1.8, got[1], 1e-12)
}

func TestAdamFirstStepMovesByStepSize(t *testing.T) {
	// On the first Adam step the bias-corrected moments reduce to the
	// raw gradient, so each weight moves by stepSize·sign(gradient).
	w, model := quadratic(t, G.RangedFromWithStep(1.0, 1.0))

	s, err := NewDefaultAdam(0.1, 0)
	require.NoError(t, err)
	require.NoError(t, s.Step(model))

	got := w.Value().Data().([]float64)
	assert.InDelta(t, 0.9, got[0], 1e-6)
	assert.InDelta(t, 1.9, got[1], 1e-6)
}

func TestStepClipsGradientNorm(t *testing.T) {
	// w = [30, 40] gives gradient [30, 40] with L2 norm 50; clipping
	// to 5 scales it to [3, 4].
	w, model := quadratic(t, G.RangedFromWithStep(30.0, 10.0))

	s, err := NewVanilla(1.0, 0, 5.0)
	require.NoError(t, err)
	require.NoError(t, s.Step(model))

	got := w.Value().Data().([]float64)
	assert.InDelta(t, 27.0, got[0], 1e-12)
	assert.InDelta(t, 36.0, got[1], 1e-12)
}

func TestStepRejectsNonFiniteGradients(t *testing.T) {
	// d/dw sqrt(w) is non-finite for w <= 0
	g := G.NewGraph()
	w := G.NewVector(g, tensor.Float64, G.WithShape(2), G.WithName("w"),
		G.WithInit(G.RangedFromWithStep(-1.0, 1.0)))
	loss := G.Must(G.Mean(G.Must(G.Sqrt(w))))

	_, err := G.Grad(loss, w)
	require.NoError(t, err)

	vm := G.NewTapeMachine(g, G.BindDualValues(w))
	require.NoError(t, vm.RunAll())
	defer vm.Close()

	s, err := NewDefaultAdam(0.1, 0)
	require.NoError(t, err)

	err = s.Step([]G.ValueGrad{w})
	assert.ErrorIs(t, err, ErrNonFinite)

	// The rejected update must leave the weights untouched
	got := w.Value().Data().([]float64)
	assert.Equal(t, -1.0, got[0])
	assert.Equal(t, 0.0, got[1])
}

func TestAdamStateRoundTrip(t *testing.T) {
	_, model := quadratic(t, G.RangedFromWithStep(1.0, 1.0))

	s, err := NewDefaultAdam(0.1, 0)
	require.NoError(t, err)
	require.NoError(t, s.Step(model))

	state := s.State()
	assert.Equal(t, 1, state.Steps)
	require.Len(t, state.Moments, 2)

	// The returned state is a copy
	state.Moments[0][0][0] = 123.0
	assert.NotEqual(t, 123.0, s.State().Moments[0][0][0])

	fresh := AdamConfig{StepSize: 0.1, Epsilon: 1e-8, Beta1: 0.9,
		Beta2: 0.999}.Create()
	require.NoError(t, fresh.SetState(s.State()))
	assert.Equal(t, s.State(), fresh.State())
}

func TestSolverJSONRoundTrip(t *testing.T) {
	s, err := NewAdam(3e-4, 1e-8, 0.9, 0.999, 0.5)
	require.NoError(t, err)

	data, err := json.Marshal(s)
	require.NoError(t, err)

	var decoded Solver
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, Adam, decoded.Type)
	assert.Equal(t, s.Config, decoded.Config)
	assert.NotNil(t, decoded.Stepper)
}

func TestConfigValidation(t *testing.T) {
	_, err := NewAdam(-0.1, 1e-8, 0.9, 0.999, 0)
	assert.Error(t, err)

	_, err = NewAdam(0.1, 1e-8, 1.0, 0.999, 0)
	assert.Error(t, err)

	_, err = NewVanilla(0.1, 1.5, 0)
	assert.Error(t, err)
}
