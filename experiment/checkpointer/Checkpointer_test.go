package checkpointer

import (
	"encoding/gob"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	ts "github.com/benchrl/benchrl/timestep"
)

// gobAgent serializes a single weight
type gobAgent struct {
	weight float64
}

func (g *gobAgent) Save(w io.Writer) error {
	return gob.NewEncoder(w).Encode(g.weight)
}

func (g *gobAgent) Restore(r io.Reader) error {
	return gob.NewDecoder(r).Decode(&g.weight)
}

func (g *gobAgent) SelectAction(ts.TimeStep) (*mat.VecDense, error) {
	return nil, nil
}

func (g *gobAgent) Eval()            {}
func (g *gobAgent) Train()           {}
func (g *gobAgent) IsEval() bool     { return false }
func (g *gobAgent) IsOnPolicy() bool { return true }
func (g *gobAgent) Close() error     { return nil }

func TestCheckpointRoundTrip(t *testing.T) {
	dir := t.TempDir()
	chk, err := New(dir, 1)
	require.NoError(t, err)

	saved := &gobAgent{weight: 3.25}
	require.NoError(t, chk.Write(saved, 7, 7000))

	restored := &gobAgent{}
	state, err := chk.Restore(restored)
	require.NoError(t, err)

	assert.Equal(t, 7, state.Iteration)
	assert.Equal(t, 7000, state.GlobalStep)
	assert.Equal(t, saved.weight, restored.weight)
}

func TestRestorePicksLatestCheckpoint(t *testing.T) {
	dir := t.TempDir()
	chk, err := New(dir, 1)
	require.NoError(t, err)

	for i, w := range []float64{1, 2, 3} {
		require.NoError(t, chk.Write(&gobAgent{weight: w}, i+1,
			(i+1)*100))
	}

	restored := &gobAgent{}
	state, err := chk.Restore(restored)
	require.NoError(t, err)

	assert.Equal(t, 3, state.Iteration)
	assert.Equal(t, 300, state.GlobalStep)
	assert.Equal(t, 3.0, restored.weight)
}

func TestCheckpointHonorsInterval(t *testing.T) {
	dir := t.TempDir()
	chk, err := New(dir, 5)
	require.NoError(t, err)

	a := &gobAgent{}
	require.NoError(t, chk.Checkpoint(a, 3, 30))
	_, err = Latest(dir)
	assert.Error(t, err)

	require.NoError(t, chk.Checkpoint(a, 5, 50))
	latest, err := Latest(dir)
	require.NoError(t, err)
	assert.NotEmpty(t, latest)
}

func TestRestoreErrsOnEmptyDirectory(t *testing.T) {
	chk, err := New(t.TempDir(), 1)
	require.NoError(t, err)

	_, err = chk.Restore(&gobAgent{})
	assert.Error(t, err)
}
