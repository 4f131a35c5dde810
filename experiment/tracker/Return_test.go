package tracker

import (
	"encoding/gob"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReturnSavesTrackedEpisodes(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "returns.bin")
	tracker := NewReturn(filename)

	tracker.Track(10.5, 100)
	tracker.Track(-3, 250)
	tracker.Track(42, 400)
	require.NoError(t, tracker.Save())

	file, err := os.Open(filename)
	require.NoError(t, err)
	defer file.Close()

	var steps []int
	var returns []float64
	de := gob.NewDecoder(file)
	require.NoError(t, de.Decode(&steps))
	require.NoError(t, de.Decode(&returns))

	assert.Equal(t, []int{100, 250, 400}, steps)
	assert.Equal(t, []float64{10.5, -3, 42}, returns)
}

func TestReturnSavesNothingTracked(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "returns.bin")
	require.NoError(t, NewReturn(filename).Save())
}
