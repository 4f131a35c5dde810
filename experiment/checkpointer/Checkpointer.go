// Package checkpointer implements periodic serialization of training
// state so that interrupted runs resume exactly where they stopped.
package checkpointer

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/benchrl/benchrl/agent"
)

// checkpoint is the on-disk layout of one snapshot. The agent's own
// serialization is embedded as opaque bytes so the counters can be
// decoded without constructing an agent.
type checkpoint struct {
	Iteration  int
	GlobalStep int
	Agent      []byte
}

// State holds the training-loop counters restored from a checkpoint
type State struct {
	Iteration  int
	GlobalStep int
}

// Checkpointer writes snapshots of an agent and the training-loop
// counters into a directory every fixed number of iterations.
type Checkpointer struct {
	dir      string
	interval int
}

// New returns a Checkpointer saving into dir every interval
// iterations. An interval below 1 disables periodic checkpoints; Write
// may still be called directly.
func New(dir string, interval int) (*Checkpointer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("checkpointer: could not create %v: %v",
			dir, err)
	}
	return &Checkpointer{dir: dir, interval: interval}, nil
}

// Checkpoint writes a snapshot when iteration falls on the
// Checkpointer's interval.
func (c *Checkpointer) Checkpoint(a agent.Agent, iteration,
	globalStep int) error {
	if c.interval < 1 || iteration%c.interval != 0 {
		return nil
	}
	return c.Write(a, iteration, globalStep)
}

// Write unconditionally writes a snapshot of the agent and counters
func (c *Checkpointer) Write(a agent.Agent, iteration,
	globalStep int) error {
	var buf bytes.Buffer
	if err := a.Save(&buf); err != nil {
		return fmt.Errorf("checkpoint: could not serialize agent: %v", err)
	}

	file, err := os.Create(c.filename(iteration))
	if err != nil {
		return fmt.Errorf("checkpoint: %v", err)
	}
	defer file.Close()

	chk := checkpoint{
		Iteration:  iteration,
		GlobalStep: globalStep,
		Agent:      buf.Bytes(),
	}
	if err := gob.NewEncoder(file).Encode(chk); err != nil {
		return fmt.Errorf("checkpoint: could not encode: %v", err)
	}
	return nil
}

// Restore loads the most recent snapshot in the Checkpointer's
// directory into the agent, which must have been constructed with the
// same configuration that produced the snapshot. The returned State
// holds the counters the training loop continues from.
func (c *Checkpointer) Restore(a agent.Agent) (State, error) {
	latest, err := Latest(c.dir)
	if err != nil {
		return State{}, err
	}
	return RestoreFile(a, latest)
}

// RestoreFile loads the snapshot in the named file into the agent
func RestoreFile(a agent.Agent, filename string) (State, error) {
	file, err := os.Open(filename)
	if err != nil {
		return State{}, fmt.Errorf("restore: %v", err)
	}
	defer file.Close()

	var chk checkpoint
	if err := gob.NewDecoder(file).Decode(&chk); err != nil {
		return State{}, fmt.Errorf("restore: could not decode %v: %v",
			filename, err)
	}
	if err := a.Restore(bytes.NewReader(chk.Agent)); err != nil {
		return State{}, fmt.Errorf("restore: could not restore agent: %v",
			err)
	}

	return State{Iteration: chk.Iteration, GlobalStep: chk.GlobalStep}, nil
}

// Latest returns the snapshot file in dir with the highest iteration
// number.
func Latest(dir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "checkpoint_*.bin"))
	if err != nil {
		return "", fmt.Errorf("latest: %v", err)
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("latest: no checkpoints in %v", dir)
	}
	sort.Strings(matches)
	return matches[len(matches)-1], nil
}

func (c *Checkpointer) filename(iteration int) string {
	return filepath.Join(c.dir, fmt.Sprintf("checkpoint_%09d.bin",
		iteration))
}
