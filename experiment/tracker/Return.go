package tracker

import (
	"encoding/gob"
	"fmt"
	"os"
)

// Return tracks the episodic return over training and gob-encodes the
// data to disk when the experiment ends.
//
// An episode must finish for its return to be recorded; an episode
// still running when the experiment ends is not saved.
type Return struct {
	steps    []int
	returns  []float64
	filename string
}

// NewReturn returns a Tracker saving episodic returns to filename
func NewReturn(filename string) *Return {
	return &Return{filename: filename}
}

// Track implements the Tracker interface
func (r *Return) Track(episodeReturn float64, globalStep int) {
	r.returns = append(r.returns, episodeReturn)
	r.steps = append(r.steps, globalStep)
}

// Returns returns the episodic returns recorded so far
func (r *Return) Returns() []float64 { return r.returns }

// Save implements the Tracker interface
func (r *Return) Save() error {
	file, err := os.Create(r.filename)
	if err != nil {
		return fmt.Errorf("save: could not open save file: %v", err)
	}
	defer file.Close()

	en := gob.NewEncoder(file)
	if err := en.Encode(r.steps); err != nil {
		return fmt.Errorf("save: could not encode step data: %v", err)
	}
	if err := en.Encode(r.returns); err != nil {
		return fmt.Errorf("save: could not encode return data: %v", err)
	}
	return nil
}
