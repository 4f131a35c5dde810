// Package timestep implements timesteps of the agent-environment interaction
package timestep

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// StepType denotes the type of step that a TimeStep can be, either the first
// environmental step, a middle step, or a last step
type StepType int

const (
	First StepType = iota
	Mid
	Last
)

func (s StepType) String() string {
	switch s {
	case First:
		return "First"
	case Last:
		return "Last"
	default:
		return "Mid"
	}
}

// EndType denotes why an episode ended. A TerminalEnd means the
// environment reached a true terminal state, while a LimitEnd means the
// episode was cut off by a step limit or an external horizon. The two
// must never be conflated: bootstrapping a value estimate past a
// TerminalEnd is incorrect, while not bootstrapping past a LimitEnd
// biases return estimates.
type EndType int

const (
	NotEnded EndType = iota
	TerminalEnd
	LimitEnd
)

func (e EndType) String() string {
	switch e {
	case TerminalEnd:
		return "TerminalEnd"
	case LimitEnd:
		return "LimitEnd"
	default:
		return "NotEnded"
	}
}

// TimeStep packages together a single timestep in an environment
type TimeStep struct {
	stepType    StepType
	endType     EndType
	Reward      float64
	Observation mat.Vector
	Number      int
}

// New returns a new TimeStep. Steps that are not Last must use NotEnded
// as their EndType.
func New(t StepType, r float64, o mat.Vector, n int) TimeStep {
	return TimeStep{t, NotEnded, r, o, n}
}

// NewLast returns the final TimeStep of an episode with the given
// EndType.
func NewLast(r float64, o mat.Vector, n int, e EndType) TimeStep {
	return TimeStep{Last, e, r, o, n}
}

// First returns whether a TimeStep is the first in an environment
func (t TimeStep) First() bool {
	return t.stepType == First
}

// Mid returns whether a TimeStep is a middle step in an environment
func (t TimeStep) Mid() bool {
	return t.stepType == Mid
}

// Last returns whether a TimeStep is the last step in an episode
func (t TimeStep) Last() bool {
	return t.stepType == Last
}

// Terminated returns whether the TimeStep ended its episode at a true
// terminal state.
func (t TimeStep) Terminated() bool {
	return t.endType == TerminalEnd
}

// Truncated returns whether the TimeStep ended its episode due to a
// step limit rather than a terminal state.
func (t TimeStep) Truncated() bool {
	return t.endType == LimitEnd
}

// End returns the TimeStep's EndType
func (t TimeStep) End() EndType {
	return t.endType
}

func (t TimeStep) String() string {
	str := "TimeStep | Type: %v  |  End: %v  |  Reward:  %.2f  |  " +
		"Step Number:  %v"

	return fmt.Sprintf(str, t.stepType, t.endType, t.Reward, t.Number)
}
