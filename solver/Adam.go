package solver

import (
	"fmt"
	"math"

	G "gorgonia.org/gorgonia"
)

// AdamConfig describes a configuration of the Adam solver. A
// MaxGradNorm > 0 rescales gradients before each update so that their
// joint L2 norm does not exceed it.
type AdamConfig struct {
	StepSize    float64
	Epsilon     float64 // Smoothing factor
	Beta1       float64
	Beta2       float64
	MaxGradNorm float64
}

// NewDefaultAdam returns a new Adam Solver with default hyperparameters
func NewDefaultAdam(stepSize, maxGradNorm float64) (*Solver, error) {
	return NewAdam(stepSize, 1e-8, 0.9, 0.999, maxGradNorm)
}

// NewAdam returns a new Adam Solver
func NewAdam(stepSize, epsilon, beta1, beta2,
	maxGradNorm float64) (*Solver, error) {
	adam := AdamConfig{
		StepSize:    stepSize,
		Epsilon:     epsilon,
		Beta1:       beta1,
		Beta2:       beta2,
		MaxGradNorm: maxGradNorm,
	}

	return newSolver(Adam, adam)
}

// Create returns a new Adam Stepper as described by the AdamConfig
func (a AdamConfig) Create() Stepper {
	return &adam{AdamConfig: a}
}

// ValidType returns if the given Solver type is a valid type to be
// created with this config.
func (a AdamConfig) ValidType(t Type) bool {
	return t == Adam
}

// Validate implements the Config interface
func (a AdamConfig) Validate() error {
	if a.StepSize <= 0 {
		return fmt.Errorf("adam: step size must be positive, got %v",
			a.StepSize)
	}
	if a.Epsilon <= 0 {
		return fmt.Errorf("adam: ε must be positive, got %v", a.Epsilon)
	}
	if a.Beta1 < 0 || a.Beta1 >= 1 {
		return fmt.Errorf("adam: β1 must be in [0, 1), got %v", a.Beta1)
	}
	if a.Beta2 < 0 || a.Beta2 >= 1 {
		return fmt.Errorf("adam: β2 must be in [0, 1), got %v", a.Beta2)
	}
	return nil
}

// adam implements the Adam update rule of
// https://arxiv.org/abs/1412.6980 with bias-corrected first and second
// moment estimates.
type adam struct {
	AdamConfig

	steps int
	m     [][]float64 // First moment accumulators, one slice per weight
	v     [][]float64 // Second moment accumulators
}

// Step updates the weights of model in place from their bound
// gradients. Returns ErrNonFinite, without modifying any weight or
// accumulator, if any gradient value is NaN or Inf.
func (a *adam) Step(model []G.ValueGrad) error {
	weights, gradients, err := grads(model)
	if err != nil {
		return err
	}

	if a.m == nil {
		a.m = make([][]float64, len(model))
		a.v = make([][]float64, len(model))
		for i := range gradients {
			a.m[i] = make([]float64, len(gradients[i]))
			a.v[i] = make([]float64, len(gradients[i]))
		}
	}
	if len(a.m) != len(model) {
		return fmt.Errorf("step: model has %v weight tensors, state has %v",
			len(model), len(a.m))
	}

	clipGradNorm(gradients, a.MaxGradNorm)

	a.steps++
	correction1 := 1 - math.Pow(a.Beta1, float64(a.steps))
	correction2 := 1 - math.Pow(a.Beta2, float64(a.steps))

	for i := range model {
		w, g := weights[i], gradients[i]
		for j := range g {
			a.m[i][j] = a.Beta1*a.m[i][j] + (1-a.Beta1)*g[j]
			a.v[i][j] = a.Beta2*a.v[i][j] + (1-a.Beta2)*g[j]*g[j]

			mHat := a.m[i][j] / correction1
			vHat := a.v[i][j] / correction2
			w[j] -= a.StepSize * mHat / (math.Sqrt(vHat) + a.Epsilon)
		}
	}

	return nil
}

// State returns a copy of the solver's step count and moment
// accumulators.
func (a *adam) State() State {
	moments := make([][][]float64, 2)
	moments[0] = copyOf(a.m)
	moments[1] = copyOf(a.v)
	return State{Steps: a.steps, Moments: moments}
}

// SetState overwrites the solver's step count and moment accumulators
func (a *adam) SetState(state State) error {
	if len(state.Moments) != 2 {
		return fmt.Errorf("setstate: adam needs 2 moment orders, got %v",
			len(state.Moments))
	}
	a.steps = state.Steps
	a.m = copyOf(state.Moments[0])
	a.v = copyOf(state.Moments[1])
	return nil
}

func copyOf(s [][]float64) [][]float64 {
	out := make([][]float64, len(s))
	for i := range s {
		out[i] = make([]float64, len(s[i]))
		copy(out[i], s[i])
	}
	return out
}
