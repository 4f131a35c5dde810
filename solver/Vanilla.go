package solver

import (
	"fmt"

	G "gorgonia.org/gorgonia"
)

// VanillaConfig describes a configuration of stochastic gradient
// descent with optional momentum.
type VanillaConfig struct {
	StepSize    float64
	Momentum    float64
	MaxGradNorm float64
}

// NewVanilla returns a new stochastic gradient descent Solver
func NewVanilla(stepSize, momentum, maxGradNorm float64) (*Solver, error) {
	sgd := VanillaConfig{
		StepSize:    stepSize,
		Momentum:    momentum,
		MaxGradNorm: maxGradNorm,
	}

	return newSolver(Vanilla, sgd)
}

// Create returns a new SGD Stepper as described by the VanillaConfig
func (v VanillaConfig) Create() Stepper {
	return &vanilla{VanillaConfig: v}
}

// ValidType returns if the given Solver type is a valid type to be
// created with this config.
func (v VanillaConfig) ValidType(t Type) bool {
	return t == Vanilla
}

// Validate implements the Config interface
func (v VanillaConfig) Validate() error {
	if v.StepSize <= 0 {
		return fmt.Errorf("vanilla: step size must be positive, got %v",
			v.StepSize)
	}
	if v.Momentum < 0 || v.Momentum >= 1 {
		return fmt.Errorf("vanilla: momentum must be in [0, 1), got %v",
			v.Momentum)
	}
	return nil
}

// vanilla implements SGD with momentum: velocity = μ·velocity + g,
// weight -= stepSize·velocity. With μ = 0 this is plain SGD.
type vanilla struct {
	VanillaConfig

	steps    int
	velocity [][]float64
}

// Step updates the weights of model in place from their bound
// gradients. Returns ErrNonFinite, without modifying any weight or
// accumulator, if any gradient value is NaN or Inf.
func (s *vanilla) Step(model []G.ValueGrad) error {
	weights, gradients, err := grads(model)
	if err != nil {
		return err
	}

	if s.velocity == nil {
		s.velocity = make([][]float64, len(model))
		for i := range gradients {
			s.velocity[i] = make([]float64, len(gradients[i]))
		}
	}
	if len(s.velocity) != len(model) {
		return fmt.Errorf("step: model has %v weight tensors, state has %v",
			len(model), len(s.velocity))
	}

	clipGradNorm(gradients, s.MaxGradNorm)

	s.steps++
	for i := range model {
		w, g := weights[i], gradients[i]
		for j := range g {
			s.velocity[i][j] = s.Momentum*s.velocity[i][j] + g[j]
			w[j] -= s.StepSize * s.velocity[i][j]
		}
	}

	return nil
}

// State returns a copy of the solver's step count and velocity
// accumulators.
func (s *vanilla) State() State {
	return State{Steps: s.steps, Moments: [][][]float64{copyOf(s.velocity)}}
}

// SetState overwrites the solver's step count and velocity
// accumulators
func (s *vanilla) SetState(state State) error {
	if len(state.Moments) != 1 {
		return fmt.Errorf("setstate: sgd needs 1 moment order, got %v",
			len(state.Moments))
	}
	s.steps = state.Steps
	s.velocity = copyOf(state.Moments[0])
	return nil
}
