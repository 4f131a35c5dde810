// Package solver implements gradient-based weight updaters that can be
// JSON serialized into configuration files and whose internal state
// (step counts and moment estimates) can be saved and restored, so
// that training resumed from a snapshot continues exactly where it
// left off.
package solver

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"

	"gonum.org/v1/gonum/floats"
	G "gorgonia.org/gorgonia"
)

// ErrNonFinite is returned by Step when a gradient contains a NaN or
// Inf value. No weight is modified when this error is returned.
var ErrNonFinite = errors.New("gradient contains non-finite values")

// Type describes different types of solvers that are available
type Type string

// Available solver types
const (
	Adam    Type = "Adam"
	Vanilla Type = "Vanilla"
)

// Stepper updates model weights from their bound gradients. Steppers
// expose their internal state so snapshots can capture it.
type Stepper interface {
	Step(model []G.ValueGrad) error

	// State returns a copy of the stepper's internal state;
	// SetState overwrites the internal state with a previously
	// returned one.
	State() State
	SetState(State) error
}

// State is the serializable internal state of a Stepper. Steps counts
// completed updates; Moments holds one slice of accumulators per
// weight tensor per moment order, in Learnables order.
type State struct {
	Steps   int
	Moments [][][]float64
}

// Solver wraps Steppers so that they can be JSON marshalled and
// unmarshalled.
type Solver struct {
	Stepper `json:"-"`
	Type
	Config
}

// newSolver returns a new solver with the given type and configuration.
func newSolver(t Type, c Config) (*Solver, error) {
	if !c.ValidType(t) {
		return nil, fmt.Errorf("newSolver: invalid solver type %v for "+
			"configuration %T", t, c)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("newSolver: %v", err)
	}
	solver := Solver{Type: t, Config: c}
	solver.Stepper = solver.Config.Create()

	return &solver, nil
}

// UnmarshalJSON implements the json.Unmarshaller interface
func (s *Solver) UnmarshalJSON(data []byte) error {
	config, typeName, err := unmarshalConfig(
		data,
		"Type",
		"Config",
		map[string]reflect.Type{
			string(Vanilla): reflect.TypeOf(VanillaConfig{}),
			string(Adam):    reflect.TypeOf(AdamConfig{}),
		})
	if err != nil {
		return err
	}

	if err := config.Validate(); err != nil {
		return fmt.Errorf("unmarshaljson: %v", err)
	}

	s.Type = typeName
	s.Config = config
	s.Stepper = s.Config.Create()

	return nil
}

// unmarshalConfig uses reflection to unmarshal a Config into its
// concrete type. Both the Config and its Type are returned.
func unmarshalConfig(data []byte, typeJsonField, valueJsonField string,
	customTypes map[string]reflect.Type) (Config, Type, error) {
	m := map[string]interface{}{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, "", err
	}

	typeName, ok := m[typeJsonField].(string)
	if !ok {
		return nil, "", fmt.Errorf("unmarshalconfig: no %v field",
			typeJsonField)
	}
	var value Config
	if ty, found := customTypes[typeName]; found {
		value = reflect.New(ty).Interface().(Config)
	} else {
		return nil, "", fmt.Errorf("unmarshalconfig: unknown type %v",
			typeName)
	}

	valueBytes, err := json.Marshal(m[valueJsonField])
	if err != nil {
		return nil, "", err
	}

	if err = json.Unmarshal(valueBytes, &value); err != nil {
		return nil, "", err
	}
	concreteValue := reflect.ValueOf(value).Elem().Interface().(Config)

	return concreteValue, Type(typeName), nil
}

// Config describes a Stepper and can create the Stepper it describes.
type Config interface {
	Create() Stepper

	// ValidType returns whether a specific Solver type can be created
	// with the Config
	ValidType(Type) bool

	// Validate returns an error describing the first illegal
	// hyperparameter in the Config, if any
	Validate() error
}

// grads extracts the gradient backing slice of each weight in the
// model and verifies that every gradient value is finite. The weights'
// backing slices are returned alongside for in-place updates.
func grads(model []G.ValueGrad) ([][]float64, [][]float64, error) {
	weights := make([][]float64, len(model))
	gradients := make([][]float64, len(model))

	for i, m := range model {
		grad, err := m.Grad()
		if err != nil {
			return nil, nil, fmt.Errorf("grads: weight %v has no bound "+
				"gradient: %v", i, err)
		}

		g, err := backing(grad)
		if err != nil {
			return nil, nil, fmt.Errorf("grads: gradient %v: %v", i, err)
		}
		w, err := backing(m.Value())
		if err != nil {
			return nil, nil, fmt.Errorf("grads: weight %v: %v", i, err)
		}

		for _, v := range g {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, nil, ErrNonFinite
			}
		}

		weights[i] = w
		gradients[i] = g
	}

	return weights, gradients, nil
}

// backing returns the float64 backing slice of a gorgonia value
func backing(v G.Value) ([]float64, error) {
	switch data := v.Data().(type) {
	case []float64:
		return data, nil
	case float64:
		return []float64{data}, nil
	default:
		return nil, fmt.Errorf("unsupported value data type %T", data)
	}
}

// clipGradNorm rescales all gradients in place so that their joint L2
// norm does not exceed maxNorm. A maxNorm <= 0 disables clipping. The
// pre-clip norm is returned.
func clipGradNorm(gradients [][]float64, maxNorm float64) float64 {
	total := 0.0
	for _, g := range gradients {
		norm := floats.Norm(g, 2)
		total += norm * norm
	}
	total = math.Sqrt(total)

	if maxNorm > 0 && total > maxNorm {
		scale := maxNorm / total
		for _, g := range gradients {
			floats.Scale(scale, g)
		}
	}
	return total
}
