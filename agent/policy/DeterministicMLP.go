package policy

import (
	"fmt"

	"github.com/benchrl/benchrl/network"
	"github.com/benchrl/benchrl/timestep"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// DeterministicMLP is a deterministic policy over a continuous action
// space: an MLP whose output is squashed by tanh and scaled to the
// action bounds. In training mode, selected actions are perturbed by
// Gaussian exploration noise and clipped back to the bounds.
type DeterministicMLP struct {
	network.NeuralNet
	vm G.VM // Single-sample forward pass; nil unless batch size is 1

	action    *G.Node
	actionVal G.Value

	batchSize   int
	features    int
	actionDims  int
	actionScale float64
	noiseStd    float64
	eval        bool

	// Architecture, kept for cloning
	hiddenSizes []int
	biases      []bool
	activations []*network.Activation

	stdNormal distuv.Normal
}

// NewDeterministicMLP returns a new deterministic policy on graph g
// with its own input placeholder. The name prefix distinguishes the
// policy's nodes when several networks share one graph. Actions lie
// in [−actionScale, actionScale] per dimension.
func NewDeterministicMLP(features, actionDims, batch int, g *G.ExprGraph,
	hiddenSizes []int, biases []bool,
	activations []*network.Activation, init G.InitWFn, actionScale,
	noiseStd float64, prefix string,
	seed uint64) (*DeterministicMLP, error) {
	input := G.NewMatrix(g, tensor.Float64, G.WithShape(batch, features),
		G.WithName(prefix+"state"), G.WithInit(G.Zeroes()))

	return NewDeterministicMLPFromInput(input, actionDims, g, hiddenSizes,
		biases, activations, init, actionScale, noiseStd, prefix, seed)
}

// NewDeterministicMLPFromInput returns a new deterministic policy
// whose network reads from an existing input node, so that a critic on
// the same graph can consume the policy's action output node.
func NewDeterministicMLPFromInput(input *G.Node, actionDims int,
	g *G.ExprGraph, hiddenSizes []int, biases []bool,
	activations []*network.Activation, init G.InitWFn, actionScale,
	noiseStd float64, prefix string,
	seed uint64) (*DeterministicMLP, error) {
	if actionScale <= 0 {
		return nil, fmt.Errorf("newdeterministicmlp: action scale must "+
			"be positive, got %v", actionScale)
	}

	net, err := network.NewMultiHeadMLPFromInput([]*G.Node{input},
		actionDims, g, hiddenSizes, biases, init, activations, prefix, "")
	if err != nil {
		return nil, fmt.Errorf("newdeterministicmlp: could not create "+
			"network: %v", err)
	}

	squashed := G.Must(G.Tanh(net.Prediction()))
	scale := G.NewConstant(actionScale, G.WithName(prefix+"actionScale"))
	action := G.Must(G.Mul(scale, squashed))

	pol := &DeterministicMLP{
		NeuralNet: net,
		action:    action,

		batchSize:   net.BatchSize(),
		features:    net.Features(),
		actionDims:  actionDims,
		actionScale: actionScale,
		noiseStd:    noiseStd,

		hiddenSizes: hiddenSizes,
		biases:      biases,
		activations: activations,

		stdNormal: distuv.Normal{
			Mu:    0,
			Sigma: 1,
			Src:   rand.NewSource(seed),
		},
	}
	G.Read(pol.action, &pol.actionVal)

	if pol.batchSize == 1 {
		pol.vm = G.NewTapeMachine(g)
	}

	return pol, nil
}

// CloneWithBatch returns a policy of the same architecture and
// weights on a fresh graph, with a new batch size.
func (d *DeterministicMLP) CloneWithBatch(batch int, prefix string,
	seed uint64) (*DeterministicMLP, error) {
	g := G.NewGraph()
	clone, err := NewDeterministicMLP(d.features, d.actionDims, batch, g,
		d.hiddenSizes, d.biases, d.activations, G.Zeroes(), d.actionScale,
		d.noiseStd, prefix, seed)
	if err != nil {
		return nil, fmt.Errorf("clonewithbatch: %v", err)
	}
	if err := clone.Network().Set(d.Network()); err != nil {
		return nil, fmt.Errorf("clonewithbatch: could not copy weights: %v",
			err)
	}
	return clone, nil
}

// ActionNode returns the node computing the squashed, scaled actions.
// A critic on the same graph consumes this node to build the policy
// improvement loss.
func (d *DeterministicMLP) ActionNode() *G.Node { return d.action }

// ActionValue returns the value of the action node after the last VM
// run
func (d *DeterministicMLP) ActionValue() G.Value { return d.actionVal }

// ActionScale returns the half-width of the action interval
func (d *DeterministicMLP) ActionScale() float64 { return d.actionScale }

// Network returns the policy's network
func (d *DeterministicMLP) Network() network.NeuralNet { return d.NeuralNet }

// Eval sets the policy to evaluation mode, disabling exploration noise
func (d *DeterministicMLP) Eval() { d.eval = true }

// Train sets the policy to training mode, where selected actions are
// perturbed by exploration noise
func (d *DeterministicMLP) Train() { d.eval = false }

// IsEval returns whether the policy is in evaluation mode
func (d *DeterministicMLP) IsEval() bool { return d.eval }

// SelectAction selects an action for the state in t. Only valid for a
// policy with batch size 1.
func (d *DeterministicMLP) SelectAction(
	t timestep.TimeStep) (*mat.VecDense, error) {
	if d.vm == nil {
		return nil, fmt.Errorf("selectaction: policy has batch size "+
			"%v, need 1", d.batchSize)
	}

	obs := t.Observation.(*mat.VecDense).RawVector().Data
	if err := d.Network().SetInput(obs); err != nil {
		return nil, fmt.Errorf("selectaction: could not set input: %v", err)
	}

	if err := d.vm.RunAll(); err != nil {
		return nil, fmt.Errorf("selectaction: could not run policy: %v",
			err)
	}
	action := make([]float64, d.actionDims)
	copy(action, d.actionVal.Data().([]float64))
	d.vm.Reset()

	if !d.eval {
		for i := range action {
			action[i] += d.noiseStd * d.stdNormal.Rand()
			action[i] = clip(action[i], -d.actionScale, d.actionScale)
		}
	}

	return mat.NewVecDense(d.actionDims, action), nil
}

// Close releases the policy's VM, if any
func (d *DeterministicMLP) Close() error {
	if d.vm != nil {
		return d.vm.Close()
	}
	return nil
}

func clip(x, low, high float64) float64 {
	if x < low {
		return low
	}
	if x > high {
		return high
	}
	return x
}
