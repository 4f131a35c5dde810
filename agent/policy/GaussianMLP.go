package policy

import (
	"fmt"
	"math"

	"github.com/benchrl/benchrl/network"
	"github.com/benchrl/benchrl/timestep"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

const log2Pi = 1.8378770664093453

// GaussianMLP is a policy over a continuous action space: a diagonal
// Gaussian whose mean is predicted by an MLP and whose log standard
// deviation is a state-independent learned parameter.
type GaussianMLP struct {
	network.NeuralNet
	vm G.VM // Single-sample forward pass; nil unless batch size is 1

	logStd     *G.Node
	actions    *G.Node
	logProb    *G.Node
	logProbVal G.Value
	entropy    *G.Node
	entropyVal G.Value

	batchSize  int
	features   int
	actionDims int
	eval       bool

	// Architecture, kept for cloning
	hiddenSizes []int
	biases      []bool
	activations []*network.Activation
	initLogStd  float64

	stdNormal distuv.Normal
}

// NewGaussianMLP returns a new diagonal Gaussian policy over
// actionDims action dimensions. The log standard deviation of every
// dimension starts at initLogStd and is learned alongside the mean
// network's weights.
func NewGaussianMLP(features, actionDims, batch int, g *G.ExprGraph,
	hiddenSizes []int, biases []bool,
	activations []*network.Activation, init G.InitWFn, initLogStd float64,
	seed uint64) (*GaussianMLP, error) {
	net, err := network.NewMultiHeadMLP(features, batch, actionDims, g,
		hiddenSizes, biases, init, activations)
	if err != nil {
		return nil, fmt.Errorf("newgaussianmlp: could not create mean "+
			"network: %v", err)
	}
	mean := net.Prediction()

	logStd := G.NewMatrix(
		g,
		tensor.Float64,
		G.WithShape(1, actionDims),
		G.WithName("logStd"),
		G.WithInit(G.RangedFromWithStep(initLogStd, 0)),
	)

	actions := G.NewMatrix(
		g,
		tensor.Float64,
		G.WithShape(batch, actionDims),
		G.WithInit(G.Zeroes()),
		G.WithName("actions"),
	)

	// Per-row log density of the input actions:
	// logp = −½·Σ((a−μ)/σ)² − Σlogσ − ½·d·log(2π)
	diff := G.Must(G.Sub(actions, mean))
	invStd := G.Must(G.Exp(G.Must(G.Neg(logStd))))
	z := G.Must(G.BroadcastHadamardProd(diff, invStd, nil, []byte{0}))
	zSquared := G.Must(G.Sum(G.Must(G.Square(z)), 1))

	sumLogStd := G.Must(G.Sum(logStd))
	half := G.NewConstant(0.5, G.WithName("half"))
	normalizer := G.NewConstant(0.5*float64(actionDims)*log2Pi,
		G.WithName("gaussianNormalizer"))

	logProb := G.Must(G.Mul(half, zSquared))
	logProb = G.Must(G.Add(logProb, sumLogStd))
	logProb = G.Must(G.Add(logProb, normalizer))
	logProb = G.Must(G.Neg(logProb))

	// Entropy of a diagonal Gaussian depends only on the standard
	// deviations: Σlogσ + ½·d·(1 + log(2π))
	entropyConst := G.NewConstant(0.5*float64(actionDims)*(1+log2Pi),
		G.WithName("gaussianEntropyConst"))
	entropy := G.Must(G.Add(sumLogStd, entropyConst))

	pol := &GaussianMLP{
		NeuralNet: net,
		logStd:    logStd,
		actions:   actions,
		logProb:   logProb,
		entropy:   entropy,

		batchSize:  batch,
		features:   features,
		actionDims: actionDims,

		hiddenSizes: hiddenSizes,
		biases:      biases,
		activations: activations,
		initLogStd:  initLogStd,

		stdNormal: distuv.Normal{
			Mu:    0,
			Sigma: 1,
			Src:   rand.NewSource(seed),
		},
	}
	G.Read(pol.logProb, &pol.logProbVal)
	G.Read(pol.entropy, &pol.entropyVal)

	if batch == 1 {
		pol.vm = G.NewTapeMachine(g)
	}

	return pol, nil
}

// CloneWithBatch returns a policy of the same architecture, weights,
// and log standard deviations on a fresh graph, with a new batch size.
func (p *GaussianMLP) CloneWithBatch(batch int,
	seed uint64) (*GaussianMLP, error) {
	g := G.NewGraph()
	clone, err := NewGaussianMLP(p.features, p.actionDims, batch, g,
		p.hiddenSizes, p.biases, p.activations, G.Zeroes(), p.initLogStd,
		seed)
	if err != nil {
		return nil, fmt.Errorf("clonewithbatch: %v", err)
	}
	if err := clone.Set(p); err != nil {
		return nil, fmt.Errorf("clonewithbatch: could not copy weights: %v",
			err)
	}
	return clone, nil
}

// Set copies the weights and log standard deviations of another
// GaussianMLP of the same architecture.
func (p *GaussianMLP) Set(source *GaussianMLP) error {
	if err := p.Network().Set(source.Network()); err != nil {
		return err
	}
	logStd := source.logStd.Value().(*tensor.Dense).Clone().(*tensor.Dense)
	return G.Let(p.logStd, logStd)
}

// LogProbOf implements the LogProber interface
func (p *GaussianMLP) LogProbOf(states, actions []float64) (*G.Node,
	error) {
	if err := p.Network().SetInput(states); err != nil {
		return nil, fmt.Errorf("logprobof: could not set states: %v", err)
	}
	if len(actions) != p.batchSize*p.actionDims {
		return nil, fmt.Errorf("logprobof: illegal actions length"+
			"\n\twant(%v)\n\thave(%v)", p.batchSize*p.actionDims,
			len(actions))
	}

	actionTensor := tensor.NewDense(tensor.Float64,
		[]int{p.batchSize, p.actionDims},
		tensor.WithBacking(actions),
	)
	if err := G.Let(p.actions, actionTensor); err != nil {
		return nil, fmt.Errorf("logprobof: could not set actions: %v", err)
	}

	return p.logProb, nil
}

func (p *GaussianMLP) LogProbNode() *G.Node { return p.logProb }
func (p *GaussianMLP) LogProbVal() G.Value  { return p.logProbVal }
func (p *GaussianMLP) EntropyNode() *G.Node { return p.entropy }
func (p *GaussianMLP) EntropyVal() G.Value  { return p.entropyVal }

// Network returns the policy's mean network
func (p *GaussianMLP) Network() network.NeuralNet { return p.NeuralNet }

// LogStd returns the node holding the learned log standard deviations
func (p *GaussianMLP) LogStd() *G.Node { return p.logStd }

// Learnables returns the learnable nodes: the mean network's weights
// plus the log standard deviations.
func (p *GaussianMLP) Learnables() G.Nodes {
	netNodes := p.NeuralNet.Learnables()
	nodes := make(G.Nodes, 0, len(netNodes)+1)
	nodes = append(nodes, netNodes...)
	return append(nodes, p.logStd)
}

// Model returns the learnable nodes with their gradients
func (p *GaussianMLP) Model() []G.ValueGrad {
	netModel := p.NeuralNet.Model()
	model := make([]G.ValueGrad, 0, len(netModel)+1)
	model = append(model, netModel...)
	return append(model, p.logStd)
}

// Eval sets the policy to evaluation mode, where it acts by the
// distribution mean
func (p *GaussianMLP) Eval() { p.eval = true }

// Train sets the policy to training mode, where it samples actions
func (p *GaussianMLP) Train() { p.eval = false }

// IsEval returns whether the policy is in evaluation mode
func (p *GaussianMLP) IsEval() bool { return p.eval }

// SelectAction selects an action for the state in t
func (p *GaussianMLP) SelectAction(
	t timestep.TimeStep) (*mat.VecDense, error) {
	action, _, err := p.SelectActionWithLogProb(t)
	return action, err
}

// SelectActionWithLogProb selects an action for the state in t and
// returns its log density under the current policy. Only valid for a
// policy with batch size 1.
func (p *GaussianMLP) SelectActionWithLogProb(
	t timestep.TimeStep) (*mat.VecDense, float64, error) {
	if p.vm == nil {
		return nil, 0, fmt.Errorf("selectaction: policy has batch size "+
			"%v, need 1", p.batchSize)
	}

	obs := t.Observation.(*mat.VecDense).RawVector().Data
	if err := p.Network().SetInput(obs); err != nil {
		return nil, 0, fmt.Errorf("selectaction: could not set input: %v",
			err)
	}

	if err := p.vm.RunAll(); err != nil {
		return nil, 0, fmt.Errorf("selectaction: could not run policy: %v",
			err)
	}
	mean := p.Network().Output().Data().([]float64)
	p.vm.Reset()

	logStd := p.logStd.Value().Data().([]float64)

	action := make([]float64, p.actionDims)
	logProb := -0.5 * float64(p.actionDims) * log2Pi
	for i := 0; i < p.actionDims; i++ {
		std := math.Exp(logStd[i])
		if p.eval {
			action[i] = mean[i]
		} else {
			action[i] = mean[i] + std*p.stdNormal.Rand()
		}

		z := (action[i] - mean[i]) / std
		logProb -= 0.5*z*z + logStd[i]
	}

	return mat.NewVecDense(p.actionDims, action), logProb, nil
}

// Close releases the policy's VM, if any
func (p *GaussianMLP) Close() error {
	if p.vm != nil {
		return p.vm.Close()
	}
	return nil
}
