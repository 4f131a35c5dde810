package policy

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"

	"github.com/benchrl/benchrl/network"
	"github.com/benchrl/benchrl/timestep"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// CategoricalMLP is a softmax policy over a discrete action space,
// parameterized by an MLP that outputs one logit per action.
type CategoricalMLP struct {
	network.NeuralNet
	vm G.VM // Single-sample forward pass; nil unless batch size is 1

	logits     *G.Node
	logitsVals G.Value

	actionIndices *G.Node
	logProb       *G.Node
	logProbVal    G.Value
	entropy       *G.Node
	entropyVal    G.Value

	batchSize  int
	features   int
	numActions int
	eval       bool

	// Architecture, kept for cloning
	hiddenSizes []int
	biases      []bool
	activations []*network.Activation

	rng *rand.Rand
}

// NewCategoricalMLP returns a new softmax policy over numActions
// actions. The policy's forward pass accepts batch observations at a
// time; a policy with batch size 1 additionally owns a VM and can
// select actions.
func NewCategoricalMLP(features, numActions, batch int, g *G.ExprGraph,
	hiddenSizes []int, biases []bool,
	activations []*network.Activation, init G.InitWFn,
	seed uint64) (*CategoricalMLP, error) {
	if numActions < 2 {
		return nil, fmt.Errorf("newcategoricalmlp: need at least 2 "+
			"actions, got %v", numActions)
	}

	net, err := network.NewMultiHeadMLP(features, batch, numActions, g,
		hiddenSizes, biases, init, activations)
	if err != nil {
		return nil, fmt.Errorf("newcategoricalmlp: could not create "+
			"policy network: %v", err)
	}

	logits := net.Prediction()

	// Log probability of actions inputted with LogProbOf. Actions are
	// one-hot encoded into the actionIndices placeholder.
	actionIndices := G.NewMatrix(
		net.Graph(),
		tensor.Float64,
		G.WithShape(logits.Shape()...),
		G.WithInit(G.Zeroes()),
		G.WithName("actionIndices"),
	)
	logitsInputActions := G.Must(G.HadamardProd(actionIndices, logits))
	logitsInputActions = G.Must(G.Sum(logitsInputActions, 1))
	lse := logSumExp(logits, 1)
	logProb := G.Must(G.Sub(logitsInputActions, lse))

	// Mean entropy of the action distributions in the batch
	logProbs := G.Must(G.BroadcastSub(logits, lse, nil, []byte{1}))
	probs := G.Must(G.Exp(logProbs))
	rowEntropy := G.Must(G.Sum(G.Must(G.HadamardProd(probs, logProbs)), 1))
	entropy := G.Must(G.Neg(G.Must(G.Mean(rowEntropy))))

	pol := &CategoricalMLP{
		NeuralNet:     net,
		logits:        logits,
		actionIndices: actionIndices,
		logProb:       logProb,
		entropy:       entropy,

		batchSize:  batch,
		features:   features,
		numActions: numActions,

		hiddenSizes: hiddenSizes,
		biases:      biases,
		activations: activations,

		rng: rand.New(rand.NewSource(seed)),
	}
	G.Read(pol.logits, &pol.logitsVals)
	G.Read(pol.logProb, &pol.logProbVal)
	G.Read(pol.entropy, &pol.entropyVal)

	if batch == 1 {
		pol.vm = G.NewTapeMachine(net.Graph())
	}

	return pol, nil
}

// CloneWithBatch returns a policy of the same architecture and
// weights on a fresh graph, with a new batch size.
func (c *CategoricalMLP) CloneWithBatch(batch int,
	seed uint64) (*CategoricalMLP, error) {
	g := G.NewGraph()
	clone, err := NewCategoricalMLP(c.features, c.numActions, batch, g,
		c.hiddenSizes, c.biases, c.activations, G.Zeroes(), seed)
	if err != nil {
		return nil, fmt.Errorf("clonewithbatch: %v", err)
	}
	if err := clone.Network().Set(c.Network()); err != nil {
		return nil, fmt.Errorf("clonewithbatch: could not copy weights: %v",
			err)
	}
	return clone, nil
}

// LogProbOf implements the LogProber interface
func (c *CategoricalMLP) LogProbOf(states, actions []float64) (*G.Node,
	error) {
	if err := c.Network().SetInput(states); err != nil {
		return nil, fmt.Errorf("logprobof: could not set states: %v", err)
	}

	oneHot := make([]float64, 0, c.numActions*c.batchSize)
	for i := range actions {
		row := make([]float64, c.numActions)
		row[int(actions[i])] = 1.0
		oneHot = append(oneHot, row...)
	}
	indices := tensor.NewDense(tensor.Float64,
		[]int{c.batchSize, c.numActions},
		tensor.WithBacking(oneHot),
	)
	if err := G.Let(c.actionIndices, indices); err != nil {
		return nil, fmt.Errorf("logprobof: could not set actions: %v", err)
	}

	return c.logProb, nil
}

func (c *CategoricalMLP) LogProbNode() *G.Node { return c.logProb }
func (c *CategoricalMLP) LogProbVal() G.Value  { return c.logProbVal }
func (c *CategoricalMLP) EntropyNode() *G.Node { return c.entropy }
func (c *CategoricalMLP) EntropyVal() G.Value  { return c.entropyVal }

// Network returns the policy's network
func (c *CategoricalMLP) Network() network.NeuralNet { return c.NeuralNet }

// Eval sets the policy to evaluation mode, where it acts greedily
func (c *CategoricalMLP) Eval() { c.eval = true }

// Train sets the policy to training mode, where it samples actions
func (c *CategoricalMLP) Train() { c.eval = false }

// IsEval returns whether the policy is in evaluation mode
func (c *CategoricalMLP) IsEval() bool { return c.eval }

// SelectAction selects an action for the state in t: a sample from
// the softmax distribution in training mode, the mode in evaluation
// mode.
func (c *CategoricalMLP) SelectAction(
	t timestep.TimeStep) (*mat.VecDense, error) {
	action, _, err := c.SelectActionWithLogProb(t)
	return action, err
}

// SelectActionWithLogProb selects an action for the state in t and
// returns its log probability under the current policy. Only valid
// for a policy with batch size 1.
func (c *CategoricalMLP) SelectActionWithLogProb(
	t timestep.TimeStep) (*mat.VecDense, float64, error) {
	if c.vm == nil {
		return nil, 0, fmt.Errorf("selectaction: policy has batch size "+
			"%v, need 1", c.batchSize)
	}

	obs := t.Observation.(*mat.VecDense).RawVector().Data
	if err := c.Network().SetInput(obs); err != nil {
		return nil, 0, fmt.Errorf("selectaction: could not set input: %v",
			err)
	}

	if err := c.vm.RunAll(); err != nil {
		return nil, 0, fmt.Errorf("selectaction: could not run policy: %v",
			err)
	}
	logits := c.logitsVals.Data().([]float64)
	c.vm.Reset()

	logProbs := make([]float64, len(logits))
	copy(logProbs, logits)
	lse := floats.LogSumExp(logProbs)
	floats.AddConst(-lse, logProbs)

	var action int
	if c.eval {
		action = argMax(logProbs, c.rng)
	} else {
		action = sampleLogProbs(logProbs, c.rng)
	}

	return mat.NewVecDense(1, []float64{float64(action)}),
		logProbs[action], nil
}

// Close releases the policy's VM, if any
func (c *CategoricalMLP) Close() error {
	if c.vm != nil {
		return c.vm.Close()
	}
	return nil
}

// argMax returns the index of the largest value, breaking ties
// randomly
func argMax(values []float64, rng *rand.Rand) int {
	best := []int{0}
	for i := 1; i < len(values); i++ {
		if values[i] > values[best[0]] {
			best = []int{i}
		} else if values[i] == values[best[0]] {
			best = append(best, i)
		}
	}
	return best[rng.Intn(len(best))]
}

// sampleLogProbs samples an index from a log-probability vector
func sampleLogProbs(logProbs []float64, rng *rand.Rand) int {
	u := rng.Float64()
	cumulative := 0.0
	for i, lp := range logProbs {
		cumulative += math.Exp(lp)
		if u < cumulative {
			return i
		}
	}
	return len(logProbs) - 1
}
