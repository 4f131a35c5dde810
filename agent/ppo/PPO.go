package ppo

import (
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"math"

	"golang.org/x/exp/rand"

	"github.com/benchrl/benchrl/agent"
	"github.com/benchrl/benchrl/agent/policy"
	"github.com/benchrl/benchrl/environment"
	"github.com/benchrl/benchrl/gae"
	"github.com/benchrl/benchrl/network"
	"github.com/benchrl/benchrl/solver"
	"github.com/benchrl/benchrl/timestep"
	"gonum.org/v1/gonum/mat"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// trainPolicy is the minibatch policy the gradient flows through
type trainPolicy interface {
	policy.LogProber
	Network() network.NeuralNet
	Learnables() G.Nodes
	Model() []G.ValueGrad
}

// behaviourPolicy is the single-step policy that acts in the
// environment
type behaviourPolicy interface {
	agent.Policy
	SelectActionWithLogProb(timestep.TimeStep) (*mat.VecDense, float64,
		error)
	Close() error
}

// PPO implements proximal policy optimization with a clipped surrogate
// objective. This implementation is adapted from:
//
// https://arxiv.org/abs/1707.06347
// https://spinningup.openai.com/en/latest/algorithms/ppo.html
type PPO struct {
	behaviour behaviourPolicy
	valueFn   network.NeuralNet // Value predictions during collection
	valueVM   G.VM

	train         trainPolicy
	advantages    *G.Node
	oldLogProbs   *G.Node
	policyLossVal *G.Value
	klVal         *G.Value
	policyVM      G.VM
	policySolver  *solver.Solver

	trainValueFn  network.NeuralNet
	valueTargets  *G.Node
	criticLossVal *G.Value
	criticVM      G.VM
	criticSolver  *solver.Solver

	// sync copies the train weights into the behaviour networks
	sync func() error

	batchSize     int
	minibatchSize int
	epochs        int
	targetKL      float64
	normalizeAdv  bool
	updates       int
	eval          bool

	rng *rand.Rand // Shuffles minibatch indices
}

func newPPO(c Config, env environment.Environment, seed uint64) (*PPO,
	error) {
	features := env.ObservationSpec().Shape.Len()

	var train trainPolicy
	var behaviour behaviourPolicy
	var sync func() error
	var err error

	hiddenBiases := allTrue(len(c.PolicyHidden))
	hiddenActivations := tanhActivations(len(c.PolicyHidden))

	switch c.Policy {
	case agent.Categorical:
		numActions := env.ActionSpec().NumActions()
		var trainPol, behaviourPol *policy.CategoricalMLP
		trainPol, err = policy.NewCategoricalMLP(features, numActions,
			c.MinibatchSize, G.NewGraph(), c.PolicyHidden, hiddenBiases,
			hiddenActivations, c.Init.InitWFn(), seed)
		if err == nil {
			behaviourPol, err = trainPol.CloneWithBatch(1, seed+1)
		}
		if err == nil {
			train, behaviour = trainPol, behaviourPol
			sync = func() error {
				return behaviourPol.Network().Set(trainPol.Network())
			}
		}

	case agent.Gaussian:
		actionDims := env.ActionSpec().Shape.Len()
		var trainPol, behaviourPol *policy.GaussianMLP
		trainPol, err = policy.NewGaussianMLP(features, actionDims,
			c.MinibatchSize, G.NewGraph(), c.PolicyHidden, hiddenBiases,
			hiddenActivations, c.Init.InitWFn(), c.InitLogStd, seed)
		if err == nil {
			behaviourPol, err = trainPol.CloneWithBatch(1, seed+1)
		}
		if err == nil {
			train, behaviour = trainPol, behaviourPol
			sync = func() error { return behaviourPol.Set(trainPol) }
		}
	}
	if err != nil {
		return nil, fmt.Errorf("newppo: could not create policy: %v", err)
	}

	// Clipped surrogate objective
	//
	//	ratio = exp(logπ(a|s) − logπ_old(a|s))
	//	L = 𝔼[min(ratio·Â, clip(ratio, 1−ε, 1+ε)·Â)]
	//
	// The clip and the pessimistic minimum are built from comparison
	// masks, which also zeroes the gradient through clipped ratios.
	g := train.Network().Graph()
	advantages := G.NewVector(g, tensor.Float64, G.WithName("advantages"),
		G.WithShape(c.MinibatchSize), G.WithInit(G.Zeroes()))
	oldLogProbs := G.NewVector(g, tensor.Float64,
		G.WithName("oldLogProbs"), G.WithShape(c.MinibatchSize),
		G.WithInit(G.Zeroes()))

	ratio := G.Must(G.Exp(G.Must(G.Sub(train.LogProbNode(), oldLogProbs))))

	low := G.NewConstant(1-c.Epsilon, G.WithName("clipLow"))
	high := G.NewConstant(1+c.Epsilon, G.WithName("clipHigh"))
	one := G.NewConstant(1.0, G.WithName("one"))

	lowMask := G.Must(G.Lt(ratio, low, true))
	highMask := G.Must(G.Gt(ratio, high, true))
	midMask := G.Must(G.HadamardProd(
		G.Must(G.Sub(one, lowMask)),
		G.Must(G.Sub(one, highMask)),
	))
	clipped := G.Must(G.Add(
		G.Must(G.Add(
			G.Must(G.Mul(low, lowMask)),
			G.Must(G.Mul(high, highMask)),
		)),
		G.Must(G.HadamardProd(midMask, ratio)),
	))

	surrogate := G.Must(G.HadamardProd(ratio, advantages))
	clippedSurrogate := G.Must(G.HadamardProd(clipped, advantages))

	minMask := G.Must(G.Lt(surrogate, clippedSurrogate, true))
	pessimistic := G.Must(G.Add(
		G.Must(G.HadamardProd(minMask, surrogate)),
		G.Must(G.HadamardProd(G.Must(G.Sub(one, minMask)),
			clippedSurrogate)),
	))

	objective := G.Must(G.Mean(pessimistic))
	if c.EntropyCoef > 0 {
		entCoef := G.NewConstant(c.EntropyCoef, G.WithName("entropyCoef"))
		bonus := G.Must(G.Mul(entCoef, train.EntropyNode()))
		objective = G.Must(G.Add(objective, bonus))
	}
	policyLoss := G.Must(G.Neg(objective))

	// Approximate KL divergence from the collection policy, for the
	// early epoch stop
	kl := G.Must(G.Mean(G.Must(G.Sub(oldLogProbs, train.LogProbNode()))))

	// Reads write through the pointer when the VM runs, so the struct
	// must hold the pointer itself, not a copy of the value.
	policyLossVal := new(G.Value)
	klVal := new(G.Value)
	G.Read(policyLoss, policyLossVal)
	G.Read(kl, klVal)
	if _, err := G.Grad(policyLoss, train.Learnables()...); err != nil {
		return nil, fmt.Errorf("newppo: could not construct policy "+
			"gradient: %v", err)
	}
	policyVM := G.NewTapeMachine(g, G.BindDualValues(train.Learnables()...))

	// Critic and its mean squared value error loss
	criticBiases := allTrue(len(c.CriticHidden))
	criticActivations := tanhActivations(len(c.CriticHidden))

	trainValueFn, err := network.NewSingleHeadMLP(features,
		c.MinibatchSize, G.NewGraph(), c.CriticHidden, criticBiases,
		c.Init.InitWFn(), criticActivations)
	if err != nil {
		return nil, fmt.Errorf("newppo: could not create critic: %v", err)
	}

	valueTargets := G.NewMatrix(
		trainValueFn.Graph(),
		tensor.Float64,
		G.WithShape(trainValueFn.Prediction().Shape()...),
		G.WithName("valueTargets"),
		G.WithInit(G.Zeroes()),
	)
	criticLoss := G.Must(G.Sub(trainValueFn.Prediction(), valueTargets))
	criticLoss = G.Must(G.Mean(G.Must(G.Square(criticLoss))))

	criticLossVal := new(G.Value)
	G.Read(criticLoss, criticLossVal)
	if _, err := G.Grad(criticLoss,
		trainValueFn.Learnables()...); err != nil {
		return nil, fmt.Errorf("newppo: could not construct critic "+
			"gradient: %v", err)
	}
	criticVM := G.NewTapeMachine(trainValueFn.Graph(),
		G.BindDualValues(trainValueFn.Learnables()...))

	// Single-observation critic used during collection
	valueFn, err := trainValueFn.CloneWithBatch(1)
	if err != nil {
		return nil, fmt.Errorf("newppo: could not create behaviour "+
			"critic: %v", err)
	}
	valueVM := G.NewTapeMachine(valueFn.Graph())

	p := &PPO{
		behaviour: behaviour,
		valueFn:   valueFn,
		valueVM:   valueVM,

		train:         train,
		advantages:    advantages,
		oldLogProbs:   oldLogProbs,
		policyLossVal: policyLossVal,
		klVal:         klVal,
		policyVM:      policyVM,
		policySolver:  c.PolicySolver,

		trainValueFn:  trainValueFn,
		valueTargets:  valueTargets,
		criticLossVal: criticLossVal,
		criticVM:      criticVM,
		criticSolver:  c.CriticSolver,

		batchSize:     c.BatchSize,
		minibatchSize: c.MinibatchSize,
		epochs:        c.Epochs,
		targetKL:      c.TargetKL,
		normalizeAdv:  c.NormalizeAdvantages,

		rng: rand.New(rand.NewSource(seed + 2)),
	}
	p.sync = func() error {
		if err := sync(); err != nil {
			return err
		}
		return p.valueFn.Set(p.trainValueFn)
	}

	return p, nil
}

// IsOnPolicy returns whether the agent may only learn from data
// collected under its current policy.
func (p *PPO) IsOnPolicy() bool { return true }

// SelectAction returns an action for the state in t
func (p *PPO) SelectAction(t timestep.TimeStep) (*mat.VecDense, error) {
	return p.behaviour.SelectAction(t)
}

// Act selects an action for the state in t and returns the frozen
// value estimate of that state and the log-probability of the action.
func (p *PPO) Act(t timestep.TimeStep) (*mat.VecDense, float64, float64,
	error) {
	action, logProb, err := p.behaviour.SelectActionWithLogProb(t)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("act: %v", err)
	}

	value, err := p.StateValue(t.Observation)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("act: %v", err)
	}

	return action, value, logProb, nil
}

// StateValue returns the critic's value estimate of an observation
func (p *PPO) StateValue(obs mat.Vector) (float64, error) {
	o := obs.(*mat.VecDense).RawVector().Data
	if err := p.valueFn.SetInput(o); err != nil {
		return 0, fmt.Errorf("statevalue: could not set input: %v", err)
	}
	if err := p.valueVM.RunAll(); err != nil {
		return 0, fmt.Errorf("statevalue: could not run critic: %v", err)
	}
	value := p.valueFn.Output().Data().([]float64)[0]
	p.valueVM.Reset()
	return value, nil
}

// Update consumes one collection cycle over several epochs of shuffled
// minibatches. The probability ratios are computed against the batch's
// frozen log-probabilities, never against re-evaluated ones. Returns
// an error wrapping agent.ErrNumerical if any minibatch produced a
// non-finite loss or gradient; the failing minibatch's update is not
// applied, though steps taken on earlier minibatches in the cycle
// stand.
func (p *PPO) Update(batch *gae.Batch) error {
	if p.eval {
		return nil
	}
	if batch.Len() != p.batchSize {
		return fmt.Errorf("update: batch holds %v transitions, need %v",
			batch.Len(), p.batchSize)
	}

	adv := batch.Advantages
	if p.normalizeAdv {
		adv = batch.NormalizedAdvantages()
	}

	indices := make([]int, batch.Len())
	for i := range indices {
		indices[i] = i
	}

	for epoch := 0; epoch < p.epochs; epoch++ {
		p.rng.Shuffle(len(indices), func(i, j int) {
			indices[i], indices[j] = indices[j], indices[i]
		})

		stop := false
		for start := 0; start < len(indices); start += p.minibatchSize {
			rows := indices[start : start+p.minibatchSize]
			obs, act, mbAdv, ret, oldLogP := batch.Gather(rows, adv)

			kl, err := p.policyStep(obs, act, mbAdv, oldLogP)
			if err != nil {
				return err
			}
			if err := p.criticStep(obs, ret); err != nil {
				return err
			}

			if p.targetKL > 0 && kl > 1.5*p.targetKL {
				stop = true
				break
			}
		}
		if stop {
			break
		}
	}

	if err := p.sync(); err != nil {
		return fmt.Errorf("update: could not sync behaviour networks: %v",
			err)
	}
	p.updates++
	return nil
}

// policyStep performs one clipped-surrogate gradient step on a
// minibatch and returns the approximate KL divergence from the
// collection policy.
func (p *PPO) policyStep(obs, act, adv, oldLogP []float64) (float64,
	error) {
	advTensor := tensor.NewDense(tensor.Float64, p.advantages.Shape(),
		tensor.WithBacking(adv))
	if err := G.Let(p.advantages, advTensor); err != nil {
		return 0, fmt.Errorf("update: could not set advantages: %v", err)
	}
	oldTensor := tensor.NewDense(tensor.Float64, p.oldLogProbs.Shape(),
		tensor.WithBacking(oldLogP))
	if err := G.Let(p.oldLogProbs, oldTensor); err != nil {
		return 0, fmt.Errorf("update: could not set old log probs: %v", err)
	}
	if _, err := p.train.LogProbOf(obs, act); err != nil {
		return 0, fmt.Errorf("update: %v", err)
	}
	if err := p.policyVM.RunAll(); err != nil {
		return 0, fmt.Errorf("update: could not run policy graph: %v", err)
	}

	loss := (*p.policyLossVal).Data().(float64)
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		p.policyVM.Reset()
		return 0, fmt.Errorf("update: policy loss %v: %w", loss,
			agent.ErrNumerical)
	}
	kl := (*p.klVal).Data().(float64)

	if err := p.policySolver.Step(p.train.Model()); err != nil {
		p.policyVM.Reset()
		if errors.Is(err, solver.ErrNonFinite) {
			return 0, fmt.Errorf("update: policy gradient: %w",
				agent.ErrNumerical)
		}
		return 0, fmt.Errorf("update: could not step policy solver: %v",
			err)
	}
	p.policyVM.Reset()

	return kl, nil
}

// criticStep performs one value regression step on a minibatch
func (p *PPO) criticStep(obs, ret []float64) error {
	targets := tensor.NewDense(tensor.Float64, p.valueTargets.Shape(),
		tensor.WithBacking(ret))
	if err := G.Let(p.valueTargets, targets); err != nil {
		return fmt.Errorf("update: could not set value targets: %v", err)
	}
	if err := p.trainValueFn.SetInput(obs); err != nil {
		return fmt.Errorf("update: could not set critic input: %v", err)
	}
	if err := p.criticVM.RunAll(); err != nil {
		return fmt.Errorf("update: could not run critic graph: %v", err)
	}

	loss := (*p.criticLossVal).Data().(float64)
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		p.criticVM.Reset()
		return fmt.Errorf("update: critic loss %v: %w", loss,
			agent.ErrNumerical)
	}
	if err := p.criticSolver.Step(p.trainValueFn.Model()); err != nil {
		p.criticVM.Reset()
		if errors.Is(err, solver.ErrNonFinite) {
			return fmt.Errorf("update: critic gradient: %w",
				agent.ErrNumerical)
		}
		return fmt.Errorf("update: could not step critic solver: %v", err)
	}
	p.criticVM.Reset()
	return nil
}

// Updates returns the number of completed updates
func (p *PPO) Updates() int { return p.updates }

// Eval sets the algorithm into evaluation mode
func (p *PPO) Eval() {
	p.eval = true
	p.behaviour.Eval()
}

// Train sets the algorithm into training mode
func (p *PPO) Train() {
	p.eval = false
	p.behaviour.Train()
}

// IsEval returns whether the algorithm is in evaluation mode
func (p *PPO) IsEval() bool { return p.eval }

// snapshot is the serialized training state of a PPO agent
type snapshot struct {
	PolicyWeights [][]float64
	CriticWeights [][]float64
	PolicySolver  solver.State
	CriticSolver  solver.State
	Updates       int
}

// Save implements the agent.Agent interface
func (p *PPO) Save(w io.Writer) error {
	s := snapshot{
		PolicyWeights: network.WeightsOf(p.train.Learnables()),
		CriticWeights: network.WeightsOf(p.trainValueFn.Learnables()),
		PolicySolver:  p.policySolver.State(),
		CriticSolver:  p.criticSolver.State(),
		Updates:       p.updates,
	}
	if err := gob.NewEncoder(w).Encode(s); err != nil {
		return fmt.Errorf("save: %v", err)
	}
	return nil
}

// Restore implements the agent.Agent interface
func (p *PPO) Restore(r io.Reader) error {
	var s snapshot
	if err := gob.NewDecoder(r).Decode(&s); err != nil {
		return fmt.Errorf("restore: %v", err)
	}

	if err := network.SetWeightsOf(p.train.Learnables(),
		s.PolicyWeights); err != nil {
		return fmt.Errorf("restore: policy: %v", err)
	}
	if err := network.SetWeightsOf(p.trainValueFn.Learnables(),
		s.CriticWeights); err != nil {
		return fmt.Errorf("restore: critic: %v", err)
	}
	if err := p.policySolver.SetState(s.PolicySolver); err != nil {
		return fmt.Errorf("restore: policy solver: %v", err)
	}
	if err := p.criticSolver.SetState(s.CriticSolver); err != nil {
		return fmt.Errorf("restore: critic solver: %v", err)
	}
	p.updates = s.Updates

	if err := p.sync(); err != nil {
		return fmt.Errorf("restore: could not sync behaviour networks: %v",
			err)
	}
	return nil
}

// Close releases the agent's VMs
func (p *PPO) Close() error {
	errs := []error{
		p.behaviour.Close(),
		p.policyVM.Close(),
		p.criticVM.Close(),
		p.valueVM.Close(),
	}
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func allTrue(n int) []bool {
	b := make([]bool, n)
	for i := range b {
		b[i] = true
	}
	return b
}

func tanhActivations(n int) []*network.Activation {
	acts := make([]*network.Activation, n)
	for i := range acts {
		acts[i] = network.TanH()
	}
	return acts
}
