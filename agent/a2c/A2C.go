package a2c

import (
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"math"

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

// trainPolicy is the batch policy the gradient flows through
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

// A2C implements the synchronous advantage actor-critic algorithm.
// This implementation is adapted from:
//
// https://arxiv.org/abs/1602.01783
type A2C struct {
	behaviour behaviourPolicy
	valueFn   network.NeuralNet // Value predictions during collection
	valueVM   G.VM

	train         trainPolicy
	advantages    *G.Node
	policyLossVal *G.Value
	policyVM      G.VM
	policySolver  *solver.Solver

	trainValueFn  network.NeuralNet
	valueTargets  *G.Node
	criticLossVal *G.Value
	criticVM      G.VM
	criticSolver  *solver.Solver

	// sync copies the train weights into the behaviour networks
	sync func() error

	batchSize      int
	entropyCoef    float64
	valueGradSteps int
	normalizeAdv   bool
	updates        int
	eval           bool
}

func newA2C(c Config, env environment.Environment, seed uint64) (*A2C,
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
			c.BatchSize, G.NewGraph(), c.PolicyHidden, hiddenBiases,
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
			c.BatchSize, G.NewGraph(), c.PolicyHidden, hiddenBiases,
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
		return nil, fmt.Errorf("newa2c: could not create policy: %v", err)
	}

	// Policy loss: −(𝔼[logπ(a|s)·Â] + entropyCoef·H(π))
	g := train.Network().Graph()
	advantages := G.NewVector(g, tensor.Float64, G.WithName("advantages"),
		G.WithShape(c.BatchSize), G.WithInit(G.Zeroes()))

	objective := G.Must(G.Mean(G.Must(G.HadamardProd(train.LogProbNode(),
		advantages))))
	if c.EntropyCoef > 0 {
		entCoef := G.NewConstant(c.EntropyCoef, G.WithName("entropyCoef"))
		bonus := G.Must(G.Mul(entCoef, train.EntropyNode()))
		objective = G.Must(G.Add(objective, bonus))
	}
	policyLoss := G.Must(G.Neg(objective))

	// Reads write through the pointer when the VM runs, so the struct
	// must hold the pointer itself, not a copy of the value.
	policyLossVal := new(G.Value)
	G.Read(policyLoss, policyLossVal)
	if _, err := G.Grad(policyLoss, train.Learnables()...); err != nil {
		return nil, fmt.Errorf("newa2c: could not construct policy "+
			"gradient: %v", err)
	}
	policyVM := G.NewTapeMachine(g, G.BindDualValues(train.Learnables()...))

	// Critic and its mean squared value error loss
	criticBiases := allTrue(len(c.CriticHidden))
	criticActivations := tanhActivations(len(c.CriticHidden))

	trainValueFn, err := network.NewSingleHeadMLP(features, c.BatchSize,
		G.NewGraph(), c.CriticHidden, criticBiases, c.Init.InitWFn(),
		criticActivations)
	if err != nil {
		return nil, fmt.Errorf("newa2c: could not create critic: %v", err)
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
		return nil, fmt.Errorf("newa2c: could not construct critic "+
			"gradient: %v", err)
	}
	criticVM := G.NewTapeMachine(trainValueFn.Graph(),
		G.BindDualValues(trainValueFn.Learnables()...))

	// Single-observation critic used during collection
	valueFn, err := trainValueFn.CloneWithBatch(1)
	if err != nil {
		return nil, fmt.Errorf("newa2c: could not create behaviour "+
			"critic: %v", err)
	}
	valueVM := G.NewTapeMachine(valueFn.Graph())

	a := &A2C{
		behaviour: behaviour,
		valueFn:   valueFn,
		valueVM:   valueVM,

		train:         train,
		advantages:    advantages,
		policyLossVal: policyLossVal,
		policyVM:      policyVM,
		policySolver:  c.PolicySolver,

		trainValueFn:  trainValueFn,
		valueTargets:  valueTargets,
		criticLossVal: criticLossVal,
		criticVM:      criticVM,
		criticSolver:  c.CriticSolver,

		batchSize:      c.BatchSize,
		entropyCoef:    c.EntropyCoef,
		valueGradSteps: c.ValueGradSteps,
		normalizeAdv:   c.NormalizeAdvantages,
	}
	a.sync = func() error {
		if err := sync(); err != nil {
			return err
		}
		return a.valueFn.Set(a.trainValueFn)
	}

	return a, nil
}

// IsOnPolicy returns whether the agent may only learn from data
// collected under its current policy.
func (a *A2C) IsOnPolicy() bool { return true }

// SelectAction returns an action for the state in t
func (a *A2C) SelectAction(t timestep.TimeStep) (*mat.VecDense, error) {
	return a.behaviour.SelectAction(t)
}

// Act selects an action for the state in t and returns the frozen
// value estimate of that state and the log-probability of the action.
func (a *A2C) Act(t timestep.TimeStep) (*mat.VecDense, float64, float64,
	error) {
	action, logProb, err := a.behaviour.SelectActionWithLogProb(t)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("act: %v", err)
	}

	value, err := a.StateValue(t.Observation)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("act: %v", err)
	}

	return action, value, logProb, nil
}

// StateValue returns the critic's value estimate of an observation
func (a *A2C) StateValue(obs mat.Vector) (float64, error) {
	o := obs.(*mat.VecDense).RawVector().Data
	if err := a.valueFn.SetInput(o); err != nil {
		return 0, fmt.Errorf("statevalue: could not set input: %v", err)
	}
	if err := a.valueVM.RunAll(); err != nil {
		return 0, fmt.Errorf("statevalue: could not run critic: %v", err)
	}
	value := a.valueFn.Output().Data().([]float64)[0]
	a.valueVM.Reset()
	return value, nil
}

// Update performs one policy gradient step and valueGradSteps critic
// steps from a collection cycle. Both losses are evaluated before
// either solver steps, so a non-finite loss aborts with an error
// wrapping agent.ErrNumerical and no weight modified. A non-finite
// gradient surfacing inside a solver step aborts the same way without
// applying the failing step.
func (a *A2C) Update(batch *gae.Batch) error {
	if a.eval {
		return nil
	}
	if batch.Len() != a.batchSize {
		return fmt.Errorf("update: batch holds %v transitions, need %v",
			batch.Len(), a.batchSize)
	}

	adv := batch.Advantages
	if a.normalizeAdv {
		adv = batch.NormalizedAdvantages()
	}

	// Policy gradient pass
	advTensor := tensor.NewDense(tensor.Float64, a.advantages.Shape(),
		tensor.WithBacking(adv))
	if err := G.Let(a.advantages, advTensor); err != nil {
		return fmt.Errorf("update: could not set advantages: %v", err)
	}
	if _, err := a.train.LogProbOf(batch.Obs, batch.Actions); err != nil {
		return fmt.Errorf("update: %v", err)
	}
	if err := a.policyVM.RunAll(); err != nil {
		return fmt.Errorf("update: could not run policy graph: %v", err)
	}

	loss := (*a.policyLossVal).Data().(float64)
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		a.policyVM.Reset()
		return fmt.Errorf("update: policy loss %v: %w", loss,
			agent.ErrNumerical)
	}

	// First critic pass; its gradient step runs below, once the
	// policy loss is also known to be finite
	targets := tensor.NewDense(tensor.Float64, a.valueTargets.Shape(),
		tensor.WithBacking(batch.Returns))
	if err := a.runCritic(targets, batch.Obs); err != nil {
		a.policyVM.Reset()
		return err
	}

	if err := a.policySolver.Step(a.train.Model()); err != nil {
		a.policyVM.Reset()
		a.criticVM.Reset()
		if errors.Is(err, solver.ErrNonFinite) {
			return fmt.Errorf("update: policy gradient: %w",
				agent.ErrNumerical)
		}
		return fmt.Errorf("update: could not step policy solver: %v", err)
	}
	a.policyVM.Reset()

	// Critic regression toward the value targets
	for i := 0; i < a.valueGradSteps; i++ {
		if i > 0 {
			if err := a.runCritic(targets, batch.Obs); err != nil {
				return err
			}
		}
		if err := a.criticSolver.Step(a.trainValueFn.Model()); err != nil {
			a.criticVM.Reset()
			if errors.Is(err, solver.ErrNonFinite) {
				return fmt.Errorf("update: critic gradient: %w",
					agent.ErrNumerical)
			}
			return fmt.Errorf("update: could not step critic solver: %v",
				err)
		}
		a.criticVM.Reset()
	}

	if err := a.sync(); err != nil {
		return fmt.Errorf("update: could not sync behaviour networks: %v",
			err)
	}
	a.updates++
	return nil
}

// runCritic runs one forward-backward pass of the critic graph and
// checks the loss. The VM is left unreset so the gradients stay
// available for a solver step.
func (a *A2C) runCritic(targets *tensor.Dense, obs []float64) error {
	if err := G.Let(a.valueTargets, targets); err != nil {
		return fmt.Errorf("update: could not set value targets: %v", err)
	}
	if err := a.trainValueFn.SetInput(obs); err != nil {
		return fmt.Errorf("update: could not set critic input: %v", err)
	}
	if err := a.criticVM.RunAll(); err != nil {
		return fmt.Errorf("update: could not run critic graph: %v", err)
	}

	loss := (*a.criticLossVal).Data().(float64)
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		a.criticVM.Reset()
		return fmt.Errorf("update: critic loss %v: %w", loss,
			agent.ErrNumerical)
	}
	return nil
}

// Updates returns the number of completed updates
func (a *A2C) Updates() int { return a.updates }

// Eval sets the algorithm into evaluation mode
func (a *A2C) Eval() {
	a.eval = true
	a.behaviour.Eval()
}

// Train sets the algorithm into training mode
func (a *A2C) Train() {
	a.eval = false
	a.behaviour.Train()
}

// IsEval returns whether the algorithm is in evaluation mode
func (a *A2C) IsEval() bool { return a.eval }

// snapshot is the serialized training state of an A2C agent
type snapshot struct {
	PolicyWeights [][]float64
	CriticWeights [][]float64
	PolicySolver  solver.State
	CriticSolver  solver.State
	Updates       int
}

// Save implements the agent.Agent interface
func (a *A2C) Save(w io.Writer) error {
	s := snapshot{
		PolicyWeights: network.WeightsOf(a.train.Learnables()),
		CriticWeights: network.WeightsOf(a.trainValueFn.Learnables()),
		PolicySolver:  a.policySolver.State(),
		CriticSolver:  a.criticSolver.State(),
		Updates:       a.updates,
	}
	if err := gob.NewEncoder(w).Encode(s); err != nil {
		return fmt.Errorf("save: %v", err)
	}
	return nil
}

// Restore implements the agent.Agent interface
func (a *A2C) Restore(r io.Reader) error {
	var s snapshot
	if err := gob.NewDecoder(r).Decode(&s); err != nil {
		return fmt.Errorf("restore: %v", err)
	}

	if err := network.SetWeightsOf(a.train.Learnables(),
		s.PolicyWeights); err != nil {
		return fmt.Errorf("restore: policy: %v", err)
	}
	if err := network.SetWeightsOf(a.trainValueFn.Learnables(),
		s.CriticWeights); err != nil {
		return fmt.Errorf("restore: critic: %v", err)
	}
	if err := a.policySolver.SetState(s.PolicySolver); err != nil {
		return fmt.Errorf("restore: policy solver: %v", err)
	}
	if err := a.criticSolver.SetState(s.CriticSolver); err != nil {
		return fmt.Errorf("restore: critic solver: %v", err)
	}
	a.updates = s.Updates

	if err := a.sync(); err != nil {
		return fmt.Errorf("restore: could not sync behaviour networks: %v",
			err)
	}
	return nil
}

// Close releases the agent's VMs
func (a *A2C) Close() error {
	errs := []error{
		a.behaviour.Close(),
		a.policyVM.Close(),
		a.criticVM.Close(),
		a.valueVM.Close(),
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
