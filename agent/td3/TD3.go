package td3

import (
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/benchrl/benchrl/agent"
	"github.com/benchrl/benchrl/agent/policy"
	"github.com/benchrl/benchrl/environment"
	"github.com/benchrl/benchrl/expreplay"
	"github.com/benchrl/benchrl/network"
	"github.com/benchrl/benchrl/solver"
	"github.com/benchrl/benchrl/timestep"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// TD3 implements the twin delayed deep deterministic policy gradient
// algorithm. This implementation is adapted from:
//
// https://arxiv.org/abs/1802.09477
// https://spinningup.openai.com/en/latest/algorithms/td3.html
type TD3 struct {
	behaviour *policy.DeterministicMLP // Acts in the environment
	replay    *expreplay.Buffer

	// Critic training graph: twin critics over explicit state-action
	// placeholders regressed toward the smoothed target values
	criticStates  *G.Node
	criticActions *G.Node
	qTargets      *G.Node
	critic1       network.NeuralNet
	critic2       network.NeuralNet
	criticLossVal *G.Value
	criticVM      G.VM
	criticSolver  *solver.Solver

	// Actor training graph: the actor feeds a frozen copy of critic 1
	// and ascends the Q estimate
	actor        *policy.DeterministicMLP
	criticPi     network.NeuralNet
	actorLossVal *G.Value
	actorVM      G.VM
	actorSolver  *solver.Solver

	// Target networks, queried host-side for update targets
	targetActor   *policy.DeterministicMLP
	targetActorVM G.VM
	targetStates  *G.Node
	targetActions *G.Node
	targetQ1      network.NeuralNet
	targetQ2      network.NeuralNet
	targetVM      G.VM

	features    int
	actionDims  int
	actionScale float64
	sampleSize  int
	tau         float64
	policyDelay int
	targetNoise float64
	noiseClip   float64

	updates int
	eval    bool

	stdNormal distuv.Normal  // Target policy smoothing noise
	uniform   distuv.Uniform // Warmup actions before the buffer fills
}

func newTD3(c Config, env environment.Environment, seed uint64) (*TD3,
	error) {
	features := env.ObservationSpec().Shape.Len()
	actionDims := env.ActionSpec().Shape.Len()
	actionScale := env.ActionSpec().UpperBound.AtVec(0)
	batch := c.SampleSize

	actorBiases := allTrue(len(c.ActorHidden))
	actorActivations := reluActivations(len(c.ActorHidden))
	criticBiases := allTrue(len(c.CriticHidden))
	criticActivations := reluActivations(len(c.CriticHidden))
	init := c.Init.InitWFn()

	replay, err := expreplay.New(c.ReplayMin, c.ReplayMax, features,
		actionDims, c.SampleSize, seed)
	if err != nil {
		return nil, fmt.Errorf("newtd3: could not create replay buffer: "+
			"%v", err)
	}

	// Behaviour policy with exploration noise
	behaviour, err := policy.NewDeterministicMLP(features, actionDims, 1,
		G.NewGraph(), c.ActorHidden, actorBiases, actorActivations, init,
		actionScale, c.ExplorationNoise, "behaviour", seed)
	if err != nil {
		return nil, fmt.Errorf("newtd3: could not create behaviour "+
			"policy: %v", err)
	}

	// Critic training graph
	criticGraph := G.NewGraph()
	criticStates := G.NewMatrix(criticGraph, tensor.Float64,
		G.WithShape(batch, features), G.WithName("states"),
		G.WithInit(G.Zeroes()))
	criticActions := G.NewMatrix(criticGraph, tensor.Float64,
		G.WithShape(batch, actionDims), G.WithName("actions"),
		G.WithInit(G.Zeroes()))
	qTargets := G.NewMatrix(criticGraph, tensor.Float64,
		G.WithShape(batch, 1), G.WithName("qTargets"),
		G.WithInit(G.Zeroes()))

	critic1, err := network.NewMultiHeadMLPFromInput(
		[]*G.Node{criticStates, criticActions}, 1, criticGraph,
		c.CriticHidden, criticBiases, init, criticActivations, "q1", "")
	if err != nil {
		return nil, fmt.Errorf("newtd3: could not create critic 1: %v", err)
	}
	critic2, err := network.NewMultiHeadMLPFromInput(
		[]*G.Node{criticStates, criticActions}, 1, criticGraph,
		c.CriticHidden, criticBiases, init, criticActivations, "q2", "")
	if err != nil {
		return nil, fmt.Errorf("newtd3: could not create critic 2: %v", err)
	}

	loss1 := G.Must(G.Sub(critic1.Prediction(), qTargets))
	loss1 = G.Must(G.Mean(G.Must(G.Square(loss1))))
	loss2 := G.Must(G.Sub(critic2.Prediction(), qTargets))
	loss2 = G.Must(G.Mean(G.Must(G.Square(loss2))))
	criticLoss := G.Must(G.Add(loss1, loss2))

	// Reads write through the pointer when the VM runs, so the struct
	// must hold the pointer itself, not a copy of the value.
	criticLossVal := new(G.Value)
	G.Read(criticLoss, criticLossVal)

	criticLearnables := make(G.Nodes, 0,
		len(critic1.Learnables())+len(critic2.Learnables()))
	criticLearnables = append(criticLearnables, critic1.Learnables()...)
	criticLearnables = append(criticLearnables, critic2.Learnables()...)
	if _, err := G.Grad(criticLoss, criticLearnables...); err != nil {
		return nil, fmt.Errorf("newtd3: could not construct critic "+
			"gradient: %v", err)
	}
	criticVM := G.NewTapeMachine(criticGraph,
		G.BindDualValues(criticLearnables...))

	// Actor training graph
	actorGraph := G.NewGraph()
	actorStates := G.NewMatrix(actorGraph, tensor.Float64,
		G.WithShape(batch, features), G.WithName("states"),
		G.WithInit(G.Zeroes()))
	actor, err := policy.NewDeterministicMLPFromInput(actorStates,
		actionDims, actorGraph, c.ActorHidden, actorBiases,
		actorActivations, init, actionScale, 0, "actor", seed+1)
	if err != nil {
		return nil, fmt.Errorf("newtd3: could not create actor: %v", err)
	}
	if err := actor.Network().Set(behaviour.Network()); err != nil {
		return nil, fmt.Errorf("newtd3: could not initialize actor: %v",
			err)
	}

	criticPi, err := network.NewMultiHeadMLPFromInput(
		[]*G.Node{actorStates, actor.ActionNode()}, 1, actorGraph,
		c.CriticHidden, criticBiases, init, criticActivations, "criticPi",
		"")
	if err != nil {
		return nil, fmt.Errorf("newtd3: could not create actor's critic: "+
			"%v", err)
	}
	if err := criticPi.Set(critic1); err != nil {
		return nil, fmt.Errorf("newtd3: could not initialize actor's "+
			"critic: %v", err)
	}

	actorLoss := G.Must(G.Neg(G.Must(G.Mean(criticPi.Prediction()))))
	actorLossVal := new(G.Value)
	G.Read(actorLoss, actorLossVal)
	if _, err := G.Grad(actorLoss,
		actor.Learnables()...); err != nil {
		return nil, fmt.Errorf("newtd3: could not construct actor "+
			"gradient: %v", err)
	}
	actorVM := G.NewTapeMachine(actorGraph,
		G.BindDualValues(actor.Learnables()...))

	// Target actor on its own graph, queried for a batch of successor
	// states at a time
	targetActorGraph := G.NewGraph()
	targetActorStates := G.NewMatrix(targetActorGraph, tensor.Float64,
		G.WithShape(batch, features), G.WithName("states"),
		G.WithInit(G.Zeroes()))
	targetActor, err := policy.NewDeterministicMLPFromInput(
		targetActorStates, actionDims, targetActorGraph, c.ActorHidden,
		actorBiases, actorActivations, init, actionScale, 0, "targetActor",
		seed+2)
	if err != nil {
		return nil, fmt.Errorf("newtd3: could not create target actor: %v",
			err)
	}
	if err := targetActor.Network().Set(actor.Network()); err != nil {
		return nil, fmt.Errorf("newtd3: could not initialize target "+
			"actor: %v", err)
	}
	targetActorVM := G.NewTapeMachine(targetActorGraph)

	// Target critics share one graph with explicit placeholders so
	// the smoothing noise can be applied host-side in between
	targetGraph := G.NewGraph()
	targetStates := G.NewMatrix(targetGraph, tensor.Float64,
		G.WithShape(batch, features), G.WithName("states"),
		G.WithInit(G.Zeroes()))
	targetActions := G.NewMatrix(targetGraph, tensor.Float64,
		G.WithShape(batch, actionDims), G.WithName("actions"),
		G.WithInit(G.Zeroes()))

	targetQ1, err := network.NewMultiHeadMLPFromInput(
		[]*G.Node{targetStates, targetActions}, 1, targetGraph,
		c.CriticHidden, criticBiases, init, criticActivations, "targetQ1",
		"")
	if err != nil {
		return nil, fmt.Errorf("newtd3: could not create target critic "+
			"1: %v", err)
	}
	targetQ2, err := network.NewMultiHeadMLPFromInput(
		[]*G.Node{targetStates, targetActions}, 1, targetGraph,
		c.CriticHidden, criticBiases, init, criticActivations, "targetQ2",
		"")
	if err != nil {
		return nil, fmt.Errorf("newtd3: could not create target critic "+
			"2: %v", err)
	}
	if err := targetQ1.Set(critic1); err != nil {
		return nil, fmt.Errorf("newtd3: could not initialize target "+
			"critic 1: %v", err)
	}
	if err := targetQ2.Set(critic2); err != nil {
		return nil, fmt.Errorf("newtd3: could not initialize target "+
			"critic 2: %v", err)
	}
	targetVM := G.NewTapeMachine(targetGraph)

	return &TD3{
		behaviour: behaviour,
		replay:    replay,

		criticStates:  criticStates,
		criticActions: criticActions,
		qTargets:      qTargets,
		critic1:       critic1,
		critic2:       critic2,
		criticLossVal: criticLossVal,
		criticVM:      criticVM,
		criticSolver:  c.CriticSolver,

		actor:        actor,
		criticPi:     criticPi,
		actorLossVal: actorLossVal,
		actorVM:      actorVM,
		actorSolver:  c.ActorSolver,

		targetActor:   targetActor,
		targetActorVM: targetActorVM,
		targetStates:  targetStates,
		targetActions: targetActions,
		targetQ1:      targetQ1,
		targetQ2:      targetQ2,
		targetVM:      targetVM,

		features:    features,
		actionDims:  actionDims,
		actionScale: actionScale,
		sampleSize:  c.SampleSize,
		tau:         c.Tau,
		policyDelay: c.PolicyDelay,
		targetNoise: c.TargetNoise,
		noiseClip:   c.NoiseClip,

		stdNormal: distuv.Normal{
			Mu:    0,
			Sigma: 1,
			Src:   rand.NewSource(seed + 3),
		},
		uniform: distuv.Uniform{
			Min: -actionScale,
			Max: actionScale,
			Src: rand.NewSource(seed + 4),
		},
	}, nil
}

// IsOnPolicy returns whether the agent may only learn from data
// collected under its current policy.
func (t *TD3) IsOnPolicy() bool { return false }

// SelectAction returns an action for the state in step. Until the
// replay buffer reaches its minimum fill, training-mode actions are
// drawn uniformly from the action space so the first updates learn
// from exploratory data rather than the untrained policy.
func (t *TD3) SelectAction(step timestep.TimeStep) (*mat.VecDense,
	error) {
	if !t.eval && t.replay.Capacity() < t.replay.MinCapacity() {
		action := make([]float64, t.actionDims)
		for i := range action {
			action[i] = t.uniform.Rand()
		}
		return mat.NewVecDense(t.actionDims, action), nil
	}
	return t.behaviour.SelectAction(step)
}

// ObserveTransition records a transition into the agent's replay
// buffer
func (t *TD3) ObserveTransition(trans timestep.Transition) error {
	if t.eval {
		return nil
	}
	return t.replay.Add(trans)
}

// Update performs one clipped double Q-learning step on a sampled
// minibatch, plus a delayed actor and target update every policyDelay
// critic updates. Before the replay buffer reaches its minimum fill,
// Update is a no-op. Returns an error wrapping agent.ErrNumerical if
// the update produced a non-finite loss or gradient.
func (t *TD3) Update() error {
	if t.eval {
		return nil
	}

	states, actions, rewards, discounts, nextStates, err :=
		t.replay.Sample()
	if err != nil {
		if expreplay.IsInsufficientSamples(err) ||
			expreplay.IsEmptyBuffer(err) {
			return nil
		}
		return fmt.Errorf("update: could not sample replay buffer: %v", err)
	}

	// Smoothed target actions: a' = clip(μ'(s') + clip(ε, ±c), ±scale)
	if err := t.targetActor.Network().SetInput(nextStates); err != nil {
		return fmt.Errorf("update: target actor: %v", err)
	}
	if err := t.targetActorVM.RunAll(); err != nil {
		return fmt.Errorf("update: could not run target actor: %v", err)
	}
	nextActions := make([]float64,
		t.sampleSize*t.actionDims)
	copy(nextActions, t.targetActor.ActionValue().Data().([]float64))
	t.targetActorVM.Reset()

	for i := range nextActions {
		noise := t.targetNoise * t.stdNormal.Rand()
		noise = clip(noise, -t.noiseClip, t.noiseClip)
		nextActions[i] = clip(nextActions[i]+noise, -t.actionScale,
			t.actionScale)
	}

	// Clipped double Q target: y = r + γ·min(Q1'(s',a'), Q2'(s',a'))
	if err := t.runTargetCritics(nextStates, nextActions); err != nil {
		return err
	}
	q1 := t.targetQ1.Output().Data().([]float64)
	q2 := t.targetQ2.Output().Data().([]float64)

	targets := make([]float64, t.sampleSize)
	for i := range targets {
		targets[i] = rewards[i] + discounts[i]*math.Min(q1[i], q2[i])
	}
	t.targetVM.Reset()

	if err := t.criticStep(states, actions, targets); err != nil {
		return err
	}

	// Keep the actor's frozen critic copy current
	if err := t.criticPi.Set(t.critic1); err != nil {
		return fmt.Errorf("update: could not sync actor's critic: %v", err)
	}

	t.updates++
	if t.updates%t.policyDelay == 0 {
		if err := t.actorStep(states); err != nil {
			return err
		}
		if err := t.polyakTargets(); err != nil {
			return err
		}
	}

	return nil
}

// runTargetCritics evaluates both target critics on a batch of
// state-action pairs.
func (t *TD3) runTargetCritics(states, actions []float64) error {
	statesTensor := tensor.NewDense(tensor.Float64,
		t.targetStates.Shape(), tensor.WithBacking(states))
	if err := G.Let(t.targetStates, statesTensor); err != nil {
		return fmt.Errorf("update: could not set target states: %v", err)
	}
	actionsTensor := tensor.NewDense(tensor.Float64,
		t.targetActions.Shape(), tensor.WithBacking(actions))
	if err := G.Let(t.targetActions, actionsTensor); err != nil {
		return fmt.Errorf("update: could not set target actions: %v", err)
	}
	if err := t.targetVM.RunAll(); err != nil {
		return fmt.Errorf("update: could not run target critics: %v", err)
	}
	return nil
}

// criticStep performs one twin-critic regression step
func (t *TD3) criticStep(states, actions, targets []float64) error {
	statesTensor := tensor.NewDense(tensor.Float64,
		t.criticStates.Shape(), tensor.WithBacking(states))
	if err := G.Let(t.criticStates, statesTensor); err != nil {
		return fmt.Errorf("update: could not set critic states: %v", err)
	}
	actionsTensor := tensor.NewDense(tensor.Float64,
		t.criticActions.Shape(), tensor.WithBacking(actions))
	if err := G.Let(t.criticActions, actionsTensor); err != nil {
		return fmt.Errorf("update: could not set critic actions: %v", err)
	}
	targetsTensor := tensor.NewDense(tensor.Float64, t.qTargets.Shape(),
		tensor.WithBacking(targets))
	if err := G.Let(t.qTargets, targetsTensor); err != nil {
		return fmt.Errorf("update: could not set critic targets: %v", err)
	}

	if err := t.criticVM.RunAll(); err != nil {
		return fmt.Errorf("update: could not run critic graph: %v", err)
	}

	loss := (*t.criticLossVal).Data().(float64)
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		t.criticVM.Reset()
		return fmt.Errorf("update: critic loss %v: %w", loss,
			agent.ErrNumerical)
	}

	model := make([]G.ValueGrad, 0,
		len(t.critic1.Model())+len(t.critic2.Model()))
	model = append(model, t.critic1.Model()...)
	model = append(model, t.critic2.Model()...)
	if err := t.criticSolver.Step(model); err != nil {
		t.criticVM.Reset()
		if errors.Is(err, solver.ErrNonFinite) {
			return fmt.Errorf("update: critic gradient: %w",
				agent.ErrNumerical)
		}
		return fmt.Errorf("update: could not step critic solver: %v", err)
	}
	t.criticVM.Reset()
	return nil
}

// actorStep performs one deterministic policy gradient step and syncs
// the behaviour policy.
func (t *TD3) actorStep(states []float64) error {
	if err := t.actor.Network().SetInput(states); err != nil {
		return fmt.Errorf("update: actor: %v", err)
	}
	if err := t.actorVM.RunAll(); err != nil {
		return fmt.Errorf("update: could not run actor graph: %v", err)
	}

	loss := (*t.actorLossVal).Data().(float64)
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		t.actorVM.Reset()
		return fmt.Errorf("update: actor loss %v: %w", loss,
			agent.ErrNumerical)
	}

	if err := t.actorSolver.Step(t.actor.Network().Model()); err != nil {
		t.actorVM.Reset()
		if errors.Is(err, solver.ErrNonFinite) {
			return fmt.Errorf("update: actor gradient: %w",
				agent.ErrNumerical)
		}
		return fmt.Errorf("update: could not step actor solver: %v", err)
	}
	t.actorVM.Reset()

	return t.behaviour.Network().Set(t.actor.Network())
}

// polyakTargets moves every target network a fraction τ toward its
// live counterpart.
func (t *TD3) polyakTargets() error {
	if err := t.targetActor.Network().Polyak(t.actor.Network(),
		t.tau); err != nil {
		return fmt.Errorf("update: target actor polyak: %v", err)
	}
	if err := t.targetQ1.Polyak(t.critic1, t.tau); err != nil {
		return fmt.Errorf("update: target critic 1 polyak: %v", err)
	}
	if err := t.targetQ2.Polyak(t.critic2, t.tau); err != nil {
		return fmt.Errorf("update: target critic 2 polyak: %v", err)
	}
	return nil
}

// Updates returns the number of completed critic updates
func (t *TD3) Updates() int { return t.updates }

// Eval sets the algorithm into evaluation mode
func (t *TD3) Eval() {
	t.eval = true
	t.behaviour.Eval()
}

// Train sets the algorithm into training mode
func (t *TD3) Train() {
	t.eval = false
	t.behaviour.Train()
}

// IsEval returns whether the algorithm is in evaluation mode
func (t *TD3) IsEval() bool { return t.eval }

// snapshot is the serialized training state of a TD3 agent
type snapshot struct {
	ActorWeights       [][]float64
	Critic1Weights     [][]float64
	Critic2Weights     [][]float64
	TargetActorWeights [][]float64
	TargetQ1Weights    [][]float64
	TargetQ2Weights    [][]float64
	ActorSolver        solver.State
	CriticSolver       solver.State
	Updates            int
}

// Save implements the agent.Agent interface. The replay buffer's
// contents are not part of the snapshot; training resumed from a
// snapshot refills the buffer before updating again.
func (t *TD3) Save(w io.Writer) error {
	s := snapshot{
		ActorWeights:       network.WeightsOf(t.actor.Network().Learnables()),
		Critic1Weights:     network.WeightsOf(t.critic1.Learnables()),
		Critic2Weights:     network.WeightsOf(t.critic2.Learnables()),
		TargetActorWeights: network.WeightsOf(t.targetActor.Network().Learnables()),
		TargetQ1Weights:    network.WeightsOf(t.targetQ1.Learnables()),
		TargetQ2Weights:    network.WeightsOf(t.targetQ2.Learnables()),
		ActorSolver:        t.actorSolver.State(),
		CriticSolver:       t.criticSolver.State(),
		Updates:            t.updates,
	}
	if err := gob.NewEncoder(w).Encode(s); err != nil {
		return fmt.Errorf("save: %v", err)
	}
	return nil
}

// Restore implements the agent.Agent interface
func (t *TD3) Restore(r io.Reader) error {
	var s snapshot
	if err := gob.NewDecoder(r).Decode(&s); err != nil {
		return fmt.Errorf("restore: %v", err)
	}

	sets := []struct {
		nodes   G.Nodes
		weights [][]float64
		name    string
	}{
		{t.actor.Network().Learnables(), s.ActorWeights, "actor"},
		{t.critic1.Learnables(), s.Critic1Weights, "critic 1"},
		{t.critic2.Learnables(), s.Critic2Weights, "critic 2"},
		{t.targetActor.Network().Learnables(), s.TargetActorWeights,
			"target actor"},
		{t.targetQ1.Learnables(), s.TargetQ1Weights, "target critic 1"},
		{t.targetQ2.Learnables(), s.TargetQ2Weights, "target critic 2"},
	}
	for _, set := range sets {
		if err := network.SetWeightsOf(set.nodes, set.weights); err != nil {
			return fmt.Errorf("restore: %v: %v", set.name, err)
		}
	}

	if err := t.actorSolver.SetState(s.ActorSolver); err != nil {
		return fmt.Errorf("restore: actor solver: %v", err)
	}
	if err := t.criticSolver.SetState(s.CriticSolver); err != nil {
		return fmt.Errorf("restore: critic solver: %v", err)
	}
	t.updates = s.Updates

	if err := t.behaviour.Network().Set(t.actor.Network()); err != nil {
		return fmt.Errorf("restore: could not sync behaviour policy: %v",
			err)
	}
	return t.criticPi.Set(t.critic1)
}

// Close releases the agent's VMs
func (t *TD3) Close() error {
	errs := []error{
		t.behaviour.Close(),
		t.criticVM.Close(),
		t.actorVM.Close(),
		t.targetActorVM.Close(),
		t.targetVM.Close(),
	}
	for _, err := range errs {
		if err != nil {
			return err
		}
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

func allTrue(n int) []bool {
	b := make([]bool, n)
	for i := range b {
		b[i] = true
	}
	return b
}

func reluActivations(n int) []*network.Activation {
	acts := make([]*network.Activation, n)
	for i := range acts {
		acts[i] = network.ReLU()
	}
	return acts
}
