package ddpg

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

// DDPG implements the deep deterministic policy gradient algorithm.
// This implementation is adapted from:
//
// https://arxiv.org/abs/1509.02971
// https://spinningup.openai.com/en/latest/algorithms/ddpg.html
type DDPG struct {
	behaviour *policy.DeterministicMLP // Acts in the environment
	replay    *expreplay.Buffer

	// Critic training graph
	criticStates  *G.Node
	criticActions *G.Node
	qTargets      *G.Node
	critic        network.NeuralNet
	criticLossVal *G.Value
	criticVM      G.VM
	criticSolver  *solver.Solver

	// Actor training graph: the actor feeds a frozen copy of the
	// critic and ascends the Q estimate
	actor        *policy.DeterministicMLP
	criticPi     network.NeuralNet
	actorLossVal *G.Value
	actorVM      G.VM
	actorSolver  *solver.Solver

	// Target networks on one graph: target actor feeding the target
	// critic, so Q'(s', μ'(s')) is one VM run
	targetStates *G.Node
	targetActor  *policy.DeterministicMLP
	targetCritic network.NeuralNet
	targetVM     G.VM

	features   int
	actionDims int
	sampleSize int
	tau        float64

	updates int
	eval    bool

	uniform distuv.Uniform // Warmup actions before the buffer fills
}

func newDDPG(c Config, env environment.Environment, seed uint64) (*DDPG,
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
		return nil, fmt.Errorf("newddpg: could not create replay buffer: "+
			"%v", err)
	}

	behaviour, err := policy.NewDeterministicMLP(features, actionDims, 1,
		G.NewGraph(), c.ActorHidden, actorBiases, actorActivations, init,
		actionScale, c.ExplorationNoise, "behaviour", seed)
	if err != nil {
		return nil, fmt.Errorf("newddpg: could not create behaviour "+
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

	critic, err := network.NewMultiHeadMLPFromInput(
		[]*G.Node{criticStates, criticActions}, 1, criticGraph,
		c.CriticHidden, criticBiases, init, criticActivations, "q", "")
	if err != nil {
		return nil, fmt.Errorf("newddpg: could not create critic: %v", err)
	}

	criticLoss := G.Must(G.Sub(critic.Prediction(), qTargets))
	criticLoss = G.Must(G.Mean(G.Must(G.Square(criticLoss))))

	// Reads write through the pointer when the VM runs, so the struct
	// must hold the pointer itself, not a copy of the value.
	criticLossVal := new(G.Value)
	G.Read(criticLoss, criticLossVal)
	if _, err := G.Grad(criticLoss, critic.Learnables()...); err != nil {
		return nil, fmt.Errorf("newddpg: could not construct critic "+
			"gradient: %v", err)
	}
	criticVM := G.NewTapeMachine(criticGraph,
		G.BindDualValues(critic.Learnables()...))

	// Actor training graph
	actorGraph := G.NewGraph()
	actorStates := G.NewMatrix(actorGraph, tensor.Float64,
		G.WithShape(batch, features), G.WithName("states"),
		G.WithInit(G.Zeroes()))
	actor, err := policy.NewDeterministicMLPFromInput(actorStates,
		actionDims, actorGraph, c.ActorHidden, actorBiases,
		actorActivations, init, actionScale, 0, "actor", seed+1)
	if err != nil {
		return nil, fmt.Errorf("newddpg: could not create actor: %v", err)
	}
	if err := actor.Network().Set(behaviour.Network()); err != nil {
		return nil, fmt.Errorf("newddpg: could not initialize actor: %v",
			err)
	}

	criticPi, err := network.NewMultiHeadMLPFromInput(
		[]*G.Node{actorStates, actor.ActionNode()}, 1, actorGraph,
		c.CriticHidden, criticBiases, init, criticActivations, "criticPi",
		"")
	if err != nil {
		return nil, fmt.Errorf("newddpg: could not create actor's "+
			"critic: %v", err)
	}
	if err := criticPi.Set(critic); err != nil {
		return nil, fmt.Errorf("newddpg: could not initialize actor's "+
			"critic: %v", err)
	}

	actorLoss := G.Must(G.Neg(G.Must(G.Mean(criticPi.Prediction()))))
	actorLossVal := new(G.Value)
	G.Read(actorLoss, actorLossVal)
	if _, err := G.Grad(actorLoss, actor.Learnables()...); err != nil {
		return nil, fmt.Errorf("newddpg: could not construct actor "+
			"gradient: %v", err)
	}
	actorVM := G.NewTapeMachine(actorGraph,
		G.BindDualValues(actor.Learnables()...))

	// Target networks: the target actor's action node feeds the
	// target critic directly
	targetGraph := G.NewGraph()
	targetStates := G.NewMatrix(targetGraph, tensor.Float64,
		G.WithShape(batch, features), G.WithName("states"),
		G.WithInit(G.Zeroes()))
	targetActor, err := policy.NewDeterministicMLPFromInput(targetStates,
		actionDims, targetGraph, c.ActorHidden, actorBiases,
		actorActivations, init, actionScale, 0, "targetActor", seed+2)
	if err != nil {
		return nil, fmt.Errorf("newddpg: could not create target actor: "+
			"%v", err)
	}
	if err := targetActor.Network().Set(actor.Network()); err != nil {
		return nil, fmt.Errorf("newddpg: could not initialize target "+
			"actor: %v", err)
	}

	targetCritic, err := network.NewMultiHeadMLPFromInput(
		[]*G.Node{targetStates, targetActor.ActionNode()}, 1, targetGraph,
		c.CriticHidden, criticBiases, init, criticActivations,
		"targetCritic", "")
	if err != nil {
		return nil, fmt.Errorf("newddpg: could not create target critic: "+
			"%v", err)
	}
	if err := targetCritic.Set(critic); err != nil {
		return nil, fmt.Errorf("newddpg: could not initialize target "+
			"critic: %v", err)
	}
	targetVM := G.NewTapeMachine(targetGraph)

	return &DDPG{
		behaviour: behaviour,
		replay:    replay,

		criticStates:  criticStates,
		criticActions: criticActions,
		qTargets:      qTargets,
		critic:        critic,
		criticLossVal: criticLossVal,
		criticVM:      criticVM,
		criticSolver:  c.CriticSolver,

		actor:        actor,
		criticPi:     criticPi,
		actorLossVal: actorLossVal,
		actorVM:      actorVM,
		actorSolver:  c.ActorSolver,

		targetStates: targetStates,
		targetActor:  targetActor,
		targetCritic: targetCritic,
		targetVM:     targetVM,

		features:   features,
		actionDims: actionDims,
		sampleSize: c.SampleSize,
		tau:        c.Tau,

		uniform: distuv.Uniform{
			Min: -actionScale,
			Max: actionScale,
			Src: rand.NewSource(seed + 3),
		},
	}, nil
}

// IsOnPolicy returns whether the agent may only learn from data
// collected under its current policy.
func (d *DDPG) IsOnPolicy() bool { return false }

// SelectAction returns an action for the state in step. Until the
// replay buffer reaches its minimum fill, training-mode actions are
// drawn uniformly from the action space so the first updates learn
// from exploratory data rather than the untrained policy.
func (d *DDPG) SelectAction(step timestep.TimeStep) (*mat.VecDense,
	error) {
	if !d.eval && d.replay.Capacity() < d.replay.MinCapacity() {
		action := make([]float64, d.actionDims)
		for i := range action {
			action[i] = d.uniform.Rand()
		}
		return mat.NewVecDense(d.actionDims, action), nil
	}
	return d.behaviour.SelectAction(step)
}

// ObserveTransition records a transition into the agent's replay
// buffer
func (d *DDPG) ObserveTransition(trans timestep.Transition) error {
	if d.eval {
		return nil
	}
	return d.replay.Add(trans)
}

// Update performs one critic regression step and one deterministic
// policy gradient step on a sampled minibatch, then moves the target
// networks toward the live ones. Before the replay buffer reaches its
// minimum fill, Update is a no-op. Returns an error wrapping
// agent.ErrNumerical if the update produced a non-finite loss or
// gradient.
func (d *DDPG) Update() error {
	if d.eval {
		return nil
	}

	states, actions, rewards, discounts, nextStates, err :=
		d.replay.Sample()
	if err != nil {
		if expreplay.IsInsufficientSamples(err) ||
			expreplay.IsEmptyBuffer(err) {
			return nil
		}
		return fmt.Errorf("update: could not sample replay buffer: %v", err)
	}

	// Q target: y = r + γ·Q'(s', μ'(s'))
	statesTensor := tensor.NewDense(tensor.Float64,
		d.targetStates.Shape(), tensor.WithBacking(nextStates))
	if err := G.Let(d.targetStates, statesTensor); err != nil {
		return fmt.Errorf("update: could not set target states: %v", err)
	}
	if err := d.targetVM.RunAll(); err != nil {
		return fmt.Errorf("update: could not run target networks: %v", err)
	}
	q := d.targetCritic.Output().Data().([]float64)

	targets := make([]float64, d.sampleSize)
	for i := range targets {
		targets[i] = rewards[i] + discounts[i]*q[i]
	}
	d.targetVM.Reset()

	if err := d.criticStep(states, actions, targets); err != nil {
		return err
	}

	// Keep the actor's frozen critic copy current
	if err := d.criticPi.Set(d.critic); err != nil {
		return fmt.Errorf("update: could not sync actor's critic: %v", err)
	}

	if err := d.actorStep(states); err != nil {
		return err
	}

	// Polyak-average the target networks toward the live ones
	if err := d.targetActor.Network().Polyak(d.actor.Network(),
		d.tau); err != nil {
		return fmt.Errorf("update: target actor polyak: %v", err)
	}
	if err := d.targetCritic.Polyak(d.critic, d.tau); err != nil {
		return fmt.Errorf("update: target critic polyak: %v", err)
	}

	d.updates++
	return nil
}

// criticStep performs one critic regression step
func (d *DDPG) criticStep(states, actions, targets []float64) error {
	statesTensor := tensor.NewDense(tensor.Float64,
		d.criticStates.Shape(), tensor.WithBacking(states))
	if err := G.Let(d.criticStates, statesTensor); err != nil {
		return fmt.Errorf("update: could not set critic states: %v", err)
	}
	actionsTensor := tensor.NewDense(tensor.Float64,
		d.criticActions.Shape(), tensor.WithBacking(actions))
	if err := G.Let(d.criticActions, actionsTensor); err != nil {
		return fmt.Errorf("update: could not set critic actions: %v", err)
	}
	targetsTensor := tensor.NewDense(tensor.Float64, d.qTargets.Shape(),
		tensor.WithBacking(targets))
	if err := G.Let(d.qTargets, targetsTensor); err != nil {
		return fmt.Errorf("update: could not set critic targets: %v", err)
	}

	if err := d.criticVM.RunAll(); err != nil {
		return fmt.Errorf("update: could not run critic graph: %v", err)
	}

	loss := (*d.criticLossVal).Data().(float64)
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		d.criticVM.Reset()
		return fmt.Errorf("update: critic loss %v: %w", loss,
			agent.ErrNumerical)
	}
	if err := d.criticSolver.Step(d.critic.Model()); err != nil {
		d.criticVM.Reset()
		if errors.Is(err, solver.ErrNonFinite) {
			return fmt.Errorf("update: critic gradient: %w",
				agent.ErrNumerical)
		}
		return fmt.Errorf("update: could not step critic solver: %v", err)
	}
	d.criticVM.Reset()
	return nil
}

// actorStep performs one deterministic policy gradient step and syncs
// the behaviour policy.
func (d *DDPG) actorStep(states []float64) error {
	if err := d.actor.Network().SetInput(states); err != nil {
		return fmt.Errorf("update: actor: %v", err)
	}
	if err := d.actorVM.RunAll(); err != nil {
		return fmt.Errorf("update: could not run actor graph: %v", err)
	}

	loss := (*d.actorLossVal).Data().(float64)
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		d.actorVM.Reset()
		return fmt.Errorf("update: actor loss %v: %w", loss,
			agent.ErrNumerical)
	}

	if err := d.actorSolver.Step(d.actor.Network().Model()); err != nil {
		d.actorVM.Reset()
		if errors.Is(err, solver.ErrNonFinite) {
			return fmt.Errorf("update: actor gradient: %w",
				agent.ErrNumerical)
		}
		return fmt.Errorf("update: could not step actor solver: %v", err)
	}
	d.actorVM.Reset()

	return d.behaviour.Network().Set(d.actor.Network())
}

// Updates returns the number of completed updates
func (d *DDPG) Updates() int { return d.updates }

// Eval sets the algorithm into evaluation mode
func (d *DDPG) Eval() {
	d.eval = true
	d.behaviour.Eval()
}

// Train sets the algorithm into training mode
func (d *DDPG) Train() {
	d.eval = false
	d.behaviour.Train()
}

// IsEval returns whether the algorithm is in evaluation mode
func (d *DDPG) IsEval() bool { return d.eval }

// snapshot is the serialized training state of a DDPG agent
type snapshot struct {
	ActorWeights        [][]float64
	CriticWeights       [][]float64
	TargetActorWeights  [][]float64
	TargetCriticWeights [][]float64
	ActorSolver         solver.State
	CriticSolver        solver.State
	Updates             int
}

// Save implements the agent.Agent interface. The replay buffer's
// contents are not part of the snapshot; training resumed from a
// snapshot refills the buffer before updating again.
func (d *DDPG) Save(w io.Writer) error {
	s := snapshot{
		ActorWeights:        network.WeightsOf(d.actor.Network().Learnables()),
		CriticWeights:       network.WeightsOf(d.critic.Learnables()),
		TargetActorWeights:  network.WeightsOf(d.targetActor.Network().Learnables()),
		TargetCriticWeights: network.WeightsOf(d.targetCritic.Learnables()),
		ActorSolver:         d.actorSolver.State(),
		CriticSolver:        d.criticSolver.State(),
		Updates:             d.updates,
	}
	if err := gob.NewEncoder(w).Encode(s); err != nil {
		return fmt.Errorf("save: %v", err)
	}
	return nil
}

// Restore implements the agent.Agent interface
func (d *DDPG) Restore(r io.Reader) error {
	var s snapshot
	if err := gob.NewDecoder(r).Decode(&s); err != nil {
		return fmt.Errorf("restore: %v", err)
	}

	sets := []struct {
		nodes   G.Nodes
		weights [][]float64
		name    string
	}{
		{d.actor.Network().Learnables(), s.ActorWeights, "actor"},
		{d.critic.Learnables(), s.CriticWeights, "critic"},
		{d.targetActor.Network().Learnables(), s.TargetActorWeights,
			"target actor"},
		{d.targetCritic.Learnables(), s.TargetCriticWeights,
			"target critic"},
	}
	for _, set := range sets {
		if err := network.SetWeightsOf(set.nodes, set.weights); err != nil {
			return fmt.Errorf("restore: %v: %v", set.name, err)
		}
	}

	if err := d.actorSolver.SetState(s.ActorSolver); err != nil {
		return fmt.Errorf("restore: actor solver: %v", err)
	}
	if err := d.criticSolver.SetState(s.CriticSolver); err != nil {
		return fmt.Errorf("restore: critic solver: %v", err)
	}
	d.updates = s.Updates

	if err := d.behaviour.Network().Set(d.actor.Network()); err != nil {
		return fmt.Errorf("restore: could not sync behaviour policy: %v",
			err)
	}
	return d.criticPi.Set(d.critic)
}

// Close releases the agent's VMs
func (d *DDPG) Close() error {
	errs := []error{
		d.behaviour.Close(),
		d.criticVM.Close(),
		d.actorVM.Close(),
		d.targetVM.Close(),
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

func reluActivations(n int) []*network.Activation {
	acts := make([]*network.Activation, n)
	for i := range acts {
		acts[i] = network.ReLU()
	}
	return acts
}
