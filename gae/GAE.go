// Package gae implements a vectorized generalized advantage estimate -
// GAE(λ) - rollout buffer following https://arxiv.org/abs/1506.02438.
package gae

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Buffer stores one collection cycle of on-policy experience for
// several lockstep environment instances and computes per-step
// advantage estimates. Each environment instance owns a column of the
// buffer: transitions from different instances are never mixed inside
// one advantage recursion.
//
// Log-probabilities and value estimates are frozen at collection time;
// learners that run several epochs over one batch (PPO) read the
// frozen values rather than recomputing them.
type Buffer struct {
	obsSize    int // Size of state observations
	actionSize int // Number of action dimensions
	horizon    int // Steps stored per environment instance
	numEnvs    int

	lambda float64 // λ for the GAE(λ) bias/variance blend
	gamma  float64 // Discount factor γ

	// One column per environment instance
	obs  [][]float64
	act  [][]float64
	rew  [][]float64
	val  [][]float64
	logp [][]float64
	adv  [][]float64

	// Position where the open (unfinished) trajectory segment of each
	// column starts, in steps. Equal to the column length once
	// FinishPath has sealed every stored step.
	pathStart []int
}

// Batch is one collection cycle flattened for consumption by a
// learner, ordered environment-major: all of instance 0's steps first,
// then instance 1's, and so on. Advantages holds the raw GAE(λ)
// estimates; Returns holds the value targets (advantage plus value
// estimate); EnvIndex labels each row with its source instance.
type Batch struct {
	Obs        []float64
	Actions    []float64
	Advantages []float64
	Returns    []float64
	LogProbs   []float64
	Values     []float64
	EnvIndex   []int

	obsSize    int
	actionSize int
}

// New creates and returns a new GAE(λ) buffer holding horizon steps
// for each of numEnvs environment instances.
func New(obsDim, actDim, horizon, numEnvs int, lambda,
	gamma float64) (*Buffer, error) {
	if horizon <= 0 {
		return nil, fmt.Errorf("new: horizon must be positive, got %v",
			horizon)
	}
	if numEnvs <= 0 {
		return nil, fmt.Errorf("new: need at least one environment, got %v",
			numEnvs)
	}
	if lambda < 0 || lambda > 1 {
		return nil, fmt.Errorf("new: λ must be in [0, 1], got %v", lambda)
	}
	if gamma < 0 || gamma > 1 {
		return nil, fmt.Errorf("new: γ must be in [0, 1], got %v", gamma)
	}

	b := &Buffer{
		obsSize:    obsDim,
		actionSize: actDim,
		horizon:    horizon,
		numEnvs:    numEnvs,
		lambda:     lambda,
		gamma:      gamma,
	}
	b.Reset()
	return b, nil
}

// Reset discards all stored experience. Called after each update; a
// batch handed out by Batch() remains valid because it holds copies.
func (b *Buffer) Reset() {
	b.obs = make([][]float64, b.numEnvs)
	b.act = make([][]float64, b.numEnvs)
	b.rew = make([][]float64, b.numEnvs)
	b.val = make([][]float64, b.numEnvs)
	b.logp = make([][]float64, b.numEnvs)
	b.adv = make([][]float64, b.numEnvs)
	b.pathStart = make([]int, b.numEnvs)

	for i := 0; i < b.numEnvs; i++ {
		b.obs[i] = make([]float64, 0, b.horizon*b.obsSize)
		b.act[i] = make([]float64, 0, b.horizon*b.actionSize)
		b.rew[i] = make([]float64, 0, b.horizon)
		b.val[i] = make([]float64, 0, b.horizon)
		b.logp[i] = make([]float64, 0, b.horizon)
		b.adv[i] = make([]float64, 0, b.horizon)
	}
}

// Store stores a single timestep of environment instance env: the
// state, the action taken, the reward received, and the value estimate
// and log-probability of the action frozen at collection time.
func (b *Buffer) Store(env int, obs, act []float64, rew, val,
	logProb float64) error {
	if env < 0 || env >= b.numEnvs {
		return fmt.Errorf("store: no such environment instance %v", env)
	}
	if len(b.rew[env]) >= b.horizon {
		return fmt.Errorf("store: cannot add new transition, instance %v "+
			"column at maximum capacity", env)
	}
	if len(obs) != b.obsSize {
		return fmt.Errorf("store: illegal obs length \n\twant(%v)\n\thave(%v)",
			b.obsSize, len(obs))
	}
	if len(act) != b.actionSize {
		return fmt.Errorf("store: illegal act length \n\twant(%v)\n\thave(%v)",
			b.actionSize, len(act))
	}

	b.obs[env] = append(b.obs[env], obs...)
	b.act[env] = append(b.act[env], act...)
	b.rew[env] = append(b.rew[env], rew)
	b.val[env] = append(b.val[env], val)
	b.logp[env] = append(b.logp[env], logProb)
	return nil
}

// FinishPath seals the open trajectory segment of environment instance
// env and computes its advantage estimates with the backward GAE(λ)
// recursion
//
//	δ_t = r_t + γ·V(s_{t+1}) − V(s_t)
//	A_t = δ_t + γλ·A_{t+1}
//
// seeded at the segment boundary with A = 0 and V(s_T) = lastVal.
//
// The lastVal argument must be 0 if the segment ended at a terminal
// state, and the value estimate of the successor state if the segment
// was cut off by a step limit or the collection horizon. Truncation is
// not termination: bootstrapping with 0 past a truncated episode
// biases every advantage in the segment.
func (b *Buffer) FinishPath(env int, lastVal float64) error {
	if env < 0 || env >= b.numEnvs {
		return fmt.Errorf("finishPath: no such environment instance %v", env)
	}

	start := b.pathStart[env]
	stop := len(b.rew[env])

	adv := 0.0
	nextVal := lastVal
	segment := make([]float64, stop-start)
	for t := stop - 1; t >= start; t-- {
		delta := b.rew[env][t] + b.gamma*nextVal - b.val[env][t]
		adv = delta + b.gamma*b.lambda*adv
		segment[t-start] = adv
		nextVal = b.val[env][t]
	}

	b.adv[env] = append(b.adv[env], segment...)
	b.pathStart[env] = stop
	return nil
}

// Open returns whether environment instance env holds stored steps
// not yet sealed by FinishPath.
func (b *Buffer) Open(env int) bool {
	return b.pathStart[env] < len(b.rew[env])
}

// Len returns the total number of transitions currently stored across
// all environment instances.
func (b *Buffer) Len() int {
	n := 0
	for i := 0; i < b.numEnvs; i++ {
		n += len(b.rew[i])
	}
	return n
}

// Batch returns the stored collection cycle as a flattened Batch. All
// stored steps must have been sealed by FinishPath, and every
// environment column must be filled to the horizon.
func (b *Buffer) Batch() (*Batch, error) {
	for env := 0; env < b.numEnvs; env++ {
		if len(b.rew[env]) != b.horizon {
			return nil, fmt.Errorf("batch: instance %v holds %v steps, "+
				"horizon is %v", env, len(b.rew[env]), b.horizon)
		}
		if b.pathStart[env] != len(b.rew[env]) {
			return nil, fmt.Errorf("batch: instance %v has an unfinished "+
				"path; call FinishPath before Batch", env)
		}
	}

	n := b.horizon * b.numEnvs
	batch := &Batch{
		Obs:        make([]float64, 0, n*b.obsSize),
		Actions:    make([]float64, 0, n*b.actionSize),
		Advantages: make([]float64, 0, n),
		Returns:    make([]float64, 0, n),
		LogProbs:   make([]float64, 0, n),
		Values:     make([]float64, 0, n),
		EnvIndex:   make([]int, 0, n),
		obsSize:    b.obsSize,
		actionSize: b.actionSize,
	}

	for env := 0; env < b.numEnvs; env++ {
		batch.Obs = append(batch.Obs, b.obs[env]...)
		batch.Actions = append(batch.Actions, b.act[env]...)
		batch.Advantages = append(batch.Advantages, b.adv[env]...)
		batch.LogProbs = append(batch.LogProbs, b.logp[env]...)
		batch.Values = append(batch.Values, b.val[env]...)
		for t := 0; t < b.horizon; t++ {
			batch.Returns = append(batch.Returns,
				b.adv[env][t]+b.val[env][t])
			batch.EnvIndex = append(batch.EnvIndex, env)
		}
	}

	return batch, nil
}

// Len returns the number of transitions in the batch
func (ba *Batch) Len() int { return len(ba.Advantages) }

// ObsSize returns the observation length of each row
func (ba *Batch) ObsSize() int { return ba.obsSize }

// ActionSize returns the action length of each row
func (ba *Batch) ActionSize() int { return ba.actionSize }

// NormalizedAdvantages returns a copy of the advantages standardized
// to mean 0 and standard deviation 1.
func (ba *Batch) NormalizedAdvantages() []float64 {
	mean := stat.Mean(ba.Advantages, nil)
	std := stat.StdDev(ba.Advantages, nil) + 1e-8

	normalized := make([]float64, len(ba.Advantages))
	copy(normalized, ba.Advantages)
	floats.AddConst(-mean, normalized)
	floats.Scale(1/std, normalized)
	return normalized
}

// Gather returns the rows of the batch at the given indices as
// flattened observation, action, advantage, return, and log-prob
// slices. Used by learners that shuffle one batch into minibatches.
func (ba *Batch) Gather(indices []int, advantages []float64) ([]float64,
	[]float64, []float64, []float64, []float64) {
	obs := make([]float64, 0, len(indices)*ba.obsSize)
	act := make([]float64, 0, len(indices)*ba.actionSize)
	adv := make([]float64, 0, len(indices))
	ret := make([]float64, 0, len(indices))
	logp := make([]float64, 0, len(indices))

	for _, i := range indices {
		obs = append(obs, ba.Obs[i*ba.obsSize:(i+1)*ba.obsSize]...)
		act = append(act, ba.Actions[i*ba.actionSize:(i+1)*ba.actionSize]...)
		adv = append(adv, advantages[i])
		ret = append(ret, ba.Returns[i])
		logp = append(logp, ba.LogProbs[i])
	}

	return obs, act, adv, ret, logp
}
