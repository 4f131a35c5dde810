// Package expreplay implements a fixed-capacity experience replay
// buffer with strict FIFO overwrite and uniform random sampling.
package expreplay

import (
	"fmt"

	"golang.org/x/exp/rand"

	"github.com/benchrl/benchrl/timestep"
)

// Buffer is a ring of transitions backed by contiguous float64
// slices. Insertion is O(1): once the ring is full, each Add
// overwrites the oldest entry. Sampling draws a uniform random batch
// of flattened (S, A, R, γ, S') rows and is O(batch size).
//
// The buffer follows a single-writer discipline: the collecting side
// adds transitions, the learning side samples them, and neither
// happens concurrently within one training run.
type Buffer struct {
	stateCache     []float64
	actionCache    []float64
	rewardCache    []float64
	discountCache  []float64
	nextStateCache []float64

	next   int // ring position of the next insert
	filled int // number of occupied slots

	minCapacity int
	maxCapacity int
	featureSize int
	actionSize  int
	batchSize   int

	rng *rand.Rand
}

// New creates and returns a new replay Buffer. The featureSize and
// actionSize parameters define the lengths of the state and action
// vectors. The minCapacity parameter gates sampling: Sample returns an
// error until at least that many transitions have been added.
func New(minCapacity, maxCapacity, featureSize, actionSize,
	batchSize int, seed uint64) (*Buffer, error) {
	if minCapacity <= 0 {
		return nil, fmt.Errorf("new: minCapacity must be > 0")
	}
	if maxCapacity < minCapacity {
		return nil, fmt.Errorf("new: maxCapacity (%v) < minCapacity (%v)",
			maxCapacity, minCapacity)
	}
	if batchSize < 1 {
		return nil, fmt.Errorf("new: batch size must be >= 1")
	}
	if maxCapacity < batchSize {
		return nil, fmt.Errorf("new: cannot have batch size (%v) > max "+
			"buffer capacity (%v)", batchSize, maxCapacity)
	}

	return &Buffer{
		stateCache:     make([]float64, maxCapacity*featureSize),
		actionCache:    make([]float64, maxCapacity*actionSize),
		rewardCache:    make([]float64, maxCapacity),
		discountCache:  make([]float64, maxCapacity),
		nextStateCache: make([]float64, maxCapacity*featureSize),

		minCapacity: minCapacity,
		maxCapacity: maxCapacity,
		featureSize: featureSize,
		actionSize:  actionSize,
		batchSize:   batchSize,

		rng: rand.New(rand.NewSource(seed)),
	}, nil
}

// Add adds a transition to the buffer, evicting the oldest entry when
// the buffer is full.
func (b *Buffer) Add(t timestep.Transition) error {
	if t.State.Len() != b.featureSize || t.NextState.Len() != b.featureSize {
		return fmt.Errorf("add: invalid feature size \n\twant(%v)\n\thave(%v)",
			b.featureSize, t.State.Len())
	}
	if t.Action.Len() != b.actionSize {
		return fmt.Errorf("add: invalid action size \n\twant(%v)\n\thave(%v)",
			b.actionSize, t.Action.Len())
	}

	index := b.next

	stateInd := index * b.featureSize
	for i := 0; i < b.featureSize; i++ {
		b.stateCache[stateInd+i] = t.State.AtVec(i)
		b.nextStateCache[stateInd+i] = t.NextState.AtVec(i)
	}

	actionInd := index * b.actionSize
	for i := 0; i < b.actionSize; i++ {
		b.actionCache[actionInd+i] = t.Action.AtVec(i)
	}

	b.rewardCache[index] = t.Reward
	b.discountCache[index] = t.Discount

	b.next = (b.next + 1) % b.maxCapacity
	if b.filled < b.maxCapacity {
		b.filled++
	}
	return nil
}

// Sample samples and returns a uniform random batch of transitions as
// flattened state, action, reward, discount, and next state slices.
func (b *Buffer) Sample() ([]float64, []float64, []float64, []float64,
	[]float64, error) {
	if b.filled == 0 {
		err := &ExpReplayError{Op: "sample", Err: errEmptyBuffer}
		return nil, nil, nil, nil, nil, err
	}
	if b.filled < b.minCapacity {
		err := &ExpReplayError{Op: "sample", Err: errInsufficientSamples}
		return nil, nil, nil, nil, nil, err
	}

	stateBatch := make([]float64, b.batchSize*b.featureSize)
	nextStateBatch := make([]float64, b.batchSize*b.featureSize)
	actionBatch := make([]float64, b.batchSize*b.actionSize)
	rewardBatch := make([]float64, b.batchSize)
	discountBatch := make([]float64, b.batchSize)

	for i := 0; i < b.batchSize; i++ {
		index := b.rng.Intn(b.filled)

		batchStart := i * b.featureSize
		expStart := index * b.featureSize
		copy(stateBatch[batchStart:batchStart+b.featureSize],
			b.stateCache[expStart:expStart+b.featureSize])
		copy(nextStateBatch[batchStart:batchStart+b.featureSize],
			b.nextStateCache[expStart:expStart+b.featureSize])

		batchStart = i * b.actionSize
		expStart = index * b.actionSize
		copy(actionBatch[batchStart:batchStart+b.actionSize],
			b.actionCache[expStart:expStart+b.actionSize])

		rewardBatch[i] = b.rewardCache[index]
		discountBatch[i] = b.discountCache[index]
	}

	return stateBatch, actionBatch, rewardBatch, discountBatch,
		nextStateBatch, nil
}

// Capacity returns the current number of samples in the buffer
func (b *Buffer) Capacity() int { return b.filled }

// MaxCapacity returns the maximum allowable samples in the buffer
func (b *Buffer) MaxCapacity() int { return b.maxCapacity }

// MinCapacity returns the number of samples required to be in the
// buffer before sampling is allowed
func (b *Buffer) MinCapacity() int { return b.minCapacity }

// BatchSize returns the number of samples returned by Sample()
func (b *Buffer) BatchSize() int { return b.batchSize }

// insertOrder returns the ring indices of the buffered transitions in
// oldest-first insertion order.
func (b *Buffer) insertOrder() []int {
	order := make([]int, b.filled)
	start := 0
	if b.filled == b.maxCapacity {
		start = b.next
	}
	for i := range order {
		order[i] = (start + i) % b.maxCapacity
	}
	return order
}
