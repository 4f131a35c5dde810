// Package network implements feedforward function approximators on
// gorgonia computational graphs. Networks only construct the forward
// pass; loss construction and gradients are left to the code using
// the network.
package network

import (
	G "gorgonia.org/gorgonia"
)

// NeuralNet is a function approximator built on a gorgonia graph.
// A NeuralNet owns an input placeholder node sized for a fixed batch;
// CloneWithBatch produces an identically-weighted copy on a fresh
// graph with a different batch size, which is how a network trained
// on minibatches is also used for single-observation action selection.
type NeuralNet interface {
	Graph() *G.ExprGraph
	Clone() (NeuralNet, error)
	CloneWithBatch(int) (NeuralNet, error)

	BatchSize() int
	Features() int
	Outputs() int

	// SetInput sets the value of the input placeholder before a VM run
	SetInput([]float64) error

	// Set copies the weights of another network of the same
	// architecture; Polyak moves them a fraction tau toward the
	// other network's weights instead.
	Set(NeuralNet) error
	Polyak(NeuralNet, float64) error

	Learnables() G.Nodes
	Model() []G.ValueGrad

	// Output returns the value read from the output node after the
	// last VM run; Prediction returns the output node itself.
	Output() G.Value
	Prediction() *G.Node
}
