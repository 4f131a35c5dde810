// Package policy implements neural-network policies for discrete and
// continuous action spaces. Learners construct their losses from the
// log-probability and entropy nodes the policies expose.
package policy

import (
	G "gorgonia.org/gorgonia"
)

// LogProber is a policy that can compute the log probability density
// of externally given actions in externally given states, without
// the gradient flowing through action selection.
type LogProber interface {
	// LogProbOf sets the policy's placeholders so that the node
	// returned by LogProbNode computes the log probability of taking
	// the argument actions in the argument states on the next VM run.
	// Inputs are in row major order.
	LogProbOf(states, actions []float64) (*G.Node, error)

	// LogProbNode returns the node that computes the per-row log
	// probabilities; LogProbVal returns its value after a VM run.
	LogProbNode() *G.Node
	LogProbVal() G.Value

	// EntropyNode returns the node computing the mean entropy of the
	// policy's action distributions; EntropyVal returns its value
	// after a VM run.
	EntropyNode() *G.Node
	EntropyVal() G.Value
}

// logSumExp computes a numerically stable log-sum-exp of logits along
// the given axis.
func logSumExp(logits *G.Node, along int) *G.Node {
	max := G.Must(G.Max(logits, along))

	exponent := G.Must(G.BroadcastSub(logits, max, nil, []byte{1}))
	exponent = G.Must(G.Exp(exponent))

	sum := G.Must(G.Sum(exponent, along))
	log := G.Must(G.Log(sum))

	return G.Must(G.Add(max, log))
}
