package network

import (
	"fmt"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// WeightsOf returns a copy of the backing data of each node, in node
// order. Together with SetWeightsOf it lets training snapshots capture
// and restore weights without serializing graph structure.
func WeightsOf(nodes G.Nodes) [][]float64 {
	weights := make([][]float64, len(nodes))
	for i, node := range nodes {
		data := node.Value().Data().([]float64)
		weights[i] = make([]float64, len(data))
		copy(weights[i], data)
	}
	return weights
}

// SetWeightsOf overwrites the value of each node with the given
// backing data. The nodes must be in the same order, with the same
// shapes, as when WeightsOf produced the data.
func SetWeightsOf(nodes G.Nodes, weights [][]float64) error {
	if len(nodes) != len(weights) {
		return fmt.Errorf("setweightsof: have %v weight tensors for %v "+
			"nodes", len(weights), len(nodes))
	}
	for i, node := range nodes {
		if node.Shape().TotalSize() != len(weights[i]) {
			return fmt.Errorf("setweightsof: node %v holds %v values, "+
				"snapshot has %v", i, node.Shape().TotalSize(),
				len(weights[i]))
		}
		backing := make([]float64, len(weights[i]))
		copy(backing, weights[i])
		t := tensor.NewDense(tensor.Float64, node.Shape(),
			tensor.WithBacking(backing))
		if err := G.Let(node, t); err != nil {
			return fmt.Errorf("setweightsof: could not set node %v: %v", i,
				err)
		}
	}
	return nil
}
