package cluster

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// Clusters returns the distinct non-noise labels of the model, ascending
func (m *Model) Clusters() []int {
	seen := map[int]bool{}
	var labels []int
	for _, label := range m.Labels {
		if label == Noise || seen[label] {
			continue
		}
		seen[label] = true
		labels = append(labels, label)
	}
	sort.Ints(labels)
	return labels
}

// Members returns the row indexes carrying label, in row order
func (m *Model) Members(label int) []int {
	var rows []int
	for i, l := range m.Labels {
		if l == label {
			rows = append(rows, i)
		}
	}
	return rows
}

// WeightedMedoid returns the member of a cluster minimising the sum of its
// distances to the other members, each weighted by that member's membership
// probability. The result is a copy of an actual data row.
func (m *Model) WeightedMedoid(label int) ([]float64, error) {
	row, err := m.WeightedMedoidRow(label)
	if err != nil {
		return nil, err
	}
	return mat.Row(nil, row, m.data), nil
}

// WeightedMedoidRow is WeightedMedoid returning the row index. Ties resolve to
// the earliest row.
func (m *Model) WeightedMedoidRow(label int) (int, error) {
	if label == Noise {
		return 0, fmt.Errorf("cluster: noise has no medoid")
	}
	members := m.Members(label)
	if len(members) == 0 {
		return 0, fmt.Errorf("cluster: no members with label %d", label)
	}

	best, bestCost := members[0], -1.0
	for _, i := range members {
		var cost float64
		for _, j := range members {
			cost += distance(m.data, i, j) * m.Probabilities[j]
		}
		if bestCost < 0 || cost < bestCost {
			best, bestCost = i, cost
		}
	}
	return best, nil
}
