// Package cluster implements HDBSCAN density clustering over embedding vectors.
package cluster

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Noise is the label of points that do not belong to any cluster
const Noise = -1

// Distances below this are treated as equal when converted to lambda values
const minDistance = 1e-12

var ErrEmpty = errors.New("cluster: no points to fit")

// Params holds the sensitivity parameters of a fit.
//
// MinSamples defaults to MinClusterSize when zero. A positive Epsilon merges
// selected clusters that split below that distance. AllowSingleCluster lets a
// dataset that never splits into two clusters form one cluster of its dense
// points instead of being all noise.
type Params struct {
	MinClusterSize     int
	MinSamples         int
	Epsilon            float64
	AllowSingleCluster bool
}

func (p Params) validate() error {
	if p.MinClusterSize < 2 {
		return fmt.Errorf("cluster: min cluster size must be at least 2, got %d", p.MinClusterSize)
	}
	if p.MinSamples < 0 {
		return fmt.Errorf("cluster: min samples must not be negative, got %d", p.MinSamples)
	}
	if p.Epsilon < 0 || math.IsNaN(p.Epsilon) {
		return fmt.Errorf("cluster: epsilon must not be negative, got %v", p.Epsilon)
	}
	return nil
}

// Model is the result of fitting HDBSCAN to a data matrix. Labels and
// Probabilities are indexed by matrix row.
type Model struct {
	Labels        []int
	Probabilities []float64

	data *mat.Dense
}

// Fit clusters the rows of data. The result is deterministic for a fixed row order.
func Fit(data *mat.Dense, params Params) (*Model, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	if data == nil {
		return nil, ErrEmpty
	}
	n, _ := data.Dims()
	if n == 0 {
		return nil, ErrEmpty
	}
	if params.MinSamples == 0 {
		params.MinSamples = params.MinClusterSize
	}

	model := &Model{
		Labels:        make([]int, n),
		Probabilities: make([]float64, n),
		data:          data,
	}
	for i := range model.Labels {
		model.Labels[i] = Noise
	}
	if n < params.MinClusterSize {
		return model, nil
	}

	core := coreDistances(data, params.MinSamples)
	edges := minimumSpanningTree(data, core)
	hierarchy := singleLinkage(n, edges)
	tree := condense(hierarchy, n, params.MinClusterSize)
	selected := tree.selectClusters(params.Epsilon, params.AllowSingleCluster)

	model.Labels, model.Probabilities = tree.label(n, selected)
	return model, nil
}

func distance(data *mat.Dense, i, j int) float64 {
	return floats.Distance(data.RawRowView(i), data.RawRowView(j), 2)
}

// coreDistances returns the distance of every point to its k-th nearest
// neighbor, not counting the point itself.
func coreDistances(data *mat.Dense, k int) []float64 {
	n, _ := data.Dims()
	if k > n-1 {
		k = n - 1
	}

	core := make([]float64, n)
	row := make([]float64, n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			row[j] = distance(data, i, j)
		}
		sort.Float64s(row)
		core[i] = row[k]
	}
	return core
}

type edge struct {
	from, to int
	weight   float64
}

// minimumSpanningTree runs Prim's algorithm over the dense mutual reachability
// graph and returns the edges sorted by weight.
func minimumSpanningTree(data *mat.Dense, core []float64) []edge {
	n := len(core)
	inTree := make([]bool, n)
	best := make([]float64, n)
	from := make([]int, n)
	for i := range best {
		best[i] = math.Inf(1)
	}

	edges := make([]edge, 0, n-1)
	current := 0
	for len(edges) < n-1 {
		inTree[current] = true

		next := -1
		for j := 0; j < n; j++ {
			if inTree[j] {
				continue
			}
			reach := math.Max(distance(data, current, j), math.Max(core[current], core[j]))
			if reach < best[j] {
				best[j] = reach
				from[j] = current
			}
			if next == -1 || best[j] < best[next] {
				next = j
			}
		}

		edges = append(edges, edge{from: from[next], to: next, weight: best[next]})
		current = next
	}

	sort.SliceStable(edges, func(a, b int) bool {
		return edges[a].weight < edges[b].weight
	})
	return edges
}

// merge is one row of the single linkage hierarchy. Node n+i is created by row i.
type merge struct {
	left, right int
	distance    float64
	size        int
}

func singleLinkage(n int, edges []edge) []merge {
	parent := make([]int, 2*n-1)
	size := make([]int, 2*n-1)
	for i := range parent {
		parent[i] = i
		if i < n {
			size[i] = 1
		}
	}

	find := func(x int) int {
		root := x
		for parent[root] != root {
			root = parent[root]
		}
		for parent[x] != root {
			parent[x], x = root, parent[x]
		}
		return root
	}

	hierarchy := make([]merge, 0, n-1)
	for i, e := range edges {
		a, b := find(e.from), find(e.to)
		node := n + i
		size[node] = size[a] + size[b]
		parent[a] = node
		parent[b] = node
		hierarchy = append(hierarchy, merge{left: a, right: b, distance: e.weight, size: size[node]})
	}
	return hierarchy
}
