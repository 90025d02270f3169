package cluster

import (
	"math"
	"sort"
)

// entry is one row of the condensed tree. Children below the point count are
// points falling out of parent, the rest are clusters split off from it.
type entry struct {
	parent int
	child  int
	lambda float64
	size   int
}

type condensedTree struct {
	n       int
	root    int
	entries []entry

	birth           map[int]float64
	clusterParent   map[int]int
	clusterChildren map[int][]int
	pointParent     []int
	pointLambda     []float64
	maxChildLambda  map[int]float64
}

func lambdaOf(distance float64) float64 {
	return 1 / math.Max(distance, minDistance)
}

// condense walks the single linkage hierarchy from the top, keeping only the
// splits where both sides hold at least minClusterSize points.
func condense(hierarchy []merge, n, minClusterSize int) *condensedTree {
	top := 2*n - 2

	size := func(node int) int {
		if node < n {
			return 1
		}
		return hierarchy[node-n].size
	}
	below := func(node int) []int {
		queue := []int{node}
		for i := 0; i < len(queue); i++ {
			if current := queue[i]; current >= n {
				m := hierarchy[current-n]
				queue = append(queue, m.left, m.right)
			}
		}
		return queue
	}

	tree := &condensedTree{n: n, root: n}
	relabel := make([]int, 2*n-1)
	ignore := make([]bool, 2*n-1)
	relabel[top] = n
	next := n + 1

	drop := func(parent, node int, lambda float64) {
		for _, sub := range below(node) {
			if sub < n {
				tree.entries = append(tree.entries, entry{parent: parent, child: sub, lambda: lambda, size: 1})
			}
			ignore[sub] = true
		}
	}

	for _, node := range below(top) {
		if node < n || ignore[node] {
			continue
		}

		m := hierarchy[node-n]
		lambda := lambdaOf(m.distance)
		parent := relabel[node]
		leftSize, rightSize := size(m.left), size(m.right)

		switch {
		case leftSize >= minClusterSize && rightSize >= minClusterSize:
			for _, child := range []int{m.left, m.right} {
				relabel[child] = next
				tree.entries = append(tree.entries, entry{parent: parent, child: next, lambda: lambda, size: size(child)})
				next++
			}
		case leftSize < minClusterSize && rightSize < minClusterSize:
			drop(parent, m.left, lambda)
			drop(parent, m.right, lambda)
		case leftSize < minClusterSize:
			relabel[m.right] = parent
			drop(parent, m.left, lambda)
		default:
			relabel[m.left] = parent
			drop(parent, m.right, lambda)
		}
	}

	tree.index()
	return tree
}

func (t *condensedTree) index() {
	t.birth = map[int]float64{t.root: 0}
	t.clusterParent = map[int]int{}
	t.clusterChildren = map[int][]int{}
	t.pointParent = make([]int, t.n)
	t.pointLambda = make([]float64, t.n)
	t.maxChildLambda = map[int]float64{}

	for _, e := range t.entries {
		if e.child >= t.n {
			t.birth[e.child] = e.lambda
			t.clusterParent[e.child] = e.parent
			t.clusterChildren[e.parent] = append(t.clusterChildren[e.parent], e.child)
		} else {
			t.pointParent[e.child] = e.parent
			t.pointLambda[e.child] = e.lambda
		}
		if e.lambda > t.maxChildLambda[e.parent] {
			t.maxChildLambda[e.parent] = e.lambda
		}
	}
}

// clusters returns every cluster id in the tree except the root, ascending
func (t *condensedTree) clusters() []int {
	ids := make([]int, 0, len(t.clusterParent))
	for id := range t.clusterParent {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func (t *condensedTree) descendants(cluster int) []int {
	queue := []int{cluster}
	for i := 0; i < len(queue); i++ {
		queue = append(queue, t.clusterChildren[queue[i]]...)
	}
	return queue[1:]
}

func (t *condensedTree) stability() map[int]float64 {
	stability := map[int]float64{t.root: 0}
	for _, e := range t.entries {
		stability[e.parent] += (e.lambda - t.birth[e.parent]) * float64(e.size)
	}
	return stability
}

// selectClusters picks the flat clustering by excess of mass. The root is
// only selected when allowSingle is set and the tree never splits.
func (t *condensedTree) selectClusters(epsilon float64, allowSingle bool) map[int]bool {
	ids := t.clusters()
	selected := map[int]bool{}
	if len(ids) == 0 {
		if allowSingle {
			selected[t.root] = true
		}
		return selected
	}

	stability := t.stability()
	for _, id := range ids {
		selected[id] = true
	}

	for i := len(ids) - 1; i >= 0; i-- {
		node := ids[i]
		var subtree float64
		for _, child := range t.clusterChildren[node] {
			subtree += stability[child]
		}
		if subtree > stability[node] {
			selected[node] = false
			stability[node] = subtree
		} else {
			for _, sub := range t.descendants(node) {
				selected[sub] = false
			}
		}
	}

	for id, ok := range selected {
		if !ok {
			delete(selected, id)
		}
	}

	if epsilon > 0 {
		selected = t.epsilonSearch(selected, epsilon)
	}
	return selected
}

// epsilonSearch replaces selected clusters born below epsilon with their
// closest ancestor born above it.
func (t *condensedTree) epsilonSearch(leaves map[int]bool, epsilon float64) map[int]bool {
	ordered := make([]int, 0, len(leaves))
	for id := range leaves {
		ordered = append(ordered, id)
	}
	sort.Ints(ordered)

	selected := map[int]bool{}
	processed := map[int]bool{}
	for _, leaf := range ordered {
		if 1/t.birth[leaf] >= epsilon {
			selected[leaf] = true
			continue
		}
		if processed[leaf] {
			continue
		}
		ancestor := t.traverseUpwards(leaf, epsilon)
		selected[ancestor] = true
		for _, sub := range t.descendants(ancestor) {
			processed[sub] = true
		}
	}
	return selected
}

func (t *condensedTree) traverseUpwards(leaf int, epsilon float64) int {
	parent := t.clusterParent[leaf]
	if parent == t.root {
		return leaf
	}
	if 1/t.birth[parent] > epsilon {
		return parent
	}
	return t.traverseUpwards(parent, epsilon)
}

// Points of a single root cluster falling out below this membership
// probability are noise
const singleClusterMinProbability = 0.5

// label assigns each point the index of the nearest selected cluster above it
// and a membership probability scaled by the lambda at which that cluster dies.
func (t *condensedTree) label(n int, selected map[int]bool) ([]int, []float64) {
	ids := make([]int, 0, len(selected))
	for id := range selected {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	index := make(map[int]int, len(ids))
	for i, id := range ids {
		index[id] = i
	}

	labels := make([]int, n)
	probabilities := make([]float64, n)
	for point := 0; point < n; point++ {
		cluster := t.pointParent[point]
		for cluster != t.root && !selected[cluster] {
			cluster = t.clusterParent[cluster]
		}
		if !selected[cluster] {
			labels[point] = Noise
			continue
		}

		death := t.maxChildLambda[cluster]
		lambda := t.pointLambda[point]
		probability := 1.0
		if death > 0 && !math.IsInf(lambda, 0) {
			probability = math.Min(lambda, death) / death
		}
		if cluster == t.root && probability < singleClusterMinProbability {
			labels[point] = Noise
			continue
		}
		labels[point] = index[cluster]
		probabilities[point] = probability
	}
	return labels, probabilities
}
