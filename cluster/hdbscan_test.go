package cluster_test

import (
	"testing"

	"storyline/cluster"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

var offsets = [][2]float64{
	{0, 0}, {0.01, 0}, {0, 0.01}, {0.01, 0.01}, {0.02, 0.01}, {0.01, 0.02},
}

func blobs(centers ...[2]float64) [][]float64 {
	var rows [][]float64
	for _, c := range centers {
		for _, o := range offsets {
			rows = append(rows, []float64{c[0] + o[0], c[1] + o[1]})
		}
	}
	return rows
}

func matrix(rows [][]float64) *mat.Dense {
	data := mat.NewDense(len(rows), len(rows[0]), nil)
	for i, row := range rows {
		data.SetRow(i, row)
	}
	return data
}

func assertSameLabel(t *testing.T, labels []int, from, to int) int {
	t.Helper()
	for i := from; i < to; i++ {
		assert.Equal(t, labels[from], labels[i], "row %d", i)
	}
	return labels[from]
}

func TestFitSeparatesBlobsAndNoise(t *testing.T) {
	rows := append(blobs([2]float64{0, 0}, [2]float64{10, 10}), []float64{50, -50})

	model, err := cluster.Fit(matrix(rows), cluster.Params{MinClusterSize: 5, MinSamples: 3})
	require.NoError(t, err)
	require.Len(t, model.Labels, 13)

	first := assertSameLabel(t, model.Labels, 0, 6)
	second := assertSameLabel(t, model.Labels, 6, 12)
	assert.GreaterOrEqual(t, first, 0)
	assert.GreaterOrEqual(t, second, 0)
	assert.NotEqual(t, first, second)
	assert.Equal(t, cluster.Noise, model.Labels[12])
	assert.Equal(t, []int{0, 1}, model.Clusters())

	var strongest float64
	for i := 0; i < 12; i++ {
		assert.Greater(t, model.Probabilities[i], 0.0)
		assert.LessOrEqual(t, model.Probabilities[i], 1.0)
		strongest = max(strongest, model.Probabilities[i])
	}
	assert.Equal(t, 1.0, strongest)
	assert.Equal(t, 0.0, model.Probabilities[12])
}

func TestFitIsDeterministic(t *testing.T) {
	rows := append(blobs([2]float64{0, 0}, [2]float64{3, 0}, [2]float64{0, 3}), []float64{-20, 4})
	params := cluster.Params{MinClusterSize: 5, MinSamples: 2}

	first, err := cluster.Fit(matrix(rows), params)
	require.NoError(t, err)
	second, err := cluster.Fit(matrix(rows), params)
	require.NoError(t, err)

	assert.Equal(t, first.Labels, second.Labels)
	assert.Equal(t, first.Probabilities, second.Probabilities)
	assert.Len(t, first.Clusters(), 3)
}

func TestFitTooFewPointsIsAllNoise(t *testing.T) {
	rows := [][]float64{{0, 0}, {0, 1}, {1, 0}}

	model, err := cluster.Fit(matrix(rows), cluster.Params{MinClusterSize: 5})
	require.NoError(t, err)
	assert.Equal(t, []int{-1, -1, -1}, model.Labels)
	assert.Empty(t, model.Clusters())
}

func TestEpsilonMergesNearbyClusters(t *testing.T) {
	rows := blobs([2]float64{0, 0}, [2]float64{1, 0}, [2]float64{100, 100})

	model, err := cluster.Fit(matrix(rows), cluster.Params{MinClusterSize: 5, MinSamples: 3})
	require.NoError(t, err)
	assert.Len(t, model.Clusters(), 3)

	merged, err := cluster.Fit(matrix(rows), cluster.Params{MinClusterSize: 5, MinSamples: 3, Epsilon: 5})
	require.NoError(t, err)
	assert.Len(t, merged.Clusters(), 2)
	near := assertSameLabel(t, merged.Labels, 0, 12)
	far := assertSameLabel(t, merged.Labels, 12, 18)
	assert.NotEqual(t, near, far)
}

func TestWeightedMedoidIsMember(t *testing.T) {
	rows := append(blobs([2]float64{0, 0}, [2]float64{10, 10}), []float64{50, -50})
	data := matrix(rows)

	model, err := cluster.Fit(data, cluster.Params{MinClusterSize: 5, MinSamples: 3})
	require.NoError(t, err)

	for _, label := range model.Clusters() {
		row, err := model.WeightedMedoidRow(label)
		require.NoError(t, err)
		assert.Equal(t, label, model.Labels[row])

		medoid, err := model.WeightedMedoid(label)
		require.NoError(t, err)
		assert.Equal(t, rows[row], medoid)
	}

	_, err = model.WeightedMedoid(cluster.Noise)
	assert.Error(t, err)
	_, err = model.WeightedMedoid(7)
	assert.Error(t, err)
}

func TestFitValidatesParams(t *testing.T) {
	data := matrix([][]float64{{0, 0}})

	tests := []struct {
		name   string
		params cluster.Params
	}{
		{name: "cluster size too small", params: cluster.Params{MinClusterSize: 1}},
		{name: "negative samples", params: cluster.Params{MinClusterSize: 5, MinSamples: -1}},
		{name: "negative epsilon", params: cluster.Params{MinClusterSize: 5, Epsilon: -0.5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := cluster.Fit(data, tt.params)
			assert.Error(t, err)
		})
	}

	_, err := cluster.Fit(nil, cluster.Params{MinClusterSize: 5})
	assert.ErrorIs(t, err, cluster.ErrEmpty)
}

func TestSingleCluster(t *testing.T) {
	rows := blobs([2]float64{0, 0})

	model, err := cluster.Fit(matrix(rows), cluster.Params{MinClusterSize: 5, MinSamples: 3})
	require.NoError(t, err)
	assert.Empty(t, model.Clusters())

	model, err = cluster.Fit(matrix(rows), cluster.Params{MinClusterSize: 5, MinSamples: 3, AllowSingleCluster: true})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 0, 0, 0, 0, 0}, model.Labels)

	withOutlier := append(blobs([2]float64{0, 0}), []float64{40, 40})
	model, err = cluster.Fit(matrix(withOutlier), cluster.Params{MinClusterSize: 5, MinSamples: 3, AllowSingleCluster: true})
	require.NoError(t, err)
	assertSameLabel(t, model.Labels, 0, 6)
	assert.Equal(t, 0, model.Labels[0])
	assert.Equal(t, cluster.Noise, model.Labels[6])

	row, err := model.WeightedMedoidRow(0)
	require.NoError(t, err)
	assert.Less(t, row, 6)
}
