package hnsw

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stratavec/strata/distance"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomVectors(n, dim int, seed int64) [][]float32 {
	r := rand.New(rand.NewSource(seed))
	vectors := make([][]float32, n)
	for i := range vectors {
		vectors[i] = make([]float32, dim)
		for j := range vectors[i] {
			vectors[i][j] = r.Float32()
		}
	}
	return vectors
}

func buildGraph(t *testing.T, vectors [][]float32) *Graph {
	t.Helper()
	g := New(len(vectors[0]), distance.SquaredL2)
	for i, v := range vectors {
		require.NoError(t, g.Insert(uint64(i), v))
	}
	return g
}

// bruteNearest returns the exact k nearest keys to q.
func bruteNearest(vectors [][]float32, q []float32, k int) map[uint64]struct{} {
	type hit struct {
		key  uint64
		dist float32
	}
	hits := make([]hit, len(vectors))
	for i, v := range vectors {
		hits[i] = hit{key: uint64(i), dist: distance.SquaredL2(q, v)}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].dist < hits[j].dist })
	exact := make(map[uint64]struct{}, k)
	for _, h := range hits[:k] {
		exact[h.key] = struct{}{}
	}
	return exact
}

func TestInsertDimensionMismatch(t *testing.T) {
	g := New(4, distance.SquaredL2)
	err := g.Insert(1, []float32{1, 2})
	var mismatch *ErrDimensionMismatch
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, 4, mismatch.Expected)
	assert.Equal(t, 2, mismatch.Actual)
}

func TestSearchEmptyGraph(t *testing.T) {
	g := New(4, distance.SquaredL2)
	results, err := g.Search([]float32{1, 2, 3, 4}, 5, 50, nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearchExactMatch(t *testing.T) {
	vectors := randomVectors(200, 8, 7)
	g := buildGraph(t, vectors)

	results, err := g.Search(vectors[42], 1, 50, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, uint64(42), results[0].Key)
	assert.Equal(t, float32(0), results[0].Distance)
}

func TestSearchResultsAscending(t *testing.T) {
	vectors := randomVectors(500, 8, 3)
	g := buildGraph(t, vectors)

	results, err := g.Search(randomVectors(1, 8, 99)[0], 10, 100, nil)
	require.NoError(t, err)
	require.Len(t, results, 10)
	for i := 1; i < len(results); i++ {
		assert.LessOrEqual(t, results[i-1].Distance, results[i].Distance)
	}
}

func TestRecallAgainstBruteForce(t *testing.T) {
	const (
		n   = 1000
		dim = 16
		k   = 5
	)
	vectors := randomVectors(n, dim, 11)
	g := buildGraph(t, vectors)

	queries := randomVectors(50, dim, 101)
	found, total := 0, 0
	for _, q := range queries {
		exact := bruteNearest(vectors, q, k)
		results, err := g.Search(q, k, 200, nil)
		require.NoError(t, err)
		total += k
		for _, r := range results {
			if _, ok := exact[r.Key]; ok {
				found++
			}
		}
	}

	recall := float64(found) / float64(total)
	assert.GreaterOrEqual(t, recall, 0.95, "recall@%d was %.3f", k, recall)
}

func TestSearchWithFilter(t *testing.T) {
	vectors := randomVectors(300, 8, 5)
	g := buildGraph(t, vectors)

	q := vectors[10]
	deleted := map[uint64]struct{}{10: {}, 11: {}}
	results, err := g.Search(q, 5, 100, func(key uint64) bool {
		_, dead := deleted[key]
		return !dead
	})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	for _, r := range results {
		assert.NotContains(t, deleted, r.Key)
	}
}

func TestCodecRoundTrip(t *testing.T) {
	vectors := randomVectors(200, 8, 13)
	g := buildGraph(t, vectors)

	data, err := g.Encode(distance.MetricL2)
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, g.Len(), decoded.Len())
	assert.Equal(t, g.Dim(), decoded.Dim())

	q := vectors[17]
	want, err := g.Search(q, 5, 100, nil)
	require.NoError(t, err)
	got, err := decoded.Search(q, 5, 100, nil)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestDeterministicBuild(t *testing.T) {
	vectors := randomVectors(100, 8, 17)
	a := buildGraph(t, vectors)
	b := buildGraph(t, vectors)

	da, err := a.Encode(distance.MetricL2)
	require.NoError(t, err)
	db, err := b.Encode(distance.MetricL2)
	require.NoError(t, err)
	assert.Equal(t, da, db, "same inputs and seed must build the same graph")
}

func TestMergeRecall(t *testing.T) {
	const (
		n   = 600
		dim = 16
		k   = 5
	)
	vectors := randomVectors(n, dim, 23)

	a := New(dim, distance.SquaredL2)
	b := New(dim, distance.SquaredL2, func(o *Options) { o.Seed = 2 })
	for i, v := range vectors {
		if i < n/2 {
			require.NoError(t, a.Insert(uint64(i), v))
		} else {
			require.NoError(t, b.Insert(uint64(i), v))
		}
	}

	merged, err := Merge(a, b, nil)
	require.NoError(t, err)
	assert.Equal(t, n, merged.Len())

	queries := randomVectors(30, dim, 201)
	found, total := 0, 0
	for _, q := range queries {
		exact := bruteNearest(vectors, q, k)
		results, err := merged.Search(q, k, 200, nil)
		require.NoError(t, err)
		total += k
		for _, r := range results {
			if _, ok := exact[r.Key]; ok {
				found++
			}
		}
	}
	recall := float64(found) / float64(total)
	assert.GreaterOrEqual(t, recall, 0.90, "post merge recall@%d was %.3f", k, recall)
}

func TestMergeSkipsDroppedKeys(t *testing.T) {
	vectors := randomVectors(100, 8, 29)
	a := New(8, distance.SquaredL2)
	b := New(8, distance.SquaredL2)
	for i, v := range vectors {
		if i < 80 {
			require.NoError(t, a.Insert(uint64(i), v))
		} else {
			require.NoError(t, b.Insert(uint64(i), v))
		}
	}

	merged, err := Merge(a, b, func(key uint64) bool { return key == 85 })
	require.NoError(t, err)
	assert.Equal(t, 99, merged.Len())
	for _, key := range merged.Keys() {
		assert.NotEqual(t, uint64(85), key)
	}
}

func TestMergeDimensionMismatch(t *testing.T) {
	a := New(4, distance.SquaredL2)
	b := New(8, distance.SquaredL2)
	_, err := Merge(a, b, nil)
	require.Error(t, err)
}
