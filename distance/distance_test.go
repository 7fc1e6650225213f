package distance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricStringRoundTrip(t *testing.T) {
	for _, m := range []Metric{MetricL2, MetricCosine, MetricDot} {
		got, err := ParseMetric(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}

	_, err := ParseMetric("hamming")
	assert.Error(t, err)
}

func TestByLowerIsCloser(t *testing.T) {
	a := []float32{1, 0}
	b := []float32{0, 1}

	for _, m := range []Metric{MetricL2, MetricCosine, MetricDot} {
		df := By(m)
		assert.Less(t, df(a, a), df(a, b), m.String())
	}
}

func TestSquaredL2(t *testing.T) {
	assert.InDelta(t, 25.0, SquaredL2([]float32{0, 3}, []float32{4, 0}), 1e-6)
}

func TestCosineDistanceRange(t *testing.T) {
	assert.InDelta(t, 0.0, CosineDistance([]float32{2, 0}, []float32{5, 0}), 1e-6)
	assert.InDelta(t, 1.0, CosineDistance([]float32{1, 0}, []float32{0, 1}), 1e-6)
	assert.InDelta(t, 2.0, CosineDistance([]float32{1, 0}, []float32{-1, 0}), 1e-6)
}
