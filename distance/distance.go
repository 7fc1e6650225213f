package distance

import (
	"fmt"
	"math"
)

// Func computes the distance between two vectors of equal length.
// Lower is closer for every metric exposed by this package.
type Func func(a, b []float32) float32

// SquaredL2 calculates the squared L2 (Euclidean) distance between two vectors.
func SquaredL2(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

// Dot calculates the dot product of two vectors.
func Dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// NegativeDot returns the negated dot product, so that larger inner
// products sort as smaller distances.
func NegativeDot(a, b []float32) float32 {
	return -Dot(a, b)
}

// CosineDistance returns 1 - cosine similarity. Callers searching
// normalized vectors should prefer NegativeDot on pre-normalized input.
func CosineDistance(a, b []float32) float32 {
	var dot, na, nb float32
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/float32(math.Sqrt(float64(na)*float64(nb)))
}

// Metric represents the distance metric used for vector comparison.
type Metric int

const (
	MetricL2 Metric = iota
	MetricCosine
	MetricDot
)

func (m Metric) String() string {
	switch m {
	case MetricL2:
		return "l2"
	case MetricCosine:
		return "cosine"
	case MetricDot:
		return "dot"
	default:
		return fmt.Sprintf("metric(%d)", int(m))
	}
}

// ParseMetric parses the string form produced by Metric.String.
func ParseMetric(s string) (Metric, error) {
	switch s {
	case "l2":
		return MetricL2, nil
	case "cosine":
		return MetricCosine, nil
	case "dot":
		return MetricDot, nil
	default:
		return 0, fmt.Errorf("unknown distance metric %q", s)
	}
}

// By returns the distance function for a metric.
func By(m Metric) Func {
	switch m {
	case MetricCosine:
		return CosineDistance
	case MetricDot:
		return NegativeDot
	default:
		return SquaredL2
	}
}
