package llm

import "math"

// CosineSimilarity computes similarity between two embeddings (-1 to 1).
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Normalize scales v to unit length in place and returns it. Zero vectors
// are returned unchanged.
func Normalize(v []float32) []float32 {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		return v
	}
	norm = math.Sqrt(norm)
	for i, x := range v {
		v[i] = float32(float64(x) / norm)
	}
	return v
}

// Norm returns the L2 norm of v.
func Norm(v []float32) float64 {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	return math.Sqrt(norm)
}

// RollingMean folds a new embedding into a count-weighted running average.
// count is the number of embeddings already folded into current. The result
// is re-normalized to unit length.
func RollingMean(current, next []float32, count int) []float32 {
	if len(current) == 0 || count <= 0 {
		out := make([]float32, len(next))
		copy(out, next)
		return Normalize(out)
	}
	if len(next) == 0 || len(current) != len(next) {
		return current
	}

	n := float64(count)
	out := make([]float32, len(current))
	for i := range current {
		out[i] = float32((float64(current[i])*n + float64(next[i])) / (n + 1))
	}
	return Normalize(out)
}

// EWMA updates an exponentially weighted moving average:
// alpha*next + (1-alpha)*current.
func EWMA(current, next, alpha float64) float64 {
	return alpha*next + (1-alpha)*current
}
