package rerank

import (
	"math"
	"sort"
)

// NDCG computes Normalized Discounted Cumulative Gain at k over the
// given relevance scores in ranked order. Gain is 2^score - 1 with a
// log2(rank+1) discount; the ideal ordering normalizes to [0, 1].
func NDCG(scores []float64, k int) float64 {
	if len(scores) == 0 {
		return 0
	}
	if k <= 0 || k > len(scores) {
		k = len(scores)
	}

	dcg := dcgAt(scores, k)

	ideal := make([]float64, len(scores))
	copy(ideal, scores)
	sort.Sort(sort.Reverse(sort.Float64Slice(ideal)))
	idcg := dcgAt(ideal, k)

	if idcg == 0 {
		return 0
	}
	return dcg / idcg
}

func dcgAt(scores []float64, k int) float64 {
	var dcg float64
	for i := 0; i < k; i++ {
		gain := math.Pow(2, scores[i]) - 1
		discount := math.Log2(float64(i) + 2)
		dcg += gain / discount
	}
	return dcg
}
