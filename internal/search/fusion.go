package search

import (
	"sort"

	"github.com/connexus-ai/ragcore/internal/metrics"
)

// RankedList is one sub-method's ordered results entering fusion
type RankedList struct {
	Method  Method
	Weight  float64
	Results []SearchResult
}

// FuseRRF combines ranked lists by weighted Reciprocal Rank Fusion:
// each chunk accumulates weight / (k + rank) per list it appears in.
// Weights multiply rank contributions, never raw scores, so differing
// score scales across methods cannot distort the fusion. Ties in the
// accumulated score break by higher dense score, then lower chunk id.
func FuseRRF(lists []RankedList, k, topK int) []SearchResult {
	metrics.FusionRuns.Inc()

	fused := make(map[string]*SearchResult)
	for _, list := range lists {
		for i, r := range list.Results {
			rank := i + 1
			contribution := list.Weight / float64(k+rank)

			entry, ok := fused[r.ChunkID]
			if !ok {
				entry = &SearchResult{
					ChunkID:  r.ChunkID,
					Content:  r.Content,
					Method:   MethodHybrid,
					Metadata: r.Metadata,
					RRFScore: floatPtr(0),
				}
				fused[r.ChunkID] = entry
			}
			*entry.RRFScore += contribution

			switch list.Method {
			case MethodDense:
				entry.DenseScore = floatPtr(r.Score)
			case MethodSparse:
				entry.SparseScore = floatPtr(r.Score)
			case MethodFuzzy:
				entry.FuzzyScore = floatPtr(r.Score)
			}
		}
	}

	out := make([]SearchResult, 0, len(fused))
	for _, entry := range fused {
		entry.Score = *entry.RRFScore
		out = append(out, *entry)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		di, dj := denseOrZero(out[i]), denseOrZero(out[j])
		if di != dj {
			return di > dj
		}
		return out[i].ChunkID < out[j].ChunkID
	})

	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	assignRanks(out)
	return out
}

func denseOrZero(r SearchResult) float64 {
	if r.DenseScore != nil {
		return *r.DenseScore
	}
	return 0
}
