package search

import (
	"math"
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"
)

// Client-side scorers used when the server-side search functions are
// unavailable. They trade quality for availability: the BM25 variant
// omits IDF and assumes a fixed average document length, so its score
// scale drifts from the server path.

const (
	bm25K1        = 1.5
	bm25B         = 0.75
	bm25AvgDocLen = 500
)

// ScoreBM25 computes a simplified BM25 score of query against content
func ScoreBM25(query, content string) float64 {
	queryTerms := tokenize(query)
	if len(queryTerms) == 0 {
		return 0
	}
	docTerms := tokenize(content)
	docLen := float64(len(docTerms))
	if docLen == 0 {
		return 0
	}

	tf := make(map[string]float64, len(docTerms))
	for _, t := range docTerms {
		tf[t]++
	}

	var score float64
	lenNorm := 1 - bm25B + bm25B*docLen/bm25AvgDocLen
	for _, term := range queryTerms {
		f := tf[term]
		if f == 0 {
			continue
		}
		score += f * (bm25K1 + 1) / (f + bm25K1*lenNorm)
	}
	return score
}

// FallbackBM25 ranks candidate chunks with the simplified scorer,
// dropping zero scores, and returns the top limit results.
func FallbackBM25(query string, candidates []SearchResult, limit int) []SearchResult {
	scored := make([]SearchResult, 0, len(candidates))
	for _, c := range candidates {
		s := ScoreBM25(query, c.Content)
		if s <= 0 {
			continue
		}
		c.Score = s
		c.SparseScore = floatPtr(s)
		c.Method = MethodSparse
		scored = append(scored, c)
	}
	sortStable(scored)
	if limit > 0 && len(scored) > limit {
		scored = scored[:limit]
	}
	assignRanks(scored)
	return scored
}

// FuzzyRatio scores query against content in [0, 1] with a tokenized
// edit-distance ratio: the best per-token levenshtein similarity,
// averaged over query tokens.
func FuzzyRatio(query, content string) float64 {
	queryTerms := tokenize(query)
	docTerms := tokenize(content)
	if len(queryTerms) == 0 || len(docTerms) == 0 {
		return 0
	}

	var total float64
	for _, qt := range queryTerms {
		best := 0.0
		for _, dt := range docTerms {
			d := levenshtein.ComputeDistance(qt, dt)
			maxLen := math.Max(float64(len(qt)), float64(len(dt)))
			if maxLen == 0 {
				continue
			}
			sim := 1 - float64(d)/maxLen
			if sim > best {
				best = sim
			}
		}
		total += best
	}
	return total / float64(len(queryTerms))
}

// FallbackFuzzy pre-filters candidates by case-insensitive substring
// match on any query token, then ranks by edit-distance ratio and drops
// scores below minSimilarity.
func FallbackFuzzy(query string, candidates []SearchResult, minSimilarity float64, limit int) []SearchResult {
	queryTerms := tokenize(query)

	scored := make([]SearchResult, 0, len(candidates))
	for _, c := range candidates {
		lower := strings.ToLower(c.Content)
		match := false
		for _, t := range queryTerms {
			if strings.Contains(lower, t) {
				match = true
				break
			}
		}
		if !match {
			continue
		}
		s := FuzzyRatio(query, c.Content)
		if s < minSimilarity {
			continue
		}
		c.Score = s
		c.FuzzyScore = floatPtr(s)
		c.Method = MethodFuzzy
		scored = append(scored, c)
	}
	sortStable(scored)
	if limit > 0 && len(scored) > limit {
		scored = scored[:limit]
	}
	assignRanks(scored)
	return scored
}

func sortStable(results []SearchResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ChunkID < results[j].ChunkID
	})
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
	return fields
}
