package search

// Method selects the retrieval strategy for a search
type Method string

const (
	MethodDense     Method = "dense"
	MethodSparse    Method = "sparse"
	MethodFuzzy     Method = "fuzzy"
	MethodILike     Method = "ilike"
	MethodHybrid    Method = "hybrid"
	MethodHybridRPC Method = "hybrid_rpc"
	MethodParallel  Method = "parallel_aggregated"
)

// Valid reports whether m is a caller-selectable method
func (m Method) Valid() bool {
	switch m {
	case MethodDense, MethodSparse, MethodFuzzy, MethodILike, MethodHybrid, MethodHybridRPC:
		return true
	}
	return false
}

// SearchResult is one retrieval hit. Within a returned list, Rank values
// are a contiguous 1..N sequence in descending Score order. The four
// per-method sub-scores are preserved for diagnostics.
type SearchResult struct {
	ChunkID  string                 `json:"chunk_id"`
	Content  string                 `json:"content"`
	Score    float64                `json:"score"`
	Rank     int                    `json:"rank"`
	Method   Method                 `json:"method"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	DenseScore  *float64 `json:"dense_score,omitempty"`
	SparseScore *float64 `json:"sparse_score,omitempty"`
	FuzzyScore  *float64 `json:"fuzzy_score,omitempty"`
	RRFScore    *float64 `json:"rrf_score,omitempty"`
}

// Request carries one search invocation
type Request struct {
	Query          string                 `json:"query"`
	Method         Method                 `json:"method,omitempty"`
	Namespace      string                 `json:"namespace,omitempty"`
	MetadataFilter map[string]interface{} `json:"metadata_filter,omitempty"`
	TopK           int                    `json:"top_k,omitempty"`
	Rerank         bool                   `json:"rerank,omitempty"`
}

func floatPtr(v float64) *float64 { return &v }

// assignRanks renumbers a sorted list with contiguous 1-based ranks
func assignRanks(results []SearchResult) {
	for i := range results {
		results[i].Rank = i + 1
	}
}
