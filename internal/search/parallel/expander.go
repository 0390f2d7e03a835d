package parallel

import (
	"container/list"
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/connexus-ai/ragcore/internal/config"
	"github.com/connexus-ai/ragcore/internal/llm"
	"github.com/connexus-ai/ragcore/internal/metrics"
)

// Expansion strategies. Each maps to a different instruction in the
// expansion prompt.
const (
	StrategySynonyms    = "synonyms"
	StrategyReformulate = "reformulate"
	StrategySpecific    = "specific"
	StrategyBroad       = "broad"
	StrategyBalanced    = "balanced"
	StrategyQuestion    = "question"
)

var strategyInstructions = map[string]string{
	StrategySynonyms:    "Rewrite the query using synonyms and closely related terms.",
	StrategyReformulate: "Reformulate the query with different phrasing while keeping the same intent.",
	StrategySpecific:    "Make the query more specific and detailed.",
	StrategyBroad:       "Generalize the query to cover broader related topics.",
	StrategyBalanced:    "Produce a balanced mix of synonym, broader, and more specific rewrites.",
	StrategyQuestion:    "Rephrase the query as natural-language questions.",
}

// ValidStrategy reports whether s is a known expansion strategy
func ValidStrategy(s string) bool {
	_, ok := strategyInstructions[s]
	return ok
}

// Expansion is the outcome of one expand call
type Expansion struct {
	Original   string   `json:"original"`
	Variations []string `json:"variations"`
	TokensUsed int      `json:"tokens_used"`
	FromCache  bool     `json:"from_cache"`
}

// Completer is the LLM contract for expansion
type Completer interface {
	Complete(ctx context.Context, messages []llm.Message, opts llm.CompleteOpts) (*llm.Result, error)
}

// Expander generates query variations through an LLM, memoizing results
// in-process. The cache key includes the prompt version so variations
// regenerate when the prompt changes rather than drifting stale.
type Expander struct {
	cfg    config.ParallelConfig
	llm    Completer
	logger *zap.Logger

	mu    sync.Mutex
	cache map[string]*list.Element
	order *list.List // front = most recent
}

type expCacheEntry struct {
	key        string
	variations []string
}

// NewExpander builds a query expander over the given LLM client
func NewExpander(cfg config.ParallelConfig, llmClient Completer, logger *zap.Logger) *Expander {
	if cfg.ExpansionCacheSize <= 0 {
		cfg.ExpansionCacheSize = 1024
	}
	return &Expander{
		cfg:    cfg,
		llm:    llmClient,
		logger: logger,
		cache:  make(map[string]*list.Element),
		order:  list.New(),
	}
}

func (e *Expander) cacheKey(query string, n int, strategy string) string {
	return fmt.Sprintf("%s|%d|%s|%s", query, n, strategy, e.cfg.PromptVersion)
}

// Expand returns up to n variations of query under the given strategy.
// Expansion never fails the caller: on LLM error or a too-short query,
// the result contains no variations and the search proceeds with the
// original alone.
func (e *Expander) Expand(ctx context.Context, query string, n int, strategy string) Expansion {
	out := Expansion{Original: query}

	if n <= 0 {
		n = e.cfg.NumVariations
	}
	if strategy == "" {
		strategy = e.cfg.Strategy
	}
	if !ValidStrategy(strategy) {
		e.logger.Warn("unknown expansion strategy, using balanced",
			zap.String("strategy", strategy),
		)
		strategy = StrategyBalanced
	}

	if len(strings.TrimSpace(query)) < e.cfg.MinQueryLength {
		metrics.ExpansionRequests.WithLabelValues("skipped").Inc()
		return out
	}

	key := e.cacheKey(query, n, strategy)
	if vars, ok := e.cacheGet(key); ok {
		metrics.ExpansionRequests.WithLabelValues("cached").Inc()
		out.Variations = vars
		out.FromCache = true
		return out
	}

	res, err := e.llm.Complete(ctx, []llm.Message{
		{Role: "system", Content: "You expand search queries. Output one variation per line with no numbering or commentary."},
		{Role: "user", Content: fmt.Sprintf("%s\n\nGenerate %d variations of this search query:\n%s", strategyInstructions[strategy], n, query)},
	}, llm.CompleteOpts{
		Model:       e.cfg.ExpansionModel,
		Timeout:     e.cfg.ExpansionTimeout,
		Temperature: 0.7,
		Purpose:     "expansion",
	})
	if err != nil {
		e.logger.Warn("query expansion failed, continuing with original only",
			zap.Error(err),
		)
		metrics.ExpansionRequests.WithLabelValues("error").Inc()
		return out
	}

	out.Variations = ParseVariations(res.Content, query, n)
	out.TokensUsed = res.TokensUsed
	metrics.ExpansionRequests.WithLabelValues("ok").Inc()
	metrics.ExpansionTokens.Add(float64(res.TokensUsed))

	e.cachePut(key, out.Variations)
	return out
}

// ParseVariations extracts variations from an LLM reply line by line,
// stripping numbering, bullets, and surrounding quotes. The original
// query and duplicates are dropped; at most n survive.
func ParseVariations(reply, original string, n int) []string {
	seen := map[string]bool{strings.ToLower(strings.TrimSpace(original)): true}
	var out []string

	for _, line := range strings.Split(reply, "\n") {
		v := cleanVariationLine(line)
		if v == "" {
			continue
		}
		lower := strings.ToLower(v)
		if seen[lower] {
			continue
		}
		seen[lower] = true
		out = append(out, v)
		if len(out) >= n {
			break
		}
	}
	return out
}

func cleanVariationLine(line string) string {
	v := strings.TrimSpace(line)
	// Leading bullets and enumeration: "1.", "2)", "- ", "* ", "• "
	v = strings.TrimLeft(v, "-*•")
	v = strings.TrimSpace(v)
	for i := 0; i < len(v); i++ {
		c := v[i]
		if c >= '0' && c <= '9' {
			continue
		}
		if (c == '.' || c == ')') && i > 0 {
			v = strings.TrimSpace(v[i+1:])
		}
		break
	}
	v = strings.Trim(v, `"'`)
	return strings.TrimSpace(v)
}

func (e *Expander) cacheGet(key string) ([]string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if el, ok := e.cache[key]; ok {
		e.order.MoveToFront(el)
		return el.Value.(expCacheEntry).variations, true
	}
	return nil, false
}

func (e *Expander) cachePut(key string, variations []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if el, ok := e.cache[key]; ok {
		el.Value = expCacheEntry{key: key, variations: variations}
		e.order.MoveToFront(el)
		return
	}
	el := e.order.PushFront(expCacheEntry{key: key, variations: variations})
	e.cache[key] = el
	if e.order.Len() > e.cfg.ExpansionCacheSize {
		oldest := e.order.Back()
		if oldest != nil {
			delete(e.cache, oldest.Value.(expCacheEntry).key)
			e.order.Remove(oldest)
		}
	}
}
