package compaction

// Token accounting for conversation windows. Counts are deterministic:
// the same message always yields the same count, so budget checks and
// checkpoint totals agree across processes.

// modelContextLimits holds the hard context window per known model.
// Unknown models fall back to the configured default budget.
var modelContextLimits = map[string]int{
	"gpt-4o":            128000,
	"gpt-4o-mini":       128000,
	"claude-3-5-sonnet": 200000,
	"claude-3-5-haiku":  200000,
	"claude-3-opus":     200000,
}

// roleOverheads approximates the per-message framing cost by role
var roleOverheads = map[string]int{
	"system":    4,
	"user":      4,
	"assistant": 3,
}

// UsageStatus labels how full the window is for the UI
type UsageStatus string

const (
	StatusNormal   UsageStatus = "normal"   // < 70%
	StatusWarning  UsageStatus = "warning"  // 70-85%
	StatusCritical UsageStatus = "critical" // > 85%
)

// Counter produces deterministic token counts. Without a precise
// tokenizer it approximates at four characters per token, rounded up.
type Counter struct {
	model string
}

// NewCounter returns a counter for the given model
func NewCounter(model string) *Counter {
	return &Counter{model: model}
}

// CountText approximates tokens for raw text
func (c *Counter) CountText(text string) int {
	if len(text) == 0 {
		return 0
	}
	return (len(text) + 3) / 4
}

// CountMessage counts a message including its role overhead
func (c *Counter) CountMessage(role, content string) int {
	overhead, ok := roleOverheads[role]
	if !ok {
		overhead = 4
	}
	return c.CountText(content) + overhead
}

// ContextLimit returns the model's hard window, or fallback when unknown
func (c *Counter) ContextLimit(fallback int) int {
	if limit, ok := modelContextLimits[c.model]; ok {
		return limit
	}
	return fallback
}

// UsagePercent returns used tokens as a percent of the budget
func UsagePercent(used, budget int) float64 {
	if budget <= 0 {
		return 0
	}
	return float64(used) / float64(budget) * 100
}

// StatusFor maps a usage percent onto the UI label
func StatusFor(percent float64) UsageStatus {
	switch {
	case percent > 85:
		return StatusCritical
	case percent >= 70:
		return StatusWarning
	default:
		return StatusNormal
	}
}
