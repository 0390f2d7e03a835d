package compaction

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/connexus-ai/ragcore/internal/cache"
)

// Stage percentages published at each transition
const (
	StagePreparing   = "preparing"    // 10%
	StageSnapshot    = "snapshotting" // 30%
	StageSummarizing = "summarizing"  // 60%
	StageWriting     = "writing"      // 85%
	StageDone        = "done"         // 100%
)

var stagePercents = map[string]int{
	StagePreparing:   10,
	StageSnapshot:    30,
	StageSummarizing: 60,
	StageWriting:     85,
	StageDone:        100,
}

// Progress is the payload published under progress:<conversation_id>
type Progress struct {
	Percent   int       `json:"percent"`
	Stage     string    `json:"stage"`
	UpdatedAt time.Time `json:"updated_at"`
}

// progressReporter publishes stage transitions to L1. Publication is
// best effort; a failed write never interrupts the compaction.
type progressReporter struct {
	l1             *cache.L1Cache
	conversationID string
	logger         *zap.Logger
}

func newProgressReporter(l1 *cache.L1Cache, conversationID string, logger *zap.Logger) *progressReporter {
	return &progressReporter{l1: l1, conversationID: conversationID, logger: logger}
}

func (p *progressReporter) publish(ctx context.Context, stage string) {
	if p.l1 == nil {
		return
	}
	raw, err := json.Marshal(Progress{
		Percent:   stagePercents[stage],
		Stage:     stage,
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		return
	}
	if err := p.l1.Set(ctx, cache.ProgressKey(p.conversationID), raw, 10*time.Minute); err != nil {
		p.logger.Debug("progress publish failed",
			zap.String("conversation_id", p.conversationID),
			zap.Error(err),
		)
	}
}

// ReadProgress returns the current progress for a conversation, ok=false
// when none is published.
func ReadProgress(ctx context.Context, l1 *cache.L1Cache, conversationID string) (Progress, bool) {
	var p Progress
	raw, ok := l1.Get(ctx, cache.ProgressKey(conversationID))
	if !ok {
		return p, false
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, false
	}
	return p, true
}
