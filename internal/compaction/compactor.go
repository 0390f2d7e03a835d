package compaction

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/connexus-ai/ragcore/internal/cache"
	"github.com/connexus-ai/ragcore/internal/config"
	"github.com/connexus-ai/ragcore/internal/llm"
	"github.com/connexus-ai/ragcore/internal/metrics"
	"github.com/connexus-ai/ragcore/internal/store"
)

// summarySystemPrompt is the canonical instruction for compaction
// summaries. It mandates preservation of the content classes a resumed
// conversation cannot do without.
const summarySystemPrompt = `You summarize older conversation history so the chat can continue within its token budget. Preserve exactly: code snippets, decisions made, unresolved errors, file paths, and milestones. Write one dense assistant message. Do not invent content.`

// ContextRepo is the conversation storage contract, implemented by
// store.ContextStore.
type ContextRepo interface {
	GetContext(ctx context.Context, conversationID string) (*store.ConversationContext, error)
	GetMessages(ctx context.Context, contextID uuid.UUID) ([]store.ContextMessage, error)
	ReplaceMessages(ctx context.Context, contextID uuid.UUID, messages []store.ContextMessage) (int, error)
	MarkCompacted(ctx context.Context, contextID uuid.UUID) error
}

// CheckpointRepo is the snapshot storage contract, implemented by
// store.CheckpointStore.
type CheckpointRepo interface {
	Create(ctx context.Context, cp *store.SessionCheckpoint) error
	Get(ctx context.Context, id uuid.UUID) (*store.SessionCheckpoint, error)
	FindAbnormalClose(ctx context.Context, conversationID string) ([]store.SessionCheckpoint, error)
	AcknowledgeAbnormalClose(ctx context.Context, id uuid.UUID) error
}

// Completer is the LLM contract for summary generation
type Completer interface {
	Complete(ctx context.Context, messages []llm.Message, opts llm.CompleteOpts) (*llm.Result, error)
}

// Result reports one compaction attempt. A failed attempt leaves the
// conversation untouched.
type Result struct {
	Success        bool      `json:"success"`
	Reason         string    `json:"reason,omitempty"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	CheckpointID   uuid.UUID `json:"checkpoint_id,omitempty"`
	MessagesBefore int       `json:"messages_before"`
	MessagesAfter  int       `json:"messages_after"`
	TokensBefore   int       `json:"tokens_before"`
	TokensAfter    int       `json:"tokens_after"`
	TokensSaved    int       `json:"tokens_saved"`
	DurationMS     int64     `json:"duration_ms"`
}

// WindowStatus is the UI-facing view of a conversation's token budget
type WindowStatus struct {
	ConversationID string      `json:"conversation_id"`
	TotalTokens    int         `json:"total_tokens"`
	MaxTokens      int         `json:"max_tokens"`
	UsagePercent   float64     `json:"usage_percent"`
	Status         UsageStatus `json:"status"`
	MessageCount   int         `json:"message_count"`
	CompactionBusy bool        `json:"compaction_busy"`
}

// Compactor summarizes older conversation history under a distributed
// lock. Per conversation, compactions serialize through the lock; the
// TTL bounds hold time if a holder crashes.
type Compactor struct {
	contexts    ContextRepo
	checkpoints CheckpointRepo
	l1          *cache.L1Cache
	llm         Completer
	counter     *Counter
	cfg         config.CompactionConfig
	logger      *zap.Logger
}

// NewCompactor builds the context compactor
func NewCompactor(contexts ContextRepo, checkpoints CheckpointRepo, l1 *cache.L1Cache, llmClient Completer, cfg config.CompactionConfig, logger *zap.Logger) *Compactor {
	return &Compactor{
		contexts:    contexts,
		checkpoints: checkpoints,
		l1:          l1,
		llm:         llmClient,
		counter:     NewCounter(cfg.SummaryModel),
		cfg:         cfg,
		logger:      logger,
	}
}

// ShouldCompact reports whether a compaction should run now. All four
// conditions must hold: over threshold, lock free, cooldown elapsed,
// and enough messages to be worth summarizing.
func (c *Compactor) ShouldCompact(ctx context.Context, conversationID string) (bool, string) {
	cc, err := c.contexts.GetContext(ctx, conversationID)
	if err != nil {
		return false, "context_not_found"
	}

	threshold := cc.MaxTokens * cc.ThresholdPercent / 100
	if cc.TotalTokens < threshold {
		return false, "below_threshold"
	}

	if c.lockHeld(ctx, conversationID) {
		return false, "in_progress"
	}

	if cc.LastCompactionAt.Valid {
		cooldown := time.Duration(c.cfg.CooldownSeconds) * time.Second
		if time.Since(cc.LastCompactionAt.Time) < cooldown {
			return false, "cooldown"
		}
	}

	msgs, err := c.contexts.GetMessages(ctx, cc.ID)
	if err != nil {
		return false, "context_not_found"
	}
	if len(msgs) < c.cfg.MinMessages {
		return false, "too_few_messages"
	}

	return true, ""
}

// Compact runs the full compaction pipeline for a conversation. The
// lock is released on every exit path; a failure before the replace
// step leaves the window untouched.
func (c *Compactor) Compact(ctx context.Context, conversationID, userID, trigger string) Result {
	start := time.Now()

	acquired, err := c.acquireLock(ctx, conversationID)
	if err != nil || !acquired {
		metrics.CompactionLockContention.Inc()
		metrics.RecordCompactionMetrics(trigger, "locked", 0, 0)
		return Result{Success: false, Reason: "in_progress"}
	}
	defer c.releaseLock(conversationID)

	progress := newProgressReporter(c.l1, conversationID, c.logger)
	progress.publish(ctx, StagePreparing)

	res := c.compactLocked(ctx, conversationID, userID, trigger, progress)
	res.DurationMS = time.Since(start).Milliseconds()

	status := "ok"
	if !res.Success {
		status = "error"
	}
	metrics.RecordCompactionMetrics(trigger, status, time.Since(start).Seconds(), res.TokensSaved)

	if res.Success {
		progress.publish(ctx, StageDone)
	}
	return res
}

func (c *Compactor) compactLocked(ctx context.Context, conversationID, userID, trigger string, progress *progressReporter) Result {
	cc, err := c.contexts.GetContext(ctx, conversationID)
	if err != nil {
		return failure("context_not_found", err)
	}

	progress.publish(ctx, StageSnapshot)
	messages, err := c.contexts.GetMessages(ctx, cc.ID)
	if err != nil {
		return failure("snapshot_failed", err)
	}
	tokensBefore := totalTokens(messages)

	checkpointID, err := c.createCheckpoint(ctx, cc, messages, userID, "pre_compaction")
	if err != nil {
		return failure("checkpoint_failed", err)
	}

	part := PartitionMessages(messages, c.cfg.PreserveRecent)
	if len(part.Summarizable) == 0 {
		return Result{
			Success:        false,
			Reason:         "nothing_to_summarize",
			CheckpointID:   checkpointID,
			MessagesBefore: len(messages),
			MessagesAfter:  len(messages),
			TokensBefore:   tokensBefore,
			TokensAfter:    tokensBefore,
		}
	}

	progress.publish(ctx, StageSummarizing)
	summary, err := c.summarize(ctx, part.Summarizable)
	if err != nil {
		return failure("summarization_failed", err)
	}

	newWindow := c.assembleWindow(messages, part, summary)

	progress.publish(ctx, StageWriting)
	tokensAfter, err := c.contexts.ReplaceMessages(ctx, cc.ID, newWindow)
	if err != nil {
		return failure("write_failed", err)
	}
	if err := c.contexts.MarkCompacted(ctx, cc.ID); err != nil {
		c.logger.Warn("failed to stamp last_compaction_at",
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
	}

	c.logger.Info("conversation compacted",
		zap.String("conversation_id", conversationID),
		zap.String("trigger", trigger),
		zap.Int("messages_before", len(messages)),
		zap.Int("messages_after", len(newWindow)),
		zap.Int("tokens_saved", tokensBefore-tokensAfter),
	)

	return Result{
		Success:        true,
		CheckpointID:   checkpointID,
		MessagesBefore: len(messages),
		MessagesAfter:  len(newWindow),
		TokensBefore:   tokensBefore,
		TokensAfter:    tokensAfter,
		TokensSaved:    tokensBefore - tokensAfter,
	}
}

// assembleWindow builds the post-compaction message list: protected and
// recent messages keep their relative order, and the summary takes the
// slot of the first summarizable message. Positions are assigned by the
// storage layer as a fresh contiguous sequence.
func (c *Compactor) assembleWindow(original []store.ContextMessage, part Partition, summary store.ContextMessage) []store.ContextMessage {
	keep := make(map[uuid.UUID]bool, len(part.Protected)+len(part.Recent))
	for _, m := range part.Protected {
		keep[m.ID] = true
	}
	for _, m := range part.Recent {
		keep[m.ID] = true
	}

	summaryIndex := len(original)
	summarizable := make(map[uuid.UUID]bool, len(part.Summarizable))
	for _, m := range part.Summarizable {
		summarizable[m.ID] = true
	}
	for i, m := range original {
		if summarizable[m.ID] {
			summaryIndex = i
			break
		}
	}

	type slot struct {
		index int
		msg   store.ContextMessage
	}
	slots := make([]slot, 0, len(original))
	for i, m := range original {
		if keep[m.ID] {
			m.ID = uuid.Nil // fresh ids on insert
			slots = append(slots, slot{index: i, msg: m})
		}
	}
	slots = append(slots, slot{index: summaryIndex, msg: summary})

	sort.SliceStable(slots, func(i, j int) bool { return slots[i].index < slots[j].index })

	out := make([]store.ContextMessage, len(slots))
	for i, s := range slots {
		out[i] = s.msg
	}
	return out
}

// summarize turns the summarizable partition into one assistant message
func (c *Compactor) summarize(ctx context.Context, messages []store.ContextMessage) (store.ContextMessage, error) {
	var sb strings.Builder
	for _, m := range messages {
		fmt.Fprintf(&sb, "%s: %s\n", m.Role, m.Content)
	}

	res, err := c.llm.Complete(ctx, []llm.Message{
		{Role: "system", Content: summarySystemPrompt},
		{Role: "user", Content: sb.String()},
	}, llm.CompleteOpts{
		Model:   c.cfg.SummaryModel,
		Timeout: c.cfg.SummaryTimeout,
		Purpose: "summary",
	})
	if err != nil {
		return store.ContextMessage{}, err
	}

	return store.ContextMessage{
		Role:       "assistant",
		Content:    res.Content,
		TokenCount: c.counter.CountMessage("assistant", res.Content),
	}, nil
}

// createCheckpoint snapshots the full window before compaction
func (c *Compactor) createCheckpoint(ctx context.Context, cc *store.ConversationContext, messages []store.ContextMessage, userID, trigger string) (uuid.UUID, error) {
	payload, err := store.EncodePayload(store.CheckpointPayload{
		Messages:    messages,
		TotalTokens: totalTokens(messages),
		Metadata:    map[string]interface{}{"trigger": trigger},
	})
	if err != nil {
		return uuid.Nil, err
	}

	cp := &store.SessionCheckpoint{
		ID:             uuid.New(),
		ConversationID: cc.ConversationID,
		UserID:         userID,
		CheckpointData: payload,
		TokenCount:     totalTokens(messages),
		Label:          trigger,
	}
	if tag := DetectAutoTag(messages); tag != "" {
		cp.AutoTag.String = tag
		cp.AutoTag.Valid = true
	}

	if err := c.checkpoints.Create(ctx, cp); err != nil {
		return uuid.Nil, err
	}
	metrics.CheckpointsCreated.WithLabelValues(trigger).Inc()

	if c.l1 != nil {
		stamp := []byte(time.Now().UTC().Format(time.RFC3339))
		_ = c.l1.Set(ctx, cache.LastCheckpointKey(cc.ConversationID), stamp, 24*time.Hour)
	}
	return cp.ID, nil
}

// Status returns the token budget view for a conversation
func (c *Compactor) Status(ctx context.Context, conversationID string) (*WindowStatus, error) {
	cc, err := c.contexts.GetContext(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	msgs, err := c.contexts.GetMessages(ctx, cc.ID)
	if err != nil {
		return nil, err
	}

	percent := UsagePercent(cc.TotalTokens, cc.MaxTokens)
	return &WindowStatus{
		ConversationID: conversationID,
		TotalTokens:    cc.TotalTokens,
		MaxTokens:      cc.MaxTokens,
		UsagePercent:   percent,
		Status:         StatusFor(percent),
		MessageCount:   len(msgs),
		CompactionBusy: c.lockHeld(ctx, conversationID),
	}, nil
}

func (c *Compactor) acquireLock(ctx context.Context, conversationID string) (bool, error) {
	if c.l1 == nil {
		return true, nil
	}
	stamp := []byte(time.Now().UTC().Format(time.RFC3339))
	return c.l1.SetNX(ctx, cache.CompactionLockKey(conversationID), stamp, c.cfg.LockTTL)
}

func (c *Compactor) releaseLock(conversationID string) {
	if c.l1 == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.l1.Delete(ctx, cache.CompactionLockKey(conversationID)); err != nil {
		c.logger.Warn("compaction lock release failed, TTL will expire it",
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
	}
}

func (c *Compactor) lockHeld(ctx context.Context, conversationID string) bool {
	if c.l1 == nil {
		return false
	}
	_, held := c.l1.Get(ctx, cache.CompactionLockKey(conversationID))
	return held
}

func totalTokens(messages []store.ContextMessage) int {
	total := 0
	for _, m := range messages {
		total += m.TokenCount
	}
	return total
}

func failure(reason string, err error) Result {
	return Result{Success: false, Reason: reason, ErrorMessage: err.Error()}
}
