package compaction

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/connexus-ai/ragcore/internal/metrics"
	"github.com/connexus-ai/ragcore/internal/store"
)

// RecoveryOffer describes a checkpoint a client may restore after an
// abnormal close.
type RecoveryOffer struct {
	CheckpointID uuid.UUID `json:"checkpoint_id"`
	Label        string    `json:"label"`
	AutoTag      string    `json:"auto_tag,omitempty"`
	TokenCount   int       `json:"token_count"`
	CreatedAt    string    `json:"created_at"`
}

// OfferRecovery returns restorable abnormal-close checkpoints for a
// conversation, newest first. An empty slice means a clean last close.
func (c *Compactor) OfferRecovery(ctx context.Context, conversationID string) ([]RecoveryOffer, error) {
	cps, err := c.checkpoints.FindAbnormalClose(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	offers := make([]RecoveryOffer, 0, len(cps))
	for _, cp := range cps {
		offer := RecoveryOffer{
			CheckpointID: cp.ID,
			Label:        cp.Label,
			TokenCount:   cp.TokenCount,
			CreatedAt:    cp.CreatedAt.UTC().Format(time.RFC3339),
		}
		if cp.AutoTag.Valid {
			offer.AutoTag = cp.AutoTag.String
		}
		offers = append(offers, offer)
	}
	return offers, nil
}

// AcknowledgeRecovery clears a checkpoint's abnormal-close flag so the
// same crash is not offered twice.
func (c *Compactor) AcknowledgeRecovery(ctx context.Context, checkpointID uuid.UUID) error {
	return c.checkpoints.AcknowledgeAbnormalClose(ctx, checkpointID)
}

// Restore replaces a conversation's window with a checkpoint snapshot.
// It runs under the same per-conversation lock as compaction, so a
// restore never interleaves with a running compaction.
func (c *Compactor) Restore(ctx context.Context, conversationID string, checkpointID uuid.UUID) (Result, error) {
	acquired, err := c.acquireLock(ctx, conversationID)
	if err != nil || !acquired {
		metrics.CompactionLockContention.Inc()
		return Result{Success: false, Reason: "in_progress"}, nil
	}
	defer c.releaseLock(conversationID)

	cp, err := c.checkpoints.Get(ctx, checkpointID)
	if err != nil {
		return Result{}, fmt.Errorf("load checkpoint: %w", err)
	}
	if cp.ConversationID != conversationID {
		return Result{}, fmt.Errorf("checkpoint %s does not belong to conversation %s", checkpointID, conversationID)
	}

	payload, err := store.DecodePayload(cp.CheckpointData)
	if err != nil {
		return Result{}, err
	}

	cc, err := c.contexts.GetContext(ctx, conversationID)
	if err != nil {
		return Result{}, fmt.Errorf("load context: %w", err)
	}
	before, err := c.contexts.GetMessages(ctx, cc.ID)
	if err != nil {
		return Result{}, fmt.Errorf("snapshot current window: %w", err)
	}

	restored := make([]store.ContextMessage, len(payload.Messages))
	copy(restored, payload.Messages)
	for i := range restored {
		restored[i].ID = uuid.Nil
	}

	tokensAfter, err := c.contexts.ReplaceMessages(ctx, cc.ID, restored)
	if err != nil {
		return Result{}, fmt.Errorf("restore window: %w", err)
	}

	c.logger.Info("conversation restored from checkpoint",
		zap.String("conversation_id", conversationID),
		zap.String("checkpoint_id", checkpointID.String()),
		zap.Int("messages", len(restored)),
	)

	return Result{
		Success:        true,
		CheckpointID:   checkpointID,
		MessagesBefore: len(before),
		MessagesAfter:  len(restored),
		TokensBefore:   totalTokens(before),
		TokensAfter:    tokensAfter,
	}, nil
}
