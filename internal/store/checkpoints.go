package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/connexus-ai/ragcore/internal/metrics"
)

// CheckpointStore manages durable conversation snapshots
type CheckpointStore struct {
	client      *Client
	maxPerConvo int
	expiryDays  int
	logger      *zap.Logger
}

// NewCheckpointStore returns the checkpoint layer with its retention policy
func NewCheckpointStore(client *Client, maxPerConvo, expiryDays int, logger *zap.Logger) *CheckpointStore {
	if maxPerConvo <= 0 {
		maxPerConvo = 50
	}
	if expiryDays <= 0 {
		expiryDays = 30
	}
	return &CheckpointStore{
		client:      client,
		maxPerConvo: maxPerConvo,
		expiryDays:  expiryDays,
		logger:      logger,
	}
}

// Create stores a checkpoint, then prunes the conversation past the
// per-conversation cap, oldest first.
func (s *CheckpointStore) Create(ctx context.Context, cp *SessionCheckpoint) error {
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}
	if cp.ExpiresAt.IsZero() {
		cp.ExpiresAt = time.Now().AddDate(0, 0, s.expiryDays)
	}

	_, err := s.client.db.ExecContext(ctx,
		`INSERT INTO session_checkpoints
		   (id, conversation_id, user_id, checkpoint_data, token_count,
		    label, auto_tag, is_abnormal_close, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), $9)`,
		cp.ID, cp.ConversationID, cp.UserID, cp.CheckpointData, cp.TokenCount,
		cp.Label, cp.AutoTag, cp.IsAbnormalClose, cp.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("create checkpoint: %w", err)
	}

	if err := s.pruneOverCap(ctx, cp.ConversationID); err != nil {
		s.logger.Warn("checkpoint cap pruning failed",
			zap.String("conversation_id", cp.ConversationID),
			zap.Error(err),
		)
	}
	return nil
}

// pruneOverCap deletes the oldest checkpoints beyond the per-conversation cap
func (s *CheckpointStore) pruneOverCap(ctx context.Context, conversationID string) error {
	res, err := s.client.db.ExecContext(ctx,
		`DELETE FROM session_checkpoints
		 WHERE id IN (
		   SELECT id FROM session_checkpoints
		   WHERE conversation_id = $1
		   ORDER BY created_at DESC
		   OFFSET $2
		 )`,
		conversationID, s.maxPerConvo,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		metrics.CheckpointsPruned.Add(float64(n))
	}
	return nil
}

// Get loads a single checkpoint by id
func (s *CheckpointStore) Get(ctx context.Context, id uuid.UUID) (*SessionCheckpoint, error) {
	var cp SessionCheckpoint
	err := s.client.db.GetContext(ctx, &cp,
		`SELECT id, conversation_id, user_id, checkpoint_data, token_count,
		        label, auto_tag, is_abnormal_close, created_at, expires_at
		 FROM session_checkpoints WHERE id = $1`,
		id,
	)
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

// List returns a conversation's live checkpoints newest first, without
// the payload column so listings stay cheap.
func (s *CheckpointStore) List(ctx context.Context, conversationID string) ([]SessionCheckpoint, error) {
	var cps []SessionCheckpoint
	err := s.client.db.SelectContext(ctx, &cps,
		`SELECT id, conversation_id, user_id, '{}'::jsonb AS checkpoint_data, token_count,
		        label, auto_tag, is_abnormal_close, created_at, expires_at
		 FROM session_checkpoints
		 WHERE conversation_id = $1 AND expires_at > NOW()
		 ORDER BY created_at DESC`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	return cps, nil
}

// FindAbnormalClose returns checkpoints flagged as abnormal closes, used
// at startup to offer crash recovery.
func (s *CheckpointStore) FindAbnormalClose(ctx context.Context, conversationID string) ([]SessionCheckpoint, error) {
	var cps []SessionCheckpoint
	err := s.client.db.SelectContext(ctx, &cps,
		`SELECT id, conversation_id, user_id, checkpoint_data, token_count,
		        label, auto_tag, is_abnormal_close, created_at, expires_at
		 FROM session_checkpoints
		 WHERE conversation_id = $1 AND is_abnormal_close = TRUE AND expires_at > NOW()
		 ORDER BY created_at DESC`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("find abnormal close: %w", err)
	}
	return cps, nil
}

// AcknowledgeAbnormalClose flips the flag off after recovery is offered
func (s *CheckpointStore) AcknowledgeAbnormalClose(ctx context.Context, id uuid.UUID) error {
	_, err := s.client.db.ExecContext(ctx,
		`UPDATE session_checkpoints SET is_abnormal_close = FALSE WHERE id = $1`, id,
	)
	if err != nil {
		return fmt.Errorf("acknowledge abnormal close: %w", err)
	}
	return nil
}

// DeleteExpired removes checkpoints past their expiry and returns the count
func (s *CheckpointStore) DeleteExpired(ctx context.Context) (int, error) {
	res, err := s.client.db.ExecContext(ctx,
		`DELETE FROM session_checkpoints WHERE expires_at < NOW()`,
	)
	if err != nil {
		return 0, fmt.Errorf("delete expired checkpoints: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	if n > 0 {
		metrics.CheckpointsPruned.Add(float64(n))
	}
	return int(n), nil
}

// CheckpointPayload is the snapshot stored in checkpoint_data
type CheckpointPayload struct {
	Messages    []ContextMessage       `json:"messages"`
	TotalTokens int                    `json:"total_tokens"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// EncodePayload serializes a snapshot for storage
func EncodePayload(p CheckpointPayload) (json.RawMessage, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint payload: %w", err)
	}
	return raw, nil
}

// DecodePayload deserializes a stored snapshot
func DecodePayload(raw json.RawMessage) (CheckpointPayload, error) {
	var p CheckpointPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("decode checkpoint payload: %w", err)
	}
	return p, nil
}
