package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/connexus-ai/ragcore/internal/circuitbreaker"
)

// ErrNotFound marks an absent conversation, context, or checkpoint
var ErrNotFound = sql.ErrNoRows

// ContextStore manages conversation contexts and their message windows
type ContextStore struct {
	client *Client
}

// NewContextStore returns the conversation context layer
func NewContextStore(client *Client) *ContextStore {
	return &ContextStore{client: client}
}

// GetContext loads the context record for a conversation
func (s *ContextStore) GetContext(ctx context.Context, conversationID string) (*ConversationContext, error) {
	var cc ConversationContext
	err := s.client.db.GetContext(ctx, &cc,
		`SELECT id, conversation_id, user_id, total_tokens, max_tokens,
		        threshold_percent, last_compaction_at, created_at, updated_at
		 FROM conversation_contexts WHERE conversation_id = $1`,
		conversationID,
	)
	if err != nil {
		return nil, err
	}
	return &cc, nil
}

// EnsureContext returns the context for a conversation, creating it with
// the given defaults on first message.
func (s *ContextStore) EnsureContext(ctx context.Context, conversationID, userID string, maxTokens, thresholdPercent int) (*ConversationContext, error) {
	var cc ConversationContext
	err := s.client.db.GetContext(ctx, &cc,
		`INSERT INTO conversation_contexts
		   (id, conversation_id, user_id, total_tokens, max_tokens, threshold_percent, created_at, updated_at)
		 VALUES ($1, $2, $3, 0, $4, $5, NOW(), NOW())
		 ON CONFLICT (conversation_id) DO UPDATE SET updated_at = NOW()
		 RETURNING id, conversation_id, user_id, total_tokens, max_tokens,
		           threshold_percent, last_compaction_at, created_at, updated_at`,
		uuid.New(), conversationID, userID, maxTokens, thresholdPercent,
	)
	if err != nil {
		return nil, fmt.Errorf("ensure context: %w", err)
	}
	return &cc, nil
}

// GetMessages loads all messages for a context ordered by position
func (s *ContextStore) GetMessages(ctx context.Context, contextID uuid.UUID) ([]ContextMessage, error) {
	var msgs []ContextMessage
	err := s.client.db.SelectContext(ctx, &msgs,
		`SELECT id, context_id, role, content, token_count, is_protected, position, created_at
		 FROM context_messages WHERE context_id = $1 ORDER BY position`,
		contextID,
	)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	return msgs, nil
}

// AppendMessage appends a message at the next position and bumps the
// context's token total in one transaction.
func (s *ContextStore) AppendMessage(ctx context.Context, contextID uuid.UUID, role, content string, tokenCount int, isProtected bool) (*ContextMessage, error) {
	msg := &ContextMessage{
		ID:          uuid.New(),
		ContextID:   contextID,
		Role:        role,
		Content:     content,
		TokenCount:  tokenCount,
		IsProtected: isProtected,
	}

	err := s.client.WithTransaction(ctx, func(tx *circuitbreaker.TxWrapper) error {
		if err := tx.GetContext(ctx, &msg.Position,
			`SELECT COALESCE(MAX(position) + 1, 0) FROM context_messages WHERE context_id = $1`,
			contextID,
		); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO context_messages
			   (id, context_id, role, content, token_count, is_protected, position, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())`,
			msg.ID, msg.ContextID, msg.Role, msg.Content, msg.TokenCount, msg.IsProtected, msg.Position,
		); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE conversation_contexts
			 SET total_tokens = total_tokens + $2, updated_at = NOW()
			 WHERE id = $1`,
			contextID, tokenCount,
		)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}
	return msg, nil
}

// ReplaceMessages swaps the context's window for the given messages in a
// single transaction. New rows are inserted with fresh contiguous
// positions before the old rows are deleted, so a mid-way failure rolls
// back to the original window rather than losing it. Returns the new
// token total.
func (s *ContextStore) ReplaceMessages(ctx context.Context, contextID uuid.UUID, messages []ContextMessage) (int, error) {
	totalTokens := 0
	for _, m := range messages {
		totalTokens += m.TokenCount
	}

	err := s.client.WithTransaction(ctx, func(tx *circuitbreaker.TxWrapper) error {
		var oldIDs []uuid.UUID
		if err := tx.SelectContext(ctx, &oldIDs,
			`SELECT id FROM context_messages WHERE context_id = $1`, contextID,
		); err != nil {
			return err
		}

		// Temporarily negative positions avoid colliding with the
		// unique (context_id, position) constraint on the old rows.
		for i, m := range messages {
			id := m.ID
			if id == uuid.Nil {
				id = uuid.New()
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO context_messages
				   (id, context_id, role, content, token_count, is_protected, position, created_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())`,
				id, contextID, m.Role, m.Content, m.TokenCount, m.IsProtected, -(i + 1),
			); err != nil {
				return err
			}
		}

		for _, id := range oldIDs {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM context_messages WHERE id = $1`, id,
			); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE context_messages SET position = -position - 1 WHERE context_id = $1`,
			contextID,
		); err != nil {
			return err
		}

		_, err := tx.ExecContext(ctx,
			`UPDATE conversation_contexts
			 SET total_tokens = $2, updated_at = NOW()
			 WHERE id = $1`,
			contextID, totalTokens,
		)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("replace messages: %w", err)
	}
	return totalTokens, nil
}

// MarkCompacted stamps last_compaction_at on the context
func (s *ContextStore) MarkCompacted(ctx context.Context, contextID uuid.UUID) error {
	_, err := s.client.db.ExecContext(ctx,
		`UPDATE conversation_contexts
		 SET last_compaction_at = NOW(), updated_at = NOW()
		 WHERE id = $1`,
		contextID,
	)
	if err != nil {
		return fmt.Errorf("mark compacted: %w", err)
	}
	return nil
}

// MessageCount returns the number of messages in a context
func (s *ContextStore) MessageCount(ctx context.Context, contextID uuid.UUID) (int, error) {
	var n int
	err := s.client.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM context_messages WHERE context_id = $1`, contextID,
	)
	if err != nil {
		return 0, fmt.Errorf("message count: %w", err)
	}
	return n, nil
}
