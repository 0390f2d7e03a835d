package store

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ChunkRow is one retrieval hit as returned by the server-side search
// functions. The similarity column carries whichever score the function
// computes (cosine, ts_rank_cd, trigram similarity, or fused RRF).
type ChunkRow struct {
	ChunkID    uuid.UUID      `db:"chunk_id"`
	FileID     uuid.NullUUID  `db:"file_id"`
	Content    string         `db:"content"`
	Namespace  sql.NullString `db:"namespace"`
	Metadata   JSONMap        `db:"metadata"`
	Similarity float64        `db:"similarity"`
}

// HybridRow is one fused hit from the server-side hybrid_search function,
// with per-method diagnostics preserved.
type HybridRow struct {
	ChunkID     uuid.UUID       `db:"chunk_id"`
	FileID      uuid.NullUUID   `db:"file_id"`
	Content     string          `db:"content"`
	Metadata    JSONMap         `db:"metadata"`
	RRFScore    float64         `db:"rrf_score"`
	DenseScore  sql.NullFloat64 `db:"dense_score"`
	SparseScore sql.NullFloat64 `db:"sparse_score"`
	FuzzyScore  sql.NullFloat64 `db:"fuzzy_score"`
}

// CacheEntry is an L2 durable cache row
type CacheEntry struct {
	Key       string    `db:"cache_key"`
	Value     []byte    `db:"cache_value"`
	ExpiresAt time.Time `db:"expires_at"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// ConversationContext owns a chat's token accounting
type ConversationContext struct {
	ID               uuid.UUID    `db:"id"`
	ConversationID   string       `db:"conversation_id"`
	UserID           string       `db:"user_id"`
	TotalTokens      int          `db:"total_tokens"`
	MaxTokens        int          `db:"max_tokens"`
	ThresholdPercent int          `db:"threshold_percent"`
	LastCompactionAt sql.NullTime `db:"last_compaction_at"`
	CreatedAt        time.Time    `db:"created_at"`
	UpdatedAt        time.Time    `db:"updated_at"`
}

// ContextMessage is one message in a conversation context. Positions
// within a context are a contiguous 0..M-1 sequence.
type ContextMessage struct {
	ID          uuid.UUID `db:"id"`
	ContextID   uuid.UUID `db:"context_id"`
	Role        string    `db:"role"`
	Content     string    `db:"content"`
	TokenCount  int       `db:"token_count"`
	IsProtected bool      `db:"is_protected"`
	Position    int       `db:"position"`
	CreatedAt   time.Time `db:"created_at"`
}

// SessionCheckpoint is a durable snapshot of a conversation. Created
// before each compaction and on demand; pruned by count cap and age.
type SessionCheckpoint struct {
	ID              uuid.UUID       `db:"id"`
	ConversationID  string          `db:"conversation_id"`
	UserID          string          `db:"user_id"`
	CheckpointData  json.RawMessage `db:"checkpoint_data"`
	TokenCount      int             `db:"token_count"`
	Label           string          `db:"label"`
	AutoTag         sql.NullString  `db:"auto_tag"`
	IsAbnormalClose bool            `db:"is_abnormal_close"`
	CreatedAt       time.Time       `db:"created_at"`
	ExpiresAt       time.Time       `db:"expires_at"`
}

// JSONMap maps a jsonb column onto a Go map
type JSONMap map[string]interface{}

// Scan implements sql.Scanner for jsonb columns
func (m *JSONMap) Scan(src interface{}) error {
	if src == nil {
		*m = nil
		return nil
	}
	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported jsonb source type %T", src)
	}
	return json.Unmarshal(data, m)
}

// Value implements driver.Valuer for jsonb columns
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}
