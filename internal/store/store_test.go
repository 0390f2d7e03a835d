package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newMockClient(t *testing.T) (*Client, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	db := sqlx.NewDb(mockDB, "sqlmock")
	return NewClientFromDB(db, zaptest.NewLogger(t)), mock
}

func TestL2StoreGetHit(t *testing.T) {
	client, mock := newMockClient(t)
	l2 := NewL2Store(client)

	mock.ExpectQuery(`SELECT cache_value FROM cache_entries`).
		WithArgs("query:abc").
		WillReturnRows(sqlmock.NewRows([]string{"cache_value"}).AddRow([]byte(`{"r":1}`)))

	data, found, err := l2.Get(context.Background(), "query:abc")
	require.NoError(t, err)
	assert.True(t, found)
	assert.JSONEq(t, `{"r":1}`, string(data))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestL2StoreGetMiss(t *testing.T) {
	client, mock := newMockClient(t)
	l2 := NewL2Store(client)

	mock.ExpectQuery(`SELECT cache_value FROM cache_entries`).
		WithArgs("query:missing").
		WillReturnRows(sqlmock.NewRows([]string{"cache_value"}))

	_, found, err := l2.Get(context.Background(), "query:missing")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestL2StoreSetUpsert(t *testing.T) {
	client, mock := newMockClient(t)
	l2 := NewL2Store(client)

	mock.ExpectExec(`INSERT INTO cache_entries`).
		WithArgs("query:abc", []byte("v"), float64(3600)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := l2.Set(context.Background(), "query:abc", []byte("v"), time.Hour)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestL2StoreCleanupExpired(t *testing.T) {
	client, mock := newMockClient(t)
	l2 := NewL2Store(client)

	mock.ExpectExec(`DELETE FROM cache_entries WHERE expires_at`).
		WillReturnResult(sqlmock.NewResult(0, 7))

	n, err := l2.CleanupExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, n)
}

func TestAppendMessageTransaction(t *testing.T) {
	client, mock := newMockClient(t)
	cs := NewContextStore(client)
	contextID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(position\) \+ 1, 0\)`).
		WithArgs(contextID).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(3))
	mock.ExpectExec(`INSERT INTO context_messages`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE conversation_contexts`).
		WithArgs(contextID, 12).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	msg, err := cs.AppendMessage(context.Background(), contextID, "user", "What's 2+2?", 12, false)
	require.NoError(t, err)
	assert.Equal(t, 3, msg.Position)
	assert.Equal(t, "user", msg.Role)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReplaceMessagesInsertThenDelete(t *testing.T) {
	client, mock := newMockClient(t)
	cs := NewContextStore(client)
	contextID := uuid.New()
	oldID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM context_messages`).
		WithArgs(contextID).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(oldID))
	// New rows inserted before any old row is deleted
	mock.ExpectExec(`INSERT INTO context_messages`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO context_messages`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM context_messages WHERE id`).
		WithArgs(oldID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE context_messages SET position`).
		WithArgs(contextID).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`UPDATE conversation_contexts`).
		WithArgs(contextID, 30).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	total, err := cs.ReplaceMessages(context.Background(), contextID, []ContextMessage{
		{Role: "system", Content: "You are helpful", TokenCount: 10},
		{Role: "assistant", Content: "summary", TokenCount: 20},
	})
	require.NoError(t, err)
	assert.Equal(t, 30, total)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReplaceMessagesRollsBackOnInsertFailure(t *testing.T) {
	client, mock := newMockClient(t)
	cs := NewContextStore(client)
	contextID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM context_messages`).
		WithArgs(contextID).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(uuid.New()))
	mock.ExpectExec(`INSERT INTO context_messages`).
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	_, err := cs.ReplaceMessages(context.Background(), contextID, []ContextMessage{
		{Role: "assistant", Content: "summary", TokenCount: 20},
	})
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckpointCreatePrunesOverCap(t *testing.T) {
	client, mock := newMockClient(t)
	ck := NewCheckpointStore(client, 50, 30, zaptest.NewLogger(t))

	mock.ExpectExec(`INSERT INTO session_checkpoints`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM session_checkpoints`).
		WithArgs("conv-1", 50).
		WillReturnResult(sqlmock.NewResult(0, 2))

	payload, err := EncodePayload(CheckpointPayload{TotalTokens: 100})
	require.NoError(t, err)

	err = ck.Create(context.Background(), &SessionCheckpoint{
		ConversationID: "conv-1",
		UserID:         "u1",
		CheckpointData: payload,
		TokenCount:     100,
		Label:          "pre_compaction",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckpointPayloadRoundTrip(t *testing.T) {
	p := CheckpointPayload{
		Messages: []ContextMessage{
			{Role: "user", Content: "hi", TokenCount: 1, Position: 0},
			{Role: "assistant", Content: "hello", TokenCount: 2, Position: 1},
		},
		TotalTokens: 3,
		Metadata:    map[string]interface{}{"trigger": "pre_compaction"},
	}
	raw, err := EncodePayload(p)
	require.NoError(t, err)

	got, err := DecodePayload(raw)
	require.NoError(t, err)
	assert.Equal(t, p.TotalTokens, got.TotalTokens)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "hello", got.Messages[1].Content)
}

func TestJSONMapScan(t *testing.T) {
	var m JSONMap
	require.NoError(t, m.Scan([]byte(`{"source":"docs","page":3}`)))
	assert.Equal(t, "docs", m["source"])

	require.NoError(t, m.Scan(nil))
	assert.Nil(t, m)

	v, err := JSONMap{"a": 1}.Value()
	require.NoError(t, err)
	var back map[string]interface{}
	require.NoError(t, json.Unmarshal(v.([]byte), &back))
	assert.EqualValues(t, 1, back["a"])
}

func TestGraphCounterIncrements(t *testing.T) {
	client, mock := newMockClient(t)
	chunks := NewChunkStore(client)

	mock.ExpectExec(`SELECT increment_node_mention_count`).
		WithArgs("node-7").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`SELECT increment_edge_observation_count`).
		WithArgs("edge-3").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, chunks.IncrementNodeMention(context.Background(), "node-7"))
	require.NoError(t, chunks.IncrementEdgeObservation(context.Background(), "edge-3"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestChunkQueriesBindMetadataFilter(t *testing.T) {
	client, mock := newMockClient(t)
	chunks := NewChunkStore(client)
	cols := []string{"chunk_id", "file_id", "content", "namespace", "metadata", "similarity"}

	mock.ExpectQuery(`FROM match_chunks`).
		WithArgs(sqlmock.AnyArg(), 0.35, 20, "docs", []byte(`{"team":"a"}`)).
		WillReturnRows(sqlmock.NewRows(cols))

	_, err := chunks.MatchChunks(context.Background(), []float32{1, 0}, 0.35, 20, "docs",
		map[string]interface{}{"team": "a"})
	require.NoError(t, err)

	// An absent filter binds NULL so the containment clause passes everything.
	mock.ExpectQuery(`FROM chunks`).
		WithArgs("q", 5, "docs", nil).
		WillReturnRows(sqlmock.NewRows(cols))

	_, err = chunks.SearchILike(context.Background(), "q", 5, "docs", nil)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
