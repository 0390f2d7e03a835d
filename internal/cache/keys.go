package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Key namespaces. These are wire-stable: other services and operators
// grep for them, so changes here are breaking.
const (
	embeddingKeyPrefix  = "embedding:"
	exactKeySegment     = ":exact:"
	semanticKeySegment  = ":sem:"
	lockKeyPrefix       = "lock:compaction:"
	progressKeyPrefix   = "progress:"
	checkpointKeyPrefix = "checkpoint:last:"

	defaultResultNamespace = "search"
)

// HashKey returns the first 16 hex chars of the SHA-256 of the normalized input.
// Collisions are accepted at this prefix length.
func HashKey(s string) string {
	h := sha256.Sum256([]byte(strings.TrimSpace(strings.ToLower(s))))
	return hex.EncodeToString(h[:8])
}

// EmbeddingKey returns the cached-embedding key for a text
func EmbeddingKey(text string) string {
	return embeddingKeyPrefix + HashKey(text)
}

// ExactKey returns the semantic cache exact-match key within a namespace
func ExactKey(namespace, query string) string {
	if namespace == "" {
		namespace = defaultResultNamespace
	}
	return namespace + exactKeySegment + HashKey(query)
}

// SemanticKey returns the similarity-record key within a namespace
func SemanticKey(namespace, query string) string {
	if namespace == "" {
		namespace = defaultResultNamespace
	}
	return namespace + semanticKeySegment + HashKey(query)
}

// SemanticScanPattern returns the glob used to enumerate similarity records
func SemanticScanPattern(namespace string) string {
	if namespace == "" {
		namespace = defaultResultNamespace
	}
	return namespace + semanticKeySegment + "*"
}

// CompactionLockKey returns the per-conversation compaction mutex key
func CompactionLockKey(conversationID string) string {
	return lockKeyPrefix + conversationID
}

// ProgressKey returns the compaction progress key for a conversation
func ProgressKey(conversationID string) string {
	return progressKeyPrefix + conversationID
}

// LastCheckpointKey returns the last-checkpoint timestamp key for a conversation
func LastCheckpointKey(conversationID string) string {
	return checkpointKeyPrefix + conversationID
}
