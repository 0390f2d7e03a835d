package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")

	c, err := Load()
	require.NoError(t, err)

	assert.True(t, c.Cache.L1Enabled)
	assert.Equal(t, 0.85, c.Cache.SemanticThreshold)
	assert.Equal(t, 0.98, c.Semantic.ExactThreshold)
	assert.Equal(t, 0.93, c.Semantic.HighThreshold)
	assert.Equal(t, 0.88, c.Semantic.MediumThreshold)
	assert.Equal(t, 100, c.Semantic.MaxCandidates)
	assert.Equal(t, 60, c.Search.RRFK)
	assert.Equal(t, 200000, c.Compaction.MaxTokens)
	assert.Equal(t, 80, c.Compaction.ThresholdPercent)
	assert.Equal(t, 50, c.Compaction.MaxCheckpoints)
	assert.Equal(t, 1024, c.Embeddings.Dimensions)
}

func TestSearchWeightValidation(t *testing.T) {
	c, err := Load()
	require.NoError(t, err)

	// Defaults sum to 1.0
	require.NoError(t, c.Search.Validate())

	c.Search.DenseWeight = 0.6
	c.Search.SparseWeight = 0.3
	c.Search.FuzzyWeight = 0.2
	err = c.Search.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sum to 1.0")

	// Within epsilon is accepted
	c.Search.DenseWeight = 0.500001
	c.Search.SparseWeight = 0.3
	c.Search.FuzzyWeight = 0.2
	assert.NoError(t, c.Search.Validate())
}

func TestSemanticThresholdOrdering(t *testing.T) {
	c, err := Load()
	require.NoError(t, err)

	c.Semantic.HighThreshold = 0.99
	err = c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "strictly ordered")
}

func TestUnknownAggregationRejected(t *testing.T) {
	c, err := Load()
	require.NoError(t, err)

	c.Parallel.Aggregation = "median"
	err = c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "aggregation")
}
