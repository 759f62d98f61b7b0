package batching

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elspeth-io/elspeth/pkg/contracts"
)

func TestBatchTriggersOnCount(t *testing.T) {
	agg, err := NewBatch(map[string]any{"size": 2})
	require.NoError(t, err)

	trigger, _, _, err := agg.Accumulate(context.Background(), nil, map[string]any{"id": int64(1)})
	require.NoError(t, err)
	assert.False(t, trigger)
	assert.Equal(t, 1, agg.Pending())

	trigger, triggerType, reason, err := agg.Accumulate(context.Background(), nil, map[string]any{"id": int64(2)})
	require.NoError(t, err)
	assert.True(t, trigger)
	assert.Equal(t, contracts.TriggerCount, triggerType)
	assert.Contains(t, reason, "2")

	rows, err := agg.Flush(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Zero(t, agg.Pending())
}

func TestBatchSummaryEmitsSingleRow(t *testing.T) {
	agg, err := NewBatch(map[string]any{"size": 10, "emit": "summary"})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, _, _, err := agg.Accumulate(context.Background(), nil, map[string]any{"id": int64(i)})
		require.NoError(t, err)
	}
	rows, err := agg.Flush(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 3, rows[0]["batch_size"])
}

func TestBatchRejectsBadOptions(t *testing.T) {
	var cfgErr *contracts.PluginConfigError
	_, err := NewBatch(map[string]any{})
	require.ErrorAs(t, err, &cfgErr)
	_, err = NewBatch(map[string]any{"size": 1, "emit": "sideways"})
	require.ErrorAs(t, err, &cfgErr)
}

func TestUnionMergesBranchesInSortedOrder(t *testing.T) {
	coalesce, err := NewUnion(nil)
	require.NoError(t, err)
	assert.Equal(t, "union", coalesce.Policy())

	merged, err := coalesce.Merge(context.Background(), nil, map[string]map[string]any{
		"right": {"id": int64(1), "score": 0.9},
		"left":  {"id": int64(1), "score": 0.1},
	})
	require.NoError(t, err)
	// Branches apply in sorted name order; "right" wins the conflict.
	assert.Equal(t, 0.9, merged["score"])
	assert.Equal(t, int64(1), merged["id"])
}

func TestUnionPrefixKeepsBothBranches(t *testing.T) {
	coalesce, err := NewUnion(map[string]any{"prefix": true})
	require.NoError(t, err)

	merged, err := coalesce.Merge(context.Background(), nil, map[string]map[string]any{
		"left":  {"score": 0.1},
		"right": {"score": 0.9},
	})
	require.NoError(t, err)
	assert.Equal(t, 0.1, merged["left_score"])
	assert.Equal(t, 0.9, merged["right_score"])
}
