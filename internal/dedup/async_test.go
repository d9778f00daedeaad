package dedup

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devrev/coldb/internal/model"
)

func row(v byte) model.Row { return model.Row{PartitionID: "p", Cells: [][]byte{{v}}} }

// TestAsyncSelfDuplicate is scenario S3: offsets [0,2,4] over 6 rows
// where sub-blocks 0 and 1 are byte-identical, sub-block 2 differs.
func TestAsyncSelfDuplicate(t *testing.T) {
	rows := []model.Row{row(1), row(2), row(1), row(2), row(3), row(4)}
	offsets := []int{0, 2, 4}
	ids := AsyncBlockIDs("p", rows, offsets)
	require.Len(t, ids, 3)
	assert.Equal(t, ids[0], ids[1], "identical sub-blocks must hash identically")
	assert.NotEqual(t, ids[0], ids[2])

	filteredRows, filteredOffsets, filteredIDs, changed, dropped := SelfDedupFilter(rows, offsets, ids)
	assert.True(t, changed)
	assert.Equal(t, 2, dropped)
	require.Len(t, filteredIDs, 2)
	assert.Equal(t, []model.Row{row(1), row(2), row(3), row(4)}, filteredRows)
	assert.Equal(t, []int{0, 2}, filteredOffsets)
}

func TestSelfDedupFilterNoChangeWhenAllDistinct(t *testing.T) {
	rows := []model.Row{row(1), row(2), row(3)}
	offsets := []int{0, 1, 2}
	ids := AsyncBlockIDs("p", rows, offsets)

	filteredRows, filteredOffsets, filteredIDs, changed, dropped := SelfDedupFilter(rows, offsets, ids)
	assert.False(t, changed)
	assert.Equal(t, 0, dropped)
	assert.Equal(t, rows, filteredRows)
	assert.Equal(t, offsets, filteredOffsets)
	assert.Equal(t, ids, filteredIDs)
}

func TestDropConflicting(t *testing.T) {
	rows := []model.Row{row(1), row(2), row(3)}
	offsets := []int{0, 1, 2}
	ids := []string{"a", "b", "c"}

	filteredRows, filteredOffsets, filteredIDs := DropConflicting(rows, offsets, ids, map[string]bool{"b": true})
	assert.Equal(t, []model.Row{row(1), row(3)}, filteredRows)
	assert.Equal(t, []int{0, 1}, filteredOffsets)
	assert.Equal(t, []string{"a", "c"}, filteredIDs)
}

// TestConflictLoopConvergesWhenCrossReplicaDuplicateReported models
// property 6: the committed rows end up as unique(sub_blocks) \
// already_committed_sub_block_ids.
func TestConflictLoopConvergesWhenCrossReplicaDuplicateReported(t *testing.T) {
	rows := []model.Row{row(1), row(2), row(3)}
	offsets := []int{0, 1, 2}
	ids := []string{"a", "b", "c"}

	attempts := 0
	committed, _, committedIDs, err := ConflictLoop(rows, offsets, ids, func(r []model.Row, o []int, i []string) (map[string]bool, error) {
		attempts++
		if attempts == 1 {
			return map[string]bool{"b": true}, nil // "b" already committed elsewhere
		}
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, []model.Row{row(1), row(3)}, committed)
	assert.Equal(t, []string{"a", "c"}, committedIDs)
}

func TestConflictLoopStopsWhenNothingLeft(t *testing.T) {
	rows := []model.Row{row(1)}
	offsets := []int{0}
	ids := []string{"a"}

	attempts := 0
	committed, _, _, err := ConflictLoop(rows, offsets, ids, func(r []model.Row, o []int, i []string) (map[string]bool, error) {
		attempts++
		return map[string]bool{"a": true}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
	assert.Empty(t, committed)
}

func TestPrefilterCacheCheckConflictsAndReset(t *testing.T) {
	pf, err := NewPrefilterCache(128)
	require.NoError(t, err)

	pf.MarkCommitted("x")
	assert.Equal(t, int64(1), pf.Version())

	conflicts := pf.CheckConflicts([]string{"x", "y"})
	assert.True(t, conflicts["x"])
	assert.False(t, conflicts["y"])

	pf.ResetForPartition()
	assert.Equal(t, int64(0), pf.Version())
	// cache membership survives a partition reset; only the version
	// counter is zeroed.
	conflicts = pf.CheckConflicts([]string{"x"})
	assert.True(t, conflicts["x"])
}

func TestBlockIDTokenAddressedIncrementsSeq(t *testing.T) {
	seq := 0
	id1 := BlockID("p", nil, "tok", &seq)
	id2 := BlockID("p", nil, "tok", &seq)
	assert.Equal(t, "tok_0", id1)
	assert.Equal(t, "tok_1", id2)
}

func TestAsyncBlockIDsPrefixedByPartition(t *testing.T) {
	rows := []model.Row{row(1), row(2)}
	offsets := []int{0}

	idsP1 := AsyncBlockIDs("p1", rows, offsets)
	idsP2 := AsyncBlockIDs("p2", rows, offsets)
	require.Len(t, idsP1, 1)
	require.Len(t, idsP2, 1)
	assert.NotEqual(t, idsP1[0], idsP2[0], "identical row content in different partitions must not collide in the flat async block id namespace")
	assert.Contains(t, idsP1[0], "p1_")
	assert.Contains(t, idsP2[0], "p2_")
}

func TestBlockIDContentAddressedDeterministic(t *testing.T) {
	rows := []model.Row{row(1), row(2)}
	seq := 0
	id1 := BlockID("p", rows, "", &seq)
	id2 := BlockID("p", rows, "", &seq)
	assert.Equal(t, id1, id2, "content hash must be deterministic for identical rows")
	assert.Contains(t, id1, "p_")
}
