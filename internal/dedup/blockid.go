// Package dedup owns the deduplication contract for both synchronous
// and asynchronous insert modes: block-id computation, the async
// self-duplicate filter, the recent-ids prefilter cache, and the
// cross-replica conflict-resolution loop.
package dedup

import (
	"strconv"

	"github.com/devrev/coldb/internal/model"
	"github.com/devrev/coldb/internal/util/hash128"
)

// BlockID computes the sync-mode block id for a produced part. If token
// is non-empty, the id is token-addressed ("token_seq") and seq is
// incremented; otherwise it is content-addressed over every cell of
// every row. An empty token and a nil/empty rows slice is legal — it
// yields a content hash over zero bytes, matching an empty produced
// part.
func BlockID(partitionID string, rows []model.Row, token string, seq *int) string {
	if token != "" {
		id := token + "_" + strconv.Itoa(*seq)
		*seq++
		return id
	}
	cells := make([][]byte, 0, len(rows))
	for _, r := range rows {
		cells = append(cells, r.Cells...)
	}
	sum := hash128.Sum(cells)
	return partitionID + "_" + strconv.FormatUint(sum.Hi, 10) + "_" + strconv.FormatUint(sum.Lo, 10)
}

// AsyncBlockIDs computes one content-addressed id per sub-block, where
// offsets marks the row index starting each sub-block (offsets[0] == 0,
// implicitly, and len(rows) terminates the last sub-block). Each id is
// prefixed with partitionID, the same as BlockID, since async ids are
// stored in a flat, non-partition-scoped coordinator namespace and two
// different partitions producing identical row content must not
// collide on the same id.
func AsyncBlockIDs(partitionID string, rows []model.Row, offsets []int) []string {
	ids := make([]string, 0, len(offsets))
	for i, start := range offsets {
		end := len(rows)
		if i+1 < len(offsets) {
			end = offsets[i+1]
		}
		var rowsCells [][][]byte
		for _, r := range rows[start:end] {
			rowsCells = append(rowsCells, r.Cells)
		}
		sum := hash128.SumAll(rowsCells)
		ids = append(ids, partitionID+"_"+strconv.FormatUint(sum.Hi, 10)+"_"+strconv.FormatUint(sum.Lo, 10))
	}
	return ids
}
