package dedup

import "github.com/devrev/coldb/internal/model"

// subBlock is rows[Offsets[i]:end] for block.Offsets[i], carried
// together with its already-computed id so filtering never needs to
// recompute a hash.
type subBlock struct {
	id   string
	rows []model.Row
}

func splitSubBlocks(rows []model.Row, offsets []int, ids []string) []subBlock {
	blocks := make([]subBlock, 0, len(offsets))
	for i, start := range offsets {
		end := len(rows)
		if i+1 < len(offsets) {
			end = offsets[i+1]
		}
		blocks = append(blocks, subBlock{id: ids[i], rows: rows[start:end]})
	}
	return blocks
}

func joinSubBlocks(blocks []subBlock) (rows []model.Row, offsets []int, ids []string) {
	offsets = make([]int, 0, len(blocks))
	ids = make([]string, 0, len(blocks))
	for _, b := range blocks {
		offsets = append(offsets, len(rows))
		ids = append(ids, b.id)
		rows = append(rows, b.rows...)
	}
	return rows, offsets, ids
}

// SelfDedupFilter groups sub-blocks by identical id and keeps only the
// first occurrence of each duplicate group. It reports changed=true
// when any sub-block was dropped, signalling the caller must rewrite
// the temp part from the returned rows before committing. droppedRows
// is the row count removed, for metrics.SelfDedupDroppedRows.
func SelfDedupFilter(rows []model.Row, offsets []int, ids []string) (filteredRows []model.Row, filteredOffsets []int, filteredIDs []string, changed bool, droppedRows int) {
	blocks := splitSubBlocks(rows, offsets, ids)
	seen := make(map[string]bool, len(blocks))
	kept := make([]subBlock, 0, len(blocks))
	for _, b := range blocks {
		if seen[b.id] {
			changed = true
			droppedRows += len(b.rows)
			continue
		}
		seen[b.id] = true
		kept = append(kept, b)
	}
	if !changed {
		return rows, offsets, ids, false, 0
	}
	filteredRows, filteredOffsets, filteredIDs = joinSubBlocks(kept)
	return filteredRows, filteredOffsets, filteredIDs, true, droppedRows
}

// DropConflicting removes every sub-block whose id is in conflicts,
// unconditionally (no "keep one" — these ids already belong to another
// replica's committed part, so every local copy is a duplicate). Used
// by the async conflict-resolution loop's "filter sub-blocks whose ids
// ∈ conflicts (self_dedup=false; drop all)" step.
func DropConflicting(rows []model.Row, offsets []int, ids []string, conflicts map[string]bool) (filteredRows []model.Row, filteredOffsets []int, filteredIDs []string) {
	blocks := splitSubBlocks(rows, offsets, ids)
	kept := make([]subBlock, 0, len(blocks))
	for _, b := range blocks {
		if conflicts[b.id] {
			continue
		}
		kept = append(kept, b)
	}
	return joinSubBlocks(kept)
}
