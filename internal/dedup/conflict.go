package dedup

import "github.com/devrev/coldb/internal/model"

// CommitFunc attempts to commit the given sub-blocks and reports the
// subset of ids that collided with an already-committed id elsewhere
// (cross-replica conflicts discovered by the coordinator transaction).
type CommitFunc func(rows []model.Row, offsets []int, ids []string) (conflicts map[string]bool, err error)

// ConflictLoop implements the async conflict-resolution loop verbatim:
// commit, and if any ids collided, drop those sub-blocks entirely and
// retry with what remains, until either nothing collides or nothing is
// left to commit.
func ConflictLoop(rows []model.Row, offsets []int, ids []string, commit CommitFunc) (finalRows []model.Row, finalOffsets []int, finalIDs []string, err error) {
	for {
		conflicts, err := commit(rows, offsets, ids)
		if err != nil {
			return nil, nil, nil, err
		}
		if len(conflicts) == 0 {
			return rows, offsets, ids, nil
		}
		rows, offsets, ids = DropConflicting(rows, offsets, ids, conflicts)
		if len(rows) == 0 {
			return rows, offsets, ids, nil
		}
	}
}
