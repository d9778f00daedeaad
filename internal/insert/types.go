// Package insert implements the replicated commit engine: block-number
// allocation, transactional registration against the coordinator,
// quorum preconditions, and bounded retry with partial-failure
// recovery. It is the largest component of the write path; preparer and
// dedup feed it, and internal/retry wraps every coordinator-touching
// phase it drives.
package insert

import (
	"github.com/devrev/coldb/internal/dedup"
	"github.com/devrev/coldb/internal/model"
)

// Mode selects sync vs. async dedup/commit behavior. The source this
// repo is grounded on expresses this with boolean template
// specialization; here it is a tagged value plus a dedupStrategy,
// and both modes share commitOne.
type Mode int

const (
	ModeSync Mode = iota
	ModeAsync
)

// QuorumMode selects serial (single shared tracker node, one in-flight
// quorum write at a time) vs. parallel (one tracker node per part,
// many in-flight quorum writes) quorum tracking.
type QuorumMode int

const (
	QuorumSerial QuorumMode = iota
	QuorumParallel
)

// QuorumMajority is the InsertConfig.Quorum sentinel requesting
// floor(N/2)+1, resolved against the live replica count at check time.
const QuorumMajority = -1

// Result is the sink's public per-call outcome: whether this call's
// rows were newly produced, how many replicas the table currently has,
// and whether the last block committed was a duplicate.
type Result struct {
	Produced             bool
	ReplicasNum          int
	LastBlockIsDuplicate bool
}

// CommitResult is the outcome of committing one (temp part, block ids)
// pair.
type CommitResult struct {
	PartName  string
	Duplicate bool
}

// dedupStrategy captures the one behavioral difference between sync and
// async modes that the commit engine needs: how many block ids a
// produced block carries and how they're computed.
type dedupStrategy interface {
	blockIDs(block model.PartitionBlock, token string, seq *int) []string
	mode() Mode
}

type syncDedup struct{}

func (syncDedup) mode() Mode { return ModeSync }

func (syncDedup) blockIDs(block model.PartitionBlock, token string, seq *int) []string {
	return []string{dedup.BlockID(block.Part.PartitionID, block.Rows, token, seq)}
}

type asyncDedup struct{}

func (asyncDedup) mode() Mode { return ModeAsync }

func (asyncDedup) blockIDs(block model.PartitionBlock, token string, seq *int) []string {
	return dedup.AsyncBlockIDs(block.Part.PartitionID, block.Rows, block.Offsets)
}
