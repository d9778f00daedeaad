// Package model holds the data types shared across the write path:
// batches, rows, temporary parts, block identifiers and log entries.
package model

import (
	"strconv"
	"time"
)

// Row is a single opaque row of a batch. The column codec and on-disk
// layout of a row are out of scope for this core; we only need its raw
// cell bytes (for content hashing) and its partition key.
type Row struct {
	PartitionID string
	Cells       [][]byte
}

// Batch is a homogeneous collection of rows handed to the sink in one
// call. Rows belonging to different partitions are interleaved; the
// preparer is responsible for splitting them out.
type Batch struct {
	Rows []Row
	// Offsets marks sub-block row boundaries over Rows, in async mode
	// only; callers that don't chunk their batch into sub-blocks leave
	// this nil, which the preparer treats as one sub-block per row.
	Offsets []int
}

// TempPart is an immutable local-filesystem artifact produced by writing
// a single partition's rows. It is renamed into the active set on
// successful commit, or deleted/reverted on failure.
type TempPart struct {
	PartitionID string
	Dir         string // provisional directory path, UUID-named
	Checksum    uint32
	StreamCount int // number of concurrent write streams this part required
	RowCount    int
}

// PartName is the canonical "{partition}_{min}_{max}_{level}_{mutation}"
// name a part is assigned once its block number has been allocated.
type PartName struct {
	PartitionID string
	MinBlock    int64
	MaxBlock    int64
	Level       int
	Mutation    int
}

func (p PartName) String() string {
	return formatPartName(p.PartitionID, p.MinBlock, p.MaxBlock, p.Level, p.Mutation)
}

func formatPartName(partition string, minBlock, maxBlock int64, level, mutation int) string {
	return partition + "_" + strconv.FormatInt(minBlock, 10) + "_" + strconv.FormatInt(maxBlock, 10) +
		"_" + strconv.Itoa(level) + "_" + strconv.Itoa(mutation)
}

// PartitionBlock is one of the zero-or-more outputs of the preparer: a
// temp part together with the rows it was built from (kept around only
// long enough for the dedup layer to compute/re-filter block ids).
type PartitionBlock struct {
	Part    TempPart
	Rows    []Row
	Offsets []int // sub-block row boundaries, used only in async mode
}

// BlockID is a single content-addressed or token-addressed dedup key.
type BlockID string

// LogEntryType mirrors the two kinds of replication log entry this core
// produces.
type LogEntryType string

const (
	LogEntryGetPart    LogEntryType = "GET_PART"
	LogEntryAttachPart LogEntryType = "ATTACH_PART"
)

// LogEntry is the payload written to a sequential "log/log-NNNN" node.
// Field set and semantics are pinned by this spec; the byte encoding is
// only a local convention (see coordinator.Client.Multi callers).
type LogEntry struct {
	Type           LogEntryType `json:"type"`
	CreateTime     time.Time    `json:"create_time"`
	SourceReplica  string       `json:"source_replica"`
	NewPartName    string       `json:"new_part_name"`
	Quorum         int          `json:"quorum"`
	NewPartFormat  string       `json:"new_part_format"`
	BlockID        string       `json:"block_id,omitempty"`
	PartChecksum   uint32       `json:"part_checksum,omitempty"`
}

// QuorumTracker is the value stored at quorum/status or
// quorum/parallel/{part} while a quorum write is in flight.
type QuorumTracker struct {
	PartName string   `json:"part_name"`
	Required int      `json:"required"`
	Replicas []string `json:"replicas"`
}
