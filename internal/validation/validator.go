// Package validation validates batches before they reach the preparer.
package validation

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/devrev/coldb/internal/model"
)

const (
	MaxPartitionIDSize = 256
	MaxCellSize        = 10 * 1024 * 1024
	MaxRowsPerBatch    = 1_000_000
	MaxDedupTokenSize  = 256
)

// Validator validates Batch and per-call dedup tokens before Sink.Insert
// hands them to the preparer. Validation failures are plain errors, not
// errors.SinkError: they are rejected before any coordinator
// interaction and so fall outside the commit protocol's error codes.
type Validator struct {
	maxPartitionIDSize int
	maxCellSize        int
	maxRowsPerBatch    int
}

// New creates a Validator with default limits.
func New() *Validator {
	return &Validator{
		maxPartitionIDSize: MaxPartitionIDSize,
		maxCellSize:        MaxCellSize,
		maxRowsPerBatch:    MaxRowsPerBatch,
	}
}

// ValidateBatch checks every row's partition id and cell sizes, and the
// batch's total row count.
func (v *Validator) ValidateBatch(batch model.Batch) error {
	if len(batch.Rows) == 0 {
		return fmt.Errorf("batch has no rows")
	}
	if len(batch.Rows) > v.maxRowsPerBatch {
		return fmt.Errorf("batch has %d rows, exceeds maximum %d", len(batch.Rows), v.maxRowsPerBatch)
	}
	for i, row := range batch.Rows {
		if err := v.validatePartitionID(row.PartitionID); err != nil {
			return fmt.Errorf("row %d: %w", i, err)
		}
		for _, cell := range row.Cells {
			if len(cell) > v.maxCellSize {
				return fmt.Errorf("row %d: cell size %d exceeds maximum %d", i, len(cell), v.maxCellSize)
			}
		}
	}
	return nil
}

func (v *Validator) validatePartitionID(partitionID string) error {
	if partitionID == "" {
		return fmt.Errorf("partition id cannot be empty")
	}
	if len(partitionID) > v.maxPartitionIDSize {
		return fmt.Errorf("partition id exceeds maximum size of %d bytes", v.maxPartitionIDSize)
	}
	if strings.ContainsRune(partitionID, '\x00') {
		return fmt.Errorf("partition id cannot contain null bytes")
	}
	for _, r := range partitionID {
		if unicode.IsControl(r) {
			return fmt.Errorf("partition id cannot contain control characters")
		}
	}
	return nil
}

// ValidateDedupToken checks a caller-supplied dedup token, if any; an
// empty token is valid and leaves block ids content-addressed (see
// dedup.BlockID).
func (v *Validator) ValidateDedupToken(token string) error {
	if token == "" {
		return nil
	}
	if len(token) > MaxDedupTokenSize {
		return fmt.Errorf("dedup token exceeds maximum size of %d bytes", MaxDedupTokenSize)
	}
	if strings.ContainsRune(token, '\x00') {
		return fmt.Errorf("dedup token cannot contain null bytes")
	}
	return nil
}
