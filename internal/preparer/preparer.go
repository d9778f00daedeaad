package preparer

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devrev/coldb/internal/model"
)

// Preparer splits an incoming batch by partition and writes each
// partition's rows to a UUID-named temp directory under baseDir,
// mirroring an SSTable writer's flush path without its index/bloom
// sidecars (see writer.go's doc comment).
type Preparer struct {
	baseDir string
	logger  *zap.Logger
}

// New creates a Preparer rooted at baseDir, which must already exist.
func New(baseDir string, logger *zap.Logger) *Preparer {
	return &Preparer{baseDir: baseDir, logger: logger}
}

// Prepare splits batch by partition and writes each partition to its
// own temp part, for sync-mode inserts. maxPartsPerBlock caps the
// number of distinct partitions a single batch may touch; exceeding it
// is a user error, not a hardware fault.
func (p *Preparer) Prepare(batch model.Batch, maxPartsPerBlock int) ([]model.PartitionBlock, error) {
	groups, order := groupByPartition(batch.Rows)
	if maxPartsPerBlock > 0 && len(order) > maxPartsPerBlock {
		return nil, fmt.Errorf("preparer: batch touches %d partitions, exceeding max_parts_per_block=%d", len(order), maxPartsPerBlock)
	}

	blocks := make([]model.PartitionBlock, 0, len(order))
	for _, partitionID := range order {
		rows := groups[partitionID]
		if len(rows) == 0 {
			continue
		}
		part, err := p.writeTempPart(partitionID, rows)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, model.PartitionBlock{Part: part, Rows: rows})
	}
	return blocks, nil
}

// PrepareAsync is Prepare's async-mode counterpart: chunkOffsets marks
// sub-block boundaries in the original, partition-interleaved batch.
// Each resulting PartitionBlock carries its own Offsets, remapped to
// that partition's row indices, so a caller can compute per-sub-block
// block ids without seeing the original interleaving again.
func (p *Preparer) PrepareAsync(batch model.Batch, maxPartsPerBlock int, chunkOffsets []int) ([]model.PartitionBlock, error) {
	if len(chunkOffsets) == 0 {
		// No caller-supplied sub-block boundaries: treat every row as its
		// own sub-block, the maximally-granular default.
		chunkOffsets = make([]int, len(batch.Rows))
		for i := range chunkOffsets {
			chunkOffsets[i] = i
		}
	}

	subBlockOf := make([]int, len(batch.Rows))
	cur := 0
	for i := range batch.Rows {
		for cur+1 < len(chunkOffsets) && chunkOffsets[cur+1] <= i {
			cur++
		}
		subBlockOf[i] = cur
	}

	type partitionAccum struct {
		rows       []model.Row
		offsets    []int
		lastSubBlk int
		started    bool
	}
	accums := make(map[string]*partitionAccum)
	var order []string

	for i, row := range batch.Rows {
		acc, ok := accums[row.PartitionID]
		if !ok {
			acc = &partitionAccum{lastSubBlk: -1}
			accums[row.PartitionID] = acc
			order = append(order, row.PartitionID)
		}
		subBlk := subBlockOf[i]
		if subBlk != acc.lastSubBlk {
			acc.offsets = append(acc.offsets, len(acc.rows))
			acc.lastSubBlk = subBlk
		}
		acc.rows = append(acc.rows, row)
	}

	if maxPartsPerBlock > 0 && len(order) > maxPartsPerBlock {
		return nil, fmt.Errorf("preparer: batch touches %d partitions, exceeding max_parts_per_block=%d", len(order), maxPartsPerBlock)
	}

	blocks := make([]model.PartitionBlock, 0, len(order))
	for _, partitionID := range order {
		acc := accums[partitionID]
		part, err := p.writeTempPart(partitionID, acc.rows)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, model.PartitionBlock{Part: part, Rows: acc.rows, Offsets: acc.offsets})
	}
	return blocks, nil
}

func groupByPartition(rows []model.Row) (groups map[string][]model.Row, order []string) {
	groups = make(map[string][]model.Row)
	for _, r := range rows {
		if _, ok := groups[r.PartitionID]; !ok {
			order = append(order, r.PartitionID)
		}
		groups[r.PartitionID] = append(groups[r.PartitionID], r)
	}
	return groups, order
}

func (p *Preparer) writeTempPart(partitionID string, rows []model.Row) (model.TempPart, error) {
	dir := filepath.Join(p.baseDir, "tmp_"+uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return model.TempPart{}, fmt.Errorf("preparer: creating temp dir: %w", err)
	}

	w, err := newPartWriter(filepath.Join(dir, "data.bin"))
	if err != nil {
		return model.TempPart{}, err
	}
	streamCount := 1
	for _, row := range rows {
		if err := w.WriteRow(row.Cells); err != nil {
			w.Close()
			return model.TempPart{}, err
		}
	}
	checksum, err := w.Finalize()
	if err != nil {
		w.Close()
		return model.TempPart{}, err
	}
	if err := w.Close(); err != nil {
		return model.TempPart{}, fmt.Errorf("preparer: closing temp part file: %w", err)
	}

	p.logger.Debug("wrote temp part",
		zap.String("partition_id", partitionID),
		zap.String("dir", dir),
		zap.Int("rows", len(rows)))

	return model.TempPart{
		PartitionID: partitionID,
		Dir:         dir,
		Checksum:    checksum,
		StreamCount: streamCount,
		RowCount:    len(rows),
	}, nil
}

// RewriteAsync overwrites an existing temp part's contents from a
// filtered row set, used by the async self-duplicate filter and the
// conflict-resolution loop after they drop sub-blocks.
func (p *Preparer) RewriteAsync(part model.TempPart, rows []model.Row) (model.TempPart, error) {
	w, err := newPartWriter(filepath.Join(part.Dir, "data.bin"))
	if err != nil {
		return model.TempPart{}, err
	}
	for _, row := range rows {
		if err := w.WriteRow(row.Cells); err != nil {
			w.Close()
			return model.TempPart{}, err
		}
	}
	checksum, err := w.Finalize()
	if err != nil {
		w.Close()
		return model.TempPart{}, err
	}
	if err := w.Close(); err != nil {
		return model.TempPart{}, fmt.Errorf("preparer: closing rewritten temp part file: %w", err)
	}
	part.Checksum = checksum
	part.RowCount = len(rows)
	return part, nil
}
