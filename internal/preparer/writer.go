package preparer

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"

	"github.com/devrev/coldb/internal/util"
)

// partWriter is the checksummed writer used to materialize one
// partition's rows into a temp-part data file; it writes straight to the
// file without buffering. Record framing is
// [row-size][row-checksum][cell-count]([cell-size][cell-bytes])...,
// mirroring an SSTable data-file's framing without its index/bloom
// sidecars — the sink never reads a temp part back off disk, so no
// lookup structure is needed here.
type partWriter struct {
	file   *os.File
	offset int64
	crc    uint32
	crcTab *crc32.Table
	rows   int
}

func newPartWriter(path string) (*partWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create temp part file: %w", err)
	}
	return &partWriter{file: f, crcTab: crc32.MakeTable(crc32.IEEE)}, nil
}

// WriteRow appends one row's cells to the part.
func (w *partWriter) WriteRow(cells [][]byte) error {
	var buf []byte
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(cells)))
	for _, c := range cells {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(c)))
		buf = append(buf, c...)
	}

	checksum := util.ComputeChecksum(buf)
	rowSize := int32(len(buf))

	if err := binary.Write(w.file, binary.LittleEndian, rowSize); err != nil {
		return fmt.Errorf("failed to write row size: %w", err)
	}
	if err := binary.Write(w.file, binary.LittleEndian, checksum); err != nil {
		return fmt.Errorf("failed to write row checksum: %w", err)
	}
	n, err := w.file.Write(buf)
	if err != nil {
		return fmt.Errorf("failed to write row data: %w", err)
	}

	w.crc = crc32.Update(w.crc, w.crcTab, buf)
	w.offset += int64(4 + 4 + n)
	w.rows++
	return nil
}

// Finalize syncs the file and returns the part's overall checksum.
func (w *partWriter) Finalize() (checksum uint32, err error) {
	if err := w.file.Sync(); err != nil {
		return 0, fmt.Errorf("failed to sync temp part file: %w", err)
	}
	return w.crc, nil
}

func (w *partWriter) Size() int64 { return w.offset }

func (w *partWriter) Close() error { return w.file.Close() }
