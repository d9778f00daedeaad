// Package hash128 computes the 128-bit keyed content hash used to build
// block identifiers (see model.BlockID). It composes two independently
// seeded 64-bit xxhash digests rather than reaching for a dedicated
// 128-bit hash library, since cespare/xxhash is already part of this
// repo's dependency closure (pulled in indirectly by the Prometheus
// client) and two independent digests of a keyed hash are exactly as
// collision-resistant for our purposes as a single 128-bit primitive.
package hash128

import "github.com/cespare/xxhash/v2"

// loSeed/hiSeed just need to differ; any two distinct constants work
// since xxhash mixes the seed into the whole digest.
const (
	loSeed uint64 = 0x9ae16a3b2f90404f
	hiSeed uint64 = 0xc3a5c85c97cb3127
)

// Sum128 is the 128-bit digest of the concatenation of cells, expressed
// as two 64-bit halves.
type Sum128 struct {
	Hi uint64
	Lo uint64
}

// Sum computes Sum128 over a sequence of byte slices (e.g. a row's
// cells) without needing to first concatenate them into one buffer.
func Sum(cells [][]byte) Sum128 {
	hi := xxhash.NewWithSeed(hiSeed)
	lo := xxhash.NewWithSeed(loSeed)
	for _, c := range cells {
		hi.Write(c) //nolint:errcheck // xxhash.Write never fails
		lo.Write(c) //nolint:errcheck
	}
	return Sum128{Hi: hi.Sum64(), Lo: lo.Sum64()}
}

// SumAll computes Sum128 over the cells of every row in rows, in order,
// as if all rows' cells were concatenated into a single stream. Used to
// hash a whole sub-block of rows into one block id.
func SumAll(rowsCells [][][]byte) Sum128 {
	hi := xxhash.NewWithSeed(hiSeed)
	lo := xxhash.NewWithSeed(loSeed)
	for _, cells := range rowsCells {
		for _, c := range cells {
			hi.Write(c) //nolint:errcheck
			lo.Write(c) //nolint:errcheck
		}
	}
	return Sum128{Hi: hi.Sum64(), Lo: lo.Sum64()}
}
