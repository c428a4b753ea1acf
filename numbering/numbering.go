// Package numbering derives the per-level display sequence of blocks purely
// from creation order. Nothing on-chain stores a counter, so both read paths
// must feed the same sort key through the same function to agree.
package numbering

import (
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// Created is the minimal input: a block's identity and its creation time.
type Created struct {
	ID        common.Address
	CreatedAt int64
}

// SequenceNumbers assigns 1..N to the given blocks in creation-time order.
// The sort is stable, so equal timestamps keep their input order; calling the
// function twice on the same input yields identical output.
func SequenceNumbers(blocks []Created) map[common.Address]int {
	ordered := make([]Created, len(blocks))
	copy(ordered, blocks)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].CreatedAt < ordered[j].CreatedAt
	})

	seq := make(map[common.Address]int, len(ordered))
	for i, b := range ordered {
		seq[b.ID] = i + 1
	}
	return seq
}
