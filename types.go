// Package tierblocks orchestrates a member's progression through a tiered,
// fixed-size contribution-block scheme that lives entirely on a public
// ledger. It sequences the dependent transactions of registration, joining,
// advancing and cashing out, and serves ranking queries from an indexed graph
// service with a direct-ledger fallback.
package tierblocks

import (
	"github.com/ethereum/go-ethereum/common"
)

// BlockStatus is the on-chain lifecycle state of a block contract.
type BlockStatus uint8

const (
	BlockActive BlockStatus = iota
	BlockCompleted
)

// QueryStatus selects the slice of blocks a ranking query returns. Claimed is
// a derived state: a completed block whose owner has already advanced or
// cashed out against it.
type QueryStatus string

const (
	StatusActive    QueryStatus = "active"
	StatusCompleted QueryStatus = "completed"
	StatusClaimed   QueryStatus = "claimed"
)

// ParseQueryStatus validates a caller-supplied status string.
func ParseQueryStatus(s string) (QueryStatus, bool) {
	switch QueryStatus(s) {
	case StatusActive, StatusCompleted, StatusClaimed:
		return QueryStatus(s), true
	}
	return "", false
}

// BlockRecord is the merged view of one block served to ranking queries,
// identical regardless of which read path produced it.
type BlockRecord struct {
	Address         common.Address `json:"address"`
	Owner           common.Address `json:"owner"`
	Level           uint8          `json:"level"`
	RequiredMembers uint8          `json:"requiredMembers"`
	MemberCount     uint8          `json:"memberCount"`
	InvitedCount    uint64         `json:"invitedCount"`
	Status          BlockStatus    `json:"status"`
	CreatedAt       int64          `json:"createdAt"`

	// Sequence is the per-level display number derived from creation order;
	// it is not stored on-chain.
	Sequence int `json:"sequence"`
	// Claimed is derived from the advance/cashout event scan.
	Claimed bool `json:"claimed"`
}

// Member is the read-side view of an account's standing in the scheme.
type Member struct {
	Address      common.Address `json:"address"`
	Level        uint8          `json:"level"`
	Referrer     common.Address `json:"referrer"`
	ReferralCode string         `json:"referralCode"`
	TokenBalance string         `json:"tokenBalance"`
}
