package tierblocks

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/tierblocks/tierblocks-chain-system/graph"
)

// MemberState reads an account's standing: on-chain level, recorded referral
// edge, derived referral code, and token balance. Level zero means the
// account has never registered.
func (s *System) MemberState(ctx context.Context, addr common.Address) (*Member, error) {
	level, err := s.readUserLevel(ctx, addr)
	if err != nil {
		return nil, err
	}
	referrer, err := s.readReferrer(ctx, addr)
	if err != nil {
		return nil, err
	}
	balance, err := s.readTokenBalance(ctx, addr)
	if err != nil {
		return nil, err
	}

	return &Member{
		Address:      addr,
		Level:        level,
		Referrer:     referrer,
		ReferralCode: ReferralCode(addr),
		TokenBalance: balance.String(),
	}, nil
}

// Memberships lists the blocks the account belongs to, from the indexed
// graph service. This is a display-only view; the lifecycle pipelines never
// depend on it.
func (s *System) Memberships(ctx context.Context, addr common.Address) ([]graph.Membership, error) {
	return s.graph.MembershipsByMember(ctx, addr)
}

// ReferralCode derives the opaque code used in invite links from the
// account address. No server issues it; anyone can recompute it from the
// on-chain identity.
func ReferralCode(addr common.Address) string {
	return strings.ToLower(strings.TrimPrefix(addr.Hex(), "0x"))
}

// InviteLink builds the shareable URL for an entity and the inviter's code.
func InviteLink(baseURL, entity, id, code string) string {
	return fmt.Sprintf("%s/%s/%s?ref=%s", strings.TrimRight(baseURL, "/"), entity, id, code)
}

// ReferrerFromCode recovers the referrer address embedded in a referral
// code. The boolean reports whether the code parses as one.
func ReferrerFromCode(code string) (common.Address, bool) {
	if !common.IsHexAddress(code) {
		return common.Address{}, false
	}
	return common.HexToAddress(code), true
}
