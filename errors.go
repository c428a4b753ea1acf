package tierblocks

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Precondition errors are detected locally, before any transaction is
// submitted. They are the primary caller-facing taxonomy.
var (
	// ErrInsufficientBalance is returned when the member's token balance
	// cannot cover the registration fee for the target level.
	ErrInsufficientBalance = errors.New("insufficient token balance for registration fee")
	// ErrBlockFull is returned when the target block already holds its
	// required member count.
	ErrBlockFull = errors.New("block is already full")
	// ErrBlockInactive is returned when the target block is not accepting
	// members.
	ErrBlockInactive = errors.New("block is not active")
	// ErrRegistryMismatch is returned when the target block was deployed
	// under a different registry than the one configured. Guards against
	// joining through a stale address from an old deployment.
	ErrRegistryMismatch = errors.New("block belongs to a different registry deployment")
	// ErrAlreadyMember is returned when the caller already appears in the
	// target block's member list.
	ErrAlreadyMember = errors.New("account is already a member of this block")
	// ErrTierIneligible is returned when the caller's on-chain level does not
	// match the target block's level. The ledger has no downgrade path, so a
	// level-1 block only accepts members at exactly level 1.
	ErrTierIneligible = errors.New("account level is not eligible for this block")
	// ErrMissingReferrer is returned when no referrer can be resolved for a
	// first registration.
	ErrMissingReferrer = errors.New("no referrer resolved for registration")
	// ErrWrongOwner is returned when the connected account is not the owner
	// of the block being advanced or cashed out.
	ErrWrongOwner = errors.New("connected account does not own this block")
)

// JoinError wraps a failure in the join/create pipeline with the identities
// involved.
type JoinError struct {
	Member common.Address
	Block  common.Address
	Level  uint8
	Err    error
}

func (e *JoinError) Error() string {
	return fmt.Sprintf("join level %d for %s (block %s): %v", e.Level, e.Member.Hex(), e.Block.Hex(), e.Err)
}

func (e *JoinError) Unwrap() error {
	return e.Err
}

// AdvanceError wraps a failure to advance or cash out a completed block.
type AdvanceError struct {
	Block common.Address
	Owner common.Address
	Err   error
}

func (e *AdvanceError) Error() string {
	return fmt.Sprintf("advance/cashout of block %s by %s: %v", e.Block.Hex(), e.Owner.Hex(), e.Err)
}

func (e *AdvanceError) Unwrap() error {
	return e.Err
}

// revertPatterns maps known revert-reason substrings to the taxonomy above.
// Matched case-insensitively against the full error chain text, most specific
// first.
var revertPatterns = []struct {
	needle string
	err    error
}{
	{"insufficient allowance", ErrInsufficientBalance},
	{"insufficient balance", ErrInsufficientBalance},
	{"transfer amount exceeds balance", ErrInsufficientBalance},
	{"block full", ErrBlockFull},
	{"max members", ErrBlockFull},
	{"not active", ErrBlockInactive},
	{"inactive", ErrBlockInactive},
	{"already a member", ErrAlreadyMember},
	{"already joined", ErrAlreadyMember},
	{"wrong level", ErrTierIneligible},
	{"level mismatch", ErrTierIneligible},
	{"no referrer", ErrMissingReferrer},
	{"not owner", ErrWrongOwner},
}

// mapRevertError translates a simulated or on-chain revert into the
// precondition taxonomy where the reason is recognizable, so callers see
// "block is already full" instead of an opaque node error. Unrecognized
// reverts pass through unchanged.
func mapRevertError(err error) error {
	if err == nil {
		return nil
	}
	text := strings.ToLower(err.Error())
	for _, p := range revertPatterns {
		if strings.Contains(text, p.needle) {
			return fmt.Errorf("%w: %v", p.err, err)
		}
	}
	return err
}
