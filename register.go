package tierblocks

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tierblocks/tierblocks-chain-system/abi"
	"github.com/tierblocks/tierblocks-chain-system/events"
)

// JoinResult reports the outcome of a JoinOrCreate pipeline. NewBlock is the
// member's own block created as a side effect of joining. FeeDispersed is
// auxiliary: the primary membership change stands even when false.
type JoinResult struct {
	NewBlock     common.Address
	Registered   bool
	FeeDispersed bool
}

// JoinOrCreate runs the full membership pipeline for the connected account:
// preflight the target block, register the account if it has no level yet
// (fee approval included), reject duplicates and ineligible tiers, submit the
// join, and recover the new block address from the receipt. target may be the
// zero address at level >= 2 to create a fresh block instead of joining one.
//
// Once a transaction is broadcast the pipeline never retries it; every check
// that can fail runs before the first submit.
func (s *System) JoinOrCreate(ctx context.Context, target, referrer common.Address, level uint8) (*JoinResult, error) {
	member := s.chain.From()
	timer := prometheus.NewTimer(s.metrics.PipelineDuration.WithLabelValues("join"))
	defer timer.ObserveDuration()

	result, err := s.joinOrCreate(ctx, member, target, referrer, level)
	if err != nil {
		s.metrics.ErrorsTotal.WithLabelValues("join").Inc()
		s.metrics.OperationsTotal.WithLabelValues("join", "error").Inc()
		return nil, &JoinError{Member: member, Block: target, Level: level, Err: err}
	}
	s.metrics.OperationsTotal.WithLabelValues("join", "ok").Inc()
	return result, nil
}

func (s *System) joinOrCreate(ctx context.Context, member, target, referrer common.Address, level uint8) (*JoinResult, error) {
	if level == 0 {
		return nil, fmt.Errorf("level must be at least 1")
	}
	// At level 1 the registry resolves the block from the referral edge, so
	// target is optional there; at higher levels a zero target means create.
	joining := target != (common.Address{})
	if joining {
		if err := s.preflightBlock(ctx, target, level, member); err != nil {
			return nil, err
		}
	}

	currentLevel, err := s.readUserLevel(ctx, member)
	if err != nil {
		return nil, err
	}

	result := &JoinResult{}
	if currentLevel == 0 {
		if err := s.register(ctx, member, referrer, level); err != nil {
			return nil, err
		}
		result.Registered = true
		currentLevel = level
	}

	// Level-1 blocks accept level-1 accounts only. There is no downgrade
	// path, so a higher-level account following a stale invite link is
	// rejected rather than silently re-routed.
	if level == 1 && currentLevel != 1 {
		return nil, ErrTierIneligible
	}

	created, err := s.submitJoin(ctx, member, target, level, joining)
	if err != nil {
		return nil, err
	}
	result.NewBlock = created

	result.FeeDispersed = s.disperseFee(ctx, member)

	s.cache.invalidateLevel(level)
	s.logger.Info("join pipeline complete",
		"member", member.Hex(),
		"level", level,
		"newBlock", created.Hex(),
		"registered", result.Registered,
		"feeDispersed", result.FeeDispersed,
	)
	return result, nil
}

// preflightBlock rejects a doomed join before any transaction is built:
// wrong registry deployment, inactive or full block, duplicate membership.
func (s *System) preflightBlock(ctx context.Context, target common.Address, level uint8, member common.Address) error {
	state, err := s.scanner.ReadBlock(ctx, target)
	if err != nil {
		return fmt.Errorf("failed to preflight block %s: %w", target.Hex(), err)
	}
	if state.Registry != s.registry {
		return ErrRegistryMismatch
	}
	if state.Level != level {
		return ErrTierIneligible
	}
	if BlockStatus(state.Status) != BlockActive {
		return ErrBlockInactive
	}
	if state.MemberCount >= state.RequiredMembers {
		return ErrBlockFull
	}

	memberList, err := s.scanner.Members(ctx, target)
	if err != nil {
		return fmt.Errorf("failed to read member list of block %s: %w", target.Hex(), err)
	}
	for _, m := range memberList {
		if m == member {
			return ErrAlreadyMember
		}
	}
	return nil
}

// register submits the one fee-moving transaction of the pipeline. The
// balance is read first so an underfunded account fails before the approval
// is even attempted.
func (s *System) register(ctx context.Context, member, referrer common.Address, level uint8) error {
	fee, err := s.readRegistrationFee(ctx, level)
	if err != nil {
		return err
	}

	balance, err := s.readTokenBalance(ctx, member)
	if err != nil {
		return err
	}
	if balance.Cmp(fee) < 0 {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, balance, fee)
	}

	if err := s.approvals.EnsureAllowance(ctx, s.registry, fee); err != nil {
		return fmt.Errorf("registration fee approval failed: %w", err)
	}

	resolved, err := s.resolveReferrer(ctx, member, referrer)
	if err != nil {
		return err
	}

	data, err := abi.RegistryABI.Pack("register", resolved, level)
	if err != nil {
		return fmt.Errorf("failed to encode register call: %w", err)
	}
	if err := s.chain.Simulate(ctx, s.registry, data); err != nil {
		return mapRevertError(err)
	}
	if _, err := s.chain.Submit(ctx, s.registry, data, s.primaryWait); err != nil {
		return mapRevertError(err)
	}

	s.logger.Info("member registered",
		"member", member.Hex(),
		"referrer", resolved.Hex(),
		"level", level,
		"fee", fee.String(),
	)
	return nil
}

// resolveReferrer prefers the explicit referrer from the invite link, then
// falls back to the referral edge already recorded on the ledger.
func (s *System) resolveReferrer(ctx context.Context, member, referrer common.Address) (common.Address, error) {
	if referrer != (common.Address{}) {
		return referrer, nil
	}
	recorded, err := s.readReferrer(ctx, member)
	if err != nil {
		return common.Address{}, err
	}
	if recorded == (common.Address{}) {
		return common.Address{}, ErrMissingReferrer
	}
	return recorded, nil
}

// submitJoin sends the join variant for the level and decodes the member's
// newly created block out of the receipt.
func (s *System) submitJoin(ctx context.Context, member, target common.Address, level uint8, joining bool) (common.Address, error) {
	var (
		data []byte
		err  error
	)
	switch {
	case level == 1:
		// The registry routes level-1 joiners into their referrer's block.
		data, err = abi.RegistryABI.Pack("joinByReferrer")
	case joining:
		data, err = abi.RegistryABI.Pack("joinBlock", target)
	default:
		data, err = abi.RegistryABI.Pack("createBlock", level)
	}
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to encode join call: %w", err)
	}

	if err := s.chain.Simulate(ctx, s.registry, data); err != nil {
		return common.Address{}, mapRevertError(err)
	}
	receipt, err := s.chain.Submit(ctx, s.registry, data, s.primaryWait)
	if err != nil {
		return common.Address{}, mapRevertError(err)
	}

	creation, ok := events.Resolve(receipt,
		events.CreatedBy(s.registry, events.RegistryBlockCreated, member),
	)
	if !ok {
		return common.Address{}, fmt.Errorf("join confirmed in tx %s but no block creation found in receipt", receipt.TxHash.Hex())
	}
	return creation.Block, nil
}

// disperseFee forwards the beneficiary's cut of the registration fee. The
// membership change is already final, so any failure here is logged and
// swallowed. Reports whether the dispersal confirmed.
func (s *System) disperseFee(ctx context.Context, member common.Address) bool {
	if s.feeBeneficiary == (common.Address{}) {
		return false
	}
	data, err := abi.PayoutABI.Pack("disperseFee", s.feeBeneficiary)
	if err != nil {
		s.logger.Error("failed to encode disperseFee call", "err", err)
		s.metrics.BestEffortFailTotal.WithLabelValues("disperse_fee").Inc()
		return false
	}
	if _, err := s.chain.Submit(ctx, s.payout, data, s.bestEffortWait); err != nil {
		s.logger.Warn("fee dispersal failed; membership change stands",
			"member", member.Hex(),
			"beneficiary", s.feeBeneficiary.Hex(),
			"err", err,
		)
		s.metrics.BestEffortFailTotal.WithLabelValues("disperse_fee").Inc()
		return false
	}
	return true
}
