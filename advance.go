package tierblocks

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tierblocks/tierblocks-chain-system/abi"
	"github.com/tierblocks/tierblocks-chain-system/events"
	"github.com/tierblocks/tierblocks-chain-system/scan"
)

// AdvanceResult reports the outcome of an Advance pipeline. JoinedTopBlock is
// the auxiliary step; the payout already happened whenever NewBlock is set.
type AdvanceResult struct {
	NewBlock       common.Address
	JoinedTopBlock bool
}

// Advance pays out a completed block and moves its owner to the next tier in
// one transaction. The ledger deploys the owner's next-tier block as a side
// effect; its address is recovered from the receipt, checking the payout
// module's creation event before the registry's since either code path may
// emit it. A secondary, non-fatal step joins the caller into the current
// tier's top-ranked block when one exists and is not the caller's own.
func (s *System) Advance(ctx context.Context, blockAddr, payoutTarget common.Address) (*AdvanceResult, error) {
	owner := s.chain.From()
	timer := prometheus.NewTimer(s.metrics.PipelineDuration.WithLabelValues("advance"))
	defer timer.ObserveDuration()

	result, err := s.advance(ctx, owner, blockAddr, payoutTarget)
	if err != nil {
		s.metrics.ErrorsTotal.WithLabelValues("advance").Inc()
		s.metrics.OperationsTotal.WithLabelValues("advance", "error").Inc()
		return nil, &AdvanceError{Block: blockAddr, Owner: owner, Err: err}
	}
	s.metrics.OperationsTotal.WithLabelValues("advance", "ok").Inc()
	return result, nil
}

func (s *System) advance(ctx context.Context, owner, blockAddr, payoutTarget common.Address) (*AdvanceResult, error) {
	state, err := s.verifyOwner(ctx, owner, blockAddr)
	if err != nil {
		return nil, err
	}

	if payoutTarget == (common.Address{}) {
		payoutTarget, err = s.readTopBlock(ctx, state.Level+1)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve payout target at level %d: %w", state.Level+1, err)
		}
	}

	data, err := abi.PayoutABI.Pack("advance", blockAddr, payoutTarget)
	if err != nil {
		return nil, fmt.Errorf("failed to encode advance call: %w", err)
	}
	if err := s.chain.Simulate(ctx, s.payout, data); err != nil {
		return nil, mapRevertError(err)
	}
	receipt, err := s.chain.Submit(ctx, s.payout, data, s.primaryWait)
	if err != nil {
		return nil, mapRevertError(err)
	}

	creation, ok := events.Resolve(receipt,
		events.CreatedBy(s.payout, events.PayoutBlockCreated, owner),
		events.CreatedBy(s.registry, events.RegistryBlockCreated, owner),
	)
	if !ok {
		return nil, fmt.Errorf("advance confirmed in tx %s but no block creation found in receipt", receipt.TxHash.Hex())
	}

	// The payout is final from here on. Mark the block claimed locally so a
	// ranking query in the same TTL window reflects it immediately.
	s.claimed.add(blockAddr)
	s.cache.invalidateLevel(state.Level)
	s.cache.invalidateLevel(state.Level + 1)

	result := &AdvanceResult{NewBlock: creation.Block}
	result.JoinedTopBlock = s.joinTopBlock(ctx, owner, state.Level)

	s.logger.Info("advance pipeline complete",
		"owner", owner.Hex(),
		"fromBlock", blockAddr.Hex(),
		"toBlock", creation.Block.Hex(),
		"level", state.Level+1,
		"joinedTopBlock", result.JoinedTopBlock,
	)
	return result, nil
}

// Cashout pays out a completed block's owner and ends their participation at
// that tier. Single transaction, no secondary step.
func (s *System) Cashout(ctx context.Context, blockAddr, payoutTarget common.Address) error {
	owner := s.chain.From()
	timer := prometheus.NewTimer(s.metrics.PipelineDuration.WithLabelValues("cashout"))
	defer timer.ObserveDuration()

	err := s.cashout(ctx, owner, blockAddr, payoutTarget)
	if err != nil {
		s.metrics.ErrorsTotal.WithLabelValues("cashout").Inc()
		s.metrics.OperationsTotal.WithLabelValues("cashout", "error").Inc()
		return &AdvanceError{Block: blockAddr, Owner: owner, Err: err}
	}
	s.metrics.OperationsTotal.WithLabelValues("cashout", "ok").Inc()
	return nil
}

func (s *System) cashout(ctx context.Context, owner, blockAddr, payoutTarget common.Address) error {
	state, err := s.verifyOwner(ctx, owner, blockAddr)
	if err != nil {
		return err
	}

	data, err := abi.PayoutABI.Pack("cashout", blockAddr, payoutTarget)
	if err != nil {
		return fmt.Errorf("failed to encode cashout call: %w", err)
	}
	if err := s.chain.Simulate(ctx, s.payout, data); err != nil {
		return mapRevertError(err)
	}
	if _, err := s.chain.Submit(ctx, s.payout, data, s.primaryWait); err != nil {
		return mapRevertError(err)
	}

	s.claimed.add(blockAddr)
	s.cache.invalidateLevel(state.Level)

	s.logger.Info("cashout complete",
		"owner", owner.Hex(),
		"block", blockAddr.Hex(),
		"level", state.Level,
	)
	return nil
}

// verifyOwner rejects the operation locally when the connected account does
// not own the block, instead of letting the ledger burn gas on the revert.
func (s *System) verifyOwner(ctx context.Context, owner, blockAddr common.Address) (scan.BlockState, error) {
	state, err := s.scanner.ReadBlock(ctx, blockAddr)
	if err != nil {
		return scan.BlockState{}, fmt.Errorf("failed to read block %s: %w", blockAddr.Hex(), err)
	}
	if state.Owner != owner {
		return scan.BlockState{}, ErrWrongOwner
	}
	return state, nil
}

func (s *System) readTopBlock(ctx context.Context, level uint8) (common.Address, error) {
	out, err := s.readPacked(ctx, s.registry, abi.RegistryABI, "topBlock", level)
	if err != nil {
		return common.Address{}, err
	}
	return common.BytesToAddress(out), nil
}

// joinTopBlock is the secondary step after an advance: join the caller into
// the prior tier's top-ranked block. The money already moved, so every
// failure here is logged and swallowed.
func (s *System) joinTopBlock(ctx context.Context, owner common.Address, level uint8) bool {
	records, err := s.FetchBlocks(ctx, level, StatusActive)
	if err != nil || len(records) == 0 {
		s.bestEffortFailed("top_block_join", "no ranked block available", "level", level, "err", err)
		return false
	}

	// Only the queue front counts. When the caller's own block holds it,
	// there is nothing to join; the next-ranked block is not a substitute.
	if records[0].Owner == owner {
		s.logger.Debug("top-ranked block is the caller's own; skipping join", "level", level)
		return false
	}
	top := records[0].Address

	data, err := abi.RegistryABI.Pack("joinBlock", top)
	if err != nil {
		s.bestEffortFailed("top_block_join", "failed to encode joinBlock call", "err", err)
		return false
	}
	if err := s.chain.Simulate(ctx, s.registry, data); err != nil {
		s.bestEffortFailed("top_block_join", "join simulation rejected", "block", top.Hex(), "err", mapRevertError(err))
		return false
	}
	if _, err := s.chain.Submit(ctx, s.registry, data, s.bestEffortWait); err != nil {
		s.bestEffortFailed("top_block_join", "join transaction failed", "block", top.Hex(), "err", err)
		return false
	}

	s.cache.invalidateLevel(level)
	return true
}

func (s *System) bestEffortFailed(step, msg string, args ...any) {
	s.metrics.BestEffortFailTotal.WithLabelValues(step).Inc()
	s.logger.Warn(msg, args...)
}
