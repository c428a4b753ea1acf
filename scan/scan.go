// Package scan is the direct-ledger read path used when the indexed graph
// service is degraded: creation and claim events are recovered from log
// scans, and each discovered block's fields are batch-read straight from its
// contract.
package scan

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	ethclients "github.com/Iwinswap/iwinswap-ethclients"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/ratelimit"

	"github.com/tierblocks/tierblocks-chain-system/abi"
)

var (
	blockCreatedID = abi.RegistryABI.Events["BlockCreated"].ID
	advancePaidID  = abi.PayoutABI.Events["AdvancePaid"].ID
	cashoutPaidID  = abi.PayoutABI.Events["CashoutPaid"].ID

	ownerSig           = abi.BlockABI.Methods["owner"].ID
	levelSig           = abi.BlockABI.Methods["level"].ID
	statusSig          = abi.BlockABI.Methods["status"].ID
	requiredMembersSig = abi.BlockABI.Methods["requiredMembers"].ID
	memberCountSig     = abi.BlockABI.Methods["memberCount"].ID
	invitedCountSig    = abi.BlockABI.Methods["invitedCount"].ID
	createdAtSig       = abi.BlockABI.Methods["createdAt"].ID
	registrySig        = abi.BlockABI.Methods["registry"].ID
)

const (
	defaultRPCTimeout = 10 * time.Second

	// chunkSize bounds how many block contracts are read concurrently.
	chunkSize = 10

	// defaultReadsPerSecond paces eth_call traffic so a full fallback sweep
	// does not trip the node's own limiter while the indexer is already down.
	defaultReadsPerSecond = 25
)

// defaultWindows is the shrinking block-range ladder: try a wide window
// first, then progressively narrower ones when the node rejects the range.
var defaultWindows = []uint64{500_000, 100_000, 20_000, 5_000}

// Creation is one BlockCreated event in emission order.
type Creation struct {
	Block       common.Address
	Owner       common.Address
	Level       uint8
	BlockNumber uint64
	LogIndex    uint
}

// BlockState is the full field set of one block contract.
type BlockState struct {
	Address         common.Address
	Owner           common.Address
	Registry        common.Address
	Level           uint8
	Status          uint8
	RequiredMembers uint8
	MemberCount     uint8
	InvitedCount    uint64
	CreatedAt       int64
}

// Scanner reads block state and event history directly from the ledger.
type Scanner struct {
	eth      ethclients.ETHClient
	registry common.Address
	payout   common.Address
	limiter  ratelimit.Limiter
	logger   *slog.Logger
	windows  []uint64
}

func NewScanner(eth ethclients.ETHClient, registry, payout common.Address, logger *slog.Logger) *Scanner {
	return &Scanner{
		eth:      eth,
		registry: registry,
		payout:   payout,
		limiter:  ratelimit.New(defaultReadsPerSecond),
		logger:   logger,
		windows:  defaultWindows,
	}
}

// BlockCreations scans BlockCreated events for the given level, in emission
// order. Both the registry and the payout module are scanned, since advances
// emit the creation from the module instead of the registry.
func (s *Scanner) BlockCreations(ctx context.Context, level uint8) ([]Creation, error) {
	logs, err := s.filterLogsShrinking(ctx, []common.Address{s.registry, s.payout}, [][]common.Hash{{blockCreatedID}})
	if err != nil {
		return nil, fmt.Errorf("block creation scan failed: %w", err)
	}

	seen := make(map[common.Address]struct{})
	var creations []Creation
	for _, log := range logs {
		if len(log.Topics) < 2 || len(log.Data) != 64 {
			continue
		}
		created := Creation{
			Block:       common.BytesToAddress(log.Data[:32]),
			Owner:       common.BytesToAddress(log.Topics[1].Bytes()),
			Level:       log.Data[63],
			BlockNumber: log.BlockNumber,
			LogIndex:    log.Index,
		}
		if created.Level != level {
			continue
		}
		if _, dup := seen[created.Block]; dup {
			continue
		}
		seen[created.Block] = struct{}{}
		creations = append(creations, created)
	}
	return creations, nil
}

// ClaimedBlocks returns the addresses of blocks whose owner has already
// executed an advance or cashout against them.
func (s *Scanner) ClaimedBlocks(ctx context.Context) ([]common.Address, error) {
	logs, err := s.filterLogsShrinking(ctx, []common.Address{s.payout}, [][]common.Hash{{advancePaidID, cashoutPaidID}})
	if err != nil {
		return nil, fmt.Errorf("claim scan failed: %w", err)
	}

	seen := make(map[common.Address]struct{})
	var claimed []common.Address
	for _, log := range logs {
		// fromBlock is the second indexed topic on both event shapes.
		if len(log.Topics) < 3 {
			continue
		}
		addr := common.BytesToAddress(log.Topics[2].Bytes())
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		claimed = append(claimed, addr)
	}
	return claimed, nil
}

// filterLogsShrinking walks the window ladder from widest to narrowest,
// returning the first successful scan. Only the final window's error is
// surfaced; earlier rejections are the expected behavior of range-capped
// nodes.
func (s *Scanner) filterLogsShrinking(ctx context.Context, addresses []common.Address, topics [][]common.Hash) ([]types.Log, error) {
	latest, err := s.eth.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch head block: %w", err)
	}

	var lastErr error
	for _, window := range s.windows {
		from := uint64(0)
		if latest > window {
			from = latest - window
		}
		query := ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(latest),
			Addresses: addresses,
			Topics:    topics,
		}

		s.limiter.Take()
		logs, err := s.eth.FilterLogs(ctx, query)
		if err == nil {
			return logs, nil
		}
		lastErr = err
		s.logger.Debug("log range rejected, narrowing window",
			"window", window, "error", err)

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

// ReadBlocks fetches the state of every block in fixed-size concurrent
// chunks. Results and errors are parallel to addrs; a single failing block
// never fails the batch.
func (s *Scanner) ReadBlocks(ctx context.Context, addrs []common.Address) ([]BlockState, []error) {
	numBlocks := len(addrs)
	if numBlocks == 0 {
		return nil, nil
	}

	states := make([]BlockState, numBlocks)
	errs := make([]error, numBlocks)

	semaphore := make(chan struct{}, chunkSize)
	var wg sync.WaitGroup
	wg.Add(numBlocks)

	for i, addr := range addrs {
		semaphore <- struct{}{}

		go func(index int, blockAddr common.Address) {
			defer func() {
				<-semaphore
				wg.Done()
			}()

			if ctx.Err() != nil {
				errs[index] = ctx.Err()
				return
			}

			state, err := s.ReadBlock(ctx, blockAddr)
			if err != nil {
				errs[index] = err
				return
			}
			states[index] = state
		}(i, addr)
	}

	wg.Wait()
	return states, errs
}

// ReadBlock fetches all fields of a single block contract.
func (s *Scanner) ReadBlock(ctx context.Context, blockAddr common.Address) (BlockState, error) {
	state := BlockState{Address: blockAddr}

	owner, err := s.callForAddress(ctx, blockAddr, ownerSig, "owner")
	if err != nil {
		return BlockState{}, err
	}
	state.Owner = owner

	registry, err := s.callForAddress(ctx, blockAddr, registrySig, "registry")
	if err != nil {
		return BlockState{}, err
	}
	state.Registry = registry

	level, err := s.callForUint(ctx, blockAddr, levelSig, "level")
	if err != nil {
		return BlockState{}, err
	}
	state.Level = uint8(level)

	status, err := s.callForUint(ctx, blockAddr, statusSig, "status")
	if err != nil {
		return BlockState{}, err
	}
	state.Status = uint8(status)

	required, err := s.callForUint(ctx, blockAddr, requiredMembersSig, "requiredMembers")
	if err != nil {
		return BlockState{}, err
	}
	state.RequiredMembers = uint8(required)

	members, err := s.callForUint(ctx, blockAddr, memberCountSig, "memberCount")
	if err != nil {
		return BlockState{}, err
	}
	state.MemberCount = uint8(members)

	invited, err := s.callForUint(ctx, blockAddr, invitedCountSig, "invitedCount")
	if err != nil {
		return BlockState{}, err
	}
	state.InvitedCount = invited

	createdAt, err := s.callForUint(ctx, blockAddr, createdAtSig, "createdAt")
	if err != nil {
		return BlockState{}, err
	}
	state.CreatedAt = int64(createdAt)

	return state, nil
}

// Members returns the member listing of a block in join order.
func (s *Scanner) Members(ctx context.Context, blockAddr common.Address) ([]common.Address, error) {
	data, err := abi.BlockABI.Pack("members")
	if err != nil {
		return nil, fmt.Errorf("failed to encode members call: %w", err)
	}

	out, err := s.call(ctx, blockAddr, data)
	if err != nil {
		return nil, fmt.Errorf("eth_call for members failed for block %s: %w", blockAddr.Hex(), err)
	}

	unpacked, err := abi.BlockABI.Unpack("members", out)
	if err != nil {
		return nil, fmt.Errorf("failed to decode members for block %s: %w", blockAddr.Hex(), err)
	}
	if len(unpacked) != 1 {
		return nil, fmt.Errorf("unexpected members output arity for block %s", blockAddr.Hex())
	}
	members, ok := unpacked[0].([]common.Address)
	if !ok {
		return nil, fmt.Errorf("unexpected members output type for block %s", blockAddr.Hex())
	}
	return members, nil
}

func (s *Scanner) call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, defaultRPCTimeout)
	defer cancel()

	s.limiter.Take()
	return s.eth.CallContract(callCtx, ethereum.CallMsg{To: &to, Data: data}, nil)
}

// callForAddress reads a view returning a single address; the response is
// always one 32-byte slot.
func (s *Scanner) callForAddress(ctx context.Context, to common.Address, sig []byte, name string) (common.Address, error) {
	out, err := s.call(ctx, to, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("eth_call for %s failed for block %s: %w", name, to.Hex(), err)
	}
	if len(out) != 32 {
		return common.Address{}, fmt.Errorf("invalid response length for %s on block %s: got %d bytes", name, to.Hex(), len(out))
	}
	return common.BytesToAddress(out), nil
}

// callForUint reads a view returning a single unsigned integer slot.
func (s *Scanner) callForUint(ctx context.Context, to common.Address, sig []byte, name string) (uint64, error) {
	out, err := s.call(ctx, to, sig)
	if err != nil {
		return 0, fmt.Errorf("eth_call for %s failed for block %s: %w", name, to.Hex(), err)
	}
	if len(out) != 32 {
		return 0, fmt.Errorf("invalid response length for %s on block %s: got %d bytes", name, to.Hex(), len(out))
	}
	return new(big.Int).SetBytes(out).Uint64(), nil
}
