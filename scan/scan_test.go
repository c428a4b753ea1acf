package scan

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"

	ethclients "github.com/Iwinswap/iwinswap-ethclients"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tierblocks/tierblocks-chain-system/abi"
)

var (
	registry = common.HexToAddress("0xbb00000000000000000000000000000000000001")
	payout   = common.HexToAddress("0xbb00000000000000000000000000000000000002")
	owner    = common.HexToAddress("0xaa00000000000000000000000000000000000001")
	blockA   = common.HexToAddress("0xcc00000000000000000000000000000000000001")
	blockB   = common.HexToAddress("0xcc00000000000000000000000000000000000002")
)

func newTestScanner(t *testing.T) (*Scanner, *ethclients.TestETHClient) {
	t.Helper()
	eth := ethclients.NewTestETHClient()
	scanner := NewScanner(eth, registry, payout, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return scanner, eth
}

func addressTopic(addr common.Address) common.Hash {
	return common.BytesToHash(common.LeftPadBytes(addr.Bytes(), 32))
}

func creationLog(emitter, logOwner, blockAddr common.Address, level uint8, blockNumber uint64) types.Log {
	data := make([]byte, 64)
	copy(data[12:32], blockAddr.Bytes())
	data[63] = level
	return types.Log{
		Address:     emitter,
		Topics:      []common.Hash{blockCreatedID, addressTopic(logOwner)},
		Data:        data,
		BlockNumber: blockNumber,
	}
}

func claimLog(eventID common.Hash, fromBlock common.Address) types.Log {
	return types.Log{
		Address: payout,
		Topics:  []common.Hash{eventID, addressTopic(owner), addressTopic(fromBlock)},
		Data:    common.BigToHash(big.NewInt(1000)).Bytes(),
	}
}

func TestBlockCreations_FiltersLevelAndDeduplicates(t *testing.T) {
	scanner, eth := newTestScanner(t)
	eth.SetBlockNumberHandler(func(_ context.Context) (uint64, error) { return 1_000_000, nil })
	eth.SetFilterLogsHandler(func(_ context.Context, _ ethereum.FilterQuery) ([]types.Log, error) {
		return []types.Log{
			creationLog(registry, owner, blockA, 1, 10),
			creationLog(registry, owner, blockB, 2, 11), // wrong level
			creationLog(payout, owner, blockA, 1, 12),   // duplicate from the module
		}, nil
	})

	creations, err := scanner.BlockCreations(context.Background(), 1)

	require.NoError(t, err)
	require.Len(t, creations, 1)
	assert.Equal(t, blockA, creations[0].Block)
	assert.Equal(t, owner, creations[0].Owner)
	assert.Equal(t, uint64(10), creations[0].BlockNumber)
}

func TestBlockCreations_PreservesEmissionOrder(t *testing.T) {
	scanner, eth := newTestScanner(t)
	eth.SetBlockNumberHandler(func(_ context.Context) (uint64, error) { return 1_000_000, nil })
	eth.SetFilterLogsHandler(func(_ context.Context, _ ethereum.FilterQuery) ([]types.Log, error) {
		return []types.Log{
			creationLog(registry, owner, blockB, 1, 5),
			creationLog(registry, owner, blockA, 1, 9),
		}, nil
	})

	creations, err := scanner.BlockCreations(context.Background(), 1)

	require.NoError(t, err)
	require.Len(t, creations, 2)
	assert.Equal(t, blockB, creations[0].Block)
	assert.Equal(t, blockA, creations[1].Block)
}

func TestClaimedBlocks_CoversBothPayoutEvents(t *testing.T) {
	scanner, eth := newTestScanner(t)
	eth.SetBlockNumberHandler(func(_ context.Context) (uint64, error) { return 1_000_000, nil })
	eth.SetFilterLogsHandler(func(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
		require.Equal(t, []common.Address{payout}, q.Addresses)
		return []types.Log{
			claimLog(advancePaidID, blockA),
			claimLog(cashoutPaidID, blockB),
			claimLog(advancePaidID, blockA), // repeat claim attempt
		}, nil
	})

	claimed, err := scanner.ClaimedBlocks(context.Background())

	require.NoError(t, err)
	assert.Equal(t, []common.Address{blockA, blockB}, claimed)
}

func TestFilterLogsShrinking_NarrowsUntilAccepted(t *testing.T) {
	scanner, eth := newTestScanner(t)
	const head = uint64(1_000_000)

	var mu sync.Mutex
	var ranges []uint64
	eth.SetBlockNumberHandler(func(_ context.Context) (uint64, error) { return head, nil })
	eth.SetFilterLogsHandler(func(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
		window := head - q.FromBlock.Uint64()
		mu.Lock()
		ranges = append(ranges, window)
		mu.Unlock()
		if window > 20_000 {
			return nil, errors.New("query returned more than 10000 results")
		}
		return []types.Log{creationLog(registry, owner, blockA, 1, 999_999)}, nil
	})

	creations, err := scanner.BlockCreations(context.Background(), 1)

	require.NoError(t, err)
	require.Len(t, creations, 1)
	assert.Equal(t, []uint64{500_000, 100_000, 20_000}, ranges, "widest first, then narrower")
}

func TestFilterLogsShrinking_SurfacesLastErrorWhenExhausted(t *testing.T) {
	scanner, eth := newTestScanner(t)
	rejected := errors.New("range too wide")
	eth.SetBlockNumberHandler(func(_ context.Context) (uint64, error) { return 1_000_000, nil })
	eth.SetFilterLogsHandler(func(_ context.Context, _ ethereum.FilterQuery) ([]types.Log, error) {
		return nil, rejected
	})

	_, err := scanner.BlockCreations(context.Background(), 1)

	require.ErrorIs(t, err, rejected)
}

// wireBlockReads answers every per-field view call for a healthy block.
func wireBlockReads(eth *ethclients.TestETHClient, failing map[common.Address]bool) {
	word := func(v int64) []byte { return common.BigToHash(big.NewInt(v)).Bytes() }

	eth.SetCallContractHandler(func(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
		if failing[*msg.To] {
			return nil, errors.New("no contract at address")
		}
		switch {
		case bytes.Equal(msg.Data, ownerSig):
			return addressTopic(owner).Bytes(), nil
		case bytes.Equal(msg.Data, registrySig):
			return addressTopic(registry).Bytes(), nil
		case bytes.Equal(msg.Data, levelSig):
			return word(1), nil
		case bytes.Equal(msg.Data, statusSig):
			return word(0), nil
		case bytes.Equal(msg.Data, requiredMembersSig):
			return word(9), nil
		case bytes.Equal(msg.Data, memberCountSig):
			return word(4), nil
		case bytes.Equal(msg.Data, invitedCountSig):
			return word(12), nil
		case bytes.Equal(msg.Data, createdAtSig):
			return word(1_700_000_000), nil
		}
		return nil, errors.New("unexpected call")
	})
}

func TestReadBlock(t *testing.T) {
	scanner, eth := newTestScanner(t)
	wireBlockReads(eth, nil)

	state, err := scanner.ReadBlock(context.Background(), blockA)

	require.NoError(t, err)
	assert.Equal(t, BlockState{
		Address:         blockA,
		Owner:           owner,
		Registry:        registry,
		Level:           1,
		Status:          0,
		RequiredMembers: 9,
		MemberCount:     4,
		InvitedCount:    12,
		CreatedAt:       1_700_000_000,
	}, state)
}

func TestReadBlock_ShortResponse(t *testing.T) {
	scanner, eth := newTestScanner(t)
	eth.SetCallContractHandler(func(_ context.Context, _ ethereum.CallMsg, _ *big.Int) ([]byte, error) {
		return []byte{0x01}, nil
	})

	_, err := scanner.ReadBlock(context.Background(), blockA)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid response length")
}

func TestReadBlocks_OneFailureDoesNotFailTheBatch(t *testing.T) {
	scanner, eth := newTestScanner(t)
	wireBlockReads(eth, map[common.Address]bool{blockB: true})

	states, errs := scanner.ReadBlocks(context.Background(), []common.Address{blockA, blockB})

	require.Len(t, states, 2)
	require.Len(t, errs, 2)
	assert.NoError(t, errs[0])
	assert.Equal(t, blockA, states[0].Address)
	assert.Error(t, errs[1])
}

func TestReadBlocks_Empty(t *testing.T) {
	scanner, _ := newTestScanner(t)
	states, errs := scanner.ReadBlocks(context.Background(), nil)
	assert.Nil(t, states)
	assert.Nil(t, errs)
}

func TestMembers(t *testing.T) {
	scanner, eth := newTestScanner(t)
	want := []common.Address{owner, blockB}
	encoded, err := abi.BlockABI.Methods["members"].Outputs.Pack(want)
	require.NoError(t, err)

	eth.SetCallContractHandler(func(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
		require.True(t, bytes.Equal(msg.Data, abi.BlockABI.Methods["members"].ID))
		return encoded, nil
	})

	members, err := scanner.Members(context.Background(), blockA)

	require.NoError(t, err)
	assert.Equal(t, want, members)
}
