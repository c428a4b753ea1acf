package tierblocks

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/tierblocks/tierblocks-chain-system/abi"
	"github.com/tierblocks/tierblocks-chain-system/graph"
	"github.com/tierblocks/tierblocks-chain-system/scan"
)

var (
	testOwner     = common.HexToAddress("0xaa00000000000000000000000000000000000001")
	testReferrer  = common.HexToAddress("0xaa00000000000000000000000000000000000002")
	testStranger  = common.HexToAddress("0xaa00000000000000000000000000000000000003")
	testRegistry  = common.HexToAddress("0xbb00000000000000000000000000000000000001")
	testPayout    = common.HexToAddress("0xbb00000000000000000000000000000000000002")
	testToken     = common.HexToAddress("0xbb00000000000000000000000000000000000003")
	testBlockA    = common.HexToAddress("0xcc00000000000000000000000000000000000001")
	testBlockB    = common.HexToAddress("0xcc00000000000000000000000000000000000002")
	testNewBlock  = common.HexToAddress("0xcc00000000000000000000000000000000000003")
	testBeneficry = common.HexToAddress("0xdd00000000000000000000000000000000000001")
)

// addressTopic left-pads an address into the 32-byte form indexed event
// topics and single-slot eth_call responses use.
func addressTopic(addr common.Address) common.Hash {
	return common.BytesToHash(common.LeftPadBytes(addr.Bytes(), 32))
}

type submitCall struct {
	to   common.Address
	data []byte
	wait time.Duration
}

// mockChain serves registry/token reads from fixed values and records every
// submitted transaction.
type mockChain struct {
	mu sync.Mutex

	from      common.Address
	userLevel uint8
	referrer  common.Address
	fee       *big.Int
	balance   *big.Int
	topBlock  common.Address

	simulateErr error
	submitErr   error
	// submitErrTo overrides submitErr for a single destination contract.
	submitErrTo map[common.Address]error
	receipt     *types.Receipt

	simulated []submitCall
	submitted []submitCall
}

func newMockChain() *mockChain {
	return &mockChain{
		from:    testOwner,
		fee:     big.NewInt(20),
		balance: big.NewInt(100),
		receipt: &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: common.HexToHash("0x01")},
	}
}

func (m *mockChain) From() common.Address { return m.from }

func (m *mockChain) Read(_ context.Context, _ common.Address, data []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	word := func(v *big.Int) []byte { return common.BigToHash(v).Bytes() }
	switch {
	case bytes.Equal(data[:4], abi.RegistryABI.Methods["userLevel"].ID):
		return word(big.NewInt(int64(m.userLevel))), nil
	case bytes.Equal(data[:4], abi.RegistryABI.Methods["referrerOf"].ID):
		return addressTopic(m.referrer).Bytes(), nil
	case bytes.Equal(data[:4], abi.RegistryABI.Methods["registrationFee"].ID):
		return word(m.fee), nil
	case bytes.Equal(data[:4], abi.RegistryABI.Methods["topBlock"].ID):
		return addressTopic(m.topBlock).Bytes(), nil
	case bytes.Equal(data[:4], abi.TokenABI.Methods["balanceOf"].ID):
		return word(m.balance), nil
	}
	return make([]byte, 32), nil
}

func (m *mockChain) Simulate(_ context.Context, to common.Address, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.simulated = append(m.simulated, submitCall{to: to, data: data})
	return m.simulateErr
}

func (m *mockChain) Submit(_ context.Context, to common.Address, data []byte, wait time.Duration) (*types.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitted = append(m.submitted, submitCall{to: to, data: data, wait: wait})
	if err, ok := m.submitErrTo[to]; ok {
		return nil, err
	}
	if m.submitErr != nil {
		return nil, m.submitErr
	}
	return m.receipt, nil
}

func (m *mockChain) submittedCalls() []submitCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]submitCall, len(m.submitted))
	copy(out, m.submitted)
	return out
}

// submittedTo returns the submitted calldata for to, in order.
func (m *mockChain) submittedTo(to common.Address) [][]byte {
	var out [][]byte
	for _, call := range m.submittedCalls() {
		if call.to == to {
			out = append(out, call.data)
		}
	}
	return out
}

type mockGraph struct {
	mu     sync.Mutex
	blocks []graph.Block
	err    error
	calls  int
}

func (m *mockGraph) BlocksByLevel(_ context.Context, _ uint8) ([]graph.Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.blocks, m.err
}

func (m *mockGraph) MembershipsByMember(_ context.Context, _ common.Address) ([]graph.Membership, error) {
	return nil, nil
}

func (m *mockGraph) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type mockScanner struct {
	mu sync.Mutex

	creations   []scan.Creation
	creationErr error
	claimed     []common.Address
	claimedErr  error
	states      map[common.Address]scan.BlockState
	stateErr    error
	members     map[common.Address][]common.Address
	memberErr   error
}

func newMockScanner() *mockScanner {
	return &mockScanner{
		states:  make(map[common.Address]scan.BlockState),
		members: make(map[common.Address][]common.Address),
	}
}

func (m *mockScanner) BlockCreations(_ context.Context, level uint8) ([]scan.Creation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.creationErr != nil {
		return nil, m.creationErr
	}
	var out []scan.Creation
	for _, c := range m.creations {
		if c.Level == level {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *mockScanner) ClaimedBlocks(_ context.Context) ([]common.Address, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.claimed, m.claimedErr
}

func (m *mockScanner) ReadBlocks(ctx context.Context, addrs []common.Address) ([]scan.BlockState, []error) {
	states := make([]scan.BlockState, len(addrs))
	errs := make([]error, len(addrs))
	for i, addr := range addrs {
		states[i], errs[i] = m.ReadBlock(ctx, addr)
	}
	return states, errs
}

func (m *mockScanner) ReadBlock(_ context.Context, addr common.Address) (scan.BlockState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stateErr != nil {
		return scan.BlockState{}, m.stateErr
	}
	return m.states[addr], nil
}

func (m *mockScanner) Members(_ context.Context, addr common.Address) ([]common.Address, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.members[addr], m.memberErr
}

type approvalCall struct {
	spender common.Address
	amount  *big.Int
}

type mockApprovals struct {
	mu    sync.Mutex
	err   error
	calls []approvalCall
}

func (m *mockApprovals) EnsureAllowance(_ context.Context, spender common.Address, required *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, approvalCall{spender: spender, amount: new(big.Int).Set(required)})
	return m.err
}

func (m *mockApprovals) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

type testSystem struct {
	system    *System
	chain     *mockChain
	graph     *mockGraph
	scanner   *mockScanner
	approvals *mockApprovals
	clock     *clockwork.FakeClock
}

func newTestSystem(t *testing.T) *testSystem {
	t.Helper()

	ts := &testSystem{
		chain:     newMockChain(),
		graph:     &mockGraph{},
		scanner:   newMockScanner(),
		approvals: &mockApprovals{},
		clock:     clockwork.NewFakeClock(),
	}

	system, err := NewSystem(&Config{
		SystemName:     "test",
		PrometheusReg:  prometheus.NewRegistry(),
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:          ts.clock,
		Chain:          ts.chain,
		Graph:          ts.graph,
		Scanner:        ts.scanner,
		Approvals:      ts.approvals,
		Registry:       testRegistry,
		Payout:         testPayout,
		Token:          testToken,
		FeeBeneficiary: testBeneficry,
	})
	require.NoError(t, err)

	ts.system = system
	return ts
}

// activeBlockState returns a joinable level-1 block under the test registry.
func activeBlockState(addr common.Address) scan.BlockState {
	return scan.BlockState{
		Address:         addr,
		Owner:           testReferrer,
		Registry:        testRegistry,
		Level:           1,
		Status:          uint8(BlockActive),
		RequiredMembers: 9,
		MemberCount:     3,
		InvitedCount:    5,
		CreatedAt:       1_700_000_000,
	}
}

// creationLog builds the BlockCreated log a join or advance receipt carries.
func creationLog(emitter common.Address, eventID common.Hash, owner, blockAddr common.Address, level uint8) *types.Log {
	data := make([]byte, 64)
	copy(data[12:32], blockAddr.Bytes())
	data[63] = level
	return &types.Log{
		Address: emitter,
		Topics:  []common.Hash{eventID, addressTopic(owner)},
		Data:    data,
	}
}

func receiptWithCreation(emitter common.Address, eventID common.Hash, owner, blockAddr common.Address, level uint8) *types.Receipt {
	return &types.Receipt{
		Status: types.ReceiptStatusSuccessful,
		TxHash: common.HexToHash("0x02"),
		Logs:   []*types.Log{creationLog(emitter, eventID, owner, blockAddr, level)},
	}
}
