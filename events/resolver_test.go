package events

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	registry = common.HexToAddress("0xbb00000000000000000000000000000000000001")
	payout   = common.HexToAddress("0xbb00000000000000000000000000000000000002")
	owner    = common.HexToAddress("0xaa00000000000000000000000000000000000001")
	other    = common.HexToAddress("0xaa00000000000000000000000000000000000002")
	created  = common.HexToAddress("0xcc00000000000000000000000000000000000001")
)

func addressTopic(addr common.Address) common.Hash {
	return common.BytesToHash(common.LeftPadBytes(addr.Bytes(), 32))
}

func blockCreatedLog(emitter common.Address, eventID common.Hash, logOwner, blockAddr common.Address, level uint8) *types.Log {
	data := make([]byte, 64)
	copy(data[12:32], blockAddr.Bytes())
	data[63] = level
	return &types.Log{
		Address: emitter,
		Topics:  []common.Hash{eventID, addressTopic(logOwner)},
		Data:    data,
	}
}

func TestCreatedBy(t *testing.T) {
	decoder := CreatedBy(registry, RegistryBlockCreated, owner)

	testCases := []struct {
		name string
		log  *types.Log
		want bool
	}{
		{
			name: "matching log",
			log:  blockCreatedLog(registry, RegistryBlockCreated, owner, created, 2),
			want: true,
		},
		{
			name: "wrong emitter",
			log:  blockCreatedLog(payout, RegistryBlockCreated, owner, created, 2),
			want: false,
		},
		{
			name: "wrong event",
			log:  blockCreatedLog(registry, AdvancePaid, owner, created, 2),
			want: false,
		},
		{
			name: "wrong owner",
			log:  blockCreatedLog(registry, RegistryBlockCreated, other, created, 2),
			want: false,
		},
		{
			name: "truncated data",
			log: &types.Log{
				Address: registry,
				Topics:  []common.Hash{RegistryBlockCreated, addressTopic(owner)},
				Data:    make([]byte, 31),
			},
			want: false,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			creation, ok := decoder(*tc.log)
			require.Equal(t, tc.want, ok)
			if tc.want {
				assert.Equal(t, created, creation.Block)
				assert.Equal(t, owner, creation.Owner)
				assert.Equal(t, uint8(2), creation.Level)
			}
		})
	}
}

func TestResolve_PriorityOrder(t *testing.T) {
	// The receipt carries creations from both contracts; the decoder listed
	// first must win.
	fromPayout := common.HexToAddress("0xcc00000000000000000000000000000000000002")
	receipt := &types.Receipt{Logs: []*types.Log{
		blockCreatedLog(registry, RegistryBlockCreated, owner, created, 2),
		blockCreatedLog(payout, PayoutBlockCreated, owner, fromPayout, 2),
	}}

	creation, ok := Resolve(receipt,
		CreatedBy(payout, PayoutBlockCreated, owner),
		CreatedBy(registry, RegistryBlockCreated, owner),
	)

	require.True(t, ok)
	assert.Equal(t, fromPayout, creation.Block)
}

func TestResolve_FallsBackToLaterDecoder(t *testing.T) {
	receipt := &types.Receipt{Logs: []*types.Log{
		blockCreatedLog(registry, RegistryBlockCreated, owner, created, 2),
	}}

	creation, ok := Resolve(receipt,
		CreatedBy(payout, PayoutBlockCreated, owner),
		CreatedBy(registry, RegistryBlockCreated, owner),
	)

	require.True(t, ok)
	assert.Equal(t, created, creation.Block)
}

func TestResolve_NoMatch(t *testing.T) {
	receipt := &types.Receipt{Logs: []*types.Log{
		blockCreatedLog(registry, RegistryBlockCreated, other, created, 2),
	}}

	_, ok := Resolve(receipt, CreatedBy(registry, RegistryBlockCreated, owner))
	assert.False(t, ok)
}
