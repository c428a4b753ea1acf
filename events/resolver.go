// Package events recovers entities that exist only as transaction side
// effects. A newly deployed block's address is never a return value visible
// to the caller; it must be decoded out of the receipt's emitted logs.
package events

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/tierblocks/tierblocks-chain-system/abi"
)

var (
	RegistryBlockCreated = abi.RegistryABI.Events["BlockCreated"].ID
	PayoutBlockCreated   = abi.PayoutABI.Events["BlockCreated"].ID
	AdvancePaid          = abi.PayoutABI.Events["AdvancePaid"].ID
	CashoutPaid          = abi.PayoutABI.Events["CashoutPaid"].ID
)

// BlockCreation is the decoded shape of a BlockCreated event.
type BlockCreation struct {
	Owner common.Address
	Block common.Address
	Level uint8
}

// Decoder attempts to extract a BlockCreation from a single log entry.
// The boolean reports whether the log matched the decoder's event shape.
type Decoder func(types.Log) (BlockCreation, bool)

// CreatedBy returns a Decoder matching a BlockCreated event emitted by
// emitter with the given indexed owner. Both filters are required: different
// ledger code paths emit the same event shape from different contracts, and a
// single receipt can carry creations for accounts other than the caller.
func CreatedBy(emitter common.Address, eventID common.Hash, owner common.Address) Decoder {
	ownerTopic := common.BytesToHash(common.LeftPadBytes(owner.Bytes(), 32))
	return func(log types.Log) (BlockCreation, bool) {
		if log.Address != emitter {
			return BlockCreation{}, false
		}
		if len(log.Topics) < 2 || log.Topics[0] != eventID || log.Topics[1] != ownerTopic {
			return BlockCreation{}, false
		}
		// Data carries (address blockAddr, uint8 level): two 32-byte slots.
		if len(log.Data) != 64 {
			return BlockCreation{}, false
		}
		return BlockCreation{
			Owner: owner,
			Block: common.BytesToAddress(log.Data[:32]),
			Level: log.Data[63],
		}, true
	}
}

// Resolve runs the decoders against the receipt's logs in the order given and
// returns the first match. Priority is the caller's: a creation emitted by
// the payout module should shadow the registry's copy, so the payout decoder
// is passed first. Resolution is never assumed to succeed.
func Resolve(receipt *types.Receipt, decoders ...Decoder) (BlockCreation, bool) {
	if receipt == nil {
		return BlockCreation{}, false
	}
	for _, decode := range decoders {
		for _, log := range receipt.Logs {
			if log == nil {
				continue
			}
			if created, ok := decode(*log); ok {
				return created, true
			}
		}
	}
	return BlockCreation{}, false
}
