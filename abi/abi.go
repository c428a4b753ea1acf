// Package abi holds the parsed ABI surfaces of the on-chain contracts the
// system consumes: the block registry, the payout module, the contribution
// token, and the per-block contract instances. The contracts themselves are an
// external protocol; only the fragments used by this module are declared.
package abi

import (
	"fmt"
	"strings"

	gethabi "github.com/ethereum/go-ethereum/accounts/abi"
)

const registryJSON = `[
	{"type":"function","name":"userLevel","stateMutability":"view","inputs":[{"name":"member","type":"address"}],"outputs":[{"name":"","type":"uint8"}]},
	{"type":"function","name":"referrerOf","stateMutability":"view","inputs":[{"name":"member","type":"address"}],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"registrationFee","stateMutability":"view","inputs":[{"name":"level","type":"uint8"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"topBlock","stateMutability":"view","inputs":[{"name":"level","type":"uint8"}],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"register","stateMutability":"nonpayable","inputs":[{"name":"referrer","type":"address"},{"name":"level","type":"uint8"}],"outputs":[]},
	{"type":"function","name":"createBlock","stateMutability":"nonpayable","inputs":[{"name":"level","type":"uint8"}],"outputs":[]},
	{"type":"function","name":"joinByReferrer","stateMutability":"nonpayable","inputs":[],"outputs":[]},
	{"type":"function","name":"joinBlock","stateMutability":"nonpayable","inputs":[{"name":"blockAddr","type":"address"}],"outputs":[]},
	{"type":"event","name":"BlockCreated","inputs":[{"name":"owner","type":"address","indexed":true},{"name":"blockAddr","type":"address","indexed":false},{"name":"level","type":"uint8","indexed":false}],"anonymous":false},
	{"type":"event","name":"MemberRegistered","inputs":[{"name":"member","type":"address","indexed":true},{"name":"referrer","type":"address","indexed":true},{"name":"level","type":"uint8","indexed":false}],"anonymous":false}
]`

const payoutJSON = `[
	{"type":"function","name":"advance","stateMutability":"nonpayable","inputs":[{"name":"blockAddr","type":"address"},{"name":"payoutTarget","type":"address"}],"outputs":[]},
	{"type":"function","name":"cashout","stateMutability":"nonpayable","inputs":[{"name":"blockAddr","type":"address"},{"name":"payoutTarget","type":"address"}],"outputs":[]},
	{"type":"function","name":"disperseFee","stateMutability":"nonpayable","inputs":[{"name":"beneficiary","type":"address"}],"outputs":[]},
	{"type":"event","name":"BlockCreated","inputs":[{"name":"owner","type":"address","indexed":true},{"name":"blockAddr","type":"address","indexed":false},{"name":"level","type":"uint8","indexed":false}],"anonymous":false},
	{"type":"event","name":"AdvancePaid","inputs":[{"name":"owner","type":"address","indexed":true},{"name":"fromBlock","type":"address","indexed":true},{"name":"toBlock","type":"address","indexed":false},{"name":"amount","type":"uint256","indexed":false}],"anonymous":false},
	{"type":"event","name":"CashoutPaid","inputs":[{"name":"owner","type":"address","indexed":true},{"name":"fromBlock","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false}],"anonymous":false}
]`

const tokenJSON = `[
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

const blockJSON = `[
	{"type":"function","name":"owner","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"level","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
	{"type":"function","name":"status","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
	{"type":"function","name":"requiredMembers","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
	{"type":"function","name":"memberCount","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
	{"type":"function","name":"invitedCount","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"createdAt","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"registry","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"members","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address[]"}]}
]`

var (
	RegistryABI = mustParse("registry", registryJSON)
	PayoutABI   = mustParse("payout", payoutJSON)
	TokenABI    = mustParse("token", tokenJSON)
	BlockABI    = mustParse("block", blockJSON)
)

func mustParse(name, raw string) gethabi.ABI {
	parsed, err := gethabi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("abi: failed to parse %s ABI: %v", name, err))
	}
	return parsed
}
