// Package approve manages ERC-20 allowances toward the registry contract.
// Registration pulls the fee from the member's token balance, so a sufficient
// allowance is a hard precondition of the only fee-moving transaction.
package approve

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/tierblocks/tierblocks-chain-system/abi"
)

const defaultApprovalWait = 90 * time.Second

// ChainCaller is the slice of the chain client the manager needs.
type ChainCaller interface {
	From() common.Address
	Read(ctx context.Context, to common.Address, data []byte) ([]byte, error)
	Submit(ctx context.Context, to common.Address, data []byte, wait time.Duration) (*types.Receipt, error)
}

// Manager checks and tops up token allowances for the connected account.
type Manager struct {
	chain  ChainCaller
	token  common.Address
	logger *slog.Logger
	wait   time.Duration
}

func NewManager(chain ChainCaller, token common.Address, logger *slog.Logger) *Manager {
	return &Manager{
		chain:  chain,
		token:  token,
		logger: logger,
		wait:   defaultApprovalWait,
	}
}

// EnsureAllowance guarantees that spender may pull at least required tokens
// from the connected account. If the current allowance already covers the
// amount, no transaction is submitted. If the allowance read itself fails,
// the approval is submitted anyway: approving on top of a sufficient
// allowance is a harmless no-op, while skipping a needed approval would make
// the subsequent pull-payment revert.
func (m *Manager) EnsureAllowance(ctx context.Context, spender common.Address, required *big.Int) error {
	current, err := m.readAllowance(ctx, spender)
	if err != nil {
		m.logger.Warn("allowance read failed, submitting approval defensively",
			"token", m.token.Hex(), "spender", spender.Hex(), "error", err)
	} else if current.Cmp(required) >= 0 {
		m.logger.Debug("allowance sufficient, skipping approval",
			"current", current.String(), "required", required.String())
		return nil
	}

	data, err := abi.TokenABI.Pack("approve", spender, required)
	if err != nil {
		return fmt.Errorf("failed to encode approve call: %w", err)
	}
	if _, err := m.chain.Submit(ctx, m.token, data, m.wait); err != nil {
		return fmt.Errorf("token approval for %s failed: %w", spender.Hex(), err)
	}

	m.logger.Info("token allowance approved", "spender", spender.Hex(), "amount", required.String())
	return nil
}

func (m *Manager) readAllowance(ctx context.Context, spender common.Address) (*big.Int, error) {
	data, err := abi.TokenABI.Pack("allowance", m.chain.From(), spender)
	if err != nil {
		return nil, fmt.Errorf("failed to encode allowance call: %w", err)
	}
	out, err := m.chain.Read(ctx, m.token, data)
	if err != nil {
		return nil, err
	}
	if len(out) != 32 {
		return nil, fmt.Errorf("invalid response length for allowance: got %d bytes", len(out))
	}
	return new(big.Int).SetBytes(out), nil
}
