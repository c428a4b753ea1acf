// Package chain provides the thin write/read capability over the ledger that
// every orchestration step is built on: read a contract value, simulate a
// call, or submit a signed transaction and wait for its inclusion.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	ethclients "github.com/Iwinswap/iwinswap-ethclients"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	// ErrReceiptTimeout is returned when a submitted transaction is not
	// included within the caller's wait budget. The transaction may still
	// land later; it cannot be recalled.
	ErrReceiptTimeout = errors.New("timed out waiting for transaction receipt")
)

// TxRevertedError indicates a transaction that was included but failed.
type TxRevertedError struct {
	TxHash common.Hash
	Reason string
}

func (e *TxRevertedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("transaction %s reverted", e.TxHash.Hex())
	}
	return fmt.Sprintf("transaction %s reverted: %s", e.TxHash.Hex(), e.Reason)
}

const (
	defaultReadTimeout  = 10 * time.Second
	defaultPollInterval = 2 * time.Second

	// gasHeadroomDivisor adds 20% on top of the node's gas estimate so a
	// state change between estimation and inclusion does not starve the call.
	gasHeadroomDivisor = 5
)

// Client signs and submits transactions for a single account and serves
// contract reads. All methods are safe for concurrent use; submissions are
// serialized so nonce assignment stays monotonic.
type Client struct {
	eth    ethclients.ETHClient
	key    *ecdsa.PrivateKey
	from   common.Address
	logger *slog.Logger

	pollInterval time.Duration

	mu      sync.Mutex
	chainID *big.Int
}

// NewClient returns a Client signing with key. The logger must not be nil.
func NewClient(eth ethclients.ETHClient, key *ecdsa.PrivateKey, logger *slog.Logger) (*Client, error) {
	if eth == nil {
		return nil, errors.New("eth client is required")
	}
	if key == nil {
		return nil, errors.New("signing key is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	return &Client{
		eth:          eth,
		key:          key,
		from:         crypto.PubkeyToAddress(key.PublicKey),
		logger:       logger,
		pollInterval: defaultPollInterval,
	}, nil
}

// From returns the connected account address.
func (c *Client) From() common.Address {
	return c.from
}

// Read performs an eth_call against to with the given calldata.
func (c *Client) Read(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, defaultReadTimeout)
	defer cancel()

	out, err := c.eth.CallContract(callCtx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("eth_call to %s failed: %w", to.Hex(), err)
	}
	return out, nil
}

// Simulate dry-runs the call from the connected account. A non-nil error
// carries the node's revert reason, letting callers reject a doomed
// transaction before spending gas on it.
func (c *Client) Simulate(ctx context.Context, to common.Address, data []byte) error {
	callCtx, cancel := context.WithTimeout(ctx, defaultReadTimeout)
	defer cancel()

	_, err := c.eth.CallContract(callCtx, ethereum.CallMsg{From: c.from, To: &to, Data: data}, nil)
	if err != nil {
		return fmt.Errorf("simulated call to %s reverted: %w", to.Hex(), err)
	}
	return nil
}

// Submit signs and broadcasts a transaction to the target contract, then
// polls for its receipt until wait elapses. A receipt with a failed status is
// returned together with a *TxRevertedError. Once broadcast, the transaction
// is never retried here; double submission risks double movement of funds.
func (c *Client) Submit(ctx context.Context, to common.Address, data []byte, wait time.Duration) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	chainID, err := c.getChainID(ctx)
	if err != nil {
		return nil, err
	}

	nonce, err := c.eth.PendingNonceAt(ctx, c.from)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch nonce for %s: %w", c.from.Hex(), err)
	}

	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch gas price: %w", err)
	}

	// Estimation doubles as a final dry run: a call that would revert fails
	// here and nothing is broadcast.
	gasLimit, err := c.eth.EstimateGas(ctx, ethereum.CallMsg{
		From:     c.from,
		To:       &to,
		Data:     data,
		GasPrice: gasPrice,
	})
	if err != nil {
		return nil, fmt.Errorf("gas estimation for call to %s failed: %w", to.Hex(), err)
	}
	gasLimit += gasLimit / gasHeadroomDivisor

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gasLimit,
		To:       &to,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), c.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("failed to broadcast transaction: %w", err)
	}

	c.logger.Debug("transaction broadcast", "tx", signed.Hash().Hex(), "to", to.Hex(), "nonce", nonce)

	return c.waitMined(ctx, signed.Hash(), wait)
}

// waitMined polls for the receipt of txHash. Transient lookup errors are
// retried until the wait budget is exhausted.
func (c *Client) waitMined(ctx context.Context, txHash common.Hash, wait time.Duration) (*types.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.eth.TransactionReceipt(waitCtx, txHash)
		if err == nil && receipt != nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return receipt, &TxRevertedError{TxHash: txHash}
			}
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			c.logger.Debug("receipt lookup failed, retrying", "tx", txHash.Hex(), "error", err)
		}

		select {
		case <-ticker.C:
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: %s", ErrReceiptTimeout, txHash.Hex())
		}
	}
}

func (c *Client) getChainID(ctx context.Context) (*big.Int, error) {
	if c.chainID != nil {
		return c.chainID, nil
	}
	id, err := c.eth.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch chain id: %w", err)
	}
	c.chainID = id
	return id, nil
}
