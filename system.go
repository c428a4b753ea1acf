package tierblocks

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	gethabi "github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tierblocks/tierblocks-chain-system/abi"
	"github.com/tierblocks/tierblocks-chain-system/graph"
	"github.com/tierblocks/tierblocks-chain-system/scan"
)

// Logger defines a standard interface for structured, leveled logging,
// compatible with the standard library's slog.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// --- Dependency contracts ---

// ChainCaller is the write/read capability every pipeline step uses.
// Satisfied by chain.Client.
type ChainCaller interface {
	From() common.Address
	Read(ctx context.Context, to common.Address, data []byte) ([]byte, error)
	Simulate(ctx context.Context, to common.Address, data []byte) error
	Submit(ctx context.Context, to common.Address, data []byte, wait time.Duration) (*types.Receipt, error)
}

// GraphSource is the indexed graph service read path. Satisfied by
// graph.Client.
type GraphSource interface {
	BlocksByLevel(ctx context.Context, level uint8) ([]graph.Block, error)
	MembershipsByMember(ctx context.Context, member common.Address) ([]graph.Membership, error)
}

// LedgerScanner is the direct-ledger read path. Satisfied by scan.Scanner.
type LedgerScanner interface {
	BlockCreations(ctx context.Context, level uint8) ([]scan.Creation, error)
	ClaimedBlocks(ctx context.Context) ([]common.Address, error)
	ReadBlocks(ctx context.Context, addrs []common.Address) ([]scan.BlockState, []error)
	ReadBlock(ctx context.Context, addr common.Address) (scan.BlockState, error)
	Members(ctx context.Context, addr common.Address) ([]common.Address, error)
}

// ApprovalManager tops up token allowances ahead of pull-payments.
// Satisfied by approve.Manager.
type ApprovalManager interface {
	EnsureAllowance(ctx context.Context, spender common.Address, required *big.Int) error
}

// Config holds all the dependencies and settings for the System.
type Config struct {
	SystemName    string
	PrometheusReg prometheus.Registerer
	Logger        Logger
	Clock         clockwork.Clock

	Chain     ChainCaller
	Graph     GraphSource
	Scanner   LedgerScanner
	Approvals ApprovalManager

	// Contract addresses of the consumed protocol.
	Registry       common.Address
	Payout         common.Address
	Token          common.Address
	FeeBeneficiary common.Address

	// PrimaryWait bounds receipt waits for primary steps; a timeout here is
	// fatal and surfaced. BestEffortWait bounds side steps whose failure is
	// logged and swallowed.
	PrimaryWait    time.Duration
	BestEffortWait time.Duration

	CacheTTL       time.Duration
	CooldownWindow time.Duration
}

// validate checks that all essential fields in the Config are provided.
func (c *Config) validate() error {
	if c.SystemName == "" {
		return errors.New("system name is required")
	}
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Chain == nil {
		return errors.New("chain caller is required")
	}
	if c.Graph == nil {
		return errors.New("graph source is required")
	}
	if c.Scanner == nil {
		return errors.New("ledger scanner is required")
	}
	if c.Approvals == nil {
		return errors.New("approval manager is required")
	}
	if c.Registry == (common.Address{}) {
		return errors.New("registry address is required")
	}
	if c.Payout == (common.Address{}) {
		return errors.New("payout module address is required")
	}
	if c.Token == (common.Address{}) {
		return errors.New("token address is required")
	}
	return nil
}

const (
	defaultPrimaryWait    = 180 * time.Second
	defaultBestEffortWait = 60 * time.Second
)

// System is the membership lifecycle orchestrator plus the dual-source query
// engine. One System is constructed per process; its caches and cooldown
// tracker are the only shared mutable state.
type System struct {
	chain     ChainCaller
	graph     GraphSource
	scanner   LedgerScanner
	approvals ApprovalManager

	registry       common.Address
	payout         common.Address
	token          common.Address
	feeBeneficiary common.Address

	primaryWait    time.Duration
	bestEffortWait time.Duration

	cache    *responseCache
	claimed  *claimedCache
	cooldown *CooldownTracker

	// prevSuccess remembers, per level, that the indexed service has served a
	// non-empty response before. An empty indexer result is only treated as a
	// degradation signal once that has happened.
	prevSuccessMu sync.Mutex
	prevSuccess   map[uint8]bool

	metrics *Metrics
	logger  Logger
}

// NewSystem constructs a fully wired System from cfg.
func NewSystem(cfg *Config) (*System, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid tierblocks system configuration: %w", err)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	reg := cfg.PrometheusReg
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	primaryWait := cfg.PrimaryWait
	if primaryWait <= 0 {
		primaryWait = defaultPrimaryWait
	}
	bestEffortWait := cfg.BestEffortWait
	if bestEffortWait <= 0 {
		bestEffortWait = defaultBestEffortWait
	}

	s := &System{
		chain:          cfg.Chain,
		graph:          cfg.Graph,
		scanner:        cfg.Scanner,
		approvals:      cfg.Approvals,
		registry:       cfg.Registry,
		payout:         cfg.Payout,
		token:          cfg.Token,
		feeBeneficiary: cfg.FeeBeneficiary,
		primaryWait:    primaryWait,
		bestEffortWait: bestEffortWait,
		cache:          newResponseCache(clock, cfg.CacheTTL),
		claimed:        newClaimedCache(clock, cfg.CacheTTL),
		cooldown:       NewCooldownTracker(clock, cfg.CooldownWindow),
		prevSuccess:    make(map[uint8]bool),
		metrics:        NewMetrics(reg, cfg.SystemName),
		logger:         cfg.Logger,
	}

	s.logger.Info("tierblocks system initialized",
		"system", cfg.SystemName,
		"registry", cfg.Registry.Hex(),
		"payout", cfg.Payout.Hex(),
		"token", cfg.Token.Hex(),
	)
	return s, nil
}

// Cooldown exposes the tracker, mainly for the HTTP surface and tests.
func (s *System) Cooldown() *CooldownTracker {
	return s.cooldown
}

// --- Registry and token reads shared across pipelines ---

func (s *System) readUserLevel(ctx context.Context, member common.Address) (uint8, error) {
	out, err := s.readPacked(ctx, s.registry, abi.RegistryABI, "userLevel", member)
	if err != nil {
		return 0, err
	}
	return uint8(new(big.Int).SetBytes(out).Uint64()), nil
}

func (s *System) readReferrer(ctx context.Context, member common.Address) (common.Address, error) {
	out, err := s.readPacked(ctx, s.registry, abi.RegistryABI, "referrerOf", member)
	if err != nil {
		return common.Address{}, err
	}
	return common.BytesToAddress(out), nil
}

func (s *System) readRegistrationFee(ctx context.Context, level uint8) (*big.Int, error) {
	out, err := s.readPacked(ctx, s.registry, abi.RegistryABI, "registrationFee", level)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(out), nil
}

func (s *System) readTokenBalance(ctx context.Context, owner common.Address) (*big.Int, error) {
	out, err := s.readPacked(ctx, s.token, abi.TokenABI, "balanceOf", owner)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(out), nil
}

// readPacked encodes a single-output view call and returns its one 32-byte
// slot, validated at the read boundary rather than trusted downstream.
func (s *System) readPacked(ctx context.Context, to common.Address, contractABI gethabi.ABI, method string, args ...interface{}) ([]byte, error) {
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s call: %w", method, err)
	}
	out, err := s.chain.Read(ctx, to, data)
	if err != nil {
		return nil, fmt.Errorf("%s read failed: %w", method, err)
	}
	if len(out) != 32 {
		return nil, fmt.Errorf("invalid response length for %s: got %d bytes", method, len(out))
	}
	return out, nil
}
