// Package graph queries the indexed graph service that pre-aggregates ledger
// events into block and membership records. The service is eventually
// consistent and rate limited; a 429 is surfaced as a typed error so the
// caller can open its cooldown window instead of hammering the endpoint.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/time/rate"
)

// ErrRateLimited reports an HTTP 429 from the graph service.
var ErrRateLimited = errors.New("graph service rate limited")

const (
	defaultRequestTimeout = 15 * time.Second

	// Self-imposed pacing: the upstream plan allows bursts but sustained
	// traffic above ~2 req/s trips its limiter.
	defaultRequestsPerSecond = 2
	defaultBurst             = 4
)

// Fixed query templates, one per use case. The schema indexes blocks by level
// and memberships by member; both active and completed blocks are fetched in
// one query to avoid a second round trip.
const (
	blocksByLevelQuery = `query ($level: Int!) {
  blocks(where: {level: $level}, orderBy: createdAt, orderDirection: asc, first: 1000) {
    id owner level requiredMembers memberCount invitedCount completed createdAt
  }
}`

	membershipsByMemberQuery = `query ($member: String!) {
  memberships(where: {member: $member}, orderBy: position, orderDirection: asc, first: 1000) {
    block { id level } position
  }
}`
)

// Block is a block record as the indexer reports it.
type Block struct {
	Address         common.Address
	Owner           common.Address
	Level           uint8
	RequiredMembers uint8
	MemberCount     uint8
	InvitedCount    uint64
	Completed       bool
	CreatedAt       int64
}

// Membership is one (block, member, position) edge for a member.
type Membership struct {
	Block    common.Address
	Level    uint8
	Position int
}

type Client struct {
	url     string
	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewClient returns a Client for the graph endpoint at url. The endpoint may
// be the service itself or a proxy that hides rate-limit headers; either way
// only the status code is inspected.
func NewClient(url string, logger *slog.Logger) *Client {
	return &Client{
		url:     url,
		http:    &http.Client{Timeout: defaultRequestTimeout},
		limiter: rate.NewLimiter(rate.Limit(defaultRequestsPerSecond), defaultBurst),
		logger:  logger,
	}
}

type gqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type gqlError struct {
	Message string `json:"message"`
}

type gqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []gqlError      `json:"errors,omitempty"`
}

type blockPayload struct {
	ID              string `json:"id"`
	Owner           string `json:"owner"`
	Level           uint8  `json:"level"`
	RequiredMembers uint8  `json:"requiredMembers"`
	MemberCount     uint8  `json:"memberCount"`
	InvitedCount    uint64 `json:"invitedCount,string"`
	Completed       bool   `json:"completed"`
	CreatedAt       int64  `json:"createdAt,string"`
}

// BlocksByLevel fetches every block at the given level, active and completed.
func (c *Client) BlocksByLevel(ctx context.Context, level uint8) ([]Block, error) {
	raw, err := c.query(ctx, blocksByLevelQuery, map[string]any{"level": int(level)})
	if err != nil {
		return nil, err
	}

	var payload struct {
		Blocks []blockPayload `json:"blocks"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode blocks payload: %w", err)
	}

	blocks := make([]Block, 0, len(payload.Blocks))
	for _, b := range payload.Blocks {
		if !common.IsHexAddress(b.ID) {
			c.logger.Warn("graph returned a malformed block id, skipping", "id", b.ID)
			continue
		}
		blocks = append(blocks, Block{
			Address:         common.HexToAddress(b.ID),
			Owner:           common.HexToAddress(b.Owner),
			Level:           b.Level,
			RequiredMembers: b.RequiredMembers,
			MemberCount:     b.MemberCount,
			InvitedCount:    b.InvitedCount,
			Completed:       b.Completed,
			CreatedAt:       b.CreatedAt,
		})
	}
	return blocks, nil
}

// MembershipsByMember fetches the blocks a member belongs to, in join order.
func (c *Client) MembershipsByMember(ctx context.Context, member common.Address) ([]Membership, error) {
	raw, err := c.query(ctx, membershipsByMemberQuery, map[string]any{
		"member": member.Hex(),
	})
	if err != nil {
		return nil, err
	}

	var payload struct {
		Memberships []struct {
			Block struct {
				ID    string `json:"id"`
				Level uint8  `json:"level"`
			} `json:"block"`
			Position int `json:"position"`
		} `json:"memberships"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode memberships payload: %w", err)
	}

	memberships := make([]Membership, 0, len(payload.Memberships))
	for _, m := range payload.Memberships {
		if !common.IsHexAddress(m.Block.ID) {
			continue
		}
		memberships = append(memberships, Membership{
			Block:    common.HexToAddress(m.Block.ID),
			Level:    m.Block.Level,
			Position: m.Position,
		})
	}
	return memberships, nil
}

func (c *Client) query(ctx context.Context, query string, variables map[string]any) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	body, err := json.Marshal(gqlRequest{Query: query, Variables: variables})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal graph query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build graph request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("graph request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, ErrRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("graph service returned status %d", resp.StatusCode)
	}

	var gql gqlResponse
	if err := json.NewDecoder(resp.Body).Decode(&gql); err != nil {
		return nil, fmt.Errorf("failed to decode graph response: %w", err)
	}
	if len(gql.Errors) > 0 {
		return nil, fmt.Errorf("graph query error: %s", gql.Errors[0].Message)
	}
	return gql.Data, nil
}
