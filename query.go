package tierblocks

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tierblocks/tierblocks-chain-system/graph"
	"github.com/tierblocks/tierblocks-chain-system/numbering"
)

// FetchBlocks returns the ranked blocks at a level filtered by status.
//
// The indexed graph service is the primary source; any error, rate limit, or
// suspicious empty result opens a cooldown window and the direct ledger path
// takes over. If both sources come up empty but a stale cache entry exists,
// the stale entry is served: availability over freshness.
func (s *System) FetchBlocks(ctx context.Context, level uint8, status QueryStatus) ([]BlockRecord, error) {
	key := queryKey{level: level, status: status}
	if records, fresh, ok := s.cache.get(key); ok && fresh {
		s.metrics.CacheHitsTotal.WithLabelValues("response").Inc()
		return records, nil
	}

	all, source := s.fetchLevel(ctx, level)
	if len(all) == 0 {
		if stale, _, ok := s.cache.get(key); ok {
			s.metrics.StaleServeTotal.Inc()
			s.logger.Warn("both read paths empty; serving stale cache entry",
				"level", level, "status", string(status))
			return stale, nil
		}
		return nil, nil
	}

	s.decorate(ctx, all, status)

	records := filterByStatus(all, status)
	sortByQueuePriority(records)

	s.cache.put(key, records)
	s.logger.Debug("ranking query served",
		"level", level,
		"status", string(status),
		"source", source,
		"blocks", len(records),
	)
	return records, nil
}

// fetchLevel returns every block at the level, from the indexer when it is
// healthy and from the ledger otherwise, along with the serving source name.
func (s *System) fetchLevel(ctx context.Context, level uint8) ([]BlockRecord, string) {
	if !s.cooldown.Active() {
		timer := prometheus.NewTimer(s.metrics.QueryDuration.WithLabelValues("graph"))
		records, err := s.fetchFromGraph(ctx, level)
		timer.ObserveDuration()

		switch {
		case err == nil && len(records) > 0:
			s.cooldown.Reset()
			s.markIndexerSuccess(level)
			return records, "graph"
		case err == nil && !s.indexerSucceededBefore(level):
			// An empty level the indexer has never populated is believable;
			// an empty result after prior success is treated as degradation.
			return nil, "graph"
		default:
			s.openCooldown(level, err)
		}
	}

	s.metrics.FallbacksTotal.Inc()
	timer := prometheus.NewTimer(s.metrics.QueryDuration.WithLabelValues("ledger"))
	defer timer.ObserveDuration()

	records, err := s.fetchFromLedger(ctx, level)
	if err != nil {
		s.logger.Error("direct ledger read path failed", "level", level, "err", err)
		return nil, "ledger"
	}
	return records, "ledger"
}

func (s *System) markIndexerSuccess(level uint8) {
	s.prevSuccessMu.Lock()
	defer s.prevSuccessMu.Unlock()
	s.prevSuccess[level] = true
}

func (s *System) indexerSucceededBefore(level uint8) bool {
	s.prevSuccessMu.Lock()
	defer s.prevSuccessMu.Unlock()
	return s.prevSuccess[level]
}

func (s *System) openCooldown(level uint8, err error) {
	s.cooldown.Record()
	s.metrics.CooldownsTotal.Inc()
	if errors.Is(err, graph.ErrRateLimited) {
		s.logger.Warn("graph service rate limited; entering cooldown",
			"level", level, "window", s.cooldown.Remaining())
		return
	}
	s.logger.Warn("graph service degraded; entering cooldown",
		"level", level, "err", err)
}

func (s *System) fetchFromGraph(ctx context.Context, level uint8) ([]BlockRecord, error) {
	blocks, err := s.graph.BlocksByLevel(ctx, level)
	if err != nil {
		return nil, err
	}
	records := make([]BlockRecord, 0, len(blocks))
	for _, b := range blocks {
		status := BlockActive
		if b.Completed {
			status = BlockCompleted
		}
		records = append(records, BlockRecord{
			Address:         b.Address,
			Owner:           b.Owner,
			Level:           b.Level,
			RequiredMembers: b.RequiredMembers,
			MemberCount:     b.MemberCount,
			InvitedCount:    b.InvitedCount,
			Status:          status,
			CreatedAt:       b.CreatedAt,
		})
	}
	return records, nil
}

// fetchFromLedger rebuilds the level's block set from creation events and
// per-block field reads. Creation events arrive in emission order, which is
// also creation-timestamp order, so sequence numbers computed from the read
// timestamps match the indexer path exactly.
func (s *System) fetchFromLedger(ctx context.Context, level uint8) ([]BlockRecord, error) {
	creations, err := s.scanner.BlockCreations(ctx, level)
	if err != nil {
		return nil, fmt.Errorf("creation event scan failed: %w", err)
	}
	if len(creations) == 0 {
		return nil, nil
	}

	addrs := make([]common.Address, len(creations))
	for i, c := range creations {
		addrs[i] = c.Block
	}

	states, errs := s.scanner.ReadBlocks(ctx, addrs)
	records := make([]BlockRecord, 0, len(states))
	for i, state := range states {
		if errs[i] != nil {
			s.logger.Warn("skipping unreadable block",
				"block", addrs[i].Hex(), "err", errs[i])
			continue
		}
		records = append(records, BlockRecord{
			Address:         state.Address,
			Owner:           state.Owner,
			Level:           state.Level,
			RequiredMembers: state.RequiredMembers,
			MemberCount:     state.MemberCount,
			InvitedCount:    state.InvitedCount,
			Status:          BlockStatus(state.Status),
			CreatedAt:       state.CreatedAt,
		})
	}
	return records, nil
}

// decorate stamps sequence numbers and claimed flags onto the full level set
// before any status filtering, so both derive from the complete population.
// The claimed-event scan only matters when completed and claimed blocks must
// be told apart, so active queries skip it.
func (s *System) decorate(ctx context.Context, records []BlockRecord, status QueryStatus) {
	created := make([]numbering.Created, len(records))
	for i, r := range records {
		created[i] = numbering.Created{ID: r.Address, CreatedAt: r.CreatedAt}
	}
	sequences := numbering.SequenceNumbers(created)
	for i := range records {
		records[i].Sequence = sequences[records[i].Address]
	}

	if status != StatusActive {
		applyClaimed(records, s.claimedSet(ctx))
	}
}

// claimedSet returns the addresses of blocks whose owners have executed an
// advance or cashout, from the claimed cache or a fresh payout-event scan.
func (s *System) claimedSet(ctx context.Context) map[common.Address]struct{} {
	cached, fresh := s.claimed.get()
	if fresh {
		s.metrics.CacheHitsTotal.WithLabelValues("claimed").Inc()
		return cached
	}

	addrs, err := s.scanner.ClaimedBlocks(ctx)
	if err != nil {
		s.logger.Warn("claimed-block scan failed; using stale set",
			"stale", len(cached), "err", err)
		return cached
	}
	s.claimed.put(addrs)

	// Re-read through the cache so locally confirmed claims stay in the set
	// even when the scan has not indexed their payout logs yet.
	merged, _ := s.claimed.get()
	return merged
}
