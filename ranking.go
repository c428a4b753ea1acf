package tierblocks

import (
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// applyClaimed stamps the derived claimed flag onto each record.
func applyClaimed(records []BlockRecord, claimed map[common.Address]struct{}) {
	for i := range records {
		_, ok := claimed[records[i].Address]
		records[i].Claimed = ok
	}
}

// filterByStatus selects the records a status query should return. Completed
// excludes claimed blocks; claimed is the completed-and-claimed remainder.
func filterByStatus(records []BlockRecord, status QueryStatus) []BlockRecord {
	filtered := make([]BlockRecord, 0, len(records))
	for _, r := range records {
		switch status {
		case StatusActive:
			if r.Status == BlockActive {
				filtered = append(filtered, r)
			}
		case StatusCompleted:
			if r.Status == BlockCompleted && !r.Claimed {
				filtered = append(filtered, r)
			}
		case StatusClaimed:
			if r.Status == BlockCompleted && r.Claimed {
				filtered = append(filtered, r)
			}
		}
	}
	return filtered
}

// sortByQueuePriority orders records by the scheme's ranking signal: invited
// member count descending, member count descending, creation time ascending.
// The top-ranked block is the next payout target and the destination for
// automatic member assignment.
func sortByQueuePriority(records []BlockRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if a.InvitedCount != b.InvitedCount {
			return a.InvitedCount > b.InvitedCount
		}
		if a.MemberCount != b.MemberCount {
			return a.MemberCount > b.MemberCount
		}
		return a.CreatedAt < b.CreatedAt
	})
}
