package chain

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/specvault/internal/payload"
	"github.com/MarcoPoloResearchLab/specvault/internal/versions"
)

// PlanPurge computes the rewrites that keep a chain reconstructable once the
// records in deleteIDs are erased. Every surviving delta record whose
// predecessor is erased becomes a full snapshot of its own content.
func (reconstructor *Reconstructor) PlanPurge(records []versions.Record, deleteIDs []int64) ([]versions.Rewrite, error) {
	erased := make(map[int64]bool, len(deleteIDs))
	for _, id := range deleteIDs {
		erased[id] = true
	}

	needsAnchor := make([]bool, len(records))
	anyAnchor := false
	for index, record := range records {
		if erased[record.ID] || record.IsFull {
			continue
		}
		if index == 0 || erased[records[index-1].ID] {
			needsAnchor[index] = true
			anyAnchor = true
		}
	}
	if !anyAnchor {
		return nil, nil
	}

	trees, err := reconstructor.MaterializeAll(records)
	if err != nil {
		return nil, err
	}
	rewrites := make([]versions.Rewrite, 0)
	for index, record := range records {
		if !needsAnchor[index] {
			continue
		}
		encoded, err := reconstructor.codec.Encode(payload.Full{Tree: trees[index]})
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", record.ID, err)
		}
		rewrites = append(rewrites, versions.Rewrite{ID: record.ID, Payload: encoded})
	}
	return rewrites, nil
}
