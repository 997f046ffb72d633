package worker

import (
	"context"

	"github.com/MarcoPoloResearchLab/specvault/internal/versions"
	"go.uber.org/zap"
)

// purgeRecord erases one record after rewriting any delta that depended on
// it as a full snapshot. Unknown ids are a no-op.
func (worker *Worker) purgeRecord(ctx context.Context, id int64) error {
	record, err := worker.store.GetVersion(ctx, id)
	if err != nil || record == nil {
		return err
	}
	records, err := worker.store.GetVersions(ctx, record.Path)
	if err != nil {
		return err
	}
	return worker.purge(ctx, record.Path, records, []int64{id})
}

// purgeSoftDeleted erases every soft-deleted record, re-anchoring each path
// in its own transaction.
func (worker *Worker) purgeSoftDeleted(ctx context.Context) error {
	all, err := worker.store.GetAllData(ctx)
	if err != nil {
		return err
	}
	for _, group := range groupByPath(all) {
		deleteIDs := make([]int64, 0)
		for _, record := range group {
			if record.SoftDeleted {
				deleteIDs = append(deleteIDs, record.ID)
			}
		}
		if len(deleteIDs) == 0 {
			continue
		}
		if err := worker.purge(ctx, group[0].Path, group, deleteIDs); err != nil {
			return err
		}
	}
	return nil
}

func (worker *Worker) purge(ctx context.Context, path string, records []versions.Record, deleteIDs []int64) error {
	rewrites, err := worker.reconstructor.PlanPurge(records, deleteIDs)
	if err != nil {
		return err
	}
	if err := worker.store.Rewrite(ctx, rewrites, deleteIDs); err != nil {
		return err
	}
	worker.logger.Info("records purged",
		zap.String("path", path),
		zap.Int("deleted", len(deleteIDs)),
		zap.Int("reanchored", len(rewrites)))
	return nil
}

// groupByPath splits records ordered by path into per-path chains.
func groupByPath(records []versions.Record) [][]versions.Record {
	groups := make([][]versions.Record, 0)
	for index, record := range records {
		if index == 0 || records[index-1].Path != record.Path {
			groups = append(groups, make([]versions.Record, 0, 1))
		}
		groups[len(groups)-1] = append(groups[len(groups)-1], record)
	}
	return groups
}
