package versions

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func TestAddAssignsIDAndStampsCreation(testContext *testing.T) {
	store := mustStore(testContext)
	record, err := store.Add(context.Background(), NewRecord{
		Path:    "api/petstore.yaml",
		Name:    "initial",
		Version: "1.0.0",
		Payload: []byte("payload-1"),
		IsFull:  true,
	})
	if err != nil {
		testContext.Fatalf("add failed: %v", err)
	}
	if record.ID == 0 {
		testContext.Fatalf("expected assigned id")
	}
	if record.CreatedAtMillis != fixedClock().UnixMilli() {
		testContext.Fatalf("expected created_at_ms from clock, got %d", record.CreatedAtMillis)
	}
	if record.PayloadHash == "" {
		testContext.Fatalf("expected payload hash")
	}
}

func TestAddRejectsDuplicateTuple(testContext *testing.T) {
	store := mustStore(testContext)
	input := NewRecord{Path: "a.json", Name: "n", Version: "1.0.0", Payload: []byte("same"), IsFull: true}
	if _, err := store.Add(context.Background(), input); err != nil {
		testContext.Fatalf("first add failed: %v", err)
	}
	_, err := store.Add(context.Background(), input)
	if !errors.Is(err, ErrDuplicateKey) {
		testContext.Fatalf("expected duplicate key, got %v", err)
	}
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "versions.add.duplicate_key" {
		testContext.Fatalf("unexpected error code: %v", err)
	}

	input.Version = "1.0.1"
	if _, err := store.Add(context.Background(), input); err != nil {
		testContext.Fatalf("differing version must be accepted: %v", err)
	}
}

func TestGetVersionsOrdersByCreationThenID(testContext *testing.T) {
	store := mustStore(testContext)
	mustAdd(testContext, store, "a.json", "1.0.0", 200)
	mustAdd(testContext, store, "a.json", "1.0.1", 100)
	mustAdd(testContext, store, "a.json", "1.0.2", 100)
	mustAdd(testContext, store, "b.json", "1.0.0", 50)

	records, err := store.GetVersions(context.Background(), "a.json")
	if err != nil {
		testContext.Fatalf("get versions failed: %v", err)
	}
	if len(records) != 3 {
		testContext.Fatalf("expected 3 records, got %d", len(records))
	}
	got := []string{records[0].Version, records[1].Version, records[2].Version}
	want := []string{"1.0.1", "1.0.2", "1.0.0"}
	for index := range want {
		if got[index] != want[index] {
			testContext.Fatalf("unexpected order %v", got)
		}
	}

	last, err := store.GetLastVersion(context.Background(), "a.json")
	if err != nil {
		testContext.Fatalf("get last version failed: %v", err)
	}
	if last == nil || last.Version != "1.0.0" {
		testContext.Fatalf("unexpected last version %+v", last)
	}

	missing, err := store.GetLastVersion(context.Background(), "nope.json")
	if err != nil || missing != nil {
		testContext.Fatalf("expected nil for untracked path, got %+v %v", missing, err)
	}
}

func TestSoftDeleteKeepsRecordInChain(testContext *testing.T) {
	store := mustStore(testContext)
	first := mustAdd(testContext, store, "a.json", "1.0.0", 1)
	mustAdd(testContext, store, "a.json", "1.0.1", 2)

	if err := store.DeleteVersion(context.Background(), first.ID); err != nil {
		testContext.Fatalf("delete failed: %v", err)
	}
	records, err := store.GetVersions(context.Background(), "a.json")
	if err != nil {
		testContext.Fatalf("get versions failed: %v", err)
	}
	if len(records) != 2 || !records[0].SoftDeleted {
		testContext.Fatalf("expected soft-deleted record to remain, got %+v", records)
	}

	if err := store.RestoreVersion(context.Background(), first.ID); err != nil {
		testContext.Fatalf("restore failed: %v", err)
	}
	restored, err := store.GetVersion(context.Background(), first.ID)
	if err != nil || restored == nil || restored.SoftDeleted {
		testContext.Fatalf("expected restored record, got %+v %v", restored, err)
	}
}

func TestUnknownIDsAreNoOps(testContext *testing.T) {
	store := mustStore(testContext)
	ctx := context.Background()
	if err := store.DeleteVersion(ctx, 999); err != nil {
		testContext.Fatalf("delete of unknown id failed: %v", err)
	}
	if err := store.RestoreVersion(ctx, 999); err != nil {
		testContext.Fatalf("restore of unknown id failed: %v", err)
	}
	if err := store.DeleteVersionPermanently(ctx, 999); err != nil {
		testContext.Fatalf("permanent delete of unknown id failed: %v", err)
	}
	if err := store.RenameFile(ctx, "missing.json", "other.json"); err != nil {
		testContext.Fatalf("rename of unknown path failed: %v", err)
	}
	record, err := store.GetVersion(ctx, 999)
	if err != nil || record != nil {
		testContext.Fatalf("expected nil record, got %+v %v", record, err)
	}
}

func TestIsNextVersionFullEveryTenthSave(testContext *testing.T) {
	store := mustStore(testContext)
	for index := 0; index < 9; index++ {
		full, err := store.IsNextVersionFull(context.Background(), "a.json")
		if err != nil {
			testContext.Fatalf("is next full failed: %v", err)
		}
		if full {
			testContext.Fatalf("save %d must not be a checkpoint", index+1)
		}
		mustAdd(testContext, store, "a.json", versionLabel(index), int64(index+1))
	}
	full, err := store.IsNextVersionFull(context.Background(), "a.json")
	if err != nil {
		testContext.Fatalf("is next full failed: %v", err)
	}
	if !full {
		testContext.Fatalf("expected the 10th save to be a checkpoint")
	}
}

func TestRenameFileMovesEveryRecord(testContext *testing.T) {
	store := mustStore(testContext)
	mustAdd(testContext, store, "old.yaml", "1.0.0", 1)
	mustAdd(testContext, store, "old.yaml", "1.0.1", 2)

	if err := store.RenameFile(context.Background(), "old.yaml", "new.yaml"); err != nil {
		testContext.Fatalf("rename failed: %v", err)
	}
	oldTracked, _ := store.IsFileTracked(context.Background(), "old.yaml")
	newTracked, _ := store.IsFileTracked(context.Background(), "new.yaml")
	if oldTracked || !newTracked {
		testContext.Fatalf("expected history under new path, old=%v new=%v", oldTracked, newTracked)
	}
	records, _ := store.GetVersions(context.Background(), "new.yaml")
	if len(records) != 2 {
		testContext.Fatalf("expected 2 records after rename, got %d", len(records))
	}
}

func TestRenameFileRefusesPathWithHistory(testContext *testing.T) {
	store := mustStore(testContext)
	mustAdd(testContext, store, "a.json", "1.0.0", 1)
	mustAdd(testContext, store, "b.json", "1.0.0", 2)
	if err := store.DeleteFile(context.Background(), "b.json"); err != nil {
		testContext.Fatalf("delete file failed: %v", err)
	}

	err := store.RenameFile(context.Background(), "a.json", "b.json")
	if !errors.Is(err, ErrPathTracked) {
		testContext.Fatalf("expected path tracked error for a trashed target, got %v", err)
	}
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "versions.rename_file.path_tracked" {
		testContext.Fatalf("unexpected error code: %v", err)
	}
	source, _ := store.GetVersions(context.Background(), "a.json")
	target, _ := store.GetVersions(context.Background(), "b.json")
	if len(source) != 1 || len(target) != 1 {
		testContext.Fatalf("expected both histories untouched, got %d and %d records", len(source), len(target))
	}
}

func TestIsNextVersionFullBoundsDeltaRunAfterPurge(testContext *testing.T) {
	store := mustStore(testContext)
	var purged int64
	for index := 1; index <= 19; index++ {
		record, err := store.Add(context.Background(), NewRecord{
			Path:            "a.json",
			Name:            "save",
			Version:         "1.0." + strconv.Itoa(index),
			Payload:         []byte("payload " + strconv.Itoa(index)),
			IsFull:          index == 1 || index == 10,
			CreatedAtMillis: int64(index),
		})
		if err != nil {
			testContext.Fatalf("add %d failed: %v", index, err)
		}
		if index == 3 {
			purged = record.ID
		}
	}
	if err := store.DeleteVersionPermanently(context.Background(), purged); err != nil {
		testContext.Fatalf("permanent delete failed: %v", err)
	}

	full, err := store.IsNextVersionFull(context.Background(), "a.json")
	if err != nil {
		testContext.Fatalf("is next full failed: %v", err)
	}
	if !full {
		testContext.Fatalf("expected a checkpoint after nine trailing deltas")
	}
}

func TestDeleteFileAndEntryView(testContext *testing.T) {
	store := mustStore(testContext)
	ctx := context.Background()
	mustAdd(testContext, store, "a.json", "1.0.0", 10)
	mustAdd(testContext, store, "a.json", "1.0.1", 20)
	mustAdd(testContext, store, "b.json", "1.0.0", 30)

	if err := store.DeleteFile(ctx, "b.json"); err != nil {
		testContext.Fatalf("delete file failed: %v", err)
	}
	tracked, err := store.IsFileTracked(ctx, "b.json")
	if err != nil || tracked {
		testContext.Fatalf("expected b.json untracked, got %v %v", tracked, err)
	}

	entries, err := store.GetEntryViewData(ctx)
	if err != nil {
		testContext.Fatalf("entry view failed: %v", err)
	}
	if entries["a.json"] != (EntryStats{Count: 2, DeletedCount: 0, LastUpdate: 20}) {
		testContext.Fatalf("unexpected a.json stats %+v", entries["a.json"])
	}
	if entries["b.json"] != (EntryStats{Count: 0, DeletedCount: 1, LastUpdate: 30}) {
		testContext.Fatalf("unexpected b.json stats %+v", entries["b.json"])
	}
}

func TestBulkOperations(testContext *testing.T) {
	store := mustStore(testContext)
	ctx := context.Background()
	mustAdd(testContext, store, "a.json", "1.0.0", 1)
	mustAdd(testContext, store, "a.json", "1.0.1", 2)
	mustAdd(testContext, store, "b.json", "1.0.0", 3)

	if err := store.ClearAll(ctx); err != nil {
		testContext.Fatalf("clear all failed: %v", err)
	}
	if err := store.RestoreAll(ctx, "a.json"); err != nil {
		testContext.Fatalf("restore all failed: %v", err)
	}
	if err := store.PermanentlyClearAll(ctx); err != nil {
		testContext.Fatalf("permanently clear all failed: %v", err)
	}
	all, err := store.GetAllData(ctx)
	if err != nil {
		testContext.Fatalf("get all data failed: %v", err)
	}
	if len(all) != 2 || all[0].Path != "a.json" || all[1].Path != "a.json" {
		testContext.Fatalf("expected only a.json history to survive, got %+v", all)
	}

	if err := store.RemoveAllVersions(ctx, "a.json"); err != nil {
		testContext.Fatalf("remove all versions failed: %v", err)
	}
	all, _ = store.GetAllData(ctx)
	if len(all) != 0 {
		testContext.Fatalf("expected empty store, got %d records", len(all))
	}
}

func TestRestoreAllWithoutPathRestoresEverything(testContext *testing.T) {
	store := mustStore(testContext)
	ctx := context.Background()
	mustAdd(testContext, store, "a.json", "1.0.0", 1)
	mustAdd(testContext, store, "b.json", "1.0.0", 2)
	if err := store.ClearAll(ctx); err != nil {
		testContext.Fatalf("clear all failed: %v", err)
	}
	if err := store.RestoreAll(ctx, ""); err != nil {
		testContext.Fatalf("restore all failed: %v", err)
	}
	for _, path := range []string{"a.json", "b.json"} {
		tracked, _ := store.IsFileTracked(ctx, path)
		if !tracked {
			testContext.Fatalf("expected %s restored", path)
		}
	}
}

func TestRewriteIsAtomic(testContext *testing.T) {
	store := mustStore(testContext)
	ctx := context.Background()
	first := mustAdd(testContext, store, "a.json", "1.0.0", 1)
	second := mustAdd(testContext, store, "a.json", "1.0.1", 2)

	err := store.Rewrite(ctx, []Rewrite{{ID: second.ID, Payload: []byte("full-snapshot")}, {ID: first.ID}}, []int64{first.ID})
	if err == nil {
		testContext.Fatalf("expected rewrite with empty payload to fail")
	}
	records, _ := store.GetVersions(ctx, "a.json")
	if len(records) != 2 || string(records[1].Payload) == "full-snapshot" {
		testContext.Fatalf("expected rollback, got %+v", records)
	}

	if err := store.Rewrite(ctx, []Rewrite{{ID: second.ID, Payload: []byte("full-snapshot")}}, []int64{first.ID}); err != nil {
		testContext.Fatalf("rewrite failed: %v", err)
	}
	records, _ = store.GetVersions(ctx, "a.json")
	if len(records) != 1 || !records[0].IsFull || string(records[0].Payload) != "full-snapshot" {
		testContext.Fatalf("unexpected records after rewrite %+v", records)
	}
}

func fixedClock() time.Time {
	return time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
}

func mustStore(testContext *testing.T) *Store {
	testContext.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(testContext.TempDir(), "versions.db")), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		testContext.Fatalf("failed to migrate: %v", err)
	}
	store, err := NewStore(StoreConfig{Database: db, Clock: fixedClock})
	if err != nil {
		testContext.Fatalf("failed to build store: %v", err)
	}
	return store
}

func mustAdd(testContext *testing.T, store *Store, path, version string, createdAtMillis int64) Record {
	testContext.Helper()
	record, err := store.Add(context.Background(), NewRecord{
		Path:            path,
		Name:            "save " + version,
		Version:         version,
		Payload:         []byte(path + "@" + version),
		IsFull:          true,
		CreatedAtMillis: createdAtMillis,
	})
	if err != nil {
		testContext.Fatalf("add failed: %v", err)
	}
	return record
}

func versionLabel(index int) string {
	return "1.0." + string(rune('0'+index))
}
