package versions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/specvault/internal/payload"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultCheckpointInterval stores every tenth saved record as a full snapshot.
const DefaultCheckpointInterval = 10

var (
	// ErrDuplicateKey indicates that an identical (path, name, version, payload) record exists.
	ErrDuplicateKey = errors.New("versions: duplicate record")
	// ErrPathTracked indicates a rename onto a path that already has records.
	ErrPathTracked = errors.New("versions: target path already has a history")

	errMissingDatabase = errors.New("database handle is required")
	errMissingPath     = errors.New("path is required")
	errMissingPayload  = errors.New("payload is required")
	noOpLogger         = zap.NewNop()
)

const (
	opStoreNew                 = "versions.store.new"
	opAdd                      = "versions.add"
	opGetVersions              = "versions.get_versions"
	opGetLastVersion           = "versions.get_last_version"
	opGetVersion               = "versions.get_version"
	opDeleteVersion            = "versions.delete_version"
	opRestoreVersion           = "versions.restore_version"
	opDeleteVersionPermanently = "versions.delete_version_permanently"
	opIsNextVersionFull        = "versions.is_next_version_full"
	opRenameFile               = "versions.rename_file"
	opIsFileTracked            = "versions.is_file_tracked"
	opDeleteFile               = "versions.delete_file"
	opGetEntryViewData         = "versions.get_entry_view_data"
	opGetAllData               = "versions.get_all_data"
	opRemoveAllVersions        = "versions.remove_all_versions"
	opClearAll                 = "versions.clear_all"
	opRestoreAll               = "versions.restore_all"
	opPermanentlyClearAll      = "versions.permanently_clear_all"
	opRewrite                  = "versions.rewrite"

	fieldPath    = "path"
	fieldID      = "id"
	fieldNewPath = "new_path"

	columnSoftDeleted = "soft_deleted"
	orderChain        = "created_at_ms ASC, id ASC"
	orderPathChain    = "path ASC, created_at_ms ASC, id ASC"
	queryPath         = "path = ?"
	queryID           = "id = ?"
	queryIDIn         = "id IN ?"
	queryLivePath     = "path = ? AND soft_deleted = ?"
	querySoftDeleted  = "soft_deleted = ?"

	reasonMissingDatabase = "missing_database"
	reasonMissingPath     = "missing_path"
	reasonMissingPayload  = "missing_payload"
	reasonDuplicateKey    = "duplicate_key"
	reasonInsertFailed    = "insert_failed"
	reasonQueryFailed     = "query_failed"
	reasonUpdateFailed    = "update_failed"
	reasonDeleteFailed    = "delete_failed"
	reasonPathTracked     = "path_tracked"
)

// ServiceError carries a stable "operation.reason" code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// StoreConfig configures a Store.
type StoreConfig struct {
	Database           *gorm.DB
	Clock              func() time.Time
	CheckpointInterval int
	Logger             *zap.Logger
}

// Store persists version records. Missing ids and paths are silent no-ops.
type Store struct {
	db                 *gorm.DB
	clock              func() time.Time
	checkpointInterval int
	logger             *zap.Logger
}

// NewStore validates the configuration and constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, reasonMissingDatabase, errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	interval := cfg.CheckpointInterval
	if interval <= 0 {
		interval = DefaultCheckpointInterval
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Store{
		db:                 cfg.Database,
		clock:              clock,
		checkpointInterval: interval,
		logger:             logger,
	}, nil
}

// CheckpointInterval reports the periodic full-snapshot interval.
func (store *Store) CheckpointInterval() int {
	return store.checkpointInterval
}

// Add inserts a record and returns it with its assigned id.
func (store *Store) Add(ctx context.Context, input NewRecord) (Record, error) {
	if input.Path == "" {
		return Record{}, newServiceError(opAdd, reasonMissingPath, errMissingPath)
	}
	if len(input.Payload) == 0 {
		return Record{}, newServiceError(opAdd, reasonMissingPayload, errMissingPayload)
	}

	createdAt := input.CreatedAtMillis
	if createdAt == 0 {
		createdAt = store.clock().UTC().UnixMilli()
	}
	model := Record{
		Path:            input.Path,
		Name:            input.Name,
		Version:         input.Version,
		Payload:         input.Payload,
		PayloadHash:     payload.Hash(input.Payload),
		CreatedAtMillis: createdAt,
		IsFull:          input.IsFull,
	}

	createResult := store.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&model)
	if createResult.Error != nil {
		store.logError(opAdd, reasonInsertFailed, createResult.Error, zap.String(fieldPath, input.Path))
		return Record{}, newServiceError(opAdd, reasonInsertFailed, createResult.Error)
	}
	if createResult.RowsAffected == 0 {
		return Record{}, newServiceError(opAdd, reasonDuplicateKey, ErrDuplicateKey)
	}
	return model, nil
}

// GetVersions returns every record of a path, soft-deleted ones included, in chain order.
func (store *Store) GetVersions(ctx context.Context, path string) ([]Record, error) {
	var records []Record
	if err := store.db.WithContext(ctx).
		Where(queryPath, path).
		Order(orderChain).
		Find(&records).Error; err != nil {
		store.logError(opGetVersions, reasonQueryFailed, err, zap.String(fieldPath, path))
		return nil, newServiceError(opGetVersions, reasonQueryFailed, err)
	}
	return records, nil
}

// GetLastVersion returns the newest record of a path, or nil when the path is untracked.
func (store *Store) GetLastVersion(ctx context.Context, path string) (*Record, error) {
	var records []Record
	if err := store.db.WithContext(ctx).
		Where(queryPath, path).
		Order("created_at_ms DESC, id DESC").
		Limit(1).
		Find(&records).Error; err != nil {
		store.logError(opGetLastVersion, reasonQueryFailed, err, zap.String(fieldPath, path))
		return nil, newServiceError(opGetLastVersion, reasonQueryFailed, err)
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}

// GetVersion returns a record by id, or nil when it does not exist.
func (store *Store) GetVersion(ctx context.Context, id int64) (*Record, error) {
	var records []Record
	if err := store.db.WithContext(ctx).Where(queryID, id).Limit(1).Find(&records).Error; err != nil {
		store.logError(opGetVersion, reasonQueryFailed, err, zap.Int64(fieldID, id))
		return nil, newServiceError(opGetVersion, reasonQueryFailed, err)
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}

// DeleteVersion marks a record as soft-deleted. It stays in the chain.
func (store *Store) DeleteVersion(ctx context.Context, id int64) error {
	return store.setSoftDeleted(ctx, opDeleteVersion, id, true)
}

// RestoreVersion clears the soft-delete mark of a record.
func (store *Store) RestoreVersion(ctx context.Context, id int64) error {
	return store.setSoftDeleted(ctx, opRestoreVersion, id, false)
}

func (store *Store) setSoftDeleted(ctx context.Context, operation string, id int64, deleted bool) error {
	if err := store.db.WithContext(ctx).
		Model(&Record{}).
		Where(queryID, id).
		Update(columnSoftDeleted, deleted).Error; err != nil {
		store.logError(operation, reasonUpdateFailed, err, zap.Int64(fieldID, id))
		return newServiceError(operation, reasonUpdateFailed, err)
	}
	return nil
}

// DeleteVersionPermanently erases one record. Callers that need the rest of
// the chain to stay reconstructable pair it with re-anchoring rewrites via Rewrite.
func (store *Store) DeleteVersionPermanently(ctx context.Context, id int64) error {
	if err := store.db.WithContext(ctx).Where(queryID, id).Delete(&Record{}).Error; err != nil {
		store.logError(opDeleteVersionPermanently, reasonDeleteFailed, err, zap.Int64(fieldID, id))
		return newServiceError(opDeleteVersionPermanently, reasonDeleteFailed, err)
	}
	return nil
}

// IsNextVersionFull reports whether the next record saved for path lands on
// a checkpoint. Ordinals count every stored record of the path, so with the
// default interval the 10th, 20th, ... saves are full. A trailing run of
// interval-1 deltas also forces a checkpoint, which keeps the bound after
// permanent deletions shift the ordinals.
func (store *Store) IsNextVersionFull(ctx context.Context, path string) (bool, error) {
	var count int64
	if err := store.db.WithContext(ctx).Model(&Record{}).Where(queryPath, path).Count(&count).Error; err != nil {
		store.logError(opIsNextVersionFull, reasonQueryFailed, err, zap.String(fieldPath, path))
		return false, newServiceError(opIsNextVersionFull, reasonQueryFailed, err)
	}
	if (count+1)%int64(store.checkpointInterval) == 0 {
		return true, nil
	}
	runLimit := store.checkpointInterval - 1
	if runLimit <= 0 || count < int64(runLimit) {
		return false, nil
	}
	var tail []bool
	if err := store.db.WithContext(ctx).
		Model(&Record{}).
		Where(queryPath, path).
		Order("created_at_ms DESC, id DESC").
		Limit(runLimit).
		Pluck("is_full", &tail).Error; err != nil {
		store.logError(opIsNextVersionFull, reasonQueryFailed, err, zap.String(fieldPath, path))
		return false, newServiceError(opIsNextVersionFull, reasonQueryFailed, err)
	}
	for _, isFull := range tail {
		if isFull {
			return false, nil
		}
	}
	return len(tail) == runLimit, nil
}

// RenameFile moves every record of oldPath to newPath atomically. It fails
// with ErrPathTracked when newPath has any record, trashed ones included,
// since two chains cannot share a path.
func (store *Store) RenameFile(ctx context.Context, oldPath, newPath string) error {
	if newPath == "" {
		return newServiceError(opRenameFile, reasonMissingPath, errMissingPath)
	}
	if oldPath == newPath {
		return nil
	}
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		var existing int64
		if err := transaction.Model(&Record{}).Where(queryPath, newPath).Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return ErrPathTracked
		}
		return transaction.Model(&Record{}).Where(queryPath, oldPath).Update(fieldPath, newPath).Error
	})
	if errors.Is(err, ErrPathTracked) {
		return newServiceError(opRenameFile, reasonPathTracked, err)
	}
	if err != nil {
		store.logError(opRenameFile, reasonUpdateFailed, err, zap.String(fieldPath, oldPath), zap.String(fieldNewPath, newPath))
		return newServiceError(opRenameFile, reasonUpdateFailed, err)
	}
	return nil
}

// IsFileTracked reports whether path has at least one record that is not soft-deleted.
func (store *Store) IsFileTracked(ctx context.Context, path string) (bool, error) {
	var count int64
	if err := store.db.WithContext(ctx).Model(&Record{}).Where(queryLivePath, path, false).Count(&count).Error; err != nil {
		store.logError(opIsFileTracked, reasonQueryFailed, err, zap.String(fieldPath, path))
		return false, newServiceError(opIsFileTracked, reasonQueryFailed, err)
	}
	return count > 0, nil
}

// DeleteFile soft-deletes every record of path, moving its history to the trash.
func (store *Store) DeleteFile(ctx context.Context, path string) error {
	if err := store.db.WithContext(ctx).
		Model(&Record{}).
		Where(queryPath, path).
		Update(columnSoftDeleted, true).Error; err != nil {
		store.logError(opDeleteFile, reasonUpdateFailed, err, zap.String(fieldPath, path))
		return newServiceError(opDeleteFile, reasonUpdateFailed, err)
	}
	return nil
}

type entryRow struct {
	Path         string
	Count        int
	DeletedCount int
	LastUpdate   int64
}

// GetEntryViewData aggregates per-path statistics over every stored record.
func (store *Store) GetEntryViewData(ctx context.Context) (map[string]EntryStats, error) {
	var rows []entryRow
	if err := store.db.WithContext(ctx).
		Model(&Record{}).
		Select("path, " +
			"SUM(CASE WHEN soft_deleted THEN 0 ELSE 1 END) AS count, " +
			"SUM(CASE WHEN soft_deleted THEN 1 ELSE 0 END) AS deleted_count, " +
			"MAX(created_at_ms) AS last_update").
		Group(fieldPath).
		Scan(&rows).Error; err != nil {
		store.logError(opGetEntryViewData, reasonQueryFailed, err)
		return nil, newServiceError(opGetEntryViewData, reasonQueryFailed, err)
	}
	entries := make(map[string]EntryStats, len(rows))
	for _, row := range rows {
		entries[row.Path] = EntryStats{Count: row.Count, DeletedCount: row.DeletedCount, LastUpdate: row.LastUpdate}
	}
	return entries, nil
}

// GetAllData returns every record grouped by path in chain order.
func (store *Store) GetAllData(ctx context.Context) ([]Record, error) {
	var records []Record
	if err := store.db.WithContext(ctx).Order(orderPathChain).Find(&records).Error; err != nil {
		store.logError(opGetAllData, reasonQueryFailed, err)
		return nil, newServiceError(opGetAllData, reasonQueryFailed, err)
	}
	return records, nil
}

// RemoveAllVersions erases the whole history of path.
func (store *Store) RemoveAllVersions(ctx context.Context, path string) error {
	if err := store.db.WithContext(ctx).Where(queryPath, path).Delete(&Record{}).Error; err != nil {
		store.logError(opRemoveAllVersions, reasonDeleteFailed, err, zap.String(fieldPath, path))
		return newServiceError(opRemoveAllVersions, reasonDeleteFailed, err)
	}
	return nil
}

// ClearAll soft-deletes every record of every path.
func (store *Store) ClearAll(ctx context.Context) error {
	if err := store.db.WithContext(ctx).
		Model(&Record{}).
		Where(querySoftDeleted, false).
		Update(columnSoftDeleted, true).Error; err != nil {
		store.logError(opClearAll, reasonUpdateFailed, err)
		return newServiceError(opClearAll, reasonUpdateFailed, err)
	}
	return nil
}

// RestoreAll clears the soft-delete mark on every record of path, or of every
// path when path is empty.
func (store *Store) RestoreAll(ctx context.Context, path string) error {
	query := store.db.WithContext(ctx).Model(&Record{}).Where(querySoftDeleted, true)
	if path != "" {
		query = query.Where(queryPath, path)
	}
	if err := query.Update(columnSoftDeleted, false).Error; err != nil {
		store.logError(opRestoreAll, reasonUpdateFailed, err, zap.String(fieldPath, path))
		return newServiceError(opRestoreAll, reasonUpdateFailed, err)
	}
	return nil
}

// PermanentlyClearAll erases every soft-deleted record and leaves live ones untouched.
func (store *Store) PermanentlyClearAll(ctx context.Context) error {
	if err := store.db.WithContext(ctx).Where(querySoftDeleted, true).Delete(&Record{}).Error; err != nil {
		store.logError(opPermanentlyClearAll, reasonDeleteFailed, err)
		return newServiceError(opPermanentlyClearAll, reasonDeleteFailed, err)
	}
	return nil
}

// Rewrite turns the listed records into full snapshots and erases deleteIDs
// in one transaction.
func (store *Store) Rewrite(ctx context.Context, rewrites []Rewrite, deleteIDs []int64) error {
	if len(rewrites) == 0 && len(deleteIDs) == 0 {
		return nil
	}
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		for _, rewrite := range rewrites {
			if len(rewrite.Payload) == 0 {
				return fmt.Errorf("record %d: %w", rewrite.ID, errMissingPayload)
			}
			if err := transaction.Model(&Record{}).
				Where(queryID, rewrite.ID).
				Updates(map[string]any{
					"payload":      rewrite.Payload,
					"payload_hash": payload.Hash(rewrite.Payload),
					"is_full":      true,
				}).Error; err != nil {
				return fmt.Errorf("record %d: %w", rewrite.ID, err)
			}
		}
		if len(deleteIDs) == 0 {
			return nil
		}
		return transaction.Where(queryIDIn, deleteIDs).Delete(&Record{}).Error
	})
	if err != nil {
		store.logError(opRewrite, reasonUpdateFailed, err, zap.Int("rewrites", len(rewrites)), zap.Int("deletes", len(deleteIDs)))
		return newServiceError(opRewrite, reasonUpdateFailed, err)
	}
	return nil
}

func (store *Store) loggerOrDefault() *zap.Logger {
	if store == nil || store.logger == nil {
		return noOpLogger
	}
	return store.logger
}

func (store *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	store.loggerOrDefault().Error("versions store error", attrs...)
}
