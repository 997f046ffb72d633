// Package history is the caller-side API over the store worker: it saves new
// versions through the admission policy and rebuilds stored content.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/specvault/internal/chain"
	"github.com/MarcoPoloResearchLab/specvault/internal/delta"
	"github.com/MarcoPoloResearchLab/specvault/internal/metrics"
	"github.com/MarcoPoloResearchLab/specvault/internal/payload"
	"github.com/MarcoPoloResearchLab/specvault/internal/versions"
	"go.uber.org/zap"
)

var (
	// ErrVersionNotFound indicates an id that is not part of the path's history.
	ErrVersionNotFound = errors.New("history: version not found")

	errMissingBackend = errors.New("backend is required")
	errMissingCodec   = errors.New("codec is required")
	noOpLogger        = zap.NewNop()
)

const (
	opServiceNew         = "history.service.new"
	opSave               = "history.save"
	opGetPatchedVersion  = "history.get_patched_version"
	opGetLatestContent   = "history.get_latest_content"
	opMaterializeHistory = "history.materialize_history"
	opDeletePermanently  = "history.delete_permanently"
	opRenameFile         = "history.rename_file"
	opEmptyTrash         = "history.permanently_clear_all"
	opChainStats         = "history.chain_stats"
	fieldPath            = "path"
	fieldVersion         = "version"
	fieldID              = "id"
	reasonMissingBackend = "missing_backend"
	reasonMissingCodec   = "missing_codec"
	reasonLoadFailed     = "load_failed"
	reasonRebuildFailed  = "rebuild_failed"
	reasonEncodeFailed   = "encode_failed"
	reasonInsertFailed   = "insert_failed"
	reasonPolicyFailed   = "policy_failed"
	reasonStoreFailed    = "store_failed"
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

// Backend is the store surface the service drives. *rpc.Client implements it.
type Backend interface {
	AddVersion(ctx context.Context, record versions.NewRecord) (versions.Record, error)
	GetVersions(ctx context.Context, path string) ([]versions.Record, error)
	GetVersion(ctx context.Context, id int64) (*versions.Record, error)
	DeleteVersion(ctx context.Context, id int64) error
	RestoreVersion(ctx context.Context, id int64) error
	DeletePermanently(ctx context.Context, id int64) error
	IsNextVersionFull(ctx context.Context, path string) (bool, error)
	GetEntryViewData(ctx context.Context) (map[string]versions.EntryStats, error)
	GetAllData(ctx context.Context) ([]versions.Record, error)
	RenameFile(ctx context.Context, oldPath, newPath string) error
	IsFileTracked(ctx context.Context, path string) (bool, error)
	DeleteFile(ctx context.Context, path string) error
	RemoveAllVersions(ctx context.Context, path string) error
	ClearAll(ctx context.Context) error
	RestoreAll(ctx context.Context, path string) error
	PermanentlyClearAll(ctx context.Context) error
}

// ServiceConfig wires a Service.
type ServiceConfig struct {
	Backend Backend
	Engine  *delta.Engine
	Codec   *payload.Codec
	Policy  *chain.Policy
	Clock   func() time.Time
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Service saves and reads document versions.
type Service struct {
	backend       Backend
	codec         *payload.Codec
	policy        *chain.Policy
	reconstructor *chain.Reconstructor
	clock         func() time.Time
	logger        *zap.Logger
	metrics       *metrics.Metrics
	locks         *pathLocks
}

// NewService validates the configuration and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Backend == nil {
		return nil, newServiceError(opServiceNew, reasonMissingBackend, errMissingBackend)
	}
	if cfg.Codec == nil {
		return nil, newServiceError(opServiceNew, reasonMissingCodec, errMissingCodec)
	}

	engine := cfg.Engine
	if engine == nil {
		engine = delta.NewEngine(delta.Options{})
	}
	policy := cfg.Policy
	if policy == nil {
		policy = chain.NewPolicy(engine, chain.DefaultLargeChangeThreshold)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		backend:       cfg.Backend,
		codec:         cfg.Codec,
		policy:        policy,
		reconstructor: chain.NewReconstructor(engine, cfg.Codec),
		clock:         clock,
		logger:        logger,
		metrics:       cfg.Metrics,
		locks:         newPathLocks(),
	}, nil
}

// SaveRequest describes a new version of a document.
type SaveRequest struct {
	Path    string
	Name    string
	Version string
	Content any
}

// SaveResult reports the stored record and how it was admitted.
type SaveResult struct {
	Record  versions.Record
	Reason  chain.Reason
	Changes int
}

// Save stores content as the next version of the path. Saves to one path are
// serialized so every delta is computed against the record it follows.
func (service *Service) Save(ctx context.Context, request SaveRequest) (SaveResult, error) {
	documentPath, err := NormalizePath(request.Path)
	if err != nil {
		return SaveResult{}, err
	}
	if err := ValidateVersion(request.Version); err != nil {
		return SaveResult{}, err
	}

	unlock := service.locks.lock(documentPath)
	defer unlock()

	records, err := service.backend.GetVersions(ctx, documentPath)
	if err != nil {
		service.logError(opSave, reasonLoadFailed, err, zap.String(fieldPath, documentPath))
		return SaveResult{}, newServiceError(opSave, reasonLoadFailed, err)
	}
	if latest := latestLive(records); latest != nil && CompareVersions(request.Version, latest.Version) <= 0 {
		return SaveResult{}, fmt.Errorf("%w: %s is not after %s", ErrVersionNotIncreasing, request.Version, latest.Version)
	}

	var previous any
	createdAt := service.clock().UTC().UnixMilli()
	if len(records) > 0 {
		last := records[len(records)-1]
		result, err := service.reconstructor.Reconstruct(records, last.ID)
		if err != nil {
			service.logError(opSave, reasonRebuildFailed, err, zap.String(fieldPath, documentPath), zap.Int64(fieldID, last.ID))
			return SaveResult{}, newServiceError(opSave, reasonRebuildFailed, err)
		}
		previous = result.Tree
		createdAt = max(createdAt, last.CreatedAtMillis)
	}

	periodic, err := service.backend.IsNextVersionFull(ctx, documentPath)
	if err != nil {
		service.logError(opSave, reasonLoadFailed, err, zap.String(fieldPath, documentPath))
		return SaveResult{}, newServiceError(opSave, reasonLoadFailed, err)
	}
	decision, err := service.policy.Decide(previous, len(records) > 0, request.Content, periodic)
	if err != nil {
		if errors.Is(err, chain.ErrNoChanges) {
			return SaveResult{}, err
		}
		return SaveResult{}, newServiceError(opSave, reasonPolicyFailed, err)
	}
	encoded, err := service.codec.Encode(decision.Payload)
	if err != nil {
		service.logError(opSave, reasonEncodeFailed, err, zap.String(fieldPath, documentPath))
		return SaveResult{}, newServiceError(opSave, reasonEncodeFailed, err)
	}

	stored, err := service.backend.AddVersion(ctx, versions.NewRecord{
		Path:            documentPath,
		Name:            request.Name,
		Version:         request.Version,
		Payload:         encoded,
		IsFull:          payload.IsFull(decision.Payload),
		CreatedAtMillis: createdAt,
	})
	if err != nil {
		service.logError(opSave, reasonInsertFailed, err, zap.String(fieldPath, documentPath), zap.String(fieldVersion, request.Version))
		return SaveResult{}, newServiceError(opSave, reasonInsertFailed, err)
	}

	service.metrics.VersionSaved(string(decision.Reason))
	service.logger.Info("version saved",
		zap.String(fieldPath, documentPath),
		zap.String(fieldVersion, request.Version),
		zap.Int64(fieldID, stored.ID),
		zap.String("reason", string(decision.Reason)),
		zap.Int("changes", decision.Changes))
	return SaveResult{Record: stored, Reason: decision.Reason, Changes: decision.Changes}, nil
}

// GetPatchedVersion reconstructs the content of record id of path.
func (service *Service) GetPatchedVersion(ctx context.Context, documentPath string, id int64) (any, error) {
	normalized, err := NormalizePath(documentPath)
	if err != nil {
		return nil, err
	}
	records, err := service.backend.GetVersions(ctx, normalized)
	if err != nil {
		service.logError(opGetPatchedVersion, reasonLoadFailed, err, zap.String(fieldPath, normalized))
		return nil, newServiceError(opGetPatchedVersion, reasonLoadFailed, err)
	}
	return service.rebuild(opGetPatchedVersion, normalized, records, id)
}

// GetLatestContent reconstructs the newest live version of path. The boolean
// is false when the path has no live versions.
func (service *Service) GetLatestContent(ctx context.Context, documentPath string) (any, bool, error) {
	normalized, err := NormalizePath(documentPath)
	if err != nil {
		return nil, false, err
	}
	records, err := service.backend.GetVersions(ctx, normalized)
	if err != nil {
		service.logError(opGetLatestContent, reasonLoadFailed, err, zap.String(fieldPath, normalized))
		return nil, false, newServiceError(opGetLatestContent, reasonLoadFailed, err)
	}
	latest := latestLive(records)
	if latest == nil {
		return nil, false, nil
	}
	tree, err := service.rebuild(opGetLatestContent, normalized, records, latest.ID)
	if err != nil {
		return nil, false, err
	}
	return tree, true, nil
}

// VersionContent pairs a record with its reconstructed content.
type VersionContent struct {
	Record  versions.Record
	Content any
}

// MaterializeHistory reconstructs every version of path in one forward pass
// over the chain. Trashed versions are skipped unless includeDeleted is set.
func (service *Service) MaterializeHistory(ctx context.Context, documentPath string, includeDeleted bool) ([]VersionContent, error) {
	normalized, err := NormalizePath(documentPath)
	if err != nil {
		return nil, err
	}
	records, err := service.backend.GetVersions(ctx, normalized)
	if err != nil {
		service.logError(opMaterializeHistory, reasonLoadFailed, err, zap.String(fieldPath, normalized))
		return nil, newServiceError(opMaterializeHistory, reasonLoadFailed, err)
	}
	trees, err := service.reconstructor.MaterializeAll(records)
	if err != nil {
		service.logError(opMaterializeHistory, reasonRebuildFailed, err, zap.String(fieldPath, normalized))
		return nil, newServiceError(opMaterializeHistory, reasonRebuildFailed, err)
	}
	contents := make([]VersionContent, 0, len(records))
	for index, record := range records {
		if record.SoftDeleted && !includeDeleted {
			continue
		}
		contents = append(contents, VersionContent{Record: record, Content: trees[index]})
	}
	return contents, nil
}

func (service *Service) rebuild(operation, documentPath string, records []versions.Record, id int64) (any, error) {
	result, err := service.reconstructor.Reconstruct(records, id)
	if errors.Is(err, chain.ErrTargetNotFound) {
		return nil, fmt.Errorf("%w: %d in %s", ErrVersionNotFound, id, documentPath)
	}
	if err != nil {
		service.logError(operation, reasonRebuildFailed, err, zap.String(fieldPath, documentPath), zap.Int64(fieldID, id))
		return nil, newServiceError(operation, reasonRebuildFailed, err)
	}
	service.metrics.Reconstructed(result.Applied)
	return result.Tree, nil
}

// ListVersions returns the history of path in chain order.
func (service *Service) ListVersions(ctx context.Context, documentPath string, includeDeleted bool) ([]versions.Record, error) {
	normalized, err := NormalizePath(documentPath)
	if err != nil {
		return nil, err
	}
	records, err := service.backend.GetVersions(ctx, normalized)
	if err != nil || includeDeleted {
		return records, err
	}
	live := make([]versions.Record, 0, len(records))
	for _, record := range records {
		if !record.SoftDeleted {
			live = append(live, record)
		}
	}
	return live, nil
}

// GetVersion returns a record by id, or nil when it does not exist.
func (service *Service) GetVersion(ctx context.Context, id int64) (*versions.Record, error) {
	return service.backend.GetVersion(ctx, id)
}

func (service *Service) DeleteVersion(ctx context.Context, id int64) error {
	return service.backend.DeleteVersion(ctx, id)
}

func (service *Service) RestoreVersion(ctx context.Context, id int64) error {
	return service.backend.RestoreVersion(ctx, id)
}

// DeletePermanently erases a record while holding its path's lock, so no save
// computes a delta against a record that is being re-anchored.
func (service *Service) DeletePermanently(ctx context.Context, id int64) error {
	record, err := service.backend.GetVersion(ctx, id)
	if err != nil {
		return newServiceError(opDeletePermanently, reasonLoadFailed, err)
	}
	if record == nil {
		return nil
	}
	unlock := service.locks.lock(record.Path)
	defer unlock()
	if err := service.backend.DeletePermanently(ctx, id); err != nil {
		service.logError(opDeletePermanently, reasonStoreFailed, err, zap.Int64(fieldID, id))
		return newServiceError(opDeletePermanently, reasonStoreFailed, err)
	}
	return nil
}

// RenameFile moves the history of oldPath to newPath.
func (service *Service) RenameFile(ctx context.Context, oldPath, newPath string) error {
	from, err := NormalizePath(oldPath)
	if err != nil {
		return err
	}
	to, err := NormalizePath(newPath)
	if err != nil {
		return err
	}
	unlock := service.locks.lock(from, to)
	defer unlock()
	if err := service.backend.RenameFile(ctx, from, to); err != nil {
		service.logError(opRenameFile, reasonStoreFailed, err, zap.String(fieldPath, from), zap.String("new_path", to))
		return newServiceError(opRenameFile, reasonStoreFailed, err)
	}
	service.logger.Info("file renamed", zap.String(fieldPath, from), zap.String("new_path", to))
	return nil
}

func (service *Service) IsFileTracked(ctx context.Context, documentPath string) (bool, error) {
	normalized, err := NormalizePath(documentPath)
	if err != nil {
		return false, err
	}
	return service.backend.IsFileTracked(ctx, normalized)
}

// DeleteFile moves the whole history of path to the trash.
func (service *Service) DeleteFile(ctx context.Context, documentPath string) error {
	normalized, err := NormalizePath(documentPath)
	if err != nil {
		return err
	}
	return service.backend.DeleteFile(ctx, normalized)
}

func (service *Service) EntryView(ctx context.Context) (map[string]versions.EntryStats, error) {
	return service.backend.GetEntryViewData(ctx)
}

func (service *Service) AllRecords(ctx context.Context) ([]versions.Record, error) {
	return service.backend.GetAllData(ctx)
}

// RemoveAllVersions erases the history of path.
func (service *Service) RemoveAllVersions(ctx context.Context, documentPath string) error {
	normalized, err := NormalizePath(documentPath)
	if err != nil {
		return err
	}
	unlock := service.locks.lock(normalized)
	defer unlock()
	return service.backend.RemoveAllVersions(ctx, normalized)
}

func (service *Service) ClearAll(ctx context.Context) error {
	return service.backend.ClearAll(ctx)
}

// RestoreAll restores the trash of path, or of every path when documentPath is empty.
func (service *Service) RestoreAll(ctx context.Context, documentPath string) error {
	if documentPath == "" {
		return service.backend.RestoreAll(ctx, "")
	}
	normalized, err := NormalizePath(documentPath)
	if err != nil {
		return err
	}
	return service.backend.RestoreAll(ctx, normalized)
}

// PermanentlyClearAll empties the trash while holding the lock of every
// tracked path, so no save computes a delta against a record being erased.
func (service *Service) PermanentlyClearAll(ctx context.Context) error {
	view, err := service.backend.GetEntryViewData(ctx)
	if err != nil {
		service.logError(opEmptyTrash, reasonLoadFailed, err)
		return newServiceError(opEmptyTrash, reasonLoadFailed, err)
	}
	paths := make([]string, 0, len(view))
	for documentPath := range view {
		paths = append(paths, documentPath)
	}
	unlock := service.locks.lock(paths...)
	defer unlock()
	if err := service.backend.PermanentlyClearAll(ctx); err != nil {
		service.logError(opEmptyTrash, reasonStoreFailed, err)
		return newServiceError(opEmptyTrash, reasonStoreFailed, err)
	}
	return nil
}

// ChainStats summarizes the storage layout of one path.
type ChainStats struct {
	Records              int
	Full                 int
	SoftDeleted          int
	MaxDeltaApplications int
}

// ChainStats reports how the history of path is stored.
func (service *Service) ChainStats(ctx context.Context, documentPath string) (ChainStats, error) {
	normalized, err := NormalizePath(documentPath)
	if err != nil {
		return ChainStats{}, err
	}
	records, err := service.backend.GetVersions(ctx, normalized)
	if err != nil {
		service.logError(opChainStats, reasonLoadFailed, err, zap.String(fieldPath, normalized))
		return ChainStats{}, newServiceError(opChainStats, reasonLoadFailed, err)
	}
	stats := ChainStats{Records: len(records), MaxDeltaApplications: chain.MaxDeltaApplications(records)}
	for _, record := range records {
		if record.IsFull {
			stats.Full++
		}
		if record.SoftDeleted {
			stats.SoftDeleted++
		}
	}
	return stats, nil
}

func latestLive(records []versions.Record) *versions.Record {
	for index := len(records) - 1; index >= 0; index-- {
		if !records[index].SoftDeleted {
			return &records[index]
		}
	}
	return nil
}

func (service *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	service.logger.Error("history service error", attrs...)
}
