// Package rpc carries store requests between callers and the worker that owns
// the store. Frames are JSON bytes tagged with a correlation id.
package rpc

import (
	"github.com/MarcoPoloResearchLab/specvault/internal/versions"
	json "github.com/goccy/go-json"
)

// Kind names a request type.
type Kind string

const (
	KindAddVersion          Kind = "add_version"
	KindGetVersions         Kind = "get_versions"
	KindGetLastVersion      Kind = "get_last_version"
	KindGetVersion          Kind = "get_version"
	KindDeleteVersion       Kind = "delete_version"
	KindRestoreVersion      Kind = "restore_version"
	KindDeletePermanently   Kind = "delete_permanently"
	KindIsNextVersionFull   Kind = "is_next_version_full"
	KindGetEntryViewData    Kind = "get_entry_view_data"
	KindGetAllData          Kind = "get_all_data"
	KindRenameFile          Kind = "rename_file"
	KindIsFileTracked       Kind = "is_file_tracked"
	KindDeleteFile          Kind = "delete_file"
	KindRemoveAllVersions   Kind = "remove_all_versions"
	KindClearAll            Kind = "clear_all"
	KindRestoreAll          Kind = "restore_all"
	KindPermanentlyClearAll Kind = "permanently_clear_all"
)

// Status tags a response.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Request is one call frame.
type Request struct {
	ID     uint64          `json:"id"`
	Kind   Kind            `json:"kind"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers the request with the same ID.
type Response struct {
	ID      uint64          `json:"id"`
	Status  Status          `json:"status"`
	Result  json.RawMessage `json:"result,omitempty"`
	Message string          `json:"message,omitempty"`
	// Code classifies well-known failures so callers can match them.
	Code string `json:"code,omitempty"`
}

// PathParams addresses one path.
type PathParams struct {
	Path string `json:"path"`
}

// IDParams addresses one record.
type IDParams struct {
	ID int64 `json:"id"`
}

// RenameParams moves a path's history.
type RenameParams struct {
	OldPath string `json:"old_path"`
	NewPath string `json:"new_path"`
}

// AddVersionParams carries a record to insert.
type AddVersionParams struct {
	Path            string `json:"path"`
	Name            string `json:"name"`
	Version         string `json:"version"`
	Payload         []byte `json:"payload"`
	IsFull          bool   `json:"is_full"`
	CreatedAtMillis int64  `json:"created_at_ms,omitempty"`
}

// RecordDTO is the wire form of a stored record.
type RecordDTO struct {
	ID              int64  `json:"id"`
	Path            string `json:"path"`
	Name            string `json:"name"`
	Version         string `json:"version"`
	Payload         []byte `json:"payload"`
	CreatedAtMillis int64  `json:"created_at_ms"`
	IsFull          bool   `json:"is_full"`
	SoftDeleted     bool   `json:"soft_deleted"`
}

// EntryDTO is the wire form of per-path statistics.
type EntryDTO struct {
	Count        int   `json:"count"`
	DeletedCount int   `json:"deleted_count"`
	LastUpdate   int64 `json:"last_update"`
}

// NewRecordFromParams converts insert parameters for the store.
func NewRecordFromParams(params AddVersionParams) versions.NewRecord {
	return versions.NewRecord{
		Path:            params.Path,
		Name:            params.Name,
		Version:         params.Version,
		Payload:         params.Payload,
		IsFull:          params.IsFull,
		CreatedAtMillis: params.CreatedAtMillis,
	}
}

// RecordToDTO converts a stored record to its wire form.
func RecordToDTO(record versions.Record) RecordDTO {
	return RecordDTO{
		ID:              record.ID,
		Path:            record.Path,
		Name:            record.Name,
		Version:         record.Version,
		Payload:         record.Payload,
		CreatedAtMillis: record.CreatedAtMillis,
		IsFull:          record.IsFull,
		SoftDeleted:     record.SoftDeleted,
	}
}

// RecordsToDTO converts a slice of records.
func RecordsToDTO(records []versions.Record) []RecordDTO {
	converted := make([]RecordDTO, 0, len(records))
	for _, record := range records {
		converted = append(converted, RecordToDTO(record))
	}
	return converted
}

// Record converts the wire form back to a record.
func (dto RecordDTO) Record() versions.Record {
	return versions.Record{
		ID:              dto.ID,
		Path:            dto.Path,
		Name:            dto.Name,
		Version:         dto.Version,
		Payload:         dto.Payload,
		CreatedAtMillis: dto.CreatedAtMillis,
		IsFull:          dto.IsFull,
		SoftDeleted:     dto.SoftDeleted,
	}
}
