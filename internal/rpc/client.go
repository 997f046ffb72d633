package rpc

import (
	"context"

	"github.com/MarcoPoloResearchLab/specvault/internal/versions"
)

// Client exposes the store operations of the worker as typed calls.
type Client struct {
	channel *Channel
}

// NewClient wraps a channel.
func NewClient(channel *Channel) *Client {
	return &Client{channel: channel}
}

// Channel returns the underlying channel.
func (client *Client) Channel() *Channel {
	return client.channel
}

// Close terminates the underlying channel.
func (client *Client) Close() error {
	return client.channel.Terminate()
}

func (client *Client) AddVersion(ctx context.Context, record versions.NewRecord) (versions.Record, error) {
	var stored RecordDTO
	err := client.channel.Call(ctx, KindAddVersion, AddVersionParams{
		Path:            record.Path,
		Name:            record.Name,
		Version:         record.Version,
		Payload:         record.Payload,
		IsFull:          record.IsFull,
		CreatedAtMillis: record.CreatedAtMillis,
	}, &stored)
	if err != nil {
		return versions.Record{}, err
	}
	return stored.Record(), nil
}

func (client *Client) GetVersions(ctx context.Context, path string) ([]versions.Record, error) {
	var records []RecordDTO
	if err := client.channel.Call(ctx, KindGetVersions, PathParams{Path: path}, &records); err != nil {
		return nil, err
	}
	return recordsFromDTO(records), nil
}

func (client *Client) GetLastVersion(ctx context.Context, path string) (*versions.Record, error) {
	var record *RecordDTO
	if err := client.channel.Call(ctx, KindGetLastVersion, PathParams{Path: path}, &record); err != nil {
		return nil, err
	}
	if record == nil {
		return nil, nil
	}
	converted := record.Record()
	return &converted, nil
}

func (client *Client) GetVersion(ctx context.Context, id int64) (*versions.Record, error) {
	var record *RecordDTO
	if err := client.channel.Call(ctx, KindGetVersion, IDParams{ID: id}, &record); err != nil {
		return nil, err
	}
	if record == nil {
		return nil, nil
	}
	converted := record.Record()
	return &converted, nil
}

func (client *Client) DeleteVersion(ctx context.Context, id int64) error {
	return client.channel.Call(ctx, KindDeleteVersion, IDParams{ID: id}, nil)
}

func (client *Client) RestoreVersion(ctx context.Context, id int64) error {
	return client.channel.Call(ctx, KindRestoreVersion, IDParams{ID: id}, nil)
}

// DeletePermanently erases a record; the worker re-anchors its dependents first.
func (client *Client) DeletePermanently(ctx context.Context, id int64) error {
	return client.channel.Call(ctx, KindDeletePermanently, IDParams{ID: id}, nil)
}

func (client *Client) IsNextVersionFull(ctx context.Context, path string) (bool, error) {
	var full bool
	err := client.channel.Call(ctx, KindIsNextVersionFull, PathParams{Path: path}, &full)
	return full, err
}

func (client *Client) GetEntryViewData(ctx context.Context) (map[string]versions.EntryStats, error) {
	var entries map[string]EntryDTO
	if err := client.channel.Call(ctx, KindGetEntryViewData, nil, &entries); err != nil {
		return nil, err
	}
	converted := make(map[string]versions.EntryStats, len(entries))
	for path, entry := range entries {
		converted[path] = versions.EntryStats{Count: entry.Count, DeletedCount: entry.DeletedCount, LastUpdate: entry.LastUpdate}
	}
	return converted, nil
}

func (client *Client) GetAllData(ctx context.Context) ([]versions.Record, error) {
	var records []RecordDTO
	if err := client.channel.Call(ctx, KindGetAllData, nil, &records); err != nil {
		return nil, err
	}
	return recordsFromDTO(records), nil
}

func (client *Client) RenameFile(ctx context.Context, oldPath, newPath string) error {
	return client.channel.Call(ctx, KindRenameFile, RenameParams{OldPath: oldPath, NewPath: newPath}, nil)
}

func (client *Client) IsFileTracked(ctx context.Context, path string) (bool, error) {
	var tracked bool
	err := client.channel.Call(ctx, KindIsFileTracked, PathParams{Path: path}, &tracked)
	return tracked, err
}

func (client *Client) DeleteFile(ctx context.Context, path string) error {
	return client.channel.Call(ctx, KindDeleteFile, PathParams{Path: path}, nil)
}

func (client *Client) RemoveAllVersions(ctx context.Context, path string) error {
	return client.channel.Call(ctx, KindRemoveAllVersions, PathParams{Path: path}, nil)
}

func (client *Client) ClearAll(ctx context.Context) error {
	return client.channel.Call(ctx, KindClearAll, nil, nil)
}

// RestoreAll restores the soft-deleted records of path, or of every path when empty.
func (client *Client) RestoreAll(ctx context.Context, path string) error {
	return client.channel.Call(ctx, KindRestoreAll, PathParams{Path: path}, nil)
}

func (client *Client) PermanentlyClearAll(ctx context.Context) error {
	return client.channel.Call(ctx, KindPermanentlyClearAll, nil, nil)
}

func recordsFromDTO(records []RecordDTO) []versions.Record {
	converted := make([]versions.Record, 0, len(records))
	for _, record := range records {
		converted = append(converted, record.Record())
	}
	return converted
}
