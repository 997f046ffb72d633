package export

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/specvault/internal/document"
	"github.com/MarcoPoloResearchLab/specvault/internal/history"
	"github.com/MarcoPoloResearchLab/specvault/internal/versions"
	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/zip"
)

type stubSource struct {
	mutex   sync.Mutex
	records map[string][]versions.Record
	trees   map[int64]any
	calls   int
	batches int
}

func (source *stubSource) GetPatchedVersion(_ context.Context, documentPath string, id int64) (any, error) {
	source.mutex.Lock()
	defer source.mutex.Unlock()
	source.calls++
	tree, ok := source.trees[id]
	if !ok {
		return nil, errors.New("unknown version")
	}
	return tree, nil
}

func (source *stubSource) GetLatestContent(ctx context.Context, documentPath string) (any, bool, error) {
	records := source.records[documentPath]
	for index := len(records) - 1; index >= 0; index-- {
		if !records[index].SoftDeleted {
			tree, err := source.GetPatchedVersion(ctx, documentPath, records[index].ID)
			return tree, err == nil, err
		}
	}
	return nil, false, nil
}

func (source *stubSource) MaterializeHistory(_ context.Context, documentPath string, includeDeleted bool) ([]history.VersionContent, error) {
	source.mutex.Lock()
	defer source.mutex.Unlock()
	source.batches++
	var contents []history.VersionContent
	for _, record := range source.records[documentPath] {
		if includeDeleted || !record.SoftDeleted {
			contents = append(contents, history.VersionContent{Record: record, Content: source.trees[record.ID]})
		}
	}
	return contents, nil
}

func (source *stubSource) EntryView(context.Context) (map[string]versions.EntryStats, error) {
	view := make(map[string]versions.EntryStats, len(source.records))
	for documentPath, records := range source.records {
		stats := versions.EntryStats{}
		for _, record := range records {
			if record.SoftDeleted {
				stats.DeletedCount++
				continue
			}
			stats.Count++
		}
		view[documentPath] = stats
	}
	return view, nil
}

func newStubSource() *stubSource {
	return &stubSource{
		records: map[string][]versions.Record{
			"api/petstore.yaml": {
				{ID: 1, Path: "api/petstore.yaml", Name: "petstore", Version: "1.0.0", CreatedAtMillis: 10},
				{ID: 2, Path: "api/petstore.yaml", Name: "petstore", Version: "1.1.0", CreatedAtMillis: 20, SoftDeleted: true},
				{ID: 3, Path: "api/petstore.yaml", Name: "petstore", Version: "1.2.0+build/7", CreatedAtMillis: 30},
			},
			"billing.json": {
				{ID: 4, Path: "billing.json", Name: "billing", Version: "0.1.0", CreatedAtMillis: 40},
			},
			"trash.json": {
				{ID: 5, Path: "trash.json", Name: "trash", Version: "0.1.0", CreatedAtMillis: 50, SoftDeleted: true},
			},
		},
		trees: map[int64]any{
			1: map[string]any{"openapi": "3.0.0", "paths": map[string]any{}},
			2: map[string]any{"openapi": "3.0.1"},
			3: map[string]any{"openapi": "3.1.0", "paths": map[string]any{"/pets": map[string]any{}}},
			4: map[string]any{"openapi": "3.1.0", "info": map[string]any{"title": "Billing"}},
			5: map[string]any{"openapi": "3.1.0"},
		},
	}
}

func mustExporter(testContext *testing.T, source Source) *Exporter {
	testContext.Helper()
	exporter, err := New(Config{
		Source:      source,
		Concurrency: 2,
		Clock:       func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		testContext.Fatalf("new exporter failed: %v", err)
	}
	return exporter
}

func TestNewRequiresSource(testContext *testing.T) {
	if _, err := New(Config{}); err == nil {
		testContext.Fatalf("expected error without source")
	}
}

func TestWriteVersionUsesDestinationFormat(testContext *testing.T) {
	exporter := mustExporter(testContext, newStubSource())
	dest := filepath.Join(testContext.TempDir(), "out", "v3.json")
	if err := exporter.WriteVersion(context.Background(), "api/petstore.yaml", 3, dest); err != nil {
		testContext.Fatalf("write version failed: %v", err)
	}
	tree, format, err := document.ReadFile(dest)
	if err != nil {
		testContext.Fatalf("read back failed: %v", err)
	}
	if format != document.FormatJSON || tree.(map[string]any)["openapi"] != "3.1.0" {
		testContext.Fatalf("unexpected export %q %v", format, tree)
	}
}

func TestWriteHistorySkipsTrashAndWritesManifest(testContext *testing.T) {
	source := newStubSource()
	exporter := mustExporter(testContext, source)
	dest := filepath.Join(testContext.TempDir(), "petstore.zip")

	manifest, err := exporter.WriteHistory(context.Background(), "api/petstore.yaml", dest)
	if err != nil {
		testContext.Fatalf("write history failed: %v", err)
	}
	if source.batches != 1 || source.calls != 0 {
		testContext.Fatalf("expected one materialization pass, got %d batches and %d single fetches", source.batches, source.calls)
	}
	if len(manifest.Versions) != 2 {
		testContext.Fatalf("expected two live versions, got %+v", manifest.Versions)
	}
	if manifest.Versions[1].File != "1.2.0_build_7_3.yaml" {
		testContext.Fatalf("unexpected file name %q", manifest.Versions[1].File)
	}

	archive, err := zip.OpenReader(dest)
	if err != nil {
		testContext.Fatalf("open archive failed: %v", err)
	}
	defer archive.Close()

	var names []string
	var stored Manifest
	for _, entry := range archive.File {
		names = append(names, entry.Name)
		if entry.Name != manifestName {
			continue
		}
		reader, err := entry.Open()
		if err != nil {
			testContext.Fatalf("open manifest failed: %v", err)
		}
		content, err := io.ReadAll(reader)
		reader.Close()
		if err != nil {
			testContext.Fatalf("read manifest failed: %v", err)
		}
		if err := json.Unmarshal(content, &stored); err != nil {
			testContext.Fatalf("decode manifest failed: %v", err)
		}
	}
	sort.Strings(names)
	expected := []string{"1.0.0_1.yaml", "1.2.0_build_7_3.yaml", manifestName}
	if len(names) != len(expected) {
		testContext.Fatalf("unexpected archive entries %v", names)
	}
	for index := range expected {
		if names[index] != expected[index] {
			testContext.Fatalf("unexpected archive entries %v", names)
		}
	}
	if stored.Path != "api/petstore.yaml" || len(stored.Versions) != 2 || !stored.ExportedAt.Equal(manifest.ExportedAt) {
		testContext.Fatalf("unexpected stored manifest %+v", stored)
	}
}

func TestWriteHistoryWithoutLiveVersions(testContext *testing.T) {
	exporter := mustExporter(testContext, newStubSource())
	_, err := exporter.WriteHistory(context.Background(), "trash.json", filepath.Join(testContext.TempDir(), "trash.zip"))
	if !errors.Is(err, ErrNothingToExport) {
		testContext.Fatalf("expected ErrNothingToExport, got %v", err)
	}
}

func TestWriteAllMirrorsLiveEntries(testContext *testing.T) {
	exporter := mustExporter(testContext, newStubSource())
	root := testContext.TempDir()

	written, err := exporter.WriteAll(context.Background(), root)
	if err != nil {
		testContext.Fatalf("write all failed: %v", err)
	}
	if written != 2 {
		testContext.Fatalf("expected two files, got %d", written)
	}
	tree, _, err := document.ReadFile(filepath.Join(root, "api", "petstore.yaml"))
	if err != nil {
		testContext.Fatalf("read petstore failed: %v", err)
	}
	if tree.(map[string]any)["openapi"] != "3.1.0" {
		testContext.Fatalf("expected latest live petstore, got %v", tree)
	}
	if _, _, err := document.ReadFile(filepath.Join(root, "trash.json")); err == nil {
		testContext.Fatalf("trashed entry must not be exported")
	}
}
