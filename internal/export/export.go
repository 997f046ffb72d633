// Package export writes reconstructed document versions to disk.
package export

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/specvault/internal/document"
	"github.com/MarcoPoloResearchLab/specvault/internal/history"
	"github.com/MarcoPoloResearchLab/specvault/internal/versions"
	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/zip"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency bounds parallel reconstructions in WriteAll.
const DefaultConcurrency = 4

const manifestName = "manifest.json"

var (
	errMissingSource = errors.New("export: source is required")
	// ErrNothingToExport indicates a path without live versions.
	ErrNothingToExport = errors.New("export: no versions to export")
)

// Source provides reconstructed content.
type Source interface {
	GetPatchedVersion(ctx context.Context, documentPath string, id int64) (any, error)
	GetLatestContent(ctx context.Context, documentPath string) (any, bool, error)
	MaterializeHistory(ctx context.Context, documentPath string, includeDeleted bool) ([]history.VersionContent, error)
	EntryView(ctx context.Context) (map[string]versions.EntryStats, error)
}

// Config wires an Exporter.
type Config struct {
	Source      Source
	Concurrency int
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Exporter writes versions as files and archives.
type Exporter struct {
	source      Source
	concurrency int
	clock       func() time.Time
	logger      *zap.Logger
}

// Manifest describes the content of a history archive.
type Manifest struct {
	Path       string          `json:"path"`
	ExportedAt time.Time       `json:"exported_at"`
	Versions   []ManifestEntry `json:"versions"`
}

// ManifestEntry describes one archived version.
type ManifestEntry struct {
	ID              int64  `json:"id"`
	Name            string `json:"name"`
	Version         string `json:"version"`
	CreatedAtMillis int64  `json:"created_at_ms"`
	File            string `json:"file"`
}

// New constructs an Exporter.
func New(cfg Config) (*Exporter, error) {
	if cfg.Source == nil {
		return nil, errMissingSource
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{source: cfg.Source, concurrency: concurrency, clock: clock, logger: logger}, nil
}

// WriteVersion writes one reconstructed version to dest, encoded by the
// extension of dest.
func (exporter *Exporter) WriteVersion(ctx context.Context, documentPath string, id int64, dest string) error {
	tree, err := exporter.source.GetPatchedVersion(ctx, documentPath, id)
	if err != nil {
		return err
	}
	return document.WriteFile(dest, tree)
}

// WriteHistory writes a zip archive holding every live version of
// documentPath plus a manifest.
func (exporter *Exporter) WriteHistory(ctx context.Context, documentPath string, dest string) (Manifest, error) {
	contents, err := exporter.source.MaterializeHistory(ctx, documentPath, false)
	if err != nil {
		return Manifest{}, err
	}
	if len(contents) == 0 {
		return Manifest{}, fmt.Errorf("%w: %s", ErrNothingToExport, documentPath)
	}
	format, err := document.FormatFromPath(documentPath)
	if err != nil {
		format = document.FormatJSON
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return Manifest{}, err
	}
	file, err := os.Create(dest)
	if err != nil {
		return Manifest{}, err
	}
	archive := zip.NewWriter(file)

	manifest := Manifest{Path: documentPath, ExportedAt: exporter.clock().UTC(), Versions: make([]ManifestEntry, 0, len(contents))}
	writeErr := func() error {
		for _, content := range contents {
			record := content.Record
			encoded, err := document.Marshal(content.Content, format)
			if err != nil {
				return err
			}
			name := fmt.Sprintf("%s_%d%s", sanitize(record.Version), record.ID, format.Extension())
			if err := writeEntry(archive, name, encoded); err != nil {
				return err
			}
			manifest.Versions = append(manifest.Versions, ManifestEntry{
				ID:              record.ID,
				Name:            record.Name,
				Version:         record.Version,
				CreatedAtMillis: record.CreatedAtMillis,
				File:            name,
			})
		}
		encoded, err := json.MarshalIndent(manifest, "", "  ")
		if err != nil {
			return err
		}
		return writeEntry(archive, manifestName, encoded)
	}()

	closeErr := errors.Join(archive.Close(), file.Close())
	if writeErr != nil || closeErr != nil {
		_ = os.Remove(dest)
		return Manifest{}, errors.Join(writeErr, closeErr)
	}
	exporter.logger.Info("history exported", zap.String("path", documentPath), zap.Int("versions", len(manifest.Versions)), zap.String("dest", dest))
	return manifest, nil
}

// WriteAll writes the latest live version of every tracked path under
// destDir, mirroring the vault layout. It returns the number of files written.
func (exporter *Exporter) WriteAll(ctx context.Context, destDir string) (int, error) {
	entries, err := exporter.source.EntryView(ctx)
	if err != nil {
		return 0, err
	}
	root, err := filepath.Abs(destDir)
	if err != nil {
		return 0, err
	}

	var written atomic.Int64
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(exporter.concurrency)
	for documentPath, stats := range entries {
		if stats.Count == 0 {
			continue
		}
		group.Go(func() error {
			tree, found, err := exporter.source.GetLatestContent(groupCtx, documentPath)
			if err != nil {
				return fmt.Errorf("%s: %w", documentPath, err)
			}
			if !found {
				return nil
			}
			target := filepath.Join(root, filepath.FromSlash(documentPath))
			if !strings.HasPrefix(target, root+string(filepath.Separator)) {
				return fmt.Errorf("export: %s escapes %s", documentPath, root)
			}
			if _, err := document.FormatFromPath(target); err != nil {
				target += document.FormatJSON.Extension()
			}
			if err := document.WriteFile(target, tree); err != nil {
				return err
			}
			written.Add(1)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return int(written.Load()), err
	}
	exporter.logger.Info("vault exported", zap.Int64("files", written.Load()), zap.String("dest", root))
	return int(written.Load()), nil
}

func writeEntry(archive *zip.Writer, name string, content []byte) error {
	entry, err := archive.Create(name)
	if err != nil {
		return err
	}
	_, err = entry.Write(content)
	return err
}

func sanitize(value string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-':
			return r
		default:
			return '_'
		}
	}, value)
}
