// Package watcher follows file renames inside a vault directory and moves
// the version history along with the file.
package watcher

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/specvault/internal/document"
	"github.com/MarcoPoloResearchLab/specvault/internal/versions"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultPairWindow bounds the delay between the two halves of a rename.
const DefaultPairWindow = 250 * time.Millisecond

var errMissingRenamer = errors.New("watcher: renamer is required")

// Renamer moves history from one path to another.
type Renamer interface {
	IsFileTracked(ctx context.Context, documentPath string) (bool, error)
	RenameFile(ctx context.Context, oldPath, newPath string) error
}

// Config wires a Watcher.
type Config struct {
	Root       string
	Renamer    Renamer
	PairWindow time.Duration
	Logger     *zap.Logger
	// OnMove is invoked after a rename has been applied.
	OnMove func(Move)
}

// Watcher observes a vault root recursively.
type Watcher struct {
	root     string
	renamer  Renamer
	pairs    *pairer
	logger   *zap.Logger
	onMove   func(Move)
	notifier *fsnotify.Watcher

	stopOnce sync.Once
	done     chan struct{}
	finished chan struct{}
}

// New constructs a Watcher and registers every non-hidden directory under root.
func New(cfg Config) (*Watcher, error) {
	if cfg.Renamer == nil {
		return nil, errMissingRenamer
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, err
	}
	window := cfg.PairWindow
	if window <= 0 {
		window = DefaultPairWindow
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	notifier, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	watcher := &Watcher{
		root:     root,
		renamer:  cfg.Renamer,
		pairs:    newPairer(window),
		logger:   logger,
		onMove:   cfg.OnMove,
		notifier: notifier,
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	if err := watcher.addRecursive(root); err != nil {
		notifier.Close()
		return nil, err
	}
	return watcher, nil
}

// Run processes events until ctx is cancelled or Stop is called.
func (watcher *Watcher) Run(ctx context.Context) {
	defer close(watcher.finished)
	for {
		select {
		case <-ctx.Done():
			watcher.Stop()
			return
		case <-watcher.done:
			return
		case event, ok := <-watcher.notifier.Events:
			if !ok {
				return
			}
			watcher.handle(ctx, event, time.Now())
		case err, ok := <-watcher.notifier.Errors:
			if !ok {
				return
			}
			watcher.logger.Warn("watch error", zap.Error(err))
		}
	}
}

// Stop releases the underlying notifier. It is safe to call more than once.
func (watcher *Watcher) Stop() {
	watcher.stopOnce.Do(func() {
		close(watcher.done)
		if err := watcher.notifier.Close(); err != nil {
			watcher.logger.Warn("watch close failed", zap.Error(err))
		}
	})
}

// Done is closed once Run has returned.
func (watcher *Watcher) Done() <-chan struct{} {
	return watcher.finished
}

func (watcher *Watcher) handle(ctx context.Context, event fsnotify.Event, at time.Time) {
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := watcher.addRecursive(event.Name); err != nil {
				watcher.logger.Warn("watch directory failed", zap.String("dir", event.Name), zap.Error(err))
			}
			return
		}
	}

	var kind eventKind
	switch {
	case event.Has(fsnotify.Rename):
		kind = eventRename
	case event.Has(fsnotify.Create):
		kind = eventCreate
	default:
		return
	}
	documentPath, ok := watcher.relative(event.Name)
	if !ok {
		return
	}
	move, paired := watcher.pairs.observe(kind, documentPath, at)
	if !paired {
		return
	}
	watcher.apply(ctx, move)
}

func (watcher *Watcher) apply(ctx context.Context, move Move) {
	tracked, err := watcher.renamer.IsFileTracked(ctx, move.OldPath)
	if err != nil {
		watcher.logger.Error("rename lookup failed", zap.String("old_path", move.OldPath), zap.Error(err))
		return
	}
	if !tracked {
		return
	}
	if err := watcher.renamer.RenameFile(ctx, move.OldPath, move.NewPath); err != nil {
		if errors.Is(err, versions.ErrPathTracked) {
			watcher.logger.Warn("rename target has its own history; both kept", zap.String("old_path", move.OldPath), zap.String("new_path", move.NewPath))
			return
		}
		watcher.logger.Error("rename failed", zap.String("old_path", move.OldPath), zap.String("new_path", move.NewPath), zap.Error(err))
		return
	}
	watcher.logger.Info("history followed rename", zap.String("old_path", move.OldPath), zap.String("new_path", move.NewPath))
	if watcher.onMove != nil {
		watcher.onMove(move)
	}
}

// relative maps an absolute event path to a vault path, rejecting hidden
// entries and files that are not specification documents.
func (watcher *Watcher) relative(name string) (string, bool) {
	rel, err := filepath.Rel(watcher.root, name)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	rel = filepath.ToSlash(rel)
	for _, segment := range strings.Split(rel, "/") {
		if hidden(segment) {
			return "", false
		}
	}
	if _, err := document.FormatFromPath(rel); err != nil {
		return "", false
	}
	return rel, true
}

func (watcher *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(current string, entry fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !entry.IsDir() {
			return nil
		}
		if current != watcher.root && hidden(entry.Name()) {
			return filepath.SkipDir
		}
		return watcher.notifier.Add(current)
	})
}

func hidden(name string) bool {
	return strings.HasPrefix(name, ".") && name != "." && name != ".."
}
