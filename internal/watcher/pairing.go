package watcher

import (
	"path"
	"strings"
	"time"
)

type eventKind int

const (
	eventRename eventKind = iota
	eventCreate
)

type pendingEvent struct {
	path string
	at   time.Time
}

// Move is a rename reconstructed from a rename/create event pair.
type Move struct {
	OldPath string
	NewPath string
}

// pairer matches a rename of one path with a create of another path that
// shares its extension. Either event may arrive first. Events older than the
// window are forgotten.
type pairer struct {
	window  time.Duration
	renamed []pendingEvent
	created []pendingEvent
}

func newPairer(window time.Duration) *pairer {
	return &pairer{window: window}
}

func (p *pairer) observe(kind eventKind, documentPath string, at time.Time) (Move, bool) {
	p.renamed = expire(p.renamed, at, p.window)
	p.created = expire(p.created, at, p.window)

	switch kind {
	case eventRename:
		if index := match(p.created, documentPath); index >= 0 {
			move := Move{OldPath: documentPath, NewPath: p.created[index].path}
			p.created = append(p.created[:index], p.created[index+1:]...)
			return move, true
		}
		p.renamed = append(p.renamed, pendingEvent{path: documentPath, at: at})
	case eventCreate:
		if index := match(p.renamed, documentPath); index >= 0 {
			move := Move{OldPath: p.renamed[index].path, NewPath: documentPath}
			p.renamed = append(p.renamed[:index], p.renamed[index+1:]...)
			return move, true
		}
		p.created = append(p.created, pendingEvent{path: documentPath, at: at})
	}
	return Move{}, false
}

func (p *pairer) pending() int {
	return len(p.renamed) + len(p.created)
}

func expire(events []pendingEvent, now time.Time, window time.Duration) []pendingEvent {
	kept := events[:0]
	for _, event := range events {
		if now.Sub(event.at) <= window {
			kept = append(kept, event)
		}
	}
	return kept
}

// match returns the oldest pending event with the same extension and a
// different path.
func match(events []pendingEvent, documentPath string) int {
	extension := strings.ToLower(path.Ext(documentPath))
	for index, event := range events {
		if event.path != documentPath && strings.ToLower(path.Ext(event.path)) == extension {
			return index
		}
	}
	return -1
}
