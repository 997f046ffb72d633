package server

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/specvault/internal/history"
)

const (
	RealtimeEventVersionSaved    = "version-saved"
	RealtimeEventVersionDeleted  = "version-deleted"
	RealtimeEventVersionRestored = "version-restored"
	RealtimeEventVersionPurged   = "version-purged"
	RealtimeEventFileRenamed     = "file-renamed"
	RealtimeEventFileDeleted     = "file-deleted"
	RealtimeEventHistoryCleared  = "history-cleared"
	RealtimeEventTrashRestored   = "trash-restored"
	RealtimeEventTrashEmptied    = "trash-emptied"
	realtimeEventHeartbeat       = "heartbeat"
	realtimeSourceBackend        = "specvault"
)

// realtimeAllPaths subscribes to every path.
const realtimeAllPaths = ""

// RealtimeMessage announces a change to the history of a path. Path is empty
// for vault-wide changes.
type RealtimeMessage struct {
	EventType  string
	Path       string
	NewPath    string
	VersionIDs []int64
	Timestamp  time.Time
}

// RealtimeDispatcher fans version events out to stream subscribers.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
	closed      bool
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a stream for documentPath, or for every path when
// documentPath is empty. The subscription ends with ctx or cleanup.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, documentPath string) (<-chan RealtimeMessage, func()) {
	documentPath = canonicalPath(documentPath)
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(documentPath, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.unregisterSubscriber(documentPath, subscriber.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers message without blocking; slow subscribers miss events.
// Path subscribers see events of their path, and of the new path of a rename.
func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.EventType == "" {
		return
	}
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now().UTC()
	}
	message.Path = canonicalPath(message.Path)
	message.NewPath = canonicalPath(message.NewPath)
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	copies := d.collect(realtimeAllPaths, nil)
	if message.Path != realtimeAllPaths {
		copies = d.collect(message.Path, copies)
	}
	if message.NewPath != "" && message.NewPath != message.Path {
		copies = d.collect(message.NewPath, copies)
	}
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// Close ends every stream. Later subscriptions receive a closed channel.
func (d *RealtimeDispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	for documentPath, subscribers := range d.subscribers {
		for _, subscriber := range subscribers {
			close(subscriber.stream)
		}
		delete(d.subscribers, documentPath)
	}
}

// SubscriberCount reports active subscriptions across all paths.
func (d *RealtimeDispatcher) SubscriberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	total := 0
	for _, subscribers := range d.subscribers {
		total += len(subscribers)
	}
	return total
}

func (d *RealtimeDispatcher) collect(documentPath string, into []*realtimeSubscriber) []*realtimeSubscriber {
	for _, subscriber := range d.subscribers[documentPath] {
		into = append(into, subscriber)
	}
	return into
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(documentPath string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		close(subscriber.stream)
		return
	}
	if _, ok := d.subscribers[documentPath]; !ok {
		d.subscribers[documentPath] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[documentPath][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(documentPath string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[documentPath]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, documentPath)
		}
	}
	d.mu.Unlock()
}

// canonicalPath keys subscriptions by the stored form of a path.
func canonicalPath(documentPath string) string {
	if normalized, err := history.NormalizePath(documentPath); err == nil {
		return normalized
	}
	return documentPath
}
