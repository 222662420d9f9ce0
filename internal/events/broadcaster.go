// Package events broadcasts collection and upload progress to any number
// of subscribers (the progress view, the log).
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/EPiC-Inc/vaporous/internal/metrics"
	"github.com/EPiC-Inc/vaporous/pkg/collect"
)

const (
	EventCollectDir  = "collect.dir"
	EventCollectFile = "collect.file"
	EventCollectSkip = "collect.skip"
	EventUploadBatch = "upload.batch"
	EventUploadFile  = "upload.file"
	EventUploadDone  = "upload.done"
)

// DefaultBuffer is the channel capacity of a subscriber.
const DefaultBuffer = 64

// Event is a progress notification.
type Event struct {
	Type      string `json:"type"`
	Path      string `json:"path,omitempty"`
	Name      string `json:"name,omitempty"`
	Size      int64  `json:"size,omitempty"`
	Count     int    `json:"count,omitempty"` // children listed, files in a batch, or files in the run
	OK        bool   `json:"ok,omitempty"`
	Skipped   bool   `json:"skipped,omitempty"`
	Message   string `json:"message,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Broadcaster manages subscribers and publishes events.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
}

// NewBroadcaster creates a new event broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[chan Event]struct{}),
	}
}

// Subscribe adds a new subscriber and returns its event channel.
// The caller must call Unsubscribe when done.
func (b *Broadcaster) Subscribe() chan Event {
	return b.SubscribeBuffered(DefaultBuffer)
}

// SubscribeBuffered is Subscribe with a custom channel capacity.
func (b *Broadcaster) SubscribeBuffered(n int) chan Event {
	ch := make(chan Event, n)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	metrics.SetEventSubscribers(int64(b.Count()))
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
	b.mu.Unlock()
	metrics.SetEventSubscribers(int64(b.Count()))
}

// Publish sends an event to all subscribers. Non-blocking: drops events
// for slow consumers. A nil Broadcaster discards events.
func (b *Broadcaster) Publish(event Event) {
	if b == nil {
		return
	}
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			// Drop event for slow consumer
		}
	}
	metrics.RecordEvent(event.Type)
}

// Count returns the current number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// CollectObserver returns a collector observer that republishes collector
// progress.
func (b *Broadcaster) CollectObserver() func(collect.Event) {
	return func(ev collect.Event) {
		metrics.RecordCollectEntry(ev.Kind.String())
		switch ev.Kind {
		case collect.EventDir:
			b.Publish(Event{Type: EventCollectDir, Path: ev.Path, Count: ev.Children})
		case collect.EventFile:
			b.Publish(Event{Type: EventCollectFile, Path: ev.Path, Size: ev.Size})
		case collect.EventSkip:
			b.Publish(Event{Type: EventCollectSkip, Path: ev.Path, Skipped: true})
		}
	}
}

// MarshalEvent serializes an event to JSON.
func MarshalEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}
