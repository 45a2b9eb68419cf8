// Package events defines the in-process event bus shared by the watcher,
// the registry and the metrics collectors.
package events

import "github.com/asaskevich/EventBus"

// Bus is the publish/subscribe bus. Handlers run synchronously on the
// publishing goroutine unless subscribed with SubscribeAsync.
type Bus = EventBus.Bus

// New returns an empty bus.
func New() Bus {
	return EventBus.New()
}

// Topics and the handler signature each one is published with.
const (
	// ChangeRecorded: func(storage.FileChange)
	ChangeRecorded = "change:recorded"

	// ChangeFailed: func(folderID int64, eventType string)
	ChangeFailed = "change:failed"

	// WatchStarted: func(folderID int64, path string)
	WatchStarted = "watch:started"

	// WatchStopped: func(folderID int64)
	WatchStopped = "watch:stopped"

	// WatchFailed: func(folderID int64, reason string)
	WatchFailed = "watch:failed"
)
