package hub

import (
	"github.com/sosalejandro/progress-tracker/pkg/progress"
)

// EventName identifies a server-to-client frame.
type EventName string

const (
	EventSnapshot     EventName = "progress:snapshot"
	EventUpdate       EventName = "progress:update"
	EventSubscribed   EventName = "subscribed"
	EventUnsubscribed EventName = "unsubscribed"
	EventPong         EventName = "pong"
	EventError        EventName = "error"
)

// Event is a frame pushed to a live connection. Progress frames carry the
// whole record; acknowledgements echo the subscription key.
type Event struct {
	Name       EventName        `json:"event"`
	Record     *progress.Record `json:"data,omitempty"`
	Type       progress.Type    `json:"type,omitempty"`
	ResourceID string           `json:"resourceId,omitempty"`
	Error      string           `json:"error,omitempty"`
}

// UpdateEvent wraps a record written by the tracker.
func UpdateEvent(rec progress.Record) Event {
	return Event{Name: EventUpdate, Record: &rec}
}

// SnapshotEvent wraps the current record sent right after a subscribe.
func SnapshotEvent(rec progress.Record) Event {
	return Event{Name: EventSnapshot, Record: &rec}
}

// ResourceRoom is the room of everyone watching one resource.
func ResourceRoom(t progress.Type, resourceID string) string {
	return "resource:" + string(t) + ":" + resourceID
}

// UserRoom is the room of every connection a user holds.
func UserRoom(userID string) string {
	return "user:" + userID
}
