// Package audit records operator actions into the _events table.
// Events are buffered in memory and flushed in batches so request
// handlers never block on the audit write path.
package audit

import "context"

// Event is one recorded operator action.
type Event struct {
	Action   string
	Entity   string
	RecordID string
	UserID   string
	Metadata map[string]any
}

// Recorder accepts events for eventual persistence.
type Recorder interface {
	Record(ctx context.Context, e Event)
}

// Noop discards all events.
type Noop struct{}

func (Noop) Record(context.Context, Event) {}
