package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"flexd/internal/store"
)

// Buffer collects events in memory and periodically flushes them to
// the _events table in a batch insert.
type Buffer struct {
	mu      sync.Mutex
	events  []Event
	store   *store.Store
	maxSize int
	ticker  *time.Ticker
	done    chan struct{}
}

// NewBuffer creates a buffer that flushes on a timer or when full.
func NewBuffer(s *store.Store, maxSize int, flushInterval time.Duration) *Buffer {
	b := &Buffer{
		store:   s,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	b.ticker = time.NewTicker(flushInterval)
	go b.run()
	return b
}

func (b *Buffer) run() {
	for {
		select {
		case <-b.done:
			return
		case <-b.ticker.C:
			b.Flush()
		}
	}
}

// Record adds an event to the buffer. If the buffer is full, a flush
// is triggered asynchronously.
func (b *Buffer) Record(_ context.Context, e Event) {
	b.mu.Lock()
	b.events = append(b.events, e)
	shouldFlush := len(b.events) >= b.maxSize
	b.mu.Unlock()
	if shouldFlush {
		go b.Flush()
	}
}

// Flush writes all buffered events to the database in a single batch insert.
func (b *Buffer) Flush() {
	b.mu.Lock()
	if len(b.events) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.events
	b.events = nil
	b.mu.Unlock()

	ctx := context.Background()
	pb := b.store.Dialect.NewParamBuilder()
	rows := make([]string, 0, len(batch))
	for _, e := range batch {
		var meta any
		if e.Metadata != nil {
			raw, _ := json.Marshal(e.Metadata)
			meta = string(raw)
		}
		rows = append(rows, fmt.Sprintf("(%s, %s, %s, %s, %s, %s)",
			pb.Add(uuid.NewString()),
			pb.Add(e.Action),
			pb.Add(nullable(e.Entity)),
			pb.Add(nullable(e.RecordID)),
			pb.Add(nullable(e.UserID)),
			pb.Add(meta)))
	}

	sqlStr := fmt.Sprintf(
		"INSERT INTO _events (id, action, entity, record_id, user_id, metadata) VALUES %s",
		strings.Join(rows, ", "))
	if _, err := b.store.DB.ExecContext(ctx, sqlStr, pb.Params()...); err != nil {
		zap.L().Error("audit flush failed", zap.Int("events", len(batch)), zap.Error(err))
	}
}

// Stop halts the background ticker and flushes remaining events.
func (b *Buffer) Stop() {
	if b.ticker != nil {
		b.ticker.Stop()
	}
	close(b.done)
	b.Flush()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
