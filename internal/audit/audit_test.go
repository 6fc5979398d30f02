package audit

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"flexd/internal/config"
	"flexd/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	ctx := context.Background()
	s, err := store.New(ctx, config.DatabaseConfig{
		Driver: "sqlite",
		Path:   t.TempDir(),
		Name:   "audittest",
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(s.Close)
	if err := s.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	return s
}

func eventCount(t *testing.T, s *store.Store) int {
	t.Helper()
	row, err := store.QueryRow(context.Background(), s.DB, "SELECT COUNT(*) AS n FROM _events")
	if err != nil {
		t.Fatalf("count events: %v", err)
	}
	return toInt(row["n"])
}

func TestBufferFlushWritesBatch(t *testing.T) {
	s := newTestStore(t)

	b := NewBuffer(s, 100, time.Hour)
	defer b.Stop()

	ctx := context.Background()
	b.Record(ctx, Event{Action: "model.create", Entity: "model", RecordID: "m-1", UserID: "u-1",
		Metadata: map[string]any{"name": "claims"}})
	b.Record(ctx, Event{Action: "instance.create", Entity: "instance", RecordID: "i-1"})

	if n := eventCount(t, s); n != 0 {
		t.Fatalf("events persisted before flush: %d", n)
	}

	b.Flush()

	if n := eventCount(t, s); n != 2 {
		t.Fatalf("events after flush = %d, want 2", n)
	}

	row, err := store.QueryRow(context.Background(), s.DB,
		"SELECT action, entity, record_id, user_id, metadata FROM _events WHERE record_id = 'm-1'")
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	if row["action"] != "model.create" || row["entity"] != "model" || row["user_id"] != "u-1" {
		t.Errorf("unexpected event row: %v", row)
	}
	meta, _ := row["metadata"].(string)
	var decoded map[string]any
	if err := json.Unmarshal([]byte(meta), &decoded); err != nil || decoded["name"] != "claims" {
		t.Errorf("metadata = %q", meta)
	}
}

func TestBufferFlushIsIdempotentWhenEmpty(t *testing.T) {
	s := newTestStore(t)

	b := NewBuffer(s, 100, time.Hour)
	defer b.Stop()

	b.Flush()
	b.Flush()
	if n := eventCount(t, s); n != 0 {
		t.Fatalf("events = %d, want 0", n)
	}
}

func TestCleanupOldEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.DB.ExecContext(ctx,
		"INSERT INTO _events (id, action, created_at) VALUES ('old-1', 'model.create', '2000-01-01 00:00:00')")
	if err != nil {
		t.Fatalf("insert old event: %v", err)
	}
	_, err = s.DB.ExecContext(ctx,
		"INSERT INTO _events (id, action) VALUES ('new-1', 'model.create')")
	if err != nil {
		t.Fatalf("insert new event: %v", err)
	}

	CleanupOldEvents(ctx, s, 30*24*time.Hour)

	rows, err := store.QueryRows(ctx, s.DB, "SELECT id FROM _events")
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(rows) != 1 || rows[0]["id"] != "new-1" {
		t.Fatalf("remaining events = %v, want only new-1", rows)
	}
}

func TestEventListFiltersAndPaginates(t *testing.T) {
	s := newTestStore(t)

	b := NewBuffer(s, 100, time.Hour)
	defer b.Stop()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		b.Record(ctx, Event{Action: "instance.create", Entity: "instance", RecordID: "i-1", UserID: "u-1"})
	}
	b.Record(ctx, Event{Action: "model.delete", Entity: "model", RecordID: "m-1", UserID: "u-2"})
	b.Flush()

	pass := func(c *fiber.Ctx) error { return c.Next() }
	app := fiber.New()
	RegisterEventRoutes(app, NewEventHandler(s), pass, pass)

	get := func(path string) map[string]any {
		req, _ := http.NewRequest("GET", path, nil)
		resp, err := app.Test(req, -1)
		if err != nil {
			t.Fatalf("request %s: %v", path, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != 200 {
			t.Fatalf("%s status = %d", path, resp.StatusCode)
		}
		var body map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return body
	}

	body := get("/api/events?action=instance.create")
	data, _ := body["data"].([]any)
	if len(data) != 3 {
		t.Errorf("filtered events = %d, want 3", len(data))
	}

	body = get("/api/events?user_id=u-2")
	data, _ = body["data"].([]any)
	if len(data) != 1 {
		t.Errorf("user filter events = %d, want 1", len(data))
	}

	body = get("/api/events?per_page=2")
	data, _ = body["data"].([]any)
	if len(data) != 2 {
		t.Errorf("page size = %d, want 2", len(data))
	}
	pagination, _ := body["pagination"].(map[string]any)
	if total, _ := pagination["total"].(float64); total != 4 {
		t.Errorf("total = %v, want 4", pagination["total"])
	}
}
