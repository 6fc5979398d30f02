package audit

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"flexd/internal/store"
)

// EventHandler exposes REST endpoints for querying recorded events.
type EventHandler struct {
	store *store.Store
}

// NewEventHandler creates an EventHandler backed by the given store.
func NewEventHandler(s *store.Store) *EventHandler {
	return &EventHandler{store: s}
}

// List handles GET /api/events with filters and pagination.
func (h *EventHandler) List(c *fiber.Ctx) error {
	ctx := c.Context()

	pb := h.store.Dialect.NewParamBuilder()
	var conditions []string

	for col, v := range map[string]string{
		"action":    c.Query("action"),
		"entity":    c.Query("entity"),
		"record_id": c.Query("record_id"),
		"user_id":   c.Query("user_id"),
	} {
		if v != "" {
			conditions = append(conditions, fmt.Sprintf("%s = %s", col, pb.Add(v)))
		}
	}
	if v := c.Query("from"); v != "" {
		conditions = append(conditions, fmt.Sprintf("created_at >= %s", pb.Add(v)))
	}
	if v := c.Query("to"); v != "" {
		conditions = append(conditions, fmt.Sprintf("created_at <= %s", pb.Add(v)))
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = " WHERE " + strings.Join(conditions, " AND ")
	}

	page, _ := strconv.Atoi(c.Query("page", "1"))
	if page < 1 {
		page = 1
	}
	perPage, _ := strconv.Atoi(c.Query("per_page", "50"))
	if perPage < 1 {
		perPage = 50
	}
	if perPage > 100 {
		perPage = 100
	}
	offset := (page - 1) * perPage

	countRow, err := store.QueryRow(ctx, h.store.DB,
		"SELECT COUNT(*) AS n FROM _events"+whereClause, pb.Params()...)
	if err != nil {
		return fmt.Errorf("count events: %w", err)
	}
	total := toInt(countRow["n"])

	dataSQL := fmt.Sprintf(
		"SELECT id, action, entity, record_id, user_id, metadata, created_at FROM _events%s ORDER BY created_at DESC LIMIT %s OFFSET %s",
		whereClause, pb.Add(perPage), pb.Add(offset))
	rows, err := store.QueryRows(ctx, h.store.DB, dataSQL, pb.Params()...)
	if err != nil {
		return fmt.Errorf("list events: %w", err)
	}
	if rows == nil {
		rows = []map[string]any{}
	}

	return c.JSON(fiber.Map{
		"data": rows,
		"pagination": fiber.Map{
			"page":     page,
			"per_page": perPage,
			"total":    total,
		},
	})
}

// RegisterEventRoutes registers event routes. Listing is admin only.
func RegisterEventRoutes(app *fiber.App, h *EventHandler, authMW, adminMW fiber.Handler) {
	app.Get("/api/events", authMW, adminMW, h.List)
}

func toInt(v any) int {
	switch val := v.(type) {
	case int:
		return val
	case int64:
		return int(val)
	case float64:
		return int(val)
	default:
		return 0
	}
}
