package api

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/gofiber/fiber/v2"
)

// ExportModel handles POST /api/models/:id/export. All instances are
// rendered to CSV and the file is archived for later download.
func (h *Handler) ExportModel(c *fiber.Ctx) error {
	if h.archive == nil {
		return respondError(c, NewAppError("EXPORTS_DISABLED", 501, "Export archive is not configured"))
	}
	m, err := h.loadModel(c)
	if err != nil {
		return err
	}

	instances, err := h.store.ListInstances(c.Context(), m)
	if err != nil {
		return fmt.Errorf("list instances: %w", err)
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	header := make([]string, 0, len(m.Fields()))
	for _, f := range m.Fields() {
		header = append(header, f.Name)
	}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	w.Flush()
	for _, in := range instances {
		line, err := in.ToCSV()
		if err != nil {
			return fmt.Errorf("render instance %s: %w", in.ID, err)
		}
		buf.WriteString(line + "\n")
	}

	path, err := h.archive.Save(c.Context(), m.ID, m.Name, &buf)
	if err != nil {
		return fmt.Errorf("archive export: %w", err)
	}
	h.record(c, "model.export", "model", m.ID, map[string]any{"rows": len(instances)})
	return c.Status(201).JSON(fiber.Map{"data": fiber.Map{
		"model": m.ID,
		"file":  path,
		"rows":  len(instances),
	}})
}

// DownloadExport handles GET /api/models/:id/export, streaming the
// newest archived export.
func (h *Handler) DownloadExport(c *fiber.Ctx) error {
	if h.archive == nil {
		return respondError(c, NewAppError("EXPORTS_DISABLED", 501, "Export archive is not configured"))
	}
	m, err := h.loadModel(c)
	if err != nil {
		return err
	}

	f, name, err := h.archive.Latest(c.Context(), m.ID)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return respondError(c, NotFoundError("export", m.ID))
		}
		return fmt.Errorf("open export: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read export: %w", err)
	}
	c.Set("Content-Type", "text/csv")
	c.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	return c.Send(data)
}
