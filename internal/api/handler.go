package api

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"flexd/internal/audit"
	"flexd/internal/flex"
	"flexd/internal/storage"
	"flexd/internal/store"
)

type Handler struct {
	store   *store.Store
	logger  *zap.Logger
	rec     audit.Recorder
	archive *storage.Archive
}

func NewHandler(s *store.Store, logger *zap.Logger, rec audit.Recorder, archive *storage.Archive) *Handler {
	if rec == nil {
		rec = audit.Noop{}
	}
	return &Handler{store: s, logger: logger.Named("api"), rec: rec, archive: archive}
}

func (h *Handler) record(c *fiber.Ctx, action, entity, recordID string, meta map[string]any) {
	userID, _ := c.Locals("user_id").(string)
	h.rec.Record(c.Context(), audit.Event{
		Action:   action,
		Entity:   entity,
		RecordID: recordID,
		UserID:   userID,
		Metadata: meta,
	})
}

type fieldPayload struct {
	Kind            string `json:"kind"`
	VerboseName     string `json:"verbose_name"`
	Description     string `json:"description"`
	Index           int    `json:"index"`
	Required        bool   `json:"required"`
	Hidden          bool   `json:"hidden"`
	GenerateMetrics bool   `json:"generate_metrics"`
	Dropdown        bool   `json:"dropdown"`
	FixedChoices    bool   `json:"fixed_choices"`
	TextArea        bool   `json:"text_area"`
}

type createModelPayload struct {
	Name   string         `json:"name"`
	Fields []fieldPayload `json:"fields"`
}

// CreateModel handles POST /api/models
func (h *Handler) CreateModel(c *fiber.Ctx) error {
	var body createModelPayload
	if err := c.BodyParser(&body); err != nil {
		return respondError(c, NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body"))
	}
	if body.Name == "" {
		return respondError(c, NewAppError("INVALID_PAYLOAD", 400, "Model name is required"))
	}

	m := flex.NewModel(body.Name)
	for _, fp := range body.Fields {
		if _, err := m.AddField(newFieldFromPayload(fp)); err != nil {
			return h.respondDomainError(c, err)
		}
	}
	if err := h.store.SaveModel(c.Context(), m); err != nil {
		return h.respondDomainError(c, fmt.Errorf("save model: %w", err))
	}
	h.record(c, "model.create", "model", m.ID, map[string]any{"name": m.Name})
	return c.Status(201).JSON(fiber.Map{"data": modelView(m)})
}

// ListModels handles GET /api/models
func (h *Handler) ListModels(c *fiber.Ctx) error {
	models, err := h.store.ListModels(c.Context())
	if err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	views := make([]fiber.Map, 0, len(models))
	for _, m := range models {
		views = append(views, modelView(m))
	}
	return c.JSON(fiber.Map{"data": views})
}

// GetModel handles GET /api/models/:id
func (h *Handler) GetModel(c *fiber.Ctx) error {
	m, err := h.loadModel(c)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": modelView(m)})
}

// DeleteModel handles DELETE /api/models/:id
func (h *Handler) DeleteModel(c *fiber.Ctx) error {
	id := c.Params("id")
	if err := h.store.DeleteModel(c.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return respondError(c, NotFoundError("model", id))
		}
		return fmt.Errorf("delete model %s: %w", id, err)
	}
	if h.archive != nil {
		if err := h.archive.Delete(c.Context(), id); err != nil {
			h.logger.Warn("export cleanup failed", zap.String("model", id), zap.Error(err))
		}
	}
	h.record(c, "model.delete", "model", id, nil)
	return c.SendStatus(204)
}

// MarkReady handles POST /api/models/:id/ready
func (h *Handler) MarkReady(c *fiber.Ctx) error {
	id := c.Params("id")
	if err := h.store.MarkReady(c.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return respondError(c, NotFoundError("model", id))
		}
		return fmt.Errorf("mark model %s ready: %w", id, err)
	}
	h.record(c, "model.ready", "model", id, nil)
	return c.JSON(fiber.Map{"data": fiber.Map{"id": id, "ready": true}})
}

// CopyModel handles POST /api/models/:id/copy
func (h *Handler) CopyModel(c *fiber.Ctx) error {
	id := c.Params("id")
	var body struct {
		Name string `json:"name"`
	}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&body); err != nil {
			return respondError(c, NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body"))
		}
	}

	clone, err := h.store.CloneModel(c.Context(), id, body.Name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return respondError(c, NotFoundError("model", id))
		}
		return h.respondDomainError(c, fmt.Errorf("copy model %s: %w", id, err))
	}
	h.record(c, "model.copy", "model", clone.ID, map[string]any{"source": id})
	return c.Status(201).JSON(fiber.Map{"data": modelView(clone)})
}

// AddField handles POST /api/models/:id/fields
func (h *Handler) AddField(c *fiber.Ctx) error {
	m, err := h.loadModel(c)
	if err != nil {
		return err
	}
	if m.Ready {
		return respondError(c, ConflictError("Cannot add fields to a ready model"))
	}
	var body fieldPayload
	if err := c.BodyParser(&body); err != nil {
		return respondError(c, NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body"))
	}

	f, err := m.AddField(newFieldFromPayload(body))
	if err != nil {
		return h.respondDomainError(c, err)
	}
	if err := h.store.AddField(c.Context(), m, f); err != nil {
		return h.respondDomainError(c, fmt.Errorf("save field: %w", err))
	}
	h.record(c, "field.create", "model", m.ID, map[string]any{"field": f.Name})
	return c.Status(201).JSON(fiber.Map{"data": fieldView(f)})
}

// AddChoice handles POST /api/fields/:id/choices
func (h *Handler) AddChoice(c *fiber.Ctx) error {
	fieldID := c.Params("id")
	modelID, err := h.store.ModelIDForField(c.Context(), fieldID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return respondError(c, NotFoundError("field", fieldID))
		}
		return fmt.Errorf("resolve field %s: %w", fieldID, err)
	}
	m, err := h.store.LoadModel(c.Context(), modelID)
	if err != nil {
		return fmt.Errorf("load model %s: %w", modelID, err)
	}
	f, ok := m.FieldByID(fieldID)
	if !ok {
		return respondError(c, NotFoundError("field", fieldID))
	}

	var body struct {
		Value any `json:"value"`
		Index int `json:"index"`
	}
	if err := c.BodyParser(&body); err != nil {
		return respondError(c, NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body"))
	}

	choice, err := f.CreateChoice(body.Value, body.Index)
	if err != nil {
		return h.respondDomainError(c, err)
	}
	if err := h.store.AddChoice(c.Context(), f, choice); err != nil {
		return h.respondDomainError(c, fmt.Errorf("save choice: %w", err))
	}
	h.record(c, "choice.create", "field", f.ID, map[string]any{"slug": choice.Slug})
	return c.Status(201).JSON(fiber.Map{"data": choiceView(choice)})
}

// CreateInstance handles POST /api/models/:id/instances. The body is
// either a keyed object of field values or, for bulk ingestion between
// compatible models, {"values": [...]} in field order.
func (h *Handler) CreateInstance(c *fiber.Ctx) error {
	m, err := h.loadModel(c)
	if err != nil {
		return err
	}
	if !m.Ready {
		return respondError(c, ConflictError("Model is not ready for instances"))
	}

	var body map[string]any
	if err := c.BodyParser(&body); err != nil {
		return respondError(c, NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body"))
	}

	var in *flex.Instance
	if raw, ok := body["values"].([]any); ok {
		ignoreChoices, _ := body["ignore_choices"].(bool)
		in, err = m.CreateInstanceFromValues(raw, ignoreChoices)
	} else {
		in, err = m.CreateInstance(body)
	}
	if err != nil {
		return h.respondDomainError(c, err)
	}

	if err := h.store.InsertInstance(c.Context(), in); err != nil {
		return h.respondDomainError(c, fmt.Errorf("insert instance: %w", err))
	}
	h.record(c, "instance.create", "instance", in.ID, map[string]any{"model": m.ID})
	proj, err := in.ToJSON(false)
	if err != nil {
		return fmt.Errorf("project instance: %w", err)
	}
	return c.Status(201).JSON(fiber.Map{"data": instanceView(in, proj)})
}

// ListInstances handles GET /api/models/:id/instances
func (h *Handler) ListInstances(c *fiber.Ctx) error {
	m, err := h.loadModel(c)
	if err != nil {
		return err
	}
	instances, err := h.store.ListInstances(c.Context(), m)
	if err != nil {
		return fmt.Errorf("list instances: %w", err)
	}
	views := make([]fiber.Map, 0, len(instances))
	for _, in := range instances {
		proj, err := in.ToJSON(false)
		if err != nil {
			return fmt.Errorf("project instance %s: %w", in.ID, err)
		}
		views = append(views, instanceView(in, proj))
	}
	return c.JSON(fiber.Map{
		"data": views,
		"meta": fiber.Map{"total": len(views)},
	})
}

// GetInstance handles GET /api/instances/:id. With ?refresh=true the
// cached projection is rebuilt and persisted.
func (h *Handler) GetInstance(c *fiber.Ctx) error {
	in, err := h.loadInstance(c)
	if err != nil {
		return err
	}

	refresh := c.QueryBool("refresh")
	proj, err := in.ToJSON(refresh)
	if err != nil {
		return fmt.Errorf("project instance %s: %w", in.ID, err)
	}
	if refresh {
		if err := h.store.SaveInstanceJSON(c.Context(), in); err != nil {
			return fmt.Errorf("save projection: %w", err)
		}
	}
	return c.JSON(fiber.Map{"data": instanceView(in, proj)})
}

// UpdateInstance handles PUT /api/instances/:id
func (h *Handler) UpdateInstance(c *fiber.Ctx) error {
	in, err := h.loadInstance(c)
	if err != nil {
		return err
	}
	var body map[string]any
	if err := c.BodyParser(&body); err != nil {
		return respondError(c, NewAppError("INVALID_PAYLOAD", 400, "Invalid JSON body"))
	}

	if err := h.store.UpdateInstanceValues(c.Context(), in, body, h.logger); err != nil {
		return h.respondDomainError(c, err)
	}
	h.record(c, "instance.update", "instance", in.ID, map[string]any{"fields": len(body)})
	proj, err := in.ToJSON(false)
	if err != nil {
		return fmt.Errorf("project instance %s: %w", in.ID, err)
	}
	return c.JSON(fiber.Map{"data": instanceView(in, proj)})
}

// DeleteInstance handles DELETE /api/instances/:id
func (h *Handler) DeleteInstance(c *fiber.Ctx) error {
	id := c.Params("id")
	if err := h.store.DeleteInstance(c.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return respondError(c, NotFoundError("instance", id))
		}
		return fmt.Errorf("delete instance %s: %w", id, err)
	}
	h.record(c, "instance.delete", "instance", id, nil)
	return c.SendStatus(204)
}

// GetDescription handles GET /api/instances/:id/description
func (h *Handler) GetDescription(c *fiber.Ctx) error {
	in, err := h.loadInstance(c)
	if err != nil {
		return err
	}
	desc, ok := in.Description()
	if !ok {
		return respondError(c, NewAppError("NO_DESCRIPTION", 404, "Model defines no description components"))
	}
	return c.JSON(fiber.Map{"data": fiber.Map{"id": in.ID, "description": desc}})
}

// ExportCSV handles GET /api/instances/:id/csv
func (h *Handler) ExportCSV(c *fiber.Ctx) error {
	in, err := h.loadInstance(c)
	if err != nil {
		return err
	}
	line, err := in.ToCSV()
	if err != nil {
		return fmt.Errorf("export instance %s: %w", in.ID, err)
	}
	c.Set("Content-Type", "text/csv")
	return c.SendString(line + "\n")
}

// --- helpers ---

// loadModel resolves :id to a model. A NOT_FOUND AppError flows back
// through the app's error handler.
func (h *Handler) loadModel(c *fiber.Ctx) (*flex.Model, error) {
	id := c.Params("id")
	m, err := h.store.LoadModel(c.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, NotFoundError("model", id)
		}
		return nil, fmt.Errorf("load model %s: %w", id, err)
	}
	return m, nil
}

func (h *Handler) loadInstance(c *fiber.Ctx) (*flex.Instance, error) {
	id := c.Params("id")
	modelID, err := h.store.ModelIDForInstance(c.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, NotFoundError("instance", id)
		}
		return nil, fmt.Errorf("resolve instance %s: %w", id, err)
	}
	m, err := h.store.LoadModel(c.Context(), modelID)
	if err != nil {
		return nil, fmt.Errorf("load model %s: %w", modelID, err)
	}
	in, err := h.store.GetInstance(c.Context(), m, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, NotFoundError("instance", id)
		}
		return nil, fmt.Errorf("get instance %s: %w", id, err)
	}
	return in, nil
}

func (h *Handler) respondDomainError(c *fiber.Ctx, err error) error {
	if appErr := MapDomainError(err); appErr != nil {
		if appErr.Status >= 500 {
			h.logger.Error("request failed", zap.Error(err))
		}
		return respondError(c, appErr)
	}
	return err
}

func respondError(c *fiber.Ctx, appErr *AppError) error {
	return c.Status(appErr.Status).JSON(ErrorResponse{Error: appErr})
}

func newFieldFromPayload(fp fieldPayload) *flex.Field {
	return &flex.Field{
		Kind:            flex.Kind(fp.Kind),
		VerboseName:     fp.VerboseName,
		Description:     fp.Description,
		Index:           fp.Index,
		Required:        fp.Required,
		Hidden:          fp.Hidden,
		GenerateMetrics: fp.GenerateMetrics,
		Dropdown:        fp.Dropdown,
		FixedChoices:    fp.FixedChoices,
		TextArea:        fp.TextArea,
	}
}

func modelView(m *flex.Model) fiber.Map {
	fields := make([]fiber.Map, 0, len(m.Fields()))
	for _, f := range m.Fields() {
		fields = append(fields, fieldView(f))
	}
	return fiber.Map{
		"id":          m.ID,
		"name":        m.Name,
		"ready":       m.Ready,
		"copied_from": m.CopiedFrom,
		"fields":      fields,
	}
}

func fieldView(f *flex.Field) fiber.Map {
	choices := make([]fiber.Map, 0, len(f.Choices))
	for _, c := range f.Choices {
		choices = append(choices, choiceView(c))
	}
	return fiber.Map{
		"id":           f.ID,
		"kind":         string(f.Kind),
		"index":        f.Index,
		"name":         f.Name,
		"verbose_name": f.VerboseName,
		"description":  f.Description,
		"required":     f.Required,
		"hidden":       f.Hidden,
		"evaluated":    f.Evaluated,
		"choices":      choices,
	}
}

func choiceView(c *flex.FieldChoice) fiber.Map {
	return fiber.Map{
		"id":    c.ID,
		"value": c.Field.ToExternal(c.Value),
		"index": c.Index,
		"slug":  c.Slug,
	}
}

func instanceView(in *flex.Instance, proj map[string]any) fiber.Map {
	view := fiber.Map{
		"id":     in.ID,
		"model":  in.Model.ID,
		"values": proj,
	}
	if desc, ok := in.Description(); ok {
		view["description"] = desc
	}
	return view
}
