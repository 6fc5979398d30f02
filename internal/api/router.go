package api

import "github.com/gofiber/fiber/v2"

// RegisterRoutes mounts the schema and instance API. All routes require
// authentication; schema mutations additionally require the admin role.
func RegisterRoutes(app *fiber.App, h *Handler, authMW, adminMW fiber.Handler) {
	api := app.Group("/api", authMW)

	api.Post("/models", adminMW, h.CreateModel)
	api.Get("/models", h.ListModels)
	api.Get("/models/:id", h.GetModel)
	api.Delete("/models/:id", adminMW, h.DeleteModel)
	api.Post("/models/:id/ready", adminMW, h.MarkReady)
	api.Post("/models/:id/copy", adminMW, h.CopyModel)
	api.Post("/models/:id/fields", adminMW, h.AddField)
	api.Post("/fields/:id/choices", adminMW, h.AddChoice)
	api.Post("/models/:id/export", adminMW, h.ExportModel)
	api.Get("/models/:id/export", h.DownloadExport)

	api.Post("/models/:id/instances", h.CreateInstance)
	api.Get("/models/:id/instances", h.ListInstances)
	api.Get("/instances/:id", h.GetInstance)
	api.Put("/instances/:id", h.UpdateInstance)
	api.Delete("/instances/:id", h.DeleteInstance)
	api.Get("/instances/:id/description", h.GetDescription)
	api.Get("/instances/:id/csv", h.ExportCSV)
}
