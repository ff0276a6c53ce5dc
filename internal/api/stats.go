package api

import (
	"github.com/gofiber/fiber/v2"
)

// RegisterStatsRoutes 注册 /api/stats 和 /healthz
func RegisterStatsRoutes(app fiber.Router, gallery Gallery, collection, backend string) {
	app.Get("/api/stats", func(c *fiber.Ctx) error {
		if !gallery.Ready() {
			return errorJSON(c, fiber.StatusServiceUnavailable, "collection not loaded")
		}
		count, err := gallery.Count(c.UserContext())
		if err != nil {
			return errorJSON(c, statusOf(err), err.Error())
		}
		return c.JSON(fiber.Map{
			"collection": collection,
			"backend":    backend,
			"count":      count,
		})
	})

	app.Get("/healthz", func(c *fiber.Ctx) error {
		if !gallery.Ready() {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "collection not loaded"})
		}
		return c.JSON(fiber.Map{"status": "ok"})
	})
}
