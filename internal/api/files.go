package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"heritage-backend/internal/service"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"
)

// Gallery 由 service.GalleryService 实现
type Gallery interface {
	Ready() bool
	Count(ctx context.Context) (int64, error)
	List(ctx context.Context, page, pageSize int) (service.ImagePage, error)
	Delete(ctx context.Context, rawIDs []string) service.DeleteResult
}

// RegisterImageRoutes 注册分页列表 GET /api/images 和删除 DELETE /api/images
func RegisterImageRoutes(app fiber.Router, gallery Gallery) {
	app.Get("/api/images", func(c *fiber.Ctx) error {
		// 非法参数按默认值处理，page=1, pageSize=20
		page := c.QueryInt("page", 1)
		pageSize := c.QueryInt("pageSize", service.DefaultPageSize)

		result, err := gallery.List(c.UserContext(), page, pageSize)
		if err != nil {
			log.Error().Err(err).Msg("list images failed")
			return errorJSON(c, statusOf(err), err.Error())
		}
		return c.JSON(result)
	})

	app.Delete("/api/images", func(c *fiber.Ctx) error {
		raw, err := deleteIDs(c)
		if err != nil {
			return errorJSON(c, fiber.StatusBadRequest, err.Error())
		}

		res := gallery.Delete(c.UserContext(), raw)
		switch {
		case res.Success:
		case !gallery.Ready():
			return c.Status(fiber.StatusServiceUnavailable).JSON(res)
		case res.DeletedCount == 0 && noValidIDs(raw):
			return c.Status(fiber.StatusBadRequest).JSON(res)
		default:
			return c.Status(fiber.StatusInternalServerError).JSON(res)
		}
		return c.JSON(res)
	})
}

func noValidIDs(raw []string) bool {
	ids, _ := service.ParseIDs(raw)
	return len(ids) == 0
}

// deleteIDs 支持 JSON {"ids": [1, "2"]} 或 ?ids=1,2
func deleteIDs(c *fiber.Ctx) ([]string, error) {
	if q := c.Query("ids"); q != "" {
		return strings.Split(q, ","), nil
	}
	if len(c.Body()) == 0 {
		return nil, nil
	}

	// 保留原始数字文本，Milvus 的自增 id 超过 float64 的精度
	var body struct {
		IDs []json.RawMessage `json:"ids"`
	}
	if err := c.BodyParser(&body); err != nil {
		return nil, fmt.Errorf("invalid request body: %w", err)
	}
	raw := make([]string, len(body.IDs))
	for i, v := range body.IDs {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			raw[i] = s
			continue
		}
		raw[i] = string(bytes.TrimSpace(v))
	}
	return raw, nil
}
