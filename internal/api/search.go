package api

import (
	"context"

	"heritage-backend/internal/service"
	"heritage-backend/internal/util"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"
)

// Searcher 由 service.SearchService 实现
type Searcher interface {
	Search(ctx context.Context, data []byte, filename string, topK int) ([]service.Match, error)
}

type searchRequest struct {
	filename string
	data     []byte
	topK     int
	queryURL string
}

// saveQuery 检查类型并把查询图片保存到 uploads，返回可访问的 URL
func saveQuery(c *fiber.Ctx, field, topKField string, uploads service.FileService) (*searchRequest, int, string) {
	fh, err := c.FormFile(field)
	if err != nil {
		return nil, fiber.StatusBadRequest, "no file part in request"
	}
	if fh.Filename == "" {
		return nil, fiber.StatusBadRequest, "no file selected"
	}
	if !util.AllowedImage(fh.Filename) {
		return nil, fiber.StatusBadRequest, "file type not allowed"
	}

	data, err := readFormFile(fh)
	if err != nil {
		return nil, fiber.StatusInternalServerError, "cannot read uploaded file"
	}
	if len(data) == 0 {
		return nil, fiber.StatusBadRequest, service.ErrEmptyFile.Error()
	}

	url, err := uploads.Put(randomFilename(fh.Filename), data, "")
	if err != nil {
		log.Error().Err(err).Msg("cannot save query image")
		return nil, fiber.StatusInternalServerError, "cannot save uploaded file"
	}

	return &searchRequest{
		filename: fh.Filename,
		data:     data,
		topK:     service.NormalizeTopK(c.FormValue(topKField)),
		queryURL: url,
	}, 0, ""
}

// RegisterSearchRoutes 注册 /api/search
func RegisterSearchRoutes(app fiber.Router, searcher Searcher, ready func() bool, uploads service.FileService) {
	app.Post("/api/search", func(c *fiber.Ctx) error {
		if !ready() {
			return errorJSON(c, fiber.StatusServiceUnavailable, "collection not loaded")
		}

		req, status, msg := saveQuery(c, "image", "topK", uploads)
		if req == nil {
			return errorJSON(c, status, msg)
		}

		matches, err := searcher.Search(c.UserContext(), req.data, req.filename, req.topK)
		if err != nil {
			log.Error().Err(err).Str("file", req.filename).Msg("search failed")
			return errorJSON(c, statusOf(err), err.Error())
		}

		return c.JSON(fiber.Map{
			"count":         len(matches),
			"queryImageUrl": req.queryURL,
			"results":       matches,
		})
	})
}

// RegisterPageRoutes 注册 HTML 页面：上传表单和结果页
func RegisterPageRoutes(app fiber.Router, searcher Searcher, ready func() bool, uploads service.FileService) {
	renderForm := func(c *fiber.Ctx, status int, msg string) error {
		return c.Status(status).Render("upload", fiber.Map{
			"Message": msg,
			"TopK":    service.DefaultTopK,
		})
	}

	app.Get("/", func(c *fiber.Ctx) error {
		if !ready() {
			return renderForm(c, fiber.StatusOK, "collection not loaded, search is unavailable")
		}
		return renderForm(c, fiber.StatusOK, "")
	})

	app.Post("/upload", func(c *fiber.Ctx) error {
		if !ready() {
			return renderForm(c, fiber.StatusServiceUnavailable, "collection not loaded, cannot search")
		}

		req, status, msg := saveQuery(c, "file", "top_k", uploads)
		if req == nil {
			return renderForm(c, status, msg)
		}

		matches, err := searcher.Search(c.UserContext(), req.data, req.filename, req.topK)
		if err != nil {
			log.Error().Err(err).Str("file", req.filename).Msg("search failed")
			return renderForm(c, statusOf(err), "error processing file or searching: "+err.Error())
		}

		return c.Render("results", fiber.Map{
			"Results":       matches,
			"QueryFilename": req.filename,
			"QueryImageURL": req.queryURL,
		})
	})
}
