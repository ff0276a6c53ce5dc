package api

import (
	"context"
	"errors"

	"heritage-backend/internal/queue"
	"heritage-backend/internal/service"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"
)

// Ingester 由 service.IngestService 实现
type Ingester interface {
	Check(ctx context.Context, c service.Candidate) (string, bool, error)
	IngestBatch(ctx context.Context, candidates []service.Candidate) service.BatchResult
}

type rejectedFile struct {
	Filename string `json:"filename"`
	Error    string `json:"error"`
}

type queuedFile struct {
	Filename string `json:"filename"`
	Stored   string `json:"storedAs"`
}

// RegisterUploadRoutes 注册图库上传 /api/images
func RegisterUploadRoutes(app fiber.Router, ingest Ingester, ready func() bool, staging service.FileService, q *queue.Queue) {
	app.Post("/api/images", UploadHandler(ingest, ready, staging, q))
}

// UploadHandler 支持多文件上传；默认预检后放入暂存区排队入库，sync=true 时同步入库
func UploadHandler(ingest Ingester, ready func() bool, staging service.FileService, q *queue.Queue) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !ready() {
			return errorJSON(c, fiber.StatusServiceUnavailable, "collection not loaded")
		}

		form, err := c.MultipartForm()
		if err != nil {
			return errorJSON(c, fiber.StatusBadRequest, "No files uploaded")
		}
		files := form.File["files"]
		if len(files) == 0 {
			return errorJSON(c, fiber.StatusBadRequest, "No files uploaded")
		}

		candidates := make([]service.Candidate, 0, len(files))
		rejected := make([]rejectedFile, 0)
		for _, fh := range files {
			data, err := readFormFile(fh)
			if err != nil {
				rejected = append(rejected, rejectedFile{Filename: fh.Filename, Error: err.Error()})
				continue
			}
			candidates = append(candidates, service.Candidate{Filename: fh.Filename, Data: data})
		}

		if c.QueryBool("sync") {
			res := ingest.IngestBatch(c.UserContext(), candidates)
			for _, r := range rejected {
				res.Failed++
				res.Items = append(res.Items, service.IngestResult{Filename: r.Filename, Status: service.StatusFailed, Error: r.Error})
			}
			return c.JSON(res)
		}

		queued := make([]queuedFile, 0, len(candidates))
		skipped := make([]string, 0)
		for _, cand := range candidates {
			name, exists, err := ingest.Check(c.UserContext(), cand)
			if err != nil {
				if !errors.Is(err, service.ErrNotAllowed) && !errors.Is(err, service.ErrEmptyFile) {
					log.Error().Err(err).Str("file", cand.Filename).Msg("upload pre-check failed")
				}
				rejected = append(rejected, rejectedFile{Filename: cand.Filename, Error: err.Error()})
				continue
			}
			if exists {
				skipped = append(skipped, name)
				continue
			}

			staged := randomFilename(cand.Filename)
			if _, err := staging.Put(staged, cand.Data, ""); err != nil {
				log.Error().Err(err).Str("file", cand.Filename).Msg("cannot stage upload")
				rejected = append(rejected, rejectedFile{Filename: cand.Filename, Error: "cannot stage file"})
				continue
			}
			if !queue.ProduceIngestImage(q, cand.Filename, staged) {
				_ = staging.Delete(staged)
				rejected = append(rejected, rejectedFile{Filename: cand.Filename, Error: "ingest queue is full"})
				continue
			}
			queued = append(queued, queuedFile{Filename: cand.Filename, Stored: name})
		}

		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
			"queued":   queued,
			"skipped":  skipped,
			"rejected": rejected,
		})
	}
}
