package api

import (
	"errors"
	"io"
	"mime/multipart"

	"heritage-backend/internal/service"
	"heritage-backend/internal/util"
	"heritage-backend/internal/vectorstore"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// readFormFile 读取上传文件的全部内容
func readFormFile(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			log.Warn().Err(cerr).Str("file", fh.Filename).Msg("failed to close uploaded file")
		}
	}()
	return io.ReadAll(f)
}

// randomFilename uuid + 原文件后缀
func randomFilename(originalName string) string {
	return uuid.NewString() + util.GetFileExt(originalName)
}

// statusOf 业务错误 -> HTTP 状态码
func statusOf(err error) int {
	switch {
	case errors.Is(err, vectorstore.ErrNotReady):
		return fiber.StatusServiceUnavailable
	case errors.Is(err, service.ErrNotAllowed),
		errors.Is(err, service.ErrEmptyFile),
		errors.Is(err, util.ErrInvalidImage):
		return fiber.StatusBadRequest
	default:
		return fiber.StatusInternalServerError
	}
}

func errorJSON(c *fiber.Ctx, status int, msg string) error {
	return c.Status(status).JSON(fiber.Map{"error": msg})
}
