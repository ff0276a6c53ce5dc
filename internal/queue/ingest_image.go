package queue

import (
	"context"
	"errors"

	"heritage-backend/internal/service"

	"github.com/rs/zerolog/log"
)

const TopicIngestImage = "ingest_image"

// Payload 暂存区中等待入库的图片
type Payload struct {
	Filename string
	Path     string
}

// Ingester 由 service.IngestService 实现
type Ingester interface {
	Ingest(ctx context.Context, c service.Candidate) (service.IngestResult, error)
}

// ProduceIngestImage 推送消息到 ingest_image 队列
func ProduceIngestImage(q *Queue, filename, stagedPath string) bool {
	return q.Produce(TopicIngestImage, Payload{Filename: filename, Path: stagedPath})
}

// ConsumeIngestImage 启动 n 个并发消费者，入库后删除暂存文件
func ConsumeIngestImage(q *Queue, ingest Ingester, staging service.FileService, n int) {
	q.RegisterConsumer(TopicIngestImage, func(msg Message) {
		payload, ok := msg.Data.(Payload)
		if !ok {
			log.Error().Msg("Invalid ingest_image payload, skipping")
			return
		}
		handleIngestImage(payload, ingest, staging)
	}, n)
}

func handleIngestImage(payload Payload, ingest Ingester, staging service.FileService) {
	data, err := staging.Open(payload.Path)
	if err != nil {
		log.Error().Err(err).Str("path", payload.Path).Msg("Failed to read staged image")
		return
	}
	defer func() {
		if err := staging.Delete(payload.Path); err != nil && !errors.Is(err, service.ErrFileNotFound) {
			log.Warn().Err(err).Str("path", payload.Path).Msg("Failed to remove staged image")
		}
	}()

	res, err := ingest.Ingest(context.Background(), service.Candidate{Filename: payload.Filename, Data: data})
	if err != nil {
		log.Error().Err(err).Str("file", payload.Filename).Str("status", string(res.Status)).Msg("Ingest image error")
		return
	}
	log.Info().
		Str("file", res.Filename).
		Str("status", string(res.Status)).
		Int64("id", res.ID).
		Msg("queued image processed")
}
