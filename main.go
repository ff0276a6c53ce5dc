package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"heritage-backend/internal/api"
	"heritage-backend/internal/bootstrap"
	"heritage-backend/internal/config"
	"heritage-backend/internal/queue"
	"heritage-backend/internal/service"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	config.InitLogger(cfg)

	ctx := context.Background()

	// 向量库；集合加载失败时服务照常启动，检索接口返回 503
	store, err := bootstrap.OpenStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.VectorBackend).Msg("Failed to open vector store")
	}
	if err := store.Ensure(ctx); err != nil {
		log.Error().Err(err).Str("collection", cfg.CollectionName).Msg("Failed to load collection")
	}

	views, err := api.NewViews()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load views")
	}

	// fiber 实例
	app := fiber.New(fiber.Config{
		BodyLimit:             cfg.MaxUploadMB * 1024 * 1024,
		Views:                 views,
		DisableStartupMessage: cfg.Production,
	})
	app.Use(recover.New())
	app.Use(api.RequestLogger())

	// CORS 中间件
	app.Use(cors.New(cors.Config{
		AllowOrigins: cfg.FrontendURL,
		AllowMethods: "GET,POST,DELETE,OPTIONS",
		AllowHeaders: "*",
	}))

	// 文件服务
	gallery, err := bootstrap.OpenGallery(cfg, app)
	if err != nil {
		log.Fatal().Err(err).Str("storage", cfg.StorageBackend).Msg("Failed to open gallery storage")
	}
	uploads, err := service.NewLocalFileService(app, cfg.BackendURL, "/static/uploads", cfg.UploadDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create upload dir")
	}
	staging, err := service.NewLocalFileService(nil, "", "", cfg.StagingDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create staging dir")
	}

	// 模型服务
	extractor, err := bootstrap.NewExtractor(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create feature extractor")
	}

	ingestService := service.NewIngestService(store, extractor, gallery, cfg.IngestWorkers)
	searchService := service.NewSearchService(store, extractor, gallery)
	galleryService := service.NewGalleryService(store, gallery)

	// 定时清理查询图片和残留的暂存文件
	periodic := service.NewPeriodicService()
	if err := service.RegisterFileCleaner(periodic, "uploads", uploads, "", cfg.UploadTTL, cfg.CleanerSpec); err != nil {
		log.Fatal().Err(err).Msg("Failed to register cleaner")
	}
	if err := service.RegisterFileCleaner(periodic, "staging", staging, "", cfg.UploadTTL, cfg.CleanerSpec); err != nil {
		log.Fatal().Err(err).Msg("Failed to register cleaner")
	}
	periodic.Start()

	// 路由
	api.RegisterPageRoutes(app, searchService, store.Ready, uploads)
	api.RegisterSearchRoutes(app, searchService, store.Ready, uploads)
	api.RegisterUploadRoutes(app, ingestService, store.Ready, staging, queue.GlobalQueue)
	api.RegisterImageRoutes(app, galleryService)
	api.RegisterStatsRoutes(app, galleryService, cfg.CollectionName, cfg.VectorBackend)

	// 消息队列
	queue.ConsumeIngestImage(queue.GlobalQueue, ingestService, staging, cfg.IngestWorkers)

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		log.Info().Msg("Shutting down")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}
	}()

	// 端口监听
	if err := app.Listen(fmt.Sprintf(":%s", cfg.Port)); err != nil {
		log.Error().Err(err).Msg("Server stopped")
	}

	periodic.Stop()
	queue.GlobalQueue.Close()
	queue.GlobalQueue.Wait()
	if err := store.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close vector store")
	}
	log.Info().Msg("Bye")
}
