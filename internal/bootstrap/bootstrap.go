// Package bootstrap 按配置组装向量库、图库存储和特征提取服务，server 和 imagectl 共用。
package bootstrap

import (
	"context"
	"fmt"

	"heritage-backend/internal/config"
	"heritage-backend/internal/db"
	"heritage-backend/internal/service"
	"heritage-backend/internal/vectorstore"

	"github.com/gofiber/fiber/v2"
)

const GalleryRoute = "/static/images"

func storeOptions(cfg *config.Config) vectorstore.Options {
	return vectorstore.Options{
		Collection: cfg.CollectionName,
		Dim:        cfg.EmbeddingDim,
		NList:      cfg.IndexNList,
		NProbe:     cfg.SearchNProbe,
	}
}

// OpenStore 连接向量库，不做 Ensure
func OpenStore(ctx context.Context, cfg *config.Config) (vectorstore.Store, error) {
	switch cfg.VectorBackend {
	case config.BackendPgvector:
		pg := cfg.Postgres
		if err := db.InitPostgres(pg.User, pg.Password, pg.DB, pg.Host, pg.Port); err != nil {
			return nil, err
		}
		return vectorstore.NewPgvectorStore(db.Instance(), storeOptions(cfg)), nil
	case config.BackendMilvus:
		m := cfg.Milvus
		return vectorstore.NewMilvusStore(ctx, vectorstore.MilvusConfig{
			Address:  m.URI,
			APIKey:   m.Token,
			Username: m.User,
			Password: m.Password,
			DBName:   m.DB,
		}, storeOptions(cfg))
	default:
		return nil, fmt.Errorf("unknown vector backend %q", cfg.VectorBackend)
	}
}

// OpenGallery 图库存储；本地存储且 app 不为空时挂载静态目录
func OpenGallery(cfg *config.Config, app fiber.Router) (service.FileService, error) {
	if cfg.StorageBackend == config.StorageMinio {
		m := cfg.Minio
		return service.NewMinioFileService(service.MinioConfig{
			Endpoint:  m.Endpoint,
			AccessKey: m.AccessKey,
			SecretKey: m.SecretKey,
			Bucket:    m.Bucket,
			UseSSL:    m.UseSSL,
			PublicURL: m.PublicURL,
		})
	}
	return service.NewLocalFileService(app, cfg.BackendURL, GalleryRoute, cfg.GalleryDir)
}

// NewExtractor 模型服务 + 内存缓存
func NewExtractor(cfg *config.Config) (service.FeatureExtractor, error) {
	return service.NewCachedExtractor(
		service.NewHTTPModelService(cfg.ModelServiceURL, cfg.EmbeddingDim, cfg.ModelTimeout),
		cfg.EmbeddingCacheSize,
	)
}
