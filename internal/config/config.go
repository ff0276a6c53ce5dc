package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	BackendMilvus   = "milvus"
	BackendPgvector = "pgvector"

	StorageLocal = "local"
	StorageMinio = "minio"
)

type Postgres struct {
	User     string
	Password string
	DB       string
	Host     string
	Port     string
}

type Milvus struct {
	URI      string
	Token    string
	User     string
	Password string
	DB       string
}

type Minio struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	PublicURL string
}

// Config 运行配置，全部来自环境变量
type Config struct {
	Production bool
	LogLevel   string

	Port        string
	BackendURL  string
	FrontendURL string
	MaxUploadMB int

	ModelServiceURL    string
	ModelTimeout       time.Duration
	EmbeddingDim       int
	EmbeddingCacheSize int

	VectorBackend  string
	CollectionName string
	IndexNList     int
	SearchNProbe   int
	Milvus         Milvus
	Postgres       Postgres

	StorageBackend string
	GalleryDir     string
	UploadDir      string
	StagingDir     string
	UploadTTL      time.Duration
	CleanerSpec    string
	Minio          Minio

	IngestWorkers int
}

// Load 读取环境变量；非生产环境下先尝试加载 .env
func Load() (*Config, error) {
	production := os.Getenv("GO_ENV") == "production"
	if !production {
		// .env 可选
		_ = godotenv.Load()
	}

	e := &env{}
	cfg := &Config{
		Production: production,
		LogLevel:   e.str("LOG_LEVEL", "info"),

		Port:        e.str("BACKEND_PORT", "5000"),
		BackendURL:  strings.TrimRight(e.str("BACKEND_URL", ""), "/"),
		FrontendURL: e.str("FRONTEND_URL", "*"),
		MaxUploadMB: e.integer("MAX_UPLOAD_MB", 16),

		ModelServiceURL:    strings.TrimRight(e.str("MODEL_SERVICE_URL", "http://localhost:8000"), "/"),
		ModelTimeout:       e.duration("MODEL_TIMEOUT", 30*time.Second),
		EmbeddingDim:       e.integer("EMBEDDING_DIM", 512),
		EmbeddingCacheSize: e.integer("EMBEDDING_CACHE_SIZE", 256),

		VectorBackend:  strings.ToLower(e.str("VECTOR_BACKEND", BackendMilvus)),
		CollectionName: e.str("COLLECTION_NAME", "intangible_cultural_heritage_images"),
		IndexNList:     e.integer("INDEX_NLIST", 1024),
		SearchNProbe:   e.integer("SEARCH_NPROBE", 10),
		Milvus: Milvus{
			URI:      e.str("MILVUS_URI", "localhost:19530"),
			Token:    e.str("MILVUS_TOKEN", ""),
			User:     e.str("MILVUS_USER", ""),
			Password: e.str("MILVUS_PASSWORD", ""),
			DB:       e.str("MILVUS_DB", ""),
		},
		Postgres: Postgres{
			User:     e.str("POSTGRE_USER", "postgres"),
			Password: e.str("POSTGRE_PASSWORD", ""),
			DB:       e.str("POSTGRE_DB", "heritage"),
			Host:     e.str("POSTGRE_HOST", "localhost"),
			Port:     e.str("POSTGRE_PORT", "5432"),
		},

		StorageBackend: strings.ToLower(e.str("STORAGE_BACKEND", StorageLocal)),
		GalleryDir:     e.str("GALLERY_DIR", "./static/images"),
		UploadDir:      e.str("UPLOAD_DIR", "./static/uploads"),
		StagingDir:     e.str("STAGING_DIR", "./static/staging"),
		UploadTTL:      e.duration("UPLOAD_TTL", 30*time.Minute),
		CleanerSpec:    e.str("CLEANER_SPEC", "@every 3m"),
		Minio: Minio{
			Endpoint:  e.str("MINIO_ENDPOINT", "localhost:9000"),
			AccessKey: e.str("MINIO_ACCESS_KEY", "minioadmin"),
			SecretKey: e.str("MINIO_SECRET_KEY", "minioadmin"),
			Bucket:    e.str("MINIO_BUCKET", "heritage-images"),
			UseSSL:    e.boolean("MINIO_USE_SSL", false),
			PublicURL: strings.TrimRight(e.str("MINIO_PUBLIC_URL", ""), "/"),
		},

		IngestWorkers: e.integer("INGEST_WORKERS", 3),
	}

	if e.err != nil {
		return nil, e.err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.VectorBackend {
	case BackendMilvus, BackendPgvector:
	default:
		return fmt.Errorf("unknown VECTOR_BACKEND %q", c.VectorBackend)
	}
	switch c.StorageBackend {
	case StorageLocal, StorageMinio:
	default:
		return fmt.Errorf("unknown STORAGE_BACKEND %q", c.StorageBackend)
	}
	if c.EmbeddingDim <= 0 {
		return fmt.Errorf("EMBEDDING_DIM must be positive, got %d", c.EmbeddingDim)
	}
	if c.IndexNList <= 0 || c.SearchNProbe <= 0 {
		return fmt.Errorf("INDEX_NLIST and SEARCH_NPROBE must be positive")
	}
	if c.IngestWorkers <= 0 {
		c.IngestWorkers = 1
	}
	if c.MaxUploadMB <= 0 {
		c.MaxUploadMB = 16
	}
	return nil
}

// env 记录第一个解析错误，避免每个字段都判断一次
type env struct {
	err error
}

func (e *env) str(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func (e *env) integer(key string, def int) int {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return n
}

func (e *env) boolean(key string, def bool) bool {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return b
}

func (e *env) duration(key string, def time.Duration) time.Duration {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return d
}

func (e *env) fail(key, value string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("invalid %s=%q: %w", key, value, err)
	}
}
