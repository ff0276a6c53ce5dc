package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog/log"
)

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// PublicURL 为空时用 endpoint 拼接
	PublicURL string
}

// MinioFileService 图库放在对象存储里，key 即子路径
type MinioFileService struct {
	session   *minio.Client
	bucket    string
	publicURL string
}

func NewMinioFileService(cfg MinioConfig) (*MinioFileService, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
		log.Info().Str("bucket", cfg.Bucket).Msg("minio bucket created")
	}

	publicURL := cfg.PublicURL
	if publicURL == "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		publicURL = fmt.Sprintf("%s://%s", scheme, cfg.Endpoint)
	}

	return &MinioFileService{session: client, bucket: cfg.Bucket, publicURL: publicURL}, nil
}

func objectKey(subPath string) string {
	return strings.TrimPrefix(path.Clean("/"+strings.ReplaceAll(subPath, "\\", "/")), "/")
}

func isNoSuchKey(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}

func (m *MinioFileService) Put(fileName string, data []byte, subPath string) (string, error) {
	key := objectKey(path.Join(subPath, fileName))
	info, err := m.session.PutObject(context.Background(), m.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: http.DetectContentType(data)})
	if err != nil {
		return "", err
	}
	log.Debug().Str("bucket", m.bucket).Str("key", key).Int64("size", info.Size).Msg("object uploaded")
	return m.URL(key), nil
}

// Delete RemoveObject 对不存在的 key 不报错，所以先 Stat
func (m *MinioFileService) Delete(subPath string) error {
	key := objectKey(subPath)
	ctx := context.Background()
	if _, err := m.session.StatObject(ctx, m.bucket, key, minio.StatObjectOptions{}); err != nil {
		if isNoSuchKey(err) {
			return fmt.Errorf("%w: %s/%s", ErrFileNotFound, m.bucket, key)
		}
		return err
	}
	return m.session.RemoveObject(ctx, m.bucket, key, minio.RemoveObjectOptions{})
}

func (m *MinioFileService) Get(subPath string) (string, error) {
	key := objectKey(subPath)
	if _, err := m.session.StatObject(context.Background(), m.bucket, key, minio.StatObjectOptions{}); err != nil {
		if isNoSuchKey(err) {
			return "", fmt.Errorf("%w: %s/%s", ErrFileNotFound, m.bucket, key)
		}
		return "", err
	}
	return m.URL(key), nil
}

func (m *MinioFileService) URL(subPath string) string {
	return fmt.Sprintf("%s/%s/%s", m.publicURL, m.bucket, objectKey(subPath))
}

func (m *MinioFileService) Open(subPath string) ([]byte, error) {
	key := objectKey(subPath)
	obj, err := m.session.GetObject(context.Background(), m.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := obj.Close(); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("failed to close object")
		}
	}()
	data, err := io.ReadAll(obj)
	if err != nil && isNoSuchKey(err) {
		return nil, fmt.Errorf("%w: %s/%s", ErrFileNotFound, m.bucket, key)
	}
	return data, err
}

func (m *MinioFileService) List(subPath string) ([]FileInfo, error) {
	prefix := objectKey(subPath)
	if prefix != "" {
		prefix += "/"
	}
	var files []FileInfo
	for obj := range m.session.ListObjects(context.Background(), m.bucket, minio.ListObjectsOptions{Prefix: prefix}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		name := strings.TrimPrefix(obj.Key, prefix)
		isDir := strings.HasSuffix(name, "/")
		files = append(files, FileInfo{
			Name:    strings.TrimSuffix(name, "/"),
			IsDir:   isDir,
			ModTime: obj.LastModified,
		})
	}
	return files, nil
}
