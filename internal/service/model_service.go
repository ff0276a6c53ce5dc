package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"time"

	"heritage-backend/internal/util"
	"heritage-backend/internal/vectorstore"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
)

var ErrDimensionMismatch = vectorstore.ErrDimensionMismatch

// FeatureExtractor 图片 -> 归一化后的特征向量
type FeatureExtractor interface {
	Extract(ctx context.Context, data []byte, filename string) ([]float32, error)
}

// HTTPModelService 调用外部的 ResNet 特征提取服务
type HTTPModelService struct {
	URL    string
	Dim    int
	Client *http.Client
}

func NewHTTPModelService(url string, dim int, timeout time.Duration) *HTTPModelService {
	return &HTTPModelService{
		URL:    url,
		Dim:    dim,
		Client: &http.Client{Timeout: timeout},
	}
}

// Extract POST multipart 到 {URL}/extract，响应 {"embedding": [...]}
func (s *HTTPModelService) Extract(ctx context.Context, data []byte, filename string) ([]float32, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("image", filename)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL+"/extract", &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("model service: %w", err)
	}
	defer func() {
		if e := resp.Body.Close(); e != nil {
			log.Warn().Err(e).Msg("Failed to close response body")
		}
	}()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("model service error: %s %s", resp.Status, bytes.TrimSpace(msg))
	}

	var result struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode model service response: %w", err)
	}
	if len(result.Embedding) != s.Dim {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(result.Embedding), s.Dim)
	}

	return Normalize(result.Embedding), nil
}

// Normalize L2 归一化（原地），零向量原样返回
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range v {
		v[i] *= inv
	}
	return v
}

// CachedExtractor 按内容哈希缓存向量，同一张图重复检索时不再请求模型服务。
// 缓存中的切片是共享的，调用方不要修改
type CachedExtractor struct {
	next  FeatureExtractor
	cache *lru.Cache[string, []float32]
}

// NewCachedExtractor size <= 0 时直接返回 next
func NewCachedExtractor(next FeatureExtractor, size int) (FeatureExtractor, error) {
	if size <= 0 {
		return next, nil
	}
	cache, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, err
	}
	return &CachedExtractor{next: next, cache: cache}, nil
}

func (c *CachedExtractor) Extract(ctx context.Context, data []byte, filename string) ([]float32, error) {
	key := util.HashBytes(data)
	if v, ok := c.cache.Get(key); ok {
		return v, nil
	}
	v, err := c.next.Extract(ctx, data, filename)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, v)
	return v, nil
}

func (c *CachedExtractor) Len() int {
	return c.cache.Len()
}
