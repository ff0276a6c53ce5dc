package service

import (
	"context"
	"strconv"
	"strings"

	"heritage-backend/internal/vectorstore"
)

const (
	DefaultTopK = 5
	MaxTopK     = 50
)

var ErrCollectionNotReady = vectorstore.ErrNotReady

// Match 一条相似图片结果
type Match struct {
	ID         int64   `json:"id"`
	Distance   float32 `json:"distance"`
	Similarity float64 `json:"similarity"`
	Filename   string  `json:"filename"`
	ImageURL   string  `json:"imageUrl"`
}

type SearchService struct {
	store     vectorstore.Store
	extractor FeatureExtractor
	gallery   FileService
}

func NewSearchService(store vectorstore.Store, extractor FeatureExtractor, gallery FileService) *SearchService {
	return &SearchService{store: store, extractor: extractor, gallery: gallery}
}

// NormalizeTopK 非整数或超出 1..50 时回退到默认值
func NormalizeTopK(raw string) int {
	k, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || k <= 0 || k > MaxTopK {
		return DefaultTopK
	}
	return k
}

// Similarity 向量已归一化，距离 >= 1 视为完全不相似
func Similarity(distance float32) float64 {
	s := 1 - float64(distance)
	if s < 0 {
		s = 0
	}
	return s * 100
}

// Search 以图搜图，结果按距离升序
func (s *SearchService) Search(ctx context.Context, data []byte, filename string, topK int) ([]Match, error) {
	if !s.store.Ready() {
		return nil, ErrCollectionNotReady
	}
	if len(data) == 0 {
		return nil, ErrEmptyFile
	}
	if topK <= 0 || topK > MaxTopK {
		topK = DefaultTopK
	}

	embedding, err := embedImage(ctx, s.extractor, data, filename)
	if err != nil {
		return nil, err
	}

	hits, err := s.store.Search(ctx, embedding, topK)
	if err != nil {
		return nil, err
	}

	matches := make([]Match, len(hits))
	for i, h := range hits {
		matches[i] = Match{
			ID:         h.ID,
			Distance:   h.Distance,
			Similarity: Similarity(h.Distance),
			Filename:   h.Filename,
			ImageURL:   s.gallery.URL(h.Filename),
		}
	}
	return matches, nil
}
