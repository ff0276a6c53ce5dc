package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"heritage-backend/internal/vectorstore"

	"github.com/rs/zerolog/log"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = vectorstore.MaxListLimit
)

type ImageEntry struct {
	ID       int64  `json:"id"`
	Filename string `json:"filename"`
	Hash     string `json:"hash"`
	ImageURL string `json:"imageUrl"`
}

type ImagePage struct {
	Page     int          `json:"page"`
	PageSize int          `json:"pageSize"`
	Total    int64        `json:"total"`
	Count    int          `json:"count"`
	Images   []ImageEntry `json:"images"`
}

// DeleteResult DeletedCount 为从向量库删除的记录数，FilesRemoved 为实际删掉的图片文件数
type DeleteResult struct {
	Success      bool     `json:"success"`
	Message      string   `json:"message"`
	DeletedCount int      `json:"deletedCount"`
	FilesRemoved int      `json:"filesRemoved"`
	Errors       []string `json:"errors"`
}

// GalleryService 图库管理：列表、统计、删除
type GalleryService struct {
	store   vectorstore.Store
	gallery FileService
}

func NewGalleryService(store vectorstore.Store, gallery FileService) *GalleryService {
	return &GalleryService{store: store, gallery: gallery}
}

func (s *GalleryService) Ready() bool {
	return s.store.Ready()
}

func (s *GalleryService) Count(ctx context.Context) (int64, error) {
	return s.store.Count(ctx)
}

// List 分页列出图片，page 从 1 开始
func (s *GalleryService) List(ctx context.Context, page, pageSize int) (ImagePage, error) {
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}

	records, err := s.store.List(ctx, (page-1)*pageSize, pageSize)
	if err != nil {
		return ImagePage{}, err
	}
	total, err := s.store.Count(ctx)
	if err != nil {
		return ImagePage{}, err
	}

	images := make([]ImageEntry, len(records))
	for i, r := range records {
		images[i] = ImageEntry{ID: r.ID, Filename: r.Filename, Hash: r.Hash, ImageURL: s.gallery.URL(r.Filename)}
	}
	return ImagePage{
		Page:     page,
		PageSize: pageSize,
		Total:    total,
		Count:    len(images),
		Images:   images,
	}, nil
}

// ParseIDs 解析并校验 id，非法的写入 errs
func ParseIDs(raw []string) (ids []int64, errs []string) {
	seen := map[int64]bool{}
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		id, err := strconv.ParseInt(r, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Sprintf("ID '%s' is not a valid integer", r))
			continue
		}
		if id <= 0 {
			errs = append(errs, fmt.Sprintf("ID '%s' must be a positive integer", r))
			continue
		}
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids, errs
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ", ")
}

// Delete 从向量库和图库中删除图片；文件缺失只记录错误，不影响记录删除
func (s *GalleryService) Delete(ctx context.Context, rawIDs []string) DeleteResult {
	res := DeleteResult{Errors: []string{}}
	if !s.store.Ready() {
		res.Message = "collection not loaded, cannot delete"
		res.Errors = append(res.Errors, vectorstore.ErrNotReady.Error())
		return res
	}

	ids, errs := ParseIDs(rawIDs)
	res.Errors = append(res.Errors, errs...)
	if len(ids) == 0 {
		if len(errs) == 0 {
			res.Errors = append(res.Errors, "no image ids provided")
		}
		res.Message = "no valid integer ids in request"
		return res
	}

	records, err := s.store.Get(ctx, ids)
	if err != nil {
		res.Message = fmt.Sprintf("delete failed: %v", err)
		res.Errors = append(res.Errors, err.Error())
		return res
	}
	if len(records) == 0 {
		res.Success = true
		res.Message = "no images matched the given ids"
		res.Errors = append(res.Errors, fmt.Sprintf("no records found for ids [%s]", joinIDs(ids)))
		return res
	}

	found := make([]int64, len(records))
	for i, r := range records {
		found[i] = r.ID
	}
	if err := s.store.Delete(ctx, found); err != nil {
		res.Message = fmt.Sprintf("delete failed: %v", err)
		res.Errors = append(res.Errors, err.Error())
		return res
	}
	res.DeletedCount = len(found)
	log.Info().Ints64("ids", found).Msg("vector records deleted")

	for _, r := range records {
		if r.Filename == "" {
			res.Errors = append(res.Errors, fmt.Sprintf("record %d has no image_filename", r.ID))
			continue
		}
		if err := s.gallery.Delete(r.Filename); err != nil {
			if errors.Is(err, ErrFileNotFound) {
				res.Errors = append(res.Errors, fmt.Sprintf("file not found: %s", r.Filename))
			} else {
				res.Errors = append(res.Errors, fmt.Sprintf("failed to delete file %s (ID: %d): %v", r.Filename, r.ID, err))
			}
			log.Warn().Err(err).Int64("id", r.ID).Str("file", r.Filename).Msg("image file not removed")
			continue
		}
		res.FilesRemoved++
	}

	res.Success = true
	res.Message = fmt.Sprintf("deleted %d records, removed %d files", res.DeletedCount, res.FilesRemoved)
	return res
}
