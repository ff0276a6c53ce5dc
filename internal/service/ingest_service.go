package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"heritage-backend/internal/util"
	"heritage-backend/internal/vectorstore"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNotAllowed = errors.New("file type not allowed")
	ErrEmptyFile  = errors.New("empty file")
)

type IngestStatus string

const (
	StatusInserted IngestStatus = "inserted"
	StatusSkipped  IngestStatus = "skipped"
	StatusRejected IngestStatus = "rejected"
	StatusFailed   IngestStatus = "failed"
)

// Candidate 待入库的一张图片
type Candidate struct {
	Filename string
	Data     []byte
}

type IngestResult struct {
	Filename string       `json:"filename"`
	Hash     string       `json:"hash,omitempty"`
	Status   IngestStatus `json:"status"`
	ID       int64        `json:"id,omitempty"`
	URL      string       `json:"imageUrl,omitempty"`
	Error    string       `json:"error,omitempty"`

	Err error `json:"-"`
}

func (r *IngestResult) fail(status IngestStatus, err error) {
	r.Status = status
	r.Err = err
	r.Error = err.Error()
}

type BatchResult struct {
	Inserted int            `json:"inserted"`
	Skipped  int            `json:"skipped"`
	Failed   int            `json:"failed"`
	Items    []IngestResult `json:"items"`
}

// IngestService 去重 -> 提取特征 -> 存图 -> 写向量库
type IngestService struct {
	store     vectorstore.Store
	extractor FeatureExtractor
	gallery   FileService
	workers   int

	// 去重检查和插入必须原子，否则并发上传同一张图会插入两次
	mu sync.Mutex
}

func NewIngestService(store vectorstore.Store, extractor FeatureExtractor, gallery FileService, workers int) *IngestService {
	if workers <= 0 {
		workers = 1
	}
	return &IngestService{store: store, extractor: extractor, gallery: gallery, workers: workers}
}

type prepared struct {
	name string
	hash string
	data []byte
}

// storedName 清洗后的文件名；清洗后丢了扩展名（如全中文文件名）时用哈希前缀命名
func storedName(filename, hash string) string {
	ext := util.GetFileExt(filename)
	name := util.SecureFilename(filename)
	if !util.AllowedImage(name) || util.GetFileExt(name) != ext {
		name = hash[:12] + ext
	}
	if len(name) > vectorstore.MaxFilenameLen {
		name = name[:vectorstore.MaxFilenameLen-len(ext)] + ext
	}
	return name
}

func prepare(c Candidate) (prepared, error) {
	if !util.AllowedImage(c.Filename) {
		return prepared{}, fmt.Errorf("%w: %s", ErrNotAllowed, c.Filename)
	}
	if len(c.Data) == 0 {
		return prepared{}, fmt.Errorf("%w: %s", ErrEmptyFile, c.Filename)
	}
	hash := util.HashBytes(c.Data)
	return prepared{
		name: storedName(c.Filename, hash),
		hash: hash,
		data: c.Data,
	}, nil
}

// embedImage 先统一转 JPEG 再请求模型服务
func embedImage(ctx context.Context, extractor FeatureExtractor, data []byte, filename string) ([]float32, error) {
	jpg, err := util.ProcessImageToJPEG(data, util.GetFileExt(filename))
	if err != nil {
		return nil, err
	}
	return extractor.Extract(ctx, jpg, filename)
}

// Check 上传接口的预检查：类型是否允许、是否已存在。返回存储用的文件名
func (s *IngestService) Check(ctx context.Context, c Candidate) (string, bool, error) {
	p, err := prepare(c)
	if err != nil {
		return "", false, err
	}
	exists, err := s.store.Exists(ctx, p.name, p.hash)
	return p.name, exists, err
}

// Ingest 单张入库
func (s *IngestService) Ingest(ctx context.Context, c Candidate) (IngestResult, error) {
	res := s.IngestBatch(ctx, []Candidate{c})
	item := res.Items[0]
	return item, item.Err
}

// IngestBatch 批量入库；批内和库内的重复都跳过，单张失败不影响其他图片。
// 批内重复在提取特征之后才判定，前一张失败时后面的同名/同内容图片仍可入库
func (s *IngestService) IngestBatch(ctx context.Context, candidates []Candidate) BatchResult {
	items := make([]IngestResult, len(candidates))
	preps := make([]*prepared, len(candidates))

	for i, c := range candidates {
		items[i].Filename = c.Filename
		p, err := prepare(c)
		if err != nil {
			items[i].fail(StatusRejected, err)
			continue
		}
		items[i].Filename = p.name
		items[i].Hash = p.hash

		exists, err := s.store.Exists(ctx, p.name, p.hash)
		if err != nil {
			items[i].fail(StatusFailed, err)
			continue
		}
		if exists {
			log.Info().Str("file", p.name).Msg("跳过已存在的图像")
			items[i].Status = StatusSkipped
			continue
		}
		preps[i] = &p
	}

	vectors := s.extractAll(ctx, preps, items)
	s.commit(ctx, preps, vectors, items)

	var out BatchResult
	out.Items = items
	for _, it := range items {
		switch it.Status {
		case StatusInserted:
			out.Inserted++
		case StatusSkipped:
			out.Skipped++
		default:
			out.Failed++
		}
	}
	log.Info().
		Int("inserted", out.Inserted).
		Int("skipped", out.Skipped).
		Int("failed", out.Failed).
		Msg("ingest batch finished")
	return out
}

// extractAll 并发提取特征，失败的条目直接标记并从 preps 中移除
func (s *IngestService) extractAll(ctx context.Context, preps []*prepared, items []IngestResult) [][]float32 {
	vectors := make([][]float32, len(preps))
	errs := make([]error, len(preps))

	var g errgroup.Group
	g.SetLimit(s.workers)
	for i, p := range preps {
		if p == nil {
			continue
		}
		i, p := i, p
		g.Go(func() error {
			vectors[i], errs[i] = embedImage(ctx, s.extractor, p.data, p.name)
			return nil
		})
	}
	_ = g.Wait()

	for i, err := range errs {
		if err != nil {
			log.Warn().Err(err).Str("file", preps[i].name).Msg("处理图片时出错")
			items[i].fail(StatusFailed, err)
			preps[i] = nil
		}
	}
	return vectors
}

// commit 持锁再查一次重复（库内和本批已提交的），存图后一次性插入
func (s *IngestService) commit(ctx context.Context, preps []*prepared, vectors [][]float32, items []IngestResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		records  []vectorstore.Record
		slots    []int
		seenName = map[string]bool{}
		seenHash = map[string]bool{}
	)
	for i, p := range preps {
		if p == nil {
			continue
		}
		if seenName[p.name] || seenHash[p.hash] {
			items[i].Status = StatusSkipped
			items[i].Error = "duplicate within batch"
			continue
		}
		exists, err := s.store.Exists(ctx, p.name, p.hash)
		if err != nil {
			items[i].fail(StatusFailed, err)
			continue
		}
		if exists {
			items[i].Status = StatusSkipped
			continue
		}
		url, err := s.gallery.Put(p.name, p.data, "")
		if err != nil {
			items[i].fail(StatusFailed, fmt.Errorf("store image: %w", err))
			continue
		}
		items[i].URL = url
		seenName[p.name] = true
		seenHash[p.hash] = true
		records = append(records, vectorstore.Record{Filename: p.name, Hash: p.hash, Embedding: vectors[i]})
		slots = append(slots, i)
	}
	if len(records) == 0 {
		return
	}

	ids, err := s.store.Insert(ctx, records)
	if err == nil && len(ids) != len(records) {
		err = fmt.Errorf("insert returned %d ids for %d records", len(ids), len(records))
	}
	if err != nil {
		log.Error().Err(err).Int("records", len(records)).Msg("insert vectors failed")
		for _, i := range slots {
			if derr := s.gallery.Delete(preps[i].name); derr != nil {
				log.Warn().Err(derr).Str("file", preps[i].name).Msg("failed to roll back stored image")
			}
			items[i].fail(StatusFailed, err)
			items[i].URL = ""
		}
		return
	}

	for k, i := range slots {
		items[i].Status = StatusInserted
		items[i].ID = ids[k]
	}
	log.Info().Int("count", len(records)).Msg("成功插入新特征向量")
}
