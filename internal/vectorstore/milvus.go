package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"github.com/rs/zerolog/log"
)

const collectionDescription = "非遗图像特征向量集合 (基于文件名和哈希去重)"

type MilvusConfig struct {
	Address  string
	APIKey   string
	Username string
	Password string
	DBName   string
}

// MilvusStore 基于 milvus-sdk-go 的实现
type MilvusStore struct {
	cli   client.Client
	opts  Options
	ready atomic.Bool
}

func NewMilvusStore(ctx context.Context, cfg MilvusConfig, opts Options) (*MilvusStore, error) {
	cli, err := client.NewClient(ctx, client.Config{
		Address:  cfg.Address,
		APIKey:   cfg.APIKey,
		Username: cfg.Username,
		Password: cfg.Password,
		DBName:   cfg.DBName,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Milvus: %w", err)
	}
	log.Info().Str("address", cfg.Address).Msg("Milvus connected")
	return &MilvusStore{cli: cli, opts: opts}, nil
}

func (s *MilvusStore) schema() *entity.Schema {
	return entity.NewSchema().
		WithName(s.opts.Collection).
		WithDescription(collectionDescription).
		WithAutoID(true).
		WithField(entity.NewField().
			WithName(FieldID).
			WithDataType(entity.FieldTypeInt64).
			WithIsPrimaryKey(true).
			WithIsAutoID(true)).
		WithField(entity.NewField().
			WithName(FieldEmbedding).
			WithDataType(entity.FieldTypeFloatVector).
			WithDim(int64(s.opts.Dim))).
		WithField(entity.NewField().
			WithName(FieldFilename).
			WithDataType(entity.FieldTypeVarChar).
			WithMaxLength(MaxFilenameLen)).
		WithField(entity.NewField().
			WithName(FieldHash).
			WithDataType(entity.FieldTypeVarChar).
			WithMaxLength(MaxHashLen))
}

func (s *MilvusStore) Ensure(ctx context.Context) error {
	name := s.opts.Collection

	has, err := s.cli.HasCollection(ctx, name)
	if err != nil {
		return fmt.Errorf("has collection %s: %w", name, err)
	}
	if !has {
		log.Info().Str("collection", name).Msg("collection not found, creating")
		if err := s.cli.CreateCollection(ctx, s.schema(), 1); err != nil {
			return fmt.Errorf("create collection %s: %w", name, err)
		}
	}

	// DescribeIndex 在没有索引时会返回错误
	indexes, err := s.cli.DescribeIndex(ctx, name, FieldEmbedding)
	if err != nil || len(indexes) == 0 {
		if has {
			log.Warn().Str("collection", name).Msg("collection exists without index, creating")
		}
		idx, err := entity.NewIndexIvfFlat(entity.L2, s.opts.NList)
		if err != nil {
			return err
		}
		if err := s.cli.CreateIndex(ctx, name, FieldEmbedding, idx, false); err != nil {
			return fmt.Errorf("create index on %s: %w", name, err)
		}
		log.Info().Str("collection", name).Int("nlist", s.opts.NList).Msg("IVF_FLAT index created")
	}

	if err := s.cli.LoadCollection(ctx, name, false); err != nil {
		return fmt.Errorf("load collection %s: %w", name, err)
	}
	s.ready.Store(true)
	log.Info().Str("collection", name).Msg("collection loaded")
	return nil
}

func (s *MilvusStore) Ready() bool {
	return s.ready.Load()
}

// 去重和删除前的查询必须读到刚写入的数据
func strong() client.SearchQueryOptionFunc {
	return func(option *client.SearchQueryOption) {
		option.ConsistencyLevel = entity.ClStrong
	}
}

func (s *MilvusStore) Exists(ctx context.Context, filename, hash string) (bool, error) {
	if !s.Ready() {
		return false, ErrNotReady
	}
	rs, err := s.cli.Query(ctx, s.opts.Collection, nil, existsExpr(filename, hash),
		[]string{FieldID, FieldFilename}, strong())
	if err != nil {
		return false, fmt.Errorf("query duplicates: %w", err)
	}
	col := rs.GetColumn(FieldID)
	return col != nil && col.Len() > 0, nil
}

func (s *MilvusStore) Insert(ctx context.Context, records []Record) ([]int64, error) {
	if !s.Ready() {
		return nil, ErrNotReady
	}
	if len(records) == 0 {
		return nil, nil
	}
	if err := validateRecords(records, s.opts.Dim); err != nil {
		return nil, err
	}

	vectors := make([][]float32, len(records))
	names := make([]string, len(records))
	hashes := make([]string, len(records))
	for i, r := range records {
		vectors[i] = r.Embedding
		names[i] = r.Filename
		hashes[i] = r.Hash
	}

	idCol, err := s.cli.Insert(ctx, s.opts.Collection, "",
		entity.NewColumnFloatVector(FieldEmbedding, s.opts.Dim, vectors),
		entity.NewColumnVarChar(FieldFilename, names),
		entity.NewColumnVarChar(FieldHash, hashes),
	)
	if err != nil {
		return nil, fmt.Errorf("insert: %w", err)
	}
	if err := s.cli.Flush(ctx, s.opts.Collection, false); err != nil {
		return nil, fmt.Errorf("flush: %w", err)
	}

	return int64Column(idCol)
}

func (s *MilvusStore) Search(ctx context.Context, vector []float32, topK int) ([]Hit, error) {
	if !s.Ready() {
		return nil, ErrNotReady
	}
	if len(vector) != s.opts.Dim {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vector), s.opts.Dim)
	}
	sp, err := entity.NewIndexIvfFlatSearchParam(s.opts.NProbe)
	if err != nil {
		return nil, err
	}

	results, err := s.cli.Search(
		ctx,
		s.opts.Collection,
		nil,
		"",
		[]string{FieldFilename},
		[]entity.Vector{entity.FloatVector(vector)},
		FieldEmbedding,
		entity.L2,
		topK,
		sp,
		strong(),
	)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	if len(results) == 0 {
		return nil, nil
	}
	return hitsFromResult(results[0])
}

func (s *MilvusStore) Get(ctx context.Context, ids []int64) ([]Record, error) {
	if !s.Ready() {
		return nil, ErrNotReady
	}
	if len(ids) == 0 {
		return nil, nil
	}
	rs, err := s.cli.Query(ctx, s.opts.Collection, nil, idsExpr(ids),
		[]string{FieldID, FieldFilename, FieldHash}, strong())
	if err != nil {
		return nil, fmt.Errorf("query by ids: %w", err)
	}
	return recordsFromResultSet(rs)
}

func (s *MilvusStore) List(ctx context.Context, offset, limit int) ([]Record, error) {
	if !s.Ready() {
		return nil, ErrNotReady
	}
	offset, limit = clampList(offset, limit)
	rs, err := s.cli.Query(ctx, s.opts.Collection, nil, FieldID+" > 0",
		[]string{FieldID, FieldFilename, FieldHash}, strong(), client.WithOffset(int64(offset)), client.WithLimit(int64(limit)))
	if err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}
	return recordsFromResultSet(rs)
}

func (s *MilvusStore) Delete(ctx context.Context, ids []int64) error {
	if !s.Ready() {
		return ErrNotReady
	}
	if len(ids) == 0 {
		return nil
	}
	if err := s.cli.Delete(ctx, s.opts.Collection, "", idsExpr(ids)); err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	return nil
}

// Count 优先用 count(*)，旧版本 Milvus 退回到集合统计（包含未压缩的已删除行）
func (s *MilvusStore) Count(ctx context.Context) (int64, error) {
	if !s.Ready() {
		return 0, ErrNotReady
	}
	rs, err := s.cli.Query(ctx, s.opts.Collection, nil, "", []string{"count(*)"}, strong())
	if err == nil {
		if col := rs.GetColumn("count(*)"); col != nil && col.Len() > 0 {
			return col.GetAsInt64(0)
		}
	}

	stats, serr := s.cli.GetCollectionStatistics(ctx, s.opts.Collection)
	if serr != nil {
		return 0, errors.Join(err, serr)
	}
	return strconv.ParseInt(stats["row_count"], 10, 64)
}

func (s *MilvusStore) Drop(ctx context.Context) error {
	s.ready.Store(false)
	has, err := s.cli.HasCollection(ctx, s.opts.Collection)
	if err != nil || !has {
		return err
	}
	log.Warn().Str("collection", s.opts.Collection).Msg("dropping collection")
	return s.cli.DropCollection(ctx, s.opts.Collection)
}

func (s *MilvusStore) Close() error {
	s.ready.Store(false)
	return s.cli.Close()
}

func int64Column(col entity.Column) ([]int64, error) {
	if col == nil {
		return nil, nil
	}
	ids := make([]int64, col.Len())
	for i := range ids {
		id, err := col.GetAsInt64(i)
		if err != nil {
			return nil, fmt.Errorf("read id %d: %w", i, err)
		}
		ids[i] = id
	}
	return ids, nil
}

func hitsFromResult(sr client.SearchResult) ([]Hit, error) {
	if sr.Err != nil {
		return nil, sr.Err
	}
	ids, err := int64Column(sr.IDs)
	if err != nil {
		return nil, err
	}
	names := sr.Fields.GetColumn(FieldFilename)

	hits := make([]Hit, 0, len(ids))
	for i, id := range ids {
		h := Hit{ID: id, Filename: UnknownFilename}
		if i < len(sr.Scores) {
			h.Distance = sr.Scores[i]
		}
		if names != nil && i < names.Len() {
			if name, err := names.GetAsString(i); err == nil && name != "" {
				h.Filename = name
			}
		}
		hits = append(hits, h)
	}
	return hits, nil
}

func recordsFromResultSet(rs client.ResultSet) ([]Record, error) {
	ids, err := int64Column(rs.GetColumn(FieldID))
	if err != nil {
		return nil, err
	}
	names := rs.GetColumn(FieldFilename)
	hashes := rs.GetColumn(FieldHash)

	records := make([]Record, len(ids))
	for i, id := range ids {
		records[i].ID = id
		if names != nil && i < names.Len() {
			records[i].Filename, _ = names.GetAsString(i)
		}
		if hashes != nil && i < hashes.Len() {
			records[i].Hash, _ = hashes.GetAsString(i)
		}
	}
	sortRecords(records)
	return records, nil
}
