package vectorstore

import (
	"context"
	"fmt"
	"sync/atomic"

	"heritage-backend/internal/db/migrate"
	"heritage-backend/internal/model"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"gorm.io/gorm"
)

// PgvectorStore 用 Postgres + pgvector 作为向量库
type PgvectorStore struct {
	db    *gorm.DB
	opts  Options
	ready atomic.Bool
}

func NewPgvectorStore(db *gorm.DB, opts Options) *PgvectorStore {
	return &PgvectorStore{db: db, opts: opts}
}

func (s *PgvectorStore) table(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).Table(s.opts.Collection)
}

func (s *PgvectorStore) Ensure(ctx context.Context) error {
	conn := s.db.WithContext(ctx)
	if err := migrate.InitExtensions(conn); err != nil {
		return err
	}
	if err := migrate.DBMigrateAll(conn, s.opts.Collection, s.opts.Dim); err != nil {
		return err
	}
	if err := migrate.InitIndices(conn, s.opts.Collection, s.opts.NList); err != nil {
		return err
	}
	s.ready.Store(true)
	return nil
}

func (s *PgvectorStore) Ready() bool {
	return s.ready.Load()
}

func (s *PgvectorStore) Exists(ctx context.Context, filename, hash string) (bool, error) {
	if !s.Ready() {
		return false, ErrNotReady
	}
	var count int64
	err := s.table(ctx).
		Where("image_filename = ? OR image_hash = ?", filename, hash).
		Limit(1).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("query duplicates: %w", err)
	}
	return count > 0, nil
}

func (s *PgvectorStore) Insert(ctx context.Context, records []Record) ([]int64, error) {
	if !s.Ready() {
		return nil, ErrNotReady
	}
	if len(records) == 0 {
		return nil, nil
	}
	if err := validateRecords(records, s.opts.Dim); err != nil {
		return nil, err
	}

	rows := make([]model.Image, len(records))
	for i, r := range records {
		rows[i] = model.Image{
			ImageFilename: r.Filename,
			ImageHash:     r.Hash,
			Embedding:     pgvector.NewVector(r.Embedding),
		}
	}
	if err := s.table(ctx).Create(&rows).Error; err != nil {
		return nil, fmt.Errorf("insert: %w", err)
	}

	ids := make([]int64, len(rows))
	for i, row := range rows {
		ids[i] = row.ID
	}
	return ids, nil
}

// Search 返回 L2 距离的平方，与 Milvus 的 L2 度量保持一致
func (s *PgvectorStore) Search(ctx context.Context, vector []float32, topK int) ([]Hit, error) {
	if !s.Ready() {
		return nil, ErrNotReady
	}
	if len(vector) != s.opts.Dim {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vector), s.opts.Dim)
	}

	var rows []struct {
		ID            int64
		ImageFilename string
		Distance      float64
	}
	query := pgvector.NewVector(vector)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// probes 只在当前事务内生效
		if err := tx.Exec(fmt.Sprintf("SET LOCAL ivfflat.probes = %d", s.opts.NProbe)).Error; err != nil {
			return err
		}
		return tx.Raw(fmt.Sprintf(`
            SELECT id, image_filename, (embedding <-> ?) ^ 2 AS distance
            FROM %s
            ORDER BY embedding <-> ?
            LIMIT ?
        `, s.opts.Collection), query, query, topK).Scan(&rows).Error
	})
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	hits := make([]Hit, len(rows))
	for i, r := range rows {
		name := r.ImageFilename
		if name == "" {
			name = UnknownFilename
		}
		hits[i] = Hit{ID: r.ID, Distance: float32(r.Distance), Filename: name}
	}
	return hits, nil
}

func (s *PgvectorStore) Get(ctx context.Context, ids []int64) ([]Record, error) {
	if !s.Ready() {
		return nil, ErrNotReady
	}
	if len(ids) == 0 {
		return nil, nil
	}
	var rows []model.Image
	err := s.table(ctx).
		Select("id", "image_filename", "image_hash").
		Where("id = ANY(?)", pq.Array(ids)).
		Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query by ids: %w", err)
	}
	return toRecords(rows), nil
}

func (s *PgvectorStore) List(ctx context.Context, offset, limit int) ([]Record, error) {
	if !s.Ready() {
		return nil, ErrNotReady
	}
	offset, limit = clampList(offset, limit)
	var rows []model.Image
	err := s.table(ctx).
		Select("id", "image_filename", "image_hash").
		Order("id").
		Offset(offset).
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}
	return toRecords(rows), nil
}

func (s *PgvectorStore) Delete(ctx context.Context, ids []int64) error {
	if !s.Ready() {
		return ErrNotReady
	}
	if len(ids) == 0 {
		return nil
	}
	err := s.table(ctx).Where("id = ANY(?)", pq.Array(ids)).Delete(&model.Image{}).Error
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	return nil
}

func (s *PgvectorStore) Count(ctx context.Context) (int64, error) {
	if !s.Ready() {
		return 0, ErrNotReady
	}
	var count int64
	if err := s.table(ctx).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

func (s *PgvectorStore) Drop(ctx context.Context) error {
	s.ready.Store(false)
	return migrate.DropTable(s.db.WithContext(ctx), s.opts.Collection)
}

func (s *PgvectorStore) Close() error {
	s.ready.Store(false)
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toRecords(rows []model.Image) []Record {
	records := make([]Record, len(rows))
	for i, r := range rows {
		records[i] = Record{ID: r.ID, Filename: r.ImageFilename, Hash: r.ImageHash}
	}
	return records
}
