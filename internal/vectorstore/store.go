// Package vectorstore 封装向量数据库（Milvus / pgvector）的读写。
//
// ANN 索引和检索完全由后端完成，这里只负责建表建索引、去重查询、
// 插入、检索结果整理和删除。
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

const (
	FieldID        = "id"
	FieldEmbedding = "embedding"
	FieldFilename  = "image_filename"
	FieldHash      = "image_hash"

	MaxFilenameLen = 255
	MaxHashLen     = 64

	// UnknownFilename 检索结果缺少文件名时的占位
	UnknownFilename = "unknown"

	// Milvus 的 query 在无过滤条件时必须带 limit
	MaxListLimit = 1000
)

var (
	ErrNotReady          = errors.New("collection not loaded")
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// Record 集合中的一条图片记录
type Record struct {
	ID        int64
	Filename  string
	Hash      string
	Embedding []float32
}

// Hit 一条近邻结果，Distance 为 L2 距离的平方（与 Milvus 返回值一致），越小越相似
type Hit struct {
	ID       int64
	Distance float32
	Filename string
}

type Options struct {
	Collection string
	Dim        int
	NList      int
	NProbe     int
}

// Store 向量库接口；除 Ensure / Drop / Close 外，未就绪时返回 ErrNotReady
type Store interface {
	// Ensure 集合不存在则创建，缺索引则建 IVF_FLAT(L2)，最后加载
	Ensure(ctx context.Context) error
	Ready() bool

	// Exists 文件名或哈希任一相同即视为已存在
	Exists(ctx context.Context, filename, hash string) (bool, error)
	// Insert 插入并 flush，返回自动生成的 id
	Insert(ctx context.Context, records []Record) ([]int64, error)
	Search(ctx context.Context, vector []float32, topK int) ([]Hit, error)
	Get(ctx context.Context, ids []int64) ([]Record, error)
	List(ctx context.Context, offset, limit int) ([]Record, error)
	Delete(ctx context.Context, ids []int64) error
	Count(ctx context.Context) (int64, error)

	Drop(ctx context.Context) error
	Close() error
}

func validateRecords(records []Record, dim int) error {
	for i, r := range records {
		if len(r.Embedding) != dim {
			return fmt.Errorf("record %d (%s): %w: got %d, want %d",
				i, r.Filename, ErrDimensionMismatch, len(r.Embedding), dim)
		}
		if r.Filename == "" || len(r.Filename) > MaxFilenameLen {
			return fmt.Errorf("record %d: filename length must be 1..%d", i, MaxFilenameLen)
		}
		if r.Hash == "" || len(r.Hash) > MaxHashLen {
			return fmt.Errorf("record %d (%s): hash length must be 1..%d", i, r.Filename, MaxHashLen)
		}
	}
	return nil
}

func clampList(offset, limit int) (int, int) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 || limit > MaxListLimit {
		limit = MaxListLimit
	}
	return offset, limit
}

// quote 生成 Milvus 表达式里的字符串字面量
func quote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(s) + `"`
}

func existsExpr(filename, hash string) string {
	return fmt.Sprintf("%s == %s or %s == %s", FieldFilename, quote(filename), FieldHash, quote(hash))
}

func idsExpr(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return fmt.Sprintf("%s in [%s]", FieldID, strings.Join(parts, ", "))
}

func sortRecords(records []Record) {
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
}
