// Package vectorstoretest 提供测试用的内存 Store，按暴力 L2 计算近邻。
package vectorstoretest

import (
	"context"
	"errors"
	"sort"
	"sync"

	"heritage-backend/internal/vectorstore"
)

type Memory struct {
	mu      sync.Mutex
	dim     int
	nextID  int64
	ready   bool
	records map[int64]vectorstore.Record

	// 注入错误
	EnsureErr error
	InsertErr error
	DeleteErr error
	SearchErr error
}

var _ vectorstore.Store = (*Memory)(nil)

func NewMemory(dim int) *Memory {
	return &Memory{dim: dim, nextID: 1, records: map[int64]vectorstore.Record{}}
}

// NewReadyMemory 已经 Ensure 过的实例
func NewReadyMemory(dim int) *Memory {
	m := NewMemory(dim)
	m.ready = true
	return m
}

func (m *Memory) Ensure(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.EnsureErr != nil {
		return m.EnsureErr
	}
	m.ready = true
	return nil
}

func (m *Memory) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ready
}

func (m *Memory) Exists(_ context.Context, filename, hash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.ready {
		return false, vectorstore.ErrNotReady
	}
	for _, r := range m.records {
		if r.Filename == filename || r.Hash == hash {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) Insert(_ context.Context, records []vectorstore.Record) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.ready {
		return nil, vectorstore.ErrNotReady
	}
	if m.InsertErr != nil {
		return nil, m.InsertErr
	}
	for _, r := range records {
		if len(r.Embedding) != m.dim {
			return nil, vectorstore.ErrDimensionMismatch
		}
	}
	ids := make([]int64, len(records))
	for i, r := range records {
		r.ID = m.nextID
		m.nextID++
		m.records[r.ID] = r
		ids[i] = r.ID
	}
	return ids, nil
}

func (m *Memory) Search(_ context.Context, vector []float32, topK int) ([]vectorstore.Hit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.ready {
		return nil, vectorstore.ErrNotReady
	}
	if m.SearchErr != nil {
		return nil, m.SearchErr
	}
	if len(vector) != m.dim {
		return nil, vectorstore.ErrDimensionMismatch
	}
	hits := make([]vectorstore.Hit, 0, len(m.records))
	for _, r := range m.records {
		var d float32
		for i := range vector {
			diff := vector[i] - r.Embedding[i]
			d += diff * diff
		}
		hits = append(hits, vectorstore.Hit{ID: r.ID, Distance: d, Filename: r.Filename})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Distance == hits[j].Distance {
			return hits[i].ID < hits[j].ID
		}
		return hits[i].Distance < hits[j].Distance
	})
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func (m *Memory) Get(_ context.Context, ids []int64) ([]vectorstore.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.ready {
		return nil, vectorstore.ErrNotReady
	}
	var out []vectorstore.Record
	for _, id := range ids {
		if r, ok := m.records[id]; ok {
			out = append(out, vectorstore.Record{ID: r.ID, Filename: r.Filename, Hash: r.Hash})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) List(_ context.Context, offset, limit int) ([]vectorstore.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.ready {
		return nil, vectorstore.ErrNotReady
	}
	all := make([]vectorstore.Record, 0, len(m.records))
	for _, r := range m.records {
		all = append(all, vectorstore.Record{ID: r.ID, Filename: r.Filename, Hash: r.Hash})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

func (m *Memory) Delete(_ context.Context, ids []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.ready {
		return vectorstore.ErrNotReady
	}
	if m.DeleteErr != nil {
		return m.DeleteErr
	}
	for _, id := range ids {
		delete(m.records, id)
	}
	return nil
}

func (m *Memory) Count(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.ready {
		return 0, vectorstore.ErrNotReady
	}
	return int64(len(m.records)), nil
}

func (m *Memory) Drop(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ready = false
	m.records = map[int64]vectorstore.Record{}
	return nil
}

func (m *Memory) Close() error {
	return nil
}

// StartIDsAt 之后插入的记录从 id 开始编号，用来模拟 Milvus 的大整数 id
func (m *Memory) StartIDsAt(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID = id
}

// Records 当前全部记录的快照
func (m *Memory) Records() []vectorstore.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]vectorstore.Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

var ErrInjected = errors.New("injected failure")
