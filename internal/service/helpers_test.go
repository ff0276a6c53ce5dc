package service

import (
	"bytes"
	"context"
	"hash/fnv"
	"image"
	"image/color"
	"image/png"
	"sync/atomic"
	"testing"

	"heritage-backend/internal/vectorstore/vectorstoretest"

	"github.com/stretchr/testify/require"
)

const testDim = 4

// fakeExtractor 按文件名返回固定向量，未登记的文件名落到某个 one-hot 向量上
type fakeExtractor struct {
	vectors map[string][]float32
	err     error
	calls   atomic.Int32
}

func (f *fakeExtractor) Extract(_ context.Context, _ []byte, filename string) ([]float32, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	if v, ok := f.vectors[filename]; ok {
		return append([]float32(nil), v...), nil
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(filename))
	v := make([]float32, testDim)
	v[h.Sum32()%testDim] = 1
	return v, nil
}

// pngOf 生成纯色 PNG，颜色不同则内容哈希不同
func pngOf(t *testing.T, c color.RGBA) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for x := 0; x < 4; x++ {
		for y := 0; y < 4; y++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

var (
	red   = color.RGBA{R: 255, A: 255}
	green = color.RGBA{G: 255, A: 255}
	blue  = color.RGBA{B: 255, A: 255}
)

type fixture struct {
	store     *vectorstoretest.Memory
	extractor *fakeExtractor
	gallery   *LocalFileService
	ingest    *IngestService
	search    *SearchService
	images    *GalleryService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gallery, err := NewLocalFileService(nil, "http://localhost:8000", "/gallery", t.TempDir())
	require.NoError(t, err)

	store := vectorstoretest.NewReadyMemory(testDim)
	extractor := &fakeExtractor{vectors: map[string][]float32{}}
	return &fixture{
		store:     store,
		extractor: extractor,
		gallery:   gallery,
		ingest:    NewIngestService(store, extractor, gallery, 2),
		search:    NewSearchService(store, extractor, gallery),
		images:    NewGalleryService(store, gallery),
	}
}

func (f *fixture) mustIngest(t *testing.T, name string, data []byte) int64 {
	t.Helper()
	res, err := f.ingest.Ingest(context.Background(), Candidate{Filename: name, Data: data})
	require.NoError(t, err)
	require.Equal(t, StatusInserted, res.Status)
	return res.ID
}
