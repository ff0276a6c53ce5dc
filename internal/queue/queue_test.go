package queue

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"sync"
	"sync/atomic"
	"testing"

	"heritage-backend/internal/service"
	"heritage-backend/internal/vectorstore/vectorstoretest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProduceAndConsume(t *testing.T) {
	q := NewQueue(10)
	var (
		mu  sync.Mutex
		got []any
	)
	q.RegisterConsumer("t", func(m Message) {
		mu.Lock()
		got = append(got, m.Data)
		mu.Unlock()
	}, 3)

	for i := 0; i < 5; i++ {
		assert.True(t, q.Produce("t", i))
	}
	q.Close()
	q.Wait()

	assert.ElementsMatch(t, []any{0, 1, 2, 3, 4}, got)
	assert.False(t, q.Produce("t", 5))
}

func TestProduceFull(t *testing.T) {
	q := NewQueue(2)
	assert.True(t, q.Produce("t", 1))
	assert.True(t, q.Produce("t", 2))
	assert.False(t, q.Produce("t", 3))
	assert.Equal(t, 2, q.Len("t"))
}

func TestConsumerPanicRecovered(t *testing.T) {
	q := NewQueue(10)
	var handled atomic.Int32
	q.RegisterConsumer("t", func(m Message) {
		handled.Add(1)
		if m.Data == "boom" {
			panic("boom")
		}
	}, 1)

	q.Produce("t", "boom")
	q.Produce("t", "ok")
	q.Close()
	q.Wait()
	assert.Equal(t, int32(2), handled.Load())
}

type passExtractor struct{}

func (passExtractor) Extract(context.Context, []byte, string) ([]float32, error) {
	return []float32{1, 0}, nil
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestConsumeIngestImage(t *testing.T) {
	staging, err := service.NewLocalFileService(nil, "", "/staging", t.TempDir())
	require.NoError(t, err)
	gallery, err := service.NewLocalFileService(nil, "", "/gallery", t.TempDir())
	require.NoError(t, err)
	store := vectorstoretest.NewReadyMemory(2)
	ingest := service.NewIngestService(store, passExtractor{}, gallery, 1)

	_, err = staging.Put("b1f3.png", pngBytes(t), "")
	require.NoError(t, err)
	_, err = staging.Put("junk.png", []byte("not an image"), "")
	require.NoError(t, err)

	q := NewQueue(10)
	ConsumeIngestImage(q, ingest, staging, 2)
	require.True(t, ProduceIngestImage(q, "lantern.png", "b1f3.png"))
	require.True(t, ProduceIngestImage(q, "junk.png", "junk.png"))
	require.True(t, ProduceIngestImage(q, "gone.png", "missing.png"))
	q.Produce(TopicIngestImage, "wrong payload")
	q.Close()
	q.Wait()

	records := store.Records()
	require.Len(t, records, 1)
	assert.Equal(t, "lantern.png", records[0].Filename)

	_, err = gallery.Get("lantern.png")
	assert.NoError(t, err)

	files, err := staging.List("")
	require.NoError(t, err)
	assert.Empty(t, files)
}
