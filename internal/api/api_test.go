package api

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"heritage-backend/internal/queue"
	"heritage-backend/internal/service"
	"heritage-backend/internal/vectorstore/vectorstoretest"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type colorExtractor struct{}

// Extract 用图片平均颜色作为向量
func (colorExtractor) Extract(_ context.Context, data []byte, _ string) ([]float32, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	r, g, b, _ := img.At(0, 0).RGBA()
	return service.Normalize([]float32{float32(r), float32(g), float32(b) + 1}), nil
}

type testEnv struct {
	app     *fiber.App
	store   *vectorstoretest.Memory
	ingest  *service.IngestService
	gallery *service.LocalFileService
	staging *service.LocalFileService
	uploads *service.LocalFileService
	queue   *queue.Queue
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	views, err := NewViews()
	require.NoError(t, err)
	app := fiber.New(fiber.Config{Views: views})
	app.Use(RequestLogger())

	gallery, err := service.NewLocalFileService(app, "http://test", "/gallery", t.TempDir())
	require.NoError(t, err)
	uploads, err := service.NewLocalFileService(app, "http://test", "/uploads", t.TempDir())
	require.NoError(t, err)
	staging, err := service.NewLocalFileService(nil, "", "", t.TempDir())
	require.NoError(t, err)

	store := vectorstoretest.NewReadyMemory(3)
	extractor := colorExtractor{}
	ingest := service.NewIngestService(store, extractor, gallery, 2)
	search := service.NewSearchService(store, extractor, gallery)
	images := service.NewGalleryService(store, gallery)
	q := queue.NewQueue(10)

	RegisterPageRoutes(app, search, store.Ready, uploads)
	RegisterSearchRoutes(app, search, store.Ready, uploads)
	RegisterUploadRoutes(app, ingest, store.Ready, staging, q)
	RegisterImageRoutes(app, images)
	RegisterStatsRoutes(app, images, "heritage", "memory")

	return &testEnv{app: app, store: store, ingest: ingest, gallery: gallery, staging: staging, uploads: uploads, queue: q}
}

func pngOf(t *testing.T, c color.RGBA) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	for x := 0; x < 2; x++ {
		for y := 0; y < 2; y++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type part struct {
	field, filename string
	data            []byte
}

func multipartRequest(t *testing.T, method, target string, fields map[string]string, parts ...part) *http.Request {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	for _, p := range parts {
		fw, err := w.CreateFormFile(p.field, p.filename)
		require.NoError(t, err)
		_, err = fw.Write(p.data)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(method, target, &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func do(t *testing.T, app *fiber.App, req *http.Request) (int, []byte) {
	t.Helper()
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, body
}

func (e *testEnv) seed(t *testing.T, name string, c color.RGBA) int64 {
	t.Helper()
	res, err := e.ingest.Ingest(context.Background(), service.Candidate{Filename: name, Data: pngOf(t, c)})
	require.NoError(t, err)
	return res.ID
}

var (
	red   = color.RGBA{R: 255, A: 255}
	green = color.RGBA{G: 255, A: 255}
	blue  = color.RGBA{B: 255, A: 255}
)

func TestSearchAPI(t *testing.T) {
	e := newTestEnv(t)
	e.seed(t, "red.png", red)
	e.seed(t, "green.png", green)

	req := multipartRequest(t, http.MethodPost, "/api/search", map[string]string{"topK": "1"},
		part{"image", "query.png", pngOf(t, red)})
	status, body := do(t, e.app, req)
	require.Equal(t, http.StatusOK, status, string(body))

	var out struct {
		Count         int             `json:"count"`
		QueryImageURL string          `json:"queryImageUrl"`
		Results       []service.Match `json:"results"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, 1, out.Count)
	assert.True(t, strings.HasPrefix(out.QueryImageURL, "http://test/uploads/"))
	assert.True(t, strings.HasSuffix(out.QueryImageURL, ".png"))
	require.Len(t, out.Results, 1)
	assert.Equal(t, "red.png", out.Results[0].Filename)
	assert.Equal(t, "http://test/gallery/red.png", out.Results[0].ImageURL)
	assert.InDelta(t, 100, out.Results[0].Similarity, 1e-3)

	files, err := e.uploads.List("")
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestSearchAPIErrors(t *testing.T) {
	e := newTestEnv(t)

	status, _ := do(t, e.app, multipartRequest(t, http.MethodPost, "/api/search", nil))
	assert.Equal(t, http.StatusBadRequest, status)

	status, body := do(t, e.app, multipartRequest(t, http.MethodPost, "/api/search", nil,
		part{"image", "doc.pdf", []byte("%PDF")}))
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, string(body), "file type not allowed")

	status, _ = do(t, e.app, multipartRequest(t, http.MethodPost, "/api/search", nil,
		part{"image", "broken.png", []byte("nope")}))
	assert.Equal(t, http.StatusBadRequest, status)

	require.NoError(t, e.store.Drop(context.Background()))
	before, err := e.uploads.List("")
	require.NoError(t, err)
	status, body = do(t, e.app, multipartRequest(t, http.MethodPost, "/api/search", nil,
		part{"image", "q.png", pngOf(t, red)}))
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Contains(t, string(body), "collection not loaded")

	// 未就绪时不保存查询图片
	after, err := e.uploads.List("")
	require.NoError(t, err)
	assert.Len(t, after, len(before))
}

func TestUploadPage(t *testing.T) {
	e := newTestEnv(t)
	e.seed(t, "lantern.png", red)

	status, body := do(t, e.app, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), `name="top_k"`)

	status, body = do(t, e.app, multipartRequest(t, http.MethodPost, "/upload", map[string]string{"top_k": "99"},
		part{"file", "query.png", pngOf(t, red)}))
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "lantern.png")
	assert.Contains(t, string(body), "100.00%")

	status, body = do(t, e.app, multipartRequest(t, http.MethodPost, "/upload", nil,
		part{"file", "a.exe", []byte("MZ")}))
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, string(body), "file type not allowed")

	require.NoError(t, e.store.Drop(context.Background()))
	status, body = do(t, e.app, multipartRequest(t, http.MethodPost, "/upload", nil,
		part{"file", "q.png", pngOf(t, red)}))
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Contains(t, string(body), "collection not loaded")
}

func TestUploadImagesQueued(t *testing.T) {
	e := newTestEnv(t)
	e.seed(t, "existing.png", blue)
	queue.ConsumeIngestImage(e.queue, e.ingest, e.staging, 1)

	req := multipartRequest(t, http.MethodPost, "/api/images", nil,
		part{"files", "shadow puppet.png", pngOf(t, red)},
		part{"files", "copy.png", pngOf(t, blue)},
		part{"files", "notes.txt", []byte("hi")},
	)
	status, body := do(t, e.app, req)
	require.Equal(t, http.StatusAccepted, status, string(body))

	var out struct {
		Queued   []queuedFile   `json:"queued"`
		Skipped  []string       `json:"skipped"`
		Rejected []rejectedFile `json:"rejected"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	require.Len(t, out.Queued, 1)
	assert.Equal(t, "shadow_puppet.png", out.Queued[0].Stored)
	assert.Equal(t, []string{"copy.png"}, out.Skipped)
	require.Len(t, out.Rejected, 1)
	assert.Equal(t, "notes.txt", out.Rejected[0].Filename)

	e.queue.Close()
	e.queue.Wait()

	records := e.store.Records()
	require.Len(t, records, 2)
	assert.Equal(t, "shadow_puppet.png", records[1].Filename)

	staged, err := e.staging.List("")
	require.NoError(t, err)
	assert.Empty(t, staged)
}

func TestUploadImagesSync(t *testing.T) {
	e := newTestEnv(t)

	req := multipartRequest(t, http.MethodPost, "/api/images?sync=true", nil,
		part{"files", "a.png", pngOf(t, red)},
		part{"files", "b.png", pngOf(t, red)},
	)
	status, body := do(t, e.app, req)
	require.Equal(t, http.StatusOK, status, string(body))

	var out service.BatchResult
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, 1, out.Inserted)
	assert.Equal(t, 1, out.Skipped)
	assert.Len(t, e.store.Records(), 1)
}

func TestUploadImagesNoFiles(t *testing.T) {
	e := newTestEnv(t)
	status, _ := do(t, e.app, multipartRequest(t, http.MethodPost, "/api/images", nil))
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestListImages(t *testing.T) {
	e := newTestEnv(t)
	e.seed(t, "a.png", red)
	e.seed(t, "b.png", green)
	e.seed(t, "c.png", blue)

	status, body := do(t, e.app, httptest.NewRequest(http.MethodGet, "/api/images?page=2&pageSize=2", nil))
	require.Equal(t, http.StatusOK, status)

	var page service.ImagePage
	require.NoError(t, json.Unmarshal(body, &page))
	assert.Equal(t, int64(3), page.Total)
	require.Len(t, page.Images, 1)
	assert.Equal(t, "c.png", page.Images[0].Filename)

	status, body = do(t, e.app, httptest.NewRequest(http.MethodGet, "/api/images?page=abc", nil))
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(body, &page))
	assert.Equal(t, 1, page.Page)
	assert.Len(t, page.Images, 3)
}

func deleteRequest(body string) *http.Request {
	req := httptest.NewRequest(http.MethodDelete, "/api/images", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestDeleteImages(t *testing.T) {
	e := newTestEnv(t)
	a := e.seed(t, "a.png", red)
	e.seed(t, "b.png", green)

	status, body := do(t, e.app, deleteRequest(`{"ids": [`+jsonInt(a)+`, "x"]}`))
	require.Equal(t, http.StatusOK, status, string(body))
	var res service.DeleteResult
	require.NoError(t, json.Unmarshal(body, &res))
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.DeletedCount)
	assert.Equal(t, 1, res.FilesRemoved)
	assert.Len(t, res.Errors, 1)
	assert.Len(t, e.store.Records(), 1)

	status, body = do(t, e.app, deleteRequest(`{"ids": ["abc", -1, 2.5]}`))
	assert.Equal(t, http.StatusBadRequest, status)
	require.NoError(t, json.Unmarshal(body, &res))
	assert.False(t, res.Success)
	assert.Len(t, res.Errors, 3)

	status, body = do(t, e.app, httptest.NewRequest(http.MethodDelete, "/api/images?ids=999", nil))
	assert.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(body, &res))
	assert.True(t, res.Success)
	assert.Zero(t, res.DeletedCount)

	status, _ = do(t, e.app, deleteRequest(`{"ids": `))
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestDeleteImagesLargeIDs(t *testing.T) {
	e := newTestEnv(t)
	// 超过 2^53，float64 无法精确表示
	e.store.StartIDsAt(449876543210987653)
	id := e.seed(t, "a.png", red)
	require.Equal(t, int64(449876543210987653), id)

	status, body := do(t, e.app, deleteRequest(`{"ids": [449876543210987653]}`))
	require.Equal(t, http.StatusOK, status, string(body))
	var res service.DeleteResult
	require.NoError(t, json.Unmarshal(body, &res))
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.DeletedCount)
	assert.Empty(t, res.Errors)
	assert.Empty(t, e.store.Records())
}

func TestDeleteImagesStringIDs(t *testing.T) {
	e := newTestEnv(t)
	e.store.StartIDsAt(449876543210987653)
	e.seed(t, "a.png", red)

	status, body := do(t, e.app, deleteRequest(`{"ids": ["449876543210987653"]}`))
	require.Equal(t, http.StatusOK, status, string(body))
	assert.Empty(t, e.store.Records())
}

func jsonInt(id int64) string {
	b, _ := json.Marshal(id)
	return string(b)
}

func TestStatsAndHealth(t *testing.T) {
	e := newTestEnv(t)
	e.seed(t, "a.png", red)

	status, body := do(t, e.app, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"collection":"heritage","backend":"memory","count":1}`, string(body))

	status, _ = do(t, e.app, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, status)

	require.NoError(t, e.store.Drop(context.Background()))
	status, _ = do(t, e.app, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, status)
	status, _ = do(t, e.app, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	assert.Equal(t, http.StatusServiceUnavailable, status)
}
