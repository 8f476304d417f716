package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Brownie44l1/depth-api/internal/cache"
	"github.com/Brownie44l1/depth-api/internal/depth"
	"github.com/Brownie44l1/depth-api/internal/tensor"
)

// rowModel predicts depth from the vertical position only.
type rowModel struct {
	calls int
}

func (m *rowModel) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	m.calls++
	b, h, w := x.Shape[0], x.Height(), x.Width()
	out := tensor.New(b, h, w)
	for i := range out.Data {
		out.Data[i] = float32((i / w) % h)
	}
	return out, nil
}

func newHandler(m depth.Model, c cache.Cache) *Handler {
	return NewHandler(depth.NewPipeline(m, zap.NewNop()), c, Config{
		ModelName: "Any_S",
		Defaults:  depth.DefaultOptions(),
	}, zap.NewNop())
}

func pngBytes(t *testing.T, w, h int) []byte {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 3), G: uint8(y * 3), B: 50, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func uploadRequest(t *testing.T, url string, content []byte) *http.Request {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("image", "test.png")
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, url, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestHealth(t *testing.T) {
	h := newHandler(&rowModel{}, nil)
	rec := httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "healthy", body["status"])
	require.Equal(t, "Any_S", body["model"])
	require.Equal(t, "fp16", body["precision"])
}

func TestPredict(t *testing.T) {
	h := newHandler(&rowModel{}, nil)

	req := PredictionRequest{Shape: []int{3, 4, 5}, Data: make([]float32, 60)}
	b, err := json.Marshal(req)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.Predict(rec, httptest.NewRequest(http.MethodPost, "/predict?int16=false", bytes.NewReader(b)))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Shape []int     `json:"shape"`
		Data  []float64 `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, []int{1, 4, 5}, resp.Shape)
	require.Len(t, resp.Data, 20)
}

func TestPredictErrors(t *testing.T) {
	h := newHandler(&rowModel{}, nil)

	rec := httptest.NewRecorder()
	h.Predict(rec, httptest.NewRequest(http.MethodGet, "/predict", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	h.Predict(rec, httptest.NewRequest(http.MethodPost, "/predict", bytes.NewReader([]byte("{"))))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	b, _ := json.Marshal(PredictionRequest{Shape: []int{4, 5}, Data: make([]float32, 20)})
	rec = httptest.NewRecorder()
	h.Predict(rec, httptest.NewRequest(http.MethodPost, "/predict", bytes.NewReader(b)))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-Id"))

	b, _ = json.Marshal(PredictionRequest{Shape: []int{3, 4, 5}, Data: make([]float32, 20)})
	rec = httptest.NewRecorder()
	h.Predict(rec, httptest.NewRequest(http.MethodPost, "/predict", bytes.NewReader(b)))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.Predict(rec, httptest.NewRequest(http.MethodPost, "/predict?flip=maybe", bytes.NewReader(b)))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	for _, req := range []PredictionRequest{
		{Shape: []int{3, -1, -1}, Data: []float32{.1, .2, .3}},
		{Shape: []int{1, 3, 0, 5}, Data: []float32{}},
		{Shape: []int{}, Data: []float32{1}},
	} {
		b, _ = json.Marshal(req)
		rec = httptest.NewRecorder()
		h.Predict(rec, httptest.NewRequest(http.MethodPost, "/predict", bytes.NewReader(b)))
		require.Equal(t, http.StatusBadRequest, rec.Code, "%v", req.Shape)
	}
}

func TestPredictFromImagePNG(t *testing.T) {
	h := newHandler(&rowModel{}, nil)
	rec := httptest.NewRecorder()
	h.PredictFromImage(rec, uploadRequest(t, "/predict/image", pngBytes(t, 24, 16)))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "image/png", rec.Header().Get("Content-Type"))

	img, err := png.Decode(rec.Body)
	require.NoError(t, err)
	require.Equal(t, image.Rect(0, 0, 24, 16), img.Bounds())
	_, ok := img.(*image.Gray16)
	require.True(t, ok)
}

func TestPredictFromImageJSON(t *testing.T) {
	h := newHandler(&rowModel{}, nil)
	rec := httptest.NewRecorder()
	h.PredictFromImage(rec, uploadRequest(t, "/predict/image?format=json&flip=false", pngBytes(t, 10, 12)))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Shape []int   `json:"shape"`
		Data  []int16 `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, []int{1, 12, 10}, resp.Shape)
}

func TestPredictFromImageRejects(t *testing.T) {
	h := newHandler(&rowModel{}, nil)

	rec := httptest.NewRecorder()
	h.PredictFromImage(rec, uploadRequest(t, "/predict/image", []byte("plain text, not an image")))
	require.Equal(t, http.StatusUnsupportedMediaType, rec.Code)

	rec = httptest.NewRecorder()
	h.PredictFromImage(rec, uploadRequest(t, "/predict/image?format=exr", pngBytes(t, 4, 4)))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.PredictFromImage(rec, httptest.NewRequest(http.MethodPost, "/predict/image", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPredictFromImageCached(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	defer s.Close()
	c := cache.NewRedisCache(redis.NewClient(&redis.Options{Addr: s.Addr()}), time.Hour)

	m := &rowModel{}
	h := newHandler(m, c)
	content := pngBytes(t, 20, 20)

	rec := httptest.NewRecorder()
	h.PredictFromImage(rec, uploadRequest(t, "/predict/image", content))
	require.Equal(t, http.StatusOK, rec.Code)
	first := rec.Body.Bytes()
	require.Equal(t, 1, m.calls)

	rec = httptest.NewRecorder()
	h.PredictFromImage(rec, uploadRequest(t, "/predict/image", content))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, first, rec.Body.Bytes())
	require.Equal(t, 1, m.calls)

	key := cache.Key("Any_S", content, depth.DefaultOptions(), "png")
	_, ok, err := c.Get(context.Background(), key)
	require.NoError(t, err)
	require.True(t, ok)
}
