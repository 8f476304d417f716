package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gofrs/uuid"
	"go.uber.org/zap"

	"github.com/Brownie44l1/depth-api/internal/cache"
	"github.com/Brownie44l1/depth-api/internal/depth"
	"github.com/Brownie44l1/depth-api/internal/imageio"
	"github.com/Brownie44l1/depth-api/internal/tensor"
)

var allowedTypes = []string{
	"image/jpeg", "image/png", "image/gif", "image/bmp", "image/tiff", "image/webp",
}

type Config struct {
	ModelName     string
	Defaults      depth.Options
	MaxUploadSize int64
	MaxInputSide  int
}

type Handler struct {
	pipeline *depth.Pipeline
	cache    cache.Cache
	cfg      Config
	logger   *zap.Logger
}

// NewHandler builds the HTTP handlers. c may be nil to disable caching.
func NewHandler(pipeline *depth.Pipeline, c cache.Cache, cfg Config, logger *zap.Logger) *Handler {
	if cfg.MaxUploadSize <= 0 {
		cfg.MaxUploadSize = 10 << 20
	}
	return &Handler{
		pipeline: pipeline,
		cache:    c,
		cfg:      cfg,
		logger:   logger,
	}
}

// PredictionRequest is a raw tensor: shape (3,H,W) or (B,3,H,W), values in [0,1].
type PredictionRequest struct {
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

type PredictionResponse struct {
	Shape []int `json:"shape"`
	Data  any   `json:"data"`
}

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id"`
}

func (h *Handler) requestLogger(w http.ResponseWriter, r *http.Request) (*zap.Logger, string) {
	id, err := uuid.NewV4()
	if err != nil {
		return h.logger, ""
	}
	w.Header().Set("X-Request-Id", id.String())
	return h.logger.With(zap.String("request_id", id.String()), zap.String("path", r.URL.Path)), id.String()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, requestID, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, RequestID: requestID})
}

// inferStatus maps caller errors to 400 and everything else to 500.
func inferStatus(err error) int {
	if errors.Is(err, depth.ErrInvalidRank) || errors.Is(err, tensor.ErrShapeMismatch) ||
		errors.Is(err, depth.ErrUnsupportedPlacement) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// options applies query overrides (flip, low_vram, amp, int16) to the defaults.
func (h *Handler) options(r *http.Request) (depth.Options, error) {
	opts := h.cfg.Defaults
	q := r.URL.Query()
	for name, dst := range map[string]*bool{
		"flip":     &opts.FlipAug,
		"low_vram": &opts.LowVRAM,
		"amp":      &opts.EnableAMP,
		"int16":    &opts.Int16,
	} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return opts, fmt.Errorf("invalid value for %s: %q", name, v)
		}
		*dst = b
	}
	return opts, nil
}

func response(out *depth.Output) PredictionResponse {
	if out.Int16 != nil {
		return PredictionResponse{Shape: out.Int16.Shape, Data: out.Int16.Data}
	}
	return PredictionResponse{Shape: out.Float.Shape, Data: out.Float.Data}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"model":     h.cfg.ModelName,
		"precision": string(h.pipeline.Precision()),
	})
}

func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	logger, requestID := h.requestLogger(w, r)
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, requestID, "Method not allowed")
		return
	}

	opts, err := h.options(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, requestID, err.Error())
		return
	}

	var req PredictionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.cfg.MaxUploadSize*4)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, requestID, "Invalid JSON")
		return
	}

	x, err := tensor.FromData(req.Data, req.Shape...)
	if err != nil {
		writeError(w, http.StatusBadRequest, requestID, err.Error())
		return
	}

	out, err := h.pipeline.Infer(x, opts)
	if err != nil {
		logger.Error("prediction failed", zap.Error(err))
		writeError(w, inferStatus(err), requestID, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, response(out))
}

func isAllowed(mime *mimetype.MIME) bool {
	for _, t := range allowedTypes {
		if mime.Is(t) {
			return true
		}
	}
	return false
}

// PredictFromImage accepts a multipart upload in the "image" field and
// returns a 16-bit PNG depth map, or JSON with ?format=json.
func (h *Handler) PredictFromImage(w http.ResponseWriter, r *http.Request) {
	logger, requestID := h.requestLogger(w, r)
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, requestID, "Method not allowed")
		return
	}

	opts, err := h.options(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, requestID, err.Error())
		return
	}
	format := strings.ToLower(r.URL.Query().Get("format"))
	if format == "" {
		format = "png"
	}
	if format != "png" && format != "json" {
		writeError(w, http.StatusBadRequest, requestID, fmt.Sprintf("unknown format %q", format))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxUploadSize)
	if err := r.ParseMultipartForm(h.cfg.MaxUploadSize); err != nil {
		writeError(w, http.StatusBadRequest, requestID, "Failed to parse form")
		return
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, requestID, "No image file provided. Use 'image' as the form field name")
		return
	}
	defer file.Close()

	body, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, requestID, "Failed to read image")
		return
	}

	mime := mimetype.Detect(body)
	if !isAllowed(mime) {
		writeError(w, http.StatusUnsupportedMediaType, requestID,
			fmt.Sprintf("Unsupported image type %s", mime.String()))
		return
	}

	logger.Info("received image",
		zap.String("filename", header.Filename),
		zap.Int64("size", header.Size),
		zap.String("mime", mime.String()))

	key := cache.Key(h.cfg.ModelName, body, opts, format)
	if h.cache != nil {
		cached, ok, err := h.cache.Get(r.Context(), key)
		if err != nil {
			logger.Warn("cache lookup failed", zap.Error(err))
		} else if ok {
			logger.Debug("serving cached depth map")
			h.writeEncoded(w, format, cached)
			return
		}
	}

	img, _, err := imageio.Decode(bytes.NewReader(body), h.cfg.MaxInputSide)
	if err != nil {
		writeError(w, http.StatusBadRequest, requestID, "Invalid image")
		return
	}

	out, err := h.pipeline.InferImage(img, opts)
	if err != nil {
		logger.Error("prediction failed", zap.Error(err))
		writeError(w, inferStatus(err), requestID, "Prediction failed")
		return
	}

	var buf bytes.Buffer
	if format == "png" {
		err = imageio.EncodeDepthPNG(&buf, out)
	} else {
		err = json.NewEncoder(&buf).Encode(response(out))
	}
	if err != nil {
		logger.Error("failed to encode depth map", zap.Error(err))
		writeError(w, http.StatusInternalServerError, requestID, "Failed to encode depth map")
		return
	}

	if h.cache != nil {
		if err := h.cache.Set(r.Context(), key, buf.Bytes()); err != nil {
			logger.Warn("cache store failed", zap.Error(err))
		}
	}
	h.writeEncoded(w, format, buf.Bytes())
}

func (h *Handler) writeEncoded(w http.ResponseWriter, format string, b []byte) {
	if format == "png" {
		w.Header().Set("Content-Type", "image/png")
	} else {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(http.StatusOK)
	w.Write(b)
}
