package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Brownie44l1/freshness-api/internal/inference"
)

// maxUpload bounds an uploaded or fetched image (10MB).
const maxUpload = 10 << 20

type Handler struct {
	engine *inference.Engine
	logger *zap.Logger
	client *http.Client
}

func NewHandler(engine *inference.Engine, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		engine: engine,
		logger: logger,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

// NewMux routes the API endpoints behind CORS.
func NewMux(h *Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.Health)
	mux.HandleFunc("/analyze", h.Analyze)
	return enableCORS(mux)
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "healthy"})
}

// Analyze accepts an image as a multipart "image" file, a "url" form field,
// or the raw request body, and responds with a verdict. Classification
// problems yield a degraded verdict rather than an error status.
func (h *Handler) Analyze(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUpload)
	data, source, err := h.readImage(r)
	if err != nil {
		h.logger.Info("rejected analyze request", zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	h.logger.Debug("received image", zap.String("source", source), zap.Int("bytes", len(data)))

	verdict := h.engine.Analyze(r.Context(), data, func(s inference.State) {
		h.logger.Debug("analysis state", zap.Stringer("state", s), zap.String("source", source))
	})
	writeJSON(w, verdict)
}

func (h *Handler) readImage(r *http.Request) ([]byte, string, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "multipart/form-data":
		if err := r.ParseMultipartForm(maxUpload); err != nil {
			return nil, "", errors.New("Failed to parse form")
		}
		if file, header, err := r.FormFile("image"); err == nil {
			defer file.Close()
			data, err := io.ReadAll(file)
			if err != nil {
				return nil, "", errors.New("Failed to read image file")
			}
			return data, header.Filename, nil
		}
		if u := r.FormValue("url"); u != "" {
			return h.fetch(r.Context(), u)
		}
		return nil, "", errors.New("No image provided. Use 'image' as the file field or 'url' as a form field")
	case "application/x-www-form-urlencoded":
		if u := r.FormValue("url"); u != "" {
			return h.fetch(r.Context(), u)
		}
		return nil, "", errors.New("No image url provided")
	default:
		data, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, "", errors.New("Failed to read request body")
		}
		if len(bytes.TrimSpace(data)) == 0 {
			return nil, "", errors.New("Empty request body")
		}
		return data, "body", nil
	}
}

func (h *Handler) fetch(ctx context.Context, url string) ([]byte, string, error) {
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return nil, "", errors.Errorf("Unsupported image url %q", url)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", errors.Errorf("Invalid image url %q", url)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, "", errors.Errorf("Failed to fetch image url: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", errors.Errorf("Fetching image url returned %s", resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxUpload+1))
	if err != nil {
		return nil, "", errors.Errorf("Failed to read image url: %v", err)
	}
	if len(data) > maxUpload {
		return nil, "", errors.New("Image at url exceeds 10MB")
	}
	return data, url, nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
