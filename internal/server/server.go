// Package server exposes the embedding pipeline over HTTP.
package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/facevector/face-embedding-service/embeddings"
	"github.com/facevector/face-embedding-service/internal/imageutil"
	"github.com/facevector/face-embedding-service/models"
)

// maxUploadBytes caps multipart uploads.
const maxUploadBytes = 10 << 20

// Embedder is the slice of the embedding pipeline the handlers use.
type Embedder interface {
	InferTimed(img image.Image, box models.BoundingBox, timings *models.EmbeddingTimings) (*embeddings.Embedding, error)
}

// Pool is the server's view of an embedder pool.
type Pool interface {
	Acquire(ctx context.Context) (Embedder, error)
	Release(e Embedder)
	Stats() embeddings.PoolStats
	Size() int
}

// PoolAdapter exposes an embeddings.Pool through the Pool interface.
type PoolAdapter struct {
	Pool *embeddings.Pool
}

func (a PoolAdapter) Acquire(ctx context.Context) (Embedder, error) {
	e, err := a.Pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (a PoolAdapter) Release(e Embedder) {
	if concrete, ok := e.(*embeddings.Embedder); ok {
		a.Pool.Release(concrete)
	}
}

func (a PoolAdapter) Stats() embeddings.PoolStats { return a.Pool.Stats() }
func (a PoolAdapter) Size() int                   { return a.Pool.Size() }

// Server routes embedding requests onto a pool of embedders.
type Server struct {
	router *mux.Router
	pool   Pool
	log    *logrus.Logger
}

// New builds the HTTP surface on top of pool. A nil log falls back to the
// logrus standard logger.
func New(pool Pool, log *logrus.Logger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}

	s := &Server{
		router: mux.NewRouter(),
		pool:   pool,
		log:    log,
	}

	s.router.HandleFunc("/v1/embeddings", s.handleEmbed).Methods("POST")
	s.router.HandleFunc("/v1/similarity", s.handleSimilarity).Methods("POST")
	s.addMonitoringRoutes(s.router)

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type embedRequest struct {
	Image      string              `json:"image"`
	Box        *models.BoundingBox `json:"box,omitempty"`
	Normalized bool                `json:"normalized,omitempty"`
}

type embedResponse struct {
	RequestID string    `json:"request_id"`
	Dim       int       `json:"dim"`
	Embedding []float32 `json:"embedding"`
}

type similarityRequest struct {
	A embedRequest `json:"a"`
	B embedRequest `json:"b"`
}

type similarityResponse struct {
	RequestID  string  `json:"request_id"`
	Dim        int     `json:"dim"`
	Similarity float64 `json:"similarity"`
}

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type parsedInput struct {
	data       []byte
	box        *models.BoundingBox
	normalized bool
}

func (s *Server) handleEmbed(w http.ResponseWriter, r *http.Request) {
	startTotal := time.Now()
	requestID := uuid.New().String()
	timings := &models.EmbeddingTimings{RequestID: requestID}

	input, err := parseEmbedInput(r)
	if err != nil {
		sendErrorResponse(w, "invalid_request", err.Error(), http.StatusBadRequest)
		return
	}

	// Decode image
	decodeStart := time.Now()
	img, err := imageutil.Decode(input.data)
	timings.ImageDecode = time.Since(decodeStart)
	if err != nil {
		sendErrorResponse(w, "invalid_image", "failed to decode image", http.StatusBadRequest)
		return
	}

	// Acquire an embedder from the pool
	embedder, err := s.pool.Acquire(r.Context())
	if err != nil {
		sendErrorResponse(w, "pool_exhausted", err.Error(), http.StatusServiceUnavailable)
		return
	}
	defer s.pool.Release(embedder)

	emb, err := embedder.InferTimed(img, resolveBox(img, input), timings)
	if err != nil {
		code, status := classifyError(err)
		sendErrorResponse(w, code, err.Error(), status)
		return
	}

	timings.Total = time.Since(startTotal)
	s.logTimings(timings)

	writeJSON(w, http.StatusOK, embedResponse{
		RequestID: requestID,
		Dim:       emb.Dim(),
		Embedding: emb.Vector(),
	})
}

func (s *Server) handleSimilarity(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()

	var req similarityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendErrorResponse(w, "invalid_request", err.Error(), http.StatusBadRequest)
		return
	}

	embedder, err := s.pool.Acquire(r.Context())
	if err != nil {
		sendErrorResponse(w, "pool_exhausted", err.Error(), http.StatusServiceUnavailable)
		return
	}
	defer s.pool.Release(embedder)

	first, err := s.embedOne(embedder, req.A, requestID)
	if err != nil {
		code, status := classifyError(err)
		sendErrorResponse(w, code, fmt.Sprintf("a: %v", err), status)
		return
	}
	second, err := s.embedOne(embedder, req.B, requestID)
	if err != nil {
		code, status := classifyError(err)
		sendErrorResponse(w, code, fmt.Sprintf("b: %v", err), status)
		return
	}

	score, err := embeddings.CosineSimilarity(first.Vector(), second.Vector())
	if err != nil {
		sendErrorResponse(w, "processing_error", err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, similarityResponse{
		RequestID:  requestID,
		Dim:        first.Dim(),
		Similarity: score,
	})
}

// embedOne decodes and embeds one side of a similarity request.
func (s *Server) embedOne(embedder Embedder, req embedRequest, requestID string) (*embeddings.Embedding, error) {
	data, err := base64.StdEncoding.DecodeString(req.Image)
	if err != nil {
		return nil, newRequestError("invalid base64 image: %v", err)
	}

	img, err := imageutil.Decode(data)
	if err != nil {
		return nil, newRequestError("failed to decode image")
	}

	timings := &models.EmbeddingTimings{RequestID: requestID}
	emb, err := embedder.InferTimed(img, resolveBox(img, parsedInput{box: req.Box, normalized: req.Normalized}), timings)
	if err != nil {
		return nil, err
	}
	s.logTimings(timings)
	return emb, nil
}

// requestError marks malformed request payloads so classifyError can map
// them to a 400.
type requestError struct{ msg string }

func (e *requestError) Error() string { return e.msg }

func newRequestError(format string, args ...interface{}) error {
	return &requestError{msg: fmt.Sprintf(format, args...)}
}

func (s *Server) addMonitoringRoutes(r *mux.Router) {
	r.HandleFunc("/v1/metrics", s.handleMetrics).Methods("GET")
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	stats := s.pool.Stats()
	response := map[string]interface{}{
		"pool_size":          s.pool.Size(),
		"available":          stats.Available,
		"embedders_in_use":   stats.InUse,
		"total_acquired":     stats.TotalAcquired,
		"total_released":     stats.TotalReleased,
		"acquire_failures":   stats.AcquireFailures,
		"total_wait_time_ms": stats.WaitTime.Milliseconds(),
	}

	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// parseEmbedInput extracts the image bytes and optional box from the
// request. JSON and multipart bodies carry an explicit box; a raw body
// embeds the full frame.
func parseEmbedInput(r *http.Request) (parsedInput, error) {
	contentType := r.Header.Get("Content-Type")

	switch {
	case strings.HasPrefix(contentType, "application/json"):
		return parseJSONInput(r)
	case strings.HasPrefix(contentType, "multipart/form-data"):
		return parseMultipartInput(r)
	default:
		data, err := io.ReadAll(r.Body)
		if err != nil {
			return parsedInput{}, err
		}
		return parsedInput{data: data}, nil
	}
}

func parseJSONInput(r *http.Request) (parsedInput, error) {
	var req embedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return parsedInput{}, err
	}

	data, err := base64.StdEncoding.DecodeString(req.Image)
	if err != nil {
		return parsedInput{}, fmt.Errorf("invalid base64 image: %w", err)
	}

	return parsedInput{data: data, box: req.Box, normalized: req.Normalized}, nil
}

func parseMultipartInput(r *http.Request) (parsedInput, error) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		return parsedInput{}, err
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		return parsedInput{}, err
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return parsedInput{}, err
	}

	input := parsedInput{data: data}
	if boxJSON := r.FormValue("box"); boxJSON != "" {
		var box models.BoundingBox
		if err := json.Unmarshal([]byte(boxJSON), &box); err != nil {
			return parsedInput{}, fmt.Errorf("invalid box field: %w", err)
		}
		input.box = &box
	}
	input.normalized = r.FormValue("normalized") == "true"

	return input, nil
}

// resolveBox turns the optional request box into absolute pixels. A missing
// box selects the full frame.
func resolveBox(img image.Image, input parsedInput) models.BoundingBox {
	bounds := img.Bounds()
	if input.box == nil {
		return models.BoundingBox{XMax: float64(bounds.Dx()), YMax: float64(bounds.Dy())}
	}
	if input.normalized {
		return input.box.Scale(float64(bounds.Dx()), float64(bounds.Dy()))
	}
	return *input.box
}

// classifyError maps pipeline failures onto an error code and HTTP status.
func classifyError(err error) (string, int) {
	var reqErr *requestError
	if errors.As(err, &reqErr) {
		return "invalid_request", http.StatusBadRequest
	}

	code := embeddings.CodeOf(err)
	switch code {
	case embeddings.CodeInvalidRegion, embeddings.CodeUnsupportedShape:
		return string(code), http.StatusBadRequest
	case "":
		return "processing_error", http.StatusInternalServerError
	default:
		return string(code), http.StatusInternalServerError
	}
}

func (s *Server) logTimings(t *models.EmbeddingTimings) {
	s.log.Debugf("[Server] RequestID: %s - Processing times:\n"+
		"\tImage Decode: %v\n"+
		"\tCrop:         %v\n"+
		"\tPreprocess:   %v\n"+
		"\tInference:    %v\n"+
		"\tNormalize:    %v\n"+
		"\tTotal:        %v",
		t.RequestID,
		t.ImageDecode,
		t.Crop,
		t.Preprocess,
		t.Inference,
		t.Normalize,
		t.Total)
}

func sendErrorResponse(w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Code:    code,
		Message: message,
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
