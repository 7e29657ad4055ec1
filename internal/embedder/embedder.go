// Package embedder encodes frames and free-text queries into one shared,
// L2-normalized 512-dimension vector space via a local CLIP inference
// sidecar. The loaded model is not safe under unbounded concurrency, so all
// calls pass through a weighted semaphore and frames are batched per call.
package embedder

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"
)

// Dimensions is the width of the shared image/text vector space.
const Dimensions = 512

// maxQueryTokens matches the CLIP text encoder context length.
const maxQueryTokens = 77

// shortQueryTokens is the length at or below which a query is wrapped in a
// photo template; bare fragments like "package" encode poorly unformatted.
const shortQueryTokens = 3

// ErrUnavailable means the inference backend failed or timed out. Callers
// treat it as recoverable: the pipeline continues without embeddings.
var ErrUnavailable = errors.New("embedding backend unavailable")

// Encoder produces vectors in the shared image/text space.
type Encoder interface {
	EncodeImages(ctx context.Context, images []image.Image) ([][]float32, error)
	EncodeText(ctx context.Context, query string) ([]float32, error)
	ModelVersion() string
}

// HTTPEncoder talks to a CLIP sidecar exposing /embed/images and
// /embed/text.
type HTTPEncoder struct {
	baseURL string
	model   string
	client  *http.Client
	sem     *semaphore.Weighted
	timeout time.Duration
	logger  *slog.Logger
}

func NewHTTPEncoder(baseURL, model string, workers int, timeout time.Duration, logger *slog.Logger) *HTTPEncoder {
	if workers < 1 {
		workers = 1
	}
	return &HTTPEncoder{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client:  &http.Client{Timeout: timeout},
		sem:     semaphore.NewWeighted(int64(workers)),
		timeout: timeout,
		logger:  logger.With("component", "embedder"),
	}
}

func (e *HTTPEncoder) ModelVersion() string { return e.model }

type embedRequest struct {
	Model  string   `json:"model"`
	Images []string `json:"images,omitempty"`
	Text   string   `json:"text,omitempty"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// EncodeImages embeds the whole batch in one backend call; batching
// amortizes model-load and per-call overhead versus per-frame requests.
func (e *HTTPEncoder) EncodeImages(ctx context.Context, images []image.Image) ([][]float32, error) {
	if len(images) == 0 {
		return nil, nil
	}

	payload := make([]string, 0, len(images))
	for _, img := range images {
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85}); err != nil {
			return nil, fmt.Errorf("encode frame to jpeg: %w", err)
		}
		payload = append(payload, base64.StdEncoding.EncodeToString(buf.Bytes()))
	}

	vectors, err := e.post(ctx, "/embed/images", embedRequest{Model: e.model, Images: payload})
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(images) {
		return nil, fmt.Errorf("%w: got %d embeddings for %d images", ErrUnavailable, len(vectors), len(images))
	}
	return vectors, nil
}

func (e *HTTPEncoder) EncodeText(ctx context.Context, query string) ([]float32, error) {
	vectors, err := e.post(ctx, "/embed/text", embedRequest{Model: e.model, Text: PreprocessQuery(query)})
	if err != nil {
		return nil, err
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("%w: got %d embeddings for one query", ErrUnavailable, len(vectors))
	}
	return vectors[0], nil
}

func (e *HTTPEncoder) post(ctx context.Context, path string, req embedRequest) ([][]float32, error) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer e.sem.Release(1)

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, e.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: backend returned %s", ErrUnavailable, resp.Status)
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}

	for i, v := range out.Embeddings {
		if len(v) != Dimensions {
			return nil, fmt.Errorf("%w: embedding %d has %d dimensions, want %d", ErrUnavailable, i, len(v), Dimensions)
		}
		out.Embeddings[i] = Normalize(v)
	}
	return out.Embeddings, nil
}

// PreprocessQuery trims and lowercases the query, wraps very short queries in
// a templated phrase to bias the encoder toward a visually-groundable
// description, and truncates to the encoder's token limit.
func PreprocessQuery(query string) string {
	query = strings.ToLower(strings.TrimSpace(query))
	tokens := strings.Fields(query)
	if len(tokens) == 0 {
		return query
	}
	if len(tokens) <= shortQueryTokens {
		return "a photo of " + strings.Join(tokens, " ")
	}
	if len(tokens) > maxQueryTokens {
		tokens = tokens[:maxQueryTokens]
	}
	return strings.Join(tokens, " ")
}

// Normalize scales v to unit L2 length. A zero vector is returned unchanged.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	norm := float32(math.Sqrt(sum))
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x / norm
	}
	return out
}

// Cosine returns the cosine similarity of two vectors. For already
// normalized vectors this is just the dot product.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}
