package embedder

import (
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/draw"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPreprocessQuery(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"short fragment templated", "package", "a photo of package"},
		{"trimmed and lowercased", "  Package  ", "a photo of package"},
		{"three tokens templated", "person at door", "a photo of person at door"},
		{"four tokens untouched", "a person at the", "a person at the"},
		{"long query lowercased", "Someone Delivering A Large Box", "someone delivering a large box"},
		{"empty stays empty", "   ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PreprocessQuery(tt.in))
		})
	}
}

func TestPreprocessQueryTruncates(t *testing.T) {
	long := strings.TrimSpace(strings.Repeat("word ", 120))
	got := PreprocessQuery(long)
	assert.Len(t, strings.Fields(got), maxQueryTokens)
}

func TestNormalize(t *testing.T) {
	v := Normalize([]float32{3, 4})
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, sum, 1e-6)

	zero := []float32{0, 0, 0}
	assert.Equal(t, zero, Normalize(zero))
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float32{0, 1}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, Cosine([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.Equal(t, 0.0, Cosine([]float32{1}, []float32{1, 2}), "mismatched lengths")
}

func fixedVector(seed float32) []float32 {
	v := make([]float32, Dimensions)
	for i := range v {
		v[i] = seed + float32(i)*0.001
	}
	return v
}

func newBackend(t *testing.T, textVec []float32, perImage func(n int) [][]float32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		var out embedResponse
		switch r.URL.Path {
		case "/embed/text":
			out.Embeddings = [][]float32{textVec}
		case "/embed/images":
			out.Embeddings = perImage(len(req.Images))
		default:
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(out)
	}))
}

func TestEncodeTextNormalizedAndDeterministic(t *testing.T) {
	backend := newBackend(t, fixedVector(0.5), nil)
	defer backend.Close()

	e := NewHTTPEncoder(backend.URL, "clip-test", 2, time.Second, testLogger())
	a, err := e.EncodeText(context.Background(), "package")
	require.NoError(t, err)
	b, err := e.EncodeText(context.Background(), "package")
	require.NoError(t, err)

	require.Len(t, a, Dimensions)
	assert.Equal(t, a, b, "identical query must yield bit-identical vectors")

	var sum float64
	for _, x := range a {
		sum += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, sum, 1e-5)
}

func TestEncodeImagesBatch(t *testing.T) {
	backend := newBackend(t, nil, func(n int) [][]float32 {
		out := make([][]float32, n)
		for i := range out {
			out[i] = fixedVector(float32(i))
		}
		return out
	})
	defer backend.Close()

	imgs := make([]image.Image, 3)
	for i := range imgs {
		img := image.NewRGBA(image.Rect(0, 0, 16, 16))
		draw.Draw(img, img.Bounds(), &image.Uniform{C: color.RGBA{R: uint8(i * 80), A: 255}}, image.Point{}, draw.Src)
		imgs[i] = img
	}

	e := NewHTTPEncoder(backend.URL, "clip-test", 2, time.Second, testLogger())
	vectors, err := e.EncodeImages(context.Background(), imgs)
	require.NoError(t, err)
	require.Len(t, vectors, 3)
	for _, v := range vectors {
		require.Len(t, v, Dimensions)
	}
}

func TestBackendFailureIsUnavailable(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model loading", http.StatusServiceUnavailable)
	}))
	defer backend.Close()

	e := NewHTTPEncoder(backend.URL, "clip-test", 1, time.Second, testLogger())
	_, err := e.EncodeText(context.Background(), "person")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestBackendUnreachableIsUnavailable(t *testing.T) {
	e := NewHTTPEncoder("http://127.0.0.1:1", "clip-test", 1, 200*time.Millisecond, testLogger())
	_, err := e.EncodeText(context.Background(), "person")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestWrongDimensionsIsUnavailable(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(embedResponse{Embeddings: [][]float32{{1, 2, 3}}})
	}))
	defer backend.Close()

	e := NewHTTPEncoder(backend.URL, "clip-test", 1, time.Second, testLogger())
	_, err := e.EncodeText(context.Background(), "person")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestEncodeImagesEmpty(t *testing.T) {
	e := NewHTTPEncoder("http://127.0.0.1:1", "clip-test", 1, time.Second, testLogger())
	vectors, err := e.EncodeImages(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, vectors)
}

func TestCosineRangeOnNormalizedVectors(t *testing.T) {
	a := Normalize(fixedVector(0.2))
	b := Normalize(fixedVector(0.9))
	got := Cosine(a, b)
	assert.False(t, math.IsNaN(got))
	assert.GreaterOrEqual(t, got, -1.0)
	assert.LessOrEqual(t, got, 1.0)
}
