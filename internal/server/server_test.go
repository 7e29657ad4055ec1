package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/framesieve/framesieve/internal/embedder"
	"github.com/framesieve/framesieve/internal/models"
	"github.com/framesieve/framesieve/internal/selector"
	"github.com/framesieve/framesieve/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeEncoder struct {
	vec []float32
}

func (f *fakeEncoder) EncodeImages(context.Context, []image.Image) ([][]float32, error) {
	return nil, errors.New("not used")
}

func (f *fakeEncoder) EncodeText(context.Context, string) ([]float32, error) {
	return f.vec, nil
}

func (f *fakeEncoder) ModelVersion() string { return "test-model" }

type fakeDescriber struct {
	calls int
}

func (f *fakeDescriber) Describe(_ context.Context, framePaths []string, _ string) (string, error) {
	f.calls++
	return fmt.Sprintf("described %d frames", len(framePaths)), nil
}

func basisVector(dim int) []float32 {
	v := make([]float32, embedder.Dimensions)
	v[dim] = 1
	return v
}

func seedEvent(t *testing.T, store storage.Store, frames, embeddings int) uuid.UUID {
	t.Helper()
	eventID := uuid.New()
	require.NoError(t, store.CreateEvent(context.Background(), models.Event{
		ID: eventID, Name: "porch-cam", VideoPath: "clip.mp4", CreatedAt: time.Now(),
	}))
	for i := 0; i < frames; i++ {
		require.NoError(t, store.SaveFrames(context.Background(), []models.StoredFrame{
			{EventID: eventID, Index: i, Path: fmt.Sprintf("frame_%04d.jpg", i), TimestampMS: int64(i) * 1000},
		}))
	}
	for i := 0; i < embeddings; i++ {
		require.NoError(t, store.SaveEmbeddings(context.Background(), []models.FrameEmbedding{
			{EventID: eventID, FrameIndex: i, Vector: basisVector(i), ModelVersion: "test-model"},
		}))
	}
	return eventID
}

func newTestServer(store storage.Store, describer *fakeDescriber, enabled bool) http.Handler {
	sel := selector.New(store, &fakeEncoder{vec: basisVector(3)}, 60*time.Millisecond, testLogger())
	if describer != nil {
		return New(sel, describer, enabled, testLogger()).Router()
	}
	return New(sel, nil, enabled, testLogger()).Router()
}

func doAnalyze(t *testing.T, handler http.Handler, eventID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/events/"+eventID+"/analyze", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestAnalyzeRanked(t *testing.T) {
	store := storage.NewMemoryStore()
	eventID := seedEvent(t, store, 8, 8)
	describer := &fakeDescriber{}
	handler := newTestServer(store, describer, true)

	rec := doAnalyze(t, handler, eventID.String(), analyzeRequest{Query: "package at the door", TopK: 5})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp analyzeResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, 5, resp.FramesAnalyzed)
	assert.Equal(t, "described 5 frames", resp.Description)
	assert.False(t, resp.Fallback)
	require.Len(t, resp.FrameScores, 8)
	assert.Equal(t, 3, resp.FrameScores[0].FrameIndex, "query vector matches frame 3")
	assert.True(t, resp.FrameScores[0].Selected)
	assert.Equal(t, 1, describer.calls)
}

func TestAnalyzeDefaultTopK(t *testing.T) {
	store := storage.NewMemoryStore()
	eventID := seedEvent(t, store, 8, 8)
	handler := newTestServer(store, nil, true)

	rec := doAnalyze(t, handler, eventID.String(), analyzeRequest{Query: "delivery person"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp analyzeResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, defaultTopK, resp.FramesAnalyzed)
}

func TestAnalyzeFallbackWithoutEmbeddings(t *testing.T) {
	store := storage.NewMemoryStore()
	eventID := seedEvent(t, store, 10, 0)
	handler := newTestServer(store, nil, true)

	rec := doAnalyze(t, handler, eventID.String(), analyzeRequest{Query: "package", TopK: 5})
	require.Equal(t, http.StatusOK, rec.Code, "missing embeddings is a fallback, not an error")

	var resp analyzeResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.True(t, resp.Fallback)
	assert.Equal(t, 5, resp.FramesAnalyzed)
	for _, s := range resp.FrameScores {
		assert.Equal(t, 0.5, s.Score)
	}
}

func TestAnalyzeUnknownEvent(t *testing.T) {
	handler := newTestServer(storage.NewMemoryStore(), nil, true)
	rec := doAnalyze(t, handler, uuid.NewString(), analyzeRequest{Query: "package", TopK: 5})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAnalyzeEventWithoutFrames(t *testing.T) {
	store := storage.NewMemoryStore()
	eventID := uuid.New()
	require.NoError(t, store.CreateEvent(context.Background(), models.Event{ID: eventID, CreatedAt: time.Now()}))
	handler := newTestServer(store, nil, true)

	rec := doAnalyze(t, handler, eventID.String(), analyzeRequest{Query: "package", TopK: 5})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "no frames at all is a client error, unlike no embeddings")
}

func TestAnalyzeValidation(t *testing.T) {
	store := storage.NewMemoryStore()
	eventID := seedEvent(t, store, 4, 4)
	handler := newTestServer(store, nil, true)

	tests := []struct {
		name string
		req  analyzeRequest
	}{
		{"query too short", analyzeRequest{Query: "ab", TopK: 5}},
		{"query too long", analyzeRequest{Query: string(bytes.Repeat([]byte("x"), 501)), TopK: 5}},
		{"top_k too large", analyzeRequest{Query: "package", TopK: 11}},
		{"top_k negative", analyzeRequest{Query: "package", TopK: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doAnalyze(t, handler, eventID.String(), tt.req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

// Query bounds are in characters, not bytes; multibyte queries must be
// measured by rune count on both edges.
func TestAnalyzeQueryLengthInRunes(t *testing.T) {
	store := storage.NewMemoryStore()
	eventID := seedEvent(t, store, 4, 4)
	handler := newTestServer(store, nil, true)

	rec := doAnalyze(t, handler, eventID.String(), analyzeRequest{Query: "門口", TopK: 2})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "two runes is too short even at six bytes")

	rec = doAnalyze(t, handler, eventID.String(), analyzeRequest{Query: strings.Repeat("車", 500), TopK: 2})
	assert.Equal(t, http.StatusOK, rec.Code, "500 runes is in bounds regardless of byte length")
}

func TestAnalyzeInvalidEventID(t *testing.T) {
	handler := newTestServer(storage.NewMemoryStore(), nil, true)
	rec := doAnalyze(t, handler, "not-a-uuid", analyzeRequest{Query: "package", TopK: 5})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAnalyzeDisabled(t *testing.T) {
	store := storage.NewMemoryStore()
	eventID := seedEvent(t, store, 4, 4)
	handler := newTestServer(store, nil, false)

	rec := doAnalyze(t, handler, eventID.String(), analyzeRequest{Query: "package", TopK: 2})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealthz(t *testing.T) {
	handler := newTestServer(storage.NewMemoryStore(), nil, true)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
