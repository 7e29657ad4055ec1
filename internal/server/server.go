// Package server exposes the on-demand re-analysis endpoint: given an event
// that was extracted and embedded earlier, rank its frames against a query
// and hand the winners to the image-understanding collaborator.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/framesieve/framesieve/internal/describe"
	"github.com/framesieve/framesieve/internal/models"
	"github.com/framesieve/framesieve/internal/selector"
	"github.com/framesieve/framesieve/internal/storage"
)

const (
	minQueryLen = 3
	maxQueryLen = 500
	defaultTopK = 5
	maxTopK     = 10
)

type Server struct {
	selector  *selector.Selector
	describer describe.Describer
	enabled   bool
	logger    *slog.Logger
}

func New(sel *selector.Selector, describer describe.Describer, queryAdaptiveEnabled bool, logger *slog.Logger) *Server {
	return &Server{
		selector:  sel,
		describer: describer,
		enabled:   queryAdaptiveEnabled,
		logger:    logger.With("component", "server"),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Post("/api/events/{eventID}/analyze", s.handleAnalyze)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}

type analyzeRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k"`
}

type analyzeResponse struct {
	Description     string              `json:"description"`
	FramesAnalyzed  int                 `json:"frames_analyzed"`
	FrameScores     []models.FrameScore `json:"frame_scores"`
	SelectionTimeMS float64             `json:"selection_time_ms"`
	AnalysisTimeMS  float64             `json:"analysis_time_ms"`
	Fallback        bool                `json:"fallback_triggered"`
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if !s.enabled {
		s.writeError(w, http.StatusServiceUnavailable, "query-adaptive selection is disabled")
		return
	}

	eventID, err := uuid.Parse(chi.URLParam(r, "eventID"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid event id")
		return
	}

	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if n := utf8.RuneCountInString(req.Query); n < minQueryLen || n > maxQueryLen {
		s.writeError(w, http.StatusBadRequest, "query must be 3-500 characters")
		return
	}
	if req.TopK == 0 {
		req.TopK = defaultTopK
	}
	if req.TopK < 1 || req.TopK > maxTopK {
		s.writeError(w, http.StatusBadRequest, "top_k must be 1-10")
		return
	}

	result, err := s.selector.SelectForQuery(r.Context(), eventID, req.Query, req.TopK)
	if errors.Is(err, storage.ErrEventNotFound) {
		s.writeError(w, http.StatusNotFound, "event not found")
		return
	}
	if errors.Is(err, storage.ErrNoFrames) {
		s.writeError(w, http.StatusBadRequest, "event has no frames")
		return
	}
	if err != nil {
		s.logger.Error("selection failed", "event", eventID, "err", err)
		s.writeError(w, http.StatusInternalServerError, "selection failed")
		return
	}

	description := ""
	var analysisMS float64
	if s.describer != nil {
		paths := make([]string, 0, len(result.Selected))
		for _, f := range result.Selected {
			if f.Path != "" {
				paths = append(paths, f.Path)
			}
		}
		analysisStart := time.Now()
		description, err = s.describer.Describe(r.Context(), paths, req.Query)
		analysisMS = float64(time.Since(analysisStart).Microseconds()) / 1000
		if err != nil {
			// The selection itself succeeded; report it with an empty
			// description rather than failing the request.
			s.logger.Error("description failed", "event", eventID, "err", err)
			description = ""
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(analyzeResponse{
		Description:     description,
		FramesAnalyzed:  len(result.Selected),
		FrameScores:     result.Scores,
		SelectionTimeMS: result.SelectionMS,
		AnalysisTimeMS:  analysisMS,
		Fallback:        result.FallbackTriggered,
	})
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
