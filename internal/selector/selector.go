// Package selector ranks an event's persisted frame embeddings against a
// free-text query and picks the most relevant frames. It is the on-demand
// re-analysis path: frames were extracted and embedded long before the query
// arrives.
package selector

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/framesieve/framesieve/internal/embedder"
	"github.com/framesieve/framesieve/internal/models"
	"github.com/framesieve/framesieve/internal/storage"
)

// neutralScore is assigned to frames picked by the uniform fallback, where
// no relevance signal exists.
const neutralScore = 0.5

type Selector struct {
	store   storage.Store
	encoder embedder.Encoder
	budget  time.Duration
	logger  *slog.Logger
}

func New(store storage.Store, encoder embedder.Encoder, budget time.Duration, logger *slog.Logger) *Selector {
	return &Selector{
		store:   store,
		encoder: encoder,
		budget:  budget,
		logger:  logger.With("component", "selector"),
	}
}

// SelectForQuery returns the topK frames of an event most relevant to the
// query, chronologically ordered, with the full ranked score list attached.
// Missing embeddings and encoder failures degrade to a uniform selection
// with neutral scores; only an unknown event or a frameless event fail.
func (s *Selector) SelectForQuery(ctx context.Context, eventID uuid.UUID, query string, topK int) (*models.SelectionResult, error) {
	started := time.Now()

	if _, err := s.store.GetEvent(ctx, eventID); err != nil {
		return nil, err
	}
	frames, err := s.store.ListFrames(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("%w: %s", storage.ErrNoFrames, eventID)
	}
	if topK > len(frames) {
		topK = len(frames)
	}

	embeddings, err := s.store.ListEmbeddings(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if len(embeddings) == 0 {
		s.logger.Warn("no embeddings persisted, uniform fallback", "event", eventID)
		return s.uniformFallback(frames, topK, started), nil
	}

	encodeStart := time.Now()
	queryCtx, cancel := context.WithTimeout(ctx, s.budget)
	defer cancel()
	queryVec, err := s.encoder.EncodeText(queryCtx, query)
	encodeMS := float64(time.Since(encodeStart).Microseconds()) / 1000
	if err != nil {
		s.logger.Error("query encoding failed, uniform fallback", "event", eventID, "err", err)
		result := s.uniformFallback(frames, topK, started)
		result.EncodeMS = encodeMS
		return result, nil
	}

	// Both sides are L2-normalized, so cosine reduces to a dot product.
	scores := make([]models.FrameScore, 0, len(embeddings))
	for _, emb := range embeddings {
		scores = append(scores, models.FrameScore{
			FrameIndex: emb.FrameIndex,
			Score:      embedder.Cosine(queryVec, emb.Vector),
			Kind:       models.ScoreSimilarity,
		})
	}
	sort.SliceStable(scores, func(i, j int) bool {
		if scores[i].Score != scores[j].Score {
			return scores[i].Score > scores[j].Score
		}
		return scores[i].FrameIndex < scores[j].FrameIndex
	})

	byIndex := make(map[int]models.StoredFrame, len(frames))
	for _, f := range frames {
		byIndex[f.Index] = f
	}

	var selected []models.SelectedFrame
	for i := range scores {
		if i >= topK {
			break
		}
		scores[i].Selected = true
		f, ok := byIndex[scores[i].FrameIndex]
		if !ok {
			s.logger.Warn("embedding without stored frame", "event", eventID, "frame", scores[i].FrameIndex)
			continue
		}
		selected = append(selected, models.SelectedFrame{Index: f.Index, TimestampMS: f.TimestampMS, Path: f.Path})
		s.logger.Debug("selected by query relevance", "event", eventID, "frame", f.Index, "score", scores[i].Score)
	}
	sort.Slice(selected, func(i, j int) bool { return selected[i].TimestampMS < selected[j].TimestampMS })

	return &models.SelectionResult{
		Selected:    selected,
		Scores:      scores,
		Strategy:    models.StrategyQueryAdaptive,
		SelectionMS: float64(time.Since(started).Microseconds()) / 1000,
		EncodeMS:    encodeMS,
	}, nil
}

func (s *Selector) uniformFallback(frames []models.StoredFrame, topK int, started time.Time) *models.SelectionResult {
	selected := make([]models.SelectedFrame, 0, topK)
	scores := make([]models.FrameScore, 0, topK)
	for k := 0; k < topK; k++ {
		f := frames[k*len(frames)/topK]
		selected = append(selected, models.SelectedFrame{Index: f.Index, TimestampMS: f.TimestampMS, Path: f.Path})
		scores = append(scores, models.FrameScore{
			FrameIndex: f.Index,
			Score:      neutralScore,
			Selected:   true,
			Kind:       models.ScoreSimilarity,
		})
	}
	sort.Slice(selected, func(i, j int) bool { return selected[i].TimestampMS < selected[j].TimestampMS })

	return &models.SelectionResult{
		Selected:          selected,
		Scores:            scores,
		Strategy:          models.StrategyQueryAdaptive,
		FallbackTriggered: true,
		SelectionMS:       float64(time.Since(started).Microseconds()) / 1000,
	}
}
