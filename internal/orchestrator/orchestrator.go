// Package orchestrator sequences extraction, scoring and selection per
// event and enforces the output invariants: the final set always holds
// min(target, available) frames and is always chronologically ordered.
package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/framesieve/framesieve/internal/embedder"
	"github.com/framesieve/framesieve/internal/metrics"
	"github.com/framesieve/framesieve/internal/models"
	"github.com/framesieve/framesieve/internal/motion"
	"github.com/framesieve/framesieve/internal/sampler"
	"github.com/framesieve/framesieve/internal/storage"
)

// hybridOversample is how many raw candidates the hybrid and motion
// strategies extract per requested output frame.
const hybridOversample = 3

// FrameSource decodes a clip into candidate frames.
type FrameSource interface {
	Extract(ctx context.Context, videoPath string, targetCount, oversample int) ([]models.CandidateFrame, error)
}

type Orchestrator struct {
	source    FrameSource
	sampler   *sampler.Sampler
	encoder   embedder.Encoder
	store     storage.Store
	metrics   *metrics.Metrics
	outputDir string
	logger    *slog.Logger
}

func New(source FrameSource, smp *sampler.Sampler, encoder embedder.Encoder, store storage.Store, m *metrics.Metrics, outputDir string, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		source:    source,
		sampler:   smp,
		encoder:   encoder,
		store:     store,
		metrics:   m,
		outputDir: outputDir,
		logger:    logger.With("component", "orchestrator"),
	}
}

// Select runs one extraction-time strategy against a clip. It returns the
// result, the selected frames (with pixel data) for the downstream consumer,
// and the full candidate pool for embedding persistence.
func (o *Orchestrator) Select(ctx context.Context, videoPath string, strategy models.Strategy, target int) (*models.SelectionResult, []models.CandidateFrame, []models.CandidateFrame, error) {
	started := time.Now()

	var (
		candidates []models.CandidateFrame
		selected   []models.CandidateFrame
		scores     []models.FrameScore
		fallback   bool
		err        error
	)

	switch strategy {
	case models.StrategyUniform:
		candidates, err = o.source.Extract(ctx, videoPath, target, 1)
		if err != nil {
			return nil, nil, nil, err
		}
		selected = candidates

	case models.StrategyAdaptive:
		candidates, err = o.source.Extract(ctx, videoPath, target, 1)
		if err != nil {
			return nil, nil, nil, err
		}
		selected, scores, fallback, err = o.sampler.SelectDiverse(ctx, candidates, target)
		if err != nil {
			return nil, nil, nil, err
		}

	case models.StrategyHybrid:
		candidates, err = o.source.Extract(ctx, videoPath, target, hybridOversample)
		if err != nil {
			return nil, nil, nil, err
		}
		selected, scores, fallback, err = o.sampler.SelectDiverse(ctx, candidates, target)
		if err != nil {
			return nil, nil, nil, err
		}
		if len(selected) > target {
			// Spacing relaxation can overshoot; motion ranking decides
			// which frames survive the trim.
			motionScores, merr := motion.ScoreFrames(ctx, selected)
			if merr != nil {
				return nil, nil, nil, merr
			}
			selected = motion.SelectTop(selected, motionScores, target)
			scores = append(scores, motionScores...)
		}

	case models.StrategyMotion:
		candidates, err = o.source.Extract(ctx, videoPath, target, hybridOversample)
		if err != nil {
			return nil, nil, nil, err
		}
		scores, err = motion.ScoreFrames(ctx, candidates)
		if err != nil {
			return nil, nil, nil, err
		}
		selected = motion.SelectTop(candidates, scores, target)
		kept := make(map[int]bool, len(selected))
		for _, f := range selected {
			kept[f.Index] = true
		}
		for i := range scores {
			scores[i].Selected = kept[scores[i].FrameIndex]
		}

	default:
		return nil, nil, nil, fmt.Errorf("strategy %q is not an extraction-time strategy", strategy)
	}

	selected = o.enforceCount(selected, candidates, target, strategy)
	sort.Slice(selected, func(i, j int) bool { return selected[i].TimestampMS < selected[j].TimestampMS })

	result := &models.SelectionResult{
		Selected:          toSelected(selected),
		Scores:            scores,
		Strategy:          strategy,
		FallbackTriggered: fallback,
		SelectionMS:       float64(time.Since(started).Microseconds()) / 1000,
	}

	o.observe(result)
	o.logger.Info("selection complete",
		"strategy", strategy,
		"candidates", len(candidates),
		"selected", len(selected),
		"fallback", fallback,
		"selection_ms", result.SelectionMS)

	return result, selected, candidates, nil
}

// ProcessEvent is the full extraction-time pipeline for one motion event:
// decode, select, persist frame metadata, then batch-encode embeddings for
// every candidate. Embedding failure degrades; it never aborts the event.
func (o *Orchestrator) ProcessEvent(ctx context.Context, event models.Event, strategy models.Strategy, target int) (*models.SelectionResult, error) {
	if strategy == models.StrategyQueryAdaptive {
		return nil, fmt.Errorf("query_adaptive requires a persisted event and a query, not extraction")
	}

	result, _, candidates, err := o.Select(ctx, event.VideoPath, strategy, target)
	if err != nil {
		return nil, err
	}

	// All candidates are re-extracted state owned by this invocation; only
	// what is persisted below survives it. A cancelled event persists
	// nothing.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := o.store.CreateEvent(ctx, event); err != nil {
		return nil, err
	}
	if err := o.persistFrames(ctx, event, candidates); err != nil {
		return nil, err
	}

	encodeStart := time.Now()
	if err := o.persistEmbeddings(ctx, event, candidates); err != nil {
		// Recoverable: query-adaptive requests fall back to uniform later.
		o.logger.Warn("embedding generation unavailable, continuing without", "event", event.ID, "err", err)
	}
	result.EncodeMS = float64(time.Since(encodeStart).Microseconds()) / 1000
	if o.metrics != nil {
		o.metrics.EncodeDuration.Observe(time.Since(encodeStart).Seconds())
	}

	return result, nil
}

func (o *Orchestrator) persistFrames(ctx context.Context, event models.Event, frames []models.CandidateFrame) error {
	framesDir := filepath.Join(o.outputDir, event.ID.String())
	if err := os.MkdirAll(framesDir, 0755); err != nil {
		return fmt.Errorf("failed to create frame directory '%s': %w", framesDir, err)
	}

	stored := make([]models.StoredFrame, 0, len(frames))
	for _, f := range frames {
		path := filepath.Join(framesDir, fmt.Sprintf("frame_%04d.jpg", f.Index))
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, f.Image, &jpeg.Options{Quality: 85}); err != nil {
			return fmt.Errorf("failed to encode frame %d: %w", f.Index, err)
		}
		if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
			return fmt.Errorf("failed to save frame %d: %w", f.Index, err)
		}
		stored = append(stored, models.StoredFrame{
			EventID:     event.ID,
			Index:       f.Index,
			Path:        path,
			TimestampMS: f.TimestampMS,
		})
	}
	return o.store.SaveFrames(ctx, stored)
}

func (o *Orchestrator) persistEmbeddings(ctx context.Context, event models.Event, frames []models.CandidateFrame) error {
	if o.encoder == nil {
		return embedder.ErrUnavailable
	}

	images := make([]image.Image, 0, len(frames))
	for _, f := range frames {
		images = append(images, f.Image)
	}

	vectors, err := o.encoder.EncodeImages(ctx, images)
	if err != nil {
		return err
	}
	// Cancelled mid-encode: abandon, never persist partial results.
	if err := ctx.Err(); err != nil {
		return err
	}

	embeddings := make([]models.FrameEmbedding, 0, len(vectors))
	for i, v := range vectors {
		embeddings = append(embeddings, models.FrameEmbedding{
			EventID:      event.ID,
			FrameIndex:   frames[i].Index,
			Vector:       v,
			ModelVersion: o.encoder.ModelVersion(),
		})
	}
	return o.store.SaveEmbeddings(ctx, embeddings)
}

// enforceCount is the final guard on the count invariant. It should never
// fire; a violation is a selection bug, repaired by even trim or fill so the
// downstream consumer still receives a valid set.
func (o *Orchestrator) enforceCount(selected, candidates []models.CandidateFrame, target int, strategy models.Strategy) []models.CandidateFrame {
	want := target
	if len(candidates) < want {
		want = len(candidates)
	}
	if len(selected) == want {
		return selected
	}

	o.logger.Error("count invariant violated, repairing",
		"strategy", strategy, "selected", len(selected), "want", want)

	if len(selected) > want {
		trimmed := make([]models.CandidateFrame, 0, want)
		for k := 0; k < want; k++ {
			trimmed = append(trimmed, selected[k*len(selected)/want])
		}
		return trimmed
	}

	chosen := make(map[int]bool, len(selected))
	for _, f := range selected {
		chosen[f.Index] = true
	}
	for _, c := range candidates {
		if len(selected) == want {
			break
		}
		if !chosen[c.Index] {
			selected = append(selected, c)
		}
	}
	return selected
}

func (o *Orchestrator) observe(result *models.SelectionResult) {
	if o.metrics == nil {
		return
	}
	o.metrics.SelectionDuration.WithLabelValues(string(result.Strategy)).Observe(result.SelectionMS / 1000)
	o.metrics.FramesSelected.WithLabelValues(string(result.Strategy)).Observe(float64(len(result.Selected)))
	if result.FallbackTriggered {
		o.metrics.FallbackTotal.WithLabelValues(string(result.Strategy)).Inc()
	}
}

func toSelected(frames []models.CandidateFrame) []models.SelectedFrame {
	out := make([]models.SelectedFrame, 0, len(frames))
	for _, f := range frames {
		out = append(out, models.SelectedFrame{Index: f.Index, TimestampMS: f.TimestampMS})
	}
	return out
}
