// Package sampler picks a content-diverse subset of candidate frames under a
// temporal-spacing constraint, falling back to uniform re-sampling when the
// clip is too static to yield enough diverse frames.
package sampler

import (
	"context"
	"log/slog"
	"sort"

	"github.com/framesieve/framesieve/internal/models"
	"github.com/framesieve/framesieve/internal/similarity"
)

// Sampler walks candidates in timestamp order and keeps a frame when it is
// visually distinct from the last kept frame. The histogram correlation acts
// as a cheap pre-filter; SSIM breaks the tie when the histogram is
// inconclusive (at or above its threshold).
// fallbackScore is recorded for frames picked by the uniform fill, where no
// similarity comparison was made.
const fallbackScore = 0.5

type Sampler struct {
	histogramThreshold float64
	ssimThreshold      float64
	minSpacingMS       int64
	logger             *slog.Logger
}

func New(histogramThreshold, ssimThreshold float64, minSpacingMS int64, logger *slog.Logger) *Sampler {
	return &Sampler{
		histogramThreshold: histogramThreshold,
		ssimThreshold:      ssimThreshold,
		minSpacingMS:       minSpacingMS,
		logger:             logger.With("component", "sampler"),
	}
}

// SelectDiverse returns min(target, len(candidates)) frames sorted by
// timestamp, the per-decision score log, and whether the uniform fallback had
// to fill slots. It never fails for lack of diverse content; the only error
// is context cancellation.
func (s *Sampler) SelectDiverse(ctx context.Context, candidates []models.CandidateFrame, target int) ([]models.CandidateFrame, []models.FrameScore, bool, error) {
	if len(candidates) == 0 || target <= 0 {
		return nil, nil, false, nil
	}
	want := target
	if len(candidates) < want {
		want = len(candidates)
	}

	// The first frame anchors the walk: it always represents the start of
	// the event.
	selected := []models.CandidateFrame{candidates[0]}
	chosen := map[int]bool{candidates[0].Index: true}
	last := candidates[0]
	s.logger.Debug("anchor selected", "frame", last.Index, "ts_ms", last.TimestampMS)

	var scores []models.FrameScore

	for i := 1; i < len(candidates) && len(selected) < want; i++ {
		if err := ctx.Err(); err != nil {
			return nil, nil, false, err
		}
		c := candidates[i]

		// Relax spacing only when skipping would leave too few candidates
		// to reach the target.
		remaining := len(candidates) - i
		needed := want - len(selected)
		elapsed := c.TimestampMS - last.TimestampMS
		if elapsed < s.minSpacingMS && remaining > needed {
			s.logger.Debug("rejected: spacing", "frame", c.Index, "elapsed_ms", elapsed, "min_spacing_ms", s.minSpacingMS)
			continue
		}

		hist := similarity.HistogramSimilarity(last.Image, c.Image)
		if hist < s.histogramThreshold {
			scores = append(scores, models.FrameScore{FrameIndex: c.Index, Score: hist, Selected: true, Kind: models.ScoreHistogram})
			s.logger.Debug("selected: histogram distinct", "frame", c.Index, "histogram", hist)
			selected = append(selected, c)
			chosen[c.Index] = true
			last = c
			continue
		}

		ssim := similarity.SSIMSimilarity(last.Image, c.Image)
		if ssim < s.ssimThreshold {
			scores = append(scores, models.FrameScore{FrameIndex: c.Index, Score: ssim, Selected: true, Kind: models.ScoreSSIM})
			s.logger.Debug("selected: ssim distinct", "frame", c.Index, "histogram", hist, "ssim", ssim)
			selected = append(selected, c)
			chosen[c.Index] = true
			last = c
			continue
		}

		scores = append(scores, models.FrameScore{FrameIndex: c.Index, Score: ssim, Selected: false, Kind: models.ScoreSSIM})
		s.logger.Debug("rejected: redundant", "frame", c.Index, "histogram", hist, "ssim", ssim)
	}

	fallback := false
	if len(selected) < want {
		fallback = true
		fill := uniformFill(candidates, chosen, want-len(selected))
		s.logger.Warn("diverse selection short, uniform fallback",
			"selected", len(selected), "target", want, "filled", len(fill))
		for _, f := range fill {
			// Fill picks carry no comparison signal; record them with a
			// neutral score so the decision log covers every kept frame.
			scores = append(scores, models.FrameScore{FrameIndex: f.Index, Score: fallbackScore, Selected: true, Kind: models.ScoreUniform})
		}
		selected = append(selected, fill...)
	}

	sort.Slice(selected, func(i, j int) bool {
		return selected[i].TimestampMS < selected[j].TimestampMS
	})
	return selected, scores, fallback, nil
}

// uniformFill picks count frames from the unselected pool, spaced as evenly
// as the pool allows.
func uniformFill(candidates []models.CandidateFrame, chosen map[int]bool, count int) []models.CandidateFrame {
	var pool []models.CandidateFrame
	for _, c := range candidates {
		if !chosen[c.Index] {
			pool = append(pool, c)
		}
	}
	if count > len(pool) {
		count = len(pool)
	}

	fill := make([]models.CandidateFrame, 0, count)
	for k := 0; k < count; k++ {
		fill = append(fill, pool[k*len(pool)/count])
	}
	return fill
}
