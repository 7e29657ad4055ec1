// Package motion estimates how much visible motion each frame carries
// relative to its predecessor, using coarse block-matching optical flow on a
// fixed grayscale downscale. The flow's mean vector magnitude is mapped to a
// 0-100 score used to rank frames.
package motion

import (
	"context"
	"image"
	"math"
	"sort"

	"golang.org/x/image/draw"

	"github.com/framesieve/framesieve/internal/models"
)

const (
	flowWidth  = 160
	flowHeight = 120

	blockSize    = 16
	searchRadius = 4

	// A frame with no predecessor gets the midpoint rather than zero so it
	// is not unfairly excluded from top-N selection.
	firstFrameScore = 50.0
)

// ScoreFrames returns one motion score per candidate, clamped to [0, 100],
// in candidate order.
func ScoreFrames(ctx context.Context, candidates []models.CandidateFrame) ([]models.FrameScore, error) {
	scores := make([]models.FrameScore, 0, len(candidates))
	var prev *image.Gray
	for i, c := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		gray := toGray(c.Image)
		score := firstFrameScore
		if i > 0 {
			score = flowScore(prev, gray)
		}
		scores = append(scores, models.FrameScore{
			FrameIndex: c.Index,
			Score:      score,
			Kind:       models.ScoreMotion,
		})
		prev = gray
	}
	return scores, nil
}

// SelectTop keeps the target highest-scoring frames and returns them in
// chronological order; motion ranking decides which frames survive, never
// the output order. Score ties break toward the lower frame index.
func SelectTop(candidates []models.CandidateFrame, scores []models.FrameScore, target int) []models.CandidateFrame {
	if target > len(candidates) {
		target = len(candidates)
	}
	if target <= 0 {
		return nil
	}

	byIndex := make(map[int]float64, len(scores))
	for _, s := range scores {
		byIndex[s.FrameIndex] = s.Score
	}

	ranked := make([]models.CandidateFrame, len(candidates))
	copy(ranked, candidates)
	sort.SliceStable(ranked, func(i, j int) bool {
		si, sj := byIndex[ranked[i].Index], byIndex[ranked[j].Index]
		if si != sj {
			return si > sj
		}
		return ranked[i].Index < ranked[j].Index
	})

	kept := ranked[:target]
	sort.Slice(kept, func(i, j int) bool {
		return kept[i].TimestampMS < kept[j].TimestampMS
	})
	return kept
}

// flowScore computes mean block displacement magnitude between two frames,
// scaled so a full-search-radius shift across the whole frame maps to 100.
func flowScore(prev, curr *image.Gray) float64 {
	maxMagnitude := math.Sqrt(2) * searchRadius
	var total float64
	var blocks int

	for by := 0; by+blockSize <= flowHeight; by += blockSize {
		for bx := 0; bx+blockSize <= flowWidth; bx += blockSize {
			dx, dy := matchBlock(prev, curr, bx, by)
			total += math.Sqrt(float64(dx*dx + dy*dy))
			blocks++
		}
	}
	if blocks == 0 {
		return 0
	}

	score := total / float64(blocks) / maxMagnitude * 100
	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}
	return score
}

// matchBlock finds the displacement within the search radius that minimizes
// the sum of absolute differences for the block at (bx, by).
func matchBlock(prev, curr *image.Gray, bx, by int) (int, int) {
	bestDX, bestDY := 0, 0
	bestSAD := blockSAD(prev, curr, bx, by, 0, 0)

	for dy := -searchRadius; dy <= searchRadius; dy++ {
		for dx := -searchRadius; dx <= searchRadius; dx++ {
			if dx == 0 && dy == 0 {
				continue
			}
			if bx+dx < 0 || by+dy < 0 || bx+dx+blockSize > flowWidth || by+dy+blockSize > flowHeight {
				continue
			}
			sad := blockSAD(prev, curr, bx, by, dx, dy)
			if sad < bestSAD {
				bestSAD = sad
				bestDX, bestDY = dx, dy
			}
		}
	}
	return bestDX, bestDY
}

func blockSAD(prev, curr *image.Gray, bx, by, dx, dy int) int {
	var sad int
	for y := 0; y < blockSize; y++ {
		prevRow := prev.Pix[(by+y)*prev.Stride+bx:]
		currRow := curr.Pix[(by+dy+y)*curr.Stride+bx+dx:]
		for x := 0; x < blockSize; x++ {
			d := int(prevRow[x]) - int(currRow[x])
			if d < 0 {
				d = -d
			}
			sad += d
		}
	}
	return sad
}

func toGray(img image.Image) *image.Gray {
	rgba := image.NewRGBA(image.Rect(0, 0, flowWidth, flowHeight))
	draw.ApproxBiLinear.Scale(rgba, rgba.Bounds(), img, img.Bounds(), draw.Src, nil)
	gray := image.NewGray(rgba.Bounds())
	draw.Draw(gray, gray.Bounds(), rgba, rgba.Bounds().Min, draw.Src)
	return gray
}
