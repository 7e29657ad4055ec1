package models

import (
	"image"
	"time"

	"github.com/google/uuid"
)

// Strategy selects how candidate frames are filtered down to the final set.
type Strategy string

const (
	StrategyUniform       Strategy = "uniform"
	StrategyAdaptive      Strategy = "adaptive"
	StrategyHybrid        Strategy = "hybrid"
	StrategyMotion        Strategy = "motion"
	StrategyQueryAdaptive Strategy = "query_adaptive"
)

// Valid reports whether s is one of the known strategies.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyUniform, StrategyAdaptive, StrategyHybrid, StrategyMotion, StrategyQueryAdaptive:
		return true
	}
	return false
}

// ScoreKind identifies which scorer produced a FrameScore.
type ScoreKind string

const (
	ScoreHistogram  ScoreKind = "histogram"
	ScoreSSIM       ScoreKind = "ssim"
	ScoreMotion     ScoreKind = "motion"
	ScoreSimilarity ScoreKind = "similarity"
	ScoreUniform    ScoreKind = "uniform"
)

// CandidateFrame is a decoded frame extracted from the source clip prior to
// any selection filtering. Indices are unique and strictly increasing with
// TimestampMS.
type CandidateFrame struct {
	Index       int
	Image       image.Image
	TimestampMS int64
	Width       int
	Height      int
}

// FrameEmbedding is the persisted vector for one candidate frame, keyed by
// (EventID, FrameIndex). Vectors are L2-normalized.
type FrameEmbedding struct {
	EventID      uuid.UUID
	FrameIndex   int
	Vector       []float32
	ModelVersion string
}

// FrameScore is one scorer decision for one frame within a selection call.
type FrameScore struct {
	FrameIndex int       `json:"frame_index"`
	Score      float64   `json:"relevance_score"`
	Selected   bool      `json:"selected"`
	Kind       ScoreKind `json:"-"`
}

// SelectedFrame is one entry of the final, chronologically ordered output.
// Path is set when the frame has been persisted to disk.
type SelectedFrame struct {
	Index       int    `json:"frame_index"`
	TimestampMS int64  `json:"timestamp_ms"`
	Path        string `json:"-"`
}

// SelectionResult is the outcome of one selection invocation.
type SelectionResult struct {
	Selected          []SelectedFrame
	Scores            []FrameScore
	Strategy          Strategy
	FallbackTriggered bool
	SelectionMS       float64
	EncodeMS          float64
}

// Event is a motion event with an associated clip.
type Event struct {
	ID        uuid.UUID
	Name      string
	VideoPath string
	CreatedAt time.Time
}

// StoredFrame is the persisted metadata for one extracted frame of an event.
type StoredFrame struct {
	EventID     uuid.UUID
	Index       int
	Path        string
	TimestampMS int64
}
