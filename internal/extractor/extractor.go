// Package extractor decodes a clip into an ordered sequence of timestamped
// candidate frames. Frames are pulled from ffmpeg as a single MJPEG pipe and
// decoded in-process; nothing touches disk during extraction.
package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image/jpeg"
	"log/slog"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	ffmpeg "github.com/u2takey/ffmpeg-go"

	"github.com/framesieve/framesieve/internal/models"
)

// ErrDecode means the clip could not be opened or produced no decodable
// frames at all. A corrupt mid-stream frame is skipped, not fatal.
var ErrDecode = errors.New("video could not be decoded")

const probeMaxRetries = 3

type Extractor struct {
	logger        *slog.Logger
	decodeTimeout time.Duration
}

func New(logger *slog.Logger, decodeTimeout time.Duration) *Extractor {
	return &Extractor{
		logger:        logger.With("component", "extractor"),
		decodeTimeout: decodeTimeout,
	}
}

// Extract decodes targetCount*oversample frames evenly spaced across the
// clip duration, bounded by the number of decodable frames. Indices are
// contiguous from zero and strictly increasing with timestamp.
func (e *Extractor) Extract(ctx context.Context, videoPath string, targetCount, oversample int) ([]models.CandidateFrame, error) {
	if _, err := os.Stat(videoPath); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if oversample < 1 {
		oversample = 1
	}
	want := targetCount * oversample
	if want < 1 {
		want = 1
	}

	durationMS, totalFrames, err := e.probe(ctx, videoPath)
	if err != nil {
		return nil, fmt.Errorf("%w: probe: %v", ErrDecode, err)
	}
	if totalFrames > 0 && want > totalFrames {
		want = totalFrames
	}

	raw, err := e.decodePipe(ctx, videoPath, durationMS, want)
	if err != nil {
		return nil, err
	}

	segments := splitJPEG(raw)
	if len(segments) == 0 {
		return nil, fmt.Errorf("%w: no frames in output", ErrDecode)
	}

	frames := make([]models.CandidateFrame, 0, len(segments))
	for pos, seg := range segments {
		img, err := jpeg.Decode(bytes.NewReader(seg))
		if err != nil {
			// Mid-stream corruption: skip and continue.
			e.logger.Warn("skipping undecodable frame", "position", pos, "err", err)
			continue
		}
		b := img.Bounds()
		frames = append(frames, models.CandidateFrame{
			Index:       len(frames),
			Image:       img,
			TimestampMS: frameTimestamp(pos, want, durationMS),
			Width:       b.Dx(),
			Height:      b.Dy(),
		})
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("%w: all frames failed to decode", ErrDecode)
	}

	e.logger.Debug("extraction complete", "video", videoPath, "requested", want, "decoded", len(frames))
	return frames, nil
}

// probe returns the clip duration in milliseconds and the total video frame
// count (0 when unknown). Clips from cameras are sometimes still being
// flushed when the event fires, so the probe is retried with backoff.
func (e *Extractor) probe(ctx context.Context, videoPath string) (int64, int, error) {
	var out string
	op := func() error {
		var err error
		out, err = ffmpeg.Probe(videoPath)
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), probeMaxRetries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return 0, 0, err
	}

	var info struct {
		Format struct {
			Duration string `json:"duration"`
		} `json:"format"`
		Streams []struct {
			CodecType string `json:"codec_type"`
			NBFrames  string `json:"nb_frames"`
		} `json:"streams"`
	}
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		return 0, 0, fmt.Errorf("parse probe output: %w", err)
	}

	seconds, err := strconv.ParseFloat(info.Format.Duration, 64)
	if err != nil || seconds <= 0 {
		return 0, 0, fmt.Errorf("clip has no usable duration")
	}

	totalFrames := 0
	for _, s := range info.Streams {
		if s.CodecType == "video" {
			if n, err := strconv.Atoi(s.NBFrames); err == nil {
				totalFrames = n
			}
			break
		}
	}
	return int64(seconds * 1000), totalFrames, nil
}

func (e *Extractor) decodePipe(ctx context.Context, videoPath string, durationMS int64, want int) ([]byte, error) {
	rate := float64(want) / (float64(durationMS) / 1000)

	var buf bytes.Buffer
	cmd := ffmpeg.Input(videoPath).
		Filter("fps", ffmpeg.Args{strconv.FormatFloat(rate, 'f', 6, 64)}).
		Output("pipe:", ffmpeg.KwArgs{
			"format":  "image2pipe",
			"vcodec":  "mjpeg",
			"vframes": want,
			"q:v":     2,
		}).
		WithOutput(&buf).
		Silent(true).
		Compile()

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start ffmpeg: %v", ErrDecode, err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	decodeCtx, cancel := context.WithTimeout(ctx, e.decodeTimeout)
	defer cancel()

	select {
	case err := <-done:
		if err != nil && buf.Len() == 0 {
			return nil, fmt.Errorf("%w: ffmpeg: %v", ErrDecode, err)
		}
		if err != nil {
			// Partial output is usable; the splitter drops the torn tail.
			e.logger.Warn("ffmpeg exited with error, using partial output", "err", err)
		}
	case <-decodeCtx.Done():
		_ = cmd.Process.Kill()
		<-done
		return nil, fmt.Errorf("%w: decode timed out: %v", ErrDecode, decodeCtx.Err())
	}
	return buf.Bytes(), nil
}

// frameTimestamp maps an output slot to its clip offset. The fps filter
// emits frame i at i/rate seconds.
func frameTimestamp(pos, want int, durationMS int64) int64 {
	return int64(math.Round(float64(pos) * float64(durationMS) / float64(want)))
}

// splitJPEG slices a concatenated MJPEG byte stream into individual JPEG
// images by SOI/EOI markers. A trailing segment without an EOI is dropped.
func splitJPEG(data []byte) [][]byte {
	var segments [][]byte
	soi := []byte{0xFF, 0xD8}
	eoi := []byte{0xFF, 0xD9}

	for {
		start := bytes.Index(data, soi)
		if start < 0 {
			break
		}
		rel := bytes.Index(data[start+2:], eoi)
		if rel < 0 {
			break
		}
		end := start + 2 + rel + 2
		segments = append(segments, data[start:end])
		data = data[end:]
	}
	return segments
}
