package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"

	"github.com/framesieve/framesieve/internal/models"
)

// Config holds all runtime settings. The similarity thresholds and budgets
// are deliberately tunable rather than constants; the shipped defaults have
// not been validated against ground-truth redundancy judgments.
type Config struct {
	DatabaseURL string `env:"DATABASE_URL" envDefault:""`
	OutputDir   string `env:"OUTPUT_DIR"   envDefault:"output_frames"`
	ListenAddr  string `env:"LISTEN_ADDR"  envDefault:":8080"`
	LogLevel    string `env:"LOG_LEVEL"    envDefault:"info"`

	TargetFrameCount     int    `env:"TARGET_FRAME_COUNT"     envDefault:"10"`
	SamplingStrategy     string `env:"SAMPLING_STRATEGY"      envDefault:"adaptive"`
	QueryAdaptiveEnabled bool   `env:"QUERY_ADAPTIVE_ENABLED" envDefault:"true"`

	HistogramThreshold float64 `env:"HISTOGRAM_THRESHOLD" envDefault:"0.98"`
	SSIMThreshold      float64 `env:"SSIM_THRESHOLD"      envDefault:"0.95"`
	MinSpacingMS       int64   `env:"MIN_SPACING_MS"      envDefault:"500"`

	EncoderURL      string `env:"ENCODER_URL"       envDefault:"http://localhost:8090"`
	EncoderModel    string `env:"ENCODER_MODEL"     envDefault:"clip-vit-b-32"`
	EncoderWorkers  int    `env:"ENCODER_WORKERS"   envDefault:"2"`
	EncodeTimeoutMS int    `env:"ENCODE_TIMEOUT_MS" envDefault:"5000"`
	QueryBudgetMS   int    `env:"QUERY_BUDGET_MS"   envDefault:"60"`

	DecodeTimeoutMS int `env:"DECODE_TIMEOUT_MS" envDefault:"30000"`

	VisionModel string `env:"VISION_MODEL" envDefault:"llama3.2-vision:11b"`
	OllamaURL   string `env:"OLLAMA_URL"   envDefault:"http://localhost"`
	OllamaPort  int    `env:"OLLAMA_PORT"  envDefault:"11434"`
}

// Load parses the environment and validates bounds.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if cfg.TargetFrameCount < 1 {
		cfg.TargetFrameCount = 1
	}
	if cfg.TargetFrameCount > 20 {
		cfg.TargetFrameCount = 20
	}

	if !models.Strategy(cfg.SamplingStrategy).Valid() {
		return nil, fmt.Errorf("unknown sampling strategy %q", cfg.SamplingStrategy)
	}

	return cfg, nil
}
