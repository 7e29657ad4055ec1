package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/framesieve/framesieve/internal/config"
	"github.com/framesieve/framesieve/internal/describe"
	"github.com/framesieve/framesieve/internal/embedder"
	"github.com/framesieve/framesieve/internal/extractor"
	"github.com/framesieve/framesieve/internal/metrics"
	"github.com/framesieve/framesieve/internal/models"
	"github.com/framesieve/framesieve/internal/orchestrator"
	"github.com/framesieve/framesieve/internal/sampler"
	"github.com/framesieve/framesieve/internal/selector"
	"github.com/framesieve/framesieve/internal/server"
	"github.com/framesieve/framesieve/internal/storage"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	level := slog.LevelInfo
	if cfg.LogLevel == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: "15:04:05",
		}),
	)

	// Parse command line arguments
	videoPath := ""
	serveAddr := ""
	strategy := cfg.SamplingStrategy

	for i := 1; i < len(os.Args); i++ {
		switch os.Args[i] {
		case "--video":
			if i+1 < len(os.Args) {
				videoPath = os.Args[i+1]
				i++
			}
		case "--strategy":
			if i+1 < len(os.Args) {
				strategy = os.Args[i+1]
				i++
			}
		case "--serve":
			serveAddr = cfg.ListenAddr
			if i+1 < len(os.Args) && !strings.HasPrefix(os.Args[i+1], "--") {
				serveAddr = os.Args[i+1]
				i++
			}
		}
	}

	if videoPath == "" && serveAddr == "" {
		fmt.Println("Usage: framesieve --video path/to/clip.mp4 [--strategy adaptive] | --serve [addr]")
		os.Exit(1)
	}

	if !models.Strategy(strategy).Valid() {
		log.Fatalf("Unknown strategy %q", strategy)
	}

	// Storage: Postgres when configured, in-memory otherwise.
	var store storage.Store
	if cfg.DatabaseURL != "" {
		if err := storage.InitSchema(ctx, cfg.DatabaseURL); err != nil {
			log.Fatalf("Failed to initialize database schema: %v", err)
		}
		pg, err := storage.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to connect to storage: %v", err)
		}
		defer pg.Close()
		store = pg
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory store")
		store = storage.NewMemoryStore()
	}

	encoder := embedder.NewHTTPEncoder(
		cfg.EncoderURL,
		cfg.EncoderModel,
		cfg.EncoderWorkers,
		time.Duration(cfg.EncodeTimeoutMS)*time.Millisecond,
		logger,
	)

	m := metrics.New(prometheus.DefaultRegisterer)
	ext := extractor.New(logger, time.Duration(cfg.DecodeTimeoutMS)*time.Millisecond)
	smp := sampler.New(cfg.HistogramThreshold, cfg.SSIMThreshold, cfg.MinSpacingMS, logger)
	orch := orchestrator.New(ext, smp, encoder, store, m, cfg.OutputDir, logger)
	sel := selector.New(store, encoder, time.Duration(cfg.QueryBudgetMS)*time.Millisecond, logger)

	if videoPath != "" {
		event := models.Event{
			ID:        uuid.New(),
			Name:      strings.TrimSuffix(filepath.Base(videoPath), filepath.Ext(videoPath)),
			VideoPath: videoPath,
			CreatedAt: time.Now(),
		}
		logger.Info("processing event", "event", event.ID, "video", videoPath, "strategy", strategy)

		result, err := orch.ProcessEvent(ctx, event, models.Strategy(strategy), cfg.TargetFrameCount)
		if err != nil {
			logger.Error("event processing failed", "err", err)
			os.Exit(1)
		}
		logger.Info("event processed",
			"event", event.ID,
			"frames", len(result.Selected),
			"fallback", result.FallbackTriggered,
			"selection_ms", result.SelectionMS,
			"encode_ms", result.EncodeMS)
	}

	if serveAddr != "" {
		var describer describe.Describer
		d, err := describe.NewOllamaDescriber(ctx, cfg.OllamaURL, cfg.OllamaPort, cfg.VisionModel, logger)
		if err != nil {
			logger.Warn("vision describer unavailable, responses will omit descriptions", "err", err)
		} else {
			describer = d
		}

		srv := server.New(sel, describer, cfg.QueryAdaptiveEnabled, logger)
		logger.Info("serving re-analysis API", "addr", serveAddr)
		if err := http.ListenAndServe(serveAddr, srv.Router()); err != nil {
			logger.Error("server stopped", "err", err)
			os.Exit(1)
		}
	}
}
