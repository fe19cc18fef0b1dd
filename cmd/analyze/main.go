package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/hollisdev/bookmark-topics/internal/analyzer"
	"github.com/hollisdev/bookmark-topics/internal/cache"
	"github.com/hollisdev/bookmark-topics/internal/config"
	"github.com/hollisdev/bookmark-topics/internal/fetcher"
	"github.com/hollisdev/bookmark-topics/internal/pipeline"
	"github.com/hollisdev/bookmark-topics/internal/ratelimit"
	"github.com/hollisdev/bookmark-topics/internal/store"
)

func main() {
	var (
		limit    = flag.Int("limit", 0, "Max bookmarks to process this run (0 = all)")
		provider = flag.String("provider", "", "Analyzer provider: 'gemini' or 'local' (overrides config)")
		dryRun   = flag.Bool("dry-run", false, "List bookmarks needing analysis without processing them")
	)
	flag.Parse()

	log.SetFlags(log.Ltime)

	godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *provider != "" {
		cfg.Analyzer.Provider = *provider
	}

	db, err := store.Open(cfg.Storage.DatabasePath())
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	bookmarks, err := db.ListNeedingAnalysis()
	if err != nil {
		log.Fatalf("Failed to list bookmarks: %v", err)
	}

	log.Printf("[INFO] Found %d bookmarks needing analysis", len(bookmarks))

	if *limit > 0 && len(bookmarks) > *limit {
		bookmarks = bookmarks[:*limit]
		log.Printf("[INFO] Limiting run to %d bookmarks", len(bookmarks))
	}

	if len(bookmarks) == 0 {
		log.Printf("[INFO] Nothing to do. Exiting.")
		return
	}

	if *dryRun {
		for i, bm := range bookmarks {
			fmt.Printf("[%d/%d] %s\n", i+1, len(bookmarks), bm.URL)
		}
		return
	}

	a, err := buildAnalyzer(cfg)
	if err != nil {
		log.Fatalf("Failed to build analyzer: %v", err)
	}
	log.Printf("[INFO] Using %s analyzer", a.Name())

	analysisCache, err := cache.New(db.DB, cfg.Analyzer.UseContentHash)
	if err != nil {
		log.Fatalf("Failed to open analysis cache: %v", err)
	}

	cachedCount, err := analysisCache.Len()
	if err != nil {
		log.Fatalf("Failed to read analysis cache: %v", err)
	}
	log.Printf("[INFO] Analysis cache holds %d entries", cachedCount)

	limiter, err := ratelimit.New(db.DB, a.Name(),
		cfg.Analyzer.RequestsPerMinute, cfg.Analyzer.RequestsPerDay)
	if err != nil {
		log.Fatalf("Failed to open rate limiter: %v", err)
	}

	remaining, err := limiter.Remaining()
	if err != nil {
		log.Fatalf("Failed to read quota: %v", err)
	}
	log.Printf("[INFO] %d analyzer calls remaining today", remaining)

	f := fetcher.New(fetcher.Config{
		Concurrency: cfg.Fetch.Concurrency,
		Timeout:     time.Duration(cfg.Fetch.TimeoutSeconds) * time.Second,
		MaxBytes:    cfg.Fetch.MaxBytes,
		PerHostRPS:  cfg.Fetch.PerHostRPS,
		UserAgent:   cfg.Fetch.UserAgent,
	})

	p := pipeline.New(f, a, limiter, analysisCache, db, pipeline.Config{
		Workers:             cfg.Fetch.Concurrency,
		MinTextLength:       cfg.Analyzer.MinTextLength,
		MaxTextLength:       cfg.Analyzer.MaxTextLength,
		MaxCharactersSent:   cfg.Analyzer.MaxCharactersSent,
		MaxRetries:          cfg.Analyzer.MaxRetries,
		BatchDelay:          time.Duration(cfg.Analyzer.BatchDelaySeconds * float64(time.Second)),
		TopNTopicsPerDoc:    cfg.Analyzer.TopNTopicsPerDoc,
		MinTopicProbability: cfg.Analyzer.MinTopicProbability,
		UseContentHash:      cfg.Analyzer.UseContentHash,
	})

	// Ctrl-C lets in-flight work finish but schedules nothing new
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	counts := map[pipeline.Status]int{}
	skipReasons := map[string]int{}

	for outcome := range p.Run(ctx, bookmarks) {
		counts[outcome.Status]++
		switch outcome.Status {
		case pipeline.StatusAnalyzed:
			log.Printf("[INFO] Analyzed %s (%d topics, %d keywords)",
				outcome.Bookmark.URL, len(outcome.Result.Topics), len(outcome.Result.Keywords))
		case pipeline.StatusSkipped:
			skipReasons[outcome.Reason]++
			log.Printf("[INFO] Skipped %s: %s", outcome.Bookmark.URL, outcome.Reason)
		case pipeline.StatusFailed:
			log.Printf("[WARN] Failed %s: %v", outcome.Bookmark.URL, outcome.Err)
		}
	}

	if err := p.Err(); err != nil {
		log.Fatalf("Run aborted: %v", err)
	}

	log.Printf("[INFO] Run complete: %d analyzed, %d skipped, %d failed",
		counts[pipeline.StatusAnalyzed], counts[pipeline.StatusSkipped], counts[pipeline.StatusFailed])
	for reason, n := range skipReasons {
		log.Printf("[INFO]   skipped (%s): %d", reason, n)
	}
}

func buildAnalyzer(cfg *config.Config) (analyzer.Analyzer, error) {
	switch cfg.Analyzer.Provider {
	case "gemini":
		if cfg.Analyzer.APIKey == "" {
			return nil, fmt.Errorf("no Gemini API key: set GEMINI_API_KEY")
		}
		return analyzer.NewGemini(cfg.Analyzer.APIKey, cfg.Analyzer.Model, cfg.Analyzer.TopKeywords), nil
	case "local":
		return analyzer.NewLocal(analyzer.WithTopWords(cfg.Analyzer.TopKeywords)), nil
	default:
		return nil, fmt.Errorf("unknown analyzer provider %q", cfg.Analyzer.Provider)
	}
}
