// Package pipeline drives bookmarks through fetch, cache, rate limit, and
// analysis, producing one outcome per bookmark. One bookmark's failure never
// halts the batch; an exhausted daily quota ends the run early with the
// remaining bookmarks skipped.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/hollisdev/bookmark-topics/internal/analyzer"
	"github.com/hollisdev/bookmark-topics/internal/fetcher"
	"github.com/hollisdev/bookmark-topics/internal/ratelimit"
	"github.com/hollisdev/bookmark-topics/internal/store"
)

// Status classifies a bookmark's terminal state within one run
type Status string

const (
	StatusAnalyzed Status = "analyzed"
	StatusSkipped  Status = "skipped"
	StatusFailed   Status = "failed"
)

// Skip reasons
const (
	ReasonCached         = "cached"
	ReasonTextTooShort   = "text too short"
	ReasonTextTooLong    = "text too long"
	ReasonQuotaExhausted = "quota exhausted"
)

// Outcome is the terminal result for one bookmark
type Outcome struct {
	Bookmark store.Bookmark
	Status   Status
	Reason   string           // Set for StatusSkipped
	Err      error            // Set for StatusFailed
	Result   *analyzer.Result // Set for StatusAnalyzed and cached skips
}

// Fetcher retrieves page text for a URL
type Fetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// Limiter gates analyzer calls
type Limiter interface {
	Acquire(ctx context.Context) error
}

// Cache persists analysis results across runs
type Cache interface {
	Key(url, text string) string
	Get(key string) (*analyzer.Result, bool, error)
	Put(key, url string, result *analyzer.Result) error
}

// Store receives per-bookmark analysis results
type Store interface {
	UpdateAnalysis(url string, topics []analyzer.Topic, keywords []string) error
}

// Config holds pipeline settings
type Config struct {
	Workers             int
	MinTextLength       int
	MaxTextLength       int
	MaxCharactersSent   int
	MaxRetries          int
	BatchDelay          time.Duration
	TopNTopicsPerDoc    int
	MinTopicProbability float64
	UseContentHash      bool // Cache keys include a sample of fetched text
}

// Pipeline is the batch orchestrator
type Pipeline struct {
	fetcher  Fetcher
	analyzer analyzer.Analyzer
	limiter  Limiter
	cache    Cache
	store    Store
	cfg      Config

	quotaExhausted bool
	quotaMu        sync.Mutex

	fatalMu  sync.Mutex
	fatalErr error
}

// New creates a pipeline
func New(f Fetcher, a analyzer.Analyzer, l Limiter, c Cache, s Store, cfg Config) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.TopNTopicsPerDoc <= 0 {
		cfg.TopNTopicsPerDoc = 3
	}
	return &Pipeline{
		fetcher:  f,
		analyzer: a,
		limiter:  l,
		cache:    c,
		store:    s,
		cfg:      cfg,
	}
}

// Run processes bookmarks through a bounded worker pool and streams one
// outcome per bookmark. Outcomes may arrive out of input order. After the
// channel closes, Err reports whether the run was cut short by a
// persistence failure.
func (p *Pipeline) Run(ctx context.Context, bookmarks []store.Bookmark) <-chan Outcome {
	jobs := make(chan store.Bookmark)
	outcomes := make(chan Outcome, len(bookmarks))

	runCtx, cancel := context.WithCancel(ctx)

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for bm := range jobs {
				outcomes <- p.processOne(runCtx, bm)
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, bm := range bookmarks {
			select {
			case jobs <- bm:
			case <-runCtx.Done():
				// Cancelled or fatal: the rest are never scheduled
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		cancel()
		close(outcomes)
	}()

	return outcomes
}

// Err returns the persistence failure that aborted the run, if any.
// Valid after the outcome channel has closed.
func (p *Pipeline) Err() error {
	p.fatalMu.Lock()
	defer p.fatalMu.Unlock()
	return p.fatalErr
}

// fatal records a cache or rate-limit persistence failure. Enforcement can
// no longer be trusted, so the whole run stops.
func (p *Pipeline) fatal(err error) {
	p.fatalMu.Lock()
	if p.fatalErr == nil {
		p.fatalErr = err
	}
	p.fatalMu.Unlock()
}

func (p *Pipeline) isQuotaExhausted() bool {
	p.quotaMu.Lock()
	defer p.quotaMu.Unlock()
	return p.quotaExhausted
}

func (p *Pipeline) markQuotaExhausted() {
	p.quotaMu.Lock()
	p.quotaExhausted = true
	p.quotaMu.Unlock()
}

// processOne walks a single bookmark through its terminal states:
// cache hit, fetch failure, length gates, quota, analyzer failure, analyzed.
func (p *Pipeline) processOne(ctx context.Context, bm store.Bookmark) Outcome {
	if p.isQuotaExhausted() {
		return Outcome{Bookmark: bm, Status: StatusSkipped, Reason: ReasonQuotaExhausted}
	}
	if err := p.Err(); err != nil {
		return Outcome{Bookmark: bm, Status: StatusFailed, Err: err}
	}

	// Cache before any fetch or rate-limit cost. Content-hashed keys need
	// the fetched text, so that check moves after the fetch.
	if !p.cfg.UseContentHash {
		key := p.cache.Key(bm.URL, "")
		if outcome, hit := p.checkCache(key, bm); hit {
			return outcome
		}
		if err := p.Err(); err != nil {
			return Outcome{Bookmark: bm, Status: StatusFailed, Err: err}
		}
	}

	text, err := p.fetcher.Fetch(ctx, bm.URL)
	if err != nil {
		var fetchErr *fetcher.Error
		if errors.As(err, &fetchErr) {
			log.Printf("[WARN] Fetch failed for %s: %v", bm.URL, fetchErr)
		}
		return Outcome{Bookmark: bm, Status: StatusFailed, Err: err}
	}

	if len(text) < p.cfg.MinTextLength {
		return Outcome{Bookmark: bm, Status: StatusSkipped, Reason: ReasonTextTooShort}
	}
	if p.cfg.MaxTextLength > 0 && len(text) > p.cfg.MaxTextLength {
		return Outcome{Bookmark: bm, Status: StatusSkipped, Reason: ReasonTextTooLong}
	}

	key := p.cache.Key(bm.URL, text)
	if p.cfg.UseContentHash {
		if outcome, hit := p.checkCache(key, bm); hit {
			return outcome
		}
		if err := p.Err(); err != nil {
			return Outcome{Bookmark: bm, Status: StatusFailed, Err: err}
		}
	}

	if p.cfg.MaxCharactersSent > 0 && len(text) > p.cfg.MaxCharactersSent {
		text = text[:p.cfg.MaxCharactersSent]
	}

	if err := p.limiter.Acquire(ctx); err != nil {
		if errors.Is(err, ratelimit.ErrQuotaExceeded) {
			p.markQuotaExhausted()
			log.Printf("[WARN] Daily quota exhausted, skipping remaining bookmarks")
			return Outcome{Bookmark: bm, Status: StatusSkipped, Reason: ReasonQuotaExhausted}
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Outcome{Bookmark: bm, Status: StatusFailed, Err: err}
		}
		// Rate limit persistence failure: enforcement is no longer accurate
		p.fatal(err)
		return Outcome{Bookmark: bm, Status: StatusFailed, Err: err}
	}

	result, err := p.analyzeWithRetry(ctx, text)
	if err != nil {
		return Outcome{Bookmark: bm, Status: StatusFailed, Err: err}
	}

	final := p.shapeResult(result)

	if err := p.cache.Put(key, bm.URL, final); err != nil {
		p.fatal(err)
		return Outcome{Bookmark: bm, Status: StatusFailed, Err: err}
	}

	if err := p.store.UpdateAnalysis(bm.URL, final.Topics, final.Keywords); err != nil {
		return Outcome{Bookmark: bm, Status: StatusFailed,
			Err: fmt.Errorf("failed to store analysis for %s: %w", bm.URL, err)}
	}

	// Pause between paid calls
	if p.cfg.BatchDelay > 0 {
		timer := time.NewTimer(p.cfg.BatchDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
	}

	return Outcome{Bookmark: bm, Status: StatusAnalyzed, Result: final}
}

// checkCache looks the key up and, on a hit, makes sure the store carries
// the cached assignment before reporting the bookmark as skipped
func (p *Pipeline) checkCache(key string, bm store.Bookmark) (Outcome, bool) {
	result, hit, err := p.cache.Get(key)
	if err != nil {
		p.fatal(err)
		return Outcome{}, false
	}
	if !hit {
		return Outcome{}, false
	}

	if bm.TopicsJSON == "" && bm.KeywordsJSON == "" {
		if err := p.store.UpdateAnalysis(bm.URL, result.Topics, result.Keywords); err != nil {
			return Outcome{Bookmark: bm, Status: StatusFailed,
				Err: fmt.Errorf("failed to store cached analysis for %s: %w", bm.URL, err)}, true
		}
	}

	return Outcome{Bookmark: bm, Status: StatusSkipped, Reason: ReasonCached, Result: result}, true
}

// analyzeWithRetry retries transient analyzer failures with exponential
// backoff; permanent failures return immediately
func (p *Pipeline) analyzeWithRetry(ctx context.Context, text string) (*analyzer.Result, error) {
	backoff := 500 * time.Millisecond
	var lastErr error

	for attempt := 0; attempt < p.cfg.MaxRetries; attempt++ {
		result, err := p.analyzer.Analyze(ctx, text)
		if err == nil {
			return result, nil
		}
		lastErr = err

		var analyzerErr *analyzer.Error
		if !errors.As(err, &analyzerErr) || !analyzerErr.Transient {
			return nil, err
		}

		if attempt < p.cfg.MaxRetries-1 {
			delay := backoff * time.Duration(1<<attempt)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
	}

	return nil, fmt.Errorf("analyzer failed after %d attempts: %w", p.cfg.MaxRetries, lastErr)
}

// shapeResult applies the topic selection policy: drop topics below the
// probability threshold, keep the top K by probability with ties broken by
// lower topic id, and exclude the outlier topic unless it is all there is.
// The convenience keyword list comes from the top surviving topic.
func (p *Pipeline) shapeResult(result *analyzer.Result) *analyzer.Result {
	selected := selectTopics(result.Topics, p.cfg.MinTopicProbability, p.cfg.TopNTopicsPerDoc)

	keywords := result.Keywords
	if len(selected) > 0 && len(selected[0].Keywords) > 0 {
		keywords = make([]string, 0, len(selected[0].Keywords))
		for _, ws := range selected[0].Keywords {
			keywords = append(keywords, ws.Word)
		}
	}

	return &analyzer.Result{Topics: selected, Keywords: keywords}
}

// selectTopics filters by threshold, sorts by probability descending with
// lower topic ids winning ties, keeps topK, and handles the outlier topic:
// excluded whenever any real topic passed, returned alone when nothing else
// did.
func selectTopics(topics []analyzer.Topic, minProbability float64, topK int) []analyzer.Topic {
	var passed []analyzer.Topic
	var outlier *analyzer.Topic

	for i := range topics {
		t := topics[i]
		if t.ID == analyzer.OutlierTopicID {
			outlier = &topics[i]
			continue
		}
		if t.Probability >= minProbability {
			passed = append(passed, t)
		}
	}

	if len(passed) == 0 {
		if outlier != nil {
			return []analyzer.Topic{*outlier}
		}
		return nil
	}

	sort.SliceStable(passed, func(i, j int) bool {
		if passed[i].Probability != passed[j].Probability {
			return passed[i].Probability > passed[j].Probability
		}
		return passed[i].ID < passed[j].ID
	})

	if len(passed) > topK {
		passed = passed[:topK]
	}
	return passed
}
