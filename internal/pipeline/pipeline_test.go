package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hollisdev/bookmark-topics/internal/analyzer"
	"github.com/hollisdev/bookmark-topics/internal/ratelimit"
	"github.com/hollisdev/bookmark-topics/internal/store"
)

type fakeFetcher struct {
	mu    sync.Mutex
	pages map[string]string
	errs  map[string]error
	calls int
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err, ok := f.errs[url]; ok {
		return "", err
	}
	return f.pages[url], nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeLimiter struct {
	mu      sync.Mutex
	allowed int
	granted int
}

func (l *fakeLimiter) Acquire(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.granted >= l.allowed {
		return ratelimit.ErrQuotaExceeded
	}
	l.granted++
	return nil
}

type fakeCache struct {
	mu      sync.Mutex
	entries map[string]*analyzer.Result
	getErr  error
}

// Key ignores the text argument, matching the cache's behavior when content
// hashing is off
func (c *fakeCache) Key(url, text string) string {
	return url + "#"
}

func (c *fakeCache) Get(key string) (*analyzer.Result, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return nil, false, c.getErr
	}
	result, ok := c.entries[key]
	return result, ok, nil
}

func (c *fakeCache) Put(key, url string, result *analyzer.Result) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries == nil {
		c.entries = make(map[string]*analyzer.Result)
	}
	c.entries[key] = result
	return nil
}

type storedAnalysis struct {
	topics   []analyzer.Topic
	keywords []string
}

type fakeStore struct {
	mu      sync.Mutex
	updates map[string]storedAnalysis
}

func (s *fakeStore) UpdateAnalysis(url string, topics []analyzer.Topic, keywords []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updates == nil {
		s.updates = make(map[string]storedAnalysis)
	}
	s.updates[url] = storedAnalysis{topics: topics, keywords: keywords}
	return nil
}

func (s *fakeStore) get(url string) (storedAnalysis, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	got, ok := s.updates[url]
	return got, ok
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.updates)
}

// stubAnalyzer returns canned results, optionally failing the first calls
type stubAnalyzer struct {
	mu     sync.Mutex
	errs   []error // Consumed one per call; nil entry means success
	calls  int
	result *analyzer.Result
}

func (a *stubAnalyzer) Name() string { return "stub" }

func (a *stubAnalyzer) Analyze(ctx context.Context, text string) (*analyzer.Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx := a.calls
	a.calls++
	if idx < len(a.errs) && a.errs[idx] != nil {
		return nil, a.errs[idx]
	}
	return a.result, nil
}

func (a *stubAnalyzer) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func cannedResult() *analyzer.Result {
	return &analyzer.Result{
		Topics: []analyzer.Topic{
			{ID: 0, Probability: 0.8, Keywords: []analyzer.WordScore{{Word: "go", Score: 1.0}}},
			{ID: 1, Probability: 0.2},
		},
		Keywords: []string{"go"},
	}
}

func bookmarks(urls ...string) []store.Bookmark {
	out := make([]store.Bookmark, len(urls))
	for i, u := range urls {
		out[i] = store.Bookmark{URL: u}
	}
	return out
}

func drain(ch <-chan Outcome) map[string]Outcome {
	out := make(map[string]Outcome)
	for o := range ch {
		out[o.Bookmark.URL] = o
	}
	return out
}

func countStatus(outcomes map[string]Outcome, status Status) int {
	n := 0
	for _, o := range outcomes {
		if o.Status == status {
			n++
		}
	}
	return n
}

func newTestPipeline(f *fakeFetcher, a *stubAnalyzer, l *fakeLimiter, c *fakeCache, s *fakeStore, cfg Config) *Pipeline {
	if cfg.Workers == 0 {
		cfg.Workers = 1
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 1
	}
	if cfg.MinTextLength == 0 {
		cfg.MinTextLength = 1
	}
	return New(f, a, l, c, s, cfg)
}

func TestRunAnalyzesEveryBookmark(t *testing.T) {
	f := &fakeFetcher{pages: map[string]string{
		"https://a.test/1": "page one text",
		"https://a.test/2": "page two text",
		"https://a.test/3": "page three text",
	}}
	a := &stubAnalyzer{result: cannedResult()}
	s := &fakeStore{}
	c := &fakeCache{}
	p := newTestPipeline(f, a, &fakeLimiter{allowed: 10}, c, s, Config{})

	outcomes := drain(p.Run(context.Background(),
		bookmarks("https://a.test/1", "https://a.test/2", "https://a.test/3")))

	require.Len(t, outcomes, 3)
	assert.Equal(t, 3, countStatus(outcomes, StatusAnalyzed))
	assert.Equal(t, 3, a.callCount())
	assert.Equal(t, 3, s.count())
	assert.NoError(t, p.Err())

	got, ok := s.get("https://a.test/2")
	require.True(t, ok)
	assert.Equal(t, []string{"go"}, got.keywords)
}

func TestCacheHitSkipsFetchAndAnalyzer(t *testing.T) {
	cached := cannedResult()
	c := &fakeCache{entries: map[string]*analyzer.Result{
		"https://a.test/1#": cached,
	}}
	f := &fakeFetcher{}
	a := &stubAnalyzer{result: cannedResult()}
	s := &fakeStore{}
	p := newTestPipeline(f, a, &fakeLimiter{allowed: 10}, c, s, Config{})

	outcomes := drain(p.Run(context.Background(), bookmarks("https://a.test/1")))

	o := outcomes["https://a.test/1"]
	assert.Equal(t, StatusSkipped, o.Status)
	assert.Equal(t, ReasonCached, o.Reason)
	assert.Equal(t, cached, o.Result)

	assert.Equal(t, 0, f.callCount(), "cache hits never fetch")
	assert.Equal(t, 0, a.callCount(), "cache hits never analyze")

	// The store is backfilled when the bookmark has no analysis yet
	got, ok := s.get("https://a.test/1")
	require.True(t, ok)
	assert.Equal(t, cached.Topics, got.topics)
}

func TestCacheHitSkipsBackfillWhenStoreCurrent(t *testing.T) {
	c := &fakeCache{entries: map[string]*analyzer.Result{
		"https://a.test/1#": cannedResult(),
	}}
	s := &fakeStore{}
	p := newTestPipeline(&fakeFetcher{}, &stubAnalyzer{result: cannedResult()},
		&fakeLimiter{allowed: 10}, c, s, Config{})

	bm := store.Bookmark{URL: "https://a.test/1", TopicsJSON: `[{"id":0}]`}
	outcomes := drain(p.Run(context.Background(), []store.Bookmark{bm}))

	assert.Equal(t, StatusSkipped, outcomes["https://a.test/1"].Status)
	assert.Equal(t, 0, s.count())
}

func TestFetchFailureDoesNotHaltBatch(t *testing.T) {
	f := &fakeFetcher{
		pages: map[string]string{
			"https://a.test/1": "page one text",
			"https://a.test/3": "page three text",
		},
		errs: map[string]error{
			"https://a.test/2": errors.New("connection refused"),
		},
	}
	a := &stubAnalyzer{result: cannedResult()}
	p := newTestPipeline(f, a, &fakeLimiter{allowed: 10}, &fakeCache{}, &fakeStore{}, Config{})

	outcomes := drain(p.Run(context.Background(),
		bookmarks("https://a.test/1", "https://a.test/2", "https://a.test/3")))

	assert.Equal(t, StatusFailed, outcomes["https://a.test/2"].Status)
	assert.Error(t, outcomes["https://a.test/2"].Err)
	assert.Equal(t, StatusAnalyzed, outcomes["https://a.test/1"].Status)
	assert.Equal(t, StatusAnalyzed, outcomes["https://a.test/3"].Status)
	assert.NoError(t, p.Err())
}

func TestTextLengthGates(t *testing.T) {
	f := &fakeFetcher{pages: map[string]string{
		"https://a.test/short": "tiny",
		"https://a.test/long":  "this page has far too much text for the configured gate",
		"https://a.test/ok":    "just enough text here",
	}}
	a := &stubAnalyzer{result: cannedResult()}
	p := newTestPipeline(f, a, &fakeLimiter{allowed: 10}, &fakeCache{}, &fakeStore{}, Config{
		MinTextLength: 10,
		MaxTextLength: 40,
	})

	outcomes := drain(p.Run(context.Background(),
		bookmarks("https://a.test/short", "https://a.test/long", "https://a.test/ok")))

	assert.Equal(t, ReasonTextTooShort, outcomes["https://a.test/short"].Reason)
	assert.Equal(t, ReasonTextTooLong, outcomes["https://a.test/long"].Reason)
	assert.Equal(t, StatusAnalyzed, outcomes["https://a.test/ok"].Status)
	assert.Equal(t, 1, a.callCount(), "gated bookmarks never reach the analyzer")
}

func TestTextTruncatedBeforeAnalyzer(t *testing.T) {
	f := &fakeFetcher{pages: map[string]string{
		"https://a.test/1": "0123456789abcdefghij",
	}}

	var sent string
	a := &recordingAnalyzer{onAnalyze: func(text string) { sent = text }}
	p := New(f, a, &fakeLimiter{allowed: 10}, &fakeCache{}, &fakeStore{}, Config{
		Workers:           1,
		MinTextLength:     1,
		MaxCharactersSent: 10,
		MaxRetries:        1,
	})

	drain(p.Run(context.Background(), bookmarks("https://a.test/1")))

	assert.Equal(t, "0123456789", sent)
}

type recordingAnalyzer struct {
	onAnalyze func(text string)
}

func (a *recordingAnalyzer) Name() string { return "recording" }

func (a *recordingAnalyzer) Analyze(ctx context.Context, text string) (*analyzer.Result, error) {
	a.onAnalyze(text)
	return cannedResult(), nil
}

// gatedFetcher blocks every fetch until release is closed, so a test can
// hold workers mid-flight
type gatedFetcher struct {
	mu      sync.Mutex
	calls   int
	started chan struct{}
	release chan struct{}
}

func (f *gatedFetcher) Fetch(ctx context.Context, url string) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	f.started <- struct{}{}
	<-f.release
	return "enough text for analysis", nil
}

func (f *gatedFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestCancellationSchedulesNoNewWork(t *testing.T) {
	f := &gatedFetcher{
		started: make(chan struct{}, 6),
		release: make(chan struct{}),
	}
	a := &stubAnalyzer{result: cannedResult()}
	p := New(f, a, &fakeLimiter{allowed: 10}, &fakeCache{}, &fakeStore{}, Config{
		Workers:       2,
		MinTextLength: 1,
		MaxRetries:    1,
	})

	ctx, cancel := context.WithCancel(context.Background())
	ch := p.Run(ctx, bookmarks(
		"https://a.test/0", "https://a.test/1", "https://a.test/2",
		"https://a.test/3", "https://a.test/4", "https://a.test/5"))

	// Both workers are now held inside a fetch
	<-f.started
	<-f.started

	cancel()
	time.Sleep(20 * time.Millisecond) // Let the feeder observe the cancel
	close(f.release)

	outcomes := drain(ch)

	// The two in-flight bookmarks finish; the other four are never scheduled
	require.Len(t, outcomes, 2)
	assert.Equal(t, 2, countStatus(outcomes, StatusAnalyzed))
	assert.Equal(t, 2, f.callCount())
	assert.Equal(t, 2, a.callCount())
	assert.NoError(t, p.Err())
}

func TestBatchDelayPacesAnalyzedBookmarks(t *testing.T) {
	f := &fakeFetcher{pages: map[string]string{
		"https://a.test/1": "page one text",
		"https://a.test/2": "page two text",
		"https://a.test/3": "page three text",
	}}
	a := &stubAnalyzer{result: cannedResult()}
	delay := 30 * time.Millisecond
	p := newTestPipeline(f, a, &fakeLimiter{allowed: 10}, &fakeCache{}, &fakeStore{}, Config{
		BatchDelay: delay,
	})

	start := time.Now()
	outcomes := drain(p.Run(context.Background(),
		bookmarks("https://a.test/1", "https://a.test/2", "https://a.test/3")))
	elapsed := time.Since(start)

	assert.Equal(t, 3, countStatus(outcomes, StatusAnalyzed))
	assert.GreaterOrEqual(t, elapsed, 3*delay,
		"each analyzed bookmark pauses for the batch delay")
}

func TestQuotaExhaustionSkipsRemaining(t *testing.T) {
	pages := make(map[string]string)
	var urls []string
	for i := 0; i < 6; i++ {
		u := fmt.Sprintf("https://a.test/%d", i)
		pages[u] = "enough text for analysis"
		urls = append(urls, u)
	}

	f := &fakeFetcher{pages: pages}
	a := &stubAnalyzer{result: cannedResult()}
	p := newTestPipeline(f, a, &fakeLimiter{allowed: 2}, &fakeCache{}, &fakeStore{}, Config{})

	outcomes := drain(p.Run(context.Background(), bookmarks(urls...)))

	require.Len(t, outcomes, 6)
	assert.Equal(t, 2, countStatus(outcomes, StatusAnalyzed))
	assert.Equal(t, 4, countStatus(outcomes, StatusSkipped))
	for _, o := range outcomes {
		if o.Status == StatusSkipped {
			assert.Equal(t, ReasonQuotaExhausted, o.Reason)
		}
	}

	assert.Equal(t, 2, a.callCount(), "no analyzer calls after the quota is spent")
	assert.LessOrEqual(t, f.callCount(), 3, "bookmarks after the quota hit are not fetched")
	assert.NoError(t, p.Err(), "quota exhaustion is not a run failure")
}

func TestTransientAnalyzerFailuresAreRetried(t *testing.T) {
	f := &fakeFetcher{pages: map[string]string{"https://a.test/1": "some page text"}}
	a := &stubAnalyzer{
		errs: []error{
			analyzer.NewTransientError(errors.New("rate limited")),
			analyzer.NewTransientError(errors.New("rate limited")),
			nil,
		},
		result: cannedResult(),
	}
	p := newTestPipeline(f, a, &fakeLimiter{allowed: 10}, &fakeCache{}, &fakeStore{}, Config{
		MaxRetries: 3,
	})

	outcomes := drain(p.Run(context.Background(), bookmarks("https://a.test/1")))

	assert.Equal(t, StatusAnalyzed, outcomes["https://a.test/1"].Status)
	assert.Equal(t, 3, a.callCount())
}

func TestPermanentAnalyzerFailureIsNotRetried(t *testing.T) {
	f := &fakeFetcher{pages: map[string]string{"https://a.test/1": "some page text"}}
	a := &stubAnalyzer{
		errs: []error{analyzer.NewPermanentError(errors.New("content rejected"))},
	}
	p := newTestPipeline(f, a, &fakeLimiter{allowed: 10}, &fakeCache{}, &fakeStore{}, Config{
		MaxRetries: 3,
	})

	outcomes := drain(p.Run(context.Background(), bookmarks("https://a.test/1")))

	assert.Equal(t, StatusFailed, outcomes["https://a.test/1"].Status)
	assert.Equal(t, 1, a.callCount())
}

func TestExhaustedRetriesFailTheBookmark(t *testing.T) {
	f := &fakeFetcher{pages: map[string]string{"https://a.test/1": "some page text"}}
	a := &stubAnalyzer{
		errs: []error{
			analyzer.NewTransientError(errors.New("flaky")),
			analyzer.NewTransientError(errors.New("flaky")),
		},
	}
	p := newTestPipeline(f, a, &fakeLimiter{allowed: 10}, &fakeCache{}, &fakeStore{}, Config{
		MaxRetries: 2,
	})

	outcomes := drain(p.Run(context.Background(), bookmarks("https://a.test/1")))

	o := outcomes["https://a.test/1"]
	assert.Equal(t, StatusFailed, o.Status)
	assert.ErrorContains(t, o.Err, "after 2 attempts")
	assert.Equal(t, 2, a.callCount())
}

func TestCacheReadFailureAbortsRun(t *testing.T) {
	c := &fakeCache{getErr: errors.New("disk I/O error")}
	f := &fakeFetcher{}
	p := newTestPipeline(f, &stubAnalyzer{result: cannedResult()},
		&fakeLimiter{allowed: 10}, c, &fakeStore{}, Config{})

	outcomes := drain(p.Run(context.Background(),
		bookmarks("https://a.test/1", "https://a.test/2")))

	assert.Equal(t, 2, countStatus(outcomes, StatusFailed))
	assert.Equal(t, 0, f.callCount())
	assert.ErrorContains(t, p.Err(), "disk I/O error")
}

func TestSecondRunHitsCacheEverywhere(t *testing.T) {
	f := &fakeFetcher{pages: map[string]string{
		"https://a.test/1": "page one text",
		"https://a.test/2": "page two text",
	}}
	a := &stubAnalyzer{result: cannedResult()}
	c := &fakeCache{}
	s := &fakeStore{}
	p := newTestPipeline(f, a, &fakeLimiter{allowed: 10}, c, s, Config{})

	bms := bookmarks("https://a.test/1", "https://a.test/2")

	first := drain(p.Run(context.Background(), bms))
	assert.Equal(t, 2, countStatus(first, StatusAnalyzed))
	firstStored, _ := s.get("https://a.test/1")

	second := drain(p.Run(context.Background(), bms))
	assert.Equal(t, 2, countStatus(second, StatusSkipped))
	for _, o := range second {
		assert.Equal(t, ReasonCached, o.Reason)
	}

	assert.Equal(t, 2, a.callCount(), "the second run never re-analyzes")
	secondStored, _ := s.get("https://a.test/1")
	assert.Equal(t, firstStored, secondStored)
}

func TestSelectTopics(t *testing.T) {
	topic := func(id int, p float64) analyzer.Topic {
		return analyzer.Topic{ID: id, Probability: p}
	}
	ids := func(topics []analyzer.Topic) []int {
		out := make([]int, len(topics))
		for i, t := range topics {
			out[i] = t.ID
		}
		return out
	}

	tests := []struct {
		name   string
		topics []analyzer.Topic
		minP   float64
		topK   int
		want   []int
	}{
		{
			name:   "ties broken by lower id",
			topics: []analyzer.Topic{topic(0, 0.5), topic(1, 0.3), topic(2, 0.3), topic(3, 0.1)},
			minP:   0.2,
			topK:   2,
			want:   []int{0, 1},
		},
		{
			name:   "threshold filters before capping",
			topics: []analyzer.Topic{topic(0, 0.9), topic(1, 0.05)},
			minP:   0.1,
			topK:   3,
			want:   []int{0},
		},
		{
			name:   "outlier excluded when real topics pass",
			topics: []analyzer.Topic{topic(analyzer.OutlierTopicID, 0.6), topic(0, 0.4)},
			minP:   0.1,
			topK:   3,
			want:   []int{0},
		},
		{
			name:   "outlier returned alone when nothing passes",
			topics: []analyzer.Topic{topic(analyzer.OutlierTopicID, 0.9), topic(0, 0.05)},
			minP:   0.1,
			topK:   3,
			want:   []int{analyzer.OutlierTopicID},
		},
		{
			name:   "nothing passes and no outlier",
			topics: []analyzer.Topic{topic(0, 0.01)},
			minP:   0.1,
			topK:   3,
			want:   nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := selectTopics(tt.topics, tt.minP, tt.topK)
			if tt.want == nil {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, ids(got))
		})
	}
}
