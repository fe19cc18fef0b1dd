// Package validator checks whether bookmark URLs are still reachable and
// records the verdict in the store.
package validator

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/hollisdev/bookmark-topics/internal/store"
)

// Store records validation verdicts
type Store interface {
	SetValidity(url string, valid bool) error
}

// Validator probes bookmark URLs concurrently
type Validator struct {
	client  *http.Client
	store   Store
	workers int
}

// New creates a validator
func New(s Store, workers int, timeout time.Duration) *Validator {
	if workers <= 0 {
		workers = 20
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Validator{
		client:  &http.Client{Timeout: timeout},
		store:   s,
		workers: workers,
	}
}

// Result counts the verdicts from one validation run
type Result struct {
	Checked int
	Dead    int
}

// ValidateAll probes every bookmark and marks it valid or dead. Probe
// failures mark the bookmark dead; store write failures are logged and the
// run continues.
func (v *Validator) ValidateAll(ctx context.Context, bookmarks []store.Bookmark) Result {
	jobs := make(chan store.Bookmark)
	verdicts := make(chan bool, len(bookmarks))

	var wg sync.WaitGroup
	for i := 0; i < v.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for bm := range jobs {
				alive := v.probe(ctx, bm.URL)
				if err := v.store.SetValidity(bm.URL, alive); err != nil {
					log.Printf("[WARN] Failed to record validity for %s: %v", bm.URL, err)
				}
				verdicts <- alive
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, bm := range bookmarks {
			select {
			case jobs <- bm:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(verdicts)
	}()

	var result Result
	for alive := range verdicts {
		result.Checked++
		if !alive {
			result.Dead++
		}
		if result.Checked%100 == 0 {
			log.Printf("[INFO] Validated %d/%d bookmarks", result.Checked, len(bookmarks))
		}
	}

	return result
}

// probe tries a HEAD request first and falls back to GET for servers that
// reject HEAD
func (v *Validator) probe(ctx context.Context, url string) bool {
	if alive, ok := v.request(ctx, http.MethodHead, url); ok {
		return alive
	}
	alive, _ := v.request(ctx, http.MethodGet, url)
	return alive
}

// request returns (alive, conclusive). A 405 is inconclusive: the server
// may simply not support the method.
func (v *Validator) request(ctx context.Context, method, url string) (bool, bool) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return false, true
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return false, true
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusMethodNotAllowed {
		return false, false
	}
	return resp.StatusCode < 400, true
}
