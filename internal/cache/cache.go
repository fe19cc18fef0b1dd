// Package cache persists analysis results so a bookmark is never sent to a
// paid analyzer twice. Keys are content-addressed: the normalized URL,
// optionally salted with a sample of the fetched text so a page that changed
// materially gets re-analyzed.
package cache

import (
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/hollisdev/bookmark-topics/internal/analyzer"
	"github.com/hollisdev/bookmark-topics/internal/urlutil"
)

// contentSampleLen is how much fetched text participates in a content-hashed
// key. Enough to notice a rewrite, short enough to ignore footer churn.
const contentSampleLen = 500

// Store is the persistent analysis cache
type Store struct {
	db             *sqlx.DB
	useContentHash bool
}

const schema = `
CREATE TABLE IF NOT EXISTS analysis_cache (
	key       TEXT PRIMARY KEY,
	url       TEXT NOT NULL,
	result    TEXT NOT NULL,
	stored_at TIMESTAMP NOT NULL
);
`

// New creates a cache backed by the given database handle
func New(db *sqlx.DB, useContentHash bool) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create cache schema: %w", err)
	}
	return &Store{db: db, useContentHash: useContentHash}, nil
}

// Key derives the cache key for a URL and its fetched text. When content
// hashing is off, the text is ignored and the key depends on the URL alone.
func (s *Store) Key(url, text string) string {
	normalized, err := urlutil.Normalize(url)
	if err != nil {
		normalized = url
	}

	combined := normalized
	if s.useContentHash {
		sample := text
		if len(sample) > contentSampleLen {
			sample = sample[:contentSampleLen]
		}
		combined = normalized + ":" + sample
	}

	sum := md5.Sum([]byte(combined))
	return hex.EncodeToString(sum[:])
}

// Get returns the cached analysis for key, if any. Never touches the
// network.
func (s *Store) Get(key string) (*analyzer.Result, bool, error) {
	var raw string
	err := s.db.Get(&raw, `SELECT result FROM analysis_cache WHERE key = ?`, key)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache read failed: %w", err)
	}

	var result analyzer.Result
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, false, fmt.Errorf("corrupt cache entry %s: %w", key, err)
	}

	return &result, true, nil
}

// Put stores an analysis result under key, replacing any previous entry
func (s *Store) Put(key, url string, result *analyzer.Result) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}

	query := `
		INSERT INTO analysis_cache (key, url, result, stored_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			result = excluded.result,
			stored_at = excluded.stored_at
	`

	if _, err := s.db.Exec(query, key, url, string(raw), time.Now().UTC()); err != nil {
		return fmt.Errorf("cache write failed: %w", err)
	}
	return nil
}

// Len reports how many entries the cache holds
func (s *Store) Len() (int, error) {
	var n int
	err := s.db.Get(&n, `SELECT COUNT(*) FROM analysis_cache`)
	return n, err
}
