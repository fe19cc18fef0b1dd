// Package store manages persistent bookmark storage in sqlite.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/hollisdev/bookmark-topics/internal/analyzer"
)

// DB wraps the database connection
type DB struct {
	*sqlx.DB
}

// Bookmark is a stored bookmark. Topics and keywords are attached by the
// analysis pipeline; everything else comes from extraction.
type Bookmark struct {
	URL           string     `db:"url" json:"url"`
	NormalizedURL string     `db:"normalized_url" json:"normalized_url"`
	Title         string     `db:"title" json:"title"`
	BrowserSource string     `db:"browser_source" json:"browser_source"`
	FolderPath    string     `db:"folder_path" json:"folder_path"`
	DateAdded     *string    `db:"date_added" json:"date_added,omitempty"`
	Category      string     `db:"category" json:"category"`
	IsValid       bool       `db:"is_valid" json:"is_valid"`
	TagsJSON      string     `db:"tags" json:"-"`
	KeywordsJSON  string     `db:"keywords" json:"-"`
	TopicsJSON    string     `db:"topics" json:"-"`
	AnalyzedAt    *time.Time `db:"analyzed_at" json:"analyzed_at,omitempty"`
}

// Tags decodes the stored tag list
func (b *Bookmark) Tags() []string {
	return decodeStrings(b.TagsJSON)
}

// Keywords decodes the stored keyword list
func (b *Bookmark) Keywords() []string {
	return decodeStrings(b.KeywordsJSON)
}

// Topics decodes the stored topic list
func (b *Bookmark) Topics() []analyzer.Topic {
	if b.TopicsJSON == "" {
		return nil
	}
	var topics []analyzer.Topic
	if err := json.Unmarshal([]byte(b.TopicsJSON), &topics); err != nil {
		return nil
	}
	return topics
}

func decodeStrings(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

const schema = `
CREATE TABLE IF NOT EXISTS bookmarks (
	url            TEXT PRIMARY KEY,
	normalized_url TEXT NOT NULL,
	title          TEXT NOT NULL DEFAULT '',
	browser_source TEXT NOT NULL DEFAULT '',
	folder_path    TEXT NOT NULL DEFAULT '',
	date_added     TEXT,
	category       TEXT NOT NULL DEFAULT '',
	is_valid       INTEGER NOT NULL DEFAULT 1,
	tags           TEXT NOT NULL DEFAULT '',
	keywords       TEXT NOT NULL DEFAULT '',
	topics         TEXT NOT NULL DEFAULT '',
	analyzed_at    TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_bookmarks_normalized ON bookmarks(normalized_url);
`

// Open opens (and creates if needed) the sqlite database at path
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
	}

	db, err := sqlx.Connect("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &DB{db}, nil
}

// UpsertBookmark inserts a bookmark or refreshes its extraction fields.
// Analysis fields (keywords, topics, analyzed_at) are left untouched so a
// re-import does not wipe results.
func (db *DB) UpsertBookmark(b *Bookmark) error {
	query := `
		INSERT INTO bookmarks (url, normalized_url, title, browser_source, folder_path, date_added, category, is_valid, tags)
		VALUES (:url, :normalized_url, :title, :browser_source, :folder_path, :date_added, :category, :is_valid, :tags)
		ON CONFLICT (url) DO UPDATE SET
			normalized_url = excluded.normalized_url,
			title = excluded.title,
			browser_source = excluded.browser_source,
			folder_path = excluded.folder_path,
			date_added = excluded.date_added,
			tags = excluded.tags
	`

	_, err := db.NamedExec(query, b)
	return err
}

// GetBookmark fetches a bookmark by URL
func (db *DB) GetBookmark(url string) (*Bookmark, error) {
	b := &Bookmark{}
	err := db.Get(b, `SELECT * FROM bookmarks WHERE url = ?`, url)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return b, err
}

// ListAll returns every bookmark
func (db *DB) ListAll() ([]Bookmark, error) {
	var bookmarks []Bookmark
	err := db.Select(&bookmarks, `SELECT * FROM bookmarks ORDER BY url`)
	return bookmarks, err
}

// ListNeedingAnalysis returns valid bookmarks with no topics or keywords yet
func (db *DB) ListNeedingAnalysis() ([]Bookmark, error) {
	var bookmarks []Bookmark
	query := `
		SELECT * FROM bookmarks
		WHERE is_valid = 1 AND topics = '' AND keywords = ''
		ORDER BY url
	`
	err := db.Select(&bookmarks, query)
	return bookmarks, err
}

// ListAnalyzed returns bookmarks that already carry topics or keywords
func (db *DB) ListAnalyzed() ([]Bookmark, error) {
	var bookmarks []Bookmark
	query := `
		SELECT * FROM bookmarks
		WHERE topics != '' OR keywords != ''
		ORDER BY analyzed_at DESC
	`
	err := db.Select(&bookmarks, query)
	return bookmarks, err
}

// UpdateAnalysis attaches topics and keywords to a bookmark by URL
func (db *DB) UpdateAnalysis(url string, topics []analyzer.Topic, keywords []string) error {
	topicsJSON, err := json.Marshal(topics)
	if err != nil {
		return fmt.Errorf("failed to encode topics: %w", err)
	}
	keywordsJSON, err := json.Marshal(keywords)
	if err != nil {
		return fmt.Errorf("failed to encode keywords: %w", err)
	}

	query := `
		UPDATE bookmarks
		SET topics = ?, keywords = ?, analyzed_at = ?
		WHERE url = ?
	`
	_, err = db.Exec(query, string(topicsJSON), string(keywordsJSON), time.Now().UTC(), url)
	return err
}

// SetValidity marks a bookmark reachable or dead
func (db *DB) SetValidity(url string, valid bool) error {
	_, err := db.Exec(`UPDATE bookmarks SET is_valid = ? WHERE url = ?`, valid, url)
	return err
}

// KeywordCount is an aggregated keyword with how many bookmarks carry it
type KeywordCount struct {
	Keyword string `json:"keyword"`
	Count   int    `json:"count"`
}

// KeywordCounts aggregates keyword frequency across all analyzed bookmarks
func (db *DB) KeywordCounts() ([]KeywordCount, error) {
	analyzed, err := db.ListAnalyzed()
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int)
	for _, b := range analyzed {
		for _, kw := range b.Keywords() {
			counts[kw]++
		}
	}

	out := make([]KeywordCount, 0, len(counts))
	for kw, n := range counts {
		out = append(out, KeywordCount{Keyword: kw, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Keyword < out[j].Keyword
	})
	return out, nil
}
