package store

import (
	"encoding/json"
	"fmt"
	"io"
	"log"

	"github.com/hollisdev/bookmark-topics/internal/urlutil"
)

// exportFile is the JSON export format produced by the bookmark extractor:
// a top-level object with a "bookmarks" array.
type exportFile struct {
	Bookmarks []exportBookmark `json:"bookmarks"`
}

type exportBookmark struct {
	URL           string   `json:"url"`
	Title         string   `json:"title"`
	BrowserSource string   `json:"browser_source"`
	DateAdded     *string  `json:"date_added"`
	FolderPath    string   `json:"folder_path"`
	Tags          []string `json:"tags"`
	Category      string   `json:"category"`
}

// ImportJSON loads a bookmark export into the store. Entries with
// unparseable URLs are skipped with a warning. Returns the number of
// bookmarks imported.
func (db *DB) ImportJSON(r io.Reader) (int, error) {
	var export exportFile
	if err := json.NewDecoder(r).Decode(&export); err != nil {
		return 0, fmt.Errorf("failed to decode bookmark export: %w", err)
	}

	imported := 0
	for _, item := range export.Bookmarks {
		if item.URL == "" {
			continue
		}

		normalized, err := urlutil.Normalize(item.URL)
		if err != nil {
			log.Printf("[WARN] Skipping bookmark with bad URL %s: %v", item.URL, err)
			continue
		}

		tagsJSON := ""
		if len(item.Tags) > 0 {
			raw, err := json.Marshal(item.Tags)
			if err == nil {
				tagsJSON = string(raw)
			}
		}

		b := &Bookmark{
			URL:           item.URL,
			NormalizedURL: normalized,
			Title:         item.Title,
			BrowserSource: item.BrowserSource,
			FolderPath:    item.FolderPath,
			DateAdded:     item.DateAdded,
			Category:      item.Category,
			IsValid:       true,
			TagsJSON:      tagsJSON,
		}

		if err := db.UpsertBookmark(b); err != nil {
			log.Printf("[WARN] Failed to import bookmark %s: %v", item.URL, err)
			continue
		}
		imported++
	}

	return imported, nil
}
