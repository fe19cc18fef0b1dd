package store

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hollisdev/bookmark-topics/internal/analyzer"
)

func openTestStore(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "bookmarks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func testBookmark(url string) *Bookmark {
	return &Bookmark{
		URL:           url,
		NormalizedURL: url,
		Title:         "A Title",
		BrowserSource: "firefox",
		FolderPath:    "Reading/Go",
		IsValid:       true,
	}
}

func TestUpsertAndGet(t *testing.T) {
	db := openTestStore(t)

	require.NoError(t, db.UpsertBookmark(testBookmark("https://example.com/post")))

	got, err := db.GetBookmark("https://example.com/post")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "A Title", got.Title)
	assert.Equal(t, "firefox", got.BrowserSource)
	assert.True(t, got.IsValid)
}

func TestGetMissingReturnsNil(t *testing.T) {
	db := openTestStore(t)

	got, err := db.GetBookmark("https://example.com/nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestReimportPreservesAnalysis(t *testing.T) {
	db := openTestStore(t)

	require.NoError(t, db.UpsertBookmark(testBookmark("https://example.com/post")))
	require.NoError(t, db.UpdateAnalysis("https://example.com/post",
		[]analyzer.Topic{{ID: 0, Probability: 1.0}}, []string{"go"}))

	// Re-import the same bookmark with a changed title
	updated := testBookmark("https://example.com/post")
	updated.Title = "A Better Title"
	require.NoError(t, db.UpsertBookmark(updated))

	got, err := db.GetBookmark("https://example.com/post")
	require.NoError(t, err)
	assert.Equal(t, "A Better Title", got.Title)
	assert.Equal(t, []string{"go"}, got.Keywords(), "analysis survives a re-import")
	require.Len(t, got.Topics(), 1)
	assert.Equal(t, 0, got.Topics()[0].ID)
	assert.NotNil(t, got.AnalyzedAt)
}

func TestListNeedingAnalysis(t *testing.T) {
	db := openTestStore(t)

	require.NoError(t, db.UpsertBookmark(testBookmark("https://example.com/pending")))
	require.NoError(t, db.UpsertBookmark(testBookmark("https://example.com/done")))
	require.NoError(t, db.UpsertBookmark(testBookmark("https://example.com/dead")))

	require.NoError(t, db.UpdateAnalysis("https://example.com/done",
		[]analyzer.Topic{{ID: 0, Probability: 1.0}}, []string{"go"}))
	require.NoError(t, db.SetValidity("https://example.com/dead", false))

	pending, err := db.ListNeedingAnalysis()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "https://example.com/pending", pending[0].URL)

	analyzed, err := db.ListAnalyzed()
	require.NoError(t, err)
	require.Len(t, analyzed, 1)
	assert.Equal(t, "https://example.com/done", analyzed[0].URL)
}

func TestKeywordCounts(t *testing.T) {
	db := openTestStore(t)

	for i, keywords := range [][]string{
		{"go", "sqlite"},
		{"go", "http"},
		{"go"},
	} {
		url := "https://example.com/" + string(rune('a'+i))
		require.NoError(t, db.UpsertBookmark(testBookmark(url)))
		require.NoError(t, db.UpdateAnalysis(url,
			[]analyzer.Topic{{ID: 0, Probability: 1.0}}, keywords))
	}

	counts, err := db.KeywordCounts()
	require.NoError(t, err)
	require.Len(t, counts, 3)
	assert.Equal(t, KeywordCount{Keyword: "go", Count: 3}, counts[0])
	// Singletons tie; alphabetical order breaks it
	assert.Equal(t, KeywordCount{Keyword: "http", Count: 1}, counts[1])
	assert.Equal(t, KeywordCount{Keyword: "sqlite", Count: 1}, counts[2])
}

func TestImportJSON(t *testing.T) {
	db := openTestStore(t)

	export := `{
		"bookmarks": [
			{
				"url": "https://example.com/post?utm_source=rss",
				"title": "Interesting Post",
				"browser_source": "chrome",
				"folder_path": "Tech",
				"tags": ["golang", "databases"],
				"category": "programming"
			},
			{
				"url": "https://example.com/other",
				"title": "Other Post",
				"browser_source": "firefox"
			},
			{
				"url": "",
				"title": "No URL"
			}
		]
	}`

	n, err := db.ImportJSON(strings.NewReader(export))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := db.GetBookmark("https://example.com/post?utm_source=rss")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "https://example.com/post", got.NormalizedURL,
		"tracking params are stripped from the normalized URL")
	assert.Equal(t, []string{"golang", "databases"}, got.Tags())
	assert.True(t, got.IsValid)

	all, err := db.ListAll()
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestImportJSONRejectsGarbage(t *testing.T) {
	db := openTestStore(t)

	_, err := db.ImportJSON(strings.NewReader("not json at all"))
	assert.Error(t, err)
}
