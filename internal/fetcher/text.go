package fetcher

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
)

// extractText pulls visible text out of an HTML document. Readability finds
// the main article body; when it has nothing (link lists, dashboards,
// plain-text responses) we fall back to stripping the whole document with
// goquery.
func extractText(html string, pageURL *url.URL) string {
	article, err := readability.FromReader(strings.NewReader(html), pageURL)
	if err == nil {
		if text := collapseWhitespace(article.TextContent); text != "" {
			return text
		}
	}

	return stripDocument(html)
}

// stripDocument removes non-content elements and returns the remaining
// visible text
func stripDocument(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return collapseWhitespace(html)
	}

	doc.Find("script, style, noscript, nav, header, footer").Remove()

	return collapseWhitespace(doc.Text())
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
