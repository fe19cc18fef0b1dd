package urlutil

import (
	"net/url"
	"strings"

	"github.com/goware/urlx"
)

// Click-tracking parameters stripped before a URL is used as a cache or
// store key. Two bookmarks for the same article should not miss each other
// because one was saved from a newsletter link.
var trackingParams = map[string]bool{
	"fbclid":  true,
	"gclid":   true,
	"igshid":  true,
	"mc_cid":  true,
	"mc_eid":  true,
	"ref":     true,
	"ref_src": true,
	"ref_url": true,
}

// isTrackingParam reports whether a query parameter carries campaign or
// click tracking. The whole utm_ family is matched by prefix; analytics
// vendors keep minting new ones (utm_id, utm_source_platform).
func isTrackingParam(name string) bool {
	if strings.HasPrefix(name, "utm_") {
		return true
	}
	return trackingParams[name]
}

// Normalize canonicalizes a bookmark URL:
//   - lowercases scheme and host, removes default ports
//   - removes tracking parameters and sorts the remaining query
//   - removes the fragment
//   - removes a trailing slash (except for root paths)
func Normalize(rawURL string) (string, error) {
	parsed, err := urlx.Parse(rawURL)
	if err != nil {
		return "", err
	}

	normalized, err := urlx.Normalize(parsed)
	if err != nil {
		return "", err
	}

	u, err := url.Parse(normalized)
	if err != nil {
		return normalized, nil
	}

	q := u.Query()
	for name := range q {
		if isTrackingParam(name) {
			q.Del(name)
		}
	}
	u.RawQuery = q.Encode()

	if u.Path != "/" {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}

	u.Fragment = ""

	return u.String(), nil
}
