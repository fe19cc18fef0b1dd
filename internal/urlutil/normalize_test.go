package urlutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "lowercases host",
			in:   "https://Example.COM/Post",
			want: "https://example.com/Post",
		},
		{
			name: "strips trailing slash",
			in:   "https://example.com/post/",
			want: "https://example.com/post",
		},
		{
			name: "bare host unchanged",
			in:   "https://example.com",
			want: "https://example.com",
		},
		{
			name: "strips fragment",
			in:   "https://example.com/post#comments",
			want: "https://example.com/post",
		},
		{
			name: "strips tracking params",
			in:   "https://example.com/post?utm_source=rss&utm_medium=feed&fbclid=abc",
			want: "https://example.com/post",
		},
		{
			name: "strips the whole utm_ family by prefix",
			in:   "https://example.com/post?utm_id=99&utm_source_platform=newsletter",
			want: "https://example.com/post",
		},
		{
			name: "keeps params that merely resemble tracking ones",
			in:   "https://example.com/post?reference=rfc9110",
			want: "https://example.com/post?reference=rfc9110",
		},
		{
			name: "keeps real query params sorted",
			in:   "https://example.com/search?q=go&page=2&utm_campaign=x",
			want: "https://example.com/search?page=2&q=go",
		},
		{
			name: "removes default port",
			in:   "https://example.com:443/post",
			want: "https://example.com/post",
		},
		{
			name: "adds scheme to bare host",
			in:   "example.com/post",
			want: "http://example.com/post",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeRejectsGarbage(t *testing.T) {
	_, err := Normalize("")
	assert.Error(t, err)
}
