package analyzer

import (
	"context"
	"regexp"
	"sort"
	"strings"
)

// Local builds topics within one document by clustering its segments.
// No network calls, no quota. Segments are grouped greedily by cosine
// similarity of their term-frequency vectors; each cluster becomes a topic
// whose probability is its share of clustered segments.
type Local struct {
	similarityThreshold float64
	minTopicSize        int
	topWords            int
	maxSegments         int
}

// LocalOption configures a Local analyzer
type LocalOption func(*Local)

// WithSimilarityThreshold sets the cosine similarity needed to join a cluster
func WithSimilarityThreshold(t float64) LocalOption {
	return func(l *Local) { l.similarityThreshold = t }
}

// WithMinTopicSize sets the minimum segments per topic; smaller clusters
// fall into the outlier topic
func WithMinTopicSize(n int) LocalOption {
	return func(l *Local) { l.minTopicSize = n }
}

// WithTopWords sets how many keywords each topic carries
func WithTopWords(n int) LocalOption {
	return func(l *Local) { l.topWords = n }
}

// NewLocal creates a local segment-clustering analyzer
func NewLocal(opts ...LocalOption) *Local {
	l := &Local{
		similarityThreshold: 0.25,
		minTopicSize:        2,
		topWords:            10,
		maxSegments:         200,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Name returns the analyzer name
func (l *Local) Name() string {
	return "local"
}

const (
	segmentMinChars = 200
	segmentMaxChars = 1200
)

var (
	wordPattern      = regexp.MustCompile(`[a-zA-Z][a-zA-Z\-]+`)
	signaturePattern = regexp.MustCompile(`\W+`)
)

// Analyze clusters the document's segments into topics
func (l *Local) Analyze(ctx context.Context, text string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewPermanentError(err)
	}

	text = strings.Join(strings.Fields(text), " ")
	if len(text) < 50 {
		return l.fallback(text), nil
	}

	segments := splitSegments(text, l.maxSegments)
	if len(segments) < l.minTopicSize+1 {
		return l.fallback(text), nil
	}

	vectors := make([]termVector, len(segments))
	for i, seg := range segments {
		vectors[i] = vectorize(seg)
	}

	clusters := l.cluster(vectors)

	// Clusters too small to stand alone become the outlier topic
	var kept []*segmentCluster
	outlierCount := 0
	for _, c := range clusters {
		if len(c.members) >= l.minTopicSize {
			kept = append(kept, c)
		} else {
			outlierCount += len(c.members)
		}
	}

	if len(kept) == 0 {
		return l.fallback(text), nil
	}

	// Largest cluster first; probability is the share of clustered segments
	sort.Slice(kept, func(i, j int) bool {
		return len(kept[i].members) > len(kept[j].members)
	})

	total := 0
	for _, c := range kept {
		total += len(c.members)
	}

	topics := make([]Topic, 0, len(kept))
	for id, c := range kept {
		topics = append(topics, Topic{
			ID:          id,
			Probability: float64(len(c.members)) / float64(total),
			Keywords:    c.topKeywords(l.topWords),
		})
	}

	keywords := deriveKeywords(topics[0].Keywords, 5)

	return &Result{Topics: topics, Keywords: keywords}, nil
}

// fallback produces a keyword-only result when there is too little text to
// cluster. The whole document is reported as the outlier topic.
func (l *Local) fallback(text string) *Result {
	vec := vectorize(text)
	kws := vec.top(l.topWords)
	return &Result{
		Topics: []Topic{{
			ID:          OutlierTopicID,
			Probability: 1.0,
			Keywords:    kws,
		}},
		Keywords: deriveKeywords(kws, 5),
	}
}

// splitSegments cuts the document into sentence-aligned chunks between
// segmentMinChars and segmentMaxChars, deduplicated by a lowercase signature
func splitSegments(text string, maxSegments int) []string {
	sentences := strings.SplitAfter(text, ". ")

	var segments []string
	var buf strings.Builder
	flush := func() {
		s := strings.TrimSpace(buf.String())
		if len(s) >= segmentMinChars/2 {
			segments = append(segments, s)
		}
		buf.Reset()
	}

	for _, sentence := range sentences {
		if buf.Len()+len(sentence) > segmentMaxChars && buf.Len() >= segmentMinChars {
			flush()
		}
		buf.WriteString(sentence)
		if buf.Len() >= segmentMinChars {
			flush()
		}
	}
	flush()

	seen := make(map[string]bool)
	uniq := segments[:0]
	for _, s := range segments {
		sig := signaturePattern.ReplaceAllString(strings.ToLower(s), " ")
		if len(sig) > 200 {
			sig = sig[:200]
		}
		if seen[sig] {
			continue
		}
		seen[sig] = true
		uniq = append(uniq, s)
	}

	if len(uniq) > maxSegments {
		uniq = uniq[:maxSegments]
	}
	return uniq
}

// termVector is a sparse term-frequency vector
type termVector map[string]float64

func vectorize(text string) termVector {
	vec := make(termVector)
	for _, word := range wordPattern.FindAllString(strings.ToLower(text), -1) {
		if len(word) < 3 || stopwords[word] {
			continue
		}
		vec[word]++
	}
	return vec
}

// top returns the n highest-count terms, ties broken alphabetically so the
// same text always yields the same keywords
func (v termVector) top(n int) []WordScore {
	type entry struct {
		word  string
		count float64
	}
	entries := make([]entry, 0, len(v))
	var max float64
	for w, c := range v {
		entries = append(entries, entry{w, c})
		if c > max {
			max = c
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].count != entries[j].count {
			return entries[i].count > entries[j].count
		}
		return entries[i].word < entries[j].word
	})
	if len(entries) > n {
		entries = entries[:n]
	}
	out := make([]WordScore, len(entries))
	for i, e := range entries {
		out[i] = WordScore{Word: e.word, Score: e.count / max}
	}
	return out
}

// cosineSimilarity over sparse vectors; 1 identical, 0 orthogonal
func cosineSimilarity(a, b termVector) float64 {
	if len(a) > len(b) {
		a, b = b, a
	}
	var dot, normA, normB float64
	for w, av := range a {
		if bv, ok := b[w]; ok {
			dot += av * bv
		}
		normA += av * av
	}
	for _, bv := range b {
		normB += bv * bv
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (sqrtFloat(normA) * sqrtFloat(normB))
}

func sqrtFloat(x float64) float64 {
	if x <= 0 {
		return 0
	}
	guess := x / 2
	for i := 0; i < 20; i++ {
		guess = (guess + x/guess) / 2
	}
	return guess
}

// segmentCluster accumulates segments and maintains a centroid term vector
type segmentCluster struct {
	members  []int
	centroid termVector
	terms    termVector // Aggregate counts for keyword extraction
}

func (c *segmentCluster) add(idx int, vec termVector) {
	c.members = append(c.members, idx)
	count := float64(len(c.members))

	if c.centroid == nil {
		c.centroid = make(termVector, len(vec))
		c.terms = make(termVector, len(vec))
	}

	// Running average: new_avg = old_avg + (value - old_avg) / count
	for w := range c.centroid {
		c.centroid[w] += (vec[w] - c.centroid[w]) / count
	}
	for w, v := range vec {
		if _, ok := c.centroid[w]; !ok {
			c.centroid[w] = v / count
		}
		c.terms[w] += v
	}
}

func (c *segmentCluster) topKeywords(n int) []WordScore {
	return c.terms.top(n)
}

// cluster assigns each segment to the most similar existing cluster above
// the threshold, or starts a new cluster and sweeps the remaining segments
// for members
func (l *Local) cluster(vectors []termVector) []*segmentCluster {
	var clusters []*segmentCluster
	assigned := make([]bool, len(vectors))

	for i := range vectors {
		if assigned[i] {
			continue
		}

		var best *segmentCluster
		bestSim := 0.0
		for _, c := range clusters {
			sim := cosineSimilarity(vectors[i], c.centroid)
			if sim > bestSim && sim >= l.similarityThreshold {
				bestSim = sim
				best = c
			}
		}

		if best != nil {
			best.add(i, vectors[i])
			assigned[i] = true
			continue
		}

		next := &segmentCluster{}
		next.add(i, vectors[i])
		assigned[i] = true

		for j := i + 1; j < len(vectors); j++ {
			if assigned[j] {
				continue
			}
			if cosineSimilarity(vectors[j], next.centroid) >= l.similarityThreshold {
				next.add(j, vectors[j])
				assigned[j] = true
			}
		}

		clusters = append(clusters, next)
	}

	return clusters
}

// deriveKeywords flattens topic keywords into the convenience keyword list
// stored on the bookmark
func deriveKeywords(scored []WordScore, n int) []string {
	if len(scored) > n {
		scored = scored[:n]
	}
	out := make([]string, len(scored))
	for i, ws := range scored {
		out[i] = ws.Word
	}
	return out
}
