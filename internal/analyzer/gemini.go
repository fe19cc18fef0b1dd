package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"
)

const geminiEndpoint = "https://generativelanguage.googleapis.com/v1beta/models/%s:generateContent"

// jsonObjectPattern finds a JSON object in a model response that may be
// wrapped in markdown fencing or prose.
var jsonObjectPattern = regexp.MustCompile(`(?s)\{.*\}`)

// Gemini analyzes text using Google's Gemini API
type Gemini struct {
	apiKey      string
	model       string
	topKeywords int
	httpClient  *http.Client
	baseURL     string // Overridable for tests
}

// NewGemini creates a Gemini-backed analyzer
func NewGemini(apiKey, model string, topKeywords int) *Gemini {
	if model == "" {
		model = "gemini-1.5-flash"
	}
	if topKeywords == 0 {
		topKeywords = 10
	}

	return &Gemini{
		apiKey:      apiKey,
		model:       model,
		topKeywords: topKeywords,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		baseURL: fmt.Sprintf(geminiEndpoint, model),
	}
}

// Name returns the analyzer name
func (g *Gemini) Name() string {
	return "gemini"
}

// geminiRequest is the generateContent request body
type geminiRequest struct {
	Contents []geminiContent `json:"contents"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

// geminiResponse is the subset of the generateContent response we read
type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// geminiAnalysis is the JSON structure we ask the model to produce
type geminiAnalysis struct {
	Topics   []string `json:"topics"`
	Keywords []string `json:"keywords"`
}

// Analyze sends the text to Gemini and maps the returned topic labels and
// keywords into a topic distribution. The model returns labels without
// probabilities; labels are assigned rank-weighted probabilities so the
// pipeline's threshold and top-K selection behave the same for every
// analyzer.
func (g *Gemini) Analyze(ctx context.Context, text string) (*Result, error) {
	if g.apiKey == "" {
		return nil, NewPermanentError(fmt.Errorf("no Gemini API key configured"))
	}

	prompt := g.buildPrompt(text)

	reqBody := geminiRequest{
		Contents: []geminiContent{{Parts: []geminiPart{{Text: prompt}}}},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, NewPermanentError(fmt.Errorf("failed to marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, NewPermanentError(fmt.Errorf("failed to create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", g.apiKey)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, NewTransientError(fmt.Errorf("request timed out: %w", err))
		}
		return nil, NewTransientError(fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		apiErr := fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, NewTransientError(apiErr)
		}
		return nil, NewPermanentError(apiErr)
	}

	var geminiResp geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&geminiResp); err != nil {
		return nil, NewTransientError(fmt.Errorf("failed to decode response: %w", err))
	}

	if len(geminiResp.Candidates) == 0 || len(geminiResp.Candidates[0].Content.Parts) == 0 {
		return nil, NewTransientError(fmt.Errorf("no candidates returned"))
	}

	analysis, err := parseAnalysis(geminiResp.Candidates[0].Content.Parts[0].Text)
	if err != nil {
		return nil, NewTransientError(err)
	}

	return g.toResult(analysis), nil
}

func (g *Gemini) buildPrompt(text string) string {
	return fmt.Sprintf(`Analyze the following web page content and extract:
1. Primary topic (main subject/theme)
2. Secondary topics (2-3 related themes)
3. Top %d most relevant keywords

Return the analysis as a JSON object with this exact structure:
{
    "topics": ["primary topic", "secondary topic 1", "secondary topic 2"],
    "keywords": ["keyword1", "keyword2", "keyword3"]
}

Content to analyze:
%s`, g.topKeywords, text)
}

// parseAnalysis extracts the analysis JSON from a model response that may be
// wrapped in a markdown code fence
func parseAnalysis(raw string) (*geminiAnalysis, error) {
	text := strings.TrimSpace(raw)

	match := jsonObjectPattern.FindString(text)
	if match == "" {
		return nil, fmt.Errorf("no JSON object in response")
	}

	var analysis geminiAnalysis
	if err := json.Unmarshal([]byte(match), &analysis); err != nil {
		return nil, fmt.Errorf("invalid analysis JSON: %w", err)
	}

	if len(analysis.Topics) == 0 && len(analysis.Keywords) == 0 {
		return nil, fmt.Errorf("empty analysis returned")
	}

	// Cap topics at 3 like the prompt asks for; models occasionally ramble
	if len(analysis.Topics) > 3 {
		analysis.Topics = analysis.Topics[:3]
	}

	return &analysis, nil
}

// toResult converts topic labels into a ranked topic distribution.
// With n labels, label i gets probability (n-i) / (n*(n+1)/2), so the
// primary topic always ranks first and probabilities sum to 1.
func (g *Gemini) toResult(analysis *geminiAnalysis) *Result {
	keywords := analysis.Keywords
	if len(keywords) > g.topKeywords {
		keywords = keywords[:g.topKeywords]
	}

	scored := make([]WordScore, len(keywords))
	for i, word := range keywords {
		scored[i] = WordScore{
			Word:  word,
			Score: 1.0 - float64(i)/float64(len(keywords)),
		}
	}

	n := len(analysis.Topics)
	topics := make([]Topic, 0, n)
	total := float64(n*(n+1)) / 2
	for i := range analysis.Topics {
		topic := Topic{
			ID:          i,
			Probability: float64(n-i) / total,
		}
		if i == 0 {
			topic.Keywords = scored
		}
		topics = append(topics, topic)
	}

	return &Result{
		Topics:   topics,
		Keywords: keywords,
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}
