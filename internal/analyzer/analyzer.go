// Package analyzer extracts topics and keywords from page text.
// Implementations may call a remote LLM API or run a local model;
// the pipeline does not care which.
package analyzer

import (
	"context"
	"fmt"
)

// OutlierTopicID marks text not confidently assigned to any modeled topic.
const OutlierTopicID = -1

// WordScore is a keyword with its relevance score
type WordScore struct {
	Word  string  `json:"word"`
	Score float64 `json:"score"`
}

// Topic is one topic found in a document
type Topic struct {
	ID          int         `json:"topic_id"`
	Probability float64     `json:"probability"`
	Keywords    []WordScore `json:"keywords"`
}

// Result holds the analysis for one document
type Result struct {
	Topics   []Topic  `json:"topics"`
	Keywords []string `json:"keywords"`
}

// Analyzer produces topics and keywords for a single document's text
type Analyzer interface {
	Name() string
	Analyze(ctx context.Context, text string) (*Result, error)
}

// Error wraps an analyzer failure and records whether retrying makes sense.
// Transient failures (rate limits, 5xx, timeouts) are retried by the
// pipeline; permanent ones (bad request, auth) are not.
type Error struct {
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("analyzer error (%s): %v", kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewTransientError marks err as retryable
func NewTransientError(err error) *Error {
	return &Error{Transient: true, Err: err}
}

// NewPermanentError marks err as not worth retrying
func NewPermanentError(err error) *Error {
	return &Error{Transient: false, Err: err}
}
