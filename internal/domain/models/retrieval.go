package models

import (
	"fmt"
	"strings"
	"time"
)

// RetrievalQuery asks the retrieval layer for the top K documents for Text.
type RetrievalQuery struct {
	Text string `json:"text"`
	TopK int    `json:"top_k"`
}

// Normalized lowercases the text and collapses whitespace.
func (q RetrievalQuery) Normalized() string {
	return strings.Join(strings.Fields(strings.ToLower(q.Text)), " ")
}

// CacheKey identifies the query for caching. Equal keys mean equal results.
func (q RetrievalQuery) CacheKey() string {
	return fmt.Sprintf("%s|k=%d", q.Normalized(), q.TopK)
}

// Document is one retrieved item.
type Document struct {
	ID          string    `json:"document_id"`
	Score       float64   `json:"score"`
	Content     string    `json:"content"`
	Source      string    `json:"source,omitempty"`
	PublishedAt time.Time `json:"published_at"`
}

// RetrievalResult holds documents ordered by descending score.
type RetrievalResult struct {
	Key       string     `json:"key"`
	Documents []Document `json:"documents"`
	FetchedAt time.Time  `json:"fetched_at"`
	Cached    bool       `json:"cached"`
}
