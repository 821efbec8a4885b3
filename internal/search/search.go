// Package search provides full-text search over audit activity, backed
// by Meilisearch with a PostgreSQL fallback.
package search

import "context"

// Result is a single search hit returned to the caller.
type Result struct {
	ID      string `json:"id"`
	UserID  string `json:"userId"`
	Email   string `json:"email"`
	Action  string `json:"action"`
	Sheet   string `json:"sheet"`
	Snippet string `json:"snippet"`
	At      string `json:"at"`
}

// Query describes a search request. A non-privileged caller's UserID is
// force-set before the query reaches either backend.
type Query struct {
	Text   string
	UserID string
	Action string
	Limit  int
	Offset int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// AuditRecord is the data we index for one audit entry.
type AuditRecord struct {
	ID      string `json:"id"`
	UserID  string `json:"userId"`
	Email   string `json:"email"`
	Action  string `json:"action"`
	Sheet   string `json:"sheet"`
	Details string `json:"details"`
	At      string `json:"at"`
}
