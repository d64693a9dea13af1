// Package search provides the semantic search backend over the curated
// corpus index.
//
// The index is built offline and opened read-only at startup. The backend
// is safe for concurrent use; callers do not lock.
package search

import (
	"context"
	"errors"
)

// Source kinds present in the corpus.
const (
	SourceBooks = "books"
	SourceNews  = "news"
	SourceForum = "forum"
)

// Sentinel errors for search operations.
var (
	// ErrNotFound is returned when a document id does not exist.
	ErrNotFound = errors.New("document not found")

	// ErrEmptyQuery is returned for empty query text.
	ErrEmptyQuery = errors.New("empty query")

	// ErrUnknownSource is returned when a filter names a source that is
	// not part of the corpus.
	ErrUnknownSource = errors.New("unknown source")

	// ErrUnavailable is returned when the backend cannot serve any query.
	ErrUnavailable = errors.New("search backend unavailable")
)

// Query describes a single search request.
type Query struct {
	// Text is the natural-language query.
	Text string

	// Limit is the maximum number of results to return.
	Limit int

	// Sources optionally restricts the search to the named source kinds.
	// Empty means all sources.
	Sources []string
}

// Result is a single ranked hit.
type Result struct {
	ID       string            `json:"id"`
	Title    string            `json:"title"`
	Source   string            `json:"source"`
	Snippet  string            `json:"snippet"`
	Score    float32           `json:"score"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ResultSet is the outcome of a search.
//
// Warning is set when the backend degraded (e.g. one source collection
// failed) but partial results are still usable.
type ResultSet struct {
	Results []Result `json:"results"`
	Warning string   `json:"warning,omitempty"`
}

// Document is a full corpus document.
type Document struct {
	ID       string            `json:"id"`
	Title    string            `json:"title"`
	Source   string            `json:"source"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Backend is the read-only search capability consumed by tool handlers.
type Backend interface {
	// Search returns ranked documents for the query.
	Search(ctx context.Context, q Query) (*ResultSet, error)

	// Document fetches a full document by id.
	Document(ctx context.Context, id string) (*Document, error)

	// Sources lists the source kinds present in the index.
	Sources() []string

	// Counts returns the number of indexed documents per source.
	Counts() map[string]int

	// Close releases backend resources.
	Close() error
}
