package search

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"
)

// snippetLength bounds the snippet extracted from document content.
const snippetLength = 280

// ChromemConfig holds configuration for the chromem-go backed index.
type ChromemConfig struct {
	// Path is the directory holding the prebuilt persistent index.
	// The directory must exist; corpusd never writes to it.
	Path string

	// DefaultLimit is used when a query specifies no limit. Default: 10.
	DefaultLimit int

	// MaxLimit caps the per-query result count. Default: 50.
	MaxLimit int
}

// ApplyDefaults sets default values for unset fields.
func (c *ChromemConfig) ApplyDefaults() {
	if c.DefaultLimit == 0 {
		c.DefaultLimit = 10
	}
	if c.MaxLimit == 0 {
		c.MaxLimit = 50
	}
}

// ChromemBackend implements Backend using chromem-go.
//
// chromem-go is an embeddable vector database with zero third-party
// dependencies; the offline index builder persists one collection per
// source kind (books, news, forum) into a single DB directory.
type ChromemBackend struct {
	db          *chromem.DB
	collections map[string]*chromem.Collection
	config      ChromemConfig
	logger      *zap.Logger
}

// NewChromemBackend opens the persistent index at config.Path.
//
// The embed function is used to embed query text only; document embeddings
// come from the prebuilt index. A missing or empty index is a fatal
// startup error.
func NewChromemBackend(config ChromemConfig, embed chromem.EmbeddingFunc, logger *zap.Logger) (*ChromemBackend, error) {
	if embed == nil {
		return nil, fmt.Errorf("embedding function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	config.ApplyDefaults()

	info, err := os.Stat(config.Path)
	if err != nil {
		return nil, fmt.Errorf("index path %s: %w", config.Path, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("index path %s is not a directory", config.Path)
	}

	db, err := chromem.NewPersistentDB(config.Path, false)
	if err != nil {
		return nil, fmt.Errorf("opening index at %s: %w", config.Path, err)
	}

	collections := make(map[string]*chromem.Collection)
	for name := range db.ListCollections() {
		col := db.GetCollection(name, embed)
		if col == nil {
			continue
		}
		collections[name] = col
	}
	if len(collections) == 0 {
		return nil, fmt.Errorf("index at %s contains no collections", config.Path)
	}

	b := &ChromemBackend{
		db:          db,
		collections: collections,
		config:      config,
		logger:      logger,
	}

	logger.Info("search index loaded",
		zap.String("path", config.Path),
		zap.Strings("sources", b.Sources()),
	)

	return b, nil
}

// Sources lists the source kinds present in the index, sorted.
func (b *ChromemBackend) Sources() []string {
	names := make([]string, 0, len(b.collections))
	for name := range b.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Counts returns the number of indexed documents per source.
func (b *ChromemBackend) Counts() map[string]int {
	counts := make(map[string]int, len(b.collections))
	for name, col := range b.collections {
		counts[name] = col.Count()
	}
	return counts
}

// Search runs the query against the requested source collections and
// returns the merged top hits ordered by similarity.
//
// A failure in one collection degrades the result (Warning set) rather
// than failing the whole search; only a total failure returns an error.
func (b *ChromemBackend) Search(ctx context.Context, q Query) (*ResultSet, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, ErrEmptyQuery
	}

	limit := q.Limit
	if limit <= 0 {
		limit = b.config.DefaultLimit
	}
	if limit > b.config.MaxLimit {
		limit = b.config.MaxLimit
	}

	targets, err := b.targetCollections(q.Sources)
	if err != nil {
		return nil, err
	}

	var (
		merged []Result
		failed []string
	)
	for name, col := range targets {
		n := limit
		if count := col.Count(); count < n {
			n = count
		}
		if n == 0 {
			continue
		}

		hits, err := col.Query(ctx, q.Text, n, nil, nil)
		if err != nil {
			b.logger.Warn("collection query failed",
				zap.String("source", name),
				zap.Error(err),
			)
			failed = append(failed, name)
			continue
		}

		for _, hit := range hits {
			merged = append(merged, resultFromHit(name, hit))
		}
	}

	if len(failed) == len(targets) && len(targets) > 0 {
		return nil, fmt.Errorf("%w: all collections failed", ErrUnavailable)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Score > merged[j].Score
	})
	if len(merged) > limit {
		merged = merged[:limit]
	}

	rs := &ResultSet{Results: merged}
	if len(failed) > 0 {
		sort.Strings(failed)
		rs.Warning = fmt.Sprintf("sources unavailable: %s", strings.Join(failed, ", "))
	}
	return rs, nil
}

// Document fetches a full document by id, scanning all collections.
func (b *ChromemBackend) Document(ctx context.Context, id string) (*Document, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	for name, col := range b.collections {
		doc, err := col.GetByID(ctx, id)
		if err != nil {
			continue
		}
		return &Document{
			ID:       doc.ID,
			Title:    doc.Metadata["title"],
			Source:   name,
			Content:  doc.Content,
			Metadata: doc.Metadata,
		}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Close releases backend resources. The chromem DB holds no open handles
// after load, so this is a no-op kept for interface symmetry.
func (b *ChromemBackend) Close() error {
	return nil
}

// targetCollections resolves the source filter into concrete collections.
func (b *ChromemBackend) targetCollections(sources []string) (map[string]*chromem.Collection, error) {
	if len(sources) == 0 {
		return b.collections, nil
	}
	targets := make(map[string]*chromem.Collection, len(sources))
	for _, name := range sources {
		col, ok := b.collections[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownSource, name)
		}
		targets[name] = col
	}
	return targets, nil
}

// resultFromHit converts a chromem query result into a search Result.
func resultFromHit(source string, hit chromem.Result) Result {
	return Result{
		ID:       hit.ID,
		Title:    hit.Metadata["title"],
		Source:   source,
		Snippet:  snippet(hit.Content),
		Score:    hit.Similarity,
		Metadata: hit.Metadata,
	}
}

// snippet truncates content on a rune boundary.
func snippet(content string) string {
	runes := []rune(content)
	if len(runes) <= snippetLength {
		return content
	}
	return string(runes[:snippetLength]) + "…"
}
