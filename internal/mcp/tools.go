package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/loreworks/corpusd/internal/search"
)

// NewCorpusRegistry builds the tool and prompt catalog served over the
// protocol.
func NewCorpusRegistry() *Registry {
	return NewRegistryBuilder().
		Tool(searchTool()).
		Tool(readDocumentTool()).
		Tool(listSourcesTool()).
		Prompt(researchBriefPrompt()).
		Prompt(summarizeDocumentPrompt()).
		Build()
}

// searchResultsPayload is the JSON document returned by the search tool.
type searchResultsPayload struct {
	Results []search.Result `json:"results"`
	Warning string          `json:"warning,omitempty"`
}

func searchTool() *Tool {
	return &Tool{
		Name:        "search",
		Description: "Semantic search over the knowledge corpus. Returns ranked document snippets with ids usable with read_document.",
		InputSchema: ObjectSchema(map[string]*Property{
			"query": {
				Type:        "string",
				Description: "Natural-language search query.",
			},
			"limit": {
				Type:        "integer",
				Description: "Maximum number of results (1-50, default 10).",
			},
			"sources": {
				Type:        "array",
				Description: "Restrict to these source kinds (books, news, forum). Empty searches all.",
				Items:       &Property{Type: "string"},
			},
		}, "query"),
		Handler: handleSearch,
	}
}

func handleSearch(ctx context.Context, args map[string]interface{}, backend search.Backend) (*ToolCallResult, *ToolError) {
	query := StringArg(args, "query")
	limit := IntArg(args, "limit", 0)
	sources := StringSliceArg(args, "sources")

	if _, present := args["limit"]; present && limit <= 0 {
		return nil, &ToolError{Code: CodeInvalidArguments, Message: "limit must be positive"}
	}

	rs, err := backend.Search(ctx, search.Query{Text: query, Limit: limit, Sources: sources})
	if err != nil {
		switch {
		case errors.Is(err, search.ErrEmptyQuery), errors.Is(err, search.ErrUnknownSource):
			return nil, &ToolError{Code: CodeInvalidArguments, Message: err.Error()}
		case errors.Is(err, search.ErrUnavailable):
			return nil, &ToolError{Code: CodeBackendUnavailable, Message: "search backend unavailable"}
		default:
			return nil, &ToolError{Code: CodeToolExecutionFailed, Message: "search failed"}
		}
	}

	payload, err := json.Marshal(searchResultsPayload{Results: rs.Results, Warning: rs.Warning})
	if err != nil {
		return nil, &ToolError{Code: CodeToolExecutionFailed, Message: "encoding results failed"}
	}

	return &ToolCallResult{Content: []ContentItem{TextContent(string(payload))}}, nil
}

func readDocumentTool() *Tool {
	return &Tool{
		Name:        "read_document",
		Description: "Fetch the full content of a corpus document by id.",
		InputSchema: ObjectSchema(map[string]*Property{
			"id": {
				Type:        "string",
				Description: "Document id as returned by search.",
			},
		}, "id"),
		Handler: handleReadDocument,
	}
}

func handleReadDocument(ctx context.Context, args map[string]interface{}, backend search.Backend) (*ToolCallResult, *ToolError) {
	id := StringArg(args, "id")

	doc, err := backend.Document(ctx, id)
	if err != nil {
		if errors.Is(err, search.ErrNotFound) {
			// Missing documents are part of the tool's contract, not a
			// protocol failure.
			return &ToolCallResult{
				Content: []ContentItem{TextContent(fmt.Sprintf("document not found: %s", id))},
				IsError: true,
			}, nil
		}
		return nil, &ToolError{Code: CodeToolExecutionFailed, Message: "document fetch failed"}
	}

	payload, err := json.Marshal(doc)
	if err != nil {
		return nil, &ToolError{Code: CodeToolExecutionFailed, Message: "encoding document failed"}
	}

	return &ToolCallResult{Content: []ContentItem{TextContent(string(payload))}}, nil
}

func listSourcesTool() *Tool {
	return &Tool{
		Name:        "list_sources",
		Description: "List the corpus source kinds and their document counts.",
		InputSchema: ObjectSchema(nil),
		Handler:     handleListSources,
	}
}

// sourceInfo is one list_sources entry.
type sourceInfo struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func handleListSources(_ context.Context, _ map[string]interface{}, backend search.Backend) (*ToolCallResult, *ToolError) {
	counts := backend.Counts()

	sources := make([]sourceInfo, 0, len(counts))
	for _, name := range backend.Sources() {
		sources = append(sources, sourceInfo{Name: name, Count: counts[name]})
	}

	payload, err := json.Marshal(map[string]interface{}{"sources": sources})
	if err != nil {
		return nil, &ToolError{Code: CodeToolExecutionFailed, Message: "encoding sources failed"}
	}

	return &ToolCallResult{Content: []ContentItem{TextContent(string(payload))}}, nil
}
