package tools

import (
	"context"
	"fmt"

	"github.com/nextlevelbuilder/maestro/internal/search"
)

// RegisterSearchTools adds semantic search over history and memory. Both
// delegate to the external search subprocess.
func RegisterSearchTools(r *Registry) {
	r.Register(&Tool{
		Name:        "search_history",
		Description: "Search conversation history using semantic search.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "The search query.",
				},
				"max_results": map[string]any{
					"type":        "integer",
					"description": "Maximum number of results (default: 5).",
				},
			},
			"required": []string{"query"},
		},
		Handler: searchCollection(search.CollectionHistory),
	})

	r.Register(&Tool{
		Name:        "search_memory",
		Description: "Search memory files (MEMORY.md and related docs) using semantic search.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "The search query.",
				},
				"max_results": map[string]any{
					"type":        "integer",
					"description": "Maximum number of results (default: 5).",
				},
			},
			"required": []string{"query"},
		},
		Handler: searchCollection(search.CollectionMemory),
	})
}

func searchCollection(collection string) Handler {
	return func(ctx context.Context, tc *Context, input map[string]any) (string, error) {
		if tc.Search == nil {
			return "", fmt.Errorf("search not configured")
		}
		query := argString(input, "query")
		max := argInt(input, "max_results", 5)

		results, err := tc.Search.Search(ctx, query, collection, max)
		if err != nil {
			return "", err
		}
		return jsonResult(map[string]any{
			"query":   query,
			"results": results,
			"count":   len(results),
		}), nil
	}
}
