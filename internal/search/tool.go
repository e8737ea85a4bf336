package search

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/nugget/clima/internal/tools"
)

// ToolName is the name the search tool is registered under.
const ToolName = "web_search"

// ErrMissingQuery is returned by the tool when no query is given.
var ErrMissingQuery = errors.New("query is required")

// Tool returns the web_search tool backed by mgr. The caller's default
// location, when present in the context, is used as a locality hint
// unless the model passes local=false.
func Tool(mgr *Manager) *tools.Tool {
	return &tools.Tool{
		Name: ToolName,
		Description: "Search the web for current information not covered by the weather tools, " +
			"such as alerts, news about storms or air quality. Returns a JSON list of results.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "The search query string.",
				},
				"count": map[string]any{
					"type":        "integer",
					"description": "Maximum number of results to return (1-10). Default: 5.",
				},
				"language": map[string]any{
					"type":        "string",
					"description": "ISO 639-1 language code for results (e.g., 'pt', 'en').",
				},
				"local": map[string]any{
					"type":        "boolean",
					"description": "Bias results toward the user's location. Default: true.",
				},
			},
			"required": []string{"query"},
		},
		Handler: handler(mgr),
		Source:  "native",
	}
}

func handler(mgr *Manager) tools.Handler {
	return func(ctx context.Context, args map[string]any) (string, error) {
		query := tools.StringArg(args, "query")
		if query == "" {
			return "", ErrMissingQuery
		}

		opts := Options{
			Count:    tools.IntArg(args, "count", 0),
			Language: tools.StringArg(args, "language"),
		}
		if local, ok := args["local"].(bool); !ok || local {
			opts.Locality = tools.LocationFromContext(ctx)
		}

		results, err := mgr.Search(ctx, query, opts)
		if err != nil {
			return "", err
		}
		if len(results) == 0 {
			return FormatResults(nil), nil
		}

		out, err := json.Marshal(results)
		if err != nil {
			return FormatResults(results), nil
		}
		return string(out), nil
	}
}
