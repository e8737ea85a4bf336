package weather

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nugget/clima/internal/mcp"
	"github.com/nugget/clima/internal/tools"
)

// ServerName is the name the tool server reports in its handshake.
const ServerName = "clima-weather"

// Fetcher is what the tool server needs from a weather client.
type Fetcher interface {
	Current(ctx context.Context, city string) (string, error)
	Forecast(ctx context.Context, city string, days int) (string, error)
}

// NewToolServer returns a stdio tool server exposing fetch_weather,
// fetch_forecast and the greeting:// resource.
func NewToolServer(f Fetcher, version string, logger *slog.Logger) *mcp.Server {
	srv := mcp.NewServer(ServerName, version, logger)

	srv.AddTool(mcp.ToolDefinition{
		Name:        "fetch_weather",
		Description: "Fetch the current weather for a city. Returns OpenWeather JSON with temperatures in °C.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"city": map[string]any{
					"type":        "string",
					"description": "City name, optionally with country code (e.g. 'Jundiai,BR').",
				},
			},
			"required": []string{"city"},
		},
	}, func(ctx context.Context, args map[string]any) (string, error) {
		return f.Current(ctx, tools.StringArg(args, "city"))
	})

	srv.AddTool(mcp.ToolDefinition{
		Name:        "fetch_forecast",
		Description: "Fetch the three-hourly forecast for a city. Returns OpenWeather JSON with one entry every 3 hours.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"city": map[string]any{
					"type":        "string",
					"description": "City name, optionally with country code.",
				},
				"days": map[string]any{
					"type":        "integer",
					"description": fmt.Sprintf("Number of days to cover (1-%d). Default: 1.", MaxForecastDays),
				},
			},
			"required": []string{"city"},
		},
	}, func(ctx context.Context, args map[string]any) (string, error) {
		return f.Forecast(ctx, tools.StringArg(args, "city"), tools.IntArg(args, "days", 1))
	})

	srv.AddResource(mcp.ResourceDefinition{
		URITemplate: "greeting://{name}",
		Name:        "greeting",
		Description: "A personalized greeting.",
		MimeType:    "text/plain",
	}, func(_ context.Context, uri string) (string, error) {
		return Greeting(strings.TrimPrefix(uri, "greeting://")), nil
	})

	return srv
}

// Greeting returns the greeting resource text for name.
func Greeting(name string) string {
	return fmt.Sprintf("Hello, %s!", name)
}
