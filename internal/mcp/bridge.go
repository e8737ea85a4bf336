package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/nugget/clima/internal/tools"
)

// sanitizeRe matches characters that are not lowercase alphanumeric or underscore.
var sanitizeRe = regexp.MustCompile(`[^a-z0-9_]`)

// BridgeTools discovers the channel's tools and registers a proxy for
// each on registry. Tools keep their server-side names; the handlers
// resolve the live connection on every call, so a reconnect does not
// require re-bridging. When include is non-empty only the named tools
// are registered. Returns the number of tools registered.
func BridgeTools(ctx context.Context, ch *Channel, registry *tools.Registry, include []string, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}

	defs, err := ch.Tools(ctx)
	if err != nil {
		return 0, fmt.Errorf("list tools from %s: %w", ch.Name(), err)
	}

	includeSet := toSet(include)
	count := 0
	for _, td := range defs {
		if len(includeSet) > 0 && !includeSet[td.Name] {
			continue
		}
		name := sanitize(td.Name)
		if registry.Get(name) != nil && registry.Get(name).Source != ch.Name() {
			name = ToolName(ch.Name(), td.Name)
		}
		registry.Register(bridgeTool(ch, name, td))
		count++

		logger.Debug("bridged MCP tool",
			"mcp_name", td.Name,
			"tool_name", name,
			"server", ch.Name(),
		)
	}
	return count, nil
}

// ToolName generates a namespaced tool name ("mcp_{server}_{tool}"),
// used when a server tool would shadow a native one.
func ToolName(serverName, mcpToolName string) string {
	return fmt.Sprintf("mcp_%s_%s", sanitize(serverName), sanitize(mcpToolName))
}

// bridgeTool creates a registry tool that proxies calls to the server.
// A successful call returns the raw result text; the model receives
// the tool's JSON unchanged.
func bridgeTool(ch *Channel, name string, td ToolDefinition) *tools.Tool {
	mcpName := td.Name
	return &tools.Tool{
		Name:        name,
		Description: td.Description,
		Parameters:  td.InputSchema,
		Source:      ch.Name(),
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			res, err := ch.CallTool(ctx, mcpName, args)
			if err != nil {
				return "", err
			}
			return res.Text, nil
		},
	}
}

// sanitize lowercases name and replaces anything other than
// alphanumerics and underscores with single underscores.
func sanitize(name string) string {
	s := strings.ToLower(name)
	s = sanitizeRe.ReplaceAllString(s, "_")
	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}
	return strings.Trim(s, "_")
}

func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	m := make(map[string]bool, len(items))
	for _, item := range items {
		m[item] = true
	}
	return m
}
