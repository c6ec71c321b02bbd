package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// HealthChecker reports whether a backing dependency is usable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

type healthResult struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Store   string `json:"store"`
}

// RegisterHealthTool adds a health check tool to the MCP server.
// The tool returns the server status, version, and segment store reachability.
// store may be nil.
func RegisterHealthTool(s *server.MCPServer, version string, store HealthChecker) {
	tool := mcp.NewTool(
		"health",
		mcp.WithDescription("Returns server health status and version"),
		mcp.WithReadOnlyHintAnnotation(true),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		res := healthResult{Status: "ok", Version: version, Store: "unchecked"}
		if store != nil {
			if err := store.HealthCheck(ctx); err != nil {
				res.Status = "degraded"
				res.Store = "unreachable"
			} else {
				res.Store = "ok"
			}
		}

		result, err := json.Marshal(res)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal health result: %w", err)
		}
		return mcp.NewToolResultText(string(result)), nil
	})
}
