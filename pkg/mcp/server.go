package mcp

import (
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-segments/pkg/mcp/tools"
	"github.com/ekaya-inc/ekaya-segments/pkg/services"
)

const instructions = "Tools for managing customer segments. A segment is created from a plain-language " +
	"description; its SQL is generated for the day it was created and only changes when you call " +
	"refresh_segment. execute_segment re-runs the stored SQL."

// Server wraps the mcp-go MCPServer with the segment tools registered.
type Server struct {
	mcp    *server.MCPServer
	logger *zap.Logger
}

// NewServer creates an MCP server exposing the segment lifecycle and a health tool.
// store may be nil.
func NewServer(name, version string, segmentService services.SegmentService, store tools.HealthChecker, logger *zap.Logger) *Server {
	mcpServer := server.NewMCPServer(
		name,
		version,
		server.WithToolCapabilities(true),
		server.WithInstructions(instructions),
		server.WithRecovery(),
	)

	tools.RegisterHealthTool(mcpServer, version, store)
	tools.RegisterSegmentTools(mcpServer, &tools.SegmentToolDeps{
		SegmentService: segmentService,
		Logger:         logger.Named("mcp"),
	})

	return &Server{
		mcp:    mcpServer,
		logger: logger,
	}
}

// MCP returns the underlying MCPServer.
func (s *Server) MCP() *server.MCPServer {
	return s.mcp
}

// NewStreamableHTTPServer creates an HTTP transport server wrapping this MCP server.
// The HTTP mux handles routing to /mcp, so no endpoint path is configured here.
func (s *Server) NewStreamableHTTPServer() *server.StreamableHTTPServer {
	return server.NewStreamableHTTPServer(
		s.mcp,
		server.WithStateLess(true),
	)
}
