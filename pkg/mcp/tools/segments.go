// Package tools provides MCP tool implementations for ekaya-segments.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-segments/pkg/models"
	"github.com/ekaya-inc/ekaya-segments/pkg/services"
)

// SegmentToolDeps contains dependencies for segment tools.
type SegmentToolDeps struct {
	SegmentService services.SegmentService
	Logger         *zap.Logger
}

// RegisterSegmentTools registers the segment lifecycle tools.
func RegisterSegmentTools(s *server.MCPServer, deps *SegmentToolDeps) {
	registerCreateSegmentTool(s, deps)
	registerListSegmentsTool(s, deps)
	registerGetSegmentTool(s, deps)
	registerExecuteSegmentTool(s, deps)
	registerRefreshSegmentTool(s, deps)
	registerDeleteSegmentTool(s, deps)
}

type listSegmentsResult struct {
	Segments []*models.Segment `json:"segments"`
	Count    int               `json:"count"`
}

type deleteSegmentResult struct {
	SegmentID string `json:"segment_id"`
	Deleted   bool   `json:"deleted"`
}

func registerCreateSegmentTool(s *server.MCPServer, deps *SegmentToolDeps) {
	tool := mcp.NewTool(
		"create_segment",
		mcp.WithDescription(
			"Create a customer segment from a natural-language description, e.g. "+
				"'customers who bought in the last 6 months'. The query engine generates the SQL "+
				"against today's date and a sample is executed to infer the columns. "+
				"Returns the saved segment including its segment_id.",
		),
		mcp.WithString("description",
			mcp.Required(),
			mcp.Description("Plain-language description of the customers to include (max 2000 characters)"),
		),
		mcp.WithString("created_by",
			mcp.Description("Optional identity to record as the creator"),
		),
		mcp.WithString("idempotency_key",
			mcp.Description("Optional key; repeating a create with the same key returns the first segment"),
		),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithIdempotentHintAnnotation(false),
		mcp.WithOpenWorldHintAnnotation(true),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		description, err := req.RequireString("description")
		if err != nil {
			return NewErrorResult("invalid_parameters", "description is required"), nil
		}
		actor := strings.TrimSpace(req.GetString("created_by", ""))
		key := strings.TrimSpace(req.GetString("idempotency_key", ""))

		ctx = models.WithMCPProvenance(ctx, actor)
		seg, err := deps.SegmentService.CreateWithIdempotencyKey(ctx, key, description, actor)
		if err != nil {
			return handleSegmentError(deps, "create_segment", uuid.Nil, err)
		}
		return jsonResult(seg)
	})
}

func registerListSegmentsTool(s *server.MCPServer, deps *SegmentToolDeps) {
	tool := mcp.NewTool(
		"list_segments",
		mcp.WithDescription("List all segments, newest first. Deleted segments are not included."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithIdempotentHintAnnotation(true),
		mcp.WithOpenWorldHintAnnotation(false),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		segments, err := deps.SegmentService.List(ctx)
		if err != nil {
			return handleSegmentError(deps, "list_segments", uuid.Nil, err)
		}
		return jsonResult(listSegmentsResult{Segments: segments, Count: len(segments)})
	})
}

func registerGetSegmentTool(s *server.MCPServer, deps *SegmentToolDeps) {
	tool := mcp.NewTool(
		"get_segment",
		mcp.WithDescription("Get a segment's definition, columns and last execution stats."),
		segmentIDParam(),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithIdempotentHintAnnotation(true),
		mcp.WithOpenWorldHintAnnotation(false),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, errResult := parseSegmentID(req)
		if errResult != nil {
			return errResult, nil
		}
		seg, err := deps.SegmentService.Get(ctx, id)
		if err != nil {
			return handleSegmentError(deps, "get_segment", id, err)
		}
		return jsonResult(seg)
	})
}

func registerExecuteSegmentTool(s *server.MCPServer, deps *SegmentToolDeps) {
	tool := mcp.NewTool(
		"execute_segment",
		mcp.WithDescription(
			"Run a segment's stored query and return the matching customers. "+
				"The SQL is not regenerated; use refresh_segment to move the as-of date to today.",
		),
		segmentIDParam(),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithIdempotentHintAnnotation(true),
		mcp.WithOpenWorldHintAnnotation(true),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, errResult := parseSegmentID(req)
		if errResult != nil {
			return errResult, nil
		}
		result, err := deps.SegmentService.Execute(ctx, id)
		if err != nil {
			return handleSegmentError(deps, "execute_segment", id, err)
		}
		return jsonResult(result)
	})
}

func registerRefreshSegmentTool(s *server.MCPServer, deps *SegmentToolDeps) {
	tool := mcp.NewTool(
		"refresh_segment",
		mcp.WithDescription(
			"Regenerate a segment's SQL for today's date from its original description, then run it. "+
				"If the new SQL was saved but could not be executed, the result has stale=true "+
				"and execution_error explains why."),
		segmentIDParam(),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithIdempotentHintAnnotation(false),
		mcp.WithOpenWorldHintAnnotation(true),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, errResult := parseSegmentID(req)
		if errResult != nil {
			return errResult, nil
		}
		result, err := deps.SegmentService.Refresh(ctx, id)
		if err != nil {
			return handleSegmentError(deps, "refresh_segment", id, err)
		}
		return jsonResult(result)
	})
}

func registerDeleteSegmentTool(s *server.MCPServer, deps *SegmentToolDeps) {
	tool := mcp.NewTool(
		"delete_segment",
		mcp.WithDescription("Delete a segment. It disappears from list_segments and can no longer be executed."),
		segmentIDParam(),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(true),
		mcp.WithIdempotentHintAnnotation(true),
		mcp.WithOpenWorldHintAnnotation(false),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, errResult := parseSegmentID(req)
		if errResult != nil {
			return errResult, nil
		}
		deleted, err := deps.SegmentService.SoftDelete(ctx, id)
		if err != nil {
			return handleSegmentError(deps, "delete_segment", id, err)
		}
		return jsonResult(deleteSegmentResult{SegmentID: id.String(), Deleted: deleted})
	})
}

func segmentIDParam() mcp.ToolOption {
	return mcp.WithString("segment_id",
		mcp.Required(),
		mcp.Description("Segment ID (UUID) as returned by create_segment or list_segments"),
	)
}

// parseSegmentID returns an error result when segment_id is missing or malformed.
func parseSegmentID(req mcp.CallToolRequest) (uuid.UUID, *mcp.CallToolResult) {
	raw, err := req.RequireString("segment_id")
	if err != nil {
		return uuid.Nil, NewErrorResult("invalid_parameters", "segment_id is required")
	}
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return uuid.Nil, NewErrorResult("invalid_segment_id", fmt.Sprintf("%q is not a valid segment id", raw))
	}
	return id, nil
}

// handleSegmentError turns recoverable failures into error results the assistant can
// read, and returns infrastructure failures as Go errors.
func handleSegmentError(deps *SegmentToolDeps, tool string, id uuid.UUID, err error) (*mcp.CallToolResult, error) {
	fields := []zap.Field{zap.String("tool", tool), zap.Error(err)}
	if id != uuid.Nil {
		fields = append(fields, zap.String("segment_id", id.String()))
	}

	if result := NewSegmentErrorResult(err); result != nil {
		deps.Logger.Debug("Segment tool returned error result", fields...)
		return result, nil
	}
	deps.Logger.Error("Segment tool failed", fields...)
	return nil, fmt.Errorf("%s failed: %w", tool, err)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return mcp.NewToolResultText(string(b)), nil
}
