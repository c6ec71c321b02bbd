package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-segments/pkg/models"
	"github.com/ekaya-inc/ekaya-segments/pkg/services"
)

// mockSegmentService records calls and returns canned results.
type mockSegmentService struct {
	segment   *models.Segment
	segments  []*models.Segment
	execution *models.ExecutionResult
	refresh   *models.RefreshResult
	err       error

	lastKey         string
	lastDescription string
	lastActor       string
	lastSource      models.ProvenanceSource
	lastID          uuid.UUID
}

var _ services.SegmentService = (*mockSegmentService)(nil)

func (m *mockSegmentService) Create(ctx context.Context, description, actor string) (*models.Segment, error) {
	return m.CreateWithIdempotencyKey(ctx, "", description, actor)
}

func (m *mockSegmentService) CreateWithIdempotencyKey(ctx context.Context, key, description, actor string) (*models.Segment, error) {
	m.lastKey = key
	m.lastDescription = description
	m.lastActor = actor
	if p, ok := models.GetProvenance(ctx); ok {
		m.lastSource = p.Source
	}
	if m.err != nil {
		return nil, m.err
	}
	return m.segment, nil
}

func (m *mockSegmentService) Get(ctx context.Context, id uuid.UUID) (*models.Segment, error) {
	m.lastID = id
	if m.err != nil {
		return nil, m.err
	}
	return m.segment, nil
}

func (m *mockSegmentService) List(ctx context.Context) ([]*models.Segment, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.segments, nil
}

func (m *mockSegmentService) Execute(ctx context.Context, id uuid.UUID) (*models.ExecutionResult, error) {
	m.lastID = id
	if m.err != nil {
		return nil, m.err
	}
	return m.execution, nil
}

func (m *mockSegmentService) Refresh(ctx context.Context, id uuid.UUID) (*models.RefreshResult, error) {
	m.lastID = id
	if m.err != nil {
		return nil, m.err
	}
	return m.refresh, nil
}

func (m *mockSegmentService) SoftDelete(ctx context.Context, id uuid.UUID) (bool, error) {
	m.lastID = id
	if m.err != nil {
		return false, m.err
	}
	return true, nil
}

// toolResponse is the JSON-RPC envelope of a tools/call.
type toolResponse struct {
	Result *struct {
		IsError bool `json:"isError"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"result"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// callTool sends a tools/call through the server and decodes the response.
func callTool(t *testing.T, s *server.MCPServer, name string, args map[string]any) toolResponse {
	t.Helper()
	params, err := json.Marshal(map[string]any{"name": name, "arguments": args})
	require.NoError(t, err)

	msg := fmt.Sprintf(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":%s}`, params)
	raw, err := json.Marshal(s.HandleMessage(context.Background(), []byte(msg)))
	require.NoError(t, err)

	var resp toolResponse
	require.NoError(t, json.Unmarshal(raw, &resp))
	return resp
}

// text returns the first text content of a successful tool call.
func (r toolResponse) text(t *testing.T) string {
	t.Helper()
	require.Nil(t, r.Error, "unexpected protocol error")
	require.NotNil(t, r.Result)
	require.NotEmpty(t, r.Result.Content)
	return r.Result.Content[0].Text
}
