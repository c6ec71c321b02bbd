// Package queryengine provides a client for the external natural-language query engine
// that owns segment views.
package queryengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-segments/pkg/jsonutil"
	"github.com/ekaya-inc/ekaya-segments/pkg/logging"
	"github.com/ekaya-inc/ekaya-segments/pkg/models"
)

// DefaultTimeout bounds a single engine call when no explicit timeout is configured.
// Generation runs an LLM and routinely takes tens of seconds.
const DefaultTimeout = 120 * time.Second

// maxErrorBody limits how much of an engine error response is read.
const maxErrorBody = 64 << 10

// ViewDefinition is what the engine returns after generating or refreshing a view.
type ViewDefinition struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	SQL         string `json:"sql"`
	ViewName    string `json:"viewName"`
}

// ViewResult holds the rows produced by executing a view.
type ViewResult struct {
	Rows  []models.Row
	Count int
}

// Client is the contract the segment lifecycle relies on. Every call may be slow and
// every call may fail with an *Error.
type Client interface {
	// GenerateView creates the view for a new segment.
	GenerateView(ctx context.Context, segmentID uuid.UUID, description string, asOf time.Time) (*ViewDefinition, error)
	// ExecuteView runs an existing view.
	ExecuteView(ctx context.Context, viewName string) (*ViewResult, error)
	// RefreshView regenerates the definition behind the segment's existing view.
	RefreshView(ctx context.Context, segmentID uuid.UUID, originalDescription string, asOf time.Time) (*ViewDefinition, error)
}

type httpClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewHTTPClient creates a Client that talks to the engine's HTTP API at baseURL.
// A zero timeout leaves cancellation entirely to the caller's context.
func NewHTTPClient(baseURL string, timeout time.Duration, logger *zap.Logger) Client {
	return &httpClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger.Named("query_engine"),
	}
}

var _ Client = (*httpClient)(nil)

type createViewRequest struct {
	SegmentID   string `json:"segmentId"`
	Description string `json:"description"`
	CurrentDate string `json:"currentDate"`
}

type refreshViewRequest struct {
	OriginalDescription string `json:"originalDescription"`
	CurrentDate         string `json:"currentDate"`
}

type executeViewRequest struct {
	ViewName string `json:"viewName"`
}

type executeViewResponse struct {
	Customers []models.Row `json:"customers"`
	Count     *int         `json:"count"`
}

func (c *httpClient) GenerateView(ctx context.Context, segmentID uuid.UUID, description string, asOf time.Time) (*ViewDefinition, error) {
	body := createViewRequest{
		SegmentID:   segmentID.String(),
		Description: description,
		CurrentDate: asOf.Format(models.AsOfDateLayout),
	}

	var def ViewDefinition
	if err := c.post(ctx, PhaseGenerate, &def, body, "api", "segments", "create"); err != nil {
		return nil, err
	}
	if def.ViewName == "" || def.SQL == "" {
		return nil, &Error{Kind: KindRejected, Phase: PhaseGenerate, Detail: "engine returned an incomplete view definition"}
	}

	c.logger.Debug("Generated view",
		zap.String("segment_id", segmentID.String()),
		zap.String("view_name", def.ViewName),
		zap.String("sql", logging.SanitizeQuery(def.SQL)))

	return &def, nil
}

func (c *httpClient) ExecuteView(ctx context.Context, viewName string) (*ViewResult, error) {
	var resp executeViewResponse
	if err := c.post(ctx, PhaseExecute, &resp, executeViewRequest{ViewName: viewName}, "api", "segments", "execute-view"); err != nil {
		return nil, err
	}

	rows := resp.Customers
	if rows == nil {
		rows = []models.Row{}
	}
	count := len(rows)
	if resp.Count != nil {
		count = *resp.Count
	}

	c.logger.Debug("Executed view",
		zap.String("view_name", viewName),
		zap.Int("row_count", count))

	return &ViewResult{Rows: rows, Count: count}, nil
}

func (c *httpClient) RefreshView(ctx context.Context, segmentID uuid.UUID, originalDescription string, asOf time.Time) (*ViewDefinition, error) {
	body := refreshViewRequest{
		OriginalDescription: originalDescription,
		CurrentDate:         asOf.Format(models.AsOfDateLayout),
	}

	var def ViewDefinition
	if err := c.post(ctx, PhaseRefresh, &def, body, "api", "segments", segmentID.String(), "refresh"); err != nil {
		return nil, err
	}
	if def.SQL == "" {
		return nil, &Error{Kind: KindRejected, Phase: PhaseRefresh, Detail: "engine returned an empty query"}
	}

	c.logger.Debug("Refreshed view",
		zap.String("segment_id", segmentID.String()),
		zap.String("view_name", def.ViewName),
		zap.String("sql", logging.SanitizeQuery(def.SQL)))

	return &def, nil
}

// post sends body as JSON and decodes a 2xx response into out.
func (c *httpClient) post(ctx context.Context, phase Phase, out any, body any, pathSegments ...string) error {
	endpoint, err := buildURL(c.baseURL, pathSegments...)
	if err != nil {
		return &Error{Kind: KindUnreachable, Phase: phase, Detail: "invalid engine URL", Cause: err}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", phase, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("Query engine unreachable",
			zap.String("phase", string(phase)),
			zap.String("url", endpoint),
			zap.String("error", logging.SanitizeError(err)))
		return transportError(phase, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		detail := errorDetail(raw)
		c.logger.Error("Query engine returned error",
			zap.String("phase", string(phase)),
			zap.Int("status", resp.StatusCode),
			zap.String("detail", logging.SanitizeMessage(detail)))
		return statusError(phase, resp.StatusCode, detail)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if ctx.Err() != nil {
			return transportError(phase, ctx.Err())
		}
		return malformedResponse(phase, resp.StatusCode, err)
	}
	return nil
}

// errorDetail extracts a readable message from a FastAPI-style error body.
// detail may be a string, a list of validation errors, or anything else.
func errorDetail(raw []byte) string {
	var envelope struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil || len(envelope.Detail) == 0 {
		return strings.TrimSpace(string(raw))
	}

	var items []struct {
		Msg string `json:"msg"`
		Loc []any  `json:"loc"`
	}
	if err := json.Unmarshal(envelope.Detail, &items); err == nil && len(items) > 0 {
		msgs := make([]string, 0, len(items))
		for _, item := range items {
			if item.Msg == "" {
				continue
			}
			if len(item.Loc) > 0 {
				msgs = append(msgs, fmt.Sprintf("%v: %s", item.Loc[len(item.Loc)-1], item.Msg))
			} else {
				msgs = append(msgs, item.Msg)
			}
		}
		if len(msgs) > 0 {
			return strings.Join(msgs, "; ")
		}
	}

	return jsonutil.FlexibleStringValue(envelope.Detail)
}

// buildURL constructs a URL by parsing the base and joining path segments.
func buildURL(baseURL string, pathSegments ...string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}

	segments := append([]string{u.Path}, pathSegments...)
	u.Path = path.Join(segments...)

	return u.String(), nil
}
