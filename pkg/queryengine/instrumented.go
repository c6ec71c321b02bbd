package queryengine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	engineCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "segments_query_engine_calls_total",
			Help: "Query engine calls by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	engineCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "segments_query_engine_call_duration_seconds",
			Help:    "Query engine call latency in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"operation"},
	)
)

// Outcome labels for engine call metrics.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

type instrumentedClient struct {
	next Client
}

// NewInstrumentedClient wraps next and records Prometheus metrics for every call.
func NewInstrumentedClient(next Client) Client {
	return &instrumentedClient{next: next}
}

var _ Client = (*instrumentedClient)(nil)

func (c *instrumentedClient) GenerateView(ctx context.Context, segmentID uuid.UUID, description string, asOf time.Time) (*ViewDefinition, error) {
	start := time.Now()
	def, err := c.next.GenerateView(ctx, segmentID, description, asOf)
	observe(PhaseGenerate, start, err)
	return def, err
}

func (c *instrumentedClient) ExecuteView(ctx context.Context, viewName string) (*ViewResult, error) {
	start := time.Now()
	res, err := c.next.ExecuteView(ctx, viewName)
	observe(PhaseExecute, start, err)
	return res, err
}

func (c *instrumentedClient) RefreshView(ctx context.Context, segmentID uuid.UUID, originalDescription string, asOf time.Time) (*ViewDefinition, error) {
	start := time.Now()
	def, err := c.next.RefreshView(ctx, segmentID, originalDescription, asOf)
	observe(PhaseRefresh, start, err)
	return def, err
}

func observe(phase Phase, start time.Time, err error) {
	engineCallDuration.WithLabelValues(string(phase)).Observe(time.Since(start).Seconds())
	engineCallsTotal.WithLabelValues(string(phase), outcomeLabel(err)).Inc()
}

// outcomeLabel reduces an error to a bounded label value.
func outcomeLabel(err error) string {
	if err == nil {
		return OutcomeSuccess
	}
	var engErr *Error
	if errors.As(err, &engErr) {
		return string(engErr.Kind)
	}
	return OutcomeError
}
