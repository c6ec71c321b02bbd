package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// AsOfDateLayout is the wire format of the logical "today" sent to the query engine.
const AsOfDateLayout = "2006-01-02"

// ColumnType is the display type inferred for a segment column.
type ColumnType string

const (
	ColumnTypeString   ColumnType = "string"
	ColumnTypeNumber   ColumnType = "number"
	ColumnTypeDate     ColumnType = "date"
	ColumnTypeCurrency ColumnType = "currency"
)

// IsValid returns true if t is one of the known column types.
func (t ColumnType) IsValid() bool {
	switch t {
	case ColumnTypeString, ColumnTypeNumber, ColumnTypeDate, ColumnTypeCurrency:
		return true
	default:
		return false
	}
}

// ColumnDefinition describes one display column of a segment.
type ColumnDefinition struct {
	Key   string     `json:"key"`
	Label string     `json:"label"`
	Type  ColumnType `json:"type"`
}

// Row is one result row. Keys keep the order the query engine returned them in.
type Row = *orderedmap.OrderedMap[string, any]

// NewRow builds a Row from alternating key/value pairs. Used mainly by tests and fixtures.
func NewRow(pairs ...orderedmap.Pair[string, any]) Row {
	return orderedmap.New[string, any](orderedmap.WithInitialData(pairs...))
}

// Segment is a named, persisted audience query with cached execution metadata.
type Segment struct {
	ID             uuid.UUID          `json:"segment_id"`
	Name           string             `json:"name"`
	Description    string             `json:"description"`
	OriginalPrompt string             `json:"original_prompt"`
	SQLQuery       string             `json:"sql_query"`
	ViewName       string             `json:"view_name"`
	Columns        []ColumnDefinition `json:"columns"`
	CreatedBy      string             `json:"created_by"`
	Source         ProvenanceSource   `json:"source,omitempty"`

	// CreatedDate is the logical as-of date the current SQL was generated against.
	CreatedDate time.Time `json:"created_date"`

	LastExecutedAt *time.Time `json:"last_executed_at,omitempty"`
	LastRowCount   *int       `json:"last_row_count,omitempty"`
	// StatsStale is set when a refresh replaced the definition but the follow-up
	// execution failed. Cleared by the next successful execution.
	StatsStale bool `json:"stats_stale"`

	IsDeleted bool       `json:"is_deleted"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// AsOfDate returns CreatedDate formatted for the query engine.
func (s *Segment) AsOfDate() string {
	return s.CreatedDate.Format(AsOfDateLayout)
}

// ExecutionResult is the outcome of running a segment's view.
type ExecutionResult struct {
	Columns    []ColumnDefinition `json:"columns"`
	Rows       []Row              `json:"rows"`
	RowCount   int                `json:"row_count"`
	ExecutedAt time.Time          `json:"executed_at"`
}

// RefreshResult is returned by a refresh. Stale is true when the new definition was
// committed but the follow-up execution failed; Execution is nil in that case.
type RefreshResult struct {
	Segment        *Segment         `json:"segment"`
	Execution      *ExecutionResult `json:"execution,omitempty"`
	Stale          bool             `json:"stale"`
	ExecutionError error            `json:"-"`
}

// MarshalJSON renders ExecutionError as text under execution_error.
func (r RefreshResult) MarshalJSON() ([]byte, error) {
	type plain RefreshResult
	out := struct {
		plain
		ExecutionError string `json:"execution_error,omitempty"`
	}{plain: plain(r)}
	if r.ExecutionError != nil {
		out.ExecutionError = r.ExecutionError.Error()
	}
	return json.Marshal(out)
}
