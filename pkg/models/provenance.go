// Package models contains domain types for ekaya-segments.
package models

import "context"

// ProvenanceSource records which surface created or changed a segment.
type ProvenanceSource string

const (
	SourceAPI ProvenanceSource = "api" // Caller-facing HTTP API
	SourceMCP ProvenanceSource = "mcp" // Assistant via MCP tools
)

// String returns the string representation of a ProvenanceSource.
func (s ProvenanceSource) String() string {
	return string(s)
}

// IsValid returns true if the source is a known provenance source.
func (s ProvenanceSource) IsValid() bool {
	switch s {
	case SourceAPI, SourceMCP:
		return true
	default:
		return false
	}
}

// ProvenanceContext carries source and actor information through operations.
type ProvenanceContext struct {
	Source ProvenanceSource
	// ActorID is the opaque identity of the caller. It is not validated here.
	ActorID string
}

type provenanceKey struct{}

// WithProvenance returns a new context with provenance information attached.
func WithProvenance(ctx context.Context, p ProvenanceContext) context.Context {
	return context.WithValue(ctx, provenanceKey{}, p)
}

// GetProvenance retrieves provenance information from the context.
// Returns the provenance context and true if present, otherwise a zero value and false.
func GetProvenance(ctx context.Context) (ProvenanceContext, bool) {
	p, ok := ctx.Value(provenanceKey{}).(ProvenanceContext)
	return p, ok
}

// WithAPIProvenance returns a context with HTTP API provenance set.
func WithAPIProvenance(ctx context.Context, actorID string) context.Context {
	return WithProvenance(ctx, ProvenanceContext{Source: SourceAPI, ActorID: actorID})
}

// WithMCPProvenance returns a context with MCP provenance set.
func WithMCPProvenance(ctx context.Context, actorID string) context.Context {
	return WithProvenance(ctx, ProvenanceContext{Source: SourceMCP, ActorID: actorID})
}
