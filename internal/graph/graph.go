// Package graph defines the causal graph consumed by momentum accounting.
// Nodes project story entities into a directed graph; weighted IMPACTS
// edges from a session's actions onto plot points carry the causal
// pressure that momentum sums up.
package graph

import (
	"context"

	apperrors "github.com/taleforge/taleforge/internal/errors"
)

// Kind identifies the projection a node belongs to.
type Kind string

// Node kinds.
const (
	KindAction         Kind = "action"
	KindPlotPoint      Kind = "plot_point"
	KindNPC            Kind = "npc"
	KindPlayer         Kind = "player"
	KindTriggeredEvent Kind = "triggered_event"
)

// Edge relations. Weight is meaningful only on IMPACTS edges.
const (
	RelationImpacts   = "IMPACTS"
	RelationPerformed = "PERFORMED"
	RelationCascaded  = "CASCADED"
	RelationKnows     = "KNOWS"
)

// ErrUnknownNode indicates an edge endpoint that has never been upserted.
var ErrUnknownNode = apperrors.New(apperrors.CodeGraphUnknownNode, "graph node does not exist")

// Node is one graph-resident projection of a story entity. Severity is
// meaningful on Action nodes, Volatility on PlotPoint nodes; both default
// to zero elsewhere. SessionID is set on Action and TriggeredEvent nodes
// and scopes momentum accounting.
type Node struct {
	Kind       Kind
	ID         string
	SessionID  string
	Name       string
	Severity   float64
	Volatility float64
}

// Ref addresses a node by its composite key.
type Ref struct {
	Kind Kind
	ID   string
}

// Edge is one directed relation between two nodes.
type Edge struct {
	From     Ref
	To       Ref
	Relation string
	Weight   float64
}

// Store is the narrow graph persistence surface. Query failures surface
// as retryable GRAPH_QUERY_FAILED domain errors so momentum accounting is
// never silently corrupted.
type Store interface {
	// UpsertNode inserts or overwrites a node. The same (kind, id) always
	// resolves to the same node; attributes are replaced, never duplicated.
	UpsertNode(ctx context.Context, node Node) error
	// UpsertEdge inserts or overwrites the edge keyed by (from, to,
	// relation). Both endpoints must already exist.
	UpsertEdge(ctx context.Context, edge Edge) error
	DeleteEdge(ctx context.Context, from, to Ref, relation string) error

	// Momentum sums weight times volatility over IMPACTS edges whose
	// source action belongs to the session.
	Momentum(ctx context.Context, sessionID string) (float64, error)
	// Cascade links every plot point whose aggregated incoming weighted
	// momentum from the session exceeds threshold to a synthetic
	// triggered-event node. Repeated calls never duplicate links; the
	// returned ids cover only plot points linked by this call.
	Cascade(ctx context.Context, sessionID string, threshold float64) ([]string, error)
	// Decay subtracts rate from every IMPACTS edge weight and deletes
	// edges whose weight falls to zero or below.
	Decay(ctx context.Context, rate float64) error

	NodesByKind(ctx context.Context, kind Kind) ([]Node, error)
	// Relationships returns every edge touching the node, inbound or
	// outbound.
	Relationships(ctx context.Context, ref Ref) ([]Edge, error)
}
