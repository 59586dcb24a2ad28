package sqlite

import (
	"context"
	"time"

	apperrors "github.com/taleforge/taleforge/internal/errors"
	"github.com/taleforge/taleforge/internal/graph"
)

var errNotConfigured = apperrors.New(apperrors.CodeGraphQueryFailed, "graph storage is not configured")

func queryFailed(op string, err error) error {
	return apperrors.Wrap(apperrors.CodeGraphQueryFailed, "graph "+op+" failed", err)
}

// UpsertNode inserts or overwrites the node keyed by (kind, id).
func (s *Store) UpsertNode(ctx context.Context, node graph.Node) error {
	if s == nil || s.sqlDB == nil {
		return errNotConfigured
	}
	_, err := s.sqlDB.ExecContext(ctx, `
		INSERT INTO graph_nodes (kind, id, session_id, name, severity, volatility, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (kind, id) DO UPDATE SET
			session_id = excluded.session_id,
			name = excluded.name,
			severity = excluded.severity,
			volatility = excluded.volatility
	`, string(node.Kind), node.ID, node.SessionID, node.Name, node.Severity, node.Volatility, toMillis(time.Now()))
	if err != nil {
		return queryFailed("upsert node", err)
	}
	return nil
}

func (s *Store) nodeExists(ctx context.Context, ref graph.Ref) (bool, error) {
	var exists int
	err := s.sqlDB.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM graph_nodes WHERE kind = ? AND id = ?)
	`, string(ref.Kind), ref.ID).Scan(&exists)
	if err != nil {
		return false, queryFailed("node lookup", err)
	}
	return exists == 1, nil
}

// UpsertEdge inserts or overwrites the edge keyed by endpoints and
// relation. Both endpoints must already be present in the graph.
func (s *Store) UpsertEdge(ctx context.Context, edge graph.Edge) error {
	if s == nil || s.sqlDB == nil {
		return errNotConfigured
	}
	for _, ref := range []graph.Ref{edge.From, edge.To} {
		exists, err := s.nodeExists(ctx, ref)
		if err != nil {
			return err
		}
		if !exists {
			return apperrors.WithMetadata(apperrors.CodeGraphUnknownNode, "graph node does not exist", map[string]string{
				"kind": string(ref.Kind),
				"id":   ref.ID,
			})
		}
	}
	_, err := s.sqlDB.ExecContext(ctx, `
		INSERT INTO graph_edges (from_kind, from_id, to_kind, to_id, relation, weight, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (from_kind, from_id, to_kind, to_id, relation) DO UPDATE SET
			weight = excluded.weight
	`, string(edge.From.Kind), edge.From.ID, string(edge.To.Kind), edge.To.ID, edge.Relation, edge.Weight, toMillis(time.Now()))
	if err != nil {
		return queryFailed("upsert edge", err)
	}
	return nil
}

// DeleteEdge removes one edge. Deleting an absent edge is not an error.
func (s *Store) DeleteEdge(ctx context.Context, from, to graph.Ref, relation string) error {
	if s == nil || s.sqlDB == nil {
		return errNotConfigured
	}
	_, err := s.sqlDB.ExecContext(ctx, `
		DELETE FROM graph_edges
		WHERE from_kind = ? AND from_id = ? AND to_kind = ? AND to_id = ? AND relation = ?
	`, string(from.Kind), from.ID, string(to.Kind), to.ID, relation)
	if err != nil {
		return queryFailed("delete edge", err)
	}
	return nil
}

// Momentum sums weight times volatility over IMPACTS edges whose source
// action belongs to the session.
func (s *Store) Momentum(ctx context.Context, sessionID string) (float64, error) {
	if s == nil || s.sqlDB == nil {
		return 0, errNotConfigured
	}
	var momentum float64
	err := s.sqlDB.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(e.weight * p.volatility), 0)
		FROM graph_edges e
		JOIN graph_nodes a ON a.kind = e.from_kind AND a.id = e.from_id
		JOIN graph_nodes p ON p.kind = e.to_kind AND p.id = e.to_id
		WHERE e.relation = ?
		AND a.kind = ? AND a.session_id = ?
		AND p.kind = ?
	`, graph.RelationImpacts, string(graph.KindAction), sessionID, string(graph.KindPlotPoint)).Scan(&momentum)
	if err != nil {
		return 0, queryFailed("momentum query", err)
	}
	return momentum, nil
}

// Cascade links over-threshold plot points to the session's synthetic
// triggered-event node. Links are keyed, so repeated calls are no-ops for
// plot points already linked; only newly linked ids are returned.
func (s *Store) Cascade(ctx context.Context, sessionID string, threshold float64) ([]string, error) {
	if s == nil || s.sqlDB == nil {
		return nil, errNotConfigured
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
		SELECT p.id
		FROM graph_edges e
		JOIN graph_nodes a ON a.kind = e.from_kind AND a.id = e.from_id
		JOIN graph_nodes p ON p.kind = e.to_kind AND p.id = e.to_id
		WHERE e.relation = ?
		AND a.kind = ? AND a.session_id = ?
		AND p.kind = ?
		GROUP BY p.id
		HAVING SUM(e.weight * p.volatility) > ?
		ORDER BY p.id
	`, graph.RelationImpacts, string(graph.KindAction), sessionID, string(graph.KindPlotPoint), threshold)
	if err != nil {
		return nil, queryFailed("cascade query", err)
	}
	var candidates []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, queryFailed("cascade scan", err)
		}
		candidates = append(candidates, id)
	}
	if err := rows.Close(); err != nil {
		return nil, queryFailed("cascade rows", err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, queryFailed("cascade begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := toMillis(time.Now())
	_, err = tx.ExecContext(ctx, `
		INSERT INTO graph_nodes (kind, id, session_id, name, severity, volatility, created_at)
		VALUES (?, ?, ?, 'cascade', 0, 0, ?)
		ON CONFLICT (kind, id) DO NOTHING
	`, string(graph.KindTriggeredEvent), sessionID, sessionID, now)
	if err != nil {
		return nil, queryFailed("cascade event node", err)
	}

	var linked []string
	for _, id := range candidates {
		result, err := tx.ExecContext(ctx, `
			INSERT INTO graph_edges (from_kind, from_id, to_kind, to_id, relation, weight, created_at)
			VALUES (?, ?, ?, ?, ?, 0, ?)
			ON CONFLICT (from_kind, from_id, to_kind, to_id, relation) DO NOTHING
		`, string(graph.KindPlotPoint), id, string(graph.KindTriggeredEvent), sessionID, graph.RelationCascaded, now)
		if err != nil {
			return nil, queryFailed("cascade link", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return nil, queryFailed("cascade link result", err)
		}
		if affected > 0 {
			linked = append(linked, id)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, queryFailed("cascade commit", err)
	}
	return linked, nil
}

// Decay subtracts rate from every IMPACTS edge weight and drops edges
// whose weight falls to zero or below.
func (s *Store) Decay(ctx context.Context, rate float64) error {
	if s == nil || s.sqlDB == nil {
		return errNotConfigured
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return queryFailed("decay begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		UPDATE graph_edges SET weight = weight - ? WHERE relation = ?
	`, rate, graph.RelationImpacts); err != nil {
		return queryFailed("decay update", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM graph_edges WHERE relation = ? AND weight <= 0
	`, graph.RelationImpacts); err != nil {
		return queryFailed("decay delete", err)
	}
	if err := tx.Commit(); err != nil {
		return queryFailed("decay commit", err)
	}
	return nil
}

// NodesByKind returns every node of one kind in id order.
func (s *Store) NodesByKind(ctx context.Context, kind graph.Kind) ([]graph.Node, error) {
	if s == nil || s.sqlDB == nil {
		return nil, errNotConfigured
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
		SELECT kind, id, session_id, name, severity, volatility
		FROM graph_nodes
		WHERE kind = ?
		ORDER BY id ASC
	`, string(kind))
	if err != nil {
		return nil, queryFailed("nodes query", err)
	}
	defer rows.Close()

	var nodes []graph.Node
	for rows.Next() {
		var node graph.Node
		var nodeKind string
		if err := rows.Scan(&nodeKind, &node.ID, &node.SessionID, &node.Name, &node.Severity, &node.Volatility); err != nil {
			return nil, queryFailed("nodes scan", err)
		}
		node.Kind = graph.Kind(nodeKind)
		nodes = append(nodes, node)
	}
	if err := rows.Err(); err != nil {
		return nil, queryFailed("nodes rows", err)
	}
	return nodes, nil
}

// Relationships returns every edge touching the node, inbound or outbound.
func (s *Store) Relationships(ctx context.Context, ref graph.Ref) ([]graph.Edge, error) {
	if s == nil || s.sqlDB == nil {
		return nil, errNotConfigured
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
		SELECT from_kind, from_id, to_kind, to_id, relation, weight
		FROM graph_edges
		WHERE (from_kind = ? AND from_id = ?) OR (to_kind = ? AND to_id = ?)
		ORDER BY relation ASC, from_id ASC, to_id ASC
	`, string(ref.Kind), ref.ID, string(ref.Kind), ref.ID)
	if err != nil {
		return nil, queryFailed("relationships query", err)
	}
	defer rows.Close()

	var edges []graph.Edge
	for rows.Next() {
		var edge graph.Edge
		var fromKind, toKind string
		if err := rows.Scan(&fromKind, &edge.From.ID, &toKind, &edge.To.ID, &edge.Relation, &edge.Weight); err != nil {
			return nil, queryFailed("relationships scan", err)
		}
		edge.From.Kind = graph.Kind(fromKind)
		edge.To.Kind = graph.Kind(toKind)
		edges = append(edges, edge)
	}
	if err := rows.Err(); err != nil {
		return nil, queryFailed("relationships rows", err)
	}
	return edges, nil
}
