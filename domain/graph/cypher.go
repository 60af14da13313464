package graph

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// statement is a Cypher query together with its bound parameters. All graph
// access goes through parameterized statements; Literal() exists only for
// deployments whose bolt proxy cannot forward parameters.
type statement struct {
	query  string
	params map[string]any
}

func nodeParams(id uuid.UUID, props NodeProps) map[string]any {
	m := props.Params()
	m["id"] = id.String()
	return m
}

func edgeParams(id uuid.UUID, props ConnectionProps) map[string]any {
	m := props.Params()
	m["id"] = id.String()
	return m
}

// createNodeStmt upserts a labeled node and sets the full property snapshot.
// MERGE on the id keeps the write idempotent, so a replayed apply after a
// partial failure converges instead of duplicating the node. Cypher cannot
// parameterize labels, so the label is interpolated from the validated
// NodeLabel enum.
func createNodeStmt(id uuid.UUID, props NodeProps) statement {
	return statement{
		query: fmt.Sprintf("MERGE (n:%s {id: $id}) SET n = $props RETURN n.id AS id",
			props.Label().CypherLabel()),
		params: map[string]any{"id": id.String(), "props": nodeParams(id, props)},
	}
}

func getNodeStmt(id uuid.UUID) statement {
	return statement{
		query:  "MATCH (n) WHERE n.id = $id RETURN labels(n) AS labels, properties(n) AS props",
		params: map[string]any{"id": id.String()},
	}
}

// updateNodeStmt replaces the node's entire property snapshot. Updates always
// write the merged snapshot computed by the caller, so a plain replace keeps
// the graph store deterministic.
func updateNodeStmt(id uuid.UUID, props NodeProps) statement {
	return statement{
		query: fmt.Sprintf(
			"MATCH (n:%s) WHERE n.id = $id SET n = $props RETURN count(n) AS updated",
			props.Label().CypherLabel()),
		params: map[string]any{"id": id.String(), "props": nodeParams(id, props)},
	}
}

func deleteNodeStmt(id uuid.UUID) statement {
	return statement{
		query:  "MATCH (n) WHERE n.id = $id DETACH DELETE n RETURN count(n) AS deleted",
		params: map[string]any{"id": id.String()},
	}
}

// createEdgeStmt upserts a connection between two existing nodes. Zero result
// rows means at least one endpoint is missing from the graph.
func createEdgeStmt(id, srcID, dstID uuid.UUID, props ConnectionProps) statement {
	return statement{
		query: "MATCH (a), (b) WHERE a.id = $src AND b.id = $dst " +
			"MERGE (a)-[r:CONNECTION {id: $id}]->(b) SET r = $props RETURN r.id AS id",
		params: map[string]any{
			"id":    id.String(),
			"src":   srcID.String(),
			"dst":   dstID.String(),
			"props": edgeParams(id, props),
		},
	}
}

const edgeReturn = "RETURN r.id AS id, a.id AS src, b.id AS dst, properties(r) AS props"

func getEdgeStmt(id uuid.UUID) statement {
	return statement{
		query:  "MATCH (a)-[r:CONNECTION]->(b) WHERE r.id = $id " + edgeReturn,
		params: map[string]any{"id": id.String()},
	}
}

func edgesByCompositeStmt(compositeID uuid.UUID) statement {
	return statement{
		query:  "MATCH (a)-[r:CONNECTION]->(b) WHERE r.composite_id = $cid " + edgeReturn,
		params: map[string]any{"cid": compositeID.String()},
	}
}

// edgesTouchingStmt matches every connection whose source or target is the
// given node, in either direction.
func edgesTouchingStmt(nodeID uuid.UUID) statement {
	return statement{
		query:  "MATCH (a)-[r:CONNECTION]->(b) WHERE a.id = $id OR b.id = $id " + edgeReturn,
		params: map[string]any{"id": nodeID.String()},
	}
}

func updateEdgeStmt(id uuid.UUID, props ConnectionProps) statement {
	return statement{
		query: "MATCH ()-[r:CONNECTION]->() WHERE r.id = $id " +
			"SET r = $props RETURN count(r) AS updated",
		params: map[string]any{"id": id.String(), "props": edgeParams(id, props)},
	}
}

func deleteEdgeStmt(id uuid.UUID) statement {
	return statement{
		query:  "MATCH ()-[r:CONNECTION]->() WHERE r.id = $id DELETE r RETURN count(r) AS deleted",
		params: map[string]any{"id": id.String()},
	}
}

// scanNodeIDsStmt pages through all node ids for reconciliation sweeps.
func scanNodeIDsStmt(offset, limit int) statement {
	return statement{
		query:  "MATCH (n) RETURN n.id AS id ORDER BY n.id SKIP $skip LIMIT $limit",
		params: map[string]any{"skip": offset, "limit": limit},
	}
}

func scanEdgeIDsStmt(offset, limit int) statement {
	return statement{
		query:  "MATCH ()-[r:CONNECTION]->() RETURN r.id AS id ORDER BY r.id SKIP $skip LIMIT $limit",
		params: map[string]any{"skip": offset, "limit": limit},
	}
}

// escapeText makes a string safe for inline single-quoted Cypher literals.
// Backslashes must be doubled before quotes are escaped, otherwise the
// escape characters themselves would be re-escaped.
func escapeText(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `'`, `\'`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	s = strings.ReplaceAll(s, "\n", `\n`)
	s = strings.ReplaceAll(s, "\r", `\r`)
	return s
}

// inlineValue renders a parameter value as a Cypher literal. Numeric and
// boolean values pass through without quoting or escaping.
func inlineValue(v any) string {
	switch val := v.(type) {
	case string:
		return "'" + escapeText(val) + "'"
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+": "+inlineValue(val[k]))
		}
		return "{" + strings.Join(parts, ", ") + "}"
	default:
		return "'" + escapeText(fmt.Sprintf("%v", val)) + "'"
	}
}

var paramRef = regexp.MustCompile(`\$[a-zA-Z][a-zA-Z0-9_]*`)

// Literal renders the statement with every parameter inlined as an escaped
// literal. Fallback path for bolt front-ends that strip query parameters;
// the parameterized form is always preferred.
func (s statement) Literal() string {
	return paramRef.ReplaceAllStringFunc(s.query, func(ref string) string {
		v, ok := s.params[ref[1:]]
		if !ok {
			return ref
		}
		return inlineValue(v)
	})
}
