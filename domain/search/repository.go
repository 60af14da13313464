package search

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/uptrace/bun"

	"github.com/agoramaps/agora.graph/domain/graph"
	"github.com/agoramaps/agora.graph/pkg/apperror"
	"github.com/agoramaps/agora.graph/pkg/logger"
)

// Repository runs the individual search methods against the version log. All
// three share one shape: score rows in SQL, keep each entity's best row, and
// cap the candidates per method.
type Repository struct {
	db  bun.IDB
	log *slog.Logger
}

// NewRepository creates a new search repository
func NewRepository(db bun.IDB, log *slog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With(logger.Scope("search.repo")),
	}
}

// MatchRow is one scored row from a search method.
type MatchRow struct {
	EntityID      uuid.UUID
	Label         string
	Text          string
	VersionNumber int
	Score         float64
}

// SubstringRow carries the match geometry instead of a score; the service
// derives the rank from position and lengths. Postgres counts both in
// characters, so the numbers line up with rune counts.
type SubstringRow struct {
	EntityID      uuid.UUID
	Label         string
	Text          string
	VersionNumber int
	Pos           int
	Len           int
}

// FullTextSearch ranks rows whose search vector matches the query.
func (r *Repository) FullTextSearch(ctx context.Context, p Params, limit int) ([]MatchRow, error) {
	scopeSQL, scopeArgs := scopeClause(p)
	labelSQL, labelArgs := labelClause(p.Labels)
	query := fmt.Sprintf(`
		SELECT entity_id, label, text, version_number, score FROM (
			SELECT DISTINCT ON (nv.entity_id)
				nv.entity_id, nv.label, nv.search_text AS text, nv.version_number,
				ts_rank(nv.search_vector, websearch_to_tsquery('english', ?)) AS score
			FROM arg.node_versions nv
			WHERE nv.search_vector @@ websearch_to_tsquery('english', ?)
			  AND %s
			  AND %s
			ORDER BY nv.entity_id, score DESC
		) m
		ORDER BY score DESC
		LIMIT ?
	`, scopeSQL, labelSQL)

	args := append([]any{p.Query, p.Query}, scopeArgs...)
	args = append(args, labelArgs...)
	args = append(args, limit)
	return r.scored(ctx, "full-text search", query, args)
}

// TrigramSearch ranks rows by trigram similarity to the query, dropping
// anything under the threshold.
func (r *Repository) TrigramSearch(ctx context.Context, p Params, threshold float64, limit int) ([]MatchRow, error) {
	scopeSQL, scopeArgs := scopeClause(p)
	labelSQL, labelArgs := labelClause(p.Labels)
	query := fmt.Sprintf(`
		SELECT entity_id, label, text, version_number, score FROM (
			SELECT DISTINCT ON (nv.entity_id)
				nv.entity_id, nv.label, nv.search_text AS text, nv.version_number,
				similarity(nv.search_text, ?) AS score
			FROM arg.node_versions nv
			WHERE nv.search_text %% ?
			  AND similarity(nv.search_text, ?) >= ?
			  AND %s
			  AND %s
			ORDER BY nv.entity_id, score DESC
		) m
		ORDER BY score DESC
		LIMIT ?
	`, scopeSQL, labelSQL)

	args := append([]any{p.Query, p.Query, p.Query, threshold}, scopeArgs...)
	args = append(args, labelArgs...)
	args = append(args, limit)
	return r.scored(ctx, "trigram search", query, args)
}

// SubstringSearch finds rows that contain the query verbatim, case folded.
// Earlier matches in shorter texts sort first, a proxy for the final rank.
func (r *Repository) SubstringSearch(ctx context.Context, p Params, limit int) ([]SubstringRow, error) {
	needle := strings.ToLower(p.Query)
	scopeSQL, scopeArgs := scopeClause(p)
	labelSQL, labelArgs := labelClause(p.Labels)
	query := fmt.Sprintf(`
		SELECT entity_id, label, text, version_number, pos, len FROM (
			SELECT DISTINCT ON (nv.entity_id)
				nv.entity_id, nv.label, nv.search_text AS text, nv.version_number,
				position(? in lower(nv.search_text)) AS pos,
				char_length(nv.search_text) AS len
			FROM arg.node_versions nv
			WHERE position(? in lower(nv.search_text)) > 0
			  AND %s
			  AND %s
			ORDER BY nv.entity_id, pos ASC, len ASC
		) m
		ORDER BY pos ASC, len ASC
		LIMIT ?
	`, scopeSQL, labelSQL)

	args := append([]any{needle, needle}, scopeArgs...)
	args = append(args, labelArgs...)
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		r.log.Error("substring search failed", logger.Error(err))
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	defer rows.Close()

	var out []SubstringRow
	for rows.Next() {
		var m SubstringRow
		if err := rows.Scan(&m.EntityID, &m.Label, &m.Text, &m.VersionNumber, &m.Pos, &m.Len); err != nil {
			return nil, apperror.ErrDatabase.WithInternal(err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return out, nil
}

func (r *Repository) scored(ctx context.Context, what, query string, args []any) ([]MatchRow, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		r.log.Error(what+" failed", logger.Error(err))
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	defer rows.Close()

	var out []MatchRow
	for rows.Next() {
		var m MatchRow
		if err := rows.Scan(&m.EntityID, &m.Label, &m.Text, &m.VersionNumber, &m.Score); err != nil {
			return nil, apperror.ErrDatabase.WithInternal(err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return out, nil
}

// scopeClause restricts rows to the requested temporal scope. Historical
// search spans every version ever written; the DISTINCT ON in each query
// still collapses that to one best row per entity.
func scopeClause(p Params) (string, []any) {
	switch p.Scope {
	case ScopeHistorical:
		return "TRUE", nil
	case ScopeAsOf:
		return "nv.valid_from <= ? AND (nv.valid_to IS NULL OR nv.valid_to > ?)", []any{p.At, p.At}
	default:
		return "nv.valid_to IS NULL", nil
	}
}

func labelClause(labels []graph.NodeLabel) (string, []any) {
	if len(labels) == 0 {
		return "TRUE", nil
	}
	ss := make([]string, len(labels))
	for i, l := range labels {
		ss[i] = string(l)
	}
	return "nv.label = ANY(?)", []any{pq.Array(ss)}
}
