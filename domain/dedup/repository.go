package dedup

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/agoramaps/agora.graph/domain/graph"
	"github.com/agoramaps/agora.graph/domain/versionlog"
	"github.com/agoramaps/agora.graph/pkg/apperror"
	"github.com/agoramaps/agora.graph/pkg/logger"
)

// Repository runs read-only duplicate probes against the current rows of the
// version log. Deleted and historical versions never participate.
type Repository struct {
	db  bun.IDB
	log *slog.Logger
}

// NewRepository creates a new dedup repository
func NewRepository(db bun.IDB, log *slog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With(logger.Scope("dedup.repo")),
	}
}

// Candidate is one current node row with enough of its snapshot to describe
// the collision to a caller.
type Candidate struct {
	EntityID   uuid.UUID
	Properties json.RawMessage
	Score      float64
}

// FindCurrentByKey looks up a current node by one of its normalized identity
// key columns. Returns nil when nothing matches.
func (r *Repository) FindCurrentByKey(ctx context.Context, label graph.NodeLabel, kind versionlog.KeyKind, value string) (*Candidate, error) {
	query := `
		SELECT nv.entity_id, nv.properties
		FROM arg.node_versions nv
		WHERE nv.valid_to IS NULL
		  AND nv.label = ?
		  AND nv.? = ?
		LIMIT 1
	`

	rows, err := r.db.QueryContext(ctx, query, string(label), bun.Ident(string(kind)), value)
	if err != nil {
		r.log.Error("key probe failed", logger.Error(err))
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, apperror.ErrDatabase.WithInternal(err)
		}
		return nil, nil
	}

	var c Candidate
	if err := rows.Scan(&c.EntityID, &c.Properties); err != nil {
		r.log.Error("key probe row scan failed", logger.Error(err))
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return &c, nil
}

// FindSimilarText returns the current node of the given label whose search
// text is most similar to text, provided the trigram similarity reaches
// threshold. The % operator lets the trigram index prune before the explicit
// threshold applies.
func (r *Repository) FindSimilarText(ctx context.Context, label graph.NodeLabel, text string, threshold float64) (*Candidate, error) {
	query := `
		SELECT nv.entity_id, nv.properties,
			   similarity(nv.search_text, ?) AS score
		FROM arg.node_versions nv
		WHERE nv.valid_to IS NULL
		  AND nv.label = ?
		  AND nv.search_text % ?
		  AND similarity(nv.search_text, ?) >= ?
		ORDER BY score DESC
		LIMIT 1
	`

	rows, err := r.db.QueryContext(ctx, query, text, string(label), text, text, threshold)
	if err != nil {
		r.log.Error("similarity probe failed", logger.Error(err))
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, apperror.ErrDatabase.WithInternal(err)
		}
		return nil, nil
	}

	var c Candidate
	if err := rows.Scan(&c.EntityID, &c.Properties, &c.Score); err != nil {
		r.log.Error("similarity probe row scan failed", logger.Error(err))
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return &c, nil
}
