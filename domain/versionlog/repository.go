package versionlog

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/agoramaps/agora.graph/domain/graph"
	"github.com/agoramaps/agora.graph/internal/database"
	"github.com/agoramaps/agora.graph/pkg/apperror"
	"github.com/agoramaps/agora.graph/pkg/logger"
	"github.com/agoramaps/agora.graph/pkg/pgutils"
)

// Repository handles database operations for the version log
type Repository struct {
	db  bun.IDB
	log *slog.Logger
}

// NewRepository creates a new version log repository
func NewRepository(db bun.IDB, log *slog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With(logger.Scope("versionlog.repo")),
	}
}

// BeginTx starts a transaction for a mutation. The returned SafeTx is safe
// to Rollback in a defer even after Commit.
func (r *Repository) BeginTx(ctx context.Context) (*database.SafeTx, error) {
	return database.BeginSafeTx(ctx, r.db)
}

// LockEntity serializes writers of one entity for the rest of the
// transaction. Advisory locks keep check-then-act sequences (duplicate
// check, version numbering, cascade resolution) race-free without locking
// any rows; they release automatically at commit or rollback.
func (r *Repository) LockEntity(ctx context.Context, tx bun.IDB, entityID uuid.UUID) error {
	if _, err := tx.NewRaw(
		"SELECT pg_advisory_xact_lock(hashtext(?)::bigint)", entityID.String(),
	).Exec(ctx); err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	return nil
}

// LockKey serializes writers of one logical key (e.g. a dedup identity key)
// for the rest of the transaction.
func (r *Repository) LockKey(ctx context.Context, tx bun.IDB, key string) error {
	if _, err := tx.NewRaw(
		"SELECT pg_advisory_xact_lock(hashtext(?)::bigint)", key,
	).Exec(ctx); err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	return nil
}

// KeyKind names one of the normalized identity key columns.
type KeyKind string

const (
	KeyContent KeyKind = "content_key"
	KeyURL     KeyKind = "url_key"
	KeyDOI     KeyKind = "doi_key"
	KeyTitle   KeyKind = "title_key"
)

// AppendNodeParams describes one node version append.
type AppendNodeParams struct {
	EntityID uuid.UUID
	Label    graph.NodeLabel
	Props    graph.NodeProps
	Op       Operation
	Actor    Actor
	At       time.Time
}

// AppendEdgeParams describes one edge version append.
type AppendEdgeParams struct {
	EntityID uuid.UUID
	SrcID    uuid.UUID
	DstID    uuid.UUID
	Props    graph.ConnectionProps
	Op       Operation
	Actor    Actor
	At       time.Time
}

// FetchLatestNode returns the highest-numbered version row of a node, open
// or closed, or nil when the entity has never existed.
func (r *Repository) FetchLatestNode(ctx context.Context, tx bun.IDB, entityID uuid.UUID) (*NodeVersion, error) {
	return r.latestNode(ctx, tx, entityID)
}

// FetchLatestEdge returns the highest-numbered version row of a connection,
// or nil when the entity has never existed.
func (r *Repository) FetchLatestEdge(ctx context.Context, tx bun.IDB, entityID uuid.UUID) (*EdgeVersion, error) {
	return r.latestEdge(ctx, tx, entityID)
}

// FetchOpenEdgesTouching returns the open rows of every connection whose
// source or target is the given node.
func (r *Repository) FetchOpenEdgesTouching(ctx context.Context, tx bun.IDB, nodeID uuid.UUID) ([]EdgeVersion, error) {
	var edges []EdgeVersion
	err := tx.NewSelect().
		Model(&edges).
		Where("ev.valid_to IS NULL").
		Where("(ev.src_id = ? OR ev.dst_id = ?)", nodeID, nodeID).
		Order("ev.entity_id").
		Scan(ctx)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return edges, nil
}

// FetchOpenEdgesByComposite returns the open rows of every member of a
// compound connection group.
func (r *Repository) FetchOpenEdgesByComposite(ctx context.Context, tx bun.IDB, compositeID uuid.UUID) ([]EdgeVersion, error) {
	var edges []EdgeVersion
	err := tx.NewSelect().
		Model(&edges).
		Where("ev.valid_to IS NULL").
		Where("ev.composite_id = ?", compositeID).
		Order("ev.entity_id").
		Scan(ctx)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return edges, nil
}

// FetchCurrentNodeByKey returns a live node whose normalized identity key
// matches, or nil when none does. Run under a key lock to close the gap
// between a duplicate check and the following create.
func (r *Repository) FetchCurrentNodeByKey(ctx context.Context, tx bun.IDB, kind KeyKind, value string) (*NodeVersion, error) {
	var row NodeVersion
	err := tx.NewSelect().
		Model(&row).
		Where("nv.valid_to IS NULL").
		Where("nv.? = ?", bun.Ident(string(kind)), value).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return &row, nil
}

// AppendNodeVersion closes the node's open row at p.At and inserts the next
// version. CREATE starts at version 1 (or continues a deleted entity's
// chain); UPDATE and DELETE require a live entity. DELETE rows are written
// already closed, leaving the entity with zero open rows.
func (r *Repository) AppendNodeVersion(ctx context.Context, tx bun.IDB, p AppendNodeParams) (*NodeVersion, error) {
	latest, err := r.latestNode(ctx, tx, p.EntityID)
	if err != nil {
		return nil, err
	}

	var hasLatest bool
	var latestOp Operation
	var latestVer int
	if latest != nil {
		hasLatest, latestOp, latestVer = true, latest.Operation, latest.VersionNumber
	}
	version, err := nextVersion(p.Op, "node", p.EntityID, hasLatest, latestOp, latestVer)
	if err != nil {
		return nil, err
	}

	if err := r.closeOpenNodeRow(ctx, tx, p.EntityID, p.At); err != nil {
		return nil, err
	}

	raw, err := graph.MarshalNodeProps(p.Props)
	if err != nil {
		return nil, apperror.ErrInternal.WithInternal(err)
	}

	row := &NodeVersion{
		EntityID:      p.EntityID,
		Label:         p.Label,
		Properties:    raw,
		Operation:     p.Op,
		VersionNumber: version,
		ValidFrom:     p.At,
		ChangedBy:     p.Actor.UserID,
	}
	if p.Op == OpDelete {
		at := p.At
		row.ValidTo = &at
	}
	row.ContentKey, row.URLKey, row.DOIKey, row.TitleKey = nodeKeys(p.Props)

	if _, err := tx.NewInsert().Model(row).Returning("id").Exec(ctx); err != nil {
		if pgutils.IsUniqueViolation(err) {
			return nil, apperror.ErrConflict.WithMessage("node was modified concurrently").WithInternal(err)
		}
		return nil, apperror.ErrDatabase.WithInternal(err)
	}

	if err := r.appendAttribution(ctx, tx, p.EntityID, NodeEntityType(p.Label), version, p.Actor, p.At); err != nil {
		return nil, err
	}
	return row, nil
}

// AppendEdgeVersion closes the connection's open row at p.At and inserts the
// next version, mirroring AppendNodeVersion.
func (r *Repository) AppendEdgeVersion(ctx context.Context, tx bun.IDB, p AppendEdgeParams) (*EdgeVersion, error) {
	latest, err := r.latestEdge(ctx, tx, p.EntityID)
	if err != nil {
		return nil, err
	}

	var hasLatest bool
	var latestOp Operation
	var latestVer int
	if latest != nil {
		hasLatest, latestOp, latestVer = true, latest.Operation, latest.VersionNumber
	}
	version, err := nextVersion(p.Op, "connection", p.EntityID, hasLatest, latestOp, latestVer)
	if err != nil {
		return nil, err
	}

	if err := r.closeOpenEdgeRow(ctx, tx, p.EntityID, p.At); err != nil {
		return nil, err
	}

	raw, err := graph.MarshalConnectionProps(p.Props)
	if err != nil {
		return nil, apperror.ErrInternal.WithInternal(err)
	}

	row := &EdgeVersion{
		EntityID:      p.EntityID,
		SrcID:         p.SrcID,
		DstID:         p.DstID,
		LogicType:     p.Props.LogicType,
		CompositeID:   p.Props.CompositeID,
		Properties:    raw,
		Operation:     p.Op,
		VersionNumber: version,
		ValidFrom:     p.At,
		ChangedBy:     p.Actor.UserID,
	}
	if p.Op == OpDelete {
		at := p.At
		row.ValidTo = &at
	}

	if _, err := tx.NewInsert().Model(row).Returning("id").Exec(ctx); err != nil {
		if pgutils.IsUniqueViolation(err) {
			return nil, apperror.ErrConflict.WithMessage("connection was modified concurrently").WithInternal(err)
		}
		return nil, apperror.ErrDatabase.WithInternal(err)
	}

	if err := r.appendAttribution(ctx, tx, p.EntityID, EntityConnection, version, p.Actor, p.At); err != nil {
		return nil, err
	}
	return row, nil
}

// nextVersion decides the version number for an append, or rejects the
// operation against the entity's latest state.
func nextVersion(op Operation, kind string, id uuid.UUID, hasLatest bool, latestOp Operation, latestVer int) (int, error) {
	switch op {
	case OpCreate:
		if !hasLatest {
			return 1, nil
		}
		if latestOp == OpDelete {
			// Recreating a deleted entity continues its version chain.
			return latestVer + 1, nil
		}
		return 0, apperror.ErrConflict.WithMessage(kind + " '" + id.String() + "' already exists")
	case OpUpdate, OpDelete:
		if !hasLatest || latestOp == OpDelete {
			return 0, apperror.NewNotFound(kind, id.String())
		}
		return latestVer + 1, nil
	default:
		return 0, apperror.NewValidation("unknown operation: " + string(op))
	}
}

func (r *Repository) latestNode(ctx context.Context, db bun.IDB, entityID uuid.UUID) (*NodeVersion, error) {
	var row NodeVersion
	err := db.NewSelect().
		Model(&row).
		Where("nv.entity_id = ?", entityID).
		Order("nv.version_number DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // let the caller decide whether absence is an error
		}
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return &row, nil
}

func (r *Repository) latestEdge(ctx context.Context, db bun.IDB, entityID uuid.UUID) (*EdgeVersion, error) {
	var row EdgeVersion
	err := db.NewSelect().
		Model(&row).
		Where("ev.entity_id = ?", entityID).
		Order("ev.version_number DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return &row, nil
}

func (r *Repository) closeOpenNodeRow(ctx context.Context, tx bun.IDB, entityID uuid.UUID, at time.Time) error {
	_, err := tx.NewUpdate().
		Model((*NodeVersion)(nil)).
		Set("valid_to = ?", at).
		Where("entity_id = ?", entityID).
		Where("valid_to IS NULL").
		Exec(ctx)
	if err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	return nil
}

func (r *Repository) closeOpenEdgeRow(ctx context.Context, tx bun.IDB, entityID uuid.UUID, at time.Time) error {
	_, err := tx.NewUpdate().
		Model((*EdgeVersion)(nil)).
		Set("valid_to = ?", at).
		Where("entity_id = ?", entityID).
		Where("valid_to IS NULL").
		Exec(ctx)
	if err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	return nil
}

func (r *Repository) appendAttribution(ctx context.Context, tx bun.IDB, entityID uuid.UUID, entityType EntityType, version int, actor Actor, at time.Time) error {
	attr := &Attribution{
		EntityID:      entityID,
		EntityType:    entityType,
		VersionNumber: version,
		UserID:        actor.UserID,
		Anonymous:     actor.Anonymous,
		CreatedAt:     at,
	}
	if _, err := tx.NewInsert().Model(attr).Returning("id").Exec(ctx); err != nil {
		if pgutils.IsUniqueViolation(err) {
			return apperror.ErrConflict.WithMessage("attribution already recorded for this version").WithInternal(err)
		}
		return apperror.ErrDatabase.WithInternal(err)
	}
	return nil
}

func nodeKeys(props graph.NodeProps) (contentKey, urlKey, doiKey, titleKey *string) {
	switch p := props.(type) {
	case graph.ClaimProps:
		k := p.ContentKey()
		contentKey = &k
	case graph.SourceProps:
		t := p.TitleKey()
		titleKey = &t
		if u := p.URLKey(); u != "" {
			urlKey = &u
		}
		if d := p.DOIKey(); d != "" {
			doiKey = &d
		}
	}
	return
}

// GetCurrentNode returns the node's open version row, or nil when the
// entity does not currently exist.
func (r *Repository) GetCurrentNode(ctx context.Context, entityID uuid.UUID) (*NodeVersion, error) {
	var row NodeVersion
	err := r.db.NewSelect().
		Model(&row).
		Where("nv.entity_id = ?", entityID).
		Where("nv.valid_to IS NULL").
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return &row, nil
}

// GetNodeAt returns the version row that was true at the given instant, or
// nil when the entity did not exist then.
func (r *Repository) GetNodeAt(ctx context.Context, entityID uuid.UUID, at time.Time) (*NodeVersion, error) {
	var row NodeVersion
	err := r.db.NewSelect().
		Model(&row).
		Where("nv.entity_id = ?", entityID).
		Where("nv.valid_from <= ?", at).
		Where("(nv.valid_to IS NULL OR nv.valid_to > ?)", at).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return &row, nil
}

// GetNodeHistory returns every version row of a node in version order.
func (r *Repository) GetNodeHistory(ctx context.Context, entityID uuid.UUID) ([]NodeVersion, error) {
	var rows []NodeVersion
	err := r.db.NewSelect().
		Model(&rows).
		Where("nv.entity_id = ?", entityID).
		Order("nv.version_number ASC").
		Scan(ctx)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return rows, nil
}

// GetCurrentEdge returns the connection's open version row, or nil when the
// connection does not currently exist.
func (r *Repository) GetCurrentEdge(ctx context.Context, entityID uuid.UUID) (*EdgeVersion, error) {
	var row EdgeVersion
	err := r.db.NewSelect().
		Model(&row).
		Where("ev.entity_id = ?", entityID).
		Where("ev.valid_to IS NULL").
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return &row, nil
}

// GetEdgeAt returns the connection version that was true at the given
// instant, or nil when it did not exist then.
func (r *Repository) GetEdgeAt(ctx context.Context, entityID uuid.UUID, at time.Time) (*EdgeVersion, error) {
	var row EdgeVersion
	err := r.db.NewSelect().
		Model(&row).
		Where("ev.entity_id = ?", entityID).
		Where("ev.valid_from <= ?", at).
		Where("(ev.valid_to IS NULL OR ev.valid_to > ?)", at).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return &row, nil
}

// GetEdgeHistory returns every version row of a connection in version order.
func (r *Repository) GetEdgeHistory(ctx context.Context, entityID uuid.UUID) ([]EdgeVersion, error) {
	var rows []EdgeVersion
	err := r.db.NewSelect().
		Model(&rows).
		Where("ev.entity_id = ?", entityID).
		Order("ev.version_number ASC").
		Scan(ctx)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return rows, nil
}

// ListEdgesTouchingAt returns the connections attached to a node as they
// stood at the given instant. Connections deleted at or before that instant
// do not appear.
func (r *Repository) ListEdgesTouchingAt(ctx context.Context, nodeID uuid.UUID, at time.Time) ([]EdgeVersion, error) {
	var rows []EdgeVersion
	err := r.db.NewSelect().
		Model(&rows).
		Where("(ev.src_id = ? OR ev.dst_id = ?)", nodeID, nodeID).
		Where("ev.valid_from <= ?", at).
		Where("(ev.valid_to IS NULL OR ev.valid_to > ?)", at).
		Order("ev.entity_id").
		Scan(ctx)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return rows, nil
}

// ListCurrentEdgesTouching returns the open rows of connections attached to
// a node.
func (r *Repository) ListCurrentEdgesTouching(ctx context.Context, nodeID uuid.UUID) ([]EdgeVersion, error) {
	return r.FetchOpenEdgesTouching(ctx, r.db, nodeID)
}

// ListCurrentEdgesByComposite returns the open rows of a compound group.
func (r *Repository) ListCurrentEdgesByComposite(ctx context.Context, compositeID uuid.UUID) ([]EdgeVersion, error) {
	return r.FetchOpenEdgesByComposite(ctx, r.db, compositeID)
}

// CountCurrentIncomingEdges counts live connections whose target is the
// given node. Feeds the engagement score.
func (r *Repository) CountCurrentIncomingEdges(ctx context.Context, dstID uuid.UUID) (int64, error) {
	n, err := r.db.NewSelect().
		Model((*EdgeVersion)(nil)).
		Where("ev.dst_id = ?", dstID).
		Where("ev.valid_to IS NULL").
		Count(ctx)
	if err != nil {
		return 0, apperror.ErrDatabase.WithInternal(err)
	}
	return int64(n), nil
}

// GetAttribution returns who contributed one specific version.
func (r *Repository) GetAttribution(ctx context.Context, entityID uuid.UUID, version int) (*Attribution, error) {
	var attr Attribution
	err := r.db.NewSelect().
		Model(&attr).
		Where("attr.entity_id = ?", entityID).
		Where("attr.version_number = ?", version).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return &attr, nil
}

// GetCreator returns the attribution of an entity's first version.
func (r *Repository) GetCreator(ctx context.Context, entityID uuid.UUID) (*Attribution, error) {
	return r.GetAttribution(ctx, entityID, 1)
}

// NullifyUser detaches a removed account from its contribution history.
// Attribution rows stay; only the user reference is cleared, in both the
// attribution table and the version rows' changed_by column.
func (r *Repository) NullifyUser(ctx context.Context, userID uuid.UUID) (int64, error) {
	var total int64
	err := r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewUpdate().
			Model((*Attribution)(nil)).
			Set("user_id = NULL").
			Where("user_id = ?", userID).
			Exec(ctx)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil {
			total += n
		}

		if _, err := tx.NewUpdate().
			Model((*NodeVersion)(nil)).
			Set("changed_by = NULL").
			Where("changed_by = ?", userID).
			Exec(ctx); err != nil {
			return err
		}

		_, err = tx.NewUpdate().
			Model((*EdgeVersion)(nil)).
			Set("changed_by = NULL").
			Where("changed_by = ?", userID).
			Exec(ctx)
		return err
	})
	if err != nil {
		return 0, apperror.ErrDatabase.WithInternal(err)
	}

	r.log.Info("nullified user contributions",
		slog.String("user_id", userID.String()),
		slog.Int64("attributions", total),
	)
	return total, nil
}

// Stats summarizes the log for operational dashboards.
func (r *Repository) Stats(ctx context.Context) (*Stats, error) {
	var s Stats
	err := r.db.NewRaw(`
		SELECT count(DISTINCT entity_id), count(*), count(*) FILTER (WHERE valid_to IS NULL),
		       count(*) FILTER (WHERE operation = 'CREATE'),
		       count(*) FILTER (WHERE operation = 'UPDATE'),
		       count(*) FILTER (WHERE operation = 'DELETE')
		FROM arg.node_versions`).
		Scan(ctx, &s.NodeEntities, &s.NodeVersions, &s.CurrentNodes,
			&s.NodeCreates, &s.NodeUpdates, &s.NodeDeletes)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}

	err = r.db.NewRaw(`
		SELECT count(DISTINCT entity_id), count(*), count(*) FILTER (WHERE valid_to IS NULL),
		       count(*) FILTER (WHERE operation = 'CREATE'),
		       count(*) FILTER (WHERE operation = 'UPDATE'),
		       count(*) FILTER (WHERE operation = 'DELETE')
		FROM arg.edge_versions`).
		Scan(ctx, &s.EdgeEntities, &s.EdgeVersions, &s.CurrentEdges,
			&s.EdgeCreates, &s.EdgeUpdates, &s.EdgeDeletes)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return &s, nil
}

// ListChangedNodeIDs pages through ids of nodes with version activity since
// the given instant. A zero since scans the whole log.
func (r *Repository) ListChangedNodeIDs(ctx context.Context, since time.Time, offset, limit int) ([]uuid.UUID, error) {
	q := r.db.NewSelect().
		Model((*NodeVersion)(nil)).
		ColumnExpr("DISTINCT nv.entity_id").
		OrderExpr("nv.entity_id").
		Offset(offset).
		Limit(limit)
	if !since.IsZero() {
		q = q.Where("nv.valid_from >= ?", since)
	}

	var ids []uuid.UUID
	if err := q.Scan(ctx, &ids); err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return ids, nil
}

// ListChangedEdgeIDs pages through ids of connections with version activity
// since the given instant. A zero since scans the whole log.
func (r *Repository) ListChangedEdgeIDs(ctx context.Context, since time.Time, offset, limit int) ([]uuid.UUID, error) {
	q := r.db.NewSelect().
		Model((*EdgeVersion)(nil)).
		ColumnExpr("DISTINCT ev.entity_id").
		OrderExpr("ev.entity_id").
		Offset(offset).
		Limit(limit)
	if !since.IsZero() {
		q = q.Where("ev.valid_from >= ?", since)
	}

	var ids []uuid.UUID
	if err := q.Scan(ctx, &ids); err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return ids, nil
}
