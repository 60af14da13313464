package mutation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"go.opentelemetry.io/otel/attribute"

	"github.com/agoramaps/agora.graph/domain/dedup"
	"github.com/agoramaps/agora.graph/domain/graph"
	"github.com/agoramaps/agora.graph/domain/versionlog"
	"github.com/agoramaps/agora.graph/pkg/apperror"
	"github.com/agoramaps/agora.graph/pkg/logger"
	"github.com/agoramaps/agora.graph/pkg/tracing"
)

// Coordinator is the single entry point for writes to the knowledge graph.
// Every mutation follows the same shape: validate, take advisory locks,
// append version rows in one transaction, and only after that commit mirror
// the change into the graph store. The committed log is the source of truth;
// a graph write that fails afterwards leaves divergence for the reconciler
// instead of failing the caller.
type Coordinator struct {
	versions VersionLog
	store    Graph
	checker  DuplicateChecker
	policy   EditPolicy
	log      *slog.Logger

	mu    sync.Mutex
	hooks []Hook
}

// NewCoordinator creates a new mutation coordinator
func NewCoordinator(versions VersionLog, store Graph, checker DuplicateChecker, policy EditPolicy, log *slog.Logger) *Coordinator {
	return &Coordinator{
		versions: versions,
		store:    store,
		checker:  checker,
		policy:   policy,
		log:      log.With(logger.Scope("mutation")),
	}
}

// AddPostCommitHook registers a hook invoked after every committed mutation.
func (c *Coordinator) AddPostCommitHook(h Hook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, h)
}

// CreateNode validates and duplicate-checks a new claim or source, writes its
// first version row, and mirrors it into the graph store.
func (c *Coordinator) CreateNode(ctx context.Context, props graph.NodeProps, actor versionlog.Actor) (*versionlog.NodeVersion, error) {
	if props == nil {
		return nil, apperror.NewValidation("node properties are required")
	}
	start := time.Now()
	row, err := c.createNode(ctx, props, actor)
	c.observe("create_node", versionlog.NodeEntityType(props.Label()), start, err)
	return row, err
}

// EditNode applies a partial update to a node, subject to the edit window
// policy.
func (c *Coordinator) EditNode(ctx context.Context, id uuid.UUID, patch graph.NodePatch, actor versionlog.Actor) (*versionlog.NodeVersion, error) {
	start := time.Now()
	row, err := c.editNode(ctx, id, patch, actor, true)
	c.observe("edit_node", nodeEventType(row), start, err)
	return row, err
}

// ApplyResolvedNodeEdit applies an accepted suggestion's changes to a node.
// Consensus has already been established, so the edit window does not apply;
// the new version is attributed to the resolver.
func (c *Coordinator) ApplyResolvedNodeEdit(ctx context.Context, id uuid.UUID, patch graph.NodePatch, actor versionlog.Actor) (*versionlog.NodeVersion, error) {
	start := time.Now()
	row, err := c.editNode(ctx, id, patch, actor, false)
	c.observe("edit_node", nodeEventType(row), start, err)
	return row, err
}

// DeleteNode removes a node and every connection attached to it, subject to
// the edit window policy. The cascade is logged connection-first so history
// reads back in dependency order.
func (c *Coordinator) DeleteNode(ctx context.Context, id uuid.UUID, actor versionlog.Actor) (*versionlog.NodeVersion, error) {
	start := time.Now()
	row, err := c.deleteNode(ctx, id, actor)
	c.observe("delete_node", nodeEventType(row), start, err)
	return row, err
}

// CreateEdge connects a source node to a target node with a typed logical
// relation.
func (c *Coordinator) CreateEdge(ctx context.Context, srcID, dstID uuid.UUID, props graph.ConnectionProps, actor versionlog.Actor) (*versionlog.EdgeVersion, error) {
	start := time.Now()
	row, err := c.createEdge(ctx, srcID, dstID, props, actor)
	c.observe("create_edge", versionlog.EntityConnection, start, err)
	return row, err
}

// CreateCompoundEdge connects several source nodes to one target as a single
// logical unit. The members share a freshly assigned composite id and are
// edited and deleted together from then on.
func (c *Coordinator) CreateCompoundEdge(ctx context.Context, srcIDs []uuid.UUID, dstID uuid.UUID, props graph.ConnectionProps, actor versionlog.Actor) ([]versionlog.EdgeVersion, error) {
	start := time.Now()
	rows, err := c.createCompoundEdge(ctx, srcIDs, dstID, props, actor)
	c.observe("create_compound_edge", versionlog.EntityConnection, start, err)
	return rows, err
}

// EditEdge applies a partial update to a connection, or to every member of
// its compound group, subject to the edit window policy. The selector may be
// a connection id or a composite id.
func (c *Coordinator) EditEdge(ctx context.Context, selector uuid.UUID, patch graph.ConnectionPatch, actor versionlog.Actor) ([]versionlog.EdgeVersion, error) {
	start := time.Now()
	rows, err := c.editEdgeGroup(ctx, selector, patch, actor, true)
	c.observe("edit_edge", versionlog.EntityConnection, start, err)
	return rows, err
}

// ApplyResolvedEdgeEdit applies an accepted suggestion's changes to a
// connection or compound group, bypassing the edit window.
func (c *Coordinator) ApplyResolvedEdgeEdit(ctx context.Context, selector uuid.UUID, patch graph.ConnectionPatch, actor versionlog.Actor) ([]versionlog.EdgeVersion, error) {
	start := time.Now()
	rows, err := c.editEdgeGroup(ctx, selector, patch, actor, false)
	c.observe("edit_edge", versionlog.EntityConnection, start, err)
	return rows, err
}

// DeleteEdge removes a connection, or every member of its compound group,
// subject to the edit window policy.
func (c *Coordinator) DeleteEdge(ctx context.Context, selector uuid.UUID, actor versionlog.Actor) ([]versionlog.EdgeVersion, error) {
	start := time.Now()
	rows, err := c.deleteEdgeGroup(ctx, selector, actor)
	c.observe("delete_edge", versionlog.EntityConnection, start, err)
	return rows, err
}

func (c *Coordinator) createNode(ctx context.Context, props graph.NodeProps, actor versionlog.Actor) (*versionlog.NodeVersion, error) {
	ctx, span := tracing.Start(ctx, "mutation.create_node")
	defer span.End()

	if err := props.Validate(); err != nil {
		return nil, err
	}

	// Fail fast before opening a transaction. The authoritative re-check for
	// exact keys runs under locks below; similarity collisions stay best
	// effort.
	verdict, err := c.checkDuplicate(ctx, props)
	if err != nil {
		return nil, err
	}
	if verdict != nil {
		return nil, duplicateError(verdict)
	}

	id := uuid.New()
	now := time.Now().UTC()
	span.SetAttributes(attribute.String("agora.entity.id", id.String()))

	tx, err := c.versions.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	keys := identityKeys(props)
	for _, k := range keys {
		if err := c.versions.LockKey(ctx, tx, k.lockString()); err != nil {
			return nil, err
		}
	}
	for _, k := range keys {
		existing, err := c.versions.FetchCurrentNodeByKey(ctx, tx, k.kind, k.value)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return nil, duplicateError(&dedup.Verdict{
				Kind:     k.exactKind(),
				EntityID: existing.EntityID,
				Label:    existing.Label,
				Score:    1,
			})
		}
	}

	row, err := c.versions.AppendNodeVersion(ctx, tx, versionlog.AppendNodeParams{
		EntityID: id,
		Label:    props.Label(),
		Props:    props,
		Op:       versionlog.OpCreate,
		Actor:    actor,
		At:       now,
	})
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}

	c.applyGraph(ctx, "create_node", id, func() error {
		return c.store.CreateNode(ctx, id, props)
	})
	c.emit(ctx, Event{
		Op:         versionlog.OpCreate,
		EntityType: versionlog.NodeEntityType(props.Label()),
		EntityID:   id,
		Version:    row.VersionNumber,
		Actor:      actor,
	})

	c.log.Info("node created",
		slog.String("entity_id", id.String()),
		slog.String("label", string(props.Label())),
	)
	return row, nil
}

func (c *Coordinator) editNode(ctx context.Context, id uuid.UUID, patch graph.NodePatch, actor versionlog.Actor, gated bool) (*versionlog.NodeVersion, error) {
	if patch == nil || patch.IsZero() {
		return nil, apperror.NewValidation("no changes supplied")
	}

	tx, err := c.versions.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if err := c.versions.LockEntity(ctx, tx, id); err != nil {
		return nil, err
	}
	latest, err := c.versions.FetchLatestNode(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if latest == nil || latest.Operation == versionlog.OpDelete {
		return nil, apperror.NewNotFound("node", id.String())
	}
	if latest.Label != patch.Label() {
		return nil, apperror.NewValidation(fmt.Sprintf(
			"a %s patch cannot be applied to %s node %s", patch.Label(), latest.Label, id))
	}

	if gated {
		if err := c.policy.CheckEdit(ctx, id, versionlog.NodeEntityType(latest.Label), actor); err != nil {
			return nil, err
		}
	}

	cur, err := latest.Props()
	if err != nil {
		return nil, apperror.ErrInternal.WithInternal(err)
	}
	next, err := graph.ApplyNodePatch(cur, patch)
	if err != nil {
		return nil, err
	}
	if err := next.Validate(); err != nil {
		return nil, err
	}

	row, err := c.versions.AppendNodeVersion(ctx, tx, versionlog.AppendNodeParams{
		EntityID: id,
		Label:    latest.Label,
		Props:    next,
		Op:       versionlog.OpUpdate,
		Actor:    actor,
		At:       time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}

	c.applyGraph(ctx, "edit_node", id, func() error {
		return c.store.UpdateNode(ctx, id, next)
	})
	c.emit(ctx, Event{
		Op:         versionlog.OpUpdate,
		EntityType: versionlog.NodeEntityType(latest.Label),
		EntityID:   id,
		Version:    row.VersionNumber,
		Actor:      actor,
	})
	return row, nil
}

func (c *Coordinator) deleteNode(ctx context.Context, id uuid.UUID, actor versionlog.Actor) (*versionlog.NodeVersion, error) {
	ctx, span := tracing.Start(ctx, "mutation.delete_node",
		attribute.String("agora.entity.id", id.String()))
	defer span.End()

	now := time.Now().UTC()
	tx, err := c.versions.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if err := c.versions.LockEntity(ctx, tx, id); err != nil {
		return nil, err
	}
	latest, err := c.versions.FetchLatestNode(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if latest == nil || latest.Operation == versionlog.OpDelete {
		return nil, apperror.NewNotFound("node", id.String())
	}
	if err := c.policy.CheckEdit(ctx, id, versionlog.NodeEntityType(latest.Label), actor); err != nil {
		return nil, err
	}

	// Lock the attached connections in a stable order, then fetch the set
	// again: a racing group delete may have shrunk it while we waited.
	edges, err := c.versions.FetchOpenEdgesTouching(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	for _, e := range edges {
		if err := c.versions.LockEntity(ctx, tx, e.EntityID); err != nil {
			return nil, err
		}
	}
	edges, err = c.versions.FetchOpenEdgesTouching(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	// Connection rows go in before the node row so the log reads back in
	// dependency order.
	events := make([]Event, 0, len(edges)+1)
	for _, e := range edges {
		props, err := e.Props()
		if err != nil {
			return nil, apperror.ErrInternal.WithInternal(err)
		}
		row, err := c.versions.AppendEdgeVersion(ctx, tx, versionlog.AppendEdgeParams{
			EntityID: e.EntityID,
			SrcID:    e.SrcID,
			DstID:    e.DstID,
			Props:    props,
			Op:       versionlog.OpDelete,
			Actor:    actor,
			At:       now,
		})
		if err != nil {
			return nil, err
		}
		events = append(events, Event{
			Op:         versionlog.OpDelete,
			EntityType: versionlog.EntityConnection,
			EntityID:   e.EntityID,
			Version:    row.VersionNumber,
			Actor:      actor,
		})
	}

	props, err := latest.Props()
	if err != nil {
		return nil, apperror.ErrInternal.WithInternal(err)
	}
	row, err := c.versions.AppendNodeVersion(ctx, tx, versionlog.AppendNodeParams{
		EntityID: id,
		Label:    latest.Label,
		Props:    props,
		Op:       versionlog.OpDelete,
		Actor:    actor,
		At:       now,
	})
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}

	// DETACH DELETE takes the attached relationships out with the node.
	c.applyGraph(ctx, "delete_node", id, func() error {
		return c.store.DeleteNode(ctx, id)
	})
	events = append(events, Event{
		Op:         versionlog.OpDelete,
		EntityType: versionlog.NodeEntityType(latest.Label),
		EntityID:   id,
		Version:    row.VersionNumber,
		Actor:      actor,
	})
	for _, ev := range events {
		c.emit(ctx, ev)
	}

	c.log.Info("node deleted",
		slog.String("entity_id", id.String()),
		slog.Int("cascaded_connections", len(edges)),
	)
	return row, nil
}

func (c *Coordinator) createEdge(ctx context.Context, srcID, dstID uuid.UUID, props graph.ConnectionProps, actor versionlog.Actor) (*versionlog.EdgeVersion, error) {
	if err := props.Validate(); err != nil {
		return nil, err
	}
	if srcID == dstID {
		return nil, apperror.NewValidation("a connection cannot target its own source")
	}
	if props.CompositeID != nil {
		return nil, apperror.NewValidation("composite ids are assigned at compound creation")
	}

	id := uuid.New()
	now := time.Now().UTC()

	tx, err := c.versions.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	for _, nodeID := range sortedUUIDs(srcID, dstID) {
		if err := c.versions.LockEntity(ctx, tx, nodeID); err != nil {
			return nil, err
		}
	}
	if err := c.requireLiveNode(ctx, tx, srcID); err != nil {
		return nil, err
	}
	if err := c.requireLiveNode(ctx, tx, dstID); err != nil {
		return nil, err
	}

	row, err := c.versions.AppendEdgeVersion(ctx, tx, versionlog.AppendEdgeParams{
		EntityID: id,
		SrcID:    srcID,
		DstID:    dstID,
		Props:    props,
		Op:       versionlog.OpCreate,
		Actor:    actor,
		At:       now,
	})
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}

	c.applyGraph(ctx, "create_edge", id, func() error {
		return c.store.CreateEdge(ctx, id, srcID, dstID, props)
	})
	c.emit(ctx, Event{
		Op:         versionlog.OpCreate,
		EntityType: versionlog.EntityConnection,
		EntityID:   id,
		Version:    row.VersionNumber,
		Actor:      actor,
	})
	return row, nil
}

func (c *Coordinator) createCompoundEdge(ctx context.Context, srcIDs []uuid.UUID, dstID uuid.UUID, props graph.ConnectionProps, actor versionlog.Actor) ([]versionlog.EdgeVersion, error) {
	if err := props.Validate(); err != nil {
		return nil, err
	}
	if len(srcIDs) == 0 {
		return nil, apperror.NewValidation("a compound connection needs at least one source node")
	}
	if props.CompositeID != nil {
		return nil, apperror.NewValidation("composite ids are assigned at compound creation")
	}
	seen := make(map[uuid.UUID]struct{}, len(srcIDs))
	for _, src := range srcIDs {
		if src == dstID {
			return nil, apperror.NewValidation("a connection cannot target its own source")
		}
		if _, dup := seen[src]; dup {
			return nil, apperror.NewValidation("source nodes must be distinct")
		}
		seen[src] = struct{}{}
	}

	composite := uuid.New()
	props.CompositeID = &composite
	now := time.Now().UTC()

	tx, err := c.versions.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	endpoints := sortedUUIDs(append(append([]uuid.UUID(nil), srcIDs...), dstID)...)
	for _, nodeID := range endpoints {
		if err := c.versions.LockEntity(ctx, tx, nodeID); err != nil {
			return nil, err
		}
	}
	for _, nodeID := range endpoints {
		if err := c.requireLiveNode(ctx, tx, nodeID); err != nil {
			return nil, err
		}
	}

	rows := make([]versionlog.EdgeVersion, 0, len(srcIDs))
	for _, src := range srcIDs {
		row, err := c.versions.AppendEdgeVersion(ctx, tx, versionlog.AppendEdgeParams{
			EntityID: uuid.New(),
			SrcID:    src,
			DstID:    dstID,
			Props:    props,
			Op:       versionlog.OpCreate,
			Actor:    actor,
			At:       now,
		})
		if err != nil {
			return nil, err
		}
		rows = append(rows, *row)
	}
	if err := tx.Commit(); err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}

	for _, row := range rows {
		c.applyGraph(ctx, "create_edge", row.EntityID, func() error {
			return c.store.CreateEdge(ctx, row.EntityID, row.SrcID, row.DstID, props)
		})
		c.emit(ctx, Event{
			Op:         versionlog.OpCreate,
			EntityType: versionlog.EntityConnection,
			EntityID:   row.EntityID,
			Version:    row.VersionNumber,
			Actor:      actor,
		})
	}

	c.log.Info("compound connection created",
		slog.String("composite_id", composite.String()),
		slog.Int("members", len(rows)),
	)
	return rows, nil
}

func (c *Coordinator) editEdgeGroup(ctx context.Context, selector uuid.UUID, patch graph.ConnectionPatch, actor versionlog.Actor, gated bool) ([]versionlog.EdgeVersion, error) {
	if patch.IsZero() {
		return nil, apperror.NewValidation("no changes supplied")
	}
	if patch.LogicType != nil && !patch.LogicType.Valid() {
		return nil, apperror.NewValidation(fmt.Sprintf("unknown logic type: %q", string(*patch.LogicType)))
	}

	now := time.Now().UTC()
	tx, err := c.versions.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	members, err := c.lockEdgeGroup(ctx, tx, selector)
	if err != nil {
		return nil, err
	}
	if gated {
		for _, m := range members {
			if err := c.policy.CheckEdit(ctx, m.EntityID, versionlog.EntityConnection, actor); err != nil {
				return nil, err
			}
		}
	}

	type applied struct {
		row   versionlog.EdgeVersion
		props graph.ConnectionProps
	}
	out := make([]applied, 0, len(members))
	for _, m := range members {
		cur, err := m.Props()
		if err != nil {
			return nil, apperror.ErrInternal.WithInternal(err)
		}
		next := patch.Apply(cur)
		if err := next.Validate(); err != nil {
			return nil, err
		}
		row, err := c.versions.AppendEdgeVersion(ctx, tx, versionlog.AppendEdgeParams{
			EntityID: m.EntityID,
			SrcID:    m.SrcID,
			DstID:    m.DstID,
			Props:    next,
			Op:       versionlog.OpUpdate,
			Actor:    actor,
			At:       now,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, applied{row: *row, props: next})
	}
	if err := tx.Commit(); err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}

	rows := make([]versionlog.EdgeVersion, 0, len(out))
	for _, a := range out {
		c.applyGraph(ctx, "edit_edge", a.row.EntityID, func() error {
			return c.store.UpdateEdge(ctx, a.row.EntityID, a.props)
		})
		c.emit(ctx, Event{
			Op:         versionlog.OpUpdate,
			EntityType: versionlog.EntityConnection,
			EntityID:   a.row.EntityID,
			Version:    a.row.VersionNumber,
			Actor:      actor,
		})
		rows = append(rows, a.row)
	}
	return rows, nil
}

func (c *Coordinator) deleteEdgeGroup(ctx context.Context, selector uuid.UUID, actor versionlog.Actor) ([]versionlog.EdgeVersion, error) {
	now := time.Now().UTC()
	tx, err := c.versions.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	members, err := c.lockEdgeGroup(ctx, tx, selector)
	if err != nil {
		return nil, err
	}
	for _, m := range members {
		if err := c.policy.CheckEdit(ctx, m.EntityID, versionlog.EntityConnection, actor); err != nil {
			return nil, err
		}
	}

	rows := make([]versionlog.EdgeVersion, 0, len(members))
	for _, m := range members {
		props, err := m.Props()
		if err != nil {
			return nil, apperror.ErrInternal.WithInternal(err)
		}
		row, err := c.versions.AppendEdgeVersion(ctx, tx, versionlog.AppendEdgeParams{
			EntityID: m.EntityID,
			SrcID:    m.SrcID,
			DstID:    m.DstID,
			Props:    props,
			Op:       versionlog.OpDelete,
			Actor:    actor,
			At:       now,
		})
		if err != nil {
			return nil, err
		}
		rows = append(rows, *row)
	}
	if err := tx.Commit(); err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}

	for _, row := range rows {
		c.applyGraph(ctx, "delete_edge", row.EntityID, func() error {
			return c.store.DeleteEdge(ctx, row.EntityID)
		})
		c.emit(ctx, Event{
			Op:         versionlog.OpDelete,
			EntityType: versionlog.EntityConnection,
			EntityID:   row.EntityID,
			Version:    row.VersionNumber,
			Actor:      actor,
		})
	}
	return rows, nil
}

// lockEdgeGroup resolves the selector to its member connections and locks
// them in id order, then resolves again: the first pass ran unlocked and a
// racing group mutation may have changed what is current.
func (c *Coordinator) lockEdgeGroup(ctx context.Context, tx bun.IDB, selector uuid.UUID) ([]versionlog.EdgeVersion, error) {
	members, err := c.resolveEdgeGroup(ctx, tx, selector)
	if err != nil {
		return nil, err
	}
	for _, m := range members {
		if err := c.versions.LockEntity(ctx, tx, m.EntityID); err != nil {
			return nil, err
		}
	}
	return c.resolveEdgeGroup(ctx, tx, selector)
}

// resolveEdgeGroup treats the selector first as a connection id, expanding a
// compound member to its whole group, and falls back to reading it as a
// composite id.
func (c *Coordinator) resolveEdgeGroup(ctx context.Context, tx bun.IDB, selector uuid.UUID) ([]versionlog.EdgeVersion, error) {
	latest, err := c.versions.FetchLatestEdge(ctx, tx, selector)
	if err != nil {
		return nil, err
	}
	if latest != nil && latest.Operation != versionlog.OpDelete {
		if latest.CompositeID != nil {
			return c.versions.FetchOpenEdgesByComposite(ctx, tx, *latest.CompositeID)
		}
		return []versionlog.EdgeVersion{*latest}, nil
	}

	members, err := c.versions.FetchOpenEdgesByComposite(ctx, tx, selector)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, apperror.NewNotFound("connection", selector.String())
	}
	return members, nil
}

func (c *Coordinator) requireLiveNode(ctx context.Context, tx bun.IDB, id uuid.UUID) error {
	latest, err := c.versions.FetchLatestNode(ctx, tx, id)
	if err != nil {
		return err
	}
	if latest == nil || latest.Operation == versionlog.OpDelete {
		return apperror.NewNotFound("node", id.String())
	}
	return nil
}

func (c *Coordinator) checkDuplicate(ctx context.Context, props graph.NodeProps) (*dedup.Verdict, error) {
	switch p := props.(type) {
	case graph.ClaimProps:
		return c.checker.CheckClaim(ctx, p.Content)
	case graph.SourceProps:
		return c.checker.CheckSource(ctx, dedup.SourceCheckParams{
			URL:   p.URL,
			Title: p.Title,
			DOI:   p.DOIKey(),
		})
	}
	return nil, nil
}

// applyGraph mirrors a committed log write into the graph store. The commit
// already decided the outcome; a failure here is divergence for the
// reconciler, not an error for the caller.
func (c *Coordinator) applyGraph(ctx context.Context, op string, entityID uuid.UUID, apply func() error) {
	if err := apply(); err != nil {
		GraphApplyFailures.WithLabelValues(op).Inc()
		c.log.Error("graph apply failed after log commit",
			slog.String("operation", op),
			slog.String("entity_id", entityID.String()),
			logger.Error(err),
		)
	}
}

func (c *Coordinator) emit(ctx context.Context, ev Event) {
	c.mu.Lock()
	hooks := append([]Hook(nil), c.hooks...)
	c.mu.Unlock()
	for _, h := range hooks {
		h(ctx, ev)
	}
}

func (c *Coordinator) observe(op string, entityType versionlog.EntityType, start time.Time, err error) {
	MutationsTotal.WithLabelValues(op, string(entityType), statusLabel(err)).Inc()
	MutationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func statusLabel(err error) string {
	if err == nil {
		return "ok"
	}
	var ae *apperror.Error
	if errors.As(err, &ae) && ae.HTTPStatus < 500 {
		return "rejected"
	}
	return "error"
}

// nodeEventType labels metrics for operations that discover the node's label
// mid-flight; on failure the row may be nil.
func nodeEventType(row *versionlog.NodeVersion) versionlog.EntityType {
	if row == nil {
		return "node"
	}
	return versionlog.NodeEntityType(row.Label)
}

func duplicateError(v *dedup.Verdict) error {
	return apperror.ErrDuplicate.
		WithMessage(fmt.Sprintf("a %s matching this one already exists (%s match)", v.Label, v.Kind)).
		WithDetails(v.Details())
}

// identityKey pairs an identity key column with its normalized value.
type identityKey struct {
	kind  versionlog.KeyKind
	value string
}

// lockString namespaces the advisory lock so different key columns with the
// same text do not contend.
func (k identityKey) lockString() string {
	return string(k.kind) + ":" + k.value
}

func (k identityKey) exactKind() dedup.Kind {
	switch k.kind {
	case versionlog.KeyContent:
		return dedup.KindExact
	case versionlog.KeyDOI:
		return dedup.KindDOI
	case versionlog.KeyURL:
		return dedup.KindURL
	default:
		return dedup.KindTitleExact
	}
}

// identityKeys lists the keys a new node would claim, in lock order.
func identityKeys(props graph.NodeProps) []identityKey {
	var keys []identityKey
	switch p := props.(type) {
	case graph.ClaimProps:
		if k := p.ContentKey(); k != "" {
			keys = append(keys, identityKey{versionlog.KeyContent, k})
		}
	case graph.SourceProps:
		if k := p.DOIKey(); k != "" {
			keys = append(keys, identityKey{versionlog.KeyDOI, k})
		}
		if k := p.URLKey(); k != "" {
			keys = append(keys, identityKey{versionlog.KeyURL, k})
		}
		if k := p.TitleKey(); k != "" {
			keys = append(keys, identityKey{versionlog.KeyTitle, k})
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].lockString() < keys[j].lockString() })
	return keys
}

func sortedUUIDs(ids ...uuid.UUID) []uuid.UUID {
	out := append([]uuid.UUID(nil), ids...)
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}
