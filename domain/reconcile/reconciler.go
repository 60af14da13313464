package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/agoramaps/agora.graph/domain/graph"
	"github.com/agoramaps/agora.graph/domain/versionlog"
	"github.com/agoramaps/agora.graph/internal/config"
	"github.com/agoramaps/agora.graph/pkg/apperror"
	"github.com/agoramaps/agora.graph/pkg/logger"
	"github.com/agoramaps/agora.graph/pkg/mathutil"
	"github.com/agoramaps/agora.graph/pkg/tracing"
)

// versionReads is the version-log surface the reconciler needs: which
// entities changed, and what their current state is.
type versionReads interface {
	ListChangedNodeIDs(ctx context.Context, since time.Time, offset, limit int) ([]uuid.UUID, error)
	ListChangedEdgeIDs(ctx context.Context, since time.Time, offset, limit int) ([]uuid.UUID, error)
	GetCurrentNode(ctx context.Context, entityID uuid.UUID) (*versionlog.NodeVersion, error)
	GetCurrentEdge(ctx context.Context, entityID uuid.UUID) (*versionlog.EdgeVersion, error)
}

// graphStore is the projection being repaired.
type graphStore interface {
	GetNode(ctx context.Context, id uuid.UUID) (*graph.Node, error)
	CreateNode(ctx context.Context, id uuid.UUID, props graph.NodeProps) error
	UpdateNode(ctx context.Context, id uuid.UUID, props graph.NodeProps) error
	DeleteNode(ctx context.Context, id uuid.UUID) error
	GetEdge(ctx context.Context, id uuid.UUID) (*graph.Edge, error)
	CreateEdge(ctx context.Context, id, srcID, dstID uuid.UUID, props graph.ConnectionProps) error
	UpdateEdge(ctx context.Context, id uuid.UUID, props graph.ConnectionProps) error
	DeleteEdge(ctx context.Context, id uuid.UUID) error
	ScanNodeIDs(ctx context.Context, offset, limit int) ([]uuid.UUID, error)
	ScanEdgeIDs(ctx context.Context, offset, limit int) ([]uuid.UUID, error)
}

// Report summarizes one reconciliation pass.
type Report struct {
	NodesChecked int           `json:"nodes_checked"`
	EdgesChecked int           `json:"edges_checked"`
	NodesCreated int           `json:"nodes_created"`
	NodesUpdated int           `json:"nodes_updated"`
	NodesDeleted int           `json:"nodes_deleted"`
	EdgesCreated int           `json:"edges_created"`
	EdgesUpdated int           `json:"edges_updated"`
	EdgesDeleted int           `json:"edges_deleted"`
	Failures     int           `json:"failures"`
	Elapsed      time.Duration `json:"elapsed"`
}

// Divergent counts how many graph entries did not match the log.
func (r *Report) Divergent() int {
	return r.NodesCreated + r.NodesUpdated + r.NodesDeleted +
		r.EdgesCreated + r.EdgesUpdated + r.EdgesDeleted
}

// Reconciler repairs the graph projection against the version log. The log
// is the source of truth: nodes and connections with an open version row
// must exist in the graph with the same snapshot, everything else must not
// exist at all. Every repair is idempotent, so a pass that dies halfway
// leaves nothing worse than more work for the next one.
type Reconciler struct {
	versions versionReads
	graph    graphStore
	lookback time.Duration
	batch    int
	now      func() time.Time
	log      *slog.Logger
}

// NewReconciler creates a reconciler from the configured lookback and batch
// size.
func NewReconciler(versions *versionlog.Repository, gateway *graph.Gateway, cfg *config.Config, log *slog.Logger) *Reconciler {
	return &Reconciler{
		versions: versions,
		graph:    gateway,
		lookback: cfg.Reconcile.Lookback,
		batch:    mathutil.ClampInt(cfg.Reconcile.BatchSize, 50, 5000),
		now:      time.Now,
		log:      log.With(logger.Scope("reconcile")),
	}
}

// Run executes one full pass: changed entities within the lookback window
// are checked against the log, then the graph is swept for entries the log
// no longer backs. A zero lookback checks the whole log. Individual repair
// failures are counted and logged but do not stop the pass.
func (r *Reconciler) Run(ctx context.Context) (*Report, error) {
	ctx, span := tracing.Start(ctx, "reconcile.run")
	defer span.End()

	start := r.now()
	var since time.Time
	if r.lookback > 0 {
		since = start.Add(-r.lookback)
	}

	rep := &Report{}
	err := func() error {
		if err := r.reconcileNodes(ctx, since, rep); err != nil {
			return err
		}
		if err := r.reconcileEdges(ctx, since, rep); err != nil {
			return err
		}
		// Extra edges go before extra nodes so a node delete never has to
		// detach a connection the log still knows about.
		if err := r.sweepExtraEdges(ctx, rep); err != nil {
			return err
		}
		return r.sweepExtraNodes(ctx, rep)
	}()

	rep.Elapsed = r.now().Sub(start)
	RunDuration.Observe(rep.Elapsed.Seconds())
	if err != nil {
		RunsTotal.WithLabelValues("error").Inc()
		return rep, err
	}
	RunsTotal.WithLabelValues("ok").Inc()

	r.log.Info("reconciliation pass complete",
		slog.Int("nodes_checked", rep.NodesChecked),
		slog.Int("edges_checked", rep.EdgesChecked),
		slog.Int("divergent", rep.Divergent()),
		slog.Int("failures", rep.Failures),
		slog.Duration("elapsed", rep.Elapsed),
	)
	return rep, nil
}

func (r *Reconciler) reconcileNodes(ctx context.Context, since time.Time, rep *Report) error {
	for offset := 0; ; offset += r.batch {
		ids, err := r.versions.ListChangedNodeIDs(ctx, since, offset, r.batch)
		if err != nil {
			return err
		}
		for _, id := range ids {
			rep.NodesChecked++
			if err := r.repairNode(ctx, id, rep); err != nil {
				rep.Failures++
				RepairFailures.WithLabelValues("node").Inc()
				r.log.Error("node repair failed",
					slog.String("entity_id", id.String()), logger.Error(err))
			}
		}
		if len(ids) < r.batch {
			return nil
		}
	}
}

func (r *Reconciler) reconcileEdges(ctx context.Context, since time.Time, rep *Report) error {
	for offset := 0; ; offset += r.batch {
		ids, err := r.versions.ListChangedEdgeIDs(ctx, since, offset, r.batch)
		if err != nil {
			return err
		}
		for _, id := range ids {
			rep.EdgesChecked++
			if err := r.repairEdge(ctx, id, rep); err != nil {
				rep.Failures++
				RepairFailures.WithLabelValues("edge").Inc()
				r.log.Error("edge repair failed",
					slog.String("entity_id", id.String()), logger.Error(err))
			}
		}
		if len(ids) < r.batch {
			return nil
		}
	}
}

func (r *Reconciler) repairNode(ctx context.Context, id uuid.UUID, rep *Report) error {
	cur, err := r.versions.GetCurrentNode(ctx, id)
	if err != nil {
		return err
	}
	node, err := r.graph.GetNode(ctx, id)
	if err != nil && !errors.Is(err, apperror.ErrNotFound) {
		return err
	}

	if cur == nil {
		// No open row: the entity is deleted and must not be in the graph.
		if node == nil {
			return nil
		}
		if err := r.graph.DeleteNode(ctx, id); err != nil {
			return err
		}
		rep.NodesDeleted++
		r.repaired("node", "delete", id)
		return nil
	}

	want, err := cur.Props()
	if err != nil {
		return err
	}
	switch {
	case node == nil:
		if err := r.graph.CreateNode(ctx, id, want); err != nil {
			return err
		}
		rep.NodesCreated++
		r.repaired("node", "create", id)
	case node.Label != cur.Label:
		// A relabeled node cannot be patched in place.
		if err := r.graph.DeleteNode(ctx, id); err != nil {
			return err
		}
		if err := r.graph.CreateNode(ctx, id, want); err != nil {
			return err
		}
		rep.NodesUpdated++
		r.repaired("node", "recreate", id)
	case !nodePropsEqual(node.Props, want):
		if err := r.graph.UpdateNode(ctx, id, want); err != nil {
			return err
		}
		rep.NodesUpdated++
		r.repaired("node", "update", id)
	}
	return nil
}

func (r *Reconciler) repairEdge(ctx context.Context, id uuid.UUID, rep *Report) error {
	cur, err := r.versions.GetCurrentEdge(ctx, id)
	if err != nil {
		return err
	}
	edge, err := r.graph.GetEdge(ctx, id)
	if err != nil && !errors.Is(err, apperror.ErrNotFound) {
		return err
	}

	if cur == nil {
		if edge == nil {
			return nil
		}
		if err := r.graph.DeleteEdge(ctx, id); err != nil {
			return err
		}
		rep.EdgesDeleted++
		r.repaired("edge", "delete", id)
		return nil
	}

	want, err := cur.Props()
	if err != nil {
		return err
	}
	switch {
	case edge == nil:
		if err := r.graph.CreateEdge(ctx, id, cur.SrcID, cur.DstID, want); err != nil {
			return err
		}
		rep.EdgesCreated++
		r.repaired("edge", "create", id)
	case edge.SrcID != cur.SrcID || edge.DstID != cur.DstID:
		// Endpoints are immutable in the log, so a moved edge is tampering;
		// rebuild it where it belongs.
		if err := r.graph.DeleteEdge(ctx, id); err != nil {
			return err
		}
		if err := r.graph.CreateEdge(ctx, id, cur.SrcID, cur.DstID, want); err != nil {
			return err
		}
		rep.EdgesUpdated++
		r.repaired("edge", "recreate", id)
	case !connPropsEqual(edge.Props, want):
		if err := r.graph.UpdateEdge(ctx, id, want); err != nil {
			return err
		}
		rep.EdgesUpdated++
		r.repaired("edge", "update", id)
	}
	return nil
}

// sweepExtraEdges deletes graph connections whose log has no open row.
// The scan is ordered by id, so after deleting some entries of a page the
// next page starts where the kept entries end.
func (r *Reconciler) sweepExtraEdges(ctx context.Context, rep *Report) error {
	for offset := 0; ; {
		ids, err := r.graph.ScanEdgeIDs(ctx, offset, r.batch)
		if err != nil {
			return err
		}
		kept := 0
		for _, id := range ids {
			cur, err := r.versions.GetCurrentEdge(ctx, id)
			if err != nil {
				return err
			}
			if cur != nil {
				kept++
				continue
			}
			if err := r.graph.DeleteEdge(ctx, id); err != nil {
				rep.Failures++
				RepairFailures.WithLabelValues("edge").Inc()
				r.log.Error("extra edge delete failed",
					slog.String("entity_id", id.String()), logger.Error(err))
				kept++
				continue
			}
			rep.EdgesDeleted++
			r.repaired("edge", "delete", id)
		}
		if len(ids) < r.batch {
			return nil
		}
		offset += kept
	}
}

// sweepExtraNodes deletes graph nodes whose log has no open row.
func (r *Reconciler) sweepExtraNodes(ctx context.Context, rep *Report) error {
	for offset := 0; ; {
		ids, err := r.graph.ScanNodeIDs(ctx, offset, r.batch)
		if err != nil {
			return err
		}
		kept := 0
		for _, id := range ids {
			cur, err := r.versions.GetCurrentNode(ctx, id)
			if err != nil {
				return err
			}
			if cur != nil {
				kept++
				continue
			}
			if err := r.graph.DeleteNode(ctx, id); err != nil {
				rep.Failures++
				RepairFailures.WithLabelValues("node").Inc()
				r.log.Error("extra node delete failed",
					slog.String("entity_id", id.String()), logger.Error(err))
				kept++
				continue
			}
			rep.NodesDeleted++
			r.repaired("node", "delete", id)
		}
		if len(ids) < r.batch {
			return nil
		}
		offset += kept
	}
}

func (r *Reconciler) repaired(entity, action string, id uuid.UUID) {
	RepairsTotal.WithLabelValues(entity, action).Inc()
	r.log.Warn("repaired graph divergence",
		slog.String("entity", entity),
		slog.String("action", action),
		slog.String("entity_id", id.String()),
	)
}

func nodePropsEqual(a, b graph.NodeProps) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	switch av := a.(type) {
	case graph.ClaimProps:
		bv, ok := b.(graph.ClaimProps)
		return ok && av == bv
	case graph.SourceProps:
		bv, ok := b.(graph.SourceProps)
		if !ok {
			return false
		}
		return av.URL == bv.URL &&
			av.Title == bv.Title &&
			av.Author == bv.Author &&
			av.SourceType == bv.SourceType &&
			av.Content == bv.Content &&
			timePtrEqual(av.PublicationDate, bv.PublicationDate)
	default:
		return false
	}
}

func connPropsEqual(a, b graph.ConnectionProps) bool {
	return a.Notes == b.Notes &&
		a.LogicType == b.LogicType &&
		uuidPtrEqual(a.CompositeID, b.CompositeID)
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func uuidPtrEqual(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
