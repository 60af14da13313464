package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agoramaps/agora.graph/domain/graph"
	"github.com/agoramaps/agora.graph/domain/versionlog"
	"github.com/agoramaps/agora.graph/pkg/apperror"
)

type fakeVersions struct {
	changedNodes []uuid.UUID
	changedEdges []uuid.UUID
	nodes        map[uuid.UUID]*versionlog.NodeVersion
	edges        map[uuid.UUID]*versionlog.EdgeVersion

	nodeSince   []time.Time
	nodeOffsets []int
}

func newFakeVersions() *fakeVersions {
	return &fakeVersions{
		nodes: map[uuid.UUID]*versionlog.NodeVersion{},
		edges: map[uuid.UUID]*versionlog.EdgeVersion{},
	}
}

func pageIDs(ids []uuid.UUID, offset, limit int) []uuid.UUID {
	if offset >= len(ids) {
		return nil
	}
	end := offset + limit
	if end > len(ids) {
		end = len(ids)
	}
	return ids[offset:end]
}

func (f *fakeVersions) ListChangedNodeIDs(_ context.Context, since time.Time, offset, limit int) ([]uuid.UUID, error) {
	f.nodeSince = append(f.nodeSince, since)
	f.nodeOffsets = append(f.nodeOffsets, offset)
	return pageIDs(f.changedNodes, offset, limit), nil
}

func (f *fakeVersions) ListChangedEdgeIDs(_ context.Context, _ time.Time, offset, limit int) ([]uuid.UUID, error) {
	return pageIDs(f.changedEdges, offset, limit), nil
}

func (f *fakeVersions) GetCurrentNode(_ context.Context, id uuid.UUID) (*versionlog.NodeVersion, error) {
	return f.nodes[id], nil
}

func (f *fakeVersions) GetCurrentEdge(_ context.Context, id uuid.UUID) (*versionlog.EdgeVersion, error) {
	return f.edges[id], nil
}

type fakeGraph struct {
	nodes map[uuid.UUID]*graph.Node
	edges map[uuid.UUID]*graph.Edge

	ops        []string
	failDelete map[uuid.UUID]error
}

func newFakeGraph() *fakeGraph {
	return &fakeGraph{
		nodes:      map[uuid.UUID]*graph.Node{},
		edges:      map[uuid.UUID]*graph.Edge{},
		failDelete: map[uuid.UUID]error{},
	}
}

func (f *fakeGraph) GetNode(_ context.Context, id uuid.UUID) (*graph.Node, error) {
	n, ok := f.nodes[id]
	if !ok {
		return nil, apperror.NewNotFound("node", id.String())
	}
	cp := *n
	return &cp, nil
}

func (f *fakeGraph) CreateNode(_ context.Context, id uuid.UUID, props graph.NodeProps) error {
	f.ops = append(f.ops, "create_node:"+id.String())
	f.nodes[id] = &graph.Node{ID: id, Label: props.Label(), Props: props}
	return nil
}

func (f *fakeGraph) UpdateNode(_ context.Context, id uuid.UUID, props graph.NodeProps) error {
	f.ops = append(f.ops, "update_node:"+id.String())
	f.nodes[id] = &graph.Node{ID: id, Label: props.Label(), Props: props}
	return nil
}

func (f *fakeGraph) DeleteNode(_ context.Context, id uuid.UUID) error {
	if err := f.failDelete[id]; err != nil {
		return err
	}
	f.ops = append(f.ops, "delete_node:"+id.String())
	delete(f.nodes, id)
	return nil
}

func (f *fakeGraph) GetEdge(_ context.Context, id uuid.UUID) (*graph.Edge, error) {
	e, ok := f.edges[id]
	if !ok {
		return nil, apperror.NewNotFound("connection", id.String())
	}
	cp := *e
	return &cp, nil
}

func (f *fakeGraph) CreateEdge(_ context.Context, id, srcID, dstID uuid.UUID, props graph.ConnectionProps) error {
	f.ops = append(f.ops, "create_edge:"+id.String())
	f.edges[id] = &graph.Edge{ID: id, SrcID: srcID, DstID: dstID, Props: props}
	return nil
}

func (f *fakeGraph) UpdateEdge(_ context.Context, id uuid.UUID, props graph.ConnectionProps) error {
	f.ops = append(f.ops, "update_edge:"+id.String())
	e := f.edges[id]
	e.Props = props
	return nil
}

func (f *fakeGraph) DeleteEdge(_ context.Context, id uuid.UUID) error {
	if err := f.failDelete[id]; err != nil {
		return err
	}
	f.ops = append(f.ops, "delete_edge:"+id.String())
	delete(f.edges, id)
	return nil
}

func sortedKeys[V any](m map[uuid.UUID]V) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return bytes.Compare(ids[i][:], ids[j][:]) < 0
	})
	return ids
}

func (f *fakeGraph) ScanNodeIDs(_ context.Context, offset, limit int) ([]uuid.UUID, error) {
	return pageIDs(sortedKeys(f.nodes), offset, limit), nil
}

func (f *fakeGraph) ScanEdgeIDs(_ context.Context, offset, limit int) ([]uuid.UUID, error) {
	return pageIDs(sortedKeys(f.edges), offset, limit), nil
}

var fixedNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestReconciler(v *fakeVersions, g *fakeGraph, lookback time.Duration, batch int) *Reconciler {
	return &Reconciler{
		versions: v,
		graph:    g,
		lookback: lookback,
		batch:    batch,
		now:      func() time.Time { return fixedNow },
		log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func openClaimRow(id uuid.UUID, content string) *versionlog.NodeVersion {
	return &versionlog.NodeVersion{
		EntityID:      id,
		Label:         graph.NodeLabelClaim,
		Properties:    json.RawMessage(fmt.Sprintf(`{"content":%q}`, content)),
		Operation:     versionlog.OpCreate,
		VersionNumber: 1,
		ValidFrom:     fixedNow.Add(-time.Hour),
	}
}

func openEdgeRow(id, src, dst uuid.UUID, notes string) *versionlog.EdgeVersion {
	return &versionlog.EdgeVersion{
		EntityID:      id,
		SrcID:         src,
		DstID:         dst,
		LogicType:     graph.LogicAND,
		Properties:    json.RawMessage(fmt.Sprintf(`{"notes":%q,"logic_type":"AND"}`, notes)),
		Operation:     versionlog.OpCreate,
		VersionNumber: 1,
		ValidFrom:     fixedNow.Add(-time.Hour),
	}
}

func TestRunRecreatesMissingNode(t *testing.T) {
	versions := newFakeVersions()
	store := newFakeGraph()

	id := uuid.New()
	versions.changedNodes = []uuid.UUID{id}
	versions.nodes[id] = openClaimRow(id, "the sky is blue")

	rec := newTestReconciler(versions, store, 0, 100)
	rep, err := rec.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, rep.NodesChecked)
	assert.Equal(t, 1, rep.NodesCreated)
	assert.Equal(t, 1, rep.Divergent())

	require.Contains(t, store.nodes, id)
	assert.Equal(t, graph.ClaimProps{Content: "the sky is blue"}, store.nodes[id].Props)
}

func TestRunUpdatesStaleNode(t *testing.T) {
	versions := newFakeVersions()
	store := newFakeGraph()

	id := uuid.New()
	versions.changedNodes = []uuid.UUID{id}
	versions.nodes[id] = openClaimRow(id, "after the edit")
	store.nodes[id] = &graph.Node{
		ID: id, Label: graph.NodeLabelClaim,
		Props: graph.ClaimProps{Content: "before the edit"},
	}

	rec := newTestReconciler(versions, store, 0, 100)
	rep, err := rec.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, rep.NodesUpdated)
	assert.Equal(t, graph.ClaimProps{Content: "after the edit"}, store.nodes[id].Props)
	assert.Contains(t, store.ops, "update_node:"+id.String())
}

func TestRunDeletesNodeClosedInLog(t *testing.T) {
	versions := newFakeVersions()
	store := newFakeGraph()

	// Changed in the window but with no open row: a recent delete the graph
	// apply missed.
	id := uuid.New()
	versions.changedNodes = []uuid.UUID{id}
	store.nodes[id] = &graph.Node{
		ID: id, Label: graph.NodeLabelClaim,
		Props: graph.ClaimProps{Content: "lingering"},
	}

	rec := newTestReconciler(versions, store, 0, 100)
	rep, err := rec.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, rep.NodesDeleted)
	assert.NotContains(t, store.nodes, id)
}

func TestRunLeavesConvergedStateAlone(t *testing.T) {
	versions := newFakeVersions()
	store := newFakeGraph()

	nodeID, srcID, dstID, edgeID := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	versions.changedNodes = []uuid.UUID{nodeID, srcID, dstID}
	versions.changedEdges = []uuid.UUID{edgeID}
	for _, id := range []uuid.UUID{nodeID, srcID, dstID} {
		versions.nodes[id] = openClaimRow(id, "stable "+id.String())
		props, err := versions.nodes[id].Props()
		require.NoError(t, err)
		store.nodes[id] = &graph.Node{ID: id, Label: graph.NodeLabelClaim, Props: props}
	}
	versions.edges[edgeID] = openEdgeRow(edgeID, srcID, dstID, "supports")
	store.edges[edgeID] = &graph.Edge{
		ID: edgeID, SrcID: srcID, DstID: dstID,
		Props: graph.ConnectionProps{Notes: "supports", LogicType: graph.LogicAND},
	}

	rec := newTestReconciler(versions, store, 0, 100)
	rep, err := rec.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, rep.NodesChecked)
	assert.Equal(t, 1, rep.EdgesChecked)
	assert.Equal(t, 0, rep.Divergent())
	assert.Empty(t, store.ops, "a converged store takes no writes")
}

func TestRunRecreatesMissingEdge(t *testing.T) {
	versions := newFakeVersions()
	store := newFakeGraph()

	src, dst, edgeID := uuid.New(), uuid.New(), uuid.New()
	versions.changedEdges = []uuid.UUID{edgeID}
	versions.edges[edgeID] = openEdgeRow(edgeID, src, dst, "contradicts")
	store.nodes[src] = &graph.Node{ID: src, Label: graph.NodeLabelClaim, Props: graph.ClaimProps{Content: "a"}}
	store.nodes[dst] = &graph.Node{ID: dst, Label: graph.NodeLabelClaim, Props: graph.ClaimProps{Content: "b"}}
	versions.nodes[src] = openClaimRow(src, "a")
	versions.nodes[dst] = openClaimRow(dst, "b")

	rec := newTestReconciler(versions, store, 0, 100)
	rep, err := rec.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, rep.EdgesCreated)
	require.Contains(t, store.edges, edgeID)
	assert.Equal(t, src, store.edges[edgeID].SrcID)
	assert.Equal(t, dst, store.edges[edgeID].DstID)
	assert.Equal(t, "contradicts", store.edges[edgeID].Props.Notes)
}

func TestRunRebuildsMovedEdge(t *testing.T) {
	versions := newFakeVersions()
	store := newFakeGraph()

	src, dst, edgeID := uuid.New(), uuid.New(), uuid.New()
	versions.changedEdges = []uuid.UUID{edgeID}
	versions.edges[edgeID] = openEdgeRow(edgeID, src, dst, "supports")
	versions.nodes[src] = openClaimRow(src, "a")
	versions.nodes[dst] = openClaimRow(dst, "b")
	store.nodes[src] = &graph.Node{ID: src, Label: graph.NodeLabelClaim, Props: graph.ClaimProps{Content: "a"}}
	store.nodes[dst] = &graph.Node{ID: dst, Label: graph.NodeLabelClaim, Props: graph.ClaimProps{Content: "b"}}
	// Same edge id but pointing somewhere the log never put it.
	store.edges[edgeID] = &graph.Edge{
		ID: edgeID, SrcID: src, DstID: uuid.New(),
		Props: graph.ConnectionProps{Notes: "supports", LogicType: graph.LogicAND},
	}

	rec := newTestReconciler(versions, store, 0, 100)
	rep, err := rec.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, rep.EdgesUpdated)
	assert.Equal(t, dst, store.edges[edgeID].DstID)
	assert.Contains(t, store.ops, "delete_edge:"+edgeID.String())
	assert.Contains(t, store.ops, "create_edge:"+edgeID.String())
}

func TestRunSweepsEntriesUnknownToLog(t *testing.T) {
	versions := newFakeVersions()
	store := newFakeGraph()

	// Nothing changed in the log, but the graph holds a node and an edge the
	// log has no open rows for.
	nodeID, edgeID := uuid.New(), uuid.New()
	store.nodes[nodeID] = &graph.Node{ID: nodeID, Label: graph.NodeLabelClaim, Props: graph.ClaimProps{Content: "ghost"}}
	store.edges[edgeID] = &graph.Edge{ID: edgeID, SrcID: nodeID, DstID: uuid.New()}

	rec := newTestReconciler(versions, store, 0, 100)
	rep, err := rec.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, rep.NodesDeleted)
	assert.Equal(t, 1, rep.EdgesDeleted)
	assert.Empty(t, store.nodes)
	assert.Empty(t, store.edges)

	// The edge goes first so the node delete never detaches a live edge.
	require.Len(t, store.ops, 2)
	assert.Equal(t, "delete_edge:"+edgeID.String(), store.ops[0])
	assert.Equal(t, "delete_node:"+nodeID.String(), store.ops[1])
}

func TestRunHonorsLookback(t *testing.T) {
	versions := newFakeVersions()
	rec := newTestReconciler(versions, newFakeGraph(), 24*time.Hour, 100)

	_, err := rec.Run(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, versions.nodeSince)
	assert.Equal(t, fixedNow.Add(-24*time.Hour), versions.nodeSince[0])

	full := newFakeVersions()
	rec = newTestReconciler(full, newFakeGraph(), 0, 100)
	_, err = rec.Run(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, full.nodeSince)
	assert.True(t, full.nodeSince[0].IsZero(), "zero lookback scans the whole log")
}

func TestRunContinuesPastRepairFailures(t *testing.T) {
	versions := newFakeVersions()
	store := newFakeGraph()

	bad, good := uuid.New(), uuid.New()
	versions.changedNodes = []uuid.UUID{bad, good}
	store.nodes[bad] = &graph.Node{ID: bad, Label: graph.NodeLabelClaim, Props: graph.ClaimProps{Content: "x"}}
	store.failDelete[bad] = apperror.ErrStorage
	versions.nodes[good] = openClaimRow(good, "fine")

	rec := newTestReconciler(versions, store, 0, 100)
	rep, err := rec.Run(context.Background())
	require.NoError(t, err, "per-entity failures do not fail the pass")

	// The repair phase fails the delete once and the extras sweep retries it.
	assert.Equal(t, 2, rep.Failures)
	assert.Equal(t, 1, rep.NodesCreated)
	assert.Contains(t, store.nodes, good)
}

func TestRunPagesChangedIDs(t *testing.T) {
	versions := newFakeVersions()
	store := newFakeGraph()

	for i := 0; i < 5; i++ {
		id := uuid.New()
		versions.changedNodes = append(versions.changedNodes, id)
		versions.nodes[id] = openClaimRow(id, fmt.Sprintf("claim %d", i))
	}

	rec := newTestReconciler(versions, store, 0, 2)
	rep, err := rec.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 5, rep.NodesChecked)
	assert.Equal(t, 5, rep.NodesCreated)
	assert.Equal(t, []int{0, 2, 4}, versions.nodeOffsets)
}

func TestSweepPagesWhileDeleting(t *testing.T) {
	versions := newFakeVersions()
	store := newFakeGraph()

	for i := 0; i < 5; i++ {
		id := uuid.New()
		store.nodes[id] = &graph.Node{ID: id, Label: graph.NodeLabelClaim, Props: graph.ClaimProps{Content: "extra"}}
	}

	rec := newTestReconciler(versions, store, 0, 2)
	rep, err := rec.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 5, rep.NodesDeleted)
	assert.Empty(t, store.nodes, "ordered rescan from the shifted offset reaches every extra entry")
}

func TestNodePropsEqual(t *testing.T) {
	pub := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	samePub := pub

	tests := []struct {
		name string
		a, b graph.NodeProps
		want bool
	}{
		{"equal claims", graph.ClaimProps{Content: "x"}, graph.ClaimProps{Content: "x"}, true},
		{"different claims", graph.ClaimProps{Content: "x"}, graph.ClaimProps{Content: "y"}, false},
		{"claim vs source", graph.ClaimProps{Content: "x"}, graph.SourceProps{Title: "x"}, false},
		{
			"equal sources with dates",
			graph.SourceProps{Title: "t", PublicationDate: &pub},
			graph.SourceProps{Title: "t", PublicationDate: &samePub},
			true,
		},
		{
			"source date vs nil",
			graph.SourceProps{Title: "t", PublicationDate: &pub},
			graph.SourceProps{Title: "t"},
			false,
		},
		{"both nil", nil, nil, true},
		{"one nil", graph.ClaimProps{Content: "x"}, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, nodePropsEqual(tt.a, tt.b))
		})
	}
}

func TestConnPropsEqual(t *testing.T) {
	groupA := uuid.New()
	sameGroup := groupA
	groupB := uuid.New()

	assert.True(t, connPropsEqual(
		graph.ConnectionProps{Notes: "n", LogicType: graph.LogicAND, CompositeID: &groupA},
		graph.ConnectionProps{Notes: "n", LogicType: graph.LogicAND, CompositeID: &sameGroup},
	))
	assert.False(t, connPropsEqual(
		graph.ConnectionProps{Notes: "n", LogicType: graph.LogicAND},
		graph.ConnectionProps{Notes: "n", LogicType: graph.LogicOR},
	))
	assert.False(t, connPropsEqual(
		graph.ConnectionProps{CompositeID: &groupA},
		graph.ConnectionProps{CompositeID: &groupB},
	))
	assert.False(t, connPropsEqual(
		graph.ConnectionProps{CompositeID: &groupA},
		graph.ConnectionProps{},
	))
}
