package mutation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"

	"github.com/agoramaps/agora.graph/domain/dedup"
	"github.com/agoramaps/agora.graph/domain/graph"
	"github.com/agoramaps/agora.graph/domain/versionlog"
	"github.com/agoramaps/agora.graph/pkg/apperror"
)

type fakeTx struct {
	bun.IDB
	committed  bool
	rolledBack bool
}

func (t *fakeTx) Commit() error {
	t.committed = true
	return nil
}

func (t *fakeTx) Rollback() error {
	if !t.committed {
		t.rolledBack = true
	}
	return nil
}

// fakeLog keeps version history in memory with the same append rules as the
// real repository: versions count up from 1, creates reject live entities,
// updates and deletes require one, and delete rows are written closed.
type fakeLog struct {
	nodes map[uuid.UUID][]versionlog.NodeVersion
	edges map[uuid.UUID][]versionlog.EdgeVersion
	byKey map[string]*versionlog.NodeVersion
	seq   []string
	locks []string
	tx    *fakeTx
}

func newFakeLog() *fakeLog {
	return &fakeLog{
		nodes: make(map[uuid.UUID][]versionlog.NodeVersion),
		edges: make(map[uuid.UUID][]versionlog.EdgeVersion),
		byKey: make(map[string]*versionlog.NodeVersion),
	}
}

func (f *fakeLog) BeginTx(context.Context) (Tx, error) {
	f.tx = &fakeTx{}
	return f.tx, nil
}

func (f *fakeLog) LockEntity(_ context.Context, _ bun.IDB, id uuid.UUID) error {
	f.locks = append(f.locks, "entity:"+id.String())
	return nil
}

func (f *fakeLog) LockKey(_ context.Context, _ bun.IDB, key string) error {
	f.locks = append(f.locks, "key:"+key)
	return nil
}

func (f *fakeLog) FetchLatestNode(_ context.Context, _ bun.IDB, id uuid.UUID) (*versionlog.NodeVersion, error) {
	hist := f.nodes[id]
	if len(hist) == 0 {
		return nil, nil
	}
	v := hist[len(hist)-1]
	return &v, nil
}

func (f *fakeLog) FetchLatestEdge(_ context.Context, _ bun.IDB, id uuid.UUID) (*versionlog.EdgeVersion, error) {
	hist := f.edges[id]
	if len(hist) == 0 {
		return nil, nil
	}
	v := hist[len(hist)-1]
	return &v, nil
}

func (f *fakeLog) FetchOpenEdgesTouching(_ context.Context, _ bun.IDB, nodeID uuid.UUID) ([]versionlog.EdgeVersion, error) {
	var out []versionlog.EdgeVersion
	for _, hist := range f.edges {
		v := hist[len(hist)-1]
		if v.Operation != versionlog.OpDelete && (v.SrcID == nodeID || v.DstID == nodeID) {
			out = append(out, v)
		}
	}
	sortEdgeVersions(out)
	return out, nil
}

func (f *fakeLog) FetchOpenEdgesByComposite(_ context.Context, _ bun.IDB, compositeID uuid.UUID) ([]versionlog.EdgeVersion, error) {
	var out []versionlog.EdgeVersion
	for _, hist := range f.edges {
		v := hist[len(hist)-1]
		if v.Operation != versionlog.OpDelete && v.CompositeID != nil && *v.CompositeID == compositeID {
			out = append(out, v)
		}
	}
	sortEdgeVersions(out)
	return out, nil
}

func (f *fakeLog) FetchCurrentNodeByKey(_ context.Context, _ bun.IDB, kind versionlog.KeyKind, value string) (*versionlog.NodeVersion, error) {
	return f.byKey[string(kind)+":"+value], nil
}

func (f *fakeLog) AppendNodeVersion(_ context.Context, _ bun.IDB, p versionlog.AppendNodeParams) (*versionlog.NodeVersion, error) {
	hist := f.nodes[p.EntityID]
	version := 1
	if len(hist) > 0 {
		last := hist[len(hist)-1]
		if p.Op == versionlog.OpCreate && last.Operation != versionlog.OpDelete {
			return nil, apperror.ErrConflict.WithMessage("node already exists")
		}
		if p.Op != versionlog.OpCreate && last.Operation == versionlog.OpDelete {
			return nil, apperror.NewNotFound("node", p.EntityID.String())
		}
		version = last.VersionNumber + 1
	} else if p.Op != versionlog.OpCreate {
		return nil, apperror.NewNotFound("node", p.EntityID.String())
	}

	raw, err := graph.MarshalNodeProps(p.Props)
	if err != nil {
		return nil, err
	}
	row := versionlog.NodeVersion{
		EntityID:      p.EntityID,
		Label:         p.Label,
		Properties:    raw,
		Operation:     p.Op,
		VersionNumber: version,
		ValidFrom:     p.At,
		ChangedBy:     p.Actor.UserID,
	}
	if p.Op == versionlog.OpDelete {
		at := p.At
		row.ValidTo = &at
	}
	f.nodes[p.EntityID] = append(hist, row)
	f.seq = append(f.seq, fmt.Sprintf("node %s %s", p.Op, p.EntityID))
	return &row, nil
}

func (f *fakeLog) AppendEdgeVersion(_ context.Context, _ bun.IDB, p versionlog.AppendEdgeParams) (*versionlog.EdgeVersion, error) {
	hist := f.edges[p.EntityID]
	version := 1
	if len(hist) > 0 {
		last := hist[len(hist)-1]
		if p.Op == versionlog.OpCreate && last.Operation != versionlog.OpDelete {
			return nil, apperror.ErrConflict.WithMessage("connection already exists")
		}
		if p.Op != versionlog.OpCreate && last.Operation == versionlog.OpDelete {
			return nil, apperror.NewNotFound("connection", p.EntityID.String())
		}
		version = last.VersionNumber + 1
	} else if p.Op != versionlog.OpCreate {
		return nil, apperror.NewNotFound("connection", p.EntityID.String())
	}

	raw, err := graph.MarshalConnectionProps(p.Props)
	if err != nil {
		return nil, err
	}
	row := versionlog.EdgeVersion{
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
	if p.Op == versionlog.OpDelete {
		at := p.At
		row.ValidTo = &at
	}
	f.edges[p.EntityID] = append(hist, row)
	f.seq = append(f.seq, fmt.Sprintf("edge %s %s", p.Op, p.EntityID))
	return &row, nil
}

func sortEdgeVersions(edges []versionlog.EdgeVersion) {
	sort.Slice(edges, func(i, j int) bool {
		return bytes.Compare(edges[i].EntityID[:], edges[j].EntityID[:]) < 0
	})
}

type fakeGraph struct {
	calls  []string
	failOn string
}

func (g *fakeGraph) record(op string, id uuid.UUID) error {
	g.calls = append(g.calls, op+" "+id.String())
	if g.failOn == op {
		return errors.New("graph store down")
	}
	return nil
}

func (g *fakeGraph) CreateNode(_ context.Context, id uuid.UUID, _ graph.NodeProps) error {
	return g.record("create_node", id)
}

func (g *fakeGraph) UpdateNode(_ context.Context, id uuid.UUID, _ graph.NodeProps) error {
	return g.record("update_node", id)
}

func (g *fakeGraph) DeleteNode(_ context.Context, id uuid.UUID) error {
	return g.record("delete_node", id)
}

func (g *fakeGraph) CreateEdge(_ context.Context, id, _, _ uuid.UUID, _ graph.ConnectionProps) error {
	return g.record("create_edge", id)
}

func (g *fakeGraph) UpdateEdge(_ context.Context, id uuid.UUID, _ graph.ConnectionProps) error {
	return g.record("update_edge", id)
}

func (g *fakeGraph) DeleteEdge(_ context.Context, id uuid.UUID) error {
	return g.record("delete_edge", id)
}

type fakeChecker struct {
	claimVerdict  *dedup.Verdict
	sourceVerdict *dedup.Verdict
	claimInputs   []string
	sourceInputs  []dedup.SourceCheckParams
}

func (c *fakeChecker) CheckClaim(_ context.Context, content string) (*dedup.Verdict, error) {
	c.claimInputs = append(c.claimInputs, content)
	return c.claimVerdict, nil
}

func (c *fakeChecker) CheckSource(_ context.Context, params dedup.SourceCheckParams) (*dedup.Verdict, error) {
	c.sourceInputs = append(c.sourceInputs, params)
	return c.sourceVerdict, nil
}

type fakePolicy struct {
	denied  map[uuid.UUID]error
	checked []uuid.UUID
}

func (p *fakePolicy) CheckEdit(_ context.Context, id uuid.UUID, _ versionlog.EntityType, _ versionlog.Actor) error {
	p.checked = append(p.checked, id)
	if err, ok := p.denied[id]; ok {
		return err
	}
	return nil
}

type fixture struct {
	vl      *fakeLog
	store   *fakeGraph
	checker *fakeChecker
	policy  *fakePolicy
	coord   *Coordinator
}

func newFixture() *fixture {
	f := &fixture{
		vl:      newFakeLog(),
		store:   &fakeGraph{},
		checker: &fakeChecker{},
		policy:  &fakePolicy{denied: make(map[uuid.UUID]error)},
	}
	f.coord = NewCoordinator(f.vl, f.store, f.checker, f.policy,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	return f
}

func (f *fixture) mustCreateClaim(t *testing.T, content string) uuid.UUID {
	t.Helper()
	row, err := f.coord.CreateNode(context.Background(), graph.ClaimProps{Content: content}, versionlog.AnonymousActor)
	require.NoError(t, err)
	return row.EntityID
}

func (f *fixture) mustCreateEdge(t *testing.T, src, dst uuid.UUID, logic graph.LogicType) uuid.UUID {
	t.Helper()
	row, err := f.coord.CreateEdge(context.Background(), src, dst,
		graph.ConnectionProps{LogicType: logic}, versionlog.AnonymousActor)
	require.NoError(t, err)
	return row.EntityID
}

func TestCreateNodeWritesLogThenGraph(t *testing.T) {
	f := newFixture()

	row, err := f.coord.CreateNode(context.Background(),
		graph.ClaimProps{Content: "The sky is blue"}, versionlog.AnonymousActor)
	require.NoError(t, err)
	assert.Equal(t, 1, row.VersionNumber)
	assert.Equal(t, versionlog.OpCreate, row.Operation)
	assert.True(t, f.vl.tx.committed)
	assert.Equal(t, []string{"key:content_key:the sky is blue"}, f.vl.locks)
	assert.Equal(t, []string{"create_node " + row.EntityID.String()}, f.store.calls)
}

func TestCreateNodeDuplicateFailsBeforeTransaction(t *testing.T) {
	f := newFixture()
	f.checker.claimVerdict = &dedup.Verdict{
		Kind:     dedup.KindSimilar,
		EntityID: uuid.New(),
		Label:    graph.NodeLabelClaim,
		Score:    0.9,
	}

	_, err := f.coord.CreateNode(context.Background(),
		graph.ClaimProps{Content: "The sky is blue"}, versionlog.AnonymousActor)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperror.ErrDuplicate)
	assert.Nil(t, f.vl.tx)
	assert.Empty(t, f.store.calls)
}

func TestCreateNodeValidatesProps(t *testing.T) {
	f := newFixture()

	_, err := f.coord.CreateNode(context.Background(), graph.ClaimProps{}, versionlog.AnonymousActor)
	assert.ErrorIs(t, err, apperror.ErrValidation)

	_, err = f.coord.CreateNode(context.Background(), nil, versionlog.AnonymousActor)
	assert.ErrorIs(t, err, apperror.ErrValidation)

	_, err = f.coord.CreateNode(context.Background(), graph.SourceProps{URL: "https://example.com"}, versionlog.AnonymousActor)
	assert.ErrorIs(t, err, apperror.ErrValidation)
}

func TestCreateNodeRecheckUnderLockCatchesRace(t *testing.T) {
	f := newFixture()
	raced := uuid.New()
	// The unlocked pre-check saw nothing, but by the time the key lock is
	// held another writer has claimed the key.
	f.vl.byKey["content_key:the sky is blue"] = &versionlog.NodeVersion{
		EntityID: raced,
		Label:    graph.NodeLabelClaim,
	}

	_, err := f.coord.CreateNode(context.Background(),
		graph.ClaimProps{Content: "The sky is blue"}, versionlog.AnonymousActor)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperror.ErrDuplicate)
	assert.True(t, f.vl.tx.rolledBack)
	assert.Empty(t, f.store.calls)
}

func TestCreateNodeGraphFailureStillSucceeds(t *testing.T) {
	f := newFixture()
	f.store.failOn = "create_node"

	row, err := f.coord.CreateNode(context.Background(),
		graph.ClaimProps{Content: "The sky is blue"}, versionlog.AnonymousActor)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.True(t, f.vl.tx.committed)
	assert.Len(t, f.vl.nodes[row.EntityID], 1)
}

func TestCreateSourceDerivesDOIFromURL(t *testing.T) {
	f := newFixture()

	_, err := f.coord.CreateNode(context.Background(), graph.SourceProps{
		Title: "A Study",
		URL:   "https://doi.org/10.1234/Study",
	}, versionlog.AnonymousActor)
	require.NoError(t, err)

	require.Len(t, f.checker.sourceInputs, 1)
	assert.Equal(t, "10.1234/study", f.checker.sourceInputs[0].DOI)
	assert.Equal(t, "https://doi.org/10.1234/Study", f.checker.sourceInputs[0].URL)
	assert.Equal(t, []string{
		"key:doi_key:10.1234/study",
		"key:title_key:a study",
		"key:url_key:doi.org/10.1234/study",
	}, f.vl.locks)
}

func TestEditNodeMergesPatchIntoNewVersion(t *testing.T) {
	f := newFixture()
	id := f.mustCreateClaim(t, "Original claim")

	content := "Corrected claim"
	row, err := f.coord.EditNode(context.Background(), id,
		graph.ClaimPatch{Content: &content}, versionlog.AnonymousActor)
	require.NoError(t, err)
	assert.Equal(t, 2, row.VersionNumber)
	assert.Equal(t, versionlog.OpUpdate, row.Operation)

	props, err := row.Props()
	require.NoError(t, err)
	assert.Equal(t, graph.ClaimProps{Content: "Corrected claim"}, props)
	assert.Contains(t, f.policy.checked, id)
	assert.Contains(t, f.store.calls, "update_node "+id.String())
}

func TestEditSourcePartialPatchKeepsOtherFields(t *testing.T) {
	f := newFixture()
	row, err := f.coord.CreateNode(context.Background(), graph.SourceProps{
		Title:  "A Study",
		URL:    "https://example.com/study",
		Author: "Original Author",
	}, versionlog.AnonymousActor)
	require.NoError(t, err)

	author := "Corrected Author"
	edited, err := f.coord.EditNode(context.Background(), row.EntityID,
		graph.SourcePatch{Author: &author}, versionlog.AnonymousActor)
	require.NoError(t, err)
	assert.Equal(t, 2, edited.VersionNumber)

	props, err := edited.Props()
	require.NoError(t, err)
	src := props.(graph.SourceProps)
	assert.Equal(t, "Corrected Author", src.Author)
	assert.Equal(t, "A Study", src.Title)
	assert.Equal(t, "https://example.com/study", src.URL)
}

func TestEditNodeRejectsEmptyPatch(t *testing.T) {
	f := newFixture()
	id := f.mustCreateClaim(t, "A claim")

	_, err := f.coord.EditNode(context.Background(), id, graph.ClaimPatch{}, versionlog.AnonymousActor)
	assert.ErrorIs(t, err, apperror.ErrValidation)
}

func TestEditNodeRejectsLabelMismatch(t *testing.T) {
	f := newFixture()
	id := f.mustCreateClaim(t, "A claim")

	title := "New title"
	_, err := f.coord.EditNode(context.Background(), id,
		graph.SourcePatch{Title: &title}, versionlog.AnonymousActor)
	assert.ErrorIs(t, err, apperror.ErrValidation)
	assert.Len(t, f.vl.nodes[id], 1)
}

func TestEditNodeDeniedByPolicy(t *testing.T) {
	f := newFixture()
	id := f.mustCreateClaim(t, "A claim")
	f.policy.denied[id] = apperror.ErrEditWindowExpired.WithMessage(
		"edit window expired (engagement-adjusted: 24h limit)")

	content := "changed"
	_, err := f.coord.EditNode(context.Background(), id,
		graph.ClaimPatch{Content: &content}, versionlog.AnonymousActor)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperror.ErrEditWindowExpired)
	assert.Len(t, f.vl.nodes[id], 1)
	assert.True(t, f.vl.tx.rolledBack)
}

func TestApplyResolvedNodeEditBypassesPolicy(t *testing.T) {
	f := newFixture()
	id := f.mustCreateClaim(t, "A claim")
	f.policy.denied[id] = apperror.ErrForbidden.WithMessage("not the creator")

	content := "community corrected"
	resolver := uuid.New()
	row, err := f.coord.ApplyResolvedNodeEdit(context.Background(), id,
		graph.ClaimPatch{Content: &content}, versionlog.User(resolver))
	require.NoError(t, err)
	assert.Equal(t, 2, row.VersionNumber)
	require.NotNil(t, row.ChangedBy)
	assert.Equal(t, resolver, *row.ChangedBy)
	assert.NotContains(t, f.policy.checked, id)
}

func TestEditNodeMissing(t *testing.T) {
	f := newFixture()

	content := "changed"
	_, err := f.coord.EditNode(context.Background(), uuid.New(),
		graph.ClaimPatch{Content: &content}, versionlog.AnonymousActor)
	assert.ErrorIs(t, err, apperror.ErrNotFound)
}

func TestDeleteNodeCascadesConnectionsFirst(t *testing.T) {
	f := newFixture()
	a := f.mustCreateClaim(t, "Claim A")
	b := f.mustCreateClaim(t, "Claim B")
	edge := f.mustCreateEdge(t, a, b, graph.LogicAND)

	row, err := f.coord.DeleteNode(context.Background(), a, versionlog.AnonymousActor)
	require.NoError(t, err)
	assert.Equal(t, versionlog.OpDelete, row.Operation)
	require.NotNil(t, row.ValidTo, "delete rows are written closed")
	assert.Equal(t, row.ValidFrom, *row.ValidTo)

	// The connection's delete row lands before the node's.
	n := len(f.vl.seq)
	require.GreaterOrEqual(t, n, 2)
	assert.Equal(t, fmt.Sprintf("edge DELETE %s", edge), f.vl.seq[n-2])
	assert.Equal(t, fmt.Sprintf("node DELETE %s", a), f.vl.seq[n-1])

	edgeRow := f.vl.edges[edge][len(f.vl.edges[edge])-1]
	assert.Equal(t, versionlog.OpDelete, edgeRow.Operation)
	require.NotNil(t, edgeRow.ValidTo)

	// One graph call removes the node and its relationships together.
	assert.Contains(t, f.store.calls, "delete_node "+a.String())
	assert.NotContains(t, f.store.calls, "delete_edge "+edge.String())

	// The untouched endpoint survives.
	latest := f.vl.nodes[b][len(f.vl.nodes[b])-1]
	assert.NotEqual(t, versionlog.OpDelete, latest.Operation)
}

func TestDeleteNodeMissing(t *testing.T) {
	f := newFixture()

	_, err := f.coord.DeleteNode(context.Background(), uuid.New(), versionlog.AnonymousActor)
	assert.ErrorIs(t, err, apperror.ErrNotFound)
}

func TestCreateEdgeValidation(t *testing.T) {
	f := newFixture()
	a := f.mustCreateClaim(t, "Claim A")
	f.vl.tx = nil

	// Unknown logic type is rejected before any transaction opens.
	_, err := f.coord.CreateEdge(context.Background(), a, uuid.New(),
		graph.ConnectionProps{LogicType: "XOR"}, versionlog.AnonymousActor)
	assert.ErrorIs(t, err, apperror.ErrValidation)
	assert.Nil(t, f.vl.tx)

	_, err = f.coord.CreateEdge(context.Background(), a, a,
		graph.ConnectionProps{LogicType: graph.LogicAND}, versionlog.AnonymousActor)
	assert.ErrorIs(t, err, apperror.ErrValidation)

	// Missing endpoint fails inside the transaction.
	_, err = f.coord.CreateEdge(context.Background(), a, uuid.New(),
		graph.ConnectionProps{LogicType: graph.LogicAND}, versionlog.AnonymousActor)
	assert.ErrorIs(t, err, apperror.ErrNotFound)
}

func TestCreateEdgeRejectsCallerCompositeID(t *testing.T) {
	f := newFixture()
	a := f.mustCreateClaim(t, "Claim A")
	b := f.mustCreateClaim(t, "Claim B")

	cid := uuid.New()
	_, err := f.coord.CreateEdge(context.Background(), a, b,
		graph.ConnectionProps{LogicType: graph.LogicAND, CompositeID: &cid}, versionlog.AnonymousActor)
	assert.ErrorIs(t, err, apperror.ErrValidation)
}

func TestCreateCompoundEdge(t *testing.T) {
	f := newFixture()
	a := f.mustCreateClaim(t, "Claim A")
	b := f.mustCreateClaim(t, "Claim B")
	c := f.mustCreateClaim(t, "Claim C")

	rows, err := f.coord.CreateCompoundEdge(context.Background(),
		[]uuid.UUID{a, b}, c,
		graph.ConnectionProps{LogicType: graph.LogicAND, Notes: "jointly support"},
		versionlog.AnonymousActor)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	require.NotNil(t, rows[0].CompositeID)
	require.NotNil(t, rows[1].CompositeID)
	assert.Equal(t, *rows[0].CompositeID, *rows[1].CompositeID)
	assert.NotEqual(t, rows[0].EntityID, rows[1].EntityID)
	assert.Equal(t, c, rows[0].DstID)
	assert.Equal(t, c, rows[1].DstID)
}

func TestCreateCompoundEdgeValidation(t *testing.T) {
	f := newFixture()
	a := f.mustCreateClaim(t, "Claim A")
	b := f.mustCreateClaim(t, "Claim B")

	_, err := f.coord.CreateCompoundEdge(context.Background(), nil, b,
		graph.ConnectionProps{LogicType: graph.LogicAND}, versionlog.AnonymousActor)
	assert.ErrorIs(t, err, apperror.ErrValidation)

	_, err = f.coord.CreateCompoundEdge(context.Background(), []uuid.UUID{a, a}, b,
		graph.ConnectionProps{LogicType: graph.LogicAND}, versionlog.AnonymousActor)
	assert.ErrorIs(t, err, apperror.ErrValidation)

	_, err = f.coord.CreateCompoundEdge(context.Background(), []uuid.UUID{a, b}, b,
		graph.ConnectionProps{LogicType: graph.LogicAND}, versionlog.AnonymousActor)
	assert.ErrorIs(t, err, apperror.ErrValidation)
}

func TestEditEdgeSingle(t *testing.T) {
	f := newFixture()
	a := f.mustCreateClaim(t, "Claim A")
	b := f.mustCreateClaim(t, "Claim B")
	edge := f.mustCreateEdge(t, a, b, graph.LogicAND)

	notes := "clarified"
	rows, err := f.coord.EditEdge(context.Background(), edge,
		graph.ConnectionPatch{Notes: &notes}, versionlog.AnonymousActor)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 2, rows[0].VersionNumber)

	props, err := rows[0].Props()
	require.NoError(t, err)
	assert.Equal(t, "clarified", props.Notes)
	assert.Equal(t, graph.LogicAND, props.LogicType)
}

func TestEditEdgeMemberEditsWholeCompoundGroup(t *testing.T) {
	f := newFixture()
	a := f.mustCreateClaim(t, "Claim A")
	b := f.mustCreateClaim(t, "Claim B")
	c := f.mustCreateClaim(t, "Claim C")
	members, err := f.coord.CreateCompoundEdge(context.Background(),
		[]uuid.UUID{a, b}, c,
		graph.ConnectionProps{LogicType: graph.LogicAND}, versionlog.AnonymousActor)
	require.NoError(t, err)

	// Addressing one member by its own id still applies the change to every
	// member of the group.
	logic := graph.LogicNAND
	rows, err := f.coord.EditEdge(context.Background(), members[0].EntityID,
		graph.ConnectionPatch{LogicType: &logic}, versionlog.AnonymousActor)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, row := range rows {
		assert.Equal(t, 2, row.VersionNumber)
		assert.Equal(t, graph.LogicNAND, row.LogicType)
	}
}

func TestDeleteEdgeByCompositeID(t *testing.T) {
	f := newFixture()
	a := f.mustCreateClaim(t, "Claim A")
	b := f.mustCreateClaim(t, "Claim B")
	c := f.mustCreateClaim(t, "Claim C")
	members, err := f.coord.CreateCompoundEdge(context.Background(),
		[]uuid.UUID{a, b}, c,
		graph.ConnectionProps{LogicType: graph.LogicOR}, versionlog.AnonymousActor)
	require.NoError(t, err)

	rows, err := f.coord.DeleteEdge(context.Background(), *members[0].CompositeID, versionlog.AnonymousActor)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, row := range rows {
		assert.Equal(t, versionlog.OpDelete, row.Operation)
		require.NotNil(t, row.ValidTo)
		assert.Contains(t, f.store.calls, "delete_edge "+row.EntityID.String())
	}
}

func TestEditEdgeGroupDeniedForAnyMember(t *testing.T) {
	f := newFixture()
	a := f.mustCreateClaim(t, "Claim A")
	b := f.mustCreateClaim(t, "Claim B")
	c := f.mustCreateClaim(t, "Claim C")
	members, err := f.coord.CreateCompoundEdge(context.Background(),
		[]uuid.UUID{a, b}, c,
		graph.ConnectionProps{LogicType: graph.LogicAND}, versionlog.AnonymousActor)
	require.NoError(t, err)
	f.policy.denied[members[1].EntityID] = apperror.ErrForbidden.WithMessage("not the creator")

	notes := "changed"
	_, err = f.coord.EditEdge(context.Background(), members[0].EntityID,
		graph.ConnectionPatch{Notes: &notes}, versionlog.AnonymousActor)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperror.ErrForbidden)

	for _, m := range members {
		assert.Len(t, f.vl.edges[m.EntityID], 1, "no member gains a version")
	}
}

func TestDeleteEdgeMissing(t *testing.T) {
	f := newFixture()

	_, err := f.coord.DeleteEdge(context.Background(), uuid.New(), versionlog.AnonymousActor)
	assert.ErrorIs(t, err, apperror.ErrNotFound)
}

func TestPostCommitHooksObserveMutations(t *testing.T) {
	f := newFixture()
	var events []Event
	f.coord.AddPostCommitHook(func(_ context.Context, ev Event) {
		events = append(events, ev)
	})

	a := f.mustCreateClaim(t, "Claim A")
	b := f.mustCreateClaim(t, "Claim B")
	f.mustCreateEdge(t, a, b, graph.LogicAND)
	deleter := uuid.New()
	_, err := f.coord.DeleteNode(context.Background(), a, versionlog.User(deleter))
	require.NoError(t, err)

	require.Len(t, events, 5)
	assert.Equal(t, versionlog.EntityClaim, events[0].EntityType)
	assert.Equal(t, versionlog.OpCreate, events[0].Op)
	assert.Equal(t, versionlog.EntityConnection, events[2].EntityType)

	// Delete emits the cascaded connection before the node itself.
	assert.Equal(t, versionlog.OpDelete, events[3].Op)
	assert.Equal(t, versionlog.EntityConnection, events[3].EntityType)
	assert.Equal(t, versionlog.OpDelete, events[4].Op)
	assert.Equal(t, versionlog.EntityClaim, events[4].EntityType)
	assert.Equal(t, a, events[4].EntityID)

	// Events carry who made the change for downstream profile accounting.
	assert.True(t, events[0].Actor.Anonymous)
	require.NotNil(t, events[4].Actor.UserID)
	assert.Equal(t, deleter, *events[4].Actor.UserID)
}

type recordingSink struct {
	events []Event
}

func (s *recordingSink) ContributionRecorded(_ context.Context, ev Event) {
	s.events = append(s.events, ev)
}

func TestProfileSinkReceivesContributions(t *testing.T) {
	f := newFixture()
	sink := &recordingSink{}
	registerProfileSink(f.coord, sink)

	author := uuid.New()
	row, err := f.coord.CreateNode(context.Background(),
		graph.ClaimProps{Content: "counted"}, versionlog.User(author))
	require.NoError(t, err)

	require.Len(t, sink.events, 1)
	assert.Equal(t, row.EntityID, sink.events[0].EntityID)
	require.NotNil(t, sink.events[0].Actor.UserID)
	assert.Equal(t, author, *sink.events[0].Actor.UserID)

	// The default sink is a no-op but still satisfies the interface.
	var _ ProfileSink = NopProfileSink{}
}

func TestRecreateAfterDeleteContinuesVersionChain(t *testing.T) {
	f := newFixture()
	id := f.mustCreateClaim(t, "A claim")
	_, err := f.coord.DeleteNode(context.Background(), id, versionlog.AnonymousActor)
	require.NoError(t, err)

	content := "changed"
	_, err = f.coord.EditNode(context.Background(), id,
		graph.ClaimPatch{Content: &content}, versionlog.AnonymousActor)
	assert.ErrorIs(t, err, apperror.ErrNotFound, "deleted entities reject edits")
}
