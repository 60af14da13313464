package mutation

import (
	"context"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/agoramaps/agora.graph/domain/dedup"
	"github.com/agoramaps/agora.graph/domain/graph"
	"github.com/agoramaps/agora.graph/domain/versionlog"
)

// Tx is the slice of a database transaction the coordinator drives.
type Tx interface {
	bun.IDB
	Commit() error
	Rollback() error
}

// VersionLog is the write surface of the version log. Backed by
// *versionlog.Repository in production; module.go adapts the BeginTx return
// type.
type VersionLog interface {
	BeginTx(ctx context.Context) (Tx, error)
	LockEntity(ctx context.Context, tx bun.IDB, entityID uuid.UUID) error
	LockKey(ctx context.Context, tx bun.IDB, key string) error
	FetchLatestNode(ctx context.Context, tx bun.IDB, entityID uuid.UUID) (*versionlog.NodeVersion, error)
	FetchLatestEdge(ctx context.Context, tx bun.IDB, entityID uuid.UUID) (*versionlog.EdgeVersion, error)
	FetchOpenEdgesTouching(ctx context.Context, tx bun.IDB, nodeID uuid.UUID) ([]versionlog.EdgeVersion, error)
	FetchOpenEdgesByComposite(ctx context.Context, tx bun.IDB, compositeID uuid.UUID) ([]versionlog.EdgeVersion, error)
	FetchCurrentNodeByKey(ctx context.Context, tx bun.IDB, kind versionlog.KeyKind, value string) (*versionlog.NodeVersion, error)
	AppendNodeVersion(ctx context.Context, tx bun.IDB, p versionlog.AppendNodeParams) (*versionlog.NodeVersion, error)
	AppendEdgeVersion(ctx context.Context, tx bun.IDB, p versionlog.AppendEdgeParams) (*versionlog.EdgeVersion, error)
}

// Graph is the graph store surface committed mutations are applied to.
type Graph interface {
	CreateNode(ctx context.Context, id uuid.UUID, props graph.NodeProps) error
	UpdateNode(ctx context.Context, id uuid.UUID, props graph.NodeProps) error
	DeleteNode(ctx context.Context, id uuid.UUID) error
	CreateEdge(ctx context.Context, id, srcID, dstID uuid.UUID, props graph.ConnectionProps) error
	UpdateEdge(ctx context.Context, id uuid.UUID, props graph.ConnectionProps) error
	DeleteEdge(ctx context.Context, id uuid.UUID) error
}

// DuplicateChecker guards node creates against semantic duplicates.
type DuplicateChecker interface {
	CheckClaim(ctx context.Context, content string) (*dedup.Verdict, error)
	CheckSource(ctx context.Context, params dedup.SourceCheckParams) (*dedup.Verdict, error)
}

// EditPolicy decides whether an actor may modify an existing entity right
// now. A denial comes back as apperror.ErrForbidden or
// apperror.ErrEditWindowExpired with the reason in the message.
type EditPolicy interface {
	CheckEdit(ctx context.Context, entityID uuid.UUID, entityType versionlog.EntityType, actor versionlog.Actor) error
}

// Event describes one committed mutation.
type Event struct {
	Op         versionlog.Operation
	EntityType versionlog.EntityType
	EntityID   uuid.UUID
	Version    int
	Actor      versionlog.Actor
}

// Hook observes committed mutations. Hooks run synchronously after the log
// commit, so they must be cheap.
type Hook func(ctx context.Context, ev Event)

// ProfileSink receives each committed contribution so a profile or
// reputation collaborator can keep per-user counts. Called through a
// post-commit hook; a sink cannot fail the mutation.
type ProfileSink interface {
	ContributionRecorded(ctx context.Context, ev Event)
}

// NopProfileSink ignores contributions. It stands in until a profile
// service is attached.
type NopProfileSink struct{}

func (NopProfileSink) ContributionRecorded(context.Context, Event) {}
