package versionlog

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/agoramaps/agora.graph/domain/graph"
)

// Operation tags what a version row recorded.
type Operation string

const (
	OpCreate Operation = "CREATE"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// Actor identifies who performed a mutation. A nil UserID with Anonymous set
// records a contribution whose author chose not to be named; a nil UserID
// without Anonymous shows up for system-driven writes such as reconciliation.
type Actor struct {
	UserID    *uuid.UUID
	Anonymous bool
}

// User returns an actor for a known user id.
func User(id uuid.UUID) Actor {
	return Actor{UserID: &id}
}

// AnonymousActor is the actor for unattributed community edits.
var AnonymousActor = Actor{Anonymous: true}

// NodeVersion is one bitemporal row in the node history. The row with
// valid_to IS NULL is what the entity currently looks like; a DELETE row is
// written already closed (valid_from = valid_to), so after a delete the
// entity has a latest row but no open one.
//
// search_text and search_vector are generated columns and intentionally
// absent from the model; the search repository reads them with raw SQL.
type NodeVersion struct {
	bun.BaseModel `bun:"table:arg.node_versions,alias:nv"`

	ID            int64           `bun:"id,pk,autoincrement" json:"id"`
	EntityID      uuid.UUID       `bun:"entity_id,type:uuid,notnull" json:"entity_id"`
	Label         graph.NodeLabel `bun:"label,notnull" json:"label"`
	Properties    json.RawMessage `bun:"properties,type:jsonb,notnull" json:"properties"`
	Operation     Operation       `bun:"operation,notnull" json:"operation"`
	VersionNumber int             `bun:"version_number,notnull" json:"version_number"`
	ValidFrom     time.Time       `bun:"valid_from,notnull" json:"valid_from"`
	ValidTo       *time.Time      `bun:"valid_to" json:"valid_to,omitempty"`
	ChangedBy     *uuid.UUID      `bun:"changed_by,type:uuid" json:"changed_by,omitempty"`

	// Normalized identity keys computed at write time; see domain/graph keys.
	ContentKey *string `bun:"content_key" json:"-"`
	URLKey     *string `bun:"url_key" json:"-"`
	DOIKey     *string `bun:"doi_key" json:"-"`
	TitleKey   *string `bun:"title_key" json:"-"`
}

// IsOpen reports whether this row is the entity's current version.
func (v *NodeVersion) IsOpen() bool { return v.ValidTo == nil }

// Props decodes the stored property snapshot into its typed form.
func (v *NodeVersion) Props() (graph.NodeProps, error) {
	return graph.UnmarshalNodeProps(v.Label, v.Properties)
}

// EdgeVersion is one bitemporal row in the connection history. Endpoints,
// logic type, and composite id are lifted out of the snapshot into columns
// so graph-shape queries stay indexed.
type EdgeVersion struct {
	bun.BaseModel `bun:"table:arg.edge_versions,alias:ev"`

	ID            int64           `bun:"id,pk,autoincrement" json:"id"`
	EntityID      uuid.UUID       `bun:"entity_id,type:uuid,notnull" json:"entity_id"`
	SrcID         uuid.UUID       `bun:"src_id,type:uuid,notnull" json:"src_id"`
	DstID         uuid.UUID       `bun:"dst_id,type:uuid,notnull" json:"dst_id"`
	LogicType     graph.LogicType `bun:"logic_type,notnull" json:"logic_type"`
	CompositeID   *uuid.UUID      `bun:"composite_id,type:uuid" json:"composite_id,omitempty"`
	Properties    json.RawMessage `bun:"properties,type:jsonb,notnull" json:"properties"`
	Operation     Operation       `bun:"operation,notnull" json:"operation"`
	VersionNumber int             `bun:"version_number,notnull" json:"version_number"`
	ValidFrom     time.Time       `bun:"valid_from,notnull" json:"valid_from"`
	ValidTo       *time.Time      `bun:"valid_to" json:"valid_to,omitempty"`
	ChangedBy     *uuid.UUID      `bun:"changed_by,type:uuid" json:"changed_by,omitempty"`
}

// IsOpen reports whether this row is the connection's current version.
func (v *EdgeVersion) IsOpen() bool { return v.ValidTo == nil }

// Props decodes the stored property snapshot into its typed form.
func (v *EdgeVersion) Props() (graph.ConnectionProps, error) {
	return graph.UnmarshalConnectionProps(v.Properties)
}

// Attribution records which user contributed which version of an entity.
// Rows survive entity deletion; account removal nullifies user_id instead
// of dropping history.
type Attribution struct {
	bun.BaseModel `bun:"table:arg.attributions,alias:attr"`

	ID            int64      `bun:"id,pk,autoincrement" json:"id"`
	EntityID      uuid.UUID  `bun:"entity_id,type:uuid,notnull" json:"entity_id"`
	EntityType    EntityType `bun:"entity_type,notnull" json:"entity_type"`
	VersionNumber int        `bun:"version_number,notnull" json:"version_number"`
	UserID        *uuid.UUID `bun:"user_id,type:uuid" json:"user_id,omitempty"`
	Anonymous     bool       `bun:"anonymous,notnull,default:false" json:"anonymous"`
	CreatedAt     time.Time  `bun:"created_at,notnull,default:now()" json:"created_at"`
}

// EntityType distinguishes what an attribution or engagement signal points at.
type EntityType string

const (
	EntityClaim      EntityType = "claim"
	EntitySource     EntityType = "source"
	EntityConnection EntityType = "connection"

	// EntitySuggestedEdit appears in engagement signals only; suggestions
	// collect ratings under their own id but never receive attributions.
	EntitySuggestedEdit EntityType = "suggested_edit"
)

// NodeEntityType maps a node label to its attribution entity type.
func NodeEntityType(label graph.NodeLabel) EntityType {
	if label == graph.NodeLabelSource {
		return EntitySource
	}
	return EntityClaim
}

// Stats summarizes the shape of the version log.
type Stats struct {
	NodeEntities int64 `json:"node_entities"`
	EdgeEntities int64 `json:"edge_entities"`
	NodeVersions int64 `json:"node_versions"`
	EdgeVersions int64 `json:"edge_versions"`
	CurrentNodes int64 `json:"current_nodes"`
	CurrentEdges int64 `json:"current_edges"`
	NodeCreates  int64 `json:"node_creates"`
	NodeUpdates  int64 `json:"node_updates"`
	NodeDeletes  int64 `json:"node_deletes"`
	EdgeCreates  int64 `json:"edge_creates"`
	EdgeUpdates  int64 `json:"edge_updates"`
	EdgeDeletes  int64 `json:"edge_deletes"`
}
