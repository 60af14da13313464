package graph

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agoramaps/agora.graph/pkg/apperror"
)

// NodeLabel identifies the kind of a graph node. The graph carries exactly
// two node labels: claims and the sources that back them.
type NodeLabel string

const (
	NodeLabelClaim  NodeLabel = "claim"
	NodeLabelSource NodeLabel = "source"
)

// Valid reports whether l is a known node label.
func (l NodeLabel) Valid() bool {
	return l == NodeLabelClaim || l == NodeLabelSource
}

// CypherLabel returns the label as written into Cypher statements.
func (l NodeLabel) CypherLabel() string {
	switch l {
	case NodeLabelClaim:
		return "Claim"
	case NodeLabelSource:
		return "Source"
	default:
		return ""
	}
}

// ParseNodeLabel converts a stored label string back into a NodeLabel.
func ParseNodeLabel(s string) (NodeLabel, error) {
	l := NodeLabel(s)
	if !l.Valid() {
		return "", apperror.NewValidation(fmt.Sprintf("unknown node label: %q", s))
	}
	return l, nil
}

// LogicType is the logical role a connection plays between its endpoints.
type LogicType string

const (
	LogicAND  LogicType = "AND"
	LogicOR   LogicType = "OR"
	LogicNOT  LogicType = "NOT"
	LogicNAND LogicType = "NAND"
)

// Valid reports whether t is one of the supported logic types.
func (t LogicType) Valid() bool {
	switch t {
	case LogicAND, LogicOR, LogicNOT, LogicNAND:
		return true
	}
	return false
}

// ParseLogicType converts a stored logic type string back into a LogicType.
func ParseLogicType(s string) (LogicType, error) {
	t := LogicType(s)
	if !t.Valid() {
		return "", apperror.NewValidation(fmt.Sprintf("unknown logic type: %q", s))
	}
	return t, nil
}

// NodeProps is the closed set of property payloads a node can carry.
// Implemented by ClaimProps and SourceProps only.
type NodeProps interface {
	Label() NodeLabel
	Validate() error
	// Params renders the properties as flat Cypher parameters, without the id.
	Params() map[string]any

	sealedNodeProps()
}

// ClaimProps is the property payload of a claim node.
type ClaimProps struct {
	Content string `json:"content"`
}

func (ClaimProps) Label() NodeLabel { return NodeLabelClaim }

func (p ClaimProps) Validate() error {
	if p.Content == "" {
		return apperror.NewValidation("claim content is required")
	}
	return nil
}

func (p ClaimProps) Params() map[string]any {
	return map[string]any{"content": p.Content}
}

func (ClaimProps) sealedNodeProps() {}

// SourceProps is the property payload of a source node. Title is the only
// required field; everything else is optional descriptive metadata.
type SourceProps struct {
	URL             string     `json:"url,omitempty"`
	Title           string     `json:"title"`
	Author          string     `json:"author,omitempty"`
	PublicationDate *time.Time `json:"publication_date,omitempty"`
	SourceType      string     `json:"source_type,omitempty"`
	Content         string     `json:"content,omitempty"`
}

func (SourceProps) Label() NodeLabel { return NodeLabelSource }

func (p SourceProps) Validate() error {
	if p.Title == "" {
		return apperror.NewValidation("source title is required")
	}
	return nil
}

func (p SourceProps) Params() map[string]any {
	params := map[string]any{"title": p.Title}
	if p.URL != "" {
		params["url"] = p.URL
	}
	if p.Author != "" {
		params["author"] = p.Author
	}
	if p.PublicationDate != nil {
		params["publication_date"] = p.PublicationDate.UTC().Format(time.RFC3339)
	}
	if p.SourceType != "" {
		params["source_type"] = p.SourceType
	}
	if p.Content != "" {
		params["content"] = p.Content
	}
	return params
}

func (SourceProps) sealedNodeProps() {}

// ConnectionProps is the property payload of a connection edge. Edges created
// together as one compound connection share a CompositeID.
type ConnectionProps struct {
	Notes       string     `json:"notes,omitempty"`
	LogicType   LogicType  `json:"logic_type"`
	CompositeID *uuid.UUID `json:"composite_id,omitempty"`
}

func (p ConnectionProps) Validate() error {
	if !p.LogicType.Valid() {
		return apperror.NewValidation(fmt.Sprintf("unknown logic type: %q", string(p.LogicType)))
	}
	return nil
}

func (p ConnectionProps) Params() map[string]any {
	params := map[string]any{"logic_type": string(p.LogicType)}
	if p.Notes != "" {
		params["notes"] = p.Notes
	}
	if p.CompositeID != nil {
		params["composite_id"] = p.CompositeID.String()
	}
	return params
}

// NodePatch is a partial update for one node label. Absent fields leave the
// current value untouched.
type NodePatch interface {
	Label() NodeLabel
	IsZero() bool

	sealedNodePatch()
}

// ClaimPatch updates a claim node.
type ClaimPatch struct {
	Content *string `json:"content,omitempty"`
}

func (ClaimPatch) Label() NodeLabel { return NodeLabelClaim }

func (p ClaimPatch) IsZero() bool { return p.Content == nil }

func (ClaimPatch) sealedNodePatch() {}

// Apply merges the patch over cur and returns the resulting snapshot.
func (p ClaimPatch) Apply(cur ClaimProps) ClaimProps {
	if p.Content != nil {
		cur.Content = *p.Content
	}
	return cur
}

// SourcePatch updates a source node.
type SourcePatch struct {
	URL             *string    `json:"url,omitempty"`
	Title           *string    `json:"title,omitempty"`
	Author          *string    `json:"author,omitempty"`
	PublicationDate *time.Time `json:"publication_date,omitempty"`
	SourceType      *string    `json:"source_type,omitempty"`
	Content         *string    `json:"content,omitempty"`
}

func (SourcePatch) Label() NodeLabel { return NodeLabelSource }

func (p SourcePatch) IsZero() bool {
	return p.URL == nil && p.Title == nil && p.Author == nil &&
		p.PublicationDate == nil && p.SourceType == nil && p.Content == nil
}

func (SourcePatch) sealedNodePatch() {}

// Apply merges the patch over cur and returns the resulting snapshot.
func (p SourcePatch) Apply(cur SourceProps) SourceProps {
	if p.URL != nil {
		cur.URL = *p.URL
	}
	if p.Title != nil {
		cur.Title = *p.Title
	}
	if p.Author != nil {
		cur.Author = *p.Author
	}
	if p.PublicationDate != nil {
		t := *p.PublicationDate
		cur.PublicationDate = &t
	}
	if p.SourceType != nil {
		cur.SourceType = *p.SourceType
	}
	if p.Content != nil {
		cur.Content = *p.Content
	}
	return cur
}

// ConnectionPatch updates a connection edge. The composite id is assigned at
// creation and never changes afterwards, so it has no patch field.
type ConnectionPatch struct {
	Notes     *string    `json:"notes,omitempty"`
	LogicType *LogicType `json:"logic_type,omitempty"`
}

func (p ConnectionPatch) IsZero() bool { return p.Notes == nil && p.LogicType == nil }

// Apply merges the patch over cur and returns the resulting snapshot.
func (p ConnectionPatch) Apply(cur ConnectionProps) ConnectionProps {
	if p.Notes != nil {
		cur.Notes = *p.Notes
	}
	if p.LogicType != nil {
		cur.LogicType = *p.LogicType
	}
	return cur
}

// ApplyNodePatch merges a patch over a node snapshot of the same label.
func ApplyNodePatch(props NodeProps, patch NodePatch) (NodeProps, error) {
	if props.Label() != patch.Label() {
		return nil, apperror.NewValidation(fmt.Sprintf(
			"patch for %s cannot be applied to %s node", patch.Label(), props.Label()))
	}
	switch p := props.(type) {
	case ClaimProps:
		return patch.(ClaimPatch).Apply(p), nil
	case SourceProps:
		return patch.(SourcePatch).Apply(p), nil
	default:
		return nil, apperror.NewValidation(fmt.Sprintf("unsupported node props type %T", props))
	}
}

// Node is a node read back from the graph store.
type Node struct {
	ID    uuid.UUID
	Label NodeLabel
	Props NodeProps
}

// Edge is a directed connection read back from the graph store.
type Edge struct {
	ID    uuid.UUID
	SrcID uuid.UUID
	DstID uuid.UUID
	Props ConnectionProps
}

// MarshalNodeProps serializes a node property snapshot for version storage.
func MarshalNodeProps(p NodeProps) (json.RawMessage, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal %s props: %w", p.Label(), err)
	}
	return raw, nil
}

// UnmarshalNodeProps restores a typed property snapshot from version storage.
func UnmarshalNodeProps(label NodeLabel, raw json.RawMessage) (NodeProps, error) {
	switch label {
	case NodeLabelClaim:
		var p ClaimProps
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("unmarshal claim props: %w", err)
		}
		return p, nil
	case NodeLabelSource:
		var p SourceProps
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("unmarshal source props: %w", err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown node label: %q", string(label))
	}
}

// MarshalConnectionProps serializes an edge property snapshot for version storage.
func MarshalConnectionProps(p ConnectionProps) (json.RawMessage, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal connection props: %w", err)
	}
	return raw, nil
}

// UnmarshalConnectionProps restores edge properties from version storage.
func UnmarshalConnectionProps(raw json.RawMessage) (ConnectionProps, error) {
	var p ConnectionProps
	if err := json.Unmarshal(raw, &p); err != nil {
		return ConnectionProps{}, fmt.Errorf("unmarshal connection props: %w", err)
	}
	return p, nil
}
