package dedup

import (
	"github.com/google/uuid"

	"github.com/agoramaps/agora.graph/domain/graph"
)

// Kind identifies which duplicate check matched.
type Kind string

const (
	// Claim checks.
	KindExact   Kind = "exact"
	KindSimilar Kind = "similar"

	// Source checks, in priority order.
	KindDOI          Kind = "doi"
	KindURL          Kind = "url"
	KindTitleExact   Kind = "title_exact"
	KindTitleSimilar Kind = "title_similar"
)

// Verdict describes an existing current node that duplicates a proposed one.
// Content, Title and URL are display fields lifted from the existing node's
// snapshot so callers can tell a user what they collided with.
type Verdict struct {
	Kind     Kind
	EntityID uuid.UUID
	Label    graph.NodeLabel
	Content  string
	Title    string
	URL      string
	// Score is the trigram similarity for the fuzzy kinds and 1 for the rest.
	Score float64
}

// Details renders the verdict as a map for error payloads.
func (v *Verdict) Details() map[string]any {
	d := map[string]any{
		"match_kind":  string(v.Kind),
		"existing_id": v.EntityID.String(),
	}
	if v.Content != "" {
		d["existing_content"] = v.Content
	}
	if v.Title != "" {
		d["existing_title"] = v.Title
	}
	if v.URL != "" {
		d["existing_url"] = v.URL
	}
	if v.Score > 0 && v.Score < 1 {
		d["similarity"] = v.Score
	}
	return d
}

// SourceCheckParams carries the fields a proposed source is checked on.
// DOI may arrive as a bare identifier, a doi: form, or a resolver URL.
type SourceCheckParams struct {
	URL   string
	Title string
	DOI   string
}
