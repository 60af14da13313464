package suggestions

import (
	"encoding/json"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/agoramaps/agora.graph/domain/versionlog"
)

// Status of a suggestion. Pending resolves to accepted or rejected exactly
// once; both are terminal.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
)

// SuggestedEdit is a community-proposed change to an entity, held until
// enough votes accumulate to accept it.
type SuggestedEdit struct {
	bun.BaseModel `bun:"table:arg.suggested_edits,alias:se"`

	ID              uuid.UUID             `bun:"id,pk,type:uuid" json:"id"`
	TargetID        uuid.UUID             `bun:"target_id,type:uuid,notnull" json:"target_id"`
	TargetType      versionlog.EntityType `bun:"target_type,notnull" json:"target_type"`
	ProposedChanges json.RawMessage       `bun:"proposed_changes,type:jsonb,notnull" json:"proposed_changes"`
	Rationale       string                `bun:"rationale,notnull,default:''" json:"rationale"`
	Status          Status                `bun:"status,notnull,default:'pending'" json:"status"`
	CreatedBy       *uuid.UUID            `bun:"created_by,type:uuid" json:"created_by,omitempty"`
	CreatedAt       time.Time             `bun:"created_at,notnull,default:now()" json:"created_at"`
	ResolvedBy      *uuid.UUID            `bun:"resolved_by,type:uuid" json:"resolved_by,omitempty"`
	ResolvedAt      *time.Time            `bun:"resolved_at" json:"resolved_at,omitempty"`
}

// ConsensusStatus reports where a suggestion stands against its acceptance
// threshold.
type ConsensusStatus struct {
	SuggestionID     uuid.UUID `json:"suggestion_id"`
	Status           Status    `json:"status"`
	VoteCount        int64     `json:"vote_count"`
	AverageRating    float64   `json:"average_rating"`
	TargetEngagement float64   `json:"target_engagement"`
	RequiredVotes    int64     `json:"required_votes"`
	CanAccept        bool      `json:"can_accept"`
}

// minAverageRating is the mean vote a suggestion must reach to be accepted.
const minAverageRating = 70.0

// RequiredVotes scales the vote quorum with the target's engagement, so
// well-trafficked entities need broader consensus before a suggestion lands.
func RequiredVotes(targetEngagement float64) int64 {
	return int64(math.Ceil(5 * (1 + targetEngagement/50)))
}

// EditableFields lists the fields a suggestion may propose for a target
// type. Everything else is bookkeeping and rejected at create time.
func EditableFields(targetType versionlog.EntityType) []string {
	switch targetType {
	case versionlog.EntityClaim:
		return []string{"content"}
	case versionlog.EntitySource:
		return []string{"url", "title", "author", "publication_date", "source_type", "content"}
	case versionlog.EntityConnection:
		return []string{"notes"}
	default:
		return nil
	}
}
