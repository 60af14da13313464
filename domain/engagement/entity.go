package engagement

import (
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/agoramaps/agora.graph/domain/versionlog"
)

// Rating is one user's 0-100 rating of an entity. One row per user and
// entity; re-rating updates in place.
type Rating struct {
	bun.BaseModel `bun:"table:arg.ratings,alias:rt"`

	ID         int64                 `bun:"id,pk,autoincrement" json:"id"`
	EntityID   uuid.UUID             `bun:"entity_id,type:uuid,notnull" json:"entity_id"`
	EntityType versionlog.EntityType `bun:"entity_type,notnull" json:"entity_type"`
	UserID     uuid.UUID             `bun:"user_id,type:uuid,notnull" json:"user_id"`
	Value      int                   `bun:"value,notnull" json:"value"`
	CreatedAt  time.Time             `bun:"created_at,notnull,default:now()" json:"created_at"`
	UpdatedAt  time.Time             `bun:"updated_at,notnull,default:now()" json:"updated_at"`
}

// Comment is a discussion entry attached to an entity.
type Comment struct {
	bun.BaseModel `bun:"table:arg.comments,alias:cm"`

	ID         int64                 `bun:"id,pk,autoincrement" json:"id"`
	EntityID   uuid.UUID             `bun:"entity_id,type:uuid,notnull" json:"entity_id"`
	EntityType versionlog.EntityType `bun:"entity_type,notnull" json:"entity_type"`
	AuthorID   *uuid.UUID            `bun:"author_id,type:uuid" json:"author_id,omitempty"`
	Body       string                `bun:"body,notnull" json:"body"`
	CreatedAt  time.Time             `bun:"created_at,notnull,default:now()" json:"created_at"`
}

// ViewCount accumulates page views per entity.
type ViewCount struct {
	bun.BaseModel `bun:"table:arg.view_counts,alias:vc"`

	EntityID   uuid.UUID             `bun:"entity_id,pk,type:uuid" json:"entity_id"`
	EntityType versionlog.EntityType `bun:"entity_type,notnull" json:"entity_type"`
	Views      int64                 `bun:"views,notnull,default:0" json:"views"`
	UpdatedAt  time.Time             `bun:"updated_at,notnull,default:now()" json:"updated_at"`
}

// FlagStatus is the moderation state of a flag.
type FlagStatus string

const (
	FlagOpen     FlagStatus = "open"
	FlagResolved FlagStatus = "resolved"
)

// FlaggedContent is a moderation report against an entity.
type FlaggedContent struct {
	bun.BaseModel `bun:"table:arg.flagged_content,alias:fc"`

	ID         int64                 `bun:"id,pk,autoincrement" json:"id"`
	EntityID   uuid.UUID             `bun:"entity_id,type:uuid,notnull" json:"entity_id"`
	EntityType versionlog.EntityType `bun:"entity_type,notnull" json:"entity_type"`
	FlaggedBy  *uuid.UUID            `bun:"flagged_by,type:uuid" json:"flagged_by,omitempty"`
	Reason     string                `bun:"reason,notnull" json:"reason"`
	Status     FlagStatus            `bun:"status,notnull,default:'open'" json:"status"`
	CreatedAt  time.Time             `bun:"created_at,notnull,default:now()" json:"created_at"`
	ResolvedBy *uuid.UUID            `bun:"resolved_by,type:uuid" json:"resolved_by,omitempty"`
	ResolvedAt *time.Time            `bun:"resolved_at" json:"resolved_at,omitempty"`
}

// Signals is the raw engagement input for one entity.
type Signals struct {
	PageViews           int64   `json:"page_views"`
	Comments            int64   `json:"comments"`
	RatingCount         int64   `json:"rating_count"`
	RatingAverage       float64 `json:"rating_average"` // 0-100, meaningful only when RatingCount > 0
	IncomingConnections int64   `json:"incoming_connections"`
}

// Score collapses the signals into one engagement number. Unrated entities
// sit at the neutral mean, so the rating term only moves the score once
// votes exist, and a pile of low ratings can drag it negative before the
// floor at zero.
func (s Signals) Score() float64 {
	avgNorm := 0.5
	if s.RatingCount > 0 {
		avgNorm = s.RatingAverage / 100
	}
	score := float64(s.PageViews) +
		5*float64(s.Comments) +
		15*float64(s.IncomingConnections) +
		3*float64(s.RatingCount)*(avgNorm-0.5)
	if score < 0 {
		return 0
	}
	return score
}

// MaxEditableHours converts an engagement score into the entity's edit
// window. High-traffic entities lock down faster; the floor keeps every
// entity editable for at least a day.
func MaxEditableHours(score float64) float64 {
	return math.Max(24, 720/(1+score/5))
}
