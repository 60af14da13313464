package engagement

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/agoramaps/agora.graph/domain/versionlog"
	"github.com/agoramaps/agora.graph/pkg/apperror"
	"github.com/agoramaps/agora.graph/pkg/logger"
	"github.com/agoramaps/agora.graph/pkg/mathutil"
)

// Repository handles database operations for engagement signals
type Repository struct {
	db  bun.IDB
	log *slog.Logger
}

// NewRepository creates a new engagement repository
func NewRepository(db bun.IDB, log *slog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With(logger.Scope("engagement.repo")),
	}
}

// UpsertRating stores a user's rating, replacing any previous rating by the
// same user on the same entity.
func (r *Repository) UpsertRating(ctx context.Context, rt *Rating) error {
	_, err := r.db.NewInsert().
		Model(rt).
		On("CONFLICT (entity_id, user_id) DO UPDATE").
		Set("value = EXCLUDED.value").
		Set("updated_at = EXCLUDED.updated_at").
		Returning("id").
		Exec(ctx)
	if err != nil {
		r.log.Error("failed to upsert rating", logger.Error(err))
		return apperror.ErrDatabase.WithInternal(err)
	}
	return nil
}

// RatingSummary returns how many ratings an entity has and their mean value.
func (r *Repository) RatingSummary(ctx context.Context, entityID uuid.UUID) (int64, float64, error) {
	var count int64
	var avg float64
	err := r.db.NewSelect().
		Model((*Rating)(nil)).
		ColumnExpr("COUNT(*)").
		ColumnExpr("COALESCE(AVG(rt.value), 0)").
		Where("rt.entity_id = ?", entityID).
		Scan(ctx, &count, &avg)
	if err != nil {
		return 0, 0, apperror.ErrDatabase.WithInternal(err)
	}
	return count, avg, nil
}

// InsertComment appends a comment to an entity's discussion.
func (r *Repository) InsertComment(ctx context.Context, cm *Comment) error {
	if _, err := r.db.NewInsert().Model(cm).Returning("id").Exec(ctx); err != nil {
		r.log.Error("failed to insert comment", logger.Error(err))
		return apperror.ErrDatabase.WithInternal(err)
	}
	return nil
}

// CountComments counts all comments on an entity.
func (r *Repository) CountComments(ctx context.Context, entityID uuid.UUID) (int64, error) {
	n, err := r.db.NewSelect().
		Model((*Comment)(nil)).
		Where("cm.entity_id = ?", entityID).
		Count(ctx)
	if err != nil {
		return 0, apperror.ErrDatabase.WithInternal(err)
	}
	return int64(n), nil
}

// ListComments returns an entity's comments, newest first.
func (r *Repository) ListComments(ctx context.Context, entityID uuid.UUID, offset, limit int) ([]Comment, error) {
	limit = mathutil.ClampLimit(limit, 20, 100)

	comments := []Comment{}
	err := r.db.NewSelect().
		Model(&comments).
		Where("cm.entity_id = ?", entityID).
		Order("cm.created_at DESC").
		Offset(offset).
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return comments, nil
}

// IncrementViews bumps the page view counter for an entity.
func (r *Repository) IncrementViews(ctx context.Context, entityID uuid.UUID, entityType versionlog.EntityType) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO arg.view_counts (entity_id, entity_type, views, updated_at)
		VALUES (?, ?, 1, now())
		ON CONFLICT (entity_id) DO UPDATE
		SET views = view_counts.views + 1, updated_at = now()
	`, entityID, string(entityType))
	if err != nil {
		r.log.Error("failed to increment views", logger.Error(err))
		return apperror.ErrDatabase.WithInternal(err)
	}
	return nil
}

// GetViews returns an entity's accumulated page views.
func (r *Repository) GetViews(ctx context.Context, entityID uuid.UUID) (int64, error) {
	var views int64
	err := r.db.NewSelect().
		Model((*ViewCount)(nil)).
		ColumnExpr("COALESCE(SUM(vc.views), 0)").
		Where("vc.entity_id = ?", entityID).
		Scan(ctx, &views)
	if err != nil {
		return 0, apperror.ErrDatabase.WithInternal(err)
	}
	return views, nil
}

// InsertFlag records a moderation report.
func (r *Repository) InsertFlag(ctx context.Context, fc *FlaggedContent) error {
	if _, err := r.db.NewInsert().Model(fc).Returning("id").Exec(ctx); err != nil {
		r.log.Error("failed to insert flag", logger.Error(err))
		return apperror.ErrDatabase.WithInternal(err)
	}
	return nil
}

// ResolveFlag closes an open flag. Resolving twice reports the flag as
// missing rather than silently rewriting who resolved it.
func (r *Repository) ResolveFlag(ctx context.Context, flagID int64, resolvedBy *uuid.UUID) error {
	res, err := r.db.NewUpdate().
		Model((*FlaggedContent)(nil)).
		Set("status = ?", FlagResolved).
		Set("resolved_by = ?", resolvedBy).
		Set("resolved_at = now()").
		Where("id = ?", flagID).
		Where("status = ?", FlagOpen).
		Exec(ctx)
	if err != nil {
		r.log.Error("failed to resolve flag", logger.Error(err))
		return apperror.ErrDatabase.WithInternal(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperror.NewNotFound("open flag", strconv.FormatInt(flagID, 10))
	}
	return nil
}

// ListOpenFlags returns unresolved flags, oldest first so moderators work
// through the backlog in arrival order.
func (r *Repository) ListOpenFlags(ctx context.Context, offset, limit int) ([]FlaggedContent, error) {
	limit = mathutil.ClampLimit(limit, 50, 200)

	flags := []FlaggedContent{}
	err := r.db.NewSelect().
		Model(&flags).
		Where("fc.status = ?", FlagOpen).
		Order("fc.created_at ASC").
		Offset(offset).
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return flags, nil
}

// ScrubUser detaches a removed account from its signals. Ratings are deleted
// outright since the unique constraint cannot hold a null user; comments and
// flags keep their content with the author reference cleared, matching how
// attributions are nullified.
func (r *Repository) ScrubUser(ctx context.Context, userID uuid.UUID) (int64, error) {
	var removed int64
	err := r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewDelete().
			Model((*Rating)(nil)).
			Where("user_id = ?", userID).
			Exec(ctx)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil {
			removed = n
		}

		if _, err := tx.NewUpdate().
			Model((*Comment)(nil)).
			Set("author_id = NULL").
			Where("author_id = ?", userID).
			Exec(ctx); err != nil {
			return err
		}

		if _, err := tx.NewUpdate().
			Model((*FlaggedContent)(nil)).
			Set("flagged_by = NULL").
			Where("flagged_by = ?", userID).
			Exec(ctx); err != nil {
			return err
		}

		_, err = tx.NewUpdate().
			Model((*FlaggedContent)(nil)).
			Set("resolved_by = NULL").
			Where("resolved_by = ?", userID).
			Exec(ctx)
		return err
	})
	if err != nil {
		return 0, apperror.ErrDatabase.WithInternal(err)
	}

	r.log.Info("scrubbed user signals",
		slog.String("user_id", userID.String()),
		slog.Int64("ratings_removed", removed),
	)
	return removed, nil
}
