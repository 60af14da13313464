package suggestions

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/agoramaps/agora.graph/pkg/apperror"
	"github.com/agoramaps/agora.graph/pkg/logger"
	"github.com/agoramaps/agora.graph/pkg/mathutil"
)

// Repository handles database operations for suggested edits
type Repository struct {
	db  bun.IDB
	log *slog.Logger
}

// NewRepository creates a new suggestions repository
func NewRepository(db bun.IDB, log *slog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With(logger.Scope("suggestions.repo")),
	}
}

// Insert stores a new pending suggestion.
func (r *Repository) Insert(ctx context.Context, se *SuggestedEdit) error {
	if _, err := r.db.NewInsert().Model(se).Exec(ctx); err != nil {
		r.log.Error("failed to insert suggestion", logger.Error(err))
		return apperror.ErrDatabase.WithInternal(err)
	}
	return nil
}

// GetByID returns a suggestion, or nil when it does not exist.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*SuggestedEdit, error) {
	var se SuggestedEdit
	err := r.db.NewSelect().
		Model(&se).
		Where("se.id = ?", id).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return &se, nil
}

// ListForTarget returns suggestions against one entity, newest first. An
// empty status lists all of them.
func (r *Repository) ListForTarget(ctx context.Context, targetID uuid.UUID, status Status, offset, limit int) ([]SuggestedEdit, error) {
	limit = mathutil.ClampLimit(limit, 20, 100)

	suggestions := []SuggestedEdit{}
	q := r.db.NewSelect().
		Model(&suggestions).
		Where("se.target_id = ?", targetID)
	if status != "" {
		q = q.Where("se.status = ?", status)
	}

	err := q.Order("se.created_at DESC").
		Offset(offset).
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return suggestions, nil
}

// Transition moves a suggestion between states, returning whether this call
// performed the move. The advisory lock queues racing resolvers so exactly
// one of them sees the conditional update succeed.
func (r *Repository) Transition(ctx context.Context, id uuid.UUID, from, to Status, resolvedBy *uuid.UUID, at *time.Time) (bool, error) {
	var moved bool
	err := r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewRaw(
			"SELECT pg_advisory_xact_lock(hashtext(?)::bigint)", id.String(),
		).Exec(ctx); err != nil {
			return err
		}

		res, err := tx.NewUpdate().
			Model((*SuggestedEdit)(nil)).
			Set("status = ?", to).
			Set("resolved_by = ?", resolvedBy).
			Set("resolved_at = ?", at).
			Where("id = ?", id).
			Where("status = ?", from).
			Exec(ctx)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		moved = n > 0
		return nil
	})
	if err != nil {
		r.log.Error("failed to transition suggestion", logger.Error(err))
		return false, apperror.ErrDatabase.WithInternal(err)
	}
	return moved, nil
}
