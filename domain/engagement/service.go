package engagement

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"

	"github.com/agoramaps/agora.graph/domain/mutation"
	"github.com/agoramaps/agora.graph/domain/versionlog"
	"github.com/agoramaps/agora.graph/internal/config"
	"github.com/agoramaps/agora.graph/pkg/apperror"
	"github.com/agoramaps/agora.graph/pkg/logger"
	"github.com/agoramaps/agora.graph/pkg/mathutil"
)

// signalStore is the repository surface the service needs.
type signalStore interface {
	UpsertRating(ctx context.Context, rt *Rating) error
	RatingSummary(ctx context.Context, entityID uuid.UUID) (int64, float64, error)
	InsertComment(ctx context.Context, cm *Comment) error
	CountComments(ctx context.Context, entityID uuid.UUID) (int64, error)
	ListComments(ctx context.Context, entityID uuid.UUID, offset, limit int) ([]Comment, error)
	IncrementViews(ctx context.Context, entityID uuid.UUID, entityType versionlog.EntityType) error
	GetViews(ctx context.Context, entityID uuid.UUID) (int64, error)
	InsertFlag(ctx context.Context, fc *FlaggedContent) error
	ResolveFlag(ctx context.Context, flagID int64, resolvedBy *uuid.UUID) error
	ListOpenFlags(ctx context.Context, offset, limit int) ([]FlaggedContent, error)
	ScrubUser(ctx context.Context, userID uuid.UUID) (int64, error)
}

// versionReads is the slice of the version log the policy consults.
type versionReads interface {
	CountCurrentIncomingEdges(ctx context.Context, dstID uuid.UUID) (int64, error)
	GetCreator(ctx context.Context, entityID uuid.UUID) (*versionlog.Attribution, error)
}

// Service aggregates engagement signals and decides who may still edit what.
// It reads the version log but never writes either store.
type Service struct {
	repo     signalStore
	versions versionReads
	cache    *lru.Cache
	ttl      time.Duration
	now      func() time.Time
	log      *slog.Logger
}

// cacheEntry stamps cached signals with their fetch time; golang-lru has no
// TTL of its own.
type cacheEntry struct {
	signals   Signals
	fetchedAt time.Time
}

// NewService creates a new engagement service
func NewService(repo *Repository, versions *versionlog.Repository, cfg *config.Config, log *slog.Logger) (*Service, error) {
	svc := &Service{
		repo:     repo,
		versions: versions,
		ttl:      cfg.Engagement.CacheTTL,
		now:      time.Now,
		log:      log.With(logger.Scope("engagement.svc")),
	}
	if svc.ttl > 0 {
		size := mathutil.ClampInt(cfg.Engagement.CacheSize, 16, 65536)
		cache, err := lru.New(size)
		if err != nil {
			return nil, fmt.Errorf("failed to build signal cache: %w", err)
		}
		svc.cache = cache
	}
	return svc, nil
}

// GetSignals returns the engagement signals for one entity, served from the
// cache while the entry is fresh.
func (s *Service) GetSignals(ctx context.Context, entityID uuid.UUID, entityType versionlog.EntityType) (Signals, error) {
	if s.cache != nil {
		if v, ok := s.cache.Get(entityID); ok {
			entry := v.(cacheEntry)
			if s.now().Sub(entry.fetchedAt) < s.ttl {
				return entry.signals, nil
			}
			s.cache.Remove(entityID)
		}
	}

	sig, err := s.loadSignals(ctx, entityID, entityType)
	if err != nil {
		return Signals{}, err
	}
	if s.cache != nil {
		s.cache.Add(entityID, cacheEntry{signals: sig, fetchedAt: s.now()})
	}
	return sig, nil
}

func (s *Service) loadSignals(ctx context.Context, entityID uuid.UUID, entityType versionlog.EntityType) (Signals, error) {
	var sig Signals

	count, avg, err := s.repo.RatingSummary(ctx, entityID)
	if err != nil {
		return sig, err
	}
	sig.RatingCount = count
	sig.RatingAverage = avg

	if sig.Comments, err = s.repo.CountComments(ctx, entityID); err != nil {
		return sig, err
	}
	if sig.PageViews, err = s.repo.GetViews(ctx, entityID); err != nil {
		return sig, err
	}

	// Incoming connections count toward node entities only.
	if entityType == versionlog.EntityClaim || entityType == versionlog.EntitySource {
		if sig.IncomingConnections, err = s.versions.CountCurrentIncomingEdges(ctx, entityID); err != nil {
			return sig, err
		}
	}
	return sig, nil
}

// Score returns the entity's engagement score.
func (s *Service) Score(ctx context.Context, entityID uuid.UUID, entityType versionlog.EntityType) (float64, error) {
	sig, err := s.GetSignals(ctx, entityID, entityType)
	if err != nil {
		return 0, err
	}
	return sig.Score(), nil
}

// CheckEdit decides whether the actor may still edit the entity. Ownership
// is checked first, then the engagement-adjusted window; the first hour
// after creation is always inside the window.
func (s *Service) CheckEdit(ctx context.Context, entityID uuid.UUID, entityType versionlog.EntityType, actor versionlog.Actor) error {
	creator, err := s.versions.GetCreator(ctx, entityID)
	if err != nil {
		return err
	}
	if creator == nil {
		return apperror.NewNotFound("entity", entityID.String())
	}

	if actor.UserID == nil || creator.UserID == nil || *actor.UserID != *creator.UserID {
		return apperror.ErrForbidden.WithMessage("not owner")
	}

	hoursSince := s.now().Sub(creator.CreatedAt).Hours()
	if hoursSince < 1 {
		return nil
	}

	sig, err := s.GetSignals(ctx, entityID, entityType)
	if err != nil {
		return err
	}
	maxHours := MaxEditableHours(sig.Score())
	if hoursSince < maxHours {
		return nil
	}
	return apperror.ErrEditWindowExpired.WithMessage(
		fmt.Sprintf("edit window expired (engagement-adjusted: %.0fh limit)", maxHours))
}

// RateEntity stores the user's 0-100 rating. Suggestions are rated under
// their own id to drive the consensus threshold.
func (s *Service) RateEntity(ctx context.Context, entityID uuid.UUID, entityType versionlog.EntityType, userID uuid.UUID, value int) error {
	if value < 0 || value > 100 {
		return apperror.NewValidation("rating value must be between 0 and 100")
	}
	if !validRatingTarget(entityType) {
		return apperror.NewValidation(fmt.Sprintf("cannot rate entity type %q", entityType))
	}

	now := s.now().UTC()
	rt := &Rating{
		EntityID:   entityID,
		EntityType: entityType,
		UserID:     userID,
		Value:      value,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.repo.UpsertRating(ctx, rt); err != nil {
		return err
	}
	s.invalidate(entityID)
	return nil
}

// RatingSummary returns vote count and mean for one entity. The suggestion
// workflow reads its consensus numbers through this.
func (s *Service) RatingSummary(ctx context.Context, entityID uuid.UUID) (int64, float64, error) {
	return s.repo.RatingSummary(ctx, entityID)
}

// AddComment appends a comment; a nil author records it anonymously.
func (s *Service) AddComment(ctx context.Context, entityID uuid.UUID, entityType versionlog.EntityType, authorID *uuid.UUID, body string) (*Comment, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, apperror.NewValidation("comment body is required")
	}
	if !validSignalTarget(entityType) {
		return nil, apperror.NewValidation(fmt.Sprintf("cannot comment on entity type %q", entityType))
	}

	cm := &Comment{
		EntityID:   entityID,
		EntityType: entityType,
		AuthorID:   authorID,
		Body:       body,
		CreatedAt:  s.now().UTC(),
	}
	if err := s.repo.InsertComment(ctx, cm); err != nil {
		return nil, err
	}
	s.invalidate(entityID)
	return cm, nil
}

// ListComments returns an entity's comments, newest first.
func (s *Service) ListComments(ctx context.Context, entityID uuid.UUID, offset, limit int) ([]Comment, error) {
	return s.repo.ListComments(ctx, entityID, offset, limit)
}

// RecordView bumps the entity's page view counter.
func (s *Service) RecordView(ctx context.Context, entityID uuid.UUID, entityType versionlog.EntityType) error {
	if !validSignalTarget(entityType) {
		return apperror.NewValidation(fmt.Sprintf("cannot record views for entity type %q", entityType))
	}
	if err := s.repo.IncrementViews(ctx, entityID, entityType); err != nil {
		return err
	}
	s.invalidate(entityID)
	return nil
}

// FlagContent opens a moderation report against an entity.
func (s *Service) FlagContent(ctx context.Context, entityID uuid.UUID, entityType versionlog.EntityType, flaggedBy *uuid.UUID, reason string) (*FlaggedContent, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, apperror.NewValidation("flag reason is required")
	}
	if !validSignalTarget(entityType) {
		return nil, apperror.NewValidation(fmt.Sprintf("cannot flag entity type %q", entityType))
	}

	fc := &FlaggedContent{
		EntityID:   entityID,
		EntityType: entityType,
		FlaggedBy:  flaggedBy,
		Reason:     reason,
		Status:     FlagOpen,
		CreatedAt:  s.now().UTC(),
	}
	if err := s.repo.InsertFlag(ctx, fc); err != nil {
		return nil, err
	}
	return fc, nil
}

// ResolveFlag closes an open flag.
func (s *Service) ResolveFlag(ctx context.Context, flagID int64, resolvedBy *uuid.UUID) error {
	return s.repo.ResolveFlag(ctx, flagID, resolvedBy)
}

// ListOpenFlags returns the moderation backlog, oldest first.
func (s *Service) ListOpenFlags(ctx context.Context, offset, limit int) ([]FlaggedContent, error) {
	return s.repo.ListOpenFlags(ctx, offset, limit)
}

// ScrubUser removes a deleted account from the signal tables.
func (s *Service) ScrubUser(ctx context.Context, userID uuid.UUID) (int64, error) {
	n, err := s.repo.ScrubUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	if s.cache != nil {
		s.cache.Purge()
	}
	return n, nil
}

// InvalidateOnMutation is registered as a mutation post-commit hook, since
// committed mutations move the signals behind an entity's score.
func (s *Service) InvalidateOnMutation(_ context.Context, ev mutation.Event) {
	if s.cache == nil {
		return
	}
	// A connection mutation changes the incoming count of nodes the event
	// does not name, so the whole cache goes.
	if ev.EntityType == versionlog.EntityConnection {
		s.cache.Purge()
		return
	}
	s.cache.Remove(ev.EntityID)
}

func (s *Service) invalidate(entityID uuid.UUID) {
	if s.cache != nil {
		s.cache.Remove(entityID)
	}
}

func validRatingTarget(t versionlog.EntityType) bool {
	switch t {
	case versionlog.EntityClaim, versionlog.EntitySource, versionlog.EntityConnection, versionlog.EntitySuggestedEdit:
		return true
	}
	return false
}

func validSignalTarget(t versionlog.EntityType) bool {
	switch t {
	case versionlog.EntityClaim, versionlog.EntitySource, versionlog.EntityConnection:
		return true
	}
	return false
}
