package suggestions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agoramaps/agora.graph/domain/engagement"
	"github.com/agoramaps/agora.graph/domain/graph"
	"github.com/agoramaps/agora.graph/domain/mutation"
	"github.com/agoramaps/agora.graph/domain/versionlog"
	"github.com/agoramaps/agora.graph/pkg/apperror"
	"github.com/agoramaps/agora.graph/pkg/logger"
	"github.com/agoramaps/agora.graph/pkg/tracing"
)

// suggestionStore is the repository surface the service needs.
type suggestionStore interface {
	Insert(ctx context.Context, se *SuggestedEdit) error
	GetByID(ctx context.Context, id uuid.UUID) (*SuggestedEdit, error)
	ListForTarget(ctx context.Context, targetID uuid.UUID, status Status, offset, limit int) ([]SuggestedEdit, error)
	Transition(ctx context.Context, id uuid.UUID, from, to Status, resolvedBy *uuid.UUID, at *time.Time) (bool, error)
}

// targetReads checks that a suggestion points at something that currently
// exists.
type targetReads interface {
	GetCurrentNode(ctx context.Context, entityID uuid.UUID) (*versionlog.NodeVersion, error)
	GetCurrentEdge(ctx context.Context, entityID uuid.UUID) (*versionlog.EdgeVersion, error)
}

// consensusReads supplies vote tallies and target engagement.
type consensusReads interface {
	RatingSummary(ctx context.Context, entityID uuid.UUID) (int64, float64, error)
	Score(ctx context.Context, entityID uuid.UUID, entityType versionlog.EntityType) (float64, error)
}

// applier is the coordinator surface that lands an accepted suggestion.
type applier interface {
	ApplyResolvedNodeEdit(ctx context.Context, id uuid.UUID, patch graph.NodePatch, actor versionlog.Actor) (*versionlog.NodeVersion, error)
	ApplyResolvedEdgeEdit(ctx context.Context, selector uuid.UUID, patch graph.ConnectionPatch, actor versionlog.Actor) ([]versionlog.EdgeVersion, error)
}

// Service runs the suggestion workflow: propose, vote, resolve.
type Service struct {
	repo       suggestionStore
	versions   targetReads
	engagement consensusReads
	applier    applier
	now        func() time.Time
	log        *slog.Logger
}

// NewService creates a new suggestions service
func NewService(repo *Repository, versions *versionlog.Repository, eng *engagement.Service, coordinator *mutation.Coordinator, log *slog.Logger) *Service {
	return &Service{
		repo:       repo,
		versions:   versions,
		engagement: eng,
		applier:    coordinator,
		now:        time.Now,
		log:        log.With(logger.Scope("suggestions.svc")),
	}
}

// CreateParams describes a new suggestion.
type CreateParams struct {
	TargetID        uuid.UUID
	TargetType      versionlog.EntityType
	ProposedChanges json.RawMessage
	Rationale       string
	Author          versionlog.Actor
}

// CreateSuggestion validates the proposed changes against the target type's
// editable field set and stores the suggestion as pending.
func (s *Service) CreateSuggestion(ctx context.Context, p CreateParams) (*SuggestedEdit, error) {
	ctx, span := tracing.Start(ctx, "suggestions.create")
	defer span.End()

	if _, _, err := s.parseChanges(p.TargetType, p.ProposedChanges); err != nil {
		return nil, err
	}
	if err := s.requireCurrentTarget(ctx, p.TargetID, p.TargetType); err != nil {
		return nil, err
	}

	se := &SuggestedEdit{
		ID:              uuid.New(),
		TargetID:        p.TargetID,
		TargetType:      p.TargetType,
		ProposedChanges: p.ProposedChanges,
		Rationale:       strings.TrimSpace(p.Rationale),
		Status:          StatusPending,
		CreatedBy:       p.Author.UserID,
		CreatedAt:       s.now().UTC(),
	}
	if err := s.repo.Insert(ctx, se); err != nil {
		return nil, err
	}

	s.log.Info("suggestion created",
		slog.String("suggestion_id", se.ID.String()),
		slog.String("target_id", se.TargetID.String()),
		slog.String("target_type", string(se.TargetType)),
	)
	return se, nil
}

// GetSuggestion returns one suggestion.
func (s *Service) GetSuggestion(ctx context.Context, id uuid.UUID) (*SuggestedEdit, error) {
	se, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if se == nil {
		return nil, apperror.NewNotFound("suggestion", id.String())
	}
	return se, nil
}

// ListSuggestionsForTarget returns suggestions against one entity, newest
// first. An empty status lists all of them.
func (s *Service) ListSuggestionsForTarget(ctx context.Context, targetID uuid.UUID, status Status, offset, limit int) ([]SuggestedEdit, error) {
	return s.repo.ListForTarget(ctx, targetID, status, offset, limit)
}

// GetConsensusStatus reports a suggestion's votes against its threshold.
func (s *Service) GetConsensusStatus(ctx context.Context, id uuid.UUID) (*ConsensusStatus, error) {
	se, err := s.GetSuggestion(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.consensus(ctx, se)
}

func (s *Service) consensus(ctx context.Context, se *SuggestedEdit) (*ConsensusStatus, error) {
	votes, avg, err := s.engagement.RatingSummary(ctx, se.ID)
	if err != nil {
		return nil, err
	}
	targetScore, err := s.engagement.Score(ctx, se.TargetID, se.TargetType)
	if err != nil {
		return nil, err
	}

	required := RequiredVotes(targetScore)
	return &ConsensusStatus{
		SuggestionID:     se.ID,
		Status:           se.Status,
		VoteCount:        votes,
		AverageRating:    avg,
		TargetEngagement: targetScore,
		RequiredVotes:    required,
		CanAccept:        se.Status == StatusPending && avg >= minAverageRating && votes >= required,
	}, nil
}

// AcceptSuggestion resolves a pending suggestion whose consensus threshold
// is met, then lands the proposed changes through the coordinator attributed
// to the resolver. The edit bypasses the owner/window gate; the votes are
// the authorization.
func (s *Service) AcceptSuggestion(ctx context.Context, id uuid.UUID, resolver uuid.UUID) (*SuggestedEdit, error) {
	ctx, span := tracing.Start(ctx, "suggestions.accept")
	defer span.End()

	se, err := s.GetSuggestion(ctx, id)
	if err != nil {
		return nil, err
	}
	if se.Status != StatusPending {
		return nil, apperror.ErrConflict.WithMessage("suggestion is already resolved")
	}

	status, err := s.consensus(ctx, se)
	if err != nil {
		return nil, err
	}
	if !status.CanAccept {
		return nil, apperror.NewValidation("consensus threshold not met").WithDetails(map[string]any{
			"vote_count":     status.VoteCount,
			"average_rating": status.AverageRating,
			"required_votes": status.RequiredVotes,
			"required_avg":   minAverageRating,
		})
	}

	nodePatch, edgePatch, err := s.parseChanges(se.TargetType, se.ProposedChanges)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	moved, err := s.repo.Transition(ctx, se.ID, StatusPending, StatusAccepted, &resolver, &now)
	if err != nil {
		return nil, err
	}
	if !moved {
		return nil, apperror.ErrConflict.WithMessage("suggestion was resolved concurrently")
	}

	actor := versionlog.User(resolver)
	if se.TargetType == versionlog.EntityConnection {
		_, err = s.applier.ApplyResolvedEdgeEdit(ctx, se.TargetID, edgePatch, actor)
	} else {
		_, err = s.applier.ApplyResolvedNodeEdit(ctx, se.TargetID, nodePatch, actor)
	}
	if err != nil {
		// Put the suggestion back so it can be resolved again once the
		// underlying problem clears.
		if reverted, rerr := s.repo.Transition(ctx, se.ID, StatusAccepted, StatusPending, nil, nil); rerr != nil || !reverted {
			s.log.Error("failed to revert suggestion after apply failure",
				slog.String("suggestion_id", se.ID.String()),
				logger.Error(rerr),
			)
		}
		return nil, err
	}

	se.Status = StatusAccepted
	se.ResolvedBy = &resolver
	se.ResolvedAt = &now

	s.log.Info("suggestion accepted",
		slog.String("suggestion_id", se.ID.String()),
		slog.String("target_id", se.TargetID.String()),
		slog.Int64("votes", status.VoteCount),
	)
	return se, nil
}

// RejectSuggestion resolves a pending suggestion without touching the
// target.
func (s *Service) RejectSuggestion(ctx context.Context, id uuid.UUID, resolver uuid.UUID) (*SuggestedEdit, error) {
	se, err := s.GetSuggestion(ctx, id)
	if err != nil {
		return nil, err
	}
	if se.Status != StatusPending {
		return nil, apperror.ErrConflict.WithMessage("suggestion is already resolved")
	}

	now := s.now().UTC()
	moved, err := s.repo.Transition(ctx, se.ID, StatusPending, StatusRejected, &resolver, &now)
	if err != nil {
		return nil, err
	}
	if !moved {
		return nil, apperror.ErrConflict.WithMessage("suggestion was resolved concurrently")
	}

	se.Status = StatusRejected
	se.ResolvedBy = &resolver
	se.ResolvedAt = &now
	return se, nil
}

// parseChanges validates proposed changes against the target type and
// converts them to a typed patch. Exactly one of the returns is meaningful:
// the edge patch for connections, the node patch otherwise.
func (s *Service) parseChanges(targetType versionlog.EntityType, raw json.RawMessage) (graph.NodePatch, graph.ConnectionPatch, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, graph.ConnectionPatch{}, errEmptyChanges(targetType)
	}

	switch targetType {
	case versionlog.EntityClaim:
		var p graph.ClaimPatch
		if err := strictDecode(raw, &p); err != nil {
			return nil, graph.ConnectionPatch{}, errInvalidChanges(targetType, err)
		}
		if p.IsZero() {
			return nil, graph.ConnectionPatch{}, errEmptyChanges(targetType)
		}
		return p, graph.ConnectionPatch{}, nil

	case versionlog.EntitySource:
		var p graph.SourcePatch
		if err := strictDecode(raw, &p); err != nil {
			return nil, graph.ConnectionPatch{}, errInvalidChanges(targetType, err)
		}
		if p.IsZero() {
			return nil, graph.ConnectionPatch{}, errEmptyChanges(targetType)
		}
		return p, graph.ConnectionPatch{}, nil

	case versionlog.EntityConnection:
		// Connections expose only notes to suggestions; the logic type is
		// structural and reserved for direct edits.
		var changes struct {
			Notes *string `json:"notes"`
		}
		if err := strictDecode(raw, &changes); err != nil {
			return nil, graph.ConnectionPatch{}, errInvalidChanges(targetType, err)
		}
		if changes.Notes == nil {
			return nil, graph.ConnectionPatch{}, errEmptyChanges(targetType)
		}
		return nil, graph.ConnectionPatch{Notes: changes.Notes}, nil

	default:
		return nil, graph.ConnectionPatch{}, apperror.NewValidation(
			fmt.Sprintf("unknown target type %q", targetType))
	}
}

func (s *Service) requireCurrentTarget(ctx context.Context, targetID uuid.UUID, targetType versionlog.EntityType) error {
	if targetType == versionlog.EntityConnection {
		row, err := s.versions.GetCurrentEdge(ctx, targetID)
		if err != nil {
			return err
		}
		if row == nil {
			return apperror.NewNotFound("connection", targetID.String())
		}
		return nil
	}

	row, err := s.versions.GetCurrentNode(ctx, targetID)
	if err != nil {
		return err
	}
	if row == nil {
		return apperror.NewNotFound(string(targetType), targetID.String())
	}
	if versionlog.NodeEntityType(row.Label) != targetType {
		return apperror.NewValidation(fmt.Sprintf(
			"target %s is a %s, not a %s", targetID, row.Label, targetType))
	}
	return nil
}

func strictDecode(raw json.RawMessage, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func errInvalidChanges(targetType versionlog.EntityType, err error) error {
	return apperror.NewValidation(fmt.Sprintf(
		"invalid proposed changes for a %s (editable fields: %s): %v",
		targetType, strings.Join(EditableFields(targetType), ", "), err))
}

func errEmptyChanges(targetType versionlog.EntityType) error {
	return apperror.NewValidation(fmt.Sprintf(
		"proposed changes must set at least one of: %s",
		strings.Join(EditableFields(targetType), ", ")))
}
