package dedup

import (
	"context"
	"log/slog"

	"github.com/agoramaps/agora.graph/domain/graph"
	"github.com/agoramaps/agora.graph/domain/versionlog"
	"github.com/agoramaps/agora.graph/pkg/logger"
)

// SimilarityThreshold is the trigram similarity at which two texts count as
// the same claim or the same source title.
const SimilarityThreshold = 0.85

// Service answers "does this node already exist" before anything is written.
// A nil verdict means no duplicate was found.
type Service struct {
	repo probes
	log  *slog.Logger
}

// probes is the repository surface the service needs.
type probes interface {
	FindCurrentByKey(ctx context.Context, label graph.NodeLabel, kind versionlog.KeyKind, value string) (*Candidate, error)
	FindSimilarText(ctx context.Context, label graph.NodeLabel, text string, threshold float64) (*Candidate, error)
}

// NewService creates a new dedup service
func NewService(repo *Repository, log *slog.Logger) *Service {
	return &Service{
		repo: repo,
		log:  log.With(logger.Scope("dedup")),
	}
}

// CheckClaim reports whether content collides with an existing claim: first an
// exact match on the normalized content key, then a trigram pass for
// near-identical phrasings.
func (s *Service) CheckClaim(ctx context.Context, content string) (*Verdict, error) {
	key := graph.NormalizeContentKey(content)
	if key == "" {
		return nil, nil
	}

	c, err := s.repo.FindCurrentByKey(ctx, graph.NodeLabelClaim, versionlog.KeyContent, key)
	if err != nil {
		return nil, err
	}
	if c != nil {
		return s.verdict(KindExact, graph.NodeLabelClaim, c, 1), nil
	}

	c, err = s.repo.FindSimilarText(ctx, graph.NodeLabelClaim, content, SimilarityThreshold)
	if err != nil {
		return nil, err
	}
	if c != nil {
		return s.verdict(KindSimilar, graph.NodeLabelClaim, c, c.Score), nil
	}
	return nil, nil
}

// CheckSource runs the source identity checks in priority order: DOI, then
// URL, then exact title, then title similarity. The first hit wins; a check
// whose input is empty or finds nothing falls through to the next.
func (s *Service) CheckSource(ctx context.Context, params SourceCheckParams) (*Verdict, error) {
	if doi := graph.NormalizeDOIKey(params.DOI); doi != "" {
		c, err := s.repo.FindCurrentByKey(ctx, graph.NodeLabelSource, versionlog.KeyDOI, doi)
		if err != nil {
			return nil, err
		}
		if c != nil {
			return s.verdict(KindDOI, graph.NodeLabelSource, c, 1), nil
		}
	}

	if url := graph.NormalizeURLKey(params.URL); url != "" {
		c, err := s.repo.FindCurrentByKey(ctx, graph.NodeLabelSource, versionlog.KeyURL, url)
		if err != nil {
			return nil, err
		}
		if c != nil {
			return s.verdict(KindURL, graph.NodeLabelSource, c, 1), nil
		}
	}

	title := graph.NormalizeContentKey(params.Title)
	if title == "" {
		return nil, nil
	}

	c, err := s.repo.FindCurrentByKey(ctx, graph.NodeLabelSource, versionlog.KeyTitle, title)
	if err != nil {
		return nil, err
	}
	if c != nil {
		return s.verdict(KindTitleExact, graph.NodeLabelSource, c, 1), nil
	}

	c, err = s.repo.FindSimilarText(ctx, graph.NodeLabelSource, params.Title, SimilarityThreshold)
	if err != nil {
		return nil, err
	}
	if c != nil {
		return s.verdict(KindTitleSimilar, graph.NodeLabelSource, c, c.Score), nil
	}
	return nil, nil
}

func (s *Service) verdict(kind Kind, label graph.NodeLabel, c *Candidate, score float64) *Verdict {
	v := &Verdict{
		Kind:     kind,
		EntityID: c.EntityID,
		Label:    label,
		Score:    score,
	}

	props, err := graph.UnmarshalNodeProps(label, c.Properties)
	if err != nil {
		// The id alone still names the collision; display fields are best effort.
		s.log.Warn("duplicate candidate snapshot did not decode",
			slog.String("entity_id", c.EntityID.String()),
			logger.Error(err))
		return v
	}

	switch p := props.(type) {
	case graph.ClaimProps:
		v.Content = p.Content
	case graph.SourceProps:
		v.Title = p.Title
		v.URL = p.URL
	}
	return v
}
