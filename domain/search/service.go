package search

import (
	"bytes"
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/agoramaps/agora.graph/domain/graph"
	"github.com/agoramaps/agora.graph/pkg/apperror"
	"github.com/agoramaps/agora.graph/pkg/logger"
	"github.com/agoramaps/agora.graph/pkg/mathutil"
)

// Scope selects which version rows a search runs over.
type Scope string

const (
	// ScopeCurrent matches the graph as it stands right now.
	ScopeCurrent Scope = "current"
	// ScopeHistorical matches any version an entity has ever had, so
	// reworded or deleted content still turns up.
	ScopeHistorical Scope = "historical"
	// ScopeAsOf matches the graph as it stood at one instant.
	ScopeAsOf Scope = "as_of"
)

// Method names the search strategy that produced a result's winning score.
type Method string

const (
	MethodFullText  Method = "full_text"
	MethodSimilar   Method = "similarity"
	MethodSubstring Method = "substring"
)

const (
	// perMethodLimit caps the candidates each method contributes to fusion.
	perMethodLimit = 30
	// fusedLimit caps the merged result set.
	fusedLimit = 40
	// trigramThreshold is the minimum similarity for the trigram method.
	trigramThreshold = 0.3
)

// Params describes one search.
type Params struct {
	Query  string
	Labels []graph.NodeLabel
	Scope  Scope
	At     time.Time
	Limit  int
}

// Result is one fused hit. Score is the best score any method gave the
// entity and Method names the method that gave it.
type Result struct {
	EntityID      uuid.UUID
	Label         graph.NodeLabel
	Text          string
	VersionNumber int
	Score         float64
	Method        Method
}

// queries is the repository surface the service needs.
type queries interface {
	FullTextSearch(ctx context.Context, p Params, limit int) ([]MatchRow, error)
	TrigramSearch(ctx context.Context, p Params, threshold float64, limit int) ([]MatchRow, error)
	SubstringSearch(ctx context.Context, p Params, limit int) ([]SubstringRow, error)
}

// Service fuses full-text, trigram and substring search into one ranked
// result list.
type Service struct {
	repo queries
	log  *slog.Logger
}

// NewService creates a new search service
func NewService(repo *Repository, log *slog.Logger) *Service {
	return &Service{
		repo: repo,
		log:  log.With(logger.Scope("search.svc")),
	}
}

// SearchCurrent searches live content only.
func (s *Service) SearchCurrent(ctx context.Context, query string, labels []graph.NodeLabel, limit int) ([]Result, error) {
	return s.search(ctx, Params{Query: query, Labels: labels, Scope: ScopeCurrent, Limit: limit})
}

// SearchHistorical searches every version ever written, keeping each
// entity's best-scoring version.
func (s *Service) SearchHistorical(ctx context.Context, query string, labels []graph.NodeLabel, limit int) ([]Result, error) {
	return s.search(ctx, Params{Query: query, Labels: labels, Scope: ScopeHistorical, Limit: limit})
}

// SearchAsOf searches the graph as it stood at the given instant.
func (s *Service) SearchAsOf(ctx context.Context, query string, labels []graph.NodeLabel, at time.Time, limit int) ([]Result, error) {
	return s.search(ctx, Params{Query: query, Labels: labels, Scope: ScopeAsOf, At: at, Limit: limit})
}

func (s *Service) search(ctx context.Context, p Params) ([]Result, error) {
	startTime := time.Now()

	p.Query = strings.TrimSpace(p.Query)
	if p.Query == "" {
		return nil, apperror.NewValidation("search query is required")
	}
	if p.Scope == "" {
		p.Scope = ScopeCurrent
	}
	if p.Scope == ScopeAsOf && p.At.IsZero() {
		return nil, apperror.NewValidation("as-of search requires a timestamp")
	}
	for _, l := range p.Labels {
		if !l.Valid() {
			return nil, apperror.NewValidation("unknown label: " + string(l))
		}
	}

	// Execute the three methods in parallel
	type scoredResult struct {
		rows    []MatchRow
		elapsed time.Duration
		err     error
	}
	type substringResult struct {
		rows    []SubstringRow
		elapsed time.Duration
		err     error
	}

	ftsCh := make(chan scoredResult, 1)
	trgmCh := make(chan scoredResult, 1)
	subCh := make(chan substringResult, 1)

	go func() {
		start := time.Now()
		rows, err := s.repo.FullTextSearch(ctx, p, perMethodLimit)
		ftsCh <- scoredResult{rows: rows, elapsed: time.Since(start), err: err}
	}()
	go func() {
		start := time.Now()
		rows, err := s.repo.TrigramSearch(ctx, p, trigramThreshold, perMethodLimit)
		trgmCh <- scoredResult{rows: rows, elapsed: time.Since(start), err: err}
	}()
	go func() {
		start := time.Now()
		rows, err := s.repo.SubstringSearch(ctx, p, perMethodLimit)
		subCh <- substringResult{rows: rows, elapsed: time.Since(start), err: err}
	}()

	fts := <-ftsCh
	trgm := <-trgmCh
	sub := <-subCh

	if fts.err != nil {
		return nil, fts.err
	}
	if trgm.err != nil {
		return nil, trgm.err
	}
	if sub.err != nil {
		return nil, sub.err
	}

	// Fuse: one result per entity, keeping the best score any method gave it
	best := make(map[uuid.UUID]*Result)
	mergeScored(best, fts.rows, MethodFullText)
	mergeScored(best, trgm.rows, MethodSimilar)

	queryLen := utf8.RuneCountInString(p.Query)
	for _, row := range sub.rows {
		take(best, Result{
			EntityID:      row.EntityID,
			Label:         graph.NodeLabel(row.Label),
			Text:          row.Text,
			VersionNumber: row.VersionNumber,
			Score:         substringRank(row.Pos, row.Len, queryLen),
			Method:        MethodSubstring,
		})
	}

	results := make([]Result, 0, len(best))
	for _, r := range best {
		results = append(results, *r)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return bytes.Compare(results[i].EntityID[:], results[j].EntityID[:]) < 0
	})

	limit := mathutil.ClampLimit(p.Limit, fusedLimit, fusedLimit)
	if len(results) > limit {
		results = results[:limit]
	}

	s.log.Debug("search complete",
		slog.String("scope", string(p.Scope)),
		slog.Int("results", len(results)),
		slog.Duration("full_text", fts.elapsed),
		slog.Duration("similarity", trgm.elapsed),
		slog.Duration("substring", sub.elapsed),
		slog.Duration("total", time.Since(startTime)))

	return results, nil
}

func mergeScored(best map[uuid.UUID]*Result, rows []MatchRow, method Method) {
	for _, row := range rows {
		take(best, Result{
			EntityID:      row.EntityID,
			Label:         graph.NodeLabel(row.Label),
			Text:          row.Text,
			VersionNumber: row.VersionNumber,
			Score:         row.Score,
			Method:        method,
		})
	}
}

func take(best map[uuid.UUID]*Result, r Result) {
	if cur, ok := best[r.EntityID]; ok && cur.Score >= r.Score {
		return
	}
	best[r.EntityID] = &r
}

// substringRank rewards matches that start early in short texts. The base
// 0.5 gets up to 0.3 for position and up to 0.2 for query coverage, so an
// exact full-text hit scores 1.0.
func substringRank(pos, textLen, queryLen int) float64 {
	if pos <= 0 || textLen <= 0 {
		return 0
	}
	offset := float64(pos - 1)
	rank := 0.5 + 0.3*(1-offset/float64(textLen))
	coverage := float64(queryLen) / float64(textLen)
	if coverage > 0.2 {
		coverage = 0.2
	}
	return rank + coverage
}
