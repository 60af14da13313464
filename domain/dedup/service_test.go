package dedup

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agoramaps/agora.graph/domain/graph"
	"github.com/agoramaps/agora.graph/domain/versionlog"
)

type fakeProbes struct {
	byKey   map[string]*Candidate // label|kind|value
	similar map[string]*Candidate // label|text
	calls   []string
}

func (f *fakeProbes) FindCurrentByKey(_ context.Context, label graph.NodeLabel, kind versionlog.KeyKind, value string) (*Candidate, error) {
	f.calls = append(f.calls, string(kind)+"="+value)
	return f.byKey[string(label)+"|"+string(kind)+"|"+value], nil
}

func (f *fakeProbes) FindSimilarText(_ context.Context, label graph.NodeLabel, text string, _ float64) (*Candidate, error) {
	f.calls = append(f.calls, "similar="+text)
	return f.similar[string(label)+"|"+text], nil
}

func newTestService(probes *fakeProbes) *Service {
	return &Service{
		repo: probes,
		log:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func claimCandidate(t *testing.T, id uuid.UUID, content string) *Candidate {
	t.Helper()
	raw, err := graph.MarshalNodeProps(graph.ClaimProps{Content: content})
	require.NoError(t, err)
	return &Candidate{EntityID: id, Properties: raw}
}

func sourceCandidate(t *testing.T, id uuid.UUID, title, url string) *Candidate {
	t.Helper()
	raw, err := graph.MarshalNodeProps(graph.SourceProps{Title: title, URL: url})
	require.NoError(t, err)
	return &Candidate{EntityID: id, Properties: raw}
}

func TestCheckClaimExactMatch(t *testing.T) {
	existing := uuid.New()
	probes := &fakeProbes{
		byKey: map[string]*Candidate{
			"claim|content_key|the sky is blue": claimCandidate(t, existing, "The  sky is BLUE"),
		},
	}
	svc := newTestService(probes)

	v, err := svc.CheckClaim(context.Background(), "The Sky is   blue")
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, KindExact, v.Kind)
	assert.Equal(t, existing, v.EntityID)
	assert.Equal(t, graph.NodeLabelClaim, v.Label)
	assert.Equal(t, "The  sky is BLUE", v.Content)
	assert.Equal(t, 1.0, v.Score)
}

func TestCheckClaimSimilarMatch(t *testing.T) {
	existing := uuid.New()
	cand := claimCandidate(t, existing, "The sky appears blue at noon")
	cand.Score = 0.91
	probes := &fakeProbes{
		similar: map[string]*Candidate{
			"claim|The sky appears blue at midday": cand,
		},
	}
	svc := newTestService(probes)

	v, err := svc.CheckClaim(context.Background(), "The sky appears blue at midday")
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, KindSimilar, v.Kind)
	assert.Equal(t, 0.91, v.Score)
	assert.Equal(t, "The sky appears blue at noon", v.Content)
}

func TestCheckClaimNoMatch(t *testing.T) {
	svc := newTestService(&fakeProbes{})

	v, err := svc.CheckClaim(context.Background(), "an entirely novel claim")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestCheckClaimEmptyContentSkipsProbes(t *testing.T) {
	probes := &fakeProbes{}
	svc := newTestService(probes)

	v, err := svc.CheckClaim(context.Background(), "   ")
	require.NoError(t, err)
	assert.Nil(t, v)
	assert.Empty(t, probes.calls)
}

func TestCheckSourcePriorityOrder(t *testing.T) {
	id := uuid.New()
	urlKey := graph.NormalizeURLKey("http://example.com/Article?utm=1")
	require.Equal(t, "example.com/article", urlKey)

	// The same stored source is reachable by URL and by exact title; the URL
	// check runs first and wins.
	cand := sourceCandidate(t, id, "An Article", "http://example.com/Article?utm=1")
	probes := &fakeProbes{
		byKey: map[string]*Candidate{
			"source|url_key|" + urlKey:    cand,
			"source|title_key|an article": cand,
		},
	}
	svc := newTestService(probes)

	v, err := svc.CheckSource(context.Background(), SourceCheckParams{
		URL:   "HTTPS://WWW.Example.com/Article/",
		Title: "An Article",
	})
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, KindURL, v.Kind)
	assert.Equal(t, id, v.EntityID)
	assert.Equal(t, []string{"url_key=example.com/article"}, probes.calls)
}

func TestCheckSourceDOIWins(t *testing.T) {
	id := uuid.New()
	probes := &fakeProbes{
		byKey: map[string]*Candidate{
			"source|doi_key|10.1234/study": sourceCandidate(t, id, "A Study", "https://doi.org/10.1234/study"),
		},
	}
	svc := newTestService(probes)

	v, err := svc.CheckSource(context.Background(), SourceCheckParams{
		DOI:   "https://doi.org/10.1234/Study",
		URL:   "https://unrelated.example.com/mirror",
		Title: "A Study",
	})
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, KindDOI, v.Kind)
	assert.Equal(t, "A Study", v.Title)
	assert.Equal(t, []string{"doi_key=10.1234/study"}, probes.calls)
}

func TestCheckSourceFallsThroughOnMiss(t *testing.T) {
	id := uuid.New()
	probes := &fakeProbes{
		byKey: map[string]*Candidate{
			"source|title_key|shared reporting": sourceCandidate(t, id, "Shared Reporting", ""),
		},
	}
	svc := newTestService(probes)

	// DOI and URL are present but match nothing; the title check still runs.
	v, err := svc.CheckSource(context.Background(), SourceCheckParams{
		DOI:   "10.9999/nothing",
		URL:   "https://example.com/new",
		Title: "Shared  Reporting",
	})
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, KindTitleExact, v.Kind)
	assert.Equal(t, []string{
		"doi_key=10.9999/nothing",
		"url_key=example.com/new",
		"title_key=shared reporting",
	}, probes.calls)
}

func TestCheckSourceTitleSimilarLastResort(t *testing.T) {
	id := uuid.New()
	cand := sourceCandidate(t, id, "Climate Report 2024", "")
	cand.Score = 0.88
	probes := &fakeProbes{
		similar: map[string]*Candidate{
			"source|Climate Report  2024 ed.": cand,
		},
	}
	svc := newTestService(probes)

	v, err := svc.CheckSource(context.Background(), SourceCheckParams{Title: "Climate Report  2024 ed."})
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, KindTitleSimilar, v.Kind)
	assert.Equal(t, 0.88, v.Score)
}

func TestCheckSourceNoUsableInput(t *testing.T) {
	probes := &fakeProbes{}
	svc := newTestService(probes)

	v, err := svc.CheckSource(context.Background(), SourceCheckParams{})
	require.NoError(t, err)
	assert.Nil(t, v)
	assert.Empty(t, probes.calls)
}

func TestVerdictDetails(t *testing.T) {
	id := uuid.New()
	v := &Verdict{
		Kind:     KindTitleSimilar,
		EntityID: id,
		Label:    graph.NodeLabelSource,
		Title:    "A Study",
		URL:      "https://example.com/study",
		Score:    0.9,
	}

	d := v.Details()
	assert.Equal(t, "title_similar", d["match_kind"])
	assert.Equal(t, id.String(), d["existing_id"])
	assert.Equal(t, "A Study", d["existing_title"])
	assert.Equal(t, 0.9, d["similarity"])
	assert.NotContains(t, d, "existing_content")
}
