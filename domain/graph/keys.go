package graph

import "strings"

// Identity keys collapse superficial formatting differences so that two
// writes of the same real-world claim or source produce the same key. The
// keys are stored alongside each version row and indexed for exact lookup.

// NormalizeContentKey lowercases, trims, and collapses internal whitespace
// runs to single spaces. Used for claim content and source titles.
func NormalizeContentKey(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// NormalizeURLKey canonicalizes a source URL: the whole string is lowercased,
// the scheme and a leading www. are dropped, the query string and fragment are
// cut off, and a trailing slash is removed. An empty input stays empty.
func NormalizeURLKey(rawURL string) string {
	u := strings.ToLower(strings.TrimSpace(rawURL))
	if u == "" {
		return ""
	}
	u = strings.TrimPrefix(u, "https://")
	u = strings.TrimPrefix(u, "http://")
	u = strings.TrimPrefix(u, "www.")
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	u = strings.TrimSuffix(u, "/")
	return u
}

// NormalizeDOIKey reduces a DOI in any common written form (bare, doi: prefix,
// or a doi.org URL) to the lowercase registrant/suffix pair. Returns "" when
// the input does not look like a DOI.
func NormalizeDOIKey(raw string) string {
	d := strings.ToLower(strings.TrimSpace(raw))
	if d == "" {
		return ""
	}
	d = strings.TrimPrefix(d, "https://")
	d = strings.TrimPrefix(d, "http://")
	d = strings.TrimPrefix(d, "dx.doi.org/")
	d = strings.TrimPrefix(d, "www.doi.org/")
	d = strings.TrimPrefix(d, "doi.org/")
	d = strings.TrimPrefix(d, "doi:")
	d = strings.TrimSpace(d)
	if !strings.HasPrefix(d, "10.") {
		return ""
	}
	return d
}

// ContentKey is the identity key for a claim's content.
func (p ClaimProps) ContentKey() string {
	return NormalizeContentKey(p.Content)
}

// TitleKey is the identity key for a source's title.
func (p SourceProps) TitleKey() string {
	return NormalizeContentKey(p.Title)
}

// URLKey is the identity key for a source's URL, or "" when the source has none.
func (p SourceProps) URLKey() string {
	return NormalizeURLKey(p.URL)
}

// DOIKey is the identity key for a source whose URL points at a DOI resolver,
// or "" when the URL is not a DOI link. Sources carry no dedicated DOI field;
// a doi.org URL is how a DOI reaches the store.
func (p SourceProps) DOIKey() string {
	return NormalizeDOIKey(p.URL)
}
