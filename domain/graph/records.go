package graph

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

func stringProp(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func nodeLabelFromCypher(s string) (NodeLabel, bool) {
	switch s {
	case "Claim":
		return NodeLabelClaim, true
	case "Source":
		return NodeLabelSource, true
	}
	return "", false
}

func nodePropsFromMap(label NodeLabel, m map[string]any) (NodeProps, error) {
	switch label {
	case NodeLabelClaim:
		return ClaimProps{Content: stringProp(m, "content")}, nil
	case NodeLabelSource:
		p := SourceProps{
			URL:        stringProp(m, "url"),
			Title:      stringProp(m, "title"),
			Author:     stringProp(m, "author"),
			SourceType: stringProp(m, "source_type"),
			Content:    stringProp(m, "content"),
		}
		if s := stringProp(m, "publication_date"); s != "" {
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				return nil, fmt.Errorf("bad publication_date on source: %w", err)
			}
			p.PublicationDate = &t
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown node label: %q", string(label))
	}
}

func connectionPropsFromMap(m map[string]any) (ConnectionProps, error) {
	p := ConnectionProps{
		Notes:     stringProp(m, "notes"),
		LogicType: LogicType(stringProp(m, "logic_type")),
	}
	if s := stringProp(m, "composite_id"); s != "" {
		cid, err := uuid.Parse(s)
		if err != nil {
			return ConnectionProps{}, fmt.Errorf("bad composite_id on connection: %w", err)
		}
		p.CompositeID = &cid
	}
	return p, nil
}

func nodeFromRecord(id uuid.UUID, rec *neo4j.Record) (*Node, error) {
	rawLabels, _ := rec.Get("labels")
	labels, _ := rawLabels.([]any)
	var label NodeLabel
	for _, l := range labels {
		if s, ok := l.(string); ok {
			if parsed, ok := nodeLabelFromCypher(s); ok {
				label = parsed
				break
			}
		}
	}
	if label == "" {
		return nil, fmt.Errorf("node %s carries no recognized label", id)
	}

	rawProps, _ := rec.Get("props")
	m, _ := rawProps.(map[string]any)
	props, err := nodePropsFromMap(label, m)
	if err != nil {
		return nil, err
	}
	return &Node{ID: id, Label: label, Props: props}, nil
}

func edgeFromRecord(rec *neo4j.Record) (*Edge, error) {
	rawID, _ := rec.Get("id")
	rawSrc, _ := rec.Get("src")
	rawDst, _ := rec.Get("dst")

	id, err := uuid.Parse(fmt.Sprintf("%v", rawID))
	if err != nil {
		return nil, fmt.Errorf("bad edge id: %w", err)
	}
	src, err := uuid.Parse(fmt.Sprintf("%v", rawSrc))
	if err != nil {
		return nil, fmt.Errorf("bad edge source id: %w", err)
	}
	dst, err := uuid.Parse(fmt.Sprintf("%v", rawDst))
	if err != nil {
		return nil, fmt.Errorf("bad edge target id: %w", err)
	}

	rawProps, _ := rec.Get("props")
	m, _ := rawProps.(map[string]any)
	props, err := connectionPropsFromMap(m)
	if err != nil {
		return nil, err
	}
	return &Edge{ID: id, SrcID: src, DstID: dst, Props: props}, nil
}

func edgesFromRecords(records []*neo4j.Record) ([]Edge, error) {
	edges := make([]Edge, 0, len(records))
	for _, rec := range records {
		e, err := edgeFromRecord(rec)
		if err != nil {
			return nil, err
		}
		edges = append(edges, *e)
	}
	return edges, nil
}

func idsFromRecords(records []*neo4j.Record) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(records))
	for _, rec := range records {
		raw, _ := rec.Get("id")
		id, err := uuid.Parse(fmt.Sprintf("%v", raw))
		if err != nil {
			return nil, fmt.Errorf("bad id in scan result: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func countField(records []*neo4j.Record, key string) int64 {
	if len(records) == 0 {
		return 0
	}
	raw, _ := records[0].Get(key)
	if n, ok := raw.(int64); ok {
		return n
	}
	return 0
}
