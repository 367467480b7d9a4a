package query

import (
	"fmt"

	"github.com/kuzugate/kuzugate/pkg/engine"
	"github.com/kuzugate/kuzugate/pkg/errs"
)

// Type tags the envelope variant carried in a response.
type Type string

const (
	TypeGraph  Type = "GRAPH"
	TypeTable  Type = "TABLE"
	TypeSchema Type = "SCHEMA"
)

// Summary carries engine version info on every envelope.
type Summary struct {
	Version        string `json:"version"`
	StorageVersion string `json:"storageVersion"`
}

// Node is a graph node in wire format. The ID is the engine's composite
// "table:offset" identifier.
type Node struct {
	ID         string         `json:"id"`
	Labels     []string       `json:"labels"`
	Properties map[string]any `json:"properties"`
}

// Relationship is a graph edge in wire format.
type Relationship struct {
	ID          string         `json:"id"`
	StartNodeID string         `json:"startNodeId"`
	EndNodeID   string         `json:"endNodeId"`
	Type        string         `json:"type"`
	Properties  map[string]any `json:"properties"`
}

// Graph is the GRAPH envelope payload. Nodes and Relationships are always
// non-nil so empty results serialize as [] rather than null.
type Graph struct {
	Nodes         []Node         `json:"nodes"`
	Relationships []Relationship `json:"relationships"`
}

// Envelope is the tagged-union wire response: exactly one variant in Data,
// identified by Type.
type Envelope struct {
	Data    any     `json:"data"`
	Type    Type    `json:"type"`
	Summary Summary `json:"summary"`
}

// =============================================================================
// Row classification
// =============================================================================

// Internal engine bookkeeping fields, stripped from exposed properties.
const (
	fieldID    = "_id"
	fieldLabel = "_label"
	fieldSrc   = "_src"
	fieldDst   = "_dst"
)

// RowKind classifies one result cell. Classification happens exactly once
// per cell; all downstream conversion branches on the kind, never on the
// raw shape.
type RowKind int

const (
	// RowKindScalar is any value that is not a node or relationship.
	RowKindScalar RowKind = iota
	// RowKindNode is a map with an internal id and label but no endpoints.
	RowKindNode
	// RowKindRelationship is a map with endpoints and a label.
	RowKindRelationship
)

// classifyCell determines what a result cell represents.
func classifyCell(v any) RowKind {
	m, ok := v.(map[string]any)
	if !ok {
		return RowKindScalar
	}
	_, hasID := m[fieldID]
	_, hasLabel := m[fieldLabel]
	_, hasSrc := m[fieldSrc]
	_, hasDst := m[fieldDst]

	switch {
	case hasSrc && hasDst && hasLabel:
		return RowKindRelationship
	case hasID && hasLabel && !hasSrc && !hasDst:
		return RowKindNode
	default:
		return RowKindScalar
	}
}

// internalID formats the engine's composite identifier ({table, offset})
// as "table:offset".
func internalID(v any) (string, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return "", errs.Newf(errs.KindConversion, "internal id has unexpected shape %T", v)
	}
	table, ok := m["table"]
	if !ok {
		return "", errs.New(errs.KindConversion, "internal id missing table")
	}
	offset, ok := m["offset"]
	if !ok {
		return "", errs.New(errs.KindConversion, "internal id missing offset")
	}
	return fmt.Sprintf("%v:%v", table, offset), nil
}

// cellProperties extracts user-visible properties, dropping internal fields
// and nil values.
func cellProperties(m map[string]any) map[string]any {
	props := make(map[string]any)
	for k, v := range m {
		switch k {
		case fieldID, fieldLabel, fieldSrc, fieldDst:
			continue
		}
		if v == nil {
			continue
		}
		props[k] = v
	}
	return props
}

// nodeFromCell converts a RowKindNode cell.
func nodeFromCell(m map[string]any) (Node, error) {
	id, err := internalID(m[fieldID])
	if err != nil {
		return Node{}, err
	}
	return Node{
		ID:         id,
		Labels:     []string{fmt.Sprintf("%v", m[fieldLabel])},
		Properties: cellProperties(m),
	}, nil
}

// relationshipFromCell converts a RowKindRelationship cell.
func relationshipFromCell(m map[string]any) (Relationship, error) {
	id, err := internalID(m[fieldID])
	if err != nil {
		return Relationship{}, err
	}
	start, err := internalID(m[fieldSrc])
	if err != nil {
		return Relationship{}, err
	}
	end, err := internalID(m[fieldDst])
	if err != nil {
		return Relationship{}, err
	}
	return Relationship{
		ID:          id,
		StartNodeID: start,
		EndNodeID:   end,
		Type:        fmt.Sprintf("%v", m[fieldLabel]),
		Properties:  cellProperties(m),
	}, nil
}

// Convert classifies each result row and builds the response envelope.
//
// Graph cells win: when any node or relationship is found, the envelope is
// GRAPH and purely tabular rows are discarded (logged at debug level).
// Otherwise the rows become a TABLE with the column names as the first row.
// An empty result is a well-formed empty GRAPH envelope, never null.
//
// A cell that claims to be a graph shape but cannot be converted is skipped
// and remaining cells are still processed: partial results are preferred
// over total failure.
func (p *Processor) Convert(rows *engine.Rows) *Envelope {
	graph := Graph{Nodes: []Node{}, Relationships: []Relationship{}}
	var tableRows []map[string]any

	columns := columnsOf(rows)

	for i, record := range rows.Records {
		hasGraph := false
		isTable := false

		for _, col := range columns {
			cell, ok := record[col]
			if !ok {
				continue
			}
			switch classifyCell(cell) {
			case RowKindRelationship:
				rel, err := relationshipFromCell(cell.(map[string]any))
				if err != nil {
					p.log.Warn().Err(err).Int("row", i).Str("column", col).Msg("skipping malformed relationship cell")
					continue
				}
				graph.Relationships = append(graph.Relationships, rel)
				hasGraph = true
			case RowKindNode:
				node, err := nodeFromCell(cell.(map[string]any))
				if err != nil {
					p.log.Warn().Err(err).Int("row", i).Str("column", col).Msg("skipping malformed node cell")
					continue
				}
				graph.Nodes = append(graph.Nodes, node)
				hasGraph = true
			default:
				isTable = true
			}
		}

		if isTable && !hasGraph {
			tableRows = append(tableRows, record)
		}
	}

	summary := p.summary()

	if len(graph.Nodes) > 0 || len(graph.Relationships) > 0 {
		if len(tableRows) > 0 {
			p.log.Debug().Int("discarded_rows", len(tableRows)).Msg("graph result takes precedence, dropping table rows")
		}
		return &Envelope{Data: graph, Type: TypeGraph, Summary: summary}
	}

	if len(tableRows) > 0 {
		return &Envelope{Data: toTable(columns, tableRows), Type: TypeTable, Summary: summary}
	}

	return &Envelope{Data: graph, Type: TypeGraph, Summary: summary}
}

// toTable renders records as a 2-D array with the column names first.
func toTable(columns []string, records []map[string]any) [][]any {
	table := make([][]any, 0, len(records)+1)

	header := make([]any, len(columns))
	for i, col := range columns {
		header[i] = col
	}
	table = append(table, header)

	for _, record := range records {
		row := make([]any, len(columns))
		for i, col := range columns {
			row[i] = record[col]
		}
		table = append(table, row)
	}
	return table
}

// columnsOf returns the result's column order, falling back to the first
// record's keys for engines that do not report columns.
func columnsOf(rows *engine.Rows) []string {
	if len(rows.Columns) > 0 {
		return rows.Columns
	}
	if len(rows.Records) == 0 {
		return nil
	}
	cols := make([]string, 0, len(rows.Records[0]))
	for k := range rows.Records[0] {
		cols = append(cols, k)
	}
	return cols
}
