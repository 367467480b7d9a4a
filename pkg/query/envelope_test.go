package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kuzugate/kuzugate/pkg/engine"
)

func nodeCell(table, offset int, label string, props map[string]any) map[string]any {
	cell := map[string]any{
		"_id":    map[string]any{"table": table, "offset": offset},
		"_label": label,
	}
	for k, v := range props {
		cell[k] = v
	}
	return cell
}

func relCell(table, offset int, label string, src, dst map[string]any, props map[string]any) map[string]any {
	cell := map[string]any{
		"_id":    map[string]any{"table": table, "offset": offset},
		"_label": label,
		"_src":   src,
		"_dst":   dst,
	}
	for k, v := range props {
		cell[k] = v
	}
	return cell
}

func TestClassifyCell(t *testing.T) {
	assert.Equal(t, RowKindScalar, classifyCell("hello"))
	assert.Equal(t, RowKindScalar, classifyCell(int64(42)))
	assert.Equal(t, RowKindScalar, classifyCell(nil))
	assert.Equal(t, RowKindScalar, classifyCell(map[string]any{"just": "a map"}))

	node := nodeCell(0, 1, "Person", nil)
	assert.Equal(t, RowKindNode, classifyCell(node))

	rel := relCell(2, 0, "ActedIn",
		map[string]any{"table": 0, "offset": 1},
		map[string]any{"table": 1, "offset": 0}, nil)
	assert.Equal(t, RowKindRelationship, classifyCell(rel))

	// Endpoints without a label are not a relationship.
	assert.Equal(t, RowKindScalar, classifyCell(map[string]any{
		"_src": map[string]any{}, "_dst": map[string]any{},
	}))
}

func TestConvert(t *testing.T) {
	proc, _, _ := newTestProcessor(t, nil)

	t.Run("nodes become a graph envelope", func(t *testing.T) {
		rows := &engine.Rows{
			Columns: []string{"n"},
			Records: []map[string]any{
				{"n": nodeCell(0, 0, "Person", map[string]any{"name": "Ada", "age": int64(36)})},
				{"n": nodeCell(0, 1, "Person", map[string]any{"name": "Grace"})},
			},
		}

		env := proc.Convert(rows)
		assert.Equal(t, TypeGraph, env.Type)
		assert.Equal(t, "0.11.2", env.Summary.Version)

		graph, ok := env.Data.(Graph)
		require.True(t, ok)
		require.Len(t, graph.Nodes, 2)
		assert.Empty(t, graph.Relationships)

		assert.Equal(t, "0:0", graph.Nodes[0].ID)
		assert.Equal(t, []string{"Person"}, graph.Nodes[0].Labels)
		assert.Equal(t, map[string]any{"name": "Ada", "age": int64(36)}, graph.Nodes[0].Properties)
		// Internal fields never leak into properties.
		assert.NotContains(t, graph.Nodes[0].Properties, "_id")
		assert.NotContains(t, graph.Nodes[0].Properties, "_label")
	})

	t.Run("relationship-only result is still a graph", func(t *testing.T) {
		rows := &engine.Rows{
			Columns: []string{"r"},
			Records: []map[string]any{{
				"r": relCell(2, 0, "ActedIn",
					map[string]any{"table": 0, "offset": 5},
					map[string]any{"table": 1, "offset": 7},
					map[string]any{"role": "Neo"}),
			}},
		}

		env := proc.Convert(rows)
		assert.Equal(t, TypeGraph, env.Type)

		graph := env.Data.(Graph)
		assert.NotNil(t, graph.Nodes)
		assert.Empty(t, graph.Nodes)
		require.Len(t, graph.Relationships, 1)

		rel := graph.Relationships[0]
		assert.Equal(t, "2:0", rel.ID)
		assert.Equal(t, "0:5", rel.StartNodeID)
		assert.Equal(t, "1:7", rel.EndNodeID)
		assert.Equal(t, "ActedIn", rel.Type)
		assert.Equal(t, map[string]any{"role": "Neo"}, rel.Properties)
	})

	t.Run("scalar rows become a table with a header row", func(t *testing.T) {
		rows := &engine.Rows{
			Columns: []string{"name", "age"},
			Records: []map[string]any{
				{"name": "Ada", "age": int64(36)},
				{"name": "Grace", "age": int64(85)},
			},
		}

		env := proc.Convert(rows)
		assert.Equal(t, TypeTable, env.Type)

		table, ok := env.Data.([][]any)
		require.True(t, ok)
		require.Len(t, table, 3)
		assert.Equal(t, []any{"name", "age"}, table[0])
		assert.Equal(t, []any{"Ada", int64(36)}, table[1])
		assert.Equal(t, []any{"Grace", int64(85)}, table[2])
	})

	t.Run("graph takes precedence over mixed table rows", func(t *testing.T) {
		rows := &engine.Rows{
			Columns: []string{"v"},
			Records: []map[string]any{
				{"v": int64(1)},
				{"v": nodeCell(0, 0, "Person", nil)},
			},
		}

		env := proc.Convert(rows)
		assert.Equal(t, TypeGraph, env.Type)
		graph := env.Data.(Graph)
		assert.Len(t, graph.Nodes, 1)
	})

	t.Run("node and scalar in the same row is a graph row", func(t *testing.T) {
		rows := &engine.Rows{
			Columns: []string{"n", "score"},
			Records: []map[string]any{
				{"n": nodeCell(0, 0, "Person", nil), "score": 0.9},
			},
		}

		env := proc.Convert(rows)
		assert.Equal(t, TypeGraph, env.Type)
	})

	t.Run("empty result is an empty graph, not null", func(t *testing.T) {
		env := proc.Convert(&engine.Rows{})
		assert.Equal(t, TypeGraph, env.Type)

		graph := env.Data.(Graph)
		assert.NotNil(t, graph.Nodes)
		assert.NotNil(t, graph.Relationships)
		assert.Empty(t, graph.Nodes)
		assert.Empty(t, graph.Relationships)
	})

	t.Run("malformed graph cell is skipped, not fatal", func(t *testing.T) {
		rows := &engine.Rows{
			Columns: []string{"n"},
			Records: []map[string]any{
				{"n": map[string]any{"_id": "not-a-map", "_label": "Person"}},
				{"n": nodeCell(0, 1, "Person", nil)},
			},
		}

		env := proc.Convert(rows)
		assert.Equal(t, TypeGraph, env.Type)
		graph := env.Data.(Graph)
		require.Len(t, graph.Nodes, 1)
		assert.Equal(t, "0:1", graph.Nodes[0].ID)
	})

	t.Run("nil property values are dropped", func(t *testing.T) {
		rows := &engine.Rows{
			Columns: []string{"n"},
			Records: []map[string]any{
				{"n": nodeCell(0, 0, "Person", map[string]any{"name": "Ada", "email": nil})},
			},
		}

		graph := proc.Convert(rows).Data.(Graph)
		require.Len(t, graph.Nodes, 1)
		assert.NotContains(t, graph.Nodes[0].Properties, "email")
	})
}

func TestRowsAppend(t *testing.T) {
	a := &engine.Rows{Columns: []string{"x"}, Records: []map[string]any{{"x": 1}}}
	b := &engine.Rows{Columns: []string{"y"}, Records: []map[string]any{{"y": 2}}}

	a.Append(b)
	assert.Equal(t, []string{"x"}, a.Columns, "first columns win")
	assert.Len(t, a.Records, 2)
}
