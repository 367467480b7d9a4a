package query

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kuzugate/kuzugate/pkg/engine"
)

// catalogHandler scripts the three introspection round trips for a small
// Person/Movie/ActedIn catalog.
func catalogHandler(q string) (*engine.Rows, error) {
	switch {
	case strings.Contains(q, "SHOW_CONNECTION"):
		return &engine.Rows{
			Columns: []string{"source", "target", "type"},
			Records: []map[string]any{
				{"source": "Person", "target": "Movie", "type": "ActedIn"},
			},
		}, nil
	case strings.Contains(q, "TABLE_INFO"):
		return &engine.Rows{
			Columns: []string{"name", "type", "isKey", "tableName"},
			Records: []map[string]any{
				{"name": "name", "type": "STRING", "isKey": true, "tableName": "Person"},
				{"name": "age", "type": "INT64", "isKey": false, "tableName": "Person"},
				{"name": "title", "type": "STRING", "isKey": "True", "tableName": "Movie"},
				{"name": "role", "type": "STRING", "isKey": false, "tableName": "ActedIn"},
			},
		}, nil
	case strings.Contains(q, "show_tables"):
		return &engine.Rows{
			Columns: []string{"name", "type"},
			Records: []map[string]any{
				{"name": "Person", "type": "NODE"},
				{"name": "Movie", "type": "NODE"},
				{"name": "ActedIn", "type": "REL"},
			},
		}, nil
	default:
		return nil, errors.New("unexpected query: " + q)
	}
}

func TestSchema(t *testing.T) {
	t.Run("builds the full catalog", func(t *testing.T) {
		proc, _, _ := newTestProcessor(t, catalogHandler)

		schema, err := proc.Schema(context.Background())
		require.NoError(t, err)

		require.Len(t, schema.Categories, 2)
		require.Len(t, schema.Relationships, 1)

		person := schema.Categories["Person"]
		require.NotNil(t, person)
		assert.Equal(t, []string{"name", "age"}, person.Props)
		assert.Equal(t, []string{"name"}, person.Keys)
		assert.Equal(t, map[string]string{"name": "STRING", "age": "INT64"}, person.PropsTypes)
		assert.Equal(t, map[string]string{"name": "STRING"}, person.KeysTypes)

		// String-typed key flags are coerced too.
		movie := schema.Categories["Movie"]
		require.NotNil(t, movie)
		assert.Equal(t, []string{"title"}, movie.Keys)

		acted := schema.Relationships["ActedIn"]
		require.NotNil(t, acted)
		assert.Equal(t, "Person", acted.StartCategory)
		assert.Equal(t, "Movie", acted.EndCategory)
		assert.Equal(t, []string{"role"}, acted.Props)
		assert.Empty(t, acted.Keys)
	})

	t.Run("empty database yields an empty schema", func(t *testing.T) {
		proc, _, _ := newTestProcessor(t, func(q string) (*engine.Rows, error) {
			return &engine.Rows{}, nil
		})

		schema, err := proc.Schema(context.Background())
		require.NoError(t, err)
		assert.Empty(t, schema.Categories)
		assert.Empty(t, schema.Relationships)
	})

	t.Run("catalog failure is recorded as a crash", func(t *testing.T) {
		proc, _, tracker := newTestProcessor(t, func(q string) (*engine.Rows, error) {
			return nil, errors.New("catalog unavailable")
		})

		_, err := proc.Schema(context.Background())
		require.Error(t, err)
		assert.Equal(t, uint64(1), tracker.CrashCount())
	})

	t.Run("envelope wraps the schema under the requested database", func(t *testing.T) {
		proc, _, _ := newTestProcessor(t, catalogHandler)

		env, err := proc.SchemaEnvelope(context.Background(), "movies")
		require.NoError(t, err)
		assert.Equal(t, TypeSchema, env.Type)

		wrapped, ok := env.Data.(map[string]*Schema)
		require.True(t, ok)
		require.Contains(t, wrapped, "movies")
		assert.Len(t, wrapped["movies"].Categories, 2)
	})
}
