package query

import (
	"context"
	"fmt"
	"strings"
)

// SchemaTable describes one node or relationship table: property names in
// catalog order, primary keys, and a name-to-type map for each.
type SchemaTable struct {
	Name          string            `json:"name"`
	Props         []string          `json:"props"`
	Keys          []string          `json:"keys"`
	PropsTypes    map[string]string `json:"propsTypes"`
	KeysTypes     map[string]string `json:"keysTypes"`
	StartCategory string            `json:"startCategory,omitempty"`
	EndCategory   string            `json:"endCategory,omitempty"`
}

// Schema is the full catalog: node tables under Categories, relationship
// tables under Relationships, both keyed by table name.
type Schema struct {
	Categories    map[string]*SchemaTable `json:"categories"`
	Relationships map[string]*SchemaTable `json:"relationships"`
}

// Schema introspects the database catalog in three engine round trips:
// list tables, resolve relationship endpoints, then fetch per-table column
// info (the latter two as single UNION queries so the trip count stays
// constant regardless of table count). Failures are recorded by the crash
// tracker like any query failure.
func (p *Processor) Schema(ctx context.Context) (*Schema, error) {
	p.queryCount.Add(1)

	schema, err := p.buildSchema(ctx)
	if err != nil {
		return nil, p.fail(err, "CALL SCHEMA", nil)
	}
	return schema, nil
}

func (p *Processor) buildSchema(ctx context.Context) (*Schema, error) {
	schema := &Schema{
		Categories:    make(map[string]*SchemaTable),
		Relationships: make(map[string]*SchemaTable),
	}

	// Pass 1: enumerate tables.
	tables, err := p.pool.ExecuteWithRetry(ctx, showTablesQuery)
	if err != nil {
		return nil, err
	}

	var nodeTables, relTables []string
	for _, record := range tables.Records {
		name := asString(record["name"])
		if name == "" {
			continue
		}
		entry := &SchemaTable{
			Name:       name,
			Props:      []string{},
			Keys:       []string{},
			PropsTypes: make(map[string]string),
			KeysTypes:  make(map[string]string),
		}
		switch strings.ToUpper(asString(record["type"])) {
		case "NODE":
			schema.Categories[name] = entry
			nodeTables = append(nodeTables, name)
		case "REL":
			schema.Relationships[name] = entry
			relTables = append(relTables, name)
		}
	}

	// Pass 2: relationship endpoints, one UNION query for all rel tables.
	if len(relTables) > 0 {
		parts := make([]string, len(relTables))
		for i, name := range relTables {
			parts[i] = fmt.Sprintf(
				"CALL SHOW_CONNECTION(%q) RETURN `source table name` as source, `destination table name` as target, %q as type",
				name, name)
		}
		connections, err := p.pool.ExecuteWithRetry(ctx, strings.Join(parts, " UNION "))
		if err != nil {
			return nil, err
		}
		for _, record := range connections.Records {
			entry, ok := schema.Relationships[asString(record["type"])]
			if !ok {
				continue
			}
			entry.StartCategory = asString(record["source"])
			entry.EndCategory = asString(record["target"])
		}
	}

	// Pass 3: column info for every table, again one UNION query.
	allTables := make([]string, 0, len(nodeTables)+len(relTables))
	allTables = append(allTables, nodeTables...)
	allTables = append(allTables, relTables...)
	if len(allTables) == 0 {
		return schema, nil
	}

	parts := make([]string, 0, len(allTables))
	for _, name := range nodeTables {
		parts = append(parts, fmt.Sprintf(
			"CALL TABLE_INFO(%q) RETURN name, type, `primary key` as isKey, %q as tableName LIMIT 2000",
			name, name))
	}
	for _, name := range relTables {
		// Rel tables have no primary key column in the catalog.
		parts = append(parts, fmt.Sprintf(
			"CALL TABLE_INFO(%q) RETURN name, type, false as isKey, %q as tableName LIMIT 2000",
			name, name))
	}
	info, err := p.pool.ExecuteWithRetry(ctx, strings.Join(parts, "\nUNION\n"))
	if err != nil {
		return nil, err
	}

	// Pass 4: flatten column rows into per-table props/keys.
	for _, record := range info.Records {
		tableName := asString(record["tableName"])
		entry, ok := schema.Categories[tableName]
		if !ok {
			entry, ok = schema.Relationships[tableName]
		}
		if !ok {
			continue
		}

		prop := asString(record["name"])
		propType := asString(record["type"])
		if prop == "" {
			continue
		}

		entry.Props = append(entry.Props, prop)
		entry.PropsTypes[prop] = propType
		if asBool(record["isKey"]) {
			entry.Keys = append(entry.Keys, prop)
			entry.KeysTypes[prop] = propType
		}
	}

	return schema, nil
}

// SchemaEnvelope wraps a schema in the response envelope, keyed under the
// database name the client addressed.
func (p *Processor) SchemaEnvelope(ctx context.Context, dbName string) (*Envelope, error) {
	schema, err := p.Schema(ctx)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Data:    map[string]*Schema{dbName: schema},
		Type:    TypeSchema,
		Summary: p.summary(),
	}, nil
}

func asString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// asBool coerces the catalog's primary-key flag, which some engine versions
// report as a bool and others as a string.
func asBool(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return strings.EqualFold(b, "true")
	default:
		return false
	}
}
