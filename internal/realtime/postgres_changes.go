package realtime

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// columnMeta describes one column's name and PostgreSQL type, as the
// change-data-capture payload reports it alongside the raw record.
type columnMeta struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type rawPostgresChange struct {
	Schema          string            `json:"schema"`
	Table           string            `json:"table"`
	CommitTimestamp string            `json:"commit_timestamp"`
	Errors          []string          `json:"errors"`
	Type            string            `json:"type"` // INSERT | UPDATE | DELETE
	Columns         []columnMeta      `json:"columns"`
	Record          map[string]any    `json:"record"`
	OldRecord       map[string]any    `json:"old_record"`
}

// convertPostgresChange decodes a raw change-data-capture frame and applies
// the column-typed conversion to record/old_record, producing the
// {schema,table,commit_timestamp,errors,eventType,new,old} shape delivered
// to callbacks.
func convertPostgresChange(data json.RawMessage) (PostgresChange, string, error) {
	var raw rawPostgresChange
	if err := json.Unmarshal(data, &raw); err != nil {
		return PostgresChange{}, "", err
	}

	types := make(map[string]string, len(raw.Columns))
	for _, c := range raw.Columns {
		types[c.Name] = c.Type
	}

	change := PostgresChange{
		Schema:          raw.Schema,
		Table:           raw.Table,
		CommitTimestamp: raw.CommitTimestamp,
		Errors:          raw.Errors,
		EventType:       raw.Type,
	}
	if raw.Record != nil {
		change.New = convertColumns(raw.Record, types)
	}
	if raw.OldRecord != nil {
		change.Old = convertColumns(raw.OldRecord, types)
	}
	return change, raw.Type, nil
}

func convertColumns(record map[string]any, types map[string]string) map[string]any {
	out := make(map[string]any, len(record))
	for col, val := range record {
		out[col] = convertValue(val, types[col])
	}
	return out
}

func convertValue(val any, pgType string) any {
	s, isString := val.(string)

	switch pgType {
	case "bool":
		if isString {
			switch s {
			case "t":
				return true
			case "f":
				return false
			}
		}
		return val
	case "int2", "int4", "int8", "float4", "float8", "numeric", "oid":
		if isString {
			if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsNaN(f) {
				return f
			}
		}
		return val
	case "json", "jsonb":
		if isString {
			var decoded any
			if err := json.Unmarshal([]byte(s), &decoded); err == nil {
				return decoded
			}
		}
		return val
	case "timestamp":
		if isString {
			return strings.Replace(s, " ", "T", 1)
		}
		return val
	default:
		if strings.HasPrefix(pgType, "_") && isString {
			return convertArrayLiteral(s, strings.TrimPrefix(pgType, "_"))
		}
		return val
	}
}

// convertArrayLiteral parses a Postgres array literal "{a,b,c}" and
// recursively converts each element per elemType.
func convertArrayLiteral(literal, elemType string) []any {
	trimmed := strings.TrimPrefix(strings.TrimSuffix(literal, "}"), "{")
	if trimmed == "" {
		return []any{}
	}
	parts := strings.Split(trimmed, ",")
	out := make([]any, len(parts))
	for i, p := range parts {
		out[i] = convertValue(strings.Trim(p, `"`), elemType)
	}
	return out
}
