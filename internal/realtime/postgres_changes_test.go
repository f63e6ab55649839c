package realtime

import (
	"encoding/json"
	"testing"
)

func TestConvertPostgresChangeTypedColumns(t *testing.T) {
	raw := json.RawMessage(`{
		"schema": "public",
		"table": "todos",
		"commit_timestamp": "2026-07-31 12:00:00",
		"type": "UPDATE",
		"columns": [
			{"name":"done","type":"bool"},
			{"name":"priority","type":"int4"},
			{"name":"meta","type":"jsonb"},
			{"name":"tags","type":"_text"},
			{"name":"title","type":"text"}
		],
		"record": {
			"done": "t",
			"priority": "3",
			"meta": "{\"urgent\":true}",
			"tags": "{a,b,c}",
			"title": "buy milk"
		},
		"old_record": {
			"done": "f",
			"priority": "1",
			"meta": "{}",
			"tags": "{}",
			"title": "buy milk"
		}
	}`)

	change, eventType, err := convertPostgresChange(raw)
	if err != nil {
		t.Fatalf("convertPostgresChange: %v", err)
	}
	if eventType != "UPDATE" {
		t.Fatalf("expected eventType UPDATE, got %q", eventType)
	}
	if change.New["done"] != true {
		t.Fatalf("expected bool t -> true, got %#v", change.New["done"])
	}
	if change.Old["done"] != false {
		t.Fatalf("expected bool f -> false, got %#v", change.Old["done"])
	}
	if change.New["priority"] != float64(3) {
		t.Fatalf("expected int4 '3' -> float64(3), got %#v", change.New["priority"])
	}
	meta, ok := change.New["meta"].(map[string]any)
	if !ok || meta["urgent"] != true {
		t.Fatalf("expected jsonb parsed to map, got %#v", change.New["meta"])
	}
	tags, ok := change.New["tags"].([]any)
	if !ok || len(tags) != 3 || tags[0] != "a" {
		t.Fatalf("expected array literal parsed, got %#v", change.New["tags"])
	}
	if change.New["title"] != "buy milk" {
		t.Fatalf("expected passthrough for untyped column, got %#v", change.New["title"])
	}
}

func TestConvertPostgresChangeTimestampReplacesFirstSpace(t *testing.T) {
	raw := json.RawMessage(`{
		"type": "INSERT",
		"columns": [{"name":"created_at","type":"timestamp"}],
		"record": {"created_at": "2026-07-31 12:00:00.123"}
	}`)
	change, _, err := convertPostgresChange(raw)
	if err != nil {
		t.Fatalf("convertPostgresChange: %v", err)
	}
	if change.New["created_at"] != "2026-07-31T12:00:00.123" {
		t.Fatalf("expected first space replaced with T, got %#v", change.New["created_at"])
	}
}

func TestConvertPostgresChangeNumericNaNPreservesOriginal(t *testing.T) {
	raw := json.RawMessage(`{
		"type": "INSERT",
		"columns": [{"name":"amount","type":"numeric"}],
		"record": {"amount": "NaN"}
	}`)
	change, _, err := convertPostgresChange(raw)
	if err != nil {
		t.Fatalf("convertPostgresChange: %v", err)
	}
	// "NaN" does not parse via strconv.ParseFloat's ordinary path in a way
	// JSON can carry (json.Marshal would choke on math.NaN as a float), so
	// the conversion must keep the original string rather than encode NaN.
	if change.New["amount"] != "NaN" {
		t.Fatalf("expected malformed numeric to pass through unchanged, got %#v", change.New["amount"])
	}
}

func TestConvertPostgresChangeEmptyArrayLiteral(t *testing.T) {
	raw := json.RawMessage(`{
		"type": "INSERT",
		"columns": [{"name":"tags","type":"_text"}],
		"record": {"tags": "{}"}
	}`)
	change, _, err := convertPostgresChange(raw)
	if err != nil {
		t.Fatalf("convertPostgresChange: %v", err)
	}
	tags, ok := change.New["tags"].([]any)
	if !ok || len(tags) != 0 {
		t.Fatalf("expected empty array literal to decode to an empty slice, got %#v", change.New["tags"])
	}
}
