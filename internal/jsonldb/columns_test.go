package jsonldb

import (
	"encoding/json"
	"testing"
	"time"
)

// variant encodes itself as a JSON object.
type variant struct{ kind int }

func (v variant) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]int{"kind": v.kind})
}

type columnsRow struct {
	ID      string            `json:"id" jsonschema:"description=Row id"`
	Size    int64             `json:"size"`
	Ok      bool              `json:"ok,omitempty"`
	At      time.Time         `json:"at"`
	Raw     []byte            `json:"raw,omitempty"`
	Content variant           `json:"content"`
	Vector  []float32         `json:"vector,omitempty"`
	Meta    map[string]string `json:"meta,omitempty"`
	Renamed string            `json:",omitempty"`
	Skipped string            `json:"-"`
}

func TestColumns(t *testing.T) {
	cols, err := Columns[*columnsRow]()
	if err != nil {
		t.Fatalf("Columns failed: %v", err)
	}
	want := map[string]columnType{
		"id":      columnTypeText,
		"size":    columnTypeNumber,
		"ok":      columnTypeBool,
		"at":      columnTypeDate,
		"raw":     columnTypeBlob,
		"content": columnTypeJSONB,
		"vector":  columnTypeJSONB,
		"meta":    columnTypeJSONB,
		"Renamed": columnTypeText,
	}
	got := map[string]Column{}
	for _, c := range cols {
		got[c.Name] = c
	}
	for name, typ := range want {
		c, ok := got[name]
		if !ok {
			t.Errorf("missing column %q in %v", name, cols)
			continue
		}
		if c.Type != typ {
			t.Errorf("column %q type = %q, want %q", name, c.Type, typ)
		}
	}
	if _, ok := got["Skipped"]; ok {
		t.Error("json:\"-\" field must not be a column")
	}
	if got["id"].Description != "Row id" {
		t.Errorf("id description = %q", got["id"].Description)
	}
	if _, err := Columns[string](); err == nil {
		t.Error("Columns[string] must fail")
	}
}
