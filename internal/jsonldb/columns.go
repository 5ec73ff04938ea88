// Handles the schema header and reflection-based column generation.

package jsonldb

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/invopop/jsonschema"
)

var errFormatVersionRequired = errors.New("format version is required")

// formatVersion is the current version of the JSONL log format.
const formatVersion = "1.0"

type columnType string

const (
	columnTypeText   columnType = "text"
	columnTypeNumber columnType = "number"
	columnTypeBool   columnType = "bool"
	columnTypeDate   columnType = "date"
	columnTypeBlob   columnType = "blob"
	columnTypeJSONB  columnType = "jsonb"
)

// Column describes one serialized field of a row type.
type Column struct {
	Name        string     `json:"name"`
	Type        columnType `json:"type"`
	Required    bool       `json:"required,omitempty"`
	Description string     `json:"description,omitempty"`
}

// Header is the first line of a table file.
type Header struct {
	Version string   `json:"version"`
	Schema  int      `json:"schema"`
	Columns []Column `json:"columns"`
}

// Validate checks that the schema header is well-formed.
func (h *Header) Validate() error {
	if h.Version == "" {
		return errFormatVersionRequired
	}
	if h.Schema < 1 {
		return fmt.Errorf("invalid schema version %d", h.Schema)
	}
	for i, col := range h.Columns {
		if col.Name == "" {
			return fmt.Errorf("column %d: name is required", i)
		}
		if col.Type == "" {
			return fmt.Errorf("column %d: type is required", i)
		}
	}
	return nil
}

// Columns returns the column definitions of T using JSON Schema reflection.
//
// Field descriptions come from `jsonschema:"description=..."` tags.
func Columns[T any]() ([]Column, error) {
	t := reflect.TypeFor[T]()
	structType := t
	if t.Kind() == reflect.Pointer {
		structType = t.Elem()
	}
	if structType.Kind() != reflect.Struct {
		return nil, fmt.Errorf("type must be a struct or pointer to struct, got %s", t.Kind())
	}

	r := jsonschema.Reflector{Anonymous: true, DoNotReference: true}
	schema := r.ReflectFromType(structType)
	required := make(map[string]bool, len(schema.Required))
	for _, name := range schema.Required {
		required[name] = true
	}

	var columns []Column
	for pair := schema.Properties.Oldest(); pair != nil; pair = pair.Next() {
		colType := columnTypeText
		for i := range structType.NumField() {
			field := structType.Field(i)
			if jsonFieldName(&field) == pair.Key {
				colType = goTypeToColumnType(field.Type)
				break
			}
		}
		columns = append(columns, Column{
			Name:        pair.Key,
			Type:        colType,
			Required:    required[pair.Key],
			Description: pair.Value.Description,
		})
	}
	return columns, nil
}

// jsonFieldName returns the key encoding/json uses for field.
func jsonFieldName(field *reflect.StructField) string {
	name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
	if name == "" || name == "-" {
		return field.Name
	}
	return name
}

var marshalerType = reflect.TypeFor[json.Marshaler]()

// goTypeToColumnType maps a field type to its column type. Types with their
// own JSON encoding, like tagged variants, are stored as jsonb whatever
// their Go kind.
func goTypeToColumnType(t reflect.Type) columnType {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch {
	case t == reflect.TypeFor[time.Time]():
		return columnTypeDate
	case t.Implements(marshalerType) || reflect.PointerTo(t).Implements(marshalerType):
		return columnTypeJSONB
	case t.Kind() == reflect.Slice && t.Elem().Kind() == reflect.Uint8:
		return columnTypeBlob
	}
	switch t.Kind() {
	case reflect.String:
		return columnTypeText
	case reflect.Bool:
		return columnTypeBool
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return columnTypeNumber
	case reflect.Struct, reflect.Slice, reflect.Array, reflect.Map:
		return columnTypeJSONB
	}
	return columnTypeText
}
