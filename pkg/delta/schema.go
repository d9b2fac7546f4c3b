// --------------------------------------------------------------------------------
// Author: Thomas F McGeehan V
//
// This file is part of a software project developed by Thomas F McGeehan V.
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.
//
// For more information about the MIT License, please visit:
// https://opensource.org/licenses/MIT
//
// Acknowledgment appreciated but not required.
// --------------------------------------------------------------------------------

package delta

import (
	"fmt"
	"strings"

	"github.com/apache/arrow/go/v17/arrow"

	"github.com/arrowarc/lakesync/internal/json"
)

type structType struct {
	Type   string        `json:"type"`
	Fields []structField `json:"fields"`
}

type structField struct {
	Name     string                 `json:"name"`
	Type     string                 `json:"type"`
	Nullable bool                   `json:"nullable"`
	Metadata map[string]interface{} `json:"metadata"`
}

func deltaType(dt arrow.DataType) (string, error) {
	switch t := dt.(type) {
	case *arrow.Int8Type:
		return "byte", nil
	case *arrow.Int16Type:
		return "short", nil
	case *arrow.Int32Type:
		return "integer", nil
	case *arrow.Int64Type:
		return "long", nil
	case *arrow.Float32Type:
		return "float", nil
	case *arrow.Float64Type:
		return "double", nil
	case *arrow.BooleanType:
		return "boolean", nil
	case *arrow.StringType:
		return "string", nil
	case *arrow.BinaryType:
		return "binary", nil
	case *arrow.Date32Type:
		return "date", nil
	case *arrow.TimestampType:
		if t.TimeZone == "" {
			return "timestamp_ntz", nil
		}
		return "timestamp", nil
	case *arrow.Decimal128Type:
		return fmt.Sprintf("decimal(%d,%d)", t.Precision, t.Scale), nil
	case *arrow.Decimal256Type:
		return fmt.Sprintf("decimal(%d,%d)", t.Precision, t.Scale), nil
	}
	return "", fmt.Errorf("%w: unsupported column type %s", ErrSchemaMismatch, dt)
}

func arrowType(s string) (arrow.DataType, error) {
	switch s {
	case "byte":
		return arrow.PrimitiveTypes.Int8, nil
	case "short":
		return arrow.PrimitiveTypes.Int16, nil
	case "integer":
		return arrow.PrimitiveTypes.Int32, nil
	case "long":
		return arrow.PrimitiveTypes.Int64, nil
	case "float":
		return arrow.PrimitiveTypes.Float32, nil
	case "double":
		return arrow.PrimitiveTypes.Float64, nil
	case "boolean":
		return arrow.FixedWidthTypes.Boolean, nil
	case "string":
		return arrow.BinaryTypes.String, nil
	case "binary":
		return arrow.BinaryTypes.Binary, nil
	case "date":
		return arrow.FixedWidthTypes.Date32, nil
	case "timestamp_ntz":
		return &arrow.TimestampType{Unit: arrow.Microsecond}, nil
	case "timestamp":
		return &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"}, nil
	}
	if strings.HasPrefix(s, "decimal(") {
		var p, sc int32
		if _, err := fmt.Sscanf(s, "decimal(%d,%d)", &p, &sc); err != nil {
			return nil, fmt.Errorf("%w: bad decimal type %q", ErrCorruptTable, s)
		}
		if p > 38 {
			return &arrow.Decimal256Type{Precision: p, Scale: sc}, nil
		}
		return &arrow.Decimal128Type{Precision: p, Scale: sc}, nil
	}
	return nil, fmt.Errorf("%w: unknown column type %q", ErrCorruptTable, s)
}

// encodeSchema renders s as a Delta schema string.
func encodeSchema(s *arrow.Schema) (string, error) {
	st := structType{Type: "struct", Fields: make([]structField, 0, s.NumFields())}
	for _, f := range s.Fields() {
		t, err := deltaType(f.Type)
		if err != nil {
			return "", fmt.Errorf("column %q: %w", f.Name, err)
		}
		st.Fields = append(st.Fields, structField{Name: f.Name, Type: t, Nullable: f.Nullable, Metadata: map[string]interface{}{}})
	}
	b, err := json.Marshal(st)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeSchema(s string) (*arrow.Schema, error) {
	var st structType
	if err := json.Unmarshal([]byte(s), &st); err != nil {
		return nil, fmt.Errorf("%w: schema string: %v", ErrCorruptTable, err)
	}
	fields := make([]arrow.Field, len(st.Fields))
	for i, f := range st.Fields {
		dt, err := arrowType(f.Type)
		if err != nil {
			return nil, err
		}
		fields[i] = arrow.Field{Name: f.Name, Type: dt, Nullable: f.Nullable}
	}
	return arrow.NewSchema(fields, nil), nil
}

// mergeSchemas adds the fields of incoming that current lacks. Existing
// fields are never altered.
func mergeSchemas(current, incoming *arrow.Schema) (*arrow.Schema, bool) {
	fields := append([]arrow.Field(nil), current.Fields()...)
	changed := false
	for _, f := range incoming.Fields() {
		if len(current.FieldIndices(f.Name)) > 0 {
			continue
		}
		f.Nullable = true
		fields = append(fields, f)
		changed = true
	}
	if !changed {
		return current, false
	}
	return arrow.NewSchema(fields, nil), true
}

// compatible reports whether rec's columns can be written into a table with
// schema s after null-filling missing columns.
func compatible(s, incoming *arrow.Schema) error {
	for _, f := range incoming.Fields() {
		idx := s.FieldIndices(f.Name)
		if len(idx) == 0 {
			continue
		}
		if tf := s.Field(idx[0]); !arrow.TypeEqual(tf.Type, f.Type) {
			return fmt.Errorf("%w: column %q is %s in the table and %s in the chunk", ErrSchemaMismatch, f.Name, tf.Type, f.Type)
		}
	}
	return nil
}
