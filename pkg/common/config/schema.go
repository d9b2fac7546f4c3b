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

package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/apache/arrow/go/v17/arrow"
)

var namedTypes = map[string]arrow.DataType{
	"string":    arrow.BinaryTypes.String,
	"bool":      arrow.FixedWidthTypes.Boolean,
	"int32":     arrow.PrimitiveTypes.Int32,
	"int64":     arrow.PrimitiveTypes.Int64,
	"float32":   arrow.PrimitiveTypes.Float32,
	"float64":   arrow.PrimitiveTypes.Float64,
	"date":      arrow.FixedWidthTypes.Date32,
	"timestamp": arrow.FixedWidthTypes.Timestamp_us,
}

// ColumnTypes parses the declared column types: the names in namedTypes and
// decimal(precision, scale).
func (s SchemaConfig) ColumnTypes() (map[string]arrow.DataType, error) {
	if len(s.Columns) == 0 {
		return nil, nil
	}
	out := make(map[string]arrow.DataType, len(s.Columns))
	for name, typ := range s.Columns {
		dt, err := parseType(typ)
		if err != nil {
			return nil, fmt.Errorf("column '%s': %w", name, err)
		}
		out[name] = dt
	}
	return out, nil
}

func parseType(typ string) (arrow.DataType, error) {
	typ = strings.ToLower(strings.ReplaceAll(typ, " ", ""))
	if dt, ok := namedTypes[typ]; ok {
		return dt, nil
	}
	if !strings.HasPrefix(typ, "decimal(") || !strings.HasSuffix(typ, ")") {
		return nil, fmt.Errorf("unknown type '%s'", typ)
	}
	parts := strings.Split(strings.TrimSuffix(strings.TrimPrefix(typ, "decimal("), ")"), ",")
	if len(parts) != 2 {
		return nil, fmt.Errorf("decimal needs a precision and a scale: '%s'", typ)
	}
	precision, err := strconv.Atoi(parts[0])
	if err != nil {
		return nil, fmt.Errorf("decimal precision: %w", err)
	}
	scale, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, fmt.Errorf("decimal scale: %w", err)
	}
	if scale < 0 || scale > precision {
		return nil, fmt.Errorf("decimal scale %d out of range for precision %d", scale, precision)
	}
	switch {
	case precision >= 1 && precision <= 38:
		return &arrow.Decimal128Type{Precision: int32(precision), Scale: int32(scale)}, nil
	case precision > 38 && precision <= 76:
		return &arrow.Decimal256Type{Precision: int32(precision), Scale: int32(scale)}, nil
	}
	return nil, fmt.Errorf("decimal precision %d out of range", precision)
}
