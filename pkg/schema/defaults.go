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

package schema

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/huandu/xstrings"

	"github.com/arrowarc/lakesync/pkg/value"
)

// ErrNoDefault is returned for types without a default fill value.
var ErrNoDefault = errors.New("schema: no default value for type")

// DefaultValue returns the value used to fill non-nullable columns.
func DefaultValue(dt arrow.DataType) (value.Value, error) {
	switch dt.ID() {
	case arrow.INT8, arrow.INT16, arrow.INT32, arrow.INT64,
		arrow.UINT8, arrow.UINT16, arrow.UINT32, arrow.UINT64:
		return value.Int(0), nil
	case arrow.FLOAT16, arrow.FLOAT32, arrow.FLOAT64:
		return value.Float(0), nil
	case arrow.BOOL:
		return value.Bool(false), nil
	case arrow.STRING, arrow.LARGE_STRING, arrow.STRING_VIEW:
		return value.String(""), nil
	case arrow.BINARY, arrow.LARGE_BINARY, arrow.BINARY_VIEW:
		return value.Bytes([]byte{}), nil
	case arrow.TIMESTAMP, arrow.TIME32, arrow.TIME64:
		return value.Timestamp(time.Unix(0, 0).UTC()), nil
	case arrow.DATE32, arrow.DATE64:
		return value.Date(time.Unix(0, 0).UTC()), nil
	case arrow.LIST, arrow.LARGE_LIST:
		return value.List([]value.Value{}), nil
	case arrow.STRUCT:
		return value.Struct(value.Row{}), nil
	case arrow.DECIMAL128, arrow.DECIMAL256:
		return value.Dec(value.DecimalFromInt(0)), nil
	case arrow.DURATION:
		return value.Duration(0), nil
	case arrow.NULL:
		return value.Null(), nil
	}
	return value.Null(), fmt.Errorf("%w: %s", ErrNoDefault, dt)
}

var invalidName = regexp.MustCompile(`[^a-z0-9_]+`)

// NormalizeName lower snake-cases a column or resource name and replaces
// characters the table format rejects.
func NormalizeName(name string) string {
	n := xstrings.ToSnakeCase(strings.TrimSpace(name))
	n = invalidName.ReplaceAllString(n, "_")
	if n == "" {
		return "_"
	}
	if n[0] >= '0' && n[0] <= '9' {
		n = "_" + n
	}
	return n
}

// NormalizeNames applies NormalizeName to every name, dropping empties.
func NormalizeNames(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if strings.TrimSpace(n) == "" {
			continue
		}
		out = append(out, NormalizeName(n))
	}
	return out
}

// NormalizeRow renames every field of r. Later fields win when two names
// normalize to the same column.
func NormalizeRow(r value.Row) value.Row {
	out := make(value.Row, 0, len(r))
	index := make(map[string]int, len(r))
	for _, f := range r {
		name := NormalizeName(f.Name)
		if i, ok := index[name]; ok {
			out[i].Value = f.Value
			continue
		}
		index[name] = len(out)
		out = append(out, value.Field{Name: name, Value: f.Value})
	}
	return out
}
