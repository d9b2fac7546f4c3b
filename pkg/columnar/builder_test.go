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

package columnar

import (
	"math"
	"testing"
	"time"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arrowarc/lakesync/internal/testutil"
	"github.com/arrowarc/lakesync/pkg/value"
)

func newTestBuilder(t *testing.T) *Builder {
	t.Helper()
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	t.Cleanup(func() { mem.AssertSize(t, 0) })
	return NewBuilder(Options{Allocator: mem})
}

func rows(col string, vals ...interface{}) []value.Row {
	out := make([]value.Row, len(vals))
	for i, v := range vals {
		out[i] = value.RowOf(col, v)
	}
	return out
}

func TestBuildMixedColumnIsStringified(t *testing.T) {
	b := newTestBuilder(t)
	rec, err := b.Build(rows("column", nil, "hello", 12, nil), nil, nil)
	require.NoError(t, err)
	defer rec.Release()

	require.Equal(t, int64(1), rec.NumCols())
	assert.Equal(t, arrow.STRING, rec.Column(0).DataType().ID())
	assert.Equal(t, []interface{}{nil, `"hello"`, "12", nil}, testutil.Column(rec, "column"))
}

func TestBuildDeterministic(t *testing.T) {
	b := newTestBuilder(t)
	input := []value.Row{
		value.RowOf("a", 1, "b", 1.5, "c", map[string]interface{}{"x": 1}),
		value.RowOf("a", 2, "b", 2, "d", true),
	}
	first, err := b.Build(input, nil, nil)
	require.NoError(t, err)
	defer first.Release()
	second, err := b.Build(input, nil, nil)
	require.NoError(t, err)
	defer second.Release()

	assert.True(t, first.Schema().Equal(second.Schema()))
	assert.True(t, array.RecordEqual(first, second))
	assert.Equal(t, []string{"a", "b", "c", "d"}, fieldNames(first.Schema()))
}

func TestBuildDecimalSizing(t *testing.T) {
	b := newTestBuilder(t)
	inputs := []string{"123.45", "0.001", "-98765", "1e-7"}
	vals := make([]interface{}, len(inputs))
	for i, s := range inputs {
		d, err := value.ParseDecimal(s)
		require.NoError(t, err)
		vals[i] = d
	}

	rec, err := b.Build(rows("amount", vals...), nil, nil)
	require.NoError(t, err)
	defer rec.Release()

	dt, ok := rec.Column(0).DataType().(*arrow.Decimal128Type)
	require.True(t, ok)
	assert.Equal(t, int32(7), dt.Scale)
	assert.Equal(t, int32(12), dt.Precision)

	for i, s := range inputs {
		want, _ := value.ParseDecimal(s)
		got := value.FromArrow(rec.Column(0), i).Decimal()
		assert.Equal(t, 0, want.Cmp(got), "row %d: %s != %s", i, want, got)
	}
}

func TestDecimalTypeScaleNeverZero(t *testing.T) {
	dt := DecimalType([]value.Decimal{value.DecimalFromInt(12), value.DecimalFromInt(-7)})
	p, s, ok := DecimalParams(dt)
	require.True(t, ok)
	assert.Equal(t, int32(1), s)
	assert.Equal(t, int32(3), p)
}

func TestBuildIntFloatMixBecomesDecimal(t *testing.T) {
	b := newTestBuilder(t)
	rec, err := b.Build(rows("n", 1, 2.5, nil), nil, nil)
	require.NoError(t, err)
	defer rec.Release()

	assert.Equal(t, arrow.DECIMAL128, rec.Column(0).DataType().ID())
	assert.Equal(t, []interface{}{"1.0", "2.5", nil}, testutil.Column(rec, "n"))
}

func TestBuildFloatSanitized(t *testing.T) {
	b := newTestBuilder(t)
	rec, err := b.Build(rows("f", 1.5, math.NaN()), nil, nil)
	require.NoError(t, err)
	defer rec.Release()

	assert.Equal(t, arrow.FLOAT64, rec.Column(0).DataType().ID())
	assert.Equal(t, 1, rec.Column(0).NullN())
}

func TestBuildTargetDecimalOverflowFallsBack(t *testing.T) {
	b := newTestBuilder(t)
	target := arrow.NewSchema([]arrow.Field{
		{Name: "price", Type: &arrow.Decimal128Type{Precision: 5, Scale: 2}, Nullable: true},
	}, nil)
	rec, err := b.Build(rows("price", "1.25", 123456.789), target, nil)
	require.NoError(t, err)
	defer rec.Release()

	dt, ok := rec.Column(0).DataType().(*arrow.Decimal128Type)
	require.True(t, ok)
	assert.Equal(t, int32(38), dt.Precision)
	assert.Equal(t, int32(3), dt.Scale)
	assert.Equal(t, []interface{}{"1.250", "123456.789"}, testutil.Column(rec, "price"))
}

func TestBuildTargetDecimalFits(t *testing.T) {
	b := newTestBuilder(t)
	target := arrow.NewSchema([]arrow.Field{
		{Name: "price", Type: &arrow.Decimal128Type{Precision: 10, Scale: 2}, Nullable: true},
	}, nil)
	rec, err := b.Build(rows("price", "1.25", 3, 4.5), target, nil)
	require.NoError(t, err)
	defer rec.Release()

	assert.True(t, arrow.TypeEqual(target.Field(0).Type, rec.Column(0).DataType()))
}

func TestBuildTargetTimestamp(t *testing.T) {
	b := newTestBuilder(t)
	target := arrow.NewSchema([]arrow.Field{
		{Name: "created_at", Type: &arrow.TimestampType{Unit: arrow.Microsecond}, Nullable: true},
	}, nil)
	rec, err := b.Build(rows("created_at", "2024-01-02T03:04:05Z", int64(1704164645), int64(1704164645000)), target, nil)
	require.NoError(t, err)
	defer rec.Release()

	col := rec.Column(0).(*array.Timestamp)
	want := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	for i := 0; i < col.Len(); i++ {
		assert.True(t, want.Equal(col.Value(i).ToTime(arrow.Microsecond)), "row %d", i)
	}
}

func TestBuildListsAndStructsAreJSON(t *testing.T) {
	b := newTestBuilder(t)
	rec, err := b.Build([]value.Row{
		value.RowOf("tags", []interface{}{"a", "b"}, "meta", map[string]interface{}{"k": "v"}),
		value.RowOf("tags", "c", "meta", nil),
	}, nil, nil)
	require.NoError(t, err)
	defer rec.Release()

	assert.Equal(t, []interface{}{`["a","b"]`, `["c"]`}, testutil.Column(rec, "tags"))
	assert.Equal(t, []interface{}{`{"k":"v"}`, nil}, testutil.Column(rec, "meta"))
}

func TestBuildDropsBinaryColumns(t *testing.T) {
	b := newTestBuilder(t)
	rec, err := b.Build([]value.Row{
		value.RowOf("id", 1, "blob", []byte{1, 2}),
		value.RowOf("id", 2, "blob", nil),
	}, nil, nil)
	require.NoError(t, err)
	defer rec.Release()

	assert.Equal(t, []string{"id"}, fieldNames(rec.Schema()))
	assert.Equal(t, int64(2), rec.NumRows())
}

func TestBuildNullColumnUsesHint(t *testing.T) {
	b := newTestBuilder(t)
	rec, err := b.Build(rows("maybe", nil, nil), nil, map[string]arrow.DataType{"maybe": arrow.PrimitiveTypes.Int64})
	require.NoError(t, err)
	defer rec.Release()

	assert.Equal(t, arrow.INT64, rec.Column(0).DataType().ID())
	assert.Equal(t, 2, rec.Column(0).NullN())
}

func TestBuildNoRows(t *testing.T) {
	b := newTestBuilder(t)
	_, err := b.Build(nil, nil, nil)
	assert.ErrorIs(t, err, ErrNoRows)

	target := arrow.NewSchema([]arrow.Field{{Name: "a", Type: arrow.PrimitiveTypes.Int64, Nullable: true}}, nil)
	rec, err := b.Build(nil, target, nil)
	require.NoError(t, err)
	defer rec.Release()
	assert.Equal(t, int64(0), rec.NumRows())
	assert.Equal(t, []string{"a"}, fieldNames(rec.Schema()))
}

func TestBuildUUIDAndIPAreStrings(t *testing.T) {
	b := newTestBuilder(t)
	rec, err := b.Build([]value.Row{
		value.RowOf("id", value.UUID([16]byte{1}), "addr", value.IP("10.0.0.1")),
	}, nil, nil)
	require.NoError(t, err)
	defer rec.Release()

	assert.Equal(t, arrow.STRING, rec.Column(0).DataType().ID())
	assert.Equal(t, []interface{}{"10.0.0.1"}, testutil.Column(rec, "addr"))
}

func fieldNames(s *arrow.Schema) []string {
	out := make([]string, s.NumFields())
	for i, f := range s.Fields() {
		out[i] = f.Name
	}
	return out
}

func TestNewArrayRejectsIntegerOverflow(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	cases := []struct {
		dt   arrow.DataType
		v    interface{}
		want string
	}{
		{arrow.PrimitiveTypes.Int32, int64(5000000000), ""},
		{arrow.PrimitiveTypes.Int32, int64(math.MinInt32), "-2147483648"},
		{arrow.PrimitiveTypes.Int8, int64(200), ""},
		{arrow.PrimitiveTypes.Int16, int64(300), "300"},
		{arrow.PrimitiveTypes.Uint8, int64(256), ""},
		{arrow.PrimitiveTypes.Uint64, int64(-1), ""},
		{arrow.PrimitiveTypes.Int64, 1e19, ""},
		{arrow.PrimitiveTypes.Int32, 7.0, "7"},
	}
	for _, c := range cases {
		arr, err := NewArray(mem, c.dt, []value.Value{value.Of(c.v)})
		if c.want == "" {
			assert.ErrorIs(t, err, ErrConversion, "%v to %s", c.v, c.dt)
			continue
		}
		require.NoError(t, err, "%v to %s", c.v, c.dt)
		assert.Equal(t, c.want, value.FromArrow(arr, 0).String())
		arr.Release()
	}
}
