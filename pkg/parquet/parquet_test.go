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

package parquet

import (
	"context"
	"testing"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRecord(mem memory.Allocator, ids []int64, names []string) arrow.Record {
	s := arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
		{Name: "name", Type: arrow.BinaryTypes.String, Nullable: true},
	}, nil)
	b := array.NewRecordBuilder(mem, s)
	defer b.Release()
	b.Field(0).(*array.Int64Builder).AppendValues(ids, nil)
	b.Field(1).(*array.StringBuilder).AppendValues(names, nil)
	return b.NewRecord()
}

func TestEncodeDecode(t *testing.T) {
	mem := memory.NewGoAllocator()
	rec := testRecord(mem, []int64{1, 2, 3}, []string{"a", "b", "c"})
	defer rec.Release()

	data, err := Encode(mem, rec)
	require.NoError(t, err)

	n, err := RowCount(data)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	got, err := Decode(context.Background(), mem, data)
	require.NoError(t, err)
	defer got.Release()
	assert.True(t, array.RecordEqual(rec, got))
}

func TestConcat(t *testing.T) {
	mem := memory.NewGoAllocator()
	a := testRecord(mem, []int64{1}, []string{"a"})
	defer a.Release()
	b := testRecord(mem, []int64{2, 3}, []string{"b", "c"})
	defer b.Release()

	got, err := Concat(mem, a.Schema(), []arrow.Record{a, b})
	require.NoError(t, err)
	defer got.Release()
	assert.Equal(t, int64(3), got.NumRows())
	assert.Equal(t, []int64{1, 2, 3}, got.Column(0).(*array.Int64).Int64Values())

	empty, err := Concat(mem, a.Schema(), nil)
	require.NoError(t, err)
	defer empty.Release()
	assert.Zero(t, empty.NumRows())
	assert.Equal(t, 2, int(empty.NumCols()))
}
