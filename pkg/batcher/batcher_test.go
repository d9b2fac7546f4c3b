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

package batcher

import (
	"testing"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arrowarc/lakesync/pkg/columnar"
	"github.com/arrowarc/lakesync/pkg/value"
)

func newTestBatcher(t *testing.T, chunkSize int, chunkBytes int64) *Batcher {
	t.Helper()
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	t.Cleanup(func() { mem.AssertSize(t, 0) })
	builder := columnar.NewBuilder(columnar.Options{Allocator: mem})
	return New(Options{
		ChunkSize:      chunkSize,
		ChunkSizeBytes: chunkBytes,
		Build: func(rows []value.Row) (arrow.Record, error) {
			return builder.Build(rows, nil, nil)
		},
	})
}

func TestBatchListReachingChunkSize(t *testing.T) {
	b := newTestBatcher(t, 3, 0)

	err := b.Batch([]map[string]interface{}{{"a": 1}, {"a": 2}, {"a": 3}})
	require.NoError(t, err)
	assert.True(t, b.ShouldYield(false))

	rec, err := b.Table()
	require.NoError(t, err)
	defer rec.Release()
	assert.Equal(t, int64(3), rec.NumRows())

	assert.False(t, b.ShouldYield(true))
	_, err = b.Table()
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestBatchSingleRows(t *testing.T) {
	b := newTestBatcher(t, 2, 0)

	require.NoError(t, b.Batch(map[string]interface{}{"a": 1}))
	assert.False(t, b.ShouldYield(false))
	assert.True(t, b.ShouldYield(true))

	require.NoError(t, b.Batch(value.RowOf("a", 2)))
	assert.True(t, b.ShouldYield(false))
	assert.Equal(t, 0, b.Buffered())

	err := b.Batch(value.RowOf("a", 3))
	assert.ErrorIs(t, err, ErrPendingTable)

	rec, err := b.Table()
	require.NoError(t, err)
	rec.Release()
}

func TestBatchListExtendsBuffer(t *testing.T) {
	b := newTestBatcher(t, 4, 0)

	require.NoError(t, b.Batch(value.RowOf("a", 1)))
	require.NoError(t, b.Batch([]value.Row{value.RowOf("a", 2), value.RowOf("a", 3)}))
	assert.False(t, b.ShouldYield(false))
	assert.Equal(t, 3, b.Buffered())

	rec, err := b.Table()
	require.NoError(t, err)
	defer rec.Release()
	assert.Equal(t, int64(3), rec.NumRows())
}

func TestBatchByteThreshold(t *testing.T) {
	row := value.RowOf("payload", "0123456789")
	b := newTestBatcher(t, 1000, EstimateSize(row)*2)

	require.NoError(t, b.Batch(row))
	assert.False(t, b.ShouldYield(false))
	require.NoError(t, b.Batch(row))
	assert.True(t, b.ShouldYield(false))

	rec, err := b.Table()
	require.NoError(t, err)
	rec.Release()
}

func TestBatchRecord(t *testing.T) {
	b := newTestBatcher(t, 10, 0)
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	bldr := array.NewInt64Builder(mem)
	bldr.AppendValues([]int64{1, 2}, nil)
	col := bldr.NewArray()
	bldr.Release()
	schema := arrow.NewSchema([]arrow.Field{{Name: "a", Type: arrow.PrimitiveTypes.Int64}}, nil)
	rec := array.NewRecord(schema, []arrow.Array{col}, 2)
	col.Release()

	require.NoError(t, b.Batch(rec))
	rec.Release()
	assert.True(t, b.ShouldYield(false))
	assert.ErrorIs(t, b.Batch(rec), ErrPendingTable)

	out, err := b.Table()
	require.NoError(t, err)
	assert.Equal(t, int64(2), out.NumRows())
	out.Release()

	require.NoError(t, b.Batch(value.RowOf("a", 1)))
	assert.ErrorIs(t, b.Batch(rec), ErrBufferedRows)
	b.Release()
}

func TestBatchUnsupported(t *testing.T) {
	b := newTestBatcher(t, 10, 0)
	assert.Error(t, b.Batch(42))
}

func TestEstimateSizeNested(t *testing.T) {
	flat := value.RowOf("a", "x")
	nested := value.RowOf("a", []interface{}{"x", map[string]interface{}{"b": "yyyy"}})
	assert.Greater(t, EstimateSize(nested), EstimateSize(flat))
}
