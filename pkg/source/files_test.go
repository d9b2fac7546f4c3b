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

package source

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/ipc"
	"github.com/apache/arrow/go/v17/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arrowarc/lakesync/internal/testutil"
	"github.com/arrowarc/lakesync/pkg/csv"
	"github.com/arrowarc/lakesync/pkg/parquet"
)

func TestParquetFile(t *testing.T) {
	mem := memory.NewGoAllocator()
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
	}, nil)
	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()
	b.Field(0).(*array.Int64Builder).AppendValues([]int64{1, 2, 3, 4, 5}, nil)
	rec := b.NewRecord()
	defer rec.Release()

	data, err := parquet.Encode(mem, rec)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "orders.parquet")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	src := &ParquetFile{Info: Info{Resource: "orders"}, Path: path, BatchSize: 2}
	n, ok := src.RowsToSync()
	assert.True(t, ok)
	assert.Equal(t, int64(5), n)

	var ids []interface{}
	for _, item := range drain(t, src) {
		r := item.(arrow.Record)
		assert.LessOrEqual(t, r.NumRows(), int64(2))
		ids = append(ids, testutil.Column(r, "id")...)
		r.Release()
	}
	assert.True(t, testutil.Equal([]interface{}{"1", "2", "3", "4", "5"}, ids), testutil.Diff([]interface{}{"1", "2", "3", "4", "5"}, ids))
}

func TestParquetFileMissing(t *testing.T) {
	src := &ParquetFile{Info: Info{Resource: "orders"}, Path: filepath.Join(t.TempDir(), "nope.parquet")}
	_, ok := src.RowsToSync()
	assert.False(t, ok)
	_, err := src.Items(context.Background())
	assert.Error(t, err)
}

func TestCSVAppliesColumnHints(t *testing.T) {
	opened := 0
	src := &CSV{
		Info: Info{
			Resource: "scores",
			Columns:  map[string]arrow.DataType{"score": arrow.PrimitiveTypes.Float64},
		},
		Open: func() (io.ReadCloser, error) {
			opened++
			return io.NopCloser(strings.NewReader("id,score,name\n1,10,a\n2,20,b\n3,,c\n")), nil
		},
		Options: csv.ReadOptions{HasHeader: true, ChunkSize: 2},
	}

	schema, err := src.Schema()
	require.NoError(t, err)
	assert.Equal(t, arrow.INT64, schema.Field(0).Type.ID())
	assert.Equal(t, arrow.FLOAT64, schema.Field(1).Type.ID())
	assert.Equal(t, arrow.STRING, schema.Field(2).Type.ID())

	var names []interface{}
	for _, item := range drain(t, src) {
		r := item.(arrow.Record)
		assert.Equal(t, arrow.FLOAT64, r.Schema().Field(1).Type.ID())
		names = append(names, testutil.Strings(r, "name")...)
		r.Release()
	}
	assert.Equal(t, []interface{}{"a", "b", "c"}, names)
	assert.Equal(t, 3, opened)
}

func TestIPCStream(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	schema := arrow.NewSchema([]arrow.Field{
		{Name: "name", Type: arrow.BinaryTypes.String, Nullable: true},
	}, nil)
	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(schema), ipc.WithAllocator(mem))
	b := array.NewRecordBuilder(mem, schema)
	for _, batch := range [][]string{{"a", "b"}, {}, {"c"}} {
		b.Field(0).(*array.StringBuilder).AppendValues(batch, nil)
		rec := b.NewRecord()
		require.NoError(t, w.Write(rec))
		rec.Release()
	}
	b.Release()
	require.NoError(t, w.Close())

	src := &IPCStream{
		Info: Info{Resource: "names"},
		Open: func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(buf.Bytes())), nil },
		Mem:  mem,
	}
	var names []interface{}
	for _, item := range drain(t, src) {
		r := item.(arrow.Record)
		names = append(names, testutil.Strings(r, "name")...)
		r.Release()
	}
	assert.Equal(t, []interface{}{"a", "b", "c"}, names)
}
