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
	"context"
	"path"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thanos-io/objstore"

	"github.com/arrowarc/lakesync/internal/testutil"
	"github.com/arrowarc/lakesync/pkg/columnar"
	"github.com/arrowarc/lakesync/pkg/partition"
	"github.com/arrowarc/lakesync/pkg/value"
)

const tablePath = "team_1/job_1/orders"

type fixture struct {
	ctx     context.Context
	mem     memory.Allocator
	bkt     *objstore.InMemBucket
	clock   time.Time
	writer  *Writer
	builder *columnar.Builder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		ctx:   context.Background(),
		mem:   memory.NewGoAllocator(),
		bkt:   objstore.NewInMemBucket(),
		clock: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.builder = columnar.NewBuilder(columnar.Options{Allocator: f.mem})
	f.writer = NewWriter(Options{
		Bucket:    f.bkt,
		Path:      tablePath,
		Allocator: f.mem,
		Now:       func() time.Time { return f.clock },
	})
	return f
}

func (f *fixture) rows(t *testing.T, rows ...value.Row) arrow.Record {
	t.Helper()
	rec, err := f.builder.Build(rows, nil, nil)
	require.NoError(t, err)
	return rec
}

func (f *fixture) write(t *testing.T, rec arrow.Record, opts WriteOptions) *Table {
	t.Helper()
	defer rec.Release()
	tbl, err := f.writer.Write(f.ctx, rec, opts)
	require.NoError(t, err)
	return tbl
}

// contents renders the table as sorted "id=name" pairs.
func (f *fixture) contents(t *testing.T, cols ...string) []string {
	t.Helper()
	rec, err := f.writer.Read(f.ctx)
	require.NoError(t, err)
	defer rec.Release()
	rendered := make([][]interface{}, len(cols))
	for i, c := range cols {
		rendered[i] = testutil.Column(rec, c)
	}
	out := make([]string, rec.NumRows())
	for r := range out {
		parts := make([]string, len(cols))
		for i, c := range cols {
			v := rendered[i][r]
			if v == nil {
				v = "<nil>"
			}
			parts[i] = c + "=" + v.(string)
		}
		out[r] = strings.Join(parts, ",")
	}
	sort.Strings(out)
	return out
}

func TestMergeUpdatesMatchedAndInsertsNew(t *testing.T) {
	f := newFixture(t)
	f.write(t, f.rows(t,
		value.RowOf("id", 1, "name", "a"),
		value.RowOf("id", 2, "name", "b"),
		value.RowOf("id", 3, "name", "c"),
	), WriteOptions{Type: WriteIncremental, PrimaryKeys: []string{"id"}})

	tbl := f.write(t, f.rows(t,
		value.RowOf("id", 1, "name", "z"),
		value.RowOf("id", 4, "name", "d"),
	), WriteOptions{Type: WriteIncremental, PrimaryKeys: []string{"id"}})

	assert.Equal(t, int64(2), tbl.Version())
	assert.Equal(t, int64(4), tbl.NumRows())
	assert.Equal(t, []string{"id=1,name=z", "id=2,name=b", "id=3,name=c", "id=4,name=d"}, f.contents(t, "id", "name"))

	n, err := f.writer.CountRows(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
}

func TestAppendWithoutKeysKeepsDuplicates(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 2; i++ {
		f.write(t, f.rows(t, value.RowOf("id", 1, "name", "a")), WriteOptions{Type: WriteAppend})
	}
	assert.Equal(t, []string{"id=1,name=a", "id=1,name=a"}, f.contents(t, "id", "name"))
}

func TestAppendWithKeysDeduplicates(t *testing.T) {
	f := newFixture(t)
	opts := WriteOptions{Type: WriteAppend, PrimaryKeys: []string{"id"}}
	f.write(t, f.rows(t, value.RowOf("id", 1, "name", "a"), value.RowOf("id", 1, "name", "b")), opts)
	f.write(t, f.rows(t, value.RowOf("id", 1, "name", "c"), value.RowOf("id", 2, "name", "d")), opts)
	assert.Equal(t, []string{"id=1,name=c", "id=2,name=d"}, f.contents(t, "id", "name"))
}

func TestIncrementalMergeRequiresPrimaryKey(t *testing.T) {
	f := newFixture(t)
	f.write(t, f.rows(t, value.RowOf("id", 1)), WriteOptions{Type: WriteIncremental})

	rec := f.rows(t, value.RowOf("id", 2))
	defer rec.Release()
	_, err := f.writer.Write(f.ctx, rec, WriteOptions{Type: WriteIncremental})
	assert.ErrorIs(t, err, ErrPrimaryKeyRequired)

	_, err = f.writer.Write(f.ctx, rec, WriteOptions{Type: WriteIncremental, FirstSync: true})
	assert.NoError(t, err)
}

func TestFullRefreshOverwriteAndAppend(t *testing.T) {
	f := newFixture(t)
	f.write(t, f.rows(t, value.RowOf("id", 1), value.RowOf("id", 2)), WriteOptions{Type: WriteFullRefresh})

	f.write(t, f.rows(t, value.RowOf("id", 3)), WriteOptions{Type: WriteFullRefresh, ShouldOverwrite: true})
	f.write(t, f.rows(t, value.RowOf("id", 4)), WriteOptions{Type: WriteFullRefresh})

	assert.Equal(t, []string{"id=3", "id=4"}, f.contents(t, "id"))
}

func TestNewColumnsAreAdded(t *testing.T) {
	f := newFixture(t)
	f.write(t, f.rows(t, value.RowOf("id", 1)), WriteOptions{Type: WriteAppend})
	tbl := f.write(t, f.rows(t, value.RowOf("id", 2, "email", "x@y.z")), WriteOptions{Type: WriteAppend})

	assert.Equal(t, []string{"id", "email"}, fieldNames(tbl.Schema()))
	assert.Equal(t, []string{"email=<nil>,id=1", "email=x@y.z,id=2"}, f.contents(t, "email", "id"))
}

func TestSchemaMismatchFallsBackToSchemaOverwrite(t *testing.T) {
	f := newFixture(t)
	rec := f.rows(t, value.RowOf("id", 1, "v", 10))
	p := partition.NewPartitioner(partition.Options{Allocator: f.mem})
	res, err := p.Apply(rec, partition.Settings{Mode: partition.ModeNumerical, Keys: []string{"id"}, Size: 10})
	require.NoError(t, err)
	rec.Release()
	tbl := f.write(t, res.Record, WriteOptions{Type: WriteFullRefresh})
	require.True(t, tbl.Partitioned())

	tbl = f.write(t, f.rows(t, value.RowOf("id", 2, "v", "eleven")), WriteOptions{Type: WriteFullRefresh})
	assert.False(t, tbl.Partitioned())
	idx := tbl.Schema().FieldIndices("v")
	require.Len(t, idx, 1)
	assert.Equal(t, arrow.STRING, tbl.Schema().Field(idx[0]).Type.ID())
	assert.Equal(t, []string{"id=1,v=10", "id=2,v=eleven"}, f.contents(t, "id", "v"))
}

func TestSchemaFallbackKeepsUncastableRows(t *testing.T) {
	f := newFixture(t)
	f.write(t, f.rows(t, value.RowOf("id", 1, "a", true)), WriteOptions{Type: WriteFullRefresh, ShouldOverwrite: true})
	at := time.Date(2024, 2, 1, 8, 30, 0, 0, time.UTC)
	tbl := f.write(t, f.rows(t, value.RowOf("id", 2, "a", at)), WriteOptions{Type: WriteFullRefresh})

	idx := tbl.Schema().FieldIndices("a")
	require.Len(t, idx, 1)
	assert.Equal(t, arrow.STRING, tbl.Schema().Field(idx[0]).Type.ID())
	assert.Equal(t, int64(2), tbl.NumRows())

	require.NoError(t, f.writer.Finalize(f.ctx))
	assert.Equal(t, []string{"id=1", "id=2"}, f.contents(t, "id"))

	rec, err := f.writer.Read(f.ctx)
	require.NoError(t, err)
	ids, vals := testutil.Column(rec, "id"), testutil.Column(rec, "a")
	rec.Release()
	for i, id := range ids {
		if id == "1" {
			assert.Equal(t, "true", vals[i])
		}
	}

	tbl = f.write(t, f.rows(t, value.RowOf("id", 1, "a", "updated"), value.RowOf("id", 3, "a", "new")),
		WriteOptions{Type: WriteAppend, PrimaryKeys: []string{"id"}})
	assert.Equal(t, int64(3), tbl.NumRows())
	assert.Equal(t, []string{"id=1", "id=2", "id=3"}, f.contents(t, "id"))
}

func TestUncastableFileIsNotCorrupt(t *testing.T) {
	f := newFixture(t)
	tbl := f.write(t, f.rows(t, value.RowOf("id", 1, "a", true)), WriteOptions{Type: WriteAppend})
	target := arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
		{Name: "a", Type: &arrow.TimestampType{Unit: arrow.Microsecond}, Nullable: true},
	}, nil)

	_, err := f.writer.readFile(f.ctx, tbl.Files()[0], nil, target)
	require.ErrorIs(t, err, ErrSchemaMismatch)
	assert.NotErrorIs(t, err, ErrCorruptTable)
}

func TestPartitionedMergeOnlyRewritesTouchedPartitions(t *testing.T) {
	f := newFixture(t)
	p := partition.NewPartitioner(partition.Options{Allocator: f.mem})
	settings := partition.Settings{Mode: partition.ModeNumerical, Keys: []string{"id"}, Size: 10}
	partitioned := func(rows ...value.Row) arrow.Record {
		rec := f.rows(t, rows...)
		defer rec.Release()
		res, err := p.Apply(rec, settings)
		require.NoError(t, err)
		return res.Record
	}
	opts := WriteOptions{Type: WriteIncremental, PrimaryKeys: []string{"id"}}

	tbl := f.write(t, partitioned(value.RowOf("id", 1, "name", "a"), value.RowOf("id", 15, "name", "b")), opts)
	require.Equal(t, []string{partition.Column}, tbl.PartitionColumns())
	before := tbl.FilesIn(partition.Column, "1")
	require.Len(t, before, 1)

	tbl = f.write(t, partitioned(value.RowOf("id", 1, "name", "z"), value.RowOf("id", 2, "name", "c")), opts)
	assert.Equal(t, before, tbl.FilesIn(partition.Column, "1"))
	for _, add := range tbl.FilesIn(partition.Column, "0") {
		assert.True(t, strings.HasPrefix(add.Path, partition.Column+"=0/"), add.Path)
	}
	assert.Equal(t, []string{"id=1,name=z", "id=15,name=b", "id=2,name=c"}, f.contents(t, "id", "name"))
}

func TestCorruptTableIsRecreated(t *testing.T) {
	f := newFixture(t)
	f.write(t, f.rows(t, value.RowOf("id", 1)), WriteOptions{Type: WriteAppend})
	require.NoError(t, f.bkt.Upload(f.ctx, commitPath(tablePath, 1), strings.NewReader("{not json")))
	f.writer.cache.Invalidate()

	_, err := f.writer.Table(f.ctx)
	require.ErrorIs(t, err, ErrCorruptTable)

	tbl := f.write(t, f.rows(t, value.RowOf("id", 2)), WriteOptions{Type: WriteIncremental, PrimaryKeys: []string{"id"}})
	assert.Equal(t, int64(1), tbl.Version())
	assert.Equal(t, []string{"id=2"}, f.contents(t, "id"))
}

func TestFinalizeCompactsThenVacuums(t *testing.T) {
	f := newFixture(t)
	for i := 1; i <= 3; i++ {
		f.write(t, f.rows(t, value.RowOf("id", i)), WriteOptions{Type: WriteAppend})
	}
	tbl, err := f.writer.Table(f.ctx)
	require.NoError(t, err)
	old := tbl.Files()
	require.Len(t, old, 3)

	require.NoError(t, f.writer.Finalize(f.ctx))
	tbl, err = f.writer.Table(f.ctx)
	require.NoError(t, err)
	assert.Len(t, tbl.Files(), 1)
	assert.Equal(t, []string{"id=1", "id=2", "id=3"}, f.contents(t, "id"))
	for _, add := range old {
		ok, err := f.bkt.Exists(f.ctx, path.Join(tablePath, add.Path))
		require.NoError(t, err)
		assert.True(t, ok, "removed file deleted inside the retention window")
	}

	f.clock = f.clock.Add(25 * time.Hour)
	require.NoError(t, f.writer.Finalize(f.ctx))
	for _, add := range old {
		ok, err := f.bkt.Exists(f.ctx, path.Join(tablePath, add.Path))
		require.NoError(t, err)
		assert.False(t, ok)
	}
	assert.Equal(t, []string{"id=1", "id=2", "id=3"}, f.contents(t, "id"))
}

func TestPrepareQueryFolder(t *testing.T) {
	f := newFixture(t)
	tbl := f.write(t, f.rows(t, value.RowOf("id", 1)), WriteOptions{Type: WriteAppend})

	first, err := f.writer.PrepareQueryFolder(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, tablePath+"__query/1709294400", first)
	ok, err := f.bkt.Exists(f.ctx, path.Join(first, tbl.Files()[0].Path))
	require.NoError(t, err)
	assert.True(t, ok)

	f.clock = f.clock.Add(60 * time.Second)
	second, err := f.writer.PrepareQueryFolder(f.ctx)
	require.NoError(t, err)
	ok, err = f.bkt.Exists(f.ctx, path.Join(first, tbl.Files()[0].Path))
	require.NoError(t, err)
	assert.True(t, ok, "folder inside the safety buffer was removed")

	f.clock = f.clock.Add(DefaultQueryRetention + time.Second)
	_, err = f.writer.PrepareQueryFolder(f.ctx)
	require.NoError(t, err)
	for _, dir := range []string{first, second} {
		ok, err = f.bkt.Exists(f.ctx, path.Join(dir, tbl.Files()[0].Path))
		require.NoError(t, err)
		assert.False(t, ok, dir)
	}
}

func TestReset(t *testing.T) {
	f := newFixture(t)
	f.write(t, f.rows(t, value.RowOf("id", 1)), WriteOptions{Type: WriteAppend})
	require.NoError(t, f.writer.Reset(f.ctx))

	ok, err := f.writer.Exists(f.ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, f.bkt.Objects())
}

func TestSchemaStringRoundTrip(t *testing.T) {
	s := arrow.NewSchema([]arrow.Field{
		{Name: "a", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
		{Name: "b", Type: &arrow.Decimal128Type{Precision: 12, Scale: 3}, Nullable: true},
		{Name: "c", Type: &arrow.Decimal256Type{Precision: 60, Scale: 1}, Nullable: true},
		{Name: "d", Type: &arrow.TimestampType{Unit: arrow.Microsecond}, Nullable: true},
		{Name: "e", Type: arrow.FixedWidthTypes.Date32, Nullable: true},
		{Name: "f", Type: arrow.BinaryTypes.String, Nullable: false},
	}, nil)
	str, err := encodeSchema(s)
	require.NoError(t, err)
	got, err := decodeSchema(str)
	require.NoError(t, err)
	assert.True(t, s.Equal(got), got.String())

	_, err = encodeSchema(arrow.NewSchema([]arrow.Field{{Name: "x", Type: arrow.ListOf(arrow.PrimitiveTypes.Int64)}}, nil))
	assert.ErrorIs(t, err, ErrSchemaMismatch)
}

func fieldNames(s *arrow.Schema) []string {
	out := make([]string, s.NumFields())
	for i, f := range s.Fields() {
		out[i] = f.Name
	}
	return out
}
