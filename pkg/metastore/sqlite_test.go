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

package metastore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arrowarc/lakesync/pkg/value"
	"github.com/arrowarc/lakesync/pkg/watermark"
)

var _ watermark.Store = (*SQLiteStore)(nil)

func openStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSchemaRecord(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	_, err := s.Schema(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, s.SaveSchema(ctx, Schema{
		ID:               "s1",
		TeamID:           "t1",
		Name:             "Orders",
		SyncType:         SyncIncremental,
		IncrementalField: "updated_at",
		SortMode:         "desc",
		SourceCreatedAt:  created,
	}))

	sc, err := s.Schema(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, sc.IsIncremental())
	assert.False(t, sc.IsAppend())
	assert.Equal(t, "desc", sc.SortMode)
	assert.True(t, sc.LastValue.IsNull())
	assert.True(t, created.Equal(sc.SourceCreatedAt))

	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.UpdateLastValue(ctx, "s1", value.Timestamp(ts)))
	require.NoError(t, s.UpdateEarliestValue(ctx, "s1", value.Int(42)))
	require.NoError(t, s.UpdatePartitioning(ctx, "s1", Partitioning{Keys: []string{"id"}, Mode: "numerical", Size: 1000}))
	require.NoError(t, s.RecordTableState(ctx, "s1", map[string]string{"id": "int64"}, 10))

	sc, err = s.Schema(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, ts.Equal(sc.LastValue.Time()))
	assert.Equal(t, int64(42), sc.EarliestValue.Int())
	assert.Equal(t, Partitioning{Keys: []string{"id"}, Mode: "numerical", Size: 1000}, sc.Partitioning)
	assert.Equal(t, map[string]string{"id": "int64"}, sc.Columns)
	assert.Equal(t, int64(10), sc.RowCount)

	require.NoError(t, s.ResetSyncConfig(ctx, "s1"))
	sc, err = s.Schema(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, sc.Partitioning.Mode)
	assert.True(t, sc.LastValue.IsNull())

	assert.ErrorIs(t, s.UpdateLastValue(ctx, "missing", value.Int(1)), ErrNotFound)
}

func TestJobRecord(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	require.NoError(t, s.SaveJob(ctx, Job{ID: "j1", TeamID: "t1", SourceID: "src1", SchemaID: "s1", Billable: true}))
	require.NoError(t, s.AddRowsSynced(ctx, "j1", 100))
	require.NoError(t, s.AddRowsSynced(ctx, "j1", 50))
	require.NoError(t, s.SetJobStatus(ctx, "j1", JobFailed, "boom"))

	j, err := s.Job(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, int64(150), j.RowsSynced)
	assert.Equal(t, JobFailed, j.Status)
	assert.Equal(t, "boom", j.Error)
	assert.True(t, j.Billable)
	assert.Equal(t, "team_t1/source_src1", j.FolderPath())
}

func TestValueEncoding(t *testing.T) {
	d, err := value.ParseDecimal("12.500")
	require.NoError(t, err)
	for _, v := range []value.Value{
		value.Null(),
		value.Int(-7),
		value.Float(1.25),
		value.Dec(d),
		value.String("abc"),
		value.Date(time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC)),
		value.Timestamp(time.Date(2024, 2, 29, 1, 2, 3, 4000, time.UTC)),
	} {
		enc, err := EncodeValue(v)
		require.NoError(t, err)
		got, err := DecodeValue(enc)
		require.NoError(t, err)
		assert.Equal(t, v.Kind(), got.Kind(), enc)
		assert.Zero(t, v.Compare(got), enc)
	}
}
