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

package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/docopt/docopt-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arrowarc/lakesync/pkg/common/config"
	"github.com/arrowarc/lakesync/pkg/delta"
	"github.com/arrowarc/lakesync/pkg/metastore"
	"github.com/arrowarc/lakesync/pkg/storage"
	"github.com/arrowarc/lakesync/pkg/value"
)

const testConfig = `
metastore:
  path: ":memory:"
pipeline:
  chunk_size: 10
schemas:
  - id: users
    team_id: "1"
    source_id: demo
    name: Users
    sync_type: incremental
    incremental_field: id
    incremental_field_type: integer
    primary_keys: [id]
    billable: true
`

func newTestApp(t *testing.T) *app {
	t.Helper()
	cfg, err := config.Parse([]byte(testConfig))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	cfg.Metrics.Textfile = filepath.Join(t.TempDir(), "lakesync.prom")
	a, err := newApp(context.Background(), cfg)
	require.NoError(t, err)
	return a
}

func (a *app) table() *delta.Writer {
	return delta.NewWriter(delta.Options{
		Bucket: a.bucket,
		Path:   storage.TablePath(storage.FolderPath("1", "demo"), "Users"),
	})
}

func TestSyncFakeRowsThenReset(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t)

	src, closeSource, err := a.source(ctx, "users", false, docopt.Opts{"--jsonl": nil, "--fake": "25"})
	require.NoError(t, err)
	defer closeSource()
	require.NoError(t, a.sync(ctx, "users", "job-1", false, src))

	n, err := a.table().CountRows(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(25), n)

	j, err := a.meta.Job(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, metastore.JobCompleted, j.Status)
	assert.Equal(t, "demo", j.SourceID)
	assert.True(t, j.Billable)

	require.NoError(t, a.reset(ctx, "users"))
	exists, err := a.table().Exists(ctx)
	require.NoError(t, err)
	assert.False(t, exists)
	sc, err := a.meta.Schema(ctx, "users")
	require.NoError(t, err)
	assert.True(t, sc.LastValue.IsNull())

	a.close()
	metrics, err := os.ReadFile(a.cfg.Metrics.Textfile)
	require.NoError(t, err)
	assert.Contains(t, string(metrics), "lakesync_rows_synced_total 25")
}

func TestEnsureSchemaKeepsWatermark(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t)
	t.Cleanup(a.close)

	sc, err := a.schemaConfig("users")
	require.NoError(t, err)
	require.NoError(t, a.ensureSchema(ctx, sc))
	rec, err := a.meta.Schema(ctx, "users")
	require.NoError(t, err)
	created := rec.SourceCreatedAt
	assert.False(t, created.IsZero())

	require.NoError(t, a.meta.UpdateLastValue(ctx, "users", value.Int(42)))
	sc.Name = "Members"
	require.NoError(t, a.ensureSchema(ctx, sc))
	rec, err = a.meta.Schema(ctx, "users")
	require.NoError(t, err)
	assert.Equal(t, "Members", rec.Name)
	assert.Equal(t, value.Int(42), rec.LastValue)
	assert.Equal(t, created.UnixMilli(), rec.SourceCreatedAt.UnixMilli())

	_, err = a.schemaConfig("nope")
	assert.Error(t, err)
}

func TestEnsureJobReusesExistingJob(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t)
	t.Cleanup(a.close)
	sc, err := a.schemaConfig("users")
	require.NoError(t, err)

	id, err := a.ensureJob(ctx, sc, "")
	require.NoError(t, err)
	assert.Len(t, id, 26)

	require.NoError(t, a.meta.AddRowsSynced(ctx, id, 7))
	again, err := a.ensureJob(ctx, sc, id)
	require.NoError(t, err)
	assert.Equal(t, id, again)
	j, err := a.meta.Job(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(7), j.RowsSynced)
}

func TestSyncCSVFile(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t)
	t.Cleanup(a.close)

	path := filepath.Join(t.TempDir(), "users.csv")
	require.NoError(t, os.WriteFile(path, []byte("id,name\n1,ada\n2,grace\n3,\n"), 0o644))

	src, closeSource, err := a.source(ctx, "users", false, docopt.Opts{"--csv": path})
	require.NoError(t, err)
	defer closeSource()
	require.NoError(t, a.sync(ctx, "users", "", false, src))

	n, err := a.table().CountRows(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	sc, err := a.meta.Schema(ctx, "users")
	require.NoError(t, err)
	assert.Equal(t, value.Int(3), sc.LastValue)
}

func TestPostgresSourceNeedsConfig(t *testing.T) {
	a := newTestApp(t)
	t.Cleanup(a.close)
	_, _, err := a.source(context.Background(), "users", false, docopt.Opts{"--postgres": true})
	assert.ErrorContains(t, err, "no postgres block")
}
