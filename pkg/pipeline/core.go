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

package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/arrowarc/lakesync/pkg/delta"
	"github.com/arrowarc/lakesync/pkg/metastore"
	"github.com/arrowarc/lakesync/pkg/partition"
	"github.com/arrowarc/lakesync/pkg/schema"
	"github.com/arrowarc/lakesync/pkg/tracking"
	"github.com/arrowarc/lakesync/pkg/watermark"
)

// core is the per-run state shared by Pipeline and Loader: every chunk goes
// evolve, partition, write, watermark, counters.
type core struct {
	logger      log.Logger
	meta        metastore.Store
	rows        *tracking.RowTracker
	collectors  *Collectors
	metrics     *Metrics
	writer      *delta.Writer
	evolver     *schema.Evolver
	partitioner *partition.Partitioner
	watermark   *watermark.Tracker

	job         metastore.Job
	schema      metastore.Schema
	settings    partition.Settings
	writeType   delta.WriteType
	primaryKeys []string
	// firstSync is set when the table did not exist when the run started.
	firstSync bool
	// overwrite replaces the table on the first chunk of a fresh full
	// refresh.
	overwrite bool

	chunks      int
	rowsWritten int64
	table       *delta.Table
}

func writeTypeOf(t metastore.SyncType) delta.WriteType {
	switch t {
	case metastore.SyncIncremental:
		return delta.WriteIncremental
	case metastore.SyncAppend:
		return delta.WriteAppend
	default:
		return delta.WriteFullRefresh
	}
}

func fieldPath(field string) []string {
	if field == "" {
		return nil
	}
	return strings.Split(field, ".")
}

// settingsFor merges persisted partitioning with source hints. A persisted
// mode always wins.
func settingsFor(p metastore.Partitioning, hints partition.Settings, primaryKeys []string, denseRatio float64) partition.Settings {
	s := hints
	if p.Mode != "" {
		s = partition.Settings{
			Mode:   partition.Mode(p.Mode),
			Format: partition.Format(p.Format),
			Keys:   p.Keys,
			Count:  p.Count,
			Size:   p.Size,
		}
	}
	if len(s.Keys) == 0 {
		s.Keys = primaryKeys
	}
	s.Keys = schema.NormalizeNames(s.Keys)
	s.DenseRatio = denseRatio
	return s
}

// target is the table schema without the derived partition column.
func (c *core) target() *arrow.Schema {
	if c.table == nil {
		return nil
	}
	s := c.table.Schema()
	idx := s.FieldIndices(partition.Column)
	if len(idx) == 0 {
		return s
	}
	fields := make([]arrow.Field, 0, s.NumFields()-1)
	for _, f := range s.Fields() {
		if f.Name != partition.Column {
			fields = append(fields, f)
		}
	}
	return arrow.NewSchema(fields, nil)
}

// writeChunk makes rec durable and advances the watermark and counters. rec
// is not released.
func (c *core) writeChunk(ctx context.Context, rec arrow.Record) error {
	logger := log.With(c.logger, "chunk", c.chunks)
	start := time.Now()

	evolved, err := c.evolver.Evolve(ctx, rec, c.target())
	if err != nil {
		return fmt.Errorf("evolving chunk %d: %w", c.chunks, err)
	}
	defer evolved.Release()

	out := evolved
	res, err := c.partitioner.Apply(evolved, c.settings)
	if err != nil {
		return fmt.Errorf("partitioning chunk %d: %w", c.chunks, err)
	}
	if res.Partitioned() {
		defer res.Record.Release()
		out = res.Record
	}
	if res.Partitioned() || res.Mode == partition.ModeDisabled {
		if err := c.persistPartitioning(ctx, res); err != nil {
			return err
		}
	}

	tbl, err := c.writer.Write(ctx, out, delta.WriteOptions{
		Type:            c.writeType,
		ShouldOverwrite: c.overwrite && c.chunks == 0,
		PrimaryKeys:     c.primaryKeys,
		FirstSync:       c.firstSync,
	})
	if err != nil {
		return fmt.Errorf("writing chunk %d: %w", c.chunks, err)
	}
	c.table = tbl
	if c.collectors != nil {
		c.collectors.WriteDuration.Observe(time.Since(start).Seconds())
	}

	// The chunk is durable from here on.
	last, earliest, err := c.watermark.Update(ctx, out)
	if err != nil {
		return err
	}

	n := out.NumRows()
	c.rowsWritten += n
	c.chunks++
	if err := c.meta.AddRowsSynced(ctx, c.job.ID, n); err != nil {
		return fmt.Errorf("counting synced rows: %w", err)
	}
	if c.rows != nil {
		if err := c.rows.Decrement(ctx, c.job.TeamID, c.schema.ID, n); err != nil {
			level.Warn(logger).Log("msg", "failed to decrement row tracking", "err", err)
		}
	}
	if c.metrics != nil {
		c.metrics.add(out)
	}
	if c.collectors != nil {
		c.collectors.RowsSynced.Add(float64(n))
		c.collectors.ChunksWritten.Inc()
	}
	level.Info(logger).Log("msg", "wrote chunk", "rows", n, "version", tbl.Version(),
		"last_value", last, "earliest_value", earliest)
	return nil
}

// persistPartitioning saves a partition mode, or the absence of one, the
// first time it is decided.
func (c *core) persistPartitioning(ctx context.Context, res partition.Result) error {
	p := metastore.Partitioning{
		Keys:   res.Keys,
		Mode:   string(res.Mode),
		Format: string(res.Format),
		Count:  c.settings.Count,
		Size:   c.settings.Size,
	}
	if c.schema.Partitioning.Mode == p.Mode && c.schema.Partitioning.Format == p.Format {
		return nil
	}
	if err := c.meta.UpdatePartitioning(ctx, c.schema.ID, p); err != nil {
		return fmt.Errorf("persisting partitioning: %w", err)
	}
	c.schema.Partitioning = p
	c.settings = settingsFor(p, c.settings, c.primaryKeys, c.settings.DenseRatio)
	level.Info(c.logger).Log("msg", "persisted partitioning", "mode", p.Mode, "keys", strings.Join(p.Keys, ","))
	return nil
}

// Result summarizes a finished run.
type Result struct {
	TablePath   string
	QueryFolder string
	Version     int64
	Rows        int64
	Chunks      int
	TableRows   int64
	Report      string
}

// finalize compacts and vacuums the table, persists a descending watermark
// and records the final table state.
func (c *core) finalize(ctx context.Context) (Result, error) {
	res := Result{TablePath: c.writer.Path(), Rows: c.rowsWritten, Chunks: c.chunks}
	exists, err := c.writer.Exists(ctx)
	if err != nil {
		return res, err
	}
	if !exists {
		level.Info(c.logger).Log("msg", "no rows synced, no table to finalize")
		return res, c.watermark.Finalize(ctx)
	}

	if err := c.writer.Finalize(ctx); err != nil {
		return res, fmt.Errorf("finalizing table: %w", err)
	}
	if err := c.watermark.Finalize(ctx); err != nil {
		return res, err
	}
	if res.QueryFolder, err = c.writer.PrepareQueryFolder(ctx); err != nil {
		return res, fmt.Errorf("preparing query folder: %w", err)
	}

	tbl, err := c.writer.Table(ctx)
	if err != nil {
		return res, err
	}
	res.Version = tbl.Version()
	counted, err := c.writer.CountRows(ctx)
	if err != nil {
		return res, fmt.Errorf("counting table rows: %w", err)
	}
	if stats := tbl.NumRows(); stats != counted {
		level.Warn(c.logger).Log("msg", "row count mismatch between log stats and data files", "stats", stats, "files", counted)
	}
	res.TableRows = counted

	columns := make(map[string]string, tbl.Schema().NumFields())
	for _, f := range tbl.Schema().Fields() {
		if f.Name == partition.Column {
			continue
		}
		columns[f.Name] = f.Type.String()
	}
	if err := c.meta.RecordTableState(ctx, c.schema.ID, columns, counted); err != nil {
		return res, fmt.Errorf("recording table state: %w", err)
	}
	level.Info(c.logger).Log("msg", "finalized table", "version", res.Version, "rows", counted)
	return res, nil
}
