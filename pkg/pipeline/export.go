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
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"path"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/ulid"

	"github.com/arrowarc/lakesync/pkg/batcher"
	"github.com/arrowarc/lakesync/pkg/columnar"
	"github.com/arrowarc/lakesync/pkg/metastore"
	"github.com/arrowarc/lakesync/pkg/parquet"
	"github.com/arrowarc/lakesync/pkg/queue"
	"github.com/arrowarc/lakesync/pkg/schema"
	"github.com/arrowarc/lakesync/pkg/source"
	"github.com/arrowarc/lakesync/pkg/storage"
	"github.com/arrowarc/lakesync/pkg/tracking"
	"github.com/arrowarc/lakesync/pkg/value"
	"github.com/arrowarc/lakesync/pkg/watermark"
)

// Exporter is the extract half of a disaggregated sync. It writes every
// chunk as a parquet batch file and announces it on the queue; a Loader
// applies the batches to the table.
type Exporter struct {
	p        *Pipeline
	producer queue.Producer
}

func NewExporter(opts Options, producer queue.Producer) *Exporter {
	return &Exporter{p: New(opts), producer: producer}
}

// ExportResult describes the batches of one export.
type ExportResult struct {
	RunID   string
	Batches int
	Rows    int64
	Report  string
}

func (e *Exporter) Run(ctx context.Context, req Request, src source.Source) (res ExportResult, err error) {
	p := e.p
	job, sc, err := p.load(ctx, req.JobID)
	if err != nil {
		return res, err
	}
	logger := log.With(p.opts.Logger, "team_id", job.TeamID, "schema_id", sc.ID, "job_id", job.ID)
	metrics := &Metrics{StartTime: p.opts.Now()}
	hb := newHeartbeat(p.opts.KV, job.TeamID, job.ID, p.opts.HeartbeatTimeout, p.opts.Now)
	p.checkRestart(ctx, hb, job)
	defer func() {
		e.cleanup(context.WithoutCancel(ctx), logger, job, sc, hb, metrics, err)
		res.Report = metrics.Report()
	}()

	caps := src.Capabilities()
	resumer, _ := src.(source.Resumer)
	var (
		cp       tracking.Checkpoint
		resuming bool
	)
	if caps.Resumable && resumer != nil {
		if cp, resuming, err = p.checkpoints.Load(ctx, job.TeamID, job.ID); err != nil {
			return res, fmt.Errorf("loading checkpoint: %w", err)
		}
		if resuming {
			if err := resumer.Resume(cp.State); err != nil {
				return res, err
			}
			level.Info(logger).Log("msg", "resuming export from checkpoint", "batch", cp.Chunk, "rows", cp.RowsSoFar)
		}
	}
	if sc.IsIncremental() && src.HasDuplicatePrimaryKeys() {
		return res, ErrDuplicatePrimaryKeys
	}
	if err := p.admit(ctx, job, sc, req, src); err != nil {
		return res, err
	}

	res.RunID = ulid.MustNew(ulid.Timestamp(p.opts.Now()), rand.Reader).String()
	dir := storage.BatchesPath(job.FolderPath(), resourceName(sc, src), res.RunID)
	hints := src.Partitioning()
	base := queue.BatchMessage{
		TeamID:          job.TeamID,
		JobID:           job.ID,
		SchemaID:        sc.ID,
		SourceID:        sc.SourceID,
		RunID:           res.RunID,
		SyncType:        string(sc.SyncType),
		PrimaryKeys:     schema.NormalizeNames(src.PrimaryKeys()),
		PartitionKeys:   schema.NormalizeNames(hints.Keys),
		PartitionMode:   hints.Mode,
		PartitionFormat: hints.Format,
		PartitionCount:  hints.Count,
		PartitionSize:   hints.Size,
		Reset:           req.Reset,
		Resuming:        resuming,
	}

	evolver := schema.NewEvolver(schema.Options{Allocator: p.opts.Allocator, Logger: logger})
	builder := columnar.NewBuilder(columnar.Options{Allocator: p.opts.Allocator, Logger: logger})
	columnHints := make(map[string]arrow.DataType, len(src.ColumnHints()))
	for name, dt := range src.ColumnHints() {
		columnHints[schema.NormalizeName(name)] = dt
	}
	b := batcher.New(batcher.Options{
		ChunkSize:      p.opts.ChunkSize,
		ChunkSizeBytes: p.opts.ChunkSizeBytes,
		Build: func(rows []value.Row) (arrow.Record, error) {
			for i := range rows {
				rows[i] = schema.NormalizeRow(rows[i])
			}
			return builder.Build(rows, nil, columnHints)
		},
	})
	defer b.Release()

	sortMode := watermark.SortMode(src.SortMode())
	honorShutdown := caps.Resumable || (sc.IsIncremental() && sortMode != watermark.SortDesc && !req.Reset)
	index := cp.Chunk
	cumulative := cp.RowsSoFar
	var exported int64

	ship := func(ctx context.Context) error {
		rec, err := b.Table()
		if err != nil {
			return err
		}
		defer rec.Release()
		norm, err := evolver.Evolve(ctx, rec, nil)
		if err != nil {
			return fmt.Errorf("normalizing batch %d: %w", index, err)
		}
		defer norm.Release()

		data, err := parquet.Encode(p.opts.Allocator, norm)
		if err != nil {
			return err
		}
		name := path.Join(dir, fmt.Sprintf("%06d.parquet", index))
		if err := p.opts.Bucket.Upload(ctx, name, bytes.NewReader(data)); err != nil {
			return fmt.Errorf("uploading batch %d: %w", index, err)
		}

		msg := base
		msg.BatchIndex = index
		msg.Path = name
		msg.Rows = norm.NumRows()
		msg.Bytes = int64(len(data))
		msg.CumulativeRows = cumulative + norm.NumRows()
		if err := e.producer.Send(ctx, msg); err != nil {
			return err
		}
		index++
		cumulative = msg.CumulativeRows
		exported += msg.Rows
		metrics.add(norm)
		if p.opts.Collectors != nil {
			p.opts.Collectors.BatchesShipped.Inc()
		}
		level.Debug(logger).Log("msg", "exported batch", "batch", msg.BatchIndex, "rows", msg.Rows, "bytes", msg.Bytes)

		if err := hb.beat(ctx); err != nil {
			level.Warn(logger).Log("msg", "failed to record heartbeat", "err", err)
		}
		if caps.Resumable && resumer != nil {
			state, err := resumer.State(exported)
			if err != nil {
				return fmt.Errorf("capturing source state: %w", err)
			}
			if err := p.checkpoints.Save(ctx, job.TeamID, job.ID, tracking.Checkpoint{
				State: state, Chunk: index, RowsSoFar: cumulative,
			}); err != nil {
				return fmt.Errorf("saving checkpoint: %w", err)
			}
		}
		if honorShutdown && p.opts.ShuttingDown != nil && p.opts.ShuttingDown() {
			return ErrWorkerShutdown
		}
		return nil
	}

	err = readItems(ctx, src, p.opts.ChannelSize, func(ctx context.Context, item interface{}) error {
		if err := b.Batch(item); err != nil {
			return err
		}
		if !b.ShouldYield(false) {
			return nil
		}
		return ship(ctx)
	})
	if err != nil {
		return res, err
	}
	if b.ShouldYield(true) {
		if err := ship(ctx); err != nil {
			return res, err
		}
	}

	final := base
	final.BatchIndex = index
	final.IsFinal = true
	final.TotalBatches = index
	final.TotalRows = cumulative
	final.CumulativeRows = cumulative
	if err := e.producer.Send(ctx, final); err != nil {
		return res, err
	}
	if caps.Resumable {
		if err := p.checkpoints.Clear(ctx, job.TeamID, job.ID); err != nil {
			level.Warn(logger).Log("msg", "failed to clear checkpoint", "err", err)
		}
	}
	res.Batches, res.Rows = index, cumulative
	level.Info(logger).Log("msg", "export completed", "run_id", res.RunID, "batches", index, "rows", cumulative)
	return res, nil
}

// cleanup stops the heartbeat. Pending rows and the job status are owned
// by the loader unless the export itself failed.
func (e *Exporter) cleanup(ctx context.Context, logger log.Logger, job metastore.Job, sc metastore.Schema, hb *heartbeat, metrics *Metrics, runErr error) {
	if err := hb.stop(ctx); err != nil {
		level.Warn(logger).Log("msg", "failed to clear heartbeat", "err", err)
	}
	metrics.Lock()
	metrics.EndTime = e.p.opts.Now()
	metrics.Unlock()
	metrics.UpdateMetrics()
	if runErr == nil {
		return
	}
	if err := e.p.rows.Finish(ctx, job.TeamID, sc.ID); err != nil {
		level.Warn(logger).Log("msg", "failed to clear row tracking", "err", err)
	}
	if err := e.p.opts.Meta.SetJobStatus(ctx, job.ID, metastore.JobFailed, runErr.Error()); err != nil {
		level.Warn(logger).Log("msg", "failed to update job status", "err", err)
	}
	level.Error(logger).Log("msg", "export failed", "non_retryable", NonRetryable(runErr), "err", runErr)
}
