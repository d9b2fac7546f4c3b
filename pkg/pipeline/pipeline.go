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

// Package pipeline runs syncs: it reads a source chunk by chunk and makes
// every chunk durable in the resource's versioned table, in source order.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/memory"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/thanos-io/objstore"
	"golang.org/x/sync/errgroup"

	imem "github.com/arrowarc/lakesync/internal/memory"
	"github.com/arrowarc/lakesync/pkg/batcher"
	"github.com/arrowarc/lakesync/pkg/billing"
	"github.com/arrowarc/lakesync/pkg/columnar"
	"github.com/arrowarc/lakesync/pkg/delta"
	"github.com/arrowarc/lakesync/pkg/kv"
	"github.com/arrowarc/lakesync/pkg/logging"
	"github.com/arrowarc/lakesync/pkg/metastore"
	"github.com/arrowarc/lakesync/pkg/partition"
	"github.com/arrowarc/lakesync/pkg/schema"
	"github.com/arrowarc/lakesync/pkg/source"
	"github.com/arrowarc/lakesync/pkg/storage"
	"github.com/arrowarc/lakesync/pkg/tracking"
	"github.com/arrowarc/lakesync/pkg/value"
	"github.com/arrowarc/lakesync/pkg/watermark"
)

const DefaultChannelSize = 4

var (
	// ErrDuplicatePrimaryKeys means an incremental source cannot be merged
	// on its primary keys.
	ErrDuplicatePrimaryKeys = errors.New("pipeline: source reports duplicate primary keys for an incremental sync")
	// ErrWorkerShutdown is returned at a chunk boundary when the worker is
	// stopping and the sync can safely be resumed later.
	ErrWorkerShutdown = errors.New("pipeline: worker is shutting down")
)

// NonRetryable reports whether err is a configuration error that retrying
// will not fix.
func NonRetryable(err error) bool {
	return errors.Is(err, ErrDuplicatePrimaryKeys) || errors.Is(err, delta.ErrPrimaryKeyRequired)
}

type Options struct {
	Bucket     objstore.Bucket
	Meta       metastore.Store
	KV         kv.Store
	Billing    billing.Service
	Events     EventReporter
	Collectors *Collectors
	Allocator  memory.Allocator
	Logger     log.Logger

	ChunkSize        int
	ChunkSizeBytes   int64
	ChannelSize      int
	MergeConcurrency int
	DenseRatio       float64
	CompactFileSize  int64
	HeartbeatTimeout time.Duration

	// ShuttingDown reports whether the worker has been asked to stop. It is
	// checked after every chunk.
	ShuttingDown func() bool
	Now          func() time.Time
}

func (o *Options) setDefaults() {
	if o.Allocator == nil {
		o.Allocator = imem.Default()
	}
	o.Logger = logging.OrNop(o.Logger)
	if o.Events == nil {
		o.Events = LogReporter{Logger: o.Logger}
	}
	if o.ChannelSize <= 0 {
		o.ChannelSize = DefaultChannelSize
	}
	if o.DenseRatio <= 0 {
		o.DenseRatio = partition.DefaultDenseRatio
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Request names the job to run.
type Request struct {
	JobID string
	// Reset rebuilds the table from scratch.
	Reset bool
	// OrgTeamIDs are every team of the job's organization. Their pending
	// rows count against the billing limit. Empty means the job's team only.
	OrgTeamIDs []string
}

type Pipeline struct {
	opts        Options
	rows        *tracking.RowTracker
	checkpoints *tracking.Checkpoints
	checker     *billing.Checker
}

func New(opts Options) *Pipeline {
	opts.setDefaults()
	p := &Pipeline{
		opts:        opts,
		rows:        tracking.NewRowTracker(opts.KV),
		checkpoints: tracking.NewCheckpoints(opts.KV),
	}
	if opts.Billing != nil {
		p.checker = billing.NewChecker(opts.Billing, p.rows, opts.Logger)
	}
	return p
}

// Run syncs src into the table of the job's schema.
func (p *Pipeline) Run(ctx context.Context, req Request, src source.Source) (res Result, err error) {
	job, sc, err := p.load(ctx, req.JobID)
	if err != nil {
		return res, err
	}
	logger := log.With(p.opts.Logger, "team_id", job.TeamID, "schema_id", sc.ID, "job_id", job.ID)
	metrics := &Metrics{StartTime: p.opts.Now()}
	hb := newHeartbeat(p.opts.KV, job.TeamID, job.ID, p.opts.HeartbeatTimeout, p.opts.Now)
	p.checkRestart(ctx, hb, job)
	defer func() {
		p.cleanup(context.WithoutCancel(ctx), logger, job, sc, hb, metrics, err)
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
			level.Info(logger).Log("msg", "resuming sync from checkpoint", "chunk", cp.Chunk, "rows", cp.RowsSoFar)
		}
	}

	if sc.IsIncremental() && src.HasDuplicatePrimaryKeys() {
		return res, ErrDuplicatePrimaryKeys
	}

	if err := p.admit(ctx, job, sc, req, src); err != nil {
		return res, err
	}

	sortMode := watermark.SortMode(src.SortMode())
	hints := src.Partitioning()
	c, err := p.newCore(ctx, logger, job, sc, runSpec{
		reset:       req.Reset,
		resuming:    resuming,
		sortMode:    sortMode,
		primaryKeys: src.PrimaryKeys(),
		hints: partition.Settings{
			Mode:   partition.Mode(hints.Mode),
			Format: partition.Format(hints.Format),
			Keys:   hints.Keys,
			Count:  hints.Count,
			Size:   hints.Size,
		},
		resource: resourceName(sc, src),
	})
	if err != nil {
		return res, err
	}
	c.metrics = metrics

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
			return builder.Build(rows, c.target(), columnHints)
		},
	})
	defer b.Release()

	honorShutdown := caps.Resumable || (sc.IsIncremental() && sortMode != watermark.SortDesc && !req.Reset)
	warnedShutdown := false

	afterChunk := func(ctx context.Context) error {
		if err := hb.beat(ctx); err != nil {
			level.Warn(logger).Log("msg", "failed to record heartbeat", "err", err)
		}
		if caps.Resumable && resumer != nil {
			state, err := resumer.State(c.rowsWritten)
			if err != nil {
				return fmt.Errorf("capturing source state: %w", err)
			}
			if err := p.checkpoints.Save(ctx, job.TeamID, job.ID, tracking.Checkpoint{
				State:     state,
				Chunk:     cp.Chunk + c.chunks,
				RowsSoFar: cp.RowsSoFar + c.rowsWritten,
			}); err != nil {
				return fmt.Errorf("saving checkpoint: %w", err)
			}
		}
		if caps.PartialDataLoading && c.firstSync {
			if _, err := c.writer.PrepareQueryFolder(ctx); err != nil {
				return fmt.Errorf("exposing partial table: %w", err)
			}
		}
		if p.opts.ShuttingDown != nil && p.opts.ShuttingDown() {
			if honorShutdown {
				level.Info(logger).Log("msg", "stopping at chunk boundary for shutdown", "chunks", c.chunks)
				return ErrWorkerShutdown
			}
			if !warnedShutdown {
				level.Warn(logger).Log("msg", "shutdown requested but this sync cannot be resumed safely, continuing")
				warnedShutdown = true
			}
		}
		return nil
	}

	flush := func(ctx context.Context) error {
		rec, err := b.Table()
		if err != nil {
			return err
		}
		defer rec.Release()
		if err := c.writeChunk(ctx, rec); err != nil {
			return err
		}
		return afterChunk(ctx)
	}

	err = readItems(ctx, src, p.opts.ChannelSize, func(ctx context.Context, item interface{}) error {
		if err := b.Batch(item); err != nil {
			return err
		}
		if !b.ShouldYield(false) {
			return nil
		}
		return flush(ctx)
	})
	if err != nil {
		return res, err
	}
	if b.ShouldYield(true) {
		if err := flush(ctx); err != nil {
			return res, err
		}
	}

	res, err = c.finalize(ctx)
	if err != nil {
		return res, err
	}
	if caps.Resumable {
		if err := p.checkpoints.Clear(ctx, job.TeamID, job.ID); err != nil {
			level.Warn(logger).Log("msg", "failed to clear checkpoint", "err", err)
		}
	}
	return res, nil
}

// resourceName names the table after the schema, or the source when the
// schema has no name.
func resourceName(sc metastore.Schema, src source.Source) string {
	if sc.Name != "" || src == nil {
		return sc.Name
	}
	return src.Name()
}

func (p *Pipeline) load(ctx context.Context, jobID string) (metastore.Job, metastore.Schema, error) {
	job, err := p.opts.Meta.Job(ctx, jobID)
	if err != nil {
		return metastore.Job{}, metastore.Schema{}, fmt.Errorf("loading job: %w", err)
	}
	sc, err := p.opts.Meta.Schema(ctx, job.SchemaID)
	if err != nil {
		return metastore.Job{}, metastore.Schema{}, fmt.Errorf("loading schema: %w", err)
	}
	return job, sc, nil
}

// checkRestart reports a heartbeat left behind by a previous attempt that
// went silent, then starts beating for this attempt.
func (p *Pipeline) checkRestart(ctx context.Context, hb *heartbeat, job metastore.Job) {
	if age, stale, err := hb.stale(ctx); err == nil && stale {
		p.opts.Events.Event(ctx, EventHeartbeatTimeout, "team_id", job.TeamID, "job_id", job.ID, "silent_for", age.String())
	}
	if err := hb.beat(ctx); err != nil {
		level.Warn(p.opts.Logger).Log("msg", "failed to record heartbeat", "job_id", job.ID, "err", err)
	}
}

// admit registers the expected rows and checks the billing limit before
// anything is written.
func (p *Pipeline) admit(ctx context.Context, job metastore.Job, sc metastore.Schema, req Request, src source.Source) error {
	rows, ok := src.RowsToSync()
	if ok {
		if err := p.rows.Register(ctx, job.TeamID, sc.ID, rows); err != nil {
			return err
		}
	}
	if p.checker == nil {
		return nil
	}
	teams := req.OrgTeamIDs
	if len(teams) == 0 {
		teams = []string{job.TeamID}
	}
	err := p.checker.Check(ctx, billing.Request{
		OrgID:           job.OrgID,
		TeamIDs:         teams,
		Billable:        job.Billable,
		SourceCreatedAt: sc.SourceCreatedAt,
		Rows:            rows,
	})
	if errors.Is(err, billing.ErrLimitReached) && p.opts.Collectors != nil {
		p.opts.Collectors.BillingAborts.Inc()
	}
	return err
}

type runSpec struct {
	resource    string
	reset       bool
	resuming    bool
	sortMode    watermark.SortMode
	primaryKeys []string
	hints       partition.Settings
}

// newCore prepares the table for a run. A reset, or a full refresh, that is
// not resuming deletes the table and the schema's partitioning and
// watermarks first.
func (p *Pipeline) newCore(ctx context.Context, logger log.Logger, job metastore.Job, sc metastore.Schema, spec runSpec) (*core, error) {
	return prepareCore(ctx, coreDeps{
		bucket:     p.opts.Bucket,
		meta:       p.opts.Meta,
		rows:       p.rows,
		collectors: p.opts.Collectors,
		mem:        p.opts.Allocator,
		logger:     logger,
		now:        p.opts.Now,
		merge:      p.opts.MergeConcurrency,
		compact:    p.opts.CompactFileSize,
		denseRatio: p.opts.DenseRatio,
	}, job, sc, spec)
}

type coreDeps struct {
	bucket     objstore.Bucket
	meta       metastore.Store
	rows       *tracking.RowTracker
	collectors *Collectors
	mem        memory.Allocator
	logger     log.Logger
	now        func() time.Time
	merge      int
	compact    int64
	denseRatio float64
}

func prepareCore(ctx context.Context, d coreDeps, job metastore.Job, sc metastore.Schema, spec runSpec) (*core, error) {
	writer := delta.NewWriter(delta.Options{
		Bucket:           d.bucket,
		Path:             storage.TablePath(job.FolderPath(), spec.resource),
		Allocator:        d.mem,
		Logger:           d.logger,
		MergeConcurrency: d.merge,
		CompactFileSize:  d.compact,
		Now:              d.now,
	})

	fullRefresh := sc.SyncType == metastore.SyncFullRefresh
	if !spec.resuming {
		if spec.reset || fullRefresh {
			level.Info(d.logger).Log("msg", "resetting table", "reset", spec.reset, "full_refresh", fullRefresh)
			if err := writer.Reset(ctx); err != nil {
				return nil, fmt.Errorf("resetting table: %w", err)
			}
			if err := d.meta.ResetSyncConfig(ctx, sc.ID); err != nil {
				return nil, fmt.Errorf("resetting sync config: %w", err)
			}
			sc.Partitioning = metastore.Partitioning{}
			sc.LastValue, sc.EarliestValue = value.Null(), value.Null()
		}
		job.RowsSynced = 0
		job.Status = metastore.JobRunning
		job.Error = ""
		if err := d.meta.SaveJob(ctx, job); err != nil {
			return nil, fmt.Errorf("resetting job counters: %w", err)
		}
	}

	exists, err := writer.Exists(ctx)
	if err != nil && !errors.Is(err, delta.ErrCorruptTable) {
		return nil, err
	}
	c := &core{
		logger:      d.logger,
		meta:        d.meta,
		rows:        d.rows,
		collectors:  d.collectors,
		writer:      writer,
		evolver:     schema.NewEvolver(schema.Options{Allocator: d.mem, Logger: d.logger}),
		partitioner: partition.NewPartitioner(partition.Options{Allocator: d.mem, Logger: d.logger}),
		job:         job,
		schema:      sc,
		writeType:   writeTypeOf(sc.SyncType),
		primaryKeys: schema.NormalizeNames(spec.primaryKeys),
		firstSync:   !exists,
		overwrite:   fullRefresh && !spec.resuming,
	}
	c.settings = settingsFor(sc.Partitioning, spec.hints, c.primaryKeys, d.denseRatio)
	if exists {
		if c.table, err = writer.Table(ctx); err != nil {
			return nil, err
		}
	}

	sortMode := spec.sortMode
	if sortMode == "" {
		sortMode = watermark.SortMode(sc.SortMode)
	}
	c.watermark = watermark.NewTracker(watermark.Config{
		SchemaID:     sc.ID,
		Incremental:  sc.IsIncremental() || sc.IsAppend(),
		FullRefresh:  fullRefresh,
		Field:        schema.NormalizeNames(fieldPath(sc.IncrementalField)),
		FieldType:    watermark.FieldType(sc.IncrementalFieldType),
		SortMode:     sortMode,
		Resuming:     spec.resuming,
		PrevLast:     sc.LastValue,
		PrevEarliest: sc.EarliestValue,
	}, d.meta, d.logger)
	return c, nil
}

// cleanup always runs: it clears pending rows and the heartbeat and records
// the job outcome.
func (p *Pipeline) cleanup(ctx context.Context, logger log.Logger, job metastore.Job, sc metastore.Schema, hb *heartbeat, metrics *Metrics, runErr error) {
	if err := p.rows.Finish(ctx, job.TeamID, sc.ID); err != nil {
		level.Warn(logger).Log("msg", "failed to clear row tracking", "err", err)
	}
	if err := hb.stop(ctx); err != nil {
		level.Warn(logger).Log("msg", "failed to clear heartbeat", "err", err)
	}

	status, msg := metastore.JobCompleted, ""
	if runErr != nil {
		status, msg = metastore.JobFailed, runErr.Error()
	}
	if err := p.opts.Meta.SetJobStatus(ctx, job.ID, status, msg); err != nil {
		level.Warn(logger).Log("msg", "failed to update job status", "err", err)
	}

	metrics.Lock()
	metrics.EndTime = p.opts.Now()
	metrics.Unlock()
	metrics.UpdateMetrics()
	if runErr != nil {
		level.Error(logger).Log("msg", "sync failed", "non_retryable", NonRetryable(runErr), "err", runErr)
		return
	}
	level.Info(logger).Log("msg", "sync completed", "report", metrics.Report())
}

// readItems runs the source on its own goroutine and hands items to fn in
// order. The bounded channel between them is the only buffering. Record
// items are released once fn returns.
func readItems(ctx context.Context, src source.Source, size int, fn func(ctx context.Context, item interface{}) error) error {
	it, err := src.Items(ctx)
	if err != nil {
		return fmt.Errorf("starting source: %w", err)
	}
	defer it.Close()

	g, gctx := errgroup.WithContext(ctx)
	items := make(chan interface{}, size)
	g.Go(func() error {
		defer close(items)
		for {
			item, err := it.Next(gctx)
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return fmt.Errorf("reading source: %w", err)
			}
			select {
			case items <- item:
			case <-gctx.Done():
				if rec, ok := item.(arrow.Record); ok {
					rec.Release()
				}
				return gctx.Err()
			}
		}
	})
	g.Go(func() error {
		for item := range items {
			err := fn(gctx, item)
			if rec, ok := item.(arrow.Record); ok {
				rec.Release()
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
	err = g.Wait()
	// records still buffered after a failure
	for item := range items {
		if rec, ok := item.(arrow.Record); ok {
			rec.Release()
		}
	}
	return err
}
