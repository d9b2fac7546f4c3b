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
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/ulid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/thanos-io/objstore"

	"github.com/arrowarc/lakesync/pkg/billing"
	"github.com/arrowarc/lakesync/pkg/common/config"
	"github.com/arrowarc/lakesync/pkg/csv"
	"github.com/arrowarc/lakesync/pkg/delta"
	"github.com/arrowarc/lakesync/pkg/kv"
	"github.com/arrowarc/lakesync/pkg/logging"
	"github.com/arrowarc/lakesync/pkg/metastore"
	"github.com/arrowarc/lakesync/pkg/pipeline"
	"github.com/arrowarc/lakesync/pkg/queue"
	"github.com/arrowarc/lakesync/pkg/source"
	"github.com/arrowarc/lakesync/pkg/storage"
)

type app struct {
	cfg        *config.Config
	logger     log.Logger
	bucket     objstore.Bucket
	meta       metastore.Store
	kv         kv.Store
	registry   *prometheus.Registry
	collectors *pipeline.Collectors
	stopping   atomic.Bool
	now        func() time.Time
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{
		cfg:      cfg,
		logger:   logging.New(os.Stderr, cfg.LogLevel),
		registry: prometheus.NewRegistry(),
		now:      time.Now,
	}
	a.collectors = pipeline.NewCollectors(a.registry)

	var err error
	if a.bucket, err = storage.NewBucket(a.logger, cfg.Storage); err != nil {
		return nil, err
	}
	if a.meta, err = metastore.OpenSQLite(ctx, cfg.Metastore.Path); err != nil {
		a.bucket.Close()
		return nil, err
	}
	if cfg.KV.Path == "" {
		a.kv = kv.NewMemory()
	} else if a.kv, err = kv.OpenBolt(cfg.KV.Path); err != nil {
		a.meta.Close()
		a.bucket.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) close() {
	if path := a.cfg.Metrics.Textfile; path != "" {
		if err := prometheus.WriteToTextfile(path, a.registry); err != nil {
			level.Warn(a.logger).Log("msg", "failed to write metrics", "path", path, "err", err)
		}
	}
	a.kv.Close()
	a.meta.Close()
	a.bucket.Close()
}

func (a *app) options() pipeline.Options {
	p := a.cfg.Pipeline
	opts := pipeline.Options{
		Bucket:           a.bucket,
		Meta:             a.meta,
		KV:               a.kv,
		Events:           pipeline.LogReporter{Logger: a.logger},
		Collectors:       a.collectors,
		Logger:           a.logger,
		ChunkSize:        p.ChunkSize,
		ChunkSizeBytes:   p.ChunkSizeBytes,
		ChannelSize:      p.ChannelSize,
		MergeConcurrency: p.MergeConcurrency,
		DenseRatio:       p.DensePartitionRatio,
		CompactFileSize:  p.CompactTargetBytes,
		HeartbeatTimeout: p.HeartbeatTimeout,
		ShuttingDown:     a.stopping.Load,
		Now:              a.now,
	}
	if a.cfg.Billing.Limit > 0 {
		opts.Billing = billing.Static{Limit: a.cfg.Billing.Limit, Synced: a.cfg.Billing.Synced}
	}
	return opts
}

// handleSignals asks a running sync to stop at the next chunk boundary on
// the first signal and cancels it on the second.
func (a *app) handleSignals(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		level.Warn(a.logger).Log("msg", "shutdown requested, stopping at the next chunk boundary")
		a.stopping.Store(true)
		<-sigs
		level.Warn(a.logger).Log("msg", "second signal, cancelling")
		cancel()
	}()
}

func (a *app) schemaConfig(id string) (config.SchemaConfig, error) {
	sc, ok := a.cfg.Schema(id)
	if !ok {
		return sc, fmt.Errorf("schema %q is not declared in the configuration", id)
	}
	return sc, nil
}

// ensureSchema creates the schema record on first use and otherwise
// refreshes its declared settings, keeping watermarks and partitioning.
func (a *app) ensureSchema(ctx context.Context, sc config.SchemaConfig) error {
	rec, err := a.meta.Schema(ctx, sc.ID)
	if err != nil && !errors.Is(err, metastore.ErrNotFound) {
		return err
	}
	if errors.Is(err, metastore.ErrNotFound) {
		rec = metastore.Schema{ID: sc.ID, SourceCreatedAt: a.now()}
	}
	rec.TeamID = sc.TeamID
	rec.SourceID = sc.SourceID
	rec.Name = sc.Name
	rec.SyncType = metastore.SyncType(sc.SyncType)
	rec.IncrementalField = sc.IncrementalField
	rec.IncrementalFieldType = sc.IncrementalFieldType
	rec.SortMode = sc.SortMode
	return a.meta.SaveSchema(ctx, rec)
}

// ensureJob returns the id of the job to run. An existing job id is reused
// so an interrupted job resumes from its checkpoint.
func (a *app) ensureJob(ctx context.Context, sc config.SchemaConfig, jobID string) (string, error) {
	if jobID != "" {
		_, err := a.meta.Job(ctx, jobID)
		if err == nil {
			return jobID, nil
		}
		if !errors.Is(err, metastore.ErrNotFound) {
			return "", err
		}
	} else {
		jobID = ulid.MustNew(ulid.Timestamp(a.now()), rand.Reader).String()
	}
	return jobID, a.meta.SaveJob(ctx, metastore.Job{
		ID:       jobID,
		TeamID:   sc.TeamID,
		OrgID:    sc.OrgID,
		SourceID: sc.SourceID,
		SchemaID: sc.ID,
		Billable: sc.Billable,
	})
}

// source builds the source named on the command line. The returned func
// releases it.
func (a *app) source(ctx context.Context, schemaID string, reset bool, arguments docopt.Opts) (source.Source, func(), error) {
	noop := func() {}
	sc, err := a.schemaConfig(schemaID)
	if err != nil {
		return nil, noop, err
	}
	columns, err := sc.ColumnTypes()
	if err != nil {
		return nil, noop, err
	}
	info := source.Info{
		Resource: sc.Name,
		Keys:     sc.PrimaryKeys,
		Sort:     sc.SortMode,
		Hints: source.PartitionHints{
			Keys:   sc.Partition.Keys,
			Mode:   sc.Partition.Mode,
			Format: sc.Partition.Format,
			Count:  sc.Partition.Count,
			Size:   sc.Partition.Size,
		},
		Columns:        columns,
		PartialLoading: sc.PartialDataLoading,
	}
	open := func(path string) func() (io.ReadCloser, error) {
		return func() (io.ReadCloser, error) { return os.Open(path) }
	}

	if path, _ := arguments.String("--jsonl"); path != "" {
		return &source.JSONLines{Info: info, Open: open(path)}, noop, nil
	}
	if path, _ := arguments.String("--csv"); path != "" {
		opts := csv.ReadOptions{HasHeader: !sc.CSV.NoHeader, NullValues: sc.CSV.NullValues}
		if d := []rune(sc.CSV.Delimiter); len(d) == 1 {
			opts.Delimiter = d[0]
		}
		return &source.CSV{Info: info, Open: open(path), Options: opts}, noop, nil
	}
	if path, _ := arguments.String("--parquet"); path != "" {
		return &source.ParquetFile{Info: info, Path: path}, noop, nil
	}
	if path, _ := arguments.String("--ipc"); path != "" {
		return &source.IPCStream{Info: info, Open: open(path)}, noop, nil
	}
	if pg, _ := arguments.Bool("--postgres"); pg {
		return a.postgres(ctx, sc, info, reset)
	}

	rows, err := arguments.Int("--fake")
	if err != nil {
		return nil, noop, fmt.Errorf("--fake: %w", err)
	}
	f := source.NewFaker(sc.Name, int64(rows), a.now().Add(-time.Duration(rows)*time.Second))
	f.Hints = info.Hints
	f.Columns = info.Columns
	f.PartialLoading = info.PartialLoading
	return f, noop, nil
}

// postgres opens the schema's table, reading only rows past the stored
// watermark of an incremental or append sync.
func (a *app) postgres(ctx context.Context, sc config.SchemaConfig, info source.Info, reset bool) (source.Source, func(), error) {
	noop := func() {}
	if sc.Postgres == nil {
		return nil, noop, fmt.Errorf("schema %q has no postgres block", sc.ID)
	}
	cfg := source.PostgresConfig{Table: sc.Postgres.Table, PageSize: sc.Postgres.PageSize}
	if sc.SyncType != string(metastore.SyncFullRefresh) {
		cfg.IncrementalField = sc.IncrementalField
		rec, err := a.meta.Schema(ctx, sc.ID)
		switch {
		case err == nil && !reset:
			cfg.LastValue = rec.LastValue
		case err != nil && !errors.Is(err, metastore.ErrNotFound):
			return nil, noop, err
		}
	}
	src, err := source.OpenPostgres(ctx, sc.Postgres.DSN, info, cfg)
	if err != nil {
		return nil, noop, err
	}
	return src, src.Close, nil
}

func (a *app) prepare(ctx context.Context, schemaID, jobID string) (string, error) {
	sc, err := a.schemaConfig(schemaID)
	if err != nil {
		return "", err
	}
	if err := a.ensureSchema(ctx, sc); err != nil {
		return "", fmt.Errorf("saving schema: %w", err)
	}
	return a.ensureJob(ctx, sc, jobID)
}

func (a *app) sync(ctx context.Context, schemaID, jobID string, reset bool, src source.Source) error {
	jobID, err := a.prepare(ctx, schemaID, jobID)
	if err != nil {
		return err
	}
	res, err := pipeline.New(a.options()).Run(ctx, pipeline.Request{JobID: jobID, Reset: reset}, src)
	if err != nil {
		return err
	}
	level.Info(a.logger).Log("msg", "sync finished", "job_id", jobID, "table", res.TablePath,
		"version", res.Version, "rows", res.Rows, "table_rows", res.TableRows, "query_folder", res.QueryFolder)
	return nil
}

func (a *app) export(ctx context.Context, schemaID, jobID string, reset bool, src source.Source) error {
	producer, err := queue.NewKafkaProducer(a.cfg.Kafka)
	if err != nil {
		return err
	}
	defer producer.Close()

	jobID, err = a.prepare(ctx, schemaID, jobID)
	if err != nil {
		return err
	}
	res, err := pipeline.NewExporter(a.options(), producer).Run(ctx, pipeline.Request{JobID: jobID, Reset: reset}, src)
	if err != nil {
		return err
	}
	level.Info(a.logger).Log("msg", "export finished", "job_id", jobID, "run_id", res.RunID, "batches", res.Batches, "rows", res.Rows)
	return nil
}

// load applies exported batches until ctx is cancelled.
func (a *app) load(ctx context.Context) error {
	consumer, err := queue.NewKafkaConsumer(a.cfg.Kafka, pipeline.NewLoader(a.options()), a.logger)
	if err != nil {
		return err
	}
	defer consumer.Close()
	level.Info(a.logger).Log("msg", "loading batches", "topic", a.cfg.Kafka.Topic, "group_id", a.cfg.Kafka.GroupID)
	return consumer.Run(ctx)
}

// reset deletes the schema's table and its persisted sync state.
func (a *app) reset(ctx context.Context, schemaID string) error {
	sc, err := a.schemaConfig(schemaID)
	if err != nil {
		return err
	}
	w := delta.NewWriter(delta.Options{
		Bucket: a.bucket,
		Path:   storage.TablePath(storage.FolderPath(sc.TeamID, sc.SourceID), sc.Name),
		Logger: a.logger,
	})
	if err := w.Reset(ctx); err != nil {
		return err
	}
	if err := a.meta.ResetSyncConfig(ctx, sc.ID); err != nil && !errors.Is(err, metastore.ErrNotFound) {
		return err
	}
	level.Info(a.logger).Log("msg", "table reset", "schema_id", sc.ID, "table", w.Path())
	return nil
}
