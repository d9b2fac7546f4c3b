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
	"io"
	"path"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/arrowarc/lakesync/pkg/metastore"
	"github.com/arrowarc/lakesync/pkg/parquet"
	"github.com/arrowarc/lakesync/pkg/partition"
	"github.com/arrowarc/lakesync/pkg/queue"
	"github.com/arrowarc/lakesync/pkg/storage"
)

// Loader is the load half of a disaggregated sync. Batches of one job
// arrive in order on a single queue partition; Handle applies each with the
// same evolve, partition, write and watermark steps as Pipeline, and the
// final message finalizes the table.
type Loader struct {
	p *Pipeline

	mu   sync.Mutex
	runs map[string]*loadRun
}

type loadRun struct {
	core    *core
	logger  log.Logger
	metrics *Metrics
	// next is the batch index expected next; redelivered batches below it
	// are skipped.
	next int
	// dirs are the batch folders to delete once the table is final.
	dirs map[string]bool
}

func NewLoader(opts Options) *Loader {
	return &Loader{p: New(opts), runs: map[string]*loadRun{}}
}

var _ queue.Handler = (*Loader)(nil)

func (l *Loader) Handle(ctx context.Context, msg queue.BatchMessage) error {
	run, err := l.run(ctx, msg)
	if err != nil {
		return err
	}
	logger := log.With(run.logger, "batch", msg.BatchIndex)

	if msg.BatchIndex < run.next && !msg.IsFinal {
		level.Info(logger).Log("msg", "skipping redelivered batch")
		return nil
	}

	if msg.Path != "" {
		if err := l.apply(ctx, run, msg); err != nil {
			return err
		}
		run.next = msg.BatchIndex + 1
		run.dirs[path.Dir(msg.Path)] = true
	}
	if !msg.IsFinal {
		return nil
	}
	return l.finish(ctx, run, msg)
}

// run returns the in-flight state of the message's job, preparing the table
// when the job is seen for the first time. Only the first batch of a fresh
// run may reset the table.
func (l *Loader) run(ctx context.Context, msg queue.BatchMessage) (*loadRun, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r, ok := l.runs[msg.JobID]; ok {
		return r, nil
	}

	p := l.p
	job, sc, err := p.load(ctx, msg.JobID)
	if err != nil {
		return nil, err
	}
	logger := log.With(p.opts.Logger, "team_id", job.TeamID, "schema_id", sc.ID, "job_id", job.ID, "run_id", msg.RunID)
	c, err := p.newCore(ctx, logger, job, sc, runSpec{
		resource:    sc.Name,
		reset:       msg.Reset,
		resuming:    msg.Resuming || msg.BatchIndex > 0,
		primaryKeys: msg.PrimaryKeys,
		hints: partition.Settings{
			Mode:   partition.Mode(msg.PartitionMode),
			Format: partition.Format(msg.PartitionFormat),
			Keys:   msg.PartitionKeys,
			Count:  msg.PartitionCount,
			Size:   msg.PartitionSize,
		},
	})
	if err != nil {
		return nil, err
	}
	r := &loadRun{core: c, logger: logger, metrics: &Metrics{StartTime: p.opts.Now()}, next: msg.BatchIndex, dirs: map[string]bool{}}
	c.metrics = r.metrics
	l.runs[msg.JobID] = r
	return r, nil
}

func (l *Loader) apply(ctx context.Context, run *loadRun, msg queue.BatchMessage) error {
	rc, err := l.p.opts.Bucket.Get(ctx, msg.Path)
	if err != nil {
		return fmt.Errorf("fetching batch %d: %w", msg.BatchIndex, err)
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return fmt.Errorf("reading batch %d: %w", msg.BatchIndex, err)
	}
	rec, err := parquet.Decode(ctx, l.p.opts.Allocator, data)
	if err != nil {
		return fmt.Errorf("decoding batch %d: %w", msg.BatchIndex, err)
	}
	defer rec.Release()
	return run.core.writeChunk(ctx, rec)
}

func (l *Loader) finish(ctx context.Context, run *loadRun, msg queue.BatchMessage) error {
	p := l.p
	c := run.core
	if !msg.Resuming && c.rowsWritten != msg.TotalRows {
		level.Warn(run.logger).Log("msg", "loaded rows differ from exported rows", "loaded", c.rowsWritten, "exported", msg.TotalRows)
	}

	res, err := c.finalize(ctx)
	if err != nil {
		return err
	}
	if err := p.rows.Finish(ctx, c.job.TeamID, c.schema.ID); err != nil {
		level.Warn(run.logger).Log("msg", "failed to clear row tracking", "err", err)
	}
	if err := p.opts.Meta.SetJobStatus(ctx, c.job.ID, metastore.JobCompleted, ""); err != nil {
		return fmt.Errorf("updating job status: %w", err)
	}
	for dir := range run.dirs {
		if err := storage.DeletePrefix(ctx, p.opts.Bucket, dir); err != nil {
			level.Warn(run.logger).Log("msg", "failed to delete batch files", "dir", dir, "err", err)
		}
	}

	run.metrics.Lock()
	run.metrics.EndTime = p.opts.Now()
	run.metrics.Unlock()
	run.metrics.UpdateMetrics()
	level.Info(run.logger).Log("msg", "load completed", "version", res.Version, "rows", res.TableRows, "report", run.metrics.Report())

	l.mu.Lock()
	delete(l.runs, msg.JobID)
	l.mu.Unlock()
	return nil
}
