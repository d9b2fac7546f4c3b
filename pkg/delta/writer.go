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
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"time"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/memory"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/ulid"
	"github.com/thanos-io/objstore"

	"github.com/arrowarc/lakesync/internal/json"
	imem "github.com/arrowarc/lakesync/internal/memory"
	"github.com/arrowarc/lakesync/pkg/logging"
	"github.com/arrowarc/lakesync/pkg/partition"
	"github.com/arrowarc/lakesync/pkg/schema"
	"github.com/arrowarc/lakesync/pkg/parquet"
	"github.com/arrowarc/lakesync/pkg/storage"
)

type WriteType string

const (
	WriteIncremental WriteType = "incremental"
	WriteFullRefresh WriteType = "full_refresh"
	WriteAppend      WriteType = "append"
)

const (
	DefaultMergeConcurrency = 4
	DefaultRetention        = 24 * time.Hour
	DefaultQueryRetention   = 600 * time.Second
	DefaultCompactFileSize  = 32 << 20
)

type Options struct {
	Bucket    objstore.Bucket
	Path      string
	Allocator memory.Allocator
	Logger    log.Logger

	// MergeConcurrency bounds the per-partition merges of one chunk.
	MergeConcurrency int
	// Retention is how long removed files are kept before vacuum deletes them.
	Retention time.Duration
	// QueryRetention is how long superseded query folders are kept.
	QueryRetention time.Duration
	// CompactFileSize is the size below which files are compacted together.
	CompactFileSize int64
	Now             func() time.Time
}

// WriteOptions describe how one chunk is written.
type WriteOptions struct {
	Type WriteType
	// ShouldOverwrite replaces the table schema and contents. It is set for
	// the first chunk of a fresh run.
	ShouldOverwrite bool
	PrimaryKeys     []string
	// FirstSync marks a table created during the current run, which is
	// appended to rather than merged into.
	FirstSync bool
}

// Writer is the single writer of one table.
type Writer struct {
	bkt         objstore.Bucket
	path        string
	mem         memory.Allocator
	logger      log.Logger
	evolver     *schema.Evolver
	cache       *handleCache
	concurrency int
	retention   time.Duration
	queryTTL    time.Duration
	compactSize int64
	now         func() time.Time
}

func NewWriter(opts Options) *Writer {
	w := &Writer{
		bkt:         opts.Bucket,
		path:        opts.Path,
		mem:         opts.Allocator,
		logger:      logging.OrNop(opts.Logger),
		concurrency: opts.MergeConcurrency,
		retention:   opts.Retention,
		queryTTL:    opts.QueryRetention,
		compactSize: opts.CompactFileSize,
		now:         opts.Now,
	}
	if w.mem == nil {
		w.mem = imem.Default()
	}
	if w.concurrency <= 0 {
		w.concurrency = DefaultMergeConcurrency
	}
	if w.retention <= 0 {
		w.retention = DefaultRetention
	}
	if w.queryTTL <= 0 {
		w.queryTTL = DefaultQueryRetention
	}
	if w.compactSize <= 0 {
		w.compactSize = DefaultCompactFileSize
	}
	if w.now == nil {
		w.now = time.Now
	}
	w.logger = log.With(w.logger, "table", w.path)
	w.evolver = schema.NewEvolver(schema.Options{Allocator: w.mem, Logger: w.logger})
	w.cache = newHandleCache(w.bkt, w.path)
	return w
}

func (w *Writer) Path() string { return w.path }

// Table returns the current snapshot, or ErrTableNotFound.
func (w *Writer) Table(ctx context.Context) (*Table, error) {
	return w.cache.Get(ctx)
}

// Exists reports whether the table has been created.
func (w *Writer) Exists(ctx context.Context) (bool, error) {
	_, err := w.cache.Get(ctx)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrTableNotFound):
		return false, nil
	}
	return false, err
}

// Write commits rec as one new table version and returns the resulting
// snapshot. A corrupt table is deleted and recreated from rec.
func (w *Writer) Write(ctx context.Context, rec arrow.Record, opts WriteOptions) (*Table, error) {
	t, err := w.write(ctx, rec, opts)
	if errors.Is(err, ErrCorruptTable) {
		level.Error(w.logger).Log("msg", "table is corrupt, recreating it", "err", err)
		if err := w.Reset(ctx); err != nil {
			return nil, fmt.Errorf("resetting corrupt table: %w", err)
		}
		t, err = w.write(ctx, rec, opts)
	}
	return t, err
}

func (w *Writer) write(ctx context.Context, rec arrow.Record, opts WriteOptions) (*Table, error) {
	norm, err := w.evolver.Evolve(ctx, rec, nil)
	if err != nil {
		return nil, err
	}
	defer norm.Release()
	rec = norm

	tbl, err := w.cache.Get(ctx)
	created := false
	switch {
	case errors.Is(err, ErrTableNotFound):
		tbl, err = Create(ctx, w.bkt, w.path, rec.Schema(), partitionColumnsOf(rec.Schema()), w.now())
		if err != nil {
			return nil, fmt.Errorf("creating table: %w", err)
		}
		level.Info(w.logger).Log("msg", "created table", "partitioned", tbl.Partitioned())
		w.cache.Set(tbl)
		created = true
	case err != nil:
		return nil, err
	}

	merge := false
	switch opts.Type {
	case WriteIncremental:
		merge = !created && !opts.FirstSync
		if merge && len(opts.PrimaryKeys) == 0 {
			return nil, ErrPrimaryKeyRequired
		}
	case WriteAppend:
		merge = len(opts.PrimaryKeys) > 0
	case WriteFullRefresh:
	default:
		return nil, fmt.Errorf("delta: unknown write type %q", opts.Type)
	}

	var next *Table
	if merge {
		next, err = w.merge(ctx, tbl, rec, schema.NormalizeNames(opts.PrimaryKeys))
	} else {
		next, err = w.append(ctx, tbl, rec, opts.ShouldOverwrite, false)
		if errors.Is(err, ErrSchemaMismatch) {
			level.Warn(w.logger).Log("msg", "schema mismatch, overwriting table schema without partitioning", "err", err)
			next, err = w.append(ctx, tbl, rec, opts.ShouldOverwrite, true)
		}
	}
	if err != nil {
		return nil, err
	}
	w.cache.Set(next)
	return next, nil
}

// append writes rec in overwrite or append mode. With overwriteSchema the
// chunk's column types replace the table's and partitioning is dropped;
// when appending, existing files are rewritten and columns they cannot be
// cast into become strings.
func (w *Writer) append(ctx context.Context, tbl *Table, rec arrow.Record, overwrite, overwriteSchema bool) (*Table, error) {
	var (
		target   *arrow.Schema
		partCols []string
		existing []arrow.Record
		rewrite  bool
	)
	rec.Retain()
	defer func() { rec.Release() }()
	defer func() {
		for _, r := range existing {
			r.Release()
		}
	}()
	switch {
	case overwriteSchema:
		dropped := without(rec, partition.Column)
		rec.Release()
		rec = dropped
		if overwrite {
			target = rec.Schema()
			break
		}
		// Existing files are rewritten under the new schema in the same
		// commit.
		rewrite = true
		var err error
		if existing, err = w.readStored(ctx, tbl.Files()); err != nil {
			return nil, err
		}
		target, err = w.widen(ctx, overlay(tbl.Schema(), rec.Schema(), tbl.PartitionColumns()), append([]arrow.Record{rec}, existing...))
		if err != nil {
			return nil, err
		}
	case overwrite:
		target, partCols = rec.Schema(), partitionColumnsOf(rec.Schema())
	default:
		if err := compatible(tbl.Schema(), rec.Schema()); err != nil {
			return nil, err
		}
		target, _ = mergeSchemas(tbl.Schema(), rec.Schema())
		partCols = tbl.PartitionColumns()
	}

	data, err := w.conform(ctx, rec, target)
	if err != nil {
		return nil, err
	}
	defer data.Release()

	adds, err := w.writeFiles(ctx, data, partCols)
	if err != nil {
		return nil, err
	}
	for _, old := range existing {
		conformed, err := w.conform(ctx, old, target)
		if err != nil {
			return nil, err
		}
		rewritten, err := w.writeFiles(ctx, conformed, nil)
		conformed.Release()
		if err != nil {
			return nil, err
		}
		adds = append(adds, rewritten...)
	}
	var removes []Remove
	if overwrite || rewrite {
		removes = w.removeAll(tbl.Files(), overwrite)
	}
	var meta *Metadata
	if !target.Equal(tbl.Schema()) || !sameColumns(partCols, tbl.PartitionColumns()) {
		m, err := tbl.withSchema(target, partCols)
		if err != nil {
			return nil, err
		}
		meta = &m
	}
	op := "WRITE"
	if overwrite {
		op = "OVERWRITE"
	}
	return w.commit(ctx, tbl, meta, removes, adds, op)
}

// overlay replaces the types of base's columns with those of s and appends
// the columns only s has. Columns in drop are left out.
func overlay(base, s *arrow.Schema, drop []string) *arrow.Schema {
	skip := make(map[string]bool, len(drop))
	for _, d := range drop {
		skip[d] = true
	}
	fields := make([]arrow.Field, 0, base.NumFields()+s.NumFields())
	for _, f := range base.Fields() {
		if skip[f.Name] {
			continue
		}
		if idx := s.FieldIndices(f.Name); len(idx) > 0 {
			f.Type = s.Field(idx[0]).Type
		}
		fields = append(fields, f)
	}
	for _, f := range s.Fields() {
		if len(base.FieldIndices(f.Name)) == 0 {
			f.Nullable = true
			fields = append(fields, f)
		}
	}
	return arrow.NewSchema(fields, nil)
}

// readStored decodes files as they were written, without restoring
// partition columns or casting to the table schema.
func (w *Writer) readStored(ctx context.Context, files []Add) ([]arrow.Record, error) {
	out := make([]arrow.Record, 0, len(files))
	for _, f := range files {
		data, err := w.fetch(ctx, f)
		if err == nil {
			var rec arrow.Record
			if rec, err = parquet.Decode(ctx, w.mem, data); err == nil {
				out = append(out, rec)
				continue
			}
			err = fmt.Errorf("%w: %s: %v", ErrCorruptTable, f.Path, err)
		}
		for _, r := range out {
			r.Release()
		}
		return nil, err
	}
	return out, nil
}

// widen turns the columns of target that some record cannot be cast into
// into string columns.
func (w *Writer) widen(ctx context.Context, target *arrow.Schema, recs []arrow.Record) (*arrow.Schema, error) {
	fields := append([]arrow.Field(nil), target.Fields()...)
	for changed := true; changed; {
		changed = false
		s := arrow.NewSchema(fields, nil)
		for _, rec := range recs {
			bad, err := w.uncastable(ctx, rec, s)
			if err != nil {
				return nil, err
			}
			for _, name := range bad {
				i := s.FieldIndices(name)[0]
				if fields[i].Type.ID() == arrow.STRING {
					return nil, fmt.Errorf("%w: column %q cannot be stored as a string", ErrSchemaMismatch, name)
				}
				level.Warn(w.logger).Log("msg", "widening column to string", "column", name, "from", fields[i].Type)
				fields[i].Type = arrow.BinaryTypes.String
				changed = true
			}
			if changed {
				break
			}
		}
	}
	return arrow.NewSchema(fields, nil), nil
}

// uncastable lists the columns of rec that do not cast to their type in
// target.
func (w *Writer) uncastable(ctx context.Context, rec arrow.Record, target *arrow.Schema) ([]string, error) {
	ev, err := w.evolver.Evolve(ctx, rec, target)
	if err != nil {
		return nil, err
	}
	defer ev.Release()
	var out []string
	for _, f := range target.Fields() {
		idx := ev.Schema().FieldIndices(f.Name)
		if len(idx) > 0 && !arrow.TypeEqual(ev.Column(idx[0]).DataType(), f.Type) {
			out = append(out, f.Name)
		}
	}
	return out, nil
}

func partitionColumnsOf(s *arrow.Schema) []string {
	if len(s.FieldIndices(partition.Column)) > 0 {
		return []string{partition.Column}
	}
	return nil
}

func sameColumns(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// conform shapes rec to exactly the columns of target, in order.
func (w *Writer) conform(ctx context.Context, rec arrow.Record, target *arrow.Schema) (arrow.Record, error) {
	ev, err := w.evolver.Evolve(ctx, rec, target)
	if err != nil {
		return nil, err
	}
	defer ev.Release()

	cols := make([]arrow.Array, target.NumFields())
	defer releaseAll(cols)
	for i, f := range target.Fields() {
		idx := ev.Schema().FieldIndices(f.Name)
		if len(idx) == 0 {
			cols[i] = array.MakeArrayOfNull(w.mem, f.Type, int(ev.NumRows()))
			continue
		}
		col := ev.Column(idx[0])
		if !arrow.TypeEqual(col.DataType(), f.Type) {
			return nil, fmt.Errorf("%w: column %q is %s, table expects %s", ErrSchemaMismatch, f.Name, col.DataType(), f.Type)
		}
		col.Retain()
		cols[i] = col
	}
	return array.NewRecord(target, cols, ev.NumRows()), nil
}

// writeFiles uploads rec as one data file per partition value.
func (w *Writer) writeFiles(ctx context.Context, rec arrow.Record, partCols []string) ([]Add, error) {
	if rec.NumRows() == 0 {
		return nil, nil
	}
	if len(partCols) == 0 {
		add, err := w.writeFile(ctx, rec, map[string]string{})
		if err != nil {
			return nil, err
		}
		return []Add{add}, nil
	}
	groups, err := partition.Split(ctx, w.mem, rec)
	if err != nil {
		return nil, err
	}
	defer func() {
		for _, g := range groups {
			g.Record.Release()
		}
	}()
	adds := make([]Add, 0, len(groups))
	for _, g := range groups {
		data := without(g.Record, partCols...)
		add, err := w.writeFile(ctx, data, map[string]string{partition.Column: g.Value})
		data.Release()
		if err != nil {
			return nil, err
		}
		adds = append(adds, add)
	}
	return adds, nil
}

func (w *Writer) writeFile(ctx context.Context, rec arrow.Record, partitionValues map[string]string) (Add, error) {
	data, err := parquet.Encode(w.mem, rec)
	if err != nil {
		return Add{}, err
	}
	now := w.now()
	rel := fmt.Sprintf("part-%s.parquet", ulid.MustNew(ulid.Timestamp(now), rand.Reader))
	if v, ok := partitionValues[partition.Column]; ok {
		rel = path.Join(partition.Column+"="+url.PathEscape(v), rel)
	}
	if err := w.bkt.Upload(ctx, path.Join(w.path, rel), bytes.NewReader(data)); err != nil {
		return Add{}, fmt.Errorf("uploading %s: %w", rel, err)
	}
	stats, err := json.Marshal(Stats{NumRecords: rec.NumRows()})
	if err != nil {
		return Add{}, err
	}
	return Add{
		Path:             rel,
		PartitionValues:  partitionValues,
		Size:             int64(len(data)),
		ModificationTime: now.UnixMilli(),
		DataChange:       true,
		Stats:            string(stats),
	}, nil
}

func (w *Writer) removeAll(files []Add, dataChange bool) []Remove {
	ts := w.now().UnixMilli()
	out := make([]Remove, len(files))
	for i, f := range files {
		out[i] = Remove{Path: f.Path, DeletionTimestamp: ts, DataChange: dataChange, PartitionValues: f.PartitionValues, Size: f.Size}
	}
	return out
}

func (w *Writer) commit(ctx context.Context, tbl *Table, meta *Metadata, removes []Remove, adds []Add, op string) (*Table, error) {
	actions := make([]Action, 0, len(removes)+len(adds)+2)
	if meta != nil {
		actions = append(actions, Action{MetaData: meta})
	}
	for i := range removes {
		actions = append(actions, Action{Remove: &removes[i]})
	}
	for i := range adds {
		actions = append(actions, Action{Add: &adds[i]})
	}
	actions = append(actions, Action{CommitInfo: &CommitInfo{Timestamp: w.now().UnixMilli(), Operation: op}})

	version := tbl.Version() + 1
	if err := writeCommit(ctx, w.bkt, w.path, version, actions); err != nil {
		w.cache.Invalidate()
		return nil, fmt.Errorf("committing version %d: %w", version, err)
	}
	next := tbl.clone()
	if err := next.apply(version, actions); err != nil {
		return nil, err
	}
	level.Debug(w.logger).Log("msg", "committed", "version", version, "operation", op, "added", len(adds), "removed", len(removes))
	return next, nil
}

func (t *Table) clone() *Table {
	c := *t
	c.files = make(map[string]Add, len(t.files))
	for k, v := range t.files {
		c.files[k] = v
	}
	c.tombstones = make(map[string]Remove, len(t.tombstones))
	for k, v := range t.tombstones {
		c.tombstones[k] = v
	}
	return &c
}

func (w *Writer) fetch(ctx context.Context, f Add) ([]byte, error) {
	r, err := w.bkt.Get(ctx, path.Join(w.path, f.Path))
	if err != nil {
		if w.bkt.IsObjNotFoundErr(err) {
			return nil, fmt.Errorf("%w: data file %s is missing", ErrCorruptTable, f.Path)
		}
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// decodeFile turns one data file into a record of the target schema,
// restoring its partition columns.
func (w *Writer) decodeFile(ctx context.Context, data []byte, f Add, partCols []string, target *arrow.Schema) (arrow.Record, error) {
	rec, err := parquet.Decode(ctx, w.mem, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptTable, f.Path, err)
	}
	for _, c := range partCols {
		next := withConstant(w.mem, rec, c, f.PartitionValues[c])
		rec.Release()
		rec = next
	}
	defer rec.Release()
	out, err := w.conform(ctx, rec, target)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", f.Path, err)
	}
	return out, nil
}

func (w *Writer) readFile(ctx context.Context, f Add, partCols []string, target *arrow.Schema) (arrow.Record, error) {
	data, err := w.fetch(ctx, f)
	if err != nil {
		return nil, err
	}
	return w.decodeFile(ctx, data, f, partCols, target)
}

// Read returns the whole table as one record.
func (w *Writer) Read(ctx context.Context) (arrow.Record, error) {
	tbl, err := w.cache.Get(ctx)
	if err != nil {
		return nil, err
	}
	recs := make([]arrow.Record, 0, len(tbl.files))
	defer func() {
		for _, r := range recs {
			r.Release()
		}
	}()
	for _, f := range tbl.Files() {
		rec, err := w.readFile(ctx, f, tbl.PartitionColumns(), tbl.Schema())
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return parquet.Concat(w.mem, tbl.Schema(), recs)
}

// CountRows counts the rows of every live file from parquet footers.
func (w *Writer) CountRows(ctx context.Context) (int64, error) {
	tbl, err := w.cache.Get(ctx)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, f := range tbl.Files() {
		data, err := w.fetch(ctx, f)
		if err != nil {
			return 0, err
		}
		n, err := parquet.RowCount(data)
		if err != nil {
			return 0, fmt.Errorf("%w: %s: %v", ErrCorruptTable, f.Path, err)
		}
		total += n
	}
	return total, nil
}

// Reset deletes every file of the table and drops the cached snapshot.
func (w *Writer) Reset(ctx context.Context) error {
	w.cache.Invalidate()
	if err := storage.DeletePrefix(ctx, w.bkt, w.path); err != nil {
		return fmt.Errorf("deleting table %s: %w", w.path, err)
	}
	level.Info(w.logger).Log("msg", "table reset")
	return nil
}
