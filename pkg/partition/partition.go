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

// Package partition assigns every row of a chunk to a partition bucket
// stored in the __partition_key column.
package partition

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/compute"
	"github.com/apache/arrow/go/v17/arrow/memory"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	imem "github.com/arrowarc/lakesync/internal/memory"
	"github.com/arrowarc/lakesync/pkg/columnar"
	"github.com/arrowarc/lakesync/pkg/logging"
	"github.com/arrowarc/lakesync/pkg/value"
)

// Column is the name of the derived partition column.
const Column = "__partition_key"

// DefaultDenseRatio is the minimum rows/(max-min+1) ratio for an integer key
// to count as a dense incrementing id.
const DefaultDenseRatio = 0.2

type Mode string

const (
	ModeNone      Mode = ""
	ModeMD5       Mode = "md5"
	ModeNumerical Mode = "numerical"
	ModeDatetime  Mode = "datetime"
	// ModeDisabled records that no mode could be determined. It is
	// persisted and never re-inferred.
	ModeDisabled  Mode = "none"
)

type Format string

const (
	FormatDay   Format = "day"
	FormatWeek  Format = "week"
	FormatMonth Format = "month"
)

var ErrInvalidSettings = errors.New("partition: invalid settings")

// DatetimeCandidates are checked in order when inferring datetime
// partitioning.
var DatetimeCandidates = []string{
	"created_at",
	"created",
	"inserted_at",
	"created_on",
	"creation_date",
	"timestamp",
	"date",
}

var sentinel = time.Unix(0, 0).UTC()

// nullBucket holds rows whose numerical key is missing.
const nullBucket = "null"

// Settings carries partition hints from the source and the values persisted
// for the schema by earlier runs. A non-empty Mode is never re-inferred.
type Settings struct {
	Mode       Mode
	Format     Format
	Keys       []string
	Count      int
	Size       int64
	DenseRatio float64
}

// Result describes how a chunk was partitioned. Record is nil and Mode is
// ModeDisabled when no mode could be determined.
type Result struct {
	Record arrow.Record
	Mode   Mode
	Format Format
	Keys   []string
}

// Partitioned reports whether a partition column was added.
func (r Result) Partitioned() bool { return r.Record != nil && r.Mode != ModeNone }

type Options struct {
	Allocator memory.Allocator
	Logger    log.Logger
}

type Partitioner struct {
	mem    memory.Allocator
	logger log.Logger
}

func NewPartitioner(opts Options) *Partitioner {
	mem := opts.Allocator
	if mem == nil {
		mem = imem.Default()
	}
	return &Partitioner{mem: mem, logger: logging.OrNop(opts.Logger)}
}

// Apply adds the partition column to rec. The returned record is a new
// reference; on ModeDisabled the caller keeps using rec unpartitioned.
func (p *Partitioner) Apply(rec arrow.Record, s Settings) (Result, error) {
	if s.DenseRatio <= 0 {
		s.DenseRatio = DefaultDenseRatio
	}
	if s.Mode == ModeDisabled {
		return Result{Mode: ModeDisabled}, nil
	}
	res := Result{Mode: s.Mode, Format: s.Format, Keys: s.Keys}
	if res.Mode == ModeNone {
		res = p.infer(rec, s)
		if res.Mode == ModeNone {
			level.Debug(p.logger).Log("msg", "no partition mode could be determined")
			return Result{Mode: ModeDisabled}, nil
		}
	}
	if res.Mode == ModeDatetime && res.Format == "" {
		res.Format = FormatMonth
	}

	cols := make([]arrow.Array, len(res.Keys))
	for i, k := range res.Keys {
		idx := rec.Schema().FieldIndices(k)
		if len(idx) == 0 {
			return Result{}, fmt.Errorf("%w: partition key %q not in chunk", ErrInvalidSettings, k)
		}
		cols[i] = rec.Column(idx[0])
	}
	if len(cols) == 0 {
		return Result{}, fmt.Errorf("%w: mode %s without keys", ErrInvalidSettings, res.Mode)
	}

	var labels func(i int) string
	switch res.Mode {
	case ModeMD5:
		if s.Count <= 0 {
			return Result{}, fmt.Errorf("%w: md5 mode needs a partition count", ErrInvalidSettings)
		}
		labels = func(i int) string { return md5Bucket(cols, i, s.Count) }
	case ModeNumerical:
		if s.Size <= 0 {
			return Result{}, fmt.Errorf("%w: numerical mode needs a partition size", ErrInvalidSettings)
		}
		labels = func(i int) string { return numericalBucket(cols[0], i, s.Size) }
	case ModeDatetime:
		labels = func(i int) string { return datetimeBucket(cols[0], i, res.Format) }
	default:
		return Result{}, fmt.Errorf("%w: unknown mode %q", ErrInvalidSettings, res.Mode)
	}

	bldr := array.NewStringBuilder(p.mem)
	defer bldr.Release()
	n := int(rec.NumRows())
	bldr.Reserve(n)
	for i := 0; i < n; i++ {
		bldr.Append(labels(i))
	}
	keyCol := bldr.NewArray()
	defer keyCol.Release()

	res.Record = withColumn(rec, arrow.Field{Name: Column, Type: arrow.BinaryTypes.String, Nullable: true}, keyCol)
	return res, nil
}

func (p *Partitioner) infer(rec arrow.Record, s Settings) Result {
	if s.Count > 0 && len(s.Keys) > 0 {
		return Result{Mode: ModeMD5, Keys: s.Keys}
	}
	if len(s.Keys) == 1 && s.Size > 0 {
		if idx := rec.Schema().FieldIndices(s.Keys[0]); len(idx) > 0 {
			col := rec.Column(idx[0])
			if isInteger(col.DataType()) && Dense(col, s.DenseRatio) {
				return Result{Mode: ModeNumerical, Keys: s.Keys}
			}
		}
	}
	for _, name := range DatetimeCandidates {
		idx := rec.Schema().FieldIndices(name)
		if len(idx) == 0 {
			continue
		}
		col := rec.Column(idx[0])
		if col.NullN() < col.Len() {
			return Result{Mode: ModeDatetime, Format: s.Format, Keys: []string{name}}
		}
	}
	return Result{}
}

// Dense reports whether an integer column looks like a mostly-contiguous
// incrementing id.
func Dense(col arrow.Array, ratio float64) bool {
	var (
		lo, hi int64
		n      int
	)
	for i := 0; i < col.Len(); i++ {
		v := value.FromArrow(col, i)
		if v.Kind() != value.KindInt {
			continue
		}
		x := v.Int()
		if n == 0 || x < lo {
			lo = x
		}
		if n == 0 || x > hi {
			hi = x
		}
		n++
	}
	if n == 0 {
		return false
	}
	span := float64(hi) - float64(lo) + 1
	return float64(n)/span >= ratio
}

func isInteger(dt arrow.DataType) bool {
	switch dt.ID() {
	case arrow.INT8, arrow.INT16, arrow.INT32, arrow.INT64,
		arrow.UINT8, arrow.UINT16, arrow.UINT32, arrow.UINT64:
		return true
	}
	return false
}

func normalizeKey(v value.Value) string {
	switch v.Kind() {
	case value.KindNull:
		return ""
	case value.KindTimestamp:
		return v.Time().UTC().Format("2006-01-02T15:04:05.999999")
	}
	return v.String()
}

func md5Bucket(cols []arrow.Array, i, count int) string {
	parts := make([]string, len(cols))
	for c, col := range cols {
		parts[c] = normalizeKey(value.FromArrow(col, i))
	}
	sum := md5.Sum([]byte(strings.Join(parts, "|")))
	n, _ := new(big.Int).SetString(hex.EncodeToString(sum[:]), 16)
	return n.Mod(n, big.NewInt(int64(count))).String()
}

func numericalBucket(col arrow.Array, i int, size int64) string {
	v := value.FromArrow(col, i)
	var x float64
	switch v.Kind() {
	case value.KindInt:
		q := v.Int() / size
		if v.Int()%size != 0 && v.Int() < 0 {
			q--
		}
		return fmt.Sprint(q)
	case value.KindFloat:
		x = v.Float()
	case value.KindDecimal:
		x = v.Decimal().Float64()
	default:
		return nullBucket
	}
	return fmt.Sprint(int64(math.Floor(x / float64(size))))
}

func datetimeBucket(col arrow.Array, i int, format Format) string {
	t, ok := columnar.AsTime(value.FromArrow(col, i))
	if !ok {
		t = sentinel
	}
	return FormatTime(t, format)
}

// FormatTime renders the partition label of t.
func FormatTime(t time.Time, format Format) string {
	t = t.UTC()
	switch format {
	case FormatDay:
		return t.Format("2006-01-02")
	case FormatWeek:
		year, week := t.ISOWeek()
		return fmt.Sprintf("%04d-w%02d", year, week)
	}
	return t.Format("2006-01")
}

// withColumn returns rec with col set as the named column, replacing an
// existing column of the same name.
func withColumn(rec arrow.Record, field arrow.Field, col arrow.Array) arrow.Record {
	fields := make([]arrow.Field, 0, rec.NumCols()+1)
	cols := make([]arrow.Array, 0, rec.NumCols()+1)
	for i, f := range rec.Schema().Fields() {
		if f.Name == field.Name {
			continue
		}
		fields = append(fields, f)
		cols = append(cols, rec.Column(i))
	}
	fields = append(fields, field)
	cols = append(cols, col)
	md := rec.Schema().Metadata()
	return array.NewRecord(arrow.NewSchema(fields, &md), cols, rec.NumRows())
}

// Group is the slice of a chunk belonging to one partition value.
type Group struct {
	Value  string
	Record arrow.Record
}

// Split groups rec by its partition column, in first-seen order. Every
// returned record must be released by the caller.
func Split(ctx context.Context, mem memory.Allocator, rec arrow.Record) ([]Group, error) {
	idx := rec.Schema().FieldIndices(Column)
	if len(idx) == 0 {
		return nil, fmt.Errorf("%w: record has no %s column", ErrInvalidSettings, Column)
	}
	keys, ok := rec.Column(idx[0]).(*array.String)
	if !ok {
		return nil, fmt.Errorf("%w: %s is %s, not string", ErrInvalidSettings, Column, rec.Column(idx[0]).DataType())
	}

	var order []string
	seen := make(map[string]struct{})
	for i := 0; i < keys.Len(); i++ {
		k := keys.Value(i)
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			order = append(order, k)
		}
	}
	if len(order) == 1 {
		rec.Retain()
		return []Group{{Value: order[0], Record: rec}}, nil
	}

	ctx = compute.WithAllocator(ctx, mem)
	groups := make([]Group, 0, len(order))
	for _, k := range order {
		mask := array.NewBooleanBuilder(mem)
		for i := 0; i < keys.Len(); i++ {
			mask.Append(keys.Value(i) == k)
		}
		filter := mask.NewArray()
		mask.Release()
		out, err := compute.FilterRecordBatch(ctx, rec, filter, compute.DefaultFilterOptions())
		filter.Release()
		if err != nil {
			for _, g := range groups {
				g.Record.Release()
			}
			return nil, fmt.Errorf("filtering partition %q: %w", k, err)
		}
		groups = append(groups, Group{Value: k, Record: out})
	}
	return groups, nil
}
