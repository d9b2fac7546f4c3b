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

// Package schema reconciles incoming chunks with the schema of the table
// they are written to.
package schema

import (
	"context"
	"fmt"
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

// TimestampNaive is the timestamp type stored in tables.
var TimestampNaive = &arrow.TimestampType{Unit: arrow.Microsecond}

type Options struct {
	Allocator memory.Allocator
	Logger    log.Logger
}

// Evolver is stateless apart from its allocator and may be shared.
type Evolver struct {
	mem    memory.Allocator
	logger log.Logger
}

func NewEvolver(opts Options) *Evolver {
	mem := opts.Allocator
	if mem == nil {
		mem = imem.Default()
	}
	return &Evolver{mem: mem, logger: logging.OrNop(opts.Logger)}
}

type column struct {
	field arrow.Field
	arr   arrow.Array
}

// Evolve returns a new record shaped for target. Nested columns become JSON
// strings, durations become whole seconds, timestamps become naive
// microseconds and binary columns are dropped. When target is non-nil
// missing fields are added, decimals are widened, mismatched types are cast
// and non-nullable fields are null-filled with defaults. Evolving an already
// evolved record against the same target returns an equal record.
func (e *Evolver) Evolve(ctx context.Context, rec arrow.Record, target *arrow.Schema) (arrow.Record, error) {
	cols := make([]column, 0, rec.NumCols())
	defer func() {
		for _, c := range cols {
			c.arr.Release()
		}
	}()

	for i, f := range rec.Schema().Fields() {
		arr, err := e.normalize(rec.Column(i))
		if err != nil {
			return nil, fmt.Errorf("normalizing column %q: %w", f.Name, err)
		}
		if arr == nil {
			level.Debug(e.logger).Log("msg", "dropping binary column", "column", f.Name)
			continue
		}
		f.Type = arr.DataType()
		cols = append(cols, column{field: f, arr: arr})
	}

	if target != nil {
		present := make(map[string]int, len(cols))
		for i, c := range cols {
			present[c.field.Name] = i
		}
		for _, tf := range target.Fields() {
			if columnar.IsBinary(tf.Type) {
				continue
			}
			i, ok := present[tf.Name]
			if !ok {
				arr, err := e.missing(tf, int(rec.NumRows()))
				if err != nil {
					return nil, fmt.Errorf("adding column %q: %w", tf.Name, err)
				}
				cols = append(cols, column{field: tf, arr: arr})
				continue
			}
			if err := e.reconcile(ctx, &cols[i], tf); err != nil {
				return nil, fmt.Errorf("reconciling column %q: %w", tf.Name, err)
			}
		}
	}

	fields := make([]arrow.Field, len(cols))
	arrs := make([]arrow.Array, len(cols))
	for i, c := range cols {
		fields[i], arrs[i] = c.field, c.arr
	}
	md := rec.Schema().Metadata()
	out := array.NewRecord(arrow.NewSchema(fields, &md), arrs, rec.NumRows())
	defer out.Release()
	return e.StorageCompatible(ctx, out)
}

// normalize flattens nested columns and converts durations and timestamps.
// It returns a new reference, or nil for binary columns.
func (e *Evolver) normalize(arr arrow.Array) (arrow.Array, error) {
	dt := arr.DataType()
	switch dt.ID() {
	case arrow.STRUCT, arrow.LIST, arrow.LARGE_LIST, arrow.FIXED_SIZE_LIST, arrow.MAP:
		return e.toJSON(arr)
	case arrow.DURATION:
		return e.durationSeconds(arr)
	case arrow.TIMESTAMP:
		ts := dt.(*arrow.TimestampType)
		if ts.Unit == arrow.Microsecond && ts.TimeZone == "" {
			break
		}
		if ts.Unit == arrow.Microsecond {
			return retype(arr, TimestampNaive), nil
		}
		return columnar.NewArray(e.mem, TimestampNaive, columnar.Values(arr))
	}
	if columnar.IsBinary(dt) {
		return nil, nil
	}
	arr.Retain()
	return arr, nil
}

func (e *Evolver) toJSON(arr arrow.Array) (arrow.Array, error) {
	bldr := array.NewStringBuilder(e.mem)
	defer bldr.Release()
	bldr.Reserve(arr.Len())
	for i := 0; i < arr.Len(); i++ {
		if arr.IsNull(i) {
			bldr.AppendNull()
			continue
		}
		s, err := value.FromArrow(arr, i).JSON()
		if err != nil {
			return nil, err
		}
		bldr.Append(s)
	}
	return bldr.NewArray(), nil
}

func (e *Evolver) durationSeconds(arr arrow.Array) (arrow.Array, error) {
	bldr := array.NewInt64Builder(e.mem)
	defer bldr.Release()
	bldr.Reserve(arr.Len())
	for i := 0; i < arr.Len(); i++ {
		if arr.IsNull(i) {
			bldr.AppendNull()
			continue
		}
		bldr.Append(int64(value.FromArrow(arr, i).Duration() / time.Second))
	}
	return bldr.NewArray(), nil
}

// retype reinterprets the buffers of arr as dt. Only valid between types
// with identical physical layout.
func retype(arr arrow.Array, dt arrow.DataType) arrow.Array {
	src := arr.Data()
	data := array.NewData(dt, src.Len(), src.Buffers(), src.Children(), src.NullN(), src.Offset())
	defer data.Release()
	return array.MakeFromData(data)
}

func (e *Evolver) missing(tf arrow.Field, n int) (arrow.Array, error) {
	if tf.Nullable {
		return array.MakeArrayOfNull(e.mem, tf.Type, n), nil
	}
	def, err := DefaultValue(tf.Type)
	if err != nil {
		return nil, err
	}
	vals := make([]value.Value, n)
	for i := range vals {
		vals[i] = def
	}
	return columnar.NewArray(e.mem, tf.Type, vals)
}

func (e *Evolver) reconcile(ctx context.Context, c *column, tf arrow.Field) error {
	if !arrow.TypeEqual(c.arr.DataType(), tf.Type) {
		casted, err := e.cast(ctx, c.arr, tf.Type)
		if err != nil {
			// Left as is; the writer's schema mismatch handling takes over.
			level.Warn(e.logger).Log("msg", "could not cast column to table type", "column", tf.Name,
				"from", c.arr.DataType(), "to", tf.Type, "err", err)
			return nil
		}
		c.arr.Release()
		c.arr = casted
		c.field.Type = tf.Type
	}

	if !tf.Nullable && c.arr.NullN() > 0 {
		filled, err := e.fillNulls(c.arr, tf.Type)
		if err != nil {
			return err
		}
		c.arr.Release()
		c.arr = filled
	}
	if !tf.Nullable {
		c.field.Nullable = false
	}
	return nil
}

// cast converts arr to dt. Decimals that fit are widened, timestamps are
// reinterpreted or rescaled, everything else goes through a safe compute
// cast with a per-value conversion as fallback.
func (e *Evolver) cast(ctx context.Context, arr arrow.Array, dt arrow.DataType) (arrow.Array, error) {
	src := arr.DataType()
	if tp, ts, ok := columnar.DecimalParams(dt); ok {
		if sp, ss, ok := columnar.DecimalParams(src); ok && tp >= sp && ts >= ss {
			return columnar.NewArray(e.mem, dt, columnar.Values(arr))
		}
	}
	if src.ID() == arrow.TIMESTAMP && dt.ID() == arrow.TIMESTAMP {
		if src.(*arrow.TimestampType).Unit == dt.(*arrow.TimestampType).Unit {
			return retype(arr, dt), nil
		}
		return columnar.NewArray(e.mem, dt, columnar.Values(arr))
	}
	if dt.ID() == arrow.STRING && (src.ID() == arrow.TIMESTAMP || src.ID() == arrow.DECIMAL128 || src.ID() == arrow.DECIMAL256) {
		return columnar.NewArray(e.mem, dt, columnar.Values(arr))
	}

	out, err := compute.CastArray(compute.WithAllocator(ctx, e.mem), arr, compute.SafeCastOptions(dt))
	if err == nil {
		return out, nil
	}
	level.Debug(e.logger).Log("msg", "compute cast failed, converting per value", "from", src, "to", dt, "err", err)
	return columnar.NewArray(e.mem, dt, columnar.Values(arr))
}

func (e *Evolver) fillNulls(arr arrow.Array, dt arrow.DataType) (arrow.Array, error) {
	def, err := DefaultValue(dt)
	if err != nil {
		return nil, err
	}
	vals := columnar.Values(arr)
	for i, v := range vals {
		if v.IsNull() {
			vals[i] = def
		}
	}
	return columnar.NewArray(e.mem, dt, vals)
}

// StorageType maps dt to a type the table format can store.
func StorageType(dt arrow.DataType) arrow.DataType {
	switch dt.ID() {
	case arrow.NULL, arrow.LARGE_STRING, arrow.STRING_VIEW, arrow.TIME32, arrow.TIME64, arrow.INTERVAL_MONTHS,
		arrow.INTERVAL_DAY_TIME, arrow.INTERVAL_MONTH_DAY_NANO:
		return arrow.BinaryTypes.String
	case arrow.UINT8:
		return arrow.PrimitiveTypes.Int16
	case arrow.UINT16:
		return arrow.PrimitiveTypes.Int32
	case arrow.UINT32:
		return arrow.PrimitiveTypes.Int64
	case arrow.UINT64:
		return &arrow.Decimal128Type{Precision: 21, Scale: 1}
	case arrow.FLOAT16:
		return arrow.PrimitiveTypes.Float32
	case arrow.DATE64:
		return arrow.FixedWidthTypes.Date32
	case arrow.DURATION:
		return arrow.PrimitiveTypes.Int64
	case arrow.TIMESTAMP:
		return TimestampNaive
	case arrow.DICTIONARY:
		return StorageType(dt.(*arrow.DictionaryType).ValueType)
	case arrow.STRUCT, arrow.LIST, arrow.LARGE_LIST, arrow.FIXED_SIZE_LIST, arrow.MAP:
		return arrow.BinaryTypes.String
	case arrow.DECIMAL128, arrow.DECIMAL256:
		if p, s, _ := columnar.DecimalParams(dt); s == 0 {
			if p < 38 {
				return &arrow.Decimal128Type{Precision: p + 1, Scale: 1}
			}
			return &arrow.Decimal256Type{Precision: min(p+1, 76), Scale: 1}
		}
	}
	return dt
}

// StorageSchema maps every field of s through StorageType.
func StorageSchema(s *arrow.Schema) *arrow.Schema {
	fields := make([]arrow.Field, s.NumFields())
	for i, f := range s.Fields() {
		f.Type = StorageType(f.Type)
		fields[i] = f
	}
	md := s.Metadata()
	return arrow.NewSchema(fields, &md)
}

// StorageCompatible casts every column of rec to its storage type. The
// returned record is a new reference.
func (e *Evolver) StorageCompatible(ctx context.Context, rec arrow.Record) (arrow.Record, error) {
	target := StorageSchema(rec.Schema())
	if target.Equal(rec.Schema()) {
		rec.Retain()
		return rec, nil
	}
	arrs := make([]arrow.Array, rec.NumCols())
	defer func() {
		for _, a := range arrs {
			if a != nil {
				a.Release()
			}
		}
	}()
	for i, f := range target.Fields() {
		col := rec.Column(i)
		if arrow.TypeEqual(col.DataType(), f.Type) {
			col.Retain()
			arrs[i] = col
			continue
		}
		var (
			arr arrow.Array
			err error
		)
		switch col.DataType().ID() {
		case arrow.NULL:
			arr = array.MakeArrayOfNull(e.mem, f.Type, col.Len())
		case arrow.DICTIONARY:
			arr, err = columnar.NewArray(e.mem, f.Type, dictValues(col.(*array.Dictionary)))
		default:
			arr, err = e.cast(ctx, col, f.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("storage cast of column %q: %w", f.Name, err)
		}
		arrs[i] = arr
	}
	return array.NewRecord(target, arrs, rec.NumRows()), nil
}

func dictValues(d *array.Dictionary) []value.Value {
	out := make([]value.Value, d.Len())
	dict := d.Dictionary()
	for i := range out {
		if d.IsNull(i) {
			continue
		}
		out[i] = value.FromArrow(dict, d.GetValueIndex(i))
	}
	return out
}
