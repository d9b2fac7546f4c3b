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

// Package columnar converts heterogeneous source rows into Arrow records with
// exactly one resolved type per column.
package columnar

import (
	"errors"
	"fmt"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/memory"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	imem "github.com/arrowarc/lakesync/internal/memory"
	"github.com/arrowarc/lakesync/pkg/logging"
	"github.com/arrowarc/lakesync/pkg/value"
)

// ErrNoRows is returned when there is neither data nor a target schema to
// build a record from.
var ErrNoRows = errors.New("columnar: no rows and no schema to build a table from")

const (
	maxDecimal128Precision = 38
	maxDecimal256Precision = 76
)

type Options struct {
	Allocator memory.Allocator
	Logger    log.Logger
}

// Builder is stateless apart from its allocator and may be shared.
type Builder struct {
	mem    memory.Allocator
	logger log.Logger
}

func NewBuilder(opts Options) *Builder {
	mem := opts.Allocator
	if mem == nil {
		mem = imem.Default()
	}
	return &Builder{mem: mem, logger: logging.OrNop(opts.Logger)}
}

// Build converts rows into a record. Columns appear in first-seen order.
// When target is non-nil its field types guide decimal, timestamp and binary
// handling; hints supply declared types for columns with only nulls. Raw
// binary columns are dropped. Rows are never dropped.
func (b *Builder) Build(rows []value.Row, target *arrow.Schema, hints map[string]arrow.DataType) (arrow.Record, error) {
	names := columnOrder(rows)
	if len(names) == 0 && target == nil {
		return nil, ErrNoRows
	}
	if len(names) == 0 {
		return b.emptyRecord(target), nil
	}

	fields := make([]arrow.Field, 0, len(names))
	cols := make([]arrow.Array, 0, len(names))
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()

	for _, name := range names {
		vals := make([]value.Value, len(rows))
		for i, r := range rows {
			vals[i], _ = r.Get(name)
		}

		var tf *arrow.Field
		if target != nil {
			if idx := target.FieldIndices(name); len(idx) > 0 {
				f := target.Field(idx[0])
				tf = &f
			}
		}

		col, err := b.buildColumn(name, vals, tf, hints[name])
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", name, err)
		}
		if col == nil {
			level.Debug(b.logger).Log("msg", "dropping binary column", "column", name)
			continue
		}
		fields = append(fields, arrow.Field{Name: name, Type: col.DataType(), Nullable: true})
		cols = append(cols, col)
	}

	return array.NewRecord(arrow.NewSchema(fields, nil), cols, int64(len(rows))), nil
}

func (b *Builder) emptyRecord(target *arrow.Schema) arrow.Record {
	fields := make([]arrow.Field, 0, target.NumFields())
	cols := make([]arrow.Array, 0, target.NumFields())
	for _, f := range target.Fields() {
		if IsBinary(f.Type) {
			continue
		}
		fields = append(fields, f)
		cols = append(cols, array.MakeArrayOfNull(b.mem, f.Type, 0))
	}
	rec := array.NewRecord(arrow.NewSchema(fields, nil), cols, 0)
	for _, c := range cols {
		c.Release()
	}
	return rec
}

func columnOrder(rows []value.Row) []string {
	seen := make(map[string]struct{})
	var names []string
	for _, r := range rows {
		for _, f := range r {
			if _, ok := seen[f.Name]; ok {
				continue
			}
			seen[f.Name] = struct{}{}
			names = append(names, f.Name)
		}
	}
	return names
}

// kinds is the ordered set of non-null kinds in a column. UUID and IP
// values count as strings, dates count as timestamps when both appear.
type kinds []value.Kind

func (ks kinds) has(k value.Kind) bool {
	for _, x := range ks {
		if x == k {
			return true
		}
	}
	return false
}

func (ks kinds) only(allowed ...value.Kind) bool {
	for _, k := range ks {
		if !kinds(allowed).has(k) {
			return false
		}
	}
	return len(ks) > 0
}

func kindsOf(vals []value.Value) kinds {
	var ks kinds
	for _, v := range vals {
		k := v.Kind()
		switch k {
		case value.KindNull:
			continue
		case value.KindUUID, value.KindIP:
			k = value.KindString
		}
		if !ks.has(k) {
			ks = append(ks, k)
		}
	}
	if ks.has(value.KindDate) && ks.has(value.KindTimestamp) {
		out := ks[:0]
		for _, k := range ks {
			if k != value.KindDate {
				out = append(out, k)
			}
		}
		ks = out
	}
	return ks
}

func (b *Builder) buildColumn(name string, vals []value.Value, tf *arrow.Field, hint arrow.DataType) (arrow.Array, error) {
	for i, v := range vals {
		if v.Kind() == value.KindFloat && v.IsNaN() {
			vals[i] = value.Null()
		}
	}
	ks := kindsOf(vals)

	if tf != nil && IsBinary(tf.Type) {
		return nil, nil
	}
	if ks.only(value.KindBytes) {
		return nil, nil
	}

	if len(ks) == 0 {
		dt := arrow.DataType(arrow.Null)
		switch {
		case tf != nil:
			dt = tf.Type
		case hint != nil:
			dt = hint
		}
		return array.MakeArrayOfNull(b.mem, dt, len(vals)), nil
	}

	if tf != nil {
		col, ok, err := b.reconcile(name, vals, ks, tf.Type)
		if err != nil || ok {
			return col, err
		}
	}

	switch {
	case ks.only(value.KindInt):
		return NewArray(b.mem, arrow.PrimitiveTypes.Int64, vals)
	case ks.only(value.KindFloat):
		return NewArray(b.mem, arrow.PrimitiveTypes.Float64, vals)
	case ks.only(value.KindInt, value.KindFloat, value.KindDecimal):
		return b.decimalColumn(name, vals, nil)
	case ks.only(value.KindBool):
		return NewArray(b.mem, arrow.FixedWidthTypes.Boolean, vals)
	case ks.only(value.KindString):
		return NewArray(b.mem, arrow.BinaryTypes.String, vals)
	case ks.only(value.KindTimestamp):
		return NewArray(b.mem, TimestampUS, vals)
	case ks.only(value.KindDate):
		return NewArray(b.mem, arrow.FixedWidthTypes.Date32, vals)
	case ks.only(value.KindDuration):
		return NewArray(b.mem, arrow.FixedWidthTypes.Duration_us, vals)
	case ks.has(value.KindList):
		for i, v := range vals {
			if !v.IsNull() && v.Kind() != value.KindList {
				vals[i] = value.List([]value.Value{v})
			}
		}
		return b.jsonColumn(vals)
	case ks.only(value.KindStruct):
		return b.jsonColumn(vals)
	}

	level.Debug(b.logger).Log("msg", "mixed column stringified", "column", name, "kinds", fmt.Sprint(ks))
	return b.jsonColumn(vals)
}

// reconcile builds the column directly in the target type when the data
// allows it. ok is false when the natural inference should be used instead.
func (b *Builder) reconcile(name string, vals []value.Value, ks kinds, dt arrow.DataType) (arrow.Array, bool, error) {
	switch dt.ID() {
	case arrow.DECIMAL128, arrow.DECIMAL256:
		if !ks.only(value.KindInt, value.KindFloat, value.KindDecimal, value.KindString) {
			return nil, false, nil
		}
		for _, v := range vals {
			if v.IsNull() {
				continue
			}
			if _, ok := v.AsDecimal(); !ok {
				return nil, false, nil
			}
		}
		col, err := b.decimalColumn(name, vals, dt)
		return col, true, err
	case arrow.TIMESTAMP:
		if !ks.only(value.KindString, value.KindInt, value.KindTimestamp, value.KindDate) {
			return nil, false, nil
		}
		col, err := NewArray(b.mem, TimestampUS, vals)
		if err != nil {
			level.Debug(b.logger).Log("msg", "timestamp reconcile failed", "column", name, "err", err)
			return nil, false, nil
		}
		return col, true, nil
	case arrow.DURATION:
		if ks.only(value.KindDuration) {
			col, err := NewArray(b.mem, dt, vals)
			return col, true, err
		}
	}
	return nil, false, nil
}

func (b *Builder) jsonColumn(vals []value.Value) (arrow.Array, error) {
	bldr := array.NewStringBuilder(b.mem)
	defer bldr.Release()
	bldr.Reserve(len(vals))
	for _, v := range vals {
		if v.IsNull() {
			bldr.AppendNull()
			continue
		}
		s, err := v.JSON()
		if err != nil {
			return nil, err
		}
		bldr.Append(s)
	}
	return bldr.NewArray(), nil
}

// decimalColumn coerces every value to a decimal. With a nil target the
// type is sized from the data. On overflow the type falls back to the widest
// 128-bit or 256-bit decimal that holds the data, and to strings beyond that.
func (b *Builder) decimalColumn(name string, vals []value.Value, target arrow.DataType) (arrow.Array, error) {
	ds := make([]value.Decimal, 0, len(vals))
	for i, v := range vals {
		if v.IsNull() {
			continue
		}
		if v.IsNaN() || v.IsInf() {
			vals[i] = value.Null()
			continue
		}
		d, ok := v.AsDecimal()
		if !ok {
			return nil, conversionError(v, target)
		}
		vals[i] = value.Dec(d)
		ds = append(ds, d)
	}

	dt := target
	if dt == nil {
		dt = DecimalType(ds)
	}
	if dt != nil {
		col, err := NewArray(b.mem, dt, vals)
		if err == nil {
			return col, nil
		}
		if !errors.Is(err, ErrDecimalOverflow) {
			return nil, err
		}
		level.Warn(b.logger).Log("msg", "decimal overflow, widening", "column", name, "type", dt, "err", err)
	}

	dt = WidestDecimal(ds, dt)
	if dt == nil {
		level.Warn(b.logger).Log("msg", "decimal exceeds 256-bit precision, storing as string", "column", name)
		return NewArray(b.mem, arrow.BinaryTypes.String, vals)
	}
	return NewArray(b.mem, dt, vals)
}

// DecimalType returns the narrowest decimal type representing every value
// exactly. The scale is never 0 since the table format rejects it. Returns
// nil when more than 76 digits are needed.
func DecimalType(ds []value.Decimal) arrow.DataType {
	intDigits, scale := decimalBounds(ds)
	precision := intDigits + scale
	if scale == 0 {
		scale = 1
		precision++
	}
	return decimalOf(precision, scale)
}

// WidestDecimal returns a max-precision decimal type whose scale covers both
// the data and prev.
func WidestDecimal(ds []value.Decimal, prev arrow.DataType) arrow.DataType {
	intDigits, scale := decimalBounds(ds)
	if p, s, ok := DecimalParams(prev); ok {
		if s > scale {
			scale = s
		}
		if p-s > intDigits {
			intDigits = p - s
		}
	}
	if scale == 0 {
		scale = 1
	}
	switch {
	case intDigits+scale <= maxDecimal128Precision:
		return &arrow.Decimal128Type{Precision: maxDecimal128Precision, Scale: scale}
	case intDigits+scale <= maxDecimal256Precision:
		return &arrow.Decimal256Type{Precision: maxDecimal256Precision, Scale: scale}
	}
	return nil
}

func decimalBounds(ds []value.Decimal) (intDigits, scale int32) {
	for _, d := range ds {
		if d.IsSpecial() {
			continue
		}
		if n := d.IntegerDigits(); n > intDigits {
			intDigits = n
		}
		if s := d.Scale(); s > scale {
			scale = s
		}
	}
	return intDigits, scale
}

func decimalOf(precision, scale int32) arrow.DataType {
	switch {
	case precision <= maxDecimal128Precision:
		return &arrow.Decimal128Type{Precision: precision, Scale: scale}
	case precision <= maxDecimal256Precision:
		return &arrow.Decimal256Type{Precision: precision, Scale: scale}
	}
	return nil
}

// DecimalParams returns the precision and scale of a decimal type.
func DecimalParams(dt arrow.DataType) (precision, scale int32, ok bool) {
	switch t := dt.(type) {
	case *arrow.Decimal128Type:
		return t.Precision, t.Scale, true
	case *arrow.Decimal256Type:
		return t.Precision, t.Scale, true
	}
	return 0, 0, false
}

// IsBinary reports raw binary types, which are never stored.
func IsBinary(dt arrow.DataType) bool {
	switch dt.ID() {
	case arrow.BINARY, arrow.LARGE_BINARY, arrow.FIXED_SIZE_BINARY, arrow.BINARY_VIEW:
		return true
	}
	return false
}
