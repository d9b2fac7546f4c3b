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

package columnar

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/decimal128"
	"github.com/apache/arrow/go/v17/arrow/decimal256"
	"github.com/apache/arrow/go/v17/arrow/memory"

	"github.com/arrowarc/lakesync/pkg/value"
)

var (
	// ErrDecimalOverflow reports a value that does not fit a decimal type
	// without losing digits.
	ErrDecimalOverflow = errors.New("columnar: decimal overflow")
	// ErrConversion reports a value that cannot be represented in the
	// builder's type.
	ErrConversion = errors.New("columnar: conversion failed")
)

// TimestampUS is the timestamp type produced for timestamp columns.
var TimestampUS = &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseTime parses the timestamp layouts sources commonly emit.
func ParseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// EpochToTime interprets an integer epoch, picking seconds, milliseconds or
// microseconds by magnitude.
func EpochToTime(v int64) time.Time {
	abs := v
	if abs < 0 {
		abs = -abs
	}
	switch {
	case abs < 1e11:
		return time.Unix(v, 0).UTC()
	case abs < 1e14:
		return time.UnixMilli(v).UTC()
	case abs < 1e17:
		return time.UnixMicro(v).UTC()
	}
	return time.Unix(0, v).UTC()
}

// AsTime converts timestamp-like values to a time.
func AsTime(v value.Value) (time.Time, bool) {
	switch v.Kind() {
	case value.KindTimestamp, value.KindDate:
		return v.Time(), true
	case value.KindInt:
		return EpochToTime(v.Int()), true
	case value.KindFloat:
		if math.IsNaN(v.Float()) || math.IsInf(v.Float(), 0) {
			return time.Time{}, false
		}
		sec, frac := math.Modf(v.Float())
		return time.Unix(int64(sec), int64(frac*1e9)).UTC(), true
	case value.KindString:
		return ParseTime(v.Str())
	}
	return time.Time{}, false
}

func toTimestamp(t time.Time, unit arrow.TimeUnit) arrow.Timestamp {
	switch unit {
	case arrow.Second:
		return arrow.Timestamp(t.Unix())
	case arrow.Millisecond:
		return arrow.Timestamp(t.UnixMilli())
	case arrow.Microsecond:
		return arrow.Timestamp(t.UnixMicro())
	}
	return arrow.Timestamp(t.UnixNano())
}

func daysSinceEpoch(t time.Time) int64 {
	y, m, d := t.Date()
	days := time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Unix() / 86400
	return days
}

// DecimalUnscaled rescales d for a decimal type of the given precision and
// scale and reports ErrDecimalOverflow when digits would be lost.
func DecimalUnscaled(d value.Decimal, precision, scale int32) (*big.Int, error) {
	if d.IsSpecial() {
		return nil, fmt.Errorf("%w: %s", ErrConversion, d)
	}
	u, exact := d.Rescale(scale)
	if !exact || digitCount(u) > precision {
		return nil, fmt.Errorf("%w: %s does not fit decimal(%d, %d)", ErrDecimalOverflow, d, precision, scale)
	}
	return u, nil
}

func digitCount(u *big.Int) int32 {
	if u.Sign() == 0 {
		return 1
	}
	return int32(len(new(big.Int).Abs(u).String()))
}

// AppendValue appends v to b, converting between kinds where the target
// type allows it. Null, NaN and infinite values are appended as null for
// numeric builders.
func AppendValue(b array.Builder, v value.Value) error {
	if v.IsNull() {
		b.AppendNull()
		return nil
	}

	switch bldr := b.(type) {
	case *array.NullBuilder:
		bldr.AppendNull()
	case *array.Int8Builder, *array.Int16Builder, *array.Int32Builder, *array.Int64Builder,
		*array.Uint8Builder, *array.Uint16Builder, *array.Uint32Builder, *array.Uint64Builder:
		i, ok := asInt64(v)
		if !ok || !appendInt(b, i) {
			return conversionError(v, b.Type())
		}
	case *array.Float32Builder:
		f, ok := asFloat64(v)
		if !ok {
			return conversionError(v, b.Type())
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			bldr.AppendNull()
			return nil
		}
		bldr.Append(float32(f))
	case *array.Float64Builder:
		f, ok := asFloat64(v)
		if !ok {
			return conversionError(v, b.Type())
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			bldr.AppendNull()
			return nil
		}
		bldr.Append(f)
	case *array.BooleanBuilder:
		bv, ok := asBool(v)
		if !ok {
			return conversionError(v, b.Type())
		}
		bldr.Append(bv)
	case *array.StringBuilder:
		s, err := asString(v)
		if err != nil {
			return err
		}
		bldr.Append(s)
	case *array.LargeStringBuilder:
		s, err := asString(v)
		if err != nil {
			return err
		}
		bldr.Append(s)
	case *array.BinaryBuilder:
		if v.Kind() == value.KindBytes {
			bldr.Append(v.Bytes())
		} else {
			bldr.AppendString(v.String())
		}
	case *array.TimestampBuilder:
		t, ok := AsTime(v)
		if !ok {
			return conversionError(v, b.Type())
		}
		bldr.Append(toTimestamp(t, bldr.Type().(*arrow.TimestampType).Unit))
	case *array.Date32Builder:
		t, ok := AsTime(v)
		if !ok {
			return conversionError(v, b.Type())
		}
		bldr.Append(arrow.Date32(daysSinceEpoch(t)))
	case *array.Date64Builder:
		t, ok := AsTime(v)
		if !ok {
			return conversionError(v, b.Type())
		}
		bldr.Append(arrow.Date64(daysSinceEpoch(t) * 86400000))
	case *array.DurationBuilder:
		var d time.Duration
		switch v.Kind() {
		case value.KindDuration:
			d = v.Duration()
		case value.KindInt:
			d = time.Duration(v.Int()) * time.Second
		default:
			return conversionError(v, b.Type())
		}
		unit := bldr.Type().(*arrow.DurationType).Unit
		bldr.Append(arrow.Duration(d / unit.Multiplier()))
	case *array.Decimal128Builder:
		if v.IsNaN() || v.IsInf() {
			bldr.AppendNull()
			return nil
		}
		d, ok := v.AsDecimal()
		if !ok {
			return conversionError(v, b.Type())
		}
		dt := bldr.Type().(*arrow.Decimal128Type)
		u, err := DecimalUnscaled(d, dt.Precision, dt.Scale)
		if err != nil {
			return err
		}
		bldr.Append(decimal128.FromBigInt(u))
	case *array.Decimal256Builder:
		if v.IsNaN() || v.IsInf() {
			bldr.AppendNull()
			return nil
		}
		d, ok := v.AsDecimal()
		if !ok {
			return conversionError(v, b.Type())
		}
		dt := bldr.Type().(*arrow.Decimal256Type)
		u, err := DecimalUnscaled(d, dt.Precision, dt.Scale)
		if err != nil {
			return err
		}
		bldr.Append(decimal256.FromBigInt(u))
	case *array.ListBuilder:
		elems := v.List()
		if v.Kind() != value.KindList {
			elems = []value.Value{v}
		}
		bldr.Append(true)
		for _, e := range elems {
			if err := AppendValue(bldr.ValueBuilder(), e); err != nil {
				return err
			}
		}
	case *array.StructBuilder:
		if v.Kind() != value.KindStruct {
			return conversionError(v, b.Type())
		}
		st := bldr.Type().(*arrow.StructType)
		bldr.Append(true)
		for i := 0; i < st.NumFields(); i++ {
			fv, _ := v.Fields().Get(st.Field(i).Name)
			if err := AppendValue(bldr.FieldBuilder(i), fv); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("%w: unsupported builder for %s", ErrConversion, b.Type())
	}
	return nil
}

func conversionError(v value.Value, dt arrow.DataType) error {
	return fmt.Errorf("%w: %s value %q to %s", ErrConversion, v.Kind(), v.String(), dt)
}

// appendInt appends i to an integer builder and reports false when i is
// out of the builder's range.
func appendInt(b array.Builder, i int64) bool {
	switch bldr := b.(type) {
	case *array.Int8Builder:
		if i < math.MinInt8 || i > math.MaxInt8 {
			return false
		}
		bldr.Append(int8(i))
	case *array.Int16Builder:
		if i < math.MinInt16 || i > math.MaxInt16 {
			return false
		}
		bldr.Append(int16(i))
	case *array.Int32Builder:
		if i < math.MinInt32 || i > math.MaxInt32 {
			return false
		}
		bldr.Append(int32(i))
	case *array.Int64Builder:
		bldr.Append(i)
	case *array.Uint8Builder:
		if i < 0 || i > math.MaxUint8 {
			return false
		}
		bldr.Append(uint8(i))
	case *array.Uint16Builder:
		if i < 0 || i > math.MaxUint16 {
			return false
		}
		bldr.Append(uint16(i))
	case *array.Uint32Builder:
		if i < 0 || i > math.MaxUint32 {
			return false
		}
		bldr.Append(uint32(i))
	case *array.Uint64Builder:
		if i < 0 {
			return false
		}
		bldr.Append(uint64(i))
	}
	return true
}

func asInt64(v value.Value) (int64, bool) {
	switch v.Kind() {
	case value.KindInt:
		return v.Int(), true
	case value.KindBool:
		if v.Bool() {
			return 1, true
		}
		return 0, true
	case value.KindFloat:
		f := v.Float()
		if f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
			return 0, false
		}
		return int64(f), true
	case value.KindDecimal:
		u, err := DecimalUnscaled(v.Decimal(), 19, 0)
		if err != nil || !u.IsInt64() {
			return 0, false
		}
		return u.Int64(), true
	case value.KindString:
		i, err := strconv.ParseInt(strings.TrimSpace(v.Str()), 10, 64)
		return i, err == nil
	case value.KindTimestamp:
		return v.Time().UnixMicro(), true
	case value.KindDuration:
		return int64(v.Duration().Seconds()), true
	}
	return 0, false
}

func asFloat64(v value.Value) (float64, bool) {
	switch v.Kind() {
	case value.KindFloat:
		return v.Float(), true
	case value.KindInt:
		return float64(v.Int()), true
	case value.KindDecimal:
		return v.Decimal().Float64(), true
	case value.KindBool:
		if v.Bool() {
			return 1, true
		}
		return 0, true
	case value.KindString:
		f, err := strconv.ParseFloat(strings.TrimSpace(v.Str()), 64)
		return f, err == nil
	case value.KindDuration:
		return v.Duration().Seconds(), true
	}
	return 0, false
}

func asBool(v value.Value) (bool, bool) {
	switch v.Kind() {
	case value.KindBool:
		return v.Bool(), true
	case value.KindInt:
		return v.Int() != 0, true
	case value.KindString:
		b, err := strconv.ParseBool(strings.TrimSpace(v.Str()))
		return b, err == nil
	}
	return false, false
}

// asString stringifies scalars and JSON-encodes lists and structs.
func asString(v value.Value) (string, error) {
	switch v.Kind() {
	case value.KindList, value.KindStruct:
		return v.JSON()
	}
	return v.String(), nil
}

// NewArray builds an array of type dt from vals.
func NewArray(mem memory.Allocator, dt arrow.DataType, vals []value.Value) (arrow.Array, error) {
	if dt.ID() == arrow.NULL {
		return array.MakeArrayOfNull(mem, dt, len(vals)), nil
	}
	bldr := array.NewBuilder(mem, dt)
	defer bldr.Release()
	bldr.Reserve(len(vals))
	for _, v := range vals {
		if err := AppendValue(bldr, v); err != nil {
			return nil, err
		}
	}
	return bldr.NewArray(), nil
}

// Values reads every row of arr as a Value.
func Values(arr arrow.Array) []value.Value {
	out := make([]value.Value, arr.Len())
	for i := range out {
		out[i] = value.FromArrow(arr, i)
	}
	return out
}
