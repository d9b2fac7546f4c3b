package testutil

import (
	"math"
	"math/big"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/google/go-cmp/cmp"

	"github.com/arrowarc/lakesync/pkg/value"
)

var (
	alwaysEqual = cmp.Comparer(func(_, _ interface{}) bool { return true })

	defaultCmpOptions = []cmp.Option{
		cmp.Comparer(func(x, y *big.Int) bool {
			if x == nil || y == nil {
				return x == y
			}
			return x.Cmp(y) == 0
		}),
		// NaNs compare equal
		cmp.FilterValues(func(x, y float64) bool {
			return math.IsNaN(x) && math.IsNaN(y)
		}, alwaysEqual),
	}
)

// Equal tests two values for equality.
func Equal(x, y interface{}, opts ...cmp.Option) bool {
	opts = append(opts[:len(opts):len(opts)], defaultCmpOptions...)
	return cmp.Equal(x, y, opts...)
}

// Diff reports the differences between two values.
// Diff(x, y) == "" iff Equal(x, y).
func Diff(x, y interface{}, opts ...cmp.Option) string {
	opts = append(opts[:len(opts):len(opts)], defaultCmpOptions...)
	return cmp.Diff(x, y, opts...)
}

// Column returns the named column of rec rendered as strings, using nil
// for nulls. Decimals keep their scale digits. It panics if the column does not exist.
func Column(rec arrow.Record, name string) []interface{} {
	idx := rec.Schema().FieldIndices(name)
	if len(idx) == 0 {
		panic("testutil: no column " + name)
	}
	col := rec.Column(idx[0])
	out := make([]interface{}, col.Len())
	for i := 0; i < col.Len(); i++ {
		if col.IsNull(i) {
			continue
		}
		out[i] = value.FromArrow(col, i).String()
	}
	return out
}

// Strings returns a string column's values with nil for nulls.
func Strings(rec arrow.Record, name string) []interface{} {
	idx := rec.Schema().FieldIndices(name)
	if len(idx) == 0 {
		panic("testutil: no column " + name)
	}
	col := rec.Column(idx[0]).(*array.String)
	out := make([]interface{}, col.Len())
	for i := 0; i < col.Len(); i++ {
		if col.IsValid(i) {
			out[i] = col.Value(i)
		}
	}
	return out
}
