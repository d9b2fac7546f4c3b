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

package value

import (
	"math/big"
	"time"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
)

// FromArrow reads row i of arr as a Value.
func FromArrow(arr arrow.Array, i int) Value {
	if arr.IsNull(i) {
		return Null()
	}
	switch a := arr.(type) {
	case *array.Int8:
		return Int(int64(a.Value(i)))
	case *array.Int16:
		return Int(int64(a.Value(i)))
	case *array.Int32:
		return Int(int64(a.Value(i)))
	case *array.Int64:
		return Int(a.Value(i))
	case *array.Uint8:
		return Int(int64(a.Value(i)))
	case *array.Uint16:
		return Int(int64(a.Value(i)))
	case *array.Uint32:
		return Int(int64(a.Value(i)))
	case *array.Uint64:
		return ofUint(a.Value(i))
	case *array.Float16:
		return Float(float64(a.Value(i).Float32()))
	case *array.Float32:
		return Float(float64(a.Value(i)))
	case *array.Float64:
		return Float(a.Value(i))
	case *array.Decimal128:
		dt := a.DataType().(*arrow.Decimal128Type)
		return Dec(NewDecimal(a.Value(i).BigInt(), -dt.Scale))
	case *array.Decimal256:
		dt := a.DataType().(*arrow.Decimal256Type)
		return Dec(NewDecimal(a.Value(i).BigInt(), -dt.Scale))
	case *array.String:
		return String(a.Value(i))
	case *array.LargeString:
		return String(a.Value(i))
	case *array.Boolean:
		return Bool(a.Value(i))
	case *array.Binary:
		return Bytes(append([]byte(nil), a.Value(i)...))
	case *array.LargeBinary:
		return Bytes(append([]byte(nil), a.Value(i)...))
	case *array.Timestamp:
		dt := a.DataType().(*arrow.TimestampType)
		return Timestamp(a.Value(i).ToTime(dt.Unit))
	case *array.Date32:
		return Date(a.Value(i).ToTime())
	case *array.Date64:
		return Date(a.Value(i).ToTime())
	case *array.Duration:
		dt := a.DataType().(*arrow.DurationType)
		return Duration(time.Duration(a.Value(i)) * dt.Unit.Multiplier())
	case *array.List:
		start, end := a.ValueOffsets(i)
		return List(sliceValues(a.ListValues(), int(start), int(end)))
	case *array.LargeList:
		start, end := a.ValueOffsets(i)
		return List(sliceValues(a.ListValues(), int(start), int(end)))
	case *array.Struct:
		st := a.DataType().(*arrow.StructType)
		row := make(Row, st.NumFields())
		for f := 0; f < st.NumFields(); f++ {
			row[f] = Field{Name: st.Field(f).Name, Value: FromArrow(a.Field(f), i)}
		}
		return Struct(row)
	case *array.Null:
		return Null()
	}
	return String(arr.ValueStr(i))
}

func sliceValues(arr arrow.Array, start, end int) []Value {
	out := make([]Value, 0, end-start)
	for j := start; j < end; j++ {
		out = append(out, FromArrow(arr, j))
	}
	return out
}

// BigInt returns the unscaled coefficient of a decimal value, or the
// integer itself for KindInt.
func (v Value) BigInt() *big.Int {
	if v.kind == KindInt {
		return big.NewInt(v.i)
	}
	return v.d.Coefficient()
}
